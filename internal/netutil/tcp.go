package netutil

import "net"

// SocketBufferSize is applied to both SO_RCVBUF and SO_SNDBUF.
const SocketBufferSize = 256 * 1024

// TuneTCP enables TCP_NODELAY and widens the kernel socket buffers on c.
// Best effort: the first failure is returned so the caller can log it,
// but the connection stays usable with default settings.
func TuneTCP(c net.Conn) error {
	tc, ok := c.(*net.TCPConn)
	if !ok {
		return nil
	}
	if err := tc.SetNoDelay(true); err != nil {
		return err
	}
	if err := tc.SetReadBuffer(SocketBufferSize); err != nil {
		return err
	}
	return tc.SetWriteBuffer(SocketBufferSize)
}
