package netutil

import (
	"io"
	"net"
	"sync"
)

const spliceBufSize = 64 * 1024

var spliceBufs = sync.Pool{
	New: func() any {
		b := make([]byte, spliceBufSize)
		return &b
	},
}

// Splice joins the two sides of a proxied connection and moves bytes in
// both directions until each has seen EOF, then closes both sockets. It
// returns the byte counts moved front-to-back and back-to-front.
//
// EOF on one side is relayed to the other as a write-half shutdown, so a
// client that finishes sending early still receives the full reply.
func Splice(front, back net.Conn) (in, out int64) {
	rev := make(chan int64, 1)
	go func() { rev <- relay(front, back) }()
	in = relay(back, front)
	out = <-rev
	_ = front.Close()
	_ = back.Close()
	return in, out
}

// relay drains src into dst, then signals EOF downstream without
// tearing down the opposite direction.
func relay(dst, src net.Conn) int64 {
	bp := spliceBufs.Get().(*[]byte)
	n, _ := io.CopyBuffer(dst, src, *bp)
	spliceBufs.Put(bp)
	shutdownWrite(dst)
	shutdownRead(src)
	return n
}

func shutdownWrite(c net.Conn) {
	if hc, ok := c.(interface{ CloseWrite() error }); ok {
		_ = hc.CloseWrite()
	}
}

func shutdownRead(c net.Conn) {
	if hc, ok := c.(interface{ CloseRead() error }); ok {
		_ = hc.CloseRead()
	}
}
