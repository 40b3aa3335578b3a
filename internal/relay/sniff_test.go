package relay

import (
	"bytes"
	"errors"
	"net"
	"testing"
	"time"
)

func TestParseToken(t *testing.T) {
	cases := []struct {
		name     string
		input    string
		token    string
		httpLike bool
		ok       bool
	}{
		{"http query token", "GET /x?token=abc HTTP/1.1\r\nHost: h\r\n\r\n", "abc", true, true},
		{"http encoded token", "GET /x?token=a%2Bb HTTP/1.1\r\n", "a+b", true, true},
		{"http token among params", "POST /run?mode=fast&token=edge-1 HTTP/1.0\r\n", "edge-1", true, true},
		{"http without token", "GET /x HTTP/1.1\r\n", "", true, false},
		{"http bad target", "GET ://bad HTTP/1.1\r\n", "", true, false},
		{"raw newline", "token=abc\npayload", "abc", false, true},
		{"raw crlf", "token=abc\r\n", "abc", false, true},
		{"raw ampersand", "token=abc&rest=1\n", "abc", false, true},
		{"raw nul", "token=abc\x00tail", "abc", false, true},
		{"raw empty value", "token=\n", "", false, false},
		{"garbage", "SSH-2.0-OpenSSH_9.6\r\n", "", false, false},
		{"no delimiter yet", "token=abc", "", false, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			token, httpLike, ok := parseToken([]byte(tc.input))
			if token != tc.token || httpLike != tc.httpLike || ok != tc.ok {
				t.Errorf("parseToken(%q) = (%q, %v, %v), want (%q, %v, %v)",
					tc.input, token, httpLike, ok, tc.token, tc.httpLike, tc.ok)
			}
		})
	}
}

func TestSniffTokenRetainsBytes(t *testing.T) {
	client, server := tcpPair(t)
	request := "GET /x?token=abc HTTP/1.1\r\nHost: h\r\n\r\nbody"
	go func() {
		// Two writes so the sniffer has to accumulate.
		_, _ = client.Write([]byte(request[:10]))
		time.Sleep(10 * time.Millisecond)
		_, _ = client.Write([]byte(request[10:]))
	}()

	res, err := sniffToken(server, DefaultSniffLimit, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if res.token != "abc" {
		t.Errorf("token = %q, want %q", res.token, "abc")
	}
	if !res.httpLike {
		t.Error("expected httpLike")
	}
	if !bytes.HasPrefix([]byte(request), res.buffered) {
		t.Errorf("buffered bytes %q are not a prefix of the request", res.buffered)
	}
	if !bytes.Contains(res.buffered, []byte("token=abc")) {
		t.Errorf("buffered bytes %q lost the request line", res.buffered)
	}
}

func TestSniffTokenAtExactCap(t *testing.T) {
	client, server := tcpPair(t)
	line := "GET /?token=a HTTP/1.1\r\n"
	go func() { _, _ = client.Write([]byte(line)) }()

	res, err := sniffToken(server, len(line), time.Second)
	if err != nil {
		t.Fatalf("line exactly at the cap should parse, got %v", err)
	}
	if res.token != "a" {
		t.Errorf("token = %q, want %q", res.token, "a")
	}
}

func TestSniffTokenOverflow(t *testing.T) {
	client, server := tcpPair(t)
	go func() { _, _ = client.Write(bytes.Repeat([]byte("x"), 200)) }()

	_, err := sniffToken(server, 64, time.Second)
	if !errors.Is(err, ErrSniffOverflow) {
		t.Errorf("expected ErrSniffOverflow, got %v", err)
	}
}

func TestSniffTokenSilentClient(t *testing.T) {
	_, server := tcpPair(t)
	start := time.Now()
	_, err := sniffToken(server, DefaultSniffLimit, 100*time.Millisecond)
	if err == nil {
		t.Fatal("expected error for a client that sends nothing")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("sniff did not respect the deadline, took %v", elapsed)
	}
}

func tcpPair(t *testing.T) (client, server net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		accepted <- c
	}()
	client, err = net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	select {
	case server = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("accept timed out")
	}
	t.Cleanup(func() { _ = client.Close(); _ = server.Close() })
	return client, server
}
