package server

import (
	"bufio"
	"errors"
	"net"
	"sync"
	"time"

	"duorpc/codec"
)

// chanListener feeds connections accepted elsewhere to an http.Server.
type chanListener struct {
	addr      net.Addr
	conns     chan net.Conn
	done      chan struct{}
	closeOnce sync.Once
}

func newChanListener(addr net.Addr) *chanListener {
	return &chanListener{addr: addr, conns: make(chan net.Conn), done: make(chan struct{})}
}

func (l *chanListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

// push hands conn over, or closes it when the listener is gone.
func (l *chanListener) push(conn net.Conn) {
	select {
	case l.conns <- conn:
	case <-l.done:
		conn.Close()
	}
}

func (l *chanListener) Close() error {
	l.closeOnce.Do(func() { close(l.done) })
	return nil
}

func (l *chanListener) Addr() net.Addr { return l.addr }

// peekedConn is a connection whose first bytes were already buffered while sniffing.
type peekedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *peekedConn) Read(p []byte) (int, error) { return c.r.Read(p) }

var errStopping = errors.New("server stopping")

// sniff skips leading whitespace and reports whether the connection starts with a JSON object,
// i.e. speaks the direct protocol rather than HTTP. The timeout applies to each byte, so keep-alive
// padding holds the connection open. stopping is checked after every deadline change so that a
// deadline set by the server to release the connection is never pushed back.
func sniff(conn net.Conn, br *bufio.Reader, timeout time.Duration, stopping func() bool) (bool, error) {
	defer conn.SetReadDeadline(time.Time{})
	for {
		if timeout > 0 {
			conn.SetReadDeadline(time.Now().Add(timeout))
		}
		if stopping() {
			return false, errStopping
		}
		b, err := br.Peek(1)
		if err != nil {
			return false, err
		}
		if !codec.IsSpace(b[0]) {
			return b[0] == '{', nil
		}
		br.Discard(1)
	}
}
