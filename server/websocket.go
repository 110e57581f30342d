package server

import (
	"bufio"
	"bytes"
	"io"
	"net/http"

	"github.com/gorilla/websocket"
)

// wsConn turns a websocket into the byte stream the direct loop reads, and sends every flushed
// batch of output as one text frame.
type wsConn struct {
	ws  *websocket.Conn
	r   io.Reader
	buf bytes.Buffer
}

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{ws: ws}
}

// Read concatenates the payloads of incoming frames.
func (c *wsConn) Read(p []byte) (int, error) {
	for {
		if c.r == nil {
			_, r, err := c.ws.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			c.r = r
		}
		n, err := c.r.Read(p)
		if err == io.EOF {
			c.r = nil
			if n == 0 {
				continue
			}
			err = nil
		}
		return n, err
	}
}

func (c *wsConn) Write(p []byte) (int, error) { return c.buf.Write(p) }

func (c *wsConn) Flush() error {
	if c.buf.Len() == 0 {
		return nil
	}
	// Messages end with a newline separator that a frame does not need.
	err := c.ws.WriteMessage(websocket.TextMessage, bytes.TrimRight(c.buf.Bytes(), "\n"))
	c.buf.Reset()
	return err
}

func (c *wsConn) Close() error { return c.ws.Close() }

// serveWS upgrades the request and runs it as a direct session.
func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.V(1).Info("websocket upgrade failed", "remote", r.RemoteAddr, "err", err.Error())
		return
	}
	conn := newWSConn(ws)
	s.runSession(r.Context(), newSession(bufio.NewReader(conn), conn, conn), "websocket", r.RemoteAddr)
}
