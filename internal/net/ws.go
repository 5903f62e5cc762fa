package net

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// WSConn carries one packet per binary WebSocket message. Browser clients
// rely on TLS at the proxy, so frames are not ciphered.
type WSConn struct {
	conn         *websocket.Conn
	readTimeout  time.Duration
	writeTimeout time.Duration
}

func NewWSConn(conn *websocket.Conn, readTimeout, writeTimeout time.Duration) *WSConn {
	conn.SetReadLimit(maxPayload)
	return &WSConn{conn: conn, readTimeout: readTimeout, writeTimeout: writeTimeout}
}

func (c *WSConn) ReadFrame() ([]byte, error) {
	for {
		if c.readTimeout > 0 {
			c.conn.SetReadDeadline(time.Now().Add(c.readTimeout))
		}
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		if len(data) == 0 {
			return nil, fmt.Errorf("empty websocket frame")
		}
		return data, nil
	}
}

func (c *WSConn) WriteFrame(data []byte) error {
	if c.writeTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (c *WSConn) RemoteAddr() string { return c.conn.RemoteAddr().String() }

func (c *WSConn) Close() error { return c.conn.Close() }

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Origin policy is enforced by the fronting proxy.
	CheckOrigin: func(*http.Request) bool { return true },
}

// WSHandler upgrades requests and hands the connections to s.
func (s *Server) WSHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.log.Debug("websocket upgrade failed", zap.Error(err))
			return
		}
		s.Serve(NewWSConn(conn, s.opts.ReadTimeout, s.opts.WriteTimeout))
	})
}
