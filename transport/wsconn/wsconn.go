// Package wsconn implements transport.Conn over gorilla/websocket.
package wsconn

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// TODO: restrict to configured origins in production.
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// Conn wraps a *websocket.Conn to implement transport.Conn.
type Conn struct {
	ws           *websocket.Conn
	writeMu      sync.Mutex
	writeTimeout time.Duration
	readTimeout  time.Duration
	remoteAddr   string
}

// Upgrade promotes an HTTP request to a WebSocket connection. Used by
// the server's raw-socket-acceptance stage.
func Upgrade(w http.ResponseWriter, r *http.Request, readTimeout, writeTimeout time.Duration) (*Conn, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("wsconn: upgrade: %w", err)
	}
	return &Conn{
		ws:           ws,
		writeTimeout: writeTimeout,
		readTimeout:  readTimeout,
		remoteAddr:   ws.RemoteAddr().String(),
	}, nil
}

// Dial opens a new outbound WebSocket connection. Used by the client.
func Dial(ctx context.Context, url string, dialTimeout, readTimeout, writeTimeout time.Duration) (*Conn, error) {
	dialer := &websocket.Dialer{HandshakeTimeout: dialTimeout}

	ws, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("wsconn: dial failed (HTTP %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("wsconn: dial failed: %w", err)
	}

	return &Conn{
		ws:           ws,
		writeTimeout: writeTimeout,
		readTimeout:  readTimeout,
		remoteAddr:   ws.RemoteAddr().String(),
	}, nil
}

// Send writes one text frame. Safe for concurrent use.
func (c *Conn) Send(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return fmt.Errorf("wsconn: set write deadline: %w", err)
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// SendAdvisory writes a plain-text advisory line, used for
// pre-authentication rejection status lines, without requiring JSON
// framing.
func (c *Conn) SendAdvisory(line string) error {
	return c.Send([]byte(line))
}

// Close closes the underlying connection. Idempotent.
func (c *Conn) Close() error {
	c.writeMu.Lock()
	_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	return c.ws.Close()
}

// RemoteAddr returns the peer's "host:port" as observed at accept/dial
// time.
func (c *Conn) RemoteAddr() string {
	return c.remoteAddr
}

// Ping sends a control-frame ping.
func (c *Conn) Ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return fmt.Errorf("wsconn: set write deadline: %w", err)
	}
	return c.ws.WriteMessage(websocket.PingMessage, nil)
}

// ReadLoop blocks reading frames until the connection closes or
// errors, dispatching onMessage/onPong/onClose as each event occurs.
func (c *Conn) ReadLoop(onMessage func([]byte), onPong func(), onClose func(error)) {
	c.ws.SetPongHandler(func(string) error {
		if onPong != nil {
			onPong()
		}
		return nil
	})

	for {
		if c.readTimeout > 0 {
			if err := c.ws.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
				onClose(err)
				return
			}
		}

		_, data, err := c.ws.ReadMessage()
		if err != nil {
			onClose(err)
			return
		}

		onMessage(data)
	}
}
