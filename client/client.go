// Package client implements the authenticated WebSocket session
// client: connect/authenticate, heartbeat reply, and bounded
// linear-backoff reconnection on unexpected disconnect.
package client

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/sage-x-project/sage-relay/config"
	"github.com/sage-x-project/sage-relay/internal/logger"
	"github.com/sage-x-project/sage-relay/internal/metrics"
	"github.com/sage-x-project/sage-relay/protocol"
	"github.com/sage-x-project/sage-relay/transport"
	"github.com/sage-x-project/sage-relay/transport/wsconn"
	"github.com/sage-x-project/sage-relay/wallet"
)

// ErrKind classifies errors delivered through OnError.
type ErrKind string

const (
	ErrDial               ErrKind = "dial"
	ErrServerAuthFailure  ErrKind = "server_auth_failure"
	ErrReconnectExhausted ErrKind = "reconnect_exhausted"
)

// Error is the concrete type delivered to OnError handlers.
type Error struct {
	Kind ErrKind
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %v", e.Kind, e.Err) }
func (e *Error) Unwrap() error  { return e.Err }

// Client is the authenticated WebSocket session client described in
// the package doc.
type Client struct {
	wallet wallet.Wallet
	scheme wallet.Scheme
	cfg    config.ClientConfig
	log    logger.Logger

	mu                sync.Mutex
	conn              transport.Conn
	shouldReconnect   bool
	reconnectAttempts int
	authenticated     bool
	serverAddress     string

	eventsMu       sync.RWMutex
	onConnected    []func()
	onAuthed       []func(string)
	onMessage      []func(any)
	onHeartbeat    []func(string)
	onDisconnected []func()
	onReconnecting []func(attempt int, delay time.Duration)
	onError        []func(*Error)
}

// New constructs a Client bound to w and a scheme used to verify the
// server's half of the handshake.
func New(w wallet.Wallet, scheme wallet.Scheme, cfg config.ClientConfig) *Client {
	return &Client{
		wallet: w,
		scheme: scheme,
		cfg:    cfg,
		log:    logger.Default(),
	}
}

func (c *Client) OnConnected(fn func()) {
	c.eventsMu.Lock()
	defer c.eventsMu.Unlock()
	c.onConnected = append(c.onConnected, fn)
}

func (c *Client) OnAuthenticated(fn func(serverAddress string)) {
	c.eventsMu.Lock()
	defer c.eventsMu.Unlock()
	c.onAuthed = append(c.onAuthed, fn)
}

func (c *Client) OnMessage(fn func(msg any)) {
	c.eventsMu.Lock()
	defer c.eventsMu.Unlock()
	c.onMessage = append(c.onMessage, fn)
}

func (c *Client) OnHeartbeat(fn func(ts string)) {
	c.eventsMu.Lock()
	defer c.eventsMu.Unlock()
	c.onHeartbeat = append(c.onHeartbeat, fn)
}

func (c *Client) OnDisconnected(fn func()) {
	c.eventsMu.Lock()
	defer c.eventsMu.Unlock()
	c.onDisconnected = append(c.onDisconnected, fn)
}

func (c *Client) OnReconnecting(fn func(attempt int, delay time.Duration)) {
	c.eventsMu.Lock()
	defer c.eventsMu.Unlock()
	c.onReconnecting = append(c.onReconnecting, fn)
}

func (c *Client) OnError(fn func(*Error)) {
	c.eventsMu.Lock()
	defer c.eventsMu.Unlock()
	c.onError = append(c.onError, fn)
}

// Connect opens a new transport to the configured server and enables
// automatic reconnection on later disconnect. It returns once the
// dial attempt completes (successfully or not); completion of the
// handshake itself is signaled through OnAuthenticated.
func (c *Client) Connect() error {
	c.mu.Lock()
	c.shouldReconnect = true
	c.reconnectAttempts = 0
	c.mu.Unlock()
	return c.dial()
}

// Disconnect closes the current transport and disables reconnection.
// Idempotent; safe to call whether or not a connection is currently
// open.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.shouldReconnect = false
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// Send JSON-encodes msg and writes it to the current transport. It is
// a no-op if no transport is currently open.
func (c *Client) Send(msg interface{}) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("client: marshal message: %w", err)
	}
	return conn.Send(data)
}

// Connected reports whether a transport is currently open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Authenticated reports whether the server's half of the handshake
// has been verified on the current transport.
func (c *Client) Authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}

// Address returns the client's own wallet address.
func (c *Client) Address() string { return c.wallet.Address() }

func (c *Client) url() string {
	scheme := "ws"
	if c.cfg.TLS {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s:%d/ws", scheme, c.cfg.Host, c.cfg.Port)
}

func (c *Client) dial() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.AuthTimeout)
	defer cancel()

	conn, err := wsconn.Dial(ctx, c.url(), c.cfg.AuthTimeout, c.cfg.AuthTimeout, c.cfg.AuthTimeout)
	if err != nil {
		c.emitError(ErrDial, err)
		c.afterDisconnect()
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.authenticated = false
	c.mu.Unlock()

	if err := c.sendAuthenticate(conn); err != nil {
		c.emitError(ErrDial, err)
		conn.Close()
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		c.afterDisconnect()
		return err
	}

	c.mu.Lock()
	c.reconnectAttempts = 0
	c.mu.Unlock()
	c.emitConnected()

	go conn.ReadLoop(
		func(data []byte) { c.onFrame(data) },
		func() {},
		func(err error) { c.onClose(err) },
	)
	return nil
}

func (c *Client) sendAuthenticate(conn transport.Conn) error {
	now := time.Now().UnixMilli()
	sig, err := c.wallet.Sign([]byte(strconv.FormatInt(now, 10)))
	if err != nil {
		return fmt.Errorf("client: sign authenticate: %w", err)
	}
	msg := protocol.NewAuthenticate(c.wallet.Address(), now, hex.EncodeToString(sig))
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("client: marshal authenticate: %w", err)
	}
	return conn.Send(data)
}

func (c *Client) onFrame(data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		c.log.Warn("client: malformed frame", logger.Err(err))
		return
	}

	switch m := msg.(type) {
	case *protocol.Authenticate:
		c.handleServerAuthenticate(m)
	case *protocol.Heartbeat:
		c.replyHeartbeat()
		c.emitHeartbeat(strconv.FormatInt(m.TS, 10))
	case *protocol.User:
		c.emitMessage(m)
	}
}

func (c *Client) handleServerAuthenticate(m *protocol.Authenticate) {
	if !c.scheme.Verify([]byte(strconv.FormatInt(m.Timestamp, 10)), mustHex(m.Signature), m.Address) {
		c.emitError(ErrServerAuthFailure, fmt.Errorf("invalid server signature"))
		c.Disconnect()
		return
	}

	age := time.Now().UnixMilli() - m.Timestamp
	if age < 0 {
		age = -age
	}
	if time.Duration(age)*time.Millisecond >= c.cfg.AuthTimeout {
		c.emitError(ErrServerAuthFailure, fmt.Errorf("server timestamp outside freshness window"))
		c.Disconnect()
		return
	}

	c.mu.Lock()
	c.authenticated = true
	c.serverAddress = m.Address
	c.mu.Unlock()

	c.emitAuthenticated(m.Address)
}

func (c *Client) replyHeartbeat() {
	c.Send(protocol.NewHeartbeat(time.Now().UnixMilli()))
}

func (c *Client) onClose(_ error) {
	c.mu.Lock()
	c.conn = nil
	c.authenticated = false
	c.mu.Unlock()

	c.emitDisconnected()
	c.afterDisconnect()
}

// afterDisconnect decides whether to schedule a reconnect attempt. It
// runs both after a transport that was open closes, and after a dial
// attempt that never opened a transport at all (e.g. the server
// refused the upgrade) — from the caller's perspective both are the
// same event: the current attempt did not yield a session.
func (c *Client) afterDisconnect() {
	c.mu.Lock()
	if !c.shouldReconnect {
		c.mu.Unlock()
		return
	}
	if c.reconnectAttempts >= c.cfg.MaxReconnectAttempts {
		c.shouldReconnect = false
		c.mu.Unlock()
		c.emitError(ErrReconnectExhausted, fmt.Errorf("max reconnect attempts reached"))
		return
	}
	c.reconnectAttempts++
	attempt := c.reconnectAttempts
	delay := c.cfg.ReconnectDelay * time.Duration(attempt)
	c.mu.Unlock()

	metrics.ReconnectAttemptsTotal.Inc()
	c.emitReconnecting(attempt, delay)
	time.AfterFunc(delay, func() { c.dial() })
}

func mustHex(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil
	}
	return b
}

func (c *Client) emitConnected() {
	c.eventsMu.RLock()
	fns := append([]func(){}, c.onConnected...)
	c.eventsMu.RUnlock()
	for _, fn := range fns {
		fn()
	}
}

func (c *Client) emitAuthenticated(addr string) {
	c.eventsMu.RLock()
	fns := append([]func(string){}, c.onAuthed...)
	c.eventsMu.RUnlock()
	for _, fn := range fns {
		fn(addr)
	}
}

func (c *Client) emitMessage(msg any) {
	c.eventsMu.RLock()
	fns := append([]func(any){}, c.onMessage...)
	c.eventsMu.RUnlock()
	for _, fn := range fns {
		fn(msg)
	}
}

func (c *Client) emitHeartbeat(ts string) {
	c.eventsMu.RLock()
	fns := append([]func(string){}, c.onHeartbeat...)
	c.eventsMu.RUnlock()
	for _, fn := range fns {
		fn(ts)
	}
}

func (c *Client) emitDisconnected() {
	c.eventsMu.RLock()
	fns := append([]func(){}, c.onDisconnected...)
	c.eventsMu.RUnlock()
	for _, fn := range fns {
		fn()
	}
}

func (c *Client) emitReconnecting(attempt int, delay time.Duration) {
	c.eventsMu.RLock()
	fns := append([]func(int, time.Duration){}, c.onReconnecting...)
	c.eventsMu.RUnlock()
	for _, fn := range fns {
		fn(attempt, delay)
	}
}

func (c *Client) emitError(kind ErrKind, err error) {
	e := &Error{Kind: kind, Err: err}
	c.log.Warn("client error", logger.String("kind", string(kind)), logger.Err(err))
	c.eventsMu.RLock()
	fns := append([]func(*Error){}, c.onError...)
	c.eventsMu.RUnlock()
	for _, fn := range fns {
		fn(e)
	}
}
