// Package transport defines the message-oriented duplex channel the
// server and client drive, independent of the concrete WebSocket
// library. wsconn provides the gorilla/websocket implementation.
package transport

// Conn is a message-oriented full-duplex channel. Implementations must
// support concurrent Send from multiple goroutines; Close and control
// frame handling are implementation-specific but must be safe to call
// from any goroutine.
type Conn interface {
	// Send writes one message frame. Safe for concurrent use.
	Send(data []byte) error

	// Close closes the underlying connection. Idempotent.
	Close() error

	// RemoteAddr returns a stable identity for the raw socket, used to
	// key pending-connection tables (e.g. "1.2.3.4:5678").
	RemoteAddr() string

	// ReadLoop blocks, invoking onMessage for every received frame and
	// onPong whenever a control-frame pong arrives, until the
	// connection closes or errors. onClose is called exactly once on
	// return, after which the Conn must not be used again.
	ReadLoop(onMessage func([]byte), onPong func(), onClose func(error))

	// Ping sends a control-frame ping. Best-effort liveness probe,
	// independent of the application-level heartbeat message.
	Ping() error

	// SendAdvisory writes a raw advisory line, used for the
	// pre-authentication rejection status lines. Cosmetic only; never
	// relied upon by either peer's protocol logic.
	SendAdvisory(line string) error
}
