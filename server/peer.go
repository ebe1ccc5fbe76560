package server

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sage-x-project/sage-relay/transport"
)

// Peer is the bookkeeping record for a successfully authenticated
// counterparty: a stable local id, the peer's wallet address, the
// underlying transport, and a monotonically non-decreasing
// last-activity timestamp.
type Peer struct {
	id      string
	address string
	conn    transport.Conn

	mu         sync.Mutex
	lastActive time.Time
	closed     bool
}

func newPeer(address string, conn transport.Conn) *Peer {
	return &Peer{
		id:         uuid.NewString(),
		address:    address,
		conn:       conn,
		lastActive: time.Now(),
	}
}

// ID returns the peer's locally-unique opaque identifier. Distinct
// successive connections from the same address get distinct ids, so
// log lines can tell them apart.
func (p *Peer) ID() string { return p.id }

// Address returns the peer's wallet address.
func (p *Peer) Address() string { return p.address }

// LastActive returns the last time activity was recorded for this
// peer.
func (p *Peer) LastActive() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastActive
}

// Send JSON-serializes msg and writes it to the peer's transport.
func (p *Peer) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("server: marshal message for %s: %w", p.address, err)
	}
	return p.conn.Send(data)
}

// Close closes the peer's transport. Idempotent.
func (p *Peer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	return p.conn.Close()
}

// updateActivity sets lastActive to now. Called on any received
// application message and on any control-frame pong.
func (p *Peer) updateActivity() {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	if now.After(p.lastActive) {
		p.lastActive = now
	}
}
