package server

import (
	"sync"

	"github.com/sage-x-project/sage-relay/internal/logger"
)

// handlers collects the registered callbacks for one Server, each kept
// as a slice so multiple listeners can be attached to the same event
// the way an application and its metrics/logging wiring both want to.
type handlers struct {
	mu sync.RWMutex

	connected    []func(*Peer)
	authed       []func(*Peer)
	message      []func(*Peer, any)
	heartbeat    []func(*Peer, string)
	disconnected []func(*Peer)
	errored      []func(*Error)
	closed       []func()
}

// OnConnected registers fn to run once a raw socket completes the
// authentication handshake and is admitted to the peer table. Fired
// immediately before OnAuthenticated for the same peer.
func (s *Server) OnConnected(fn func(*Peer)) {
	s.h.mu.Lock()
	defer s.h.mu.Unlock()
	s.h.connected = append(s.h.connected, fn)
}

// OnAuthenticated registers fn to run once a peer is admitted.
func (s *Server) OnAuthenticated(fn func(*Peer)) {
	s.h.mu.Lock()
	defer s.h.mu.Unlock()
	s.h.authed = append(s.h.authed, fn)
}

// OnMessage registers fn to run for every decoded message from an
// authenticated peer other than authenticate and heartbeat frames.
func (s *Server) OnMessage(fn func(*Peer, any)) {
	s.h.mu.Lock()
	defer s.h.mu.Unlock()
	s.h.message = append(s.h.message, fn)
}

// OnHeartbeat registers fn to run whenever an authenticated peer sends
// a heartbeat frame. Heartbeats the server's own sweeper sends do not
// fire it.
func (s *Server) OnHeartbeat(fn func(*Peer, string)) {
	s.h.mu.Lock()
	defer s.h.mu.Unlock()
	s.h.heartbeat = append(s.h.heartbeat, fn)
}

// OnDisconnected registers fn to run once a peer's transport closes,
// whether by remote close, idle eviction, or address-collision
// replacement.
func (s *Server) OnDisconnected(fn func(*Peer)) {
	s.h.mu.Lock()
	defer s.h.mu.Unlock()
	s.h.disconnected = append(s.h.disconnected, fn)
}

// OnError registers fn to run for every classified error the server
// raises (see ErrKind).
func (s *Server) OnError(fn func(*Error)) {
	s.h.mu.Lock()
	defer s.h.mu.Unlock()
	s.h.errored = append(s.h.errored, fn)
}

// OnClose registers fn to run once, when Close completes.
func (s *Server) OnClose(fn func()) {
	s.h.mu.Lock()
	defer s.h.mu.Unlock()
	s.h.closed = append(s.h.closed, fn)
}

func (s *Server) emitConnected(p *Peer) {
	s.h.mu.RLock()
	fns := append([]func(*Peer){}, s.h.connected...)
	s.h.mu.RUnlock()
	for _, fn := range fns {
		fn(p)
	}
}

func (s *Server) emitAuthenticated(p *Peer) {
	s.h.mu.RLock()
	fns := append([]func(*Peer){}, s.h.authed...)
	s.h.mu.RUnlock()
	for _, fn := range fns {
		fn(p)
	}
}

func (s *Server) emitMessage(p *Peer, msg any) {
	s.h.mu.RLock()
	fns := append([]func(*Peer, any){}, s.h.message...)
	s.h.mu.RUnlock()
	for _, fn := range fns {
		fn(p, msg)
	}
}

func (s *Server) emitHeartbeat(p *Peer, raw string) {
	s.h.mu.RLock()
	fns := append([]func(*Peer, string){}, s.h.heartbeat...)
	s.h.mu.RUnlock()
	for _, fn := range fns {
		fn(p, raw)
	}
}

func (s *Server) emitDisconnected(p *Peer) {
	s.h.mu.RLock()
	fns := append([]func(*Peer){}, s.h.disconnected...)
	s.h.mu.RUnlock()
	for _, fn := range fns {
		fn(p)
	}
}

func (s *Server) emitError(kind ErrKind, address string, err error) {
	e := newErr(kind, address, err)
	s.log.Warn("server error", logger.String("kind", string(kind)), logger.String("address", address), logger.Err(err))
	s.h.mu.RLock()
	fns := append([]func(*Error){}, s.h.errored...)
	s.h.mu.RUnlock()
	for _, fn := range fns {
		fn(e)
	}
}

func (s *Server) emitClose() {
	s.h.mu.RLock()
	fns := append([]func(){}, s.h.closed...)
	s.h.mu.RUnlock()
	for _, fn := range fns {
		fn()
	}
}
