// Package server implements the authenticated WebSocket session
// server: a raw-socket/pre-auth/authenticated connection lifecycle
// gated by a wallet-signature handshake, with periodic sweepers for
// heartbeats, auth timeouts, and idle eviction.
package server

import (
	"context"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sage-x-project/sage-relay/config"
	"github.com/sage-x-project/sage-relay/internal/audit"
	"github.com/sage-x-project/sage-relay/internal/logger"
	"github.com/sage-x-project/sage-relay/internal/metrics"
	"github.com/sage-x-project/sage-relay/protocol"
	"github.com/sage-x-project/sage-relay/transport"
	"github.com/sage-x-project/sage-relay/transport/wsconn"
	"github.com/sage-x-project/sage-relay/wallet"
)

// connStage tracks a single accepted socket through its lifecycle.
// Transitions are one-way: pendingAuth -> authenticated -> closed, or
// pendingAuth -> closed directly on rejection.
type connStage int32

const (
	stagePendingAuth connStage = iota
	stageAuthenticated
	stageClosed
)

// trackedConn is the per-socket state shared between the read loop
// callbacks and the tables below. stage is read on every inbound
// frame to decide how to interpret it, so it must be read/written
// under mu.
type trackedConn struct {
	id         string
	tr         transport.Conn
	stage      connStage
	peer       *Peer
	upgradedAt time.Time
}

type pendingSocket struct {
	acceptedAt time.Time
}

// Predicate lets an embedding application reject an otherwise
// well-formed, fresh, correctly-signed handshake, e.g. against an
// external allowlist service.
type Predicate func(address string) bool

// Options configures a Server beyond what config.ServerConfig carries:
// callbacks that have no JSON-serializable representation.
type Options struct {
	// OnAuthenticate, if set, is consulted after the whitelist check
	// and before the freshness and signature checks. Returning false
	// rejects the handshake with ErrAuthFailure.
	OnAuthenticate Predicate

	// Audit, if non-nil, receives a write-only event for every
	// successful authentication, every rejection of a handshake that
	// named an address, and every disconnection of an authenticated
	// peer.
	Audit *audit.Sink

	// Logger overrides the package default logger.
	Logger logger.Logger
}

// Server is the authenticated WebSocket session server described in
// the package doc.
type Server struct {
	wallet wallet.Wallet
	scheme wallet.Scheme
	cfg    config.ServerConfig
	opts   Options
	log    logger.Logger
	h      handlers

	mu             sync.RWMutex
	pendingSockets map[string]*pendingSocket // keyed by remote addr
	pendingConns   map[string]*trackedConn   // keyed by trackedConn.id
	peers          map[string]*Peer          // keyed by wallet address
	closed         bool

	listener net.Listener
	http     *http.Server

	stopSweepers chan struct{}
	sweepersWG   sync.WaitGroup
}

// New constructs a Server bound to w (used to sign the server's half
// of the handshake) and scheme (used to verify clients' signatures).
func New(w wallet.Wallet, scheme wallet.Scheme, cfg config.ServerConfig, opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = logger.Default()
	}
	return &Server{
		wallet:         w,
		scheme:         scheme,
		cfg:            cfg,
		opts:           opts,
		log:            log,
		pendingSockets: make(map[string]*pendingSocket),
		pendingConns:   make(map[string]*trackedConn),
		peers:          make(map[string]*Peer),
		stopSweepers:   make(chan struct{}),
	}
}

// Listen starts accepting connections on cfg.Port and blocks until the
// listener stops (normally via Close). ready, if non-nil, is called
// once the listener is bound, useful for tests that need an
// ephemeral port.
func (s *Server) Listen(ready func(addr string)) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		return fmt.Errorf("server: listen: %w", err)
	}

	if s.cfg.TLS.CertFile != "" && s.cfg.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		if err != nil {
			ln.Close()
			return fmt.Errorf("server: load TLS cert: %w", err)
		}
		ln = tls.NewListener(ln, &tls.Config{Certificates: []tls.Certificate{cert}})
	}

	s.mu.Lock()
	s.listener = ln
	// ReadHeaderTimeout bounds the RAW stage directly: a socket that
	// never finishes sending its request line/headers is closed by
	// net/http itself, instead of sitting open until something else
	// notices. pendingSockets bookkeeping alone can't catch this since
	// it's only touched synchronously inside the blocking Upgrade call.
	s.http = &http.Server{Handler: mux, ReadHeaderTimeout: s.cfg.AuthTimeout}
	s.mu.Unlock()

	s.startSweepers()

	if ready != nil {
		ready(ln.Addr().String())
	}

	s.log.Info("server listening", logger.String("addr", ln.Addr().String()))
	err = s.http.Serve(ln)
	if err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: serve: %w", err)
	}
	return nil
}

// Close shuts the server down: sweepers stop, the listener closes, all
// pending and authenticated connections close, and OnClose fires
// exactly once. Idempotent.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.stopSweepers)

	ln := s.listener
	srv := s.http
	conns := make([]*trackedConn, 0, len(s.pendingConns))
	for _, c := range s.pendingConns {
		conns = append(conns, c)
	}
	peers := make([]*Peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.pendingSockets = make(map[string]*pendingSocket)
	s.pendingConns = make(map[string]*trackedConn)
	s.peers = make(map[string]*Peer)
	s.mu.Unlock()

	s.sweepersWG.Wait()

	for _, c := range conns {
		c.tr.Close()
	}
	for _, p := range peers {
		p.Close()
	}
	if srv != nil {
		srv.Close()
	}
	if ln != nil {
		ln.Close()
	}
	if s.opts.Audit != nil {
		s.opts.Audit.Close()
	}

	s.emitClose()
	return nil
}

// Clients returns a snapshot of currently authenticated peers.
func (s *Server) Clients() []*Peer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Peer, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p)
	}
	return out
}

// Client looks up a peer by wallet address.
func (s *Server) Client(address string) (*Peer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.peers[address]
	return p, ok
}

// Send JSON-encodes msg and delivers it to the peer at address. It
// reports an error if no such peer is currently connected.
func (s *Server) Send(address string, msg interface{}) error {
	p, ok := s.Client(address)
	if !ok {
		return fmt.Errorf("server: no authenticated peer at %s", address)
	}
	return p.Send(msg)
}

// Broadcast delivers msg to every currently authenticated peer,
// logging (but not returning) individual send failures.
func (s *Server) Broadcast(msg interface{}) {
	for _, p := range s.Clients() {
		if err := p.Send(msg); err != nil {
			s.log.Warn("broadcast send failed", logger.String("address", p.Address()), logger.Err(err))
		}
	}
}

// handleUpgrade is the HTTP handler for /ws. It admits the raw socket
// into the pendingSockets table, attempts the WebSocket upgrade, and
// on success moves the connection into pendingConns to await the
// handshake frame.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	remote := r.RemoteAddr

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		http.Error(w, "server closed", http.StatusServiceUnavailable)
		return
	}
	s.pendingSockets[remote] = &pendingSocket{acceptedAt: time.Now()}
	s.mu.Unlock()
	metrics.PendingActive.WithLabelValues("raw").Inc()

	// The transport-level read deadline is just a backstop against a
	// truly silent socket; the auth-timeout and idle sweepers are the
	// authoritative enforcement, so size it to cover whichever window
	// is currently in effect.
	readTimeout := s.cfg.ClientTimeout
	if s.cfg.AuthTimeout > readTimeout {
		readTimeout = s.cfg.AuthTimeout
	}
	conn, err := wsconn.Upgrade(w, r, readTimeout, s.cfg.ClientTimeout)

	s.mu.Lock()
	delete(s.pendingSockets, remote)
	s.mu.Unlock()
	metrics.PendingActive.WithLabelValues("raw").Dec()

	if err != nil {
		s.emitError(ErrTransport, "", err)
		return
	}

	tc := &trackedConn{id: uuid.NewString(), tr: conn, stage: stagePendingAuth, upgradedAt: time.Now()}

	s.mu.Lock()
	s.pendingConns[tc.id] = tc
	s.mu.Unlock()

	metrics.PendingActive.WithLabelValues("auth").Inc()

	go conn.ReadLoop(
		func(data []byte) { s.onMessage(tc, data) },
		func() { s.onPong(tc) },
		func(err error) { s.onClose(tc, err) },
	)
}

func (s *Server) onMessage(tc *trackedConn, data []byte) {
	s.mu.RLock()
	stage := tc.stage
	s.mu.RUnlock()

	switch stage {
	case stagePendingAuth:
		s.handlePreAuth(tc, data)
	case stageAuthenticated:
		s.handleAuthenticated(tc, data)
	}
}

func (s *Server) onPong(tc *trackedConn) {
	s.mu.RLock()
	peer := tc.peer
	s.mu.RUnlock()
	if peer != nil {
		peer.updateActivity()
	}
}

func (s *Server) onClose(tc *trackedConn, _ error) {
	s.mu.Lock()
	stage := tc.stage
	tc.stage = stageClosed
	delete(s.pendingConns, tc.id)
	var removedPeer *Peer
	if stage == stageAuthenticated && tc.peer != nil {
		if cur, ok := s.peers[tc.peer.address]; ok && cur == tc.peer {
			delete(s.peers, tc.peer.address)
			removedPeer = tc.peer
		}
	}
	s.mu.Unlock()

	if stage == stagePendingAuth {
		metrics.PendingActive.WithLabelValues("auth").Dec()
	}
	if removedPeer != nil {
		metrics.PeersActive.Dec()
		s.emitDisconnected(removedPeer)
		s.audit("disconnected", removedPeer.address, tc.tr.RemoteAddr(), "")
	}
}

// handlePreAuth implements the pre-authentication gate: the first
// frame on a freshly upgraded socket must be a well-formed, fresh,
// correctly-signed Authenticate message for an address that is
// whitelisted (if a whitelist is configured) and accepted by
// OnAuthenticate (if set).
func (s *Server) handlePreAuth(tc *trackedConn, data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		s.rejectPreAuth(tc, http.StatusBadRequest, "malformed message", "parse_error")
		s.emitError(ErrParse, "", err)
		return
	}

	auth, ok := msg.(*protocol.Authenticate)
	if !ok {
		s.rejectPreAuth(tc, http.StatusBadRequest, "expected authenticate message", "protocol_error")
		s.emitError(ErrProtocol, "", fmt.Errorf("first frame was not an authenticate message"))
		return
	}

	if len(s.cfg.Whitelist) > 0 && !addressWhitelisted(s.cfg.Whitelist, auth.Address) {
		s.rejectPreAuth(tc, http.StatusForbidden, "address not whitelisted", "whitelist_rejected")
		s.emitError(ErrAuthFailure, auth.Address, fmt.Errorf("address not whitelisted"))
		s.audit("auth_rejected", auth.Address, tc.tr.RemoteAddr(), "not whitelisted")
		return
	}

	if s.opts.OnAuthenticate != nil && !s.opts.OnAuthenticate(auth.Address) {
		s.rejectPreAuth(tc, http.StatusForbidden, "rejected by policy", "auth_rejected")
		s.emitError(ErrAuthFailure, auth.Address, fmt.Errorf("rejected by OnAuthenticate predicate"))
		s.audit("auth_rejected", auth.Address, tc.tr.RemoteAddr(), "rejected by predicate")
		return
	}

	now := time.Now().UnixMilli()
	age := now - auth.Timestamp
	if age < 0 {
		age = -age
	}
	if time.Duration(age)*time.Millisecond >= s.cfg.AuthTimeout {
		s.rejectPreAuth(tc, http.StatusUnauthorized, "stale timestamp", "stale_timestamp")
		s.emitError(ErrAuthFailure, auth.Address, fmt.Errorf("timestamp outside freshness window"))
		s.audit("auth_rejected", auth.Address, tc.tr.RemoteAddr(), "stale timestamp")
		return
	}

	sig, err := hex.DecodeString(auth.Signature)
	if err != nil || !s.scheme.Verify([]byte(strconv.FormatInt(auth.Timestamp, 10)), sig, auth.Address) {
		s.rejectPreAuth(tc, http.StatusUnauthorized, "invalid signature", "bad_signature")
		s.emitError(ErrAuthFailure, auth.Address, fmt.Errorf("signature verification failed"))
		s.audit("auth_rejected", auth.Address, tc.tr.RemoteAddr(), "bad signature")
		return
	}

	s.admit(tc, auth.Address)
}

// admit resolves any address collision and promotes tc to an
// authenticated Peer.
func (s *Server) admit(tc *trackedConn, address string) {
	s.mu.Lock()
	if existing, ok := s.peers[address]; ok {
		if !s.cfg.ReplaceExisting {
			s.mu.Unlock()
			s.rejectPreAuth(tc, http.StatusConflict, "address already connected", "collision_rejected")
			s.emitError(ErrAddressCollision, address, fmt.Errorf("client already exists"))
			s.audit("auth_rejected", address, tc.tr.RemoteAddr(), "address collision")
			return
		}
		delete(s.peers, address)
		s.mu.Unlock()

		metrics.PeersActive.Dec()
		existing.conn.SendAdvisory(fmt.Sprintf("%d replaced by new connection", http.StatusConflict))
		existing.Close()
		s.emitDisconnected(existing)
		s.emitError(ErrAddressCollision, address, fmt.Errorf("client replaced by new connection"))
		s.audit("disconnected", address, existing.conn.RemoteAddr(), "replaced by new connection")

		s.mu.Lock()
	}

	peer := newPeer(address, tc.tr)
	s.peers[address] = peer
	tc.peer = peer
	tc.stage = stageAuthenticated
	delete(s.pendingConns, tc.id)
	s.mu.Unlock()

	metrics.PendingActive.WithLabelValues("auth").Dec()
	metrics.PeersActive.Inc()
	metrics.HandshakeTotal.WithLabelValues("success").Inc()

	now := time.Now().UnixMilli()
	sig, err := s.wallet.Sign([]byte(strconv.FormatInt(now, 10)))
	if err != nil {
		s.emitError(ErrTransport, address, fmt.Errorf("sign server authenticate response: %w", err))
		return
	}
	resp := protocol.NewAuthenticate(s.wallet.Address(), now, hex.EncodeToString(sig))
	if err := peer.Send(resp); err != nil {
		s.emitError(ErrTransport, address, err)
	}

	s.emitConnected(peer)
	s.emitAuthenticated(peer)
	s.audit("authenticated", address, tc.tr.RemoteAddr(), "")
}

// handleAuthenticated dispatches a frame received on an already
// authenticated connection: every frame updates activity, heartbeats
// fire OnHeartbeat, an authenticate frame is a protocol error that
// closes the connection, and everything else (including disconnect
// and error frames) fires OnMessage.
func (s *Server) handleAuthenticated(tc *trackedConn, data []byte) {
	peer := tc.peer
	peer.updateActivity()

	msg, err := protocol.Decode(data)
	if err != nil {
		s.emitError(ErrParse, peer.address, err)
		return
	}

	switch m := msg.(type) {
	case *protocol.Authenticate:
		s.emitError(ErrProtocol, peer.address, fmt.Errorf("unexpected authenticate message on authenticated channel"))
		peer.Close()
	case *protocol.Heartbeat:
		s.emitHeartbeat(peer, strconv.FormatInt(m.TS, 10))
	case *protocol.User:
		s.emitMessage(peer, m)
	}
}

// rejectPreAuth closes tc with an advisory status line and records the
// rejection under result in HandshakeTotal, so every way a handshake
// can fail is visible in the same metric that counts successes.
func (s *Server) rejectPreAuth(tc *trackedConn, status int, reason, result string) {
	tc.tr.SendAdvisory(fmt.Sprintf("%d %s", status, reason))
	s.mu.Lock()
	tc.stage = stageClosed
	delete(s.pendingConns, tc.id)
	s.mu.Unlock()
	metrics.PendingActive.WithLabelValues("auth").Dec()
	metrics.HandshakeTotal.WithLabelValues(result).Inc()
	tc.tr.Close()
}

func (s *Server) audit(kind, address, remote, detail string) {
	if s.opts.Audit == nil {
		return
	}
	s.opts.Audit.Append(context.Background(), audit.Event{
		Kind:       kind,
		Address:    address,
		RemoteAddr: remote,
		Detail:     detail,
		At:         time.Now(),
	})
}

func addressWhitelisted(whitelist []string, address string) bool {
	for _, w := range whitelist {
		if w == address {
			return true
		}
	}
	return false
}
