package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/sage-x-project/sage-relay/internal/metrics"
	"github.com/sage-x-project/sage-relay/protocol"
)

// startSweepers launches one goroutine per configured interval. A
// zero interval disables the corresponding sweeper entirely, per the
// configuration contract.
func (s *Server) startSweepers() {
	if s.cfg.AuthCheckInterval > 0 {
		s.sweepersWG.Add(1)
		go s.runTicker(s.cfg.AuthCheckInterval, s.sweepAuthTimeouts)
	}
	if s.cfg.HeartbeatInterval > 0 {
		s.sweepersWG.Add(1)
		go s.runTicker(s.cfg.HeartbeatInterval, s.emitHeartbeats)
	}
	if s.cfg.ClientTimeoutInterval > 0 {
		s.sweepersWG.Add(1)
		go s.runTicker(s.cfg.ClientTimeoutInterval, s.sweepIdlePeers)
	}
}

func (s *Server) runTicker(interval time.Duration, fn func()) {
	defer s.sweepersWG.Done()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-s.stopSweepers:
			return
		case <-t.C:
			fn()
		}
	}
}

// sweepAuthTimeouts evicts any socket still in pendingConns whose
// upgrade happened more than AuthTimeout ago without completing the
// handshake. Raw pendingSockets entries are, in practice, removed
// synchronously within handleUpgrade (the upgrade call blocks until
// it succeeds or fails) and the slow-header case below that is instead
// bounded by http.Server's ReadHeaderTimeout, so this sweeper rarely
// finds anything in pendingSockets; it still scans that table for
// completeness and testability.
func (s *Server) sweepAuthTimeouts() {
	cutoff := time.Now().Add(-s.cfg.AuthTimeout)

	s.mu.Lock()
	var stale []*trackedConn
	for _, tc := range s.pendingConns {
		if tc.stage == stagePendingAuth && tc.upgradedAt.Before(cutoff) {
			stale = append(stale, tc)
		}
	}
	for id, ps := range s.pendingSockets {
		if ps.acceptedAt.Before(cutoff) {
			delete(s.pendingSockets, id)
		}
	}
	s.mu.Unlock()

	for _, tc := range stale {
		s.rejectPreAuth(tc, http.StatusRequestTimeout, "authentication timeout", "timeout")
		s.emitError(ErrTimeout, "", fmt.Errorf("authentication window elapsed"))
		metrics.SweepEvictionsTotal.WithLabelValues("auth_timeout").Inc()
	}
}

// emitHeartbeats pings every authenticated peer and sends a heartbeat
// frame, both advisory: a missed reply only matters once the idle
// sweeper's ClientTimeout elapses.
func (s *Server) emitHeartbeats() {
	now := time.Now().UnixMilli()
	hb := protocol.NewHeartbeat(now)
	for _, p := range s.Clients() {
		p.conn.Ping()
		p.Send(hb)
	}
}

// sweepIdlePeers evicts any authenticated peer with no recorded
// activity (message, heartbeat, or pong) within ClientTimeout.
func (s *Server) sweepIdlePeers() {
	cutoff := time.Now().Add(-s.cfg.ClientTimeout)
	for _, p := range s.Clients() {
		if p.LastActive().Before(cutoff) {
			s.mu.Lock()
			cur, ok := s.peers[p.address]
			removed := ok && cur == p
			if removed {
				delete(s.peers, p.address)
			}
			s.mu.Unlock()
			if !removed {
				continue
			}

			p.Close()
			metrics.PeersActive.Dec()
			metrics.SweepEvictionsTotal.WithLabelValues("idle").Inc()
			s.emitDisconnected(p)
			s.emitError(ErrTimeout, p.address, fmt.Errorf("client idle timeout"))
			s.audit("disconnected", p.address, "", "idle timeout")
		}
	}
}
