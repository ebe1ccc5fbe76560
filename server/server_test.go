package server

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/sage-x-project/sage-relay/config"
	"github.com/sage-x-project/sage-relay/protocol"
	"github.com/sage-x-project/sage-relay/wallet"
	"github.com/sage-x-project/sage-relay/wallet/ethwallet"
)

func newTestServer(t *testing.T, mutate func(*config.ServerConfig)) (*Server, wallet.Wallet, string) {
	t.Helper()
	scheme := ethwallet.Scheme{}
	serverWallet, err := scheme.Generate()
	require.NoError(t, err)

	cfg := config.DefaultServerConfig()
	cfg.Port = 0
	cfg.AuthTimeout = 200 * time.Millisecond
	cfg.AuthCheckInterval = 20 * time.Millisecond
	cfg.HeartbeatInterval = 0
	cfg.ClientTimeout = 200 * time.Millisecond
	cfg.ClientTimeoutInterval = 20 * time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}

	s := New(serverWallet, scheme, cfg, Options{})

	var addr string
	ready := make(chan struct{})
	go func() {
		s.Listen(func(a string) { addr = a; close(ready) })
	}()
	<-ready
	t.Cleanup(func() { s.Close() })
	return s, serverWallet, addr
}

func dial(t *testing.T, addr string) *websocket.Conn {
	t.Helper()
	url := fmt.Sprintf("ws://%s/ws", addr)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func authFrame(t *testing.T, w wallet.Wallet) []byte {
	t.Helper()
	now := time.Now().UnixMilli()
	sig, err := w.Sign([]byte(strconv.FormatInt(now, 10)))
	require.NoError(t, err)
	msg := protocol.NewAuthenticate(w.Address(), now, hex.EncodeToString(sig))
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	return data
}

func TestHandshakeSucceedsWithValidSignature(t *testing.T) {
	s, _, addr := newTestServer(t, nil)

	scheme := ethwallet.Scheme{}
	clientWallet, err := scheme.Generate()
	require.NoError(t, err)

	authedCh := make(chan *Peer, 1)
	s.OnAuthenticated(func(p *Peer) { authedCh <- p })

	conn := dial(t, addr)
	defer conn.Close()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, authFrame(t, clientWallet)))

	select {
	case p := <-authedCh:
		require.Equal(t, clientWallet.Address(), p.Address())
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for authentication")
	}

	_, client := s.Client(clientWallet.Address())
	require.True(t, client)
}

func TestHandshakeRejectsStaleTimestamp(t *testing.T) {
	s, _, addr := newTestServer(t, nil)

	scheme := ethwallet.Scheme{}
	clientWallet, err := scheme.Generate()
	require.NoError(t, err)

	errCh := make(chan *Error, 1)
	s.OnError(func(e *Error) {
		if e.Kind == ErrAuthFailure {
			errCh <- e
		}
	})

	stale := time.Now().Add(-time.Hour).UnixMilli()
	sig, err := clientWallet.Sign([]byte(strconv.FormatInt(stale, 10)))
	require.NoError(t, err)
	msg := protocol.NewAuthenticate(clientWallet.Address(), stale, hex.EncodeToString(sig))
	data, err := json.Marshal(msg)
	require.NoError(t, err)

	conn := dial(t, addr)
	defer conn.Close()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))

	select {
	case e := <-errCh:
		require.Equal(t, ErrAuthFailure, e.Kind)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for auth failure")
	}

	_, ok := s.Client(clientWallet.Address())
	require.False(t, ok)
}

func TestHandshakeRejectsTimestampExactlyAtAuthTimeout(t *testing.T) {
	s, _, addr := newTestServer(t, nil)

	scheme := ethwallet.Scheme{}
	clientWallet, err := scheme.Generate()
	require.NoError(t, err)

	errCh := make(chan *Error, 1)
	s.OnError(func(e *Error) {
		if e.Kind == ErrAuthFailure {
			errCh <- e
		}
	})

	// age == AuthTimeout exactly: the freshness window is (now-timeout,
	// now+timeout), so this must be rejected, not admitted.
	ts := time.Now().Add(-s.cfg.AuthTimeout).UnixMilli()
	sig, err := clientWallet.Sign([]byte(strconv.FormatInt(ts, 10)))
	require.NoError(t, err)
	msg := protocol.NewAuthenticate(clientWallet.Address(), ts, hex.EncodeToString(sig))
	data, err := json.Marshal(msg)
	require.NoError(t, err)

	conn := dial(t, addr)
	defer conn.Close()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))

	select {
	case e := <-errCh:
		require.Equal(t, ErrAuthFailure, e.Kind)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for boundary rejection")
	}

	_, ok := s.Client(clientWallet.Address())
	require.False(t, ok)
}

func TestHandshakeRejectsBadSignature(t *testing.T) {
	s, _, addr := newTestServer(t, nil)

	scheme := ethwallet.Scheme{}
	clientWallet, err := scheme.Generate()
	require.NoError(t, err)

	errCh := make(chan *Error, 1)
	s.OnError(func(e *Error) {
		if e.Kind == ErrAuthFailure {
			errCh <- e
		}
	})

	now := time.Now().UnixMilli()
	msg := protocol.NewAuthenticate(clientWallet.Address(), now, hex.EncodeToString([]byte("not a real signature padded to look plausible!!")))
	data, err := json.Marshal(msg)
	require.NoError(t, err)

	conn := dial(t, addr)
	defer conn.Close()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))

	select {
	case e := <-errCh:
		require.Equal(t, ErrAuthFailure, e.Kind)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for auth failure")
	}
}

func TestWhitelistRejectsUnknownAddress(t *testing.T) {
	scheme := ethwallet.Scheme{}
	allowed, err := scheme.Generate()
	require.NoError(t, err)
	other, err := scheme.Generate()
	require.NoError(t, err)

	s, _, addr := newTestServer(t, func(cfg *config.ServerConfig) {
		cfg.Whitelist = []string{allowed.Address()}
	})

	errCh := make(chan *Error, 1)
	s.OnError(func(e *Error) {
		if e.Kind == ErrAuthFailure {
			errCh <- e
		}
	})

	conn := dial(t, addr)
	defer conn.Close()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, authFrame(t, other)))

	select {
	case e := <-errCh:
		require.Equal(t, ErrAuthFailure, e.Kind)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for whitelist rejection")
	}
}

func TestAddressCollisionReplacesExistingWhenConfigured(t *testing.T) {
	s, _, addr := newTestServer(t, func(cfg *config.ServerConfig) {
		cfg.ReplaceExisting = true
	})

	scheme := ethwallet.Scheme{}
	clientWallet, err := scheme.Generate()
	require.NoError(t, err)

	var authedCount sync.WaitGroup
	authedCount.Add(2)
	s.OnAuthenticated(func(p *Peer) { authedCount.Done() })

	first := dial(t, addr)
	defer first.Close()
	require.NoError(t, first.WriteMessage(websocket.TextMessage, authFrame(t, clientWallet)))
	time.Sleep(50 * time.Millisecond)

	second := dial(t, addr)
	defer second.Close()
	require.NoError(t, second.WriteMessage(websocket.TextMessage, authFrame(t, clientWallet)))

	done := make(chan struct{})
	go func() { authedCount.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for both authentications")
	}

	_, ok := s.Client(clientWallet.Address())
	require.True(t, ok)
}

func TestAddressCollisionRejectsSecondWhenNotReplacing(t *testing.T) {
	s, _, addr := newTestServer(t, func(cfg *config.ServerConfig) {
		cfg.ReplaceExisting = false
	})

	scheme := ethwallet.Scheme{}
	clientWallet, err := scheme.Generate()
	require.NoError(t, err)

	collisionCh := make(chan *Error, 1)
	s.OnError(func(e *Error) {
		if e.Kind == ErrAddressCollision {
			collisionCh <- e
		}
	})

	first := dial(t, addr)
	defer first.Close()
	require.NoError(t, first.WriteMessage(websocket.TextMessage, authFrame(t, clientWallet)))
	time.Sleep(50 * time.Millisecond)

	second := dial(t, addr)
	defer second.Close()
	require.NoError(t, second.WriteMessage(websocket.TextMessage, authFrame(t, clientWallet)))

	select {
	case e := <-collisionCh:
		require.Equal(t, ErrAddressCollision, e.Kind)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for collision rejection")
	}
}

func TestIdlePeerIsEvicted(t *testing.T) {
	s, _, addr := newTestServer(t, func(cfg *config.ServerConfig) {
		cfg.ClientTimeout = 80 * time.Millisecond
		cfg.ClientTimeoutInterval = 20 * time.Millisecond
	})

	scheme := ethwallet.Scheme{}
	clientWallet, err := scheme.Generate()
	require.NoError(t, err)

	disconnectedCh := make(chan *Peer, 1)
	s.OnDisconnected(func(p *Peer) { disconnectedCh <- p })

	conn := dial(t, addr)
	defer conn.Close()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, authFrame(t, clientWallet)))

	select {
	case p := <-disconnectedCh:
		require.Equal(t, clientWallet.Address(), p.Address())
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for idle eviction")
	}
}

func TestBroadcastDeliversToAllPeers(t *testing.T) {
	s, _, addr := newTestServer(t, nil)

	scheme := ethwallet.Scheme{}
	clientWallet, err := scheme.Generate()
	require.NoError(t, err)

	authedCh := make(chan struct{}, 1)
	s.OnAuthenticated(func(p *Peer) { authedCh <- struct{}{} })

	conn := dial(t, addr)
	defer conn.Close()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, authFrame(t, clientWallet)))

	select {
	case <-authedCh:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for authentication")
	}

	s.Broadcast(map[string]string{"type": "greeting", "text": "hi"})

	_, data, err := conn.ReadMessage() // server authenticate response
	require.NoError(t, err)
	var env protocol.Envelope
	require.NoError(t, json.Unmarshal(data, &env))

	_, data, err = conn.ReadMessage() // broadcast message
	require.NoError(t, err)
	require.Contains(t, string(data), "greeting")
}
