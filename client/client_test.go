package client

import (
	"encoding/hex"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/sage-x-project/sage-relay/config"
	"github.com/sage-x-project/sage-relay/protocol"
	"github.com/sage-x-project/sage-relay/wallet/ethwallet"
)

// fakeServer is a minimal hand-rolled WebSocket endpoint used to drive
// Client through scenarios the full server package doesn't need to
// own: a valid and a bogus server signature. Upgrade refusal is
// driven by a plain httptest server instead.
type fakeServer struct {
	ln       net.Listener
	upgrader websocket.Upgrader
	handler  func(*websocket.Conn)
}

func newFakeServer(t *testing.T, handler func(*websocket.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	fs := &fakeServer{ln: ln, handler: handler}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := fs.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fs.handler(conn)
	})
	srv := &http.Server{Handler: mux}
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })

	return ln.Addr().String()
}

func splitHostPort(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}

func testClientConfig(t *testing.T, addr string) config.ClientConfig {
	host, port := splitHostPort(t, addr)
	cfg := config.DefaultClientConfig()
	cfg.Host = host
	cfg.Port = port
	cfg.AuthTimeout = 500 * time.Millisecond
	cfg.MaxReconnectAttempts = 3
	cfg.ReconnectDelay = 20 * time.Millisecond
	return cfg
}

func TestClientAuthenticatesAgainstValidServerSignature(t *testing.T) {
	scheme := ethwallet.Scheme{}
	serverWallet, err := scheme.Generate()
	require.NoError(t, err)

	addr := newFakeServer(t, func(conn *websocket.Conn) {
		_, _, err := conn.ReadMessage() // client's authenticate
		if err != nil {
			return
		}
		now := time.Now().UnixMilli()
		sig, _ := serverWallet.Sign([]byte(strconv.FormatInt(now, 10)))
		resp := protocol.NewAuthenticate(serverWallet.Address(), now, hex.EncodeToString(sig))
		data, _ := json.Marshal(resp)
		conn.WriteMessage(websocket.TextMessage, data)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	clientWallet, err := scheme.Generate()
	require.NoError(t, err)

	c := New(clientWallet, scheme, testClientConfig(t, addr))

	authedCh := make(chan string, 1)
	c.OnAuthenticated(func(serverAddr string) { authedCh <- serverAddr })

	require.NoError(t, c.Connect())
	defer c.Disconnect()

	select {
	case got := <-authedCh:
		require.Equal(t, serverWallet.Address(), got)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for authentication")
	}
	require.True(t, c.Authenticated())
}

func TestClientRejectsInvalidServerSignature(t *testing.T) {
	scheme := ethwallet.Scheme{}
	impostor, err := scheme.Generate()
	require.NoError(t, err)

	addr := newFakeServer(t, func(conn *websocket.Conn) {
		_, _, err := conn.ReadMessage()
		if err != nil {
			return
		}
		now := time.Now().UnixMilli()
		resp := protocol.NewAuthenticate(impostor.Address(), now, hex.EncodeToString([]byte("bogus")))
		data, _ := json.Marshal(resp)
		conn.WriteMessage(websocket.TextMessage, data)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	clientWallet, err := scheme.Generate()
	require.NoError(t, err)
	cfg := testClientConfig(t, addr)
	cfg.MaxReconnectAttempts = 0
	c := New(clientWallet, scheme, cfg)

	errCh := make(chan *Error, 1)
	c.OnError(func(e *Error) {
		if e.Kind == ErrServerAuthFailure {
			errCh <- e
		}
	})

	require.NoError(t, c.Connect())
	defer c.Disconnect()

	select {
	case e := <-errCh:
		require.Equal(t, ErrServerAuthFailure, e.Kind)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for server auth failure")
	}
}

func TestReconnectBacksOffLinearlyAndGivesUp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "refused", http.StatusForbidden)
	}))
	defer srv.Close()

	host, port := splitHostPortFromURL(t, srv.URL)

	scheme := ethwallet.Scheme{}
	clientWallet, err := scheme.Generate()
	require.NoError(t, err)

	cfg := config.DefaultClientConfig()
	cfg.Host = host
	cfg.Port = port
	cfg.AuthTimeout = 200 * time.Millisecond
	cfg.MaxReconnectAttempts = 2
	cfg.ReconnectDelay = 10 * time.Millisecond

	c := New(clientWallet, scheme, cfg)

	var attempts []int
	reconnectingDone := make(chan struct{})
	c.OnReconnecting(func(attempt int, delay time.Duration) {
		attempts = append(attempts, attempt)
		if attempt == cfg.MaxReconnectAttempts {
			close(reconnectingDone)
		}
	})

	exhaustedCh := make(chan struct{}, 1)
	c.OnError(func(e *Error) {
		if e.Kind == ErrReconnectExhausted {
			exhaustedCh <- struct{}{}
		}
	})

	c.Connect()

	select {
	case <-reconnectingDone:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reconnect attempts")
	}

	select {
	case <-exhaustedCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reconnect exhaustion")
	}

	require.Equal(t, []int{1, 2}, attempts)
}

func splitHostPortFromURL(t *testing.T, url string) (string, int) {
	t.Helper()
	trimmed := strings.TrimPrefix(url, "http://")
	return splitHostPort(t, trimmed)
}
