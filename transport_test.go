/**
 * Client library for browser-hosted real-time meetings.
 * Copyright (C) 2024 struktur AG
 *
 * @author Joachim Bauch <bauch@struktur.de>
 *
 * @license GNU AGPL version 3 or any later version
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */
package meetings

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strukturag/meetings-client/api"
)

const testTimeout = 10 * time.Second

type testControlServer struct {
	t        *testing.T
	server   *httptest.Server
	upgrader websocket.Upgrader

	// Received non-ping envelopes.
	incoming chan *api.Envelope

	// Auth values seen in bootstrap form bodies.
	bootstrapAuth chan string

	// Established server side sockets.
	sockets chan *websocket.Conn

	mu    sync.Mutex
	conns []*websocket.Conn

	turn         atomic.Pointer[api.TURNConfig]
	turnRequests atomic.Int32

	// When set, pings are not answered.
	dropPings atomic.Bool

	// Auth value returned in pongs.
	pongAuth atomic.Pointer[string]

	// When non-zero, the bootstrap fails with this HTTP status.
	bootstrapStatus atomic.Int32
}

func newTestControlServer(t *testing.T) *testControlServer {
	s := &testControlServer{
		t:             t,
		incoming:      make(chan *api.Envelope, 16),
		bootstrapAuth: make(chan string, 16),
		sockets:       make(chan *websocket.Conn, 16),
	}

	router := mux.NewRouter()
	router.HandleFunc("/connect", s.handleConnect).Methods(http.MethodPost)
	router.HandleFunc("/turn", s.handleTURN).Methods(http.MethodPost)
	router.HandleFunc("/ws", s.handleWebSocket)
	s.server = httptest.NewServer(router)
	t.Cleanup(s.close)
	return s
}

func (s *testControlServer) close() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, conn := range conns {
		conn.Close()
	}
	s.server.Close()
}

func (s *testControlServer) connectURL() string {
	return s.server.URL + "/connect"
}

func (s *testControlServer) turnURL() string {
	return s.server.URL + "/turn"
}

func (s *testControlServer) handleConnect(w http.ResponseWriter, r *http.Request) {
	if status := s.bootstrapStatus.Load(); status != 0 {
		http.Error(w, http.StatusText(int(status)), int(status))
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	select {
	case s.bootstrapAuth <- r.PostForm.Get("auth"):
	default:
	}

	response := &api.ConnectResponse{
		OK:   true,
		URL:  s.server.URL + "/ws",
		TURN: s.turn.Load(),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		s.t.Error(err)
	}
}

func (s *testControlServer) handleTURN(w http.ResponseWriter, r *http.Request) {
	s.turnRequests.Add(1)
	response := &api.TURNResponse{
		TURN: s.turn.Load(),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		s.t.Error(err)
	}
}

func (s *testControlServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.t.Error(err)
		return
	}
	s.mu.Lock()
	s.conns = append(s.conns, conn)
	s.mu.Unlock()
	select {
	case s.sockets <- conn:
	default:
	}
	go s.readLoop(conn)
}

func (s *testControlServer) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var message api.Envelope
		if err := json.Unmarshal(data, &message); err != nil {
			s.t.Error(err)
			continue
		}

		if message.Type == api.TypePing {
			if s.dropPings.Load() {
				continue
			}
			pong := &api.Envelope{
				ID:   message.ID,
				Type: api.TypePong,
				TS:   message.TS,
			}
			if auth := s.pongAuth.Load(); auth != nil {
				pong.Auth = *auth
			}
			s.send(conn, pong)
			continue
		}
		s.incoming <- &message
	}
}

func (s *testControlServer) send(conn *websocket.Conn, message *api.Envelope) {
	data, err := json.Marshal(message)
	if err != nil {
		s.t.Error(err)
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.t.Error(err)
	}
}

func (s *testControlServer) expectMessage(t *testing.T) *api.Envelope {
	t.Helper()
	select {
	case message := <-s.incoming:
		return message
	case <-time.After(testTimeout):
		t.Fatal("timeout waiting for message")
		return nil
	}
}

func (s *testControlServer) expectSocket(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-s.sockets:
		return conn
	case <-time.After(testTimeout):
		t.Fatal("timeout waiting for connection")
		return nil
	}
}

func newConnectionForTest(t *testing.T, s *testControlServer, options *Options) *Connection {
	t.Helper()
	if options == nil {
		options = &Options{}
	}
	if options.HeartbeatInterval == 0 {
		// Keep heartbeats out of the way unless a test wants them.
		options.HeartbeatInterval = time.Minute
	}
	options.Logger = NullLogger
	c, err := NewConnection(s.connectURL(), s.turnURL(), options)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func connectForTest(t *testing.T, c *Connection) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	require.NoError(t, c.Connect(ctx, "test-user", "user"))
	require.Equal(t, ConnectionConnected, c.State())
}

func TestConnectionConnect(t *testing.T) {
	t.Parallel()
	server := newTestControlServer(t)
	c := newConnectionForTest(t, server, &Options{
		AuthorizationAuth: "token-123",
	})

	var states []ConnectionState
	var mu sync.Mutex
	c.OnStateChanged = func(state ConnectionState) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, state)
	}

	connectForTest(t, c)
	server.expectSocket(t)

	select {
	case auth := <-server.bootstrapAuth:
		assert.Equal(t, "token-123", auth)
	case <-time.After(testTimeout):
		t.Fatal("timeout waiting for bootstrap")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []ConnectionState{ConnectionConnecting, ConnectionConnected}, states)
}

func TestConnectionRequestReply(t *testing.T) {
	t.Parallel()
	server := newTestControlServer(t)
	c := newConnectionForTest(t, server, nil)
	connectForTest(t, c)
	conn := server.expectSocket(t)

	go func() {
		request := <-server.incoming
		server.send(conn, &api.Envelope{
			ID:      100,
			Type:    api.TypeWebRTC,
			Subtype: api.SubtypeWebRTCChannel,
			ReplyTo: request.ID,
			Channel: "chan-1",
		})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	reply, err := c.Request(ctx, &api.Envelope{
		Type:    api.TypeWebRTC,
		Subtype: api.SubtypeWebRTCCall,
		Target:  "user-b",
	}, testTimeout)
	require.NoError(t, err)
	assert.Equal(t, "chan-1", reply.Channel)
}

func TestConnectionRequestTimeout(t *testing.T) {
	t.Parallel()
	server := newTestControlServer(t)
	c := newConnectionForTest(t, server, nil)
	connectForTest(t, c)
	server.expectSocket(t)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	_, err := c.Request(ctx, &api.Envelope{
		Type:    api.TypeWebRTC,
		Subtype: api.SubtypeWebRTCCall,
		Target:  "user-b",
	}, 100*time.Millisecond)
	assert.ErrorIs(t, err, ErrRequestTimeout)
}

func TestConnectionMessageIDsMonotonic(t *testing.T) {
	t.Parallel()
	server := newTestControlServer(t)
	c := newConnectionForTest(t, server, nil)
	connectForTest(t, c)
	server.expectSocket(t)

	for i := 1; i <= 3; i++ {
		require.NoError(t, c.Send(&api.Envelope{
			Type:    api.TypeWebRTC,
			Subtype: api.SubtypeWebRTCChannel,
		}))
		message := server.expectMessage(t)
		assert.EqualValues(t, i, message.ID)
	}
}

func TestConnectionHeartbeatLatency(t *testing.T) {
	t.Parallel()
	server := newTestControlServer(t)
	c := newConnectionForTest(t, server, &Options{
		HeartbeatInterval: 50 * time.Millisecond,
	})
	connectForTest(t, c)
	server.expectSocket(t)

	assert.Eventually(t, func() bool {
		return c.Latency() > 0
	}, testTimeout, 10*time.Millisecond)
}

func TestConnectionHeartbeatTimeout(t *testing.T) {
	t.Parallel()
	server := newTestControlServer(t)
	server.dropPings.Store(true)
	c := newConnectionForTest(t, server, &Options{
		HeartbeatInterval: 50 * time.Millisecond,
		ReconnectInterval: 10 * time.Millisecond,
		ReconnectSpreader: time.Millisecond,
	})
	connectForTest(t, c)
	server.expectSocket(t)

	// The missing pong closes the socket and the reconnect path opens a
	// new one.
	server.expectSocket(t)
}

func TestConnectionReconnectAfterClose(t *testing.T) {
	t.Parallel()
	server := newTestControlServer(t)
	c := newConnectionForTest(t, server, &Options{
		ReconnectInterval: 10 * time.Millisecond,
		ReconnectSpreader: time.Millisecond,
	})
	connectForTest(t, c)
	conn := server.expectSocket(t)

	conn.Close()
	server.expectSocket(t)
	assert.Eventually(t, func() bool {
		return c.State() == ConnectionConnected
	}, testTimeout, 10*time.Millisecond)
}

func TestConnectionPermanentBootstrapError(t *testing.T) {
	t.Parallel()
	server := newTestControlServer(t)
	server.bootstrapStatus.Store(http.StatusForbidden)
	c := newConnectionForTest(t, server, nil)

	errors := make(chan *api.Error, 1)
	c.OnError = func(err *api.Error) {
		errors <- err
	}

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	err := c.Connect(ctx, "test-user", "user")
	require.Error(t, err)

	select {
	case e := <-errors:
		assert.Equal(t, "http_error_403", e.Code)
	case <-time.After(testTimeout):
		t.Fatal("timeout waiting for error")
	}
	// Permanent errors disable the reconnect path.
	assert.Equal(t, ConnectionDisconnected, c.State())
}

func TestConnectionPongAuthRefresh(t *testing.T) {
	t.Parallel()
	server := newTestControlServer(t)
	refreshed := "refreshed-auth"
	server.pongAuth.Store(&refreshed)
	c := newConnectionForTest(t, server, &Options{
		HeartbeatInterval: 50 * time.Millisecond,
		ReconnectInterval: 10 * time.Millisecond,
		ReconnectSpreader: time.Millisecond,
		AuthorizationAuth: "initial-auth",
	})
	connectForTest(t, c)
	conn := server.expectSocket(t)
	<-server.bootstrapAuth

	assert.Eventually(t, func() bool {
		return c.Latency() > 0
	}, testTimeout, 10*time.Millisecond)

	// The next bootstrap must carry the refreshed value from the pong.
	conn.Close()
	select {
	case auth := <-server.bootstrapAuth:
		assert.Equal(t, refreshed, auth)
	case <-time.After(testTimeout):
		t.Fatal("timeout waiting for bootstrap")
	}
}

func TestConnectionTURN(t *testing.T) {
	t.Parallel()
	server := newTestControlServer(t)
	server.turn.Store(&api.TURNConfig{
		Username: "turn-user",
		Password: "turn-pass",
		TTL:      1,
		URIs:     []string{"turn:turn.example.org"},
	})
	c := newConnectionForTest(t, server, nil)

	credentials := make(chan *api.TURNConfig, 16)
	c.OnTURNCredentials = func(turn *api.TURNConfig) {
		credentials <- turn
	}
	connectForTest(t, c)
	server.expectSocket(t)

	select {
	case turn := <-credentials:
		assert.Equal(t, "turn-user", turn.Username)
	case <-time.After(testTimeout):
		t.Fatal("timeout waiting for TURN credentials")
	}

	// The refresher runs at 90% of the one second ttl.
	assert.Eventually(t, func() bool {
		return server.turnRequests.Load() > 0
	}, testTimeout, 10*time.Millisecond)
}

func TestConnectionTURNPreventDefault(t *testing.T) {
	t.Parallel()
	server := newTestControlServer(t)
	server.turn.Store(&api.TURNConfig{
		Username: "turn-user",
		TTL:      3600,
	})
	c := newConnectionForTest(t, server, nil)

	changed := make(chan struct{}, 1)
	c.OnTURNChanged = func(event *TURNChangedEvent) {
		event.PreventDefault()
		changed <- struct{}{}
	}
	c.OnTURNCredentials = func(turn *api.TURNConfig) {
		t.Error("credentials must not be applied when the default was prevented")
	}
	connectForTest(t, c)
	server.expectSocket(t)

	select {
	case <-changed:
	case <-time.After(testTimeout):
		t.Fatal("timeout waiting for TURN event")
	}
}

func TestConnectionSendNotConnected(t *testing.T) {
	t.Parallel()
	server := newTestControlServer(t)
	c := newConnectionForTest(t, server, nil)

	err := c.Send(&api.Envelope{
		Type:    api.TypeWebRTC,
		Subtype: api.SubtypeWebRTCChannel,
	})
	assert.ErrorIs(t, err, ErrNotConnected)
}
