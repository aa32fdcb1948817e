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
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson"

	"github.com/strukturag/meetings-client/api"
)

const (
	// Time allowed to write a message to the server.
	writeWait = 10 * time.Second

	// Maximum message size allowed from the server.
	maxMessageSize = 64 * 1024

	// The heartbeat reply must arrive within this fraction of the
	// heartbeat interval.
	heartbeatTimeoutFactor = 0.9

	// TURN credentials are refreshed after this fraction of their ttl.
	turnRefreshFactor = 0.9

	// Retry interval after a failed TURN refresh.
	turnRetryInterval = 5 * time.Second

	// Number of heartbeat roundtrip samples averaged into the latency
	// estimate.
	latencySampleCount = 10
)

var (
	ErrNotConnected   = api.NewError("no_connection", "Not connected.")
	ErrRequestTimeout = api.NewError("timeout", "Request did not receive a reply in time.")
	ErrConnectTimeout = api.NewError("connect_timeout", "Connecting took too long.")
)

type ConnectionState int32

const (
	ConnectionDisconnected ConnectionState = iota
	ConnectionConnecting
	ConnectionConnected
	ConnectionReconnecting
	ConnectionClosing
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionDisconnected:
		return "disconnected"
	case ConnectionConnecting:
		return "connecting"
	case ConnectionConnected:
		return "connected"
	case ConnectionReconnecting:
		return "reconnecting"
	case ConnectionClosing:
		return "closing"
	default:
		return fmt.Sprintf("state-%d", int32(s))
	}
}

// Options are the recognised configuration keys of the client.
type Options struct {
	APIVersion           string
	ConnectTimeout       time.Duration
	HeartbeatInterval    time.Duration
	MaxReconnectInterval time.Duration
	ReconnectEnabled     bool
	ReconnectFactor      float64
	ReconnectInterval    time.Duration
	ReconnectSpreader    time.Duration
	AuthorizationType    string
	AuthorizationValue   string
	AuthorizationAuth    string

	Logger Logger
}

// DefaultOptions returns the options used when nothing was configured.
func DefaultOptions() *Options {
	return &Options{
		APIVersion:           "v2",
		ConnectTimeout:       5 * time.Second,
		HeartbeatInterval:    5 * time.Second,
		MaxReconnectInterval: 30 * time.Second,
		ReconnectEnabled:     true,
		ReconnectFactor:      1.5,
		ReconnectInterval:    time.Second,
		ReconnectSpreader:    500 * time.Millisecond,
	}
}

func (o *Options) withDefaults() *Options {
	defaults := DefaultOptions()
	if o == nil {
		return defaults
	}
	result := *o
	if result.APIVersion == "" {
		result.APIVersion = defaults.APIVersion
	}
	if result.ConnectTimeout <= 0 {
		result.ConnectTimeout = defaults.ConnectTimeout
	}
	if result.HeartbeatInterval <= 0 {
		result.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if result.MaxReconnectInterval <= 0 {
		result.MaxReconnectInterval = defaults.MaxReconnectInterval
	}
	if result.ReconnectFactor < 1 {
		result.ReconnectFactor = defaults.ReconnectFactor
	}
	if result.ReconnectInterval <= 0 {
		result.ReconnectInterval = defaults.ReconnectInterval
	}
	if result.ReconnectSpreader < 0 {
		result.ReconnectSpreader = defaults.ReconnectSpreader
	}
	if result.Logger == nil {
		result.Logger = DefaultLogger()
	}
	return &result
}

type replyCallback func(reply *api.Envelope, err error)

type pendingReply struct {
	callback replyCallback
	timer    *time.Timer
}

// Connection is the persistent, reconnecting, heartbeated control channel
// to the signaling server.
type Connection struct {
	connectURL string
	turnURL    string
	options    *Options
	log        Logger

	client *http.Client
	dialer *websocket.Dialer

	state            atomic.Int32
	reconnectEnabled atomic.Bool

	mu      sync.Mutex
	conn    *websocket.Conn
	wsURL   string
	auth    string
	authID  string
	authKey string

	msgID   atomic.Int64
	replies map[int64]*pendingReply

	backoff        *ReconnectBackoff
	reconnectTimer *time.Timer
	lastConnect    time.Time

	latencySamples []time.Duration

	turnTimer *time.Timer
	turn      *api.TURNConfig

	socketCloser *Closer
	closed       atomic.Bool

	// Event hooks, bound by the session controller.
	OnStateChanged    func(ConnectionState)
	OnMessage         func(*api.Envelope)
	OnError           func(*api.Error)
	OnTURNChanged     func(*TURNChangedEvent)
	OnTURNCredentials func(*api.TURNConfig)
}

// NewConnection creates a control channel client. The connect and TURN
// endpoints are the HTTP bootstrap URLs; the WebSocket URL is obtained
// from the connect endpoint.
func NewConnection(connectURL string, turnURL string, options *Options) (*Connection, error) {
	options = options.withDefaults()
	backoff, err := NewReconnectBackoff(options.ReconnectInterval, options.MaxReconnectInterval, options.ReconnectFactor, options.ReconnectSpreader)
	if err != nil {
		return nil, err
	}

	c := &Connection{
		connectURL: connectURL,
		turnURL:    turnURL,
		options:    options,
		log:        options.Logger,

		client: &http.Client{
			Timeout: options.ConnectTimeout,
		},
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: options.ConnectTimeout,
		},

		replies: make(map[int64]*pendingReply),
		backoff: backoff,
		auth:    options.AuthorizationAuth,

		OnStateChanged:    func(ConnectionState) {},
		OnMessage:         func(*api.Envelope) {},
		OnError:           func(*api.Error) {},
		OnTURNChanged:     func(*TURNChangedEvent) {},
		OnTURNCredentials: func(*api.TURNConfig) {},
	}
	c.reconnectEnabled.Store(options.ReconnectEnabled)
	return c, nil
}

func (c *Connection) State() ConnectionState {
	return ConnectionState(c.state.Load())
}

func (c *Connection) setState(state ConnectionState) {
	old := ConnectionState(c.state.Swap(int32(state)))
	if old != state {
		statsTransportState.Set(float64(state))
		c.OnStateChanged(state)
	}
}

// Latency returns the average of the most recent heartbeat roundtrips.
func (c *Connection) Latency() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.latencySamples) == 0 {
		return 0
	}
	var total time.Duration
	for _, sample := range c.latencySamples {
		total += sample
	}
	return total / time.Duration(len(c.latencySamples))
}

func (c *Connection) addLatencySample(rtt time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.latencySamples = append(c.latencySamples, rtt)
	if len(c.latencySamples) > latencySampleCount {
		c.latencySamples = c.latencySamples[len(c.latencySamples)-latencySampleCount:]
	}
	statsTransportRTT.Observe(float64(rtt.Milliseconds()))
}

// Connect performs the HTTP bootstrap and opens the WebSocket. The
// identifier is sent in the form body under the given auth mode key.
func (c *Connection) Connect(ctx context.Context, authIdentifier string, authMode string) error {
	if authMode == "" {
		return fmt.Errorf("auth mode missing")
	}
	c.mu.Lock()
	c.authID = authIdentifier
	c.authKey = authMode
	c.mu.Unlock()

	c.setState(ConnectionConnecting)
	if err := c.connect(ctx); err != nil {
		c.scheduleReconnect()
		return err
	}
	return nil
}

func (c *Connection) connect(ctx context.Context) error {
	response, err := c.bootstrap(ctx)
	if err != nil {
		var e *api.Error
		if errors.As(err, &e) && isPermanentBootstrapError(e) {
			c.reconnectEnabled.Store(false)
			c.OnError(e)
		}
		return err
	}

	c.mu.Lock()
	c.wsURL = response.URL
	c.mu.Unlock()
	if response.TURN != nil {
		c.applyTURN(response.TURN)
	}

	return c.dial(ctx)
}

func isPermanentBootstrapError(e *api.Error) bool {
	switch e.Code {
	case "http_error_401", "http_error_403", "http_error_410":
		return true
	default:
		return false
	}
}

func (c *Connection) bootstrap(ctx context.Context) (*api.ConnectResponse, error) {
	c.mu.Lock()
	values := url.Values{}
	values.Set(c.authKey, c.authID)
	if c.auth != "" {
		values.Set("auth", c.auth)
	}
	c.mu.Unlock()

	var response api.ConnectResponse
	if err := c.postForm(ctx, c.connectURL, values, &response); err != nil {
		return nil, err
	}
	if !response.OK {
		if response.Error != nil {
			return nil, response.Error
		}
		return nil, api.NewError("request_failed", "Bootstrap request failed.")
	}
	if response.URL == "" {
		return nil, api.NewError("request_failed", "Bootstrap did not return a WebSocket URL.")
	}
	return &response, nil
}

func (c *Connection) postForm(ctx context.Context, endpoint string, values url.Values, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(values.Encode()))
	if err != nil {
		return api.NewError("request_failed", err.Error())
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if c.options.AuthorizationType != "" && c.options.AuthorizationValue != "" {
		req.Header.Set("Authorization", c.options.AuthorizationType+" "+c.options.AuthorizationValue)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return ErrConnectTimeout
		}
		return api.NewError("request_failed", err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return api.NewError("http_error_"+strconv.Itoa(resp.StatusCode), resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxMessageSize))
	if err != nil {
		return api.NewError("request_failed", err.Error())
	}
	if err := json.Unmarshal(body, result); err != nil {
		return api.NewError("request_failed", err.Error())
	}
	return nil
}

func (c *Connection) dial(ctx context.Context) error {
	c.mu.Lock()
	wsURL := c.wsURL
	c.mu.Unlock()

	u, err := url.Parse(wsURL)
	if err != nil {
		return api.NewError("request_failed", err.Error())
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}

	conn, _, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		statsTransportReconnectsFailed.Inc()
		return api.NewError("websocket_error", err.Error())
	}

	closer := NewCloser()
	c.mu.Lock()
	if old := c.conn; old != nil {
		// A superseded socket is always forced closed before a new one
		// takes over.
		old.Close()
	}
	c.conn = conn
	c.socketCloser = closer
	c.lastConnect = time.Now()
	c.mu.Unlock()

	c.msgID.Store(0)
	c.backoff.Reset()
	c.setState(ConnectionConnected)
	statsTransportConnects.Inc()

	go c.readPump(conn, closer)
	go c.heartbeatPump(closer)
	return nil
}

// Close shuts down the connection and disables reconnects.
func (c *Connection) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}

	c.setState(ConnectionClosing)
	c.reconnectEnabled.Store(false)

	c.mu.Lock()
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	if c.turnTimer != nil {
		c.turnTimer.Stop()
		c.turnTimer = nil
	}
	conn := c.conn
	c.conn = nil
	closer := c.socketCloser
	c.mu.Unlock()

	if conn != nil {
		conn.SetWriteDeadline(time.Now().Add(writeWait))                                                          // nolint
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")) // nolint
		conn.Close()
	}
	if closer != nil {
		closer.Close()
	}
	c.failPendingReplies(ErrNotConnected)
	c.setState(ConnectionDisconnected)
}

// CloseSocket closes the current socket without disabling reconnects. The
// reconnect path runs as if the server had closed the connection.
func (c *Connection) CloseSocket() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// SeedReconnect seeds the backoff attempt counter, e.g. to suppress the
// instant reconnect after a "goodbye" from the server.
func (c *Connection) SeedReconnect(attempts int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.backoff.Seed(attempts)
}

func (c *Connection) handleSocketClose(closer *Closer) {
	c.mu.Lock()
	stale := c.socketCloser != closer
	if !stale {
		c.conn = nil
	}
	connectedFor := time.Since(c.lastConnect)
	c.mu.Unlock()
	closer.Close()
	if stale || c.closed.Load() {
		return
	}

	c.failPendingReplies(ErrNotConnected)
	c.scheduleReconnectAfter(connectedFor)
}

func (c *Connection) scheduleReconnect() {
	c.scheduleReconnectAfter(0)
}

func (c *Connection) scheduleReconnectAfter(connectedFor time.Duration) {
	if !c.reconnectEnabled.Load() {
		c.setState(ConnectionDisconnected)
		return
	}

	c.setState(ConnectionReconnecting)

	c.mu.Lock()
	var wait time.Duration
	if connectedFor >= c.options.HeartbeatInterval && c.backoff.Attempts() == 0 {
		// The socket closed without prior state change, the network likely
		// just returned. Skip the backoff once.
		wait = 0
		c.backoff.Seed(1)
	} else {
		wait = c.backoff.NextWait()
	}
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
	}
	c.reconnectTimer = time.AfterFunc(wait, c.reconnect)
	c.mu.Unlock()
	statsTransportReconnects.Inc()
}

func (c *Connection) reconnect() {
	if c.closed.Load() || !c.reconnectEnabled.Load() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.options.ConnectTimeout)
	defer cancel()
	if err := c.connect(ctx); err != nil {
		c.log.Printf("Could not reconnect to %s: %s", c.connectURL, err)
		c.scheduleReconnect()
	}
}

// Send transmits a message without waiting for a reply. The envelope id is
// assigned from the per-connection sequence.
func (c *Connection) Send(message *api.Envelope) error {
	return c.SendRequest(message, 0, nil)
}

// SendRequest transmits a message and, with a positive timeout, registers
// the callback for the matching reply. Error replies resolve the callback
// with an error-shaped envelope; a missing reply resolves with a timeout
// error.
func (c *Connection) SendRequest(message *api.Envelope, timeout time.Duration, callback replyCallback) error {
	message.ID = c.msgID.Add(1)

	if timeout > 0 && callback != nil {
		c.registerReply(message.ID, timeout, callback)
	}

	if err := c.writeMessage(message); err != nil {
		if timeout > 0 && callback != nil {
			c.unregisterReply(message.ID)
		}
		return err
	}
	statsTransportMessagesSent.WithLabelValues(message.Type).Inc()
	return nil
}

// Request transmits a message and blocks until the reply arrived or the
// timeout elapsed.
func (c *Connection) Request(ctx context.Context, message *api.Envelope, timeout time.Duration) (*api.Envelope, error) {
	type result struct {
		reply *api.Envelope
		err   error
	}
	ch := make(chan result, 1)
	if err := c.SendRequest(message, timeout, func(reply *api.Envelope, err error) {
		ch <- result{reply, err}
	}); err != nil {
		return nil, err
	}

	select {
	case r := <-ch:
		return r.reply, r.err
	case <-ctx.Done():
		c.unregisterReply(message.ID)
		return nil, ctx.Err()
	}
}

func (c *Connection) registerReply(id int64, timeout time.Duration, callback replyCallback) {
	pending := &pendingReply{
		callback: callback,
	}
	pending.timer = time.AfterFunc(timeout, func() {
		c.mu.Lock()
		_, found := c.replies[id]
		if found {
			delete(c.replies, id)
		}
		c.mu.Unlock()
		if found {
			callback(nil, ErrRequestTimeout)
		}
	})
	c.mu.Lock()
	c.replies[id] = pending
	c.mu.Unlock()
}

func (c *Connection) unregisterReply(id int64) {
	c.mu.Lock()
	pending, found := c.replies[id]
	if found {
		delete(c.replies, id)
	}
	c.mu.Unlock()
	if found {
		pending.timer.Stop()
	}
}

func (c *Connection) resolveReply(id int64, reply *api.Envelope) bool {
	c.mu.Lock()
	pending, found := c.replies[id]
	if found {
		delete(c.replies, id)
	}
	c.mu.Unlock()
	if !found {
		return false
	}
	pending.timer.Stop()
	pending.callback(reply, nil)
	return true
}

func (c *Connection) failPendingReplies(err error) {
	c.mu.Lock()
	replies := c.replies
	c.replies = make(map[int64]*pendingReply)
	c.mu.Unlock()
	for _, pending := range replies {
		pending.timer.Stop()
		pending.callback(nil, err)
	}
}

func (c *Connection) writeMessage(message *api.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}

	c.conn.SetWriteDeadline(time.Now().Add(writeWait)) // nolint
	writer, err := c.conn.NextWriter(websocket.TextMessage)
	if err == nil {
		if m, ok := (interface{}(message)).(easyjson.Marshaler); ok {
			_, err = easyjson.MarshalToWriter(m, writer)
		} else {
			err = json.NewEncoder(writer).Encode(message)
		}
	}
	if err == nil {
		err = writer.Close()
	}
	if err != nil {
		c.log.Printf("Could not send message %s: %s", message, err)
		return api.NewError("websocket_error", err.Error())
	}
	return nil
}

func (c *Connection) readPump(conn *websocket.Conn, closer *Closer) {
	defer c.handleSocketClose(closer)

	conn.SetReadLimit(maxMessageSize)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if _, ok := err.(*websocket.CloseError); !ok || websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived) {
				c.log.Printf("Error reading from %s: %v", c.connectURL, err)
			}
			break
		}

		var message api.Envelope
		if err := json.Unmarshal(data, &message); err != nil {
			c.log.Printf("Error unmarshaling %s: %s", string(data), err)
			continue
		}
		if err := message.CheckValid(); err != nil {
			c.log.Printf("Ignore invalid message %s: %s", message, err)
			continue
		}

		c.processMessage(&message)
	}
}

func (c *Connection) processMessage(message *api.Envelope) {
	statsTransportMessagesReceived.WithLabelValues(message.Type).Inc()

	if message.Type == api.TypePong {
		// The server echoes only the request id in "id".
		message.ReplyTo = message.ID
		if message.Auth != "" {
			c.mu.Lock()
			c.auth = message.Auth
			c.mu.Unlock()
		}
	}

	if message.ReplyTo != 0 {
		if !c.resolveReply(message.ReplyTo, message) {
			c.log.Printf("No reply handler for %s", message)
		}
		return
	}

	c.OnMessage(message)
}

func (c *Connection) heartbeatPump(closer *Closer) {
	interval := c.options.HeartbeatInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	timeout := time.Duration(float64(interval) * heartbeatTimeoutFactor)
	for {
		select {
		case <-ticker.C:
			c.sendHeartbeat(timeout, closer)
		case <-closer.C:
			return
		}
	}
}

func (c *Connection) sendHeartbeat(timeout time.Duration, closer *Closer) {
	sent := time.Now()
	ping := &api.Envelope{
		Type: api.TypePing,
		TS:   sent.UnixMilli(),
	}
	err := c.SendRequest(ping, timeout, func(reply *api.Envelope, err error) {
		if err != nil {
			if closer.IsClosed() {
				return
			}
			c.log.Printf("Heartbeat to %s timed out, closing socket", c.connectURL)
			// A synthetic close runs the reconnect path.
			c.CloseSocket()
			return
		}
		c.addLatencySample(time.Since(sent))
	})
	if err != nil && err != ErrNotConnected {
		c.log.Printf("Could not send heartbeat: %s", err)
	}
}

// TURN returns the most recent TURN credentials.
func (c *Connection) TURN() *api.TURNConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.turn
}

func (c *Connection) applyTURN(turn *api.TURNConfig) {
	c.mu.Lock()
	c.turn = turn
	if c.turnTimer != nil {
		c.turnTimer.Stop()
		c.turnTimer = nil
	}
	if turn.TTL > 0 {
		refresh := time.Duration(float64(turn.TTL)*turnRefreshFactor) * time.Second
		c.turnTimer = time.AfterFunc(refresh, c.refreshTURN)
	}
	c.mu.Unlock()

	event := &TURNChangedEvent{
		TURN: turn,
	}
	c.OnTURNChanged(event)
	if !event.DefaultPrevented() {
		c.OnTURNCredentials(turn)
	}
}

func (c *Connection) refreshTURN() {
	if c.closed.Load() || c.turnURL == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.options.ConnectTimeout)
	defer cancel()

	c.mu.Lock()
	values := url.Values{}
	values.Set(c.authKey, c.authID)
	if c.auth != "" {
		values.Set("auth", c.auth)
	}
	c.mu.Unlock()

	var response api.TURNResponse
	if err := c.postForm(ctx, c.turnURL, values, &response); err != nil || response.TURN == nil {
		if err == nil {
			err = api.NewError("request_failed", "TURN refresh did not return credentials.")
		}
		c.log.Printf("Could not refresh TURN credentials: %s", err)
		c.mu.Lock()
		if c.turnTimer != nil {
			c.turnTimer.Stop()
		}
		c.turnTimer = time.AfterFunc(turnRetryInterval, c.refreshTURN)
		c.mu.Unlock()
		return
	}

	statsTransportTurnRefreshes.Inc()
	c.applyTURN(response.TURN)
}
