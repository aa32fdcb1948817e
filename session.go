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
	"sync/atomic"
	"time"

	"github.com/strukturag/meetings-client/api"
)

const sessionExecutorQueueSize = 64

// ClientOptions bundle the configuration of a Client.
type ClientOptions struct {
	// Transport options, nil for defaults.
	Transport *Options

	// Media side options, nil for defaults.
	WebRTC *WebRTCOptions

	// Provider for peer connections. Defaults to the pion backed
	// provider.
	Provider PeerProvider

	Logger Logger
}

// Client is the top level session controller: it owns the control channel
// connection, routes inbound envelopes to the call engine and exposes the
// public call operations.
type Client struct {
	connection *Connection
	executor   *DeferredExecutor
	dispatcher *EventDispatcher
	manager    *WebRTCManager
	log        Logger

	user atomic.Value // string
}

func NewClient(connectURL string, turnURL string, options *ClientOptions) (*Client, error) {
	if options == nil {
		options = &ClientOptions{}
	}
	log := options.Logger
	if log == nil {
		log = DefaultLogger()
	}
	provider := options.Provider
	if provider == nil {
		provider = NewPionPeerProvider(log)
	}

	connection, err := NewConnection(connectURL, turnURL, options.Transport)
	if err != nil {
		return nil, err
	}

	client := &Client{
		connection: connection,
		executor:   NewDeferredExecutor(sessionExecutorQueueSize, log),
		dispatcher: &EventDispatcher{},
		log:        log,
	}
	client.user.Store("")
	client.manager = newWebRTCManager(connection, provider, options.WebRTC, client.executor, client.dispatcher, log)

	connection.OnMessage = client.handleMessage
	connection.OnStateChanged = func(state ConnectionState) {
		client.dispatcher.Dispatch(&StateChangedEvent{
			State:     state,
			Connected: state == ConnectionConnected,
		})
	}
	connection.OnError = func(err *api.Error) {
		client.dispatcher.Dispatch(&ErrorEvent{Err: err})
	}
	connection.OnTURNChanged = func(event *TURNChangedEvent) {
		client.dispatcher.Dispatch(event)
	}
	connection.OnTURNCredentials = func(turn *api.TURNConfig) {
		client.manager.Factory().SetTURNConfig(turn)
	}
	return client, nil
}

// On registers an application handler for the given event kind.
func (c *Client) On(kind EventKind, handler EventHandler) {
	c.dispatcher.Register(kind, handler)
}

// Connect performs the bootstrap request and opens the control channel.
func (c *Client) Connect(ctx context.Context, authIdentifier string, authMode string) error {
	return c.connection.Connect(ctx, authIdentifier, authMode)
}

// Close hangs up any active call and shuts the client down.
func (c *Client) Close() {
	c.executor.ExecuteWait(c.manager.hangupAllLocal)
	c.connection.Close()
	c.executor.Close()
}

// User returns the current user identity as learned from the server.
func (c *Client) User() string {
	return c.user.Load().(string)
}

// State returns the connection state of the control channel.
func (c *Client) State() ConnectionState {
	return c.connection.State()
}

// Latency returns the averaged heartbeat roundtrip time.
func (c *Client) Latency() time.Duration {
	return c.connection.Latency()
}

// Channel returns the current call session identifier, if any.
func (c *Client) Channel() string {
	return c.manager.Channel()
}

func (c *Client) DoCall(ctx context.Context, user string) (string, error) {
	return c.manager.DoCall(ctx, user)
}

func (c *Client) DoAnswer(ctx context.Context, user string) (string, error) {
	return c.manager.DoAnswer(ctx, user)
}

func (c *Client) DoReject(ctx context.Context, user string, reason string) error {
	return c.manager.DoReject(ctx, user, reason)
}

func (c *Client) DoGroup(ctx context.Context, group string) (string, error) {
	return c.manager.DoGroup(ctx, group)
}

func (c *Client) DoHangup(ctx context.Context, user string, reason string) (string, error) {
	return c.manager.DoHangup(ctx, user, reason)
}

func (c *Client) SetLocalStream(stream MediaStream) {
	c.manager.SetLocalStream(stream)
}

func (c *Client) SetScreenshare(stream MediaStream) {
	c.manager.SetScreenshare(stream)
}

func (c *Client) Mute(video bool, mute bool) bool {
	return c.manager.Mute(video, mute)
}

// SetICEServers replaces the ICE server list used for new peer
// connections, e.g. when the application manages TURN itself.
func (c *Client) SetICEServers(servers []ICEServer) {
	c.manager.Factory().SetICEServers(servers)
}

// handleMessage routes inbound non-reply envelopes from the control
// channel.
func (c *Client) handleMessage(message *api.Envelope) {
	switch message.Type {
	case api.TypeHello:
		c.handleHello(message)
	case api.TypeWebRTC:
		c.executor.Execute(func() {
			c.manager.processWebRTCMessage(message)
		})
	case api.TypeGoodbye:
		// The server asked us to go away; retry, but not instantly.
		c.log.Printf("Received goodbye, reconnecting later")
		c.connection.SeedReconnect(1)
		c.connection.CloseSocket()
	case api.TypeError:
		if message.Error != nil {
			c.dispatcher.Dispatch(&ErrorEvent{Err: message.Error})
		}
	case api.TypeChats:
		c.dispatcher.Dispatch(&MessageEvent{Message: message})
	default:
		c.dispatcher.Dispatch(&MessageEvent{Message: message})
	}
}

func (c *Client) handleHello(message *api.Envelope) {
	user := ""
	if message.Self != nil {
		user = message.Self.ID
	}
	c.user.Store(user)
	c.manager.handleUserChanged(user)
}
