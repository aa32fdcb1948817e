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
package api

import (
	"encoding/json"
	"fmt"
)

// WebRTCPayloadVersion is included in all WebRTC payloads so endpoints can
// check if they are compatible with the received data. Messages with an
// older version are rejected.
const WebRTCPayloadVersion = 20180703

// P2PPayloadVersion is the version of the payloads exchanged on the
// peer-to-peer data channel protocol.
const P2PPayloadVersion = 1

// Message types of the control channel.
const (
	TypeHello   = "hello"
	TypeGoodbye = "goodbye"
	TypePing    = "ping"
	TypePong    = "pong"
	TypeError   = "error"
	TypeWebRTC  = "webrtc"
	TypeChats   = "chats"

	// TypeP2P is only used on the peer-to-peer data channel.
	TypeP2P = "p2p"
)

// Subtypes of "webrtc" messages.
const (
	SubtypeWebRTCCall    = "webrtc_call"
	SubtypeWebRTCChannel = "webrtc_channel"
	SubtypeWebRTCHangup  = "webrtc_hangup"
	SubtypeWebRTCSignal  = "webrtc_signal"
	SubtypeWebRTCGroup   = "webrtc_group"
)

// Subtypes of "p2p" messages on the data channel.
const (
	SubtypeHandshake       = "handshake"
	SubtypeHandshakeReply  = "handshake_reply"
	SubtypeAnnounceStreams = "announce_streams"
)

// PipelineModeMCUForward is the only supported pipeline mode. The server
// side mixer receives local media from one designated peer connection and
// redistributes it.
const PipelineModeMCUForward = "mcu-forward"

// Self identifies the local user as reported by the server in "hello"
// messages.
type Self struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Error is the payload of "error" messages and doubles as the protocol
// error type of this module.
type Error struct {
	Code    string          `json:"code"`
	Message string          `json:"msg"`
	Details json.RawMessage `json:"details,omitempty"`
}

func NewError(code string, message string) *Error {
	return NewErrorDetail(code, message, nil)
}

func NewErrorDetail(code string, message string, details interface{}) *Error {
	var rawDetails json.RawMessage
	if details != nil {
		var err error
		if rawDetails, err = json.Marshal(details); err != nil {
			return &Error{
				Code:    "internal_error",
				Message: "Could not marshal error details",
			}
		}
	}

	return &Error{
		Code:    code,
		Message: message,
		Details: rawDetails,
	}
}

func (e *Error) Error() string {
	return e.Message
}

// Envelope is the container for every message on the control channel and
// on the peer-to-peer data channel. "id" is a monotonically increasing
// per-connection sequence, "reply_to" correlates a response to a prior
// request. The remaining fields are type / subtype specific.
type Envelope struct {
	ID      int64  `json:"id,omitempty"`
	Type    string `json:"type"`
	ReplyTo int64  `json:"reply_to,omitempty"`

	// Filled for type "hello".
	Self *Self `json:"self,omitempty"`

	// Filled for type "error".
	Error *Error `json:"error,omitempty"`

	// Filled for types "ping" / "pong". A "pong" may carry a refreshed
	// authorization value in "auth".
	TS   int64  `json:"ts,omitempty"`
	Auth string `json:"auth,omitempty"`

	// Filled for types "webrtc" and "p2p".
	Subtype     string          `json:"subtype,omitempty"`
	Target      string          `json:"target,omitempty"`
	Source      string          `json:"source,omitempty"`
	Initiator   bool            `json:"initiator,omitempty"`
	Channel     string          `json:"channel,omitempty"`
	Group       string          `json:"group,omitempty"`
	Hash        string          `json:"hash,omitempty"`
	State       string          `json:"state,omitempty"`
	Pcid        string          `json:"pcid,omitempty"`
	Transaction string          `json:"transaction,omitempty"`
	Version     int64           `json:"v,omitempty"`
	Profile     json.RawMessage `json:"profile,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`

	// Filled for "p2p" / "announce_streams".
	Streams []*StreamAnnouncement `json:"streams,omitempty"`

	// Opaque to the core, forwarded to the application.
	Chats json.RawMessage `json:"chats,omitempty"`
}

func (m *Envelope) CheckValid() error {
	switch m.Type {
	case "":
		return fmt.Errorf("type missing")
	case TypeHello:
		if m.Self == nil {
			return fmt.Errorf("self missing")
		} else if m.Self.ID == "" {
			return fmt.Errorf("self id missing")
		}
	case TypeError:
		if m.Error == nil {
			return fmt.Errorf("error missing")
		}
	case TypeWebRTC:
		switch m.Subtype {
		case SubtypeWebRTCCall:
		case SubtypeWebRTCChannel:
		case SubtypeWebRTCHangup:
		case SubtypeWebRTCSignal:
		case SubtypeWebRTCGroup:
		case "":
			return fmt.Errorf("webrtc subtype missing")
		default:
			return fmt.Errorf("unsupported webrtc subtype %s", m.Subtype)
		}
	case TypeP2P:
		switch m.Subtype {
		case SubtypeHandshake:
		case SubtypeHandshakeReply:
		case SubtypeAnnounceStreams:
		case "":
			return fmt.Errorf("p2p subtype missing")
		default:
			return fmt.Errorf("unsupported p2p subtype %s", m.Subtype)
		}
	}
	return nil
}

func (m Envelope) String() string {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Sprintf("Could not serialize %#v: %s", m, err)
	}
	return string(data)
}

// CallData is the "data" payload of "webrtc_call" messages that accept or
// reject a call. "state" echoes the nonce of the request being answered.
type CallData struct {
	Accept bool   `json:"accept"`
	Reason string `json:"reason,omitempty"`
	State  string `json:"state,omitempty"`
}

// GroupData describes group membership as delivered in "webrtc_channel"
// messages. When "reset" is set, the full mesh has to be torn down before
// it is reconciled to the new member list.
type GroupData struct {
	Group   string   `json:"group"`
	Members []string `json:"members,omitempty"`
	Reset   bool     `json:"reset,omitempty"`
}

// PipelineData enrols this endpoint with a server side media pipeline.
type PipelineData struct {
	Pipeline string `json:"pipeline"`
	Mode     string `json:"mode"`
}

// ChannelExtra is the "data" payload of "webrtc_channel" messages and of
// call replies that carry channel information.
type ChannelExtra struct {
	// The call was superseded by another connection of the same user.
	Replaced bool `json:"replaced,omitempty"`

	Group    *GroupData    `json:"group,omitempty"`
	Pipeline *PipelineData `json:"pipeline,omitempty"`
}

// WebRTCSignal is the "data" payload of "webrtc_signal" messages. A signal
// carrying only "renegotiate" asks the remote to restart negotiation; one
// additionally carrying "noop" is a wake-up that must not be fed to a peer
// connection.
type WebRTCSignal struct {
	Renegotiate bool `json:"renegotiate,omitempty"`
	Noop        bool `json:"noop,omitempty"`

	Type               json.RawMessage `json:"type,omitempty"`
	SDP                json.RawMessage `json:"sdp,omitempty"`
	Candidate          json.RawMessage `json:"candidate,omitempty"`
	TransceiverRequest json.RawMessage `json:"transceiverRequest,omitempty"`
}

// IsNoop checks if the signal is a wake-up only.
func (s *WebRTCSignal) IsNoop() bool {
	return s != nil && s.Noop
}

// TransceiverRequest asks the remote side to add a transceiver of the
// given kind.
type TransceiverRequest struct {
	Kind string                  `json:"kind"`
	Init *TransceiverRequestInit `json:"init,omitempty"`
}

type TransceiverRequestInit struct {
	Direction string `json:"direction,omitempty"`
}

// Handshake is the "data" payload of p2p "handshake" and "handshake_reply"
// messages. A handshake may piggyback the reply to a previously received
// handshake.
type Handshake struct {
	TS      int64      `json:"ts"`
	Version int64      `json:"v"`
	Reply   *Handshake `json:"handshake_reply,omitempty"`
}

// StreamAnnouncement is one entry of the "announce_streams" payload. The
// token is the routing key embedded in nested signaling "source" fields.
type StreamAnnouncement struct {
	ID      string `json:"id"`
	Kind    string `json:"kind"`
	Token   string `json:"token"`
	Version int64  `json:"v"`
}

// TURNConfig is the TURN credential set returned by the bootstrap and
// refresh endpoints. "ttl" is in seconds.
type TURNConfig struct {
	Username string   `json:"username"`
	Password string   `json:"password"`
	TTL      int64    `json:"ttl"`
	URIs     []string `json:"uris"`
}

// ConnectResponse is the body of the HTTP bootstrap response.
type ConnectResponse struct {
	OK    bool        `json:"ok"`
	URL   string      `json:"url,omitempty"`
	TURN  *TURNConfig `json:"turn,omitempty"`
	Error *Error      `json:"error,omitempty"`
}

// TURNResponse is the body of the TURN refresh response.
type TURNResponse struct {
	TURN *TURNConfig `json:"turn"`
}
