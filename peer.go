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
	"github.com/strukturag/meetings-client/api"
)

// SDPTransform rewrites a session description before it is applied or
// sent.
type SDPTransform func(sdp string) string

// MediaStreamTrack abstracts a single audio or video track of the media
// engine.
type MediaStreamTrack interface {
	ID() string
	// Kind is "audio" or "video".
	Kind() string
	Enabled() bool
	SetEnabled(enabled bool)
}

// MediaStream abstracts a group of tracks of the media engine. The engine
// holds references but never mutates streams.
type MediaStream interface {
	ID() string
	GetTracks() []MediaStreamTrack
}

func tracksOfKind(stream MediaStream, kind string) []MediaStreamTrack {
	var result []MediaStreamTrack
	for _, track := range stream.GetTracks() {
		if track.Kind() == kind {
			result = append(result, track)
		}
	}
	return result
}

// ICEServer describes one STUN / TURN server of the peer configuration.
type ICEServer struct {
	URLs       []string
	Username   string
	Credential string
}

// PeerCallbacks bind the events of a Peer. Unset callbacks are replaced
// with no-ops.
type PeerCallbacks struct {
	OnError                func(Peer, error)
	OnSignal               func(Peer, *api.WebRTCSignal)
	OnConnect              func(Peer)
	OnClose                func(Peer)
	OnData                 func(Peer, []byte)
	OnStream               func(Peer, MediaStream)
	OnTrack                func(Peer, MediaStreamTrack, MediaStream)
	OnICEStateChange       func(Peer, string)
	OnSignalingStateChange func(Peer, string)
}

func (cb *PeerCallbacks) withDefaults() PeerCallbacks {
	result := PeerCallbacks{}
	if cb != nil {
		result = *cb
	}
	if result.OnError == nil {
		result.OnError = func(Peer, error) {}
	}
	if result.OnSignal == nil {
		result.OnSignal = func(Peer, *api.WebRTCSignal) {}
	}
	if result.OnConnect == nil {
		result.OnConnect = func(Peer) {}
	}
	if result.OnClose == nil {
		result.OnClose = func(Peer) {}
	}
	if result.OnData == nil {
		result.OnData = func(Peer, []byte) {}
	}
	if result.OnStream == nil {
		result.OnStream = func(Peer, MediaStream) {}
	}
	if result.OnTrack == nil {
		result.OnTrack = func(Peer, MediaStreamTrack, MediaStream) {}
	}
	if result.OnICEStateChange == nil {
		result.OnICEStateChange = func(Peer, string) {}
	}
	if result.OnSignalingStateChange == nil {
		result.OnSignalingStateChange = func(Peer, string) {}
	}
	return result
}

// PeerOptions configure the creation of a Peer.
type PeerOptions struct {
	ICEServers []ICEServer
	Initiator  bool
	Streams    []MediaStream

	SDPTransform      SDPTransform
	Trickle           bool
	ChannelName       string
	ChannelConfig     api.StringMap
	ObjectMode        bool
	OfferConstraints  api.StringMap
	AnswerConstraints api.StringMap

	// RecvOnlyVideo adds a receive-only video transceiver, used for
	// screenshare sub-connections without a local stream.
	RecvOnlyVideo bool

	Callbacks PeerCallbacks

	Logger Logger
}

// Peer is the capability set of the external media engine for a single
// peer connection.
type Peer interface {
	LocalID() string
	Initiator() bool
	Connected() bool
	Destroyed() bool

	// Signal feeds remote signaling data into the connection.
	Signal(signal *api.WebRTCSignal) error

	// Send transmits data on the connection's data channel.
	Send(data []byte) error

	AddStream(stream MediaStream) error
	RemoveStream(stream MediaStream) error
	AddTrack(track MediaStreamTrack, stream MediaStream) error
	RemoveTrack(track MediaStreamTrack, stream MediaStream) error

	// EmitSignal synthesises a local signal as if the media engine had
	// generated it, e.g. a renegotiation request.
	EmitSignal(signal *api.WebRTCSignal)

	Destroy(err error)
}

// PeerProvider creates Peers. The default implementation is backed by
// pion/webrtc; tests and embedders can supply their own.
type PeerProvider interface {
	NewPeer(options *PeerOptions) (Peer, error)
}

type simpleMediaStream struct {
	id     string
	tracks []MediaStreamTrack
}

// NewMediaStream groups tracks into a stream.
func NewMediaStream(id string, tracks ...MediaStreamTrack) MediaStream {
	return &simpleMediaStream{
		id:     id,
		tracks: tracks,
	}
}

func (s *simpleMediaStream) ID() string {
	return s.id
}

func (s *simpleMediaStream) GetTracks() []MediaStreamTrack {
	return s.tracks
}
