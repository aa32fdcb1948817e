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
	"encoding/json"
	"sync"
	"time"

	"github.com/strukturag/meetings-client/api"
)

// Delay before a failed peer connection is recreated. Variable so tests
// can shorten it.
var peerRecoveryDelay = 500 * time.Millisecond

// PeerFactory creates and recovers the peer connections of the call
// engine. Callbacks from the media engine arrive on arbitrary goroutines
// and are rescheduled onto the engine executor; a callback whose peer is
// no longer the current connection of its record is dropped.
type PeerFactory struct {
	manager  *WebRTCManager
	provider PeerProvider

	mu         sync.Mutex
	iceServers []ICEServer
}

func newPeerFactory(manager *WebRTCManager, provider PeerProvider) *PeerFactory {
	return &PeerFactory{
		manager:  manager,
		provider: provider,
	}
}

// SetICEServers replaces the ICE server list used for new peer
// connections. Existing connections are not touched.
func (f *PeerFactory) SetICEServers(servers []ICEServer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.iceServers = servers
}

func (f *PeerFactory) getICEServers() []ICEServer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.iceServers
}

// SetTURNConfig derives the ICE server list from refreshed TURN
// credentials.
func (f *PeerFactory) SetTURNConfig(turn *api.TURNConfig) {
	servers := []ICEServer{{
		URLs:       turn.URIs,
		Username:   turn.Username,
		Credential: turn.Password,
	}}
	f.SetICEServers(servers)
}

// execute reschedules a media engine callback onto the engine executor
// and drops it if the peer was replaced meanwhile.
func (f *PeerFactory) execute(record *PeerRecord, pc Peer, fn func()) {
	f.manager.executor.Execute(func() {
		if record.pc != pc {
			return
		}
		fn()
	})
}

// createPeer builds the peer connection for a record. Must run on the
// engine executor.
func (f *PeerFactory) createPeer(record *PeerRecord) (Peer, error) {
	m := f.manager

	options := &PeerOptions{
		ICEServers:        f.getICEServers(),
		Initiator:         record.initiator,
		Trickle:           true,
		ChannelName:       m.options.ChannelName,
		ChannelConfig:     m.options.ChannelConfig,
		OfferConstraints:  m.options.OfferConstraints,
		AnswerConstraints: m.options.AnswerConstraints,
		SDPTransform:      m.options.LocalSDPTransform,
		Logger:            m.log,
	}
	if m.localStream != nil && m.isLocalStreamTarget(record) {
		options.Streams = []MediaStream{m.localStream}
	}
	options.Callbacks = PeerCallbacks{
		OnSignal: func(pc Peer, signal *api.WebRTCSignal) {
			f.execute(record, pc, func() {
				f.sendSignal(record, pc, signal)
			})
		},
		OnError: func(pc Peer, err error) {
			f.execute(record, pc, func() {
				m.log.Printf("Peer %s failed: %s", record.id, err)
				f.recoverPeer(record)
			})
		},
		OnConnect: func(pc Peer) {
			f.execute(record, pc, func() {
				statsWebRTCPeersConnected.Inc()
				m.p2p.handlePeerConnected(record, pc)
			})
		},
		OnClose: func(pc Peer) {
			f.execute(record, pc, func() {
				statsWebRTCPeersConnected.Dec()
				f.recoverPeer(record)
			})
		},
		OnData: func(pc Peer, data []byte) {
			f.execute(record, pc, func() {
				m.p2p.handleData(record, pc, data)
			})
		},
		OnStream: func(pc Peer, stream MediaStream) {
			f.execute(record, pc, func() {
				m.dispatcher.Dispatch(&StreamEvent{
					User:   record.user,
					Stream: stream,
				})
			})
		},
		OnTrack: func(pc Peer, track MediaStreamTrack, stream MediaStream) {
			f.execute(record, pc, func() {
				m.dispatcher.Dispatch(&TrackEvent{
					User:   record.user,
					Track:  track,
					Stream: stream,
				})
			})
		},
		OnICEStateChange: func(pc Peer, state string) {
			m.log.Printf("Peer %s ice state: %s", record.id, state)
		},
		OnSignalingStateChange: func(pc Peer, state string) {
			m.log.Printf("Peer %s signaling state: %s", record.id, state)
		},
	}

	pc, err := f.provider.NewPeer(options)
	if err != nil {
		return nil, err
	}
	record.pc = pc
	statsWebRTCPeerConnections.Inc()
	return pc, nil
}

func (f *PeerFactory) sendSignal(record *PeerRecord, pc Peer, signal *api.WebRTCSignal) {
	m := f.manager

	data, err := json.Marshal(signal)
	if err != nil {
		m.log.Printf("Could not encode signal for %s: %s", record.id, err)
		return
	}
	message := &api.Envelope{
		Type:    api.TypeWebRTC,
		Subtype: api.SubtypeWebRTCSignal,
		Target:  record.id,
		Channel: m.channel,
		Hash:    record.hash,
		State:   record.state,
		Pcid:    pc.LocalID(),
		Version: api.WebRTCPayloadVersion,
		Data:    data,
	}
	if err := m.sender.Send(message); err != nil {
		m.log.Printf("Could not send signal for %s: %s", record.id, err)
		f.recoverPeer(record)
	}
}

// recoverPeer destroys the current connection of a record and recreates
// it after a short delay, keeping the negotiated initiator role. Must run
// on the engine executor.
func (f *PeerFactory) recoverPeer(record *PeerRecord) {
	m := f.manager

	if !record.reconnect {
		m.hangupPeerLocal(record)
		m.maybeReleaseChannel()
		return
	}
	f.destroyPeer(record)
	if record.recovering {
		return
	}
	record.recovering = true
	statsWebRTCPeerRecoveries.Inc()

	time.AfterFunc(peerRecoveryDelay, func() {
		m.executor.Execute(func() {
			record.recovering = false
			if current, found := m.peers[record.id]; !found || current != record || !record.reconnect {
				return
			}
			if record.pc != nil {
				// Someone else already recreated the connection.
				return
			}
			pc, err := f.createPeer(record)
			if err != nil {
				m.log.Printf("Could not recover peer %s: %s", record.id, err)
				return
			}
			if !record.initiator {
				// Ask the remote side to renegotiate towards the fresh
				// connection.
				pc.EmitSignal(&api.WebRTCSignal{Renegotiate: true})
			}
		})
	})
}

// destroyPeer tears down the current connection of a record, if any. Must
// run on the engine executor.
func (f *PeerFactory) destroyPeer(record *PeerRecord) {
	if record.pc == nil {
		return
	}
	pc := record.pc
	record.pc = nil
	pc.Destroy(nil)
}
