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
	"time"

	"github.com/strukturag/meetings-client/api"
)

// streamBinding ties a stream token to its sub-connection. A binding with
// a local stream belongs to a published stream; one without receives a
// remote stream.
type streamBinding struct {
	id    string
	kind  string
	token string

	localStream MediaStream

	pc    Peer
	rpcid string

	recovering bool
}

// createStreamPeer builds the sub-connection of a stream binding. Its
// signaling runs through the parent peer's data channel, keyed by the
// stream token; the parent's initiator role is reused.
func (c *P2PController) createStreamPeer(rec *p2pRecord, binding *streamBinding) (Peer, error) {
	m := c.manager

	options := &PeerOptions{
		ICEServers:  m.factory.getICEServers(),
		Initiator:   rec.record.initiator,
		Trickle:     true,
		ChannelName: m.options.ChannelName,
		Logger:      m.log,
	}
	if binding.localStream != nil {
		options.Streams = []MediaStream{binding.localStream}
	} else if binding.kind == streamKindScreenshare {
		options.RecvOnlyVideo = true
	}
	options.Callbacks = PeerCallbacks{
		OnSignal: func(pc Peer, signal *api.WebRTCSignal) {
			m.executor.Execute(func() {
				if binding.pc != pc {
					return
				}
				c.sendStreamSignal(rec, binding, pc, signal)
			})
		},
		OnError: func(pc Peer, err error) {
			m.executor.Execute(func() {
				if binding.pc != pc {
					return
				}
				m.log.Printf("Stream peer %s of %s failed: %s", binding.id, rec.record.id, err)
				c.recoverStreamPeer(rec, binding)
			})
		},
		OnClose: func(pc Peer) {
			m.executor.Execute(func() {
				if binding.pc != pc {
					return
				}
				c.recoverStreamPeer(rec, binding)
			})
		},
		OnStream: func(pc Peer, stream MediaStream) {
			m.executor.Execute(func() {
				if binding.pc != pc {
					return
				}
				m.dispatcher.Dispatch(&P2PStreamEvent{
					User:       rec.record.user,
					StreamID:   binding.id,
					StreamKind: binding.kind,
					Stream:     stream,
				})
			})
		},
	}

	pc, err := c.provider().NewPeer(options)
	if err != nil {
		return nil, err
	}
	binding.pc = pc
	statsWebRTCPeerConnections.Inc()
	return pc, nil
}

func (c *P2PController) provider() PeerProvider {
	return c.manager.factory.provider
}

func (c *P2PController) sendStreamSignal(rec *p2pRecord, binding *streamBinding, pc Peer, signal *api.WebRTCSignal) {
	data, err := json.Marshal(signal)
	if err != nil {
		c.manager.log.Printf("Could not encode stream signal for %s: %s", binding.id, err)
		return
	}
	message := &api.Envelope{
		Type:    api.TypeWebRTC,
		Subtype: api.SubtypeWebRTCSignal,
		Source:  binding.token,
		Pcid:    pc.LocalID(),
		Version: api.WebRTCPayloadVersion,
		Data:    data,
	}
	if err := c.sendEnvelope(rec, message); err != nil {
		c.manager.log.Printf("Could not send stream signal for %s to %s: %s", binding.id, rec.record.id, err)
		c.recoverStreamPeer(rec, binding)
	}
}

// recoverStreamPeer recreates the sub-connection of a binding after a
// short delay, analogous to the parent peer recovery.
func (c *P2PController) recoverStreamPeer(rec *p2pRecord, binding *streamBinding) {
	m := c.manager

	if !rec.record.reconnect {
		c.destroyBinding(rec, binding)
		return
	}
	c.destroyStreamPeer(binding)
	if binding.recovering {
		return
	}
	binding.recovering = true

	time.AfterFunc(peerRecoveryDelay, func() {
		m.executor.Execute(func() {
			binding.recovering = false
			current, found := c.records[rec.record]
			if !found || current != rec {
				return
			}
			if bound, stillThere := rec.bindings[binding.token]; !stillThere || bound != binding {
				return
			}
			if binding.pc != nil {
				return
			}

			binding.rpcid = ""
			pc, err := c.createStreamPeer(rec, binding)
			if err != nil {
				m.log.Printf("Could not recover stream peer %s of %s: %s", binding.id, rec.record.id, err)
				return
			}
			if !rec.record.initiator {
				pc.EmitSignal(&api.WebRTCSignal{
					Renegotiate: true,
					Noop:        true,
				})
			}
		})
	})
}

func (c *P2PController) destroyStreamPeer(binding *streamBinding) {
	if binding.pc == nil {
		return
	}
	pc := binding.pc
	binding.pc = nil
	pc.Destroy(nil)
}
