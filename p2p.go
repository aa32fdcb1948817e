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
	"github.com/strukturag/meetings-client/internal"
)

const (
	streamKindScreenshare = "screenshare"

	// Length of stream routing tokens.
	streamTokenLength = 16
)

// localP2PStream is a local stream published through the data channel
// protocol. The token is the routing key remote peers use for nested
// signaling.
type localP2PStream struct {
	id     string
	kind   string
	token  string
	stream MediaStream
}

// p2pRecord is the data channel protocol state of one connected parent
// peer.
type p2pRecord struct {
	record *PeerRecord
	pc     Peer

	ready bool

	// Timestamp of our own handshake, verified against the reply.
	handshakeTS int64

	// The handshake received from the remote side, if any.
	remoteHandshake *api.Handshake

	// Remote streams by id, as last announced.
	streams map[string]*streamBinding

	// Routing bindings by token, local and remote.
	bindings map[string]*streamBinding
}

// P2PController implements the protocol on top of the data channel of
// each fully connected peer: a handshake, stream announcements and nested
// signaling for per-stream sub-connections. All methods run on the engine
// executor.
type P2PController struct {
	manager *WebRTCManager

	records      map[*PeerRecord]*p2pRecord
	localStreams map[string]*localP2PStream
}

func newP2PController(manager *WebRTCManager) *P2PController {
	return &P2PController{
		manager:      manager,
		records:      make(map[*PeerRecord]*p2pRecord),
		localStreams: make(map[string]*localP2PStream),
	}
}

func (c *P2PController) sendEnvelope(rec *p2pRecord, message *api.Envelope) error {
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}
	return rec.pc.Send(data)
}

// handlePeerConnected starts the handshake once the data channel of a
// parent peer is up.
func (c *P2PController) handlePeerConnected(record *PeerRecord, pc Peer) {
	old, found := c.records[record]
	if found && old.pc == pc {
		return
	}
	if found {
		c.teardownRecord(old)
	}

	rec := &p2pRecord{
		record:   record,
		pc:       pc,
		streams:  make(map[string]*streamBinding),
		bindings: make(map[string]*streamBinding),
	}
	c.records[record] = rec
	c.sendHandshake(rec)
}

func (c *P2PController) sendHandshake(rec *p2pRecord) {
	rec.handshakeTS = time.Now().UnixMilli()
	handshake := &api.Handshake{
		TS:      rec.handshakeTS,
		Version: api.P2PPayloadVersion,
	}
	if rec.remoteHandshake != nil {
		// The remote was faster, piggyback the reply.
		handshake.Reply = &api.Handshake{
			TS:      rec.remoteHandshake.TS,
			Version: api.P2PPayloadVersion,
		}
	}

	data, err := json.Marshal(handshake)
	if err != nil {
		c.manager.log.Printf("Could not encode handshake for %s: %s", rec.record.id, err)
		return
	}
	message := &api.Envelope{
		Type:    api.TypeP2P,
		Subtype: api.SubtypeHandshake,
		Version: api.P2PPayloadVersion,
		Data:    data,
	}
	if err := c.sendEnvelope(rec, message); err != nil {
		c.manager.log.Printf("Could not send handshake to %s: %s", rec.record.id, err)
	}
}

// handleData processes an inbound data channel message of a parent peer.
func (c *P2PController) handleData(record *PeerRecord, pc Peer, data []byte) {
	rec, found := c.records[record]
	if !found || rec.pc != pc {
		return
	}

	var message api.Envelope
	if err := json.Unmarshal(data, &message); err != nil {
		c.manager.log.Printf("Invalid data channel message from %s: %s", record.id, err)
		return
	}

	switch message.Type {
	case api.TypeP2P:
		if message.Version != 0 && message.Version < api.P2PPayloadVersion {
			c.manager.log.Printf("Ignore data channel message with outdated version %d from %s", message.Version, record.id)
			return
		}
		switch message.Subtype {
		case api.SubtypeHandshake:
			c.handleHandshake(rec, &message)
		case api.SubtypeHandshakeReply:
			c.handleHandshakeReply(rec, &message)
		case api.SubtypeAnnounceStreams:
			c.handleAnnounceStreams(rec, &message)
		default:
			c.manager.log.Printf("Unsupported p2p subtype in %s", &message)
		}
	case api.TypeWebRTC:
		if message.Subtype != api.SubtypeWebRTCSignal {
			c.manager.log.Printf("Unsupported webrtc subtype on data channel in %s", &message)
			return
		}
		if message.Version != 0 && message.Version < api.WebRTCPayloadVersion {
			return
		}
		c.handleStreamSignal(rec, &message)
	default:
		c.manager.log.Printf("Unsupported data channel message type in %s", &message)
	}
}

func (c *P2PController) handleHandshake(rec *p2pRecord, message *api.Envelope) {
	if rec.ready {
		c.manager.log.Printf("Duplicate handshake from %s, ignored", rec.record.id)
		return
	}

	var handshake api.Handshake
	if err := json.Unmarshal(message.Data, &handshake); err != nil {
		c.manager.log.Printf("Invalid handshake from %s: %s", rec.record.id, err)
		return
	}
	rec.remoteHandshake = &handshake

	if handshake.Reply != nil {
		c.verifyHandshakeReply(rec, handshake.Reply)
	}
	c.sendHandshakeReply(rec, &handshake)
}

func (c *P2PController) sendHandshakeReply(rec *p2pRecord, remote *api.Handshake) {
	reply := &api.Handshake{
		TS:      remote.TS,
		Version: api.P2PPayloadVersion,
	}
	data, err := json.Marshal(reply)
	if err != nil {
		return
	}
	message := &api.Envelope{
		Type:    api.TypeP2P,
		Subtype: api.SubtypeHandshakeReply,
		Version: api.P2PPayloadVersion,
		Data:    data,
	}
	if err := c.sendEnvelope(rec, message); err != nil {
		c.manager.log.Printf("Could not send handshake reply to %s: %s", rec.record.id, err)
	}
}

func (c *P2PController) handleHandshakeReply(rec *p2pRecord, message *api.Envelope) {
	var reply api.Handshake
	if err := json.Unmarshal(message.Data, &reply); err != nil {
		c.manager.log.Printf("Invalid handshake reply from %s: %s", rec.record.id, err)
		return
	}
	c.verifyHandshakeReply(rec, &reply)
}

func (c *P2PController) verifyHandshakeReply(rec *p2pRecord, reply *api.Handshake) {
	if rec.ready {
		return
	}
	if reply.TS != rec.handshakeTS {
		c.manager.log.Printf("Handshake reply from %s does not match, ignored", rec.record.id)
		return
	}
	if reply.Version < api.P2PPayloadVersion {
		c.manager.log.Printf("Handshake reply from %s with outdated version %d, ignored", rec.record.id, reply.Version)
		return
	}

	rec.ready = true
	c.announceStreams(rec)
}

// setLocalStream publishes or withdraws a local stream of the given kind
// on all ready peers.
func (c *P2PController) setLocalStream(kind string, stream MediaStream) {
	if old, found := c.localStreams[kind]; found {
		delete(c.localStreams, kind)
		for _, rec := range c.records {
			if binding, bound := rec.bindings[old.token]; bound {
				c.destroyBinding(rec, binding)
			}
		}
	}

	if stream != nil {
		c.localStreams[kind] = &localP2PStream{
			id:     stream.ID(),
			kind:   kind,
			token:  internal.RandomHex(streamTokenLength),
			stream: stream,
		}
	}

	for _, rec := range c.records {
		if !rec.ready {
			continue
		}
		c.announceStreams(rec)
	}
}

// announceStreams sends the current local stream set. Local bindings are
// registered here so nested signaling for our own streams can be routed
// when the remote side starts negotiating.
func (c *P2PController) announceStreams(rec *p2pRecord) {
	streams := make([]*api.StreamAnnouncement, 0, len(c.localStreams))
	for _, local := range c.localStreams {
		streams = append(streams, &api.StreamAnnouncement{
			ID:      local.id,
			Kind:    local.kind,
			Token:   local.token,
			Version: api.P2PPayloadVersion,
		})
		if _, bound := rec.bindings[local.token]; !bound {
			rec.bindings[local.token] = &streamBinding{
				id:          local.id,
				kind:        local.kind,
				token:       local.token,
				localStream: local.stream,
			}
		}
	}

	message := &api.Envelope{
		Type:    api.TypeP2P,
		Subtype: api.SubtypeAnnounceStreams,
		Version: api.P2PPayloadVersion,
		Streams: streams,
	}
	if err := c.sendEnvelope(rec, message); err != nil {
		c.manager.log.Printf("Could not announce streams to %s: %s", rec.record.id, err)
	}
}

// handleAnnounceStreams diffs the announced remote streams against the
// known set, creating and destroying sub-connections as needed.
func (c *P2PController) handleAnnounceStreams(rec *p2pRecord, message *api.Envelope) {
	announced := make(map[string]*api.StreamAnnouncement)
	for _, stream := range message.Streams {
		if stream.Version != 0 && stream.Version < api.P2PPayloadVersion {
			continue
		}
		announced[stream.ID] = stream
	}

	for id, binding := range rec.streams {
		if _, stillThere := announced[id]; !stillThere {
			delete(rec.streams, id)
			c.destroyBinding(rec, binding)
			statsWebRTCP2PStreams.Dec()
			c.manager.dispatcher.Dispatch(&P2PStreamEvent{
				User:       rec.record.user,
				StreamID:   binding.id,
				StreamKind: binding.kind,
				Removed:    true,
			})
		}
	}

	for id, stream := range announced {
		if existing, found := rec.streams[id]; found {
			if existing.token != stream.Token {
				// The remote recreated the stream, rebind the routing
				// key and keep the connection.
				delete(rec.bindings, existing.token)
				existing.token = stream.Token
				rec.bindings[existing.token] = existing
			}
			continue
		}

		binding := &streamBinding{
			id:    stream.ID,
			kind:  stream.Kind,
			token: stream.Token,
		}
		rec.streams[id] = binding
		rec.bindings[stream.Token] = binding
		statsWebRTCP2PStreams.Inc()

		pc, err := c.createStreamPeer(rec, binding)
		if err != nil {
			c.manager.log.Printf("Could not create stream peer for %s of %s: %s", stream.ID, rec.record.id, err)
			continue
		}
		if !rec.record.initiator {
			// Wake the announcing side up, it has to start negotiation.
			pc.EmitSignal(&api.WebRTCSignal{
				Renegotiate: true,
				Noop:        true,
			})
		}
	}
}

// handleStreamSignal routes a nested signaling envelope to the
// sub-connection registered under the stream token in "source".
func (c *P2PController) handleStreamSignal(rec *p2pRecord, message *api.Envelope) {
	binding, found := rec.bindings[message.Source]
	if !found {
		c.manager.log.Printf("Signal for unknown stream token from %s, ignored", rec.record.id)
		return
	}

	if message.Pcid != binding.rpcid {
		if binding.rpcid == "" && binding.pc != nil {
			binding.rpcid = message.Pcid
		} else if binding.pc != nil {
			c.destroyStreamPeer(binding)
			binding.rpcid = message.Pcid
		} else {
			binding.rpcid = message.Pcid
		}
	}

	if binding.pc == nil {
		if _, err := c.createStreamPeer(rec, binding); err != nil {
			c.manager.log.Printf("Could not create stream peer for %s of %s: %s", binding.id, rec.record.id, err)
			return
		}
	}

	var signal api.WebRTCSignal
	if err := json.Unmarshal(message.Data, &signal); err != nil {
		c.manager.log.Printf("Invalid stream signal from %s: %s", rec.record.id, err)
		return
	}
	if signal.IsNoop() {
		// Wake-up only.
		return
	}

	if err := binding.pc.Signal(&signal); err != nil {
		c.manager.log.Printf("Could not signal stream peer %s of %s: %s", binding.id, rec.record.id, err)
	}
}

// handlePeerDestroyed tears down all protocol state of a parent peer.
func (c *P2PController) handlePeerDestroyed(record *PeerRecord) {
	rec, found := c.records[record]
	if !found {
		return
	}
	delete(c.records, record)
	c.teardownRecord(rec)
}

func (c *P2PController) teardownRecord(rec *p2pRecord) {
	for id, binding := range rec.streams {
		delete(rec.streams, id)
		statsWebRTCP2PStreams.Dec()
		c.manager.dispatcher.Dispatch(&P2PStreamEvent{
			User:       rec.record.user,
			StreamID:   binding.id,
			StreamKind: binding.kind,
			Removed:    true,
		})
	}
	for token, binding := range rec.bindings {
		delete(rec.bindings, token)
		c.destroyStreamPeer(binding)
	}
}

func (c *P2PController) destroyBinding(rec *p2pRecord, binding *streamBinding) {
	delete(rec.bindings, binding.token)
	c.destroyStreamPeer(binding)
}
