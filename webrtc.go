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
	"slices"
	"time"

	"github.com/strukturag/meetings-client/api"
	"github.com/strukturag/meetings-client/internal"
)

const (
	// Reply timeout for call and group requests.
	callReplyTimeout = 5 * time.Second

	// Length of the locally generated "state" nonces.
	stateNonceLength = 12

	// Table key of the pipeline peer.
	pipelinePeerMarker = api.PipelineModeMCUForward
)

var (
	ErrHaveChannel     = errors.New("already have a channel")
	ErrNoChannel       = errors.New("no channel")
	ErrPeerExists      = errors.New("peer already exists")
	ErrUnknownPeer     = errors.New("unknown peer")
	ErrWrongStream     = errors.New("wrong stream")
	ErrMeshWithoutSelf = errors.New("cannot mesh without self")
)

// Reason reported when a call was rejected without one.
const reasonUnknown = "no reason given"

// envelopeSender is the part of the transport used by the call engine.
type envelopeSender interface {
	Send(message *api.Envelope) error
	SendRequest(message *api.Envelope, timeout time.Duration, callback replyCallback) error
}

// WebRTCOptions are the recognised media-side configuration keys.
type WebRTCOptions struct {
	ChannelConfig      api.StringMap
	ChannelName        string
	OfferConstraints   api.StringMap
	AnswerConstraints  api.StringMap
	LocalSDPTransform  SDPTransform
	RemoteSDPTransform SDPTransform
}

func (o *WebRTCOptions) withDefaults() *WebRTCOptions {
	result := &WebRTCOptions{}
	if o != nil {
		result = &WebRTCOptions{
			ChannelConfig:      o.ChannelConfig,
			ChannelName:        o.ChannelName,
			OfferConstraints:   o.OfferConstraints,
			AnswerConstraints:  o.AnswerConstraints,
			LocalSDPTransform:  o.LocalSDPTransform,
			RemoteSDPTransform: o.RemoteSDPTransform,
		}
	}
	if result.ChannelName == "" {
		result.ChannelName = "meetings-p2p"
	}
	return result
}

// PeerRecord is the per-peer call state. Records are owned by the call
// engine and only referenced by id elsewhere, so a replaced peer
// connection is purely a table lookup.
type PeerRecord struct {
	id   string
	user string

	// Group id if this peer belongs to a group call.
	group string

	// Non-empty marker for special peers, e.g. the pipeline peer.
	cid string

	initiator bool

	// Locally generated nonce used by the server to bind replies.
	state string

	// The peer's state nonce as learned from the remote side.
	ref string

	// Server-issued opaque session token for this peer.
	hash string

	// Server-issued request id echoed on accept / reject.
	transaction string

	pc Peer

	// Remote connection id learned from the first signal, used to detect
	// peer side restarts.
	rpcid string

	profile json.RawMessage

	// When set, the factory auto-recovers this peer on errors.
	reconnect bool

	// Guards against overlapping recovery attempts.
	recovering bool
}

func (r *PeerRecord) User() string {
	return r.user
}

func (r *PeerRecord) Initiator() bool {
	return r.initiator
}

// Profile returns the opaque identity metadata forwarded by the server.
func (r *PeerRecord) Profile() api.StringMap {
	return decodeProfile(r.profile)
}

func decodeProfile(raw json.RawMessage) api.StringMap {
	if len(raw) == 0 {
		return nil
	}
	var profile map[string]any
	if err := json.Unmarshal(raw, &profile); err != nil {
		return nil
	}
	return api.StringMap(profile)
}

type channelOptions struct {
	localStreamTarget *PeerRecord
}

func (o *channelOptions) empty() bool {
	return o.localStreamTarget == nil
}

// WebRTCManager is the call engine: it owns the active channel, the peer
// table and the call / group / pipeline state machine. All state is
// mutated on a single deferred executor.
type WebRTCManager struct {
	sender     envelopeSender
	executor   *DeferredExecutor
	dispatcher *EventDispatcher
	log        Logger
	options    *WebRTCOptions

	factory *PeerFactory
	p2p     *P2PController

	// The following fields are only accessed on the executor.
	user           string
	channel        string
	channelOptions channelOptions
	group          *GroupCoordinator
	peers          map[string]*PeerRecord
	localStream    MediaStream
}

func newWebRTCManager(sender envelopeSender, provider PeerProvider, options *WebRTCOptions, executor *DeferredExecutor, dispatcher *EventDispatcher, log Logger) *WebRTCManager {
	if log == nil {
		log = DefaultLogger()
	}
	m := &WebRTCManager{
		sender:     sender,
		executor:   executor,
		dispatcher: dispatcher,
		log:        log,
		options:    options.withDefaults(),
		peers:      make(map[string]*PeerRecord),
	}
	m.factory = newPeerFactory(m, provider)
	m.p2p = newP2PController(m)
	return m
}

// Factory returns the peer factory, e.g. to replace the ICE server list.
func (m *WebRTCManager) Factory() *PeerFactory {
	return m.factory
}

// Channel returns the current call session identifier.
func (m *WebRTCManager) Channel() string {
	var channel string
	m.executor.ExecuteWait(func() {
		channel = m.channel
	})
	return channel
}

func (m *WebRTCManager) newStateNonce() string {
	return internal.RandomHex(stateNonceLength)
}

// computeInitiator elects the initiator of a pair: the endpoint with the
// lexicographically larger user id, ties resolved as initiator.
func (m *WebRTCManager) computeInitiator(record *PeerRecord) bool {
	return m.user >= record.user
}

func (m *WebRTCManager) isLocalStreamTarget(record *PeerRecord) bool {
	target := m.channelOptions.localStreamTarget
	return target == nil || target == record
}

func (m *WebRTCManager) versionOK(msg *api.Envelope) bool {
	// Messages without a version are from the server itself and always
	// accepted.
	if msg.Version != 0 && msg.Version < api.WebRTCPayloadVersion {
		m.log.Printf("Ignore message with outdated payload version %d from %s", msg.Version, msg.Source)
		return false
	}
	return true
}

type callResult struct {
	channel string
	err     error
}

func (m *WebRTCManager) await(ctx context.Context, ch <-chan callResult) (string, error) {
	select {
	case r := <-ch:
		return r.channel, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// DoCall places a call to the given user and returns the channel assigned
// by the server.
func (m *WebRTCManager) DoCall(ctx context.Context, user string) (string, error) {
	ch := make(chan callResult, 1)
	m.executor.Execute(func() {
		m.doCall(user, ch)
	})
	return m.await(ctx, ch)
}

func (m *WebRTCManager) doCall(user string, done chan<- callResult) {
	if m.channel != "" {
		done <- callResult{"", ErrHaveChannel}
		return
	}
	if _, found := m.peers[user]; found {
		done <- callResult{"", ErrPeerExists}
		return
	}

	record := &PeerRecord{
		id:        user,
		user:      user,
		initiator: true,
		state:     m.newStateNonce(),
		reconnect: true,
	}
	m.peers[user] = record
	statsWebRTCCallsPlaced.Inc()
	statsWebRTCPeersCurrent.Inc()

	message := &api.Envelope{
		Type:      api.TypeWebRTC,
		Subtype:   api.SubtypeWebRTCCall,
		Target:    user,
		Initiator: true,
		State:     record.state,
		Version:   api.WebRTCPayloadVersion,
	}
	err := m.sender.SendRequest(message, callReplyTimeout, func(reply *api.Envelope, err error) {
		m.executor.Execute(func() {
			m.handleCallReply(record, reply, err, done)
		})
	})
	if err != nil {
		m.removePeer(record)
		done <- callResult{"", err}
	}
}

func (m *WebRTCManager) handleCallReply(record *PeerRecord, reply *api.Envelope, err error, done chan<- callResult) {
	// The record may have been superseded while the request was pending.
	if current, found := m.peers[record.id]; !found || current != record {
		done <- callResult{"", ErrUnknownPeer}
		return
	}

	if err == nil && reply.Type == api.TypeError {
		err = reply.Error
	}
	if err != nil {
		m.removePeer(record)
		m.maybeReleaseChannel()
		done <- callResult{"", err}
		return
	}

	record.hash = reply.Hash
	if reply.Channel != "" {
		m.channel = reply.Channel
	}
	m.processWebRTCMessage(reply)
	done <- callResult{m.channel, nil}
}

// DoAnswer accepts an incoming call from the given user.
func (m *WebRTCManager) DoAnswer(ctx context.Context, user string) (string, error) {
	ch := make(chan callResult, 1)
	m.executor.Execute(func() {
		if m.channel == "" {
			ch <- callResult{"", ErrNoChannel}
			return
		}
		record, found := m.peers[user]
		if !found {
			ch <- callResult{"", ErrUnknownPeer}
			return
		}
		if err := m.answer(record); err != nil {
			ch <- callResult{"", err}
			return
		}
		ch <- callResult{m.channel, nil}
	})
	return m.await(ctx, ch)
}

func (m *WebRTCManager) answer(record *PeerRecord) error {
	data, err := json.Marshal(&api.CallData{
		Accept: true,
		State:  record.ref,
	})
	if err != nil {
		return err
	}

	message := &api.Envelope{
		Type:        api.TypeWebRTC,
		Subtype:     api.SubtypeWebRTCCall,
		Target:      record.id,
		Channel:     m.channel,
		Hash:        record.hash,
		State:       record.state,
		Transaction: record.transaction,
		Version:     api.WebRTCPayloadVersion,
		Data:        data,
	}
	record.transaction = ""
	if err := m.sender.Send(message); err != nil {
		return err
	}
	statsWebRTCCallsAccepted.Inc()
	return nil
}

// DoReject declines an incoming call from the given user. No hangup is
// sent to the server; the peer is removed locally.
func (m *WebRTCManager) DoReject(ctx context.Context, user string, reason string) error {
	ch := make(chan callResult, 1)
	m.executor.Execute(func() {
		record, found := m.peers[user]
		if !found {
			ch <- callResult{"", ErrUnknownPeer}
			return
		}
		err := m.reject(record, reason, record.ref)
		m.hangupPeerLocal(record)
		m.maybeReleaseChannel()
		ch <- callResult{"", err}
	})
	_, err := m.await(ctx, ch)
	return err
}

func (m *WebRTCManager) reject(record *PeerRecord, reason string, state string) error {
	data, err := json.Marshal(&api.CallData{
		Accept: false,
		Reason: reason,
		State:  state,
	})
	if err != nil {
		return err
	}

	message := &api.Envelope{
		Type:        api.TypeWebRTC,
		Subtype:     api.SubtypeWebRTCCall,
		Target:      record.id,
		Channel:     m.channel,
		Hash:        record.hash,
		State:       record.state,
		Transaction: record.transaction,
		Version:     api.WebRTCPayloadVersion,
		Data:        data,
	}
	record.transaction = ""
	if err := m.sender.Send(message); err != nil {
		return err
	}
	statsWebRTCCallsRejected.Inc()
	return nil
}

// DoGroup joins a group call and returns the channel assigned by the
// server.
func (m *WebRTCManager) DoGroup(ctx context.Context, group string) (string, error) {
	ch := make(chan callResult, 1)
	m.executor.Execute(func() {
		m.doGroup(group, ch)
	})
	return m.await(ctx, ch)
}

func (m *WebRTCManager) doGroup(group string, done chan<- callResult) {
	if m.channel != "" {
		done <- callResult{"", ErrHaveChannel}
		return
	}

	record := &PeerRecord{
		id:        group,
		user:      group,
		group:     group,
		state:     m.newStateNonce(),
		reconnect: true,
	}

	message := &api.Envelope{
		Type:    api.TypeWebRTC,
		Subtype: api.SubtypeWebRTCGroup,
		Group:   group,
		Target:  group,
		State:   record.state,
		Version: api.WebRTCPayloadVersion,
	}
	err := m.sender.SendRequest(message, callReplyTimeout, func(reply *api.Envelope, err error) {
		m.executor.Execute(func() {
			m.handleGroupReply(group, record, reply, err, done)
		})
	})
	if err != nil {
		done <- callResult{"", err}
	}
}

func (m *WebRTCManager) handleGroupReply(group string, record *PeerRecord, reply *api.Envelope, err error, done chan<- callResult) {
	if err == nil && reply.Type == api.TypeError {
		err = reply.Error
	}
	if err != nil {
		done <- callResult{"", err}
		return
	}

	record.hash = reply.Hash
	m.group = newGroupCoordinator(group, record, m)
	m.processWebRTCMessage(reply)
	done <- callResult{m.channel, nil}
}

// RefreshGroup re-issues the group request, e.g. after a reconnect
// delivered a hello that still contains this user in the member set.
func (m *WebRTCManager) RefreshGroup() {
	m.executor.Execute(m.refreshGroup)
}

func (m *WebRTCManager) refreshGroup() {
	group := m.group
	if group == nil {
		return
	}

	message := &api.Envelope{
		Type:    api.TypeWebRTC,
		Subtype: api.SubtypeWebRTCGroup,
		Group:   group.id,
		Target:  group.id,
		State:   group.record.state,
		Hash:    group.record.hash,
		Version: api.WebRTCPayloadVersion,
	}
	err := m.sender.SendRequest(message, callReplyTimeout, func(reply *api.Envelope, err error) {
		m.executor.Execute(func() {
			if err == nil && reply.Type == api.TypeError {
				err = reply.Error
			}
			if err != nil {
				m.log.Printf("Could not refresh group %s: %s", group.id, err)
				return
			}
			if reply.Hash != "" {
				group.record.hash = reply.Hash
			}
			m.processWebRTCMessage(reply)
		})
	})
	if err != nil {
		m.log.Printf("Could not refresh group %s: %s", group.id, err)
	}
}

// DoHangup hangs up a single peer or, with an empty user, the whole call.
// An empty reason makes the hangup local only: the transition still
// occurs but no message is sent to the server.
func (m *WebRTCManager) DoHangup(ctx context.Context, user string, reason string) (string, error) {
	ch := make(chan callResult, 1)
	m.executor.Execute(func() {
		if user == "" {
			ch <- callResult{m.hangupAll(reason), nil}
			return
		}

		record, found := m.peers[user]
		if !found {
			ch <- callResult{"", ErrUnknownPeer}
			return
		}
		if reason != "" {
			m.sendHangup(record, reason)
		}
		m.hangupPeerLocal(record)
		m.maybeReleaseChannel()
		ch <- callResult{m.channel, nil}
	})
	return m.await(ctx, ch)
}

func (m *WebRTCManager) hangupAll(reason string) string {
	channel := m.channel
	group := m.group

	m.channel = ""
	m.group = nil
	m.channelOptions = channelOptions{}

	if reason != "" {
		if group != nil {
			m.sendHangup(group.record, reason)
		}
		for _, record := range m.peers {
			m.sendHangup(record, reason)
		}
	}
	for _, record := range m.peers {
		m.hangupPeerLocal(record)
	}
	return channel
}

func (m *WebRTCManager) sendHangup(record *PeerRecord, reason string) {
	data, err := json.Marshal(api.StringMap{"reason": reason})
	if err != nil {
		return
	}
	message := &api.Envelope{
		Type:    api.TypeWebRTC,
		Subtype: api.SubtypeWebRTCHangup,
		Target:  record.id,
		Channel: m.channel,
		Hash:    record.hash,
		State:   record.state,
		Version: api.WebRTCPayloadVersion,
		Data:    data,
	}
	if err := m.sender.Send(message); err != nil && err != ErrNotConnected {
		m.log.Printf("Could not send hangup for %s: %s", record.id, err)
	}
}

// hangupPeerLocal tears down a single peer without notifying the server.
func (m *WebRTCManager) hangupPeerLocal(record *PeerRecord) {
	m.p2p.handlePeerDestroyed(record)
	m.factory.destroyPeer(record)
	m.removePeer(record)
}

func (m *WebRTCManager) removePeer(record *PeerRecord) {
	if current, found := m.peers[record.id]; found && current == record {
		delete(m.peers, record.id)
		statsWebRTCPeersCurrent.Dec()
	}
	if m.channelOptions.localStreamTarget == record {
		m.channelOptions.localStreamTarget = nil
	}
}

// maybeReleaseChannel clears the channel once the peer table is empty and
// no group is active, keeping channel and peer state coupled.
func (m *WebRTCManager) maybeReleaseChannel() {
	if len(m.peers) == 0 && m.group == nil {
		m.channel = ""
		m.channelOptions = channelOptions{}
	}
}

// hangupAllLocal performs a full local hangup without server messages.
func (m *WebRTCManager) hangupAllLocal() {
	m.hangupAll("")
}

// SetLocalStream replaces the local media stream on all peers that are a
// local stream target.
func (m *WebRTCManager) SetLocalStream(stream MediaStream) {
	m.executor.Execute(func() {
		old := m.localStream
		m.localStream = stream
		for _, record := range m.peers {
			if record.pc == nil || !m.isLocalStreamTarget(record) {
				continue
			}
			if old != nil {
				if err := record.pc.RemoveStream(old); err != nil {
					m.log.Printf("Could not remove stream from %s: %s", record.id, err)
				}
			}
			if stream != nil {
				if err := record.pc.AddStream(stream); err != nil {
					m.log.Printf("Could not add stream to %s: %s", record.id, err)
				}
			}
		}
	})
}

// SetScreenshare announces or withdraws a screenshare stream on the
// peer-to-peer side channel of all connected peers.
func (m *WebRTCManager) SetScreenshare(stream MediaStream) {
	m.executor.Execute(func() {
		m.p2p.setLocalStream(streamKindScreenshare, stream)
	})
}

// Mute enables or disables the first local track of the selected kind.
// Returns false if no matching track exists.
func (m *WebRTCManager) Mute(video bool, mute bool) bool {
	var ok bool
	m.executor.ExecuteWait(func() {
		if m.localStream == nil {
			return
		}
		kind := "audio"
		if video {
			kind = "video"
		}
		tracks := tracksOfKind(m.localStream, kind)
		if len(tracks) == 0 {
			return
		}
		tracks[0].SetEnabled(!mute)
		ok = true
	})
	return ok
}

// processWebRTCMessage handles an inbound "webrtc" envelope. Must run on
// the executor.
func (m *WebRTCManager) processWebRTCMessage(msg *api.Envelope) {
	if msg.Type != api.TypeWebRTC {
		return
	}
	if !m.versionOK(msg) {
		return
	}

	switch msg.Subtype {
	case api.SubtypeWebRTCCall:
		m.handleWebRTCCall(msg)
	case api.SubtypeWebRTCChannel:
		m.handleWebRTCChannel(msg)
	case api.SubtypeWebRTCHangup:
		m.handleWebRTCHangup(msg)
	case api.SubtypeWebRTCSignal:
		m.handleWebRTCSignal(msg)
	case api.SubtypeWebRTCGroup:
		// Group information is delivered through "webrtc_channel" data;
		// a bare group message carries nothing to process.
	default:
		m.log.Printf("Unsupported webrtc subtype in %s", msg)
	}
}

func (m *WebRTCManager) handleWebRTCCall(msg *api.Envelope) {
	if msg.Initiator {
		m.handleIncomingCall(msg)
		return
	}
	m.handleCallResponse(msg)
}

func (m *WebRTCManager) handleIncomingCall(msg *api.Envelope) {
	if msg.Source == "" {
		return
	}

	if record, found := m.peers[msg.Source]; found && msg.Target == "" {
		// The server is silently cancelling, the call was taken elsewhere.
		m.executor.Execute(func() {
			if current, stillThere := m.peers[record.id]; stillThere && current == record {
				m.hangupPeerLocal(record)
				m.maybeReleaseChannel()
			}
		})
		return
	}

	if m.channel != "" {
		busy := &PeerRecord{
			id:          msg.Source,
			user:        msg.Source,
			hash:        msg.Hash,
			transaction: msg.Transaction,
		}
		if err := m.reject(busy, "reject_busy", msg.State); err != nil {
			m.log.Printf("Could not reject call from %s: %s", msg.Source, err)
		}
		return
	}

	record := &PeerRecord{
		id:          msg.Source,
		user:        msg.Source,
		state:       m.newStateNonce(),
		ref:         msg.State,
		hash:        msg.Hash,
		transaction: msg.Transaction,
		profile:     msg.Profile,
		reconnect:   true,
	}
	m.peers[record.id] = record
	statsWebRTCPeersCurrent.Inc()
	m.channel = msg.Channel
	if len(msg.Data) > 0 {
		m.handleChannelExtra(msg)
	}

	m.dispatcher.Dispatch(&IncomingCallEvent{
		User:    record.user,
		Channel: m.channel,
		Profile: record.Profile(),
	})
}

func (m *WebRTCManager) handleCallResponse(msg *api.Envelope) {
	record, found := m.peers[msg.Source]
	if !found {
		return
	}

	var data api.CallData
	if len(msg.Data) == 0 {
		return
	}
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		m.log.Printf("Invalid call data in %s: %s", msg, err)
		return
	}

	if record.state != data.State {
		// Stale or replayed response.
		return
	}

	if record.hash != msg.Hash {
		group := m.group
		if data.Accept && group != nil && msg.Group == group.id && record.group == group.id {
			// Group hash exchange: the accepted call of a group member
			// carries the authoritative hash.
			record.hash = msg.Hash
		} else {
			return
		}
	}

	if !data.Accept {
		reason := data.Reason
		if reason == "" {
			reason = reasonUnknown
		}
		m.dispatcher.Dispatch(&AbortCallEvent{
			User:   record.user,
			Reason: reason,
		})
		return
	}

	record.ref = msg.State
	record.profile = msg.Profile
	record.initiator = m.computeInitiator(record)
	pc, err := m.factory.createPeer(record)
	if err != nil {
		m.log.Printf("Could not create peer for %s: %s", record.id, err)
		return
	}
	if !record.initiator {
		// Unblock the remote side, it has to start negotiation.
		pc.EmitSignal(&api.WebRTCSignal{Renegotiate: true})
	}

	m.dispatcher.Dispatch(&OutgoingCallEvent{
		User:    record.user,
		Channel: m.channel,
		Profile: record.Profile(),
	})
}

func (m *WebRTCManager) handleWebRTCChannel(msg *api.Envelope) {
	if m.channel != "" && len(msg.Data) == 0 {
		return
	}

	if msg.Channel != "" {
		m.channel = msg.Channel
	}
	if len(msg.Data) > 0 {
		m.handleChannelExtra(msg)
	}
}

func (m *WebRTCManager) handleChannelExtra(msg *api.Envelope) {
	var extra api.ChannelExtra
	if err := json.Unmarshal(msg.Data, &extra); err != nil {
		m.log.Printf("Invalid channel data in %s: %s", msg, err)
		return
	}

	if extra.Replaced {
		// The call was superseded by another connection of this user.
		m.executor.Execute(m.hangupAllLocal)
		return
	}

	if extra.Group != nil && m.group != nil {
		m.group.handleGroupData(msg, extra.Group)
	}

	if extra.Pipeline != nil {
		m.handlePipeline(extra.Pipeline)
	}
}

func (m *WebRTCManager) handlePipeline(pipeline *api.PipelineData) {
	if pipeline.Mode != api.PipelineModeMCUForward {
		m.log.Printf("Ignoring unsupported pipeline mode %s", pipeline.Mode)
		return
	}
	group := m.group
	if group == nil {
		m.log.Printf("Ignoring pipeline enrolment without group")
		return
	}

	record := &PeerRecord{
		id:        pipeline.Pipeline,
		user:      pipeline.Pipeline,
		ref:       pipeline.Pipeline,
		state:     m.newStateNonce(),
		hash:      group.record.hash,
		cid:       pipelinePeerMarker,
		reconnect: true,
	}
	m.peers[record.id] = record
	statsWebRTCPeersCurrent.Inc()
	// Local media flows only to the pipeline peer from now on.
	m.channelOptions.localStreamTarget = record
}

func (m *WebRTCManager) handleWebRTCHangup(msg *api.Envelope) {
	if msg.Channel != m.channel {
		return
	}
	record, found := m.peers[msg.Source]
	if !found {
		return
	}
	if record.ref != "" && record.ref != msg.State {
		return
	}

	m.hangupPeerLocal(record)
	m.maybeReleaseChannel()

	var details map[string]any
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &details); err != nil {
			details = nil
		}
	}
	m.dispatcher.Dispatch(&HangupEvent{
		User:    record.user,
		Channel: msg.Channel,
		Details: api.StringMap(details),
	})
}

func (m *WebRTCManager) handleWebRTCSignal(msg *api.Envelope) {
	if msg.Channel != m.channel {
		return
	}
	record, found := m.peers[msg.Source]
	if !found {
		return
	}
	if record.ref != "" && record.ref != msg.State {
		return
	}

	if msg.Pcid != record.rpcid {
		if record.rpcid == "" && record.pc != nil {
			record.rpcid = msg.Pcid
		} else {
			// The remote created a new peer connection, replace ours.
			m.factory.destroyPeer(record)
			record.rpcid = msg.Pcid
		}
	}

	if record.pc == nil {
		record.initiator = m.computeInitiator(record)
		if _, err := m.factory.createPeer(record); err != nil {
			m.log.Printf("Could not create peer for %s: %s", record.id, err)
			return
		}
	}

	var signal api.WebRTCSignal
	if err := json.Unmarshal(msg.Data, &signal); err != nil {
		m.log.Printf("Invalid signal data in %s: %s", msg, err)
		return
	}
	if transform := m.options.RemoteSDPTransform; transform != nil && len(signal.SDP) > 0 {
		signal.SDP = transformRawSDP(signal.SDP, transform)
	}

	if err := record.pc.Signal(&signal); err != nil {
		m.log.Printf("Could not signal peer %s: %s", record.id, err)
	}
}

func transformRawSDP(raw json.RawMessage, transform SDPTransform) json.RawMessage {
	var sdp string
	if err := json.Unmarshal(raw, &sdp); err != nil {
		return raw
	}
	transformed, err := json.Marshal(transform(sdp))
	if err != nil {
		return raw
	}
	return transformed
}

// doMesh reconciles the peer table to the given member set of a group
// call. Peers with a non-empty cid (e.g. the pipeline peer) are not
// touched. An empty member set tears the mesh down.
func (m *WebRTCManager) doMesh(users []string, groupRecord *PeerRecord) error {
	if m.user == "" || m.channel == "" {
		return ErrNoChannel
	}
	if len(users) > 0 && !slices.Contains(users, m.user) {
		return ErrMeshWithoutSelf
	}

	var removed []*PeerRecord
	for _, record := range m.peers {
		if record.cid != "" {
			continue
		}
		if !slices.Contains(users, record.id) {
			removed = append(removed, record)
		}
	}

	var added []string
	for _, user := range users {
		if user == m.user {
			continue
		}
		record, found := m.peers[user]
		if !found || record.pc == nil || record.pc.Destroyed() {
			added = append(added, user)
		}
	}

	for _, record := range removed {
		m.hangupPeerLocal(record)
	}

	for _, user := range added {
		if old, found := m.peers[user]; found {
			m.hangupPeerLocal(old)
		}
		record := &PeerRecord{
			id:        user,
			user:      user,
			group:     groupRecord.group,
			hash:      groupRecord.hash,
			ref:       groupRecord.group,
			state:     groupRecord.group,
			reconnect: true,
		}
		m.peers[user] = record
		statsWebRTCPeersCurrent.Inc()
		if err := m.answer(record); err != nil {
			// Mesh convergence continues; surface at trace level only.
			m.log.Printf("Could not answer %s while meshing: %s", user, err)
		}
	}

	m.maybeReleaseChannel()
	return nil
}

// handleUserChanged is invoked by the session controller when the server
// reported a different user identity.
func (m *WebRTCManager) handleUserChanged(user string) {
	m.executor.Execute(func() {
		previous := m.user
		m.user = user
		if previous != "" && previous != user && m.channel != "" {
			m.log.Printf("User changed from %s to %s, hanging up", previous, user)
			m.hangupAllLocal()
			return
		}
		if group := m.group; group != nil && slices.Contains(group.members, user) {
			m.refreshGroup()
		}
	})
}
