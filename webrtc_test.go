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
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strukturag/meetings-client/api"
)

type sentRequest struct {
	message  *api.Envelope
	callback replyCallback
}

type fakeSender struct {
	mu       sync.Mutex
	nextID   int64
	messages []*api.Envelope
	requests []*sentRequest
	sendErr  error
}

func (s *fakeSender) Send(message *api.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.nextID++
	message.ID = s.nextID
	s.messages = append(s.messages, message)
	return nil
}

func (s *fakeSender) SendRequest(message *api.Envelope, timeout time.Duration, callback replyCallback) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.nextID++
	message.ID = s.nextID
	s.messages = append(s.messages, message)
	s.requests = append(s.requests, &sentRequest{
		message:  message,
		callback: callback,
	})
	return nil
}

func (s *fakeSender) lastRequest() *sentRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.requests) == 0 {
		return nil
	}
	return s.requests[len(s.requests)-1]
}

func (s *fakeSender) messagesBySubtype(subtype string) []*api.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []*api.Envelope
	for _, message := range s.messages {
		if message.Subtype == subtype {
			result = append(result, message)
		}
	}
	return result
}

type fakePeer struct {
	localID   string
	initiator bool
	callbacks PeerCallbacks
	options   *PeerOptions

	mu        sync.Mutex
	signals   []*api.WebRTCSignal
	sent      [][]byte
	streams   []MediaStream
	destroyed bool
	connected bool
}

func (p *fakePeer) LocalID() string {
	return p.localID
}

func (p *fakePeer) Initiator() bool {
	return p.initiator
}

func (p *fakePeer) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

func (p *fakePeer) Destroyed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.destroyed
}

func (p *fakePeer) Signal(signal *api.WebRTCSignal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signals = append(p.signals, signal)
	return nil
}

func (p *fakePeer) receivedSignals() []*api.WebRTCSignal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*api.WebRTCSignal(nil), p.signals...)
}

func (p *fakePeer) Send(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed {
		return ErrPeerDestroyed
	}
	p.sent = append(p.sent, data)
	return nil
}

func (p *fakePeer) sentMessages() []*api.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	var result []*api.Envelope
	for _, data := range p.sent {
		var message api.Envelope
		if err := json.Unmarshal(data, &message); err == nil {
			result = append(result, &message)
		}
	}
	return result
}

func (p *fakePeer) AddStream(stream MediaStream) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.streams = append(p.streams, stream)
	return nil
}

func (p *fakePeer) RemoveStream(stream MediaStream) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, s := range p.streams {
		if s == stream {
			p.streams = append(p.streams[:i], p.streams[i+1:]...)
			return nil
		}
	}
	return ErrWrongStream
}

func (p *fakePeer) AddTrack(track MediaStreamTrack, stream MediaStream) error {
	return nil
}

func (p *fakePeer) RemoveTrack(track MediaStreamTrack, stream MediaStream) error {
	return nil
}

func (p *fakePeer) EmitSignal(signal *api.WebRTCSignal) {
	p.callbacks.OnSignal(p, signal)
}

func (p *fakePeer) Destroy(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.destroyed = true
}

type fakeProvider struct {
	mu    sync.Mutex
	peers []*fakePeer
	err   error
}

func (f *fakeProvider) NewPeer(options *PeerOptions) (Peer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	peer := &fakePeer{
		localID:   fmt.Sprintf("pc-%d", len(f.peers)+1),
		initiator: options.Initiator,
		callbacks: options.Callbacks.withDefaults(),
		options:   options,
	}
	f.peers = append(f.peers, peer)
	return peer, nil
}

func (f *fakeProvider) lastPeer() *fakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.peers) == 0 {
		return nil
	}
	return f.peers[len(f.peers)-1]
}

func (f *fakeProvider) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.peers)
}

type engineTest struct {
	manager    *WebRTCManager
	sender     *fakeSender
	provider   *fakeProvider
	dispatcher *EventDispatcher
}

func newEngineForTest(t *testing.T, user string) *engineTest {
	t.Helper()
	executor := NewDeferredExecutor(64, NullLogger)
	t.Cleanup(executor.Close)

	e := &engineTest{
		sender:     &fakeSender{},
		provider:   &fakeProvider{},
		dispatcher: &EventDispatcher{},
	}
	e.manager = newWebRTCManager(e.sender, e.provider, nil, executor, e.dispatcher, NullLogger)
	e.run(func() {
		e.manager.user = user
	})
	return e
}

// run executes f on the engine executor and waits for it, including any
// work f queued behind itself.
func (e *engineTest) run(f func()) {
	e.manager.executor.ExecuteWait(f)
	e.manager.executor.ExecuteWait(func() {})
}

func (e *engineTest) deliver(message *api.Envelope) {
	e.run(func() {
		e.manager.processWebRTCMessage(message)
	})
}

func (e *engineTest) seedPeer(record *PeerRecord) {
	e.run(func() {
		e.manager.peers[record.id] = record
	})
}

func callData(t *testing.T, accept bool, reason string, state string) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(&api.CallData{
		Accept: accept,
		Reason: reason,
		State:  state,
	})
	require.NoError(t, err)
	return data
}

func TestComputeInitiator(t *testing.T) {
	t.Parallel()
	e := newEngineForTest(t, "bob")
	e.run(func() {
		assert.True(t, e.manager.computeInitiator(&PeerRecord{user: "alice"}))
		assert.False(t, e.manager.computeInitiator(&PeerRecord{user: "carol"}))
		// Ties resolve as initiator.
		assert.True(t, e.manager.computeInitiator(&PeerRecord{user: "bob"}))
	})
}

func TestDoCallAccepted(t *testing.T) {
	t.Parallel()
	e := newEngineForTest(t, "alice")

	events := make(chan Event, 1)
	e.dispatcher.Register(EventOutgoingCall, func(event Event) {
		events <- event
	})

	type result struct {
		channel string
		err     error
	}
	done := make(chan result, 1)
	go func() {
		channel, err := e.manager.DoCall(context.Background(), "bob")
		done <- result{channel, err}
	}()

	var request *sentRequest
	require.Eventually(t, func() bool {
		request = e.sender.lastRequest()
		return request != nil
	}, time.Second, time.Millisecond)

	message := request.message
	assert.Equal(t, api.SubtypeWebRTCCall, message.Subtype)
	assert.Equal(t, "bob", message.Target)
	assert.True(t, message.Initiator)
	assert.NotEmpty(t, message.State)
	assert.EqualValues(t, api.WebRTCPayloadVersion, message.Version)
	assert.EqualValues(t, 1, message.ID)

	request.callback(&api.Envelope{
		Type:    api.TypeWebRTC,
		Subtype: api.SubtypeWebRTCCall,
		ReplyTo: message.ID,
		Source:  "bob",
		Channel: "ch-1",
		Hash:    "H",
		State:   "S2",
		Data:    callData(t, true, "", message.State),
	}, nil)

	r := <-done
	require.NoError(t, r.err)
	assert.Equal(t, "ch-1", r.channel)

	e.run(func() {
		record := e.manager.peers["bob"]
		require.NotNil(t, record)
		assert.Equal(t, "S2", record.ref)
		assert.Equal(t, "H", record.hash)
		// "alice" < "bob", the remote side leads the negotiation.
		assert.False(t, record.initiator)
		assert.NotNil(t, record.pc)
	})

	select {
	case event := <-events:
		call := event.(*OutgoingCallEvent)
		assert.Equal(t, "bob", call.User)
		assert.Equal(t, "ch-1", call.Channel)
	default:
		t.Fatal("no outgoingcall event fired")
	}

	// The non-initiator asks the remote side to start negotiating.
	signals := e.sender.messagesBySubtype(api.SubtypeWebRTCSignal)
	require.Len(t, signals, 1)
	var signal api.WebRTCSignal
	require.NoError(t, json.Unmarshal(signals[0].Data, &signal))
	assert.True(t, signal.Renegotiate)
	assert.Equal(t, e.provider.lastPeer().LocalID(), signals[0].Pcid)
}

func TestDoCallPreconditions(t *testing.T) {
	t.Parallel()
	e := newEngineForTest(t, "alice")
	e.run(func() {
		e.manager.channel = "ch-1"
	})
	_, err := e.manager.DoCall(context.Background(), "bob")
	assert.ErrorIs(t, err, ErrHaveChannel)

	e.run(func() {
		e.manager.channel = ""
	})
	e.seedPeer(&PeerRecord{id: "bob", user: "bob"})
	_, err = e.manager.DoCall(context.Background(), "bob")
	assert.ErrorIs(t, err, ErrPeerExists)
}

func TestDoCallRejected(t *testing.T) {
	t.Parallel()
	e := newEngineForTest(t, "alice")

	events := make(chan Event, 1)
	e.dispatcher.Register(EventAbortCall, func(event Event) {
		events <- event
	})

	done := make(chan error, 1)
	go func() {
		_, err := e.manager.DoCall(context.Background(), "bob")
		done <- err
	}()

	var request *sentRequest
	require.Eventually(t, func() bool {
		request = e.sender.lastRequest()
		return request != nil
	}, time.Second, time.Millisecond)

	request.callback(&api.Envelope{
		Type:    api.TypeWebRTC,
		Subtype: api.SubtypeWebRTCCall,
		ReplyTo: request.message.ID,
		Source:  "bob",
		Channel: "ch-1",
		Hash:    "H",
		State:   "S2",
		Data:    callData(t, false, "reject", request.message.State),
	}, nil)
	require.NoError(t, <-done)

	e.run(func() {})
	select {
	case event := <-events:
		abort := event.(*AbortCallEvent)
		assert.Equal(t, "bob", abort.User)
		assert.Equal(t, "reject", abort.Reason)
	default:
		t.Fatal("no abortcall event fired")
	}
	assert.Zero(t, e.provider.count())
}

func TestIncomingCallBusyReject(t *testing.T) {
	t.Parallel()
	e := newEngineForTest(t, "alice")
	e.run(func() {
		e.manager.channel = "ch-1"
	})
	e.seedPeer(&PeerRecord{id: "bob", user: "bob"})

	e.deliver(&api.Envelope{
		Type:        api.TypeWebRTC,
		Subtype:     api.SubtypeWebRTCCall,
		Source:      "carol",
		Target:      "alice",
		Initiator:   true,
		Channel:     "ch-2",
		Hash:        "HC",
		State:       "SC",
		Transaction: "T1",
		Version:     api.WebRTCPayloadVersion,
	})

	rejects := e.sender.messagesBySubtype(api.SubtypeWebRTCCall)
	require.Len(t, rejects, 1)
	reject := rejects[0]
	assert.Equal(t, "carol", reject.Target)
	assert.Equal(t, "T1", reject.Transaction)
	var data api.CallData
	require.NoError(t, json.Unmarshal(reject.Data, &data))
	assert.False(t, data.Accept)
	assert.Equal(t, "reject_busy", data.Reason)
	assert.Equal(t, "SC", data.State)

	e.run(func() {
		assert.Equal(t, "ch-1", e.manager.channel)
		_, found := e.manager.peers["carol"]
		assert.False(t, found)
	})
}

func TestIncomingCallAnswer(t *testing.T) {
	t.Parallel()
	e := newEngineForTest(t, "bob")

	events := make(chan Event, 1)
	e.dispatcher.Register(EventIncomingCall, func(event Event) {
		events <- event
	})

	e.deliver(&api.Envelope{
		Type:        api.TypeWebRTC,
		Subtype:     api.SubtypeWebRTCCall,
		Source:      "alice",
		Target:      "bob",
		Initiator:   true,
		Channel:     "ch-1",
		Hash:        "H",
		State:       "SA",
		Transaction: "T1",
		Version:     api.WebRTCPayloadVersion,
	})

	select {
	case event := <-events:
		call := event.(*IncomingCallEvent)
		assert.Equal(t, "alice", call.User)
		assert.Equal(t, "ch-1", call.Channel)
	default:
		t.Fatal("no incomingcall event fired")
	}

	channel, err := e.manager.DoAnswer(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "ch-1", channel)

	answers := e.sender.messagesBySubtype(api.SubtypeWebRTCCall)
	require.Len(t, answers, 1)
	answer := answers[0]
	assert.Equal(t, "alice", answer.Target)
	assert.Equal(t, "ch-1", answer.Channel)
	assert.Equal(t, "H", answer.Hash)
	assert.Equal(t, "T1", answer.Transaction)
	var data api.CallData
	require.NoError(t, json.Unmarshal(answer.Data, &data))
	assert.True(t, data.Accept)
	assert.Equal(t, "SA", data.State)
}

func TestCallResponseHashMismatchDropped(t *testing.T) {
	t.Parallel()
	e := newEngineForTest(t, "alice")
	e.run(func() {
		e.manager.channel = "ch-1"
	})
	e.seedPeer(&PeerRecord{
		id:    "bob",
		user:  "bob",
		state: "S",
		hash:  "H",
	})

	e.deliver(&api.Envelope{
		Type:    api.TypeWebRTC,
		Subtype: api.SubtypeWebRTCCall,
		Source:  "bob",
		Channel: "ch-1",
		Hash:    "X",
		State:   "S2",
		Version: api.WebRTCPayloadVersion,
		Data:    callData(t, true, "", "S"),
	})

	assert.Zero(t, e.provider.count())
	e.run(func() {
		assert.Equal(t, "H", e.manager.peers["bob"].hash)
		assert.Empty(t, e.manager.peers["bob"].ref)
	})
}

func TestGroupHashExchange(t *testing.T) {
	t.Parallel()
	e := newEngineForTest(t, "alice")
	var groupRecord *PeerRecord
	e.run(func() {
		groupRecord = &PeerRecord{
			id:    "g",
			user:  "g",
			group: "g",
			state: "GS",
			hash:  "GH",
		}
		e.manager.channel = "ch-1"
		e.manager.group = newGroupCoordinator("g", groupRecord, e.manager)
	})
	e.seedPeer(&PeerRecord{
		id:    "bob",
		user:  "bob",
		group: "g",
		state: "S",
		hash:  "GH",
		ref:   "g",
	})

	// The accepted call of a group member carries its own hash which
	// replaces the group level one for this peer.
	e.deliver(&api.Envelope{
		Type:    api.TypeWebRTC,
		Subtype: api.SubtypeWebRTCCall,
		Source:  "bob",
		Group:   "g",
		Channel: "ch-1",
		Hash:    "HB",
		State:   "S2",
		Version: api.WebRTCPayloadVersion,
		Data:    callData(t, true, "", "S"),
	})

	e.run(func() {
		assert.Equal(t, "HB", e.manager.peers["bob"].hash)
		assert.Equal(t, "S2", e.manager.peers["bob"].ref)
	})
	assert.Equal(t, 1, e.provider.count())
}

func TestRemoteHangup(t *testing.T) {
	t.Parallel()
	e := newEngineForTest(t, "alice")
	e.run(func() {
		e.manager.channel = "ch-1"
	})
	pc := &fakePeer{localID: "pc-x"}
	e.seedPeer(&PeerRecord{
		id:   "bob",
		user: "bob",
		ref:  "S2",
		pc:   pc,
	})

	events := make(chan Event, 1)
	e.dispatcher.Register(EventHangup, func(event Event) {
		events <- event
	})

	data, err := json.Marshal(api.StringMap{"reason": "hangup"})
	require.NoError(t, err)
	e.deliver(&api.Envelope{
		Type:    api.TypeWebRTC,
		Subtype: api.SubtypeWebRTCHangup,
		Source:  "bob",
		Channel: "ch-1",
		State:   "S2",
		Version: api.WebRTCPayloadVersion,
		Data:    data,
	})

	select {
	case event := <-events:
		hangup := event.(*HangupEvent)
		assert.Equal(t, "bob", hangup.User)
		assert.Equal(t, "hangup", hangup.Details["reason"])
	default:
		t.Fatal("no hangup event fired")
	}

	assert.True(t, pc.Destroyed())
	e.run(func() {
		assert.Empty(t, e.manager.peers)
		assert.Empty(t, e.manager.channel)
	})
}

func TestDoHangupSingle(t *testing.T) {
	t.Parallel()
	e := newEngineForTest(t, "alice")
	e.run(func() {
		e.manager.channel = "ch-1"
	})
	e.seedPeer(&PeerRecord{
		id:    "bob",
		user:  "bob",
		state: "S",
		hash:  "H",
	})

	_, err := e.manager.DoHangup(context.Background(), "carol", "hangup")
	assert.ErrorIs(t, err, ErrUnknownPeer)

	channel, err := e.manager.DoHangup(context.Background(), "bob", "hangup")
	require.NoError(t, err)
	// The last peer is gone, the channel is released.
	assert.Empty(t, channel)

	hangups := e.sender.messagesBySubtype(api.SubtypeWebRTCHangup)
	require.Len(t, hangups, 1)
	assert.Equal(t, "bob", hangups[0].Target)
	assert.Equal(t, "H", hangups[0].Hash)
}

func TestDoHangupLocalOnly(t *testing.T) {
	t.Parallel()
	e := newEngineForTest(t, "alice")
	e.run(func() {
		e.manager.channel = "ch-1"
	})
	e.seedPeer(&PeerRecord{id: "bob", user: "bob"})

	// An empty reason keeps the transition local.
	_, err := e.manager.DoHangup(context.Background(), "bob", "")
	require.NoError(t, err)
	assert.Empty(t, e.sender.messagesBySubtype(api.SubtypeWebRTCHangup))
	e.run(func() {
		assert.Empty(t, e.manager.peers)
		assert.Empty(t, e.manager.channel)
	})
}

func TestChannelReplaced(t *testing.T) {
	t.Parallel()
	e := newEngineForTest(t, "alice")
	e.run(func() {
		e.manager.channel = "ch-1"
	})
	pc := &fakePeer{localID: "pc-x"}
	e.seedPeer(&PeerRecord{id: "bob", user: "bob", pc: pc})

	data, err := json.Marshal(&api.ChannelExtra{Replaced: true})
	require.NoError(t, err)
	e.deliver(&api.Envelope{
		Type:    api.TypeWebRTC,
		Subtype: api.SubtypeWebRTCChannel,
		Channel: "ch-1",
		Data:    data,
	})

	e.run(func() {
		assert.Empty(t, e.manager.channel)
		assert.Empty(t, e.manager.peers)
	})
	assert.True(t, pc.Destroyed())
	// The call was taken over elsewhere, no hangup goes to the server.
	assert.Empty(t, e.sender.messagesBySubtype(api.SubtypeWebRTCHangup))
}

func TestPipelineEnrolment(t *testing.T) {
	t.Parallel()
	e := newEngineForTest(t, "alice")
	e.run(func() {
		record := &PeerRecord{id: "g", user: "g", group: "g", state: "GS", hash: "GH"}
		e.manager.channel = "ch-1"
		e.manager.group = newGroupCoordinator("g", record, e.manager)
	})

	data, err := json.Marshal(&api.ChannelExtra{
		Pipeline: &api.PipelineData{
			Pipeline: "pipe-1",
			Mode:     api.PipelineModeMCUForward,
		},
	})
	require.NoError(t, err)
	e.deliver(&api.Envelope{
		Type:    api.TypeWebRTC,
		Subtype: api.SubtypeWebRTCChannel,
		Channel: "ch-1",
		Data:    data,
	})

	e.run(func() {
		record := e.manager.peers["pipe-1"]
		require.NotNil(t, record)
		assert.Equal(t, api.PipelineModeMCUForward, record.cid)
		assert.Equal(t, "GH", record.hash)
		assert.Same(t, record, e.manager.channelOptions.localStreamTarget)
	})
}

func TestSignalCreatesPeerAndReconcilesRpcid(t *testing.T) {
	t.Parallel()
	e := newEngineForTest(t, "alice")
	e.run(func() {
		e.manager.channel = "ch-1"
	})
	e.seedPeer(&PeerRecord{
		id:   "bob",
		user: "bob",
		ref:  "S2",
		hash: "H",
	})

	signalData, err := json.Marshal(&api.WebRTCSignal{
		Type: json.RawMessage(`"offer"`),
		SDP:  json.RawMessage(`"v=0\r\n"`),
	})
	require.NoError(t, err)
	e.deliver(&api.Envelope{
		Type:    api.TypeWebRTC,
		Subtype: api.SubtypeWebRTCSignal,
		Source:  "bob",
		Channel: "ch-1",
		State:   "S2",
		Pcid:    "r1",
		Version: api.WebRTCPayloadVersion,
		Data:    signalData,
	})

	require.Equal(t, 1, e.provider.count())
	first := e.provider.lastPeer()
	assert.Len(t, first.receivedSignals(), 1)
	e.run(func() {
		assert.Equal(t, "r1", e.manager.peers["bob"].rpcid)
	})

	// A different remote pcid means the peer restarted its connection.
	e.deliver(&api.Envelope{
		Type:    api.TypeWebRTC,
		Subtype: api.SubtypeWebRTCSignal,
		Source:  "bob",
		Channel: "ch-1",
		State:   "S2",
		Pcid:    "r2",
		Version: api.WebRTCPayloadVersion,
		Data:    signalData,
	})

	require.Equal(t, 2, e.provider.count())
	assert.True(t, first.Destroyed())
	e.run(func() {
		assert.Equal(t, "r2", e.manager.peers["bob"].rpcid)
	})
}

func TestOutdatedVersionIgnored(t *testing.T) {
	t.Parallel()
	e := newEngineForTest(t, "bob")

	e.deliver(&api.Envelope{
		Type:      api.TypeWebRTC,
		Subtype:   api.SubtypeWebRTCCall,
		Source:    "alice",
		Initiator: true,
		Channel:   "ch-1",
		Version:   1,
	})
	e.run(func() {
		assert.Empty(t, e.manager.peers)
		assert.Empty(t, e.manager.channel)
	})
}
