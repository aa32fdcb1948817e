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
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/strukturag/meetings-client/api"
)

var (
	ErrPeerDestroyed    = errors.New("connection is destroyed")
	ErrNotDataChannel   = errors.New("no data channel")
	ErrUnsupportedTrack = errors.New("unsupported track type")
)

// PionPeerProvider creates peer connections backed by pion/webrtc.
type PionPeerProvider struct {
	log Logger
}

func NewPionPeerProvider(log Logger) *PionPeerProvider {
	if log == nil {
		log = DefaultLogger()
	}
	return &PionPeerProvider{
		log: log,
	}
}

func (p *PionPeerProvider) NewPeer(options *PeerOptions) (Peer, error) {
	return newPionPeer(options, p.log)
}

// PionTrack adapts a pion local track to the MediaStreamTrack interface.
// Disabled tracks keep their sender but the application is expected to
// stop writing samples.
type PionTrack struct {
	track   webrtc.TrackLocal
	enabled atomic.Bool
}

func NewPionTrack(track webrtc.TrackLocal) *PionTrack {
	t := &PionTrack{
		track: track,
	}
	t.enabled.Store(true)
	return t
}

func (t *PionTrack) ID() string {
	return t.track.ID()
}

func (t *PionTrack) Kind() string {
	return t.track.Kind().String()
}

func (t *PionTrack) Enabled() bool {
	return t.enabled.Load()
}

func (t *PionTrack) SetEnabled(enabled bool) {
	t.enabled.Store(enabled)
}

// WebRTCTrack exposes the underlying pion track.
func (t *PionTrack) WebRTCTrack() webrtc.TrackLocal {
	return t.track
}

type pionRemoteTrack struct {
	track   *webrtc.TrackRemote
	enabled atomic.Bool
}

func newPionRemoteTrack(track *webrtc.TrackRemote) *pionRemoteTrack {
	t := &pionRemoteTrack{
		track: track,
	}
	t.enabled.Store(true)
	return t
}

func (t *pionRemoteTrack) ID() string {
	return t.track.ID()
}

func (t *pionRemoteTrack) Kind() string {
	return t.track.Kind().String()
}

func (t *pionRemoteTrack) Enabled() bool {
	return t.enabled.Load()
}

func (t *pionRemoteTrack) SetEnabled(enabled bool) {
	t.enabled.Store(enabled)
}

// Remote returns the underlying pion track, e.g. to read RTP from it.
func (t *pionRemoteTrack) Remote() *webrtc.TrackRemote {
	return t.track
}

type pionPeer struct {
	localID   string
	initiator bool
	options   *PeerOptions
	callbacks PeerCallbacks
	log       Logger

	pc *webrtc.PeerConnection

	mu          sync.Mutex
	dc          *webrtc.DataChannel
	senders     map[string]*webrtc.RTPSender
	pending     []webrtc.ICECandidateInit
	haveSDP     bool
	streams     map[string]*simpleMediaStream
	negotiating bool
	queued      bool

	connected atomic.Bool
	destroyed atomic.Bool
}

func newPionPeer(options *PeerOptions, log Logger) (*pionPeer, error) {
	if options.Logger != nil {
		log = options.Logger
	}
	p := &pionPeer{
		localID:   uuid.NewString(),
		initiator: options.Initiator,
		options:   options,
		callbacks: options.Callbacks.withDefaults(),
		log:       log,
		senders:   make(map[string]*webrtc.RTPSender),
		streams:   make(map[string]*simpleMediaStream),
	}

	config := webrtc.Configuration{}
	for _, server := range options.ICEServers {
		config.ICEServers = append(config.ICEServers, webrtc.ICEServer{
			URLs:       server.URLs,
			Username:   server.Username,
			Credential: server.Credential,
		})
	}

	pc, err := webrtc.NewPeerConnection(config)
	if err != nil {
		return nil, err
	}
	p.pc = pc

	pc.OnICECandidate(p.handleLocalCandidate)
	pc.OnTrack(p.handleRemoteTrack)
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		p.callbacks.OnICEStateChange(p, state.String())
	})
	pc.OnSignalingStateChange(func(state webrtc.SignalingState) {
		p.callbacks.OnSignalingStateChange(p, state.String())
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateFailed:
			p.callbacks.OnError(p, errors.New("peer connection failed"))
		case webrtc.PeerConnectionStateClosed:
			p.Destroy(nil)
		}
	})
	if p.initiator {
		pc.OnNegotiationNeeded(func() {
			p.negotiate()
		})
	}

	for _, stream := range options.Streams {
		if err := p.AddStream(stream); err != nil {
			pc.Close()
			return nil, err
		}
	}
	if options.RecvOnlyVideo {
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			pc.Close()
			return nil, err
		}
	}

	if p.initiator {
		dc, err := pc.CreateDataChannel(options.ChannelName, dataChannelInit(options.ChannelConfig))
		if err != nil {
			pc.Close()
			return nil, err
		}
		p.bindDataChannel(dc)
	} else {
		pc.OnDataChannel(p.bindDataChannel)
	}
	return p, nil
}

func dataChannelInit(config map[string]any) *webrtc.DataChannelInit {
	if len(config) == 0 {
		return nil
	}
	init := &webrtc.DataChannelInit{}
	if ordered, ok := config["ordered"].(bool); ok {
		init.Ordered = &ordered
	}
	if protocol, ok := config["protocol"].(string); ok {
		init.Protocol = &protocol
	}
	if value, ok := config["maxRetransmits"].(float64); ok {
		retransmits := uint16(value)
		init.MaxRetransmits = &retransmits
	}
	return init
}

func (p *pionPeer) bindDataChannel(dc *webrtc.DataChannel) {
	p.mu.Lock()
	p.dc = dc
	p.mu.Unlock()

	dc.OnOpen(func() {
		if p.destroyed.Load() {
			return
		}
		p.connected.Store(true)
		p.callbacks.OnConnect(p)
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if p.destroyed.Load() {
			return
		}
		p.callbacks.OnData(p, msg.Data)
	})
	dc.OnClose(func() {
		if !p.connected.CompareAndSwap(true, false) {
			return
		}
		if p.destroyed.Load() {
			return
		}
		p.callbacks.OnClose(p)
	})
}

func (p *pionPeer) LocalID() string {
	return p.localID
}

func (p *pionPeer) Initiator() bool {
	return p.initiator
}

func (p *pionPeer) Connected() bool {
	return p.connected.Load()
}

func (p *pionPeer) Destroyed() bool {
	return p.destroyed.Load()
}

func (p *pionPeer) handleLocalCandidate(candidate *webrtc.ICECandidate) {
	if candidate == nil || p.destroyed.Load() {
		return
	}
	data, err := json.Marshal(candidate.ToJSON())
	if err != nil {
		p.log.Printf("Could not encode candidate: %s", err)
		return
	}
	p.callbacks.OnSignal(p, &api.WebRTCSignal{Candidate: data})
}

func (p *pionPeer) handleRemoteTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	if p.destroyed.Load() {
		return
	}
	wrapped := newPionRemoteTrack(track)

	p.mu.Lock()
	stream, found := p.streams[track.StreamID()]
	if !found {
		stream = &simpleMediaStream{
			id: track.StreamID(),
		}
		p.streams[track.StreamID()] = stream
	}
	stream.tracks = append(stream.tracks, wrapped)
	p.mu.Unlock()

	p.callbacks.OnTrack(p, wrapped, stream)
	if !found {
		p.callbacks.OnStream(p, stream)
	}
}

// negotiate creates and sends an offer. Overlapping negotiation requests
// are coalesced into one followup round.
func (p *pionPeer) negotiate() {
	p.mu.Lock()
	if p.negotiating {
		p.queued = true
		p.mu.Unlock()
		return
	}
	p.negotiating = true
	p.mu.Unlock()

	go p.sendOffer()
}

func (p *pionPeer) finishNegotiation() {
	p.mu.Lock()
	p.negotiating = false
	queued := p.queued
	p.queued = false
	p.mu.Unlock()
	if queued {
		p.negotiate()
	}
}

func (p *pionPeer) sendOffer() {
	defer p.finishNegotiation()
	if p.destroyed.Load() {
		return
	}

	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		p.callbacks.OnError(p, err)
		return
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		p.callbacks.OnError(p, err)
		return
	}
	p.sendLocalDescription()
}

func (p *pionPeer) sendAnswer() {
	if p.destroyed.Load() {
		return
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		p.callbacks.OnError(p, err)
		return
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		p.callbacks.OnError(p, err)
		return
	}
	p.sendLocalDescription()
}

func (p *pionPeer) sendLocalDescription() {
	if !p.options.Trickle {
		<-webrtc.GatheringCompletePromise(p.pc)
	}
	description := p.pc.LocalDescription()
	if description == nil {
		return
	}

	sdp := description.SDP
	if transform := p.options.SDPTransform; transform != nil {
		sdp = transform(sdp)
	}
	signal, err := sdpSignal(description.Type.String(), sdp)
	if err != nil {
		p.callbacks.OnError(p, err)
		return
	}
	p.callbacks.OnSignal(p, signal)
}

func sdpSignal(kind string, sdp string) (*api.WebRTCSignal, error) {
	kindData, err := json.Marshal(kind)
	if err != nil {
		return nil, err
	}
	sdpData, err := json.Marshal(sdp)
	if err != nil {
		return nil, err
	}
	return &api.WebRTCSignal{
		Type: kindData,
		SDP:  sdpData,
	}, nil
}

func (p *pionPeer) Signal(signal *api.WebRTCSignal) error {
	if p.destroyed.Load() {
		return ErrPeerDestroyed
	}

	if signal.Renegotiate && !signal.IsNoop() {
		if p.initiator {
			p.negotiate()
		}
		return nil
	}

	if len(signal.TransceiverRequest) > 0 {
		return p.handleTransceiverRequest(signal.TransceiverRequest)
	}

	if len(signal.SDP) > 0 {
		return p.handleRemoteSDP(signal)
	}

	if len(signal.Candidate) > 0 {
		return p.handleRemoteCandidate(signal.Candidate)
	}
	return nil
}

func (p *pionPeer) handleTransceiverRequest(data json.RawMessage) error {
	var request api.TransceiverRequest
	if err := json.Unmarshal(data, &request); err != nil {
		return err
	}
	if !p.initiator {
		// Only the initiator owns the transceiver layout; relay the
		// request to the remote side.
		p.callbacks.OnSignal(p, &api.WebRTCSignal{TransceiverRequest: data})
		return nil
	}

	kind := webrtc.NewRTPCodecType(request.Kind)
	if kind == webrtc.RTPCodecType(0) {
		return fmt.Errorf("unsupported transceiver kind %s", request.Kind)
	}
	direction := webrtc.RTPTransceiverDirectionSendrecv
	if request.Init != nil && request.Init.Direction != "" {
		direction = webrtc.NewRTPTransceiverDirection(request.Init.Direction)
	}
	_, err := p.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
		Direction: direction,
	})
	return err
}

func (p *pionPeer) handleRemoteSDP(signal *api.WebRTCSignal) error {
	var kind string
	if err := json.Unmarshal(signal.Type, &kind); err != nil {
		return err
	}
	var sdp string
	if err := json.Unmarshal(signal.SDP, &sdp); err != nil {
		return err
	}

	description := webrtc.SessionDescription{
		Type: webrtc.NewSDPType(kind),
		SDP:  sdp,
	}
	if err := p.pc.SetRemoteDescription(description); err != nil {
		return err
	}

	p.mu.Lock()
	p.haveSDP = true
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()
	for _, candidate := range pending {
		if err := p.pc.AddICECandidate(candidate); err != nil {
			p.log.Printf("Could not add queued candidate: %s", err)
		}
	}

	if description.Type == webrtc.SDPTypeOffer {
		go p.sendAnswer()
	}
	return nil
}

func (p *pionPeer) handleRemoteCandidate(data json.RawMessage) error {
	var candidate webrtc.ICECandidateInit
	if err := json.Unmarshal(data, &candidate); err != nil {
		return err
	}

	p.mu.Lock()
	if !p.haveSDP {
		// Trickled before the description, apply later.
		p.pending = append(p.pending, candidate)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()
	return p.pc.AddICECandidate(candidate)
}

func (p *pionPeer) Send(data []byte) error {
	if p.destroyed.Load() {
		return ErrPeerDestroyed
	}
	p.mu.Lock()
	dc := p.dc
	p.mu.Unlock()
	if dc == nil {
		return ErrNotDataChannel
	}
	return dc.Send(data)
}

func (p *pionPeer) AddStream(stream MediaStream) error {
	for _, track := range stream.GetTracks() {
		if err := p.AddTrack(track, stream); err != nil {
			return err
		}
	}
	return nil
}

func (p *pionPeer) RemoveStream(stream MediaStream) error {
	for _, track := range stream.GetTracks() {
		if err := p.RemoveTrack(track, stream); err != nil {
			return err
		}
	}
	return nil
}

func (p *pionPeer) AddTrack(track MediaStreamTrack, stream MediaStream) error {
	local, ok := track.(interface {
		WebRTCTrack() webrtc.TrackLocal
	})
	if !ok {
		return ErrUnsupportedTrack
	}

	sender, err := p.pc.AddTrack(local.WebRTCTrack())
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.senders[track.ID()] = sender
	p.mu.Unlock()
	return nil
}

func (p *pionPeer) RemoveTrack(track MediaStreamTrack, stream MediaStream) error {
	p.mu.Lock()
	sender, found := p.senders[track.ID()]
	delete(p.senders, track.ID())
	p.mu.Unlock()
	if !found {
		return ErrWrongStream
	}
	return p.pc.RemoveTrack(sender)
}

func (p *pionPeer) EmitSignal(signal *api.WebRTCSignal) {
	if p.destroyed.Load() {
		return
	}
	p.callbacks.OnSignal(p, signal)
}

func (p *pionPeer) Destroy(err error) {
	if !p.destroyed.CompareAndSwap(false, true) {
		return
	}
	if err != nil {
		p.callbacks.OnError(p, err)
	}

	p.mu.Lock()
	dc := p.dc
	p.dc = nil
	p.mu.Unlock()
	if dc != nil {
		dc.Close()
	}
	if closeErr := p.pc.Close(); closeErr != nil {
		p.log.Printf("Could not close peer connection %s: %s", p.localID, closeErr)
	}

	if p.connected.CompareAndSwap(true, false) {
		p.callbacks.OnClose(p)
	}
}
