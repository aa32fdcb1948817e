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
	"sync"

	"github.com/strukturag/meetings-client/api"
)

type EventKind int

const (
	EventStateChanged EventKind = iota
	EventError
	EventTURNChanged
	EventMessage
	EventIncomingCall
	EventOutgoingCall
	EventAbortCall
	EventHangup
	EventStream
	EventTrack
	EventP2PStream

	numEventKinds
)

func (k EventKind) String() string {
	switch k {
	case EventStateChanged:
		return "statechanged"
	case EventError:
		return "error"
	case EventTURNChanged:
		return "turnchanged"
	case EventMessage:
		return "message"
	case EventIncomingCall:
		return "incomingcall"
	case EventOutgoingCall:
		return "outgoingcall"
	case EventAbortCall:
		return "abortcall"
	case EventHangup:
		return "hangup"
	case EventStream:
		return "stream"
	case EventTrack:
		return "track"
	case EventP2PStream:
		return "p2pstream"
	default:
		return "unknown"
	}
}

// Event is the union of all events dispatched to the application.
type Event interface {
	Kind() EventKind
}

// StateChangedEvent reports connection state transitions of the control
// channel.
type StateChangedEvent struct {
	State     ConnectionState
	Connected bool
}

func (e *StateChangedEvent) Kind() EventKind { return EventStateChanged }

// ErrorEvent reports fatal transport or server errors.
type ErrorEvent struct {
	Err *api.Error
}

func (e *ErrorEvent) Kind() EventKind { return EventError }

// TURNChangedEvent reports refreshed TURN credentials. It is cancellable:
// when a handler calls PreventDefault, the ICE server list of the peer
// factory is not replaced.
type TURNChangedEvent struct {
	TURN *api.TURNConfig

	prevented bool
}

func (e *TURNChangedEvent) Kind() EventKind { return EventTURNChanged }

func (e *TURNChangedEvent) PreventDefault() { e.prevented = true }

func (e *TURNChangedEvent) DefaultPrevented() bool { return e.prevented }

// MessageEvent carries server messages that are not handled by the core,
// e.g. "chats".
type MessageEvent struct {
	Message *api.Envelope
}

func (e *MessageEvent) Kind() EventKind { return EventMessage }

// IncomingCallEvent reports a remote caller. The application accepts with
// DoAnswer or declines with DoReject.
type IncomingCallEvent struct {
	User    string
	Channel string
	Profile api.StringMap
}

func (e *IncomingCallEvent) Kind() EventKind { return EventIncomingCall }

// OutgoingCallEvent reports that a placed call was accepted by the remote
// side and the peer connection is being established.
type OutgoingCallEvent struct {
	User    string
	Channel string
	Profile api.StringMap
}

func (e *OutgoingCallEvent) Kind() EventKind { return EventOutgoingCall }

// AbortCallEvent reports that a placed call was rejected.
type AbortCallEvent struct {
	User   string
	Reason string
}

func (e *AbortCallEvent) Kind() EventKind { return EventAbortCall }

// HangupEvent reports a remote hangup with the server-provided payload.
type HangupEvent struct {
	User    string
	Channel string
	Details api.StringMap
}

func (e *HangupEvent) Kind() EventKind { return EventHangup }

// StreamEvent reports a remote media stream that became available on a
// peer connection.
type StreamEvent struct {
	User   string
	Stream MediaStream
}

func (e *StreamEvent) Kind() EventKind { return EventStream }

// TrackEvent reports a remote media track that became available on a peer
// connection.
type TrackEvent struct {
	User   string
	Track  MediaStreamTrack
	Stream MediaStream
}

func (e *TrackEvent) Kind() EventKind { return EventTrack }

// P2PStreamEvent reports an announced remote stream (e.g. a screenshare)
// that became available through the data channel protocol.
type P2PStreamEvent struct {
	User       string
	StreamID   string
	StreamKind string
	Stream     MediaStream

	// Removed is set when the remote withdrew the announcement.
	Removed bool
}

func (e *P2PStreamEvent) Kind() EventKind { return EventP2PStream }

type EventHandler func(Event)

// EventDispatcher maps event kinds to application handlers. Dispatching a
// kind outside the defined set is a programming error and panics.
type EventDispatcher struct {
	mu       sync.RWMutex
	handlers [numEventKinds][]EventHandler
}

func (d *EventDispatcher) Register(kind EventKind, handler EventHandler) {
	if kind < 0 || kind >= numEventKinds {
		panic("unknown event kind")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[kind] = append(d.handlers[kind], handler)
}

func (d *EventDispatcher) Dispatch(event Event) {
	kind := event.Kind()
	if kind < 0 || kind >= numEventKinds {
		panic("unknown event kind")
	}
	d.mu.RLock()
	handlers := d.handlers[kind]
	d.mu.RUnlock()
	for _, h := range handlers {
		h(event)
	}
}
