/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import "sync"

// ---- Call State & Event Enums ----

// CallState represents the state of a call in the state machine
type CallState string

const (
	CallStateIdle        CallState = "Idle"
	CallStateConnecting  CallState = "Connecting"
	CallStateProgress    CallState = "Progress"
	CallStateEstablished CallState = "Established"
	CallStateOnHold      CallState = "OnHold"
	CallStateTerminating CallState = "Terminating"
	CallStateTerminated  CallState = "Terminated"
	CallStateIncoming    CallState = "Incoming"
	CallStateFailed      CallState = "Failed"
)

// IsTerminal reports whether no further transition can leave the state.
func (s CallState) IsTerminal() bool {
	return s == CallStateTerminated || s == CallStateFailed
}

// CallEventKind names an input of the call state machine
type CallEventKind string

const (
	// Local actions
	CallEventStart  CallEventKind = "start"
	CallEventAnswer CallEventKind = "answer"
	CallEventReject CallEventKind = "reject"
	CallEventHold   CallEventKind = "hold"
	CallEventUnhold CallEventKind = "unhold"
	CallEventHangup CallEventKind = "hangup"

	// Signaling-derived
	CallEventIncoming  CallEventKind = "incoming"
	CallEventProgress  CallEventKind = "progress"
	CallEventAccepted  CallEventKind = "accepted"
	CallEventConfirmed CallEventKind = "confirmed"
	CallEventEnded     CallEventKind = "ended"
	CallEventFailed    CallEventKind = "failed"

	// Completes Terminating
	CallEventTerminate CallEventKind = "terminate"
)

// ---- Host Events ----

// Event keys emitted on Client.Emitter
const (
	EventRegistered         = "registered"
	EventUnregistered       = "unregistered"
	EventRegistrationFailed = "registrationFailed"
	EventIncoming           = "incoming"
	EventConnecting         = "connecting"
	EventProgress           = "progress"
	EventAccepted           = "accepted"
	EventConfirmed          = "confirmed"
	EventEnded              = "ended"
	EventFailed             = "failed"
	EventHold               = "hold"
	EventUnhold             = "unhold"
)

// SessionEvent is the payload of call events delivered to the host.
type SessionEvent struct {
	SessionID string
	State     CallState
	// Cause is set on ended and failed.
	Cause string
	// Err is the typed failure (*CallFailure or *SignalingError) on failed.
	Err error
}

// ---- Event Emitter ----

// EventHandler is a callback function for events
type EventHandler func(data interface{})

// EventEmitter provides a simple event pub/sub system
type EventEmitter struct {
	mu       sync.RWMutex
	handlers map[string][]EventHandler
}

// NewEventEmitter creates a new EventEmitter
func NewEventEmitter() *EventEmitter {
	return &EventEmitter{
		handlers: make(map[string][]EventHandler),
	}
}

// On registers an event handler for a specific event type
func (e *EventEmitter) On(event string, handler EventHandler) {
	if handler == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[event] = append(e.handlers[event], handler)
}

// Off removes all handlers for a specific event type
func (e *EventEmitter) Off(event string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.handlers, event)
}

// Emit fires an event, calling all registered handlers synchronously in
// registration order.
func (e *EventEmitter) Emit(event string, data interface{}) {
	e.mu.RLock()
	handlers := make([]EventHandler, len(e.handlers[event]))
	copy(handlers, e.handlers[event])
	e.mu.RUnlock()

	for _, handler := range handlers {
		handler(data)
	}
}

// pendingEvent is an emission deferred until locks are released.
type pendingEvent struct {
	name string
	data interface{}
}

func (e *EventEmitter) emitAll(events []pendingEvent) {
	for _, ev := range events {
		e.Emit(ev.name, ev.data)
	}
}
