/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"context"

	"github.com/tejzpr/sipua-go-sdk/sipsdk"
)

const unknownCaller = "Unknown"

// IncomingCall is the notification for a ringing inbound call. The host
// must Answer or Reject it; nothing happens by default.
type IncomingCall struct {
	CallerNumber string
	CallerName   string
	SessionID    string

	session *CallSession
}

// Session returns the CallSession behind the notification.
func (c *IncomingCall) Session() *CallSession { return c.session }

// Answer acquires local media and accepts the call.
func (c *IncomingCall) Answer(ctx context.Context) error {
	return c.session.answer(ctx)
}

// Reject declines the call with 486 Busy Here. Media is never acquired.
func (c *IncomingCall) Reject() error {
	return c.session.reject()
}

// IncomingCallDispatcher delivers inbound calls on a single channel.
type IncomingCallDispatcher struct {
	ch     chan *IncomingCall
	logger sipsdk.Logger
}

func newIncomingCallDispatcher(size int, logger sipsdk.Logger) *IncomingCallDispatcher {
	return &IncomingCallDispatcher{ch: make(chan *IncomingCall, size), logger: logger}
}

// C returns the notification channel.
func (d *IncomingCallDispatcher) C() <-chan *IncomingCall { return d.ch }

// notify never blocks the event queue. A host that stops draining the
// channel still gets the incoming event from the emitter.
func (d *IncomingCallDispatcher) notify(call *IncomingCall) {
	select {
	case d.ch <- call:
	default:
		d.logger.Printf("IncomingCallDispatcher: channel full, dropping notification for %s", call.SessionID)
	}
}

func newIncomingCall(s *CallSession) *IncomingCall {
	remote := s.remote
	name := remote.Name
	if name == "" {
		name = unknownCaller
	}
	return &IncomingCall{
		CallerNumber: remote.Number,
		CallerName:   name,
		SessionID:    s.id,
		session:      s,
	}
}
