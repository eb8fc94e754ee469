/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/tejzpr/sipua-go-sdk/sipsdk"
)

// SignalingTransport carries SIP messages to and from the gateway. The
// transport package provides the WebSocket implementation.
type SignalingTransport interface {
	Connect(ctx context.Context) error
	Send(data []byte) error
	OnMessage(handler func(data []byte))
	OnClose(handler func(err error))
	Close() error
}

// ErrShutdown is returned by operations on a Client that has been shut down.
var ErrShutdown = errors.New("calling: client shut down")

// signalingChannel is the only writer to the transport. Once closed it
// refuses to reconnect.
type signalingChannel struct {
	mu        sync.Mutex
	transport SignalingTransport
	closed    bool
}

func (c *signalingChannel) Connect(ctx context.Context) error {
	if c.isClosed() {
		return ErrShutdown
	}
	if err := c.transport.Connect(ctx); err != nil {
		return err
	}
	if c.isClosed() {
		// Close ran while the dial was in flight.
		_ = c.transport.Close()
		return ErrShutdown
	}
	return nil
}

func (c *signalingChannel) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return c.transport.Close()
}

func (c *signalingChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *signalingChannel) Send(msg sip.Message) error {
	data := []byte(msg.String())
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transport.Send(data)
}

// CallSessionManager owns every CallSession, routes signaling to them by
// Call-ID and enforces the single-line policy.
type CallSessionManager struct {
	mu           sync.Mutex
	config       *Config
	logger       sipsdk.Logger
	signaling    *signalingChannel
	registration *RegistrationManager
	emitter      *EventEmitter
	metrics      *Metrics
	wire         wireIdentity
	newMedia     MediaFactory
	dispatcher   *IncomingCallDispatcher

	// sessions is keyed by Call-ID. A session cancelled before a final
	// response stays here briefly so the response can be acknowledged.
	sessions map[string]*CallSession
	active   *CallSession
	closed   bool

	queue chan func()
	done  chan struct{}
	once  sync.Once
}

func newCallSessionManager(config *Config, signaling *signalingChannel, registration *RegistrationManager,
	emitter *EventEmitter, metrics *Metrics, wire wireIdentity) *CallSessionManager {
	logger := sipsdk.LoggerOrDefault(config.Logger)
	factory := config.MediaFactory
	if factory == nil {
		factory = NewPeerMediaFactory(&PeerMediaConfig{Logger: config.Logger})
	}
	return &CallSessionManager{
		config:       config,
		logger:       logger,
		signaling:    signaling,
		registration: registration,
		emitter:      emitter,
		metrics:      metrics,
		wire:         wire,
		newMedia:     factory,
		dispatcher:   newIncomingCallDispatcher(16, logger),
		sessions:     make(map[string]*CallSession),
		queue:        make(chan func(), config.QueueSize),
		done:         make(chan struct{}),
	}
}

// run consumes the event queue. Everything the network delivers is handled
// here, one item at a time, in arrival order.
func (m *CallSessionManager) run() {
	for {
		select {
		case fn := <-m.queue:
			fn()
		case <-m.done:
			return
		}
	}
}

func (m *CallSessionManager) enqueue(fn func()) {
	select {
	case <-m.done:
		return
	default:
	}
	select {
	case m.queue <- fn:
	case <-m.done:
	}
}

// HandleMessage parses one SIP frame and dispatches it. It runs
// synchronously; frames from the transport are fed through the event queue.
func (m *CallSessionManager) HandleMessage(data []byte) {
	if strings.TrimSpace(string(data)) == "" {
		return
	}
	msg, err := sip.ParseMessage(data)
	if err != nil {
		m.logger.Printf("CallSessionManager: dropping unparsable frame (%d bytes): %v", len(data), err)
		return
	}
	switch msg := msg.(type) {
	case *sip.Response:
		m.routeResponse(msg)
	case *sip.Request:
		m.routeRequest(msg)
	}
}

func (m *CallSessionManager) routeResponse(res *sip.Response) {
	cid := res.CallID()
	if cid == nil {
		return
	}
	callID := cid.Value()
	if m.registration.owns(callID) {
		m.registration.handleResponse(res)
		return
	}
	if s := m.lookup(callID); s != nil {
		s.handleResponse(res)
		return
	}
	m.logger.Printf("CallSessionManager: dropping %d for unknown Call-ID %s", res.StatusCode, callID)
}

func (m *CallSessionManager) routeRequest(req *sip.Request) {
	cid := req.CallID()
	if cid == nil {
		m.reply(req, sip.StatusBadRequest, "Missing Call-ID")
		return
	}
	if s := m.lookup(cid.Value()); s != nil {
		s.handleRequest(req)
		return
	}

	switch {
	case req.Method == sip.INVITE && req.To() != nil && paramTag(req.To().Params) == "":
		m.onIncoming(req)
	case req.Method == sip.OPTIONS:
		res := m.wire.newResponse(req, sip.StatusOK, "OK", newTag())
		res.AppendHeader(sip.NewHeader("Allow", allowMethods))
		m.send(res)
	case req.Method == sip.ACK:
	default:
		m.reply(req, sip.StatusCallTransactionDoesNotExists, "Call/Transaction Does Not Exist")
	}
}

func (m *CallSessionManager) reply(req *sip.Request, code int, reason string) {
	m.send(m.wire.newResponse(req, code, reason, newTag()))
}

func (m *CallSessionManager) send(msg sip.Message) {
	if err := m.signaling.Send(msg); err != nil {
		m.logger.Printf("CallSessionManager: send failed: %v", err)
	}
}

// onIncoming creates an Incoming session for a new INVITE, or answers 486
// when a call is already active.
func (m *CallSessionManager) onIncoming(req *sip.Request) {
	acct, registered := m.registration.registeredAccount()
	if !registered {
		m.reply(req, sip.StatusTemporarilyUnavailable, "Temporarily Unavailable")
		return
	}

	m.mu.Lock()
	if m.closed || m.active != nil {
		m.mu.Unlock()
		m.logger.Printf("CallSessionManager: busy, rejecting INVITE %s", req.CallID().Value())
		m.reply(req, sip.StatusBusyHere, "Busy Here")
		return
	}
	s := newCallSession(m, CallDirectionInbound, req.CallID().Value(), acct,
		NewIceConfiguration(m.config.ICEServers...), DefaultMediaConstraints())
	s.dlg = dialogFromInvite(req, acct.contact)
	s.invite = req
	s.remoteOffer = string(req.Body())
	s.remote = remoteParty(req.From())
	m.trackLocked(s)
	m.mu.Unlock()
	m.metrics.Calls.WithLabelValues(string(CallDirectionInbound)).Inc()

	s.mu.Lock()
	events := s.applyLocked(CallEventIncoming)
	s.sendLocked(m.wire.newResponse(req, sip.StatusRinging, "Ringing", s.dlg.localTag))
	call := newIncomingCall(s)
	s.mu.Unlock()

	m.logger.Printf("CallSessionManager: incoming call %s from %s", s.id, call.CallerNumber)
	m.emitter.emitAll(append(events, pendingEvent{EventIncoming, call}))
	m.dispatcher.notify(call)
}

// MakeCall places an outbound call to target: a number or user in the
// registered domain, or a full SIP URI. Local media is acquired before any
// signaling is sent.
func (m *CallSessionManager) MakeCall(ctx context.Context, target string, opts *CallOptions) (*CallSession, error) {
	acct, registered := m.registration.registeredAccount()
	if !registered {
		return nil, ErrNotRegistered
	}
	if opts == nil {
		opts = &CallOptions{}
	}
	// Audio is the only kind a call carries.
	constraints := opts.Constraints
	constraints.Audio = true
	uri, err := targetURI(target, acct.aor.Host)
	if err != nil {
		return nil, fmt.Errorf("invalid call target: %w", err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrShutdown
	}
	if m.active != nil {
		id := m.active.id
		m.mu.Unlock()
		return nil, &ConcurrentCallError{ActiveSessionID: id}
	}
	s := newCallSession(m, CallDirectionOutbound, newCallID(), acct,
		NewIceConfiguration(append(append([]ICEServer(nil), m.config.ICEServers...), opts.ICEServers...)...), constraints)
	m.trackLocked(s)
	m.mu.Unlock()

	media, local, offer, err := m.prepareMedia(ctx, s.ice, constraints, func(ms MediaSession) (string, error) {
		return ms.CreateOffer(ctx)
	})
	if err != nil {
		m.untrack(s, false)
		return nil, err
	}

	s.mu.Lock()
	if s.state != CallStateIdle {
		st := s.state
		s.mu.Unlock()
		media.Release()
		return nil, &InvalidStateError{Op: "call", State: st}
	}
	s.media = media
	s.local = local
	m.metrics.Calls.WithLabelValues(string(CallDirectionOutbound)).Inc()
	events := s.startLocked(uri, offer, opts.ExtraHeaders)
	failed := s.state == CallStateFailed
	failure := s.failure
	s.mu.Unlock()

	m.emitter.emitAll(events)
	if failed {
		return nil, failure
	}
	m.logger.Printf("CallSessionManager: calling %s (session %s)", uri.String(), s.id)
	return s, nil
}

// prepareMedia creates, acquires and negotiates media for one call. On
// error nothing stays open.
func (m *CallSessionManager) prepareMedia(ctx context.Context, ice IceConfiguration, constraints MediaConstraints,
	negotiate func(MediaSession) (string, error)) (MediaSession, LocalMedia, string, error) {
	ms, err := m.newMedia(ice)
	if err != nil {
		return nil, nil, "", &MediaAccessError{Reason: "media unavailable", Err: err}
	}
	local, err := ms.Acquire(ctx, constraints)
	if err != nil {
		ms.Release()
		if !IsMediaAccessError(err) {
			err = &MediaAccessError{Reason: "acquire failed", Err: err}
		}
		return nil, nil, "", err
	}
	local.SetEnabled(!constraints.StartMuted)

	desc, err := negotiate(ms)
	if err != nil {
		ms.Release()
		return nil, nil, "", fmt.Errorf("media negotiation failed: %w", err)
	}
	return ms, local, desc, nil
}

func (m *CallSessionManager) trackLocked(s *CallSession) {
	m.sessions[s.dlg.callID] = s
	m.active = s
	m.metrics.ActiveSessions.Inc()
}

// untrack releases the single-line slot held by s. With linger the Call-ID
// stays routable for one transaction timeout.
func (m *CallSessionManager) untrack(s *CallSession, linger bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == s {
		m.active = nil
		m.metrics.ActiveSessions.Dec()
	}
	if !linger {
		if m.sessions[s.dlg.callID] == s {
			delete(m.sessions, s.dlg.callID)
		}
		return
	}
	time.AfterFunc(m.config.TransactionTimeout, func() { m.forget(s) })
}

func (m *CallSessionManager) forget(s *CallSession) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[s.dlg.callID] == s {
		delete(m.sessions, s.dlg.callID)
	}
}

func (m *CallSessionManager) lookup(callID string) *CallSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[callID]
}

// ActiveSession returns the non-terminal session, or nil.
func (m *CallSessionManager) ActiveSession() *CallSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Sessions returns the non-terminal sessions. Under the single-line policy
// there is at most one.
func (m *CallSessionManager) Sessions() []*CallSession {
	if s := m.ActiveSession(); s != nil {
		return []*CallSession{s}
	}
	return nil
}

// Incoming returns the channel inbound calls are announced on.
func (m *CallSessionManager) Incoming() <-chan *IncomingCall {
	return m.dispatcher.C()
}

// onTransportClosed fails the live call; the registration manager handles
// reconnecting.
func (m *CallSessionManager) onTransportClosed(err error) {
	if s := m.ActiveSession(); s != nil {
		s.fail(&SignalingError{Err: err})
	}
}

// Shutdown hangs up every session and stops the event queue.
func (m *CallSessionManager) Shutdown() {
	m.mu.Lock()
	m.closed = true
	active := m.active
	m.mu.Unlock()

	if active != nil {
		if err := active.hangup(CauseShutdown); err != nil {
			m.logger.Printf("CallSessionManager: hangup on shutdown: %v", err)
		}
	}
	m.once.Do(func() { close(m.done) })
}
