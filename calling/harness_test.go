/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/require"
)

const testSDP = "v=0\r\n" +
	"o=- 4242 1 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"c=IN IP4 127.0.0.1\r\n" +
	"t=0 0\r\n" +
	"m=audio 40000 RTP/AVP 0\r\n" +
	"a=rtpmap:0 PCMU/8000\r\n" +
	"a=sendrecv\r\n"

const (
	testURI      = "sip:alice@voice.example.com"
	testPassword = "s3cret"
	waitFor      = 2 * time.Second
	tick         = 5 * time.Millisecond
)

// ---- Fake transport ----

// fakeTransport records everything the client sends and delivers inbound
// frames from its own goroutine, in order.
type fakeTransport struct {
	mu         sync.Mutex
	onMessage  func([]byte)
	onClose    func(error)
	sent       []sip.Message
	responder  func(req *sip.Request) []sip.Message
	connectErr error
	sendErr    error
	connects   int
	closed     bool
	open       bool

	// dialGate, when set, holds Connect until it is closed.
	dialGate      chan struct{}
	dialStarted   chan struct{}
	dialIgnoreCtx bool

	inbox chan []byte
	stop  chan struct{}
}

func newFakeTransport() *fakeTransport {
	t := &fakeTransport{
		inbox: make(chan []byte, 64),
		stop:  make(chan struct{}),
	}
	go t.deliverLoop()
	return t
}

func (t *fakeTransport) deliverLoop() {
	for {
		select {
		case data := <-t.inbox:
			t.mu.Lock()
			h := t.onMessage
			t.mu.Unlock()
			if h != nil {
				h(data)
			}
		case <-t.stop:
			return
		}
	}
}

func (t *fakeTransport) URL() string { return "wss://gw.example.com/ws" }

func (t *fakeTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	gate, started, ignoreCtx := t.dialGate, t.dialStarted, t.dialIgnoreCtx
	t.mu.Unlock()
	if gate != nil {
		started <- struct{}{}
		if ignoreCtx {
			<-gate
		} else {
			select {
			case <-gate:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.connects++
	if t.connectErr == nil {
		t.open = true
	}
	return t.connectErr
}

// holdDial makes every later Connect block until release is closed.
func (t *fakeTransport) holdDial(ignoreCtx bool) (started <-chan struct{}, release chan struct{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dialGate = make(chan struct{})
	t.dialStarted = make(chan struct{}, 4)
	t.dialIgnoreCtx = ignoreCtx
	return t.dialStarted, t.dialGate
}

func (t *fakeTransport) isOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.open
}

func (t *fakeTransport) Send(data []byte) error {
	msg, err := sip.ParseMessage(data)
	if err != nil {
		return err
	}
	t.mu.Lock()
	if t.sendErr != nil {
		err := t.sendErr
		t.mu.Unlock()
		return err
	}
	t.sent = append(t.sent, msg)
	responder := t.responder
	t.mu.Unlock()

	if req, ok := msg.(*sip.Request); ok && responder != nil {
		for _, reply := range responder(req) {
			t.deliver(reply)
		}
	}
	return nil
}

func (t *fakeTransport) OnMessage(h func([]byte)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onMessage = h
}

func (t *fakeTransport) OnClose(h func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onClose = h
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.open = false
	if !t.closed {
		t.closed = true
		close(t.stop)
	}
	return nil
}

func (t *fakeTransport) deliver(msg sip.Message) {
	t.inbox <- []byte(msg.String())
}

// drop simulates the gateway going away.
func (t *fakeTransport) drop(err error) {
	t.mu.Lock()
	h := t.onClose
	t.mu.Unlock()
	h(err)
}

func (t *fakeTransport) setResponder(r func(req *sip.Request) []sip.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.responder = r
}

func (t *fakeTransport) setSendErr(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sendErr = err
}

func (t *fakeTransport) requests(method sip.RequestMethod) []*sip.Request {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*sip.Request
	for _, m := range t.sent {
		if req, ok := m.(*sip.Request); ok && req.Method == method {
			out = append(out, req)
		}
	}
	return out
}

func (t *fakeTransport) responses() []*sip.Response {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*sip.Response
	for _, m := range t.sent {
		if res, ok := m.(*sip.Response); ok {
			out = append(out, res)
		}
	}
	return out
}

func (t *fakeTransport) sentCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sent)
}

// registrar answers REGISTER with 200 and ignores everything else.
func registrar(req *sip.Request) []sip.Message {
	if req.Method == sip.REGISTER {
		return []sip.Message{reply(req, sip.StatusOK, "OK", "reg")}
	}
	return nil
}

// reply builds a response as the far end would, with its own To tag.
// sipgo stamps a random tag on non-100 responses; toTag replaces it.
func reply(req *sip.Request, code int, reason, toTag string) *sip.Response {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if to := res.To(); to != nil && toTag != "" && code > 100 && !hasToTag(req) {
		to.Params = withTag(to.Params, toTag)
	}
	return res
}

// answerInvite builds the 200 OK a callee sends for inv.
func answerInvite(inv *sip.Request) *sip.Response {
	res := reply(inv, sip.StatusOK, "OK", "callee")
	var contact sip.Uri
	_ = sip.ParseUri("sip:bob@10.0.0.9:5060", &contact)
	res.AppendHeader(&sip.ContactHeader{Address: contact})
	setBody(res, contentSDP, []byte(testSDP))
	return res
}

// inboundRequest builds a request arriving from bob for alice.
func inboundRequest(method sip.RequestMethod, callID string, seq uint32, fromName, toTag string) *sip.Request {
	peer := newWireIdentity("wss://gw.example.com", "gateway")
	var alice, bob sip.Uri
	_ = sip.ParseUri("sip:alice@voice.example.com", &alice)
	_ = sip.ParseUri("sip:bob@voice.example.com", &bob)
	from := &sip.FromHeader{DisplayName: fromName, Address: bob, Params: sip.NewParams().Add("tag", "bobtag")}
	to := &sip.ToHeader{Address: alice, Params: sip.NewParams()}
	if toTag != "" {
		to.Params.Add("tag", toTag)
	}
	req := peer.newRequest(method, alice, callID, seq, from, to, nil)
	req.AppendHeader(&sip.ContactHeader{Address: bob})
	req.SetBody(nil)
	return req
}

func inboundInvite(callID, fromName string) *sip.Request {
	req := inboundRequest(sip.INVITE, callID, 1, fromName, "")
	setBody(req, contentSDP, []byte(testSDP))
	return req
}

// ---- Fake media ----

type fakeMedia struct {
	mu         sync.Mutex
	acquireErr error
	acquired   int
	released   int
	enabled    bool
	requested  MediaConstraints
	remote     []RemoteStream
}

func (f *fakeMedia) Acquire(ctx context.Context, c MediaConstraints) (LocalMedia, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.acquireErr != nil {
		return nil, f.acquireErr
	}
	f.acquired++
	f.requested = c
	f.enabled = !c.StartMuted
	return f, nil
}

func (f *fakeMedia) BindRemote(s RemoteStream) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remote = append(f.remote, s)
	return nil
}

func (f *fakeMedia) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released++
}

func (f *fakeMedia) CreateOffer(ctx context.Context) (string, error) { return testSDP, nil }

func (f *fakeMedia) CreateAnswer(ctx context.Context, offer string) (string, error) {
	return testSDP, nil
}

func (f *fakeMedia) SetEnabled(enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = enabled
}

func (f *fakeMedia) Enabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enabled
}

func (f *fakeMedia) counts() (acquired, released int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.acquired, f.released
}

// mediaRecorder is a MediaFactory that keeps every fakeMedia it creates.
type mediaRecorder struct {
	mu         sync.Mutex
	created    []*fakeMedia
	acquireErr error
}

func (r *mediaRecorder) factory(ice IceConfiguration) (MediaSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := &fakeMedia{acquireErr: r.acquireErr}
	r.created = append(r.created, m)
	return m, nil
}

func (r *mediaRecorder) all() []*fakeMedia {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*fakeMedia(nil), r.created...)
}

func (r *mediaRecorder) last() *fakeMedia {
	all := r.all()
	if len(all) == 0 {
		return nil
	}
	return all[len(all)-1]
}

// ---- Manual clock ----

type fakeTimer struct {
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
}

type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (c *fakeClock) afterFunc(d time.Duration, f func()) timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{d: d, f: f}
	c.timers = append(c.timers, t)
	return &fakeTimerHandle{clock: c, t: t}
}

type fakeTimerHandle struct {
	clock *fakeClock
	t     *fakeTimer
}

func (h *fakeTimerHandle) Stop() bool {
	h.clock.mu.Lock()
	defer h.clock.mu.Unlock()
	was := !h.t.stopped && !h.t.fired
	h.t.stopped = true
	return was
}

// armed returns the delays of timers that have neither fired nor been
// stopped.
func (c *fakeClock) armed() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []time.Duration
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			out = append(out, t.d)
		}
	}
	return out
}

// fireNext runs the oldest armed timer and reports its delay.
func (c *fakeClock) fireNext() (time.Duration, bool) {
	c.mu.Lock()
	var next *fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			next = t
			break
		}
	}
	if next == nil {
		c.mu.Unlock()
		return 0, false
	}
	next.fired = true
	c.mu.Unlock()
	next.f()
	return next.d, true
}

// ---- Event log ----

type recordedEvent struct {
	name string
	data interface{}
}

type eventLog struct {
	mu     sync.Mutex
	events []recordedEvent
}

var allEvents = []string{
	EventRegistered, EventUnregistered, EventRegistrationFailed, EventIncoming,
	EventConnecting, EventProgress, EventAccepted, EventConfirmed, EventEnded,
	EventFailed, EventHold, EventUnhold,
}

func recordEvents(e *EventEmitter) *eventLog {
	l := &eventLog{}
	for _, name := range allEvents {
		name := name
		e.On(name, func(data interface{}) {
			l.mu.Lock()
			defer l.mu.Unlock()
			l.events = append(l.events, recordedEvent{name, data})
		})
	}
	return l
}

func (l *eventLog) names() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.events))
	for _, ev := range l.events {
		out = append(out, ev.name)
	}
	return out
}

func (l *eventLog) count(name string) int {
	n := 0
	for _, got := range l.names() {
		if got == name {
			n++
		}
	}
	return n
}

func (l *eventLog) last(name string) interface{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.events) - 1; i >= 0; i-- {
		if l.events[i].name == name {
			return l.events[i].data
		}
	}
	return nil
}

// ---- Harness ----

type harness struct {
	t      *testing.T
	tr     *fakeTransport
	client *Client
	clock  *fakeClock
	media  *mediaRecorder
	events *eventLog
}

func newHarness(t *testing.T, mutate ...func(*Config)) *harness {
	t.Helper()
	h := &harness{
		t:     t,
		tr:    newFakeTransport(),
		clock: &fakeClock{},
		media: &mediaRecorder{},
	}
	cfg := DefaultConfig()
	cfg.MediaFactory = h.media.factory
	cfg.Logger = log.New(io.Discard, "", 0)
	for _, m := range mutate {
		m(cfg)
	}
	h.client = New(h.tr, cfg)
	h.client.registration.schedule = h.clock.afterFunc
	h.events = recordEvents(h.client.Emitter())
	t.Cleanup(func() { _ = h.client.Close() })
	return h
}

// register brings the client to Registered against an accepting registrar.
func (h *harness) register() {
	h.t.Helper()
	h.tr.setResponder(registrar)
	err := h.client.Register(context.Background(), Registration{SIPURI: testURI, Password: testPassword})
	require.NoError(h.t, err)
	require.Equal(h.t, RegistrationRegistered, h.client.RegistrationState())
}

func (h *harness) waitRequests(method sip.RequestMethod, n int) []*sip.Request {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return len(h.tr.requests(method)) >= n }, waitFor, tick,
		"expected %d %s request(s)", n, method)
	return h.tr.requests(method)
}

func (h *harness) waitResponse(code int) *sip.Response {
	h.t.Helper()
	var found *sip.Response
	require.Eventually(h.t, func() bool {
		for _, res := range h.tr.responses() {
			if res.StatusCode == code {
				found = res
				return true
			}
		}
		return false
	}, waitFor, tick, "expected a %d response", code)
	return found
}

func (h *harness) waitState(s *CallSession, want CallState) {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return s.State() == want }, waitFor, tick,
		"session stuck in %s, want %s", s.State(), want)
}

// established places a call and drives it to Established.
func (h *harness) established() (*CallSession, *sip.Request) {
	h.t.Helper()
	s, err := h.client.MakeCall(context.Background(), "bob", nil)
	require.NoError(h.t, err)
	inv := h.waitRequests(sip.INVITE, 1)[0]
	h.tr.deliver(answerInvite(inv))
	h.waitState(s, CallStateEstablished)
	return s, inv
}

// incoming delivers a new INVITE and returns its notification.
func (h *harness) incoming(callID string) *IncomingCall {
	h.t.Helper()
	return h.incomingFrom(callID, "Bob")
}

func (h *harness) incomingFrom(callID, name string) *IncomingCall {
	h.t.Helper()
	h.tr.deliver(inboundInvite(callID, name))
	select {
	case call := <-h.client.Incoming():
		return call
	case <-time.After(waitFor):
		h.t.Fatal("no incoming call notification")
		return nil
	}
}

var errGone = errors.New("connection reset by peer")
