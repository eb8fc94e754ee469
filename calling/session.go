/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"github.com/tejzpr/sipua-go-sdk/sipsdk"
)

// Causes reported with the ended event.
const (
	CauseLocalHangup  = "local hangup"
	CauseRemoteHangup = "remote hangup"
	CauseRejected     = "rejected"
	CauseCanceled     = "canceled by caller"
	CauseShutdown     = "shutdown"
)

// CallSession is one call, inbound or outbound. All state changes go through
// the transition table; media is released exactly once when the session
// reaches Terminated or Failed.
type CallSession struct {
	mu        sync.Mutex
	manager   *CallSessionManager
	id        string
	direction CallDirection
	remote    RemoteParty
	account   account
	createdAt time.Time
	endedAt   time.Time

	machine   *fsm.FSM
	state     CallState
	cause     string
	failure   error
	held      bool
	muted     bool
	answered  bool
	confirmed bool

	ice         IceConfiguration
	constraints MediaConstraints
	media       MediaSession
	local       LocalMedia

	dlg          dialog
	invite       *sip.Request
	inviteExtras map[string]string
	inviteAuth   authState
	inviteTimer  *time.Timer
	cancelled    bool
	reinvite     *sip.Request
	reinviteAuth authState
	remoteOffer  string
	localSDP     string

	finished sync.Once
}

func newCallSession(m *CallSessionManager, direction CallDirection, callID string, acct account,
	ice IceConfiguration, constraints MediaConstraints) *CallSession {
	s := &CallSession{
		manager:     m,
		id:          uuid.NewString(),
		direction:   direction,
		account:     acct,
		createdAt:   time.Now(),
		state:       CallStateIdle,
		ice:         ice,
		constraints: constraints,
		muted:       constraints.StartMuted,
		dlg:         dialog{callID: callID},
	}
	s.machine = newCallFSM(CallStateIdle, m.metrics.transition)
	return s
}

// ID returns the session identifier surfaced to the host.
func (s *CallSession) ID() string { return s.id }

// CallID returns the SIP Call-ID of the session's dialog.
func (s *CallSession) CallID() string { return s.dlg.callID }

// Direction returns whether the call is inbound or outbound.
func (s *CallSession) Direction() CallDirection { return s.direction }

// CreatedAt returns when the session was created.
func (s *CallSession) CreatedAt() time.Time { return s.createdAt }

// RemoteParty returns the other end of the call.
func (s *CallSession) RemoteParty() RemoteParty {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

// State returns the current call state.
func (s *CallSession) State() CallState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// EndedAt returns when the session reached a terminal state, or the zero
// time while it is live.
func (s *CallSession) EndedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endedAt
}

// Cause returns why the session ended, once it has.
func (s *CallSession) Cause() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cause
}

// Err returns the typed failure of a Failed session.
func (s *CallSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failure
}

// Duration returns how long the session has existed, or existed in total
// once it ended.
func (s *CallSession) Duration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.endedAt.IsZero() {
		return time.Since(s.createdAt)
	}
	return s.endedAt.Sub(s.createdAt)
}

// Hangup ends the call from any live state: CANCEL before answer, BYE once
// established, 486 for an unanswered incoming call. Media is released before
// Hangup returns. On a terminal session it does nothing.
func (s *CallSession) Hangup() error {
	return s.hangup(CauseLocalHangup)
}

func (s *CallSession) hangup(cause string) error {
	s.mu.Lock()
	var msg sip.Message
	switch s.state {
	case CallStateConnecting, CallStateProgress:
		if s.invite != nil {
			msg = cancelFor(s.invite, s.manager.wire.userAgent)
			s.cancelled = true
		}
	case CallStateEstablished, CallStateOnHold:
		bye := s.dlg.request(s.manager.wire, sip.BYE)
		bye.SetBody(nil)
		msg = bye
	case CallStateIncoming:
		msg = s.manager.wire.newResponse(s.invite, sip.StatusBusyHere, "Busy Here", s.dlg.localTag)
	case CallStateTerminated, CallStateFailed, CallStateTerminating:
		s.mu.Unlock()
		return nil
	}

	var sendErr error
	if msg != nil {
		if sendErr = s.manager.signaling.Send(msg); sendErr != nil {
			s.logger().Printf("CallSession %s: hangup not signaled: %v", s.id, sendErr)
		}
	}
	s.cause = cause
	events := s.applyLocked(CallEventHangup)
	s.mu.Unlock()

	s.manager.emitter.emitAll(events)
	if sendErr != nil {
		return &SignalingError{Err: sendErr}
	}
	return nil
}

func (s *CallSession) logger() sipsdk.Logger { return s.manager.logger }

// applyLocked feeds ev to the state machine and returns the host events it
// produced. Terminating always runs through to Terminated in the same step.
func (s *CallSession) applyLocked(ev CallEventKind) []pendingEvent {
	from := s.state
	if from.IsTerminal() || !fire(s.machine, ev) {
		s.logger().Printf("CallSession %s: ignoring %s in state %s", s.id, ev, from)
		return nil
	}
	s.state = CallState(s.machine.Current())

	var events []pendingEvent
	payload := func() *SessionEvent { return &SessionEvent{SessionID: s.id, State: s.state} }
	switch ev {
	case CallEventStart:
		events = append(events, pendingEvent{EventConnecting, payload()})
	case CallEventProgress:
		if from == CallStateConnecting {
			events = append(events, pendingEvent{EventProgress, payload()})
		}
	case CallEventAccepted, CallEventAnswer:
		events = append(events, pendingEvent{EventAccepted, payload()})
	case CallEventConfirmed:
		if !s.confirmed {
			s.confirmed = true
			events = append(events, pendingEvent{EventConfirmed, payload()})
		}
	case CallEventHold:
		events = append(events, pendingEvent{EventHold, payload()})
	case CallEventUnhold:
		events = append(events, pendingEvent{EventUnhold, payload()})
	}

	if s.state == CallStateTerminating && fire(s.machine, CallEventTerminate) {
		s.state = CallStateTerminated
	}
	if s.state.IsTerminal() {
		events = append(events, s.finishLocked()...)
	}
	return events
}

// finishLocked is the terminal guard.
func (s *CallSession) finishLocked() []pendingEvent {
	var events []pendingEvent
	s.finished.Do(func() {
		if s.inviteTimer != nil {
			s.inviteTimer.Stop()
		}
		if s.media != nil {
			s.media.Release()
		}
		s.endedAt = time.Now()
		s.manager.untrack(s, s.cancelled)

		ev := &SessionEvent{SessionID: s.id, State: s.state, Cause: s.cause, Err: s.failure}
		if s.state == CallStateFailed {
			s.manager.metrics.CallFailures.WithLabelValues(failureLabel(s.failure)).Inc()
			s.logger().Printf("CallSession %s: failed: %s", s.id, s.cause)
			events = append(events, pendingEvent{EventFailed, ev})
		} else {
			s.logger().Printf("CallSession %s: ended: %s", s.id, s.cause)
			events = append(events, pendingEvent{EventEnded, ev})
		}
	})
	return events
}

func (s *CallSession) failLocked(err error) []pendingEvent {
	s.failure = err
	switch e := err.(type) {
	case *CallFailure:
		s.cause = e.Cause
	case *SignalingError:
		s.cause = CauseSignalingTransport
	default:
		s.cause = err.Error()
	}
	return s.applyLocked(CallEventFailed)
}

func failureLabel(err error) string {
	switch e := err.(type) {
	case *CallFailure:
		if e.StatusCode != 0 {
			return strconv.Itoa(e.StatusCode)
		}
		return "timeout"
	case *SignalingError:
		return "signaling"
	}
	return "other"
}

// fail drives the session to Failed from outside a dispatch step.
func (s *CallSession) fail(err error) {
	s.mu.Lock()
	events := s.failLocked(err)
	s.mu.Unlock()
	s.manager.emitter.emitAll(events)
}

func (s *CallSession) sendLocked(msg sip.Message) {
	if err := s.manager.signaling.Send(msg); err != nil {
		s.logger().Printf("CallSession %s: send %s: %v", s.id, messageName(msg), err)
	}
}

func messageName(msg sip.Message) string {
	switch m := msg.(type) {
	case *sip.Request:
		return m.Method.String()
	case *sip.Response:
		return strconv.Itoa(m.StatusCode)
	}
	return "message"
}

// ---- Outbound ----

// startLocked moves an outbound session to Connecting and sends the INVITE.
func (s *CallSession) startLocked(target sip.Uri, offer string, extras map[string]string) []pendingEvent {
	events := s.applyLocked(CallEventStart)
	if s.state != CallStateConnecting {
		return events
	}

	s.remote = RemoteParty{Number: target.User, Name: target.User}
	s.localSDP = offer
	s.inviteExtras = extras
	s.dlg.localURI = s.account.aor
	s.dlg.localName = s.account.displayName
	s.dlg.localTag = newTag()
	s.dlg.remoteURI = target
	s.dlg.remoteTarget = target
	s.dlg.contact = s.account.contact

	inv := s.buildInviteLocked()
	if err := s.manager.signaling.Send(inv); err != nil {
		return append(events, s.failLocked(&SignalingError{Err: err})...)
	}
	return events
}

func (s *CallSession) buildInviteLocked() *sip.Request {
	inv := s.dlg.request(s.manager.wire, sip.INVITE)
	inv.AppendHeader(sip.NewHeader("Allow", allowMethods))
	keys := make([]string, 0, len(s.inviteExtras))
	for k := range s.inviteExtras {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		inv.AppendHeader(sip.NewHeader(k, s.inviteExtras[k]))
	}
	setBody(inv, contentSDP, []byte(s.localSDP))
	s.invite = inv
	s.armInviteTimerLocked(inv)
	return inv
}

// armInviteTimerLocked fails the call when no response at all arrives.
func (s *CallSession) armInviteTimerLocked(inv *sip.Request) {
	if s.inviteTimer != nil {
		s.inviteTimer.Stop()
	}
	s.inviteTimer = time.AfterFunc(s.manager.config.TransactionTimeout, func() {
		s.manager.enqueue(func() { s.onInviteTimeout(inv) })
	})
}

func (s *CallSession) onInviteTimeout(inv *sip.Request) {
	s.mu.Lock()
	if s.invite != inv || s.answered || s.state.IsTerminal() {
		s.mu.Unlock()
		return
	}
	events := s.failLocked(&CallFailure{Cause: "Request Timeout", StatusCode: sip.StatusRequestTimeout})
	s.mu.Unlock()
	s.manager.emitter.emitAll(events)
}

func sameTransaction(req *sip.Request, cseq *sip.CSeqHeader) bool {
	if req == nil || cseq == nil {
		return false
	}
	own := req.CSeq()
	return own != nil && own.SeqNo == cseq.SeqNo && own.MethodName == cseq.MethodName
}

// handleResponse maps a response within this session's Call-ID to events.
func (s *CallSession) handleResponse(res *sip.Response) {
	s.mu.Lock()
	var events []pendingEvent
	cseq := res.CSeq()
	switch {
	case cseq == nil:
	case s.state.IsTerminal():
		s.absorbLateLocked(res, cseq)
	case sameTransaction(s.invite, cseq):
		events = s.onInviteResponseLocked(res)
	case sameTransaction(s.reinvite, cseq):
		s.onReinviteResponseLocked(res)
	default:
		if res.StatusCode >= 300 {
			s.logger().Printf("CallSession %s: %s rejected: %d %s", s.id, cseq.MethodName, res.StatusCode, res.Reason)
		}
	}
	s.mu.Unlock()
	s.manager.emitter.emitAll(events)
}

func (s *CallSession) onInviteResponseLocked(res *sip.Response) []pendingEvent {
	code := res.StatusCode
	switch {
	case code < 200:
		if s.inviteTimer != nil {
			s.inviteTimer.Stop()
		}
		if code == sip.StatusTrying {
			return nil
		}
		return s.applyLocked(CallEventProgress)

	case code < 300:
		if s.inviteTimer != nil {
			s.inviteTimer.Stop()
		}
		if s.answered {
			// Retransmitted 2xx; the ACK was lost.
			s.sendLocked(s.dlg.ack(s.manager.wire, res.CSeq().SeqNo))
			return nil
		}
		s.answered = true
		s.dlg.confirm(res)
		if p := res.To(); p != nil && p.DisplayName != "" {
			s.remote.Name = p.DisplayName
		}
		events := s.applyLocked(CallEventAccepted)
		if s.media != nil {
			if err := s.media.BindRemote(RemoteStream{Type: SDPAnswer, SDP: string(res.Body())}); err != nil {
				s.logger().Printf("CallSession %s: bind remote media: %v", s.id, err)
			}
		}
		s.sendLocked(s.dlg.ack(s.manager.wire, res.CSeq().SeqNo))
		return append(events, s.applyLocked(CallEventConfirmed)...)

	case code == sip.StatusUnauthorized || code == sip.StatusProxyAuthRequired:
		s.sendLocked(ackForFailure(s.invite, res))
		prev := s.invite
		next := s.buildInviteLocked()
		if err := authorize(next, res, s.account.username, s.account.password, &s.inviteAuth); err != nil {
			s.invite = prev
			return s.failLocked(&CallFailure{Cause: res.Reason, StatusCode: code})
		}
		if err := s.manager.signaling.Send(next); err != nil {
			return s.failLocked(&SignalingError{Err: err})
		}
		return nil

	default:
		if s.inviteTimer != nil {
			s.inviteTimer.Stop()
		}
		s.sendLocked(ackForFailure(s.invite, res))
		return s.failLocked(&CallFailure{Cause: res.Reason, StatusCode: code})
	}
}

// absorbLateLocked finishes the INVITE transaction of a call that was
// cancelled locally. A 2xx that crossed the CANCEL is acknowledged and the
// dialog closed with BYE.
func (s *CallSession) absorbLateLocked(res *sip.Response, cseq *sip.CSeqHeader) {
	if !s.cancelled || !sameTransaction(s.invite, cseq) || res.StatusCode < 200 {
		return
	}
	s.cancelled = false
	if res.StatusCode < 300 {
		s.dlg.confirm(res)
		s.sendLocked(s.dlg.ack(s.manager.wire, cseq.SeqNo))
		bye := s.dlg.request(s.manager.wire, sip.BYE)
		bye.SetBody(nil)
		s.sendLocked(bye)
	} else {
		s.sendLocked(ackForFailure(s.invite, res))
	}
	s.manager.forget(s)
}

func (s *CallSession) onReinviteResponseLocked(res *sip.Response) {
	code := res.StatusCode
	switch {
	case code < 200:
	case code < 300:
		s.sendLocked(s.dlg.ack(s.manager.wire, res.CSeq().SeqNo))
	case code == sip.StatusUnauthorized || code == sip.StatusProxyAuthRequired:
		s.sendLocked(ackForFailure(s.reinvite, res))
		next := s.dlg.request(s.manager.wire, sip.INVITE)
		setBody(next, contentSDP, s.reinvite.Body())
		if err := authorize(next, res, s.account.username, s.account.password, &s.reinviteAuth); err != nil {
			s.logger().Printf("CallSession %s: re-INVITE rejected: %d %s", s.id, code, res.Reason)
			return
		}
		s.reinvite = next
		s.sendLocked(next)
	default:
		s.sendLocked(ackForFailure(s.reinvite, res))
		s.logger().Printf("CallSession %s: re-INVITE rejected: %d %s", s.id, code, res.Reason)
	}
}

// ---- Inbound requests ----

// handleRequest maps an in-dialog request to a response and events.
func (s *CallSession) handleRequest(req *sip.Request) {
	s.mu.Lock()
	var events []pendingEvent
	w := s.manager.wire

	if s.state.IsTerminal() {
		if req.Method != sip.ACK {
			s.sendLocked(w.newResponse(req, sip.StatusCallTransactionDoesNotExists, "Call/Transaction Does Not Exist", ""))
		}
		s.mu.Unlock()
		return
	}

	switch req.Method {
	case sip.ACK:
		if s.direction == CallDirectionInbound && s.state != CallStateIncoming {
			events = s.applyLocked(CallEventConfirmed)
		}

	case sip.BYE:
		s.sendLocked(w.newResponse(req, sip.StatusOK, "OK", ""))
		s.cause = CauseRemoteHangup
		events = s.applyLocked(CallEventEnded)

	case sip.CANCEL:
		s.sendLocked(w.newResponse(req, sip.StatusOK, "OK", s.dlg.localTag))
		if s.state == CallStateIncoming {
			s.sendLocked(w.newResponse(s.invite, sip.StatusRequestTerminated, "Request Terminated", s.dlg.localTag))
			s.cause = CauseCanceled
			events = s.applyLocked(CallEventEnded)
		}

	case sip.INVITE:
		if paramTag(req.To().Params) == "" {
			// Retransmitted initial INVITE.
			if s.state == CallStateIncoming {
				s.sendLocked(w.newResponse(req, sip.StatusRinging, "Ringing", s.dlg.localTag))
			}
			break
		}
		s.answerReinviteLocked(req)

	case sip.INFO, sip.NOTIFY, sip.OPTIONS:
		s.sendLocked(w.newResponse(req, sip.StatusOK, "OK", ""))

	default:
		res := w.newResponse(req, sip.StatusMethodNotAllowed, "Method Not Allowed", "")
		res.AppendHeader(sip.NewHeader("Allow", allowMethods))
		s.sendLocked(res)
	}
	s.mu.Unlock()
	s.manager.emitter.emitAll(events)
}

// answerReinviteLocked answers a remote re-INVITE. Remote hold is not a
// session state; the answer mirrors the offered direction so the peer's
// hold takes effect on the wire.
func (s *CallSession) answerReinviteLocked(req *sip.Request) {
	w := s.manager.wire
	dir := DirectionSendRecv
	if s.held {
		dir = DirectionSendOnly
	}
	if offer := string(req.Body()); offer != "" {
		switch sdpDirection(offer) {
		case DirectionSendOnly:
			dir = DirectionRecvOnly
			s.logger().Printf("CallSession %s: remote hold", s.id)
		case DirectionInactive:
			dir = DirectionInactive
			s.logger().Printf("CallSession %s: remote hold (inactive)", s.id)
		}
	}
	answer, err := withDirection(s.localSDP, dir)
	if err != nil {
		s.logger().Printf("CallSession %s: cannot answer re-INVITE: %v", s.id, err)
		s.sendLocked(w.newResponse(req, sip.StatusNotAcceptableHere, "Not Acceptable Here", ""))
		return
	}
	s.localSDP = answer
	res := w.newResponse(req, sip.StatusOK, "OK", "")
	res.AppendHeader(&sip.ContactHeader{Address: s.dlg.contact})
	setBody(res, contentSDP, []byte(answer))
	s.sendLocked(res)
}

// ---- Inbound answer/reject ----

func (s *CallSession) answer(ctx context.Context) error {
	s.mu.Lock()
	if s.state != CallStateIncoming {
		st := s.state
		s.mu.Unlock()
		return &InvalidStateError{Op: "answer", State: st}
	}
	offer := s.remoteOffer
	constraints := s.constraints
	constraints.StartMuted = s.muted
	s.mu.Unlock()

	media, local, answer, err := s.manager.prepareMedia(ctx, s.ice, constraints, func(ms MediaSession) (string, error) {
		return ms.CreateAnswer(ctx, offer)
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.state != CallStateIncoming {
		st := s.state
		s.mu.Unlock()
		media.Release()
		return &InvalidStateError{Op: "answer", State: st}
	}
	s.media = media
	s.local = local
	s.localSDP = answer

	res := s.manager.wire.newResponse(s.invite, sip.StatusOK, "OK", s.dlg.localTag)
	res.AppendHeader(&sip.ContactHeader{Address: s.dlg.contact})
	res.AppendHeader(sip.NewHeader("Allow", allowMethods))
	setBody(res, contentSDP, []byte(answer))
	if err := s.manager.signaling.Send(res); err != nil {
		events := s.failLocked(&SignalingError{Err: err})
		s.mu.Unlock()
		s.manager.emitter.emitAll(events)
		return &SignalingError{Err: err}
	}
	s.answered = true
	events := s.applyLocked(CallEventAnswer)
	if err := media.BindRemote(RemoteStream{Type: SDPOffer, SDP: offer}); err != nil {
		s.logger().Printf("CallSession %s: bind remote media: %v", s.id, err)
	}
	s.mu.Unlock()
	s.manager.emitter.emitAll(events)
	return nil
}

func (s *CallSession) reject() error {
	s.mu.Lock()
	if s.state != CallStateIncoming {
		st := s.state
		s.mu.Unlock()
		return &InvalidStateError{Op: "reject", State: st}
	}
	var sendErr error
	res := s.manager.wire.newResponse(s.invite, sip.StatusBusyHere, "Busy Here", s.dlg.localTag)
	if sendErr = s.manager.signaling.Send(res); sendErr != nil {
		s.logger().Printf("CallSession %s: reject not signaled: %v", s.id, sendErr)
	}
	s.cause = CauseRejected
	events := s.applyLocked(CallEventReject)
	s.mu.Unlock()
	s.manager.emitter.emitAll(events)
	if sendErr != nil {
		return &SignalingError{Err: sendErr}
	}
	return nil
}

func (s *CallSession) String() string {
	return fmt.Sprintf("CallSession{%s %s %s}", s.id, s.direction, s.State())
}
