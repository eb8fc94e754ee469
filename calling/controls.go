/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"fmt"
	"strings"

	"github.com/emiago/sipgo/sip"
)

// ---- Mute ----

// Mute disables local audio. Repeated calls have no further effect.
func (s *CallSession) Mute() { s.setMuted(true) }

// Unmute enables local audio. Repeated calls have no further effect.
func (s *CallSession) Unmute() { s.setMuted(false) }

func (s *CallSession) setMuted(muted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.IsTerminal() {
		return
	}
	s.muted = muted
	if s.local != nil {
		s.local.SetEnabled(!muted)
	}
}

// IsMuted reports the result of the last Mute or Unmute.
func (s *CallSession) IsMuted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

// ---- Hold ----

// Hold puts the call on hold with a sendonly re-INVITE. Holding a held call
// is a no-op.
func (s *CallSession) Hold() error {
	return s.setHold(true)
}

// Unhold resumes a held call with a sendrecv re-INVITE. Resuming a call that
// is not held is a no-op.
func (s *CallSession) Unhold() error {
	return s.setHold(false)
}

// IsHeld reports whether the call is on local hold.
func (s *CallSession) IsHeld() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.held
}

func (s *CallSession) setHold(hold bool) error {
	op, ev, dir := "unhold", CallEventUnhold, DirectionSendRecv
	if hold {
		op, ev, dir = "hold", CallEventHold, DirectionSendOnly
	}

	s.mu.Lock()
	switch {
	case s.state == CallStateOnHold && hold, s.state == CallStateEstablished && !hold:
		s.mu.Unlock()
		return nil
	case s.state != CallStateEstablished && s.state != CallStateOnHold:
		st := s.state
		s.mu.Unlock()
		return &InvalidStateError{Op: op, State: st}
	}

	offer, err := withDirection(s.localSDP, dir)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to build %s offer: %w", op, err)
	}
	req := s.dlg.request(s.manager.wire, sip.INVITE)
	setBody(req, contentSDP, []byte(offer))
	if err := s.manager.signaling.Send(req); err != nil {
		s.mu.Unlock()
		return &SignalingError{Err: err}
	}
	s.localSDP = offer
	s.reinvite = req
	s.reinviteAuth = authState{}
	s.held = hold
	events := s.applyLocked(ev)
	s.mu.Unlock()

	s.manager.emitter.emitAll(events)
	return nil
}

// ---- DTMF ----

// SendDTMF sends one digit of DTMFDigits as SIP INFO. Lowercase a-d are
// accepted. The call must be Established.
func (s *CallSession) SendDTMF(digit string) error {
	d := strings.ToUpper(digit)
	if len(d) != 1 || !strings.Contains(DTMFDigits, d) {
		return fmt.Errorf("%w: %q", ErrInvalidDigit, digit)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != CallStateEstablished {
		return &InvalidStateError{Op: "send DTMF", State: s.state}
	}

	req := s.dlg.request(s.manager.wire, sip.INFO)
	body := fmt.Sprintf("Signal=%s\r\nDuration=%d\r\n", d, s.manager.config.DTMFDuration.Milliseconds())
	setBody(req, contentDTMF, []byte(body))
	if err := s.manager.signaling.Send(req); err != nil {
		return &SignalingError{Err: err}
	}
	s.manager.metrics.DTMFSent.Inc()
	return nil
}

// ---- Transfer ----

// Transfer sends a blind transfer (REFER) to target and returns as soon as
// the request is written. The outcome is not tracked.
func (s *CallSession) Transfer(target string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != CallStateEstablished && s.state != CallStateOnHold {
		return &InvalidStateError{Op: "transfer", State: s.state}
	}

	uri, err := targetURI(target, s.account.aor.Host)
	if err != nil {
		return fmt.Errorf("invalid transfer target: %w", err)
	}

	req := s.dlg.request(s.manager.wire, sip.REFER)
	req.AppendHeader(sip.NewHeader("Refer-To", "<"+uri.String()+">"))
	req.AppendHeader(sip.NewHeader("Referred-By", "<"+s.account.aor.String()+">"))
	req.SetBody(nil)
	if err := s.manager.signaling.Send(req); err != nil {
		return &SignalingError{Err: err}
	}
	s.logger().Printf("CallSession %s: transfer to %s sent", s.id, uri.String())
	return nil
}
