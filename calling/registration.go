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
	"strconv"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/tejzpr/sipua-go-sdk/sipsdk"
)

// RegistrationManager registers one SIP identity with the gateway and keeps
// it registered: it refreshes before expiry and retries with bounded
// exponential backoff after failures.
type RegistrationManager struct {
	mu        sync.Mutex
	config    *Config
	logger    sipsdk.Logger
	signaling *signalingChannel
	emitter   *EventEmitter
	metrics   *Metrics
	wire      wireIdentity
	schedule  afterFunc

	reg     Registration
	account account
	state   RegistrationState
	backoff *backoff

	// gen invalidates timers and in-flight attempts of an earlier
	// Register or Unregister.
	gen          uint64
	retryTimer   timer
	refreshTimer timer
	// dialCancel aborts the connect of a retry in flight.
	dialCancel context.CancelFunc

	callID  string
	fromTag string
	cseq    uint32
	granted time.Duration
	pending *registerTransaction
}

const statusIntervalTooBrief = 423

type registerTransaction struct {
	req      *sip.Request
	expires  int
	auth     authState
	minRetry bool
	timeout  *time.Timer
	once     sync.Once
	done     chan error
}

func (tx *registerTransaction) seq() uint32 {
	if cseq := tx.req.CSeq(); cseq != nil {
		return cseq.SeqNo
	}
	return 0
}

func newRegistrationManager(config *Config, signaling *signalingChannel, emitter *EventEmitter,
	metrics *Metrics, wire wireIdentity) *RegistrationManager {
	return &RegistrationManager{
		config:    config,
		logger:    sipsdk.LoggerOrDefault(config.Logger),
		signaling: signaling,
		emitter:   emitter,
		metrics:   metrics,
		wire:      wire,
		schedule:  realAfterFunc,
		state:     RegistrationUnregistered,
		backoff:   newBackoff(config.RetryFloor, config.RetryCeiling),
	}
}

// Register connects the transport and registers reg. It returns once the
// gateway accepts or rejects the registration. Retryable failures keep
// retrying in the background; Unregister stops them.
func (m *RegistrationManager) Register(ctx context.Context, reg Registration) error {
	aor, err := parseURI(reg.SIPURI)
	if err == nil && aor.User == "" {
		err = fmt.Errorf("missing user in %q", reg.SIPURI)
	}

	m.mu.Lock()
	m.gen++
	gen := m.gen
	m.stopTimersLocked()
	m.reg = Registration{
		SIPURI:        reg.SIPURI,
		Password:      reg.Password,
		DisplayName:   reg.DisplayName,
		RetryInterval: m.config.RetryFloor,
	}
	m.backoff.Reset()
	if err != nil {
		m.mu.Unlock()
		return m.finish(gen, &RegistrationError{Cause: CauseInvalidURI, Err: err})
	}
	m.account = account{
		aor:         aor,
		displayName: reg.DisplayName,
		username:    aor.User,
		password:    reg.Password,
		contact:     m.wire.contact(aor.User),
	}
	m.callID = newCallID()
	m.fromTag = newTag()
	m.cseq = 0
	m.state = RegistrationRegistering
	m.mu.Unlock()

	return m.attempt(ctx, gen)
}

// attempt runs one REGISTER transaction and applies its outcome.
func (m *RegistrationManager) attempt(ctx context.Context, gen uint64) error {
	if err := m.signaling.Connect(ctx); err != nil {
		return m.finish(gen, &RegistrationError{Cause: CauseTransportFailure, Err: err})
	}

	tx, err := m.send(gen, int(m.config.RegisterExpires/time.Second))
	if err != nil {
		return m.finish(gen, err)
	}

	select {
	case err := <-tx.done:
		return m.finish(gen, err)
	case <-ctx.Done():
		m.complete(tx, nil)
		cause := CauseTimeout
		if errors.Is(ctx.Err(), context.Canceled) {
			cause = CauseCancelled
		}
		return m.finish(gen, &RegistrationError{Cause: cause, Err: ctx.Err()})
	}
}

// send builds and transmits a REGISTER for the current generation.
func (m *RegistrationManager) send(gen uint64, expires int) (*registerTransaction, error) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return nil, &RegistrationError{Cause: CauseUnregistered}
	}
	tx := &registerTransaction{
		req:     m.buildRegisterLocked(expires),
		expires: expires,
		done:    make(chan error, 1),
	}
	if m.pending != nil {
		m.completeLocked(m.pending, &RegistrationError{Cause: CauseUnregistered})
	}
	m.pending = tx
	tx.timeout = time.AfterFunc(m.config.TransactionTimeout, func() {
		m.complete(tx, &RegistrationError{Cause: CauseTimeout})
	})
	req := tx.req
	m.mu.Unlock()

	if err := m.signaling.Send(req); err != nil {
		m.complete(tx, nil)
		return nil, &RegistrationError{Cause: CauseTransportFailure, Err: err}
	}
	return tx, nil
}

func (m *RegistrationManager) buildRegisterLocked(expires int) *sip.Request {
	m.cseq++
	var registrar sip.Uri
	_ = sip.ParseUri("sip:"+m.account.aor.Host, &registrar)

	from := &sip.FromHeader{
		DisplayName: m.account.displayName,
		Address:     m.account.aor,
		Params:      sip.NewParams().Add("tag", m.fromTag),
	}
	to := &sip.ToHeader{Address: m.account.aor, Params: sip.NewParams()}
	req := m.wire.newRequest(sip.REGISTER, registrar, m.callID, m.cseq, from, to, nil)
	req.AppendHeader(&sip.ContactHeader{Address: m.account.contact, Params: sip.NewParams()})
	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(expires)))
	req.AppendHeader(sip.NewHeader("Allow", allowMethods))
	req.SetBody(nil)
	return req
}

func (m *RegistrationManager) complete(tx *registerTransaction, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completeLocked(tx, err)
}

func (m *RegistrationManager) completeLocked(tx *registerTransaction, err error) {
	if m.pending == tx {
		m.pending = nil
	}
	tx.once.Do(func() {
		if tx.timeout != nil {
			tx.timeout.Stop()
		}
		tx.done <- err
	})
}

// finish applies the outcome of an attempt: state, events, metrics, and the
// next refresh or retry.
func (m *RegistrationManager) finish(gen uint64, err error) error {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		if err == nil {
			err = &RegistrationError{Cause: CauseUnregistered}
		}
		return err
	}

	var events []pendingEvent
	if err == nil {
		was := m.state
		m.state = RegistrationRegistered
		m.backoff.Reset()
		m.reg.RetryInterval = m.backoff.Peek()
		m.scheduleRefreshLocked(gen)
		m.metrics.registration("success")
		m.logger.Printf("RegistrationManager: registered %s for %v", m.reg.SIPURI, m.granted)
		if was != RegistrationRegistered {
			events = append(events, pendingEvent{EventRegistered, m.snapshotLocked()})
		}
		m.mu.Unlock()
		m.emitter.emitAll(events)
		return nil
	}

	var regErr *RegistrationError
	if !errors.As(err, &regErr) {
		regErr = &RegistrationError{Cause: CauseTransportFailure, Err: err}
	}
	m.state = RegistrationFailed
	m.metrics.registration(resultLabel(regErr))
	if regErr.Retryable() {
		m.scheduleRetryLocked(gen)
		m.logger.Printf("RegistrationManager: %v, retrying in %v", regErr, m.reg.RetryInterval)
	} else {
		m.logger.Printf("RegistrationManager: %v, not retrying", regErr)
	}
	events = append(events, pendingEvent{EventRegistrationFailed, regErr})
	m.mu.Unlock()
	m.emitter.emitAll(events)
	return regErr
}

func (m *RegistrationManager) scheduleRetryLocked(gen uint64) {
	if m.retryTimer != nil {
		m.retryTimer.Stop()
	}
	delay := m.backoff.Next()
	m.reg.RetryInterval = delay
	m.retryTimer = m.schedule(delay, func() { m.retry(gen) })
}

func (m *RegistrationManager) scheduleRefreshLocked(gen uint64) {
	if m.refreshTimer != nil {
		m.refreshTimer.Stop()
	}
	if m.granted <= 0 {
		return
	}
	m.refreshTimer = m.schedule(m.granted*9/10, func() { m.retry(gen) })
}

// retry re-registers after a backoff delay or before expiry.
func (m *RegistrationManager) retry(gen uint64) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	if m.state != RegistrationRegistered {
		m.state = RegistrationRegistering
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.config.TransactionTimeout)
	defer cancel()
	m.dialCancel = cancel
	m.mu.Unlock()

	_ = m.attempt(ctx, gen)
}

// handleResponse consumes a response whose Call-ID is the registration's.
func (m *RegistrationManager) handleResponse(res *sip.Response) {
	m.mu.Lock()
	tx := m.pending
	cseq := res.CSeq()
	if tx == nil || cseq == nil || cseq.SeqNo != tx.seq() {
		m.mu.Unlock()
		return
	}

	switch {
	case res.StatusCode < 200:
		m.mu.Unlock()
		return

	case res.StatusCode < 300:
		m.granted = grantedExpiry(res, m.account.contact, tx.expires)
		m.completeLocked(tx, nil)
		m.mu.Unlock()

	case res.StatusCode == sip.StatusUnauthorized || res.StatusCode == sip.StatusProxyAuthRequired:
		next := m.buildRegisterLocked(tx.expires)
		if err := authorize(next, res, m.account.username, m.account.password, &tx.auth); err != nil {
			m.completeLocked(tx, &RegistrationError{Cause: CauseUnauthorized, StatusCode: res.StatusCode, Err: err})
			m.mu.Unlock()
			return
		}
		tx.req = next
		m.mu.Unlock()
		m.resend(tx, next)

	case res.StatusCode == sip.StatusForbidden:
		m.completeLocked(tx, &RegistrationError{Cause: CauseForbidden, StatusCode: res.StatusCode})
		m.mu.Unlock()

	case res.StatusCode == statusIntervalTooBrief && !tx.minRetry:
		min, ok := parseExpires(headerValue(res, "Min-Expires"))
		if !ok || min <= tx.expires {
			m.completeLocked(tx, &RegistrationError{Cause: res.Reason, StatusCode: res.StatusCode})
			m.mu.Unlock()
			return
		}
		tx.minRetry = true
		tx.expires = min
		next := m.buildRegisterLocked(min)
		if h := tx.req.GetHeader("Authorization"); h != nil {
			next.AppendHeader(sip.NewHeader("Authorization", h.Value()))
		}
		tx.req = next
		m.mu.Unlock()
		m.resend(tx, next)

	default:
		m.completeLocked(tx, &RegistrationError{Cause: res.Reason, StatusCode: res.StatusCode})
		m.mu.Unlock()
	}
}

func (m *RegistrationManager) resend(tx *registerTransaction, req *sip.Request) {
	if err := m.signaling.Send(req); err != nil {
		m.complete(tx, &RegistrationError{Cause: CauseTransportFailure, Err: err})
	}
}

// resultLabel keeps the metric label set bounded.
func resultLabel(err *RegistrationError) string {
	switch err.Cause {
	case CauseUnauthorized, CauseForbidden, CauseTransportClosed, CauseTransportFailure, CauseTimeout:
		return err.Cause
	}
	return "rejected"
}

// grantedExpiry reads the expiry the registrar granted for our contact.
func grantedExpiry(res *sip.Response, contact sip.Uri, requested int) time.Duration {
	for _, h := range res.GetHeaders("Contact") {
		c, ok := h.(*sip.ContactHeader)
		if !ok || c.Address.User != contact.User || c.Address.Host != contact.Host {
			continue
		}
		if v, ok := c.Params.Get("expires"); ok {
			if n, ok := parseExpires(v); ok {
				return time.Duration(n) * time.Second
			}
		}
	}
	if n, ok := parseExpires(headerValue(res, "Expires")); ok {
		return time.Duration(n) * time.Second
	}
	return time.Duration(requested) * time.Second
}

// onTransportClosed handles an unexpected loss of the WebSocket.
func (m *RegistrationManager) onTransportClosed(err error) {
	m.mu.Lock()
	if tx := m.pending; tx != nil {
		// The waiting attempt turns this into Failed and a retry.
		m.completeLocked(tx, &RegistrationError{Cause: CauseTransportClosed, Err: err})
		m.mu.Unlock()
		return
	}
	if m.state != RegistrationRegistered {
		m.mu.Unlock()
		return
	}
	gen := m.gen
	if m.refreshTimer != nil {
		m.refreshTimer.Stop()
		m.refreshTimer = nil
	}
	m.mu.Unlock()
	m.finish(gen, &RegistrationError{Cause: CauseTransportClosed, Err: err})
}

// Unregister removes the registration. It is idempotent and cancels any
// pending retry or refresh.
func (m *RegistrationManager) Unregister() {
	m.mu.Lock()
	prev := m.state
	m.gen++
	m.stopTimersLocked()
	if m.pending != nil {
		m.completeLocked(m.pending, &RegistrationError{Cause: CauseUnregistered})
	}
	m.state = RegistrationUnregistered
	m.backoff.Reset()
	m.reg.RetryInterval = m.backoff.Peek()

	var req *sip.Request
	if prev == RegistrationRegistered {
		// The un-REGISTER is tracked so a challenge is still answered,
		// but nobody waits for it.
		tx := &registerTransaction{req: m.buildRegisterLocked(0), done: make(chan error, 1)}
		m.pending = tx
		req = tx.req
	}
	snapshot := m.snapshotLocked()
	m.mu.Unlock()

	if req != nil {
		if err := m.signaling.Send(req); err != nil {
			m.logger.Printf("RegistrationManager: unregister not sent: %v", err)
		}
	}
	if prev != RegistrationUnregistered {
		m.logger.Printf("RegistrationManager: unregistered %s", snapshot.SIPURI)
		m.emitter.Emit(EventUnregistered, snapshot)
	}
}

func (m *RegistrationManager) stopTimersLocked() {
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	if m.refreshTimer != nil {
		m.refreshTimer.Stop()
		m.refreshTimer = nil
	}
	if m.dialCancel != nil {
		m.dialCancel()
		m.dialCancel = nil
	}
}

func (m *RegistrationManager) snapshotLocked() Registration {
	reg := m.reg
	reg.Password = ""
	reg.State = m.state
	return reg
}

// Registration returns a snapshot of the registration. The password is
// not included.
func (m *RegistrationManager) Registration() Registration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// State returns the registration state.
func (m *RegistrationManager) State() RegistrationState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsRegistered reports whether the identity is currently registered.
func (m *RegistrationManager) IsRegistered() bool {
	return m.State() == RegistrationRegistered
}

func (m *RegistrationManager) owns(callID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callID != "" && m.callID == callID
}

// registeredAccount returns the identity calls are placed with.
func (m *RegistrationManager) registeredAccount() (account, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.account, m.state == RegistrationRegistered
}
