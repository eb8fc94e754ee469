/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"errors"
	"fmt"
)

// Registration failure causes.
const (
	CauseUnauthorized       = "Unauthorized"
	CauseForbidden          = "Forbidden"
	CauseTransportClosed    = "transport closed"
	CauseTransportFailure   = "transport unreachable"
	CauseTimeout            = "timeout"
	CauseInvalidURI         = "invalid SIP URI"
	CauseUnregistered       = "unregistered"
	CauseCancelled          = "cancelled"
	CauseSignalingTransport = "signaling: transport closed"
)

// RegistrationError is returned when registration is rejected or the gateway
// cannot be reached.
type RegistrationError struct {
	Cause      string
	StatusCode int
	Err        error
}

func (e *RegistrationError) Error() string {
	msg := "registration failed: " + e.Cause
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (%d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RegistrationError) Unwrap() error { return e.Err }

// Retryable reports whether the backoff policy applies. Rejected credentials
// and malformed identities are not retried.
func (e *RegistrationError) Retryable() bool {
	switch e.Cause {
	case CauseUnauthorized, CauseForbidden, CauseInvalidURI, CauseUnregistered, CauseCancelled:
		return false
	}
	return true
}

// MediaAccessError is returned when the local capture device is denied or
// missing. No signaling has been sent when it is returned.
type MediaAccessError struct {
	Reason string
	Err    error
}

func (e *MediaAccessError) Error() string {
	if e.Err != nil {
		return "media access failed: " + e.Reason + ": " + e.Err.Error()
	}
	return "media access failed: " + e.Reason
}

func (e *MediaAccessError) Unwrap() error { return e.Err }

// ConcurrentCallError is returned when a call is attempted while another
// session is still active.
type ConcurrentCallError struct {
	ActiveSessionID string
}

func (e *ConcurrentCallError) Error() string {
	return fmt.Sprintf("a call is already active (session %s)", e.ActiveSessionID)
}

// SignalingError reports a transport failure during a call.
type SignalingError struct {
	Err error
}

func (e *SignalingError) Error() string {
	if e.Err != nil {
		return CauseSignalingTransport + ": " + e.Err.Error()
	}
	return CauseSignalingTransport
}

func (e *SignalingError) Unwrap() error { return e.Err }

// CallFailure reports a call rejected or abandoned by the remote side.
type CallFailure struct {
	Cause      string
	StatusCode int
}

func (e *CallFailure) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("call failed: %d %s", e.StatusCode, e.Cause)
	}
	return "call failed: " + e.Cause
}

// InvalidStateError is returned when an operation is not allowed in the
// session's current state.
type InvalidStateError struct {
	Op    string
	State CallState
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s: call is in state %s", e.Op, e.State)
}

// ErrNotRegistered is returned by MakeCall before registration completes.
var ErrNotRegistered = errors.New("calling: not registered")

// ErrInvalidDigit is returned by SendDTMF for digits outside DTMFDigits.
var ErrInvalidDigit = errors.New("calling: invalid DTMF digit")

// IsRegistrationError reports whether err is a *RegistrationError.
func IsRegistrationError(err error) bool {
	var e *RegistrationError
	return errors.As(err, &e)
}

// IsMediaAccessError reports whether err is a *MediaAccessError.
func IsMediaAccessError(err error) bool {
	var e *MediaAccessError
	return errors.As(err, &e)
}

// IsConcurrentCallError reports whether err is a *ConcurrentCallError.
func IsConcurrentCallError(err error) bool {
	var e *ConcurrentCallError
	return errors.As(err, &e)
}

// IsInvalidStateError reports whether err is an *InvalidStateError.
func IsInvalidStateError(err error) bool {
	var e *InvalidStateError
	return errors.As(err, &e)
}
