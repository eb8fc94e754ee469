/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testChallenge = `Digest realm="voice.example.com", nonce="dcd98b7102dd2f0e", algorithm=MD5, qop="auth"`

func challenge(req *sip.Request) *sip.Response {
	res := reply(req, sip.StatusUnauthorized, "Unauthorized", "reg")
	res.AppendHeader(sip.NewHeader("WWW-Authenticate", testChallenge))
	return res
}

func rejectWith(code int, reason string) func(req *sip.Request) []sip.Message {
	return func(req *sip.Request) []sip.Message {
		if req.Method != sip.REGISTER {
			return nil
		}
		return []sip.Message{reply(req, code, reason, "reg")}
	}
}

func registerErr(t *testing.T, err error) *RegistrationError {
	t.Helper()
	var regErr *RegistrationError
	require.True(t, errors.As(err, &regErr), "expected *RegistrationError, got %v", err)
	return regErr
}

func TestRegister(t *testing.T) {
	t.Run("accepted", func(t *testing.T) {
		h := newHarness(t)
		h.register()

		assert.Equal(t, 1, h.events.count(EventRegistered))
		snap := h.client.Registration()
		assert.Equal(t, testURI, snap.SIPURI)
		assert.Empty(t, snap.Password)
		assert.Equal(t, RegistrationRegistered, snap.State)

		reqs := h.tr.requests(sip.REGISTER)
		require.Len(t, reqs, 1)
		reg := reqs[0]
		assert.Equal(t, "600", headerValue(reg, "Expires"))
		assert.Equal(t, "WSS", reg.Via().Transport)
		contact := reg.Contact()
		require.NotNil(t, contact)
		assert.Equal(t, "alice", contact.Address.User)
		assert.True(t, strings.HasSuffix(contact.Address.Host, ".invalid"))

		// Refresh at 90% of the granted 600s.
		assert.Equal(t, []time.Duration{540 * time.Second}, h.clock.armed())
	})

	t.Run("refresh keeps the registration", func(t *testing.T) {
		h := newHarness(t)
		h.register()
		d, ok := h.clock.fireNext()
		require.True(t, ok)
		assert.Equal(t, 540*time.Second, d)

		assert.Len(t, h.tr.requests(sip.REGISTER), 2)
		assert.Equal(t, RegistrationRegistered, h.client.RegistrationState())
		assert.Equal(t, 1, h.events.count(EventRegistered), "refresh is not a new registration")
	})

	t.Run("answers a digest challenge", func(t *testing.T) {
		h := newHarness(t)
		h.tr.setResponder(func(req *sip.Request) []sip.Message {
			if req.Method != sip.REGISTER {
				return nil
			}
			if req.GetHeader("Authorization") == nil {
				return []sip.Message{challenge(req)}
			}
			return []sip.Message{reply(req, sip.StatusOK, "OK", "reg")}
		})
		err := h.client.Register(context.Background(), Registration{SIPURI: testURI, Password: testPassword})
		require.NoError(t, err)

		reqs := h.tr.requests(sip.REGISTER)
		require.Len(t, reqs, 2)
		auth := headerValue(reqs[1], "Authorization")
		assert.Contains(t, auth, `username="alice"`)
		assert.Contains(t, auth, `nonce="dcd98b7102dd2f0e"`)
		assert.Greater(t, reqs[1].CSeq().SeqNo, reqs[0].CSeq().SeqNo)
	})

	t.Run("repeated challenge is Unauthorized and never retried", func(t *testing.T) {
		h := newHarness(t)
		h.tr.setResponder(func(req *sip.Request) []sip.Message {
			if req.Method != sip.REGISTER {
				return nil
			}
			return []sip.Message{challenge(req)}
		})
		err := h.client.Register(context.Background(), Registration{SIPURI: testURI, Password: "wrong"})
		regErr := registerErr(t, err)
		assert.Equal(t, CauseUnauthorized, regErr.Cause)
		assert.False(t, regErr.Retryable())

		assert.Len(t, h.tr.requests(sip.REGISTER), 2)
		assert.Equal(t, RegistrationFailed, h.client.RegistrationState())
		assert.Empty(t, h.clock.armed())
		assert.Equal(t, 1, h.events.count(EventRegistrationFailed))
		assert.Equal(t, 0, h.events.count(EventRegistered))
	})

	t.Run("forbidden is not retried", func(t *testing.T) {
		h := newHarness(t)
		h.tr.setResponder(rejectWith(sip.StatusForbidden, "Forbidden"))
		err := h.client.Register(context.Background(), Registration{SIPURI: testURI, Password: testPassword})
		assert.Equal(t, CauseForbidden, registerErr(t, err).Cause)
		assert.Empty(t, h.clock.armed())
	})

	t.Run("invalid URI sends nothing", func(t *testing.T) {
		h := newHarness(t)
		err := h.client.Register(context.Background(), Registration{SIPURI: "alice at example", Password: testPassword})
		assert.Equal(t, CauseInvalidURI, registerErr(t, err).Cause)
		assert.Equal(t, 0, h.tr.sentCount())
		assert.Empty(t, h.clock.armed())
	})

	t.Run("unreachable gateway is retried", func(t *testing.T) {
		h := newHarness(t)
		h.tr.connectErr = errGone
		err := h.client.Register(context.Background(), Registration{SIPURI: testURI, Password: testPassword})
		regErr := registerErr(t, err)
		assert.Equal(t, CauseTransportFailure, regErr.Cause)
		assert.ErrorIs(t, err, errGone)
		assert.Equal(t, []time.Duration{2 * time.Second}, h.clock.armed())
	})
}

func TestRegistrationBackoff(t *testing.T) {
	h := newHarness(t)
	h.tr.setResponder(rejectWith(sip.StatusServiceUnavailable, "Service Unavailable"))

	err := h.client.Register(context.Background(), Registration{SIPURI: testURI, Password: testPassword})
	require.True(t, registerErr(t, err).Retryable())
	require.Equal(t, RegistrationFailed, h.client.RegistrationState())

	var delays []time.Duration
	for i := 0; i < 6; i++ {
		d, ok := h.clock.fireNext()
		require.True(t, ok)
		delays = append(delays, d)
		assert.Equal(t, RegistrationFailed, h.client.RegistrationState())
	}
	assert.Equal(t, []time.Duration{
		2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 30 * time.Second, 30 * time.Second,
	}, delays)
	assert.Equal(t, 30*time.Second, h.client.Registration().RetryInterval)

	// The gateway recovers; the interval resets.
	h.tr.setResponder(registrar)
	_, ok := h.clock.fireNext()
	require.True(t, ok)
	assert.Equal(t, RegistrationRegistered, h.client.RegistrationState())
	assert.Equal(t, 2*time.Second, h.client.Registration().RetryInterval)
	assert.Equal(t, []time.Duration{540 * time.Second}, h.clock.armed())
	assert.Equal(t, 7, h.events.count(EventRegistrationFailed))
	assert.Equal(t, 1, h.events.count(EventRegistered))
}

func TestUnregister(t *testing.T) {
	t.Run("sends Expires 0 and emits once", func(t *testing.T) {
		h := newHarness(t)
		h.register()

		h.client.Unregister()
		h.client.Unregister()

		assert.Equal(t, RegistrationUnregistered, h.client.RegistrationState())
		assert.Equal(t, 1, h.events.count(EventUnregistered))
		reqs := h.tr.requests(sip.REGISTER)
		require.Len(t, reqs, 2)
		assert.Equal(t, "0", headerValue(reqs[1], "Expires"))
		assert.Empty(t, h.clock.armed())
	})

	t.Run("cancels a pending retry", func(t *testing.T) {
		h := newHarness(t)
		h.tr.setResponder(rejectWith(sip.StatusInternalServerError, "Server Internal Error"))
		_ = h.client.Register(context.Background(), Registration{SIPURI: testURI, Password: testPassword})
		require.Len(t, h.clock.armed(), 1)

		h.client.Unregister()
		assert.Empty(t, h.clock.armed())
		assert.Equal(t, RegistrationUnregistered, h.client.RegistrationState())
		// Only the failed REGISTER; nothing was registered so nothing is removed.
		assert.Len(t, h.tr.requests(sip.REGISTER), 1)
	})

	t.Run("no-op when never registered", func(t *testing.T) {
		h := newHarness(t)
		h.client.Unregister()
		assert.Equal(t, 0, h.events.count(EventUnregistered))
		assert.Equal(t, 0, h.tr.sentCount())
	})

	t.Run("MakeCall needs a registration", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.client.MakeCall(context.Background(), "bob", nil)
		assert.ErrorIs(t, err, ErrNotRegistered)
		assert.Empty(t, h.media.all())
	})
}

func TestRegistrationReconnect(t *testing.T) {
	h := newHarness(t)
	h.register()

	h.tr.drop(errGone)
	require.Eventually(t, func() bool { return h.client.RegistrationState() == RegistrationFailed }, waitFor, tick)

	failure, ok := h.events.last(EventRegistrationFailed).(*RegistrationError)
	require.True(t, ok)
	assert.Equal(t, CauseTransportClosed, failure.Cause)
	assert.Equal(t, []time.Duration{2 * time.Second}, h.clock.armed(), "refresh replaced by retry")

	_, fired := h.clock.fireNext()
	require.True(t, fired)
	assert.Equal(t, RegistrationRegistered, h.client.RegistrationState())
	assert.Equal(t, 2, h.events.count(EventRegistered))
}

func TestCloseDuringRetryDial(t *testing.T) {
	for _, tc := range []struct {
		name      string
		ignoreCtx bool
	}{
		{name: "dial is aborted"},
		{name: "late dial is torn down", ignoreCtx: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.tr.setResponder(rejectWith(sip.StatusServiceUnavailable, "Service Unavailable"))
			err := h.client.Register(context.Background(), Registration{SIPURI: testURI, Password: testPassword})
			require.True(t, registerErr(t, err).Retryable())
			require.Len(t, h.clock.armed(), 1)

			started, release := h.tr.holdDial(tc.ignoreCtx)
			retried := make(chan struct{})
			go func() {
				defer close(retried)
				h.clock.fireNext()
			}()
			<-started

			require.NoError(t, h.client.Close())
			close(release)
			select {
			case <-retried:
			case <-time.After(waitFor):
				t.Fatal("retry did not return after Close")
			}

			assert.False(t, h.tr.isOpen(), "no link survives Close")
			assert.Len(t, h.tr.requests(sip.REGISTER), 1)
			assert.Empty(t, h.clock.armed())
			assert.Equal(t, RegistrationUnregistered, h.client.RegistrationState())
		})
	}
}
