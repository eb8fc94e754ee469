/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"errors"
	"strings"
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseURI(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		user    string
		host    string
		wantErr bool
	}{
		{name: "plain", in: "sip:alice@voice.example.com", user: "alice", host: "voice.example.com"},
		{name: "name-addr", in: `"Alice" <sip:alice@voice.example.com>`, user: "alice", host: "voice.example.com"},
		{name: "sips", in: "sips:bob@example.org", user: "bob", host: "example.org"},
		{name: "no scheme", in: "alice@voice.example.com", wantErr: true},
		{name: "garbage", in: "alice at example", wantErr: true},
		{name: "empty", in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := parseURI(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Errorf("parseURI(%q) expected error, got %v", tt.in, u)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseURI(%q) unexpected error: %v", tt.in, err)
			}
			if u.User != tt.user || u.Host != tt.host {
				t.Errorf("parseURI(%q) = %s@%s, want %s@%s", tt.in, u.User, u.Host, tt.user, tt.host)
			}
		})
	}
}

func TestTargetURI(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"bob", "bob@voice.example.com"},
		{"+15551234567", "+15551234567@voice.example.com"},
		{"carol@other.example.com", "carol@other.example.com"},
		{"sip:dave@pbx.example.com", "dave@pbx.example.com"},
		{"<sip:erin@pbx.example.com>", "erin@pbx.example.com"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			u, err := targetURI(tt.in, "voice.example.com")
			require.NoError(t, err)
			assert.Equal(t, tt.want, u.User+"@"+u.Host)
		})
	}

	_, err := targetURI("   ", "voice.example.com")
	assert.Error(t, err)
}

func TestRemoteParty(t *testing.T) {
	from := &sip.FromHeader{
		DisplayName: `"Bob"`,
		Address:     sip.Uri{User: "bob", Host: "example.com"},
	}
	assert.Equal(t, RemoteParty{Number: "bob", Name: "Bob"}, remoteParty(from))

	from.DisplayName = ""
	assert.Equal(t, RemoteParty{Number: "bob", Name: unknownCaller}, remoteParty(from))
	assert.Equal(t, unknownCaller, remoteParty(nil).Name)
}

func TestTags(t *testing.T) {
	p := sip.NewParams().Add("transport", "ws")
	tagged := withTag(p, "abc")
	assert.Equal(t, "abc", paramTag(tagged))
	assert.Empty(t, paramTag(p), "input params are not modified")
	assert.Empty(t, paramTag(nil))

	assert.Len(t, newTag(), 16)
	assert.True(t, strings.HasPrefix(newBranch(), "z9hG4bK"))
	assert.NotEqual(t, newCallID(), newCallID())
}

func TestWireIdentity(t *testing.T) {
	assert.Equal(t, "WSS", newWireIdentity("wss://gw.example.com/ws", "ua").transport)
	assert.Equal(t, "WS", newWireIdentity("ws://gw.example.com/ws", "ua").transport)

	w := newWireIdentity("wss://gw.example.com/ws", "ua")
	c := w.contact("alice")
	assert.Equal(t, "alice", c.User)
	assert.True(t, strings.HasSuffix(c.Host, ".invalid"))
}

func TestDialog(t *testing.T) {
	w := newWireIdentity("wss://gw.example.com/ws", "ua")
	inv := inboundInvite("dlg-1", "Bob")
	inv.AppendHeader(sip.NewHeader("Record-Route", "<sip:p1.example.com;lr>, <sip:p2.example.com;lr>"))

	d := dialogFromInvite(inv, w.contact("alice"))
	assert.Equal(t, "dlg-1", d.callID)
	assert.Equal(t, "bobtag", d.remoteTag)
	assert.NotEmpty(t, d.localTag)
	assert.Equal(t, []string{"<sip:p1.example.com;lr>", "<sip:p2.example.com;lr>"}, d.routes)

	bye := d.request(w, sip.BYE)
	assert.Equal(t, uint32(1), bye.CSeq().SeqNo)
	assert.Equal(t, d.localTag, paramTag(bye.From().Params))
	assert.Equal(t, "bobtag", paramTag(bye.To().Params))
	assert.Len(t, bye.GetHeaders("Route"), 2)
	assert.Equal(t, uint32(2), d.request(w, sip.INFO).CSeq().SeqNo)

	t.Run("confirm reads the 2xx", func(t *testing.T) {
		var uac dialog
		res := answerInvite(inboundInvite("dlg-2", "Bob"))
		res.AppendHeader(sip.NewHeader("Record-Route", "<sip:a.example.com;lr>"))
		res.AppendHeader(sip.NewHeader("Record-Route", "<sip:b.example.com;lr>"))
		uac.confirm(res)
		assert.Equal(t, "callee", uac.remoteTag)
		assert.Equal(t, "10.0.0.9", uac.remoteTarget.Host)
		assert.Equal(t, []string{"<sip:b.example.com;lr>", "<sip:a.example.com;lr>"}, uac.routes)
	})
}

func TestNewResponseTag(t *testing.T) {
	w := newWireIdentity("wss://gw.example.com/ws", "ua")
	inv := inboundInvite("tag-1", "Bob")

	ringing := w.newResponse(inv, sip.StatusRinging, "Ringing", "ourtag")
	ok := w.newResponse(inv, sip.StatusOK, "OK", "ourtag")
	assert.Equal(t, "ourtag", paramTag(ringing.To().Params))
	assert.Equal(t, "ourtag", paramTag(ok.To().Params))
	assert.Empty(t, paramTag(inv.To().Params), "request is not modified")
	assert.Equal(t, "ua", headerValue(ok, "User-Agent"))

	trying := w.newResponse(inv, sip.StatusTrying, "Trying", "ourtag")
	assert.Empty(t, paramTag(trying.To().Params))

	inDialog := inboundRequest(sip.BYE, "tag-1", 2, "Bob", "established")
	res := w.newResponse(inDialog, sip.StatusOK, "OK", "ourtag")
	assert.Equal(t, "established", paramTag(res.To().Params))
}

func TestAckAndCancel(t *testing.T) {
	inv := inboundInvite("tx-1", "Bob")
	res := reply(inv, sip.StatusBusyHere, "Busy Here", "far")

	ack := ackForFailure(inv, res)
	assert.Equal(t, sip.ACK, ack.Method)
	assert.Equal(t, inv.Via().Params, ack.Via().Params, "same branch")
	assert.Equal(t, "far", paramTag(ack.To().Params))
	assert.Equal(t, inv.CSeq().SeqNo, ack.CSeq().SeqNo)
	assert.Empty(t, ack.Body())

	pending := inboundInvite("tx-2", "Bob")
	cancel := cancelFor(pending, "ua")
	assert.Equal(t, sip.CANCEL, cancel.CSeq().MethodName)
	assert.Equal(t, pending.CSeq().SeqNo, cancel.CSeq().SeqNo)
	assert.Equal(t, pending.Via().Params, cancel.Via().Params)
	assert.Empty(t, paramTag(cancel.To().Params))
}

func TestParseExpires(t *testing.T) {
	n, ok := parseExpires(" 3600 ")
	assert.True(t, ok)
	assert.Equal(t, 3600, n)
	for _, bad := range []string{"", "-1", "soon"} {
		_, ok := parseExpires(bad)
		assert.False(t, ok, "%q", bad)
	}
}

func TestAuthorize(t *testing.T) {
	w := newWireIdentity("wss://gw.example.com/ws", "ua")
	aor, err := parseURI(testURI)
	require.NoError(t, err)
	newRegister := func() *sip.Request {
		return w.newRequest(sip.REGISTER, sip.Uri{Scheme: "sip", Host: aor.Host}, "auth-1", 1,
			&sip.FromHeader{Address: aor, Params: sip.NewParams().Add("tag", "a")},
			&sip.ToHeader{Address: aor, Params: sip.NewParams()}, nil)
	}

	t.Run("www-authenticate", func(t *testing.T) {
		req := newRegister()
		var st authState
		require.NoError(t, authorize(req, challenge(req), "alice", testPassword, &st))
		auth := headerValue(req, "Authorization")
		assert.True(t, strings.HasPrefix(auth, "Digest "))
		assert.Contains(t, auth, `realm="voice.example.com"`)
		assert.Contains(t, auth, "nc=00000001")

		// A second challenge with the same nonce means the password is wrong.
		err := authorize(req, challenge(req), "alice", testPassword, &st)
		assert.True(t, errors.Is(err, errChallengeRepeated))
		assert.Len(t, req.GetHeaders("Authorization"), 1)
	})

	t.Run("proxy-authenticate", func(t *testing.T) {
		req := newRegister()
		res := reply(req, sip.StatusProxyAuthRequired, "Proxy Authentication Required", "p")
		res.AppendHeader(sip.NewHeader("Proxy-Authenticate", testChallenge))
		var st authState
		require.NoError(t, authorize(req, res, "alice", testPassword, &st))
		assert.NotEmpty(t, headerValue(req, "Proxy-Authorization"))
		assert.Empty(t, headerValue(req, "Authorization"))
	})

	t.Run("stale nonce is answered again", func(t *testing.T) {
		req := newRegister()
		st := authState{nonce: "dcd98b7102dd2f0e", count: 1}
		res := reply(req, sip.StatusUnauthorized, "Unauthorized", "a")
		res.AppendHeader(sip.NewHeader("WWW-Authenticate", testChallenge+", stale=true"))
		require.NoError(t, authorize(req, res, "alice", testPassword, &st))
		assert.Equal(t, 2, st.count)
	})

	t.Run("missing challenge header", func(t *testing.T) {
		req := newRegister()
		var st authState
		err := authorize(req, reply(req, sip.StatusUnauthorized, "Unauthorized", "a"), "alice", testPassword, &st)
		assert.Error(t, err)
		assert.False(t, errors.Is(err, errChallengeRepeated))
	})

	t.Run("no credentials", func(t *testing.T) {
		req := newRegister()
		var st authState
		assert.ErrorIs(t, authorize(req, challenge(req), "alice", "", &st), errChallengeRepeated)
	})
}
