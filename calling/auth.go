/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"errors"
	"fmt"

	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
)

// errChallengeRepeated means the gateway challenged a request that already
// carried credentials for the same nonce, i.e. the credentials are wrong.
var errChallengeRepeated = errors.New("credentials rejected")

// authState tracks the digest challenge answered for one request stream.
type authState struct {
	nonce string
	count int
}

// authorize answers the 401/407 challenge in res by adding credentials to
// req. A second challenge with the same nonce that is not marked stale
// yields errChallengeRepeated.
func authorize(req *sip.Request, res *sip.Response, username, password string, st *authState) error {
	challengeName, credentialsName := "WWW-Authenticate", "Authorization"
	if res.StatusCode == sip.StatusProxyAuthRequired {
		challengeName, credentialsName = "Proxy-Authenticate", "Proxy-Authorization"
	}

	h := res.GetHeader(challengeName)
	if h == nil {
		return fmt.Errorf("%d without %s header", res.StatusCode, challengeName)
	}
	chal, err := digest.ParseChallenge(h.Value())
	if err != nil {
		return fmt.Errorf("invalid challenge %q: %w", h.Value(), err)
	}
	if username == "" || password == "" {
		return errChallengeRepeated
	}

	if st.nonce == chal.Nonce && !chal.Stale {
		return errChallengeRepeated
	}
	if st.nonce != chal.Nonce {
		st.nonce = chal.Nonce
		st.count = 0
	}
	st.count++

	cred, err := digest.Digest(chal, digest.Options{
		Method:   req.Method.String(),
		URI:      req.Recipient.String(),
		Username: username,
		Password: password,
		Count:    st.count,
	})
	if err != nil {
		return err
	}

	for req.RemoveHeader(credentialsName) {
	}
	req.AppendHeader(sip.NewHeader(credentialsName, cred.String()))
	return nil
}
