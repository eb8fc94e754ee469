/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
)

const (
	maxForwards  = 70
	allowMethods = "INVITE, ACK, CANCEL, BYE, OPTIONS, INFO, REFER, NOTIFY"
	contentSDP   = "application/sdp"
	contentDTMF  = "application/dtmf-relay"
)

func newCallID() string { return uuid.NewString() }

func newTag() string { return strings.ReplaceAll(uuid.NewString(), "-", "")[:16] }

func newBranch() string { return "z9hG4bK" + strings.ReplaceAll(uuid.NewString(), "-", "") }

// wireIdentity is how this user agent appears in Via and Contact. A WebSocket
// client has no reachable address, so the host is a random .invalid name.
type wireIdentity struct {
	transport string
	host      string
	userAgent string
}

func newWireIdentity(transportURL, userAgent string) wireIdentity {
	t := "WSS"
	if u, err := url.Parse(transportURL); err == nil && strings.EqualFold(u.Scheme, "ws") {
		t = "WS"
	}
	return wireIdentity{
		transport: t,
		host:      strings.ReplaceAll(uuid.NewString(), "-", "")[:12] + ".invalid",
		userAgent: userAgent,
	}
}

func (w wireIdentity) via(branch string) *sip.ViaHeader {
	return &sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       w.transport,
		Host:            w.host,
		Params:          sip.NewParams().Add("branch", branch),
	}
}

func (w wireIdentity) contact(user string) sip.Uri {
	var u sip.Uri
	_ = sip.ParseUri(fmt.Sprintf("sip:%s@%s;transport=ws", user, w.host), &u)
	return u
}

// newRequest builds a request with the headers every request carries. The
// caller adds Contact, Allow and the body as needed.
func (w wireIdentity) newRequest(method sip.RequestMethod, recipient sip.Uri, callID string, seq uint32,
	from *sip.FromHeader, to *sip.ToHeader, routes []string) *sip.Request {
	req := sip.NewRequest(method, recipient)
	req.AppendHeader(w.via(newBranch()))
	for _, r := range routes {
		req.AppendHeader(sip.NewHeader("Route", r))
	}
	mf := sip.MaxForwardsHeader(maxForwards)
	req.AppendHeader(&mf)
	req.AppendHeader(from)
	req.AppendHeader(to)
	cid := sip.CallIDHeader(callID)
	req.AppendHeader(&cid)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: seq, MethodName: method})
	req.AppendHeader(sip.NewHeader("User-Agent", w.userAgent))
	return req
}

// account is the registered identity used for calls.
type account struct {
	aor         sip.Uri
	displayName string
	username    string
	password    string
	contact     sip.Uri
}

// parseURI parses a SIP URI, tolerating a name-addr wrapper.
func parseURI(s string) (sip.Uri, error) {
	var u sip.Uri
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '<'); i >= 0 {
		if j := strings.IndexByte(s[i:], '>'); j > 0 {
			s = s[i+1 : i+j]
		}
	}
	if !strings.HasPrefix(strings.ToLower(s), "sip:") && !strings.HasPrefix(strings.ToLower(s), "sips:") {
		return u, fmt.Errorf("not a SIP URI: %q", s)
	}
	if err := sip.ParseUri(s, &u); err != nil {
		return u, err
	}
	if u.Host == "" {
		return u, fmt.Errorf("missing host in %q", s)
	}
	return u, nil
}

// targetURI resolves a dial string. A bare number or user is placed in the
// registered domain.
func targetURI(target, domain string) (sip.Uri, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return sip.Uri{}, fmt.Errorf("empty call target")
	}
	lower := strings.ToLower(target)
	if strings.HasPrefix(lower, "sip:") || strings.HasPrefix(lower, "sips:") || strings.Contains(target, "<") {
		return parseURI(target)
	}
	if strings.Contains(target, "@") {
		return parseURI("sip:" + target)
	}
	return parseURI("sip:" + target + "@" + domain)
}

func setBody(msg sip.Message, contentType string, body []byte) {
	if len(body) > 0 {
		msg.AppendHeader(sip.NewHeader("Content-Type", contentType))
	}
	msg.SetBody(body)
}

func headerValue(msg sip.Message, name string) string {
	if hs := msg.GetHeaders(name); len(hs) > 0 {
		return hs[0].Value()
	}
	return ""
}

func hasToTag(req *sip.Request) bool {
	to := req.To()
	return to != nil && paramTag(to.Params) != ""
}

func paramTag(p sip.HeaderParams) string {
	if p == nil {
		return ""
	}
	v, _ := p.Get("tag")
	return v
}

func withTag(p sip.HeaderParams, tag string) sip.HeaderParams {
	out := sip.NewParams()
	for k, v := range p {
		out[k] = v
	}
	if tag != "" {
		out["tag"] = tag
	}
	return out
}

// remoteParty reads the caller identity from a From header.
func remoteParty(from *sip.FromHeader) RemoteParty {
	if from == nil {
		return RemoteParty{Name: unknownCaller}
	}
	name := strings.Trim(from.DisplayName, `"`)
	if name == "" {
		name = unknownCaller
	}
	return RemoteParty{Number: from.Address.User, Name: name}
}

func recordRoutes(msg sip.Message) []string {
	var routes []string
	for _, h := range msg.GetHeaders("Record-Route") {
		for _, v := range strings.Split(h.Value(), ",") {
			if v = strings.TrimSpace(v); v != "" {
				routes = append(routes, v)
			}
		}
	}
	return routes
}

func reversed(in []string) []string {
	out := make([]string, len(in))
	for i, v := range in {
		out[len(in)-1-i] = v
	}
	return out
}

// newResponse answers req. For anything above 100 the To header carries
// localTag, unless the request already had one. sipgo stamps a random tag on
// every non-100 response, so it is replaced here.
func (w wireIdentity) newResponse(req *sip.Request, code int, reason string, localTag string) *sip.Response {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if code > 100 && localTag != "" && !hasToTag(req) {
		if to := res.To(); to != nil {
			to.Params = withTag(to.Params, localTag)
		}
	}
	res.AppendHeader(sip.NewHeader("User-Agent", w.userAgent))
	return res
}

// ackForFailure acknowledges a non-2xx final response to inv. It reuses the
// INVITE's branch so the transaction matches.
func ackForFailure(inv *sip.Request, res *sip.Response) *sip.Request {
	ack := sip.NewRequest(sip.ACK, inv.Recipient)
	if via := inv.Via(); via != nil {
		ack.AppendHeader(via.Clone())
	}
	sip.CopyHeaders("Route", inv, ack)
	mf := sip.MaxForwardsHeader(maxForwards)
	ack.AppendHeader(&mf)
	if from := inv.From(); from != nil {
		ack.AppendHeader(from)
	}
	if to := res.To(); to != nil {
		ack.AppendHeader(to)
	}
	if cid := inv.CallID(); cid != nil {
		ack.AppendHeader(cid)
	}
	ack.AppendHeader(&sip.CSeqHeader{SeqNo: inv.CSeq().SeqNo, MethodName: sip.ACK})
	ack.SetBody(nil)
	return ack
}

// cancelFor builds the CANCEL for a pending INVITE.
func cancelFor(inv *sip.Request, userAgent string) *sip.Request {
	cancel := sip.NewRequest(sip.CANCEL, inv.Recipient)
	if via := inv.Via(); via != nil {
		cancel.AppendHeader(via.Clone())
	}
	sip.CopyHeaders("Route", inv, cancel)
	mf := sip.MaxForwardsHeader(maxForwards)
	cancel.AppendHeader(&mf)
	if from := inv.From(); from != nil {
		cancel.AppendHeader(from)
	}
	if to := inv.To(); to != nil {
		cancel.AppendHeader(to)
	}
	if cid := inv.CallID(); cid != nil {
		cancel.AppendHeader(cid)
	}
	cancel.AppendHeader(&sip.CSeqHeader{SeqNo: inv.CSeq().SeqNo, MethodName: sip.CANCEL})
	cancel.AppendHeader(sip.NewHeader("User-Agent", userAgent))
	cancel.SetBody(nil)
	return cancel
}

// dialog is the signaling relationship behind one CallSession.
type dialog struct {
	callID       string
	localURI     sip.Uri
	localName    string
	localTag     string
	remoteURI    sip.Uri
	remoteName   string
	remoteTag    string
	remoteTarget sip.Uri
	routes       []string
	localSeq     uint32
	contact      sip.Uri
}

func (d *dialog) from() *sip.FromHeader {
	return &sip.FromHeader{
		DisplayName: d.localName,
		Address:     d.localURI,
		Params:      sip.NewParams().Add("tag", d.localTag),
	}
}

func (d *dialog) to() *sip.ToHeader {
	to := &sip.ToHeader{
		DisplayName: d.remoteName,
		Address:     d.remoteURI,
		Params:      sip.NewParams(),
	}
	if d.remoteTag != "" {
		to.Params.Add("tag", d.remoteTag)
	}
	return to
}

// request builds the next in-dialog request.
func (d *dialog) request(w wireIdentity, method sip.RequestMethod) *sip.Request {
	d.localSeq++
	req := w.newRequest(method, d.remoteTarget, d.callID, d.localSeq, d.from(), d.to(), d.routes)
	req.AppendHeader(&sip.ContactHeader{Address: d.contact})
	return req
}

// ack acknowledges a 2xx. It is a new transaction with the INVITE's CSeq.
func (d *dialog) ack(w wireIdentity, seq uint32) *sip.Request {
	ack := w.newRequest(sip.ACK, d.remoteTarget, d.callID, seq, d.from(), d.to(), d.routes)
	ack.SetBody(nil)
	return ack
}

// confirm records what the 2xx to our INVITE tells us about the peer.
func (d *dialog) confirm(res *sip.Response) {
	if to := res.To(); to != nil {
		d.remoteTag = paramTag(to.Params)
	}
	if c := res.Contact(); c != nil {
		d.remoteTarget = c.Address
	}
	d.routes = reversed(recordRoutes(res))
}

// dialogFromInvite sets up the UAS side of a dialog for an incoming INVITE.
func dialogFromInvite(req *sip.Request, contact sip.Uri) dialog {
	d := dialog{
		localTag: newTag(),
		contact:  contact,
		routes:   recordRoutes(req),
	}
	if cid := req.CallID(); cid != nil {
		d.callID = cid.Value()
	}
	if to := req.To(); to != nil {
		d.localURI = to.Address
		d.localName = to.DisplayName
	}
	if from := req.From(); from != nil {
		d.remoteURI = from.Address
		d.remoteName = from.DisplayName
		d.remoteTag = paramTag(from.Params)
		d.remoteTarget = from.Address
	}
	if c := req.Contact(); c != nil {
		d.remoteTarget = c.Address
	}
	return d
}

func parseExpires(v string) (int, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
