/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Command sipprobe checks that a SIP WebSocket gateway is reachable and
// answers an OPTIONS request.
//
//	SIPUA_WS_URL=wss://gw.example.com/ws SIPUA_SIP_URI=sip:1001@voice.example.com go run ./cmd/sipprobe
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/tejzpr/sipua-go-sdk/transport"
)

func main() {
	wsURL := os.Getenv("SIPUA_WS_URL")
	if wsURL == "" {
		fmt.Println("SIPUA_WS_URL env var required")
		os.Exit(1)
	}
	aor := os.Getenv("SIPUA_SIP_URI")
	if aor == "" {
		aor = "sip:probe@invalid"
	}

	fmt.Println("[1/3] Validating gateway URL...")
	if err := transport.ValidateURL(wsURL, false); err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}

	var target sip.Uri
	if err := sip.ParseUri(aor, &target); err != nil {
		fmt.Printf("ERROR parsing %s: %v\n", aor, err)
		os.Exit(1)
	}

	fmt.Println("[2/3] Connecting...")
	tr, err := transport.New(wsURL, nil)
	if err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
	defer tr.Close()

	responses := make(chan *sip.Response, 1)
	tr.OnMessage(func(data []byte) {
		msg, err := sip.ParseMessage(data)
		if err != nil {
			fmt.Printf("  unparseable frame (%d bytes): %v\n", len(data), err)
			return
		}
		if res, ok := msg.(*sip.Response); ok {
			select {
			case responses <- res:
			default:
			}
		}
	})
	tr.OnClose(func(err error) { fmt.Printf("  connection closed: %v\n", err) })

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	start := time.Now()
	if err := tr.Connect(ctx); err != nil {
		fmt.Printf("ERROR connecting: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("  Connected in %v\n", time.Since(start).Round(time.Millisecond))

	fmt.Println("[3/3] Sending OPTIONS...")
	req := options(target, wsURL)
	start = time.Now()
	if err := tr.Send([]byte(req.String())); err != nil {
		fmt.Printf("ERROR sending: %v\n", err)
		os.Exit(1)
	}

	select {
	case res := <-responses:
		fmt.Printf("  %d %s in %v\n", res.StatusCode, res.Reason, time.Since(start).Round(time.Millisecond))
		if h := res.GetHeader("Allow"); h != nil {
			fmt.Printf("  Allow: %s\n", h.Value())
		}
		if h := res.GetHeader("Server"); h != nil {
			fmt.Printf("  Server: %s\n", h.Value())
		}
	case <-ctx.Done():
		fmt.Printf("No response: %v\n", ctx.Err())
		os.Exit(1)
	}
}

func options(target sip.Uri, wsURL string) *sip.Request {
	transportName := "WSS"
	if strings.HasPrefix(wsURL, "ws://") {
		transportName = "WS"
	}
	host := strings.ReplaceAll(uuid.NewString(), "-", "")[:12] + ".invalid"

	req := sip.NewRequest(sip.OPTIONS, sip.Uri{Scheme: "sip", Host: target.Host})
	req.AppendHeader(&sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       transportName,
		Host:            host,
		Params:          sip.NewParams().Add("branch", "z9hG4bK"+strings.ReplaceAll(uuid.NewString(), "-", "")),
	})
	mf := sip.MaxForwardsHeader(70)
	req.AppendHeader(&mf)
	req.AppendHeader(&sip.FromHeader{Address: target, Params: sip.NewParams().Add("tag", uuid.NewString()[:8])})
	req.AppendHeader(&sip.ToHeader{Address: target, Params: sip.NewParams()})
	cid := sip.CallIDHeader(uuid.NewString())
	req.AppendHeader(&cid)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.OPTIONS})
	req.AppendHeader(sip.NewHeader("Accept", "application/sdp"))
	req.SetBody(nil)
	return req
}
