/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package main is an interactive softphone built on the SIP user agent SDK.
// It registers one identity over a SIP WebSocket gateway and drives calls
// from commands typed on stdin.
//
// Usage:
//
//	SIPUA_WS_URL=wss://gw.example.com/ws \
//	SIPUA_SIP_URI=sip:1001@voice.example.com \
//	SIPUA_PASSWORD=secret \
//	go run ./cmd/softphone
//
// Credentials can instead be fetched from the credential service with
// SIPUA_CREDENTIALS_URL, SIPUA_CREDENTIALS_TOKEN and SIPUA_STAFF_ID.
// Prometheus metrics are served on SIPUA_METRICS_ADDR (default :9095).
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tejzpr/sipua-go-sdk/calling"
	"github.com/tejzpr/sipua-go-sdk/credentials"
	"github.com/tejzpr/sipua-go-sdk/sipsdk"
	"github.com/tejzpr/sipua-go-sdk/transport"
)

type options struct {
	wsURL            string
	sipURI           string
	password         string
	displayName      string
	sipDomain        string
	credentialsURL   string
	credentialsToken string
	sealingKey       string
	staffID          string
	metricsAddr      string
	turnURL          string
	turnUser         string
	turnPass         string
	pcmIn            string
	pcmOut           string
}

func env(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func parseOptions() *options {
	o := &options{}
	flag.StringVar(&o.wsURL, "ws", env("SIPUA_WS_URL", ""), "SIP WebSocket gateway URL (ws:// or wss://)")
	flag.StringVar(&o.sipURI, "uri", env("SIPUA_SIP_URI", ""), "SIP address of record")
	flag.StringVar(&o.password, "password", env("SIPUA_PASSWORD", ""), "SIP password")
	flag.StringVar(&o.displayName, "name", env("SIPUA_DISPLAY_NAME", ""), "display name")
	flag.StringVar(&o.sipDomain, "domain", env("SIPUA_SIP_DOMAIN", ""), "SIP domain for fetched credentials")
	flag.StringVar(&o.credentialsURL, "credentials-url", env("SIPUA_CREDENTIALS_URL", ""), "credential service base URL")
	flag.StringVar(&o.credentialsToken, "credentials-token", env("SIPUA_CREDENTIALS_TOKEN", ""), "credential service bearer token")
	flag.StringVar(&o.sealingKey, "sealing-key", env("SIPUA_SEALING_KEY", ""), "base64url key for sealed passwords")
	flag.StringVar(&o.staffID, "staff", env("SIPUA_STAFF_ID", ""), "staff ID whose credentials are fetched")
	flag.StringVar(&o.metricsAddr, "metrics", env("SIPUA_METRICS_ADDR", ":9095"), "metrics listen address, empty to disable")
	flag.StringVar(&o.turnURL, "turn", env("SIPUA_TURN_URL", ""), "TURN server URL")
	flag.StringVar(&o.turnUser, "turn-user", env("SIPUA_TURN_USER", ""), "TURN username")
	flag.StringVar(&o.turnPass, "turn-pass", env("SIPUA_TURN_PASS", ""), "TURN credential")
	flag.StringVar(&o.pcmIn, "pcm-in", "", "raw 8kHz s16le file used as microphone (default silence)")
	flag.StringVar(&o.pcmOut, "pcm-out", "", "raw 8kHz s16le file receiving remote audio")
	flag.Parse()
	return o
}

// registration resolves the identity, fetching it from the credential
// service when a staff ID is configured.
func (o *options) registration(ctx context.Context) (calling.Registration, error) {
	if o.staffID == "" {
		if o.sipURI == "" || o.password == "" {
			return calling.Registration{}, errors.New("SIPUA_SIP_URI and SIPUA_PASSWORD are required without SIPUA_STAFF_ID")
		}
		return calling.Registration{SIPURI: o.sipURI, Password: o.password, DisplayName: o.displayName}, nil
	}

	rest, err := sipsdk.NewClient(o.credentialsToken, &sipsdk.Config{
		BaseURL:        o.credentialsURL,
		Timeout:        15 * time.Second,
		MaxRetries:     3,
		RetryBaseDelay: time.Second,
	})
	if err != nil {
		return calling.Registration{}, fmt.Errorf("credential service: %w", err)
	}
	cfg := credentials.DefaultConfig()
	if o.sealingKey != "" {
		key, err := credentials.ParseKey(o.sealingKey)
		if err != nil {
			return calling.Registration{}, err
		}
		cfg.SealingKey = key
	}
	creds, err := credentials.New(rest, cfg).Fetch(ctx, o.staffID)
	if err != nil {
		return calling.Registration{}, fmt.Errorf("fetching credentials for %s: %w", o.staffID, err)
	}
	return creds.Registration(o.sipDomain, o.displayName), nil
}

// phone holds the interactive state
type phone struct {
	mu      sync.Mutex
	client  *calling.Client
	ringing *calling.IncomingCall
}

func main() {
	opts := parseOptions()
	if opts.wsURL == "" {
		log.Fatal("SIPUA_WS_URL is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg, err := opts.registration(ctx)
	if err != nil {
		log.Fatal(err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	mediaConfig := calling.DefaultPeerMediaConfig()
	if opts.pcmIn != "" {
		f, err := os.Open(opts.pcmIn)
		if err != nil {
			log.Fatalf("opening %s: %v", opts.pcmIn, err)
		}
		mediaConfig.Device = calling.PCMDevice{Reader: f}
	}
	if opts.pcmOut != "" {
		f, err := os.Create(opts.pcmOut)
		if err != nil {
			log.Fatalf("creating %s: %v", opts.pcmOut, err)
		}
		defer f.Close()
		mediaConfig.Sink = &calling.PCMWriterSink{Writer: f}
	}

	config := calling.DefaultConfig()
	config.MetricsRegisterer = registry
	config.MediaFactory = calling.NewPeerMediaFactory(mediaConfig)
	if opts.turnURL != "" {
		config.ICEServers = []calling.ICEServer{{
			URLs:       []string{opts.turnURL},
			Username:   opts.turnUser,
			Credential: opts.turnPass,
		}}
	}

	tr, err := transport.New(opts.wsURL, transport.DefaultConfig())
	if err != nil {
		log.Fatal(err)
	}
	client := calling.New(tr, config)
	p := &phone{client: client}
	p.watch()

	var server *http.Server
	if opts.metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		server = &http.Server{Addr: opts.metricsAddr, Handler: mux}
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("metrics server: %v", err)
			}
		}()
		log.Printf("Metrics at http://localhost%s/metrics", opts.metricsAddr)
	}

	log.Printf("Registering %s via %s", reg.SIPURI, opts.wsURL)
	if err := client.Register(ctx, reg); err != nil {
		// Retryable failures keep retrying in the background.
		var regErr *calling.RegistrationError
		if errors.As(err, &regErr) && regErr.Retryable() {
			log.Printf("Registration failed, retrying: %v", err)
		} else {
			log.Fatalf("Registration failed: %v", err)
		}
	}

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	p.help(os.Stdout)
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case call := <-client.Incoming():
			p.mu.Lock()
			p.ringing = call
			p.mu.Unlock()
			fmt.Printf("Incoming call from %s <%s>. Type 'answer' or 'reject'.\n", call.CallerName, call.CallerNumber)
		case line, ok := <-lines:
			if !ok {
				break loop
			}
			if quit := p.run(ctx, os.Stdout, line); quit {
				break loop
			}
		}
	}

	log.Println("Shutting down...")
	if err := client.Close(); err != nil {
		log.Printf("close: %v", err)
	}
	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("metrics server shutdown error: %v", err)
		}
	}
}

// watch logs registration and call events.
func (p *phone) watch() {
	em := p.client.Emitter()
	em.On(calling.EventRegistered, func(interface{}) { log.Println("Registered") })
	em.On(calling.EventUnregistered, func(interface{}) { log.Println("Unregistered") })
	em.On(calling.EventRegistrationFailed, func(data interface{}) {
		log.Printf("Registration failed: %v", data)
	})
	for _, name := range []string{
		calling.EventConnecting, calling.EventProgress, calling.EventAccepted, calling.EventConfirmed,
		calling.EventHold, calling.EventUnhold,
	} {
		name := name
		em.On(name, func(data interface{}) {
			if ev, ok := data.(*calling.SessionEvent); ok {
				log.Printf("Call %s: %s", ev.SessionID, name)
			}
		})
	}
	em.On(calling.EventEnded, func(data interface{}) {
		if ev, ok := data.(*calling.SessionEvent); ok {
			log.Printf("Call %s ended (%s)", ev.SessionID, ev.Cause)
		}
	})
	em.On(calling.EventFailed, func(data interface{}) {
		if ev, ok := data.(*calling.SessionEvent); ok {
			log.Printf("Call %s failed: %s", ev.SessionID, ev.Cause)
		}
	})
}

func (p *phone) help(w io.Writer) {
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  call <target>       dial a number or SIP URI")
	fmt.Fprintln(w, "  answer | reject     handle the ringing call")
	fmt.Fprintln(w, "  hangup              end the active call")
	fmt.Fprintln(w, "  mute | unmute")
	fmt.Fprintln(w, "  hold | unhold")
	fmt.Fprintln(w, "  dtmf <digits>       send touch tones")
	fmt.Fprintln(w, "  transfer <target>   blind transfer")
	fmt.Fprintln(w, "  status | quit")
}

// run executes one command line and reports whether the user asked to quit.
func (p *phone) run(ctx context.Context, w io.Writer, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]

	switch cmd {
	case "quit", "exit":
		return true
	case "help":
		p.help(w)
		return false
	case "status":
		p.status(w)
		return false
	case "answer", "reject":
		p.mu.Lock()
		call := p.ringing
		p.ringing = nil
		p.mu.Unlock()
		if call == nil {
			fmt.Fprintln(w, "No incoming call.")
			return false
		}
		var err error
		if cmd == "answer" {
			err = call.Answer(ctx)
		} else {
			err = call.Reject()
		}
		report(w, cmd, err)
		return false
	case "call":
		if len(args) != 1 {
			fmt.Fprintln(w, "usage: call <target>")
			return false
		}
		s, err := p.client.MakeCall(ctx, args[0], nil)
		if err != nil {
			report(w, cmd, err)
			return false
		}
		fmt.Fprintf(w, "Calling %s (session %s)\n", args[0], s.ID())
		return false
	}

	s := p.client.ActiveSession()
	if s == nil {
		fmt.Fprintln(w, "No active call.")
		return false
	}
	switch cmd {
	case "hangup":
		report(w, cmd, s.Hangup())
	case "mute":
		s.Mute()
	case "unmute":
		s.Unmute()
	case "hold":
		report(w, cmd, s.Hold())
	case "unhold":
		report(w, cmd, s.Unhold())
	case "dtmf":
		if len(args) != 1 {
			fmt.Fprintln(w, "usage: dtmf <digits>")
			return false
		}
		for _, d := range args[0] {
			if err := s.SendDTMF(string(d)); err != nil {
				report(w, cmd, err)
				break
			}
		}
	case "transfer":
		if len(args) != 1 {
			fmt.Fprintln(w, "usage: transfer <target>")
			return false
		}
		report(w, cmd, s.Transfer(args[0]))
	default:
		fmt.Fprintf(w, "Unknown command %q. Type 'help'.\n", cmd)
	}
	return false
}

func (p *phone) status(w io.Writer) {
	reg := p.client.Registration()
	fmt.Fprintf(w, "Registration: %s %s\n", reg.SIPURI, reg.State)
	s := p.client.ActiveSession()
	if s == nil {
		fmt.Fprintln(w, "No active call.")
		return
	}
	remote := s.RemoteParty()
	fmt.Fprintf(w, "Call %s %s with %s <%s> state=%s muted=%t held=%t duration=%s\n",
		s.ID(), s.Direction(), remote.Name, remote.Number, s.State(), s.IsMuted(), s.IsHeld(),
		s.Duration().Round(time.Second))
}

func report(w io.Writer, cmd string, err error) {
	switch {
	case err == nil:
		return
	case calling.IsConcurrentCallError(err):
		fmt.Fprintln(w, "Another call is in progress.")
	case calling.IsMediaAccessError(err):
		fmt.Fprintf(w, "Microphone unavailable: %v\n", err)
	case calling.IsInvalidStateError(err):
		fmt.Fprintf(w, "Cannot %s now: %v\n", cmd, err)
	default:
		fmt.Fprintf(w, "%s failed: %v\n", cmd, err)
	}
}
