/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package calling is a SIP user agent that signals over a WebSocket
// transport and carries audio over WebRTC. It registers one identity,
// places and receives calls, and supports hold, mute, DTMF and blind
// transfer on a single line.
package calling

import (
	"context"
	"sync"
)

// Client is the top-level calling client. It aggregates registration, the
// call session manager and the event emitter around one transport.
type Client struct {
	config  *Config
	emitter *EventEmitter
	metrics *Metrics

	signaling    *signalingChannel
	registration *RegistrationManager
	sessions     *CallSessionManager

	closeOnce sync.Once
}

// New creates a calling Client over transport. A nil config uses
// DefaultConfig. The transport is connected lazily by Register.
func New(transport SignalingTransport, config *Config) *Client {
	config = config.withDefaults()

	url := ""
	if u, ok := transport.(interface{ URL() string }); ok {
		url = u.URL()
	}
	wire := newWireIdentity(url, config.UserAgent)

	emitter := NewEventEmitter()
	metrics := NewMetrics(config.MetricsRegisterer)
	signaling := &signalingChannel{transport: transport}
	registration := newRegistrationManager(config, signaling, emitter, metrics, wire)
	sessions := newCallSessionManager(config, signaling, registration, emitter, metrics, wire)

	c := &Client{
		config:       config,
		emitter:      emitter,
		metrics:      metrics,
		signaling:    signaling,
		registration: registration,
		sessions:     sessions,
	}

	transport.OnMessage(func(data []byte) {
		sessions.enqueue(func() { sessions.HandleMessage(data) })
	})
	transport.OnClose(func(err error) {
		sessions.enqueue(func() {
			registration.onTransportClosed(err)
			sessions.onTransportClosed(err)
		})
	})
	go sessions.run()

	return c
}

// Emitter returns the event emitter the client reports on. See the Event*
// constants for the names.
func (c *Client) Emitter() *EventEmitter {
	return c.emitter
}

// Metrics returns the client's Prometheus collectors.
func (c *Client) Metrics() *Metrics {
	return c.metrics
}

// Register connects the transport and registers reg.
func (c *Client) Register(ctx context.Context, reg Registration) error {
	return c.registration.Register(ctx, reg)
}

// Unregister removes the registration and stops any retry.
func (c *Client) Unregister() {
	c.registration.Unregister()
}

// Registration returns a snapshot of the registration.
func (c *Client) Registration() Registration {
	return c.registration.Registration()
}

// RegistrationState returns the current registration state.
func (c *Client) RegistrationState() RegistrationState {
	return c.registration.State()
}

// MakeCall places an outbound call. It fails with ErrNotRegistered before
// registration and with *ConcurrentCallError while another call is live.
func (c *Client) MakeCall(ctx context.Context, target string, opts *CallOptions) (*CallSession, error) {
	return c.sessions.MakeCall(ctx, target, opts)
}

// Incoming returns the channel inbound calls are announced on.
func (c *Client) Incoming() <-chan *IncomingCall {
	return c.sessions.Incoming()
}

// ActiveSession returns the live call, or nil.
func (c *Client) ActiveSession() *CallSession {
	return c.sessions.ActiveSession()
}

// Sessions returns the live calls.
func (c *Client) Sessions() []*CallSession {
	return c.sessions.Sessions()
}

// HandleMessage processes one raw SIP frame synchronously. Frames from the
// transport are handled without calling it.
func (c *Client) HandleMessage(data []byte) {
	c.sessions.HandleMessage(data)
}

// Close hangs up the live call, unregisters and closes the transport.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.sessions.Shutdown()
		c.registration.Unregister()
		err = c.signaling.Close()
	})
	return err
}
