/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/tejzpr/sipua-go-sdk/sipsdk"
)

// ---- Enums / Constants ----

// RegistrationState is the state of a SIP registration
type RegistrationState string

const (
	RegistrationUnregistered RegistrationState = "Unregistered"
	RegistrationRegistering  RegistrationState = "Registering"
	RegistrationRegistered   RegistrationState = "Registered"
	RegistrationFailed       RegistrationState = "Failed"
)

// CallDirection indicates whether a call is inbound or outbound
type CallDirection string

const (
	CallDirectionInbound  CallDirection = "inbound"
	CallDirectionOutbound CallDirection = "outbound"
)

// DTMFDigits is the set of digits accepted by SendDTMF.
const DTMFDigits = "0123456789*#ABCD"

// ---- Data Model ----

// Registration is a SIP identity and the state of its registration.
type Registration struct {
	SIPURI      string
	Password    string
	DisplayName string

	// State and RetryInterval are filled in on snapshots returned by
	// RegistrationManager and ignored on input.
	State         RegistrationState
	RetryInterval time.Duration
}

// RemoteParty identifies the other end of a call
type RemoteParty struct {
	Number string
	Name   string
}

// ICEServer is a STUN or TURN server descriptor
type ICEServer struct {
	URLs       []string
	Username   string
	Credential string
}

// IceConfiguration is the ordered list of ICE servers offered during media
// negotiation. A session keeps its own copy.
type IceConfiguration []ICEServer

// DefaultICEServers are the public STUN servers used when no override is given.
var DefaultICEServers = IceConfiguration{
	{URLs: []string{"stun:stun.l.google.com:19302"}},
	{URLs: []string{"stun:stun1.l.google.com:19302"}},
}

// NewIceConfiguration returns the defaults followed by the overrides. The
// result shares no memory with either input.
func NewIceConfiguration(overrides ...ICEServer) IceConfiguration {
	out := make(IceConfiguration, 0, len(DefaultICEServers)+len(overrides))
	for _, s := range DefaultICEServers {
		out = append(out, s.clone())
	}
	for _, s := range overrides {
		out = append(out, s.clone())
	}
	return out
}

func (s ICEServer) clone() ICEServer {
	s.URLs = append([]string(nil), s.URLs...)
	return s
}

// MediaConstraints describes the local capture requested for a call
type MediaConstraints struct {
	// Audio requests a capture device. It is the only kind supported.
	Audio bool
	// StartMuted acquires the device with the track disabled.
	StartMuted bool
}

// DefaultMediaConstraints requests audio only.
func DefaultMediaConstraints() MediaConstraints {
	return MediaConstraints{Audio: true}
}

// CallOptions holds per-call settings for MakeCall
type CallOptions struct {
	// ExtraHeaders are added to the INVITE as is.
	ExtraHeaders map[string]string
	// ICEServers are appended after the defaults for this call only.
	ICEServers []ICEServer
	// Constraints for local media acquisition. Audio is always requested.
	Constraints MediaConstraints
}

// ---- Configuration ----

// Config holds configuration for the calling client
type Config struct {
	// Logger for SDK operations. If nil, log.Default() is used.
	Logger sipsdk.Logger

	// UserAgent is sent in the User-Agent header
	UserAgent string

	// RegisterExpires is the requested registration lifetime
	RegisterExpires time.Duration

	// RetryFloor and RetryCeiling bound the registration retry interval
	RetryFloor   time.Duration
	RetryCeiling time.Duration

	// TransactionTimeout bounds the wait for a final response
	TransactionTimeout time.Duration

	// ICEServers are appended after DefaultICEServers for every call
	ICEServers []ICEServer

	// DTMFDuration is the tone duration sent with each digit
	DTMFDuration time.Duration

	// MetricsRegisterer receives the client's collectors. If nil, a private
	// registry is used.
	MetricsRegisterer prometheus.Registerer

	// MediaFactory creates the media stack for a call. If nil, PeerMedia
	// with a SilenceDevice and a DiscardSink is used.
	MediaFactory MediaFactory

	// QueueSize is the capacity of the inbound signaling queue
	QueueSize int
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		UserAgent:          "sipua-go-sdk/1.0",
		RegisterExpires:    600 * time.Second,
		RetryFloor:         2 * time.Second,
		RetryCeiling:       30 * time.Second,
		TransactionTimeout: 32 * time.Second,
		DTMFDuration:       100 * time.Millisecond,
		QueueSize:          256,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c *Config) withDefaults() *Config {
	d := DefaultConfig()
	if c == nil {
		return d
	}
	out := *c
	if out.UserAgent == "" {
		out.UserAgent = d.UserAgent
	}
	if out.RegisterExpires <= 0 {
		out.RegisterExpires = d.RegisterExpires
	}
	if out.RetryFloor <= 0 {
		out.RetryFloor = d.RetryFloor
	}
	if out.RetryCeiling < out.RetryFloor {
		out.RetryCeiling = d.RetryCeiling
		if out.RetryCeiling < out.RetryFloor {
			out.RetryCeiling = out.RetryFloor
		}
	}
	if out.TransactionTimeout <= 0 {
		out.TransactionTimeout = d.TransactionTimeout
	}
	if out.DTMFDuration <= 0 {
		out.DTMFDuration = d.DTMFDuration
	}
	if out.QueueSize <= 0 {
		out.QueueSize = d.QueueSize
	}
	return &out
}
