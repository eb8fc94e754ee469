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
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/tejzpr/sipua-go-sdk/sipsdk"
)

// SDP types carried by a RemoteStream.
const (
	SDPOffer  = "offer"
	SDPAnswer = "answer"
)

// RemoteStream is the remote half of the media negotiation.
type RemoteStream struct {
	Type string
	SDP  string
}

// LocalMedia is the handle to acquired capture. Disabling it mutes the call.
type LocalMedia interface {
	SetEnabled(enabled bool)
	Enabled() bool
}

// MediaController acquires and releases the audio of one call.
type MediaController interface {
	// Acquire opens local capture. It fails with *MediaAccessError when no
	// usable device exists.
	Acquire(ctx context.Context, constraints MediaConstraints) (LocalMedia, error)
	// BindRemote attaches the remote stream to playback. Last write wins.
	BindRemote(stream RemoteStream) error
	// Release stops capture and detaches playback. It is idempotent.
	Release()
}

// SDPNegotiator produces local session descriptions.
type SDPNegotiator interface {
	CreateOffer(ctx context.Context) (string, error)
	CreateAnswer(ctx context.Context, offer string) (string, error)
}

// MediaSession is the per-call media handle used by a CallSession.
type MediaSession interface {
	MediaController
	SDPNegotiator
}

// MediaFactory creates the media of one call from its ICE configuration.
type MediaFactory func(ice IceConfiguration) (MediaSession, error)

// PeerMediaConfig configures PeerMedia.
type PeerMediaConfig struct {
	// Device is the capture source. Default: SilenceDevice.
	Device AudioDevice
	// Sink receives remote audio. Default: DiscardSink.
	Sink PlaybackSink
	// GatherTimeout bounds ICE gathering while building an offer or answer.
	GatherTimeout time.Duration
	Logger        sipsdk.Logger
}

// DefaultPeerMediaConfig returns a PeerMediaConfig with sensible defaults.
func DefaultPeerMediaConfig() *PeerMediaConfig {
	return &PeerMediaConfig{
		Device:        SilenceDevice{},
		Sink:          DiscardSink{},
		GatherTimeout: 10 * time.Second,
	}
}

// NewPeerMediaFactory returns a MediaFactory producing PeerMedia.
func NewPeerMediaFactory(config *PeerMediaConfig) MediaFactory {
	return func(ice IceConfiguration) (MediaSession, error) {
		return NewPeerMedia(ice, config)
	}
}

// PeerMedia is a MediaSession backed by a pion PeerConnection carrying one
// PCMU audio track.
type PeerMedia struct {
	mu      sync.Mutex
	pc      *webrtc.PeerConnection
	config  *PeerMediaConfig
	logger  sipsdk.Logger
	track   *webrtc.TrackLocalStaticRTP
	capture AudioCapture
	sink    PlaybackSink
	enabled atomic.Bool

	stop        chan struct{}
	sendDone    chan struct{}
	releaseOnce sync.Once
}

// captureDrainTimeout bounds how long Release waits for a ReadFrame in
// progress before closing the capture.
const captureDrainTimeout = time.Second

// NewPeerMedia builds the PeerConnection. Capture does not start until
// Acquire.
func NewPeerMedia(ice IceConfiguration, config *PeerMediaConfig) (*PeerMedia, error) {
	if config == nil {
		config = DefaultPeerMediaConfig()
	}
	if config.Device == nil {
		config.Device = SilenceDevice{}
	}
	if config.GatherTimeout <= 0 {
		config.GatherTimeout = 10 * time.Second
	}

	// PCMU and PCMA only. Gateways in front of PSTN trunks rarely accept
	// anything else.
	m := &webrtc.MediaEngine{}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMU, ClockRate: 8000},
		PayloadType:        0,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("failed to register PCMU: %w", err)
	}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMA, ClockRate: 8000},
		PayloadType:        8,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("failed to register PCMA: %w", err)
	}

	// Early media can arrive before the answer is applied.
	settings := webrtc.SettingEngine{}
	settings.SetHandleUndeclaredSSRCWithoutAnswer(true)

	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, fmt.Errorf("failed to register default interceptors: %w", err)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithSettingEngine(settings),
		webrtc.WithInterceptorRegistry(i),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: toWebRTC(ice)})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	pm := &PeerMedia{
		pc:     pc,
		config: config,
		logger: sipsdk.LoggerOrDefault(config.Logger),
		stop:   make(chan struct{}),
	}
	pm.enabled.Store(true)

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		pm.logger.Printf("PeerMedia: connection state %s", s.String())
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		pm.logger.Printf("PeerMedia: remote track codec=%s ssrc=%d", track.Codec().MimeType, track.SSRC())
		go pm.playback(track)
	})

	return pm, nil
}

func toWebRTC(ice IceConfiguration) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(ice))
	for _, s := range ice {
		srv := webrtc.ICEServer{URLs: append([]string(nil), s.URLs...), Username: s.Username}
		if s.Credential != "" {
			srv.Credential = s.Credential
		}
		out = append(out, srv)
	}
	return out
}

// Acquire opens the capture device and adds the local audio track.
func (pm *PeerMedia) Acquire(ctx context.Context, constraints MediaConstraints) (LocalMedia, error) {
	if !constraints.Audio {
		return nil, &MediaAccessError{Reason: "no audio requested"}
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()
	if pm.track != nil {
		return pm, nil
	}

	capture, err := pm.config.Device.Open(ctx)
	if err != nil {
		var mae *MediaAccessError
		if errors.As(err, &mae) {
			return nil, err
		}
		return nil, &MediaAccessError{Reason: "device unavailable", Err: err}
	}

	track, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMU, ClockRate: 8000},
		"audio",
		"sipua",
	)
	if err != nil {
		capture.Close()
		return nil, fmt.Errorf("failed to create audio track: %w", err)
	}

	transceiver, err := pm.pc.AddTransceiverFromTrack(track,
		webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionSendrecv},
	)
	if err != nil {
		capture.Close()
		return nil, fmt.Errorf("failed to add audio transceiver: %w", err)
	}

	// RTCP must be drained for the interceptors to run.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, rtcpErr := transceiver.Sender().Read(buf); rtcpErr != nil {
				return
			}
		}
	}()

	pm.track = track
	pm.capture = capture
	pm.enabled.Store(!constraints.StartMuted)
	pm.sendDone = make(chan struct{})
	go pm.send(track, capture, pm.sendDone)
	return pm, nil
}

// send paces capture onto the local track every 20ms. A disabled track
// sends silence so the far end keeps its jitter buffer primed.
func (pm *PeerMedia) send(track *webrtc.TrackLocalStaticRTP, capture AudioCapture, done chan struct{}) {
	defer close(done)
	frame := make([]byte, frameSamples)
	silence := make([]byte, frameSamples)
	fillSilence(silence)

	var seq uint16
	var ts uint32
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-pm.stop:
			return
		case <-ticker.C:
		}

		payload := silence
		if pm.enabled.Load() {
			if err := capture.ReadFrame(frame); err != nil {
				pm.logger.Printf("PeerMedia: capture error: %v", err)
				return
			}
			payload = frame
		}

		seq++
		ts += frameSamples
		if err := track.WriteRTP(&rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				PayloadType:    0,
				SequenceNumber: seq,
				Timestamp:      ts,
				Marker:         seq == 1,
			},
			Payload: payload,
		}); err != nil {
			pm.logger.Printf("PeerMedia: write error after %d packets: %v", seq, err)
			return
		}
	}
}

// playback reads the remote track into whichever sink is bound.
func (pm *PeerMedia) playback(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		n, _, err := track.Read(buf)
		if err != nil {
			return
		}
		pm.mu.Lock()
		sink := pm.sink
		pm.mu.Unlock()
		if sink == nil {
			continue
		}
		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}
		if err := sink.WritePacket(pkt); err != nil {
			pm.logger.Printf("PeerMedia: playback error: %v", err)
		}
	}
}

// CreateOffer builds the local offer and waits for ICE gathering.
func (pm *PeerMedia) CreateOffer(ctx context.Context) (string, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	offer, err := pm.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create offer: %w", err)
	}
	return pm.settleLocal(ctx, offer)
}

// CreateAnswer applies a remote offer and builds the answer.
func (pm *PeerMedia) CreateAnswer(ctx context.Context, offer string) (string, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if err := pm.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  fixIncomingSdp(offer),
	}); err != nil {
		return "", fmt.Errorf("failed to set remote offer: %w", err)
	}
	answer, err := pm.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create answer: %w", err)
	}
	return pm.settleLocal(ctx, answer)
}

func (pm *PeerMedia) settleLocal(ctx context.Context, desc webrtc.SessionDescription) (string, error) {
	gatherComplete := webrtc.GatheringCompletePromise(pm.pc)
	if err := pm.pc.SetLocalDescription(desc); err != nil {
		return "", fmt.Errorf("failed to set local description: %w", err)
	}

	timer := time.NewTimer(pm.config.GatherTimeout)
	defer timer.Stop()
	select {
	case <-gatherComplete:
	case <-timer.C:
		pm.logger.Printf("PeerMedia: ICE gathering timed out, using candidates so far")
	case <-ctx.Done():
		return "", ctx.Err()
	}

	local := pm.pc.LocalDescription()
	if local == nil {
		return "", fmt.Errorf("local description is nil after gathering")
	}
	return local.SDP, nil
}

// BindRemote applies a remote answer and attaches playback. A repeated
// answer once the connection is stable is ignored.
func (pm *PeerMedia) BindRemote(stream RemoteStream) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if stream.Type == SDPAnswer && stream.SDP != "" {
		if pm.pc.SignalingState() == webrtc.SignalingStateStable {
			pm.logger.Printf("PeerMedia: ignoring duplicate SDP answer (signaling state already stable)")
		} else if err := pm.pc.SetRemoteDescription(webrtc.SessionDescription{
			Type: webrtc.SDPTypeAnswer,
			SDP:  fixIncomingSdp(stream.SDP),
		}); err != nil {
			return fmt.Errorf("failed to set remote answer: %w", err)
		}
	}

	pm.sink = pm.config.Sink
	if pm.sink == nil {
		pm.sink = DiscardSink{}
	}
	return nil
}

// SetEnabled implements LocalMedia.
func (pm *PeerMedia) SetEnabled(enabled bool) { pm.enabled.Store(enabled) }

// Enabled implements LocalMedia.
func (pm *PeerMedia) Enabled() bool { return pm.enabled.Load() }

// ConnectionState returns the PeerConnection state.
func (pm *PeerMedia) ConnectionState() webrtc.PeerConnectionState {
	return pm.pc.ConnectionState()
}

// Release stops capture, detaches playback and closes the PeerConnection.
func (pm *PeerMedia) Release() {
	pm.releaseOnce.Do(func() {
		close(pm.stop)
		pm.mu.Lock()
		capture := pm.capture
		done := pm.sendDone
		pm.capture = nil
		pm.sink = nil
		pm.mu.Unlock()

		// The sender may be inside ReadFrame.
		if done != nil {
			select {
			case <-done:
			case <-time.After(captureDrainTimeout):
				pm.logger.Printf("PeerMedia: capture still reading after %v, closing anyway", captureDrainTimeout)
			}
		}
		if capture != nil {
			if err := capture.Close(); err != nil {
				pm.logger.Printf("PeerMedia: capture close: %v", err)
			}
		}
		if err := pm.pc.Close(); err != nil {
			pm.logger.Printf("PeerMedia: failed to close peer connection: %v", err)
		}
	})
}
