/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/pion/rtp"
	"github.com/zaf/g711"
)

const (
	// frameSamples is 20ms of 8kHz audio, the PCMU packetization used on
	// the wire.
	frameSamples = 160
	silenceULaw  = 0xFF
)

// AudioDevice is a source of outbound audio. Open is where capture
// permission is decided; a device that cannot be used returns an error.
type AudioDevice interface {
	Open(ctx context.Context) (AudioCapture, error)
}

// AudioCapture yields PCMU frames of frameSamples bytes.
type AudioCapture interface {
	ReadFrame(frame []byte) error
	Close() error
}

// PlaybackSink receives inbound RTP audio.
type PlaybackSink interface {
	WritePacket(pkt *rtp.Packet) error
}

// SilenceDevice captures nothing but silence. It is the default device.
type SilenceDevice struct{}

// Open implements AudioDevice.
func (SilenceDevice) Open(context.Context) (AudioCapture, error) {
	return silenceCapture{}, nil
}

type silenceCapture struct{}

func (silenceCapture) ReadFrame(frame []byte) error {
	fillSilence(frame)
	return nil
}

func (silenceCapture) Close() error { return nil }

// DeniedDevice refuses capture, as a microphone without permission would.
type DeniedDevice struct {
	Reason string
}

// Open implements AudioDevice.
func (d DeniedDevice) Open(context.Context) (AudioCapture, error) {
	reason := d.Reason
	if reason == "" {
		reason = "permission denied"
	}
	return nil, &MediaAccessError{Reason: reason}
}

// PCMDevice captures 16-bit little-endian 8kHz mono PCM from Reader and
// encodes it to PCMU. Once Reader is exhausted the device sends silence.
type PCMDevice struct {
	Reader io.Reader
}

// Open implements AudioDevice.
func (d PCMDevice) Open(context.Context) (AudioCapture, error) {
	if d.Reader == nil {
		return nil, &MediaAccessError{Reason: "no PCM source"}
	}
	return &pcmCapture{r: d.Reader, pcm: make([]byte, frameSamples*2)}, nil
}

type pcmCapture struct {
	mu  sync.Mutex
	r   io.Reader
	pcm []byte
	eof bool
}

func (c *pcmCapture) ReadFrame(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.eof {
		fillSilence(frame)
		return nil
	}
	n, err := io.ReadFull(c.r, c.pcm)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return err
	}
	if err != nil {
		c.eof = true
		for i := n; i < len(c.pcm); i++ {
			c.pcm[i] = 0
		}
	}
	copy(frame, g711.EncodeUlaw(c.pcm))
	return nil
}

func (c *pcmCapture) Close() error {
	if closer, ok := c.r.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// DiscardSink drops inbound audio.
type DiscardSink struct{}

// WritePacket implements PlaybackSink.
func (DiscardSink) WritePacket(*rtp.Packet) error { return nil }

// PCMWriterSink decodes PCMU payloads and writes 16-bit little-endian PCM to
// Writer. Other payload types are skipped.
type PCMWriterSink struct {
	mu     sync.Mutex
	Writer io.Writer
}

// WritePacket implements PlaybackSink.
func (s *PCMWriterSink) WritePacket(pkt *rtp.Packet) error {
	if pkt == nil || pkt.PayloadType != 0 || len(pkt.Payload) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.Writer.Write(g711.DecodeUlaw(pkt.Payload))
	return err
}

func fillSilence(frame []byte) {
	for i := range frame {
		frame[i] = silenceULaw
	}
}
