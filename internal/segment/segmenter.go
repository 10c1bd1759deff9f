// Package segment turns a live microphone stream into discrete utterances.
//
// The single primitive is RecordUntilSilence: capture fixed-duration frames,
// classify each as speech or not, and return the PCM span between the first
// sustained speech and the configured trailing silence. Wake-word spotting
// and full conversational turns are both parameterizations of this one
// routine, not separate implementations.
package segment

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/voicepi/voicepi/pkg/audio"
	"github.com/voicepi/voicepi/pkg/audio/capture"
	"github.com/voicepi/voicepi/pkg/provider/vad"
)

// Config holds the capture format shared by every recording.
type Config struct {
	// SampleRate in Hz. Defaults to 16000.
	SampleRate int

	// FrameDuration is the per-frame length in milliseconds. Defaults to 30.
	FrameDuration int

	// Mode is the voice-activity aggressiveness, 0 (lenient) to 3 (strict).
	// Defaults to 2.
	Mode int
}

func (c Config) withDefaults() Config {
	if c.SampleRate == 0 {
		c.SampleRate = 16000
	}
	if c.FrameDuration == 0 {
		c.FrameDuration = 30
	}
	return c
}

// Params tunes a single RecordUntilSilence call. Zero values fall back to
// conversational defaults.
type Params struct {
	// MaxDuration is the hard cap on a recording. Defaults to 8s.
	MaxDuration time.Duration

	// StartTimeout bounds the wait for speech to begin. Defaults to 3s.
	StartTimeout time.Duration

	// EndSilence is the trailing silence that terminates an utterance.
	// Defaults to 800ms.
	EndSilence time.Duration

	// MinRMS is the per-frame energy floor. A frame only counts as speech
	// when the classifier votes speech AND its RMS reaches this floor.
	// Defaults to 300.
	MinRMS float64

	// MinSpeechFrames is the number of consecutive speech frames required
	// before an utterance is considered started. Defaults to 3.
	MinSpeechFrames int
}

func (p Params) withDefaults() Params {
	if p.MaxDuration == 0 {
		p.MaxDuration = 8 * time.Second
	}
	if p.StartTimeout == 0 {
		p.StartTimeout = 3 * time.Second
	}
	if p.EndSilence == 0 {
		p.EndSilence = 800 * time.Millisecond
	}
	if p.MinRMS == 0 {
		p.MinRMS = 300
	}
	if p.MinSpeechFrames < 1 {
		p.MinSpeechFrames = 3
	}
	return p
}

// Segmenter records utterances from a capture device using a voice-activity
// engine. Safe for sequential use; the microphone is a singly-owned resource
// so callers must not overlap recordings.
type Segmenter struct {
	device capture.Device
	engine vad.Engine
	cfg    Config
	logger *slog.Logger
}

// Option configures a Segmenter.
type Option func(*Segmenter)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Segmenter) { s.logger = l }
}

// New creates a Segmenter.
func New(device capture.Device, engine vad.Engine, cfg Config, opts ...Option) *Segmenter {
	s := &Segmenter{
		device: device,
		engine: engine,
		cfg:    cfg.withDefaults(),
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Format describes the PCM produced by RecordUntilSilence.
func (s *Segmenter) Format() audio.Format {
	return audio.Format{SampleRate: s.cfg.SampleRate, Channels: 1}
}

// RecordUntilSilence captures one utterance and returns its PCM, which is
// empty when speech never started within StartTimeout. The capture device
// and classifier session are always released before returning.
//
// Timing decisions use frame capture timestamps, so a backlogged frame
// channel does not shorten the recording. A wall-clock guard slightly past
// MaxDuration prevents a stalled device from hanging the call forever.
func (s *Segmenter) RecordUntilSilence(ctx context.Context, p Params) ([]byte, error) {
	p = p.withDefaults()

	stream, err := s.device.Open(ctx, capture.Config{
		SampleRate:    s.cfg.SampleRate,
		FrameDuration: s.cfg.FrameDuration,
	})
	if err != nil {
		return nil, fmt.Errorf("segment: open capture: %w", err)
	}
	defer stream.Close()

	session, err := s.engine.NewSession(vad.Config{
		SampleRate:  s.cfg.SampleRate,
		FrameSizeMs: s.cfg.FrameDuration,
		Mode:        s.cfg.Mode,
	})
	if err != nil {
		return nil, fmt.Errorf("segment: new classifier session: %w", err)
	}
	defer session.Close()

	guard := time.NewTimer(p.MaxDuration + p.StartTimeout + time.Second)
	defer guard.Stop()

	var (
		collected     [][]byte
		pending       [][]byte
		speechStarted bool
		lastVoice     time.Duration
	)
	result := func() []byte { return bytes.Join(collected, nil) }

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case <-guard.C:
			s.logger.Warn("capture stalled, returning early", "collected_bytes", len(result()))
			return result(), nil

		case frame, ok := <-stream.Frames():
			if !ok {
				return result(), nil
			}
			now := frame.Timestamp
			if now > p.MaxDuration {
				return result(), nil
			}

			event, err := session.ProcessFrame(frame.PCM)
			if err != nil {
				return nil, fmt.Errorf("segment: classify frame: %w", err)
			}
			isSpeech := event.Speech && audio.RMS(frame.PCM) >= p.MinRMS

			if isSpeech {
				pending = append(pending, frame.PCM)
				if len(pending) > p.MinSpeechFrames {
					pending = pending[1:]
				}
				switch {
				case speechStarted:
					lastVoice = now
					collected = append(collected, frame.PCM)
				case len(pending) >= p.MinSpeechFrames:
					speechStarted = true
					lastVoice = now
					collected = append(collected, pending...)
					pending = nil
				}
			} else {
				// A lone silent frame drains the pre-roll buffer but does
				// not reset an utterance already in progress.
				pending = nil
				if speechStarted {
					collected = append(collected, frame.PCM)
				}
			}

			if !speechStarted && now > p.StartTimeout {
				return nil, nil
			}
			if speechStarted && now-lastVoice >= p.EndSilence {
				return result(), nil
			}
		}
	}
}
