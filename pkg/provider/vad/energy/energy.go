// Package energy provides a pure-Go VAD engine based on frame energy with an
// adaptive noise floor.
//
// Each session tracks a slowly-rising, quickly-falling estimate of the
// background noise level and votes speech when a frame's RMS energy clears
// the floor by a mode-dependent ratio. A zero-crossing-rate guard rejects
// high-energy broadband clicks (keyboard taps, door slams) that exceed the
// energy threshold but do not resemble voiced speech.
//
// The engine produces a stateless per-frame vote; utterance-level smoothing
// (consecutive-frame counts, pre-roll) is the segmenter's job.
package energy

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/voicepi/voicepi/pkg/provider/vad"
)

// Compile-time assertion that *Engine satisfies vad.Engine.
var _ vad.Engine = (*Engine)(nil)

// modeParams maps aggressiveness mode → (floor ratio, absolute RMS minimum).
// Higher modes demand more energy over the noise floor before voting speech.
var modeParams = [4]struct {
	ratio  float64
	minRMS float64
}{
	{ratio: 1.5, minRMS: 80},
	{ratio: 2.0, minRMS: 120},
	{ratio: 2.8, minRMS: 180},
	{ratio: 3.8, minRMS: 260},
}

const (
	// floorDecay is the per-frame exponential smoothing factor applied when
	// the frame energy is below the current floor (fast adaptation down).
	floorDecay = 0.3

	// floorRise is the smoothing factor applied when the frame energy is
	// above the floor (slow adaptation up, so speech does not raise it).
	floorRise = 0.02

	// initialFloor seeds the noise estimate before any frames are seen.
	initialFloor = 100.0

	// maxZeroCrossRate is the zero-crossing rate (fraction of adjacent
	// sample pairs with a sign change) above which a high-energy frame is
	// treated as a broadband click rather than speech. Voiced speech at
	// 16 kHz sits well below this.
	maxZeroCrossRate = 0.35
)

// Engine implements vad.Engine using adaptive energy thresholding. The
// zero-value Engine is not usable; construct with New.
type Engine struct{}

// New creates an energy VAD engine. The engine itself is stateless; all
// detection state lives in the sessions it creates.
func New() *Engine {
	return &Engine{}
}

// NewSession creates a detection session for a single audio stream.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("energy: invalid sample rate %d", cfg.SampleRate)
	}
	if cfg.FrameSizeMs <= 0 {
		return nil, fmt.Errorf("energy: invalid frame size %dms", cfg.FrameSizeMs)
	}
	if cfg.Mode < 0 || cfg.Mode > 3 {
		return nil, fmt.Errorf("energy: mode %d out of range [0,3]", cfg.Mode)
	}
	return &session{
		frameBytes: cfg.SampleRate * cfg.FrameSizeMs / 1000 * 2,
		params:     modeParams[cfg.Mode],
		floor:      initialFloor,
	}, nil
}

// session holds the per-stream adaptive state. Not safe for concurrent use.
type session struct {
	frameBytes int
	params     struct {
		ratio  float64
		minRMS float64
	}
	floor  float64
	closed bool
}

// ProcessFrame classifies one frame. The vote is independent of previous
// votes; only the noise floor carries state between frames.
func (s *session) ProcessFrame(frame []byte) (vad.Event, error) {
	if s.closed {
		return vad.Event{}, errors.New("energy: session is closed")
	}
	if len(frame) != s.frameBytes {
		return vad.Event{}, fmt.Errorf("energy: frame is %d bytes, want %d", len(frame), s.frameBytes)
	}

	rms, zcr := frameStats(frame)

	// Track the noise floor: fall quickly toward quiet frames, rise slowly
	// through loud ones so sustained speech cannot drag it up.
	if rms < s.floor {
		s.floor += (rms - s.floor) * floorDecay
	} else {
		s.floor += (rms - s.floor) * floorRise
	}
	if s.floor < 1 {
		s.floor = 1
	}

	threshold := s.floor * s.params.ratio
	if threshold < s.params.minRMS {
		threshold = s.params.minRMS
	}

	speech := rms >= threshold && zcr <= maxZeroCrossRate
	prob := rms / (threshold * 2)
	if prob > 1 {
		prob = 1
	}
	if !speech {
		prob = math.Min(prob, 0.49)
	}
	return vad.Event{Speech: speech, Probability: prob}, nil
}

// Reset clears the adaptive noise floor back to its initial seed.
func (s *session) Reset() {
	s.floor = initialFloor
}

// Close marks the session unusable. Safe to call more than once.
func (s *session) Close() error {
	s.closed = true
	return nil
}

// frameStats computes the RMS energy (native 16-bit units) and the
// zero-crossing rate of a PCM frame in a single pass.
func frameStats(frame []byte) (rms, zcr float64) {
	n := len(frame) / 2
	if n == 0 {
		return 0, 0
	}
	var sum float64
	var crossings int
	var prev int16
	for i := range n {
		s := int16(binary.LittleEndian.Uint16(frame[i*2 : i*2+2]))
		sum += float64(s) * float64(s)
		if i > 0 && ((prev >= 0) != (s >= 0)) {
			crossings++
		}
		prev = s
	}
	rms = math.Sqrt(sum / float64(n))
	if n > 1 {
		zcr = float64(crossings) / float64(n-1)
	}
	return rms, zcr
}
