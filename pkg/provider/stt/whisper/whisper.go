// Package whisper provides a local whisper.cpp-backed Recognizer using the
// whisper.cpp CGO bindings. The whisper.cpp static library (libwhisper.a)
// and headers (whisper.h) must be available at link time via LIBRARY_PATH
// and C_INCLUDE_PATH environment variables.
//
// The model is loaded once at startup and shared across all Transcribe
// calls; each call creates its own whisper context, so concurrent
// recognition is safe. A small silent warm-up inference is run at
// construction to absorb first-call decoder latency, which matters for the
// wake-word loop where the first real utterance should not pay a cold-start
// penalty.
package whisper

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/voicepi/voicepi/pkg/provider/stt"
)

const defaultLanguage = "en"

// warmUpSamples is the length of the silent buffer run through the decoder
// at construction (100 ms at 16 kHz).
const warmUpSamples = 1600

// Compile-time assertion that Recognizer satisfies stt.Recognizer.
var _ stt.Recognizer = (*Recognizer)(nil)

// Option is a functional option for configuring a Recognizer.
type Option func(*Recognizer)

// WithLanguage sets the language code passed to whisper.cpp (e.g., "en",
// "de"). Defaults to "en".
func WithLanguage(lang string) Option {
	return func(r *Recognizer) { r.language = lang }
}

// WithVocabulary constrains recognition toward the given phrases by passing
// them as an initial prompt to the decoder. Useful for wake-word spotting
// where only a handful of keywords matter. An empty slice leaves the decoder
// unconstrained.
func WithVocabulary(phrases []string) Option {
	return func(r *Recognizer) {
		kept := phrases[:0:0]
		for _, p := range phrases {
			if s := strings.TrimSpace(p); s != "" {
				kept = append(kept, s)
			}
		}
		r.vocabulary = kept
	}
}

// Recognizer implements stt.Recognizer backed by a local whisper.cpp model.
type Recognizer struct {
	model      whisperlib.Model
	language   string
	vocabulary []string
}

// New loads the whisper.cpp model from modelPath and warms up the decoder.
// The caller must call Close when the recognizer is no longer needed.
func New(modelPath string, opts ...Option) (*Recognizer, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}
	r := &Recognizer{
		model:    model,
		language: defaultLanguage,
	}
	for _, o := range opts {
		o(r)
	}
	r.warmUp()
	return r, nil
}

// Close releases the whisper model.
func (r *Recognizer) Close() error {
	if r.model != nil {
		return r.model.Close()
	}
	return nil
}

// Transcribe runs batch inference on a complete utterance. An utterance
// whisper decodes to nothing returns an empty Result with a nil error.
func (r *Recognizer) Transcribe(ctx context.Context, pcm []byte, _ int) (stt.Result, error) {
	if err := ctx.Err(); err != nil {
		return stt.Result{}, fmt.Errorf("whisper: context cancelled: %w", err)
	}
	if len(pcm) == 0 {
		return stt.Result{}, nil
	}
	text, err := r.infer(pcmToFloat32(pcm))
	if err != nil {
		return stt.Result{}, err
	}
	return stt.Result{Text: text}, nil
}

// infer creates a fresh whisper context (contexts are not thread-safe, the
// model is), runs inference, and concatenates all decoded segments.
func (r *Recognizer) infer(samples []float32) (string, error) {
	wctx, err := r.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("whisper: create context: %w", err)
	}

	if err := wctx.SetLanguage(r.language); err != nil {
		return "", fmt.Errorf("whisper: set language %q: %w", r.language, err)
	}
	if len(r.vocabulary) > 0 {
		wctx.SetInitialPrompt(strings.Join(r.vocabulary, ", "))
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("whisper: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("whisper: read segment: %w", err)
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " "), nil
}

// warmUp pushes a short silent buffer through the decoder. Failures are
// ignored; the first real inference simply pays the cost instead.
func (r *Recognizer) warmUp() {
	_, _ = r.infer(make([]float32, warmUpSamples))
}

// pcmToFloat32 converts 16-bit signed little-endian PCM audio to float32
// samples normalised to the range [-1.0, 1.0]. Any trailing odd byte is
// silently ignored.
func pcmToFloat32(pcm []byte) []float32 {
	n := len(pcm) / 2
	samples := make([]float32, n)
	for i := range n {
		sample := int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
		samples[i] = float32(sample) / 32768.0
	}
	return samples
}
