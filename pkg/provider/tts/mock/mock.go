// Package mock provides test doubles for the tts.Synthesizer and
// tts.StreamSynthesizer interfaces.
//
// All fields are safe to set before calling any method; mutating them during
// a concurrent call is the caller's responsibility.
package mock

import (
	"context"
	"sync"

	"github.com/voicepi/voicepi/pkg/audio"
	"github.com/voicepi/voicepi/pkg/provider/tts"
)

// Synthesizer is a mock implementation of tts.Synthesizer.
type Synthesizer struct {
	mu sync.Mutex

	// Clip is returned by Synthesize.
	Clip []byte

	// Err, if non-nil, is returned as the error from Synthesize.
	Err error

	// Texts records the text of every Synthesize call in order.
	Texts []string
}

// Synthesize records the call and returns Clip, Err.
func (s *Synthesizer) Synthesize(_ context.Context, text string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Texts = append(s.Texts, text)
	return s.Clip, s.Err
}

var _ tts.Synthesizer = (*Synthesizer)(nil)

// StreamSynthesizer is a mock implementation of tts.StreamSynthesizer.
// For every text fragment consumed it emits ChunkPerText on the audio
// channel, so tests can correlate input fragments with output chunks.
type StreamSynthesizer struct {
	mu sync.Mutex

	// ChunkPerText is the PCM slice emitted for each consumed text fragment.
	ChunkPerText []byte

	// StreamErr, if non-nil, is returned as the error from SynthesizeStream.
	StreamErr error

	// PCMFormat is returned by Format. Zero value defaults to 16 kHz mono.
	PCMFormat audio.Format

	// Texts records every text fragment consumed across all streams.
	Texts []string

	// StreamCalls is the number of times SynthesizeStream was called.
	StreamCalls int
}

// SynthesizeStream consumes the text channel, recording fragments and
// emitting ChunkPerText for each one.
func (s *StreamSynthesizer) SynthesizeStream(ctx context.Context, text <-chan string) (<-chan []byte, error) {
	s.mu.Lock()
	s.StreamCalls++
	if s.StreamErr != nil {
		err := s.StreamErr
		s.mu.Unlock()
		return nil, err
	}
	chunk := make([]byte, len(s.ChunkPerText))
	copy(chunk, s.ChunkPerText)
	s.mu.Unlock()

	ch := make(chan []byte, 16)
	go func() {
		defer close(ch)
		for {
			select {
			case t, ok := <-text:
				if !ok {
					return
				}
				s.mu.Lock()
				s.Texts = append(s.Texts, t)
				s.mu.Unlock()
				if len(chunk) == 0 {
					continue
				}
				select {
				case ch <- chunk:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// Format returns PCMFormat, defaulting to 16 kHz mono.
func (s *StreamSynthesizer) Format() audio.Format {
	if s.PCMFormat.SampleRate == 0 {
		return audio.Format{SampleRate: 16000, Channels: 1}
	}
	return s.PCMFormat
}

var _ tts.StreamSynthesizer = (*StreamSynthesizer)(nil)
