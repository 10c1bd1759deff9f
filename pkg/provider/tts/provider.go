// Package tts defines the provider interfaces for text-to-speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g., ElevenLabs, or a
// local Piper install) and presents a uniform interface. Whole-clip backends
// implement Synthesizer; backends that can stream audio while text is still
// arriving additionally implement StreamSynthesizer, which pipes sentence
// fragments straight into synthesis for low-latency playback.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"

	"github.com/voicepi/voicepi/pkg/audio"
)

// Synthesizer is the abstraction over any whole-clip TTS backend.
type Synthesizer interface {
	// Synthesize converts text to a complete WAV clip. Returns an error if
	// the backend fails or ctx is cancelled before synthesis completes.
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// StreamSynthesizer is implemented by backends that can emit audio
// incrementally while text fragments are still being produced.
type StreamSynthesizer interface {
	// SynthesizeStream consumes text fragments from the text channel and
	// returns a channel that emits raw PCM byte slices as they are
	// synthesised. The caller closes the text channel to signal end of
	// input; the implementation closes the audio channel when all audio has
	// been emitted or when ctx is cancelled.
	//
	// The caller must drain the audio channel to avoid blocking the
	// provider's internal goroutines.
	//
	// Returns a non-nil error only if the stream cannot be started.
	SynthesizeStream(ctx context.Context, text <-chan string) (<-chan []byte, error)

	// Format describes the PCM emitted by SynthesizeStream.
	Format() audio.Format
}
