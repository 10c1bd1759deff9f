// Package stt defines the Recognizer interface for speech-to-text backends.
//
// The assistant uses batch recognition on complete utterances rather than
// live streaming: the segmenter hands over a bounded PCM buffer and the
// recognizer returns the best-effort transcript in one call. Two flavours of
// backend implement the same interface: a local model used for wake-word
// spotting (whisper subpackage) and a remote API used for conversational
// turns (elevenlabs subpackage).
//
// Implementations must be safe for concurrent use.
package stt

import "context"

// Result is the outcome of a recognition request. An empty Text with a nil
// error means the audio contained no recognisable speech; callers treat
// that as a miss, not a failure.
type Result struct {
	// Text is the transcribed speech content, trimmed. Empty when the
	// recognizer found no speech.
	Text string

	// Confidence is the overall confidence score (0.0–1.0). Zero when the
	// backend does not report confidence.
	Confidence float64
}

// Recognizer is the abstraction over any batch STT backend.
//
// Transcribe failures (network, backend error) are returned as a non-nil
// error so the caller can distinguish them from silent audio; they must
// never be collapsed into an empty Result.
type Recognizer interface {
	// Transcribe recognises a complete utterance of raw mono little-endian
	// 16-bit PCM at the given sample rate. Blocking; honours ctx
	// cancellation where the backend allows it.
	Transcribe(ctx context.Context, pcm []byte, sampleRate int) (Result, error)
}
