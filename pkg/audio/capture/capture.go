// Package capture defines the interface for microphone input devices.
//
// A Device opens a Stream that delivers fixed-duration mono 16-bit PCM frames
// on a channel. The microphone is a singly-owned resource: at most one Stream
// should be open at a time, and whichever component holds it has exclusive
// access until [Stream.Close] returns.
//
// The concrete backend is provided by [pkg/audio/capture.NewMiniaudio]; tests
// use the channel-driven double in the mock subpackage.
package capture

import (
	"context"

	"github.com/voicepi/voicepi/pkg/audio"
)

// Config describes the capture format for a new stream.
type Config struct {
	// SampleRate is the capture sample rate in Hz (nominal 16000).
	SampleRate int

	// FrameDuration is the fixed duration of each delivered frame in
	// milliseconds (e.g., 30). Frames always contain exactly
	// SampleRate*FrameDuration/1000 mono samples.
	FrameDuration int
}

// Stream is an open capture session on the microphone.
//
// Frames are delivered in capture order with no drops while the channel
// consumer keeps up; the backend drops (never blocks) when the consumer
// stalls. The Frames channel is closed when the stream is closed.
type Stream interface {
	// Frames returns the channel of captured audio frames. The channel is
	// owned by the stream and closed by Close.
	Frames() <-chan audio.Frame

	// Close stops capture and releases the device. It blocks until the
	// device is fully released, guaranteeing the next Open sees a free
	// microphone. Calling Close more than once is safe and returns nil.
	Close() error
}

// Device is the entry point for a microphone backend.
//
// Implementations must be safe for concurrent use; the singly-owned-resource
// contract applies to the Streams they produce, not to Open itself.
type Device interface {
	// Open starts capturing with the given format and returns a live Stream.
	// The supplied ctx bounds the open attempt only; the stream stays alive
	// until Close.
	Open(ctx context.Context, cfg Config) (Stream, error)
}
