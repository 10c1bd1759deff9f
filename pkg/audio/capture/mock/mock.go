// Package mock provides in-memory test doubles for the capture package
// interfaces.
//
// A mock [Device] hands out scripted [Stream] values; a mock Stream delivers
// whatever frames the test pushes into it. All mocks are safe for concurrent
// use and record calls so tests can assert on open/close ordering.
//
// Typical usage:
//
//	st := mock.NewStream(8)
//	dev := &mock.Device{Stream: st}
//	go func() {
//	    st.Push(frame)
//	    st.Close()
//	}()
package mock

import (
	"context"
	"sync"

	"github.com/voicepi/voicepi/pkg/audio"
	"github.com/voicepi/voicepi/pkg/audio/capture"
)

// OpenCall records a single invocation of Device.Open.
type OpenCall struct {
	// Cfg is the Config passed to Open.
	Cfg capture.Config
}

// Device is a mock implementation of [capture.Device].
type Device struct {
	mu sync.Mutex

	// Stream is returned by Open. If nil, Open returns a fresh NewStream(64).
	Stream capture.Stream

	// OpenErr, if non-nil, is returned as the error from Open.
	OpenErr error

	// OpenCalls records every call to Open in order.
	OpenCalls []OpenCall
}

// Compile-time assertion that Device implements capture.Device.
var _ capture.Device = (*Device)(nil)

// Open records the call and returns Stream, OpenErr.
func (d *Device) Open(_ context.Context, cfg capture.Config) (capture.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.OpenCalls = append(d.OpenCalls, OpenCall{Cfg: cfg})
	if d.OpenErr != nil {
		return nil, d.OpenErr
	}
	if d.Stream != nil {
		return d.Stream, nil
	}
	return NewStream(64), nil
}

// Stream is a scriptable implementation of [capture.Stream]. Tests push
// frames with Push and end the stream with Close.
type Stream struct {
	frames chan audio.Frame

	mu         sync.Mutex
	closed     bool
	CloseCount int
}

// Compile-time assertion that Stream implements capture.Stream.
var _ capture.Stream = (*Stream)(nil)

// NewStream creates a Stream whose frame channel holds up to depth frames.
func NewStream(depth int) *Stream {
	return &Stream{frames: make(chan audio.Frame, depth)}
}

// Push delivers a frame to the stream consumer. Pushing after Close is a
// no-op so tests can race Push against consumer shutdown safely.
func (s *Stream) Push(f audio.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.frames <- f
}

// Frames implements [capture.Stream].
func (s *Stream) Frames() <-chan audio.Frame { return s.frames }

// Close implements [capture.Stream]. Closes the frame channel once and
// counts every call.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCount++
	if !s.closed {
		s.closed = true
		close(s.frames)
	}
	return nil
}
