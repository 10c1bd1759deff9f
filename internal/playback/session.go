package playback

import (
	"fmt"
	"log/slog"

	"github.com/voicepi/voicepi/pkg/audio"
)

// StreamSession plays PCM chunks of arbitrary length through a sink that
// only accepts whole sample frames. Incoming bytes accumulate in a leftover
// buffer; each write forwards the largest frame-aligned prefix and keeps the
// remainder for the next call, so no byte is ever dropped and no partial
// frame ever reaches the sink.
//
// A StreamSession is owned by a single goroutine; it is not safe for
// concurrent use.
type StreamSession struct {
	sink      Sink
	backend   string
	frameSize int
	leftover  []byte
	closed    bool
	logger    *slog.Logger
}

// StreamOption configures OpenStream.
type StreamOption func(*streamConfig)

type streamConfig struct {
	backends []Backend
	logger   *slog.Logger
}

// WithBackends overrides the backend priority list. Used by tests and by
// callers that need a fixed sink.
func WithBackends(specs []Backend) StreamOption {
	return func(c *streamConfig) { c.backends = specs }
}

// WithStreamLogger sets the logger. Defaults to slog.Default().
func WithStreamLogger(l *slog.Logger) StreamOption {
	return func(c *streamConfig) { c.logger = l }
}

// OpenStream opens a playback session for the given format, picking the
// first available backend in priority order.
func OpenStream(f audio.Format, opts ...StreamOption) (*StreamSession, error) {
	cfg := streamConfig{backends: defaultBackends(), logger: slog.Default()}
	for _, o := range opts {
		o(&cfg)
	}

	sink, name, err := openSink(cfg.backends, f)
	if err != nil {
		return nil, err
	}
	cfg.logger.Debug("playback stream opened", "backend", name, "sample_rate", f.SampleRate, "channels", f.Channels)

	return &StreamSession{
		sink:      sink,
		backend:   name,
		frameSize: f.BytesPerFrame(),
		logger:    cfg.logger,
	}, nil
}

// Backend reports which sink backend the session is using.
func (s *StreamSession) Backend() string { return s.backend }

// WriteFrames appends chunk to the session and forwards every complete
// sample frame to the sink. It reports whether any bytes reached the sink
// on this call.
func (s *StreamSession) WriteFrames(chunk []byte) (bool, error) {
	if s.closed {
		return false, fmt.Errorf("playback: write on closed session")
	}
	s.leftover = append(s.leftover, chunk...)

	aligned := len(s.leftover) - len(s.leftover)%s.frameSize
	if aligned == 0 {
		return false, nil
	}

	if err := s.sink.Write(s.leftover[:aligned]); err != nil {
		return false, err
	}
	s.leftover = append(s.leftover[:0], s.leftover[aligned:]...)
	return true, nil
}

// Close flushes the leftover (zero-padded to a whole frame) and tears down
// the sink. Safe to call with no prior writes, and idempotent.
func (s *StreamSession) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	var writeErr error
	if len(s.leftover) > 0 {
		padded := make([]byte, s.frameSize)
		copy(padded, s.leftover)
		writeErr = s.sink.Write(padded)
		s.leftover = nil
	}

	closeErr := s.sink.Close()
	if writeErr != nil {
		return writeErr
	}
	return closeErr
}
