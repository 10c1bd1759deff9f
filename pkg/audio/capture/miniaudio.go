package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/voicepi/voicepi/pkg/audio"
)

// frameChanDepth is the buffer depth of a stream's frame channel. At 30 ms
// frames this absorbs ~1.9 s of consumer stall before frames are dropped.
const frameChanDepth = 64

// Miniaudio is a capture Device backed by the miniaudio library (via malgo).
// One shared miniaudio context serves all streams; the caller must Close the
// device when the process shuts down.
type Miniaudio struct {
	ctx *malgo.AllocatedContext
}

// Compile-time assertion that Miniaudio satisfies Device.
var _ Device = (*Miniaudio)(nil)

// NewMiniaudio initialises the miniaudio backend context.
func NewMiniaudio() (*Miniaudio, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("capture: init miniaudio context: %w", err)
	}
	return &Miniaudio{ctx: ctx}, nil
}

// Close tears down the miniaudio context. Streams must be closed first.
func (m *Miniaudio) Close() error {
	if m.ctx == nil {
		return nil
	}
	err := m.ctx.Uninit()
	m.ctx.Free()
	m.ctx = nil
	return err
}

// Open starts a capture stream delivering mono 16-bit frames of
// cfg.FrameDuration milliseconds. The device is started before Open returns;
// an error leaves no device resources behind.
func (m *Miniaudio) Open(ctx context.Context, cfg Config) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("capture: context already cancelled: %w", err)
	}
	if cfg.SampleRate <= 0 || cfg.FrameDuration <= 0 {
		return nil, errors.New("capture: sample rate and frame duration must be positive")
	}

	frameBytes := cfg.SampleRate * cfg.FrameDuration / 1000 * 2
	s := &miniStream{
		frameBytes: frameBytes,
		frameDur:   time.Duration(cfg.FrameDuration) * time.Millisecond,
		frames:     make(chan audio.Frame, frameChanDepth),
	}

	devCfg := malgo.DefaultDeviceConfig(malgo.Capture)
	devCfg.Capture.Format = malgo.FormatS16
	devCfg.Capture.Channels = 1
	devCfg.SampleRate = uint32(cfg.SampleRate)
	devCfg.Alsa.NoMMap = 1

	dev, err := malgo.InitDevice(m.ctx.Context, devCfg, malgo.DeviceCallbacks{
		Data: s.onData,
	})
	if err != nil {
		return nil, fmt.Errorf("capture: init device: %w", err)
	}
	s.dev = dev

	if err := dev.Start(); err != nil {
		dev.Uninit()
		return nil, fmt.Errorf("capture: start device: %w", err)
	}
	return s, nil
}

// miniStream is a live miniaudio capture session. The data callback
// re-chunks the device's native buffer sizes into exact frameBytes frames.
type miniStream struct {
	dev        *malgo.Device
	frameBytes int
	frameDur   time.Duration

	frames chan audio.Frame

	mu      sync.Mutex
	pending []byte
	elapsed time.Duration
	closed  bool

	closeOnce sync.Once
}

func (s *miniStream) Frames() <-chan audio.Frame { return s.frames }

// onData runs on the miniaudio device thread. It must never block: full
// channel means the consumer stalled, and the frame is dropped.
func (s *miniStream) onData(_, input []byte, _ uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.pending = append(s.pending, input...)
	for len(s.pending) >= s.frameBytes {
		pcm := make([]byte, s.frameBytes)
		copy(pcm, s.pending[:s.frameBytes])
		s.pending = s.pending[s.frameBytes:]

		frame := audio.Frame{PCM: pcm, Timestamp: s.elapsed}
		s.elapsed += s.frameDur
		select {
		case s.frames <- frame:
		default:
		}
	}
}

// Close stops the device, releases it, and closes the frame channel. Blocks
// until the device thread can no longer touch the stream.
func (s *miniStream) Close() error {
	s.closeOnce.Do(func() {
		// Uninit stops the device and joins its thread; after it returns
		// onData can no longer fire.
		s.dev.Uninit()
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.frames)
	})
	return nil
}
