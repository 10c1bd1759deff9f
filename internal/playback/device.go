package playback

import (
	"fmt"
	"sync"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/voicepi/voicepi/pkg/audio"
)

// maxBufferedSeconds bounds the device sink's internal buffer. Writers block
// once this much audio is queued, so a fast producer cannot grow memory
// without bound.
const maxBufferedSeconds = 2

// deviceSink plays PCM through a miniaudio output device. The device thread
// pulls from an internal buffer; Write appends to it and blocks on
// backpressure, Close drains the buffer before tearing the device down.
type deviceSink struct {
	ctx    *malgo.AllocatedContext
	dev    *malgo.Device
	format audio.Format

	mu     sync.Mutex
	cond   *sync.Cond
	buf    []byte
	closed bool
	maxBuf int
}

// openDeviceSink initialises a miniaudio playback device for f.
func openDeviceSink(f audio.Format) (Sink, error) {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return nil, fmt.Errorf("playback: invalid format %+v", f)
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("playback: init miniaudio context: %w", err)
	}

	s := &deviceSink{
		ctx:    mctx,
		format: f,
		maxBuf: f.BytesPerSecond() * maxBufferedSeconds,
	}
	s.cond = sync.NewCond(&s.mu)

	devCfg := malgo.DefaultDeviceConfig(malgo.Playback)
	devCfg.Playback.Format = malgo.FormatS16
	devCfg.Playback.Channels = uint32(f.Channels)
	devCfg.SampleRate = uint32(f.SampleRate)
	devCfg.Alsa.NoMMap = 1

	dev, err := malgo.InitDevice(mctx.Context, devCfg, malgo.DeviceCallbacks{
		Data: s.onData,
	})
	if err != nil {
		mctx.Uninit()
		mctx.Free()
		return nil, fmt.Errorf("playback: init device: %w", err)
	}
	s.dev = dev

	if err := dev.Start(); err != nil {
		dev.Uninit()
		mctx.Uninit()
		mctx.Free()
		return nil, fmt.Errorf("playback: start device: %w", err)
	}
	return s, nil
}

// onData runs on the miniaudio device thread. It copies buffered PCM into
// the device's output buffer and zero-fills any shortfall (underrun plays
// silence rather than stale data).
func (s *deviceSink) onData(output, _ []byte, _ uint32) {
	s.mu.Lock()
	n := copy(output, s.buf)
	s.buf = s.buf[n:]
	s.mu.Unlock()

	for i := n; i < len(output); i++ {
		output[i] = 0
	}
	if n > 0 {
		s.cond.Broadcast()
	}
}

// Write appends b in maxBuf-sized pieces so the buffer never holds more
// than maxBufferedSeconds of audio: a whole-clip write blocks here instead
// of queueing minutes of PCM in one call.
func (s *deviceSink) Write(b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(b) > 0 {
		if s.closed {
			return fmt.Errorf("playback: write on closed device sink")
		}
		for len(s.buf) >= s.maxBuf {
			s.cond.Wait()
			if s.closed {
				return fmt.Errorf("playback: device sink closed during write")
			}
		}
		n := min(s.maxBuf-len(s.buf), len(b))
		s.buf = append(s.buf, b[:n]...)
		b = b[n:]
	}
	return nil
}

// drainWait is how long Close waits for queued audio to reach the device:
// the buffered playtime plus a second of margin. Callers hold s.mu.
func (s *deviceSink) drainWait() time.Duration {
	return time.Duration(len(s.buf))*time.Second/time.Duration(s.format.BytesPerSecond()) + time.Second
}

// Close waits for the buffer to drain, then stops and releases the device.
func (s *deviceSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	// Drain: the device thread empties buf at real-time speed.
	deadline := time.Now().Add(s.drainWait())
	for len(s.buf) > 0 && time.Now().Before(deadline) {
		s.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		s.mu.Lock()
	}
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()

	if s.dev != nil {
		s.dev.Uninit()
	}
	if s.ctx == nil {
		return nil
	}
	err := s.ctx.Uninit()
	s.ctx.Free()
	return err
}
