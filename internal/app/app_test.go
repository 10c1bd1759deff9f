package app

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/voicepi/voicepi/internal/config"
	"github.com/voicepi/voicepi/internal/playback"
	"github.com/voicepi/voicepi/pkg/audio"
	"github.com/voicepi/voicepi/pkg/audio/capture"
	capturemock "github.com/voicepi/voicepi/pkg/audio/capture/mock"
	llmmock "github.com/voicepi/voicepi/pkg/provider/llm/mock"
	"github.com/voicepi/voicepi/pkg/provider/stt"
	sttmock "github.com/voicepi/voicepi/pkg/provider/stt/mock"
	ttsmock "github.com/voicepi/voicepi/pkg/provider/tts/mock"
	vadmock "github.com/voicepi/voicepi/pkg/provider/vad/mock"
)

// ---- helpers ----

// testConfig is tuned so one utterance is a handful of frames and a silent
// cycle resolves in microseconds instead of wall-clock seconds.
const testConfigYAML = `
providers:
  stt:
    name: whisper
  llm:
    name: gemini
  tts:
    name: piper
wake:
  keywords: ["hey pet"]
  cycle_sleep_ms: 1
  cooldown_ms: 300
  min_rms: 1
  min_speech_frames: 1
conversation:
  min_valid_ms: 1
  min_rms: 1
  min_speech_frames: 1
  max_misses: 1
`

func loadTestConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(testConfigYAML))
	if err != nil {
		t.Fatalf("test config: %v", err)
	}
	return cfg
}

// queueDevice hands out one scripted stream per Open call; once the queue is
// empty every Open gets an already-ended stream, which reads as silence.
type queueDevice struct {
	mu      sync.Mutex
	streams []capture.Stream
}

func (d *queueDevice) Open(_ context.Context, _ capture.Config) (capture.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.streams) > 0 {
		s := d.streams[0]
		d.streams = d.streams[1:]
		return s, nil
	}
	st := capturemock.NewStream(1)
	st.Close()
	return st, nil
}

// utteranceStream is pre-loaded with loud frames and ended, so a recording
// collects them all and returns when the stream ends.
func utteranceStream(frames int) *capturemock.Stream {
	st := capturemock.NewStream(frames + 1)
	for i := 0; i < frames; i++ {
		pcm := make([]byte, 960) // 30ms at 16kHz mono
		for j := 0; j < len(pcm); j += 2 {
			pcm[j] = 0xB8 // 3000 little-endian
			pcm[j+1] = 0x0B
		}
		st.Push(audio.Frame{PCM: pcm, Timestamp: time.Duration(i) * 30 * time.Millisecond})
	}
	st.Close()
	return st
}

type countingPlayer struct {
	mu    sync.Mutex
	clips int
	files int
}

func (p *countingPlayer) PlayWAV(_ context.Context, _ []byte, _ playback.PlayOptions) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clips++
	return nil
}

func (p *countingPlayer) PlayFile(_ context.Context, _ string, _ playback.PlayOptions) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.files++
	return nil
}

func (p *countingPlayer) clipCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.clips
}

// ---- tests ----

func TestNew_WiresSubsystems(t *testing.T) {
	cfg := loadTestConfig(t)
	a, err := New(context.Background(), cfg, &Providers{
		STT: &sttmock.Recognizer{},
		LLM: &llmmock.Provider{},
		TTS: &ttsmock.Synthesizer{},
	},
		WithCaptureDevice(&capturemock.Device{}),
		WithVADEngine(&vadmock.Engine{}),
		WithPlayer(&countingPlayer{}),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if a.listener == nil || a.controller == nil || a.notifier == nil {
		t.Fatal("subsystems not wired")
	}
	if a.store != nil {
		t.Fatal("history store created without a configured path")
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestRun_CancelReturns(t *testing.T) {
	cfg := loadTestConfig(t)
	closed := capturemock.NewStream(1)
	closed.Close()
	a, err := New(context.Background(), cfg, &Providers{
		STT: &sttmock.Recognizer{},
		LLM: &llmmock.Provider{},
		TTS: &ttsmock.Synthesizer{},
	},
		WithCaptureDevice(&capturemock.Device{Stream: closed}),
		WithVADEngine(&vadmock.Engine{}),
		WithPlayer(&countingPlayer{}),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestRun_WakeTriggersConversation(t *testing.T) {
	cfg := loadTestConfig(t)

	device := &queueDevice{streams: []capture.Stream{
		utteranceStream(5), // wake spotting hears the keyword
		utteranceStream(5), // conversation turn one
		// queue empty afterwards: the next recording is silent, one miss
		// ends the session (max_misses is 1).
	}}
	transcriber := &sttmock.Recognizer{Results: []stt.Result{
		{Text: "Hey Pet!"},
		{Text: "how are you"},
		{Text: ""},
	}}
	replier := &llmmock.Provider{CompleteText: "Doing great."}
	synth := &ttsmock.Synthesizer{Clip: []byte("RIFF-clip")}
	player := &countingPlayer{}

	a, err := New(context.Background(), cfg, &Providers{
		STT: transcriber,
		LLM: replier,
		TTS: synth,
	},
		WithCaptureDevice(device),
		WithVADEngine(&vadmock.Engine{}),
		WithPlayer(player),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	deadline := time.After(10 * time.Second)
	for player.clipCount() == 0 {
		select {
		case <-deadline:
			cancel()
			t.Fatalf("reply never played; stt calls=%d llm calls=%d",
				transcriber.CallCount(), len(replier.CompleteCalls))
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	if got := len(replier.CompleteCalls); got != 1 {
		t.Errorf("LLM calls = %d, want 1", got)
	}
	if got := len(synth.Texts); got != 1 || synth.Texts[0] != "Doing great." {
		t.Errorf("synthesized texts = %q", synth.Texts)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

// With a dedicated wake recognizer the spotting loop never touches the
// conversational transcriber, mirroring a local model plus remote API split.
func TestRun_DedicatedWakeRecognizer(t *testing.T) {
	cfg := loadTestConfig(t)

	device := &queueDevice{streams: []capture.Stream{
		utteranceStream(5), // wake spotting hears the keyword
		utteranceStream(5), // conversation turn one
	}}
	wakeRec := &sttmock.Recognizer{Results: []stt.Result{{Text: "hey pet"}}}
	transcriber := &sttmock.Recognizer{Results: []stt.Result{{Text: "how are you"}}}
	replier := &llmmock.Provider{CompleteText: "Doing great."}
	player := &countingPlayer{}

	a, err := New(context.Background(), cfg, &Providers{
		STT:     transcriber,
		WakeSTT: wakeRec,
		LLM:     replier,
		TTS:     &ttsmock.Synthesizer{Clip: []byte("RIFF-clip")},
	},
		WithCaptureDevice(device),
		WithVADEngine(&vadmock.Engine{}),
		WithPlayer(player),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	deadline := time.After(10 * time.Second)
	for player.clipCount() == 0 {
		select {
		case <-deadline:
			cancel()
			t.Fatalf("reply never played; wake calls=%d stt calls=%d",
				wakeRec.CallCount(), transcriber.CallCount())
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	if wakeRec.CallCount() == 0 {
		t.Error("wake recognizer never consulted")
	}
	if got := transcriber.CallCount(); got != 1 {
		t.Errorf("conversational transcriber calls = %d, want 1 (the turn only)", got)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}
