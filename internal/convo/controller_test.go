package convo

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/voicepi/voicepi/internal/playback"
	"github.com/voicepi/voicepi/internal/segment"
	"github.com/voicepi/voicepi/internal/status"
	"github.com/voicepi/voicepi/pkg/audio"
	"github.com/voicepi/voicepi/pkg/provider/llm"
	llmmock "github.com/voicepi/voicepi/pkg/provider/llm/mock"
	"github.com/voicepi/voicepi/pkg/provider/stt"
	sttmock "github.com/voicepi/voicepi/pkg/provider/stt/mock"
	ttsmock "github.com/voicepi/voicepi/pkg/provider/tts/mock"
)

// ---- helpers ----

// loudPCM is comfortably above any energy floor used in these tests.
func loudPCM(samples int) []byte {
	pcm := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		pcm[2*i] = 0xB8 // 3000 little-endian
		pcm[2*i+1] = 0x0B
	}
	return pcm
}

type fakeRecorder struct {
	mu      sync.Mutex
	results [][]byte
	errs    []error
	calls   int
	block   chan struct{} // when set, RecordUntilSilence waits on it
}

func (r *fakeRecorder) RecordUntilSilence(ctx context.Context, _ segment.Params) ([]byte, error) {
	r.mu.Lock()
	i := r.calls
	r.calls++
	r.mu.Unlock()
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if i < len(r.errs) && r.errs[i] != nil {
		return nil, r.errs[i]
	}
	if i < len(r.results) {
		return r.results[i], nil
	}
	return nil, nil
}

func (r *fakeRecorder) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type fakeSuspender struct {
	mu       sync.Mutex
	suspends int
	resumes  int
}

func (s *fakeSuspender) Suspend() {
	s.mu.Lock()
	s.suspends++
	s.mu.Unlock()
}

func (s *fakeSuspender) Resume() {
	s.mu.Lock()
	s.resumes++
	s.mu.Unlock()
}

func (s *fakeSuspender) resumeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resumes
}

type fakePlayer struct {
	mu       sync.Mutex
	clips    [][]byte
	files    []string
	wavErr   error
	fileErr  error
	fileOpts []playback.PlayOptions
}

func (p *fakePlayer) PlayWAV(_ context.Context, wav []byte, _ playback.PlayOptions) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clips = append(p.clips, wav)
	return p.wavErr
}

func (p *fakePlayer) PlayFile(_ context.Context, path string, opts playback.PlayOptions) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.files = append(p.files, path)
	p.fileOpts = append(p.fileOpts, opts)
	return p.fileErr
}

// memorySink collects everything written to a playback stream.
type memorySink struct {
	mu     sync.Mutex
	data   []byte
	closed bool
}

func (s *memorySink) Write(b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = append(s.data, b...)
	return nil
}

func (s *memorySink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type testRig struct {
	recorder    *fakeRecorder
	transcriber *sttmock.Recognizer
	replier     *llmmock.Provider
	synth       *ttsmock.Synthesizer
	player      *fakePlayer
	listener    *fakeSuspender
	notifier    *status.Notifier
	ctrl        *Controller
}

func newTestRig(t *testing.T, cfg Config, opts ...Option) *testRig {
	t.Helper()
	rig := &testRig{
		recorder:    &fakeRecorder{},
		transcriber: &sttmock.Recognizer{},
		replier:     &llmmock.Provider{CompleteText: "Hi there."},
		synth:       &ttsmock.Synthesizer{Clip: []byte("RIFF-clip")},
		player:      &fakePlayer{},
		listener:    &fakeSuspender{},
		notifier:    status.NewNotifier(64, nil),
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	if cfg.MinValid == 0 {
		cfg.MinValid = 10 * time.Millisecond
	}
	if cfg.MinRMS == 0 {
		cfg.MinRMS = 100
	}
	if cfg.Params.MaxDuration == 0 {
		cfg.Params = segment.Params{MaxDuration: time.Second}
	}
	rig.ctrl = NewController(
		rig.recorder, rig.transcriber, rig.replier, rig.synth,
		rig.player, rig.listener, rig.notifier, cfg, opts...,
	)
	return rig
}

func (r *testRig) statuses() []string {
	var out []string
	for {
		select {
		case msg := <-r.notifier.Messages():
			out = append(out, msg)
		default:
			return out
		}
	}
}

func hasStatus(msgs []string, substr string) bool {
	for _, m := range msgs {
		if strings.Contains(m, substr) {
			return true
		}
	}
	return false
}

// validPCM is long and loud enough to pass the test config's floors.
func validPCM() []byte { return loudPCM(1600) } // 100ms at 16kHz

// ---- tests ----

func TestSession_EndsAfterConsecutiveMisses(t *testing.T) {
	rig := newTestRig(t, Config{MaxMisses: 2})
	rig.recorder.results = [][]byte{validPCM(), validPCM(), validPCM()}
	// One real turn, then two empty transcripts in a row.
	rig.transcriber.Results = []stt.Result{
		{Text: "hello"},
		{Text: ""},
		{Text: "   "},
	}

	rig.ctrl.HandleTrigger(context.Background(), "pet")

	if got := rig.recorder.callCount(); got != 3 {
		t.Fatalf("recorder calls = %d, want 3", got)
	}
	if got := len(rig.replier.CompleteCalls); got != 1 {
		t.Fatalf("LLM calls = %d, want 1 (misses must not reach the model)", got)
	}
	msgs := rig.statuses()
	if !hasStatus(msgs, "No valid input (2/2)") {
		t.Fatalf("missing final miss status, got %q", msgs)
	}
	if !hasStatus(msgs, "Session ended") {
		t.Fatalf("missing session-ended status, got %q", msgs)
	}
}

func TestSession_MissCounterResetsOnSuccess(t *testing.T) {
	rig := newTestRig(t, Config{MaxMisses: 2})
	// miss, success (resets), miss, success (resets), miss, miss -> end.
	rig.recorder.results = [][]byte{
		validPCM(), validPCM(), validPCM(),
		validPCM(), validPCM(), validPCM(),
	}
	rig.transcriber.Results = []stt.Result{
		{Text: ""},
		{Text: "first"},
		{Text: ""},
		{Text: "second"},
		{Text: ""},
		{Text: ""},
	}

	rig.ctrl.HandleTrigger(context.Background(), "pet")

	if got := len(rig.replier.CompleteCalls); got != 2 {
		t.Fatalf("LLM calls = %d, want 2", got)
	}
	if got := rig.transcriber.CallCount(); got != 6 {
		t.Fatalf("transcribe calls = %d, want 6", got)
	}
}

func TestSession_ShortUtteranceIsMissWithoutTranscription(t *testing.T) {
	rig := newTestRig(t, Config{MaxMisses: 2, MinValid: 500 * time.Millisecond})
	rig.recorder.results = [][]byte{loudPCM(160), loudPCM(160)} // 10ms each

	rig.ctrl.HandleTrigger(context.Background(), "pet")

	if got := rig.transcriber.CallCount(); got != 0 {
		t.Fatalf("transcribe calls = %d, want 0 for too-short audio", got)
	}
}

func TestSession_QuietUtteranceIsMiss(t *testing.T) {
	rig := newTestRig(t, Config{MaxMisses: 2, MinRMS: 5000})
	rig.recorder.results = [][]byte{validPCM(), validPCM()}

	rig.ctrl.HandleTrigger(context.Background(), "pet")

	if got := rig.transcriber.CallCount(); got != 0 {
		t.Fatalf("transcribe calls = %d, want 0 for too-quiet audio", got)
	}
}

func TestSession_HistoryGrowsAcrossTurns(t *testing.T) {
	rig := newTestRig(t, Config{MaxMisses: 1, SystemPrompt: "be brief"})
	rig.recorder.results = [][]byte{validPCM(), validPCM()}
	rig.transcriber.Results = []stt.Result{
		{Text: "turn one"},
		{Text: "turn two"},
	}

	rig.ctrl.HandleTrigger(context.Background(), "pet")

	if got := len(rig.replier.CompleteCalls); got != 2 {
		t.Fatalf("LLM calls = %d, want 2", got)
	}
	second := rig.replier.CompleteCalls[1].Req
	if second.SystemPrompt != "be brief" {
		t.Fatalf("system prompt = %q", second.SystemPrompt)
	}
	want := []llm.Message{
		{Role: llm.RoleUser, Content: "turn one"},
		{Role: llm.RoleAssistant, Content: "Hi there."},
		{Role: llm.RoleUser, Content: "turn two"},
	}
	if len(second.Messages) != len(want) {
		t.Fatalf("second request has %d messages, want %d", len(second.Messages), len(want))
	}
	for i, m := range want {
		if second.Messages[i] != m {
			t.Fatalf("message %d = %+v, want %+v", i, second.Messages[i], m)
		}
	}
}

func TestSession_PlaysReplyClip(t *testing.T) {
	rig := newTestRig(t, Config{MaxMisses: 1})
	rig.recorder.results = [][]byte{validPCM()}
	rig.transcriber.Results = []stt.Result{{Text: "hello"}}

	rig.ctrl.HandleTrigger(context.Background(), "pet")

	if got := len(rig.synth.Texts); got != 1 || rig.synth.Texts[0] != "Hi there." {
		t.Fatalf("synthesized texts = %q", rig.synth.Texts)
	}
	if got := len(rig.player.clips); got != 1 {
		t.Fatalf("played clips = %d, want 1", got)
	}
	if string(rig.player.clips[0]) != "RIFF-clip" {
		t.Fatalf("played wrong clip")
	}
}

func TestSession_CaptureErrorEndsSessionAndResumesListener(t *testing.T) {
	rig := newTestRig(t, Config{})
	rig.recorder.errs = []error{errors.New("device gone")}

	rig.ctrl.HandleTrigger(context.Background(), "pet")

	if got := rig.listener.resumeCount(); got != 1 {
		t.Fatalf("listener resumes = %d, want 1", got)
	}
	if !hasStatus(rig.statuses(), "Capture error") {
		t.Fatal("missing capture-error status")
	}
}

func TestSession_TranscriptionErrorEndsSession(t *testing.T) {
	rig := newTestRig(t, Config{})
	rig.recorder.results = [][]byte{validPCM()}
	rig.transcriber.Err = errors.New("backend down")

	rig.ctrl.HandleTrigger(context.Background(), "pet")

	if got := len(rig.replier.CompleteCalls); got != 0 {
		t.Fatalf("LLM calls = %d, want 0", got)
	}
	if !hasStatus(rig.statuses(), "Transcription error") {
		t.Fatal("missing transcription-error status")
	}
}

func TestSession_ReplyErrorEndsSession(t *testing.T) {
	rig := newTestRig(t, Config{})
	rig.recorder.results = [][]byte{validPCM()}
	rig.transcriber.Results = []stt.Result{{Text: "hello"}}
	rig.replier.CompleteErr = errors.New("quota")

	rig.ctrl.HandleTrigger(context.Background(), "pet")

	if got := len(rig.synth.Texts); got != 0 {
		t.Fatalf("synth calls = %d, want 0", got)
	}
	if got := rig.listener.resumeCount(); got != 1 {
		t.Fatalf("listener resumes = %d, want 1", got)
	}
}

func TestHandleTrigger_BusyWhileSessionActive(t *testing.T) {
	rig := newTestRig(t, Config{})
	rig.recorder.block = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		rig.ctrl.HandleTrigger(ctx, "pet")
		close(done)
	}()

	// Wait for the first session to reach capture.
	deadline := time.After(2 * time.Second)
	for rig.recorder.callCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("first session never started recording")
		case <-time.After(time.Millisecond):
		}
	}

	// Second trigger must bounce without touching the recorder again.
	rig.ctrl.HandleTrigger(ctx, "pet")
	if !hasStatus(rig.statuses(), "Busy") {
		t.Fatal("missing Busy status")
	}
	if got := rig.listener.resumeCount(); got != 1 {
		t.Fatalf("listener resumes after busy = %d, want 1", got)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("first session did not end after cancel")
	}
	// The winning session resumes the listener on exit too.
	if got := rig.listener.resumeCount(); got != 2 {
		t.Fatalf("total listener resumes = %d, want 2", got)
	}
}

func TestPlayAck_RepeatsWithConfiguredOptions(t *testing.T) {
	rig := newTestRig(t, Config{
		AckPath:           "/tmp/ack.wav",
		AckRepeat:         2,
		AckGap:            time.Millisecond,
		AckMinLeadSilence: 450 * time.Millisecond,
	})
	// No valid input: single miss ends the session right after the ack.
	rig.ctrl.cfg.MaxMisses = 1

	rig.ctrl.HandleTrigger(context.Background(), "pet")

	if got := len(rig.player.files); got != 2 {
		t.Fatalf("ack plays = %d, want 2", got)
	}
	if rig.player.files[0] != "/tmp/ack.wav" {
		t.Fatalf("ack path = %q", rig.player.files[0])
	}
	if rig.player.fileOpts[0].MinLeadSilence != 450*time.Millisecond {
		t.Fatalf("ack lead silence = %v", rig.player.fileOpts[0].MinLeadSilence)
	}
}

func TestPlayAck_FailureDoesNotAbortSession(t *testing.T) {
	rig := newTestRig(t, Config{AckPath: "/tmp/ack.wav"})
	rig.player.fileErr = errors.New("no player")
	rig.recorder.results = [][]byte{validPCM()}
	rig.transcriber.Results = []stt.Result{{Text: "hello"}}
	rig.ctrl.cfg.MaxMisses = 1

	rig.ctrl.HandleTrigger(context.Background(), "pet")

	if got := len(rig.replier.CompleteCalls); got != 1 {
		t.Fatalf("LLM calls = %d, want 1; ack failure must not end the session", got)
	}
}

func TestSpeak_AnimationTalkThenIdle(t *testing.T) {
	rig := newTestRig(t, Config{MaxMisses: 1})
	rig.recorder.results = [][]byte{validPCM()}
	rig.transcriber.Results = []stt.Result{{Text: "hello"}}

	rig.ctrl.HandleTrigger(context.Background(), "pet")

	var states []string
	for {
		select {
		case s := <-rig.ctrl.Animations():
			states = append(states, s)
		default:
			goto done
		}
	}
done:
	if len(states) < 2 || states[0] != AnimTalk {
		t.Fatalf("animation states = %q, want talk first", states)
	}
	if states[len(states)-1] != AnimIdle {
		t.Fatalf("animation states = %q, want idle last", states)
	}
}

func TestSpeakStreaming_SentencesReachSynthesizerAndSink(t *testing.T) {
	streamSynth := &ttsmock.StreamSynthesizer{ChunkPerText: []byte{1, 2, 3, 4}}
	sink := &memorySink{}
	opener := func(f audio.Format) (*playback.StreamSession, error) {
		return playback.OpenStream(f, playback.WithBackends([]playback.Backend{{
			Name:      "memory",
			Available: func() bool { return true },
			Open:      func(audio.Format) (playback.Sink, error) { return sink, nil },
		}}))
	}
	rig := newTestRig(t, Config{MaxMisses: 1},
		WithStreamSynthesizer(streamSynth),
		WithStreamOpener(opener),
	)
	rig.recorder.results = [][]byte{validPCM()}
	rig.transcriber.Results = []stt.Result{{Text: "hello"}}
	rig.replier.StreamChunks = []llm.Chunk{
		{Text: "One sentence. And"},
		{Text: " another!"},
		{FinishReason: "stop"},
	}

	rig.ctrl.HandleTrigger(context.Background(), "pet")

	if got := len(streamSynth.Texts); got != 2 {
		t.Fatalf("synth fragments = %q, want 2", streamSynth.Texts)
	}
	if streamSynth.Texts[0] != "One sentence." || streamSynth.Texts[1] != "And another!" {
		t.Fatalf("synth fragments = %q", streamSynth.Texts)
	}
	if len(sink.data) != 8 {
		t.Fatalf("sink received %d bytes, want 8", len(sink.data))
	}
	if !sink.closed {
		t.Fatal("sink not closed after stream")
	}
	// Full reply text still lands in the next request's history.
	if got := len(rig.replier.StreamCalls); got != 1 {
		t.Fatalf("stream calls = %d, want 1", got)
	}
}

func TestSpeakStreaming_ErrorChunkEndsSession(t *testing.T) {
	streamSynth := &ttsmock.StreamSynthesizer{}
	sink := &memorySink{}
	opener := func(f audio.Format) (*playback.StreamSession, error) {
		return playback.OpenStream(f, playback.WithBackends([]playback.Backend{{
			Name:      "memory",
			Available: func() bool { return true },
			Open:      func(audio.Format) (playback.Sink, error) { return sink, nil },
		}}))
	}
	rig := newTestRig(t, Config{MaxMisses: 1},
		WithStreamSynthesizer(streamSynth),
		WithStreamOpener(opener),
	)
	rig.recorder.results = [][]byte{validPCM()}
	rig.transcriber.Results = []stt.Result{{Text: "hello"}}
	rig.replier.StreamChunks = []llm.Chunk{
		{Text: "model melted", FinishReason: llm.FinishReasonError},
	}

	rig.ctrl.HandleTrigger(context.Background(), "pet")

	if !hasStatus(rig.statuses(), "model melted") {
		t.Fatal("error detail missing from status")
	}
	if got := rig.listener.resumeCount(); got != 1 {
		t.Fatalf("listener resumes = %d, want 1", got)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 28); got != "short" {
		t.Fatalf("truncate short = %q", got)
	}
	long := strings.Repeat("a", 40)
	got := truncate(long, 28)
	if len([]rune(got)) != 29 || !strings.HasSuffix(got, "…") {
		t.Fatalf("truncate long = %q", got)
	}
}
