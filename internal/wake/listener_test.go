package wake

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/voicepi/voicepi/internal/segment"
	"github.com/voicepi/voicepi/internal/status"
	"github.com/voicepi/voicepi/pkg/provider/stt"
	sttmock "github.com/voicepi/voicepi/pkg/provider/stt/mock"
)

// fakeRecorder returns scripted utterances; once the script is exhausted it
// reports no speech.
type fakeRecorder struct {
	mu      sync.Mutex
	results [][]byte
	errs    []error
	calls   int
}

func (f *fakeRecorder) RecordUntilSilence(ctx context.Context, _ segment.Params) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.calls
	f.calls++
	if idx < len(f.errs) && f.errs[idx] != nil {
		return nil, f.errs[idx]
	}
	if idx < len(f.results) {
		return f.results[idx], nil
	}
	return nil, nil
}

func (f *fakeRecorder) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestListener(rec Recorder, recognizer stt.Recognizer, keywords []string) *Listener {
	n := status.NewNotifier(32, nil)
	return NewListener(rec, recognizer, 16000, keywords, n,
		WithCycleSleep(time.Millisecond),
		WithCooldown(time.Millisecond))
}

func waitForTrigger(t *testing.T, l *Listener) Trigger {
	t.Helper()
	select {
	case trig := <-l.Triggers():
		return trig
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for trigger")
		return Trigger{}
	}
}

func TestNormalize(t *testing.T) {
	cases := []struct{ in, want string }{
		{"Hey, Pet!", "heypet"},
		{"  HEY   PET  ", "heypet"},
		{"he:y p'et", "heypet"},
		{"你好。", "你好"},
	}
	for _, c := range cases {
		if got := normalize(c.in); got != c.want {
			t.Errorf("normalize(%q): got %q, want %q", c.in, got, c.want)
		}
	}
}

// TestMatch_SubstringPolicy documents the containment-based match: a wake
// phrase matches case- and punctuation-insensitively, and also matches
// inside larger words ("heypetstore"), a known false-positive source for
// short keywords.
func TestMatch_SubstringPolicy(t *testing.T) {
	l := newTestListener(&fakeRecorder{}, &sttmock.Recognizer{}, []string{"hey pet"})

	if kw, ok := l.match("Hey, Pet!"); !ok || kw != "hey pet" {
		t.Errorf(`match("Hey, Pet!"): got (%q, %v), want match`, kw, ok)
	}
	if _, ok := l.match("I went to the heypetstore today"); !ok {
		t.Error("substring policy: containment inside larger words is expected to match")
	}
	if _, ok := l.match("good morning"); ok {
		t.Error("unrelated text must not match")
	}
}

func TestListener_TriggersOnWakeWord(t *testing.T) {
	rec := &fakeRecorder{results: [][]byte{make([]byte, 960)}}
	recognizer := &sttmock.Recognizer{Results: []stt.Result{{Text: "Hey, Pet! are you there"}}}
	l := newTestListener(rec, recognizer, []string{"hey pet"})

	l.Start()
	defer l.Stop()

	trig := waitForTrigger(t, l)
	if trig.Keyword != "hey pet" {
		t.Errorf("keyword: got %q, want %q", trig.Keyword, "hey pet")
	}
	if trig.Text != "Hey, Pet! are you there" {
		t.Errorf("text: got %q", trig.Text)
	}
}

func TestListener_SuspendStopsCapture(t *testing.T) {
	rec := &fakeRecorder{}
	l := newTestListener(rec, &sttmock.Recognizer{}, []string{"hey pet"})

	l.Start()
	defer l.Stop()
	l.Suspend()

	if got := l.State(); got != Suspended {
		t.Fatalf("state: got %v, want Suspended", got)
	}
	time.Sleep(20 * time.Millisecond)
	before := rec.callCount()
	time.Sleep(150 * time.Millisecond)
	if after := rec.callCount(); after != before {
		t.Errorf("recorder called while suspended: %d -> %d", before, after)
	}
}

func TestListener_ResumeRestartsCapture(t *testing.T) {
	rec := &fakeRecorder{}
	l := newTestListener(rec, &sttmock.Recognizer{}, []string{"hey pet"})

	l.Start()
	defer l.Stop()
	l.Suspend()
	time.Sleep(20 * time.Millisecond)
	base := rec.callCount()

	l.Resume()
	deadline := time.Now().Add(time.Second)
	for rec.callCount() == base && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if rec.callCount() == base {
		t.Error("recorder not called after Resume")
	}
	if got := l.State(); got != Listening {
		t.Errorf("state: got %v, want Listening", got)
	}
}

func TestListener_StopBlocksUntilLoopExits(t *testing.T) {
	rec := &fakeRecorder{}
	l := newTestListener(rec, &sttmock.Recognizer{}, []string{"hey pet"})

	l.Start()
	l.Stop()

	if got := l.State(); got != Stopped {
		t.Errorf("state after Stop: got %v, want Stopped", got)
	}
	calls := rec.callCount()
	time.Sleep(50 * time.Millisecond)
	if rec.callCount() != calls {
		t.Error("loop still capturing after Stop returned")
	}
}

func TestListener_RecoverFromCaptureError(t *testing.T) {
	rec := &fakeRecorder{
		errs:    []error{errors.New("device hiccup")},
		results: [][]byte{nil, make([]byte, 960)},
	}
	recognizer := &sttmock.Recognizer{Results: []stt.Result{{Text: "hey pet"}}}
	l := newTestListener(rec, recognizer, []string{"hey pet"})

	l.Start()
	defer l.Stop()

	// The loop must survive the first error and still trigger on the
	// utterance that follows.
	waitForTrigger(t, l)
}

func TestListener_StartIdempotent(t *testing.T) {
	rec := &fakeRecorder{}
	l := newTestListener(rec, &sttmock.Recognizer{}, []string{"hey pet"})

	for i := 0; i < 5; i++ {
		l.Start()
	}
	defer l.Stop()

	l.mu.Lock()
	running := l.running
	l.mu.Unlock()
	if !running {
		t.Fatal("loop not running after Start")
	}
	// A second Start while running must not panic or double-spawn; the
	// mutex-guarded spawn guarantees one loop, which Stop fully joins.
}

// blockingExitRecorder blocks its first call until the context is cancelled,
// then holds the wake loop mid-unwind until released. Later calls report
// silence.
type blockingExitRecorder struct {
	unwinding chan struct{}
	release   chan struct{}

	mu    sync.Mutex
	calls int
}

func (f *blockingExitRecorder) RecordUntilSilence(ctx context.Context, _ segment.Params) ([]byte, error) {
	f.mu.Lock()
	f.calls++
	first := f.calls == 1
	f.mu.Unlock()
	if !first {
		return nil, nil
	}
	<-ctx.Done()
	close(f.unwinding)
	<-f.release
	return nil, ctx.Err()
}

func (f *blockingExitRecorder) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// A Resume that lands while the loop is still winding down after Stop finds
// running true and spawns nothing itself; the exiting loop must honor the
// re-enable by relaunching instead of leaving no loop alive.
func TestListener_ResumeDuringStopRelaunchesLoop(t *testing.T) {
	rec := &blockingExitRecorder{unwinding: make(chan struct{}), release: make(chan struct{})}
	l := newTestListener(rec, &sttmock.Recognizer{}, []string{"hey pet"})

	l.Start()

	stopDone := make(chan struct{})
	go func() { l.Stop(); close(stopDone) }()

	select {
	case <-rec.unwinding:
	case <-time.After(2 * time.Second):
		t.Fatal("loop never began unwinding")
	}

	l.Resume()
	atResume := rec.callCount()
	close(rec.release)

	select {
	case <-stopDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
	defer l.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for l.State() != Listening && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := l.State(); got != Listening {
		t.Fatalf("state after racing Resume = %v, want Listening", got)
	}
	for rec.callCount() == atResume && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if rec.callCount() == atResume {
		t.Error("relaunched loop never captured")
	}
}

func TestListener_NoMatchDoesNotTrigger(t *testing.T) {
	rec := &fakeRecorder{results: [][]byte{make([]byte, 960)}}
	recognizer := &sttmock.Recognizer{Results: []stt.Result{{Text: "completely unrelated"}}}
	l := newTestListener(rec, recognizer, []string{"hey pet"})

	l.Start()
	defer l.Stop()

	select {
	case trig := <-l.Triggers():
		t.Fatalf("unexpected trigger: %+v", trig)
	case <-time.After(100 * time.Millisecond):
	}
}
