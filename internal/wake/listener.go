// Package wake runs the background wake-word loop: repeatedly record a short
// utterance, transcribe it with the local keyword recognizer, and emit a
// trigger when a configured wake phrase appears in the text.
//
// The listener owns the microphone while Listening; the conversation
// controller suspends it before recording a turn and resumes it afterwards,
// so the capture device is never contended.
package wake

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/voicepi/voicepi/internal/segment"
	"github.com/voicepi/voicepi/internal/status"
	"github.com/voicepi/voicepi/pkg/provider/stt"
)

// Trigger is emitted on the Triggers channel when a wake phrase matches.
type Trigger struct {
	// Text is the raw recognized transcript.
	Text string

	// Keyword is the configured wake phrase that matched.
	Keyword string
}

// Recorder captures one utterance. *segment.Segmenter implements it.
type Recorder interface {
	RecordUntilSilence(ctx context.Context, p segment.Params) ([]byte, error)
}

// State is the listener's lifecycle state.
type State int

const (
	// Stopped means the background loop is not running.
	Stopped State = iota
	// Suspended means the loop is running but performs no capture.
	Suspended
	// Listening means the loop is actively recording and matching.
	Listening
)

// Defaults follow the wake-spotting profile: short utterances, strict
// thresholds so breathing and keyboard noise do not reach the recognizer.
var defaultParams = segment.Params{
	MaxDuration:     2800 * time.Millisecond,
	StartTimeout:    1600 * time.Millisecond,
	EndSilence:      550 * time.Millisecond,
	MinRMS:          650,
	MinSpeechFrames: 5,
}

const (
	defaultCooldown   = 500 * time.Millisecond
	defaultCycleSleep = 250 * time.Millisecond
	minErrorBackoff   = 300 * time.Millisecond
	suspendPoll       = 50 * time.Millisecond
)

// Listener is the wake-word state machine over {Stopped, Suspended,
// Listening}. All state transitions are safe for concurrent use.
type Listener struct {
	recorder   Recorder
	recognizer stt.Recognizer
	sampleRate int
	keywords   []string
	params     segment.Params
	cooldown   time.Duration
	cycleSleep time.Duration
	notifier   *status.Notifier
	logger     *slog.Logger

	triggers chan Trigger

	mu      sync.Mutex
	enabled bool
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// Option configures a Listener.
type Option func(*Listener)

// WithParams overrides the recording parameters.
func WithParams(p segment.Params) Option {
	return func(l *Listener) { l.params = p }
}

// WithCooldown overrides the post-trigger pause that stops the ack sound
// from immediately re-triggering the listener.
func WithCooldown(d time.Duration) Option {
	return func(l *Listener) { l.cooldown = d }
}

// WithCycleSleep overrides the idle pause between capture cycles.
func WithCycleSleep(d time.Duration) Option {
	return func(l *Listener) { l.cycleSleep = d }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(l *Listener) { l.logger = log }
}

// NewListener creates a Listener. Blank keywords are dropped. notifier may
// not be nil; triggers are delivered on the Triggers channel.
func NewListener(recorder Recorder, recognizer stt.Recognizer, sampleRate int, keywords []string, notifier *status.Notifier, opts ...Option) *Listener {
	l := &Listener{
		recorder:   recorder,
		recognizer: recognizer,
		sampleRate: sampleRate,
		params:     defaultParams,
		cooldown:   defaultCooldown,
		cycleSleep: defaultCycleSleep,
		notifier:   notifier,
		logger:     slog.Default(),
		triggers:   make(chan Trigger, 1),
	}
	for _, k := range keywords {
		if k = strings.TrimSpace(k); k != "" {
			l.keywords = append(l.keywords, k)
		}
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Triggers returns the channel on which wake triggers are delivered.
func (l *Listener) Triggers() <-chan Trigger { return l.triggers }

// State reports the current lifecycle state.
func (l *Listener) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch {
	case !l.running:
		return Stopped
	case !l.enabled:
		return Suspended
	default:
		return Listening
	}
}

// Start begins listening, spawning the background loop if needed.
// Idempotent.
func (l *Listener) Start() {
	l.mu.Lock()
	l.enabled = true
	l.ensureLoopLocked()
	l.mu.Unlock()
	l.notifier.Publish("Listening")
}

// Enable is an alias for Start.
func (l *Listener) Enable() { l.Start() }

// Stop terminates the background loop and blocks until the capture device
// is released.
func (l *Listener) Stop() {
	l.mu.Lock()
	l.enabled = false
	cancel, done := l.cancel, l.done
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	l.notifier.Publish("Stopped")
}

// Disable suspends capture and reports it.
func (l *Listener) Disable() {
	l.mu.Lock()
	l.enabled = false
	l.mu.Unlock()
	l.notifier.Publish("Paused")
}

// Suspend silently suspends capture. Used by the conversation controller
// during a session, when a "Paused" status message would be noise.
func (l *Listener) Suspend() {
	l.mu.Lock()
	l.enabled = false
	l.mu.Unlock()
}

// Resume re-arms listening and relaunches the loop if it had exited.
func (l *Listener) Resume() {
	l.mu.Lock()
	l.enabled = true
	l.ensureLoopLocked()
	l.mu.Unlock()
}

// ensureLoopLocked spawns the loop if it is not running. Callers hold l.mu,
// which is what keeps concurrent Enable/Resume calls from double-spawning.
func (l *Listener) ensureLoopLocked() {
	if l.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	l.running = true
	l.cancel = cancel
	l.done = done
	go l.run(ctx, done)
}

func (l *Listener) run(ctx context.Context, done chan struct{}) {
	defer func() {
		l.mu.Lock()
		l.running = false
		// A Resume that landed while this loop was unwinding saw running
		// still true and spawned nothing; honor it with a fresh loop.
		if l.enabled {
			l.ensureLoopLocked()
		}
		l.mu.Unlock()
		close(done)
	}()

	for {
		if ctx.Err() != nil {
			return
		}
		if !l.isEnabled() {
			if !sleepCtx(ctx, suspendPoll) {
				return
			}
			continue
		}

		pcm, err := l.recorder.RecordUntilSilence(ctx, l.params)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.notifier.Publish("Wake error: %v", err)
			l.logger.Warn("wake capture failed", "error", err)
			if !sleepCtx(ctx, max(minErrorBackoff, l.cycleSleep)) {
				return
			}
			continue
		}
		if len(pcm) == 0 {
			if !sleepCtx(ctx, l.cycleSleep) {
				return
			}
			continue
		}

		result, err := l.recognizer.Transcribe(ctx, pcm, l.sampleRate)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.notifier.Publish("Wake error: %v", err)
			l.logger.Warn("wake recognition failed", "error", err)
			if !sleepCtx(ctx, max(minErrorBackoff, l.cycleSleep)) {
				return
			}
			continue
		}
		if result.Text == "" {
			// Nothing recognised. Stay quiet, don't spam status.
			if !sleepCtx(ctx, l.cycleSleep) {
				return
			}
			continue
		}

		if keyword, ok := l.match(result.Text); ok {
			l.notifier.Publish("Wake word: %s", keyword)
			select {
			case l.triggers <- Trigger{Text: result.Text, Keyword: keyword}:
			case <-ctx.Done():
				return
			}
			if !sleepCtx(ctx, l.cooldown) {
				return
			}
		} else {
			l.notifier.Publish("Heard: %q (no match)", result.Text)
		}

		if !sleepCtx(ctx, l.cycleSleep) {
			return
		}
	}
}

// match tests each configured keyword against the transcript. Matching is
// substring containment over normalized text, which can fire on larger words
// that happen to contain a short keyword; see the package tests.
func (l *Listener) match(text string) (string, bool) {
	normalized := normalize(text)
	for _, keyword := range l.keywords {
		if strings.Contains(normalized, normalize(keyword)) {
			return keyword, true
		}
	}
	return "", false
}

func (l *Listener) isEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled
}

// normalize lowercases text and strips whitespace and punctuation so that
// "Hey, Pet!" compares equal to "hey pet".
func normalize(text string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(text) {
		if unicode.IsSpace(r) || unicode.IsPunct(r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// sleepCtx sleeps for d unless ctx is cancelled first. Reports false on
// cancellation.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
