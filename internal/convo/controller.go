// Package convo drives a conversation session: acknowledge the wake word,
// then loop record → transcribe → reply → speak until the speaker goes
// quiet or a collaborator fails.
//
// The controller owns session mutual exclusion. A trigger that arrives while
// a session is active is rejected with a "Busy" status and the wake listener
// it pre-suspended is resumed immediately, so a double trigger can never
// leave the system deaf.
package convo

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/voicepi/voicepi/internal/history"
	"github.com/voicepi/voicepi/internal/observe"
	"github.com/voicepi/voicepi/internal/playback"
	"github.com/voicepi/voicepi/internal/segment"
	"github.com/voicepi/voicepi/internal/sentence"
	"github.com/voicepi/voicepi/internal/status"
	"github.com/voicepi/voicepi/pkg/audio"
	"github.com/voicepi/voicepi/pkg/provider/llm"
	"github.com/voicepi/voicepi/pkg/provider/stt"
	"github.com/voicepi/voicepi/pkg/provider/tts"
)

// Animation states published on the Animations channel while the companion
// is speaking.
const (
	AnimIdle = "idle"
	AnimTalk = "talk"
)

// Recorder captures one utterance. *segment.Segmenter implements it.
type Recorder interface {
	RecordUntilSilence(ctx context.Context, p segment.Params) ([]byte, error)
}

// Suspender is the wake-listener handle the controller pauses during a
// session. *wake.Listener implements it.
type Suspender interface {
	Suspend()
	Resume()
}

// Player plays whole clips. *playback.Player implements it.
type Player interface {
	PlayWAV(ctx context.Context, wav []byte, opts playback.PlayOptions) error
	PlayFile(ctx context.Context, path string, opts playback.PlayOptions) error
}

// Config tunes a conversation session.
type Config struct {
	// SystemPrompt is sent with every reply request.
	SystemPrompt string

	// SampleRate of recorded utterances, in Hz. Defaults to 16000.
	SampleRate int

	// Params are the conversational recording parameters. Zero values fall
	// back to the conversational profile (longer than wake spotting).
	Params segment.Params

	// MinValid rejects utterances shorter than this as misses.
	// Defaults to 700ms.
	MinValid time.Duration

	// MinRMS rejects utterances quieter than this as misses. Defaults to
	// the recording energy floor.
	MinRMS float64

	// MaxMisses ends the session after this many consecutive invalid or
	// empty-transcript recordings. Defaults to 2.
	MaxMisses int

	// AckPath is the WAV file played when a session opens. Empty disables
	// the acknowledgment cue.
	AckPath string

	// AckRepeat plays the cue this many times. Defaults to 1.
	AckRepeat int

	// AckGap separates repeated cues.
	AckGap time.Duration

	// AckMinLeadSilence pads the cue's start; see playback.PlayOptions.
	AckMinLeadSilence time.Duration

	// ChunkMaxChars and ChunkMaxWait bound sentence-chunking latency for
	// streaming replies. Defaults: 60 chars, 1.2s.
	ChunkMaxChars int
	ChunkMaxWait  time.Duration
}

func (c Config) withDefaults() Config {
	if c.SampleRate == 0 {
		c.SampleRate = 16000
	}
	if c.Params.MaxDuration == 0 {
		c.Params = segment.Params{
			MaxDuration:     6 * time.Second,
			StartTimeout:    1800 * time.Millisecond,
			EndSilence:      700 * time.Millisecond,
			MinRMS:          650,
			MinSpeechFrames: 5,
		}
	}
	if c.MinValid == 0 {
		c.MinValid = 700 * time.Millisecond
	}
	if c.MinRMS == 0 {
		c.MinRMS = c.Params.MinRMS
	}
	if c.MaxMisses < 1 {
		c.MaxMisses = 2
	}
	if c.AckRepeat < 1 {
		c.AckRepeat = 1
	}
	if c.ChunkMaxChars == 0 {
		c.ChunkMaxChars = 60
	}
	if c.ChunkMaxWait == 0 {
		c.ChunkMaxWait = 1200 * time.Millisecond
	}
	return c
}

// Controller runs conversation sessions. Collaborators are injected so the
// whole session protocol is testable with mocks.
type Controller struct {
	recorder    Recorder
	transcriber stt.Recognizer
	replier     llm.Provider
	synth       tts.Synthesizer
	streamSynth tts.StreamSynthesizer // optional; enables streaming replies
	player      Player
	listener    Suspender
	notifier    *status.Notifier
	store       *history.Store   // nil disables persistence
	metrics     *observe.Metrics // nil disables recording
	cfg         Config
	logger      *slog.Logger

	openStream func(f audio.Format) (*playback.StreamSession, error)

	mu   sync.Mutex // session mutual exclusion, TryLock on entry
	anim chan string
}

// Option configures a Controller.
type Option func(*Controller)

// WithStreamSynthesizer enables the streaming reply path: LLM deltas are
// chunked into sentences and synthesized while the reply is still arriving.
func WithStreamSynthesizer(s tts.StreamSynthesizer) Option {
	return func(c *Controller) { c.streamSynth = s }
}

// WithHistory persists session transcripts.
func WithHistory(store *history.Store) Option {
	return func(c *Controller) { c.store = store }
}

// WithMetrics records turn, miss, and stage-latency metrics on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithStreamOpener overrides playback stream creation. Used by tests.
func WithStreamOpener(fn func(f audio.Format) (*playback.StreamSession, error)) Option {
	return func(c *Controller) { c.openStream = fn }
}

// NewController creates a Controller.
func NewController(
	recorder Recorder,
	transcriber stt.Recognizer,
	replier llm.Provider,
	synth tts.Synthesizer,
	player Player,
	listener Suspender,
	notifier *status.Notifier,
	cfg Config,
	opts ...Option,
) *Controller {
	c := &Controller{
		recorder:    recorder,
		transcriber: transcriber,
		replier:     replier,
		synth:       synth,
		player:      player,
		listener:    listener,
		notifier:    notifier,
		cfg:         cfg.withDefaults(),
		logger:      slog.Default(),
		openStream: func(f audio.Format) (*playback.StreamSession, error) {
			return playback.OpenStream(f)
		},
		anim:        make(chan string, 4),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Animations returns the channel carrying AnimIdle/AnimTalk transitions.
// Sends never block; a slow consumer misses transitions.
func (c *Controller) Animations() <-chan string { return c.anim }

// HandleTrigger runs one conversation session. The caller has already
// suspended the wake listener (to stop it re-entering capture before this
// session starts); if another session is active, the suspension is reversed
// immediately and "Busy" is reported.
//
// HandleTrigger blocks until the session ends. The wake listener is always
// resumed and the animation returned to idle on exit, whatever the reason.
func (c *Controller) HandleTrigger(ctx context.Context, wakeWord string) {
	if !c.mu.TryLock() {
		c.notifier.Publish("Busy")
		c.listener.Resume()
		return
	}
	defer c.mu.Unlock()

	defer func() {
		c.setAnimation(AnimIdle)
		c.listener.Resume()
		c.notifier.Publish("Session ended. Listening")
	}()

	c.runSession(ctx, wakeWord)
}

func (c *Controller) runSession(ctx context.Context, wakeWord string) {
	sessionID := fmt.Sprintf("session-%d", time.Now().UnixNano())
	if err := c.store.BeginSession(ctx, sessionID, wakeWord); err != nil {
		c.logger.Warn("history begin failed", "error", err)
	}

	c.playAck(ctx)
	c.notifier.Publish("Session started. Speak now.")

	var messages []llm.Message
	misses := 0
	turn := 0

	for {
		if ctx.Err() != nil {
			return
		}

		recStart := time.Now()
		pcm, err := c.recorder.RecordUntilSilence(ctx, c.cfg.Params)
		if err != nil {
			c.notifier.Publish("Capture error: %v. Session ended", err)
			return
		}

		if c.metrics != nil {
			c.metrics.RecordDuration.Record(ctx, time.Since(recStart).Seconds())
		}
		if !c.validUtterance(pcm) {
			misses++
			if c.missLimitReached(ctx, misses) {
				return
			}
			continue
		}

		turnStart := time.Now()
		c.notifier.Publish("Captured %dms. Transcribing...", time.Since(recStart).Milliseconds())
		result, err := c.transcriber.Transcribe(ctx, pcm, c.cfg.SampleRate)
		if c.metrics != nil {
			c.metrics.STTDuration.Record(ctx, time.Since(turnStart).Seconds())
		}
		if err != nil {
			c.notifier.Publish("Transcription error: %v. Session ended", err)
			return
		}
		text := strings.TrimSpace(result.Text)
		if text == "" {
			misses++
			if c.missLimitReached(ctx, misses) {
				return
			}
			continue
		}

		misses = 0
		c.notifier.Publish("You: %s", truncate(text, 28))
		messages = append(messages, llm.Message{Role: llm.RoleUser, Content: text})
		if err := c.store.Append(ctx, sessionID, llm.RoleUser, text); err != nil {
			c.logger.Warn("history append failed", "error", err)
		}

		reply, err := c.speak(ctx, messages)
		if err != nil {
			c.notifier.Publish("%v. Session ended", err)
			return
		}
		if reply == "" {
			c.notifier.Publish("Empty reply. Session ended")
			return
		}

		messages = append(messages, llm.Message{Role: llm.RoleAssistant, Content: reply})
		if err := c.store.Append(ctx, sessionID, llm.RoleAssistant, reply); err != nil {
			c.logger.Warn("history append failed", "error", err)
		}

		turn++
		if c.metrics != nil {
			c.metrics.Turns.Add(ctx, 1)
			c.metrics.TurnDuration.Record(ctx, time.Since(turnStart).Seconds())
		}
		c.notifier.Publish("Turn %d done. Speak now.", turn)
	}
}

// validUtterance applies the duration and energy floors that separate a
// real utterance from a cough or a chair creak.
func (c *Controller) validUtterance(pcm []byte) bool {
	if len(pcm) == 0 {
		return false
	}
	format := audio.Format{SampleRate: c.cfg.SampleRate, Channels: 1}
	if format.Duration(len(pcm)) < c.cfg.MinValid {
		return false
	}
	return audio.RMS(pcm) >= c.cfg.MinRMS
}

func (c *Controller) missLimitReached(ctx context.Context, misses int) bool {
	if c.metrics != nil {
		c.metrics.Misses.Add(ctx, 1)
	}
	if misses >= c.cfg.MaxMisses {
		c.notifier.Publish("No valid input (%d/%d), session ended", misses, c.cfg.MaxMisses)
		return true
	}
	c.notifier.Publish("No valid input (%d/%d)", misses, c.cfg.MaxMisses)
	return false
}

// playAck plays the acknowledgment cue, repeated with gaps as configured.
// Failures are reported but never abort the session: a conversation without
// the chime still works.
func (c *Controller) playAck(ctx context.Context) {
	if c.cfg.AckPath == "" {
		return
	}
	opts := playback.PlayOptions{MinLeadSilence: c.cfg.AckMinLeadSilence}
	for i := 0; i < c.cfg.AckRepeat; i++ {
		if err := c.player.PlayFile(ctx, c.cfg.AckPath, opts); err != nil {
			c.notifier.Publish("Ack audio failed: %v", err)
			c.logger.Warn("ack playback failed", "error", err)
			return
		}
		if i < c.cfg.AckRepeat-1 && c.cfg.AckGap > 0 {
			time.Sleep(c.cfg.AckGap)
		}
	}
}

// speak obtains the reply for messages and plays it, returning the full
// reply text. The streaming path runs when a stream synthesizer is wired;
// otherwise the reply is fetched whole, synthesized whole, and played whole.
func (c *Controller) speak(ctx context.Context, messages []llm.Message) (string, error) {
	c.setAnimation(AnimTalk)
	defer c.setAnimation(AnimIdle)

	if c.streamSynth != nil {
		return c.speakStreaming(ctx, messages)
	}
	return c.speakWhole(ctx, messages)
}

func (c *Controller) speakWhole(ctx context.Context, messages []llm.Message) (string, error) {
	llmStart := time.Now()
	reply, err := c.replier.Complete(ctx, c.request(messages))
	if c.metrics != nil {
		c.metrics.LLMDuration.Record(ctx, time.Since(llmStart).Seconds())
	}
	if err != nil {
		return "", fmt.Errorf("reply failed: %w", err)
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return "", nil
	}

	c.notifier.Publish("Reply ready. Synthesizing...")
	ttsStart := time.Now()
	clip, err := c.synth.Synthesize(ctx, reply)
	if c.metrics != nil {
		c.metrics.TTSDuration.Record(ctx, time.Since(ttsStart).Seconds())
	}
	if err != nil {
		return "", fmt.Errorf("synthesis failed: %w", err)
	}

	c.notifier.Publish("Playing...")
	if err := c.player.PlayWAV(ctx, clip, playback.PlayOptions{}); err != nil {
		return "", fmt.Errorf("playback failed: %w", err)
	}
	return reply, nil
}

// speakStreaming pipes LLM deltas through the sentence chunker into the
// stream synthesizer while its audio output flows into a playback session,
// so the first sentence is audible before the last one is generated.
func (c *Controller) speakStreaming(ctx context.Context, messages []llm.Message) (string, error) {
	chunks, err := c.replier.StreamCompletion(ctx, c.request(messages))
	if err != nil {
		return "", fmt.Errorf("reply failed: %w", err)
	}

	textCh := make(chan string, 8)
	audioCh, err := c.streamSynth.SynthesizeStream(ctx, textCh)
	if err != nil {
		audio.Drain(chunks)
		return "", fmt.Errorf("synthesis failed: %w", err)
	}

	session, err := c.openStream(c.streamSynth.Format())
	if err != nil {
		close(textCh)
		audio.Drain(chunks)
		audio.Drain(audioCh)
		return "", fmt.Errorf("playback failed: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	// Audio side: forward synthesized PCM into the playback session.
	g.Go(func() error {
		defer session.Close()
		for pcm := range audioCh {
			if _, err := session.WriteFrames(pcm); err != nil {
				audio.Drain(audioCh)
				return fmt.Errorf("playback failed: %w", err)
			}
		}
		return nil
	})

	// Text side: chunk LLM deltas into sentences for the synthesizer.
	var reply strings.Builder
	g.Go(func() error {
		defer close(textCh)

		chunker, err := sentence.NewChunker(c.cfg.ChunkMaxChars, c.cfg.ChunkMaxWait)
		if err != nil {
			return err
		}
		send := func(s string) error {
			select {
			case textCh <- s:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		for chunk := range chunks {
			if chunk.FinishReason == llm.FinishReasonError {
				audio.Drain(chunks)
				return fmt.Errorf("reply failed: %s", chunk.Text)
			}
			if chunk.Text == "" {
				continue
			}
			reply.WriteString(chunk.Text)
			for _, s := range chunker.Push(chunk.Text) {
				if err := send(s); err != nil {
					audio.Drain(chunks)
					return err
				}
			}
		}
		if tail := chunker.Finish(); tail != "" {
			return send(tail)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return "", err
	}
	return strings.TrimSpace(reply.String()), nil
}

func (c *Controller) request(messages []llm.Message) llm.CompletionRequest {
	return llm.CompletionRequest{
		Messages:     messages,
		SystemPrompt: c.cfg.SystemPrompt,
	}
}

// setAnimation publishes without blocking; a missed transition only costs a
// stale sprite frame.
func (c *Controller) setAnimation(state string) {
	select {
	case c.anim <- state:
	default:
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
