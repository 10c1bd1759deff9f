// Package app wires all voicepi subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run executes the wake-and-converse loop, and Shutdown tears
// everything down in order.
//
// For testing, inject test doubles via functional options (WithCaptureDevice,
// WithVADEngine, WithPlayer, ...). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/voicepi/voicepi/internal/config"
	"github.com/voicepi/voicepi/internal/convo"
	"github.com/voicepi/voicepi/internal/history"
	"github.com/voicepi/voicepi/internal/observe"
	"github.com/voicepi/voicepi/internal/playback"
	"github.com/voicepi/voicepi/internal/prompt"
	"github.com/voicepi/voicepi/internal/segment"
	"github.com/voicepi/voicepi/internal/status"
	"github.com/voicepi/voicepi/internal/wake"
	"github.com/voicepi/voicepi/pkg/audio/capture"
	"github.com/voicepi/voicepi/pkg/provider/llm"
	"github.com/voicepi/voicepi/pkg/provider/stt"
	"github.com/voicepi/voicepi/pkg/provider/tts"
	"github.com/voicepi/voicepi/pkg/provider/vad"
	"github.com/voicepi/voicepi/pkg/provider/vad/energy"
)

// Providers holds one interface value per provider slot. StreamTTS is
// optional; when set, replies are synthesized sentence by sentence while the
// model is still generating. WakeSTT is optional; when set, the wake loop
// uses it instead of STT, keeping a local spotting model off the
// conversational transcription path. Populated by main.go from the config.
type Providers struct {
	STT       stt.Recognizer
	WakeSTT   stt.Recognizer
	LLM       llm.Provider
	TTS       tts.Synthesizer
	StreamTTS tts.StreamSynthesizer
}

// App owns all subsystem lifetimes and orchestrates the voice pipeline.
type App struct {
	cfg       *config.Config
	providers *Providers

	// Subsystems, initialised in New, torn down in Shutdown.
	notifier   *status.Notifier
	segmenter  *segment.Segmenter
	listener   *wake.Listener
	controller *convo.Controller
	store      *history.Store
	metrics    *observe.Metrics
	metricsSrv *http.Server

	// Injectable collaborators.
	device capture.Device
	engine vad.Engine
	player convo.Player

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithCaptureDevice injects a capture device instead of opening the
// default microphone.
func WithCaptureDevice(d capture.Device) Option {
	return func(a *App) { a.device = d }
}

// WithVADEngine injects a voice-activity engine.
func WithVADEngine(e vad.Engine) Option {
	return func(a *App) { a.engine = e }
}

// WithPlayer injects a clip player.
func WithPlayer(p convo.Player) Option {
	return func(a *App) { a.player = p }
}

// WithMetrics injects a metrics instance instead of the global default.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go. Use Option functions to inject test doubles.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}

	a.notifier = status.NewNotifier(64, slog.Default())

	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if a.device == nil {
		dev, err := capture.NewMiniaudio()
		if err != nil {
			return nil, fmt.Errorf("app: open capture device: %w", err)
		}
		a.device = dev
	}
	if a.engine == nil {
		a.engine = energy.New()
	}
	if a.player == nil {
		a.player = playback.NewPlayer(playback.WithMetrics(a.metrics))
	}

	if err := a.initHistory(ctx); err != nil {
		return nil, fmt.Errorf("app: init history: %w", err)
	}

	a.segmenter = segment.New(a.device, a.engine, segment.Config{
		SampleRate:    cfg.Audio.SampleRate,
		FrameDuration: cfg.Audio.FrameDurationMs,
		Mode:          cfg.Audio.VADMode,
	})

	wakeRecognizer := providers.WakeSTT
	if wakeRecognizer == nil {
		wakeRecognizer = providers.STT
	}
	a.listener = wake.NewListener(
		a.segmenter, wakeRecognizer, cfg.Audio.SampleRate, cfg.Wake.Keywords, a.notifier,
		wake.WithParams(segment.Params{
			MaxDuration:     cfg.Wake.MaxDuration(),
			StartTimeout:    cfg.Wake.StartTimeout(),
			EndSilence:      cfg.Wake.EndSilence(),
			MinRMS:          cfg.Wake.MinRMS,
			MinSpeechFrames: cfg.Wake.MinSpeechFrames,
		}),
		wake.WithCooldown(cfg.Wake.Cooldown()),
		wake.WithCycleSleep(cfg.Wake.CycleSleep()),
	)

	systemPrompt, warnings := prompt.BuildSystemPrompt(cfg.Persona.IdentityPath, cfg.Persona.SoulPath)
	for _, w := range warnings {
		slog.Warn(w)
	}

	convoOpts := []convo.Option{
		convo.WithMetrics(a.metrics),
	}
	if a.store != nil {
		convoOpts = append(convoOpts, convo.WithHistory(a.store))
	}
	if providers.StreamTTS != nil {
		convoOpts = append(convoOpts, convo.WithStreamSynthesizer(providers.StreamTTS))
	}

	a.controller = convo.NewController(
		a.segmenter, providers.STT, providers.LLM, providers.TTS,
		a.player, a.listener, a.notifier,
		convo.Config{
			SystemPrompt: systemPrompt,
			SampleRate:   cfg.Audio.SampleRate,
			Params: segment.Params{
				MaxDuration:     cfg.Conversation.MaxDuration(),
				StartTimeout:    cfg.Conversation.StartTimeout(),
				EndSilence:      cfg.Conversation.EndSilence(),
				MinRMS:          cfg.Conversation.MinRMS,
				MinSpeechFrames: cfg.Conversation.MinSpeechFrames,
			},
			MinValid:          cfg.Conversation.MinValid(),
			MinRMS:            cfg.Conversation.MinRMS,
			MaxMisses:         cfg.Conversation.MaxMisses,
			AckPath:           cfg.Ack.Path,
			AckRepeat:         cfg.Ack.Repeat,
			AckGap:            cfg.Ack.Gap(),
			AckMinLeadSilence: cfg.Ack.MinLeadSilence(),
		},
		convoOpts...,
	)

	return a, nil
}

// initHistory opens the transcript store when persistence is configured and
// prunes it to the retention budget.
func (a *App) initHistory(ctx context.Context) error {
	if a.cfg.History.Path == "" {
		return nil
	}
	store, err := history.Open(ctx, a.cfg.History.Path, slog.Default())
	if err != nil {
		return err
	}
	a.store = store
	a.closers = append(a.closers, store.Close)

	if keep := a.cfg.History.KeepSessions; keep > 0 {
		if err := store.Prune(ctx, keep); err != nil {
			slog.Warn("history prune failed", "error", err)
		}
	}
	return nil
}

// Notifier exposes the status stream for alternative front ends.
func (a *App) Notifier() *status.Notifier { return a.notifier }

// Run starts the wake listener and blocks until ctx is cancelled.
//
// Three loops run concurrently: the trigger loop hands wake detections to
// the conversation controller, the status loop logs operator-facing
// messages, and the animation loop logs speaking-state transitions. When
// configured, a /metrics HTTP endpoint is served as a fourth.
func (a *App) Run(ctx context.Context) error {
	a.listener.Start()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.triggerLoop(ctx) })
	g.Go(func() error { return a.statusLoop(ctx) })
	g.Go(func() error { return a.animationLoop(ctx) })

	if addr := a.cfg.Metrics.ListenAddr; addr != "" {
		a.startMetricsServer(ctx, g, addr)
	}

	err := g.Wait()
	a.listener.Stop()
	return err
}

// triggerLoop suspends the listener and runs one conversation session per
// wake trigger. Suspension happens here rather than in the controller so a
// rejected (busy) trigger can be reversed before any capture overlap.
func (a *App) triggerLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case trigger := <-a.listener.Triggers():
			a.metrics.RecordWakeTrigger(ctx, trigger.Keyword)
			a.listener.Suspend()

			a.metrics.ActiveSessions.Add(ctx, 1)
			a.controller.HandleTrigger(ctx, trigger.Keyword)
			a.metrics.ActiveSessions.Add(ctx, -1)
		}
	}
}

// statusLoop logs operator-facing status messages.
func (a *App) statusLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-a.notifier.Messages():
			slog.Info("status", "msg", msg)
		}
	}
}

// animationLoop drains speaking-state transitions. A graphical front end
// would consume these instead; the default logs them.
func (a *App) animationLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case state := <-a.controller.Animations():
			slog.Debug("animation", "state", state)
		}
	}
}

// startMetricsServer serves the Prometheus /metrics endpoint until ctx is
// cancelled.
func (a *App) startMetricsServer(ctx context.Context, g *errgroup.Group, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	a.metricsSrv = &http.Server{Addr: addr, Handler: mux}

	g.Go(func() error {
		slog.Info("metrics endpoint up", "addr", addr)
		if err := a.metricsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.metricsSrv.Shutdown(shutdownCtx)
		return ctx.Err()
	})
}

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		a.listener.Stop()
		a.notifier.Close()

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
