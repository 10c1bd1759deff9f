// Command voicepi is the always-on desktop voice companion: it spots a wake
// word on the microphone, then holds a spoken conversation until the speaker
// goes quiet.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/voicepi/voicepi/internal/app"
	"github.com/voicepi/voicepi/internal/config"
	"github.com/voicepi/voicepi/internal/observe"
	"github.com/voicepi/voicepi/pkg/provider/llm"
	"github.com/voicepi/voicepi/pkg/provider/llm/anyllm"
	"github.com/voicepi/voicepi/pkg/provider/llm/gemini"
	"github.com/voicepi/voicepi/pkg/provider/stt"
	sttelevenlabs "github.com/voicepi/voicepi/pkg/provider/stt/elevenlabs"
	"github.com/voicepi/voicepi/pkg/provider/stt/whisper"
	"github.com/voicepi/voicepi/pkg/provider/tts"
	ttselevenlabs "github.com/voicepi/voicepi/pkg/provider/tts/elevenlabs"
	"github.com/voicepi/voicepi/pkg/provider/tts/piper"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voicepi: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voicepi: %v\n", err)
		}
		return 1
	}

	logger := newLogger(cfg.Log.Level)
	slog.SetDefault(logger)

	slog.Info("voicepi starting",
		"config", *configPath,
		"keywords", cfg.Wake.Keywords,
		"log_level", cfg.Log.Level,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "voicepi"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	providers, err := buildProviders(cfg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	application, err := app.New(ctx, cfg, providers)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("ready, say the wake word; press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// buildProviders instantiates the configured STT, LLM, and TTS providers.
func buildProviders(cfg *config.Config) (*app.Providers, error) {
	p := &app.Providers{}

	sttProvider, err := buildSTT(cfg.Providers.STT, nil)
	if err != nil {
		return nil, fmt.Errorf("stt provider %q: %w", cfg.Providers.STT.Name, err)
	}
	p.STT = sttProvider

	// A dedicated wake recognizer gets the keyword list as constrained
	// vocabulary; the conversational recognizer stays unconstrained.
	if cfg.Providers.WakeSTT.Name != "" {
		wakeProvider, err := buildSTT(cfg.Providers.WakeSTT, cfg.Wake.Keywords)
		if err != nil {
			return nil, fmt.Errorf("wake_stt provider %q: %w", cfg.Providers.WakeSTT.Name, err)
		}
		p.WakeSTT = wakeProvider
	}

	llmProvider, err := buildLLM(cfg.Providers.LLM)
	if err != nil {
		return nil, fmt.Errorf("llm provider %q: %w", cfg.Providers.LLM.Name, err)
	}
	p.LLM = llmProvider

	ttsProvider, streamTTS, err := buildTTS(cfg.Providers.TTS)
	if err != nil {
		return nil, fmt.Errorf("tts provider %q: %w", cfg.Providers.TTS.Name, err)
	}
	p.TTS = ttsProvider
	p.StreamTTS = streamTTS

	return p, nil
}

func buildSTT(entry config.ProviderEntry, vocabulary []string) (stt.Recognizer, error) {
	switch entry.Name {
	case "whisper":
		modelPath := optString(entry.Options, "model_path")
		if modelPath == "" {
			modelPath = entry.Model
		}
		var opts []whisper.Option
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		if len(vocabulary) > 0 {
			opts = append(opts, whisper.WithVocabulary(vocabulary))
		}
		return whisper.New(modelPath, opts...)

	case "elevenlabs":
		var opts []sttelevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, sttelevenlabs.WithModelID(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, sttelevenlabs.WithBaseURL(entry.BaseURL))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, sttelevenlabs.WithLanguageCode(lang))
		}
		return sttelevenlabs.New(entry.APIKey, opts...)

	default:
		return nil, fmt.Errorf("unknown implementation")
	}
}

func buildLLM(entry config.ProviderEntry) (llm.Provider, error) {
	switch entry.Name {
	case "gemini":
		var opts []gemini.Option
		if entry.Model != "" {
			opts = append(opts, gemini.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(entry.BaseURL))
		}
		return gemini.New(entry.APIKey, opts...)

	case "openai", "anthropic", "deepseek", "mistral", "groq",
		"llamacpp", "llamafile":
		var opts []anyllmlib.Option
		if entry.APIKey != "" {
			opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
		}
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New(entry.Name, entry.Model, opts...)

	case "ollama":
		// Local server; BaseURL is the address, no API key.
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)

	default:
		return nil, fmt.Errorf("unknown implementation")
	}
}

// buildTTS returns the clip synthesizer and, when the implementation
// supports it, the streaming synthesizer for sentence-by-sentence replies.
func buildTTS(entry config.ProviderEntry) (tts.Synthesizer, tts.StreamSynthesizer, error) {
	switch entry.Name {
	case "piper":
		command := optString(entry.Options, "command")
		var opts []piper.Option
		if rate := optInt(entry.Options, "sample_rate"); rate > 0 {
			opts = append(opts, piper.WithSampleRate(rate))
		}
		s, err := piper.New(command, opts...)
		if err != nil {
			return nil, nil, err
		}
		return s, nil, nil

	case "elevenlabs":
		var opts []ttselevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, ttselevenlabs.WithModel(entry.Model))
		}
		if entry.VoiceID != "" {
			opts = append(opts, ttselevenlabs.WithVoiceID(entry.VoiceID))
		}
		if entry.BaseURL != "" {
			opts = append(opts, ttselevenlabs.WithBaseURL(entry.BaseURL))
		}
		p, err := ttselevenlabs.New(entry.APIKey, opts...)
		if err != nil {
			return nil, nil, err
		}
		return p, p, nil

	default:
		return nil, nil, fmt.Errorf("unknown implementation")
	}
}

// optString reads a string value from a provider options map.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	if v, ok := opts[key].(string); ok {
		return v
	}
	return ""
}

// optInt reads an int value from a provider options map.
func optInt(opts map[string]any, key string) int {
	if opts == nil {
		return 0
	}
	switch v := opts[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

// newLogger builds the default text logger at the configured level.
func newLogger(level config.LogLevel) *slog.Logger {
	var l slog.Level
	switch level {
	case config.LogDebug:
		l = slog.LevelDebug
	case config.LogWarn:
		l = slog.LevelWarn
	case config.LogError:
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
