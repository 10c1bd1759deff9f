package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt": {"whisper", "elevenlabs"},
	"llm": {"gemini", "openai", "anthropic", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"tts": {"piper", "elevenlabs"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. It is a convenience wrapper around
// [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, expands
// ${ENV_VAR} references in API keys, and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	expandEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero-valued fields with the standard tuning.
func ApplyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = LogInfo
	}

	if cfg.Audio.SampleRate == 0 {
		cfg.Audio.SampleRate = 16000
	}
	if cfg.Audio.FrameDurationMs == 0 {
		cfg.Audio.FrameDurationMs = 30
	}
	if cfg.Audio.VADMode == 0 {
		cfg.Audio.VADMode = 3
	}

	w := &cfg.Wake
	if len(w.Keywords) == 0 {
		w.Keywords = []string{"hey pet", "pet"}
	}
	if w.MaxDurationS == 0 {
		w.MaxDurationS = 2.8
	}
	if w.StartTimeoutS == 0 {
		w.StartTimeoutS = 1.6
	}
	if w.EndSilenceMs == 0 {
		w.EndSilenceMs = 550
	}
	if w.MinRMS == 0 {
		w.MinRMS = 650
	}
	if w.MinSpeechFrames == 0 {
		w.MinSpeechFrames = 5
	}
	if w.CycleSleepMs == 0 {
		w.CycleSleepMs = 250
	}
	if w.CooldownMs == 0 {
		w.CooldownMs = 500
	}

	c := &cfg.Conversation
	if c.MaxDurationS == 0 {
		c.MaxDurationS = 6.0
	}
	if c.StartTimeoutS == 0 {
		c.StartTimeoutS = 1.8
	}
	if c.EndSilenceMs == 0 {
		c.EndSilenceMs = 700
	}
	if c.MinRMS == 0 {
		c.MinRMS = 650
	}
	if c.MinSpeechFrames == 0 {
		c.MinSpeechFrames = 5
	}
	if c.MinValidMs == 0 {
		c.MinValidMs = 700
	}
	if c.MaxMisses == 0 {
		c.MaxMisses = 2
	}

	a := &cfg.Ack
	if a.Repeat == 0 {
		a.Repeat = 1
	}
	if a.GapMs == 0 {
		a.GapMs = 80
	}
	if a.MinLeadSilenceMs == 0 {
		a.MinLeadSilenceMs = 450
	}
}

// envRef matches ${VAR_NAME} references in string config values.
var envRef = regexp.MustCompile(`^\$\{([A-Za-z_][A-Za-z0-9_]*)\}$`)

// expandEnv resolves ${ENV_VAR} references in provider API keys, so
// config files can be committed without secrets.
func expandEnv(cfg *Config) {
	for _, entry := range []*ProviderEntry{
		&cfg.Providers.STT, &cfg.Providers.LLM, &cfg.Providers.TTS,
		&cfg.Providers.WakeSTT,
	} {
		if m := envRef.FindStringSubmatch(entry.APIKey); m != nil {
			entry.APIKey = os.Getenv(m[1])
		}
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Log.Level != "" && !cfg.Log.Level.IsValid() {
		errs = append(errs, fmt.Errorf("log.level %q is invalid; valid values: debug, info, warn, error", cfg.Log.Level))
	}

	if cfg.Audio.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must be positive", cfg.Audio.SampleRate))
	}
	if cfg.Audio.FrameDurationMs <= 0 {
		errs = append(errs, fmt.Errorf("audio.frame_duration_ms %d must be positive", cfg.Audio.FrameDurationMs))
	}
	if cfg.Audio.VADMode < 0 || cfg.Audio.VADMode > 3 {
		errs = append(errs, fmt.Errorf("audio.vad_mode %d is out of range [0, 3]", cfg.Audio.VADMode))
	}

	hasKeyword := false
	for _, k := range cfg.Wake.Keywords {
		if k != "" {
			hasKeyword = true
			break
		}
	}
	if !hasKeyword {
		errs = append(errs, errors.New("wake.keywords must contain at least one keyword"))
	}
	if cfg.Wake.MaxDurationS <= 0 {
		errs = append(errs, fmt.Errorf("wake.max_duration_s %.2f must be positive", cfg.Wake.MaxDurationS))
	}

	if cfg.Conversation.MaxDurationS <= 0 {
		errs = append(errs, fmt.Errorf("conversation.max_duration_s %.2f must be positive", cfg.Conversation.MaxDurationS))
	}
	if cfg.Conversation.MaxMisses < 1 {
		errs = append(errs, fmt.Errorf("conversation.max_misses %d must be at least 1", cfg.Conversation.MaxMisses))
	}
	if cfg.Conversation.MinValidMs < 0 {
		errs = append(errs, fmt.Errorf("conversation.min_valid_ms %d must not be negative", cfg.Conversation.MinValidMs))
	}

	if cfg.Ack.Repeat < 1 {
		errs = append(errs, fmt.Errorf("ack.repeat %d must be at least 1", cfg.Ack.Repeat))
	}

	// Provider name validation, warn for unknown provider names.
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("stt", cfg.Providers.WakeSTT.Name)
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)

	if cfg.Providers.STT.Name == "" {
		errs = append(errs, errors.New("providers.stt.name is required"))
	}
	if cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm.name is required"))
	}
	if cfg.Providers.TTS.Name == "" {
		errs = append(errs, errors.New("providers.tts.name is required"))
	}

	if cfg.History.KeepSessions < 0 {
		errs = append(errs, fmt.Errorf("history.keep_sessions %d must not be negative", cfg.History.KeepSessions))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
