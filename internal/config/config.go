// Package config provides the configuration schema and loader for the
// voicepi companion.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Log          LogConfig          `yaml:"log"`
	Audio        AudioConfig        `yaml:"audio"`
	Wake         WakeConfig         `yaml:"wake"`
	Conversation ConversationConfig `yaml:"conversation"`
	Ack          AckConfig          `yaml:"ack"`
	Providers    ProvidersConfig    `yaml:"providers"`
	Persona      PersonaConfig      `yaml:"persona"`
	History      HistoryConfig      `yaml:"history"`
	Metrics      MetricsConfig      `yaml:"metrics"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Level controls verbosity. Default: info.
	Level LogLevel `yaml:"level"`
}

// AudioConfig holds capture settings shared by wake spotting and
// conversation recording.
type AudioConfig struct {
	// SampleRate in Hz. Default: 16000.
	SampleRate int `yaml:"sample_rate"`

	// FrameDurationMs is the capture frame length in milliseconds.
	// Default: 30.
	FrameDurationMs int `yaml:"frame_duration_ms"`

	// VADMode is the voice-activity aggressiveness, 0 (permissive) to
	// 3 (strict). Default: 3.
	VADMode int `yaml:"vad_mode"`
}

// WakeConfig tunes the always-on keyword spotter.
type WakeConfig struct {
	// Keywords are the phrases that open a conversation. Matching is
	// case-insensitive and ignores whitespace and punctuation.
	Keywords []string `yaml:"keywords"`

	// MaxDurationS bounds a single spotting recording, in seconds.
	// Default: 2.8.
	MaxDurationS float64 `yaml:"max_duration_s"`

	// StartTimeoutS gives up when no speech starts within this many
	// seconds. Default: 1.6.
	StartTimeoutS float64 `yaml:"start_timeout_s"`

	// EndSilenceMs ends the recording after this much trailing silence.
	// Default: 550.
	EndSilenceMs int `yaml:"end_silence_ms"`

	// MinRMS is the energy floor below which frames count as silence.
	// Default: 650.
	MinRMS float64 `yaml:"min_rms"`

	// MinSpeechFrames is the number of consecutive voiced frames that
	// confirm speech onset. Default: 5.
	MinSpeechFrames int `yaml:"min_speech_frames"`

	// CycleSleepMs is the pause between spotting cycles. Default: 250.
	CycleSleepMs int `yaml:"cycle_sleep_ms"`

	// CooldownMs is the pause after a detection before spotting resumes.
	// Default: 500.
	CooldownMs int `yaml:"cooldown_ms"`
}

// ConversationConfig tunes in-session recording and turn control.
type ConversationConfig struct {
	// MaxDurationS bounds one utterance recording, in seconds. Default: 6.
	MaxDurationS float64 `yaml:"max_duration_s"`

	// StartTimeoutS gives up when the speaker says nothing within this
	// many seconds. Default: 1.8.
	StartTimeoutS float64 `yaml:"start_timeout_s"`

	// EndSilenceMs ends the utterance after this much trailing silence.
	// Default: 700.
	EndSilenceMs int `yaml:"end_silence_ms"`

	// MinRMS is the energy floor for both recording and utterance
	// validation. Default: 650.
	MinRMS float64 `yaml:"min_rms"`

	// MinSpeechFrames confirms speech onset. Default: 5.
	MinSpeechFrames int `yaml:"min_speech_frames"`

	// MinValidMs rejects utterances shorter than this as misses.
	// Default: 700.
	MinValidMs int `yaml:"min_valid_ms"`

	// MaxMisses ends the session after this many consecutive invalid
	// recordings. Default: 2.
	MaxMisses int `yaml:"max_misses"`
}

// AckConfig configures the audio cue played when a session opens.
type AckConfig struct {
	// Path to the acknowledgment WAV. Empty disables the cue.
	Path string `yaml:"path"`

	// Repeat plays the cue this many times. Default: 1.
	Repeat int `yaml:"repeat"`

	// GapMs separates repeated cues. Default: 80.
	GapMs int `yaml:"gap_ms"`

	// MinLeadSilenceMs pads the cue's start so players that clip their
	// first samples do not swallow it. Default: 450.
	MinLeadSilenceMs int `yaml:"min_lead_silence_ms"`
}

// ProvidersConfig declares which provider implementation to use for each
// pipeline stage.
type ProvidersConfig struct {
	STT ProviderEntry `yaml:"stt"`
	LLM ProviderEntry `yaml:"llm"`
	TTS ProviderEntry `yaml:"tts"`

	// WakeSTT optionally dedicates a recognizer to wake-word spotting, so a
	// local model can run the always-on loop while a remote service
	// transcribes conversation turns. Empty reuses STT for both.
	WakeSTT ProviderEntry `yaml:"wake_stt"`
}

// ProviderEntry is the common configuration block shared by all provider
// types.
type ProviderEntry struct {
	// Name selects the provider implementation (e.g., "whisper", "gemini",
	// "piper").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	// The ${ENV_VAR} form is expanded from the environment.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider
	// (e.g., "gemini-3-flash-preview", "scribe_v1").
	Model string `yaml:"model"`

	// VoiceID is the provider-specific voice identifier (TTS only).
	VoiceID string `yaml:"voice_id"`

	// Options holds provider-specific configuration values not covered by
	// the standard fields above. For "whisper" this carries model_path;
	// for "piper" the player command line.
	Options map[string]any `yaml:"options"`
}

// PersonaConfig points at the markdown files that shape the companion's
// system prompt.
type PersonaConfig struct {
	// Name is the companion's display name used in prompts and logs.
	Name string `yaml:"name"`

	// IdentityPath is the markdown file describing who the companion is.
	IdentityPath string `yaml:"identity_path"`

	// SoulPath is the markdown file describing how the companion speaks.
	SoulPath string `yaml:"soul_path"`
}

// HistoryConfig holds transcript persistence settings.
type HistoryConfig struct {
	// Path is the SQLite database file. Empty disables persistence.
	Path string `yaml:"path"`

	// KeepSessions prunes the store down to this many most-recent
	// sessions on startup. 0 keeps everything.
	KeepSessions int `yaml:"keep_sessions"`
}

// MetricsConfig exposes Prometheus metrics over HTTP.
type MetricsConfig struct {
	// ListenAddr is the address of the /metrics endpoint (e.g., ":9090").
	// Empty disables the endpoint.
	ListenAddr string `yaml:"listen_addr"`
}

// seconds converts a float seconds value to a Duration.
func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// millis converts an int milliseconds value to a Duration.
func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// MaxDuration returns MaxDurationS as a Duration.
func (w WakeConfig) MaxDuration() time.Duration { return seconds(w.MaxDurationS) }

// StartTimeout returns StartTimeoutS as a Duration.
func (w WakeConfig) StartTimeout() time.Duration { return seconds(w.StartTimeoutS) }

// EndSilence returns EndSilenceMs as a Duration.
func (w WakeConfig) EndSilence() time.Duration { return millis(w.EndSilenceMs) }

// CycleSleep returns CycleSleepMs as a Duration.
func (w WakeConfig) CycleSleep() time.Duration { return millis(w.CycleSleepMs) }

// Cooldown returns CooldownMs as a Duration.
func (w WakeConfig) Cooldown() time.Duration { return millis(w.CooldownMs) }

// MaxDuration returns MaxDurationS as a Duration.
func (c ConversationConfig) MaxDuration() time.Duration { return seconds(c.MaxDurationS) }

// StartTimeout returns StartTimeoutS as a Duration.
func (c ConversationConfig) StartTimeout() time.Duration { return seconds(c.StartTimeoutS) }

// EndSilence returns EndSilenceMs as a Duration.
func (c ConversationConfig) EndSilence() time.Duration { return millis(c.EndSilenceMs) }

// MinValid returns MinValidMs as a Duration.
func (c ConversationConfig) MinValid() time.Duration { return millis(c.MinValidMs) }

// Gap returns GapMs as a Duration.
func (a AckConfig) Gap() time.Duration { return millis(a.GapMs) }

// MinLeadSilence returns MinLeadSilenceMs as a Duration.
func (a AckConfig) MinLeadSilence() time.Duration { return millis(a.MinLeadSilenceMs) }
