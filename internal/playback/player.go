package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/voicepi/voicepi/internal/observe"
	"github.com/voicepi/voicepi/pkg/audio"
)

const (
	playRetries    = 2
	playRetryDelay = 60 * time.Millisecond

	// leadThreshold is the sample magnitude below which audio counts as
	// silence when measuring a clip's leading quiet span.
	leadThreshold int16 = 197
)

// playTimeout derives a process timeout from the clip duration: generous
// enough for backend startup and buffer drain, bounded so a wedged player
// never hangs a session.
func playTimeout(clip time.Duration) time.Duration {
	t := time.Duration(float64(clip)*1.6) + 4*time.Second
	if t < 12*time.Second {
		t = 12 * time.Second
	}
	return t
}

// Player plays whole WAV clips through external command-line players,
// falling back to the direct device sink when every external attempt fails.
type Player struct {
	commands []string
	lookPath func(string) (string, error)
	run      func(ctx context.Context, name string, args ...string) error
	fallback func(pcm []byte, f audio.Format) error
	metrics  *observe.Metrics
	logger   *slog.Logger
}

// PlayerOption configures a Player.
type PlayerOption func(*Player)

// WithCommands overrides the external player priority list.
func WithCommands(cmds []string) PlayerOption {
	return func(p *Player) { p.commands = cmds }
}

// WithLookPath overrides command availability probing. Used by tests.
func WithLookPath(fn func(string) (string, error)) PlayerOption {
	return func(p *Player) { p.lookPath = fn }
}

// WithRunner overrides process execution. Used by tests.
func WithRunner(fn func(ctx context.Context, name string, args ...string) error) PlayerOption {
	return func(p *Player) { p.run = fn }
}

// WithFallback overrides the direct-device fallback. Used by tests.
func WithFallback(fn func(pcm []byte, f audio.Format) error) PlayerOption {
	return func(p *Player) { p.fallback = fn }
}

// WithMetrics records playback fallbacks on m. Nil disables recording.
func WithMetrics(m *observe.Metrics) PlayerOption {
	return func(p *Player) { p.metrics = m }
}

// WithPlayerLogger sets the logger. Defaults to slog.Default().
func WithPlayerLogger(l *slog.Logger) PlayerOption {
	return func(p *Player) { p.logger = l }
}

// NewPlayer creates a Player with the standard backend list.
func NewPlayer(opts ...PlayerOption) *Player {
	p := &Player{
		commands: pipeCommands,
		lookPath: exec.LookPath,
		run:      runCommand,
		fallback: deviceFallback,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// PlayOptions tunes a single clip.
type PlayOptions struct {
	// MinLeadSilence pads the clip's start with silence until at least this
	// much quiet precedes the first audible sample, giving slow playback
	// hardware time to open before speech begins.
	MinLeadSilence time.Duration

	// Warmup plays a silent clip of this duration before the real one to
	// prime the backend. Zero disables the warm-up pass.
	Warmup time.Duration
}

// PlayWAV plays a complete WAV clip and blocks until playback finishes.
// External players are tried in priority order with bounded retries; if all
// fail, the clip goes straight to the output device.
func (p *Player) PlayWAV(ctx context.Context, wav []byte, opts PlayOptions) error {
	if len(wav) == 0 {
		return errors.New("playback: empty clip")
	}
	pcm, format, err := audio.DecodeWAV(wav)
	if err != nil {
		return fmt.Errorf("playback: decode clip: %w", err)
	}

	if opts.MinLeadSilence > 0 {
		if padded, changed := padLeadSilence(pcm, format, opts.MinLeadSilence); changed {
			pcm = padded
			wav = audio.EncodeWAV(pcm, format)
		}
	}

	clipDur := format.Duration(len(pcm))
	timeout := playTimeout(clipDur)

	if err := p.cliPlay(ctx, wav, format, timeout, opts.Warmup); err == nil {
		return nil
	} else {
		p.logger.Warn("external players failed, using device output", "error", err)
	}

	if p.metrics != nil {
		p.metrics.PlaybackFallbacks.Add(ctx, 1)
	}
	if err := p.fallback(pcm, format); err != nil {
		return fmt.Errorf("playback: device fallback: %w", err)
	}
	return nil
}

// PlayFile plays a WAV file from disk.
func (p *Player) PlayFile(ctx context.Context, path string, opts PlayOptions) error {
	wav, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("playback: read %s: %w", path, err)
	}
	return p.PlayWAV(ctx, wav, opts)
}

// cliPlay walks the external player list. Each command gets playRetries
// attempts with a short delay between them; a timeout moves straight to the
// next command since a player that cannot finish in time will not do better
// on a retry.
func (p *Player) cliPlay(ctx context.Context, wav []byte, format audio.Format, timeout, warmup time.Duration) error {
	file, err := writeTempWAV(wav)
	if err != nil {
		return err
	}
	defer os.Remove(file)

	var warmupFile string
	if warmup > 0 {
		warmupFile, err = writeTempWAV(audio.EncodeWAV(audio.Silence(format, warmup), format))
		if err != nil {
			return err
		}
		defer os.Remove(warmupFile)
	}

	var errs []error
	for _, cmd := range p.commands {
		path, err := p.lookPath(cmd)
		if err != nil {
			continue
		}

		if warmupFile != "" {
			warmCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			_ = p.run(warmCtx, path, warmupFile)
			cancel()
		}

	attempts:
		for attempt := 1; attempt <= playRetries; attempt++ {
			runCtx, cancel := context.WithTimeout(ctx, timeout)
			start := time.Now()
			err := p.run(runCtx, path, file)
			cancel()

			p.logger.Debug("play attempt",
				"cmd", cmd, "attempt", attempt, "elapsed", time.Since(start), "error", err)
			if err == nil {
				return nil
			}
			errs = append(errs, fmt.Errorf("%s attempt %d: %w", cmd, attempt, err))
			if errors.Is(err, context.DeadlineExceeded) {
				break attempts
			}
			if attempt < playRetries {
				time.Sleep(playRetryDelay)
			}
		}
	}

	if len(errs) == 0 {
		return errors.New("no external player available")
	}
	return errors.Join(errs...)
}

// padLeadSilence prepends silence so at least minLead of quiet precedes the
// first audible sample. Reports whether the clip was modified.
func padLeadSilence(pcm []byte, f audio.Format, minLead time.Duration) ([]byte, bool) {
	lead := audio.LeadingSilence(pcm, f, leadThreshold)
	missing := minLead - lead
	if missing <= 0 {
		return pcm, false
	}
	pad := audio.Silence(f, missing)
	out := make([]byte, 0, len(pad)+len(pcm))
	out = append(out, pad...)
	out = append(out, pcm...)
	return out, true
}

func writeTempWAV(wav []byte) (string, error) {
	tmp, err := os.CreateTemp("", "voicepi-*.wav")
	if err != nil {
		return "", fmt.Errorf("playback: temp file: %w", err)
	}
	if _, err := tmp.Write(wav); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("playback: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("playback: close temp file: %w", err)
	}
	return tmp.Name(), nil
}

// runCommand executes the player process, discarding its output. The error
// carries context.DeadlineExceeded when the timeout fired.
func runCommand(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	err := cmd.Run()
	if err != nil && ctx.Err() != nil {
		return fmt.Errorf("%w: %w", ctx.Err(), err)
	}
	return err
}

// deviceFallback plays pcm synchronously through the direct device sink.
func deviceFallback(pcm []byte, f audio.Format) error {
	sink, err := openDeviceSink(f)
	if err != nil {
		return err
	}
	if err := sink.Write(pcm); err != nil {
		sink.Close()
		return err
	}
	return sink.Close()
}
