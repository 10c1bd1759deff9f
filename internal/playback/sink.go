// Package playback writes PCM audio to the output device, either as a
// low-latency stream fed chunk by chunk or as a whole clip handed to an
// external command-line player.
//
// External players (pw-play, aplay) are preferred for latency and device
// sharing; a direct miniaudio device stream is the fallback when none of
// them is installed or all of them fail.
package playback

import (
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"

	"github.com/voicepi/voicepi/pkg/audio"
)

// Sink accepts raw PCM at a fixed format and plays it.
type Sink interface {
	// Write plays b. Blocks while the backend applies backpressure.
	Write(b []byte) error

	// Close flushes and releases the backend. For process-backed sinks
	// Close waits for the player to drain and exit.
	Close() error
}

// Backend describes one way to open a Sink. Specs are tried in priority
// order; the decision of which spec to use is separate from opening it, so
// selection stays testable without spawning processes.
type Backend struct {
	// Name identifies the backend in logs and errors.
	Name string

	// Available reports whether the backend can be opened on this host.
	Available func() bool

	// Open creates the sink for the given PCM format.
	Open func(f audio.Format) (Sink, error)
}

// selectBackends filters specs down to the available ones, preserving
// priority order.
func selectBackends(specs []Backend) []Backend {
	var out []Backend
	for _, spec := range specs {
		if spec.Available() {
			out = append(out, spec)
		}
	}
	return out
}

// pipeCommands are the external players probed for, in priority order.
// PipeWire first; ALSA for hosts where PipeWire intermittently fails.
var pipeCommands = []string{"pw-play", "aplay"}

// pipeArgs builds the argument list that makes cmd read raw s16le PCM from
// stdin at the given format.
func pipeArgs(cmd string, f audio.Format) []string {
	rate := strconv.Itoa(f.SampleRate)
	channels := strconv.Itoa(f.Channels)
	switch cmd {
	case "pw-play":
		return []string{"--rate", rate, "--channels", channels, "--format", "s16", "--raw", "-"}
	case "aplay":
		return []string{"-q", "-t", "raw", "-f", "S16_LE", "-r", rate, "-c", channels, "-"}
	default:
		return []string{"-"}
	}
}

// pipeSink streams PCM into an external player process over stdin.
type pipeSink struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
}

// openPipeSink starts name with raw-PCM stdin arguments for f.
func openPipeSink(name string, f audio.Format) (Sink, error) {
	path, err := exec.LookPath(name)
	if err != nil {
		return nil, fmt.Errorf("playback: %s not found: %w", name, err)
	}

	cmd := exec.Command(path, pipeArgs(name, f)...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("playback: %s stdin: %w", name, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("playback: start %s: %w", name, err)
	}
	return &pipeSink{cmd: cmd, stdin: stdin}, nil
}

func (p *pipeSink) Write(b []byte) error {
	if _, err := p.stdin.Write(b); err != nil {
		return fmt.Errorf("playback: write to player: %w", err)
	}
	return nil
}

// Close closes stdin so the player drains its buffer, then waits for exit.
func (p *pipeSink) Close() error {
	closeErr := p.stdin.Close()
	waitErr := p.cmd.Wait()
	if waitErr != nil {
		return fmt.Errorf("playback: player exit: %w", waitErr)
	}
	return closeErr
}

// defaultBackends is the standard priority list: external players first,
// direct device output last.
func defaultBackends() []Backend {
	var specs []Backend
	for _, cmd := range pipeCommands {
		cmd := cmd
		specs = append(specs, Backend{
			Name: cmd,
			Available: func() bool {
				_, err := exec.LookPath(cmd)
				return err == nil
			},
			Open: func(f audio.Format) (Sink, error) { return openPipeSink(cmd, f) },
		})
	}
	specs = append(specs, Backend{
		Name:      "miniaudio",
		Available: func() bool { return true },
		Open:      openDeviceSink,
	})
	return specs
}

// openSink opens the first backend that works, in priority order.
func openSink(specs []Backend, f audio.Format) (Sink, string, error) {
	var errs []error
	for _, spec := range selectBackends(specs) {
		sink, err := spec.Open(f)
		if err == nil {
			return sink, spec.Name, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", spec.Name, err))
	}
	if len(errs) == 0 {
		return nil, "", errors.New("playback: no output backend available")
	}
	return nil, "", fmt.Errorf("playback: all backends failed: %w", errors.Join(errs...))
}
