// Package piper provides a local TTS provider that shells out to the piper
// binary (https://github.com/rhasspy/piper). The command is run once per
// clip: the text is written to stdin and raw s16le PCM is read from stdout
// (piper's --output-raw mode). It implements tts.Synthesizer.
package piper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	shellwords "github.com/mattn/go-shellwords"

	"github.com/voicepi/voicepi/pkg/audio"
	"github.com/voicepi/voicepi/pkg/provider/tts"
)

// defaultSampleRate matches piper's medium-quality voices.
const defaultSampleRate = 22050

// Synthesizer runs a piper-style command for each clip.
type Synthesizer struct {
	cmd    []string
	format audio.Format
}

var _ tts.Synthesizer = (*Synthesizer)(nil)

// Option configures a Synthesizer.
type Option func(*Synthesizer)

// WithSampleRate declares the sample rate of the PCM the command emits.
// It must match the loaded voice model; piper does not resample.
func WithSampleRate(rate int) Option {
	return func(s *Synthesizer) { s.format.SampleRate = rate }
}

// New creates a Synthesizer from a shell-style command line, e.g.
//
//	piper.New("piper --model /opt/voices/en_US-amy-medium.onnx --output-raw")
//
// The command must read text from stdin and write raw s16le mono PCM to
// stdout.
func New(command string, opts ...Option) (*Synthesizer, error) {
	args, err := shellwords.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("piper: parse command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("piper: command must not be empty")
	}
	s := &Synthesizer{
		cmd:    args,
		format: audio.Format{SampleRate: defaultSampleRate, Channels: 1},
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Synthesize implements tts.Synthesizer. The raw PCM emitted by the command
// is wrapped into a WAV container before returning.
func (s *Synthesizer) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("piper: text must not be empty")
	}

	cmd := exec.CommandContext(ctx, s.cmd[0], s.cmd[1:]...)
	cmd.Stdin = strings.NewReader(text + "\n")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail != "" {
			return nil, fmt.Errorf("piper: run %s: %w: %s", s.cmd[0], err, detail)
		}
		return nil, fmt.Errorf("piper: run %s: %w", s.cmd[0], err)
	}

	pcm := stdout.Bytes()
	if len(pcm) == 0 {
		return nil, errors.New("piper: command produced no audio")
	}
	// Drop a trailing odd byte so samples stay aligned.
	pcm = pcm[:len(pcm)-len(pcm)%2]

	return audio.EncodeWAV(pcm, s.format), nil
}
