package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"sync"
)

// Player plays audio on the local output device.
// Play and PlayRaw block until playback ends or ctx is cancelled.
type Player interface {
	// Play plays a decoded clip.
	Play(ctx context.Context, clip *Clip) error

	// PlayRaw hands undecoded bytes straight to the output, used when decoding fails.
	PlayRaw(ctx context.Context, data []byte) error
}

// FileArg is replaced by a temporary file path in ExecPlayer arguments.
// Without it, audio is written to the command's stdin.
const FileArg = "{file}"

// ExecPlayer plays audio through an external command such as aplay or afplay.
type ExecPlayer struct {
	command string
	args    []string
	logger  *slog.Logger

	mu      sync.Mutex
	playing int
}

// DefaultCommand returns the platform playback command.
func DefaultCommand() (string, []string) {
	if runtime.GOOS == "darwin" {
		return "afplay", []string{FileArg}
	}
	return "aplay", []string{"-q", "-"}
}

// NewExecPlayer creates a player running command with args.
// An empty command selects DefaultCommand.
func NewExecPlayer(command string, args []string, logger *slog.Logger) *ExecPlayer {
	if command == "" {
		command, args = DefaultCommand()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecPlayer{
		command: command,
		args:    args,
		logger:  logger.With("component", "audio.player"),
	}
}

// Play re-encodes the clip as WAV and runs the playback command.
func (p *ExecPlayer) Play(ctx context.Context, clip *Clip) error {
	if clip == nil || len(clip.PCM) == 0 {
		return nil
	}
	return p.run(ctx, EncodeWAV(clip))
}

// PlayRaw runs the playback command on data as-is.
func (p *ExecPlayer) PlayRaw(ctx context.Context, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return p.run(ctx, data)
}

// IsPlaying returns whether any playback is in progress.
func (p *ExecPlayer) IsPlaying() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing > 0
}

func (p *ExecPlayer) run(ctx context.Context, data []byte) error {
	args := make([]string, len(p.args))
	copy(args, p.args)

	stdin := data
	for i, a := range args {
		if a != FileArg {
			continue
		}
		path, err := writeTemp(data)
		if err != nil {
			return err
		}
		defer os.Remove(path)
		args[i] = path
		stdin = nil
	}

	cmd := exec.CommandContext(ctx, p.command, args...)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	p.mu.Lock()
	p.playing++
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.playing--
		p.mu.Unlock()
	}()

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("audio: %s exited %d: %s", p.command, exitErr.ExitCode(), stderr.String())
		}
		return fmt.Errorf("audio: run %s: %w", p.command, err)
	}

	p.logger.Debug("played audio", "bytes", len(data))
	return nil
}

func writeTemp(data []byte) (string, error) {
	f, err := os.CreateTemp("", "greeter-*.wav")
	if err != nil {
		return "", fmt.Errorf("audio: temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("audio: write temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("audio: close temp file: %w", err)
	}
	return f.Name(), nil
}
