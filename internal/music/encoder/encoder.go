// Package encoder wraps the external ffmpeg process that turns a remote
// stream URL into raw PCM on stdout.
package encoder

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"

	"github.com/rs/zerolog"
)

const (
	Channels   = 2
	SampleRate = 48000
	FrameSize  = 960 // 20ms at 48kHz
)

var ErrNotStarted = errors.New("encoder is not running")

// Pipeline owns at most one live ffmpeg process. Starting a new track kills
// the previous process first, so track transitions never leak an orphan.
// The stdout pipe belongs exclusively to whoever called Start.
type Pipeline struct {
	mu     sync.Mutex
	cmd    *exec.Cmd
	out    io.ReadCloser
	killed bool
	log    zerolog.Logger
}

func NewPipeline(log zerolog.Logger) *Pipeline {
	return &Pipeline{log: log.With().Str("component", "encoder").Logger()}
}

// Start spawns ffmpeg reading streamURL and returns its stdout. The process
// reconnects on brief upstream stalls itself; without the reconnect flags
// ffmpeg tends to stop mid-track with a spurious EOF.
func (p *Pipeline) Start(streamURL string) (io.ReadCloser, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.killLocked()
	if old := p.cmd; old != nil {
		// Previous process was not reaped via Wait; do it off to the side.
		go old.Wait()
		p.cmd = nil
		p.out = nil
	}

	cmd := exec.Command("ffmpeg",
		"-reconnect", "1",
		"-reconnect_streamed", "1",
		"-reconnect_delay_max", "5",
		"-i", streamURL,
		"-f", "s16le",
		"-ar", strconv.Itoa(SampleRate),
		"-ac", strconv.Itoa(Channels),
		"-af", "dynaudnorm=f=150",
		"-loglevel", "warning",
		"pipe:1",
	)

	out, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe error: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("ffmpeg start error: %w", err)
	}

	p.cmd = cmd
	p.out = out
	p.killed = false
	p.log.Debug().Int("pid", cmd.Process.Pid).Msg("encoder started")

	return out, nil
}

// Stop kills the running process, if any. Safe to call repeatedly.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.killLocked()
}

// Wait reaps the process and reports how it ended. A deliberate Stop is not
// an error; anything else is surfaced so the caller can tell an abnormal
// encoder exit apart from a clean end of stream.
func (p *Pipeline) Wait() error {
	p.mu.Lock()
	cmd := p.cmd
	killed := p.killed
	p.cmd = nil
	p.out = nil
	p.mu.Unlock()

	if cmd == nil {
		return ErrNotStarted
	}

	err := cmd.Wait()
	if err != nil && !killed {
		return fmt.Errorf("encoder exited abnormally: %w", err)
	}
	return nil
}

func (p *Pipeline) killLocked() {
	if p.cmd == nil || p.cmd.Process == nil {
		return
	}
	// killed is only set when the signal actually landed on a live
	// process; a process that already exited keeps its own exit status.
	switch err := p.cmd.Process.Kill(); {
	case err == nil:
		p.killed = true
	case errors.Is(err, os.ErrProcessDone):
	default:
		p.log.Warn().Err(err).Msg("failed to kill encoder process")
	}
	if p.out != nil {
		p.out.Close()
	}
}
