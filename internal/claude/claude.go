// Package claude runs the claude CLI headless and exposes its stream-json
// output as canonical events.
package claude

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joescharf/agentd/internal/models"
)

const (
	// DefaultBinary is the executable looked up on PATH.
	DefaultBinary = "claude"

	// DefaultKillDelay is how long a cancelled process gets to exit after
	// SIGTERM before it is killed.
	DefaultKillDelay = 5 * time.Second

	maxLineSize   = 10 * 1024 * 1024
	maxStderrSize = 64 * 1024
)

// Options describes one run.
type Options struct {
	Prompt       string
	Dir          string
	AllowedTools []string
	MaxTurns     int
	Env          map[string]string
	// ResumeID continues an existing agent session when set.
	ResumeID string
}

// Runner starts claude processes.
type Runner struct {
	Binary    string
	KillDelay time.Duration
	Log       *slog.Logger
}

// NewRunner returns a Runner for the given binary. An empty binary means
// DefaultBinary.
func NewRunner(binary string, log *slog.Logger) *Runner {
	if binary == "" {
		binary = DefaultBinary
	}
	if log == nil {
		log = slog.Default()
	}
	return &Runner{Binary: binary, KillDelay: DefaultKillDelay, Log: log.With("component", "claude")}
}

// Args returns the command line flags for opts.
func Args(opts Options) []string {
	args := []string{
		"-p", opts.Prompt,
		"--output-format", "stream-json",
		"--verbose",
		"--include-partial-messages",
	}
	if len(opts.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(opts.AllowedTools, ","))
	}
	if opts.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(opts.MaxTurns))
	}
	if opts.ResumeID != "" {
		args = append(args, "--resume", opts.ResumeID)
	}
	return args
}

func environ(extra map[string]string) []string {
	env := os.Environ()
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}

// Start launches claude with opts and returns its event stream. The process
// is not tied to ctx; use Stream.Cancel to stop it.
func (r *Runner) Start(ctx context.Context, opts Options) (*Stream, error) {
	if opts.Prompt == "" {
		return nil, fmt.Errorf("prompt is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(r.Binary, Args(opts)...)
	cmd.Dir = opts.Dir
	cmd.Env = environ(opts.Env)
	cmd.WaitDelay = time.Second
	setProcessGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr := &boundedBuffer{limit: maxStderrSize}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", r.Binary, err)
	}
	r.Log.Debug("claude started", "pid", cmd.Process.Pid, "dir", opts.Dir, "resume", opts.ResumeID != "")

	s := &Stream{
		cmd:       cmd,
		stderr:    stderr,
		events:    make(chan models.Event, 64),
		stop:      make(chan struct{}),
		exitCh:    make(chan struct{}),
		killDelay: r.KillDelay,
		log:       r.Log,
	}
	go s.pump(stdout)
	return s, nil
}

// Stream is the event sequence of one running claude process.
type Stream struct {
	cmd       *exec.Cmd
	stderr    *boundedBuffer
	events    chan models.Event
	stop      chan struct{}
	killDelay time.Duration
	log       *slog.Logger

	cancelOnce sync.Once
	mu         sync.Mutex
	cancelled  bool
	// exitCh is closed once the process has been waited for.
	exitCh chan struct{}
}

// Next returns the next event. It returns io.EOF once the stream has ended,
// whether normally, by cancellation, or after a reported failure.
func (s *Stream) Next(ctx context.Context) (models.Event, error) {
	select {
	case ev, ok := <-s.events:
		if !ok {
			return models.Event{}, io.EOF
		}
		return ev, nil
	case <-ctx.Done():
		return models.Event{}, ctx.Err()
	}
}

// Cancel terminates the process. The stream then ends without an error
// event. Safe to call more than once.
func (s *Stream) Cancel() {
	s.cancelOnce.Do(func() {
		s.mu.Lock()
		s.cancelled = true
		s.mu.Unlock()
		close(s.stop)

		if s.cmd.Process == nil {
			return
		}
		if err := terminate(s.cmd); err != nil && !errors.Is(err, os.ErrProcessDone) {
			s.log.Debug("terminate claude", "error", err)
		}
		go func() {
			timer := time.NewTimer(s.killDelay)
			defer timer.Stop()
			select {
			case <-timer.C:
				_ = kill(s.cmd)
			case <-s.exitCh:
			}
		}()
	})
}

func (s *Stream) isCancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

// emit delivers ev unless the stream has been cancelled.
func (s *Stream) emit(ev models.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.stop:
		return false
	}
}

func (s *Stream) pump(stdout io.ReadCloser) {
	defer close(s.events)
	defer close(s.exitCh)

	p := newParser()
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	open := true
	for open && scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		for _, ev := range p.parseLine(line) {
			if !s.emit(ev) {
				open = false
				break
			}
		}
		if p.sawResult {
			break
		}
	}
	scanErr := scanner.Err()

	switch {
	case scanErr != nil && !s.isCancelled():
		if err := terminate(s.cmd); err != nil && !errors.Is(err, os.ErrProcessDone) {
			s.log.Debug("terminate claude", "error", err)
		}
	case p.sawResult:
		go s.reapAfterResult()
	}

	// Wait closes stdout as soon as claude itself exits, so a background
	// process it spawned cannot keep the stream open. The drain runs
	// alongside so claude never blocks on a full pipe we stopped reading.
	go func() { _, _ = io.Copy(io.Discard, stdout) }()
	waitErr := s.cmd.Wait()

	if s.isCancelled() || p.sawResult {
		return
	}

	switch {
	case scanErr != nil:
		s.emit(models.NewError(models.ErrorCodeStream, scanErr.Error()))
	case waitErr != nil:
		msg := strings.TrimSpace(s.stderr.String())
		if msg == "" {
			msg = waitErr.Error()
		}
		s.emit(models.NewError(models.ErrorCodeClaude, msg))
	default:
		s.emit(models.NewError(models.ErrorCodeClaude, "claude exited without a result"))
	}
	s.log.Debug("claude exited without result", "error", waitErr)
}

// reapAfterResult stops a claude process that is still alive killDelay after
// it reported its result.
func (s *Stream) reapAfterResult() {
	timer := time.NewTimer(s.killDelay)
	defer timer.Stop()
	select {
	case <-s.exitCh:
		return
	case <-timer.C:
	}
	s.log.Debug("claude still running after result, terminating", "pid", s.cmd.Process.Pid)
	_ = terminate(s.cmd)
	timer.Reset(s.killDelay)
	select {
	case <-s.exitCh:
	case <-timer.C:
		_ = kill(s.cmd)
	}
}

// boundedBuffer keeps the first limit bytes written to it.
type boundedBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.limit - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *boundedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
