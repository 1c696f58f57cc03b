// Package orchestrator starts, tracks and cancels agent runs.
//
// A Manager owns the global concurrency budget and the registry of in-flight
// runs. Each run's events are consumed by a background goroutine that
// persists them and republishes them on the session's bus entry, so HTTP
// observers can come and go without affecting the run.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/joescharf/agentd/internal/claude"
	"github.com/joescharf/agentd/internal/config"
	"github.com/joescharf/agentd/internal/events"
	"github.com/joescharf/agentd/internal/models"
	"github.com/joescharf/agentd/internal/store"
)

var (
	ErrValidation         = errors.New("invalid request")
	ErrUnknownEnvironment = errors.New("unknown environment")
	ErrCapacity           = errors.New("concurrency limit reached")
	ErrSessionBusy        = errors.New("session already running")
	ErrNotRunning         = errors.New("session not running")
	ErrNotFound           = errors.New("session not found")
	ErrProvisioning       = errors.New("workspace provisioning failed")
	ErrRunStart           = errors.New("run failed to start")
	ErrShuttingDown       = errors.New("shutting down")
)

const titleTimeout = 30 * time.Second

// EventStream is a running agent process as seen by the orchestrator.
type EventStream interface {
	// Next returns the next event, or io.EOF once the run has ended.
	Next(ctx context.Context) (models.Event, error)
	// Cancel stops the run. Next then reports io.EOF.
	Cancel()
}

// StartFunc launches a run.
type StartFunc func(ctx context.Context, opts claude.Options) (EventStream, error)

// ClaudeStarter adapts a claude.Runner to a StartFunc.
func ClaudeStarter(r *claude.Runner) StartFunc {
	return func(ctx context.Context, opts claude.Options) (EventStream, error) {
		s, err := r.Start(ctx, opts)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// Provisioner creates run workspaces.
type Provisioner interface {
	Create(ctx context.Context, repo, branch string) (string, error)
}

// Titler names new sessions.
type Titler interface {
	Title(ctx context.Context, task string) (string, error)
}

// Options wires a Manager.
type Options struct {
	Store         store.Store
	Bus           *events.Bus
	Start         StartFunc
	Workspaces    Provisioner
	Titler        Titler
	Environments  map[string]config.Environment
	MaxConcurrent int
	Logger        *slog.Logger
}

// Manager runs sessions.
type Manager struct {
	store      store.Store
	bus        *events.Bus
	start      StartFunc
	workspaces Provisioner
	titler     Titler
	envs       map[string]config.Environment
	max        int
	log        *slog.Logger

	mu      sync.Mutex
	running int
	runs    map[string]*run
	closing bool
	wg      sync.WaitGroup
}

// run is a registry entry. stream is nil until the process has started.
type run struct {
	stream    EventStream
	cancelled bool
}

// New returns a Manager.
func New(opts Options) *Manager {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	max := opts.MaxConcurrent
	if max < 1 {
		max = 1
	}
	return &Manager{
		store:      opts.Store,
		bus:        opts.Bus,
		start:      opts.Start,
		workspaces: opts.Workspaces,
		titler:     opts.Titler,
		envs:       opts.Environments,
		max:        max,
		log:        log.With("component", "orchestrator"),
		runs:       make(map[string]*run),
	}
}

// CreateRequest starts a new session.
type CreateRequest struct {
	Prompt      string `json:"prompt"`
	Environment string `json:"environment"`
	Repo        string `json:"repo,omitempty"`
	Branch      string `json:"branch,omitempty"`
}

// CreateResult identifies the session a create call started.
type CreateResult struct {
	SessionID string `json:"session_id"`
	Workspace string `json:"workspace"`
}

// MaxConcurrent returns the concurrency ceiling.
func (m *Manager) MaxConcurrent() int { return m.max }

// Running returns the number of in-flight runs.
func (m *Manager) Running() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// IsRunning reports whether sessionID has a registered run.
func (m *Manager) IsRunning(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.runs[sessionID]
	return ok
}

func (m *Manager) environment(name string) (config.Environment, error) {
	env, ok := m.envs[name]
	if !ok {
		return config.Environment{}, fmt.Errorf("%w: %q", ErrUnknownEnvironment, name)
	}
	return env, nil
}

// reserve takes a concurrency slot.
func (m *Manager) reserve() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closing {
		return ErrShuttingDown
	}
	if m.running >= m.max {
		return fmt.Errorf("%w (%d of %d runs in flight)", ErrCapacity, m.running, m.max)
	}
	m.running++
	return nil
}

func (m *Manager) release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running--
}

// CreateSession provisions a workspace, starts the first run and returns once
// the agent has assigned a session id. The rest of the run continues in the
// background.
func (m *Manager) CreateSession(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	req.Prompt = strings.TrimSpace(req.Prompt)
	if req.Prompt == "" {
		return nil, fmt.Errorf("%w: prompt is required", ErrValidation)
	}
	if req.Environment == "" {
		req.Environment = config.DefaultEnvironment
	}
	if req.Branch != "" && req.Repo == "" {
		return nil, fmt.Errorf("%w: branch requires repo", ErrValidation)
	}
	env, err := m.environment(req.Environment)
	if err != nil {
		return nil, err
	}

	if err := m.reserve(); err != nil {
		return nil, err
	}

	dir, err := m.workspaces.Create(ctx, req.Repo, req.Branch)
	if err != nil {
		m.release()
		return nil, fmt.Errorf("%w: %v", ErrProvisioning, err)
	}

	stream, err := m.start(ctx, claude.Options{
		Prompt:       req.Prompt,
		Dir:          dir,
		AllowedTools: env.AllowedTools,
		MaxTurns:     env.MaxTurns,
		Env:          env.Env,
	})
	if err != nil {
		m.release()
		m.discard(dir)
		return nil, fmt.Errorf("%w: %v", ErrRunStart, err)
	}

	// The session id comes from the agent, so nothing can be persisted or
	// registered until the first event arrives.
	first, err := stream.Next(ctx)
	if err != nil || first.Type != models.EventSessionCreated {
		stream.Cancel()
		m.release()
		m.discard(dir)
		if err == nil {
			err = firstEventError(first)
		}
		return nil, fmt.Errorf("%w: %v", ErrRunStart, err)
	}
	sessionID := first.SessionCreated.SessionID
	log := m.log.With("session_id", sessionID)

	offset := 1
	sess := &models.Session{
		ID:               sessionID,
		Workspace:        dir,
		Environment:      req.Environment,
		Repo:             req.Repo,
		Branch:           req.Branch,
		Status:           models.SessionStatusRunning,
		Title:            "",
		RunMessageOffset: &offset,
	}
	if err := m.persistNewSession(ctx, sess, req.Prompt); err != nil {
		stream.Cancel()
		m.release()
		m.discard(dir)
		return nil, fmt.Errorf("%w: %v", ErrRunStart, err)
	}

	m.bus.Create(sessionID)
	_ = m.bus.Publish(sessionID, models.NewSessionCreated(sessionID, dir))

	m.mu.Lock()
	if m.closing {
		// Shutdown has already collected the streams it will cancel and may
		// be waiting on the group, so this run is never registered.
		m.running--
		m.mu.Unlock()
		stream.Cancel()
		m.settleUnregistered(sessionID)
		return nil, ErrShuttingDown
	}
	m.runs[sessionID] = &run{stream: stream}
	m.wg.Add(2)
	m.mu.Unlock()

	log.Info("session created", "workspace", dir, "environment", req.Environment)
	go m.consume(sessionID, stream)
	go m.title(sessionID, req.Prompt)

	return &CreateResult{SessionID: sessionID, Workspace: dir}, nil
}

// discard removes a workspace that never hosted a session, when the
// provisioner supports removal.
func (m *Manager) discard(dir string) {
	r, ok := m.workspaces.(interface{ Remove(path string) error })
	if !ok {
		return
	}
	if err := r.Remove(dir); err != nil {
		m.log.Warn("remove unused workspace", "workspace", dir, "error", err)
	}
}

func firstEventError(ev models.Event) error {
	if ev.Type == models.EventError && ev.Error != nil {
		return fmt.Errorf("%s: %s", ev.Error.Code, ev.Error.Message)
	}
	return fmt.Errorf("expected session_created as first event, got %s", ev.Type)
}

// persistNewSession writes the session row and its prompt. If the prompt
// cannot be written the row is removed again.
func (m *Manager) persistNewSession(ctx context.Context, sess *models.Session, prompt string) error {
	if err := m.store.CreateSession(ctx, sess); err != nil {
		return err
	}
	if err := m.store.StartMessage(ctx, sess.ID, models.RoleUser, models.TextBlock(prompt)); err != nil {
		if derr := m.store.DeleteSession(context.Background(), sess.ID); derr != nil {
			m.log.Error("remove half-created session", "session_id", sess.ID, "error", derr)
		}
		return fmt.Errorf("record prompt: %w", err)
	}
	return nil
}

// settleUnregistered leaves a persisted session whose run was stopped before
// registration the way Shutdown leaves interrupted runs.
func (m *Manager) settleUnregistered(sessionID string) {
	ctx := context.Background()
	if err := m.store.UpdateSessionStatus(ctx, sessionID, models.SessionStatusIdle); err != nil {
		m.log.Error("settle status", "session_id", sessionID, "error", err)
	}
	if err := m.store.UpdateRunMessageOffset(ctx, sessionID, nil); err != nil {
		m.log.Error("clear run offset", "session_id", sessionID, "error", err)
	}
	m.bus.MarkDone(sessionID)
	m.log.Info("run stopped by shutdown before registration", "session_id", sessionID)
}

// SendMessage starts a follow-up run on an idle or cancelled session.
func (m *Manager) SendMessage(ctx context.Context, sessionID, prompt string) error {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return fmt.Errorf("%w: prompt is required", ErrValidation)
	}

	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
		}
		return err
	}
	env, err := m.environment(sess.Environment)
	if err != nil {
		return err
	}

	m.mu.Lock()
	switch {
	case m.closing:
		m.mu.Unlock()
		return ErrShuttingDown
	case m.runs[sessionID] != nil:
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionBusy, sessionID)
	case m.running >= m.max:
		m.mu.Unlock()
		return fmt.Errorf("%w (%d of %d runs in flight)", ErrCapacity, m.running, m.max)
	}
	m.running++
	r := &run{}
	m.runs[sessionID] = r
	m.wg.Add(1)
	m.mu.Unlock()

	log := m.log.With("session_id", sessionID)

	if err := m.beginFollowUp(ctx, sessionID, prompt); err != nil {
		m.abort(sessionID, err)
		return err
	}

	m.bus.Create(sessionID)

	stream, err := m.start(ctx, claude.Options{
		Prompt:       prompt,
		Dir:          sess.Workspace,
		AllowedTools: env.AllowedTools,
		MaxTurns:     env.MaxTurns,
		Env:          env.Env,
		ResumeID:     sessionID,
	})
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrRunStart, err)
		_ = m.bus.Publish(sessionID, models.NewError(models.ErrorCodeClaude, err.Error()))
		m.abort(sessionID, err)
		return err
	}

	m.mu.Lock()
	r.stream = stream
	// Shutdown only cancels streams it saw, so a late one is stopped here.
	stop := r.cancelled || m.closing
	m.mu.Unlock()
	if stop {
		stream.Cancel()
	}

	log.Info("follow-up started")
	go m.consume(sessionID, stream)
	return nil
}

// beginFollowUp records the prompt and marks the session running.
func (m *Manager) beginFollowUp(ctx context.Context, sessionID, prompt string) error {
	if err := m.store.StartMessage(ctx, sessionID, models.RoleUser, models.TextBlock(prompt)); err != nil {
		return fmt.Errorf("record prompt: %w", err)
	}
	count, err := m.store.CountMessages(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := m.store.UpdateRunMessageOffset(ctx, sessionID, &count); err != nil {
		return err
	}
	if err := m.store.UpdateSessionStatus(ctx, sessionID, models.SessionStatusRunning); err != nil {
		return err
	}
	return m.store.TouchSession(ctx, sessionID)
}

// abort undoes a follow-up that never got a running process.
func (m *Manager) abort(sessionID string, cause error) {
	defer m.wg.Done()
	m.log.Warn("follow-up failed to start", "session_id", sessionID, "error", cause)
	m.finish(sessionID)
}

// Cancel stops the session's in-flight run and marks it cancelled.
func (m *Manager) Cancel(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	r, ok := m.runs[sessionID]
	if !ok {
		m.mu.Unlock()
		if _, err := m.store.GetSession(ctx, sessionID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
			}
			return err
		}
		return fmt.Errorf("%w: %s", ErrNotRunning, sessionID)
	}
	r.cancelled = true
	stream := r.stream
	// Written under the lock so a later run on this session cannot have its
	// running status overwritten.
	err := m.store.UpdateSessionStatus(ctx, sessionID, models.SessionStatusCancelled)
	m.mu.Unlock()

	if stream != nil {
		stream.Cancel()
	}
	m.log.Info("run cancelled", "session_id", sessionID)
	if err != nil {
		return fmt.Errorf("mark cancelled: %w", err)
	}
	return nil
}

// consume owns a run's stream until it ends. Every event is persisted before
// it is published.
func (m *Manager) consume(sessionID string, stream EventStream) {
	defer m.wg.Done()
	defer m.finish(sessionID)

	ctx := context.Background()
	log := m.log.With("session_id", sessionID)

	var text strings.Builder
	flush := func() {
		if text.Len() == 0 {
			return
		}
		if err := m.store.AppendContentBlock(ctx, sessionID, models.RoleAssistant, models.TextBlock(text.String())); err != nil {
			log.Error("persist text", "error", err)
		}
		text.Reset()
	}
	defer flush()

	for {
		ev, err := stream.Next(ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Error("read event", "error", err)
			}
			return
		}

		switch ev.Type {
		case models.EventSessionCreated:
			// Already announced when the session was created; resumed runs
			// report it again.
			continue
		case models.EventTextDelta:
			text.WriteString(ev.TextDelta.Text)
		case models.EventToolUse:
			flush()
			block := models.ToolUseBlock(ev.ToolUse.ID, ev.ToolUse.Name, ev.ToolUse.Input)
			if err := m.store.AppendContentBlock(ctx, sessionID, models.RoleAssistant, block); err != nil {
				log.Error("persist tool use", "tool_use_id", ev.ToolUse.ID, "error", err)
			}
		case models.EventToolResult:
			flush()
			block := models.ToolResultBlock(ev.ToolResult.ToolUseID, ev.ToolResult.Content, ev.ToolResult.IsError)
			if err := m.store.AppendContentBlock(ctx, sessionID, models.RoleUser, block); err != nil {
				log.Warn("persist tool result", "tool_use_id", ev.ToolResult.ToolUseID, "error", err)
			}
		case models.EventResult, models.EventError:
			flush()
		}

		if ev.Type != models.EventTextDelta {
			if err := m.store.TouchSession(ctx, sessionID); err != nil {
				log.Debug("touch session", "error", err)
			}
		}
		if err := m.bus.Publish(sessionID, ev); err != nil {
			log.Debug("publish event", "type", ev.Type, "error", err)
		}
	}
}

// finish releases the run's slot and registry entry, settles the session's
// status and closes its bus entry.
func (m *Manager) finish(sessionID string) {
	m.mu.Lock()
	cancelled := false
	if r, ok := m.runs[sessionID]; ok {
		cancelled = r.cancelled
		delete(m.runs, sessionID)
		m.running--
	}
	status := models.SessionStatusIdle
	if cancelled {
		status = models.SessionStatusCancelled
	}

	// Everything keyed by session id is settled before the lock is released.
	// A follow-up registers under the same lock, so none of this can land on
	// the next run's status, offset or bus entry.
	ctx := context.Background()
	if err := m.store.UpdateSessionStatus(ctx, sessionID, status); err != nil {
		m.log.Error("settle status", "session_id", sessionID, "error", err)
	}
	if err := m.store.UpdateRunMessageOffset(ctx, sessionID, nil); err != nil {
		m.log.Error("clear run offset", "session_id", sessionID, "error", err)
	}
	m.bus.MarkDone(sessionID)
	m.mu.Unlock()

	m.log.Info("run finished", "session_id", sessionID, "cancelled", cancelled)
}

func (m *Manager) title(sessionID, prompt string) {
	defer m.wg.Done()
	if m.titler == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), titleTimeout)
	defer cancel()

	title, err := m.titler.Title(ctx, prompt)
	if err != nil {
		m.log.Warn("generate title", "session_id", sessionID, "error", err)
	}
	if title == "" {
		return
	}
	if err := m.store.UpdateSessionTitle(ctx, sessionID, title); err != nil {
		m.log.Warn("save title", "session_id", sessionID, "error", err)
	}
}

// Shutdown stops accepting runs, cancels the in-flight ones and waits for
// their consumers to finish or ctx to expire. Interrupted sessions end idle.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closing = true
	var streams []EventStream
	for _, r := range m.runs {
		if r.stream != nil {
			streams = append(streams, r.stream)
		}
	}
	m.mu.Unlock()

	for _, s := range streams {
		s.Cancel()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
