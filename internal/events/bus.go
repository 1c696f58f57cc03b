// Package events fans out a session's run events to any number of observers.
//
// Each session has at most one bus entry holding the events of its current
// or most recent run. Subscribers get the buffered history followed by live
// events, so they may attach late or reconnect without missing anything.
package events

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/joescharf/agentd/internal/models"
)

// DefaultGracePeriod is how long a finished entry stays around for late
// subscribers.
const DefaultGracePeriod = 60 * time.Second

// ErrNoEntry is returned when a session has no bus entry.
var ErrNoEntry = errors.New("no event stream for session")

// Listener receives events in publish order. It is called with the entry
// locked and must not block or call back into the bus.
type Listener func(models.Event)

// Bus is an in-memory, per-session event broadcaster.
type Bus struct {
	clock clockwork.Clock
	grace time.Duration
	log   *slog.Logger

	mu         sync.Mutex
	entries    map[string]*entry
	generation uint64
	nextID     uint64
}

type entry struct {
	mu         sync.Mutex
	generation uint64
	events     []models.Event
	listeners  map[uint64]Listener
	done       bool
	doneCh     chan struct{}
	cleanup    clockwork.Timer
}

// closeDone closes doneCh once. Caller holds e.mu.
func (e *entry) closeDone() {
	select {
	case <-e.doneCh:
	default:
		close(e.doneCh)
	}
}

// Option configures a Bus.
type Option func(*Bus)

// WithClock sets the clock used for cleanup timers.
func WithClock(c clockwork.Clock) Option {
	return func(b *Bus) { b.clock = c }
}

// WithGracePeriod sets how long a finished entry is retained.
func WithGracePeriod(d time.Duration) Option {
	return func(b *Bus) { b.grace = d }
}

// WithLogger sets the bus logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) { b.log = l }
}

// NewBus returns an empty bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		clock:   clockwork.NewRealClock(),
		grace:   DefaultGracePeriod,
		log:     slog.Default(),
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.log = b.log.With("component", "events")
	return b
}

// Create opens a fresh entry for sessionID, replacing any previous one. A
// cleanup scheduled for the previous entry is cancelled so it cannot remove
// the new one.
func (b *Bus) Create(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if old, ok := b.entries[sessionID]; ok {
		old.mu.Lock()
		if old.cleanup != nil {
			old.cleanup.Stop()
			old.cleanup = nil
		}
		old.closeDone()
		old.mu.Unlock()
	}

	b.generation++
	b.entries[sessionID] = &entry{
		generation: b.generation,
		listeners:  make(map[uint64]Listener),
		doneCh:     make(chan struct{}),
	}
	b.log.Debug("bus entry created", "session_id", sessionID, "generation", b.generation)
}

func (b *Bus) lookup(sessionID string) *entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.entries[sessionID]
}

// Exists reports whether sessionID currently has an entry.
func (b *Bus) Exists(sessionID string) bool {
	return b.lookup(sessionID) != nil
}

// Publish appends ev to the session's buffer and delivers it to every
// registered listener before returning.
func (b *Bus) Publish(sessionID string, ev models.Event) error {
	e := b.lookup(sessionID)
	if e == nil {
		return ErrNoEntry
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
	for _, l := range e.listeners {
		l(ev)
	}
	return nil
}

// Subscribe replays the session's buffered events to l and then registers it
// for live delivery. Both happen under the entry lock, so l sees every event
// exactly once and in order.
func (b *Bus) Subscribe(sessionID string, l Listener) (*Subscription, error) {
	e := b.lookup(sessionID)
	if e == nil {
		return nil, ErrNoEntry
	}

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ev := range e.events {
		l(ev)
	}
	e.listeners[id] = l

	return &Subscription{entry: e, id: id}, nil
}

// MarkDone flags the session's run as finished and schedules removal of the
// entry after the grace period.
func (b *Bus) MarkDone(sessionID string) {
	e := b.lookup(sessionID)
	if e == nil {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done {
		return
	}
	e.done = true
	e.closeDone()

	gen := e.generation
	e.cleanup = b.clock.AfterFunc(b.grace, func() {
		b.remove(sessionID, gen)
	})
}

// remove deletes the entry only if it is still the generation the timer was
// armed for.
func (b *Bus) remove(sessionID string, generation uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[sessionID]
	if !ok || e.generation != generation {
		return
	}
	delete(b.entries, sessionID)
	b.log.Debug("bus entry removed", "session_id", sessionID, "generation", generation)
}

// Done reports whether the session's entry has been marked done. Missing
// entries report false.
func (b *Bus) Done(sessionID string) bool {
	e := b.lookup(sessionID)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.done
}

// Snapshot returns a copy of the session's buffered events.
func (b *Bus) Snapshot(sessionID string) ([]models.Event, bool) {
	e := b.lookup(sessionID)
	if e == nil {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.Event, len(e.events))
	copy(out, e.events)
	return out, true
}

// Close stops all pending cleanup timers and drops every entry.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, e := range b.entries {
		e.mu.Lock()
		if e.cleanup != nil {
			e.cleanup.Stop()
		}
		e.closeDone()
		e.mu.Unlock()
		delete(b.entries, id)
	}
}

// Subscription is a registered listener.
type Subscription struct {
	entry *entry
	id    uint64
	once  sync.Once
}

// Unsubscribe stops live delivery. It is safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.entry.mu.Lock()
		delete(s.entry.listeners, s.id)
		s.entry.mu.Unlock()
	})
}

// Done is closed when the run behind this subscription finishes or its
// entry is replaced by a newer run.
func (s *Subscription) Done() <-chan struct{} {
	return s.entry.doneCh
}
