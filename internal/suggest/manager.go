// Package suggest caches AI-drafted note suggestions per playlist/version
// key. Rapid regeneration triggers for the same key are coalesced into a
// single debounced backend call; state transitions are broadcast to
// registered listeners.
package suggest

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrDestroyed is returned by Generate after Destroy has been called.
var ErrDestroyed = errors.New("suggestion manager destroyed")

// Key identifies one playlist/version pair.
type Key struct {
	Playlist string
	Version  string
}

// Generated is the artifact returned by the note generation backend.
type Generated struct {
	Suggestion string `json:"suggestion"`
	Prompt     string `json:"prompt"`
	Context    string `json:"context"`
}

// Generator produces a drafted note for a playlist/version pair.
type Generator interface {
	GenerateNote(ctx context.Context, playlist, version, user, instructions string) (Generated, error)
}

// State is the cached generation state for one key. The zero value is the
// well-defined initial state for unknown keys.
type State struct {
	Suggestion string
	Prompt     string
	Context    string
	IsLoading  bool
	Err        error
}

// Listener receives every state mutation for any key. Listeners filter by
// key themselves.
type Listener func(key Key, state State)

type genArgs struct {
	user         string
	instructions string
}

// Manager is the coalescing point for suggestion generation. One long-lived
// instance is shared across the app; tests construct isolated ones.
type Manager struct {
	gen      Generator
	debounce time.Duration
	logger   *slog.Logger

	mu        sync.Mutex
	states    map[Key]State
	timers    map[Key]*time.Timer
	pending   map[Key]genArgs
	listeners map[string]Listener
	destroyed bool
}

// NewManager returns a Manager debouncing regeneration triggers by the
// given window (1s if zero).
func NewManager(gen Generator, debounce time.Duration, logger *slog.Logger) *Manager {
	if debounce <= 0 {
		debounce = time.Second
	}
	return &Manager{
		gen:       gen,
		debounce:  debounce,
		logger:    logger,
		states:    make(map[Key]State),
		timers:    make(map[Key]*time.Timer),
		pending:   make(map[Key]genArgs),
		listeners: make(map[string]Listener),
	}
}

// State returns the full cached state for key. Unknown keys yield the
// initial zero state, not an error.
func (m *Manager) State(key Key) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[key]
}

// Suggestion returns the cached suggestion text for key, if any.
func (m *Manager) Suggestion(key Key) string {
	return m.State(key).Suggestion
}

// Generate runs one generation immediately, cancelling any pending debounce
// for the key. On failure the error is recorded in the key's state and also
// returned, so callers can react while later reads still see it.
func (m *Manager) Generate(ctx context.Context, key Key, user, instructions string) (Generated, error) {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return Generated{}, ErrDestroyed
	}
	m.cancelTimerLocked(key)
	st := m.states[key]
	st.IsLoading = true
	st.Err = nil
	m.states[key] = st
	ls := m.listenersLocked()
	m.mu.Unlock()
	m.broadcast(ls, key, st)

	out, err := m.gen.GenerateNote(ctx, key.Playlist, key.Version, user, instructions)

	m.mu.Lock()
	st = m.states[key]
	st.IsLoading = false
	if err != nil {
		st.Err = err
	} else {
		st.Suggestion = out.Suggestion
		st.Prompt = out.Prompt
		st.Context = out.Context
		st.Err = nil
	}
	m.states[key] = st
	ls = m.listenersLocked()
	m.mu.Unlock()
	m.broadcast(ls, key, st)

	if err != nil {
		return Generated{}, err
	}
	return out, nil
}

// ScheduleRegeneration arranges a debounced Generate for key. Repeated
// calls within the window collapse into one call using the arguments of the
// last invocation.
func (m *Manager) ScheduleRegeneration(key Key, user, instructions string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.destroyed {
		return
	}
	m.pending[key] = genArgs{user: user, instructions: instructions}
	if t, ok := m.timers[key]; ok {
		t.Stop()
	}
	m.timers[key] = time.AfterFunc(m.debounce, func() { m.fire(key) })
}

func (m *Manager) fire(key Key) {
	m.mu.Lock()
	args, ok := m.pending[key]
	delete(m.pending, key)
	delete(m.timers, key)
	destroyed := m.destroyed
	m.mu.Unlock()
	if !ok || destroyed {
		return
	}
	if _, err := m.Generate(context.Background(), key, args.user, args.instructions); err != nil {
		m.logger.Warn("suggest: scheduled regeneration failed",
			"playlist", key.Playlist, "version", key.Version, "err", err)
	}
}

// Clear resets suggestion and error for key without touching loading state.
func (m *Manager) Clear(key Key) {
	m.mu.Lock()
	st := m.states[key]
	st.Suggestion = ""
	st.Prompt = ""
	st.Context = ""
	st.Err = nil
	m.states[key] = st
	ls := m.listenersLocked()
	m.mu.Unlock()
	m.broadcast(ls, key, st)
}

// OnStateChange registers a listener for every state mutation. The returned
// function removes the registration.
func (m *Manager) OnStateChange(fn Listener) func() {
	id := uuid.NewString()
	m.mu.Lock()
	m.listeners[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
}

// Destroy cancels all pending timers and drops all listeners and cached
// state. Intended for process teardown, not per-key cleanup.
func (m *Manager) Destroy() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.destroyed = true
	for key, t := range m.timers {
		t.Stop()
		delete(m.timers, key)
	}
	m.states = make(map[Key]State)
	m.pending = make(map[Key]genArgs)
	m.listeners = make(map[string]Listener)
}

func (m *Manager) cancelTimerLocked(key Key) {
	if t, ok := m.timers[key]; ok {
		t.Stop()
		delete(m.timers, key)
	}
	delete(m.pending, key)
}

func (m *Manager) listenersLocked() []Listener {
	ls := make([]Listener, 0, len(m.listeners))
	for _, fn := range m.listeners {
		ls = append(ls, fn)
	}
	return ls
}

func (m *Manager) broadcast(ls []Listener, key Key, st State) {
	for _, fn := range ls {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("suggest: listener panicked", "panic", r)
				}
			}()
			fn(key, st)
		}()
	}
}
