// Package drafts keeps a reviewer's in-memory note draft as the
// presentation source of truth while asynchronously mirroring it to the
// backend. Edits apply locally at once; only the final merged value after a
// debounce window is written upstream.
package drafts

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Key identifies one reviewer's draft on one version.
type Key struct {
	Playlist string
	Version  string
	User     string
}

// Draft is the local note draft for one key. The zero value is the empty
// draft.
type Draft struct {
	Content       string `json:"content"`
	Subject       string `json:"subject"`
	To            string `json:"to"`
	CC            string `json:"cc"`
	LinksText     string `json:"links_text"`
	VersionStatus string `json:"version_status"`
}

// Patch carries partial field updates. Nil fields are left untouched.
type Patch struct {
	Content       *string
	Subject       *string
	To            *string
	CC            *string
	LinksText     *string
	VersionStatus *string
}

func (d Draft) apply(p Patch) Draft {
	if p.Content != nil {
		d.Content = *p.Content
	}
	if p.Subject != nil {
		d.Subject = *p.Subject
	}
	if p.To != nil {
		d.To = *p.To
	}
	if p.CC != nil {
		d.CC = *p.CC
	}
	if p.LinksText != nil {
		d.LinksText = *p.LinksText
	}
	if p.VersionStatus != nil {
		d.VersionStatus = *p.VersionStatus
	}
	return d
}

// Store mirrors drafts to the backend. BeaconUpsertDraftNote is the
// fire-and-forget teardown path: no confirmation, no retry.
type Store interface {
	GetDraftNote(ctx context.Context, key Key) (Draft, bool, error)
	UpsertDraftNote(ctx context.Context, key Key, d Draft) error
	DeleteDraftNote(ctx context.Context, key Key) error
	BeaconUpsertDraftNote(key Key, d Draft)
}

// Listener receives the merged local draft after every local mutation.
type Listener func(key Key, d Draft)

type entry struct {
	local  Draft
	loaded bool
	// dirty marks entries with local edits, flushed or not. It outlives
	// pending so a resolving load can never clobber an edit whose flush
	// already completed; only Release and Clear reset it.
	dirty   bool
	pending bool
	timer   *time.Timer
}

// Engine owns the local draft state for any number of keys. The local
// draft always reflects the most recent Update call; server responses never
// clobber later local edits.
type Engine struct {
	store    Store
	debounce time.Duration
	logger   *slog.Logger

	mu        sync.Mutex
	entries   map[Key]*entry
	listeners map[string]Listener
}

// NewEngine returns an Engine debouncing upstream writes by the given
// window (300ms if zero).
func NewEngine(store Store, debounce time.Duration, logger *slog.Logger) *Engine {
	if debounce <= 0 {
		debounce = 300 * time.Millisecond
	}
	return &Engine{
		store:     store,
		debounce:  debounce,
		logger:    logger,
		entries:   make(map[Key]*entry),
		listeners: make(map[string]Listener),
	}
}

// Activate loads the server draft for key on first use and returns the
// current local draft. If local edits already exist for the key, they win
// over whatever the server returns.
func (e *Engine) Activate(ctx context.Context, key Key) (Draft, error) {
	e.mu.Lock()
	if ent, ok := e.entries[key]; ok && ent.loaded {
		d := ent.local
		e.mu.Unlock()
		return d, nil
	}
	e.mu.Unlock()

	server, found, err := e.store.GetDraftNote(ctx, key)
	if err != nil {
		return Draft{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	ent, ok := e.entries[key]
	if !ok {
		ent = &entry{}
		e.entries[key] = ent
	}
	// Edits typed while the load was in flight take precedence, even when
	// their debounce flush completed before the load resolved.
	if !ent.dirty && !ent.loaded {
		if found {
			ent.local = server
		}
	}
	ent.loaded = true
	return ent.local, nil
}

// Update applies the patch to local state synchronously and (re)starts the
// debounce timer. It returns the merged draft.
func (e *Engine) Update(key Key, p Patch) Draft {
	e.mu.Lock()
	ent, ok := e.entries[key]
	if !ok {
		ent = &entry{}
		e.entries[key] = ent
	}
	ent.local = ent.local.apply(p)
	ent.dirty = true
	ent.pending = true
	if ent.timer != nil {
		ent.timer.Stop()
	}
	ent.timer = time.AfterFunc(e.debounce, func() { e.flush(key) })
	d := ent.local
	ls := e.listenersLocked()
	e.mu.Unlock()

	e.broadcast(ls, key, d)
	return d
}

// Draft returns the current local draft for key.
func (e *Engine) Draft(key Key) (Draft, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ent, ok := e.entries[key]
	if !ok {
		return Draft{}, false
	}
	return ent.local, true
}

// flush sends the current merged value upstream if an edit is pending.
func (e *Engine) flush(key Key) {
	e.mu.Lock()
	ent, ok := e.entries[key]
	if !ok || !ent.pending {
		e.mu.Unlock()
		return
	}
	ent.pending = false
	d := ent.local
	e.mu.Unlock()

	if err := e.store.UpsertDraftNote(context.Background(), key, d); err != nil {
		e.logger.Warn("drafts: upsert failed",
			"playlist", key.Playlist, "version", key.Version, "err", err)
	}
}

// Release flushes any pending edit immediately and drops the key's local
// state entirely. Called when the key changes or its view goes away; no
// edit is ever dropped on navigation.
func (e *Engine) Release(key Key) {
	e.mu.Lock()
	ent, ok := e.entries[key]
	if !ok {
		e.mu.Unlock()
		return
	}
	if ent.timer != nil {
		ent.timer.Stop()
	}
	pending := ent.pending
	d := ent.local
	delete(e.entries, key)
	e.mu.Unlock()

	if pending {
		if err := e.store.UpsertDraftNote(context.Background(), key, d); err != nil {
			e.logger.Warn("drafts: release flush failed",
				"playlist", key.Playlist, "version", key.Version, "err", err)
		}
	}
}

// Clear cancels any pending write, resets local state to the empty draft
// synchronously, and requests upstream deletion without waiting for it.
func (e *Engine) Clear(key Key) {
	e.mu.Lock()
	ent, ok := e.entries[key]
	if !ok {
		ent = &entry{}
		e.entries[key] = ent
	}
	if ent.timer != nil {
		ent.timer.Stop()
	}
	ent.dirty = false
	ent.pending = false
	ent.local = Draft{}
	ent.loaded = true
	ls := e.listenersLocked()
	e.mu.Unlock()

	e.broadcast(ls, key, Draft{})

	go func() {
		if err := e.store.DeleteDraftNote(context.Background(), key); err != nil {
			e.logger.Warn("drafts: delete failed",
				"playlist", key.Playlist, "version", key.Version, "err", err)
		}
	}()
}

// Invalidate marks every loaded entry for the playlist/version as stale so
// the next Activate refetches server state. Entries with local edits are
// left alone; the local draft stays authoritative until released.
func (e *Engine) Invalidate(playlist, version string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for key, ent := range e.entries {
		if key.Playlist == playlist && key.Version == version && !ent.dirty {
			ent.loaded = false
		}
	}
}

// FlushAll issues a best-effort beacon write for every pending edit.
// Intended for process teardown, where a normal request may not survive.
func (e *Engine) FlushAll() {
	e.mu.Lock()
	type flushItem struct {
		key Key
		d   Draft
	}
	var items []flushItem
	for key, ent := range e.entries {
		if !ent.pending {
			continue
		}
		if ent.timer != nil {
			ent.timer.Stop()
		}
		ent.pending = false
		items = append(items, flushItem{key: key, d: ent.local})
	}
	e.mu.Unlock()

	for _, it := range items {
		e.store.BeaconUpsertDraftNote(it.key, it.d)
	}
}

// OnChange registers a listener for local draft mutations. The returned
// function removes the registration.
func (e *Engine) OnChange(fn Listener) func() {
	id := uuid.NewString()
	e.mu.Lock()
	e.listeners[id] = fn
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.listeners, id)
	}
}

func (e *Engine) listenersLocked() []Listener {
	ls := make([]Listener, 0, len(e.listeners))
	for _, fn := range e.listeners {
		ls = append(ls, fn)
	}
	return ls
}

func (e *Engine) broadcast(ls []Listener, key Key, d Draft) {
	for _, fn := range ls {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error("drafts: listener panicked", "panic", r)
				}
			}()
			fn(key, d)
		}()
	}
}
