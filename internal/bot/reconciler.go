// Package bot presents one coherent transcription-session status derived
// from three inputs that arrive at any time and in any order: dispatch
// mutation results, status polls, and pushed status events. Reconciliation
// is order-independent: last write wins by wall-clock UpdatedAt.
package bot

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jspada200/reviewsync/internal/notify"
)

// ErrNoActiveSession is returned by Stop when there is nothing to stop.
var ErrNoActiveSession = errors.New("no active bot session")

const (
	waitingToastDuration = 5 * time.Minute
	waitingTitle         = "Bot is in the waiting room"
	waitingDesc          = "Admit the note taker from the meeting lobby so transcription can start."
)

// Backend is the slice of the REST API the reconciler needs.
type Backend interface {
	DispatchBot(ctx context.Context, req DispatchRequest) (Session, error)
	StopBot(ctx context.Context, platform, meetingID string) (bool, error)
	GetBotStatus(ctx context.Context, platform, meetingID string) (Status, error)
}

// Listener receives the session snapshot after every change. ok is false
// when the session was cleared.
type Listener func(s Session, ok bool)

// Reconciler merges dispatch results, poll results, and pushed events into
// one authoritative session. Entering waiting_room raises a single
// admission toast per distinct entry; leaving it into in_call or
// transcribing dismisses that toast by handle.
type Reconciler struct {
	backend Backend
	toasts  notify.Toaster
	logger  *slog.Logger

	mu           sync.Mutex
	session      *Session
	lastErr      error
	waitingToast notify.Handle
	toastShown   bool
	listeners    map[string]Listener
}

func NewReconciler(backend Backend, toasts notify.Toaster, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		backend:   backend,
		toasts:    toasts,
		logger:    logger,
		listeners: make(map[string]Listener),
	}
}

// Session returns the current session snapshot.
func (r *Reconciler) Session() (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session == nil {
		return Session{}, false
	}
	return *r.session, true
}

// Err returns the last mutation error, if any. It is cleared by the next
// successful dispatch.
func (r *Reconciler) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr
}

// OnChange registers a listener for session changes. The returned function
// removes the registration.
func (r *Reconciler) OnChange(fn Listener) func() {
	id := uuid.NewString()
	r.mu.Lock()
	r.listeners[id] = fn
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.listeners, id)
	}
}

// Dispatch sends the bot into a meeting. A session in "joining" is created
// optimistically before the network call resolves; on success it is
// replaced with the authoritative server response, on failure it is cleared
// and the error both recorded and returned.
func (r *Reconciler) Dispatch(ctx context.Context, req DispatchRequest) (Session, error) {
	now := time.Now()
	optimistic := &Session{
		Platform:   req.Platform,
		MeetingID:  req.MeetingID,
		PlaylistID: req.PlaylistID,
		Status:     StatusJoining,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	r.mu.Lock()
	// A leftover admission toast belongs to the previous session.
	staleToast := r.waitingToast
	hadToast := r.toastShown
	r.toastShown = false
	r.session = optimistic
	r.lastErr = nil
	snap := *optimistic
	ls := r.listenersLocked()
	r.mu.Unlock()
	if hadToast {
		r.toasts.Dismiss(staleToast)
	}
	r.notify(ls, snap, true)

	resp, err := r.backend.DispatchBot(ctx, req)
	if err != nil {
		r.mu.Lock()
		if r.session == optimistic {
			r.session = nil
		}
		r.lastErr = err
		ls = r.listenersLocked()
		r.mu.Unlock()
		r.notify(ls, Session{}, false)
		return Session{}, err
	}

	r.mu.Lock()
	if r.session != optimistic {
		// Superseded by a newer dispatch while in flight; this response is
		// stale input and is discarded.
		r.mu.Unlock()
		return resp, nil
	}
	prev := optimistic.Status
	s := resp
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = time.Now()
	}
	r.session = &s
	dismissH, doDismiss := r.toastEdgeLocked(prev, s.Status)
	snap = s
	ls = r.listenersLocked()
	r.mu.Unlock()

	if doDismiss {
		r.toasts.Dismiss(dismissH)
	}
	r.notify(ls, snap, true)
	return s, nil
}

// Stop ends the active session. The session resolves to stopped; a failing
// stop leaves the session as-is with the error attached.
func (r *Reconciler) Stop(ctx context.Context) error {
	r.mu.Lock()
	s := r.session
	if s == nil || !s.Status.Active() {
		r.mu.Unlock()
		return ErrNoActiveSession
	}
	platform, meetingID, playlistID := s.Platform, s.MeetingID, s.PlaylistID
	r.mu.Unlock()

	ok, err := r.backend.StopBot(ctx, platform, meetingID)
	if err == nil && !ok {
		err = errors.New("backend rejected stop request")
	}
	if err != nil {
		r.mu.Lock()
		r.lastErr = err
		r.mu.Unlock()
		return err
	}
	r.applyStatus(platform, meetingID, playlistID, StatusStopped, time.Now())
	return nil
}

// Refresh polls the backend for the current status and reconciles it. If no
// local session exists yet and the polled status is active-class, one is
// synthesized; this recovers state after a reload mid-session.
func (r *Reconciler) Refresh(ctx context.Context, platform, meetingID, playlistID string) error {
	status, err := r.backend.GetBotStatus(ctx, platform, meetingID)
	if err != nil {
		return err
	}
	r.applyStatus(platform, meetingID, playlistID, status, time.Now())
	return nil
}

// HandleStatusEvent reconciles a pushed status change. The session is
// patched with the pushed value immediately, then a forced refetch runs in
// the background so push and poll converge.
func (r *Reconciler) HandleStatusEvent(platform, meetingID, playlistID string, status Status, updatedAt time.Time) {
	r.applyStatus(platform, meetingID, playlistID, status, updatedAt)
	go func() {
		if err := r.Refresh(context.Background(), platform, meetingID, playlistID); err != nil {
			r.logger.Warn("bot: post-event refetch failed",
				"platform", platform, "meeting_id", meetingID, "err", err)
		}
	}()
}

// applyStatus merges one observed status into the current session.
func (r *Reconciler) applyStatus(platform, meetingID, playlistID string, status Status, at time.Time) {
	if at.IsZero() {
		at = time.Now()
	}

	r.mu.Lock()
	s := r.session
	prev := StatusIdle
	if s == nil {
		if !status.Active() {
			r.mu.Unlock()
			return
		}
		ns := Session{
			Platform:   platform,
			MeetingID:  meetingID,
			PlaylistID: playlistID,
			Status:     status,
			CreatedAt:  at,
			UpdatedAt:  at,
		}
		r.session = &ns
		s = &ns
	} else {
		if !s.Matches(platform, meetingID, playlistID) {
			r.mu.Unlock()
			return
		}
		if at.Before(s.UpdatedAt) {
			// Stale by wall clock; a concurrently in-flight response lost
			// the race and is discarded.
			r.mu.Unlock()
			return
		}
		if s.Status.Terminal() {
			// Terminal sessions are frozen, including against other
			// terminal statuses; only a fresh dispatch moves on.
			r.mu.Unlock()
			return
		}
		prev = s.Status
		if status == prev {
			s.UpdatedAt = at
			r.mu.Unlock()
			return
		}
		s.Status = status
		s.UpdatedAt = at
		if s.MeetingID == "" && meetingID != "" {
			s.MeetingID = meetingID
			s.Platform = platform
		}
	}
	dismissH, doDismiss := r.toastEdgeLocked(prev, status)
	snap := *s
	ls := r.listenersLocked()
	r.mu.Unlock()

	if doDismiss {
		r.toasts.Dismiss(dismissH)
	}
	r.notify(ls, snap, true)
}

// toastEdgeLocked handles the waiting-room toast for one transition edge.
// The toastShown flag keeps the notification exactly-once even when the
// same edge is re-derived from both push and poll. Show runs under the lock
// so a dismissal edge computed on another goroutine always sees the stored
// handle; Show must therefore not call back into the reconciler.
func (r *Reconciler) toastEdgeLocked(prev, next Status) (dismiss notify.Handle, doDismiss bool) {
	if next == StatusWaitingRoom && prev != StatusWaitingRoom && !r.toastShown {
		r.toastShown = true
		r.waitingToast = r.toasts.Show(waitingTitle, waitingDesc, notify.SeverityWarning, waitingToastDuration)
	}
	if prev == StatusWaitingRoom && (next == StatusInCall || next == StatusTranscribing) && r.toastShown {
		r.toastShown = false
		doDismiss = true
		dismiss = r.waitingToast
		r.waitingToast = ""
	}
	return dismiss, doDismiss
}

func (r *Reconciler) listenersLocked() []Listener {
	ls := make([]Listener, 0, len(r.listeners))
	for _, fn := range r.listeners {
		ls = append(ls, fn)
	}
	return ls
}

func (r *Reconciler) notify(ls []Listener, s Session, ok bool) {
	for _, fn := range ls {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					r.logger.Error("bot: listener panicked", "panic", rec)
				}
			}()
			fn(s, ok)
		}()
	}
}
