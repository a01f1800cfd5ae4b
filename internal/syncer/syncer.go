// Package syncer is the composition root of the synchronization layer. It
// wires the event feed into the bot reconciler, suggestion invalidation,
// and draft staleness, and owns the start/stop lifecycle the presentation
// layer drives.
package syncer

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/jspada200/reviewsync/internal/api"
	"github.com/jspada200/reviewsync/internal/bot"
	"github.com/jspada200/reviewsync/internal/drafts"
	"github.com/jspada200/reviewsync/internal/events"
	"github.com/jspada200/reviewsync/internal/notify"
	"github.com/jspada200/reviewsync/internal/suggest"
)

const transcriptionErrorToastDuration = 15 * time.Second

// SettingsSource provides the reviewer's stored preferences. The api
// client satisfies it.
type SettingsSource interface {
	GetUserSettings(ctx context.Context, user string) (api.UserSettings, error)
}

type Syncer struct {
	events  *events.Client
	bots    *bot.Reconciler
	suggest *suggest.Manager
	drafts  *drafts.Engine
	toasts  notify.Toaster
	user    string
	logger  *slog.Logger

	settings SettingsSource
	unsubs   []func()

	mu           sync.Mutex
	instructions string
}

func New(ev *events.Client, bots *bot.Reconciler, sm *suggest.Manager, de *drafts.Engine, toasts notify.Toaster, user string, logger *slog.Logger) *Syncer {
	return &Syncer{
		events:  ev,
		bots:    bots,
		suggest: sm,
		drafts:  de,
		toasts:  toasts,
		user:    user,
		logger:  logger,
	}
}

// UseSettings makes the syncer load the reviewer's stored preferences on
// Start; the stored AI instructions are then passed along with every
// scheduled suggestion regeneration. Call before Start.
func (s *Syncer) UseSettings(src SettingsSource) {
	s.settings = src
}

// Bots exposes the session reconciler to the presentation layer.
func (s *Syncer) Bots() *bot.Reconciler { return s.bots }

// Suggestions exposes the suggestion manager to the presentation layer.
func (s *Syncer) Suggestions() *suggest.Manager { return s.suggest }

// Drafts exposes the draft engine to the presentation layer.
func (s *Syncer) Drafts() *drafts.Engine { return s.drafts }

// Events exposes the transport client for connection-state subscriptions.
func (s *Syncer) Events() *events.Client { return s.events }

// Start subscribes the routing handlers and opens the event connection.
func (s *Syncer) Start() {
	s.unsubs = append(s.unsubs,
		s.events.Subscribe(events.BotStatusChanged, s.handleBotStatus),
		s.events.SubscribeMultiple([]events.Type{events.SegmentCreated, events.SegmentUpdated}, s.handleSegment),
		s.events.Subscribe(events.TranscriptionCompleted, s.handleTranscriptionCompleted),
		s.events.Subscribe(events.TranscriptionError, s.handleTranscriptionError),
		s.events.Subscribe(events.VersionUpdated, s.handleVersionUpdated),
		s.events.OnConnectionStateChange(s.handleConnState),
	)
	if s.settings != nil {
		go s.loadSettings()
	}
	s.events.Connect()
}

func (s *Syncer) loadSettings() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	settings, err := s.settings.GetUserSettings(ctx, s.user)
	if err != nil {
		s.logger.Warn("syncer: loading user settings", "user", s.user, "err", err)
		return
	}
	s.mu.Lock()
	s.instructions = settings.AIInstructions
	s.mu.Unlock()
}

func (s *Syncer) currentInstructions() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.instructions
}

// Stop tears the layer down: unsubscribes, disconnects, beacon-flushes any
// pending drafts, and destroys the suggestion cache.
func (s *Syncer) Stop() {
	for _, u := range s.unsubs {
		u()
	}
	s.unsubs = nil
	s.events.Disconnect()
	s.drafts.FlushAll()
	s.suggest.Destroy()
}

func (s *Syncer) handleBotStatus(ev events.Event) {
	var p events.BotStatusPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		s.logger.Debug("syncer: bad bot status payload", "err", err)
		return
	}
	s.bots.HandleStatusEvent(p.Platform, p.MeetingID, p.PlaylistID, bot.Status(p.Status), p.UpdatedAt)
}

func (s *Syncer) handleSegment(ev events.Event) {
	var p events.SegmentPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		s.logger.Debug("syncer: bad segment payload", "err", err)
		return
	}
	if p.PlaylistID == "" || p.VersionID == "" {
		return
	}
	s.suggest.ScheduleRegeneration(suggest.Key{Playlist: p.PlaylistID, Version: p.VersionID}, s.user, s.currentInstructions())
}

func (s *Syncer) handleTranscriptionCompleted(ev events.Event) {
	var p events.TranscriptionPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		s.logger.Debug("syncer: bad transcription payload", "err", err)
		return
	}
	if p.PlaylistID != "" && p.VersionID != "" {
		s.suggest.ScheduleRegeneration(suggest.Key{Playlist: p.PlaylistID, Version: p.VersionID}, s.user, s.currentInstructions())
	}
}

func (s *Syncer) handleTranscriptionError(ev events.Event) {
	var p events.TranscriptionPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		s.logger.Debug("syncer: bad transcription payload", "err", err)
		return
	}
	s.logger.Warn("syncer: transcription failed",
		"platform", p.Platform, "meeting_id", p.MeetingID, "err", p.Error)
	s.toasts.Show("Transcription failed", p.Error, notify.SeverityError, transcriptionErrorToastDuration)
}

func (s *Syncer) handleVersionUpdated(ev events.Event) {
	var p events.VersionPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		s.logger.Debug("syncer: bad version payload", "err", err)
		return
	}
	s.drafts.Invalidate(p.PlaylistID, p.VersionID)
}

func (s *Syncer) handleConnState(state events.ConnState, err error) {
	if err != nil {
		s.logger.Warn("syncer: event feed state", "state", state.String(), "err", err)
		return
	}
	s.logger.Info("syncer: event feed state", "state", state.String())
}
