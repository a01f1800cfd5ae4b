package syncer_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jspada200/reviewsync/internal/api"
	"github.com/jspada200/reviewsync/internal/bot"
	"github.com/jspada200/reviewsync/internal/drafts"
	"github.com/jspada200/reviewsync/internal/events"
	"github.com/jspada200/reviewsync/internal/notify"
	"github.com/jspada200/reviewsync/internal/suggest"
	"github.com/jspada200/reviewsync/internal/syncer"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeAPI implements bot.Backend, suggest.Generator, and drafts.Store.
type fakeAPI struct {
	mu               sync.Mutex
	status           bot.Status
	generateCalls    int
	lastInstructions string
	server           map[drafts.Key]drafts.Draft
	instructions     string
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{status: bot.StatusInCall, server: make(map[drafts.Key]drafts.Draft)}
}

func (f *fakeAPI) DispatchBot(ctx context.Context, req bot.DispatchRequest) (bot.Session, error) {
	return bot.Session{Platform: req.Platform, MeetingID: req.MeetingID, PlaylistID: req.PlaylistID, Status: bot.StatusJoining}, nil
}

func (f *fakeAPI) StopBot(ctx context.Context, platform, meetingID string) (bool, error) {
	return true, nil
}

func (f *fakeAPI) GetBotStatus(ctx context.Context, platform, meetingID string) (bot.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status, nil
}

func (f *fakeAPI) GenerateNote(ctx context.Context, playlist, version, user, instructions string) (suggest.Generated, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.generateCalls++
	f.lastInstructions = instructions
	return suggest.Generated{Suggestion: "generated"}, nil
}

func (f *fakeAPI) GetUserSettings(ctx context.Context, user string) (api.UserSettings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return api.UserSettings{User: user, AIInstructions: f.instructions}, nil
}

func (f *fakeAPI) GetDraftNote(ctx context.Context, key drafts.Key) (drafts.Draft, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.server[key]
	return d, ok, nil
}

func (f *fakeAPI) UpsertDraftNote(ctx context.Context, key drafts.Key, d drafts.Draft) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.server[key] = d
	return nil
}

func (f *fakeAPI) DeleteDraftNote(ctx context.Context, key drafts.Key) error { return nil }

func (f *fakeAPI) BeaconUpsertDraftNote(key drafts.Key, d drafts.Draft) {}

type fakeToaster struct {
	mu    sync.Mutex
	shown []string
}

func (f *fakeToaster) Show(title, description string, sev notify.Severity, d time.Duration) notify.Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shown = append(f.shown, title)
	return notify.Handle(fmt.Sprintf("t-%d", len(f.shown)))
}

func (f *fakeToaster) Dismiss(h notify.Handle) {}

var upgrader = websocket.Upgrader{}

type feed struct {
	srv *httptest.Server
	mu  sync.Mutex
	cs  []*websocket.Conn
}

func newFeed(t *testing.T) *feed {
	t.Helper()
	f := &feed{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.mu.Lock()
		f.cs = append(f.cs, conn)
		f.mu.Unlock()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *feed) push(t *testing.T, frame string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		f.mu.Lock()
		n := len(f.cs)
		f.mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no feed connection")
		}
		time.Sleep(5 * time.Millisecond)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.cs[len(f.cs)-1].WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("push: %v", err)
	}
}

func newSyncer(t *testing.T, backend *fakeAPI, toasts notify.Toaster) (*syncer.Syncer, *feed) {
	t.Helper()
	f := newFeed(t)
	logger := discardLogger()
	ev := events.NewWebSocketClient("ws"+strings.TrimPrefix(f.srv.URL, "http"), 20*time.Millisecond, logger)
	s := syncer.New(
		ev,
		bot.NewReconciler(backend, toasts, logger),
		suggest.NewManager(backend, 30*time.Millisecond, logger),
		drafts.NewEngine(backend, 30*time.Millisecond, logger),
		toasts,
		"reviewer1",
		logger,
	)
	s.UseSettings(backend)
	s.Start()
	t.Cleanup(s.Stop)
	return s, f
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestBotStatusEventReachesReconciler(t *testing.T) {
	api := newFakeAPI()
	s, f := newSyncer(t, api, &fakeToaster{})

	f.push(t, `{"type":"bot.status_changed","payload":{"platform":"zoom","meeting_id":"m-1","playlist_id":"pl-1","status":"in_call","updated_at":"2026-08-30T10:00:00Z"}}`)

	waitFor(t, func() bool {
		sess, ok := s.Bots().Session()
		return ok && sess.Status == bot.StatusInCall
	}, "bot status event never reconciled")
}

func TestSegmentEventSchedulesSuggestionRegeneration(t *testing.T) {
	api := newFakeAPI()
	s, f := newSyncer(t, api, &fakeToaster{})

	// A burst of segment events collapses into one generation.
	for i := 0; i < 4; i++ {
		f.push(t, `{"type":"segment.updated","payload":{"segment_id":"s-1","playlist_id":"pl-1","version_id":"v-1"}}`)
	}

	waitFor(t, func() bool {
		api.mu.Lock()
		defer api.mu.Unlock()
		return api.generateCalls >= 1
	}, "segment event never triggered generation")

	time.Sleep(100 * time.Millisecond)
	api.mu.Lock()
	calls := api.generateCalls
	api.mu.Unlock()
	if calls != 1 {
		t.Errorf("expected 1 coalesced generation, got %d", calls)
	}
	if got := s.Suggestions().Suggestion(suggest.Key{Playlist: "pl-1", Version: "v-1"}); got != "generated" {
		t.Errorf("suggestion not cached: %q", got)
	}
}

func TestTranscriptionErrorRaisesToast(t *testing.T) {
	api := newFakeAPI()
	toasts := &fakeToaster{}
	_, f := newSyncer(t, api, toasts)

	f.push(t, `{"type":"transcription.error","payload":{"platform":"zoom","meeting_id":"m-1","error":"provider quota exceeded"}}`)

	waitFor(t, func() bool {
		toasts.mu.Lock()
		defer toasts.mu.Unlock()
		return len(toasts.shown) == 1 && toasts.shown[0] == "Transcription failed"
	}, "transcription error toast never shown")
}

func TestVersionUpdateInvalidatesDraft(t *testing.T) {
	api := newFakeAPI()
	key := drafts.Key{Playlist: "pl-1", Version: "v-1", User: "reviewer1"}
	api.server[key] = drafts.Draft{Content: "v1"}
	s, f := newSyncer(t, api, &fakeToaster{})

	if _, err := s.Drafts().Activate(context.Background(), key); err != nil {
		t.Fatal(err)
	}

	api.mu.Lock()
	api.server[key] = drafts.Draft{Content: "v2"}
	api.mu.Unlock()
	f.push(t, `{"type":"version.updated","payload":{"playlist_id":"pl-1","version_id":"v-1"}}`)

	waitFor(t, func() bool {
		d, err := s.Drafts().Activate(context.Background(), key)
		return err == nil && d.Content == "v2"
	}, "version update never invalidated the draft mirror")
}

func TestStoredInstructionsFlowIntoRegeneration(t *testing.T) {
	api := newFakeAPI()
	api.instructions = "keep notes terse"
	_, f := newSyncer(t, api, &fakeToaster{})

	// Settings load asynchronously on Start; keep pushing until a
	// generation runs with the loaded instructions.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.push(t, `{"type":"segment.created","payload":{"segment_id":"s-1","playlist_id":"pl-1","version_id":"v-1"}}`)
		time.Sleep(50 * time.Millisecond)
		api.mu.Lock()
		got := api.lastInstructions
		api.mu.Unlock()
		if got == "keep notes terse" {
			return
		}
	}
	t.Fatal("stored instructions never reached the generation backend")
}
