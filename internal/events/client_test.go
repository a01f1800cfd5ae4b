package events_test

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jspada200/reviewsync/internal/events"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var upgrader = websocket.Upgrader{}

// feedServer is a minimal websocket push feed for tests. It records every
// accepted connection and lets tests push raw frames to the newest one.
type feedServer struct {
	srv *httptest.Server

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newFeedServer(t *testing.T) *feedServer {
	t.Helper()
	fs := &feedServer{}
	fs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fs.mu.Lock()
		fs.conns = append(fs.conns, conn)
		fs.mu.Unlock()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *feedServer) url() string {
	return "ws" + strings.TrimPrefix(fs.srv.URL, "http")
}

func (fs *feedServer) dials() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return len(fs.conns)
}

func (fs *feedServer) push(t *testing.T, frame string) {
	t.Helper()
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if len(fs.conns) == 0 {
		t.Fatal("no connection to push to")
	}
	conn := fs.conns[len(fs.conns)-1]
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("push: %v", err)
	}
}

func (fs *feedServer) dropAll() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for _, c := range fs.conns {
		c.Close()
	}
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

func connect(t *testing.T, fs *feedServer) *events.Client {
	t.Helper()
	c := events.NewWebSocketClient(fs.url(), 20*time.Millisecond, discardLogger())
	c.Connect()
	t.Cleanup(c.Disconnect)
	waitFor(t, func() bool { s, _ := c.State(); return s == events.StateConnected }, "client never connected")
	return c
}

func TestSubscribeReceivesTypedEvent(t *testing.T) {
	fs := newFeedServer(t)
	c := connect(t, fs)

	got := make(chan events.BotStatusPayload, 1)
	c.Subscribe(events.BotStatusChanged, func(ev events.Event) {
		var p events.BotStatusPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			t.Errorf("payload decode: %v", err)
			return
		}
		got <- p
	})

	fs.push(t, `{"type":"bot.status_changed","payload":{"platform":"zoom","meeting_id":"m-1","playlist_id":"pl-1","status":"in_call"}}`)

	select {
	case p := <-got:
		if p.MeetingID != "m-1" || p.Status != "in_call" {
			t.Errorf("unexpected payload: %+v", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber never invoked")
	}
}

func TestSubscriberDoesNotReceiveOtherTypes(t *testing.T) {
	fs := newFeedServer(t)
	c := connect(t, fs)

	var mu sync.Mutex
	var segments, playlists int
	c.Subscribe(events.SegmentUpdated, func(events.Event) {
		mu.Lock()
		segments++
		mu.Unlock()
	})
	c.Subscribe(events.PlaylistUpdated, func(events.Event) {
		mu.Lock()
		playlists++
		mu.Unlock()
	})

	fs.push(t, `{"type":"playlist.updated","payload":{"playlist_id":"pl-1"}}`)
	waitFor(t, func() bool { mu.Lock(); defer mu.Unlock(); return playlists == 1 }, "playlist handler never fired")

	mu.Lock()
	defer mu.Unlock()
	if segments != 0 {
		t.Errorf("segment handler fired %d times for a playlist event", segments)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	fs := newFeedServer(t)
	c := connect(t, fs)

	var mu sync.Mutex
	var calls int
	unsub := c.Subscribe(events.SegmentCreated, func(events.Event) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	fs.push(t, `{"type":"segment.created","payload":{"segment_id":"s-1","playlist_id":"pl-1","version_id":"v-1"}}`)
	waitFor(t, func() bool { mu.Lock(); defer mu.Unlock(); return calls == 1 }, "first delivery missing")

	unsub()
	fs.push(t, `{"type":"segment.created","payload":{"segment_id":"s-2","playlist_id":"pl-1","version_id":"v-1"}}`)
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Errorf("expected 1 call after unsubscribe, got %d", calls)
	}
}

func TestSubscribeMultipleOneUnsubscribeReleasesAll(t *testing.T) {
	fs := newFeedServer(t)
	c := connect(t, fs)

	var mu sync.Mutex
	var calls int
	unsub := c.SubscribeMultiple([]events.Type{events.SegmentCreated, events.SegmentUpdated}, func(events.Event) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	fs.push(t, `{"type":"segment.created","payload":{}}`)
	fs.push(t, `{"type":"segment.updated","payload":{}}`)
	waitFor(t, func() bool { mu.Lock(); defer mu.Unlock(); return calls == 2 }, "both types should deliver")

	unsub()
	fs.push(t, `{"type":"segment.created","payload":{}}`)
	fs.push(t, `{"type":"segment.updated","payload":{}}`)
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if calls != 2 {
		t.Errorf("expected no deliveries after unsubscribe, got %d total", calls)
	}
}

func TestMalformedFrameIsSwallowed(t *testing.T) {
	fs := newFeedServer(t)
	c := connect(t, fs)

	got := make(chan struct{}, 1)
	c.Subscribe(events.VersionUpdated, func(events.Event) { got <- struct{}{} })

	fs.push(t, `{{{not json`)
	fs.push(t, `{"type":"weird.unknown","payload":{}}`)
	fs.push(t, `{"type":"version.updated","payload":{"playlist_id":"pl-1","version_id":"v-1"}}`)

	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("valid frame after malformed ones was not delivered")
	}
	if s, _ := c.State(); s != events.StateConnected {
		t.Errorf("malformed frame changed connection state to %v", s)
	}
}

func TestPanickingSubscriberDoesNotBlockSiblings(t *testing.T) {
	fs := newFeedServer(t)
	c := connect(t, fs)

	got := make(chan struct{}, 2)
	c.Subscribe(events.SegmentUpdated, func(events.Event) { panic("listener bug") })
	c.Subscribe(events.SegmentUpdated, func(events.Event) { got <- struct{}{} })

	fs.push(t, `{"type":"segment.updated","payload":{}}`)
	fs.push(t, `{"type":"segment.updated","payload":{}}`)

	for i := 0; i < 2; i++ {
		select {
		case <-got:
		case <-time.After(2 * time.Second):
			t.Fatalf("sibling subscriber missed delivery %d", i+1)
		}
	}
}

func TestConnectionStateTransitions(t *testing.T) {
	fs := newFeedServer(t)
	c := events.NewWebSocketClient(fs.url(), 20*time.Millisecond, discardLogger())

	states := make(chan events.ConnState, 16)
	c.OnConnectionStateChange(func(s events.ConnState, err error) { states <- s })

	c.Connect()
	defer c.Disconnect()

	if s := <-states; s != events.StateConnected {
		t.Fatalf("first transition: got %v want connected", s)
	}

	fs.dropAll()
	if s := <-states; s != events.StateError {
		t.Fatalf("after drop: got %v want error", s)
	}

	// Fixed-delay retry should reconnect on its own.
	waitFor(t, func() bool {
		select {
		case s := <-states:
			return s == events.StateConnected
		default:
			return false
		}
	}, "client never reconnected after drop")
}

func TestDisconnectStopsReconnection(t *testing.T) {
	fs := newFeedServer(t)
	c := connect(t, fs)

	c.Disconnect()
	if s, _ := c.State(); s != events.StateDisconnected {
		t.Fatalf("state after Disconnect: %v", s)
	}

	before := fs.dials()
	time.Sleep(100 * time.Millisecond)
	if after := fs.dials(); after != before {
		t.Errorf("client kept dialing after Disconnect: %d -> %d", before, after)
	}
}

func TestConnectIsIdempotent(t *testing.T) {
	fs := newFeedServer(t)
	c := connect(t, fs)

	c.Connect()
	c.Connect()
	time.Sleep(50 * time.Millisecond)

	if n := fs.dials(); n != 1 {
		t.Errorf("expected a single connection, got %d", n)
	}
}
