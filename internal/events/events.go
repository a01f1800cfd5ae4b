package events

import (
	"encoding/json"
	"time"
)

// Type enumerates the events the backend pushes. The set is closed; frames
// carrying any other type are dropped at the transport boundary.
type Type string

const (
	SegmentCreated         Type = "segment.created"
	SegmentUpdated         Type = "segment.updated"
	PlaylistUpdated        Type = "playlist.updated"
	VersionUpdated         Type = "version.updated"
	BotStatusChanged       Type = "bot.status_changed"
	TranscriptionCompleted Type = "transcription.completed"
	TranscriptionError     Type = "transcription.error"
)

var knownTypes = map[Type]bool{
	SegmentCreated:         true,
	SegmentUpdated:         true,
	PlaylistUpdated:        true,
	VersionUpdated:         true,
	BotStatusChanged:       true,
	TranscriptionCompleted: true,
	TranscriptionError:     true,
}

// Event is one decoded frame from the push feed. Events are transient --
// they are dispatched to current subscribers and never stored or replayed.
type Event struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// SegmentPayload accompanies segment.created and segment.updated.
type SegmentPayload struct {
	SegmentID  string `json:"segment_id"`
	PlaylistID string `json:"playlist_id"`
	VersionID  string `json:"version_id"`
}

// PlaylistPayload accompanies playlist.updated.
type PlaylistPayload struct {
	PlaylistID string `json:"playlist_id"`
}

// VersionPayload accompanies version.updated.
type VersionPayload struct {
	PlaylistID string `json:"playlist_id"`
	VersionID  string `json:"version_id"`
}

// BotStatusPayload accompanies bot.status_changed.
type BotStatusPayload struct {
	Platform   string    `json:"platform"`
	MeetingID  string    `json:"meeting_id"`
	PlaylistID string    `json:"playlist_id"`
	Status     string    `json:"status"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// TranscriptionPayload accompanies transcription.completed and
// transcription.error. Error is empty on completion.
type TranscriptionPayload struct {
	Platform   string `json:"platform"`
	MeetingID  string `json:"meeting_id"`
	PlaylistID string `json:"playlist_id"`
	VersionID  string `json:"version_id"`
	Error      string `json:"error,omitempty"`
}
