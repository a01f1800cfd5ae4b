package bot

import "time"

// Status is the transcription-bot session state. The set is closed:
// idle -> joining -> {waiting_room -> in_call, in_call} -> transcribing ->
// {stopped, completed, failed}.
type Status string

const (
	StatusIdle         Status = "idle"
	StatusJoining      Status = "joining"
	StatusWaitingRoom  Status = "waiting_room"
	StatusInCall       Status = "in_call"
	StatusTranscribing Status = "transcribing"
	StatusFailed       Status = "failed"
	StatusStopped      Status = "stopped"
	StatusCompleted    Status = "completed"
)

// Active reports whether the session can still progress: the bot has been
// dispatched and has not reached a terminal state. Polling and "start"
// affordances are gated on this set.
func (s Status) Active() bool {
	switch s {
	case StatusJoining, StatusWaitingRoom, StatusInCall, StatusTranscribing:
		return true
	}
	return false
}

// Terminal reports whether the session is finished for good. Only a fresh
// dispatch creates a new session after a terminal status.
func (s Status) Terminal() bool {
	switch s {
	case StatusFailed, StatusStopped, StatusCompleted:
		return true
	}
	return false
}

// Session is one transcription attempt on a meeting.
type Session struct {
	Platform   string    `json:"platform"`
	MeetingID  string    `json:"meeting_id"`
	PlaylistID string    `json:"playlist_id"`
	Status     Status    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Matches reports whether the session refers to the given meeting. The
// playlist is checked as a fallback because an event can race ahead of the
// meeting id being known locally.
func (s Session) Matches(platform, meetingID, playlistID string) bool {
	if platform != "" && meetingID != "" &&
		s.Platform == platform && s.MeetingID == meetingID {
		return true
	}
	return playlistID != "" && s.PlaylistID == playlistID
}

// DispatchRequest asks the backend to send a bot into a meeting.
type DispatchRequest struct {
	Platform   string `json:"platform"`
	MeetingID  string `json:"meeting_id"`
	PlaylistID string `json:"playlist_id"`
}
