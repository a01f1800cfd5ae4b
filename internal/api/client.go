// Package api is the REST client for the review tool backend. It
// implements the backend interfaces consumed by the bot, drafts, and
// suggest packages.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jspada200/reviewsync/internal/bot"
	"github.com/jspada200/reviewsync/internal/drafts"
	"github.com/jspada200/reviewsync/internal/suggest"
)

const beaconTimeout = 3 * time.Second

// UserSettings are the per-reviewer preferences stored server-side.
type UserSettings struct {
	User           string `json:"user"`
	Email          string `json:"email"`
	DefaultCC      string `json:"default_cc"`
	AIInstructions string `json:"ai_instructions"`
}

// Client talks to the review tool REST API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *slog.Logger
}

// New returns a Client for the given base URL. token may be empty.
func New(baseURL, token string, logger *slog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
		logger:  logger,
	}
}

// statusError is returned for non-2xx responses so callers can branch on
// the code (404 on draft reads means "no draft yet", not a failure).
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("api returned %d: %s", e.code, e.body)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(data))}
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("parse response: %w", err)
		}
	}
	return nil
}

// DispatchBot asks the backend to send a transcription bot into a meeting.
func (c *Client) DispatchBot(ctx context.Context, req bot.DispatchRequest) (bot.Session, error) {
	var s bot.Session
	if err := c.do(ctx, http.MethodPost, "/bots", req, &s); err != nil {
		return bot.Session{}, err
	}
	return s, nil
}

// StopBot asks the backend to pull the bot out of a meeting.
func (c *Client) StopBot(ctx context.Context, platform, meetingID string) (bool, error) {
	var out struct {
		Stopped bool `json:"stopped"`
	}
	path := fmt.Sprintf("/bots/%s/%s/stop", url.PathEscape(platform), url.PathEscape(meetingID))
	if err := c.do(ctx, http.MethodPost, path, nil, &out); err != nil {
		return false, err
	}
	return out.Stopped, nil
}

// GetBotStatus polls the current bot status for a meeting.
func (c *Client) GetBotStatus(ctx context.Context, platform, meetingID string) (bot.Status, error) {
	var out struct {
		Status bot.Status `json:"status"`
	}
	path := fmt.Sprintf("/bots/%s/%s/status", url.PathEscape(platform), url.PathEscape(meetingID))
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return "", err
	}
	return out.Status, nil
}

func draftPath(key drafts.Key) string {
	return fmt.Sprintf("/playlists/%s/versions/%s/notes/%s/draft",
		url.PathEscape(key.Playlist), url.PathEscape(key.Version), url.PathEscape(key.User))
}

// GetDraftNote fetches the server copy of a draft. A 404 means no draft
// exists yet and is not an error.
func (c *Client) GetDraftNote(ctx context.Context, key drafts.Key) (drafts.Draft, bool, error) {
	var d drafts.Draft
	err := c.do(ctx, http.MethodGet, draftPath(key), nil, &d)
	if err != nil {
		var se *statusError
		if errors.As(err, &se) && se.code == http.StatusNotFound {
			return drafts.Draft{}, false, nil
		}
		return drafts.Draft{}, false, err
	}
	return d, true, nil
}

// UpsertDraftNote writes the merged draft upstream.
func (c *Client) UpsertDraftNote(ctx context.Context, key drafts.Key, d drafts.Draft) error {
	return c.do(ctx, http.MethodPut, draftPath(key), d, nil)
}

// DeleteDraftNote removes the server copy of a draft.
func (c *Client) DeleteDraftNote(ctx context.Context, key drafts.Key) error {
	err := c.do(ctx, http.MethodDelete, draftPath(key), nil, nil)
	var se *statusError
	if errors.As(err, &se) && se.code == http.StatusNotFound {
		return nil
	}
	return err
}

// BeaconUpsertDraftNote is the teardown write path: fire-and-forget with a
// short timeout, no confirmation, no retry.
func (c *Client) BeaconUpsertDraftNote(key drafts.Key, d drafts.Draft) {
	ctx, cancel := context.WithTimeout(context.Background(), beaconTimeout)
	defer cancel()
	if err := c.do(ctx, http.MethodPut, draftPath(key), d, nil); err != nil {
		c.logger.Debug("api: beacon write lost", "playlist", key.Playlist, "version", key.Version, "err", err)
	}
}

// GenerateNote asks the AI backend to draft a note for a version.
func (c *Client) GenerateNote(ctx context.Context, playlist, version, user, instructions string) (suggest.Generated, error) {
	body := struct {
		User         string `json:"user"`
		Instructions string `json:"instructions,omitempty"`
	}{User: user, Instructions: instructions}
	var out suggest.Generated
	path := fmt.Sprintf("/playlists/%s/versions/%s/notes/generate",
		url.PathEscape(playlist), url.PathEscape(version))
	if err := c.do(ctx, http.MethodPost, path, body, &out); err != nil {
		return suggest.Generated{}, err
	}
	return out, nil
}

// GetUserSettings fetches the reviewer's stored preferences.
func (c *Client) GetUserSettings(ctx context.Context, user string) (UserSettings, error) {
	var out UserSettings
	path := fmt.Sprintf("/users/%s/settings", url.PathEscape(user))
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return UserSettings{}, err
	}
	return out, nil
}
