package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"
)

// TransportKind selects how the event feed is delivered.
type TransportKind string

const (
	TransportWebSocket TransportKind = "websocket"
	TransportAMQP      TransportKind = "amqp"
)

// BrokerConfig holds credentials for the broker-backed event transport.
// Only used when Events.Transport is "amqp".
type BrokerConfig struct {
	URL      string `json:"url"`
	Login    string `json:"login"`
	Passcode string `json:"passcode"`
	Vhost    string `json:"vhost"`
	Exchange string `json:"exchange"`
}

type EventsConfig struct {
	Transport        TransportKind `json:"transport"`
	URL              string        `json:"url"` // websocket endpoint
	Broker           BrokerConfig  `json:"broker"`
	ReconnectDelayMs int           `json:"reconnectDelayMs"`
}

type APIConfig struct {
	BaseURL string `json:"baseUrl"`
	Token   string `json:"token"`
}

type SyncConfig struct {
	DraftDebounceMs   int `json:"draftDebounceMs"`
	SuggestDebounceMs int `json:"suggestDebounceMs"`
}

type NotificationsConfig struct {
	Enabled bool   `json:"enabled"`
	Webhook string `json:"webhook"`
	NtfyURL string `json:"ntfy"`
}

type LogConfig struct {
	Dir   string `json:"dir"`
	Level string `json:"level"`
}

type Config struct {
	User          string              `json:"user"`
	API           APIConfig           `json:"api"`
	Events        EventsConfig        `json:"events"`
	Sync          SyncConfig          `json:"sync"`
	Notifications NotificationsConfig `json:"notifications"`
	Log           LogConfig           `json:"log"`
}

func Defaults() Config {
	home, _ := os.UserHomeDir()
	return Config{
		API: APIConfig{BaseURL: "http://localhost:8008/api/v1"},
		Events: EventsConfig{
			Transport:        TransportWebSocket,
			URL:              "ws://localhost:8008/events",
			Broker:           BrokerConfig{Vhost: "/", Exchange: "review.events"},
			ReconnectDelayMs: 5000,
		},
		Sync: SyncConfig{
			DraftDebounceMs:   300,
			SuggestDebounceMs: 1000,
		},
		Log: LogConfig{
			Dir:   filepath.Join(home, ".reviewsync", "logs"),
			Level: "info",
		},
	}
}

func DefaultPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".reviewsync", "config.json")
}

func Load(path string) (Config, error) {
	cfg := Defaults()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, err
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// DraftDebounce returns the draft write debounce window as a duration.
func (c Config) DraftDebounce() time.Duration {
	return time.Duration(c.Sync.DraftDebounceMs) * time.Millisecond
}

// SuggestDebounce returns the suggestion regeneration debounce window.
func (c Config) SuggestDebounce() time.Duration {
	return time.Duration(c.Sync.SuggestDebounceMs) * time.Millisecond
}

// ReconnectDelay returns the fixed delay between event reconnect attempts.
func (c Config) ReconnectDelay() time.Duration {
	return time.Duration(c.Events.ReconnectDelayMs) * time.Millisecond
}
