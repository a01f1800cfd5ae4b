package notify

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Severity classifies a toast.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Handle identifies one shown toast so it can be dismissed later.
type Handle string

// Toaster is the user-facing notification side channel consumed by the
// synchronization core. Implementations must be safe for concurrent use.
type Toaster interface {
	Show(title, description string, sev Severity, duration time.Duration) Handle
	Dismiss(h Handle)
}

// Config holds notification relay settings.
type Config struct {
	Enabled bool
	Webhook string
	NtfyURL string
}

// Notifier is the default Toaster. Every toast is logged; warning-and-above
// toasts are additionally relayed to an optional webhook and ntfy topic so a
// headless run still reaches the reviewer.
type Notifier struct {
	cfg    Config
	logger *slog.Logger
	client *http.Client

	mu     sync.Mutex
	active map[Handle]string // handle -> title, for dismiss logging
}

// New returns a Notifier with the given config.
func New(cfg Config, logger *slog.Logger) *Notifier {
	return &Notifier{
		cfg:    cfg,
		logger: logger,
		client: &http.Client{Timeout: 5 * time.Second},
		active: make(map[Handle]string),
	}
}

func (n *Notifier) Show(title, description string, sev Severity, duration time.Duration) Handle {
	h := Handle(uuid.NewString())
	n.mu.Lock()
	n.active[h] = title
	n.mu.Unlock()

	n.logger.Info("toast",
		"severity", string(sev),
		"title", title,
		"description", description,
		"duration", duration,
	)

	if n.cfg.Enabled && sev != SeverityInfo {
		go n.relay(title, description, sev)
	}
	return h
}

func (n *Notifier) Dismiss(h Handle) {
	n.mu.Lock()
	title, ok := n.active[h]
	delete(n.active, h)
	n.mu.Unlock()
	if ok {
		n.logger.Debug("toast dismissed", "title", title)
	}
}

// ActiveCount returns the number of toasts shown and not yet dismissed.
func (n *Notifier) ActiveCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.active)
}

func (n *Notifier) relay(title, description string, sev Severity) {
	if n.cfg.Webhook != "" {
		n.sendWebhook(title, description, sev)
	}
	if n.cfg.NtfyURL != "" {
		n.sendNtfy(title, description)
	}
}

type webhookPayload struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Severity    string `json:"severity"`
	Timestamp   string `json:"timestamp"`
}

func (n *Notifier) sendWebhook(title, description string, sev Severity) {
	payload := webhookPayload{
		Title:       title,
		Description: description,
		Severity:    string(sev),
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	resp, err := n.client.Post(n.cfg.Webhook, "application/json", bytes.NewReader(data))
	if err != nil {
		n.logger.Warn("notify: webhook post failed", "err", err)
		return
	}
	resp.Body.Close()
}

type ntfyPayload struct {
	Title    string   `json:"title"`
	Message  string   `json:"message"`
	Priority int      `json:"priority"`
	Tags     []string `json:"tags"`
}

func (n *Notifier) sendNtfy(title, description string) {
	payload := ntfyPayload{
		Title:    title,
		Message:  description,
		Priority: 4,
		Tags:     []string{"clapper"},
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	resp, err := n.client.Post(n.cfg.NtfyURL, "application/json", bytes.NewReader(data))
	if err != nil {
		n.logger.Warn("notify: ntfy post failed", "err", err)
		return
	}
	resp.Body.Close()
}
