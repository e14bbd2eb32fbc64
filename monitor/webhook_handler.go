package monitor

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/glimte/mmate-bus/reliability"
)

// WebhookFormat selects the payload layout
type WebhookFormat string

const (
	WebhookFormatGeneric WebhookFormat = "generic"
	WebhookFormatSlack   WebhookFormat = "slack"
)

// WebhookAlertHandler posts alerts to an HTTP endpoint
type WebhookAlertHandler struct {
	name    string
	url     string
	secret  string
	format  WebhookFormat
	client  *http.Client
	backoff *reliability.ExponentialBackoff
	logger  *slog.Logger
}

// WebhookPayload is the generic payload
type WebhookPayload struct {
	Status    string                 `json:"status"`
	Service   string                 `json:"service"`
	Component string                 `json:"component"`
	Level     AlertLevel             `json:"level"`
	Message   string                 `json:"message"`
	Timestamp time.Time              `json:"timestamp"`
	Alert     *Alert                 `json:"alert"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// SlackPayload is an incoming-webhook message
type SlackPayload struct {
	Text        string            `json:"text"`
	Username    string            `json:"username,omitempty"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

// SlackAttachment represents a Slack message attachment
type SlackAttachment struct {
	Color     string       `json:"color,omitempty"`
	Title     string       `json:"title,omitempty"`
	Text      string       `json:"text,omitempty"`
	Fields    []SlackField `json:"fields,omitempty"`
	Footer    string       `json:"footer,omitempty"`
	Timestamp int64        `json:"ts,omitempty"`
}

// SlackField represents a Slack attachment field
type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// NewWebhookAlertHandler creates a webhook handler posting generic payloads
func NewWebhookAlertHandler(name, url string, logger *slog.Logger) *WebhookAlertHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookAlertHandler{
		name:    name,
		url:     url,
		format:  WebhookFormatGeneric,
		client:  &http.Client{Timeout: 30 * time.Second},
		backoff: reliability.NewExponentialBackoff(time.Second, 30*time.Second, 2, 3),
		logger:  logger,
	}
}

// NewSlackWebhookHandler creates a Slack-formatted webhook handler
func NewSlackWebhookHandler(name, url string, logger *slog.Logger) *WebhookAlertHandler {
	return NewWebhookAlertHandler(name, url, logger).WithFormat(WebhookFormatSlack)
}

// WithFormat sets the payload layout
func (w *WebhookAlertHandler) WithFormat(format WebhookFormat) *WebhookAlertHandler {
	w.format = format
	return w
}

// WithSecret signs payloads with HMAC-SHA256 in X-Hub-Signature-256
func (w *WebhookAlertHandler) WithSecret(secret string) *WebhookAlertHandler {
	w.secret = secret
	return w
}

// WithRetries sets how many times a failed post is retried
func (w *WebhookAlertHandler) WithRetries(retries int) *WebhookAlertHandler {
	w.backoff.MaxAttempts = retries
	return w
}

// WithRetryDelay sets the first retry delay
func (w *WebhookAlertHandler) WithRetryDelay(delay time.Duration) *WebhookAlertHandler {
	w.backoff.InitialInterval = delay
	return w
}

// WithTimeout sets the request timeout
func (w *WebhookAlertHandler) WithTimeout(timeout time.Duration) *WebhookAlertHandler {
	w.client.Timeout = timeout
	return w
}

// Name returns the handler name
func (w *WebhookAlertHandler) Name() string {
	return w.name
}

// HandleAlert posts the alert
func (w *WebhookAlertHandler) HandleAlert(ctx context.Context, alert *Alert) error {
	var payload interface{}
	switch w.format {
	case WebhookFormatSlack:
		payload = slackPayload(alert)
	default:
		payload = &WebhookPayload{
			Status:    alertStatus(alert),
			Service:   alert.Service,
			Component: alert.Component,
			Level:     alert.Level,
			Message:   alert.Message,
			Timestamp: alert.Timestamp,
			Alert:     alert,
			Details:   alert.Details,
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	attempt := 0
	return reliability.Do(ctx, w.backoff, "webhook "+w.name, func(ctx context.Context) error {
		attempt++
		err := w.send(ctx, body)
		if err != nil {
			w.logger.Warn("Webhook send failed", "handler", w.name, "attempt", attempt, "error", err)
		}
		return err
	})
}

func (w *WebhookAlertHandler) send(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", reliability.ErrNonRetryable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "mmate-monitor/1.0")
	if w.secret != "" {
		req.Header.Set("X-Hub-Signature-256", "sha256="+Sign(w.secret, body))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return fmt.Errorf("%w: webhook returned status %d", reliability.ErrNonRetryable, resp.StatusCode)
	default:
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
}

// Sign returns the hex HMAC-SHA256 of payload
func Sign(secret string, payload []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func alertStatus(alert *Alert) string {
	if alert.Resolved {
		return "resolved"
	}
	return "triggered"
}

func slackPayload(alert *Alert) *SlackPayload {
	color := "good"
	switch {
	case alert.Resolved:
	case alert.Level == AlertLevelCritical:
		color = "danger"
	case alert.Level == AlertLevelWarning:
		color = "warning"
	}

	attachment := SlackAttachment{
		Color:     color,
		Title:     fmt.Sprintf("%s - %s", alert.Service, alert.Component),
		Text:      alert.Message,
		Footer:    "mmate",
		Timestamp: alert.Timestamp.Unix(),
		Fields: []SlackField{
			{Title: "Level", Value: string(alert.Level), Short: true},
			{Title: "Occurrences", Value: fmt.Sprintf("%d", alert.Occurrences), Short: true},
		},
	}
	if alert.Resolved && alert.ResolvedAt != nil {
		attachment.Fields = append(attachment.Fields, SlackField{
			Title: "Duration",
			Value: alert.ResolvedAt.Sub(alert.FirstSeen).Round(time.Second).String(),
			Short: true,
		})
	}

	keys := make([]string, 0, len(alert.Details))
	for k := range alert.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attachment.Fields = append(attachment.Fields, SlackField{Title: k, Value: fmt.Sprintf("%v", alert.Details[k]), Short: true})
	}

	return &SlackPayload{
		Text:        fmt.Sprintf("Alert %s: %s", alertStatus(alert), alert.Component),
		Username:    "mmate",
		Attachments: []SlackAttachment{attachment},
	}
}

// LogAlertHandler logs alerts
type LogAlertHandler struct {
	name   string
	logger *slog.Logger
}

// NewLogAlertHandler creates a new log alert handler
func NewLogAlertHandler(name string, logger *slog.Logger) *LogAlertHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogAlertHandler{name: name, logger: logger}
}

// Name returns the handler name
func (l *LogAlertHandler) Name() string {
	return l.name
}

// HandleAlert logs the alert
func (l *LogAlertHandler) HandleAlert(ctx context.Context, alert *Alert) error {
	l.logger.InfoContext(ctx, "Alert notification",
		"status", alertStatus(alert),
		"id", alert.ID,
		"level", alert.Level,
		"component", alert.Component,
		"message", alert.Message,
		"occurrences", alert.Occurrences,
	)
	return nil
}
