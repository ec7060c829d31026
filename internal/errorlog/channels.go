package errorlog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/slack-go/slack"

	"github.com/dynoinc/tokenguard/internal/aierrors"
)

func summary(a Alert) string {
	e := a.Entry.Error
	return fmt.Sprintf("[%s] %s: %s (%s)", strings.ToUpper(string(e.Severity)), a.Rule.Name, e.Message, e.Code)
}

// LogChannel writes alerts to the process log.
type LogChannel struct{}

func (LogChannel) Name() string { return "log" }

func (LogChannel) Send(ctx context.Context, a Alert) error {
	slog.WarnContext(ctx, "alert fired",
		"rule", a.Rule.Name,
		"code", a.Entry.Error.Code,
		"category", a.Entry.Error.Category,
		"severity", a.Entry.Error.Severity,
		"occurrences", a.Occurrences,
		"recipients", a.Rule.Recipients,
		"entry_id", a.Entry.ID)
	return nil
}

// SlackChannel posts alerts to a Slack incoming webhook.
type SlackChannel struct {
	webhookURL string
	client     *http.Client
}

func NewSlackChannel(webhookURL string, client *http.Client) *SlackChannel {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &SlackChannel{webhookURL: webhookURL, client: client}
}

func (*SlackChannel) Name() string { return "slack" }

var severityColors = map[aierrors.Severity]string{
	aierrors.SeverityWarning:  "warning",
	aierrors.SeverityError:    "danger",
	aierrors.SeverityCritical: "#7b0000",
}

func (s *SlackChannel) Send(ctx context.Context, a Alert) error {
	e := a.Entry.Error
	fields := []slack.AttachmentField{
		{Title: "Code", Value: e.Code, Short: true},
		{Title: "Category", Value: string(e.Category), Short: true},
		{Title: "Occurrences (1h)", Value: fmt.Sprint(a.Occurrences), Short: true},
	}
	if u := a.Entry.userID(); u != "" {
		fields = append(fields, slack.AttachmentField{Title: "User", Value: u, Short: true})
	}
	if c := a.Entry.Context.Component; c != "" {
		fields = append(fields, slack.AttachmentField{Title: "Component", Value: c, Short: true})
	}

	msg := &slack.WebhookMessage{
		Text: summary(a),
		Attachments: []slack.Attachment{{
			Color:  severityColors[e.Severity],
			Title:  a.Rule.Name,
			Text:   e.Message,
			Fields: fields,
		}},
	}
	if err := slack.PostWebhookCustomHTTPContext(ctx, s.webhookURL, s.client, msg); err != nil {
		return fmt.Errorf("posting slack webhook: %w", err)
	}
	return nil
}

// WebhookChannel POSTs the alert as JSON. 4xx responses are not retried.
type WebhookChannel struct {
	url    string
	client *http.Client
}

func NewWebhookChannel(url string, client *http.Client) *WebhookChannel {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookChannel{url: url, client: client}
}

func (*WebhookChannel) Name() string { return "webhook" }

func (w *WebhookChannel) Send(ctx context.Context, a Alert) error {
	body, err := json.Marshal(a)
	if err != nil {
		return Permanent(fmt.Errorf("marshaling alert: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return Permanent(fmt.Errorf("building webhook request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting webhook: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return Permanent(fmt.Errorf("webhook returned %s", resp.Status))
	default:
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
}

// SentryChannel reports alerts as Sentry events.
type SentryChannel struct {
	hub *sentry.Hub
}

// NewSentryChannel uses hub, or the current hub when nil.
func NewSentryChannel(hub *sentry.Hub) *SentryChannel {
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	return &SentryChannel{hub: hub}
}

func (*SentryChannel) Name() string { return "sentry" }

var errEventDropped = errors.New("sentry dropped the event")

func (s *SentryChannel) Send(_ context.Context, a Alert) error {
	e := a.Entry.Error
	event := sentry.NewEvent()
	event.Message = summary(a)
	switch e.Severity {
	case aierrors.SeverityCritical:
		event.Level = sentry.LevelFatal
	case aierrors.SeverityWarning:
		event.Level = sentry.LevelWarning
	default:
		event.Level = sentry.LevelError
	}
	event.Tags = map[string]string{
		"rule":     a.Rule.Name,
		"code":     e.Code,
		"category": string(e.Category),
	}
	if env := a.Entry.Metadata.Environment; env != "" {
		event.Environment = env
	}
	if v := a.Entry.Metadata.Version; v != "" {
		event.Release = v
	}
	event.Fingerprint = []string{a.Rule.ID, e.Code}

	if id := s.hub.CaptureEvent(event); id == nil {
		return errEventDropped
	}
	return nil
}
