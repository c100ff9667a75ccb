package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"kiln/internal/config"
)

const userAgent = "kiln/0.1.0"

// Event names a notification-worthy run milestone.
type Event string

const (
	EventRunStarted           Event = "run_started"
	EventRunCompleted         Event = "run_completed"
	EventCredentialsExhausted Event = "credentials_exhausted"
	EventError                Event = "error"
	EventTest                 Event = "test"
)

// Payload carries event fields. Keys are event specific.
type Payload map[string]any

// Service publishes run events.
type Service interface {
	Publish(ctx context.Context, event Event, payload Payload) error
}

// NewService builds a notification service backed by ntfy when configured.
// When no ntfy topic is configured, a noop implementation is returned.
func NewService(cfg *config.Config) Service {
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return noopService{}
	}

	timeout := time.Duration(cfg.Notifications.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &ntfyService{
		endpoint:     topic,
		client:       &http.Client{Timeout: timeout},
		runCompleted: cfg.Notifications.RunCompleted,
		errors:       cfg.Notifications.Errors,
	}
}

type payload struct {
	title    string
	message  string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint     string
	client       *http.Client
	runCompleted bool
	errors       bool
}

func (n *ntfyService) Publish(ctx context.Context, event Event, data Payload) error {
	msg, ok := n.format(event, data)
	if !ok {
		return nil
	}
	return n.send(ctx, msg)
}

// format renders an event. It reports false for events that are disabled or
// never sent.
func (n *ntfyService) format(event Event, data Payload) (payload, bool) {
	switch event {
	case EventRunCompleted:
		if !n.runCompleted {
			return payload{}, false
		}
		workflow := stringValue(data, "workflow")
		completed := intValue(data, "completed")
		failed := intValue(data, "failed")
		pending := intValue(data, "pending")
		elapsed := durationText(durationValue(data, "elapsed"))
		title := "kiln - Run Complete"
		message := fmt.Sprintf("Run %s finished: %d completed in %s", workflow, completed, elapsed)
		if failed > 0 || pending > 0 {
			title = "kiln - Run Complete (with errors)"
			message = fmt.Sprintf("Run %s finished: %d completed, %d failed, %d pending in %s", workflow, completed, failed, pending, elapsed)
		}
		return payload{title: title, message: message, tags: []string{"kiln", "run", "completed"}}, true
	case EventCredentialsExhausted:
		if !n.errors {
			return payload{}, false
		}
		return payload{
			title:    "kiln - Credentials Exhausted",
			message:  fmt.Sprintf("Pool %s ran out of credentials; run %s stopped dispatching", stringValue(data, "pool"), stringValue(data, "workflow")),
			tags:     []string{"kiln", "credentials", "alert"},
			priority: "high",
		}, true
	case EventError:
		if !n.errors {
			return payload{}, false
		}
		var builder strings.Builder
		builder.WriteString("Error")
		if label := stringValue(data, "context"); label != "" {
			builder.WriteString(" with ")
			builder.WriteString(label)
		}
		builder.WriteString(": ")
		if err, ok := data["error"].(error); ok && err != nil {
			builder.WriteString(strings.TrimSpace(err.Error()))
		} else {
			builder.WriteString("unknown")
		}
		return payload{
			title:    "kiln - Error",
			message:  builder.String(),
			tags:     []string{"kiln", "error", "alert"},
			priority: "high",
		}, true
	case EventTest:
		return payload{
			title:    "kiln - Test",
			message:  "Notification system test",
			tags:     []string{"kiln", "test"},
			priority: "low",
		}, true
	default:
		return payload{}, false
	}
}

func (n *ntfyService) send(ctx context.Context, data payload) error {
	if n == nil || n.client == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(data.message))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if data.title != "" {
		req.Header.Set("Title", data.title)
	}
	if len(data.tags) > 0 {
		req.Header.Set("Tags", strings.Join(data.tags, ","))
	}
	if data.priority != "" && data.priority != "default" {
		req.Header.Set("Priority", data.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func stringValue(data Payload, key string) string {
	switch v := data[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case fmt.Stringer:
		return strings.TrimSpace(v.String())
	default:
		return ""
	}
}

func intValue(data Payload, key string) int {
	switch v := data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	default:
		return 0
	}
}

func durationValue(data Payload, key string) time.Duration {
	if v, ok := data[key].(time.Duration); ok {
		return v
	}
	return 0
}

func durationText(d time.Duration) string {
	d = d.Round(time.Second)
	if d <= 0 {
		return "0s"
	}
	return d.String()
}

type noopService struct{}

func (noopService) Publish(context.Context, Event, Payload) error { return nil }
