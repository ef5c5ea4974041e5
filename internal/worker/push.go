package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"net/url"

	"taskly/internal/notification"
)

// Push notification defaults.
const (
	DefaultPushTitle = "Taskly"
	DefaultPushBody  = "You have a new notification"
)

// Client is a window controlled by the worker.
type Client struct {
	ID      string `json:"id"`
	URL     string `json:"url"`
	Focused bool   `json:"focused"`
}

// Clients controls the app windows. The desktop build has no windows of its
// own; NoClients is used there.
type Clients interface {
	MatchAll(ctx context.Context) ([]Client, error)
	Focus(ctx context.Context, id string) error
	OpenWindow(ctx context.Context, rawURL string) error
	Claim(ctx context.Context) error
}

// NoClients has no windows. OpenWindow and Claim succeed without doing anything.
type NoClients struct{}

func (NoClients) MatchAll(context.Context) ([]Client, error) { return nil, nil }
func (NoClients) Focus(context.Context, string) error        { return nil }
func (NoClients) OpenWindow(context.Context, string) error   { return nil }
func (NoClients) Claim(context.Context) error                { return nil }

// ParsePush turns a push payload into a notification. It never fails: a
// payload that is not JSON becomes the body. A JSON object may carry string
// "title" and "body" fields; anything missing takes the defaults.
func (c Config) ParsePush(payload []byte) notification.Notification {
	n := notification.Notification{
		Type:    notification.KindPush,
		Title:   DefaultPushTitle,
		Message: DefaultPushBody,
		Tag:     notification.DefaultTag,
		Icon:    c.Icon,
	}

	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 {
		return n
	}

	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		n.Message = string(payload)
		return n
	}
	// Valid JSON that is not an object carries no title or body.
	fields, ok := decoded.(map[string]any)
	if !ok {
		return n
	}
	if title, _ := fields["title"].(string); title != "" {
		n.Title = title
	}
	if body, _ := fields["body"].(string); body != "" {
		n.Message = body
	}
	return n
}

// HandlePush shows a notification for an incoming push message.
func (w *Worker) HandlePush(ctx context.Context, payload []byte) notification.Notification {
	n := w.cfg.ParsePush(payload)
	log.Debugf("push received: %s", n.Title)
	if w.notifier == nil {
		log.Warnf("push received but no notifier is configured: %s", n.Message)
		return n
	}
	if err := w.notifier.Send(n); err != nil {
		log.Warnf("failed to show push notification: %v", err)
	}
	return n
}

// HandleNotificationClick focuses the first window showing the root path, or
// opens a new one.
func (w *Worker) HandleNotificationClick(ctx context.Context) error {
	clients, err := w.clients.MatchAll(ctx)
	if err != nil {
		log.Warnf("failed to list windows: %v", err)
	}
	for _, c := range clients {
		if isRoot(c.URL) {
			return w.clients.Focus(ctx, c.ID)
		}
	}
	return w.clients.OpenWindow(ctx, "/")
}

// isRoot reports whether rawURL points at "/".
func isRoot(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return u.Path == "/" || (u.Path == "" && u.Host != "")
}
