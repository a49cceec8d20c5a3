// Package webpush delivers approval prompts as browser push notifications.
package webpush

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/kazz187/accessguard/internal/config"
	"github.com/kazz187/accessguard/internal/connector"
)

const Name = "webpush"

var ErrNoSubscription = errors.New("no push subscription for target")

type NotificationPayload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	URL   string `json:"url,omitempty"`
	Tag   string `json:"tag,omitempty"`
}

type Connector struct {
	vapidEnv   *config.VAPIDEnv
	repo       Repository
	httpClient webpush.HTTPClient
}

var (
	_ connector.Connector           = (*Connector)(nil)
	_ connector.PermissionRequester = (*Connector)(nil)
)

func NewConnector(vapidEnv *config.VAPIDEnv, repo Repository) *Connector {
	return &Connector{vapidEnv: vapidEnv, repo: repo, httpClient: http.DefaultClient}
}

func (c *Connector) Name() string { return Name }

func (c *Connector) SendMessage(ctx context.Context, targetID string, msg connector.Message) error {
	return c.send(ctx, targetID, &NotificationPayload{
		Title: "AccessGuard",
		Body:  msg.Text,
		Tag:   msg.ReplyToMessageID,
	})
}

func (c *Connector) RequestPermission(ctx context.Context, targetID string, prompt connector.PermissionPrompt) error {
	body := prompt.Text
	if prompt.RequesterLabel != "" && len(prompt.Descriptions) > 0 {
		body = fmt.Sprintf("%s wants to %s", prompt.RequesterLabel, prompt.Descriptions[0])
		if n := len(prompt.Descriptions) - 1; n > 0 {
			body += fmt.Sprintf(" (+%d more)", n)
		}
	}
	return c.send(ctx, targetID, &NotificationPayload{
		Title: "Permission Request",
		Body:  body,
		URL:   "/permission-requests/" + prompt.Token,
		Tag:   prompt.Token,
	})
}

// send pushes payload to every subscription of targetID. It succeeds when at
// least one endpoint accepted the notification.
func (c *Connector) send(ctx context.Context, targetID string, payload *NotificationPayload) error {
	if c.vapidEnv.VAPIDPrivateKey == "" || c.vapidEnv.VAPIDPublicKey == "" {
		return errors.New("VAPID keys not configured")
	}

	subs, err := c.repo.ListByTarget(ctx, targetID)
	if err != nil {
		return err
	}
	if len(subs) == 0 {
		return fmt.Errorf("%w %s", ErrNoSubscription, targetID)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	delivered := 0
	for _, sub := range subs {
		if c.sendToSubscription(ctx, sub, data) {
			delivered++
		}
	}
	if delivered == 0 {
		return fmt.Errorf("push delivery failed for all %d subscriptions", len(subs))
	}
	return nil
}

func (c *Connector) sendToSubscription(ctx context.Context, sub *Subscription, data []byte) bool {
	wpSub := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256dhKey,
			Auth:   sub.AuthKey,
		},
	}

	resp, err := webpush.SendNotificationWithContext(ctx, data, wpSub, &webpush.Options{
		HTTPClient:      c.httpClient,
		VAPIDPublicKey:  c.vapidEnv.VAPIDPublicKey,
		VAPIDPrivateKey: c.vapidEnv.VAPIDPrivateKey,
		Subscriber:      c.vapidEnv.VAPIDContact,
		TTL:             300,
		Urgency:         webpush.UrgencyHigh,
	})
	if err != nil {
		slog.ErrorContext(ctx, "push notification: failed to send", "endpoint", sub.Endpoint, "error", err)
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound {
		slog.InfoContext(ctx, "push notification: subscription expired, removing", "endpoint", sub.Endpoint)
		if err := c.repo.Delete(ctx, sub.ID); err != nil {
			slog.ErrorContext(ctx, "push notification: failed to delete expired subscription", "id", sub.ID, "error", err)
		}
		return false
	}
	if resp.StatusCode >= 400 {
		slog.WarnContext(ctx, "push notification: unexpected status", "endpoint", sub.Endpoint, "status", resp.StatusCode)
		return false
	}
	return true
}
