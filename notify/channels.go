// Package notify delivers alert notifications over the configured channels
// with per-channel pacing, retry with backoff, circuit breaking and
// dead-lettering of undeliverable messages.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/smtp"
	"strings"

	"sentinel/core"
)

// Channel delivers one rendered notification message
type Channel interface {
	// Name is the identifier escalation steps reference
	Name() string

	// Send delivers the message to its recipient; failures are wrapped as
	// core.ErrDelivery by the dispatcher
	Send(ctx context.Context, msg *core.NotificationMessage) error
}

// WebhookChannel POSTs the message as JSON to the recipient URL
type WebhookChannel struct {
	client *http.Client
}

// NewWebhookChannel creates a webhook channel
func NewWebhookChannel() *WebhookChannel {
	return &WebhookChannel{client: &http.Client{Timeout: core.HTTPClientTimeout}}
}

// Name returns "webhook"
func (c *WebhookChannel) Name() string { return "webhook" }

// Send posts the notification to the recipient URL
func (c *WebhookChannel) Send(ctx context.Context, msg *core.NotificationMessage) error {
	payload, err := json.Marshal(map[string]interface{}{
		"message_id": msg.MessageID,
		"alert_id":   msg.AlertID,
		"priority":   msg.Priority,
		"body":       msg.RenderedBody,
	})
	if err != nil {
		return fmt.Errorf("failed to encode webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, msg.Recipient, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// ChatChannel posts a chat-formatted payload to a room webhook URL. Most
// chat systems accept the {"text": ...} shape.
type ChatChannel struct {
	client *http.Client
}

// NewChatChannel creates a chat channel
func NewChatChannel() *ChatChannel {
	return &ChatChannel{client: &http.Client{Timeout: core.HTTPClientTimeout}}
}

// Name returns "chat"
func (c *ChatChannel) Name() string { return "chat" }

// Send posts the notification text to the room webhook
func (c *ChatChannel) Send(ctx context.Context, msg *core.NotificationMessage) error {
	payload, err := json.Marshal(map[string]string{"text": msg.RenderedBody})
	if err != nil {
		return fmt.Errorf("failed to encode chat payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, msg.Recipient, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("chat request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("chat webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// EmailChannel sends plain-text mail through an SMTP relay
type EmailChannel struct {
	host string
	port int
	from string
	auth smtp.Auth

	// sendFn is swapped in tests
	sendFn func(addr string, a smtp.Auth, from string, to []string, body []byte) error
}

// NewEmailChannel creates an email channel. username may be empty for an
// unauthenticated relay.
func NewEmailChannel(host string, port int, from, username, password string) *EmailChannel {
	var auth smtp.Auth
	if username != "" {
		auth = smtp.PlainAuth("", username, password, host)
	}
	return &EmailChannel{host: host, port: port, from: from, auth: auth, sendFn: smtp.SendMail}
}

// Name returns "email"
func (c *EmailChannel) Name() string { return "email" }

// Send mails the notification to the recipient address
func (c *EmailChannel) Send(_ context.Context, msg *core.NotificationMessage) error {
	subject := fmt.Sprintf("[%s] security alert %s", strings.ToUpper(string(msg.Priority)), msg.AlertID)
	body := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s\r\n",
		c.from, msg.Recipient, subject, msg.RenderedBody)

	addr := fmt.Sprintf("%s:%d", c.host, c.port)
	if err := c.sendFn(addr, c.auth, c.from, []string{msg.Recipient}, []byte(body)); err != nil {
		return fmt.Errorf("smtp send failed: %w", err)
	}
	return nil
}
