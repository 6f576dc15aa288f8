package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sentinel/core"
)

func testMessage(recipient string) *core.NotificationMessage {
	return &core.NotificationMessage{
		MessageID:    "msg-1",
		AlertID:      "alert-1",
		Recipient:    recipient,
		Priority:     core.SeverityHigh,
		RenderedBody: "Security alert alert-1 (HIGH)",
	}
}

func TestWebhookChannelSend(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	ch := NewWebhookChannel()
	require.NoError(t, ch.Send(context.Background(), testMessage(srv.URL)))
	assert.Equal(t, "alert-1", got["alert_id"])
	assert.Equal(t, "msg-1", got["message_id"])
}

func TestWebhookChannelNon2xxFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	ch := NewWebhookChannel()
	err := ch.Send(context.Background(), testMessage(srv.URL))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestChatChannelSend(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
	}))
	defer srv.Close()

	ch := NewChatChannel()
	require.NoError(t, ch.Send(context.Background(), testMessage(srv.URL)))
	assert.Equal(t, "Security alert alert-1 (HIGH)", got["text"])
}

func TestEmailChannelSend(t *testing.T) {
	var gotAddr, gotFrom string
	var gotTo []string
	var gotBody string

	ch := NewEmailChannel("mail.example.com", 587, "alerts@example.com", "", "")
	ch.sendFn = func(addr string, _ smtp.Auth, from string, to []string, body []byte) error {
		gotAddr, gotFrom, gotTo, gotBody = addr, from, to, string(body)
		return nil
	}

	require.NoError(t, ch.Send(context.Background(), testMessage("oncall@example.com")))
	assert.Equal(t, "mail.example.com:587", gotAddr)
	assert.Equal(t, "alerts@example.com", gotFrom)
	assert.Equal(t, []string{"oncall@example.com"}, gotTo)
	assert.True(t, strings.Contains(gotBody, "Subject: [HIGH] security alert alert-1"), gotBody)
	assert.True(t, strings.Contains(gotBody, "Security alert alert-1 (HIGH)"), gotBody)
}

func TestChannelNames(t *testing.T) {
	assert.Equal(t, "webhook", NewWebhookChannel().Name())
	assert.Equal(t, "chat", NewChatChannel().Name())
	assert.Equal(t, "email", NewEmailChannel("h", 25, "f", "", "").Name())
}
