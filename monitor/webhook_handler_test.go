package monitor

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAlert() *Alert {
	now := time.Now()
	return &Alert{
		ID:          "health_check_outbox_1",
		Level:       AlertLevelCritical,
		Service:     "billing",
		Component:   "outbox",
		Message:     "Health check outbox is unhealthy",
		Details:     map[string]interface{}{"length": 12},
		Timestamp:   now,
		Occurrences: 1,
		FirstSeen:   now,
		LastSeen:    now,
	}
}

func TestWebhookAlertHandler_PostsSignedPayload(t *testing.T) {
	var body []byte
	var signature string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		signature = r.Header.Get("X-Hub-Signature-256")
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	handler := NewWebhookAlertHandler("ops", server.URL, nil).WithSecret("s3cret")
	assert.Equal(t, "ops", handler.Name())
	require.NoError(t, handler.HandleAlert(context.Background(), testAlert()))

	var payload WebhookPayload
	require.NoError(t, json.Unmarshal(body, &payload))
	assert.Equal(t, "triggered", payload.Status)
	assert.Equal(t, AlertLevelCritical, payload.Level)
	assert.Equal(t, "outbox", payload.Component)
	assert.Equal(t, "sha256="+Sign("s3cret", body), signature)
}

func TestWebhookAlertHandler_SlackFormat(t *testing.T) {
	var payload SlackPayload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
	}))
	defer server.Close()

	alert := testAlert()
	resolvedAt := alert.FirstSeen.Add(90 * time.Second)
	alert.Resolved = true
	alert.ResolvedAt = &resolvedAt

	require.NoError(t, NewSlackWebhookHandler("slack", server.URL, nil).HandleAlert(context.Background(), alert))
	assert.Equal(t, "Alert resolved: outbox", payload.Text)
	require.Len(t, payload.Attachments, 1)
	assert.Equal(t, "good", payload.Attachments[0].Color)
	assert.Contains(t, payload.Attachments[0].Fields, SlackField{Title: "Duration", Value: "1m30s", Short: true})
	assert.Contains(t, payload.Attachments[0].Fields, SlackField{Title: "length", Value: "12", Short: true})
}

func TestWebhookAlertHandler_Retries(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	handler := NewWebhookAlertHandler("ops", server.URL, nil).WithRetries(3).WithRetryDelay(time.Millisecond)
	require.NoError(t, handler.HandleAlert(context.Background(), testAlert()))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestWebhookAlertHandler_ClientErrorIsNotRetried(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	handler := NewWebhookAlertHandler("ops", server.URL, nil).WithRetries(3).WithRetryDelay(time.Millisecond)
	err := handler.HandleAlert(context.Background(), testAlert())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400")
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestLogAlertHandler(t *testing.T) {
	handler := NewLogAlertHandler("log", nil)
	assert.Equal(t, "log", handler.Name())
	assert.NoError(t, handler.HandleAlert(context.Background(), testAlert()))
}
