package notification

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rentgrid/backend/internal/config"
	"github.com/rentgrid/backend/internal/model"
)

func TestNoChannelsConfigured(t *testing.T) {
	s := NewService(config.NotificationConfig{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.False(t, s.Enabled())
	assert.NoError(t, s.Send(context.Background(), Message{Title: "x"}))
}

func TestSendResourceAlertToWebhooks(t *testing.T) {
	var got []Message
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, string(EventAlertRaised), r.Header.Get("X-Rentgrid-Event"))
		var m Message
		require.NoError(t, json.NewDecoder(r.Body).Decode(&m))
		got = append(got, m)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s := NewService(config.NotificationConfig{WebhookURLs: srv.URL + " , " + srv.URL}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.True(t, s.HasChannel(ChannelWebhook))
	assert.False(t, s.HasChannel(ChannelSlack))

	alert := &model.Alert{
		ID:         uuid.New(),
		ResourceID: "res-1",
		Type:       model.AlertTypePerformance,
		Severity:   model.SeverityCritical,
		Message:    "CPU usage 96.0% above critical threshold 95.0%",
		Timestamp:  time.Now().UTC(),
		Detail:     model.PerformanceDetail{Metric: "cpu", Value: 96, Threshold: 95},
	}
	require.NoError(t, s.SendResourceAlert(context.Background(), alert, "0xprovider"))

	require.Len(t, got, 2)
	assert.Equal(t, "critical", got[0].Severity)
	assert.Equal(t, "cpu", got[0].Data["Metric"])
	assert.Equal(t, "0xprovider", got[0].Data["Provider"])
}

func TestSlackFailureIsReported(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := NewService(config.NotificationConfig{SlackWebhookURL: srv.URL}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	err := s.Send(context.Background(), Message{EventType: EventBookingDisputed, Title: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "slack returned status 500")
}
