package push

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"firewatch-pipeline/internal/config"
	"firewatch-pipeline/internal/dispatcher"
	"firewatch-pipeline/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testTask() *models.NotificationTask {
	return &models.NotificationTask{
		TaskID:      "inc-1:U1:base",
		IncidentID:  "inc-1",
		RecipientID: "U1",
		Channel:     models.ChannelPush,
		Severity:    models.SeverityHigh,
		Tier:        models.TierBase,
		Title:       "Fire alarm (high)",
	}
}

func webhookFor(url string) *WebhookTransport {
	cfg := &config.Config{}
	cfg.Push.WebhookURL = url
	return NewWebhookTransport(cfg, zap.NewNop())
}

func TestWebhookSend_Success(t *testing.T) {
	var received models.NotificationTask
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := webhookFor(srv.URL).Send(context.Background(), testTask())

	require.NoError(t, err)
	assert.Equal(t, "inc-1:U1:base", received.TaskID)
}

func TestWebhookSend_ServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := webhookFor(srv.URL).Send(context.Background(), testTask())

	var transient *dispatcher.TransientDeliveryError
	require.Error(t, err)
	assert.True(t, errors.As(err, &transient))
}

func TestWebhookSend_RejectionIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	err := webhookFor(srv.URL).Send(context.Background(), testTask())

	var permanent *dispatcher.PermanentDeliveryError
	require.Error(t, err)
	assert.True(t, errors.As(err, &permanent))
}

func TestWebhookSend_ConnectionRefusedIsTransient(t *testing.T) {
	err := webhookFor("http://127.0.0.1:1/push").Send(context.Background(), testTask())

	var transient *dispatcher.TransientDeliveryError
	require.Error(t, err)
	assert.True(t, errors.As(err, &transient))
}

func TestLogTransport_AlwaysSucceeds(t *testing.T) {
	err := NewLogTransport(zap.NewNop()).Send(context.Background(), testTask())
	assert.NoError(t, err)
}
