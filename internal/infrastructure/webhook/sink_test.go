package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/execution-hub/invitation-hub/internal/domain/notification"
)

func newNotification() *notification.Notification {
	return notification.NewNotification(uuid.New(), uuid.New(), "tpo-1",
		[]notification.Channel{notification.ChannelWebhook, notification.ChannelEmail},
		notification.PriorityHigh, "Invitation accepted", "Invitation for J1 was accepted",
		json.RawMessage(`{"engagementId":"J1"}`))
}

func TestSink_Submit(t *testing.T) {
	n := newNotification()
	var got payload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, n.EventID.String(), r.Header.Get("Idempotency-Key"))
		assert.Equal(t, "secret", r.Header.Get("X-Api-Key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	s, err := NewSink(Config{URL: srv.URL, Headers: map[string]string{"X-Api-Key": "secret"}}, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, s.Submit(context.Background(), n, []notification.Channel{notification.ChannelEmail}))

	assert.Equal(t, n.NotificationID.String(), got.NotificationID)
	assert.Equal(t, []notification.Channel{notification.ChannelEmail}, got.Channels)
	assert.Equal(t, "/invitations/"+n.InvitationID.String(), got.DeepLink)
	assert.JSONEq(t, `{"engagementId":"J1"}`, string(got.Payload))
}

func TestSink_SubmitFailures(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusBadRequest)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
		_, _ = w.Write([]byte("nope"))
	}))
	defer srv.Close()

	s, err := NewSink(Config{URL: srv.URL}, zerolog.Nop())
	require.NoError(t, err)

	err = s.Submit(context.Background(), newNotification(), nil)
	assert.ErrorIs(t, err, ErrRejected)

	status.Store(http.StatusServiceUnavailable)
	err = s.Submit(context.Background(), newNotification(), nil)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrRejected)

	srv.Close()
	assert.Error(t, s.Submit(context.Background(), newNotification(), nil))
}

func TestNewSink_RequiresURL(t *testing.T) {
	_, err := NewSink(Config{}, zerolog.Nop())
	assert.Error(t, err)
}
