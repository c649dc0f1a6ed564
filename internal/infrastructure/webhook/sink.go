// Package webhook hands notifications to an external delivery service over
// HTTP. That service owns email, push and messaging transport.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/execution-hub/invitation-hub/internal/domain/notification"
)

// ErrRejected marks a 4xx answer. Retrying the same request will not help.
var ErrRejected = errors.New("webhook rejected notification")

type Config struct {
	URL     string
	Headers map[string]string
	Timeout time.Duration
}

// Sink posts each notification to one configured URL.
type Sink struct {
	url     string
	headers map[string]string
	client  *http.Client
	logger  zerolog.Logger
}

func NewSink(cfg Config, logger zerolog.Logger) (*Sink, error) {
	if cfg.URL == "" {
		return nil, errors.New("webhook URL is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Sink{
		url:     cfg.URL,
		headers: cfg.Headers,
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With().Str("component", "webhook_sink").Logger(),
	}, nil
}

type payload struct {
	NotificationID string                 `json:"notification_id"`
	InvitationID   string                 `json:"invitation_id"`
	EventID        string                 `json:"event_id"`
	Recipient      string                 `json:"recipient"`
	Channels       []notification.Channel `json:"channels"`
	Priority       notification.Priority  `json:"priority"`
	Title          string                 `json:"title"`
	Body           string                 `json:"body"`
	DeepLink       string                 `json:"deep_link"`
	CreatedAt      string                 `json:"created_at"`
	Payload        json.RawMessage        `json:"payload,omitempty"`
	TraceID        *string                `json:"trace_id,omitempty"`
}

func (s *Sink) Submit(ctx context.Context, n *notification.Notification, channels []notification.Channel) error {
	body, err := json.Marshal(payload{
		NotificationID: n.NotificationID.String(),
		InvitationID:   n.InvitationID.String(),
		EventID:        n.EventID.String(),
		Recipient:      n.Recipient,
		Channels:       channels,
		Priority:       n.Priority,
		Title:          n.Title,
		Body:           n.Body,
		DeepLink:       n.DeepLink,
		CreatedAt:      n.CreatedAt.Format(time.RFC3339),
		Payload:        n.Payload,
		TraceID:        n.TraceID,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "invitation-hub-notification/1.0")
	req.Header.Set("X-Notification-ID", n.NotificationID.String())
	// Receivers deduplicate on the event id; the relay may deliver twice.
	req.Header.Set("Idempotency-Key", n.EventID.String())
	for key, value := range s.headers {
		req.Header.Set(key, value)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	s.logger.Debug().
		Str("notification_id", n.NotificationID.String()).
		Int("status_code", resp.StatusCode).
		Str("response_body", string(respBody)).
		Msg("webhook delivery attempted")

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, string(respBody))
	default:
		return fmt.Errorf("webhook failed with status %d: %s", resp.StatusCode, string(respBody))
	}
}
