package notification

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the hand-off state of a notification record.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusSent      Status = "SENT"
	StatusDelivered Status = "DELIVERED"
	StatusFailed    Status = "FAILED"
	StatusExpired   Status = "EXPIRED"
)

// Channel represents a requested delivery channel. The engine only hands
// channels to a Sink; transport for most of them lives elsewhere.
type Channel string

const (
	ChannelSSE      Channel = "SSE"
	ChannelWebhook  Channel = "WEBHOOK"
	ChannelEmail    Channel = "EMAIL"
	ChannelPush     Channel = "PUSH"
	ChannelWhatsApp Channel = "WHATSAPP"
)

// Priority is chosen by the routing rules.
type Priority string

const (
	PriorityLow      Priority = "LOW"
	PriorityMedium   Priority = "MEDIUM"
	PriorityHigh     Priority = "HIGH"
	PriorityCritical Priority = "CRITICAL"
)

var (
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrExpired           = errors.New("notification has expired")
	ErrCannotRetry       = errors.New("cannot retry notification")
	ErrDuplicate         = errors.New("notification already recorded for event")
	ErrNoChannels        = errors.New("no delivery channel accepted the notification")
)

// Notification is the record produced for one invitation transition.
type Notification struct {
	ID             int64           `json:"id"`
	NotificationID uuid.UUID       `json:"notificationId"`
	InvitationID   uuid.UUID       `json:"invitationId"`
	EventID        uuid.UUID       `json:"eventId"`
	Recipient      string          `json:"recipient"`
	Channels       []Channel       `json:"channels"`
	Priority       Priority        `json:"priority"`
	Title          string          `json:"title"`
	Body           string          `json:"body"`
	DeepLink       string          `json:"deepLink"`
	Payload        json.RawMessage `json:"payload"`
	Status         Status          `json:"status"`
	RetryCount     int             `json:"retryCount"`
	MaxRetries     int             `json:"maxRetries"`
	LastError      *string         `json:"lastError,omitempty"`
	ExpiresAt      *time.Time      `json:"expiresAt,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	SentAt         *time.Time      `json:"sentAt,omitempty"`
	DeliveredAt    *time.Time      `json:"deliveredAt,omitempty"`
	FailedAt       *time.Time      `json:"failedAt,omitempty"`
	TraceID        *string         `json:"traceId,omitempty"`
}

// NewNotification creates a new notification
func NewNotification(
	invitationID uuid.UUID,
	eventID uuid.UUID,
	recipient string,
	channels []Channel,
	priority Priority,
	title string,
	body string,
	payload json.RawMessage,
) *Notification {
	return &Notification{
		NotificationID: uuid.New(),
		InvitationID:   invitationID,
		EventID:        eventID,
		Recipient:      recipient,
		Channels:       append([]Channel(nil), channels...),
		Priority:       priority,
		Title:          title,
		Body:           body,
		DeepLink:       DeepLink(invitationID),
		Payload:        payload,
		Status:         StatusPending,
		MaxRetries:     3,
		CreatedAt:      time.Now().UTC(),
	}
}

// DeepLink is the relative reference a client follows to open an invitation.
func DeepLink(invitationID uuid.UUID) string {
	return "/invitations/" + invitationID.String()
}

// SetExpiry sets the expiration time
func (n *Notification) SetExpiry(expiresAt time.Time) {
	n.ExpiresAt = &expiresAt
}

// SetTraceID sets the trace ID
func (n *Notification) SetTraceID(traceID string) {
	n.TraceID = &traceID
}

// HasChannel reports whether c was requested.
func (n *Notification) HasChannel(c Channel) bool {
	for _, ch := range n.Channels {
		if ch == c {
			return true
		}
	}
	return false
}

// IsExpired reports whether the notification outlived its expiry.
func (n *Notification) IsExpired() bool {
	return n.ExpiresAt != nil && time.Now().UTC().After(*n.ExpiresAt)
}

// statusFlow lists the statuses reachable from each status. FAILED goes
// back to PENDING on retry; DELIVERED and EXPIRED are final.
var statusFlow = map[Status][]Status{
	StatusPending: {StatusSent, StatusFailed, StatusExpired},
	StatusSent:    {StatusDelivered, StatusFailed},
	StatusFailed:  {StatusPending},
}

func (n *Notification) CanTransitionTo(target Status) bool {
	for _, s := range statusFlow[n.Status] {
		if s == target {
			return true
		}
	}
	return false
}

// advance moves n to target. When expiryWins is set an expired
// notification becomes EXPIRED instead and ErrExpired is returned.
func (n *Notification) advance(target Status, expiryWins bool) (time.Time, error) {
	if expiryWins && n.IsExpired() {
		n.Status = StatusExpired
		return time.Time{}, ErrExpired
	}
	if !n.CanTransitionTo(target) {
		return time.Time{}, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, n.Status, target)
	}
	n.Status = target
	return time.Now().UTC(), nil
}

// MarkSent records the hand-off to the sink.
func (n *Notification) MarkSent() error {
	at, err := n.advance(StatusSent, true)
	if err != nil {
		return err
	}
	n.SentAt = &at
	return nil
}

func (n *Notification) MarkDelivered() error {
	at, err := n.advance(StatusDelivered, false)
	if err != nil {
		return err
	}
	n.DeliveredAt = &at
	return nil
}

// MarkFailed records a failed hand-off and counts it against MaxRetries.
func (n *Notification) MarkFailed(errMsg string) error {
	at, err := n.advance(StatusFailed, true)
	if err != nil {
		return err
	}
	n.FailedAt = &at
	n.LastError = &errMsg
	n.RetryCount++
	return nil
}

func (n *Notification) MarkExpired() error {
	_, err := n.advance(StatusExpired, false)
	return err
}

// CanRetry reports whether a failed notification has retries left.
func (n *Notification) CanRetry() bool {
	return n.Status == StatusFailed && n.RetryCount < n.MaxRetries && !n.IsExpired()
}

// ResetForRetry puts a retryable failed notification back to PENDING.
func (n *Notification) ResetForRetry() error {
	if !n.CanRetry() {
		return ErrCannotRetry
	}
	n.Status = StatusPending
	n.FailedAt = nil
	return nil
}

// IsTerminal reports whether no further status change will happen.
func (n *Notification) IsTerminal() bool {
	switch n.Status {
	case StatusDelivered, StatusExpired:
		return true
	case StatusFailed:
		return !n.CanRetry()
	}
	return false
}

// Handled reports whether the sink already took the notification.
func (n *Notification) Handled() bool {
	return n.Status == StatusSent || n.Status == StatusDelivered
}

// DeliveryAttempt records one Submit call for a notification.
type DeliveryAttempt struct {
	ID             int64     `json:"id"`
	NotificationID uuid.UUID `json:"notificationId"`
	AttemptNumber  int       `json:"attemptNumber"`
	Status         Status    `json:"status"`
	AttemptedAt    time.Time `json:"attemptedAt"`
	ErrorMessage   *string   `json:"errorMessage,omitempty"`
	DurationMs     int       `json:"durationMs"`
}

// NewDeliveryAttempt starts an attempt record stamped now.
func NewDeliveryAttempt(notificationID uuid.UUID, attemptNumber int) *DeliveryAttempt {
	return &DeliveryAttempt{
		NotificationID: notificationID,
		AttemptNumber:  attemptNumber,
		AttemptedAt:    time.Now().UTC(),
	}
}

// SSEClient is one open event stream. MessageChan is closed when the
// hub drops the client.
type SSEClient struct {
	ClientID    string
	UserID      *string
	Groups      []string
	ConnectedAt time.Time
	MessageChan chan *SSEMessage
}

func NewSSEClient(clientID string, userID *string, groups []string) *SSEClient {
	return &SSEClient{
		ClientID:    clientID,
		UserID:      userID,
		Groups:      groups,
		ConnectedAt: time.Now().UTC(),
		MessageChan: make(chan *SSEMessage, 100),
	}
}

func (c *SSEClient) Close() {
	close(c.MessageChan)
}

// SSEMessage is one server-sent event.
type SSEMessage struct {
	ID        string          `json:"id"`
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

func NewSSEMessage(event string, data json.RawMessage) *SSEMessage {
	return &SSEMessage{
		ID:        uuid.New().String(),
		Event:     event,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}

// Filter narrows List results. Nil fields match everything.
type Filter struct {
	InvitationID *uuid.UUID
	Recipient    *string
	Status       *Status
	Priority     *Priority
	Since        *time.Time
	Until        *time.Time
}
