package notification

//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_repository.go -package=mocks . Repository,Sink,SSEHub

import (
	"context"

	"github.com/google/uuid"
)

// Repository defines the interface for notification persistence
type Repository interface {
	// Create returns ErrDuplicate when a record for the same EventID exists.
	Create(ctx context.Context, n *Notification) error
	GetByID(ctx context.Context, notificationID uuid.UUID) (*Notification, error)
	// FindByEventID returns nil, nil when no record exists.
	FindByEventID(ctx context.Context, eventID uuid.UUID) (*Notification, error)
	List(ctx context.Context, filter Filter, limit, offset int) ([]*Notification, error)
	Update(ctx context.Context, n *Notification) error

	// Delivery attempts
	RecordAttempt(ctx context.Context, attempt *DeliveryAttempt) error
	GetAttempts(ctx context.Context, notificationID uuid.UUID) ([]*DeliveryAttempt, error)

	// Expiration
	ExpireNotifications(ctx context.Context) (int64, error)
}

// Sink accepts a notification for delivery over the requested channels.
// Delivery itself happens outside the engine.
type Sink interface {
	Submit(ctx context.Context, n *Notification, channels []Channel) error
}

// SSEHub defines the interface for managing SSE connections. The
// broadcast methods return how many clients took the message.
type SSEHub interface {
	Register(client *SSEClient)
	Unregister(clientID string)
	GetClientCount() int
	BroadcastToUser(userID string, message *SSEMessage) int
	BroadcastToGroup(group string, message *SSEMessage) int
	Stop()
}
