package invitation

//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_repository.go -package=mocks . Repository,EventPublisher,Dispatcher

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Mutator receives a private copy of the stored invitation and returns the
// next state together with the outbox events owed by the change. Returning
// an error aborts the update without writing anything.
type Mutator func(current *Invitation) (*Invitation, []*OutboxEvent, error)

// Repository defines the interface for invitation persistence.
type Repository interface {
	// Create stores inv and its events atomically. If an active invitation
	// already exists for the same engagement and organization it returns a
	// *DuplicateError and stores nothing.
	Create(ctx context.Context, inv *Invitation, events []*OutboxEvent) error
	GetByID(ctx context.Context, id uuid.UUID) (*Invitation, error)
	// FindActive returns nil, nil when no active invitation exists.
	FindActive(ctx context.Context, engagementID, targetOrgID string) (*Invitation, error)
	// ConditionalUpdate applies mutate only if the stored version equals
	// expectedVersion, otherwise it returns ErrConflict. Status, appended
	// history and events are written in one atomic step.
	ConditionalUpdate(ctx context.Context, id uuid.UUID, expectedVersion int64, mutate Mutator) (*Invitation, error)
	List(ctx context.Context, filter Filter, limit, offset int) ([]*Invitation, error)
	// ListExpirable returns active open invitations whose expiry is before now.
	ListExpirable(ctx context.Context, now time.Time, limit int) ([]*Invitation, error)

	// Outbox
	ListPendingOutbox(ctx context.Context, limit int) ([]*OutboxEvent, error)
	MarkOutboxDispatched(ctx context.Context, eventID uuid.UUID, at time.Time) error
	MarkOutboxFailed(ctx context.Context, eventID uuid.UUID, errMsg string) error
}

// EventPublisher fans ledger appends out to timeline subscribers.
type EventPublisher interface {
	Publish(ctx context.Context, inv *Invitation, entry HistoryEntry) error
}

// Dispatcher turns one outbox event into a delivered notification. It must
// be idempotent per EventID because the relay may hand it the same event
// more than once.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev *OutboxEvent) error
}
