package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/execution-hub/invitation-hub/internal/domain/notification"
)

// NotificationRepository implements notification.Repository in memory.
type NotificationRepository struct {
	mu       sync.RWMutex
	records  map[uuid.UUID]*notification.Notification
	byEvent  map[uuid.UUID]uuid.UUID
	attempts map[uuid.UUID][]*notification.DeliveryAttempt
	nextID   int64
}

func NewNotificationRepository() *NotificationRepository {
	return &NotificationRepository{
		records:  make(map[uuid.UUID]*notification.Notification),
		byEvent:  make(map[uuid.UUID]uuid.UUID),
		attempts: make(map[uuid.UUID][]*notification.DeliveryAttempt),
	}
}

func cloneNotification(n *notification.Notification) *notification.Notification {
	out := *n
	out.Channels = append([]notification.Channel(nil), n.Channels...)
	out.Payload = append([]byte(nil), n.Payload...)
	return &out
}

func (r *NotificationRepository) Create(ctx context.Context, n *notification.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byEvent[n.EventID]; ok {
		return fmt.Errorf("event %s: %w", n.EventID, notification.ErrDuplicate)
	}
	r.nextID++
	n.ID = r.nextID
	r.records[n.NotificationID] = cloneNotification(n)
	r.byEvent[n.EventID] = n.NotificationID
	return nil
}

func (r *NotificationRepository) GetByID(ctx context.Context, notificationID uuid.UUID) (*notification.Notification, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.records[notificationID]
	if !ok {
		return nil, nil
	}
	return cloneNotification(n), nil
}

func (r *NotificationRepository) FindByEventID(ctx context.Context, eventID uuid.UUID) (*notification.Notification, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byEvent[eventID]
	if !ok {
		return nil, nil
	}
	return cloneNotification(r.records[id]), nil
}

func (r *NotificationRepository) List(ctx context.Context, filter notification.Filter, limit, offset int) ([]*notification.Notification, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	matched := make([]*notification.Notification, 0)
	for _, n := range r.records {
		if filter.InvitationID != nil && n.InvitationID != *filter.InvitationID {
			continue
		}
		if filter.Recipient != nil && n.Recipient != *filter.Recipient {
			continue
		}
		if filter.Status != nil && n.Status != *filter.Status {
			continue
		}
		if filter.Priority != nil && n.Priority != *filter.Priority {
			continue
		}
		if filter.Since != nil && n.CreatedAt.Before(*filter.Since) {
			continue
		}
		if filter.Until != nil && n.CreatedAt.After(*filter.Until) {
			continue
		}
		matched = append(matched, n)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID > matched[j].ID })
	out := make([]*notification.Notification, 0, len(matched))
	for _, n := range page(matched, limit, offset) {
		out = append(out, cloneNotification(n))
	}
	return out, nil
}

func (r *NotificationRepository) Update(ctx context.Context, n *notification.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[n.NotificationID]; !ok {
		return fmt.Errorf("notification %s not found", n.NotificationID)
	}
	r.records[n.NotificationID] = cloneNotification(n)
	return nil
}

func (r *NotificationRepository) RecordAttempt(ctx context.Context, attempt *notification.DeliveryAttempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a := *attempt
	a.ID = int64(len(r.attempts[a.NotificationID]) + 1)
	r.attempts[a.NotificationID] = append(r.attempts[a.NotificationID], &a)
	return nil
}

func (r *NotificationRepository) GetAttempts(ctx context.Context, notificationID uuid.UUID) ([]*notification.DeliveryAttempt, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*notification.DeliveryAttempt, 0, len(r.attempts[notificationID]))
	for _, a := range r.attempts[notificationID] {
		cp := *a
		out = append(out, &cp)
	}
	return out, nil
}

func (r *NotificationRepository) ExpireNotifications(ctx context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	var count int64
	for _, n := range r.records {
		if n.ExpiresAt == nil || !now.After(*n.ExpiresAt) {
			continue
		}
		if n.Status == notification.StatusPending || n.Status == notification.StatusFailed {
			n.Status = notification.StatusExpired
			count++
		}
	}
	return count, nil
}
