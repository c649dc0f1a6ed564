// Package memory holds process-local implementations of the repositories.
// Store doubles as the replicated state behind the raft backend.
package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/execution-hub/invitation-hub/internal/domain/invitation"
)

type pairKey struct {
	engagementID string
	targetOrgID  string
}

// Store implements invitation.Repository in memory. Every write happens
// under one lock, so a write is either fully visible or not at all.
type Store struct {
	mu          sync.RWMutex
	invitations map[uuid.UUID]*invitation.Invitation
	active      map[pairKey]uuid.UUID
	outbox      map[uuid.UUID]*invitation.OutboxEvent
	outboxOrder []uuid.UUID
}

func NewStore() *Store {
	return &Store{
		invitations: make(map[uuid.UUID]*invitation.Invitation),
		active:      make(map[pairKey]uuid.UUID),
		outbox:      make(map[uuid.UUID]*invitation.OutboxEvent),
	}
}

func keyOf(inv *invitation.Invitation) pairKey {
	return pairKey{engagementID: inv.EngagementID, targetOrgID: inv.TargetOrgID}
}

func (s *Store) Create(ctx context.Context, inv *invitation.Invitation, events []*invitation.OutboxEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createLocked(inv, events)
}

func (s *Store) createLocked(inv *invitation.Invitation, events []*invitation.OutboxEvent) error {
	if _, ok := s.invitations[inv.ID]; ok {
		return fmt.Errorf("%w: invitation id %s already used", invitation.ErrValidation, inv.ID)
	}
	if inv.IsActive {
		if existingID, ok := s.active[keyOf(inv)]; ok {
			return &invitation.DuplicateError{Existing: s.invitations[existingID].Clone()}
		}
	}
	stored := inv.Clone()
	if stored.Version == 0 {
		stored.Version = 1
	}
	s.invitations[stored.ID] = stored
	if stored.IsActive {
		s.active[keyOf(stored)] = stored.ID
	}
	s.appendOutboxLocked(events)
	inv.Version = stored.Version
	return nil
}

func (s *Store) GetByID(ctx context.Context, id uuid.UUID) (*invitation.Invitation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	inv, ok := s.invitations[id]
	if !ok {
		return nil, fmt.Errorf("invitation %s: %w", id, invitation.ErrNotFound)
	}
	return inv.Clone(), nil
}

func (s *Store) FindActive(ctx context.Context, engagementID, targetOrgID string) (*invitation.Invitation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.active[pairKey{engagementID: engagementID, targetOrgID: targetOrgID}]
	if !ok {
		return nil, nil
	}
	return s.invitations[id].Clone(), nil
}

func (s *Store) ConditionalUpdate(ctx context.Context, id uuid.UUID, expectedVersion int64, mutate invitation.Mutator) (*invitation.Invitation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.invitations[id]
	if !ok {
		return nil, fmt.Errorf("invitation %s: %w", id, invitation.ErrNotFound)
	}
	if current.Version != expectedVersion {
		return nil, fmt.Errorf("invitation %s at version %d, expected %d: %w", id, current.Version, expectedVersion, invitation.ErrConflict)
	}
	next, events, err := mutate(current.Clone())
	if err != nil {
		return nil, err
	}
	if err := s.commitLocked(current, next, events); err != nil {
		return nil, err
	}
	return s.invitations[id].Clone(), nil
}

// Replace stores next if the current version still equals expectedVersion.
// It is the compare-and-swap half of ConditionalUpdate, used when the
// mutation was computed elsewhere.
func (s *Store) Replace(next *invitation.Invitation, expectedVersion int64, events []*invitation.OutboxEvent) (*invitation.Invitation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.invitations[next.ID]
	if !ok {
		return nil, fmt.Errorf("invitation %s: %w", next.ID, invitation.ErrNotFound)
	}
	if current.Version != expectedVersion {
		return nil, fmt.Errorf("invitation %s at version %d, expected %d: %w", next.ID, current.Version, expectedVersion, invitation.ErrConflict)
	}
	if err := s.commitLocked(current, next.Clone(), events); err != nil {
		return nil, err
	}
	return s.invitations[next.ID].Clone(), nil
}

func (s *Store) commitLocked(current, next *invitation.Invitation, events []*invitation.OutboxEvent) error {
	if next == nil || next.ID != current.ID {
		return fmt.Errorf("%w: mutator changed invitation identity", invitation.ErrValidation)
	}
	if next.EngagementID != current.EngagementID || next.TargetOrgID != current.TargetOrgID || next.InitiatorID != current.InitiatorID {
		return fmt.Errorf("%w: engagement, organization and initiator are immutable", invitation.ErrValidation)
	}
	if len(next.History) < len(current.History) {
		return fmt.Errorf("%w: history cannot shrink", invitation.ErrValidation)
	}
	key := keyOf(current)
	switch {
	case current.IsActive && !next.IsActive:
		delete(s.active, key)
	case !current.IsActive && next.IsActive:
		if existingID, ok := s.active[key]; ok && existingID != next.ID {
			return &invitation.DuplicateError{Existing: s.invitations[existingID].Clone()}
		}
		s.active[key] = next.ID
	}
	next.Version = current.Version + 1
	s.invitations[next.ID] = next
	s.appendOutboxLocked(events)
	return nil
}

func (s *Store) appendOutboxLocked(events []*invitation.OutboxEvent) {
	for _, ev := range events {
		if ev == nil {
			continue
		}
		if _, ok := s.outbox[ev.EventID]; ok {
			continue
		}
		s.outbox[ev.EventID] = ev.Clone()
		s.outboxOrder = append(s.outboxOrder, ev.EventID)
	}
}

func (s *Store) List(ctx context.Context, filter invitation.Filter, limit, offset int) ([]*invitation.Invitation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	matched := make([]*invitation.Invitation, 0)
	for _, inv := range s.invitations {
		if matches(inv, filter) {
			matched = append(matched, inv)
		}
	}
	// Newest send first, then id, the same order the postgres store uses.
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].SentAt.Equal(matched[j].SentAt) {
			return matched[i].SentAt.After(matched[j].SentAt)
		}
		return bytes.Compare(matched[i].ID[:], matched[j].ID[:]) < 0
	})
	out := make([]*invitation.Invitation, 0, len(matched))
	for _, inv := range page(matched, limit, offset) {
		out = append(out, inv.Clone())
	}
	s.mu.RUnlock()
	return out, nil
}

func matches(inv *invitation.Invitation, f invitation.Filter) bool {
	if f.ActiveOnly && !inv.IsActive {
		return false
	}
	if f.EngagementID != nil && inv.EngagementID != *f.EngagementID {
		return false
	}
	if f.TargetOrgID != nil && inv.TargetOrgID != *f.TargetOrgID {
		return false
	}
	if f.InitiatorID != nil && inv.InitiatorID != *f.InitiatorID {
		return false
	}
	if f.Status != nil && inv.Status != *f.Status {
		return false
	}
	return true
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func (s *Store) ListExpirable(ctx context.Context, now time.Time, limit int) ([]*invitation.Invitation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	due := make([]*invitation.Invitation, 0)
	for _, inv := range s.invitations {
		if inv.IsActive && invitation.IsExpired(inv, now) {
			due = append(due, inv)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ExpiresAt.Before(due[j].ExpiresAt) })
	out := make([]*invitation.Invitation, 0, len(due))
	for _, inv := range page(due, limit, 0) {
		out = append(out, inv.Clone())
	}
	return out, nil
}

func (s *Store) ListPendingOutbox(ctx context.Context, limit int) ([]*invitation.OutboxEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*invitation.OutboxEvent, 0)
	for _, id := range s.outboxOrder {
		ev := s.outbox[id]
		if ev.State != invitation.OutboxPending {
			continue
		}
		out = append(out, ev.Clone())
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) MarkOutboxDispatched(ctx context.Context, eventID uuid.UUID, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.updateOutbox(eventID, func(ev *invitation.OutboxEvent) { ev.MarkDispatched(at) })
}

func (s *Store) MarkOutboxFailed(ctx context.Context, eventID uuid.UUID, errMsg string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.updateOutbox(eventID, func(ev *invitation.OutboxEvent) { ev.MarkFailed(errMsg) })
}

// ApplyOutboxDispatched and ApplyOutboxFailed are the context-free forms
// used by replicated state.
func (s *Store) ApplyOutboxDispatched(eventID uuid.UUID, at time.Time) error {
	return s.updateOutbox(eventID, func(ev *invitation.OutboxEvent) { ev.MarkDispatched(at) })
}

func (s *Store) ApplyOutboxFailed(eventID uuid.UUID, errMsg string) error {
	return s.updateOutbox(eventID, func(ev *invitation.OutboxEvent) { ev.MarkFailed(errMsg) })
}

// ApplyCreate is Create without a context.
func (s *Store) ApplyCreate(inv *invitation.Invitation, events []*invitation.OutboxEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createLocked(inv, events)
}

func (s *Store) updateOutbox(eventID uuid.UUID, fn func(*invitation.OutboxEvent)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.outbox[eventID]
	if !ok {
		return fmt.Errorf("outbox event %s: %w", eventID, invitation.ErrNotFound)
	}
	fn(ev)
	return nil
}

// OutboxEvent returns a copy of one outbox entry.
func (s *Store) OutboxEvent(eventID uuid.UUID) (*invitation.OutboxEvent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ev, ok := s.outbox[eventID]
	if !ok {
		return nil, false
	}
	return ev.Clone(), true
}

type snapshot struct {
	Invitations []*invitation.Invitation  `json:"invitations"`
	Outbox      []*invitation.OutboxEvent `json:"outbox"`
}

// Marshal serializes the whole store.
func (s *Store) Marshal() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := snapshot{
		Invitations: make([]*invitation.Invitation, 0, len(s.invitations)),
		Outbox:      make([]*invitation.OutboxEvent, 0, len(s.outboxOrder)),
	}
	for _, inv := range s.invitations {
		snap.Invitations = append(snap.Invitations, inv)
	}
	sort.Slice(snap.Invitations, func(i, j int) bool {
		return snap.Invitations[i].ID.String() < snap.Invitations[j].ID.String()
	})
	for _, id := range s.outboxOrder {
		snap.Outbox = append(snap.Outbox, s.outbox[id])
	}
	return json.Marshal(snap)
}

// Unmarshal replaces the store's contents with a snapshot.
func (s *Store) Unmarshal(data []byte) error {
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invitations = make(map[uuid.UUID]*invitation.Invitation, len(snap.Invitations))
	s.active = make(map[pairKey]uuid.UUID)
	s.outbox = make(map[uuid.UUID]*invitation.OutboxEvent, len(snap.Outbox))
	s.outboxOrder = s.outboxOrder[:0]
	for _, inv := range snap.Invitations {
		s.invitations[inv.ID] = inv
		if inv.IsActive {
			s.active[keyOf(inv)] = inv.ID
		}
	}
	for _, ev := range snap.Outbox {
		s.outbox[ev.EventID] = ev
		s.outboxOrder = append(s.outboxOrder, ev.EventID)
	}
	return nil
}
