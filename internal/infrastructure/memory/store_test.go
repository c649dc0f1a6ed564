package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/execution-hub/invitation-hub/internal/domain/invitation"
)

var now = time.Date(2025, 5, 10, 8, 0, 0, 0, time.UTC)

func newInvitation(t *testing.T, engagementID, orgID string) (*invitation.Invitation, []*invitation.OutboxEvent) {
	t.Helper()
	sched := invitation.Schedule{Windows: []invitation.TimeWindow{{Start: now.Add(24 * time.Hour), End: now.Add(26 * time.Hour)}}}
	inv, err := invitation.New(engagementID, orgID, "recruiter-1", "hello", sched, 0, now, nil)
	require.NoError(t, err)
	ev, err := invitation.NewOutboxEvent(inv, inv.History[0], "tpo-1")
	require.NoError(t, err)
	return inv, []*invitation.OutboxEvent{ev}
}

func TestStore_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	inv, events := newInvitation(t, "J1", "C1")

	require.NoError(t, s.Create(ctx, inv, events))

	got, err := s.GetByID(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, inv.ID, got.ID)
	assert.Equal(t, int64(1), got.Version)

	active, err := s.FindActive(ctx, "J1", "C1")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, inv.ID, active.ID)

	none, err := s.FindActive(ctx, "J1", "C2")
	require.NoError(t, err)
	assert.Nil(t, none)

	_, err = s.GetByID(ctx, uuid.New())
	assert.ErrorIs(t, err, invitation.ErrNotFound)

	got.Message = "mutated"
	again, err := s.GetByID(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello", again.Message)
}

func TestStore_CreateDuplicate(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	first, events := newInvitation(t, "J1", "C1")
	require.NoError(t, s.Create(ctx, first, events))

	second, events2 := newInvitation(t, "J1", "C1")
	err := s.Create(ctx, second, events2)

	require.ErrorIs(t, err, invitation.ErrAlreadyExists)
	var dup *invitation.DuplicateError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, first.ID, dup.Existing.ID)

	pending, err := s.ListPendingOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestStore_ConcurrentCreateLeavesOneActive(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	const workers = 32

	var created, duplicates int32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		inv, events := newInvitation(t, "J1", "C1")
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Create(ctx, inv, events)
			switch {
			case err == nil:
				atomic.AddInt32(&created, 1)
			case errors.Is(err, invitation.ErrAlreadyExists):
				atomic.AddInt32(&duplicates, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), created)
	assert.Equal(t, int32(workers-1), duplicates)
	active, err := s.List(ctx, invitation.Filter{ActiveOnly: true}, 0, 0)
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestStore_ConditionalUpdate(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	inv, events := newInvitation(t, "J1", "C1")
	require.NoError(t, s.Create(ctx, inv, events))

	t.Run("applies and bumps version", func(t *testing.T) {
		updated, err := s.ConditionalUpdate(ctx, inv.ID, 1, func(cur *invitation.Invitation) (*invitation.Invitation, []*invitation.OutboxEvent, error) {
			cur.Message = "updated"
			return cur, nil, nil
		})
		require.NoError(t, err)
		assert.Equal(t, int64(2), updated.Version)
		assert.Equal(t, "updated", updated.Message)
	})

	t.Run("stale version conflicts", func(t *testing.T) {
		called := false
		_, err := s.ConditionalUpdate(ctx, inv.ID, 1, func(cur *invitation.Invitation) (*invitation.Invitation, []*invitation.OutboxEvent, error) {
			called = true
			return cur, nil, nil
		})
		assert.ErrorIs(t, err, invitation.ErrConflict)
		assert.False(t, called)
	})

	t.Run("mutator error writes nothing", func(t *testing.T) {
		boom := errors.New("boom")
		_, err := s.ConditionalUpdate(ctx, inv.ID, 2, func(cur *invitation.Invitation) (*invitation.Invitation, []*invitation.OutboxEvent, error) {
			cur.Message = "lost"
			return nil, nil, boom
		})
		assert.ErrorIs(t, err, boom)
		got, _ := s.GetByID(ctx, inv.ID)
		assert.Equal(t, "updated", got.Message)
		assert.Equal(t, int64(2), got.Version)
	})

	t.Run("history cannot shrink", func(t *testing.T) {
		_, err := s.ConditionalUpdate(ctx, inv.ID, 2, func(cur *invitation.Invitation) (*invitation.Invitation, []*invitation.OutboxEvent, error) {
			cur.History = nil
			return cur, nil, nil
		})
		assert.ErrorIs(t, err, invitation.ErrValidation)
	})

	t.Run("immutable references", func(t *testing.T) {
		_, err := s.ConditionalUpdate(ctx, inv.ID, 2, func(cur *invitation.Invitation) (*invitation.Invitation, []*invitation.OutboxEvent, error) {
			cur.TargetOrgID = "C9"
			return cur, nil, nil
		})
		assert.ErrorIs(t, err, invitation.ErrValidation)
	})

	t.Run("unknown id", func(t *testing.T) {
		_, err := s.ConditionalUpdate(ctx, uuid.New(), 1, nil)
		assert.ErrorIs(t, err, invitation.ErrNotFound)
	})
}

func TestStore_ConcurrentUpdatesOnlyOneWins(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	inv, events := newInvitation(t, "J1", "C1")
	require.NoError(t, s.Create(ctx, inv, events))

	var wins, conflicts int32
	var wg sync.WaitGroup
	for _, action := range []invitation.Action{invitation.ActionAccept, invitation.ActionDecline} {
		action := action
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.ConditionalUpdate(ctx, inv.ID, 1, func(cur *invitation.Invitation) (*invitation.Invitation, []*invitation.OutboxEvent, error) {
				_, err := cur.Apply(invitation.Change{Action: action, Role: invitation.RoleCounterparty, ActorID: "tpo-1"}, now.Add(time.Hour), nil)
				return cur, nil, err
			})
			if err == nil {
				atomic.AddInt32(&wins, 1)
			} else if errors.Is(err, invitation.ErrConflict) {
				atomic.AddInt32(&conflicts, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins)
	assert.Equal(t, int32(1), conflicts)
	got, err := s.GetByID(ctx, inv.ID)
	require.NoError(t, err)
	assert.Len(t, got.History, 2)
	require.NoError(t, got.CheckInvariants())
}

func TestStore_WithdrawFreesPair(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	inv, events := newInvitation(t, "J1", "C1")
	require.NoError(t, s.Create(ctx, inv, events))

	_, err := s.ConditionalUpdate(ctx, inv.ID, 1, func(cur *invitation.Invitation) (*invitation.Invitation, []*invitation.OutboxEvent, error) {
		_, err := cur.Withdraw("recruiter-1", "", now.Add(time.Hour), nil)
		return cur, nil, err
	})
	require.NoError(t, err)

	active, err := s.FindActive(ctx, "J1", "C1")
	require.NoError(t, err)
	assert.Nil(t, active)

	replacement, events := newInvitation(t, "J1", "C1")
	require.NoError(t, s.Create(ctx, replacement, events))
}

func TestStore_ListOrdersBySendTime(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	sched := invitation.Schedule{Windows: []invitation.TimeWindow{{Start: now.Add(24 * time.Hour), End: now.Add(26 * time.Hour)}}}
	sentAt := map[string]time.Time{
		"C1": now.Add(-2 * time.Hour),
		"C2": now,
		"C3": now.Add(-time.Hour),
	}
	for org, at := range sentAt {
		inv, err := invitation.New("J1", org, "recruiter-1", "hello", sched, 0, at, nil)
		require.NoError(t, err)
		require.NoError(t, s.Create(ctx, inv, nil))
	}

	// An older invitation touched last still sorts by when it was sent.
	c1 := "C1"
	older, err := s.List(ctx, invitation.Filter{TargetOrgID: &c1}, 1, 0)
	require.NoError(t, err)
	require.Len(t, older, 1)
	_, err = s.ConditionalUpdate(ctx, older[0].ID, older[0].Version, func(cur *invitation.Invitation) (*invitation.Invitation, []*invitation.OutboxEvent, error) {
		_, err := cur.Apply(invitation.Change{Action: invitation.ActionDecline, Role: invitation.RoleCounterparty, ActorID: "tpo-1"}, now.Add(time.Minute), nil)
		return cur, nil, err
	})
	require.NoError(t, err)

	got, err := s.List(ctx, invitation.Filter{}, 0, 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"C2", "C3", "C1"}, []string{got[0].TargetOrgID, got[1].TargetOrgID, got[2].TargetOrgID})

	second, err := s.List(ctx, invitation.Filter{}, 1, 1)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, "C3", second[0].TargetOrgID)
}

func TestStore_ListAndExpirable(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	a, ea := newInvitation(t, "J1", "C1")
	b, eb := newInvitation(t, "J1", "C2")
	c, ec := newInvitation(t, "J2", "C1")
	require.NoError(t, s.Create(ctx, a, ea))
	require.NoError(t, s.Create(ctx, b, eb))
	require.NoError(t, s.Create(ctx, c, ec))

	j1 := "J1"
	got, err := s.List(ctx, invitation.Filter{EngagementID: &j1, ActiveOnly: true}, 10, 0)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	c1 := "C1"
	got, err = s.List(ctx, invitation.Filter{TargetOrgID: &c1}, 1, 0)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	got, err = s.List(ctx, invitation.Filter{TargetOrgID: &c1}, 10, 5)
	require.NoError(t, err)
	assert.Empty(t, got)

	due, err := s.ListExpirable(ctx, now.Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = s.ListExpirable(ctx, now.Add(8*24*time.Hour), 2)
	require.NoError(t, err)
	assert.Len(t, due, 2)
}

func TestStore_Outbox(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	inv, events := newInvitation(t, "J1", "C1")
	require.NoError(t, s.Create(ctx, inv, events))
	eventID := events[0].EventID

	require.NoError(t, s.MarkOutboxFailed(ctx, eventID, "sink down"))
	pending, err := s.ListPendingOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].Attempts)

	require.NoError(t, s.MarkOutboxDispatched(ctx, eventID, now))
	pending, err = s.ListPendingOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	assert.ErrorIs(t, s.MarkOutboxDispatched(ctx, uuid.New(), now), invitation.ErrNotFound)
}

func TestStore_SnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	inv, events := newInvitation(t, "J1", "C1")
	require.NoError(t, s.Create(ctx, inv, events))

	data, err := s.Marshal()
	require.NoError(t, err)

	restored := NewStore()
	require.NoError(t, restored.Unmarshal(data))

	got, err := restored.GetByID(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, inv.ID, got.ID)
	assert.Len(t, got.History, 1)

	dup, _ := newInvitation(t, "J1", "C1")
	assert.ErrorIs(t, restored.Create(ctx, dup, nil), invitation.ErrAlreadyExists)

	pending, err := restored.ListPendingOutbox(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestStore_HonorsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := NewStore()
	inv, events := newInvitation(t, "J1", "C1")

	assert.ErrorIs(t, s.Create(ctx, inv, events), context.Canceled)
	_, err := s.GetByID(context.Background(), inv.ID)
	assert.ErrorIs(t, err, invitation.ErrNotFound)
}
