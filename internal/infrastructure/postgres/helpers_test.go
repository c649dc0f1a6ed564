package postgres

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/execution-hub/invitation-hub/internal/domain/invitation"
)

func TestMigrateURL(t *testing.T) {
	assert.Equal(t, "pgx5://u:p@db:5432/hub?sslmode=disable", migrateURL("postgres://u:p@db:5432/hub?sslmode=disable"))
	assert.Equal(t, "pgx5://db/hub", migrateURL("postgresql://db/hub"))
	assert.Equal(t, "pgx5://db/hub", migrateURL("pgx5://db/hub"))
}

func TestConditions_Page(t *testing.T) {
	var none conditions
	clause, args := none.page("id DESC", 0, 10)
	assert.Equal(t, " ORDER BY id DESC LIMIT NULLIF($1::int, 0) OFFSET $2", clause)
	assert.Equal(t, []any{0, 10}, args)

	var where conditions
	where.add("status=?", "PENDING")
	where.raw("is_active")
	where.add("created_at >= ?", "2025-01-01")
	clause, args = where.page("sent_at DESC, id", 50, 0)
	assert.Equal(t, " WHERE status=$1 AND is_active AND created_at >= $2 ORDER BY sent_at DESC, id LIMIT NULLIF($3::int, 0) OFFSET $4", clause)
	assert.Equal(t, []any{"PENDING", "2025-01-01", 50, 0}, args)
}

func TestJSONPtr(t *testing.T) {
	var cs *invitation.ConfirmedSchedule
	assert.Nil(t, jsonPtr(cs))
	assert.JSONEq(t, `{"start":"0001-01-01T00:00:00Z","end":"0001-01-01T00:00:00Z"}`, string(jsonPtr(&invitation.ConfirmedSchedule{})))
}

func TestCheckUpdate(t *testing.T) {
	now := time.Date(2025, 5, 10, 8, 0, 0, 0, time.UTC)
	sched := invitation.Schedule{Windows: []invitation.TimeWindow{{Start: now.Add(time.Hour), End: now.Add(2 * time.Hour)}}}
	current, err := invitation.New("J1", "C1", "recruiter-1", "hi", sched, 0, now, nil)
	require.NoError(t, err)

	next := current.Clone()
	next.Message = "edited"
	assert.NoError(t, checkUpdate(current, next))

	moved := current.Clone()
	moved.TargetOrgID = "C2"
	assert.ErrorIs(t, checkUpdate(current, moved), invitation.ErrValidation)

	shrunk := current.Clone()
	shrunk.History = nil
	assert.ErrorIs(t, checkUpdate(current, shrunk), invitation.ErrValidation)

	assert.ErrorIs(t, checkUpdate(current, nil), invitation.ErrValidation)
}

func TestCheckUpdate_ResendRestartsSendTime(t *testing.T) {
	now := time.Date(2025, 5, 10, 8, 0, 0, 0, time.UTC)
	sched := invitation.Schedule{Windows: []invitation.TimeWindow{{Start: now.Add(time.Hour), End: now.Add(2 * time.Hour)}}}
	current, err := invitation.New("J1", "C1", "recruiter-1", "hi", sched, 0, now, nil)
	require.NoError(t, err)
	_, err = current.Apply(invitation.Change{Action: invitation.ActionDecline, Role: invitation.RoleCounterparty, ActorID: "tpo-1"}, now.Add(time.Hour), nil)
	require.NoError(t, err)

	next := current.Clone()
	resentAt := now.Add(48 * time.Hour)
	_, err = next.Apply(invitation.Change{Action: invitation.ActionResend, Role: invitation.RoleInitiator, ActorID: "recruiter-1"}, resentAt, nil)
	require.NoError(t, err)
	require.Equal(t, resentAt, next.SentAt)

	assert.NoError(t, checkUpdate(current, next))
}

func TestDuplicateOutcome(t *testing.T) {
	now := time.Date(2025, 5, 10, 8, 0, 0, 0, time.UTC)
	sched := invitation.Schedule{Windows: []invitation.TimeWindow{{Start: now.Add(time.Hour), End: now.Add(2 * time.Hour)}}}
	inv, err := invitation.New("J1", "C1", "recruiter-1", "hi", sched, 0, now, nil)
	require.NoError(t, err)
	holder := inv.Clone()
	holder.ID = uuid.New()

	var dup *invitation.DuplicateError
	require.ErrorAs(t, duplicateOutcome(inv, holder, 0), &dup)
	assert.Equal(t, holder.ID, dup.Existing.ID)

	// The holder vanished before it could be read back: insert again once.
	assert.NoError(t, duplicateOutcome(inv, nil, 0))

	err = duplicateOutcome(inv, nil, 1)
	assert.ErrorIs(t, err, invitation.ErrConflict)
	assert.NotErrorIs(t, err, invitation.ErrAlreadyExists)
}
