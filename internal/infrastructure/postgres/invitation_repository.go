package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/execution-hub/invitation-hub/internal/domain/invitation"
)

const activePairIndex = "invitations_one_active_per_pair"

const invitationColumns = `id, engagement_id, target_org_id, initiator_id, status, message, proposed_schedule, confirmed_schedule, counter_proposal, sent_at, responded_at, expires_at, is_active, last_updated, updated_by, version`

const outboxColumns = `event_id, invitation_id, seq, action, actor_role, actor_id, recipient_id, status, payload, state, attempts, last_error, created_at, dispatched_at`

// InvitationRepository implements invitation.Repository.
type InvitationRepository struct {
	pool *pgxpool.Pool
}

func NewInvitationRepository(pool *pgxpool.Pool) *InvitationRepository {
	return &InvitationRepository{pool: pool}
}

// Create stores inv with its first outbox events. When another active
// invitation holds the pair, the error is a DuplicateError carrying it. If
// that holder is gone by the time it is read back, the insert is tried once
// more.
func (r *InvitationRepository) Create(ctx context.Context, inv *invitation.Invitation, events []*invitation.OutboxEvent) error {
	if err := inv.CheckInvariants(); err != nil {
		return err
	}
	if inv.Version == 0 {
		inv.Version = 1
	}
	for attempt := 0; ; attempt++ {
		err := r.insertNew(ctx, inv, events)
		if !isUniqueViolation(err, activePairIndex) {
			return err
		}
		existing, err := r.FindActive(ctx, inv.EngagementID, inv.TargetOrgID)
		if err != nil {
			return err
		}
		if err := duplicateOutcome(inv, existing, attempt); err != nil {
			return err
		}
	}
}

// duplicateOutcome decides what a unique violation on the active pair
// means. A nil result asks for another insert.
func duplicateOutcome(inv, existing *invitation.Invitation, attempt int) error {
	if existing != nil {
		return &invitation.DuplicateError{Existing: existing}
	}
	if attempt > 0 {
		return fmt.Errorf("active invitation for %s/%s keeps changing: %w", inv.EngagementID, inv.TargetOrgID, invitation.ErrConflict)
	}
	return nil
}

func (r *InvitationRepository) insertNew(ctx context.Context, inv *invitation.Invitation, events []*invitation.OutboxEvent) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := insertInvitation(ctx, tx, inv); err != nil {
		return fmt.Errorf("insert invitation: %w", err)
	}
	if err := insertHistory(ctx, tx, inv.ID, inv.History); err != nil {
		return err
	}
	if err := insertOutbox(ctx, tx, events); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *InvitationRepository) GetByID(ctx context.Context, id uuid.UUID) (*invitation.Invitation, error) {
	inv, err := scanInvitation(r.pool.QueryRow(ctx, `SELECT `+invitationColumns+` FROM invitations WHERE id=$1`, id))
	if err != nil {
		return nil, err
	}
	if inv == nil {
		return nil, fmt.Errorf("invitation %s: %w", id, invitation.ErrNotFound)
	}
	if err := loadHistory(ctx, r.pool, inv); err != nil {
		return nil, err
	}
	return inv, nil
}

func (r *InvitationRepository) FindActive(ctx context.Context, engagementID, targetOrgID string) (*invitation.Invitation, error) {
	inv, err := scanInvitation(r.pool.QueryRow(ctx, `
		SELECT `+invitationColumns+` FROM invitations
		WHERE engagement_id=$1 AND target_org_id=$2 AND is_active
	`, engagementID, targetOrgID))
	if err != nil || inv == nil {
		return nil, err
	}
	if err := loadHistory(ctx, r.pool, inv); err != nil {
		return nil, err
	}
	return inv, nil
}

func (r *InvitationRepository) ConditionalUpdate(ctx context.Context, id uuid.UUID, expectedVersion int64, mutate invitation.Mutator) (*invitation.Invitation, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	current, err := scanInvitation(tx.QueryRow(ctx, `SELECT `+invitationColumns+` FROM invitations WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, fmt.Errorf("invitation %s: %w", id, invitation.ErrNotFound)
	}
	if current.Version != expectedVersion {
		return nil, fmt.Errorf("invitation %s at version %d, expected %d: %w", id, current.Version, expectedVersion, invitation.ErrConflict)
	}
	if err := loadHistory(ctx, tx, current); err != nil {
		return nil, err
	}

	next, events, err := mutate(current.Clone())
	if err != nil {
		return nil, err
	}
	if err := checkUpdate(current, next); err != nil {
		return nil, err
	}
	next.Version = current.Version + 1

	tag, err := tx.Exec(ctx, `
		UPDATE invitations SET
			status=$2, message=$3, proposed_schedule=$4, confirmed_schedule=$5, counter_proposal=$6,
			responded_at=$7, expires_at=$8, is_active=$9, last_updated=$10, updated_by=$11, version=$12, sent_at=$14
		WHERE id=$1 AND version=$13
	`, next.ID, next.Status, next.Message, jsonValue(next.ProposedSchedule), jsonPtr(next.ConfirmedSchedule), jsonPtr(next.CounterProposal),
		next.RespondedAt, next.ExpiresAt, next.IsActive, next.LastUpdated, next.UpdatedBy, next.Version, expectedVersion, next.SentAt)
	if err != nil {
		if isUniqueViolation(err, activePairIndex) {
			return nil, fmt.Errorf("reactivating invitation %s: %w", id, invitation.ErrAlreadyExists)
		}
		return nil, fmt.Errorf("update invitation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, fmt.Errorf("invitation %s: %w", id, invitation.ErrConflict)
	}
	if err := insertHistory(ctx, tx, next.ID, next.History[len(current.History):]); err != nil {
		return nil, err
	}
	if err := insertOutbox(ctx, tx, events); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return next, nil
}

// checkUpdate enforces what a mutator may not change. SentAt is not among
// them: resend restarts the invitation.
func checkUpdate(current, next *invitation.Invitation) error {
	if next == nil {
		return fmt.Errorf("%w: mutator returned no invitation", invitation.ErrValidation)
	}
	if next.ID != current.ID || next.EngagementID != current.EngagementID ||
		next.TargetOrgID != current.TargetOrgID || next.InitiatorID != current.InitiatorID {
		return fmt.Errorf("%w: immutable invitation fields changed", invitation.ErrValidation)
	}
	if len(next.History) < len(current.History) {
		return fmt.Errorf("%w: history cannot shrink", invitation.ErrValidation)
	}
	return next.CheckInvariants()
}

func (r *InvitationRepository) List(ctx context.Context, filter invitation.Filter, limit, offset int) ([]*invitation.Invitation, error) {
	var where conditions
	if filter.EngagementID != nil {
		where.add("engagement_id=?", *filter.EngagementID)
	}
	if filter.TargetOrgID != nil {
		where.add("target_org_id=?", *filter.TargetOrgID)
	}
	if filter.InitiatorID != nil {
		where.add("initiator_id=?", *filter.InitiatorID)
	}
	if filter.Status != nil {
		where.add("status=?", *filter.Status)
	}
	if filter.ActiveOnly {
		where.raw("is_active")
	}
	clause, args := where.page("sent_at DESC, id", limit, offset)
	return r.queryInvitations(ctx, `SELECT `+invitationColumns+` FROM invitations`+clause, args...)
}

func (r *InvitationRepository) ListExpirable(ctx context.Context, now time.Time, limit int) ([]*invitation.Invitation, error) {
	return r.queryInvitations(ctx, `
		SELECT `+invitationColumns+` FROM invitations
		WHERE is_active AND status IN ('pending', 'negotiating') AND expires_at < $1
		ORDER BY expires_at ASC LIMIT NULLIF($2::int, 0)
	`, now, limit)
}

func (r *InvitationRepository) queryInvitations(ctx context.Context, query string, args ...interface{}) ([]*invitation.Invitation, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var out []*invitation.Invitation
	for rows.Next() {
		inv, err := scanInvitation(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, inv)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := loadHistories(ctx, r.pool, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *InvitationRepository) ListPendingOutbox(ctx context.Context, limit int) ([]*invitation.OutboxEvent, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+outboxColumns+` FROM invitation_outbox
		WHERE state='pending' ORDER BY created_at ASC, seq ASC LIMIT NULLIF($1::int, 0)
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*invitation.OutboxEvent
	for rows.Next() {
		ev, err := scanOutboxEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (r *InvitationRepository) MarkOutboxDispatched(ctx context.Context, eventID uuid.UUID, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE invitation_outbox SET state='dispatched', dispatched_at=$2, last_error=NULL
		WHERE event_id=$1
	`, eventID, at.UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("outbox event %s: %w", eventID, invitation.ErrNotFound)
	}
	return nil
}

func (r *InvitationRepository) MarkOutboxFailed(ctx context.Context, eventID uuid.UUID, errMsg string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE invitation_outbox SET
			attempts=attempts+1,
			last_error=$2,
			state=CASE WHEN attempts+1 >= $3 THEN 'failed' ELSE 'pending' END
		WHERE event_id=$1 AND state <> 'dispatched'
	`, eventID, errMsg, invitation.MaxOutboxAttempts)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("pending outbox event %s: %w", eventID, invitation.ErrNotFound)
	}
	return nil
}

func insertInvitation(ctx context.Context, q querier, inv *invitation.Invitation) error {
	_, err := q.Exec(ctx, `
		INSERT INTO invitations (`+invitationColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
	`, inv.ID, inv.EngagementID, inv.TargetOrgID, inv.InitiatorID, inv.Status, inv.Message,
		jsonValue(inv.ProposedSchedule), jsonPtr(inv.ConfirmedSchedule), jsonPtr(inv.CounterProposal),
		inv.SentAt, inv.RespondedAt, inv.ExpiresAt, inv.IsActive, inv.LastUpdated, inv.UpdatedBy, inv.Version)
	return err
}

func insertHistory(ctx context.Context, q querier, invitationID uuid.UUID, entries []invitation.HistoryEntry) error {
	for _, e := range entries {
		_, err := q.Exec(ctx, `
			INSERT INTO invitation_history (invitation_id, seq, ts, actor, actor_id, action, details, proposed_schedule, digest)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		`, invitationID, e.Seq, e.Timestamp, e.Actor, e.ActorID, e.Action, e.Details, jsonPtr(e.ProposedSchedule), e.Digest)
		if err != nil {
			return fmt.Errorf("insert history entry %d: %w", e.Seq, err)
		}
	}
	return nil
}

func insertOutbox(ctx context.Context, q querier, events []*invitation.OutboxEvent) error {
	for _, ev := range events {
		_, err := q.Exec(ctx, `
			INSERT INTO invitation_outbox (`+outboxColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		`, ev.EventID, ev.InvitationID, ev.Seq, ev.Action, ev.ActorRole, ev.ActorID, ev.RecipientID, ev.Status,
			[]byte(ev.Payload), ev.State, ev.Attempts, ev.LastError, ev.CreatedAt, ev.DispatchedAt)
		if err != nil {
			return fmt.Errorf("insert outbox event: %w", err)
		}
	}
	return nil
}

func loadHistory(ctx context.Context, q querier, inv *invitation.Invitation) error {
	return loadHistories(ctx, q, []*invitation.Invitation{inv})
}

// loadHistories fills the history of every invitation with one query.
func loadHistories(ctx context.Context, q querier, invs []*invitation.Invitation) error {
	if len(invs) == 0 {
		return nil
	}
	byID := make(map[uuid.UUID]*invitation.Invitation, len(invs))
	ids := make([]uuid.UUID, 0, len(invs))
	for _, inv := range invs {
		inv.History = []invitation.HistoryEntry{}
		byID[inv.ID] = inv
		ids = append(ids, inv.ID)
	}

	rows, err := q.Query(ctx, `
		SELECT invitation_id, seq, ts, actor, actor_id, action, details, proposed_schedule, digest
		FROM invitation_history WHERE invitation_id = ANY($1) ORDER BY invitation_id, seq ASC
	`, ids)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			invitationID uuid.UUID
			e            invitation.HistoryEntry
			schedule     []byte
		)
		if err := rows.Scan(&invitationID, &e.Seq, &e.Timestamp, &e.Actor, &e.ActorID, &e.Action, &e.Details, &schedule, &e.Digest); err != nil {
			return err
		}
		e.Timestamp = e.Timestamp.UTC()
		if len(schedule) > 0 {
			var s invitation.Schedule
			if err := json.Unmarshal(schedule, &s); err != nil {
				return fmt.Errorf("decode history schedule: %w", err)
			}
			e.ProposedSchedule = &s
		}
		if inv, ok := byID[invitationID]; ok {
			inv.History = append(inv.History, e)
		}
	}
	return rows.Err()
}

func scanInvitation(row pgx.Row) (*invitation.Invitation, error) {
	var (
		inv                          invitation.Invitation
		proposed, confirmed, counter []byte
	)
	if err := row.Scan(
		&inv.ID, &inv.EngagementID, &inv.TargetOrgID, &inv.InitiatorID, &inv.Status, &inv.Message,
		&proposed, &confirmed, &counter,
		&inv.SentAt, &inv.RespondedAt, &inv.ExpiresAt, &inv.IsActive, &inv.LastUpdated, &inv.UpdatedBy, &inv.Version,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(proposed, &inv.ProposedSchedule); err != nil {
		return nil, fmt.Errorf("decode proposed schedule: %w", err)
	}
	if len(confirmed) > 0 {
		inv.ConfirmedSchedule = &invitation.ConfirmedSchedule{}
		if err := json.Unmarshal(confirmed, inv.ConfirmedSchedule); err != nil {
			return nil, fmt.Errorf("decode confirmed schedule: %w", err)
		}
	}
	if len(counter) > 0 {
		inv.CounterProposal = &invitation.CounterProposal{}
		if err := json.Unmarshal(counter, inv.CounterProposal); err != nil {
			return nil, fmt.Errorf("decode counter proposal: %w", err)
		}
	}
	inv.SentAt = inv.SentAt.UTC()
	inv.ExpiresAt = inv.ExpiresAt.UTC()
	inv.LastUpdated = inv.LastUpdated.UTC()
	if inv.RespondedAt != nil {
		t := inv.RespondedAt.UTC()
		inv.RespondedAt = &t
	}
	return &inv, nil
}

func scanOutboxEvent(row pgx.Row) (*invitation.OutboxEvent, error) {
	var (
		ev      invitation.OutboxEvent
		payload []byte
	)
	if err := row.Scan(&ev.EventID, &ev.InvitationID, &ev.Seq, &ev.Action, &ev.ActorRole, &ev.ActorID, &ev.RecipientID,
		&ev.Status, &payload, &ev.State, &ev.Attempts, &ev.LastError, &ev.CreatedAt, &ev.DispatchedAt); err != nil {
		return nil, err
	}
	ev.Payload = payload
	ev.CreatedAt = ev.CreatedAt.UTC()
	return &ev, nil
}

// jsonValue encodes v for a JSONB column.
func jsonValue(v interface{}) []byte {
	data, _ := json.Marshal(v)
	return data
}

// jsonPtr encodes a nullable JSONB column; a nil pointer stays SQL NULL.
func jsonPtr[T any](v *T) []byte {
	if v == nil {
		return nil
	}
	return jsonValue(v)
}
