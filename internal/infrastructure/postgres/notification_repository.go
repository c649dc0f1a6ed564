package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/execution-hub/invitation-hub/internal/domain/notification"
)

const notificationColumns = `id, notification_id, invitation_id, event_id, recipient, channels, priority, title, body, deep_link, payload, status, retry_count, max_retries, last_error, expires_at, created_at, sent_at, delivered_at, failed_at, trace_id`

// NotificationRepository implements notification.Repository.
type NotificationRepository struct {
	pool *pgxpool.Pool
}

func NewNotificationRepository(pool *pgxpool.Pool) *NotificationRepository {
	return &NotificationRepository{pool: pool}
}

func (r *NotificationRepository) Create(ctx context.Context, n *notification.Notification) error {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO notifications
		(notification_id, invitation_id, event_id, recipient, channels, priority, title, body, deep_link, payload, status, retry_count, max_retries, last_error, expires_at, created_at, sent_at, delivered_at, failed_at, trace_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
		RETURNING id
	`, n.NotificationID, n.InvitationID, n.EventID, n.Recipient, channelStrings(n.Channels), n.Priority, n.Title, n.Body, n.DeepLink,
		nullableJSON(n.Payload), n.Status, n.RetryCount, n.MaxRetries, n.LastError, n.ExpiresAt, n.CreatedAt, n.SentAt, n.DeliveredAt, n.FailedAt, n.TraceID,
	).Scan(&n.ID)
	if isUniqueViolation(err, "notifications_event_unique") {
		return fmt.Errorf("event %s: %w", n.EventID, notification.ErrDuplicate)
	}
	return err
}

func (r *NotificationRepository) GetByID(ctx context.Context, notificationID uuid.UUID) (*notification.Notification, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE notification_id=$1`, notificationID)
	return scanNotification(row)
}

func (r *NotificationRepository) FindByEventID(ctx context.Context, eventID uuid.UUID) (*notification.Notification, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE event_id=$1`, eventID)
	return scanNotification(row)
}

func (r *NotificationRepository) List(ctx context.Context, filter notification.Filter, limit, offset int) ([]*notification.Notification, error) {
	var where conditions
	if filter.InvitationID != nil {
		where.add("invitation_id=?", *filter.InvitationID)
	}
	if filter.Recipient != nil {
		where.add("recipient=?", *filter.Recipient)
	}
	if filter.Status != nil {
		where.add("status=?", *filter.Status)
	}
	if filter.Priority != nil {
		where.add("priority=?", *filter.Priority)
	}
	if filter.Since != nil {
		where.add("created_at >= ?", *filter.Since)
	}
	if filter.Until != nil {
		where.add("created_at <= ?", *filter.Until)
	}
	clause, args := where.page("id DESC", limit, offset)

	rows, err := r.pool.Query(ctx, `SELECT `+notificationColumns+` FROM notifications`+clause, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*notification.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (r *NotificationRepository) Update(ctx context.Context, n *notification.Notification) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE notifications
		SET channels=$1, priority=$2, title=$3, body=$4, payload=$5, status=$6, retry_count=$7, max_retries=$8, last_error=$9, expires_at=$10, sent_at=$11, delivered_at=$12, failed_at=$13, trace_id=$14
		WHERE notification_id=$15
	`, channelStrings(n.Channels), n.Priority, n.Title, n.Body, nullableJSON(n.Payload), n.Status, n.RetryCount, n.MaxRetries, n.LastError, n.ExpiresAt, n.SentAt, n.DeliveredAt, n.FailedAt, n.TraceID, n.NotificationID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("notification %s not found", n.NotificationID)
	}
	return nil
}

func (r *NotificationRepository) RecordAttempt(ctx context.Context, attempt *notification.DeliveryAttempt) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO notification_attempts
		(notification_id, attempt_number, status, attempted_at, error_message, duration_ms)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING id
	`, attempt.NotificationID, attempt.AttemptNumber, attempt.Status, attempt.AttemptedAt, attempt.ErrorMessage, attempt.DurationMs).Scan(&attempt.ID)
}

func (r *NotificationRepository) GetAttempts(ctx context.Context, notificationID uuid.UUID) ([]*notification.DeliveryAttempt, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, notification_id, attempt_number, status, attempted_at, error_message, duration_ms
		FROM notification_attempts WHERE notification_id=$1 ORDER BY attempted_at ASC, id ASC
	`, notificationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*notification.DeliveryAttempt
	for rows.Next() {
		var a notification.DeliveryAttempt
		if err := rows.Scan(&a.ID, &a.NotificationID, &a.AttemptNumber, &a.Status, &a.AttemptedAt, &a.ErrorMessage, &a.DurationMs); err != nil {
			return nil, err
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

func (r *NotificationRepository) ExpireNotifications(ctx context.Context) (int64, error) {
	res, err := r.pool.Exec(ctx, `
		UPDATE notifications
		SET status='EXPIRED'
		WHERE status IN ('PENDING','FAILED') AND expires_at IS NOT NULL AND expires_at < NOW()
	`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected(), nil
}

func scanNotification(row pgx.Row) (*notification.Notification, error) {
	var (
		n        notification.Notification
		channels []string
		payload  []byte
	)
	if err := row.Scan(&n.ID, &n.NotificationID, &n.InvitationID, &n.EventID, &n.Recipient, &channels, &n.Priority, &n.Title, &n.Body, &n.DeepLink,
		&payload, &n.Status, &n.RetryCount, &n.MaxRetries, &n.LastError, &n.ExpiresAt, &n.CreatedAt, &n.SentAt, &n.DeliveredAt, &n.FailedAt, &n.TraceID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	n.Channels = make([]notification.Channel, len(channels))
	for i, c := range channels {
		n.Channels[i] = notification.Channel(c)
	}
	if len(payload) > 0 {
		n.Payload = payload
	}
	return &n, nil
}

func channelStrings(channels []notification.Channel) []string {
	out := make([]string, len(channels))
	for i, c := range channels {
		out[i] = string(c)
	}
	return out
}

func nullableJSON(raw []byte) []byte {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
