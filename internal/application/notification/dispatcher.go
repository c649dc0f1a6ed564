// Package notification turns outbox events into notification records and
// hands them to a sink. It is best effort: failures leave the outbox event
// pending for the relay.
package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/execution-hub/invitation-hub/internal/domain/invitation"
	"github.com/execution-hub/invitation-hub/internal/domain/notification"
)

const tracerName = "github.com/execution-hub/invitation-hub/internal/application/notification"

// Dispatcher handles notification creation and hand-off.
type Dispatcher struct {
	notificationRepo notification.Repository
	outbox           invitation.Repository
	sink             notification.Sink
	router           *Router
	tracer           trace.Tracer
	logger           zerolog.Logger
}

// NewDispatcher creates a dispatcher. A nil router uses DefaultRules.
func NewDispatcher(
	notificationRepo notification.Repository,
	outbox invitation.Repository,
	sink notification.Sink,
	router *Router,
	logger zerolog.Logger,
) *Dispatcher {
	if router == nil {
		router, _ = NewRouter(DefaultRules())
	}
	return &Dispatcher{
		notificationRepo: notificationRepo,
		outbox:           outbox,
		sink:             sink,
		router:           router,
		tracer:           otel.Tracer(tracerName),
		logger:           logger.With().Str("service", "notification").Logger(),
	}
}

// eventSnapshot is the part of the outbox payload used to word messages.
type eventSnapshot struct {
	EngagementID string    `json:"engagementId"`
	TargetOrgID  string    `json:"targetOrgId"`
	Details      string    `json:"details"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// Dispatch records and submits the notification owed for ev. Calling it
// again for the same event reuses the existing record, and an already
// handled record only settles the outbox.
func (d *Dispatcher) Dispatch(ctx context.Context, ev *invitation.OutboxEvent) (err error) {
	ctx, span := d.tracer.Start(ctx, "notification.Dispatch", trace.WithAttributes(
		attribute.String("invitation.id", ev.InvitationID.String()),
		attribute.String("event.id", ev.EventID.String()),
		attribute.String("event.action", string(ev.Action)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	n, err := d.recordFor(ctx, ev)
	if err != nil {
		return err
	}

	if !n.Handled() && n.Status != notification.StatusExpired {
		err := d.deliver(ctx, n)
		switch {
		case errors.Is(err, notification.ErrExpired):
			d.logger.Info().
				Str("notification_id", n.NotificationID.String()).
				Msg("notification expired before delivery")
		case err != nil:
			d.markOutboxFailed(ctx, ev, err)
			return err
		}
	}
	if err := d.outbox.MarkOutboxDispatched(ctx, ev.EventID, time.Now().UTC()); err != nil {
		return fmt.Errorf("mark outbox event dispatched: %w", err)
	}
	return nil
}

// recordFor returns the notification for ev, creating it on first use.
func (d *Dispatcher) recordFor(ctx context.Context, ev *invitation.OutboxEvent) (*notification.Notification, error) {
	existing, err := d.notificationRepo.FindByEventID(ctx, ev.EventID)
	if err != nil {
		return nil, fmt.Errorf("find notification: %w", err)
	}
	if existing != nil {
		return existing, nil
	}

	n := d.build(ev)
	if err := d.notificationRepo.Create(ctx, n); err != nil {
		if !errors.Is(err, notification.ErrDuplicate) {
			return nil, fmt.Errorf("failed to create notification: %w", err)
		}
		// A concurrent dispatch of the same event won the insert.
		existing, err = d.notificationRepo.FindByEventID(ctx, ev.EventID)
		if err != nil || existing == nil {
			return nil, fmt.Errorf("find notification after duplicate insert: %w", err)
		}
		return existing, nil
	}

	d.logger.Info().
		Str("notification_id", n.NotificationID.String()).
		Str("invitation_id", ev.InvitationID.String()).
		Str("recipient", n.Recipient).
		Str("priority", string(n.Priority)).
		Msg("notification created")
	return n, nil
}

func (d *Dispatcher) build(ev *invitation.OutboxEvent) *notification.Notification {
	var snap eventSnapshot
	if err := json.Unmarshal(ev.Payload, &snap); err != nil {
		d.logger.Warn().Err(err).Str("event_id", ev.EventID.String()).Msg("failed to decode event payload")
	}
	route := d.router.Route(ev)
	title, body := describe(ev, snap)

	n := notification.NewNotification(ev.InvitationID, ev.EventID, ev.RecipientID, route.Channels, route.Priority, title, body, ev.Payload)
	n.MaxRetries = invitation.MaxOutboxAttempts
	switch ev.Action {
	case invitation.EventProposed, invitation.EventCounterProposed, invitation.EventResend:
		if !snap.ExpiresAt.IsZero() {
			n.SetExpiry(snap.ExpiresAt)
		}
	}
	return n
}

// deliver hands n to the sink and persists the outcome together with a
// delivery attempt.
func (d *Dispatcher) deliver(ctx context.Context, n *notification.Notification) error {
	if n.Status == notification.StatusFailed {
		if err := n.ResetForRetry(); err != nil {
			return err
		}
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() && n.TraceID == nil {
		n.SetTraceID(sc.TraceID().String())
	}

	attempt := notification.NewDeliveryAttempt(n.NotificationID, n.RetryCount+1)
	start := time.Now()

	if err := n.MarkSent(); err != nil {
		if errors.Is(err, notification.ErrExpired) {
			d.persist(ctx, n, nil)
		}
		return fmt.Errorf("failed to mark notification as sent: %w", err)
	}

	sendErr := d.sink.Submit(ctx, n, n.Channels)
	attempt.DurationMs = int(time.Since(start).Milliseconds())
	if sendErr != nil {
		errMsg := sendErr.Error()
		attempt.Status = notification.StatusFailed
		attempt.ErrorMessage = &errMsg
		_ = n.MarkFailed(errMsg)

		d.logger.Warn().
			Str("notification_id", n.NotificationID.String()).
			Err(sendErr).
			Int("retry_count", n.RetryCount).
			Msg("notification submit failed")
	} else {
		attempt.Status = notification.StatusSent
		d.logger.Info().
			Str("notification_id", n.NotificationID.String()).
			Interface("channels", n.Channels).
			Int("duration_ms", attempt.DurationMs).
			Msg("notification submitted")
	}

	persistErr := d.persist(ctx, n, attempt)
	if sendErr != nil {
		return errors.Join(sendErr, persistErr)
	}
	return persistErr
}

func (d *Dispatcher) persist(ctx context.Context, n *notification.Notification, attempt *notification.DeliveryAttempt) error {
	var persistErr error
	if err := d.notificationRepo.Update(ctx, n); err != nil {
		d.logger.Error().
			Str("notification_id", n.NotificationID.String()).
			Err(err).
			Msg("failed to persist notification state")
		persistErr = err
	}
	if attempt != nil {
		if err := d.notificationRepo.RecordAttempt(ctx, attempt); err != nil {
			d.logger.Warn().
				Str("notification_id", n.NotificationID.String()).
				Err(err).
				Msg("failed to record delivery attempt")
			persistErr = errors.Join(persistErr, err)
		}
	}
	return persistErr
}

func (d *Dispatcher) markOutboxFailed(ctx context.Context, ev *invitation.OutboxEvent, cause error) {
	if err := d.outbox.MarkOutboxFailed(ctx, ev.EventID, cause.Error()); err != nil {
		d.logger.Error().
			Err(err).
			Str("event_id", ev.EventID.String()).
			Msg("failed to record outbox failure")
	}
}

// ProcessOutbox re-dispatches pending outbox events and returns how many
// were delivered.
func (d *Dispatcher) ProcessOutbox(ctx context.Context, limit int) (int, error) {
	events, err := d.outbox.ListPendingOutbox(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list pending outbox events: %w", err)
	}

	processed := 0
	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			return processed, err
		}
		if err := d.Dispatch(ctx, ev); err != nil {
			d.logger.Warn().
				Str("event_id", ev.EventID.String()).
				Int("attempts", ev.Attempts+1).
				Err(err).
				Msg("relay dispatch failed")
			continue
		}
		processed++
	}
	return processed, nil
}

// ExpireNotifications expires records whose invitation window has closed.
func (d *Dispatcher) ExpireNotifications(ctx context.Context) (int64, error) {
	return d.notificationRepo.ExpireNotifications(ctx)
}

// List returns notification records.
func (d *Dispatcher) List(ctx context.Context, filter notification.Filter, limit, offset int) ([]*notification.Notification, error) {
	return d.notificationRepo.List(ctx, filter, limit, offset)
}

// Attempts returns the delivery attempts of one notification.
func (d *Dispatcher) Attempts(ctx context.Context, notificationID uuid.UUID) ([]*notification.DeliveryAttempt, error) {
	return d.notificationRepo.GetAttempts(ctx, notificationID)
}

func describe(ev *invitation.OutboxEvent, snap eventSnapshot) (string, string) {
	subject := "Invitation"
	if snap.EngagementID != "" {
		subject = "Invitation for " + snap.EngagementID
	}
	var title, body string
	switch ev.Action {
	case invitation.EventProposed:
		title = "New invitation"
		body = fmt.Sprintf("%s is waiting for your response", subject)
	case invitation.EventResend:
		title = "Invitation sent again"
		body = fmt.Sprintf("%s was sent again and is waiting for your response", subject)
	case invitation.EventAccepted:
		title = "Invitation accepted"
		body = fmt.Sprintf("%s was accepted", subject)
	case invitation.EventDeclined:
		title = "Invitation declined"
		body = fmt.Sprintf("%s was declined", subject)
	case invitation.EventCounterProposed:
		title = "New dates proposed"
		body = fmt.Sprintf("%s received a counter proposal", subject)
	case invitation.EventCounterAccepted:
		title = "Counter proposal accepted"
		body = fmt.Sprintf("Your proposed dates for %s were accepted", snap.EngagementID)
	case invitation.EventCounterDeclined:
		title = "Counter proposal declined"
		body = fmt.Sprintf("Your proposed dates for %s were declined", snap.EngagementID)
	case invitation.EventExpired:
		title = "Invitation expired"
		body = fmt.Sprintf("%s expired without a response", subject)
	case invitation.EventWithdrawn:
		title = "Invitation withdrawn"
		body = fmt.Sprintf("%s was withdrawn", subject)
	default:
		title = "Invitation updated"
		body = fmt.Sprintf("%s changed", subject)
	}
	if snap.Details != "" {
		body += ": " + snap.Details
	}
	return title, body
}
