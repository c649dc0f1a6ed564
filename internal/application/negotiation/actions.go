package negotiation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/execution-hub/invitation-hub/internal/domain/directory"
	"github.com/execution-hub/invitation-hub/internal/domain/invitation"
)

// Accept confirms a pending invitation. A nil confirmed schedule takes the
// first proposed window.
func (s *Service) Accept(ctx context.Context, id uuid.UUID, callerID string, confirmed *invitation.ConfirmedSchedule, note string) (*Result, error) {
	if confirmed != nil {
		if err := validateStruct(confirmed); err != nil {
			return nil, err
		}
	}
	return s.act(ctx, id, callerID, invitation.ActionAccept, func(inv *invitation.Invitation, role invitation.Role, now time.Time) (invitation.HistoryEntry, error) {
		return inv.Apply(invitation.Change{
			Action:    invitation.ActionAccept,
			Role:      role,
			ActorID:   callerID,
			Note:      note,
			Confirmed: confirmed,
		}, now, s.ledger)
	})
}

// Decline refuses a pending invitation or abandons a negotiation.
func (s *Service) Decline(ctx context.Context, id uuid.UUID, callerID, reason string) (*Result, error) {
	return s.act(ctx, id, callerID, invitation.ActionDecline, func(inv *invitation.Invitation, role invitation.Role, now time.Time) (invitation.HistoryEntry, error) {
		return inv.Apply(invitation.Change{
			Action:  invitation.ActionDecline,
			Role:    role,
			ActorID: callerID,
			Note:    reason,
		}, now, s.ledger)
	})
}

// CounterPropose answers a pending invitation with alternative windows.
func (s *Service) CounterPropose(ctx context.Context, id uuid.UUID, callerID string, alternative []invitation.TimeWindow, note string) (*Result, error) {
	if err := validateStruct(counterInput{Alternative: alternative}); err != nil {
		return nil, err
	}
	return s.act(ctx, id, callerID, invitation.ActionCounterPropose, func(inv *invitation.Invitation, role invitation.Role, now time.Time) (invitation.HistoryEntry, error) {
		return inv.Apply(invitation.Change{
			Action:      invitation.ActionCounterPropose,
			Role:        role,
			ActorID:     callerID,
			Note:        note,
			Alternative: alternative,
		}, now, s.ledger)
	})
}

// RespondToCounter settles a negotiation. Accepting requires the final
// schedule both parties agreed on.
func (s *Service) RespondToCounter(ctx context.Context, id uuid.UUID, callerID string, accept bool, final *invitation.ConfirmedSchedule, note string) (*Result, error) {
	action := invitation.ActionRespondDecline
	if accept {
		action = invitation.ActionRespondAccept
		if final == nil {
			return nil, fmt.Errorf("%w: final schedule is required to accept a counter proposal", invitation.ErrValidation)
		}
		if err := validateStruct(final); err != nil {
			return nil, err
		}
	}
	return s.act(ctx, id, callerID, action, func(inv *invitation.Invitation, role invitation.Role, now time.Time) (invitation.HistoryEntry, error) {
		c := invitation.Change{
			Action:  action,
			Role:    role,
			ActorID: callerID,
			Note:    note,
		}
		if accept {
			c.Confirmed = final
		}
		return inv.Apply(c, now, s.ledger)
	})
}

// Resend reopens a declined or expired invitation with a fresh window.
func (s *Service) Resend(ctx context.Context, in ResendInput) (*Result, error) {
	if err := validateStruct(in); err != nil {
		return nil, err
	}
	validity := in.Validity
	if validity == 0 {
		validity = s.cfg.DefaultValidity
	}
	return s.act(ctx, in.InvitationID, in.CallerID, invitation.ActionResend, func(inv *invitation.Invitation, role invitation.Role, now time.Time) (invitation.HistoryEntry, error) {
		return inv.Apply(invitation.Change{
			Action:   invitation.ActionResend,
			Role:     role,
			ActorID:  in.CallerID,
			Message:  in.Message,
			Schedule: in.Schedule,
			Validity: validity,
		}, now, s.ledger)
	})
}

// Withdraw deactivates an invitation on the initiator's behalf, freeing the
// pair for a new proposal. Status is left as it was.
func (s *Service) Withdraw(ctx context.Context, id uuid.UUID, callerID, reason string) (*Result, error) {
	return s.mutate(ctx, "Withdraw", id,
		func(ctx context.Context, inv *invitation.Invitation) (invitation.Role, error) {
			return invitation.RoleInitiator, s.guard.AuthorizeInitiator(ctx, inv.InitiatorID, callerID)
		},
		func(inv *invitation.Invitation, _ invitation.Role, now time.Time) (invitation.HistoryEntry, error) {
			return inv.Withdraw(callerID, reason, now, s.ledger)
		})
}

// ExpireDue moves up to limit overdue open invitations to expired and
// returns how many it changed. It is driven by an external schedule.
func (s *Service) ExpireDue(ctx context.Context, now time.Time, limit int) (n int, err error) {
	ctx, span := s.tracer.Start(ctx, "negotiation.ExpireDue")
	defer func() {
		span.SetAttributes(attribute.Int("expired.count", n))
		endSpan(span, err)
	}()

	storeCtx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	due, err := s.repo.ListExpirable(storeCtx, now, limit)
	cancel()
	if err != nil {
		return 0, fmt.Errorf("list expirable invitations: %w", err)
	}

	system := func(context.Context, *invitation.Invitation) (invitation.Role, error) {
		return invitation.RoleSystem, nil
	}
	for _, inv := range due {
		_, err := s.mutate(ctx, "Expire", inv.ID, system, func(cur *invitation.Invitation, role invitation.Role, _ time.Time) (invitation.HistoryEntry, error) {
			return cur.Apply(invitation.Change{Action: invitation.ActionExpire, Role: role, ActorID: string(invitation.RoleSystem)}, now, s.ledger)
		})
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return n, ctxErr
			}
			// Someone responded first; the invitation is no longer open.
			if errors.Is(err, invitation.ErrIllegalTransition) {
				continue
			}
			s.logger.Warn().Err(err).Str("invitation_id", inv.ID.String()).Msg("failed to expire invitation")
			continue
		}
		n++
	}
	if n > 0 {
		s.logger.Info().Int("count", n).Msg("expired overdue invitations")
	}
	return n, nil
}

type authorizeFunc func(ctx context.Context, inv *invitation.Invitation) (invitation.Role, error)

type changeFunc func(inv *invitation.Invitation, role invitation.Role, now time.Time) (invitation.HistoryEntry, error)

// act runs a table-driven action for a caller.
func (s *Service) act(ctx context.Context, id uuid.UUID, callerID string, action invitation.Action, change changeFunc) (*Result, error) {
	return s.mutate(ctx, string(action), id,
		func(ctx context.Context, inv *invitation.Invitation) (invitation.Role, error) {
			return s.guard.Authorize(ctx, inv, callerID, action)
		},
		change)
}

// mutate authorizes against the stored invitation and applies change
// through ConditionalUpdate. On a version conflict it re-reads and tries
// again, re-validating the transition against the newer state, up to
// ConflictRetries times.
func (s *Service) mutate(ctx context.Context, op string, id uuid.UUID, authorize authorizeFunc, change changeFunc) (res *Result, err error) {
	ctx, span := s.tracer.Start(ctx, "negotiation."+op, trace.WithAttributes(attribute.String("invitation.id", id.String())))
	defer func() { endSpan(span, err) }()

	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	role, err := authorize(ctx, current)
	if err != nil {
		return nil, err
	}
	recipients, err := s.recipientsFor(ctx, current, role)
	if err != nil {
		return nil, err
	}

	for attempt := 0; ; attempt++ {
		var (
			entry  invitation.HistoryEntry
			events []*invitation.OutboxEvent
		)
		now := s.cfg.Clock()
		storeCtx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
		updated, err := s.repo.ConditionalUpdate(storeCtx, id, current.Version, func(cur *invitation.Invitation) (*invitation.Invitation, []*invitation.OutboxEvent, error) {
			e, err := change(cur, role, now)
			if err != nil {
				return nil, nil, err
			}
			out := make([]*invitation.OutboxEvent, 0, len(recipients))
			for _, recipient := range recipients {
				ev, err := invitation.NewOutboxEvent(cur, e, recipient)
				if err != nil {
					return nil, nil, fmt.Errorf("build outbox event: %w", err)
				}
				out = append(out, ev)
			}
			entry, events = e, out
			return cur, out, nil
		})
		cancel()

		if err == nil {
			s.logger.Info().
				Str("invitation_id", id.String()).
				Str("op", op).
				Str("role", string(role)).
				Str("status", string(updated.Status)).
				Int("attempt", attempt+1).
				Msg("invitation updated")
			return &Result{Invitation: updated, Warnings: s.afterCommit(ctx, updated, entry, events...)}, nil
		}
		if !errors.Is(err, invitation.ErrConflict) || attempt >= s.cfg.ConflictRetries {
			return nil, err
		}

		s.logger.Debug().Str("invitation_id", id.String()).Int("attempt", attempt+1).Msg("version conflict, retrying")
		if current, err = s.Get(ctx, id); err != nil {
			return nil, err
		}
	}
}

// recipientsFor names the parties told about a change made in role. A
// party's own action is reported to the other side; a system change such
// as expiry is reported to both. The counterparty is reached through its
// representative, or the organization itself when none is registered.
func (s *Service) recipientsFor(ctx context.Context, inv *invitation.Invitation, role invitation.Role) ([]string, error) {
	switch role {
	case invitation.RoleCounterparty:
		return []string{inv.InitiatorID}, nil
	case invitation.RoleInitiator:
		rep, err := s.counterpartyRecipient(ctx, inv)
		if err != nil {
			return nil, err
		}
		return []string{rep}, nil
	default:
		rep, err := s.counterpartyRecipient(ctx, inv)
		if err != nil {
			return nil, err
		}
		return []string{inv.InitiatorID, rep}, nil
	}
}

func (s *Service) counterpartyRecipient(ctx context.Context, inv *invitation.Invitation) (string, error) {
	rep, err := s.resolver.Representative(ctx, inv.TargetOrgID)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			return "org:" + inv.TargetOrgID, nil
		}
		return "", fmt.Errorf("look up representative: %w", err)
	}
	return rep, nil
}
