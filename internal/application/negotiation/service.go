// Package negotiation runs the invitation state machine against a store:
// it authorizes callers, applies transitions with optimistic retries and
// hands the resulting events to the notification dispatcher.
package negotiation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/execution-hub/invitation-hub/internal/domain/directory"
	"github.com/execution-hub/invitation-hub/internal/domain/invitation"
)

const tracerName = "github.com/execution-hub/invitation-hub/internal/application/negotiation"

// Config bounds the service's blocking calls.
type Config struct {
	DefaultValidity time.Duration
	StoreTimeout    time.Duration
	DispatchTimeout time.Duration
	ConflictRetries int
	Clock           func() time.Time
}

func (c Config) normalized() Config {
	if c.DefaultValidity <= 0 {
		c.DefaultValidity = invitation.DefaultValidity
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 5 * time.Second
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = 2 * time.Second
	}
	if c.ConflictRetries < 0 {
		c.ConflictRetries = 0
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c
}

// Service handles invitation negotiation.
type Service struct {
	repo        invitation.Repository
	guard       *Guard
	resolver    directory.IdentityResolver
	engagements directory.EngagementLookup
	dispatcher  invitation.Dispatcher
	publisher   invitation.EventPublisher
	ledger      *invitation.Ledger
	cfg         Config
	tracer      trace.Tracer
	logger      zerolog.Logger
}

// NewService creates a negotiation service. dispatcher and publisher may be
// nil; the outbox relay then delivers every notification.
func NewService(
	repo invitation.Repository,
	resolver directory.IdentityResolver,
	engagements directory.EngagementLookup,
	dispatcher invitation.Dispatcher,
	publisher invitation.EventPublisher,
	ledger *invitation.Ledger,
	cfg Config,
	logger zerolog.Logger,
) *Service {
	return &Service{
		repo:        repo,
		guard:       NewGuard(resolver),
		resolver:    resolver,
		engagements: engagements,
		dispatcher:  dispatcher,
		publisher:   publisher,
		ledger:      ledger,
		cfg:         cfg.normalized(),
		tracer:      otel.Tracer(tracerName),
		logger:      logger.With().Str("service", "negotiation").Logger(),
	}
}

// CreateInvitation proposes an engagement to one organization.
func (s *Service) CreateInvitation(ctx context.Context, in CreateInput) (res *Result, err error) {
	ctx, span := s.tracer.Start(ctx, "negotiation.CreateInvitation", trace.WithAttributes(
		attribute.String("engagement.id", in.EngagementID),
		attribute.String("org.id", in.TargetOrgID),
	))
	defer func() { endSpan(span, err) }()

	if err := validateStruct(in); err != nil {
		return nil, err
	}
	if err := s.checkCreate(ctx, in.EngagementID, in.InitiatorID, in.CallerID); err != nil {
		return nil, err
	}
	inv, warnings, err := s.createOne(ctx, in.EngagementID, in.TargetOrgID, in.InitiatorID, in.Message, in.Schedule, in.Validity)
	if err != nil {
		return nil, err
	}
	return &Result{Invitation: inv, Warnings: warnings}, nil
}

// CreateInvitations invites every listed organization to one engagement.
// Organizations that already hold an active invitation are skipped and
// reported rather than failing the batch.
func (s *Service) CreateInvitations(ctx context.Context, in BulkCreateInput) (res *BulkResult, err error) {
	ctx, span := s.tracer.Start(ctx, "negotiation.CreateInvitations", trace.WithAttributes(
		attribute.String("engagement.id", in.EngagementID),
		attribute.Int("org.count", len(in.TargetOrgIDs)),
	))
	defer func() { endSpan(span, err) }()

	if err := validateStruct(in); err != nil {
		return nil, err
	}
	if err := s.checkCreate(ctx, in.EngagementID, in.InitiatorID, in.CallerID); err != nil {
		return nil, err
	}

	res = &BulkResult{Created: make([]*invitation.Invitation, 0, len(in.TargetOrgIDs))}
	seen := make(map[string]struct{}, len(in.TargetOrgIDs))
	for _, orgID := range in.TargetOrgIDs {
		if _, dup := seen[orgID]; dup {
			continue
		}
		seen[orgID] = struct{}{}

		inv, warnings, err := s.createOne(ctx, in.EngagementID, orgID, in.InitiatorID, in.Message, in.Schedule, in.Validity)
		var dupErr *invitation.DuplicateError
		switch {
		case err == nil:
			res.Created = append(res.Created, inv)
			res.Warnings = append(res.Warnings, warnings...)
		case errors.As(err, &dupErr) && dupErr.Existing != nil:
			res.Skipped = append(res.Skipped, Skipped{TargetOrgID: orgID, InvitationID: dupErr.Existing.ID})
		default:
			if ctxErr := ctx.Err(); ctxErr != nil {
				return res, ctxErr
			}
			res.Failed = append(res.Failed, Failure{TargetOrgID: orgID, Error: err.Error()})
		}
	}

	s.logger.Info().
		Str("engagement_id", in.EngagementID).
		Int("created", len(res.Created)).
		Int("skipped", len(res.Skipped)).
		Int("failed", len(res.Failed)).
		Msg("bulk invitations processed")
	return res, nil
}

// checkCreate verifies that the caller is the initiator and that the
// engagement exists, belongs to them and still accepts invitations.
func (s *Service) checkCreate(ctx context.Context, engagementID, initiatorID, callerID string) error {
	if err := s.guard.AuthorizeInitiator(ctx, initiatorID, callerID); err != nil {
		return err
	}
	e, err := s.engagements.GetEngagement(ctx, engagementID)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			return fmt.Errorf("engagement %s: %w", engagementID, invitation.ErrNotFound)
		}
		return fmt.Errorf("look up engagement: %w", err)
	}
	if e.OwnerID != "" && e.OwnerID != initiatorID {
		return fmt.Errorf("%w: engagement %s belongs to another initiator", invitation.ErrUnauthorized, engagementID)
	}
	if !e.Open {
		return fmt.Errorf("%w: engagement %s is closed for invitations", invitation.ErrValidation, engagementID)
	}
	return nil
}

func (s *Service) createOne(
	ctx context.Context,
	engagementID, orgID, initiatorID, message string,
	schedule invitation.Schedule,
	validity time.Duration,
) (*invitation.Invitation, []string, error) {
	recipient, err := s.resolver.Representative(ctx, orgID)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			return nil, nil, fmt.Errorf("organization %s: %w", orgID, invitation.ErrNotFound)
		}
		return nil, nil, fmt.Errorf("look up representative: %w", err)
	}
	if validity == 0 {
		validity = s.cfg.DefaultValidity
	}

	inv, err := invitation.New(engagementID, orgID, initiatorID, message, schedule, validity, s.cfg.Clock(), s.ledger)
	if err != nil {
		return nil, nil, err
	}
	ev, err := invitation.NewOutboxEvent(inv, inv.History[0], recipient)
	if err != nil {
		return nil, nil, fmt.Errorf("build outbox event: %w", err)
	}

	storeCtx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	err = s.repo.Create(storeCtx, inv, []*invitation.OutboxEvent{ev})
	cancel()
	if err != nil {
		if errors.Is(err, invitation.ErrAlreadyExists) {
			s.logger.Debug().
				Str("engagement_id", engagementID).
				Str("org_id", orgID).
				Msg("active invitation already exists")
			return nil, nil, err
		}
		return nil, nil, fmt.Errorf("create invitation: %w", err)
	}

	s.logger.Info().
		Str("invitation_id", inv.ID.String()).
		Str("engagement_id", engagementID).
		Str("org_id", orgID).
		Time("expires_at", inv.ExpiresAt).
		Msg("invitation created")

	return inv, s.afterCommit(ctx, inv, inv.History[0], ev), nil
}

// Get returns one invitation.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*invitation.Invitation, error) {
	storeCtx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()
	return s.repo.GetByID(storeCtx, id)
}

// GetTimeline returns the invitation's events, earliest first.
func (s *Service) GetTimeline(ctx context.Context, id uuid.UUID) ([]invitation.TimelineEvent, error) {
	inv, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return invitation.ReconstructTimeline(inv), nil
}

// VerifyHistory recomputes the invitation's digest chain.
func (s *Service) VerifyHistory(ctx context.Context, id uuid.UUID) error {
	inv, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return s.ledger.Verify(inv)
}

// ListActive lists active invitations for an engagement or organization.
func (s *Service) ListActive(ctx context.Context, in ListInput, limit, offset int) ([]*invitation.Invitation, error) {
	if err := validateStruct(in); err != nil {
		return nil, err
	}
	if in.Status != nil && !in.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", invitation.ErrValidation, *in.Status)
	}
	filter := invitation.Filter{Status: in.Status, ActiveOnly: true}
	if in.EngagementID != "" {
		filter.EngagementID = &in.EngagementID
	}
	if in.TargetOrgID != "" {
		filter.TargetOrgID = &in.TargetOrgID
	}
	storeCtx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()
	return s.repo.List(storeCtx, filter, limit, offset)
}

// afterCommit publishes the ledger entry and attempts one bounded dispatch
// per event. Failures only produce warnings; the outbox keeps the events
// for the relay.
func (s *Service) afterCommit(ctx context.Context, inv *invitation.Invitation, entry invitation.HistoryEntry, events ...*invitation.OutboxEvent) []string {
	var warnings []string
	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, inv, entry); err != nil {
			s.logger.Warn().
				Err(err).
				Str("invitation_id", inv.ID.String()).
				Int("seq", entry.Seq).
				Msg("failed to publish timeline event")
			warnings = append(warnings, "timeline publish failed: "+err.Error())
		}
	}
	if s.dispatcher == nil {
		return warnings
	}
	for _, ev := range events {
		if ev == nil {
			continue
		}
		dctx, cancel := context.WithTimeout(ctx, s.cfg.DispatchTimeout)
		err := s.dispatcher.Dispatch(dctx, ev)
		cancel()
		if err != nil {
			s.logger.Warn().
				Err(err).
				Str("invitation_id", inv.ID.String()).
				Str("event_id", ev.EventID.String()).
				Msg("notification dispatch failed, left for relay")
			warnings = append(warnings, "notification dispatch failed: "+err.Error())
		}
	}
	return warnings
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
