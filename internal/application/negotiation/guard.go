package negotiation

import (
	"context"
	"errors"
	"fmt"

	"github.com/execution-hub/invitation-hub/internal/domain/directory"
	"github.com/execution-hub/invitation-hub/internal/domain/invitation"
)

// Guard decides which role a caller plays on an invitation. It never
// writes, so a refusal leaves the invitation untouched.
type Guard struct {
	resolver directory.IdentityResolver
}

func NewGuard(resolver directory.IdentityResolver) *Guard {
	return &Guard{resolver: resolver}
}

// Authorize returns the role callerID acts in for action on inv, or
// ErrUnauthorized. The role comes from the transition table, so an action
// that only the system performs is never authorized for a caller.
func (g *Guard) Authorize(ctx context.Context, inv *invitation.Invitation, callerID string, action invitation.Action) (invitation.Role, error) {
	for _, role := range invitation.RolesFor(action) {
		var err error
		switch role {
		case invitation.RoleInitiator:
			err = g.AuthorizeInitiator(ctx, inv.InitiatorID, callerID)
		case invitation.RoleCounterparty:
			err = g.AuthorizeCounterparty(ctx, inv.TargetOrgID, callerID)
		default:
			continue
		}
		if err == nil {
			return role, nil
		}
		if !errors.Is(err, invitation.ErrUnauthorized) {
			return "", err
		}
	}
	return "", fmt.Errorf("%w: %s may not %s invitation %s", invitation.ErrUnauthorized, callerID, action, inv.ID)
}

// AuthorizeInitiator checks that callerID is the inviting party.
func (g *Guard) AuthorizeInitiator(ctx context.Context, initiatorID, callerID string) error {
	id, err := g.resolve(ctx, callerID)
	if err != nil {
		return err
	}
	if id.CallerID != initiatorID {
		return fmt.Errorf("%w: %s is not the initiator", invitation.ErrUnauthorized, callerID)
	}
	return nil
}

// AuthorizeCounterparty checks that callerID is the designated
// representative of orgID.
func (g *Guard) AuthorizeCounterparty(ctx context.Context, orgID, callerID string) error {
	id, err := g.resolve(ctx, callerID)
	if err != nil {
		return err
	}
	rep, err := g.resolver.Representative(ctx, orgID)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			return fmt.Errorf("%w: organization %s has no representative", invitation.ErrUnauthorized, orgID)
		}
		return fmt.Errorf("look up representative: %w", err)
	}
	if rep != id.CallerID {
		return fmt.Errorf("%w: %s does not represent %s", invitation.ErrUnauthorized, callerID, orgID)
	}
	return nil
}

func (g *Guard) resolve(ctx context.Context, callerID string) (*directory.Identity, error) {
	if callerID == "" {
		return nil, fmt.Errorf("%w: caller is anonymous", invitation.ErrUnauthorized)
	}
	id, err := g.resolver.Resolve(ctx, callerID)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown caller %s", invitation.ErrUnauthorized, callerID)
		}
		return nil, fmt.Errorf("resolve caller: %w", err)
	}
	return id, nil
}
