package negotiation

import (
	"context"
	"errors"

	"github.com/execution-hub/invitation-hub/internal/domain/invitation"
)

// Publishers fans one ledger append out to several publishers. Every
// publisher is tried; the failures are joined.
type Publishers []invitation.EventPublisher

func (ps Publishers) Publish(ctx context.Context, inv *invitation.Invitation, entry invitation.HistoryEntry) error {
	var errs []error
	for _, p := range ps {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, inv, entry); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
