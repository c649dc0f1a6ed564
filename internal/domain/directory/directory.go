// Package directory describes the identity and engagement lookups the
// negotiation engine consumes from outside systems.
package directory

//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_directory.go -package=mocks . IdentityResolver,EngagementLookup

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("directory entry not found")

// Identity is the resolved view of a caller.
type Identity struct {
	CallerID    string   `json:"callerId"`
	DisplayName string   `json:"displayName,omitempty"`
	OrgIDs      []string `json:"orgIds,omitempty"`
}

// MemberOf reports whether the identity belongs to orgID.
func (i *Identity) MemberOf(orgID string) bool {
	for _, id := range i.OrgIDs {
		if id == orgID {
			return true
		}
	}
	return false
}

// Engagement is the subject an invitation is about.
type Engagement struct {
	ID      string `json:"id"`
	OwnerID string `json:"ownerId,omitempty"`
	Title   string `json:"title,omitempty"`
	Open    bool   `json:"open"`
}

// IdentityResolver maps callers and organizations to identities.
type IdentityResolver interface {
	// Resolve returns ErrNotFound for unknown callers.
	Resolve(ctx context.Context, callerID string) (*Identity, error)
	// Representative returns the caller id designated to answer
	// invitations on behalf of orgID, or ErrNotFound.
	Representative(ctx context.Context, orgID string) (string, error)
}

// EngagementLookup resolves engagements.
type EngagementLookup interface {
	// GetEngagement returns ErrNotFound for unknown engagements.
	GetEngagement(ctx context.Context, engagementID string) (*Engagement, error)
}
