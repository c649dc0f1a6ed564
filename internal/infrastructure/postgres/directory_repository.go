package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/execution-hub/invitation-hub/internal/domain/directory"
)

// DirectoryRepository reads identities, representatives and engagements
// maintained by the surrounding platform. It implements
// directory.IdentityResolver and directory.EngagementLookup.
type DirectoryRepository struct {
	pool *pgxpool.Pool
}

func NewDirectoryRepository(pool *pgxpool.Pool) *DirectoryRepository {
	return &DirectoryRepository{pool: pool}
}

func (r *DirectoryRepository) Resolve(ctx context.Context, callerID string) (*directory.Identity, error) {
	var id directory.Identity
	err := r.pool.QueryRow(ctx, `
		SELECT i.caller_id, i.display_name,
			COALESCE(ARRAY_AGG(o.org_id ORDER BY o.org_id) FILTER (WHERE o.org_id IS NOT NULL), '{}')
		FROM identities i
		LEFT JOIN identity_orgs o ON o.caller_id = i.caller_id
		WHERE i.caller_id=$1
		GROUP BY i.caller_id, i.display_name
	`, callerID).Scan(&id.CallerID, &id.DisplayName, &id.OrgIDs)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("caller %q: %w", callerID, directory.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &id, nil
}

func (r *DirectoryRepository) Representative(ctx context.Context, orgID string) (string, error) {
	var callerID string
	err := r.pool.QueryRow(ctx, `SELECT caller_id FROM organization_representatives WHERE org_id=$1`, orgID).Scan(&callerID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("representative of %q: %w", orgID, directory.ErrNotFound)
	}
	return callerID, err
}

func (r *DirectoryRepository) GetEngagement(ctx context.Context, engagementID string) (*directory.Engagement, error) {
	var e directory.Engagement
	err := r.pool.QueryRow(ctx, `SELECT id, owner_id, title, open FROM engagements WHERE id=$1`, engagementID).
		Scan(&e.ID, &e.OwnerID, &e.Title, &e.Open)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("engagement %q: %w", engagementID, directory.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// UpsertIdentity records an identity and its memberships. Seeding and
// tests use it; the engine itself only reads the directory.
func (r *DirectoryRepository) UpsertIdentity(ctx context.Context, id directory.Identity) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if _, err := tx.Exec(ctx, `
		INSERT INTO identities (caller_id, display_name) VALUES ($1,$2)
		ON CONFLICT (caller_id) DO UPDATE SET display_name=EXCLUDED.display_name
	`, id.CallerID, id.DisplayName); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM identity_orgs WHERE caller_id=$1`, id.CallerID); err != nil {
		return err
	}
	for _, org := range id.OrgIDs {
		if _, err := tx.Exec(ctx, `INSERT INTO identity_orgs (caller_id, org_id) VALUES ($1,$2)`, id.CallerID, org); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (r *DirectoryRepository) SetRepresentative(ctx context.Context, orgID, callerID string) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO organization_representatives (org_id, caller_id) VALUES ($1,$2)
		ON CONFLICT (org_id) DO UPDATE SET caller_id=EXCLUDED.caller_id
	`, orgID, callerID)
	return err
}

func (r *DirectoryRepository) UpsertEngagement(ctx context.Context, e directory.Engagement) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO engagements (id, owner_id, title, open) VALUES ($1,$2,$3,$4)
		ON CONFLICT (id) DO UPDATE SET owner_id=EXCLUDED.owner_id, title=EXCLUDED.title, open=EXCLUDED.open
	`, e.ID, e.OwnerID, e.Title, e.Open)
	return err
}
