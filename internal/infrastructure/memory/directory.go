package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/execution-hub/invitation-hub/internal/domain/directory"
)

// Directory is a static identity and engagement directory, used by the
// memory and raft backends and by tests.
type Directory struct {
	mu              sync.RWMutex
	identities      map[string]*directory.Identity
	representatives map[string]string
	engagements     map[string]*directory.Engagement
}

func NewDirectory() *Directory {
	return &Directory{
		identities:      make(map[string]*directory.Identity),
		representatives: make(map[string]string),
		engagements:     make(map[string]*directory.Engagement),
	}
}

// DirectoryFile is the on-disk layout read by LoadDirectory.
type DirectoryFile struct {
	Identities      []directory.Identity   `json:"identities"`
	Representatives map[string]string      `json:"representatives"`
	Engagements     []directory.Engagement `json:"engagements"`
}

// LoadDirectory reads a JSON directory file.
func LoadDirectory(path string) (*Directory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read directory file: %w", err)
	}
	var f DirectoryFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode directory file: %w", err)
	}
	d := NewDirectory()
	for _, id := range f.Identities {
		d.AddIdentity(id)
	}
	for org, caller := range f.Representatives {
		d.SetRepresentative(org, caller)
	}
	for _, e := range f.Engagements {
		d.AddEngagement(e)
	}
	return d, nil
}

func (d *Directory) AddIdentity(id directory.Identity) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := id
	cp.OrgIDs = append([]string(nil), id.OrgIDs...)
	d.identities[id.CallerID] = &cp
}

func (d *Directory) SetRepresentative(orgID, callerID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.representatives[orgID] = callerID
}

func (d *Directory) AddEngagement(e directory.Engagement) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := e
	d.engagements[e.ID] = &cp
}

func (d *Directory) Resolve(ctx context.Context, callerID string) (*directory.Identity, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	id, ok := d.identities[callerID]
	if !ok {
		return nil, fmt.Errorf("caller %q: %w", callerID, directory.ErrNotFound)
	}
	cp := *id
	cp.OrgIDs = append([]string(nil), id.OrgIDs...)
	return &cp, nil
}

func (d *Directory) Representative(ctx context.Context, orgID string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rep, ok := d.representatives[orgID]
	if !ok {
		return "", fmt.Errorf("organization %q: %w", orgID, directory.ErrNotFound)
	}
	return rep, nil
}

func (d *Directory) GetEngagement(ctx context.Context, engagementID string) (*directory.Engagement, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.engagements[engagementID]
	if !ok {
		return nil, fmt.Errorf("engagement %q: %w", engagementID, directory.ErrNotFound)
	}
	cp := *e
	return &cp, nil
}
