// Package raftstore replicates the invitation store across nodes with Raft.
// Reads are served from the local replica; writes go through the leader.
package raftstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb/v2"

	"github.com/execution-hub/invitation-hub/internal/domain/invitation"
	"github.com/execution-hub/invitation-hub/internal/infrastructure/memory"
)

var ErrNotLeader = errors.New("this node is not the raft leader")

// Config defines one Raft node runtime.
type Config struct {
	NodeID         string
	RaftAddr       string
	DataDir        string
	Bootstrap      bool
	SnapshotRetain int
	ApplyTimeout   time.Duration
	LogOutput      io.Writer
}

// Node wraps Raft and the replicated invitation store. It implements
// invitation.Repository.
type Node struct {
	id           string
	raftAddr     string
	applyTimeout time.Duration

	raft      *raft.Raft
	transport *raft.NetworkTransport
	store     *memory.Store
}

var _ invitation.Repository = (*Node)(nil)

func (c Config) normalized() (Config, error) {
	c.NodeID = strings.TrimSpace(c.NodeID)
	c.RaftAddr = strings.TrimSpace(c.RaftAddr)
	c.DataDir = strings.TrimSpace(c.DataDir)
	for name, v := range map[string]string{"node id": c.NodeID, "raft address": c.RaftAddr, "data dir": c.DataDir} {
		if v == "" {
			return c, fmt.Errorf("raftstore: %s is required", name)
		}
	}
	if c.SnapshotRetain <= 0 {
		c.SnapshotRetain = 2
	}
	if c.ApplyTimeout <= 0 {
		c.ApplyTimeout = 5 * time.Second
	}
	if c.LogOutput == nil {
		c.LogOutput = os.Stderr
	}
	return c, nil
}

// durableStores are the on-disk parts of a node: the raft log, the stable
// term/vote store and the FSM snapshots.
type durableStores struct {
	log       *raftboltdb.BoltStore
	stable    *raftboltdb.BoltStore
	snapshots raft.SnapshotStore
}

func openDurableStores(cfg Config) (*durableStores, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("raftstore: create data dir: %w", err)
	}
	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "invitations-log.bolt"))
	if err != nil {
		return nil, fmt.Errorf("raftstore: open log store: %w", err)
	}
	stable, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "invitations-stable.bolt"))
	if err != nil {
		_ = logStore.Close()
		return nil, fmt.Errorf("raftstore: open stable store: %w", err)
	}
	snapshots, err := raft.NewFileSnapshotStore(cfg.DataDir, cfg.SnapshotRetain, cfg.LogOutput)
	if err != nil {
		_ = logStore.Close()
		_ = stable.Close()
		return nil, fmt.Errorf("raftstore: open snapshot store: %w", err)
	}
	return &durableStores{log: logStore, stable: stable, snapshots: snapshots}, nil
}

// NewNode starts a Raft node whose FSM is a fresh in-memory invitation
// store. With Bootstrap set, a node without prior state forms a
// single-voter cluster.
func NewNode(cfg Config) (*Node, error) {
	cfg, err := cfg.normalized()
	if err != nil {
		return nil, err
	}
	stores, err := openDurableStores(cfg)
	if err != nil {
		return nil, err
	}
	transport, err := raft.NewTCPTransport(cfg.RaftAddr, nil, 3, 10*time.Second, cfg.LogOutput)
	if err != nil {
		return nil, fmt.Errorf("raftstore: listen on %s: %w", cfg.RaftAddr, err)
	}

	store := memory.NewStore()
	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID)
	raftCfg.LogOutput = cfg.LogOutput
	r, err := raft.NewRaft(raftCfg, &fsm{store: store}, stores.log, stores.stable, stores.snapshots, transport)
	if err != nil {
		_ = transport.Close()
		return nil, fmt.Errorf("raftstore: start raft: %w", err)
	}

	n := &Node{
		id:           cfg.NodeID,
		raftAddr:     string(transport.LocalAddr()),
		applyTimeout: cfg.ApplyTimeout,
		raft:         r,
		transport:    transport,
		store:        store,
	}
	if cfg.Bootstrap {
		if err := n.bootstrap(stores); err != nil {
			_ = n.Shutdown()
			return nil, err
		}
	}
	return n, nil
}

func (n *Node) bootstrap(stores *durableStores) error {
	existing, err := raft.HasExistingState(stores.log, stores.stable, stores.snapshots)
	if err != nil || existing {
		return err
	}
	self := raft.Server{ID: raft.ServerID(n.id), Address: n.transport.LocalAddr()}
	err = n.raft.BootstrapCluster(raft.Configuration{Servers: []raft.Server{self}}).Error()
	if errors.Is(err, raft.ErrCantBootstrap) {
		return nil
	}
	return err
}

// boundedTimeout caps limit by the time left on ctx.
func boundedTimeout(ctx context.Context, limit time.Duration) (time.Duration, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		return limit, nil
	}
	left := time.Until(deadline)
	if left <= 0 {
		return 0, context.DeadlineExceeded
	}
	return min(left, limit), nil
}

// apply replicates cmd and returns what the local FSM produced for it.
func (n *Node) apply(ctx context.Context, cmd Command) (*invitation.Invitation, error) {
	data, err := encode(cmd)
	if err != nil {
		return nil, err
	}
	timeout, err := boundedTimeout(ctx, n.applyTimeout)
	if err != nil {
		return nil, err
	}
	future := n.raft.Apply(data, timeout)
	if err := future.Error(); err != nil {
		if errors.Is(err, raft.ErrNotLeader) {
			return nil, fmt.Errorf("%w (leader %q)", ErrNotLeader, n.LeaderAddr())
		}
		return nil, err
	}
	res, ok := future.Response().(applyResult)
	if !ok {
		return nil, fmt.Errorf("raftstore: unexpected apply response %T", future.Response())
	}
	return res.invitation, res.err
}

func (n *Node) Create(ctx context.Context, inv *invitation.Invitation, events []*invitation.OutboxEvent) error {
	if err := inv.CheckInvariants(); err != nil {
		return err
	}
	stored, err := n.apply(ctx, Command{Op: OpCreate, Invitation: inv, Events: events})
	if err != nil {
		return err
	}
	inv.Version = stored.Version
	return nil
}

func (n *Node) GetByID(ctx context.Context, id uuid.UUID) (*invitation.Invitation, error) {
	return n.store.GetByID(ctx, id)
}

func (n *Node) FindActive(ctx context.Context, engagementID, targetOrgID string) (*invitation.Invitation, error) {
	return n.store.FindActive(ctx, engagementID, targetOrgID)
}

// ConditionalUpdate runs mutate against the local replica and replicates
// the result. Replicas reject it if the version moved in the meantime.
func (n *Node) ConditionalUpdate(ctx context.Context, id uuid.UUID, expectedVersion int64, mutate invitation.Mutator) (*invitation.Invitation, error) {
	current, err := n.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Version != expectedVersion {
		return nil, fmt.Errorf("invitation %s at version %d, expected %d: %w", id, current.Version, expectedVersion, invitation.ErrConflict)
	}
	next, events, err := mutate(current)
	if err != nil {
		return nil, err
	}
	if next == nil {
		return nil, fmt.Errorf("%w: mutator returned no invitation", invitation.ErrValidation)
	}
	if err := next.CheckInvariants(); err != nil {
		return nil, err
	}
	return n.apply(ctx, Command{Op: OpUpdate, Invitation: next, ExpectedVersion: expectedVersion, Events: events})
}

func (n *Node) List(ctx context.Context, filter invitation.Filter, limit, offset int) ([]*invitation.Invitation, error) {
	return n.store.List(ctx, filter, limit, offset)
}

func (n *Node) ListExpirable(ctx context.Context, now time.Time, limit int) ([]*invitation.Invitation, error) {
	return n.store.ListExpirable(ctx, now, limit)
}

func (n *Node) ListPendingOutbox(ctx context.Context, limit int) ([]*invitation.OutboxEvent, error) {
	return n.store.ListPendingOutbox(ctx, limit)
}

func (n *Node) MarkOutboxDispatched(ctx context.Context, eventID uuid.UUID, at time.Time) error {
	_, err := n.apply(ctx, Command{Op: OpOutboxDispatched, EventID: eventID, At: at.UTC()})
	return err
}

func (n *Node) MarkOutboxFailed(ctx context.Context, eventID uuid.UUID, errMsg string) error {
	_, err := n.apply(ctx, Command{Op: OpOutboxFailed, EventID: eventID, Error: errMsg})
	return err
}
