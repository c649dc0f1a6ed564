package raftstore

import (
	"context"
	"errors"
	"maps"
	"strings"
	"time"

	"github.com/hashicorp/raft"
)

const membershipTimeout = 10 * time.Second

// AddVoter makes nodeID a voter at raftAddr. A server already registered
// under the same id or address with different details is replaced.
func (n *Node) AddVoter(ctx context.Context, nodeID, raftAddr string) error {
	id := raft.ServerID(strings.TrimSpace(nodeID))
	addr := raft.ServerAddress(strings.TrimSpace(raftAddr))
	if id == "" || addr == "" {
		return errors.New("raftstore: node id and raft address are required")
	}
	timeout, err := boundedTimeout(ctx, membershipTimeout)
	if err != nil {
		return err
	}
	servers, err := n.servers()
	if err != nil {
		return err
	}
	for _, srv := range servers {
		switch {
		case srv.ID == id && srv.Address == addr:
			return nil
		case srv.ID == id, srv.Address == addr:
			if err := n.raft.RemoveServer(srv.ID, 0, timeout).Error(); err != nil {
				return n.leaderError(err)
			}
		}
	}
	return n.leaderError(n.raft.AddVoter(id, addr, 0, timeout).Error())
}

func (n *Node) RemoveServer(ctx context.Context, nodeID string) error {
	id := raft.ServerID(strings.TrimSpace(nodeID))
	if id == "" {
		return errors.New("raftstore: node id is required")
	}
	timeout, err := boundedTimeout(ctx, membershipTimeout)
	if err != nil {
		return err
	}
	return n.leaderError(n.raft.RemoveServer(id, 0, timeout).Error())
}

func (n *Node) servers() ([]raft.Server, error) {
	future := n.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return nil, err
	}
	return future.Configuration().Servers, nil
}

// leaderError turns raft's not-leader error into ErrNotLeader so callers
// can redirect.
func (n *Node) leaderError(err error) error {
	if errors.Is(err, raft.ErrNotLeader) {
		return errors.Join(ErrNotLeader, err)
	}
	return err
}

// WaitForLeader polls until the cluster has elected a leader and returns
// its address.
func (n *Node) WaitForLeader(ctx context.Context, every time.Duration) (string, error) {
	if every <= 0 {
		every = 100 * time.Millisecond
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		if leader := n.LeaderAddr(); leader != "" {
			return leader, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

func (n *Node) ID() string         { return n.id }
func (n *Node) RaftAddr() string   { return n.raftAddr }
func (n *Node) IsLeader() bool     { return n.raft.State() == raft.Leader }
func (n *Node) LeaderAddr() string { return strings.TrimSpace(string(n.raft.Leader())) }
func (n *Node) State() string      { return n.raft.State().String() }

func (n *Node) Stats() map[string]string {
	return maps.Clone(n.raft.Stats())
}

// Shutdown stops raft and closes the transport.
func (n *Node) Shutdown() error {
	err := n.raft.Shutdown().Error()
	if cerr := n.transport.Close(); err == nil {
		err = cerr
	}
	return err
}
