package raftstore

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/hashicorp/raft"

	"github.com/execution-hub/invitation-hub/internal/infrastructure/memory"
)

// fsm wires raft log entries into the in-memory store.
type fsm struct {
	store *memory.Store
}

func (f *fsm) Apply(log *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return applyResult{err: fmt.Errorf("decode command: %w", err)}
	}
	if err := cmd.validate(); err != nil {
		return applyResult{err: err}
	}
	switch cmd.Op {
	case OpCreate:
		return applyResult{invitation: cmd.Invitation, err: f.store.ApplyCreate(cmd.Invitation, cmd.Events)}
	case OpUpdate:
		inv, err := f.store.Replace(cmd.Invitation, cmd.ExpectedVersion, cmd.Events)
		return applyResult{invitation: inv, err: err}
	case OpOutboxDispatched:
		return applyResult{err: f.store.ApplyOutboxDispatched(cmd.EventID, cmd.At)}
	default:
		return applyResult{err: f.store.ApplyOutboxFailed(cmd.EventID, cmd.Error)}
	}
}

func (f *fsm) Snapshot() (raft.FSMSnapshot, error) {
	data, err := f.store.Marshal()
	if err != nil {
		return nil, err
	}
	return &fsmSnapshot{data: data}, nil
}

func (f *fsm) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return f.store.Unmarshal(data)
}

type fsmSnapshot struct {
	data []byte
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	if _, err := sink.Write(s.data); err != nil {
		_ = sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}
