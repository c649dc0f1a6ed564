package raftstore

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/execution-hub/invitation-hub/internal/domain/invitation"
)

// Op names a replicated store write.
type Op string

const (
	OpCreate           Op = "invitation.create"
	OpUpdate           Op = "invitation.update"
	OpOutboxDispatched Op = "outbox.dispatched"
	OpOutboxFailed     Op = "outbox.failed"
)

// Command is one entry in the raft log. The leader computes the next
// invitation state; every replica re-checks the version before storing it.
type Command struct {
	Op              Op                        `json:"op"`
	Invitation      *invitation.Invitation    `json:"invitation,omitempty"`
	ExpectedVersion int64                     `json:"expectedVersion,omitempty"`
	Events          []*invitation.OutboxEvent `json:"events,omitempty"`
	EventID         uuid.UUID                 `json:"eventId,omitempty"`
	At              time.Time                 `json:"at,omitempty"`
	Error           string                    `json:"error,omitempty"`
}

func (c Command) validate() error {
	switch c.Op {
	case OpCreate, OpUpdate:
		if c.Invitation == nil {
			return fmt.Errorf("%s: invitation is required", c.Op)
		}
	case OpOutboxDispatched, OpOutboxFailed:
		if c.EventID == uuid.Nil {
			return fmt.Errorf("%s: event id is required", c.Op)
		}
	default:
		return fmt.Errorf("unknown op %q", c.Op)
	}
	return nil
}

func encode(c Command) ([]byte, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}
	return json.Marshal(c)
}

// applyResult is what the FSM hands back through the apply future.
type applyResult struct {
	invitation *invitation.Invitation
	err        error
}
