package invitation

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// OutboxStatus is the delivery state of an owed notification.
type OutboxStatus string

const (
	OutboxPending    OutboxStatus = "pending"
	OutboxDispatched OutboxStatus = "dispatched"
	OutboxFailed     OutboxStatus = "failed"
)

// MaxOutboxAttempts bounds how often the relay retries one event.
const MaxOutboxAttempts = 10

// OutboxEvent records that a transition owes a notification. It is written
// in the same atomic step as the transition itself.
type OutboxEvent struct {
	EventID      uuid.UUID       `json:"eventId"`
	InvitationID uuid.UUID       `json:"invitationId"`
	Seq          int             `json:"seq"`
	Action       EventAction     `json:"action"`
	ActorRole    Role            `json:"actorRole"`
	ActorID      string          `json:"actorId"`
	RecipientID  string          `json:"recipientId"`
	Status       Status          `json:"status"`
	Payload      json.RawMessage `json:"payload"`
	State        OutboxStatus    `json:"state"`
	Attempts     int             `json:"attempts"`
	LastError    *string         `json:"lastError,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	DispatchedAt *time.Time      `json:"dispatchedAt,omitempty"`
}

// eventPayload is the snapshot carried to notification consumers.
type eventPayload struct {
	InvitationID      uuid.UUID          `json:"invitationId"`
	EngagementID      string             `json:"engagementId"`
	TargetOrgID       string             `json:"targetOrgId"`
	InitiatorID       string             `json:"initiatorId"`
	Status            Status             `json:"status"`
	Action            EventAction        `json:"action"`
	Details           string             `json:"details,omitempty"`
	ExpiresAt         time.Time          `json:"expiresAt"`
	ConfirmedSchedule *ConfirmedSchedule `json:"confirmedSchedule,omitempty"`
	CounterProposal   *CounterProposal   `json:"counterProposal,omitempty"`
}

// NewOutboxEvent captures entry, which must already be part of inv's
// history, as an event owed to recipientID.
func NewOutboxEvent(inv *Invitation, entry HistoryEntry, recipientID string) (*OutboxEvent, error) {
	payload, err := json.Marshal(eventPayload{
		InvitationID:      inv.ID,
		EngagementID:      inv.EngagementID,
		TargetOrgID:       inv.TargetOrgID,
		InitiatorID:       inv.InitiatorID,
		Status:            inv.Status,
		Action:            entry.Action,
		Details:           entry.Details,
		ExpiresAt:         inv.ExpiresAt,
		ConfirmedSchedule: inv.ConfirmedSchedule,
		CounterProposal:   inv.CounterProposal,
	})
	if err != nil {
		return nil, err
	}
	return &OutboxEvent{
		EventID:      uuid.New(),
		InvitationID: inv.ID,
		Seq:          entry.Seq,
		Action:       entry.Action,
		ActorRole:    entry.Actor,
		ActorID:      entry.ActorID,
		RecipientID:  recipientID,
		Status:       inv.Status,
		Payload:      payload,
		State:        OutboxPending,
		CreatedAt:    entry.Timestamp,
	}, nil
}

// Clone returns a copy safe to mutate.
func (e *OutboxEvent) Clone() *OutboxEvent {
	out := *e
	out.Payload = append(json.RawMessage(nil), e.Payload...)
	if e.LastError != nil {
		msg := *e.LastError
		out.LastError = &msg
	}
	if e.DispatchedAt != nil {
		t := *e.DispatchedAt
		out.DispatchedAt = &t
	}
	return &out
}

// MarkDispatched records a successful hand-off.
func (e *OutboxEvent) MarkDispatched(at time.Time) {
	at = at.UTC()
	e.State = OutboxDispatched
	e.DispatchedAt = &at
	e.LastError = nil
}

// MarkFailed records a failed attempt. The event stays pending until it has
// used up MaxOutboxAttempts.
func (e *OutboxEvent) MarkFailed(errMsg string) {
	e.Attempts++
	e.LastError = &errMsg
	if e.Attempts >= MaxOutboxAttempts {
		e.State = OutboxFailed
		return
	}
	e.State = OutboxPending
}
