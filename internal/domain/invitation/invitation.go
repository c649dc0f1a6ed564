package invitation

import (
	"time"

	"github.com/google/uuid"
)

// Status represents the negotiation status of an invitation.
type Status string

const (
	StatusPending     Status = "pending"
	StatusNegotiating Status = "negotiating"
	StatusAccepted    Status = "accepted"
	StatusDeclined    Status = "declined"
	StatusExpired     Status = "expired"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusNegotiating, StatusAccepted, StatusDeclined, StatusExpired:
		return true
	}
	return false
}

// Open reports whether the invitation still awaits a response.
func (s Status) Open() bool {
	return s == StatusPending || s == StatusNegotiating
}

// Role identifies which party performs an action.
type Role string

const (
	RoleInitiator    Role = "initiator"
	RoleCounterparty Role = "counterparty"
	RoleSystem       Role = "system"
)

// Mode describes how an engagement takes place.
type Mode string

const (
	ModeOnsite Mode = "onsite"
	ModeRemote Mode = "remote"
	ModeHybrid Mode = "hybrid"
)

// TimeWindow is a single offered slot.
type TimeWindow struct {
	Start time.Time `json:"start" validate:"required"`
	End   time.Time `json:"end" validate:"required,gtfield=Start"`
}

// Schedule is the set of windows offered by the initiator.
type Schedule struct {
	Windows  []TimeWindow `json:"windows" validate:"dive"`
	Mode     Mode         `json:"mode,omitempty" validate:"omitempty,oneof=onsite remote hybrid"`
	Location string       `json:"location,omitempty"`
	Capacity int          `json:"capacity,omitempty" validate:"gte=0"`
}

// ConfirmedSchedule is the agreed slot, present only once accepted.
type ConfirmedSchedule struct {
	Start    time.Time `json:"start" validate:"required"`
	End      time.Time `json:"end" validate:"required,gtfield=Start"`
	Mode     Mode      `json:"mode,omitempty" validate:"omitempty,oneof=onsite remote hybrid"`
	Capacity int       `json:"capacity,omitempty" validate:"gte=0"`
	Location string    `json:"location,omitempty"`
	Notes    string    `json:"notes,omitempty"`
}

// CounterProposal holds the counterparty's alternative windows.
type CounterProposal struct {
	AlternativeSchedule []TimeWindow `json:"alternativeSchedule"`
	Message             string       `json:"message,omitempty"`
	ProposedAt          time.Time    `json:"proposedAt"`
}

// Invitation is the aggregate root of a two-party proposal.
type Invitation struct {
	ID                uuid.UUID          `json:"id"`
	EngagementID      string             `json:"engagementId"`
	TargetOrgID       string             `json:"targetOrgId"`
	InitiatorID       string             `json:"initiatorId"`
	Status            Status             `json:"status"`
	Message           string             `json:"message"`
	ProposedSchedule  Schedule           `json:"proposedSchedule"`
	ConfirmedSchedule *ConfirmedSchedule `json:"confirmedSchedule,omitempty"`
	CounterProposal   *CounterProposal   `json:"counterProposal,omitempty"`
	History           []HistoryEntry     `json:"history"`
	SentAt            time.Time          `json:"sentAt"`
	RespondedAt       *time.Time         `json:"respondedAt,omitempty"`
	ExpiresAt         time.Time          `json:"expiresAt"`
	IsActive          bool               `json:"isActive"`
	LastUpdated       time.Time          `json:"lastUpdated"`
	UpdatedBy         string             `json:"updatedBy"`
	Version           int64              `json:"version"`
}

// New creates a pending invitation and records the proposal in its ledger.
func New(
	engagementID, targetOrgID, initiatorID, message string,
	schedule Schedule,
	validity time.Duration,
	now time.Time,
	ledger *Ledger,
) (*Invitation, error) {
	now = now.UTC().Truncate(time.Microsecond)
	expiresAt, err := ComputeExpiry(now, validity)
	if err != nil {
		return nil, err
	}
	inv := &Invitation{
		ID:               uuid.New(),
		EngagementID:     engagementID,
		TargetOrgID:      targetOrgID,
		InitiatorID:      initiatorID,
		Status:           StatusPending,
		Message:          message,
		ProposedSchedule: schedule.normalized(),
		SentAt:           now,
		ExpiresAt:        expiresAt,
		IsActive:         true,
		LastUpdated:      now,
		UpdatedBy:        initiatorID,
		Version:          1,
	}
	sched := inv.ProposedSchedule
	ledger.Append(inv, HistoryEntry{
		Timestamp:        now,
		Actor:            RoleInitiator,
		ActorID:          initiatorID,
		Action:           EventProposed,
		Details:          message,
		ProposedSchedule: &sched,
	})
	return inv, nil
}

// Clone returns a deep copy safe to mutate.
func (inv *Invitation) Clone() *Invitation {
	if inv == nil {
		return nil
	}
	out := *inv
	out.ProposedSchedule = inv.ProposedSchedule.clone()
	if inv.ConfirmedSchedule != nil {
		cs := *inv.ConfirmedSchedule
		out.ConfirmedSchedule = &cs
	}
	if inv.CounterProposal != nil {
		cp := *inv.CounterProposal
		cp.AlternativeSchedule = append([]TimeWindow(nil), inv.CounterProposal.AlternativeSchedule...)
		out.CounterProposal = &cp
	}
	if inv.RespondedAt != nil {
		t := *inv.RespondedAt
		out.RespondedAt = &t
	}
	out.History = make([]HistoryEntry, len(inv.History))
	for i, e := range inv.History {
		out.History[i] = e.clone()
	}
	return &out
}

// LastEntry returns the most recent ledger entry, if any.
func (inv *Invitation) LastEntry() (HistoryEntry, bool) {
	if len(inv.History) == 0 {
		return HistoryEntry{}, false
	}
	return inv.History[len(inv.History)-1], true
}

// CheckInvariants verifies the structural rules every stored invitation obeys.
func (inv *Invitation) CheckInvariants() error {
	if !inv.Status.Valid() {
		return invalid("unknown status %q", inv.Status)
	}
	if (inv.ConfirmedSchedule != nil) != (inv.Status == StatusAccepted) {
		return invalid("confirmed schedule must be present exactly when accepted")
	}
	if inv.Status == StatusNegotiating && inv.CounterProposal == nil {
		return invalid("negotiating invitation has no counter proposal")
	}
	if !inv.ExpiresAt.After(inv.SentAt) {
		return invalid("expiresAt must be after sentAt")
	}
	for i := 1; i < len(inv.History); i++ {
		if inv.History[i].Timestamp.Before(inv.History[i-1].Timestamp) {
			return invalid("history entry %d precedes entry %d", i, i-1)
		}
		if inv.History[i].Seq != inv.History[i-1].Seq+1 {
			return invalid("history sequence gap at entry %d", i)
		}
	}
	return nil
}

func (s Schedule) clone() Schedule {
	s.Windows = append([]TimeWindow(nil), s.Windows...)
	return s
}

func (s Schedule) normalized() Schedule {
	out := s.clone()
	for i := range out.Windows {
		out.Windows[i] = out.Windows[i].normalized()
	}
	return out
}

func (w TimeWindow) normalized() TimeWindow {
	return TimeWindow{
		Start: w.Start.UTC().Truncate(time.Microsecond),
		End:   w.End.UTC().Truncate(time.Microsecond),
	}
}

func normalizeWindows(ws []TimeWindow) []TimeWindow {
	out := make([]TimeWindow, len(ws))
	for i, w := range ws {
		out[i] = w.normalized()
	}
	return out
}

// Filter narrows invitation listings.
type Filter struct {
	EngagementID *string
	TargetOrgID  *string
	InitiatorID  *string
	Status       *Status
	ActiveOnly   bool
}
