package invitation

import (
	"sort"
	"strings"
	"time"
)

// Action is a request to move an invitation between statuses.
type Action string

const (
	ActionAccept         Action = "accept"
	ActionDecline        Action = "decline"
	ActionCounterPropose Action = "counter_propose"
	ActionRespondAccept  Action = "respond_accept"
	ActionRespondDecline Action = "respond_decline"
	ActionResend         Action = "resend"
	ActionExpire         Action = "expire"
)

type transitionKey struct {
	from   Status
	action Action
	role   Role
}

// transitions is the complete set of legal moves. Anything absent is illegal.
var transitions = map[transitionKey]Status{
	{StatusPending, ActionAccept, RoleCounterparty}:          StatusAccepted,
	{StatusPending, ActionDecline, RoleCounterparty}:         StatusDeclined,
	{StatusPending, ActionCounterPropose, RoleCounterparty}:  StatusNegotiating,
	{StatusNegotiating, ActionRespondAccept, RoleInitiator}:  StatusAccepted,
	{StatusNegotiating, ActionRespondDecline, RoleInitiator}: StatusDeclined,
	{StatusNegotiating, ActionDecline, RoleCounterparty}:     StatusDeclined,
	{StatusDeclined, ActionResend, RoleInitiator}:            StatusPending,
	{StatusExpired, ActionResend, RoleInitiator}:             StatusPending,
	{StatusPending, ActionExpire, RoleSystem}:                StatusExpired,
	{StatusNegotiating, ActionExpire, RoleSystem}:            StatusExpired,
}

// ledgerActions maps each transition to the entry it leaves in the history.
var ledgerActions = map[Action]EventAction{
	ActionAccept:         EventAccepted,
	ActionDecline:        EventDeclined,
	ActionCounterPropose: EventCounterProposed,
	ActionRespondAccept:  EventCounterAccepted,
	ActionRespondDecline: EventCounterDeclined,
	ActionResend:         EventResend,
	ActionExpire:         EventExpired,
}

// Transition returns the status reached by applying action as role from the
// given status.
func Transition(from Status, role Role, action Action) (Status, error) {
	to, ok := transitions[transitionKey{from: from, action: action, role: role}]
	if !ok {
		return "", illegal("%s cannot %s an invitation that is %s", role, action, from)
	}
	return to, nil
}

// RolesFor lists the roles that may perform action from at least one status.
func RolesFor(action Action) []Role {
	seen := map[Role]struct{}{}
	for k := range transitions {
		if k.action == action {
			seen[k.role] = struct{}{}
		}
	}
	out := make([]Role, 0, len(seen))
	for r := range seen {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Change is one requested transition together with its payload.
type Change struct {
	Action      Action
	Role        Role
	ActorID     string
	Note        string
	Confirmed   *ConfirmedSchedule
	Alternative []TimeWindow
	Message     *string
	Schedule    *Schedule
	Validity    time.Duration
}

// Apply validates c against the transition table and mutates inv in place,
// appending the matching ledger entry. inv is left untouched on error.
func (inv *Invitation) Apply(c Change, now time.Time, ledger *Ledger) (HistoryEntry, error) {
	now = now.UTC().Truncate(time.Microsecond)
	if !inv.IsActive {
		return HistoryEntry{}, illegal("invitation %s was withdrawn", inv.ID)
	}
	switch c.Action {
	case ActionExpire:
		if !IsExpired(inv, now) {
			return HistoryEntry{}, illegal("invitation %s is not due to expire", inv.ID)
		}
	case ActionResend:
	default:
		if IsExpired(inv, now) {
			return HistoryEntry{}, illegal("invitation %s expired at %s", inv.ID, inv.ExpiresAt.Format(time.RFC3339))
		}
	}

	next, err := Transition(inv.Status, c.Role, c.Action)
	if err != nil {
		return HistoryEntry{}, err
	}

	entry := HistoryEntry{
		Timestamp: now,
		Actor:     c.Role,
		ActorID:   c.ActorID,
		Action:    ledgerActions[c.Action],
		Details:   strings.TrimSpace(c.Note),
	}

	switch c.Action {
	case ActionAccept:
		confirmed := c.Confirmed
		if confirmed == nil {
			confirmed, err = inv.confirmFromProposal()
			if err != nil {
				return HistoryEntry{}, err
			}
		}
		cs := normalizeConfirmed(*confirmed)
		inv.ConfirmedSchedule = &cs
		inv.RespondedAt = &now
	case ActionRespondAccept:
		if c.Confirmed == nil {
			return HistoryEntry{}, invalid("final schedule is required to accept a counter proposal")
		}
		cs := normalizeConfirmed(*c.Confirmed)
		inv.ConfirmedSchedule = &cs
		inv.RespondedAt = &now
	case ActionCounterPropose:
		if len(c.Alternative) == 0 {
			return HistoryEntry{}, invalid("counter proposal needs at least one alternative window")
		}
		alt := normalizeWindows(c.Alternative)
		inv.CounterProposal = &CounterProposal{
			AlternativeSchedule: alt,
			Message:             entry.Details,
			ProposedAt:          now,
		}
		inv.RespondedAt = &now
		entry.ProposedSchedule = &Schedule{Windows: append([]TimeWindow(nil), alt...)}
	case ActionDecline, ActionRespondDecline:
		inv.RespondedAt = &now
	case ActionResend:
		expiresAt, err := ComputeExpiry(now, c.Validity)
		if err != nil {
			return HistoryEntry{}, err
		}
		if c.Message != nil {
			inv.Message = *c.Message
		}
		if c.Schedule != nil {
			inv.ProposedSchedule = c.Schedule.normalized()
			sched := inv.ProposedSchedule.clone()
			entry.ProposedSchedule = &sched
		}
		inv.SentAt = now
		inv.ExpiresAt = expiresAt
		inv.RespondedAt = nil
		inv.ConfirmedSchedule = nil
	}

	inv.Status = next
	inv.LastUpdated = now
	inv.UpdatedBy = c.ActorID
	return ledger.Append(inv, entry), nil
}

// Withdraw deactivates the invitation without changing its status.
func (inv *Invitation) Withdraw(actorID, reason string, now time.Time, ledger *Ledger) (HistoryEntry, error) {
	now = now.UTC().Truncate(time.Microsecond)
	if !inv.IsActive {
		return HistoryEntry{}, illegal("invitation %s was already withdrawn", inv.ID)
	}
	inv.IsActive = false
	inv.LastUpdated = now
	inv.UpdatedBy = actorID
	return ledger.Append(inv, HistoryEntry{
		Timestamp: now,
		Actor:     RoleInitiator,
		ActorID:   actorID,
		Action:    EventWithdrawn,
		Details:   strings.TrimSpace(reason),
	}), nil
}

func (inv *Invitation) confirmFromProposal() (*ConfirmedSchedule, error) {
	if len(inv.ProposedSchedule.Windows) == 0 {
		return nil, invalid("confirmed schedule is required when nothing was proposed")
	}
	w := inv.ProposedSchedule.Windows[0]
	return &ConfirmedSchedule{
		Start:    w.Start,
		End:      w.End,
		Mode:     inv.ProposedSchedule.Mode,
		Capacity: inv.ProposedSchedule.Capacity,
		Location: inv.ProposedSchedule.Location,
	}, nil
}

func normalizeConfirmed(cs ConfirmedSchedule) ConfirmedSchedule {
	cs.Start = cs.Start.UTC().Truncate(time.Microsecond)
	cs.End = cs.End.UTC().Truncate(time.Microsecond)
	return cs
}
