package invitation

import (
	"sort"
	"time"
)

// TimelineEvent is one row of a reconstructed negotiation timeline.
type TimelineEvent struct {
	Seq              int         `json:"seq"`
	Timestamp        time.Time   `json:"timestamp"`
	Actor            Role        `json:"actor"`
	ActorID          string      `json:"actorId,omitempty"`
	Action           EventAction `json:"action"`
	Details          string      `json:"details,omitempty"`
	ProposedSchedule *Schedule   `json:"proposedSchedule,omitempty"`
	Synthetic        bool        `json:"synthetic,omitempty"`
}

// ReconstructTimeline returns the invitation's events earliest first.
//
// Invitations created before the proposal was written to the ledger have no
// leading proposed entry; for those a creation event is derived from the
// original send time.
func ReconstructTimeline(inv *Invitation) []TimelineEvent {
	events := make([]TimelineEvent, 0, len(inv.History)+1)
	if len(inv.History) == 0 || inv.History[0].Action != EventProposed {
		created := inv.SentAt
		if len(inv.History) > 0 && inv.History[0].Timestamp.Before(created) {
			created = inv.History[0].Timestamp
		}
		sched := inv.ProposedSchedule.clone()
		events = append(events, TimelineEvent{
			Seq:              0,
			Timestamp:        created,
			Actor:            RoleInitiator,
			ActorID:          inv.InitiatorID,
			Action:           EventProposed,
			Details:          inv.Message,
			ProposedSchedule: &sched,
			Synthetic:        true,
		})
	}
	for _, e := range inv.History {
		e = e.clone()
		events = append(events, TimelineEvent{
			Seq:              e.Seq,
			Timestamp:        e.Timestamp,
			Actor:            e.Actor,
			ActorID:          e.ActorID,
			Action:           e.Action,
			Details:          e.Details,
			ProposedSchedule: e.ProposedSchedule,
		})
	}
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].Timestamp.Equal(events[j].Timestamp) {
			return events[i].Timestamp.Before(events[j].Timestamp)
		}
		return events[i].Seq < events[j].Seq
	})
	return events
}
