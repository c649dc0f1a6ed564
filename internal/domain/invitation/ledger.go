package invitation

import (
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/crypto/blake2b"
)

// EventAction names an entry in the negotiation history.
type EventAction string

const (
	EventProposed        EventAction = "proposed"
	EventAccepted        EventAction = "accepted"
	EventDeclined        EventAction = "declined"
	EventCounterProposed EventAction = "counter_proposed"
	EventCounterAccepted EventAction = "counter_accepted"
	EventCounterDeclined EventAction = "counter_declined"
	EventResend          EventAction = "resend"
	EventExpired         EventAction = "expired"
	EventWithdrawn       EventAction = "withdrawn"
)

// HistoryEntry is one immutable ledger record.
type HistoryEntry struct {
	Seq              int         `json:"seq"`
	Timestamp        time.Time   `json:"timestamp"`
	Actor            Role        `json:"actor"`
	ActorID          string      `json:"actorId,omitempty"`
	Action           EventAction `json:"action"`
	Details          string      `json:"details,omitempty"`
	ProposedSchedule *Schedule   `json:"proposedSchedule,omitempty"`
	Digest           string      `json:"digest,omitempty"`
}

func (e HistoryEntry) clone() HistoryEntry {
	if e.ProposedSchedule != nil {
		s := e.ProposedSchedule.clone()
		e.ProposedSchedule = &s
	}
	return e
}

// Ledger appends history entries and chains each one to its predecessor with
// a keyed BLAKE2b digest.
type Ledger struct {
	key []byte
}

// NewLedger returns a ledger using key for the digest chain. Keys longer
// than 64 bytes are compressed first; an empty key yields an unkeyed chain.
func NewLedger(key []byte) *Ledger {
	if len(key) > blake2b.Size {
		sum := blake2b.Sum512(key)
		key = sum[:]
	}
	return &Ledger{key: append([]byte(nil), key...)}
}

// Append adds entry to inv's history. The timestamp is clamped so the
// history never goes backwards, and Seq and Digest are assigned here.
// A nil Ledger appends with an unkeyed chain.
func (l *Ledger) Append(inv *Invitation, entry HistoryEntry) HistoryEntry {
	entry.Timestamp = entry.Timestamp.UTC().Truncate(time.Microsecond)
	prevDigest := ""
	entry.Seq = 1
	if last, ok := inv.LastEntry(); ok {
		if entry.Timestamp.Before(last.Timestamp) {
			entry.Timestamp = last.Timestamp
		}
		entry.Seq = last.Seq + 1
		prevDigest = last.Digest
	}
	entry.Digest = l.digest(inv.ID.String(), prevDigest, entry)
	inv.History = append(inv.History, entry)
	return entry.clone()
}

// Verify recomputes the digest chain and reports the first entry that does
// not match.
func (l *Ledger) Verify(inv *Invitation) error {
	prev := ""
	for i, e := range inv.History {
		want := l.digest(inv.ID.String(), prev, e)
		if subtle.ConstantTimeCompare([]byte(want), []byte(e.Digest)) != 1 {
			return fmt.Errorf("%w: history entry %d (seq %d)", ErrLedgerMismatch, i, e.Seq)
		}
		prev = e.Digest
	}
	return nil
}

type digestPayload struct {
	InvitationID string      `json:"invitationId"`
	Prev         string      `json:"prev"`
	Seq          int         `json:"seq"`
	Timestamp    string      `json:"timestamp"`
	Actor        Role        `json:"actor"`
	ActorID      string      `json:"actorId"`
	Action       EventAction `json:"action"`
	Details      string      `json:"details"`
	Windows      [][2]string `json:"windows,omitempty"`
	Mode         Mode        `json:"mode,omitempty"`
	Location     string      `json:"location,omitempty"`
	Capacity     int         `json:"capacity,omitempty"`
}

func (l *Ledger) digest(invitationID, prev string, e HistoryEntry) string {
	payload := digestPayload{
		InvitationID: invitationID,
		Prev:         prev,
		Seq:          e.Seq,
		Timestamp:    e.Timestamp.UTC().Format(time.RFC3339Nano),
		Actor:        e.Actor,
		ActorID:      e.ActorID,
		Action:       e.Action,
		Details:      e.Details,
	}
	if s := e.ProposedSchedule; s != nil {
		for _, w := range s.Windows {
			payload.Windows = append(payload.Windows, [2]string{
				w.Start.UTC().Format(time.RFC3339Nano),
				w.End.UTC().Format(time.RFC3339Nano),
			})
		}
		payload.Mode = s.Mode
		payload.Location = s.Location
		payload.Capacity = s.Capacity
	}
	data, _ := json.Marshal(payload)

	var key []byte
	if l != nil {
		key = l.key
	}
	h, err := blake2b.New256(key)
	if err != nil {
		sum := blake2b.Sum256(data)
		return hex.EncodeToString(sum[:])
	}
	_, _ = h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}
