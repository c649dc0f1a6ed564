package invitation

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedger_AppendClampsTimestamps(t *testing.T) {
	inv, ledger := newTestInvitation(t)

	entry := ledger.Append(inv, HistoryEntry{
		Timestamp: testNow.Add(-time.Hour),
		Actor:     RoleCounterparty,
		Action:    EventDeclined,
	})

	assert.Equal(t, testNow, entry.Timestamp)
	assert.Equal(t, 2, entry.Seq)
	require.Len(t, inv.History, 2)
	assert.False(t, inv.History[1].Timestamp.Before(inv.History[0].Timestamp))
}

func TestLedger_MonotonicAcrossTransitions(t *testing.T) {
	inv, ledger := newTestInvitation(t)
	steps := []struct {
		change Change
		at     time.Time
	}{
		{Change{Action: ActionCounterPropose, Role: RoleCounterparty, ActorID: "tpo-1", Alternative: testSchedule().Windows}, testNow.Add(time.Hour)},
		{Change{Action: ActionRespondDecline, Role: RoleInitiator, ActorID: "recruiter-1"}, testNow.Add(30 * time.Minute)},
		{Change{Action: ActionResend, Role: RoleInitiator, ActorID: "recruiter-1"}, testNow.Add(2 * time.Hour)},
		{Change{Action: ActionAccept, Role: RoleCounterparty, ActorID: "tpo-1"}, testNow.Add(3 * time.Hour)},
	}
	for _, s := range steps {
		_, err := inv.Apply(s.change, s.at, ledger)
		require.NoError(t, err)
	}

	require.Len(t, inv.History, 5)
	for i := 1; i < len(inv.History); i++ {
		assert.False(t, inv.History[i].Timestamp.Before(inv.History[i-1].Timestamp), "entry %d", i)
		assert.Equal(t, inv.History[i-1].Seq+1, inv.History[i].Seq)
	}
	require.NoError(t, inv.CheckInvariants())
	require.NoError(t, ledger.Verify(inv))
}

func TestLedger_VerifyDetectsTampering(t *testing.T) {
	inv, ledger := newTestInvitation(t)
	_, err := inv.Apply(Change{Action: ActionDecline, Role: RoleCounterparty, ActorID: "tpo-1", Note: "no"}, testNow.Add(time.Hour), ledger)
	require.NoError(t, err)
	require.NoError(t, ledger.Verify(inv))

	t.Run("edited details", func(t *testing.T) {
		cp := inv.Clone()
		cp.History[1].Details = "yes"
		err := ledger.Verify(cp)
		require.ErrorIs(t, err, ErrLedgerMismatch)
		assert.True(t, strings.Contains(err.Error(), "seq 2"))
	})

	t.Run("edited proposal", func(t *testing.T) {
		cp := inv.Clone()
		cp.History[0].ProposedSchedule.Capacity = 400
		assert.Error(t, ledger.Verify(cp))
	})

	t.Run("removed entry", func(t *testing.T) {
		cp := inv.Clone()
		cp.History = cp.History[1:]
		assert.Error(t, ledger.Verify(cp))
	})

	t.Run("different key", func(t *testing.T) {
		assert.Error(t, NewLedger([]byte("other-key")).Verify(inv))
	})
}

func TestLedger_KeyHandling(t *testing.T) {
	long := []byte(strings.Repeat("k", 100))
	ledger := NewLedger(long)
	inv, err := New("J1", "C1", "recruiter-1", "", testSchedule(), 0, testNow, ledger)
	require.NoError(t, err)
	require.NoError(t, ledger.Verify(inv))

	var unkeyed *Ledger
	inv, err = New("J1", "C1", "recruiter-1", "", testSchedule(), 0, testNow, unkeyed)
	require.NoError(t, err)
	require.NotEmpty(t, inv.History[0].Digest)
	assert.NoError(t, NewLedger(nil).Verify(inv))
}
