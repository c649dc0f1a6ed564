package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSweeper struct {
	calls atomic.Int32
	limit int
	at    time.Time
	err   error
}

func (f *fakeSweeper) ExpireDue(_ context.Context, now time.Time, limit int) (int, error) {
	f.calls.Add(1)
	f.at, f.limit = now, limit
	return 2, f.err
}

type fakeRelay struct {
	calls atomic.Int32
	limit int
}

func (f *fakeRelay) ProcessOutbox(_ context.Context, limit int) (int, error) {
	f.calls.Add(1)
	f.limit = limit
	return 1, nil
}

type fakeExpirer struct {
	calls atomic.Int32
}

func (f *fakeExpirer) ExpireNotifications(context.Context) (int64, error) {
	f.calls.Add(1)
	return 0, nil
}

func TestNew_SchedulesConfiguredJobs(t *testing.T) {
	s, err := New(Config{
		ExpirySweep:        "@every 1m",
		OutboxRelay:        "@every 10s",
		NotificationExpiry: "",
	}, &fakeSweeper{}, &fakeRelay{}, &fakeExpirer{}, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, 2, s.Jobs())
}

func TestNew_SkipsMissingDependencies(t *testing.T) {
	s, err := New(Config{ExpirySweep: "@every 1m", OutboxRelay: "@every 10s"}, &fakeSweeper{}, nil, nil, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, 1, s.Jobs())
}

func TestNew_InvalidSpec(t *testing.T) {
	_, err := New(Config{ExpirySweep: "every minute"}, &fakeSweeper{}, nil, nil, zerolog.Nop())
	assert.Error(t, err)
}

func TestJobs_PassBatchAndClock(t *testing.T) {
	sweeper := &fakeSweeper{}
	relay := &fakeRelay{}
	expirer := &fakeExpirer{}
	s, err := New(Config{BatchSize: 25}, sweeper, relay, expirer, zerolog.Nop())
	require.NoError(t, err)
	fixed := time.Date(2025, 3, 1, 9, 0, 0, 0, time.FixedZone("IST", 19800))
	s.now = func() time.Time { return fixed }

	s.runJob(s.sweep)
	s.runJob(s.relayOutbox)
	s.runJob(s.expireNotifications)

	assert.Equal(t, int32(1), sweeper.calls.Load())
	assert.Equal(t, 25, sweeper.limit)
	assert.Equal(t, time.UTC, sweeper.at.Location())
	assert.True(t, sweeper.at.Equal(fixed))
	assert.Equal(t, 25, relay.limit)
	assert.Equal(t, int32(1), expirer.calls.Load())
}

func TestJobs_ErrorsAreContained(t *testing.T) {
	sweeper := &fakeSweeper{err: errors.New("store unavailable")}
	s, err := New(Config{}, sweeper, nil, nil, zerolog.Nop())
	require.NoError(t, err)
	assert.NotPanics(t, func() { s.runJob(s.sweep) })
	assert.Equal(t, int32(1), sweeper.calls.Load())
}

func TestStartStop(t *testing.T) {
	relay := &fakeRelay{}
	s, err := New(Config{OutboxRelay: "@every 1s"}, nil, relay, nil, zerolog.Nop())
	require.NoError(t, err)

	s.Start()
	assert.Eventually(t, func() bool { return relay.calls.Load() > 0 }, 3*time.Second, 50*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, s.Stop(ctx))
}
