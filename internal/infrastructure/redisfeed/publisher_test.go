package redisfeed

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/execution-hub/invitation-hub/internal/domain/invitation"
)

type published struct {
	channel string
	data    []byte
}

type fakeClient struct {
	sent []published
	err  error
}

func (f *fakeClient) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx)
	if f.err != nil {
		cmd.SetErr(f.err)
		return cmd
	}
	f.sent = append(f.sent, published{channel: channel, data: message.([]byte)})
	cmd.SetVal(1)
	return cmd
}

func newInvitation(t *testing.T) *invitation.Invitation {
	t.Helper()
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	sched := invitation.Schedule{Windows: []invitation.TimeWindow{{Start: now.Add(time.Hour), End: now.Add(2 * time.Hour)}}}
	inv, err := invitation.New("J1", "C1", "recruiter-1", "hi", sched, 0, now, nil)
	require.NoError(t, err)
	return inv
}

func TestPublisher_Publish(t *testing.T) {
	fake := &fakeClient{}
	p := &Publisher{client: fake}
	inv := newInvitation(t)

	require.NoError(t, p.Publish(context.Background(), inv, inv.History[0]))
	require.Len(t, fake.sent, 2)
	assert.Equal(t, ChannelAll, fake.sent[0].channel)
	assert.Equal(t, "invitations.timeline."+inv.ID.String(), fake.sent[1].channel)

	var ev Event
	require.NoError(t, json.Unmarshal(fake.sent[0].data, &ev))
	assert.Equal(t, inv.ID.String(), ev.InvitationID)
	assert.Equal(t, invitation.EventProposed, ev.Entry.Action)
	assert.Equal(t, int64(1), ev.Version)
}

func TestPublisher_PublishError(t *testing.T) {
	p := &Publisher{client: &fakeClient{err: errors.New("connection refused")}}
	inv := newInvitation(t)
	assert.Error(t, p.Publish(context.Background(), inv, inv.History[0]))
}

func TestNewClient_PingError(t *testing.T) {
	orig := newRedisClient
	t.Cleanup(func() { newRedisClient = orig })

	var got redis.Options
	newRedisClient = func(opts *redis.Options) *redis.Client {
		got = *opts
		opts.Addr = "127.0.0.1:1"
		opts.DialTimeout = 50 * time.Millisecond
		return redis.NewClient(opts)
	}

	_, err := NewClient("cache:6379", "pass", 2)
	assert.Error(t, err)
	assert.Equal(t, "cache:6379", got.Addr)
	assert.Equal(t, 2, got.DB)
	assert.Equal(t, 10, got.PoolSize)
}
