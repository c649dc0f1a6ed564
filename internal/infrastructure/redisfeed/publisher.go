// Package redisfeed publishes ledger appends on Redis pub/sub so other
// services can follow invitation timelines.
package redisfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/execution-hub/invitation-hub/internal/domain/invitation"
)

// ChannelAll carries every ledger append; ChannelFor(id) only one invitation.
const ChannelAll = "invitations.timeline"

func ChannelFor(id fmt.Stringer) string {
	return ChannelAll + "." + id.String()
}

var newRedisClient = redis.NewClient

// NewClient connects to Redis and checks that it answers.
func NewClient(addr, password string, db int) (*redis.Client, error) {
	client := newRedisClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 3,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return client, nil
}

type publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// Publisher implements invitation.EventPublisher.
type Publisher struct {
	client publisher
}

func NewPublisher(client redis.Cmdable) *Publisher {
	return &Publisher{client: client}
}

// Event is the message body on both channels.
type Event struct {
	InvitationID string                  `json:"invitationId"`
	EngagementID string                  `json:"engagementId"`
	TargetOrgID  string                  `json:"targetOrgId"`
	Status       invitation.Status       `json:"status"`
	Version      int64                   `json:"version"`
	Entry        invitation.HistoryEntry `json:"entry"`
}

func (p *Publisher) Publish(ctx context.Context, inv *invitation.Invitation, entry invitation.HistoryEntry) error {
	data, err := json.Marshal(Event{
		InvitationID: inv.ID.String(),
		EngagementID: inv.EngagementID,
		TargetOrgID:  inv.TargetOrgID,
		Status:       inv.Status,
		Version:      inv.Version,
		Entry:        entry,
	})
	if err != nil {
		return err
	}
	if err := p.client.Publish(ctx, ChannelAll, data).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", ChannelAll, err)
	}
	if err := p.client.Publish(ctx, ChannelFor(inv.ID), data).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", ChannelFor(inv.ID), err)
	}
	return nil
}
