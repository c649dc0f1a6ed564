package sse

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rs/zerolog"

	"github.com/execution-hub/invitation-hub/internal/domain/invitation"
	"github.com/execution-hub/invitation-hub/internal/domain/notification"
)

const (
	EventNotification = "notification"
	EventTimeline     = "timeline"
)

// Sink pushes notifications to connected recipients. A recipient that is
// not connected still counts as accepted: the record stays listable and the
// client catches up on its next connect.
type Sink struct {
	hub    notification.SSEHub
	logger zerolog.Logger
}

func NewSink(hub notification.SSEHub, logger zerolog.Logger) *Sink {
	return &Sink{hub: hub, logger: logger.With().Str("component", "sse_sink").Logger()}
}

func (s *Sink) Submit(ctx context.Context, n *notification.Notification, channels []notification.Channel) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	sent := deliver(s.hub, n.Recipient, notification.NewSSEMessage(EventNotification, data))
	s.logger.Debug().
		Str("notification_id", n.NotificationID.String()).
		Str("recipient", n.Recipient).
		Int("clients", sent).
		Msg("notification pushed")
	return nil
}

// Publisher streams ledger appends to both parties. It implements
// invitation.EventPublisher.
type Publisher struct {
	hub notification.SSEHub
}

func NewPublisher(hub notification.SSEHub) *Publisher {
	return &Publisher{hub: hub}
}

type timelineMessage struct {
	InvitationID string                  `json:"invitationId"`
	EngagementID string                  `json:"engagementId"`
	Status       invitation.Status       `json:"status"`
	Entry        invitation.HistoryEntry `json:"entry"`
}

func (p *Publisher) Publish(ctx context.Context, inv *invitation.Invitation, entry invitation.HistoryEntry) error {
	data, err := json.Marshal(timelineMessage{
		InvitationID: inv.ID.String(),
		EngagementID: inv.EngagementID,
		Status:       inv.Status,
		Entry:        entry,
	})
	if err != nil {
		return err
	}
	msg := notification.NewSSEMessage(EventTimeline, data)
	p.hub.BroadcastToUser(inv.InitiatorID, msg)
	p.hub.BroadcastToGroup(OrgGroup(inv.TargetOrgID), msg)
	return nil
}

// deliver routes to an org group for "org:" recipients and to a user
// otherwise.
func deliver(hub notification.SSEHub, recipient string, msg *notification.SSEMessage) int {
	if strings.HasPrefix(recipient, "org:") {
		return hub.BroadcastToGroup(recipient, msg)
	}
	return hub.BroadcastToUser(recipient, msg)
}
