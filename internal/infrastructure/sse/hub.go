// Package sse keeps the server-sent-event connections of signed-in callers
// and pushes notifications and timeline entries to them.
package sse

import (
	"slices"
	"sync"

	"github.com/execution-hub/invitation-hub/internal/domain/notification"
)

// OrgGroup is the group every member of orgID joins when streaming.
func OrgGroup(orgID string) string {
	return "org:" + orgID
}

// Hub manages SSE clients. It implements notification.SSEHub.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*notification.SSEClient
}

var _ notification.SSEHub = (*Hub)(nil)

func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]*notification.SSEClient),
	}
}

// Register adds client, replacing and closing any connection that used the
// same id.
func (h *Hub) Register(client *notification.SSEClient) {
	h.mu.Lock()
	old := h.clients[client.ClientID]
	h.clients[client.ClientID] = client
	h.mu.Unlock()
	if old != nil {
		old.Close()
	}
}

func (h *Hub) Unregister(clientID string) {
	h.mu.Lock()
	c, ok := h.clients[clientID]
	delete(h.clients, clientID)
	h.mu.Unlock()
	if ok {
		c.Close()
	}
}

func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// BroadcastToUser sends message to every connection of userID. Clients
// whose buffer is full miss the message.
func (h *Hub) BroadcastToUser(userID string, message *notification.SSEMessage) int {
	return h.fanOut(message, func(c *notification.SSEClient) bool {
		return c.UserID != nil && *c.UserID == userID
	})
}

func (h *Hub) BroadcastToGroup(group string, message *notification.SSEMessage) int {
	return h.fanOut(message, func(c *notification.SSEClient) bool {
		return slices.Contains(c.Groups, group)
	})
}

// fanOut offers msg to each matching client without blocking and returns
// how many accepted it.
func (h *Hub) fanOut(msg *notification.SSEMessage, match func(*notification.SSEClient) bool) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	accepted := 0
	for _, c := range h.clients {
		if !match(c) {
			continue
		}
		select {
		case c.MessageChan <- msg:
			accepted++
		default:
		}
	}
	return accepted
}

// Stop disconnects every client.
func (h *Hub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.clients {
		c.Close()
	}
	clear(h.clients)
}
