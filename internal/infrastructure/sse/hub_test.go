package sse

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/execution-hub/invitation-hub/internal/domain/notification"
)

func ptr(s string) *string { return &s }

func TestHub_Broadcast(t *testing.T) {
	h := NewHub()
	alice := notification.NewSSEClient("c1", ptr("tpo-1"), []string{OrgGroup("C1")})
	aliceTab := notification.NewSSEClient("c2", ptr("tpo-1"), nil)
	bob := notification.NewSSEClient("c3", ptr("recruiter-1"), nil)
	h.Register(alice)
	h.Register(aliceTab)
	h.Register(bob)
	require.Equal(t, 3, h.GetClientCount())

	msg := notification.NewSSEMessage("notification", json.RawMessage(`{}`))
	assert.Equal(t, 2, h.BroadcastToUser("tpo-1", msg))
	assert.Equal(t, 1, h.BroadcastToGroup(OrgGroup("C1"), msg))
	assert.Equal(t, 0, h.BroadcastToGroup(OrgGroup("C2"), msg))

	assert.Len(t, alice.MessageChan, 2)
	assert.Len(t, aliceTab.MessageChan, 1)
	assert.Empty(t, bob.MessageChan)

	h.Unregister("c1")
	_, open := <-drain(alice.MessageChan)
	assert.False(t, open)
	assert.Equal(t, 2, h.GetClientCount())

	h.Stop()
	assert.Equal(t, 0, h.GetClientCount())
}

func TestHub_FullBufferDropsMessage(t *testing.T) {
	h := NewHub()
	c := notification.NewSSEClient("c1", ptr("tpo-1"), nil)
	h.Register(c)
	msg := notification.NewSSEMessage("notification", json.RawMessage(`{}`))
	for i := 0; i < cap(c.MessageChan); i++ {
		require.Equal(t, 1, h.BroadcastToUser("tpo-1", msg))
	}
	assert.Equal(t, 0, h.BroadcastToUser("tpo-1", msg))
}

func TestHub_ReRegisterClosesPreviousConnection(t *testing.T) {
	h := NewHub()
	first := notification.NewSSEClient("c1", ptr("tpo-1"), nil)
	h.Register(first)
	h.Register(notification.NewSSEClient("c1", ptr("tpo-1"), nil))

	_, open := <-first.MessageChan
	assert.False(t, open)
	assert.Equal(t, 1, h.GetClientCount())
}

// drain empties ch and returns it so the caller can observe closure.
func drain(ch chan *notification.SSEMessage) chan *notification.SSEMessage {
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return ch
			}
		default:
			return ch
		}
	}
}
