package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/execution-hub/invitation-hub/internal/domain/directory"
	"github.com/execution-hub/invitation-hub/internal/domain/notification"
	"github.com/execution-hub/invitation-hub/internal/infrastructure/sse"
)

// listNotifications returns notification records addressed to the caller,
// or to one of the caller's organizations when recipient=org:<id>.
func (s *Server) listNotifications(w http.ResponseWriter, r *http.Request) {
	caller := callerFromContext(r.Context())
	q := r.URL.Query()
	recipient := q.Get("recipient")
	if recipient == "" {
		recipient = caller
	}
	if recipient != caller {
		orgID, ok := strings.CutPrefix(recipient, "org:")
		if !ok {
			respondError(w, http.StatusForbidden, "FORBIDDEN", "recipient must be the caller or one of its organizations")
			return
		}
		id, err := s.resolver.Resolve(r.Context(), caller)
		if err != nil && !errors.Is(err, directory.ErrNotFound) {
			s.respondServiceError(w, r, err)
			return
		}
		if id == nil || !id.MemberOf(orgID) {
			respondError(w, http.StatusForbidden, "FORBIDDEN", "caller is not a member of "+orgID)
			return
		}
	}

	filter := notification.Filter{Recipient: &recipient}
	if v := q.Get("status"); v != "" {
		st := notification.Status(strings.ToUpper(v))
		filter.Status = &st
	}
	if v := q.Get("invitation_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid invitation_id")
			return
		}
		filter.InvitationID = &id
	}
	limit, offset := parseLimitOffset(r, 50, 200)
	items, err := s.notificationSvc.List(r.Context(), filter, limit, offset)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	if items == nil {
		items = []*notification.Notification{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"items":  items,
		"limit":  limit,
		"offset": offset,
	})
}

func (s *Server) listAttempts(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "notificationId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid notificationId")
		return
	}
	attempts, err := s.notificationSvc.Attempts(r.Context(), id)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	if attempts == nil {
		attempts = []*notification.DeliveryAttempt{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"items": attempts})
}

// streamNotifications keeps an event stream open for the caller. The
// connection joins the group of every organization the caller belongs to.
func (s *Server) streamNotifications(w http.ResponseWriter, r *http.Request) {
	caller := callerFromContext(r.Context())
	var groups []string
	id, err := s.resolver.Resolve(r.Context(), caller)
	switch {
	case err == nil:
		for _, org := range id.OrgIDs {
			groups = append(groups, sse.OrgGroup(org))
		}
	case !errors.Is(err, directory.ErrNotFound):
		s.respondServiceError(w, r, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "streaming not supported")
		return
	}

	clientID := caller + ":" + uuid.NewString()
	client := notification.NewSSEClient(clientID, &caller, groups)
	s.sseHub.Register(client)
	defer s.sseHub.Unregister(clientID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case msg, open := <-client.MessageChan:
			if !open || msg == nil {
				return
			}
			if err := writeEvent(w, msg); err != nil {
				s.logger.Debug().Err(err).Str("client_id", clientID).Msg("sse write failed")
				return
			}
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}

func writeEvent(w http.ResponseWriter, msg *notification.SSEMessage) error {
	data := msg.Data
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	_, err := fmt.Fprintf(w, "event: %s\nid: %s\ndata: %s\n\n", msg.Event, msg.ID, data)
	return err
}
