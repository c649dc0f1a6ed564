package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/execution-hub/invitation-hub/internal/application/negotiation"
	appNotification "github.com/execution-hub/invitation-hub/internal/application/notification"
	"github.com/execution-hub/invitation-hub/internal/domain/directory"
	"github.com/execution-hub/invitation-hub/internal/domain/invitation"
	"github.com/execution-hub/invitation-hub/internal/infrastructure/memory"
	"github.com/execution-hub/invitation-hub/internal/infrastructure/raftstore"
	"github.com/execution-hub/invitation-hub/internal/infrastructure/sse"
)

type testEnv struct {
	server *Server
	router http.Handler
	store  *memory.Store
	hub    *sse.Hub
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := memory.NewDirectory()
	dir.AddIdentity(directory.Identity{CallerID: "recruiter-1"})
	dir.AddIdentity(directory.Identity{CallerID: "tpo-1", OrgIDs: []string{"C1"}})
	dir.AddIdentity(directory.Identity{CallerID: "tpo-2", OrgIDs: []string{"C2"}})
	dir.SetRepresentative("C1", "tpo-1")
	dir.SetRepresentative("C2", "tpo-2")
	dir.AddEngagement(directory.Engagement{ID: "J1", OwnerID: "recruiter-1", Open: true})

	store := memory.NewStore()
	hub := sse.NewHub()
	t.Cleanup(hub.Stop)

	logger := zerolog.Nop()
	sink := appNotification.NewFanoutSink(logger).Fallback(sse.NewSink(hub, logger))
	dispatcher := appNotification.NewDispatcher(memory.NewNotificationRepository(), store, sink, nil, logger)
	svc := negotiation.NewService(store, dir, dir, dispatcher, sse.NewPublisher(hub),
		invitation.NewLedger([]byte("http-test")), negotiation.Config{ConflictRetries: 3}, logger)

	srv := NewServer(svc, dispatcher, dir, hub, logger)
	return &testEnv{server: srv, router: srv.Router(), store: store, hub: hub}
}

func (e *testEnv) do(t *testing.T, method, path, caller string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if caller != "" {
		req.Header.Set(CallerHeader, caller)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func schedule() invitation.Schedule {
	start := time.Now().UTC().Add(72 * time.Hour).Truncate(time.Hour)
	return invitation.Schedule{
		Windows: []invitation.TimeWindow{
			{Start: start, End: start.Add(8 * time.Hour)},
			{Start: start.Add(24 * time.Hour), End: start.Add(32 * time.Hour)},
		},
		Mode:     invitation.ModeOnsite,
		Location: "Hall B",
	}
}

type resultBody struct {
	Invitation *invitation.Invitation `json:"invitation"`
	Warnings   []string               `json:"warnings"`
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (e *testEnv) create(t *testing.T, orgID string) *invitation.Invitation {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/v1/invitations", "recruiter-1", createInvitationRequest{
		EngagementID: "J1",
		TargetOrgID:  orgID,
		Message:      "join our drive",
		Schedule:     schedule(),
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[resultBody](t, rec).Invitation
}

func TestServer_Healthz(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_RequiresCaller(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/v1/invitations", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "UNAUTHORIZED", decode[map[string]string](t, rec)["error"])
}

func TestServer_InvitationLifecycle(t *testing.T) {
	env := newTestEnv(t)
	inv := env.create(t, "C1")
	assert.Equal(t, invitation.StatusPending, inv.Status)
	assert.Equal(t, "recruiter-1", inv.InitiatorID)

	base := "/v1/invitations/" + inv.ID.String()

	rec := env.do(t, http.MethodPost, base+"/counter", "tpo-1", counterRequest{
		AlternativeSchedule: schedule().Windows[1:],
		Note:                "second day works better",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, invitation.StatusNegotiating, decode[resultBody](t, rec).Invitation.Status)

	alt := schedule().Windows[1]
	rec = env.do(t, http.MethodPost, base+"/respond", "recruiter-1", respondRequest{
		Accept:        true,
		FinalSchedule: &invitation.ConfirmedSchedule{Start: alt.Start, End: alt.End, Mode: invitation.ModeOnsite},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	accepted := decode[resultBody](t, rec).Invitation
	assert.Equal(t, invitation.StatusAccepted, accepted.Status)
	require.NotNil(t, accepted.ConfirmedSchedule)

	rec = env.do(t, http.MethodGet, base+"/timeline", "recruiter-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	timeline := decode[struct {
		Items []invitation.HistoryEntry `json:"items"`
	}](t, rec)
	require.Len(t, timeline.Items, 3)
	assert.Equal(t, invitation.EventProposed, timeline.Items[0].Action)
	assert.Equal(t, invitation.EventCounterAccepted, timeline.Items[2].Action)

	rec = env.do(t, http.MethodGet, base+"/verify", "recruiter-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode[map[string]interface{}](t, rec)["valid"])

	rec = env.do(t, http.MethodPost, base+"/decline", "tpo-1", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "ILLEGAL_TRANSITION", decode[map[string]string](t, rec)["error"])
}

func TestServer_CreateErrors(t *testing.T) {
	env := newTestEnv(t)
	first := env.create(t, "C1")

	t.Run("duplicate returns the existing invitation", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/v1/invitations", "recruiter-1", createInvitationRequest{
			EngagementID: "J1",
			TargetOrgID:  "C1",
			Schedule:     schedule(),
		})
		require.Equal(t, http.StatusConflict, rec.Code)
		body := decode[struct {
			Error      string                 `json:"error"`
			Invitation *invitation.Invitation `json:"invitation"`
		}](t, rec)
		assert.Equal(t, "ALREADY_EXISTS", body.Error)
		require.NotNil(t, body.Invitation)
		assert.Equal(t, first.ID, body.Invitation.ID)
	})

	t.Run("unknown field", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/v1/invitations", "recruiter-1", map[string]string{"bogus": "x"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("bad validity", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/v1/invitations", "recruiter-1", createInvitationRequest{
			EngagementID: "J1",
			TargetOrgID:  "C2",
			Schedule:     schedule(),
			Validity:     "-1h",
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("non owner is forbidden", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/v1/invitations", "tpo-2", createInvitationRequest{
			EngagementID: "J1",
			TargetOrgID:  "C2",
			Schedule:     schedule(),
		})
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("unknown invitation", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/v1/invitations/8f14e45f-ceea-467a-9af4-3c1b1c7d2f10", "recruiter-1", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("malformed id", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/v1/invitations/not-a-uuid", "recruiter-1", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestServer_BulkCreateAndList(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, "C1")

	rec := env.do(t, http.MethodPost, "/v1/invitations/bulk", "recruiter-1", bulkCreateRequest{
		EngagementID: "J1",
		TargetOrgIDs: []string{"C1", "C2"},
		Schedule:     schedule(),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	bulk := decode[struct {
		Created []*invitation.Invitation `json:"created"`
		Skipped []negotiation.Skipped    `json:"skipped"`
	}](t, rec)
	require.Len(t, bulk.Created, 1)
	assert.Equal(t, "C2", bulk.Created[0].TargetOrgID)
	require.Len(t, bulk.Skipped, 1)
	assert.Equal(t, "C1", bulk.Skipped[0].TargetOrgID)

	rec = env.do(t, http.MethodGet, "/v1/invitations?engagement_id=J1&limit=1", "recruiter-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[struct {
		Items []*invitation.Invitation `json:"items"`
		Limit int                      `json:"limit"`
	}](t, rec)
	assert.Len(t, page.Items, 1)
	assert.Equal(t, 1, page.Limit)
}

func TestServer_Notifications(t *testing.T) {
	env := newTestEnv(t)
	inv := env.create(t, "C1")

	rec := env.do(t, http.MethodGet, "/v1/notifications", "tpo-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		Items []struct {
			NotificationID string `json:"notificationId"`
			InvitationID   string `json:"invitationId"`
			Recipient      string `json:"recipient"`
		} `json:"items"`
	}](t, rec)
	require.Len(t, list.Items, 1)
	assert.Equal(t, inv.ID.String(), list.Items[0].InvitationID)
	assert.Equal(t, "tpo-1", list.Items[0].Recipient)

	rec = env.do(t, http.MethodGet, "/v1/notifications/"+list.Items[0].NotificationID+"/attempts", "tpo-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	attempts := decode[struct {
		Items []map[string]interface{} `json:"items"`
	}](t, rec)
	assert.NotEmpty(t, attempts.Items)

	rec = env.do(t, http.MethodGet, "/v1/notifications?recipient=tpo-1", "recruiter-1", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/notifications?recipient=org:C1", "tpo-2", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/notifications?recipient=org:C1", "tpo-1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_StreamNotifications(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.router)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/v1/notifications/stream", nil)
	require.NoError(t, err)
	req.Header.Set(CallerHeader, "tpo-1")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	scanner := bufio.NewScanner(resp.Body)
	require.True(t, scanner.Scan())
	require.Equal(t, ": connected", scanner.Text())

	inv := env.create(t, "C1")

	var events []string
	for scanner.Scan() {
		line := scanner.Text()
		if ev, ok := strings.CutPrefix(line, "event: "); ok {
			events = append(events, ev)
		}
		if data, ok := strings.CutPrefix(line, "data: "); ok && strings.Contains(data, inv.ID.String()) && len(events) > 0 && events[len(events)-1] == sse.EventNotification {
			break
		}
	}
	assert.Contains(t, events, sse.EventTimeline)
	assert.Contains(t, events, sse.EventNotification)
}

type fakeCluster struct {
	voters  map[string]string
	removed []string
	addErr  error
}

func (c *fakeCluster) AddVoter(_ context.Context, nodeID, raftAddr string) error {
	if c.addErr != nil {
		return c.addErr
	}
	c.voters[nodeID] = raftAddr
	return nil
}

func (c *fakeCluster) RemoveServer(_ context.Context, nodeID string) error {
	c.removed = append(c.removed, nodeID)
	return nil
}

func (c *fakeCluster) State() string            { return "Leader" }
func (c *fakeCluster) LeaderAddr() string       { return "127.0.0.1:7000" }
func (c *fakeCluster) Stats() map[string]string { return map[string]string{"term": "2"} }

func TestServer_Cluster(t *testing.T) {
	t.Run("routes absent without a cluster", func(t *testing.T) {
		env := newTestEnv(t)
		rec := env.do(t, http.MethodGet, "/v1/cluster", "ops", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("membership", func(t *testing.T) {
		env := newTestEnv(t)
		cluster := &fakeCluster{voters: map[string]string{}}
		router := env.server.WithCluster(cluster).Router()

		req := httptest.NewRequest(http.MethodGet, "/v1/cluster", nil)
		req.Header.Set(CallerHeader, "ops")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "Leader", decode[map[string]interface{}](t, rec)["state"])

		body, _ := json.Marshal(addVoterRequest{NodeID: "n2", RaftAddr: "127.0.0.1:7001"})
		req = httptest.NewRequest(http.MethodPost, "/v1/cluster/voters", bytes.NewReader(body))
		req.Header.Set(CallerHeader, "ops")
		rec = httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "127.0.0.1:7001", cluster.voters["n2"])

		req = httptest.NewRequest(http.MethodDelete, "/v1/cluster/voters/n2", nil)
		req.Header.Set(CallerHeader, "ops")
		rec = httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, []string{"n2"}, cluster.removed)

		cluster.addErr = fmt.Errorf("%w (leader %q)", raftstore.ErrNotLeader, "127.0.0.1:7000")
		req = httptest.NewRequest(http.MethodPost, "/v1/cluster/voters", bytes.NewReader(body))
		req.Header.Set(CallerHeader, "ops")
		rec = httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}
