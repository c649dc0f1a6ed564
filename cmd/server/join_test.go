package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httpapi "github.com/execution-hub/invitation-hub/internal/api/http"
	"github.com/execution-hub/invitation-hub/internal/config"
)

func TestJoinCluster_RetriesUntilLeaderAccepts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/cluster/voters", r.URL.Path)
		assert.Equal(t, "raft:n2", r.Header.Get(httpapi.CallerHeader))
		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "n2", body["node_id"])
		assert.Equal(t, "127.0.0.1:7001", body["raft_addr"])
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := joinCluster(config.Raft{
		NodeID:         "n2",
		JoinEndpoint:   srv.URL + "/",
		JoinRetries:    5,
		JoinRetryDelay: time.Millisecond,
	}, "127.0.0.1:7001")
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestJoinCluster_GivesUp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	err := joinCluster(config.Raft{
		NodeID:         "n2",
		JoinEndpoint:   srv.URL,
		JoinRetries:    2,
		JoinRetryDelay: time.Millisecond,
	}, "127.0.0.1:7001")
	assert.EqualError(t, err, "join returned status 503")
}
