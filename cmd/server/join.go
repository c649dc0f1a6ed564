package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	httpapi "github.com/execution-hub/invitation-hub/internal/api/http"
	"github.com/execution-hub/invitation-hub/internal/config"
)

// joinCluster asks a running member to add this node as a voter. The
// endpoint must reach the current leader; followers answer 503.
func joinCluster(cfg config.Raft, raftAddr string) error {
	endpoint := strings.TrimRight(cfg.JoinEndpoint, "/") + "/v1/cluster/voters"
	body, err := json.Marshal(map[string]string{
		"node_id":   cfg.NodeID,
		"raft_addr": raftAddr,
	})
	if err != nil {
		return err
	}

	retries := cfg.JoinRetries
	if retries <= 0 {
		retries = 1
	}
	client := &http.Client{Timeout: 5 * time.Second}
	var lastErr error
	for i := 0; i < retries; i++ {
		if i > 0 {
			time.Sleep(cfg.JoinRetryDelay)
		}
		req, err := http.NewRequest(http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(httpapi.CallerHeader, "raft:"+cfg.NodeID)
		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		_ = resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("join returned status %d", resp.StatusCode)
	}
	if lastErr == nil {
		lastErr = errors.New("join failed")
	}
	return lastErr
}
