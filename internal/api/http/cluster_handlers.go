package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

type addVoterRequest struct {
	NodeID   string `json:"node_id"`
	RaftAddr string `json:"raft_addr"`
}

func (s *Server) clusterStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"state":  s.cluster.State(),
		"leader": s.cluster.LeaderAddr(),
		"stats":  s.cluster.Stats(),
	})
}

func (s *Server) addVoter(w http.ResponseWriter, r *http.Request) {
	var req addVoterRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	if req.NodeID == "" || req.RaftAddr == "" {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "node_id and raft_addr are required")
		return
	}
	if err := s.cluster.AddVoter(r.Context(), req.NodeID, req.RaftAddr); err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"node_id": req.NodeID, "raft_addr": req.RaftAddr})
}

func (s *Server) removeVoter(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "nodeId")
	if err := s.cluster.RemoveServer(r.Context(), nodeID); err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
