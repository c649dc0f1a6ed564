package httpapi

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/execution-hub/invitation-hub/internal/application/negotiation"
	"github.com/execution-hub/invitation-hub/internal/domain/invitation"
)

type createInvitationRequest struct {
	EngagementID string              `json:"engagement_id"`
	TargetOrgID  string              `json:"target_org_id"`
	InitiatorID  string              `json:"initiator_id,omitempty"`
	Message      string              `json:"message,omitempty"`
	Schedule     invitation.Schedule `json:"schedule"`
	Validity     string              `json:"validity,omitempty"`
}

type bulkCreateRequest struct {
	EngagementID string              `json:"engagement_id"`
	TargetOrgIDs []string            `json:"target_org_ids"`
	InitiatorID  string              `json:"initiator_id,omitempty"`
	Message      string              `json:"message,omitempty"`
	Schedule     invitation.Schedule `json:"schedule"`
	Validity     string              `json:"validity,omitempty"`
}

type acceptRequest struct {
	ConfirmedSchedule *invitation.ConfirmedSchedule `json:"confirmed_schedule,omitempty"`
	Note              string                        `json:"note,omitempty"`
}

type reasonRequest struct {
	Reason string `json:"reason,omitempty"`
}

type counterRequest struct {
	AlternativeSchedule []invitation.TimeWindow `json:"alternative_schedule"`
	Note                string                  `json:"note,omitempty"`
}

type respondRequest struct {
	Accept        bool                          `json:"accept"`
	FinalSchedule *invitation.ConfirmedSchedule `json:"final_schedule,omitempty"`
	Note          string                        `json:"note,omitempty"`
}

type resendRequest struct {
	Message  *string              `json:"message,omitempty"`
	Schedule *invitation.Schedule `json:"schedule,omitempty"`
	Validity string               `json:"validity,omitempty"`
}

func (s *Server) createInvitation(w http.ResponseWriter, r *http.Request) {
	var req createInvitationRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	validity, err := parseValidity(req.Validity)
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "validity: "+err.Error())
		return
	}
	caller := callerFromContext(r.Context())
	initiator := req.InitiatorID
	if initiator == "" {
		initiator = caller
	}
	res, err := s.negotiationSvc.CreateInvitation(r.Context(), negotiation.CreateInput{
		EngagementID: req.EngagementID,
		TargetOrgID:  req.TargetOrgID,
		InitiatorID:  initiator,
		CallerID:     caller,
		Message:      req.Message,
		Validity:     validity,
		Schedule:     req.Schedule,
	})
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, res)
}

func (s *Server) createInvitations(w http.ResponseWriter, r *http.Request) {
	var req bulkCreateRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	validity, err := parseValidity(req.Validity)
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "validity: "+err.Error())
		return
	}
	caller := callerFromContext(r.Context())
	initiator := req.InitiatorID
	if initiator == "" {
		initiator = caller
	}
	res, err := s.negotiationSvc.CreateInvitations(r.Context(), negotiation.BulkCreateInput{
		EngagementID: req.EngagementID,
		TargetOrgIDs: req.TargetOrgIDs,
		InitiatorID:  initiator,
		CallerID:     caller,
		Message:      req.Message,
		Validity:     validity,
		Schedule:     req.Schedule,
	})
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) listInvitations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	in := negotiation.ListInput{
		EngagementID: q.Get("engagement_id"),
		TargetOrgID:  q.Get("target_org_id"),
	}
	if v := q.Get("status"); v != "" {
		st := invitation.Status(v)
		in.Status = &st
	}
	limit, offset := parseLimitOffset(r, 50, 200)
	items, err := s.negotiationSvc.ListActive(r.Context(), in, limit, offset)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	if items == nil {
		items = []*invitation.Invitation{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"items":  items,
		"limit":  limit,
		"offset": offset,
	})
}

func (s *Server) getInvitation(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "invitationId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid invitationId")
		return
	}
	inv, err := s.negotiationSvc.Get(r.Context(), id)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, inv)
}

func (s *Server) getTimeline(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "invitationId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid invitationId")
		return
	}
	events, err := s.negotiationSvc.GetTimeline(r.Context(), id)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"items": events})
}

func (s *Server) verifyHistory(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "invitationId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid invitationId")
		return
	}
	err = s.negotiationSvc.VerifyHistory(r.Context(), id)
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, map[string]interface{}{"valid": true})
	case errors.Is(err, invitation.ErrLedgerMismatch):
		respondJSON(w, http.StatusOK, map[string]interface{}{"valid": false, "reason": err.Error()})
	default:
		s.respondServiceError(w, r, err)
	}
}

// transition decodes req, resolves the invitation id and runs op.
func (s *Server) transition(w http.ResponseWriter, r *http.Request, req interface{}, op func(id uuid.UUID, caller string) (*negotiation.Result, error)) {
	id, err := parseUUIDParam(r, "invitationId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid invitationId")
		return
	}
	if err := decodeOptionalBody(r, req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	res, err := op(id, callerFromContext(r.Context()))
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) acceptInvitation(w http.ResponseWriter, r *http.Request) {
	var req acceptRequest
	s.transition(w, r, &req, func(id uuid.UUID, caller string) (*negotiation.Result, error) {
		return s.negotiationSvc.Accept(r.Context(), id, caller, req.ConfirmedSchedule, req.Note)
	})
}

func (s *Server) declineInvitation(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	s.transition(w, r, &req, func(id uuid.UUID, caller string) (*negotiation.Result, error) {
		return s.negotiationSvc.Decline(r.Context(), id, caller, req.Reason)
	})
}

func (s *Server) counterPropose(w http.ResponseWriter, r *http.Request) {
	var req counterRequest
	s.transition(w, r, &req, func(id uuid.UUID, caller string) (*negotiation.Result, error) {
		return s.negotiationSvc.CounterPropose(r.Context(), id, caller, req.AlternativeSchedule, req.Note)
	})
}

func (s *Server) respondToCounter(w http.ResponseWriter, r *http.Request) {
	var req respondRequest
	s.transition(w, r, &req, func(id uuid.UUID, caller string) (*negotiation.Result, error) {
		return s.negotiationSvc.RespondToCounter(r.Context(), id, caller, req.Accept, req.FinalSchedule, req.Note)
	})
}

func (s *Server) resendInvitation(w http.ResponseWriter, r *http.Request) {
	var req resendRequest
	s.transition(w, r, &req, func(id uuid.UUID, caller string) (*negotiation.Result, error) {
		validity, err := parseValidity(req.Validity)
		if err != nil {
			return nil, fmt.Errorf("%w: validity: %v", invitation.ErrValidation, err)
		}
		return s.negotiationSvc.Resend(r.Context(), negotiation.ResendInput{
			InvitationID: id,
			CallerID:     caller,
			Message:      req.Message,
			Schedule:     req.Schedule,
			Validity:     validity,
		})
	})
}

func (s *Server) withdrawInvitation(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	s.transition(w, r, &req, func(id uuid.UUID, caller string) (*negotiation.Result, error) {
		return s.negotiationSvc.Withdraw(r.Context(), id, caller, req.Reason)
	})
}
