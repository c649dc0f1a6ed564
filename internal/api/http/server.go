package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/execution-hub/invitation-hub/internal/application/negotiation"
	appNotification "github.com/execution-hub/invitation-hub/internal/application/notification"
	"github.com/execution-hub/invitation-hub/internal/domain/directory"
	"github.com/execution-hub/invitation-hub/internal/domain/invitation"
	"github.com/execution-hub/invitation-hub/internal/infrastructure/raftstore"
	"github.com/execution-hub/invitation-hub/internal/infrastructure/sse"
)

// CallerHeader carries the caller id. Authentication happens upstream; the
// gateway sets this header after verifying the caller.
const CallerHeader = "X-Caller-ID"

// Cluster is the membership surface of the raft backend.
type Cluster interface {
	AddVoter(ctx context.Context, nodeID, raftAddr string) error
	RemoveServer(ctx context.Context, nodeID string) error
	State() string
	LeaderAddr() string
	Stats() map[string]string
}

// Server holds dependencies for HTTP handlers.
type Server struct {
	negotiationSvc  *negotiation.Service
	notificationSvc *appNotification.Dispatcher
	resolver        directory.IdentityResolver
	sseHub          *sse.Hub
	cluster         Cluster
	logger          zerolog.Logger
}

func NewServer(
	negotiationSvc *negotiation.Service,
	notificationSvc *appNotification.Dispatcher,
	resolver directory.IdentityResolver,
	sseHub *sse.Hub,
	logger zerolog.Logger,
) *Server {
	return &Server{
		negotiationSvc:  negotiationSvc,
		notificationSvc: notificationSvc,
		resolver:        resolver,
		sseHub:          sseHub,
		logger:          logger.With().Str("component", "http").Logger(),
	}
}

// WithCluster mounts the cluster membership routes.
func (s *Server) WithCluster(c Cluster) *Server {
	s.cluster = c
	return s
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.healthz)

	r.Route("/v1", func(r chi.Router) {
		r.Use(requireCaller)

		// Streams stay open, so they sit outside the request timeout.
		r.Get("/notifications/stream", s.streamNotifications)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))

			r.Route("/invitations", func(r chi.Router) {
				r.Post("/", s.createInvitation)
				r.Post("/bulk", s.createInvitations)
				r.Get("/", s.listInvitations)
				r.Get("/{invitationId}", s.getInvitation)
				r.Get("/{invitationId}/timeline", s.getTimeline)
				r.Get("/{invitationId}/verify", s.verifyHistory)
				r.Post("/{invitationId}/accept", s.acceptInvitation)
				r.Post("/{invitationId}/decline", s.declineInvitation)
				r.Post("/{invitationId}/counter", s.counterPropose)
				r.Post("/{invitationId}/respond", s.respondToCounter)
				r.Post("/{invitationId}/resend", s.resendInvitation)
				r.Post("/{invitationId}/withdraw", s.withdrawInvitation)
			})

			r.Route("/notifications", func(r chi.Router) {
				r.Get("/", s.listNotifications)
				r.Get("/{notificationId}/attempts", s.listAttempts)
			})

			if s.cluster != nil {
				r.Route("/cluster", func(r chi.Router) {
					r.Get("/", s.clusterStatus)
					r.Post("/voters", s.addVoter)
					r.Delete("/voters/{nodeId}", s.removeVoter)
				})
			}
		})
	})

	return r
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			s.logger.Debug().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Msg("request")
		}()
		next.ServeHTTP(ww, r)
	})
}

type callerContextKey struct{}

func requireCaller(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller := r.Header.Get(CallerHeader)
		if caller == "" {
			respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", CallerHeader+" header required")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerContextKey{}, caller)))
	})
}

func callerFromContext(ctx context.Context) string {
	caller, _ := ctx.Value(callerContextKey{}).(string)
	return caller
}

// Helpers
func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, map[string]interface{}{
		"error":   code,
		"message": message,
	})
}

// respondServiceError maps engine errors onto HTTP statuses.
func (s *Server) respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var dup *invitation.DuplicateError
	switch {
	case errors.As(err, &dup):
		respondJSON(w, http.StatusConflict, map[string]interface{}{
			"error":      "ALREADY_EXISTS",
			"message":    err.Error(),
			"invitation": dup.Existing,
		})
	case errors.Is(err, invitation.ErrValidation):
		respondError(w, http.StatusBadRequest, "VALIDATION_FAILED", err.Error())
	case errors.Is(err, invitation.ErrNotFound):
		respondError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, invitation.ErrUnauthorized):
		respondError(w, http.StatusForbidden, "FORBIDDEN", err.Error())
	case errors.Is(err, invitation.ErrIllegalTransition):
		respondError(w, http.StatusConflict, "ILLEGAL_TRANSITION", err.Error())
	case errors.Is(err, invitation.ErrAlreadyExists):
		respondError(w, http.StatusConflict, "ALREADY_EXISTS", err.Error())
	case errors.Is(err, invitation.ErrConflict):
		respondError(w, http.StatusConflict, "CONFLICT", err.Error())
	case errors.Is(err, raftstore.ErrNotLeader):
		respondError(w, http.StatusServiceUnavailable, "NOT_LEADER", err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		respondError(w, http.StatusGatewayTimeout, "TIMEOUT", err.Error())
	default:
		s.logger.Error().
			Err(err).
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("path", r.URL.Path).
			Msg("request failed")
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
	}
}

func parseUUIDParam(r *http.Request, key string) (uuid.UUID, error) {
	val := chi.URLParam(r, key)
	return uuid.Parse(val)
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// decodeOptionalBody accepts an empty body for requests whose fields are
// all optional.
func decodeOptionalBody(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return nil
	}
	if err := decodeBody(r, v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func parseLimitOffset(r *http.Request, defaultLimit, maxLimit int) (int, int) {
	limit := defaultLimit
	offset := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if l, err := strconv.Atoi(v); err == nil {
			limit = l
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if o, err := strconv.Atoi(v); err == nil {
			offset = o
		}
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// parseValidity reads an optional Go duration such as "72h".
func parseValidity(raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, errors.New("validity must not be negative")
	}
	return d, nil
}
