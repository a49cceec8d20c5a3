package approval

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kazz187/accessguard/internal/agent"
	"github.com/kazz187/accessguard/internal/permission"
	"github.com/kazz187/accessguard/pkg/cerr"
	"github.com/kazz187/accessguard/pkg/clog"
)

type Server struct {
	service *Service
}

func NewServer(service *Service) *Server {
	return &Server{service: service}
}

func (s *Server) Routes(r chi.Router) {
	r.Route("/permission-requests", func(r chi.Router) {
		r.Get("/", s.List)
		r.Post("/", s.Create)
		r.Get("/{token}", s.Get)
		r.Post("/{token}/decision", s.Decide)
	})
}

type CreateRequest struct {
	AgentID          string   `json:"agentId"`
	Reason           string   `json:"reason"`
	Permissions      []string `json:"permissions"`
	Message          string   `json:"message,omitempty"`
	ReplyToMessageID string   `json:"replyToMessageId,omitempty"`
}

type CreateResponse struct {
	Granted            bool                           `json:"granted"`
	Reason             string                         `json:"reason,omitempty"`
	Token              string                         `json:"token,omitempty"`
	Scope              agent.Scope                    `json:"scope,omitempty"`
	GrantedPermissions []string                       `json:"grantedPermissions,omitempty"`
	Permissions        *permission.SessionPermissions `json:"permissions,omitempty"`
}

// Create blocks until the request is decided or expires. A request that is
// not granted is a normal response, not an error.
func (s *Server) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var body CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "invalid request body", err)
		return
	}
	clog.AddAgentID(ctx, body.AgentID)

	outcome, err := s.service.Request(ctx, Input(body))
	switch {
	case err == nil:
		granted := make([]string, len(outcome.Granted))
		for i, a := range outcome.Granted {
			granted[i] = a.String()
		}
		cerr.SetJSONResponse(ctx, CreateResponse{
			Granted:            true,
			Token:              outcome.Token,
			Scope:              outcome.Scope,
			GrantedPermissions: granted,
			Permissions:        &outcome.Permissions,
		})
	case errors.Is(err, ErrNotGranted):
		slog.InfoContext(ctx, "permission not granted", "error", err)
		cerr.SetJSONResponse(ctx, CreateResponse{Reason: err.Error()})
	default:
		cerr.SetJSONError(ctx, err)
	}
}

func (s *Server) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	token := chi.URLParam(r, "token")
	clog.AddToken(ctx, token)

	req, err := s.service.Get(ctx, token)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, req)
}

func (s *Server) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := Status(r.URL.Query().Get("status"))
	switch status {
	case "", StatusPending, StatusApproved, StatusDenied, StatusExpired:
	default:
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "unknown status "+string(status), nil)
		return
	}

	reqs, err := s.service.List(ctx, status)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	if reqs == nil {
		reqs = []*Request{}
	}
	cerr.SetJSONResponse(ctx, reqs)
}

func (s *Server) Decide(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var d Decision
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "invalid request body", err)
		return
	}
	d.Token = chi.URLParam(r, "token")

	req, err := s.service.Decide(ctx, d)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, req)
}
