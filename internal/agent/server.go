package agent

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kazz187/accessguard/internal/enforce"
	"github.com/kazz187/accessguard/internal/pathguard"
	"github.com/kazz187/accessguard/internal/permission"
	"github.com/kazz187/accessguard/pkg/cerr"
	"github.com/kazz187/accessguard/pkg/clog"
)

type Server struct {
	repo   Repository
	engine *enforce.Engine
}

func NewServer(repo Repository, engine *enforce.Engine) *Server {
	return &Server{repo: repo, engine: engine}
}

func (s *Server) Routes(r chi.Router) {
	r.Get("/agents", s.List)
	r.Route("/agents/{id}", func(r chi.Router) {
		r.Get("/", s.Get)
		r.Put("/", s.Register)
		r.Delete("/", s.Delete)
		r.Get("/permissions", s.GetPermissions)
		r.Put("/permissions", s.UpdatePermissions)
		r.Post("/check", s.Check)
	})
}

func (s *Server) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	agents, err := s.repo.List(ctx)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	if agents == nil {
		agents = []*Agent{}
	}
	cerr.SetJSONResponse(ctx, agents)
}

func (s *Server) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	clog.AddAgentID(ctx, id)

	a, err := s.repo.Get(ctx, id)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, a)
}

// Register creates the agent or updates its identity and permissions. The
// grant log and activity time of an existing record are kept.
func (s *Server) Register(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	clog.AddAgentID(ctx, id)

	if err := ValidateID(id); err != nil {
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, err.Error(), err)
		return
	}
	var in Agent
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "invalid request body", err)
		return
	}
	switch in.Kind {
	case "", KindForeground, KindBackground, KindSystem:
	default:
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "unknown agent kind "+string(in.Kind), nil)
		return
	}
	if err := ValidatePermissions(in.Permissions); err != nil {
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, err.Error(), err)
		return
	}

	a, err := s.repo.Mutate(ctx, id, func(a *Agent) error {
		a.UserID = in.UserID
		a.Name = in.Name
		a.Kind = in.Kind
		a.Connector = in.Connector
		a.TargetID = in.TargetID
		a.Permissions = in.Permissions.Clone()
		return nil
	})
	if cerr.IsCode(err, cerr.NotFound) {
		a = &Agent{
			ID:          id,
			UserID:      in.UserID,
			Name:        in.Name,
			Kind:        in.Kind,
			Connector:   in.Connector,
			TargetID:    in.TargetID,
			Permissions: in.Permissions.Clone(),
		}
		err = s.repo.Upsert(ctx, a)
	}
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, a)
}

func (s *Server) Delete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	clog.AddAgentID(ctx, id)

	if err := s.repo.Delete(ctx, id); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponseWithStatus(ctx, http.StatusNoContent, nil)
}

func (s *Server) GetPermissions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	clog.AddAgentID(ctx, id)

	a, err := s.repo.Get(ctx, id)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, a.Permissions)
}

// UpdatePermissions is the explicit admin update: the whole permission set
// is replaced.
func (s *Server) UpdatePermissions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	clog.AddAgentID(ctx, id)

	var next permission.SessionPermissions
	if err := json.NewDecoder(r.Body).Decode(&next); err != nil {
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "invalid request body", err)
		return
	}
	if err := ValidatePermissions(next); err != nil {
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, err.Error(), err)
		return
	}

	var before permission.SessionPermissions
	a, err := s.repo.Mutate(ctx, id, func(a *Agent) error {
		before = a.Permissions
		a.Permissions = next.Clone()
		return nil
	})
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	if diff, err := DiffPermissions(id, before, a.Permissions); err == nil && diff != "" {
		slog.InfoContext(ctx, "agent permissions replaced", "diff", diff)
	}
	cerr.SetJSONResponse(ctx, a.Permissions)
}

type CheckRequest struct {
	Kind string `json:"kind"`
	Path string `json:"path"`
}

type CheckResponse struct {
	Allowed bool   `json:"allowed"`
	Path    string `json:"path,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

func (s *Server) Check(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	clog.AddAgentID(ctx, id)

	var req CheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "invalid request body", err)
		return
	}
	a, err := s.repo.Get(ctx, id)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	if err := s.repo.Touch(ctx, id, time.Now()); err != nil {
		slog.WarnContext(ctx, "failed to record agent activity", "error", err)
	}

	var canonical string
	switch req.Kind {
	case "read":
		canonical, err = s.engine.CanRead(ctx, a.Permissions, req.Path)
	case "write":
		canonical, err = s.engine.CanWrite(ctx, a.Permissions, req.Path)
	default:
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, `kind must be "read" or "write"`, nil)
		return
	}
	switch {
	case err == nil:
		cerr.SetJSONResponse(ctx, CheckResponse{Allowed: true, Path: canonical})
	case errors.Is(err, enforce.ErrPermissionDenied):
		cerr.SetJSONResponse(ctx, CheckResponse{Reason: err.Error()})
	default:
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, err.Error(), err)
	}
}

// ValidatePermissions rejects permission sets holding relative or
// null-byte paths.
func ValidatePermissions(p permission.SessionPermissions) error {
	var errs []error
	if p.WorkingDir != "" {
		errs = append(errs, pathguard.Validate(p.WorkingDir))
	}
	if p.WorkspaceDir != "" {
		errs = append(errs, pathguard.Validate(p.WorkspaceDir))
	}
	for _, d := range p.WriteDirs {
		errs = append(errs, pathguard.Validate(d))
	}
	for _, d := range p.ReadDirs {
		errs = append(errs, pathguard.Validate(d))
	}
	return errors.Join(errs...)
}
