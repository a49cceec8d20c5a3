package gate

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kazz187/accessguard/internal/agent"
	"github.com/kazz187/accessguard/pkg/cerr"
	"github.com/kazz187/accessguard/pkg/clog"
)

type Server struct {
	executor *Executor
	agents   agent.Repository
}

func NewServer(executor *Executor, agents agent.Repository) *Server {
	return &Server{executor: executor, agents: agents}
}

func (s *Server) Routes(r chi.Router) {
	r.Post("/gate-checks", s.Check)
}

// CheckRequest is sent by the scheduler once per task tick. WorkingDir
// overrides the agent's own working directory when set.
type CheckRequest struct {
	AgentID    string     `json:"agentId"`
	WorkingDir string     `json:"workingDir,omitempty"`
	Gate       Definition `json:"gate"`
}

// Check answers with a Result even when the gate is declined; only an
// unknown agent or a malformed body is an HTTP error.
func (s *Server) Check(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req CheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "invalid request body", err)
		return
	}
	clog.AddAgentID(ctx, req.AgentID)

	a, err := s.agents.Get(ctx, req.AgentID)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, s.executor.Check(ctx, req.Gate, a.Permissions, req.WorkingDir))
}
