// Package approval runs the human-in-the-loop permission request protocol:
// a request is persisted, delivered through the responsible agent's
// connector, and resolved exactly once by a decision or by expiry.
package approval

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/kazz187/accessguard/internal/agent"
	"github.com/kazz187/accessguard/internal/connector"
	"github.com/kazz187/accessguard/internal/permission"
	"github.com/kazz187/accessguard/pkg/cerr"
	"github.com/kazz187/accessguard/pkg/clog"
	"github.com/kazz187/accessguard/pkg/panicerr"
)

const (
	DefaultTimeout       = 5 * time.Minute
	DefaultSweepInterval = 30 * time.Second

	tokenBytes = 32
)

var ErrNotGranted = errors.New("permission not granted")

func notGranted(reason string, err error) error {
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrNotGranted, reason, err)
	}
	return fmt.Errorf("%w: %s", ErrNotGranted, reason)
}

type Config struct {
	Timeout       time.Duration
	SweepInterval time.Duration
}

type Service struct {
	repo          Repository
	agents        agent.Repository
	connectors    *connector.Registry
	registry      *Registry
	timeout       time.Duration
	sweepInterval time.Duration
	now           func() time.Time

	// mu serializes state transitions so a decision and an expiry never
	// both win.
	mu sync.Mutex
}

func NewService(repo Repository, agents agent.Repository, connectors *connector.Registry, registry *Registry, cfg Config) *Service {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	return &Service{
		repo:          repo,
		agents:        agents,
		connectors:    connectors,
		registry:      registry,
		timeout:       cfg.Timeout,
		sweepInterval: cfg.SweepInterval,
		now:           time.Now,
	}
}

type Input struct {
	AgentID          string
	Reason           string
	Permissions      []string
	Message          string
	ReplyToMessageID string
}

// Outcome describes an approved request. Permissions is the set the caller
// must retry the original operation with.
type Outcome struct {
	Token       string
	Scope       agent.Scope
	Granted     []permission.Access
	Permissions permission.SessionPermissions
}

// Request asks a human for in.Permissions and blocks until a decision
// arrives, the request expires, or ctx is done. Malformed input fails with
// an InvalidArgument error; every other failure wraps ErrNotGranted.
func (s *Service) Request(ctx context.Context, in Input) (*Outcome, error) {
	accesses, err := permission.ParseAll(in.Permissions)
	if err != nil {
		return nil, cerr.NewError(cerr.InvalidArgument, err.Error(), err)
	}
	if len(accesses) == 0 {
		return nil, cerr.NewError(cerr.InvalidArgument, "at least one permission is required", nil)
	}
	if err := agent.ValidateID(in.AgentID); err != nil {
		return nil, cerr.NewError(cerr.InvalidArgument, err.Error(), err)
	}

	requester, err := s.agents.Get(ctx, in.AgentID)
	if err != nil {
		return nil, notGranted("unknown agent", err)
	}
	responsible := requester
	if requester.IsForeground() {
		if err := s.agents.Touch(ctx, requester.ID, s.now()); err != nil {
			slog.WarnContext(ctx, "failed to record agent activity", "agent_id", requester.ID, "error", err)
		}
	} else {
		responsible, err = s.agents.MostRecentForeground(ctx, requester.UserID)
		if err != nil {
			slog.WarnContext(ctx, "no foreground agent to route permission request", "agent_id", requester.ID, "user_id", requester.UserID)
			return nil, notGranted("no foreground agent to ask", err)
		}
	}

	token, err := newToken()
	if err != nil {
		return nil, notGranted("token generation failed", err)
	}
	now := s.now()
	req := &Request{
		ID:          ulid.Make().String(),
		Token:       token,
		AgentID:     requester.ID,
		UserID:      requester.UserID,
		Status:      StatusPending,
		Permissions: accesses,
		Reason:      in.Reason,
		Message:     in.Message,
		Requester: Requester{
			ID:         requester.ID,
			Kind:       requester.Kind,
			Label:      requester.Label(),
			Foreground: requester.IsForeground(),
		},
		ResponsibleAgentID: responsible.ID,
		Connector:          responsible.Connector,
		TimeoutAt:          now.Add(s.timeout),
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	ch, err := s.registry.Register(token)
	if err != nil {
		return nil, notGranted("registry", err)
	}
	defer s.registry.Cancel(token)

	if err := s.repo.Create(ctx, req); err != nil {
		return nil, notGranted("failed to persist request", err)
	}
	slog.InfoContext(ctx, "permission requested",
		"agent_id", req.AgentID, "request_token", token,
		"permissions", req.PermissionStrings(), "connector", req.Connector)

	if err := s.deliver(ctx, req, responsible, in.ReplyToMessageID); err != nil {
		slog.WarnContext(ctx, "failed to deliver permission request", "request_token", token, "connector", req.Connector, "error", err)
		s.expire(ctx, token, "delivery failed: "+err.Error())
		return nil, notGranted("connector unavailable", err)
	}
	return s.wait(ctx, req, ch)
}

func (s *Service) deliver(ctx context.Context, req *Request, responsible *agent.Agent, replyTo string) error {
	conn, ok := s.connectors.Get(req.Connector)
	if !ok {
		return fmt.Errorf("connector %q is not registered", req.Connector)
	}
	descriptions := make([]string, len(req.Permissions))
	for i, a := range req.Permissions {
		descriptions[i] = a.Describe()
	}
	prompt := connector.PermissionPrompt{
		Token:            req.Token,
		AgentID:          req.AgentID,
		RequesterLabel:   req.Requester.Label,
		Reason:           req.Reason,
		Permissions:      req.PermissionStrings(),
		Descriptions:     descriptions,
		Text:             RenderPrompt(req),
		ReplyToMessageID: replyTo,
		TimeoutAt:        req.TimeoutAt,
	}
	return panicerr.CallContext(ctx, func(ctx context.Context) error {
		return connector.Deliver(ctx, conn, responsible.TargetID, prompt)
	})
}

func (s *Service) wait(ctx context.Context, req *Request, ch <-chan Decision) (*Outcome, error) {
	// Delivery time counts against the deadline recorded on the request.
	timer := time.NewTimer(max(req.TimeoutAt.Sub(s.now()), 0))
	defer timer.Stop()

	select {
	case d := <-ch:
		return s.outcome(ctx, req, d)
	case <-timer.C:
		if d, decided := s.expire(ctx, req.Token, "timed out"); decided {
			return s.outcome(ctx, req, d)
		}
		slog.InfoContext(ctx, "permission request timed out", "request_token", req.Token)
		return nil, notGranted("timed out", nil)
	case <-ctx.Done():
		return nil, notGranted("request abandoned", ctx.Err())
	}
}

func (s *Service) outcome(ctx context.Context, req *Request, d Decision) (*Outcome, error) {
	if !d.Approved {
		return nil, notGranted("denied", nil)
	}
	granted, err := permission.ParseAll(d.Permissions)
	if err != nil {
		return nil, notGranted("invalid decision", err)
	}
	a, err := s.agents.Get(ctx, req.AgentID)
	if err != nil {
		return nil, notGranted("agent disappeared", err)
	}
	perms := a.Permissions
	if d.Scope != agent.ScopeAlways {
		perms, _ = permission.ApplyAll(perms.Clone(), granted)
	}
	return &Outcome{
		Token:       req.Token,
		Scope:       d.Scope,
		Granted:     granted,
		Permissions: perms,
	}, nil
}

// Decide records the decision for d.Token. A token that is already
// resolved or past its deadline is left untouched and returned as is.
func (s *Service) Decide(ctx context.Context, d Decision) (*Request, error) {
	if !validToken(d.Token) {
		return nil, cerr.NewError(cerr.NotFound, "permission request not found", nil)
	}
	clog.AddToken(ctx, d.Token)

	s.mu.Lock()
	defer s.mu.Unlock()

	req, err := s.repo.Get(ctx, d.Token)
	if err != nil {
		return nil, err
	}
	if req.Status.IsTerminal() {
		slog.DebugContext(ctx, "decision for resolved request ignored", "request_token", d.Token, "status", req.Status)
		return req, nil
	}
	if d.AgentID != "" && d.AgentID != req.AgentID {
		return nil, cerr.NewError(cerr.InvalidArgument, "decision agent does not match request", nil)
	}
	now := s.now()
	if now.After(req.TimeoutAt) {
		s.markExpiredLocked(ctx, req, "decision arrived after deadline")
		return req, nil
	}

	normalized := Decision{Token: req.Token, AgentID: req.AgentID, Approved: d.Approved}
	if d.Approved {
		granted, err := grantedSubset(req, d.Permissions)
		if err != nil {
			return nil, err
		}
		scope := d.Scope
		if scope == "" {
			scope = agent.ScopeNow
		}
		if scope != agent.ScopeNow && scope != agent.ScopeAlways {
			return nil, cerr.NewError(cerr.InvalidArgument, fmt.Sprintf("unknown scope %q", scope), nil)
		}
		if scope == agent.ScopeAlways {
			_, err := s.agents.Mutate(ctx, req.AgentID, func(a *agent.Agent) error {
				agent.ApplyGrants(a, granted, req.Connector, agent.ScopeAlways, req.Token, now)
				return nil
			})
			if err != nil {
				return nil, err
			}
		}
		normalized.Scope = scope
		for _, a := range granted {
			normalized.Permissions = append(normalized.Permissions, a.String())
		}
		req.Status = StatusApproved
		req.Scope = scope
	} else {
		req.Status = StatusDenied
	}
	req.Decision = &normalized
	req.UpdatedAt = now
	if err := s.repo.Update(ctx, req); err != nil {
		return nil, err
	}

	waiting := s.registry.Resolve(normalized)
	slog.InfoContext(ctx, "permission request decided",
		"request_token", req.Token, "agent_id", req.AgentID,
		"status", req.Status, "scope", req.Scope, "waiting", waiting)
	if !waiting && req.Scope == agent.ScopeNow {
		slog.WarnContext(ctx, "no caller waiting; now-scoped approval has no effect", "request_token", req.Token)
	}
	return req, nil
}

// grantedSubset checks that every approved permission was requested. No
// permissions means all requested ones.
func grantedSubset(req *Request, approved []string) ([]permission.Access, error) {
	if len(approved) == 0 {
		return slices.Clone(req.Permissions), nil
	}
	granted, err := permission.ParseAll(approved)
	if err != nil {
		return nil, cerr.NewError(cerr.InvalidArgument, err.Error(), err)
	}
	for _, a := range granted {
		if !slices.Contains(req.Permissions, a) {
			return nil, cerr.NewError(cerr.InvalidArgument, fmt.Sprintf("%s was not requested", a), nil)
		}
	}
	return granted, nil
}

// expire marks token expired if it is still pending. When a decision won the
// race it returns that decision instead.
func (s *Service) expire(ctx context.Context, token, reason string) (Decision, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, err := s.repo.Get(ctx, token)
	if err != nil {
		slog.ErrorContext(ctx, "failed to load permission request", "request_token", token, "error", err)
		return Decision{}, false
	}
	if req.Decision != nil {
		return *req.Decision, true
	}
	if req.Status != StatusPending {
		return Decision{}, false
	}
	s.markExpiredLocked(ctx, req, reason)
	return Decision{}, false
}

func (s *Service) markExpiredLocked(ctx context.Context, req *Request, reason string) {
	req.Status = StatusExpired
	req.FailureReason = reason
	req.UpdatedAt = s.now()
	if err := s.repo.Update(ctx, req); err != nil {
		slog.ErrorContext(ctx, "failed to expire permission request", "request_token", req.Token, "error", err)
	}
	s.registry.Resolve(Decision{Token: req.Token, AgentID: req.AgentID})
}

// SweepExpired expires every pending request past its deadline and returns
// how many it expired.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	pending, err := s.repo.List(ctx, StatusPending)
	if err != nil {
		return 0, err
	}
	now := s.now()
	n := 0
	for _, req := range pending {
		if !now.After(req.TimeoutAt) {
			continue
		}
		if _, decided := s.expire(ctx, req.Token, "expired"); !decided {
			n++
		}
	}
	if n > 0 {
		slog.InfoContext(ctx, "expired permission requests", "count", n)
	}
	return n, nil
}

// Run sweeps on every tick until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.SweepExpired(ctx); err != nil {
				slog.ErrorContext(ctx, "permission request sweep failed", "error", err)
			}
		}
	}
}

func (s *Service) Get(ctx context.Context, token string) (*Request, error) {
	if !validToken(token) {
		return nil, cerr.NewError(cerr.NotFound, "permission request not found", nil)
	}
	return s.repo.Get(ctx, token)
}

func (s *Service) List(ctx context.Context, status Status) ([]*Request, error) {
	return s.repo.List(ctx, status)
}

func newToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// validToken accepts only the shape newToken produces, which keeps tokens
// usable as storage keys.
func validToken(token string) bool {
	if len(token) != base64.RawURLEncoding.EncodedLen(tokenBytes) {
		return false
	}
	for _, c := range token {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return false
		}
	}
	return true
}
