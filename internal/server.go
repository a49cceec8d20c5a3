package internal

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/rs/cors"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/kazz187/accessguard/internal/agent"
	"github.com/kazz187/accessguard/internal/approval"
	"github.com/kazz187/accessguard/internal/config"
	"github.com/kazz187/accessguard/internal/connector/webpush"
	"github.com/kazz187/accessguard/internal/gate"
	"github.com/kazz187/accessguard/pkg/cerr"
	"github.com/kazz187/accessguard/pkg/clog"
)

type Server struct {
	mu             sync.Mutex
	server         *http.Server
	closed         bool
	env            *config.Env
	agentServer    *agent.Server
	approvalServer *approval.Server
	gateServer     *gate.Server
	webpushServer  *webpush.Server
}

func NewServer(
	env *config.Env,
	agentServer *agent.Server,
	approvalServer *approval.Server,
	gateServer *gate.Server,
	webpushServer *webpush.Server,
) *Server {
	return &Server{
		env:            env,
		agentServer:    agentServer,
		approvalServer: approvalServer,
		gateServer:     gateServer,
		webpushServer:  webpushServer,
	}
}

// Handler builds the full HTTP handler: API key check, CORS, and the /api
// routes. /health is served without a key.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Route("/api", func(r chi.Router) {
		r.Use(
			clog.SlogChiMiddleware(),
			cerr.NewJSONErrorChiMiddleware(),
		)
		s.agentServer.Routes(r)
		s.approvalServer.Routes(r)
		s.gateServer.Routes(r)
		if s.webpushServer != nil {
			s.webpushServer.Routes(r)
		}
		r.NotFound(func(w http.ResponseWriter, r *http.Request) {
			cerr.SetNewJSONError(r.Context(), cerr.NotFound, "not found", nil)
		})
	})

	mux := http.NewServeMux()
	mux.Handle("/health", &HealthChecker{})
	mux.Handle("/api/", r)

	return cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(s.apiKeyMiddleware(mux))
}

// ListenAndServe starts the HTTP server. ctx becomes the base context of
// every request, so long-polling approval requests end when it is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := net.JoinHostPort(s.env.HTTPHost, s.env.HTTPPort)
	slog.Info("starting server", "addr", addr)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return http.ErrServerClosed
	}
	s.server = &http.Server{
		Addr:        addr,
		Handler:     h2c.NewHandler(s.Handler(), &http2.Server{}),
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}
	hs := s.server
	s.mu.Unlock()
	return hs.ListenAndServe()
}

// Shutdown stops the server, or keeps it from starting if ListenAndServe has
// not run yet.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	hs := s.server
	s.mu.Unlock()
	if hs == nil {
		return nil
	}
	return hs.Shutdown(ctx)
}

type HealthChecker struct{}

func (hc *HealthChecker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) apiKeyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		apiKey := r.Header.Get("X-API-Key")
		if apiKey == "" {
			apiKey = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		}
		if apiKey == "" || subtle.ConstantTimeCompare([]byte(apiKey), []byte(s.env.APIKey)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
