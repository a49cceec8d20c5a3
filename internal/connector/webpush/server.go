package webpush

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/oklog/ulid/v2"

	"github.com/kazz187/accessguard/internal/config"
	"github.com/kazz187/accessguard/pkg/cerr"
)

type Server struct {
	vapidEnv *config.VAPIDEnv
	repo     Repository
}

func NewServer(vapidEnv *config.VAPIDEnv, repo Repository) *Server {
	return &Server{vapidEnv: vapidEnv, repo: repo}
}

func (s *Server) Routes(r chi.Router) {
	r.Get("/push/vapid-public-key", s.GetVapidPublicKey)
	r.Post("/push/subscriptions", s.RegisterSubscription)
	r.Delete("/push/subscriptions", s.UnregisterSubscription)
}

type vapidPublicKeyResponse struct {
	PublicKey string `json:"publicKey"`
}

func (s *Server) GetVapidPublicKey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if s.vapidEnv.VAPIDPublicKey == "" {
		cerr.SetNewJSONError(ctx, cerr.FailedPrecondition, "VAPID keys not configured", nil)
		return
	}
	cerr.SetJSONResponse(ctx, vapidPublicKeyResponse{PublicKey: s.vapidEnv.VAPIDPublicKey})
}

type RegisterSubscriptionRequest struct {
	TargetID  string `json:"targetId"`
	Endpoint  string `json:"endpoint"`
	P256dhKey string `json:"p256dhKey"`
	AuthKey   string `json:"authKey"`
}

func (s *Server) RegisterSubscription(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req RegisterSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "invalid request body", err)
		return
	}
	switch {
	case req.TargetID == "":
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "targetId is required", nil)
		return
	case req.Endpoint == "":
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "endpoint is required", nil)
		return
	case req.P256dhKey == "":
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "p256dhKey is required", nil)
		return
	case req.AuthKey == "":
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "authKey is required", nil)
		return
	}

	// Idempotent: re-registering an endpoint replaces its keys and owner.
	sub := &Subscription{ID: ulid.Make().String(), CreatedAt: time.Now()}
	if existing, err := s.repo.FindByEndpoint(ctx, req.Endpoint); err == nil {
		if err := s.repo.Delete(ctx, existing.ID); err != nil {
			cerr.SetJSONError(ctx, err)
			return
		}
		sub.ID = existing.ID
		sub.CreatedAt = existing.CreatedAt
	}
	sub.TargetID = req.TargetID
	sub.Endpoint = req.Endpoint
	sub.P256dhKey = req.P256dhKey
	sub.AuthKey = req.AuthKey
	if err := s.repo.Create(ctx, sub); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponseWithStatus(ctx, http.StatusCreated, sub)
}

func (s *Server) UnregisterSubscription(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	endpoint := r.URL.Query().Get("endpoint")
	if endpoint == "" {
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "endpoint is required", nil)
		return
	}
	existing, err := s.repo.FindByEndpoint(ctx, endpoint)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	if err := s.repo.Delete(ctx, existing.ID); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
}
