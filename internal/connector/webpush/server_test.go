package webpush

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kazz187/accessguard/internal/config"
	"github.com/kazz187/accessguard/pkg/cerr"
)

func newRouter(t *testing.T, env *config.VAPIDEnv) (http.Handler, *YAMLRepository) {
	t.Helper()
	repo := newRepo(t)
	r := chi.NewRouter()
	r.Use(cerr.NewJSONErrorChiMiddleware())
	NewServer(env, repo).Routes(r)
	return r, repo
}

func post(t *testing.T, h http.Handler, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/push/subscriptions", &buf))
	return rec
}

func TestServer_RegisterSubscriptionIsIdempotent(t *testing.T) {
	h, repo := newRouter(t, &config.VAPIDEnv{})
	req := RegisterSubscriptionRequest{TargetID: "u1", Endpoint: "https://push.example/1", P256dhKey: "k", AuthKey: "a"}

	rec := post(t, h, req)
	require.Equal(t, http.StatusCreated, rec.Code)
	req.TargetID = "u2"
	rec = post(t, h, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	all, err := repo.List(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "u2", all[0].TargetID)

	rec = post(t, h, RegisterSubscriptionRequest{TargetID: "u1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_UnregisterSubscription(t *testing.T) {
	h, repo := newRouter(t, &config.VAPIDEnv{})
	require.Equal(t, http.StatusCreated, post(t, h, RegisterSubscriptionRequest{
		TargetID: "u1", Endpoint: "https://push.example/1", P256dhKey: "k", AuthKey: "a",
	}).Code)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/push/subscriptions?endpoint=https://push.example/1", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	all, err := repo.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestServer_GetVapidPublicKey(t *testing.T) {
	h, _ := newRouter(t, &config.VAPIDEnv{})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/push/vapid-public-key", nil))
	assert.Equal(t, http.StatusPreconditionFailed, rec.Code)

	h, _ = newRouter(t, &config.VAPIDEnv{VAPIDPublicKey: "pub"})
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/push/vapid-public-key", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"publicKey":"pub"}`, rec.Body.String())
}
