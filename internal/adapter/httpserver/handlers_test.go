package httpserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codrlabs/codr/internal/adapter/broker/redisbroker"
	"github.com/codrlabs/codr/internal/adapter/repo/redisjobs"
	"github.com/codrlabs/codr/internal/config"
	"github.com/codrlabs/codr/internal/service/ratelimiter"
	"github.com/codrlabs/codr/internal/usecase"
)

const testAPIKey = "test-api-key"

func newTestAPI(t *testing.T) (http.Handler, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	b := redisbroker.NewFromClient(rdb)
	store := redisjobs.New(b)
	queue := redisbroker.NewQueue(b)
	bus := redisbroker.NewBus(b)

	cfg := config.Config{APIKey: testAPIKey, JWTKey: "jwt-secret"}
	srv := NewServer(cfg,
		usecase.NewSubmitService(store, queue, bus),
		usecase.NewResultService(store, b),
		usecase.NewTokenService(cfg.JWTKey),
		ratelimiter.New(b, 100, 100, cfg.APIKey),
	)

	r := chi.NewRouter()
	r.Route("/api", func(api chi.Router) {
		api.Use(srv.RequireAPIKey)
		api.Use(srv.RateLimit)
		api.Post("/submit_code", srv.SubmitCodeHandler())
		api.Get("/get_result/{job_id}", srv.GetResultHandler())
		api.Post("/ws-token", srv.WSTokenHandler())
		api.Get("/health", srv.HealthHandler())
		api.Get("/cache/stats", srv.CacheStatsHandler())
		api.Delete("/cache/{job_id}", srv.CacheClearHandler())
	})
	return r, mr
}

func doJSON(t *testing.T, h http.Handler, method, path, body, apiKey string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAPI_MissingKeyIs401(t *testing.T) {
	h, _ := newTestAPI(t)
	rec := doJSON(t, h, http.MethodGet, "/api/health", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAPI_WrongKeyIs403(t *testing.T) {
	h, _ := newTestAPI(t)
	rec := doJSON(t, h, http.MethodGet, "/api/health", "", "wrong-key")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestSubmitCode_Accepted(t *testing.T) {
	h, _ := newTestAPI(t)
	body := `{"code":"print('hello')","language":"python","filename":"main.py"}`
	rec := doJSON(t, h, http.MethodPost, "/api/submit_code", body, testAPIKey)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp["job_id"])
	assert.Equal(t, "Job queued", resp["message"])
}

func TestSubmitCode_ScreeningRejectionIs400(t *testing.T) {
	h, _ := newTestAPI(t)
	body := `{"code":"import os","language":"python","filename":"main.py"}`
	rec := doJSON(t, h, http.MethodPost, "/api/submit_code", body, testAPIKey)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var env errorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, "SCREENING_REJECTED", env.Error.Code)
}

func TestSubmitCode_InvalidBodyIs400(t *testing.T) {
	h, _ := newTestAPI(t)
	rec := doJSON(t, h, http.MethodPost, "/api/submit_code", `{"code":`, testAPIKey)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitCode_MissingFieldsIs400(t *testing.T) {
	h, _ := newTestAPI(t)
	rec := doJSON(t, h, http.MethodPost, "/api/submit_code", `{"code":"print(1)"}`, testAPIKey)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetResult_UnknownJobIs200(t *testing.T) {
	h, _ := newTestAPI(t)
	rec := doJSON(t, h, http.MethodGet, "/api/get_result/no-such-job", "", testAPIKey)
	require.Equal(t, http.StatusOK, rec.Code)

	var view usecase.ResultView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, "unknown", string(view.Status))
}

func TestSubmitThenGetResult(t *testing.T) {
	h, _ := newTestAPI(t)
	body := `{"code":"print('roundtrip')","language":"python","filename":"main.py"}`
	rec := doJSON(t, h, http.MethodPost, "/api/submit_code", body, testAPIKey)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	rec = doJSON(t, h, http.MethodGet, "/api/get_result/"+resp["job_id"], "", testAPIKey)
	require.Equal(t, http.StatusOK, rec.Code)

	var view usecase.ResultView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, "queued", string(view.Status))
}

func TestWSToken_IssuesVerifiableToken(t *testing.T) {
	h, _ := newTestAPI(t)
	rec := doJSON(t, h, http.MethodPost, "/api/ws-token", `{"job_id":"job-77"}`, testAPIKey)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Token     string `json:"token"`
		ExpiresIn int    `json:"expires_in"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 86400, resp.ExpiresIn)

	claims, err := usecase.NewTokenService("jwt-secret").Verify(resp.Token)
	require.NoError(t, err)
	assert.Equal(t, "job-77", claims.JobID)
}

func TestRateLimit_BreachIs429(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	b := redisbroker.NewFromClient(rdb)
	store := redisjobs.New(b)

	cfg := config.Config{APIKey: testAPIKey, JWTKey: "jwt-secret"}
	srv := NewServer(cfg,
		usecase.NewSubmitService(store, redisbroker.NewQueue(b), redisbroker.NewBus(b)),
		usecase.NewResultService(store, b),
		usecase.NewTokenService(cfg.JWTKey),
		ratelimiter.New(b, 2, 100, cfg.APIKey),
	)
	r := chi.NewRouter()
	r.With(srv.RequireAPIKey, srv.RateLimit).Get("/api/health", srv.HealthHandler())

	for i := 0; i < 2; i++ {
		rec := doJSON(t, r, http.MethodGet, "/api/health", "", testAPIKey)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := doJSON(t, r, http.MethodGet, "/api/health", "", testAPIKey)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.1.2.3:5555"
	assert.Equal(t, "10.1.2.3", ClientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "203.0.113.9", ClientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.7")
	assert.Equal(t, "203.0.113.7", ClientIP(req))
}
