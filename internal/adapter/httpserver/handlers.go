package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/codrlabs/codr/internal/config"
	"github.com/codrlabs/codr/internal/domain"
	"github.com/codrlabs/codr/internal/service/ratelimiter"
	"github.com/codrlabs/codr/internal/usecase"
)

// Server aggregates handler dependencies.
type Server struct {
	Cfg     config.Config
	Submit  usecase.SubmitService
	Results usecase.ResultService
	Tokens  usecase.TokenService
	Limiter *ratelimiter.FixedWindow
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

// NewServer constructs the handler set.
func NewServer(cfg config.Config, submit usecase.SubmitService, results usecase.ResultService, tokens usecase.TokenService, limiter *ratelimiter.FixedWindow) *Server {
	return &Server{Cfg: cfg, Submit: submit, Results: results, Tokens: tokens, Limiter: limiter}
}

// SubmitCodeHandler accepts a code submission and enqueues it.
func (s *Server) SubmitCodeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var sub domain.CodeSubmission
		if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
			writeError(w, fmt.Errorf("%w: invalid JSON body", domain.ErrInvalidArgument), nil)
			return
		}
		if err := getValidator().Struct(sub); err != nil {
			writeError(w, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err), nil)
			return
		}
		jobID, err := s.Submit.Submit(r.Context(), sub)
		if err != nil {
			writeError(w, err, map[string]string{"language": sub.Language})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"job_id":  jobID,
			"message": "Job queued",
		})
	}
}

// GetResultHandler serves current status and decoded result. Unknown jobs
// are a 200 with status "unknown", never a 404.
func (s *Server) GetResultHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "job_id")
		view, err := s.Results.Get(r.Context(), jobID)
		if err != nil {
			writeError(w, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, view)
	}
}

type tokenRequest struct {
	JobID string `json:"job_id" validate:"required"`
}

// WSTokenHandler issues a job-scoped stream token.
func (s *Server) WSTokenHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req tokenRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, fmt.Errorf("%w: invalid JSON body", domain.ErrInvalidArgument), nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err), nil)
			return
		}
		token, err := s.Tokens.Issue(req.JobID)
		if err != nil {
			writeError(w, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"token":      token,
			"expires_in": int(usecase.TokenTTL.Seconds()),
		})
	}
}

// HealthHandler answers authenticated health probes.
func (s *Server) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// CacheStatsHandler reports result-cache occupancy.
func (s *Server) CacheStatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := s.Results.CacheStats(r.Context())
		if err != nil {
			writeError(w, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

// CacheClearHandler drops one job's cached result view.
func (s *Server) CacheClearHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "job_id")
		if err := s.Results.ClearCache(r.Context(), jobID); err != nil {
			writeError(w, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "cleared", "job_id": jobID})
	}
}
