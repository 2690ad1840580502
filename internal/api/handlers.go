package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/yangwenmai/cookiepool/internal/cookies"
	"github.com/yangwenmai/cookiepool/internal/model"
	"github.com/yangwenmai/cookiepool/internal/scheduler"
	"github.com/yangwenmai/cookiepool/internal/store"
)

const (
	defaultListLimit  = 50
	defaultStatsLimit = 100
	maxLimit          = 1000
	stopDrainTimeout  = 30 * time.Second
)

// parseLimit reads the limit query parameter, writing a 400 when it is invalid.
func parseLimit(w http.ResponseWriter, r *http.Request, fallback int) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return fallback, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return 0, false
	}
	return min(n, maxLimit), true
}

// ---------------------------------------------------------------------------
// GET /api/cookies/best
// ---------------------------------------------------------------------------

type tokenResponse struct {
	Name    string `json:"name"`
	Value   string `json:"value"`
	Expires int64  `json:"expires"`
}

type bestResponse struct {
	Available   bool            `json:"available"`
	ActiveCount *int            `json:"active_count,omitempty"`
	Artifact    *model.Artifact `json:"artifact,omitempty"`
	Token       *tokenResponse  `json:"token,omitempty"`
}

func (s *Server) handleBest(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := cookies.Filter{
		Domain: q.Get("domain"),
		Tag:    q.Get("tag"),
	}
	if v := q.Get("min_score"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < model.MinScore || n > model.MaxScore {
			writeError(w, http.StatusBadRequest, "min_score must be an integer between 0 and 100")
			return
		}
		f.MinScore = n
	}
	if v := q.Get("avoid_reuse"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "avoid_reuse must be a boolean")
			return
		}
		f.AvoidReuse = b
	}

	a, err := s.pool.SelectBest(r.Context(), f)
	if err != nil {
		s.internalError(w, r, "failed to select artifact", err)
		return
	}
	if a == nil {
		n, err := s.pool.Count(r.Context(), true)
		if err != nil {
			s.internalError(w, r, "failed to count artifacts", err)
			return
		}
		writeJSON(w, http.StatusOK, bestResponse{Available: false, ActiveCount: &n})
		return
	}

	resp := bestResponse{Available: true, Artifact: a}
	if tok, ok := cookies.PrimaryToken(a); ok {
		resp.Token = &tokenResponse{Name: tok.Name, Value: tok.Value, Expires: tok.Expires}
	}
	writeJSON(w, http.StatusOK, resp)
}

// ---------------------------------------------------------------------------
// GET /api/cookies
// ---------------------------------------------------------------------------

func (s *Server) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r, defaultListLimit)
	if !ok {
		return
	}
	items, err := s.pool.List(r.Context(), limit)
	if err != nil {
		s.internalError(w, r, "failed to list artifacts", err)
		return
	}
	if items == nil {
		items = []model.Artifact{}
	}
	writeJSON(w, http.StatusOK, items)
}

// ---------------------------------------------------------------------------
// GET /api/cookies/{id}
// ---------------------------------------------------------------------------

func (s *Server) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}

	a, err := s.pool.Get(r.Context(), id)
	if errors.Is(err, store.ErrArtifactNotFound) {
		writeError(w, http.StatusNotFound, "artifact not found")
		return
	}
	if err != nil {
		s.internalError(w, r, "failed to get artifact", err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// ---------------------------------------------------------------------------
// POST /api/cookies/{id}/feedback
// ---------------------------------------------------------------------------

type feedbackRequest struct {
	Success *bool `json:"success"`
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req feedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Success == nil {
		writeError(w, http.StatusBadRequest, "success is required")
		return
	}

	a, err := s.pool.RecordFeedback(r.Context(), id, *req.Success)
	if errors.Is(err, store.ErrArtifactNotFound) {
		writeError(w, http.StatusNotFound, "artifact not found")
		return
	}
	if err != nil {
		s.internalError(w, r, "failed to record feedback", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":     a.ID,
		"score":  a.Quality.Score,
		"status": a.Status,
		"valid":  a.Validity.IsValid,
	})
}

// ---------------------------------------------------------------------------
// /api/pool
// ---------------------------------------------------------------------------

type poolStatusResponse struct {
	Scheduler   scheduler.Status `json:"scheduler"`
	ActiveCount int              `json:"active_count"`
	TotalCount  int              `json:"total_count"`
}

func (s *Server) handlePoolStatus(w http.ResponseWriter, r *http.Request) {
	active, err := s.pool.Count(r.Context(), true)
	if err != nil {
		s.internalError(w, r, "failed to count artifacts", err)
		return
	}
	total, err := s.pool.Count(r.Context(), false)
	if err != nil {
		s.internalError(w, r, "failed to count artifacts", err)
		return
	}
	writeJSON(w, http.StatusOK, poolStatusResponse{
		Scheduler:   s.ctl.Status(),
		ActiveCount: active,
		TotalCount:  total,
	})
}

func (s *Server) handlePoolStart(w http.ResponseWriter, r *http.Request) {
	s.ctl.Start()
	writeJSON(w, http.StatusOK, map[string]bool{"running": true})
}

func (s *Server) handlePoolStop(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), stopDrainTimeout)
	defer cancel()
	if err := s.ctl.Stop(ctx); err != nil {
		// Sessions keep draining in the background.
		writeJSON(w, http.StatusAccepted, map[string]bool{"running": false, "draining": true})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"running": false, "draining": false})
}

type poolConfigRequest struct {
	MinSize       *int `json:"min_size"`
	MaxSize       *int `json:"max_size"`
	MaxConcurrent *int `json:"max_concurrent"`
}

func (s *Server) handlePoolConfig(w http.ResponseWriter, r *http.Request) {
	var req poolConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	cfg := s.ctl.Config()
	if req.MinSize != nil {
		cfg.MinSize = *req.MinSize
	}
	if req.MaxSize != nil {
		cfg.MaxSize = *req.MaxSize
	}
	if req.MaxConcurrent != nil {
		cfg.MaxConcurrent = *req.MaxConcurrent
	}
	if err := s.ctl.UpdateConfig(cfg); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.ctl.Config())
}

// ---------------------------------------------------------------------------
// GET /api/attempts/stats
// ---------------------------------------------------------------------------

func (s *Server) handleAttemptStats(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r, defaultStatsLimit)
	if !ok {
		return
	}

	st, err := s.stats.Stats(r.Context(), limit)
	if err != nil {
		s.internalError(w, r, "failed to compute attempt stats", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// ---------------------------------------------------------------------------
// GET /healthz
// ---------------------------------------------------------------------------

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
