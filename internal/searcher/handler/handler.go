package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/kylebebak/search-engine/internal/searcher/cache"
	"github.com/kylebebak/search-engine/internal/searcher/executor"
	"github.com/kylebebak/search-engine/internal/searcher/parser"
	"github.com/kylebebak/search-engine/pkg/config"
	apperrors "github.com/kylebebak/search-engine/pkg/errors"
	"github.com/kylebebak/search-engine/pkg/logger"
)

type SearchExecutor interface {
	Plan(query string, mode parser.Mode) *parser.QueryPlan
	Execute(ctx context.Context, plan *parser.QueryPlan, limit int) (*executor.SearchResult, error)
}

type Handler struct {
	executor     SearchExecutor
	cache        *cache.QueryCache
	defaultMode  parser.Mode
	defaultLimit int
	maxResults   int
	queryTimeout time.Duration
	logger       *slog.Logger
}

// New builds a handler. queryCache may be nil, which disables caching.
func New(exec SearchExecutor, queryCache *cache.QueryCache, cfg config.SearchConfig) (*Handler, error) {
	mode, err := parser.ParseMode(cfg.DefaultMode)
	if err != nil {
		return nil, err
	}
	return &Handler{
		executor:     exec,
		cache:        queryCache,
		defaultMode:  mode,
		defaultLimit: cfg.DefaultLimit,
		maxResults:   cfg.MaxResults,
		queryTimeout: cfg.QueryTimeout,
		logger:       slog.Default().With("component", "search-handler"),
	}, nil
}

// searchRequest is a validated GET /api/v1/search query string.
type searchRequest struct {
	query string
	mode  parser.Mode
	limit int
}

// parseRequest applies the configured defaults and caps limit at
// maxResults. The returned message is safe to show the caller.
func (h *Handler) parseRequest(r *http.Request) (searchRequest, string) {
	q := r.URL.Query()
	req := searchRequest{query: q.Get("q"), mode: h.defaultMode, limit: h.defaultLimit}
	if req.query == "" {
		return req, "query parameter 'q' is required"
	}
	if s := q.Get("mode"); s != "" {
		mode, err := parser.ParseMode(s)
		if err != nil {
			return req, "mode must be one of all, any, ordered"
		}
		req.mode = mode
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			return req, "limit must be a positive integer"
		}
		req.limit = n
	}
	if h.maxResults > 0 && req.limit > h.maxResults {
		req.limit = h.maxResults
	}
	return req, ""
}

// Search answers GET /api/v1/search?q=&mode=&limit=. A query with no
// searchable tokens is a 200 with no_tokens set, not an error.
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	req, problem := h.parseRequest(r)
	if problem != "" {
		h.writeError(w, http.StatusBadRequest, problem)
		return
	}
	ctx := r.Context()
	if h.queryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.queryTimeout)
		defer cancel()
	}
	log := logger.FromContext(ctx).With("query", req.query, "mode", req.mode.String())

	plan := h.executor.Plan(req.query, req.mode)
	execute := func() (*executor.SearchResult, error) {
		return h.executor.Execute(ctx, plan, req.limit)
	}
	var (
		result   *executor.SearchResult
		cacheHit bool
		err      error
	)
	if h.cache != nil {
		result, cacheHit, err = h.cache.GetOrCompute(ctx, plan, req.limit, execute)
	} else {
		result, err = execute()
	}
	if err != nil {
		log.Error("search execution failed", "error", err)
		h.writeError(w, apperrors.HTTPStatusCode(err), "search failed")
		return
	}

	log.Info("search completed",
		"no_tokens", result.NoTokens,
		"total_hits", result.TotalHits,
		"returned", len(result.Results),
		"cache_hit", cacheHit,
		"latency_ms", time.Since(start).Milliseconds(),
	)
	h.writeJSON(w, http.StatusOK, result)
}

func (h *Handler) CacheStats(w http.ResponseWriter, r *http.Request) {
	if h.cache == nil {
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "disabled"})
		return
	}

	hits, misses := h.cache.Stats()
	total := hits + misses
	var hitRate float64
	if total > 0 {
		hitRate = float64(hits) / float64(total) * 100
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"hits":     hits,
		"misses":   misses,
		"total":    total,
		"hit_rate": fmt.Sprintf("%.1f%%", hitRate),
	})
}

func (h *Handler) CacheInvalidate(w http.ResponseWriter, r *http.Request) {
	if h.cache == nil {
		h.writeError(w, http.StatusServiceUnavailable, "caching is disabled")
		return
	}

	if err := h.cache.Invalidate(r.Context()); err != nil {
		h.logger.Error("cache invalidation failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, "cache invalidation failed")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"status": "invalidated"})
}

// Register mounts the search API routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/search", h.Search)
	mux.HandleFunc("GET /api/v1/cache/stats", h.CacheStats)
	mux.HandleFunc("POST /api/v1/cache/invalidate", h.CacheInvalidate)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
