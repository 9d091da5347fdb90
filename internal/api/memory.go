package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/Insightpulseai-net/pulser-agent-framework-sub002/internal/memory"
	"github.com/Insightpulseai-net/pulser-agent-framework-sub002/internal/metrics"
)

// memoryHandler holds dependencies for the memory endpoints.
type memoryHandler struct {
	store   MemoryStore
	logger  *slog.Logger
	metrics metrics.Collector
}

// mapStoreError translates store sentinels into HTTP responses. Reports
// whether it handled the error; infrastructure failures fall through to the
// caller's 500 path.
func (h *memoryHandler) mapStoreError(w http.ResponseWriter, err error) bool {
	switch {
	case errors.Is(err, memory.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error(), h.logger)
	case errors.Is(err, memory.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "memory not found", h.logger)
	case errors.Is(err, memory.ErrConstraintViolation):
		writeError(w, http.StatusConflict, "conflict", "conflicting active memory", h.logger)
	default:
		return false
	}
	return true
}

// record reports one operation to the metrics collector.
func (h *memoryHandler) record(op string, start time.Time, failed bool) {
	status := "ok"
	if failed {
		status = "error"
	}
	h.metrics.RecordOperation(op, status, time.Since(start))
}

// memoryID parses the {id} path segment. Writes the 400 itself on failure.
func (h *memoryHandler) memoryID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id", "invalid memory ID", h.logger)
		return uuid.Nil, false
	}
	return id, true
}

// saveRequest is the body of POST /api/v1/memories.
type saveRequest struct {
	Tenant    string            `json:"tenant"`
	Repo      string            `json:"repo"`
	Subject   string            `json:"subject"`
	Fact      string            `json:"fact"`
	Citations []memory.Citation `json:"citations"`
	Reason    string            `json:"reason"`
	Actor     string            `json:"actor"`
	SessionID string            `json:"session_id"`
}

// save handles POST /api/v1/memories. Saving an identical active tuple again
// refreshes the existing row instead of erroring, so the endpoint returns
// 200 rather than 201.
func (h *memoryHandler) save(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req saveRequest
	if !decodeBody(w, r, &req, h.logger) {
		h.record("save", start, true)
		return
	}

	m, err := h.store.Save(r.Context(), memory.SaveInput{
		Tenant:    req.Tenant,
		Repo:      req.Repo,
		Subject:   req.Subject,
		Fact:      req.Fact,
		Citations: req.Citations,
		Reason:    req.Reason,
		Actor:     req.Actor,
		SessionID: req.SessionID,
	})
	if err != nil {
		h.record("save", start, true)
		if h.mapStoreError(w, err) {
			return
		}
		h.logger.Error("saving memory", "error", err, "repo", req.Repo, "subject", req.Subject)
		writeError(w, http.StatusInternalServerError, "save_failed", "failed to save memory", h.logger)
		return
	}

	h.record("save", start, false)
	writeJSON(w, http.StatusOK, m, h.logger)
}

// get handles GET /api/v1/memories/{id}. Returns the memory in any lifecycle
// state; direct lookups are how supersession chains are walked.
func (h *memoryHandler) get(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	id, ok := h.memoryID(w, r)
	if !ok {
		h.record("get", start, true)
		return
	}

	m, err := h.store.Get(r.Context(), id)
	if err != nil {
		h.record("get", start, true)
		if h.mapStoreError(w, err) {
			return
		}
		h.logger.Error("getting memory", "error", err, "id", id)
		writeError(w, http.StatusInternalServerError, "get_failed", "failed to get memory", h.logger)
		return
	}

	h.record("get", start, false)
	writeJSON(w, http.StatusOK, m, h.logger)
}

// getRecent handles GET /api/v1/memories/recent.
func (h *memoryHandler) getRecent(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	repo := r.URL.Query().Get("repo")
	if repo == "" {
		h.record("get_recent", start, true)
		writeError(w, http.StatusBadRequest, "invalid_input", "repo query parameter is required", h.logger)
		return
	}
	tenant := r.URL.Query().Get("tenant")
	limit := parseIntParam(r, "limit", memory.DefaultListLimit, 1, memory.MaxListLimit)

	memories, err := h.store.GetRecent(r.Context(), tenant, repo, limit)
	if err != nil {
		h.record("get_recent", start, true)
		h.logger.Error("listing recent memories", "error", err, "repo", repo)
		writeError(w, http.StatusInternalServerError, "list_failed", "failed to list memories", h.logger)
		return
	}

	h.recordRetrieved(r, memories, "recent:"+repo)
	h.record("get_recent", start, false)
	writeJSON(w, http.StatusOK, map[string]any{
		"memories": memories,
		"count":    len(memories),
	}, h.logger)
}

// searchByPath handles GET /api/v1/memories/search.
func (h *memoryHandler) searchByPath(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	repo := r.URL.Query().Get("repo")
	path := r.URL.Query().Get("path")
	if repo == "" || path == "" {
		h.record("search_by_path", start, true)
		writeError(w, http.StatusBadRequest, "invalid_input", "repo and path query parameters are required", h.logger)
		return
	}
	tenant := r.URL.Query().Get("tenant")
	limit := parseIntParam(r, "limit", memory.DefaultListLimit, 1, memory.MaxListLimit)

	memories, err := h.store.SearchByPath(r.Context(), tenant, repo, path, limit)
	if err != nil {
		h.record("search_by_path", start, true)
		h.logger.Error("searching memories by path", "error", err, "repo", repo, "path", path)
		writeError(w, http.StatusInternalServerError, "search_failed", "failed to search memories", h.logger)
		return
	}

	h.recordRetrieved(r, memories, "path:"+path)
	h.record("search_by_path", start, false)
	writeJSON(w, http.StatusOK, map[string]any{
		"memories": memories,
		"count":    len(memories),
	}, h.logger)
}

// recordRetrieved appends retrieval telemetry for a read result. Best
// effort: a telemetry failure never fails the read that produced it.
func (h *memoryHandler) recordRetrieved(r *http.Request, memories []*memory.Memory, query string) {
	if len(memories) == 0 {
		return
	}
	ids := make([]uuid.UUID, len(memories))
	for i, m := range memories {
		ids[i] = m.ID
	}
	actor := r.URL.Query().Get("actor")
	sessionID := r.URL.Query().Get("session_id")
	if err := h.store.RecordRetrieved(r.Context(), ids, query, actor, sessionID); err != nil {
		h.logger.Warn("recording retrieval telemetry", "error", err, "count", len(ids))
	}
}

// refreshRequest is the body of POST /api/v1/memories/{id}/refresh.
// Citations null leaves stored citations untouched.
type refreshRequest struct {
	Citations []memory.Citation `json:"citations"`
	Reason    string            `json:"reason"`
	Actor     string            `json:"actor"`
	SessionID string            `json:"session_id"`
}

func (h *memoryHandler) refresh(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	id, ok := h.memoryID(w, r)
	if !ok {
		h.record("refresh", start, true)
		return
	}

	var req refreshRequest
	if !decodeBody(w, r, &req, h.logger) {
		h.record("refresh", start, true)
		return
	}

	refreshed, err := h.store.Refresh(r.Context(), id, memory.RefreshInput{
		Citations: req.Citations,
		Reason:    req.Reason,
		Actor:     req.Actor,
		SessionID: req.SessionID,
	})
	if err != nil {
		h.record("refresh", start, true)
		if h.mapStoreError(w, err) {
			return
		}
		h.logger.Error("refreshing memory", "error", err, "id", id)
		writeError(w, http.StatusInternalServerError, "refresh_failed", "failed to refresh memory", h.logger)
		return
	}

	h.record("refresh", start, false)
	writeJSON(w, http.StatusOK, map[string]bool{"refreshed": refreshed}, h.logger)
}

// invalidateRequest is the body of POST /api/v1/memories/{id}/invalidate.
type invalidateRequest struct {
	Reason    string `json:"reason"`
	Actor     string `json:"actor"`
	SessionID string `json:"session_id"`
}

func (h *memoryHandler) invalidate(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	id, ok := h.memoryID(w, r)
	if !ok {
		h.record("invalidate", start, true)
		return
	}

	var req invalidateRequest
	if !decodeBody(w, r, &req, h.logger) {
		h.record("invalidate", start, true)
		return
	}

	invalidated, err := h.store.Invalidate(r.Context(), id, req.Reason, req.Actor, req.SessionID)
	if err != nil {
		h.record("invalidate", start, true)
		if h.mapStoreError(w, err) {
			return
		}
		h.logger.Error("invalidating memory", "error", err, "id", id)
		writeError(w, http.StatusInternalServerError, "invalidate_failed", "failed to invalidate memory", h.logger)
		return
	}

	h.record("invalidate", start, false)
	writeJSON(w, http.StatusOK, map[string]bool{"invalidated": invalidated}, h.logger)
}

// supersedeRequest is the body of POST /api/v1/memories/{id}/supersede.
// Citations null inherits the old memory's citations.
type supersedeRequest struct {
	Fact      string            `json:"fact"`
	Citations []memory.Citation `json:"citations"`
	Reason    string            `json:"reason"`
	Actor     string            `json:"actor"`
	SessionID string            `json:"session_id"`
}

func (h *memoryHandler) supersede(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	id, ok := h.memoryID(w, r)
	if !ok {
		h.record("supersede", start, true)
		return
	}

	var req supersedeRequest
	if !decodeBody(w, r, &req, h.logger) {
		h.record("supersede", start, true)
		return
	}

	replacement, err := h.store.Supersede(r.Context(), id, memory.SupersedeInput{
		Fact:      req.Fact,
		Citations: req.Citations,
		Reason:    req.Reason,
		Actor:     req.Actor,
		SessionID: req.SessionID,
	})
	if err != nil {
		h.record("supersede", start, true)
		if h.mapStoreError(w, err) {
			return
		}
		h.logger.Error("superseding memory", "error", err, "id", id)
		writeError(w, http.StatusInternalServerError, "supersede_failed", "failed to supersede memory", h.logger)
		return
	}

	h.record("supersede", start, false)
	writeJSON(w, http.StatusCreated, replacement, h.logger)
}

// appliedRequest is the body of POST /api/v1/memories/{id}/applied.
type appliedRequest struct {
	Note      string `json:"note"`
	Actor     string `json:"actor"`
	SessionID string `json:"session_id"`
}

func (h *memoryHandler) logApplied(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	id, ok := h.memoryID(w, r)
	if !ok {
		h.record("log_applied", start, true)
		return
	}

	var req appliedRequest
	if !decodeBody(w, r, &req, h.logger) {
		h.record("log_applied", start, true)
		return
	}

	if err := h.store.LogApplied(r.Context(), id, req.Note, req.Actor, req.SessionID); err != nil {
		h.record("log_applied", start, true)
		if h.mapStoreError(w, err) {
			return
		}
		h.logger.Error("logging application", "error", err, "id", id)
		writeError(w, http.StatusInternalServerError, "applied_failed", "failed to log application", h.logger)
		return
	}

	h.record("log_applied", start, false)
	writeJSON(w, http.StatusOK, map[string]bool{"applied": true}, h.logger)
}

// events handles GET /api/v1/memories/{id}/events.
func (h *memoryHandler) events(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	id, ok := h.memoryID(w, r)
	if !ok {
		h.record("events", start, true)
		return
	}

	events, err := h.store.Events(r.Context(), id)
	if err != nil {
		h.record("events", start, true)
		if h.mapStoreError(w, err) {
			return
		}
		h.logger.Error("listing events", "error", err, "id", id)
		writeError(w, http.StatusInternalServerError, "events_failed", "failed to list events", h.logger)
		return
	}

	h.record("events", start, false)
	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"count":  len(events),
	}, h.logger)
}

// stats handles GET /api/v1/stats.
func (h *memoryHandler) stats(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	repo := r.URL.Query().Get("repo")
	if repo == "" {
		h.record("stats", start, true)
		writeError(w, http.StatusBadRequest, "invalid_input", "repo query parameter is required", h.logger)
		return
	}
	tenant := r.URL.Query().Get("tenant")

	stats, err := h.store.Stats(r.Context(), tenant, repo)
	if err != nil {
		h.record("stats", start, true)
		h.logger.Error("computing stats", "error", err, "repo", repo)
		writeError(w, http.StatusInternalServerError, "stats_failed", "failed to compute stats", h.logger)
		return
	}

	h.record("stats", start, false)
	writeJSON(w, http.StatusOK, stats, h.logger)
}
