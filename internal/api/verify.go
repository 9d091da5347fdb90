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

// verifyHandler holds dependencies for the citation verification endpoints.
type verifyHandler struct {
	verifier CitationVerifier
	logger   *slog.Logger
	metrics  metrics.Collector
}

func (h *verifyHandler) record(op string, start time.Time, failed bool) {
	status := "ok"
	if failed {
		status = "error"
	}
	h.metrics.RecordOperation(op, status, time.Since(start))
}

// verifyMemoryRequest is the body of POST /api/v1/memories/{id}/verify.
type verifyMemoryRequest struct {
	Ref       string `json:"ref"`
	Actor     string `json:"actor"`
	SessionID string `json:"session_id"`
}

// verifyMemory checks a stored memory's citations against the code host and
// records the outcome. Recorded is false when the memory is terminal; the
// report is still returned.
func (h *verifyHandler) verifyMemory(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.record("verify_memory", start, true)
		writeError(w, http.StatusBadRequest, "invalid_id", "invalid memory ID", h.logger)
		return
	}

	var req verifyMemoryRequest
	if !decodeBody(w, r, &req, h.logger) {
		h.record("verify_memory", start, true)
		return
	}

	report, recorded, err := h.verifier.VerifyMemory(r.Context(), id, req.Ref, req.Actor, req.SessionID)
	if err != nil {
		h.record("verify_memory", start, true)
		if errors.Is(err, memory.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "memory not found", h.logger)
			return
		}
		h.logger.Error("verifying memory", "error", err, "id", id)
		writeError(w, http.StatusInternalServerError, "verify_failed", "failed to verify memory", h.logger)
		return
	}

	h.record("verify_memory", start, false)
	writeJSON(w, http.StatusOK, map[string]any{
		"report":   report,
		"recorded": recorded,
	}, h.logger)
}

// verifyCitationsRequest is the body of POST /api/v1/citations/verify.
type verifyCitationsRequest struct {
	Repo      string            `json:"repo"`
	Citations []memory.Citation `json:"citations"`
	Ref       string            `json:"ref"`
}

// verifyCitations checks an ad-hoc citation list without touching the store.
// Agents call this before saving to make sure their citations hold up.
func (h *verifyHandler) verifyCitations(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req verifyCitationsRequest
	if !decodeBody(w, r, &req, h.logger) {
		h.record("verify_citations", start, true)
		return
	}
	if req.Repo == "" {
		h.record("verify_citations", start, true)
		writeError(w, http.StatusBadRequest, "invalid_input", "repo is required", h.logger)
		return
	}
	for i, c := range req.Citations {
		if err := c.Validate(); err != nil {
			h.record("verify_citations", start, true)
			h.logger.Debug("rejecting malformed citation", "index", i, "error", err)
			writeError(w, http.StatusBadRequest, "invalid_input", err.Error(), h.logger)
			return
		}
	}

	report := h.verifier.VerifyCitations(r.Context(), req.Repo, req.Citations, req.Ref)

	h.record("verify_citations", start, false)
	writeJSON(w, http.StatusOK, report, h.logger)
}
