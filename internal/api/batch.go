package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// BatchHandler handles batch run endpoints.
type BatchHandler struct {
	*Handler
}

// NewBatchHandler creates a new batch handler.
func NewBatchHandler(base *Handler) *BatchHandler {
	return &BatchHandler{Handler: base}
}

// RegisterRoutes registers batch routes.
func (h *BatchHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/sessions/{sessionID}/batch", func(r chi.Router) {
		r.Post("/start", h.Start)
		r.Post("/stop", h.Stop)
		r.Post("/skip", h.Skip)
		r.Post("/resume", h.Resume)
		r.Post("/abort", h.Abort)
	})
	r.Get("/api/batches", h.History)
}

type startBatchRequest struct {
	Documents      []string `json:"documents"`
	PromptTemplate string   `json:"prompt_template"`
	Loop           bool     `json:"loop"`
}

// Start begins a batch run over the given documents.
func (h *BatchHandler) Start(w http.ResponseWriter, r *http.Request) {
	var req startBatchRequest
	if err := decode(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.PromptTemplate == "" {
		Error(w, http.StatusBadRequest, "prompt_template is required")
		return
	}
	if err := h.core.StartBatchRun(chi.URLParam(r, "sessionID"), req.Documents, req.PromptTemplate, req.Loop); err != nil {
		Fail(w, err)
		return
	}
	JSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

// Stop requests a graceful stop after the current document.
func (h *BatchHandler) Stop(w http.ResponseWriter, r *http.Request) {
	if err := h.core.StopBatchRun(chi.URLParam(r, "sessionID")); err != nil {
		Fail(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "stopping"})
}

// Skip abandons the failed document and moves on.
func (h *BatchHandler) Skip(w http.ResponseWriter, r *http.Request) {
	if err := h.core.SkipCurrentDocument(chi.URLParam(r, "sessionID")); err != nil {
		Fail(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "skipped"})
}

// Resume re-dispatches the failed document.
func (h *BatchHandler) Resume(w http.ResponseWriter, r *http.Request) {
	if err := h.core.ResumeAfterError(chi.URLParam(r, "sessionID")); err != nil {
		Fail(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

// Abort discards the paused run.
func (h *BatchHandler) Abort(w http.ResponseWriter, r *http.Request) {
	if err := h.core.AbortBatchOnError(chi.URLParam(r, "sessionID")); err != nil {
		Fail(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "aborted"})
}

// History returns recently finished batch runs.
func (h *BatchHandler) History(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		JSON(w, http.StatusOK, map[string]interface{}{"batches": []struct{}{}})
		return
	}
	summaries, err := h.repo.ListBatchSummaries(r.Context(), 50)
	if err != nil {
		Error(w, http.StatusInternalServerError, "failed to load batch history")
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"batches": summaries})
}
