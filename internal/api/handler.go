// Package api provides the HTTP handlers for the crewdeck API.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/containerd/errdefs"

	"github.com/avoss/crewdeck/internal/core"
	"github.com/avoss/crewdeck/internal/store"
	"github.com/avoss/crewdeck/internal/usage"
)

// Handler provides common handler dependencies.
type Handler struct {
	core     *core.Core
	lifetime *usage.Aggregator
	repo     store.Repository
	// contextWindowTokens bounds the context-percent derivation in usage
	// responses.
	contextWindowTokens int64
}

// NewHandler creates a new Handler with common dependencies. lifetime and
// repo may be nil when persistence is disabled.
func NewHandler(c *core.Core, lifetime *usage.Aggregator, repo store.Repository, contextWindowTokens int64) *Handler {
	return &Handler{
		core:                c,
		lifetime:            lifetime,
		repo:                repo,
		contextWindowTokens: contextWindowTokens,
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// Fail maps a core error to its HTTP status and writes it out.
func Fail(w http.ResponseWriter, err error) {
	switch {
	case errdefs.IsNotFound(err):
		Error(w, http.StatusNotFound, err.Error())
	case errdefs.IsConflict(err):
		Error(w, http.StatusConflict, err.Error())
	case errdefs.IsInvalidArgument(err):
		Error(w, http.StatusBadRequest, err.Error())
	default:
		Error(w, http.StatusInternalServerError, err.Error())
	}
}

// decode reads a JSON request body into v.
func decode(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}
