package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/avoss/crewdeck/internal/domain"
)

// UsageHandler handles usage rollup endpoints.
type UsageHandler struct {
	*Handler
}

// NewUsageHandler creates a new usage handler.
func NewUsageHandler(base *Handler) *UsageHandler {
	return &UsageHandler{Handler: base}
}

// RegisterRoutes registers usage routes.
func (h *UsageHandler) RegisterRoutes(r chi.Router) {
	r.Get("/api/usage", h.Summary)
}

type sessionUsage struct {
	SessionID      string            `json:"session_id"`
	ToolType       string            `json:"tool_type"`
	Usage          domain.UsageStats `json:"usage"`
	ContextPercent float64           `json:"context_percent"`
}

// Summary reports lifetime usage plus a per-session breakdown with context
// window occupancy.
func (h *UsageHandler) Summary(w http.ResponseWriter, r *http.Request) {
	sessions := h.core.Sessions()
	perSession := make([]sessionUsage, 0, len(sessions))
	for _, s := range sessions {
		active := s.Tab(s.ActiveTabID)
		var pct float64
		if active != nil {
			pct = active.Usage.ContextPercent(h.contextWindowTokens)
		}
		perSession = append(perSession, sessionUsage{
			SessionID:      s.ID,
			ToolType:       s.ToolType,
			Usage:          s.Usage,
			ContextPercent: pct,
		})
	}

	var lifetime domain.UsageStats
	if h.lifetime != nil {
		lifetime = h.lifetime.Lifetime()
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"lifetime": lifetime,
		"sessions": perSession,
	})
}
