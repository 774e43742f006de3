package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/avoss/crewdeck/internal/core"
	"github.com/avoss/crewdeck/internal/domain"
)

// SessionHandler handles session, tab, and task endpoints.
type SessionHandler struct {
	*Handler
}

// NewSessionHandler creates a new session handler.
func NewSessionHandler(base *Handler) *SessionHandler {
	return &SessionHandler{Handler: base}
}

// RegisterRoutes registers session routes.
func (h *SessionHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/sessions", func(r chi.Router) {
		r.Get("/", h.List)
		r.Post("/", h.Create)
		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/", h.Get)
			r.Delete("/", h.Delete)
			r.Post("/dispatch", h.Dispatch)
			r.Post("/interrupt", h.Interrupt)
			r.Post("/kill", h.Kill)
			r.Post("/command", h.RunCommand)
			r.Delete("/queue/{index}", h.CancelQueued)
			r.Post("/recover", h.Recover)
			r.Get("/commands", h.SlashCommands)
			r.Route("/tabs", func(r chi.Router) {
				r.Post("/", h.AddTab)
				r.Route("/{tabID}", func(r chi.Router) {
					r.Delete("/", h.CloseTab)
					r.Patch("/", h.UpdateTab)
					r.Post("/activate", h.ActivateTab)
				})
			})
		})
	})
}

// List returns all sessions.
func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]interface{}{"sessions": h.core.Sessions()})
}

type createSessionRequest struct {
	ToolType  string `json:"tool_type"`
	InputMode string `json:"input_mode"`
	Cwd       string `json:"cwd"`
	Sandbox   bool   `json:"sandbox"`
}

// Create registers a new session.
func (h *SessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decode(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Cwd == "" {
		Error(w, http.StatusBadRequest, "cwd is required")
		return
	}
	mode := domain.InputModeAI
	if req.InputMode == string(domain.InputModeTerminal) {
		mode = domain.InputModeTerminal
	}

	s, err := h.core.CreateSession(req.ToolType, mode, req.Cwd, req.Sandbox)
	if err != nil {
		Fail(w, err)
		return
	}
	JSON(w, http.StatusCreated, s)
}

// Get returns one session.
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	s, err := h.core.Session(chi.URLParam(r, "sessionID"))
	if err != nil {
		Fail(w, err)
		return
	}
	JSON(w, http.StatusOK, s)
}

// Delete removes a session and everything it owns.
func (h *SessionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.core.DeleteSession(r.Context(), chi.URLParam(r, "sessionID")); err != nil {
		Fail(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

type dispatchRequest struct {
	TabID     string   `json:"tab_id"`
	Text      string   `json:"text"`
	Images    []string `json:"images,omitempty"`
	IsCommand bool     `json:"is_command"`
}

// Dispatch runs or queues a task for a tab.
func (h *SessionHandler) Dispatch(w http.ResponseWriter, r *http.Request) {
	var req dispatchRequest
	if err := decode(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Text == "" {
		Error(w, http.StatusBadRequest, "text is required")
		return
	}

	err := h.core.DispatchTask(chi.URLParam(r, "sessionID"), core.TaskRequest{
		TabID:     req.TabID,
		Text:      req.Text,
		Images:    req.Images,
		IsCommand: req.IsCommand,
	})
	if err != nil {
		Fail(w, err)
		return
	}
	JSON(w, http.StatusAccepted, map[string]string{"status": "dispatched"})
}

// Interrupt gracefully stops the session's running process.
func (h *SessionHandler) Interrupt(w http.ResponseWriter, r *http.Request) {
	if err := h.core.InterruptSession(chi.URLParam(r, "sessionID")); err != nil {
		Fail(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "interrupted"})
}

type killRequest struct {
	Confirm bool `json:"confirm"`
}

// Kill force-terminates the session's running process. Destructive, so the
// request must carry an explicit confirmation.
func (h *SessionHandler) Kill(w http.ResponseWriter, r *http.Request) {
	var req killRequest
	if err := decode(r, &req); err != nil || !req.Confirm {
		Error(w, http.StatusBadRequest, "kill requires confirm: true")
		return
	}
	if err := h.core.KillSession(chi.URLParam(r, "sessionID")); err != nil {
		Fail(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "killed"})
}

type runCommandRequest struct {
	Command string `json:"command"`
}

// RunCommand executes a one-shot shell command in the session's working
// directory and returns its captured output.
func (h *SessionHandler) RunCommand(w http.ResponseWriter, r *http.Request) {
	var req runCommandRequest
	if err := decode(r, &req); err != nil || req.Command == "" {
		Error(w, http.StatusBadRequest, "command is required")
		return
	}
	res, err := h.core.RunCommand(r.Context(), chi.URLParam(r, "sessionID"), req.Command)
	if err != nil {
		Fail(w, err)
		return
	}
	JSON(w, http.StatusOK, res)
}

// CancelQueued removes one pending queue item by position.
func (h *SessionHandler) CancelQueued(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		Error(w, http.StatusBadRequest, "invalid queue index")
		return
	}
	if err := h.core.CancelQueuedItem(chi.URLParam(r, "sessionID"), index); err != nil {
		Fail(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "canceled"})
}

type recoverRequest struct {
	Action string `json:"action"`
}

// Recover resolves the session's agent error with the chosen action.
func (h *SessionHandler) Recover(w http.ResponseWriter, r *http.Request) {
	var req recoverRequest
	if err := decode(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s, err := h.core.Recover(chi.URLParam(r, "sessionID"), core.RecoveryAction(req.Action))
	if err != nil {
		Fail(w, err)
		return
	}
	JSON(w, http.StatusOK, s)
}

// SlashCommands returns the commands the session's agent advertised.
func (h *SessionHandler) SlashCommands(w http.ResponseWriter, r *http.Request) {
	s, err := h.core.Session(chi.URLParam(r, "sessionID"))
	if err != nil {
		Fail(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"commands": s.SlashCommands})
}

// AddTab opens a fresh tab.
func (h *SessionHandler) AddTab(w http.ResponseWriter, r *http.Request) {
	s, err := h.core.AddTab(chi.URLParam(r, "sessionID"))
	if err != nil {
		Fail(w, err)
		return
	}
	JSON(w, http.StatusCreated, s)
}

// CloseTab removes a tab.
func (h *SessionHandler) CloseTab(w http.ResponseWriter, r *http.Request) {
	s, err := h.core.CloseTab(chi.URLParam(r, "sessionID"), chi.URLParam(r, "tabID"))
	if err != nil {
		Fail(w, err)
		return
	}
	JSON(w, http.StatusOK, s)
}

type updateTabRequest struct {
	Name          *string `json:"name,omitempty"`
	Starred       *bool   `json:"starred,omitempty"`
	ReadOnlyMode  *bool   `json:"read_only_mode,omitempty"`
	SaveToHistory *bool   `json:"save_to_history,omitempty"`
}

// UpdateTab applies mutable tab settings.
func (h *SessionHandler) UpdateTab(w http.ResponseWriter, r *http.Request) {
	var req updateTabRequest
	if err := decode(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s, err := h.core.UpdateTab(chi.URLParam(r, "sessionID"), chi.URLParam(r, "tabID"), func(t *domain.Tab) {
		if req.Name != nil {
			t.Name = *req.Name
		}
		if req.Starred != nil {
			t.Starred = *req.Starred
		}
		if req.ReadOnlyMode != nil {
			t.ReadOnlyMode = *req.ReadOnlyMode
		}
		if req.SaveToHistory != nil {
			t.SaveToHistory = *req.SaveToHistory
		}
	})
	if err != nil {
		Fail(w, err)
		return
	}
	JSON(w, http.StatusOK, s)
}

// ActivateTab switches the session's active tab.
func (h *SessionHandler) ActivateTab(w http.ResponseWriter, r *http.Request) {
	s, err := h.core.SetActiveTab(chi.URLParam(r, "sessionID"), chi.URLParam(r, "tabID"))
	if err != nil {
		Fail(w, err)
		return
	}
	JSON(w, http.StatusOK, s)
}

