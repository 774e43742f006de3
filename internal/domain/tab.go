package domain

import "time"

// TabState is a tab's execution state.
type TabState string

const (
	TabIdle  TabState = "idle"
	TabBusy  TabState = "busy"
	TabError TabState = "error"
)

// Tab is one independent conversation thread within a session. A tab is
// busy for at most one outstanding process at a time; a new task may only
// be launched against it from idle.
type Tab struct {
	ID string `json:"id"`
	// AgentSessionID is the external agent's own resumable session handle,
	// set once the spawned process reports it.
	AgentSessionID string   `json:"agent_session_id,omitempty"`
	Name           string   `json:"name,omitempty"`
	Starred        bool     `json:"starred"`
	State          TabState `json:"state"`
	// ThinkingStartTime is set when the tab turns busy and re-stamped when
	// a queued item for the same tab follows immediately.
	ThinkingStartTime *time.Time `json:"thinking_start_time,omitempty"`
	Usage             UsageStats `json:"usage"`
	ReadOnlyMode      bool       `json:"read_only_mode"`
	SaveToHistory     bool       `json:"save_to_history"`
	CreatedAt         time.Time  `json:"created_at"`
}

// MarkBusy flips the tab to busy and stamps the thinking start time.
func (t *Tab) MarkBusy(now time.Time) {
	t.State = TabBusy
	t.ThinkingStartTime = &now
}

// MarkIdle flips the tab to idle and clears the thinking start time.
func (t *Tab) MarkIdle() {
	t.State = TabIdle
	t.ThinkingStartTime = nil
}
