package domain

import "time"

// BatchPhase is the batch run controller's state.
type BatchPhase string

const (
	BatchRunning     BatchPhase = "running"
	BatchErrorPaused BatchPhase = "error_paused"
	BatchCompleted   BatchPhase = "completed"
	BatchStopped     BatchPhase = "stopped"
	BatchAborted     BatchPhase = "aborted"
)

// BatchErrorPause is the snapshot recorded when a batch task fails: enough
// to re-dispatch the same document, skip it, or abort, without discarding
// completed work.
type BatchErrorPause struct {
	DocumentIndex   int        `json:"document_index"`
	Err             AgentError `json:"error"`
	TaskDescription string     `json:"task_description"`
}

// BatchRunState tracks one active document-iteration run for a session.
// At most one run is active per session at a time.
type BatchRunState struct {
	Documents      []string         `json:"documents"`
	PromptTemplate string           `json:"prompt_template"`
	Index          int              `json:"index"`
	Completed      int              `json:"completed"`
	Loop           bool             `json:"loop"`
	IsStopping     bool             `json:"is_stopping"`
	Phase          BatchPhase       `json:"phase"`
	Pause          *BatchErrorPause `json:"pause,omitempty"`
	StartedAt      time.Time        `json:"started_at"`
}

// Active reports whether the run still owns the session's batch slot.
func (b *BatchRunState) Active() bool {
	return b != nil && (b.Phase == BatchRunning || b.Phase == BatchErrorPaused)
}
