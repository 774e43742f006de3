package domain

import "time"

// AgentErrorKind classifies a failure surfaced by a spawned agent process.
type AgentErrorKind string

const (
	ErrorAuthExpired  AgentErrorKind = "auth_expired"
	ErrorRateLimited  AgentErrorKind = "rate_limited"
	ErrorCrashed      AgentErrorKind = "crashed"
	ErrorUnclassified AgentErrorKind = "unclassified"
)

// AgentError is a classified agent failure. It stays attached to the owning
// session (and the active batch run, if any) until explicitly cleared by a
// recovery action.
type AgentError struct {
	Kind        AgentErrorKind `json:"kind"`
	Recoverable bool           `json:"recoverable"`
	Detail      string         `json:"detail,omitempty"`
	// TabID is set when the failure belongs to a specific tab's channel.
	TabID string    `json:"tab_id,omitempty"`
	At    time.Time `json:"at"`
}
