package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/containerd/errdefs"

	"github.com/avoss/crewdeck/internal/channel"
	"github.com/avoss/crewdeck/internal/domain"
)

// classify maps an agent's error output to a recovery category. Matching is
// on substrings of the tool's known failure messages; anything unmatched
// stays unclassified but recoverable, so the operator is never stuck.
func classify(detail string, exitCode int) domain.AgentError {
	lower := strings.ToLower(detail)

	kind := domain.ErrorUnclassified
	recoverable := true
	switch {
	case strings.Contains(lower, "invalid api key") ||
		strings.Contains(lower, "authentication") ||
		strings.Contains(lower, "credit balance") ||
		strings.Contains(lower, "401"):
		kind = domain.ErrorAuthExpired
	case strings.Contains(lower, "rate limit") ||
		strings.Contains(lower, "overloaded") ||
		strings.Contains(lower, "quota") ||
		strings.Contains(lower, "429"):
		kind = domain.ErrorRateLimited
	case exitCode != 0:
		kind = domain.ErrorCrashed
		recoverable = false
	}

	return domain.AgentError{
		Kind:        kind,
		Recoverable: recoverable,
		Detail:      detail,
		At:          time.Now(),
	}
}

// RecoveryAction names one of the operator's ways out of an agent error.
type RecoveryAction string

const (
	// RecoveryClear dismisses the error and returns the tab to idle.
	RecoveryClear RecoveryAction = "clear"
	// RecoveryRetry clears the error; the caller re-sends the failed task.
	RecoveryRetry RecoveryAction = "retry"
	// RecoveryNewSession opens a fresh tab, abandoning the failed
	// conversation.
	RecoveryNewSession RecoveryAction = "new_session"
	// RecoveryRestartAgent force-kills any process left on the failed
	// tab's channel and drops its resume handle, so the next dispatch
	// starts a clean agent.
	RecoveryRestartAgent RecoveryAction = "restart_agent"
)

// Recover resolves a session's attached agent error with the chosen action.
// Batch error pauses are resolved through the batch operations instead.
func (c *Core) Recover(sessionID string, action RecoveryAction) (*domain.Session, error) {
	c.mu.Lock()
	s, ok := c.sessions[sessionID]
	if !ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("session %s: %w", sessionID, errdefs.ErrNotFound)
	}
	if s.AgentError == nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("session %s has no agent error: %w", sessionID, errdefs.ErrNotFound)
	}
	if s.Batch.Active() {
		c.mu.Unlock()
		return nil, fmt.Errorf("resolve the batch error pause via its batch operations: %w", errdefs.ErrConflict)
	}

	failedTabID := s.AgentError.TabID
	var killCh *channel.ID

	switch action {
	case RecoveryClear, RecoveryRetry:
		c.clearErrorLocked(s)
	case RecoveryNewSession:
		c.clearErrorLocked(s)
		fresh := &domain.Tab{ID: newID(), State: domain.TabIdle, SaveToHistory: true, CreatedAt: time.Now()}
		s.Tabs = append(s.Tabs, fresh)
		s.ActiveTabID = fresh.ID
	case RecoveryRestartAgent:
		c.clearErrorLocked(s)
		if tab := s.Tab(failedTabID); tab != nil {
			tab.AgentSessionID = ""
			ch := channel.Ai(sessionID, tab.ID)
			killCh = &ch
		}
	default:
		c.mu.Unlock()
		return nil, fmt.Errorf("unknown recovery action %q: %w", action, errdefs.ErrInvalidArgument)
	}

	snap := cloneSession(s)
	c.mu.Unlock()

	if killCh != nil && c.spawner.IsActive(*killCh) {
		// The killed process's late exit must read as canceled, not as a
		// fresh crash.
		c.mu.Lock()
		c.canceled[killCh.String()] = true
		c.mu.Unlock()
		if err := c.spawner.Kill(*killCh); err != nil && !errdefs.IsNotFound(err) {
			c.logger.Warn("Failed to kill agent during restart", "channel", killCh.String(), "error", err)
		}
	}

	c.logger.Info("Agent error resolved", "session_id", sessionID, "action", string(action))
	c.publishState(snap)
	return snap, nil
}

// clearErrorLocked detaches the error and returns errored tabs to idle.
func (c *Core) clearErrorLocked(s *domain.Session) {
	s.AgentError = nil
	for _, t := range s.Tabs {
		if t.State == domain.TabError {
			t.MarkIdle()
		}
	}
}
