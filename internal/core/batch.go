package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/containerd/errdefs"

	"github.com/avoss/crewdeck/internal/channel"
	"github.com/avoss/crewdeck/internal/domain"
	"github.com/avoss/crewdeck/internal/eventbus"
	"github.com/avoss/crewdeck/internal/launcher"
	"github.com/avoss/crewdeck/internal/store"
)

// documentPlaceholder marks where the document text lands in the prompt
// template. A template without it gets the document appended.
const documentPlaceholder = "{document}"

// StartBatchRun begins iterating documents through the session's agent, one
// task per document. Only one run may be active per session.
func (c *Core) StartBatchRun(sessionID string, documents []string, promptTemplate string, loop bool) error {
	if len(documents) == 0 {
		return fmt.Errorf("batch run needs at least one document: %w", errdefs.ErrInvalidArgument)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, errdefs.ErrNotFound)
	}
	if s.Batch.Active() {
		return fmt.Errorf("session %s already has an active batch run: %w", sessionID, errdefs.ErrConflict)
	}
	if s.AgentError != nil {
		return fmt.Errorf("session %s has an unresolved agent error: %w", sessionID, errdefs.ErrConflict)
	}

	s.Batch = &domain.BatchRunState{
		Documents:      append([]string(nil), documents...),
		PromptTemplate: promptTemplate,
		Phase:          domain.BatchRunning,
		StartedAt:      time.Now(),
		Loop:           loop,
	}
	if err := c.spawnBatchTaskLocked(s); err != nil {
		s.Batch = nil
		return err
	}

	c.logger.Info("Batch run started", "session_id", sessionID, "documents", len(documents), "loop", loop)
	c.publishStateLocked(s)
	return nil
}

// StopBatchRun requests a graceful stop: the current document finishes, then
// the run ends with a stopped summary.
func (c *Core) StopBatchRun(sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, run, err := c.activeBatchLocked(sessionID)
	if err != nil {
		return err
	}
	run.IsStopping = true
	c.logger.Info("Batch run stopping after current document", "session_id", sessionID, "index", run.Index)
	c.publishStateLocked(s)
	return nil
}

// SkipCurrentDocument resolves an error pause by abandoning the failed
// document. Skipping the last document completes the run.
func (c *Core) SkipCurrentDocument(sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, run, err := c.pausedBatchLocked(sessionID)
	if err != nil {
		return err
	}
	run.Pause = nil
	run.Phase = domain.BatchRunning
	s.AgentError = nil
	c.logger.Info("Batch document skipped", "session_id", sessionID, "index", run.Index)
	c.advanceBatchLocked(s, run)
	c.publishStateLocked(s)
	return nil
}

// ResumeAfterError resolves an error pause by re-dispatching the same
// document. Resuming a run that is not paused is a no-op: the pause may
// already have been resolved by a racing skip or abort.
func (c *Core) ResumeAfterError(sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, run, err := c.activeBatchLocked(sessionID)
	if err != nil {
		return err
	}
	if run.Phase != domain.BatchErrorPaused {
		return nil
	}
	run.Pause = nil
	run.Phase = domain.BatchRunning
	s.AgentError = nil
	if err := c.spawnBatchTaskLocked(s); err != nil {
		return err
	}
	c.logger.Info("Batch run resumed", "session_id", sessionID, "index", run.Index)
	c.publishStateLocked(s)
	return nil
}

// AbortBatchOnError resolves an error pause by discarding the whole run.
// Completed work stays counted in usage, but no completion summary goes out.
func (c *Core) AbortBatchOnError(sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, run, err := c.pausedBatchLocked(sessionID)
	if err != nil {
		return err
	}
	run.Phase = domain.BatchAborted
	run.Pause = nil
	s.AgentError = nil
	s.Batch = nil
	delete(c.batchChannels, sessionID)
	c.logger.Warn("Batch run aborted", "session_id", sessionID, "completed", run.Completed)
	c.publishStateLocked(s)
	return nil
}

func (c *Core) activeBatchLocked(sessionID string) (*domain.Session, *domain.BatchRunState, error) {
	s, ok := c.sessions[sessionID]
	if !ok {
		return nil, nil, fmt.Errorf("session %s: %w", sessionID, errdefs.ErrNotFound)
	}
	if !s.Batch.Active() {
		return nil, nil, fmt.Errorf("session %s has no active batch run: %w", sessionID, errdefs.ErrNotFound)
	}
	return s, s.Batch, nil
}

func (c *Core) pausedBatchLocked(sessionID string) (*domain.Session, *domain.BatchRunState, error) {
	s, run, err := c.activeBatchLocked(sessionID)
	if err != nil {
		return nil, nil, err
	}
	if run.Phase != domain.BatchErrorPaused {
		return nil, nil, fmt.Errorf("batch run is not error-paused: %w", errdefs.ErrConflict)
	}
	return s, run, nil
}

// spawnBatchTaskLocked starts the agent process for the current document on
// a fresh batch channel.
func (c *Core) spawnBatchTaskLocked(s *domain.Session) error {
	run := s.Batch
	doc := run.Documents[run.Index]
	prompt := run.PromptTemplate
	if strings.Contains(prompt, documentPlaceholder) {
		prompt = strings.ReplaceAll(prompt, documentPlaceholder, doc)
	} else {
		prompt = prompt + "\n\n" + doc
	}

	// Batch tasks never resume a conversation: each document starts clean.
	inv, err := buildInvocation(s.ToolType, prompt, "", false)
	if err != nil {
		return err
	}
	ch := channel.Batch(s.ID)
	if _, err := c.spawner.Spawn(launcher.SpawnSpec{
		Channel: ch,
		Command: inv.Command,
		Args:    inv.Args,
		Cwd:     s.Cwd,
	}); err != nil {
		return fmt.Errorf("spawn batch task for document %d: %w", run.Index, err)
	}
	c.batchChannels[s.ID] = ch
	c.lastActive[s.ID] = time.Now()
	return nil
}

// onBatchExit is the batch controller's own completion detection, separate
// from the tab path. Exits from channels other than the current batch task
// are stale and ignored.
func (c *Core) onBatchExit(ev launcher.Event) {
	c.mu.Lock()
	s, ok := c.sessions[ev.Channel.SessionID]
	if !ok {
		c.mu.Unlock()
		return
	}
	current, tracked := c.batchChannels[ev.Channel.SessionID]
	if !tracked || current != ev.Channel {
		c.mu.Unlock()
		c.logger.Warn("Discarding exit from stale batch channel", "channel", ev.Channel.String())
		return
	}
	run := s.Batch
	if run == nil || !run.Active() {
		c.mu.Unlock()
		return
	}
	// Per-channel bookkeeping is consumed on every exit, including the
	// dirty exit that trails an error line; batch channel keys are unique
	// per document, so a skipped delete here would leak.
	wasCanceled := c.canceled[ev.Channel.String()]
	delete(c.canceled, ev.Channel.String())
	delete(c.taskUsage, ev.Channel.String())

	if run.Phase == domain.BatchErrorPaused {
		// The error line already paused the run; the dirty exit that
		// follows it carries no new information.
		c.mu.Unlock()
		return
	}
	c.lastActive[s.ID] = time.Now()

	if ev.ExitCode != 0 && !wasCanceled {
		c.pauseBatchLocked(s, run, classify(ev.Detail, ev.ExitCode))
		snap := cloneSession(s)
		errSnap := *s.AgentError
		c.mu.Unlock()
		c.publishAgentError(s.ID, errSnap)
		c.publishState(snap)
		return
	}

	if wasCanceled {
		// User interrupt during a batch document stops the run where it is.
		run.Phase = domain.BatchStopped
		c.finishBatchLocked(s, run, true)
		snap := cloneSession(s)
		c.mu.Unlock()
		c.publishState(snap)
		return
	}

	run.Completed++
	c.logger.Info("Batch document completed", "session_id", s.ID, "index", run.Index, "completed", run.Completed)

	if run.IsStopping {
		run.Phase = domain.BatchStopped
		c.finishBatchLocked(s, run, true)
	} else {
		c.advanceBatchLocked(s, run)
	}
	snap := cloneSession(s)
	c.mu.Unlock()
	c.publishState(snap)
}

// onBatchError pauses the run with a snapshot of where it stood, so the
// operator can resume, skip, or abort without losing completed work.
func (c *Core) onBatchError(ev launcher.Event) {
	c.mu.Lock()
	s, ok := c.sessions[ev.Channel.SessionID]
	if !ok {
		c.mu.Unlock()
		return
	}
	current, tracked := c.batchChannels[ev.Channel.SessionID]
	if !tracked || current != ev.Channel {
		c.mu.Unlock()
		return
	}
	run := s.Batch
	if run == nil || run.Phase != domain.BatchRunning {
		c.mu.Unlock()
		return
	}

	c.pauseBatchLocked(s, run, classify(ev.Detail, 0))
	errSnap := *s.AgentError
	snap := cloneSession(s)
	c.mu.Unlock()

	c.publishAgentError(s.ID, errSnap)
	c.publishState(snap)
}

func (c *Core) pauseBatchLocked(s *domain.Session, run *domain.BatchRunState, agentErr domain.AgentError) {
	run.Phase = domain.BatchErrorPaused
	run.Pause = &domain.BatchErrorPause{
		DocumentIndex:   run.Index,
		Err:             agentErr,
		TaskDescription: run.Documents[run.Index],
	}
	s.AgentError = &agentErr
	c.logger.Error("Batch run paused on error", "session_id", s.ID, "index", run.Index, "kind", string(agentErr.Kind))
}

// advanceBatchLocked moves to the next document, wraps when looping, and
// finishes the run past the last document.
func (c *Core) advanceBatchLocked(s *domain.Session, run *domain.BatchRunState) {
	run.Index++
	if run.Index >= len(run.Documents) {
		if run.Loop {
			run.Index = 0
		} else {
			run.Phase = domain.BatchCompleted
			c.finishBatchLocked(s, run, false)
			return
		}
	}
	if err := c.spawnBatchTaskLocked(s); err != nil {
		c.pauseBatchLocked(s, run, domain.AgentError{
			Kind:        domain.ErrorCrashed,
			Recoverable: true,
			Detail:      err.Error(),
			At:          time.Now(),
		})
	}
}

// finishBatchLocked emits the run's only externally observable completion
// signal and archives a summary. The batch slot frees immediately.
func (c *Core) finishBatchLocked(s *domain.Session, run *domain.BatchRunState, wasStopped bool) {
	delete(c.batchChannels, s.ID)
	s.Batch = nil

	summary := store.BatchSummary{
		SessionID:  s.ID,
		Completed:  run.Completed,
		Total:      len(run.Documents),
		WasStopped: wasStopped,
		ElapsedMs:  time.Since(run.StartedAt).Milliseconds(),
		FinishedAt: time.Now(),
	}
	c.logger.Info("Batch run finished", "session_id", s.ID, "completed", run.Completed, "total", len(run.Documents), "stopped", wasStopped)

	if c.bus != nil {
		c.bus.Publish(eventbus.Event{Type: eventbus.EventBatchCompleted, BatchCompleted: &eventbus.BatchCompleted{
			SessionID:      s.ID,
			CompletedCount: run.Completed,
			TotalCount:     len(run.Documents),
			WasStopped:     wasStopped,
		}})
	}
	if c.repo != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := c.repo.RecordBatchSummary(ctx, summary); err != nil {
				c.logger.Error("Failed to archive batch summary", "session_id", summary.SessionID, "error", err)
			}
		}()
	}
}
