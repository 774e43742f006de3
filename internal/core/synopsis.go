package core

import (
	"context"
	"strings"
	"time"
)

const (
	synopsisTimeout = 60 * time.Second
	synopsisMaxLen  = 60
)

// runSynopsis asks the agent for a short title for an unnamed tab after its
// first completed task. Best effort: any failure leaves the tab unnamed.
func (c *Core) runSynopsis(sessionID, tabID, toolType, cwd, taskText string) {
	if len(taskText) > 500 {
		taskText = taskText[:500]
	}
	inv, err := synopsisInvocation(toolType, taskText)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), synopsisTimeout)
	defer cancel()

	res, err := c.spawner.RunTool(ctx, sessionID, inv.Command, inv.Args, cwd)
	if err != nil || res.ExitCode != 0 {
		c.logger.Debug("Synopsis run failed", "session_id", sessionID, "tab_id", tabID, "error", err)
		return
	}

	name := strings.TrimSpace(res.Stdout)
	if i := strings.IndexByte(name, '\n'); i >= 0 {
		name = name[:i]
	}
	if len(name) > synopsisMaxLen {
		name = name[:synopsisMaxLen]
	}
	if name == "" {
		return
	}

	c.mu.Lock()
	s, ok := c.sessions[sessionID]
	if !ok {
		c.mu.Unlock()
		return
	}
	tab := s.Tab(tabID)
	if tab == nil || tab.Name != "" {
		// The operator named it first.
		c.mu.Unlock()
		return
	}
	tab.Name = name
	snap := cloneSession(s)
	c.mu.Unlock()

	c.logger.Info("Tab named from synopsis", "session_id", sessionID, "tab_id", tabID, "name", name)
	c.publishState(snap)
}
