// Package domain contains the core data model for the crewdeck orchestrator.
package domain

import (
	"time"
)

// InputMode selects what a session's primary input drives.
type InputMode string

const (
	// InputModeAI routes input to the session's agent CLI.
	InputModeAI InputMode = "ai"
	// InputModeTerminal routes input to an interactive shell.
	InputModeTerminal InputMode = "terminal"
)

// BusySource identifies which kind of work made a session busy. Only one
// source is tracked at session level even when several tabs run in parallel.
type BusySource string

const (
	BusySourceAI       BusySource = "ai"
	BusySourceTerminal BusySource = "terminal"
)

// SessionState is the session's derived execution state.
type SessionState string

const (
	SessionIdle  SessionState = "idle"
	SessionBusy  SessionState = "busy"
	SessionError SessionState = "error"
)

// Session is one working directory plus one agent type, holding one or more
// conversation tabs. All mutation happens inside the orchestration core;
// collaborators only ever see copies.
type Session struct {
	ID          string         `json:"id"`
	ToolType    string         `json:"tool_type"`
	InputMode   InputMode      `json:"input_mode"`
	Cwd         string         `json:"cwd"`
	Sandbox     bool           `json:"sandbox,omitempty"`
	Tabs        []*Tab         `json:"tabs"`
	ActiveTabID string         `json:"active_tab_id"`
	Queue       []QueuedItem   `json:"queue"`
	BusySource  BusySource     `json:"busy_source,omitempty"`
	Usage       UsageStats     `json:"usage"`
	Batch       *BatchRunState `json:"batch,omitempty"`
	AgentError  *AgentError    `json:"agent_error,omitempty"`
	// SlashCommands holds the command names the spawned agent reported.
	SlashCommands []string `json:"slash_commands,omitempty"`
	// TerminalRunning mirrors whether the session's interactive shell
	// process is alive; maintained by the orchestration core.
	TerminalRunning bool      `json:"terminal_running"`
	CreatedAt       time.Time `json:"created_at"`
}

// Tab returns the tab with the given id, or nil.
func (s *Session) Tab(tabID string) *Tab {
	for _, t := range s.Tabs {
		if t.ID == tabID {
			return t
		}
	}
	return nil
}

// State derives the session's execution state: error while an unresolved
// agent error is attached, busy while any tab or the terminal process runs,
// idle otherwise.
func (s *Session) State() SessionState {
	if s.AgentError != nil {
		return SessionError
	}
	if s.TerminalRunning {
		return SessionBusy
	}
	if s.Batch != nil && s.Batch.Phase == BatchRunning {
		return SessionBusy
	}
	for _, t := range s.Tabs {
		if t.State == TabBusy {
			return SessionBusy
		}
	}
	return SessionIdle
}

// QueuedForTab counts pending queue items destined for a tab.
func (s *Session) QueuedForTab(tabID string) int {
	n := 0
	for _, item := range s.Queue {
		if item.TabID == tabID {
			n++
		}
	}
	return n
}

// HasSlashCommand reports whether the agent advertised the named command.
// An empty discovered set means discovery has not happened yet and every
// command is allowed through.
func (s *Session) HasSlashCommand(name string) bool {
	if len(s.SlashCommands) == 0 {
		return true
	}
	for _, c := range s.SlashCommands {
		if c == name {
			return true
		}
	}
	return false
}
