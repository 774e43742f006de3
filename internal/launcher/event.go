package launcher

import (
	"github.com/avoss/crewdeck/internal/channel"
	"github.com/avoss/crewdeck/internal/domain"
)

// EventKind discriminates launcher events.
type EventKind int

const (
	// EventData is a chunk of process stdout that carried no metadata.
	EventData EventKind = iota
	// EventStderr is a chunk of process stderr.
	EventStderr
	// EventExit reports an interactive process's exit. Emitted exactly once
	// per process, after the process is removed from the active inventory.
	EventExit
	// EventCommandExit is the separate exit stream for one-shot commands.
	EventCommandExit
	// EventUsage carries a token/cost delta parsed from the agent stream.
	EventUsage
	// EventAgentSessionID reports the external agent's resumable session handle.
	EventAgentSessionID
	// EventSlashCommands reports the slash commands the agent advertised.
	EventSlashCommands
	// EventAgentError reports a failure the agent surfaced mid-run.
	EventAgentError
)

// String returns the kind name for logging.
func (k EventKind) String() string {
	switch k {
	case EventData:
		return "data"
	case EventStderr:
		return "stderr"
	case EventExit:
		return "exit"
	case EventCommandExit:
		return "command_exit"
	case EventUsage:
		return "usage"
	case EventAgentSessionID:
		return "agent_session_id"
	case EventSlashCommands:
		return "slash_commands"
	case EventAgentError:
		return "agent_error"
	default:
		return "unknown"
	}
}

// Event is an asynchronous notification keyed by the channel that produced
// it. Events for one channel are delivered in the order the process emitted
// them: one reader goroutine per stream feeds a single dispatcher.
type Event struct {
	Channel channel.ID
	Kind    EventKind

	Data           []byte
	ExitCode       int
	Usage          domain.UsageStats
	AgentSessionID string
	SlashCommands  []string
	// Detail carries diagnostic text for EventAgentError and non-zero exits.
	Detail string
}

// Sink consumes launcher events. The output router implements this.
type Sink interface {
	HandleEvent(ev Event)
}
