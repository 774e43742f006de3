package launcher

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"log/slog"

	"github.com/avoss/crewdeck/internal/channel"
	"github.com/avoss/crewdeck/internal/domain"
)

// Agent CLIs in stream mode interleave JSON metadata lines with plain text
// output. The scanner extracts usage totals, the external session handle,
// the advertised slash commands, and typed errors, and forwards everything
// else untouched as data.

const maxLineBytes = 1024 * 1024

// metaLine is the superset of metadata fields the supported agent CLIs
// emit. Field names follow the claude stream-json wire format; codex and
// gemini map onto the same shape closely enough to share the decoder.
type metaLine struct {
	Type          string        `json:"type"`
	Subtype       string        `json:"subtype"`
	SessionID     string        `json:"session_id"`
	SlashCommands []string      `json:"slash_commands"`
	Usage         *usagePayload `json:"usage"`
	TotalCostUSD  float64       `json:"total_cost_usd"`
	IsError       bool          `json:"is_error"`
	Result        string        `json:"result"`
	Error         string        `json:"error"`
}

type usagePayload struct {
	InputTokens         int64 `json:"input_tokens"`
	OutputTokens        int64 `json:"output_tokens"`
	CacheReadTokens     int64 `json:"cache_read_input_tokens"`
	CacheCreationTokens int64 `json:"cache_creation_input_tokens"`
}

func (u *usagePayload) stats(cost float64) domain.UsageStats {
	return domain.UsageStats{
		InputTokens:         u.InputTokens,
		OutputTokens:        u.OutputTokens,
		CacheReadTokens:     u.CacheReadTokens,
		CacheCreationTokens: u.CacheCreationTokens,
		CostUSD:             cost,
	}
}

// scanStream reads a process's stdout line by line, emitting metadata
// events for recognized JSON lines and data events for everything else.
// Runs on the per-process reader goroutine; emit preserves order because
// all events funnel into the launcher's single dispatch queue.
func scanStream(ch channel.ID, r io.Reader, emit func(Event), logger *slog.Logger) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := scanner.Bytes()
		if handled := scanMetaLine(ch, line, emit, logger); handled {
			continue
		}
		data := make([]byte, len(line)+1)
		copy(data, line)
		data[len(line)] = '\n'
		emit(Event{Channel: ch, Kind: EventData, Data: data})
	}
	if err := scanner.Err(); err != nil && err != io.ErrClosedPipe {
		logger.Debug("[SCANNER] Stream read ended", "channel", ch.String(), "error", err)
	}
}

// scanMetaLine decodes a single line. Returns true when the line was a
// metadata line and has been consumed.
func scanMetaLine(ch channel.ID, line []byte, emit func(Event), logger *slog.Logger) bool {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return false
	}

	var meta metaLine
	if err := json.Unmarshal(trimmed, &meta); err != nil || meta.Type == "" {
		// Plain text that merely looks like JSON passes through as data.
		return false
	}

	switch meta.Type {
	case "system":
		if meta.Subtype != "init" {
			return false
		}
		if meta.SessionID != "" {
			emit(Event{Channel: ch, Kind: EventAgentSessionID, AgentSessionID: meta.SessionID})
		}
		if len(meta.SlashCommands) > 0 {
			emit(Event{Channel: ch, Kind: EventSlashCommands, SlashCommands: meta.SlashCommands})
		}
		return true

	case "result":
		if meta.Usage != nil {
			emit(Event{Channel: ch, Kind: EventUsage, Usage: meta.Usage.stats(meta.TotalCostUSD)})
		}
		if meta.IsError {
			detail := meta.Result
			if detail == "" {
				detail = meta.Error
			}
			emit(Event{Channel: ch, Kind: EventAgentError, Detail: detail})
		}
		return true

	case "error":
		detail := meta.Error
		if detail == "" {
			detail = meta.Result
		}
		emit(Event{Channel: ch, Kind: EventAgentError, Detail: detail})
		return true
	}

	logger.Debug("[SCANNER] Unrecognized metadata line", "channel", ch.String(), "type", meta.Type)
	return false
}
