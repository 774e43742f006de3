// Package channel defines the composite channel identifiers used to address
// spawned processes. A channel id is the only identity the process launcher
// understands; everything above it routes on the decoded form.
package channel

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Kind categorizes what a channel's output is for.
type Kind int

const (
	// KindCommand is a one-shot terminal command channel. Its id is a bare
	// session id with no suffix.
	KindCommand Kind = iota
	// KindAi is agent output destined for a specific tab.
	KindAi
	// KindTerminal is interactive shell output for a session.
	KindTerminal
	// KindBatch is batch-internal task output. The batch controller owns
	// completion detection for these channels; the generic exit path skips them.
	KindBatch
)

// String returns the kind name for logging.
func (k Kind) String() string {
	switch k {
	case KindAi:
		return "ai"
	case KindTerminal:
		return "terminal"
	case KindBatch:
		return "batch"
	default:
		return "command"
	}
}

const (
	aiMarker       = "-ai-"
	terminalSuffix = "-terminal"
	batchMarker    = "-batch-"
)

// idPattern constrains session and tab ids so the wire markers above can
// never appear inside an id.
var idPattern = regexp.MustCompile(`^[a-f0-9]{8,32}$`)

// ValidID reports whether s is usable as a session or tab id.
func ValidID(s string) bool {
	return idPattern.MatchString(s)
}

// ID is the decoded form of a channel identifier. Parse once at the launcher
// boundary; downstream code never re-parses the string.
type ID struct {
	SessionID string
	Kind      Kind
	// TabID is set only for KindAi.
	TabID string
	// Stamp is the unix-millisecond timestamp for KindBatch channels.
	Stamp int64
}

// Ai returns the channel addressing agent output for one tab.
func Ai(sessionID, tabID string) ID {
	return ID{SessionID: sessionID, Kind: KindAi, TabID: tabID}
}

// Terminal returns the session's interactive shell channel.
func Terminal(sessionID string) ID {
	return ID{SessionID: sessionID, Kind: KindTerminal}
}

// Batch returns a fresh batch task channel stamped with the current time.
func Batch(sessionID string) ID {
	return ID{SessionID: sessionID, Kind: KindBatch, Stamp: time.Now().UnixMilli()}
}

// Command returns the session's one-shot command channel.
func Command(sessionID string) ID {
	return ID{SessionID: sessionID, Kind: KindCommand}
}

// String encodes the identifier in the wire format:
//
//	"{sessionId}-ai-{tabId}"      agent output for a tab
//	"{sessionId}-terminal"        interactive shell output
//	"{sessionId}-batch-{stamp}"   batch task output
//	"{sessionId}"                 one-shot command output
func (id ID) String() string {
	switch id.Kind {
	case KindAi:
		return id.SessionID + aiMarker + id.TabID
	case KindTerminal:
		return id.SessionID + terminalSuffix
	case KindBatch:
		return fmt.Sprintf("%s%s%d", id.SessionID, batchMarker, id.Stamp)
	default:
		return id.SessionID
	}
}

// Parse decodes a wire-format channel identifier. The marker checks run in
// the order ai, terminal, batch; anything without a recognized marker is a
// one-shot command channel. Session and tab ids are hex, so a marker can
// never be a substring of an id.
func Parse(s string) (ID, error) {
	if s == "" {
		return ID{}, fmt.Errorf("parse channel id: empty")
	}
	if i := strings.Index(s, aiMarker); i >= 0 {
		sid, tid := s[:i], s[i+len(aiMarker):]
		if !ValidID(sid) || !ValidID(tid) {
			return ID{}, fmt.Errorf("parse channel id %q: bad ai channel", s)
		}
		return ID{SessionID: sid, Kind: KindAi, TabID: tid}, nil
	}
	if strings.HasSuffix(s, terminalSuffix) {
		sid := strings.TrimSuffix(s, terminalSuffix)
		if !ValidID(sid) {
			return ID{}, fmt.Errorf("parse channel id %q: bad terminal channel", s)
		}
		return ID{SessionID: sid, Kind: KindTerminal}, nil
	}
	if i := strings.Index(s, batchMarker); i >= 0 {
		sid, raw := s[:i], s[i+len(batchMarker):]
		stamp, err := strconv.ParseInt(raw, 10, 64)
		if !ValidID(sid) || err != nil {
			return ID{}, fmt.Errorf("parse channel id %q: bad batch channel", s)
		}
		return ID{SessionID: sid, Kind: KindBatch, Stamp: stamp}, nil
	}
	if !ValidID(s) {
		return ID{}, fmt.Errorf("parse channel id %q: bad session id", s)
	}
	return ID{SessionID: s, Kind: KindCommand}, nil
}
