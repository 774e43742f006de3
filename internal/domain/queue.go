package domain

import "time"

// QueuedItemType distinguishes deferred work units.
type QueuedItemType string

const (
	// QueuedMessage is free text, optionally with image attachments.
	QueuedMessage QueuedItemType = "message"
	// QueuedCommand is a known slash command by name.
	QueuedCommand QueuedItemType = "command"
)

// QueuedItem is a deferred unit of work waiting for its destination tab to
// go idle. Items are appended to the session queue when a task request
// arrives for a busy tab and consumed from the front exactly once, either
// on the tab's process exit or on an explicit interrupt.
type QueuedItem struct {
	Type      QueuedItemType `json:"type"`
	TabID     string         `json:"tab_id"`
	Text      string         `json:"text"`
	Images    []string       `json:"images,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
