package harnessports

import (
	"context"
)

// RunRecord is what a finished run leaves behind for a conversation.
type RunRecord struct {
	ConversationID string
	RunID          string
	Messages       []Message // messages produced by the run, initial prompt included
	Reason         TerminationReason
	Usage          Usage
	Turns          int
}

// ConversationStore persists conversations across runs.
type ConversationStore interface {
	SaveRun(ctx context.Context, rec RunRecord) error
	LoadHistory(ctx context.Context, conversationID string, k int) ([]Message, error) // last-k messages, oldest first
}
