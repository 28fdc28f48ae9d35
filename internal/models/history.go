package models

import "time"

// HistoryResult records whether a transition succeeded.
type HistoryResult string

const (
	HistoryResultSuccess HistoryResult = "success"
	HistoryResultFailure HistoryResult = "failure"
)

// HistoryEntry is one append-only audit record, written once per meaningful
// state transition and never mutated or deleted.
type HistoryEntry struct {
	ID            string
	SessionID     string
	Timestamp     time.Time
	Phase         Phase
	Action        string
	Result        HistoryResult
	FilesModified []string
}
