package storage

import "time"

// EventWriter is the interface for archiving violation events on the
// server. Write() must NEVER block the caller: archiving is off the
// broadcast path and loss here degrades reporting, not escalation.
type EventWriter interface {
	Write(event *ArchiveEvent)
	Close()
}

// ArchiveEvent is one received violation or help request to be persisted
// for reporting.
type ArchiveEvent struct {
	EventID     string
	EventType   string
	OperatorID  string
	Dept        string
	Keyword     string
	Description string
	EvidenceRef string
	OccurredAt  time.Time
	ReceivedAt  time.Time
	Duplicate   bool
}
