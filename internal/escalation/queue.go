package escalation

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// AlertState is the lifecycle state of a per-operator alert.
type AlertState int

const (
	StateOpen AlertState = iota + 1
	StateHandled
)

// String returns the lowercase state name.
func (s AlertState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHandled:
		return "handled"
	default:
		return "unspecified"
	}
}

// AlertRecord aggregates violations for one operator. There is exactly
// one record per operator; new events mutate it in place and re-open a
// Handled record. OccurrenceCount carries over across handle/reopen;
// history is never reset, only display ordering is suppressed.
type AlertRecord struct {
	OperatorID      string     `json:"operator_id"`
	OccurrenceCount int        `json:"occurrence_count"`
	LastKeyword     string     `json:"last_keyword"`
	LastEventAt     time.Time  `json:"last_event_at"`
	State           AlertState `json:"-"`
	StateName       string     `json:"state"`
}

// Queue ranks open alerts for supervisors. Safe for concurrent use.
type Queue struct {
	mu     sync.Mutex
	alerts map[string]*AlertRecord
	logger *zap.Logger
}

// NewQueue creates an empty escalation queue.
func NewQueue(logger *zap.Logger) *Queue {
	return &Queue{
		alerts: make(map[string]*AlertRecord),
		logger: logger,
	}
}

// Ingest records one violation for the operator: bumps the count,
// updates keyword/recency, and forces the record Open (new violations
// always reopen a Handled alert).
func (q *Queue) Ingest(operatorID, keyword string, at time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	rec, ok := q.alerts[operatorID]
	if !ok {
		rec = &AlertRecord{OperatorID: operatorID}
		q.alerts[operatorID] = rec
	}

	reopened := rec.State == StateHandled
	rec.OccurrenceCount++
	rec.LastKeyword = keyword
	rec.LastEventAt = at
	rec.State = StateOpen

	if reopened {
		q.logger.Info("handled alert reopened",
			zap.String("operator_id", operatorID),
			zap.Int("occurrence_count", rec.OccurrenceCount),
		)
	}
}

// MarkHandled transitions the operator's alert to Handled. Counters are
// untouched. Unknown operators are a no-op.
func (q *Queue) MarkHandled(operatorID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	rec, ok := q.alerts[operatorID]
	if !ok {
		return
	}
	rec.State = StateHandled
}

// Ranked returns the open alerts sorted by (occurrence count desc,
// last event desc). The ordering is recomputed from scratch on every
// call rather than incrementally patched, so it cannot drift.
func (q *Queue) Ranked() []AlertRecord {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]AlertRecord, 0, len(q.alerts))
	for _, rec := range q.alerts {
		if rec.State != StateOpen {
			continue
		}
		copied := *rec
		copied.StateName = copied.State.String()
		out = append(out, copied)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].OccurrenceCount != out[j].OccurrenceCount {
			return out[i].OccurrenceCount > out[j].OccurrenceCount
		}
		return out[i].LastEventAt.After(out[j].LastEventAt)
	})
	return out
}

// Get returns a snapshot of one operator's alert, if any.
func (q *Queue) Get(operatorID string) (AlertRecord, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	rec, ok := q.alerts[operatorID]
	if !ok {
		return AlertRecord{}, false
	}
	copied := *rec
	copied.StateName = copied.State.String()
	return copied, true
}
