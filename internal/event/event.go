package event

import (
	"time"

	"github.com/google/uuid"
)

// ViolationEvent is a single detected occurrence of a monitored keyword
// in an operator's live input. It is immutable once created: retries
// re-send the same EventID, and the server deduplicates on it.
type ViolationEvent struct {
	EventID          string    `json:"event_id"`
	OperatorID       string    `json:"operator_id"`
	Keyword          string    `json:"keyword"`
	EvidenceRef      string    `json:"evidence_ref,omitempty"`
	OccurredAt       time.Time `json:"occurred_at"`
	DeliveryAttempts int       `json:"delivery_attempts"`
}

// NewViolation creates a ViolationEvent with a fresh client-generated id.
func NewViolation(operatorID, keyword, evidenceRef string) *ViolationEvent {
	return &ViolationEvent{
		EventID:     uuid.New().String(),
		OperatorID:  operatorID,
		Keyword:     keyword,
		EvidenceRef: evidenceRef,
		OccurredAt:  time.Now().UTC(),
	}
}

// HelpRequest is an operator-initiated escalation (the "raise hand" path),
// routed to the same scoped supervisor set as violations.
type HelpRequest struct {
	RequestID   string    `json:"request_id"`
	OperatorID  string    `json:"operator_id"`
	Description string    `json:"description"`
	EvidenceRef string    `json:"evidence_ref,omitempty"`
	RaisedAt    time.Time `json:"raised_at"`
}

// NewHelpRequest creates a HelpRequest with a fresh id.
func NewHelpRequest(operatorID, description, evidenceRef string) *HelpRequest {
	return &HelpRequest{
		RequestID:   uuid.New().String(),
		OperatorID:  operatorID,
		Description: description,
		EvidenceRef: evidenceRef,
		RaisedAt:    time.Now().UTC(),
	}
}
