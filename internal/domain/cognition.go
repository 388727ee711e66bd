package domain

import (
	"time"

	"github.com/google/uuid"
)

// CognitionStatus is the terminal state recorded in the audit log.
type CognitionStatus string

const (
	CognitionSuccess   CognitionStatus = "success"
	CognitionClarify   CognitionStatus = "clarify"
	CognitionError     CognitionStatus = "error"
	CognitionCancelled CognitionStatus = "cancelled"
)

// Cognition is one audit-log entry: a submitted IL expression together
// with its outcome. The log is append-only; the core never deletes
// entries.
type Cognition struct {
	ID           uuid.UUID       `json:"cognition_id"`
	AgentID      string          `json:"agent_id"`
	Source       string          `json:"il_source"`
	Status       CognitionStatus `json:"status"`
	Result       any             `json:"result,omitempty"`
	ErrorKind    string          `json:"error_kind,omitempty"`
	ErrorMsg     string          `json:"error_message,omitempty"`
	Duration     time.Duration   `json:"duration"`
	MemoryReads  int             `json:"memory_reads"`
	MemoryWrites int             `json:"memory_writes"`
	SubmittedAt  time.Time       `json:"submitted_at"`
}

// Clarification is the value of a CLARIFY form: the caller is expected
// to render it and re-submit.
type Clarification struct {
	Kind     string   `json:"kind"` // always "clarify"
	Question string   `json:"question"`
	Options  []string `json:"options"`
}
