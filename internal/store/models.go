package store

import (
	"encoding/json"
	"time"
)

// Operation statuses
const (
	StatusPending = "pending"
	StatusSyncing = "syncing"
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Operation types
const (
	OpUpsert = "upsert"
	OpDelete = "delete"
)

// Logical target tables. Closed enumeration: the document model of the
// writing app is fixed at compile time.
const (
	TableProjects   = "projects"
	TableChapters   = "chapters"
	TableSections   = "sections"
	TableCharacters = "characters"
	TableNotes      = "notes"
)

// Tables lists every valid target table in dispatch order.
var Tables = []string{TableProjects, TableChapters, TableSections, TableCharacters, TableNotes}

// ValidTable reports whether name is a known target table.
func ValidTable(name string) bool {
	for _, t := range Tables {
		if t == name {
			return true
		}
	}
	return false
}

// Operation is one pending unit of sync work destined for the remote store.
type Operation struct {
	ID             string          `json:"id"`
	Type           string          `json:"type"`
	Table          string          `json:"table"`
	RecordID       string          `json:"record_id"`
	ScopeID        string          `json:"scope_id"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Attempts       int             `json:"attempts"`
	Status         string          `json:"status"`
	Priority       int             `json:"priority"`
	Error          string          `json:"error,omitempty"`
	ErrorCategory  string          `json:"error_category,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	LastAttemptAt  *time.Time      `json:"last_attempt_at,omitempty"`
	AttemptHistory []Attempt       `json:"attempt_history,omitempty"`
}

// Attempt is one entry in an operation's append-only attempt audit trail.
type Attempt struct {
	Attempt   int       `json:"attempt"`
	Error     string    `json:"error"`
	Category  string    `json:"category"`
	DelayMs   int64     `json:"delay_ms"`
	Timestamp time.Time `json:"timestamp"`
}

// Clone returns a deep copy of the operation.
func (op *Operation) Clone() *Operation {
	cp := *op
	if op.LastAttemptAt != nil {
		t := *op.LastAttemptAt
		cp.LastAttemptAt = &t
	}
	if op.Payload != nil {
		cp.Payload = append(json.RawMessage(nil), op.Payload...)
	}
	if op.AttemptHistory != nil {
		cp.AttemptHistory = append([]Attempt(nil), op.AttemptHistory...)
	}
	return &cp
}

// DeadLetterEntry is a permanently failed operation retained for audit and
// manual replay. Created exactly once per dead operation.
type DeadLetterEntry struct {
	ID             string    `json:"id"` // operation ID
	Operation      Operation `json:"operation"`
	FinalError     string    `json:"final_error"`
	ErrorCategory  string    `json:"error_category"`
	AttemptHistory []Attempt `json:"attempt_history,omitempty"`
	DeadAt         time.Time `json:"dead_at"`
}
