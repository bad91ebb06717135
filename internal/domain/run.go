package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// RunState represents the lifecycle state of a pipeline run.
// Values include RunStateQueued, RunStateRunning, RunStateComplete, and RunStateError.
type RunState string

const (
	RunStateQueued   RunState = "queued"
	RunStateRunning  RunState = "running"
	RunStateComplete RunState = "complete"
	RunStateError    RunState = "error"
)

// Active reports whether the state holds the single-flight slot.
func (s RunState) Active() bool {
	return s == RunStateQueued || s == RunStateRunning
}

// Terminal reports whether the state is final. Terminal runs are immutable.
func (s RunState) Terminal() bool {
	return s == RunStateComplete || s == RunStateError
}

// RecordCounts is a custom type for storing per-category row counts as JSON
// in the database.
type RecordCounts map[Category]int

// Value implements the driver.Valuer interface for database serialization.
// Parameters: none.
// Returns:
//   - driver.Value: JSON-encoded string representation of the map.
//   - error: non-nil if marshaling fails.
func (c RecordCounts) Value() (driver.Value, error) {
	if c == nil {
		return "{}", nil
	}
	b, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements the sql.Scanner interface for database deserialization.
// Parameters:
//   - value: raw database value to decode.
// Returns:
//   - error: non-nil if decoding fails or the type is unexpected.
func (c *RecordCounts) Scan(value interface{}) error {
	if value == nil {
		*c = RecordCounts{}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		str, ok := value.(string)
		if !ok {
			return errors.New("failed to scan RecordCounts")
		}
		bytes = []byte(str)
	}
	return json.Unmarshal(bytes, c)
}

// PipelineRun represents one attempt to execute the full ingestion cycle.
// At most one run may be queued or running at any time.
type PipelineRun struct {
	ID           string       `gorm:"type:text;primaryKey" json:"id"`
	State        RunState     `gorm:"type:text;index:idx_pipeline_runs_state;default:queued" json:"state"`
	StartedAt    time.Time    `json:"started_at"`
	FinishedAt   *time.Time   `json:"finished_at,omitempty"`
	DurationMs   int64        `json:"duration_ms,omitempty"`
	RecordCounts RecordCounts `gorm:"type:text" json:"record_counts"`
	ErrorMessage string       `gorm:"type:text" json:"error_message,omitempty"`
	ErrorKind    ErrorKind    `gorm:"type:text" json:"error_kind,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// TableName returns the database table name for PipelineRun.
// Parameters: none.
// Returns:
//   - string: table name for GORM mapping.
func (PipelineRun) TableName() string {
	return "pipeline_runs"
}

// ErrorKind is a coarse classification of a failure so the UI can route the
// user to re-authentication versus a plain retry.
type ErrorKind string

const (
	ErrorKindAuth    ErrorKind = "auth"
	ErrorKindGeneric ErrorKind = "generic"
)

var authErrorMarkers = []string{
	"unauthorized",
	"401",
	"403",
	"auth expired",
	"authentication",
	"credential",
	"login",
	"token expired",
	"session expired",
}

// ClassifyError maps an error message onto an ErrorKind by pattern matching.
// Parameters:
//   - msg: failure message to classify.
// Returns:
//   - ErrorKind: ErrorKindAuth for credential-shaped failures, otherwise ErrorKindGeneric.
func ClassifyError(msg string) ErrorKind {
	lower := strings.ToLower(msg)
	for _, marker := range authErrorMarkers {
		if strings.Contains(lower, marker) {
			return ErrorKindAuth
		}
	}
	return ErrorKindGeneric
}

// TruncateError shortens a failure message for storage and display.
// Parameters:
//   - msg: raw failure message.
//   - max: maximum length; values below 8 fall back to 8.
// Returns:
//   - string: message cut to max runes with an ellipsis marker.
func TruncateError(msg string, max int) string {
	if max < 8 {
		max = 8
	}
	runes := []rune(msg)
	if len(runes) <= max {
		return msg
	}
	return string(runes[:max-3]) + "..."
}
