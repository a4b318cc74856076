package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// ============================================================
// Import sessions
// ============================================================

// SessionStatus is the lifecycle of an ImportSession.
type SessionStatus string

const (
	SessionPending    SessionStatus = "pending"
	SessionProcessing SessionStatus = "processing"
	SessionCompleted  SessionStatus = "completed"
	SessionFailed     SessionStatus = "failed"
)

// ImportSession tracks one upload being persisted.
type ImportSession struct {
	ID               string        `json:"id"`
	UserID           string        `json:"user_id"`
	Filename         string        `json:"filename"`
	TotalRecords     int           `json:"total_records"`
	ProcessedRecords int           `json:"processed_records"`
	Status           SessionStatus `json:"status"`
	ErrorMessage     string        `json:"error_message,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// ImportSummary is produced at the end of every persistence run, foreground
// or background.
type ImportSummary struct {
	SessionID string   `json:"session_id,omitempty"`
	Imported  int      `json:"imported"`
	Skipped   int      `json:"skipped"`
	Errors    []string `json:"errors"`
}

// ============================================================
// Background jobs
// ============================================================

// JobType distinguishes background job payloads.
type JobType string

const (
	JobTypeImport         JobType = "import"
	JobTypeCategorization JobType = "categorization"
)

// JobStatus is the lifecycle of a BackgroundJob. Completed, failed and
// cancelled are terminal.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

// Terminal reports whether no further transitions are allowed.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// BackgroundJob is the persisted record of an asynchronous import.
type BackgroundJob struct {
	ID           string          `json:"id"`
	UserID       string          `json:"user_id"`
	Type         JobType         `json:"type"`
	Status       JobStatus       `json:"status"`
	Payload      json.RawMessage `json:"payload"`
	Progress     int             `json:"progress"`
	Result       *ImportSummary  `json:"result,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// ImportJobPayload carries everything the runner needs to finish an import.
type ImportJobPayload struct {
	Filename  string        `json:"filename"`
	Kind      StatementKind `json:"statement_kind"`
	AccountID string        `json:"account_id"`
	Rows      []ParsedRow   `json:"rows"`
}

// JobUpdate is a partial write to a job record.
type JobUpdate struct {
	Status       JobStatus
	Progress     int
	Result       *ImportSummary
	ErrorMessage string
}

// JobEvent is delivered to watchers whenever a job record changes.
type JobEvent struct {
	JobID        string         `json:"job_id"`
	UserID       string         `json:"user_id"`
	Status       JobStatus      `json:"status"`
	Progress     int            `json:"progress"`
	Result       *ImportSummary `json:"result,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
}

// EventFromJob converts a job record into a watcher event.
func EventFromJob(j *BackgroundJob) JobEvent {
	return JobEvent{
		JobID:        j.ID,
		UserID:       j.UserID,
		Status:       j.Status,
		Progress:     j.Progress,
		Result:       j.Result,
		ErrorMessage: j.ErrorMessage,
	}
}

// ============================================================
// Notifications
// ============================================================

// Severity of a user notification.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Notification is a message shown to the user about an import or job.
type Notification struct {
	ID           string         `json:"id"`
	UserID       string         `json:"user_id"`
	Title        string         `json:"title"`
	Message      string         `json:"message"`
	Severity     Severity       `json:"severity"`
	RelatedJobID string         `json:"related_job_id,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
	IsRead       bool           `json:"is_read"`
	ReadAt       *time.Time     `json:"read_at,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// ============================================================
// Category catalog & classifier contract
// ============================================================

// Subcategory belongs to exactly one Category.
type Subcategory struct {
	ID         string `json:"id"`
	CategoryID string `json:"category_id"`
	Name       string `json:"name"`
}

// Category is a user spending category.
type Category struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	Subcategories []Subcategory `json:"subcategories"`
}

// Catalog is the user's full category tree.
type Catalog struct {
	Categories []Category `json:"categories"`
}

// Lookup reports whether categoryID exists and, when subcategoryID is not
// empty, whether it belongs to that category.
func (c *Catalog) Lookup(categoryID, subcategoryID string) (categoryOK, subcategoryOK bool) {
	for _, cat := range c.Categories {
		if cat.ID != categoryID {
			continue
		}
		for _, sub := range cat.Subcategories {
			if sub.ID == subcategoryID {
				return true, true
			}
		}
		return true, false
	}
	return false, false
}

// ClassifyItem is one row sent to the AI classifier.
type ClassifyItem struct {
	RowID       string          `json:"row_id"`
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
	Direction   Direction       `json:"direction"`
}

// ClassifyRequest is a single batch call to the classifier.
type ClassifyRequest struct {
	UserID  string         `json:"user_id"`
	Kind    StatementKind  `json:"statement_kind"`
	Items   []ClassifyItem `json:"items"`
	Catalog *Catalog       `json:"catalog"`
}

// Suggestion is one classifier answer. The array may be shorter than the
// request and may reference unknown ids.
type Suggestion struct {
	RowID         string  `json:"row_id"`
	CategoryID    string  `json:"category_id"`
	SubcategoryID string  `json:"subcategory_id"`
	Confidence    float64 `json:"confidence"`
	Reasoning     string  `json:"reasoning"`
}

// ============================================================
// Import metrics API response
// ============================================================

// ImportMetrics is returned by GET /v1/metrics/import.
type ImportMetrics struct {
	RowsImported     int64   `json:"rowsImported"`
	RowsFailed       int64   `json:"rowsFailed"`
	RowsSkipped      int64   `json:"rowsSkipped"`
	MappingHitRate   float64 `json:"mappingHitRate"`
	ClassifierErrors int64   `json:"classifierErrors"`
	JobsCompleted    int64   `json:"jobsCompleted"`
	JobsFailed       int64   `json:"jobsFailed"`
	DuplicatesFound  int64   `json:"duplicatesFound"`
	RefundPairsFound int64   `json:"refundPairsFound"`
	UnifiedPixFound  int64   `json:"unifiedPixFound"`
}
