package domain

import "time"

// ============================================================
// Import flow (foreground state machine)
// ============================================================

// FlowState is a step of the foreground import.
type FlowState string

const (
	FlowUpload            FlowState = "upload"
	FlowSelection         FlowState = "selection"
	FlowIdentification    FlowState = "identification"
	FlowProcessing        FlowState = "processing"
	FlowDuplicateAnalysis FlowState = "duplicate_analysis"
	FlowCategorization    FlowState = "categorization"
	FlowReview            FlowState = "review"
	FlowImport            FlowState = "import"
	FlowCompleted         FlowState = "completed"
	FlowFailed            FlowState = "failed"
)

// Decision is the user's answer to a duplicate analysis.
type Decision string

const (
	DecisionImport    Decision = "import"
	DecisionSkip      Decision = "skip"
	DecisionOverwrite Decision = "overwrite"
)

// Valid reports whether d is a known decision.
func (d Decision) Valid() bool {
	return d == DecisionImport || d == DecisionSkip || d == DecisionOverwrite
}

// RowEdit is a review-time change to one row. Nil fields are left untouched.
type RowEdit struct {
	CategoryID        *string `json:"category_id,omitempty"`
	SubcategoryID     *string `json:"subcategory_id,omitempty"`
	EditedDescription *string `json:"edited_description,omitempty"`
	Selected          *bool   `json:"selected,omitempty"`
}

// FlowSnapshot is a read-only view of an import flow.
type FlowSnapshot struct {
	ID           string             `json:"id"`
	UserID       string             `json:"user_id"`
	State        FlowState          `json:"state"`
	Filename     string             `json:"filename,omitempty"`
	Kind         StatementKind      `json:"statement_kind,omitempty"`
	AccountID    string             `json:"account_id,omitempty"`
	Rows         []ParsedRow        `json:"rows"`
	Analysis     *DuplicateAnalysis `json:"analysis,omitempty"`
	JobID        string             `json:"job_id,omitempty"`
	JobProgress  int                `json:"job_progress,omitempty"`
	Summary      *ImportSummary     `json:"summary,omitempty"`
	ErrorMessage string             `json:"error_message,omitempty"`
	UpdatedAt    time.Time          `json:"updated_at"`
}
