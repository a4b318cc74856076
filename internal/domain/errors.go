package domain

import (
	"fmt"
	"strings"
)

// Error types for consistent error handling across the importer.

// ErrNotFound indicates a resource was not found.
type ErrNotFound struct {
	Resource string
	ID       string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ErrExternalService indicates a failure in an external dependency
// (store or classifier). Batch-level stages treat it as fatal.
type ErrExternalService struct {
	Service string
	Err     error
}

func (e *ErrExternalService) Error() string {
	return fmt.Sprintf("external service error [%s]: %v", e.Service, e.Err)
}

func (e *ErrExternalService) Unwrap() error {
	return e.Err
}

// ErrValidation indicates a validation error (bad input).
type ErrValidation struct {
	Field   string
	Message string
}

func (e *ErrValidation) Error() string {
	return fmt.Sprintf("validation error on '%s': %s", e.Field, e.Message)
}

// ErrConflict indicates a uniqueness violation reported by the store.
type ErrConflict struct {
	Message string
}

func (e *ErrConflict) Error() string {
	return e.Message
}

// ErrForbidden indicates the user lacks permission for the operation.
type ErrForbidden struct {
	Action string
}

func (e *ErrForbidden) Error() string {
	return fmt.Sprintf("forbidden: %s", e.Action)
}

// ErrInvalidState indicates an import flow operation that is not allowed
// in the flow's current state.
type ErrInvalidState struct {
	Operation string
	State     FlowState
}

func (e *ErrInvalidState) Error() string {
	return fmt.Sprintf("operation %q not allowed in state %q", e.Operation, e.State)
}

// RowIssue describes one row that blocks persistence.
type RowIssue struct {
	RowID       string `json:"row_id"`
	ExternalID  string `json:"external_id"`
	Description string `json:"description"`
	Missing     string `json:"missing"`
}

// ErrIncompleteRows is returned at review time when selected rows still lack
// a category or subcategory. Nothing is persisted while it is outstanding.
type ErrIncompleteRows struct {
	Rows []RowIssue
}

func (e *ErrIncompleteRows) Error() string {
	parts := make([]string, 0, len(e.Rows))
	for _, r := range e.Rows {
		parts = append(parts, fmt.Sprintf("%q (%s)", r.Description, r.Missing))
	}
	return fmt.Sprintf("%d row(s) without category: %s", len(e.Rows), strings.Join(parts, "; "))
}

// ErrRowPersistence records a failed insert/update of a single row.
// It is collected into the run summary and never aborts sibling rows.
type ErrRowPersistence struct {
	RowID       string
	ExternalID  string
	Description string
	Err         error
}

func (e *ErrRowPersistence) Error() string {
	id := e.ExternalID
	if id == "" {
		id = e.RowID
	}
	return fmt.Sprintf("row %s (%s): %v", id, e.Description, e.Err)
}

func (e *ErrRowPersistence) Unwrap() error {
	return e.Err
}
