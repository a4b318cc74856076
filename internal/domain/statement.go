package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ============================================================
// Statement rows
// ============================================================

// StatementKind tells whether rows belong to a checking account or a credit card.
type StatementKind string

const (
	KindChecking   StatementKind = "checking"
	KindCreditCard StatementKind = "credit_card"
)

// Valid reports whether k is a known statement kind.
func (k StatementKind) Valid() bool {
	return k == KindChecking || k == KindCreditCard
}

// Direction is the inferred flow of money for a row.
type Direction string

const (
	DirectionCredit Direction = "credit"
	DirectionDebit  Direction = "debit"
)

// RowStatus tags a row after duplicate and relationship detection.
type RowStatus string

const (
	StatusNormal     RowStatus = "normal"
	StatusDuplicate  RowStatus = "duplicate"
	StatusReversed   RowStatus = "reversed"
	StatusUnifiedPix RowStatus = "unified-pix"
)

// Provenance is the origin of a category decision.
type Provenance string

const (
	ProvenanceAI      Provenance = "ai"
	ProvenanceUser    Provenance = "user"
	ProvenanceDefault Provenance = "default"
)

// RawRecord is what the external CSV parser yields for each statement line.
type RawRecord struct {
	ExternalID  string          `json:"external_id"`
	Date        time.Time       `json:"date"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
	Direction   Direction       `json:"direction"`
}

// ParsedRow is one statement line as it moves through an import.
type ParsedRow struct {
	RowID             string          `json:"row_id"`
	ExternalID        string          `json:"external_id"`
	Date              time.Time       `json:"date"`
	Amount            decimal.Decimal `json:"amount"`
	Description       string          `json:"description"`
	Direction         Direction       `json:"direction"`
	EditedDescription string          `json:"edited_description,omitempty"`
	Selected          bool            `json:"selected"`
	Status            RowStatus       `json:"status"`

	// Categorization
	StandardizedKey string     `json:"standardized_key,omitempty"`
	CategoryID      string     `json:"category_id,omitempty"`
	SubcategoryID   string     `json:"subcategory_id,omitempty"`
	Confidence      float64    `json:"confidence,omitempty"`
	Provenance      Provenance `json:"provenance,omitempty"`
	Reasoning       string     `json:"reasoning,omitempty"`
	FromMapping     bool       `json:"from_mapping,omitempty"`
	NeedsReview     bool       `json:"needs_review,omitempty"`
}

// EffectiveDescription returns the user-edited description when present.
func (r *ParsedRow) EffectiveDescription() string {
	if r.EditedDescription != "" {
		return r.EditedDescription
	}
	return r.Description
}

// HasCategory reports whether both category and subcategory are set.
func (r *ParsedRow) HasCategory() bool {
	return r.CategoryID != "" && r.SubcategoryID != ""
}

// ClearCategory drops any category decision from the row.
func (r *ParsedRow) ClearCategory() {
	r.CategoryID = ""
	r.SubcategoryID = ""
	r.Confidence = 0
	r.Provenance = ""
	r.Reasoning = ""
	r.FromMapping = false
}

// ExistingTransaction is a previously persisted statement line.
type ExistingTransaction struct {
	ID            string          `json:"id"`
	ExternalID    string          `json:"external_id"`
	Date          time.Time       `json:"date"`
	Amount        decimal.Decimal `json:"amount"`
	Description   string          `json:"description"`
	CategoryID    string          `json:"category_id,omitempty"`
	SubcategoryID string          `json:"subcategory_id,omitempty"`
}

// TransactionRecord is the shape written to the checking or credit-card table.
type TransactionRecord struct {
	UserID        string
	Kind          StatementKind
	AccountID     string
	ExternalID    string
	Date          time.Time
	Amount        decimal.Decimal
	Description   string
	Direction     Direction
	CategoryID    string
	SubcategoryID string
	Status        RowStatus
}

// RecordFromRow builds the persisted shape of a row.
func RecordFromRow(userID string, kind StatementKind, accountID string, r *ParsedRow) *TransactionRecord {
	return &TransactionRecord{
		UserID:        userID,
		Kind:          kind,
		AccountID:     accountID,
		ExternalID:    r.ExternalID,
		Date:          r.Date,
		Amount:        r.Amount,
		Description:   r.EffectiveDescription(),
		Direction:     r.Direction,
		CategoryID:    r.CategoryID,
		SubcategoryID: r.SubcategoryID,
		Status:        r.Status,
	}
}

// ============================================================
// Mappings
// ============================================================

// MappingRecord remembers a category decision for a standardized key.
// (StandardizedKey, UserID, Kind) is unique.
type MappingRecord struct {
	ID              string        `json:"id"`
	StandardizedKey string        `json:"standardized_key"`
	UserID          string        `json:"user_id"`
	Kind            StatementKind `json:"statement_kind"`
	CategoryID      string        `json:"category_id"`
	SubcategoryID   string        `json:"subcategory_id"`
	Confidence      float64       `json:"confidence"`
	Provenance      Provenance    `json:"provenance"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// ============================================================
// Duplicate analysis
// ============================================================

// DuplicateMatch pairs an incoming row with the stored transaction it repeats.
type DuplicateMatch struct {
	Row      ParsedRow           `json:"row"`
	Existing ExistingTransaction `json:"existing"`
}

// RowPair is two incoming rows sharing one external id.
// For refunds First is the original and Second the reversal; for unified PIX
// First is the funds-added row and Second the PIX debit.
type RowPair struct {
	ExternalID string    `json:"external_id"`
	First      ParsedRow `json:"first"`
	Second     ParsedRow `json:"second"`
}

// DuplicateAnalysis partitions one import batch. Every input row appears in
// exactly one partition.
type DuplicateAnalysis struct {
	NewTransactions        []ParsedRow      `json:"new_transactions"`
	DuplicateTransactions  []DuplicateMatch `json:"duplicate_transactions"`
	RefundedTransactions   []RowPair        `json:"refunded_transactions"`
	UnifiedPixTransactions []RowPair        `json:"unified_pix_transactions"`
}

// HasRelationships reports whether anything besides new rows was found.
func (a *DuplicateAnalysis) HasRelationships() bool {
	return len(a.DuplicateTransactions) > 0 ||
		len(a.RefundedTransactions) > 0 ||
		len(a.UnifiedPixTransactions) > 0
}

// Total returns how many input rows the analysis accounts for.
func (a *DuplicateAnalysis) Total() int {
	return len(a.NewTransactions) + len(a.DuplicateTransactions) +
		2*len(a.RefundedTransactions) + 2*len(a.UnifiedPixTransactions)
}
