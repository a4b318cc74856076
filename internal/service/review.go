package service

import (
	"strings"

	"github.com/boddenberg/statement-import-go/internal/domain"
)

// DefaultInformationalPhrases are credit-card lines that carry no spending
// and need no category. The list is configuration and not exhaustive.
var DefaultInformationalPhrases = []string{
	"pagamento recebido",
	"juros de divida encerrada",
	"saldo em atraso",
	"credito de atraso",
	"encerramento de divida",
	"payment received",
	"closed-debt interest",
	"past-due balance",
	"late-payment credit",
	"debt settlement",
}

// ReviewPolicy decides which rows must be categorized before persistence.
type ReviewPolicy struct {
	phrases []string
}

// NewReviewPolicy normalizes the phrases once. An empty list uses the defaults.
func NewReviewPolicy(phrases []string) *ReviewPolicy {
	if len(phrases) == 0 {
		phrases = DefaultInformationalPhrases
	}
	return &ReviewPolicy{phrases: normalizeAll(phrases)}
}

// IsInformational reports whether a credit-card row is exempt from
// categorization: a negative amount or a known informational phrase.
func (p *ReviewPolicy) IsInformational(row *domain.ParsedRow) bool {
	if row.Amount.IsNegative() {
		return true
	}
	return containsAny(row.EffectiveDescription(), p.phrases)
}

// Issue returns the problem blocking row, or nil when it may be persisted.
func (p *ReviewPolicy) Issue(kind domain.StatementKind, row *domain.ParsedRow) *domain.RowIssue {
	if kind != domain.KindCreditCard || !row.Selected {
		return nil
	}
	if row.Status == domain.StatusReversed || row.Status == domain.StatusUnifiedPix {
		return nil
	}
	if p.IsInformational(row) {
		return nil
	}

	var missing []string
	if row.CategoryID == "" {
		missing = append(missing, "category")
	}
	if row.SubcategoryID == "" {
		missing = append(missing, "subcategory")
	}
	if len(missing) == 0 {
		return nil
	}
	return &domain.RowIssue{
		RowID:       row.RowID,
		ExternalID:  row.ExternalID,
		Description: row.EffectiveDescription(),
		Missing:     strings.Join(missing, ", "),
	}
}

// Validate lists every selected row that still lacks a category or
// subcategory. It returns *domain.ErrIncompleteRows when any does.
func (p *ReviewPolicy) Validate(kind domain.StatementKind, rows []domain.ParsedRow) error {
	var issues []domain.RowIssue
	for i := range rows {
		if issue := p.Issue(kind, &rows[i]); issue != nil {
			issues = append(issues, *issue)
		}
	}
	if len(issues) > 0 {
		return &domain.ErrIncompleteRows{Rows: issues}
	}
	return nil
}
