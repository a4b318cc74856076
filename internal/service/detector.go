package service

import (
	"strings"

	"github.com/boddenberg/statement-import-go/internal/domain"
	"github.com/boddenberg/statement-import-go/internal/identifier"
)

// Default relationship markers, matched against normalized descriptions.
var (
	DefaultReversalMarkers  = []string{"estorno"}
	DefaultPixCreditMarkers = []string{"valor adicionado na conta por cartao de credito"}
)

// Detector partitions an import batch into new rows, duplicates of stored
// rows, refund pairs and unified-PIX pairs.
type Detector struct {
	reversal  []string
	pixCredit []string
}

// NewDetector normalizes the markers once. Empty lists fall back to defaults.
func NewDetector(reversalMarkers, pixCreditMarkers []string) *Detector {
	if len(reversalMarkers) == 0 {
		reversalMarkers = DefaultReversalMarkers
	}
	if len(pixCreditMarkers) == 0 {
		pixCreditMarkers = DefaultPixCreditMarkers
	}
	return &Detector{
		reversal:  normalizeAll(reversalMarkers),
		pixCredit: normalizeAll(pixCreditMarkers),
	}
}

// Analyze partitions rows. Every input row lands in exactly one partition
// and gets the matching status tag.
//
// Rows are grouped by external id. A group of exactly two where exactly one
// row carries a reversal marker is a refund pair; failing that, a group of
// two where exactly one carries the PIX-credit marker is a unified-PIX pair.
// Everything else, including groups of three or more, is compared against
// existing rows by external id.
func (d *Detector) Analyze(rows []domain.ParsedRow, existing []domain.ExistingTransaction) *domain.DuplicateAnalysis {
	analysis := &domain.DuplicateAnalysis{
		NewTransactions:        []domain.ParsedRow{},
		DuplicateTransactions:  []domain.DuplicateMatch{},
		RefundedTransactions:   []domain.RowPair{},
		UnifiedPixTransactions: []domain.RowPair{},
	}

	groups := make(map[string][]int)
	for i, row := range rows {
		if row.ExternalID == "" {
			continue
		}
		groups[row.ExternalID] = append(groups[row.ExternalID], i)
	}

	paired := make(map[int]bool)
	for i, row := range rows {
		idx := groups[row.ExternalID]
		if row.ExternalID == "" || len(idx) != 2 || idx[0] != i {
			continue
		}
		a, b := rows[idx[0]], rows[idx[1]]

		if reversal, original, ok := d.split(a, b, d.reversal); ok {
			original.Status, reversal.Status = domain.StatusReversed, domain.StatusReversed
			analysis.RefundedTransactions = append(analysis.RefundedTransactions, domain.RowPair{
				ExternalID: row.ExternalID,
				First:      original,
				Second:     reversal,
			})
			paired[idx[0]], paired[idx[1]] = true, true
			continue
		}
		if funds, debit, ok := d.split(a, b, d.pixCredit); ok {
			funds.Status, debit.Status = domain.StatusUnifiedPix, domain.StatusUnifiedPix
			analysis.UnifiedPixTransactions = append(analysis.UnifiedPixTransactions, domain.RowPair{
				ExternalID: row.ExternalID,
				First:      funds,
				Second:     debit,
			})
			paired[idx[0]], paired[idx[1]] = true, true
		}
	}

	stored := make(map[string]domain.ExistingTransaction, len(existing))
	for _, tx := range existing {
		if tx.ExternalID != "" {
			stored[tx.ExternalID] = tx
		}
	}

	for i, row := range rows {
		if paired[i] {
			continue
		}
		if tx, ok := stored[row.ExternalID]; ok && row.ExternalID != "" {
			row.Status = domain.StatusDuplicate
			analysis.DuplicateTransactions = append(analysis.DuplicateTransactions, domain.DuplicateMatch{Row: row, Existing: tx})
			continue
		}
		row.Status = domain.StatusNormal
		analysis.NewTransactions = append(analysis.NewTransactions, row)
	}
	return analysis
}

// split returns (marked, unmarked, true) when exactly one of a and b
// contains a marker.
func (d *Detector) split(a, b domain.ParsedRow, markers []string) (domain.ParsedRow, domain.ParsedRow, bool) {
	am, bm := containsAny(a.Description, markers), containsAny(b.Description, markers)
	switch {
	case am && !bm:
		return a, b, true
	case bm && !am:
		return b, a, true
	}
	return domain.ParsedRow{}, domain.ParsedRow{}, false
}

func containsAny(description string, normalizedMarkers []string) bool {
	text := identifier.NormalizeName(description)
	for _, m := range normalizedMarkers {
		if m != "" && strings.Contains(text, m) {
			return true
		}
	}
	return false
}

func normalizeAll(phrases []string) []string {
	out := make([]string, 0, len(phrases))
	for _, p := range phrases {
		if n := identifier.NormalizeName(p); n != "" {
			out = append(out, n)
		}
	}
	return out
}
