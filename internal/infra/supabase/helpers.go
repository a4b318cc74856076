package supabase

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/boddenberg/statement-import-go/internal/domain"
	"github.com/boddenberg/statement-import-go/internal/infra/resilience"
)

// ============================================================
// PostgREST filter helpers
// ============================================================

// eq builds "col=eq.value" with the value query-escaped.
func eq(col, value string) string {
	return fmt.Sprintf("%s=eq.%s", col, url.QueryEscape(value))
}

// inList builds "col=in.(...)" quoting every value, since standardized keys
// contain separators PostgREST would otherwise split on.
func inList(col string, values []string) string {
	quoted := make([]string, len(values))
	for i, v := range values {
		v = strings.ReplaceAll(v, `\`, `\\`)
		v = strings.ReplaceAll(v, `"`, `\"`)
		quoted[i] = `"` + v + `"`
	}
	return fmt.Sprintf("%s=in.(%s)", col, url.QueryEscape(strings.Join(quoted, ",")))
}

// query joins a table name with its filters.
func query(table string, filters ...string) string {
	if len(filters) == 0 {
		return table
	}
	return table + "?" + strings.Join(filters, "&")
}

func timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// parseDate accepts both timestamptz and plain date columns.
func parseDate(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t, _ = time.Parse("2006-01-02", s)
	}
	return t
}

// nullable sends empty strings as SQL NULL.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// chunk splits values into slices of at most size elements.
func chunk(values []string, size int) [][]string {
	var out [][]string
	for len(values) > size {
		out = append(out, values[:size])
		values = values[size:]
	}
	if len(values) > 0 {
		out = append(out, values)
	}
	return out
}

// notFound is returned from inside a retried call; it is never retried.
func notFound(resource, id string) error {
	return resilience.Permanent(&domain.ErrNotFound{Resource: resource, ID: id})
}
