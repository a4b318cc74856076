package supabase

import (
	"context"
	"net/http"
	"time"

	"github.com/boddenberg/statement-import-go/internal/domain"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
)

// ============================================================
// Statement rows store: checking and credit-card tables
// ============================================================

type tableDef struct {
	name          string
	accountColumn string
}

var transactionTables = map[domain.StatementKind]tableDef{
	domain.KindChecking:   {name: "bank_transactions", accountColumn: "account_id"},
	domain.KindCreditCard: {name: "credit_card_transactions", accountColumn: "card_id"},
}

func tableFor(kind domain.StatementKind) (tableDef, error) {
	t, ok := transactionTables[kind]
	if !ok {
		return tableDef{}, &domain.ErrValidation{Field: "statement_kind", Message: "unknown statement kind " + string(kind)}
	}
	return t, nil
}

const transactionColumns = "select=id,external_id,date,amount,description,category_id,subcategory_id"

// transactionRow maps the shared columns of both statement tables.
type transactionRow struct {
	ID            string          `json:"id"`
	ExternalID    string          `json:"external_id"`
	Date          string          `json:"date"`
	Amount        decimal.Decimal `json:"amount"`
	Description   string          `json:"description"`
	CategoryID    string          `json:"category_id"`
	SubcategoryID string          `json:"subcategory_id"`
}

func (r transactionRow) toDomain() domain.ExistingTransaction {
	return domain.ExistingTransaction{
		ID:            r.ID,
		ExternalID:    r.ExternalID,
		Date:          parseDate(r.Date),
		Amount:        r.Amount,
		Description:   r.Description,
		CategoryID:    r.CategoryID,
		SubcategoryID: r.SubcategoryID,
	}
}

func recordColumns(t tableDef, rec *domain.TransactionRecord) map[string]any {
	return map[string]any{
		"user_id":        rec.UserID,
		t.accountColumn:  rec.AccountID,
		"external_id":    nullable(rec.ExternalID),
		"date":           rec.Date.Format("2006-01-02"),
		"amount":         rec.Amount,
		"description":    rec.Description,
		"direction":      string(rec.Direction),
		"category_id":    nullable(rec.CategoryID),
		"subcategory_id": nullable(rec.SubcategoryID),
		"status":         string(rec.Status),
		"updated_at":     timestamp(time.Now()),
	}
}

// ListByAccount loads every stored row for (user, account) in a single query.
func (c *Client) ListByAccount(ctx context.Context, userID string, kind domain.StatementKind, accountID string) ([]domain.ExistingTransaction, error) {
	ctx, span := tracer.Start(ctx, "Supabase.ListByAccount")
	defer span.End()
	span.SetAttributes(
		attribute.String("user.id", userID),
		attribute.String("statement.kind", string(kind)),
	)

	t, err := tableFor(kind)
	if err != nil {
		return nil, err
	}

	var out []domain.ExistingTransaction
	err = c.call(ctx, "transactions", func() error {
		path := query(t.name, eq("user_id", userID), eq(t.accountColumn, accountID), transactionColumns, "order=date.desc")
		body, err := c.doRequest(ctx, http.MethodGet, path)
		if err != nil {
			return err
		}
		rows, err := decode[transactionRow](body, t.name)
		if err != nil {
			return err
		}
		out = make([]domain.ExistingTransaction, 0, len(rows))
		for _, r := range rows {
			out = append(out, r.toDomain())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	span.SetAttributes(attribute.Int("rows", len(out)))
	return out, nil
}

// FindByExternalID returns nil, nil when the user has no row with that id.
func (c *Client) FindByExternalID(ctx context.Context, userID string, kind domain.StatementKind, externalID string) (*domain.ExistingTransaction, error) {
	ctx, span := tracer.Start(ctx, "Supabase.FindByExternalID")
	defer span.End()

	t, err := tableFor(kind)
	if err != nil {
		return nil, err
	}

	var found *domain.ExistingTransaction
	err = c.call(ctx, "transactions", func() error {
		path := query(t.name, eq("user_id", userID), eq("external_id", externalID), transactionColumns, "limit=1")
		body, err := c.doRequest(ctx, http.MethodGet, path)
		if err != nil {
			return err
		}
		rows, err := decode[transactionRow](body, t.name)
		if err != nil {
			return err
		}
		if len(rows) > 0 {
			tx := rows[0].toDomain()
			found = &tx
		}
		return nil
	})
	return found, err
}

func (c *Client) InsertTransaction(ctx context.Context, rec *domain.TransactionRecord) (string, error) {
	ctx, span := tracer.Start(ctx, "Supabase.InsertTransaction")
	defer span.End()

	t, err := tableFor(rec.Kind)
	if err != nil {
		return "", err
	}

	var id string
	err = c.call(ctx, "transactions", func() error {
		body, err := c.doPost(ctx, t.name, recordColumns(t, rec))
		if err != nil {
			return err
		}
		rows, err := decode[transactionRow](body, t.name)
		if err != nil {
			return err
		}
		if len(rows) > 0 {
			id = rows[0].ID
		}
		return nil
	})
	return id, err
}

func (c *Client) UpdateTransaction(ctx context.Context, id string, rec *domain.TransactionRecord) error {
	ctx, span := tracer.Start(ctx, "Supabase.UpdateTransaction")
	defer span.End()

	t, err := tableFor(rec.Kind)
	if err != nil {
		return err
	}

	return c.call(ctx, "transactions", func() error {
		_, err := c.doPatch(ctx, query(t.name, eq("id", id)), recordColumns(t, rec))
		return err
	})
}
