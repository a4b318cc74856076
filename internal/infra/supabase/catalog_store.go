package supabase

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/boddenberg/statement-import-go/internal/domain"

	"go.opentelemetry.io/otel/attribute"
)

// GetCatalog loads the user's categories plus the shared defaults
// (user_id is null), each with its subcategories embedded.
func (c *Client) GetCatalog(ctx context.Context, userID string) (*domain.Catalog, error) {
	ctx, span := tracer.Start(ctx, "Supabase.GetCatalog")
	defer span.End()
	span.SetAttributes(attribute.String("user.id", userID))

	owner := "or=" + url.QueryEscape(fmt.Sprintf("(user_id.eq.%s,user_id.is.null)", userID))
	path := query("categories",
		"select=id,name,subcategories(id,category_id,name)",
		owner,
		"order=name.asc",
	)

	var catalog domain.Catalog
	err := c.call(ctx, "categories", func() error {
		body, err := c.doRequest(ctx, http.MethodGet, path)
		if err != nil {
			return err
		}
		catalog.Categories, err = decode[domain.Category](body, "categories")
		return err
	})
	if err != nil {
		return nil, err
	}

	span.SetAttributes(attribute.Int("categories", len(catalog.Categories)))
	return &catalog, nil
}

// Ping reads one category row to check that the store answers.
func (c *Client) Ping(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "Supabase.Ping")
	defer span.End()

	_, err := c.doRequest(ctx, http.MethodGet, query("categories", "select=id", "limit=1"))
	return err
}
