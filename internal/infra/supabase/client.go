// Package supabase provides a client for Supabase (PostgREST).
// It is the persistent store for statement rows, category mappings, import
// sessions, background jobs, notifications and the category catalog.
package supabase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/boddenberg/statement-import-go/internal/domain"
	"github.com/boddenberg/statement-import-go/internal/infra/resilience"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("supabase")

// uniqueViolation is the Postgres SQLSTATE PostgREST forwards on duplicate keys.
const uniqueViolation = "23505"

// Client wraps HTTP calls to Supabase PostgREST API.
type Client struct {
	httpClient     *http.Client
	baseURL        string
	apiKey         string
	serviceRoleKey string
	cb             *gobreaker.CircuitBreaker
	cfg            resilience.Config
	logger         *zap.Logger
}

// NewClient creates a Supabase client.
func NewClient(httpClient *http.Client, baseURL, apiKey, serviceRoleKey string, cb *gobreaker.CircuitBreaker, cfg resilience.Config, logger *zap.Logger) *Client {
	return &Client{
		httpClient:     httpClient,
		baseURL:        baseURL,
		apiKey:         apiKey,
		serviceRoleKey: serviceRoleKey,
		cb:             cb,
		cfg:            cfg,
		logger:         logger,
	}
}

// apiError is a non-2xx PostgREST answer.
type apiError struct {
	Method  string `json:"-"`
	Path    string `json:"-"`
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details"`
}

func (e *apiError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	return fmt.Sprintf("supabase %s %s returned %d: %s", e.Method, e.Path, e.Status, msg)
}

// do executes an authenticated request against PostgREST. 404 and 204
// answers yield a nil body. Client errors come back wrapped as permanent so
// they are not retried; uniqueness violations become *domain.ErrConflict.
func (c *Client) do(ctx context.Context, method, path string, payload any, prefer string) ([]byte, error) {
	url := fmt.Sprintf("%s/rest/v1/%s", c.baseURL, path)

	var reqBody io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, resilience.Permanent(fmt.Errorf("encode %s payload: %w", path, err))
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		c.logger.Error("supabase: failed to create request",
			zap.String("method", method),
			zap.String("path", path),
			zap.Error(err),
		)
		return nil, resilience.Permanent(err)
	}

	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.serviceRoleKey))
	req.Header.Set("Content-Type", "application/json")
	if prefer != "" {
		req.Header.Set("Prefer", prefer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("supabase: request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Error(err),
		)
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.logger.Error("supabase: failed to read response body",
			zap.String("method", method),
			zap.String("path", path),
			zap.Error(err),
		)
		return nil, err
	}

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusNoContent {
		return nil, nil // no data
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("supabase: non-2xx response",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
			zap.String("body", string(body)),
		)
		return nil, classify(method, path, resp.StatusCode, body)
	}

	c.logger.Debug("supabase: request OK",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
	)
	return body, nil
}

func classify(method, path string, status int, body []byte) error {
	apiErr := &apiError{Method: method, Path: path, Status: status}
	_ = json.Unmarshal(body, apiErr)
	if apiErr.Message == "" {
		apiErr.Message = string(body)
	}

	switch {
	case apiErr.Code == uniqueViolation || status == http.StatusConflict:
		return resilience.Permanent(&domain.ErrConflict{Message: apiErr.Error()})
	case status == http.StatusTooManyRequests || status == http.StatusRequestTimeout:
		return apiErr
	case status >= 400 && status < 500:
		return resilience.Permanent(apiErr)
	}
	return apiErr
}

func (c *Client) doRequest(ctx context.Context, method, path string) ([]byte, error) {
	return c.do(ctx, method, path, nil, "")
}

func (c *Client) doPost(ctx context.Context, table string, data map[string]any) ([]byte, error) {
	return c.do(ctx, http.MethodPost, table, data, "return=representation")
}

// doPatch updates every row matching path and returns the updated rows.
func (c *Client) doPatch(ctx context.Context, path string, data map[string]any) ([]byte, error) {
	return c.do(ctx, http.MethodPatch, path, data, "return=representation")
}

// doDelete removes every row matching path and returns the deleted rows.
func (c *Client) doDelete(ctx context.Context, path string) ([]byte, error) {
	return c.do(ctx, http.MethodDelete, path, nil, "return=representation")
}

// call runs fn under the circuit breaker with retries and maps the outcome to
// domain errors: conflicts and not-found pass through, everything else
// becomes *domain.ErrExternalService.
func (c *Client) call(ctx context.Context, op string, fn func() error) error {
	_, err := c.cb.Execute(func() (any, error) {
		return nil, resilience.RetryWithBackoff(ctx, c.cfg, fn)
	})
	if err == nil {
		return nil
	}

	err = resilience.Unwrap(err)
	var conflict *domain.ErrConflict
	var notFound *domain.ErrNotFound
	if errors.As(err, &conflict) || errors.As(err, &notFound) {
		return err
	}
	return &domain.ErrExternalService{Service: "supabase/" + op, Err: err}
}

// decode unmarshals a PostgREST array answer. Decode failures are not retried.
func decode[T any](body []byte, what string) ([]T, error) {
	if len(body) == 0 {
		return nil, nil
	}
	var rows []T
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, resilience.Permanent(fmt.Errorf("decode %s: %w", what, err))
	}
	return rows, nil
}
