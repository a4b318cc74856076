// Package client holds the AI classifier backends.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/boddenberg/statement-import-go/internal/domain"
	"github.com/boddenberg/statement-import-go/internal/infra/resilience"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("classifier")

// AgentClient calls the categorization agent service over HTTP.
type AgentClient struct {
	httpClient *http.Client
	baseURL    string
	cb         *gobreaker.CircuitBreaker
	cfg        resilience.Config
}

// NewAgentClient creates a new AgentClient.
func NewAgentClient(httpClient *http.Client, baseURL string, cb *gobreaker.CircuitBreaker, cfg resilience.Config) *AgentClient {
	return &AgentClient{
		httpClient: httpClient,
		baseURL:    baseURL,
		cb:         cb,
		cfg:        cfg,
	}
}

type classifyResponse struct {
	Suggestions []domain.Suggestion `json:"suggestions"`
}

// Classify sends one batch to the agent and returns its raw suggestions.
// Suggestions are not validated here.
func (c *AgentClient) Classify(ctx context.Context, req *domain.ClassifyRequest) ([]domain.Suggestion, error) {
	ctx, span := tracer.Start(ctx, "AgentClient.Classify")
	defer span.End()
	span.SetAttributes(
		attribute.String("user.id", req.UserID),
		attribute.Int("items", len(req.Items)),
	)

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	var out classifyResponse
	_, err = c.cb.Execute(func() (any, error) {
		return nil, resilience.RetryWithBackoff(ctx, c.cfg, func() error {
			url := fmt.Sprintf("%s/v1/classify", c.baseURL)
			httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
			if err != nil {
				return resilience.Permanent(err)
			}
			httpReq.Header.Set("Content-Type", "application/json")

			resp, err := c.httpClient.Do(httpReq)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
				err := fmt.Errorf("agent API returned status %d: %s", resp.StatusCode, msg)
				if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
					return resilience.Permanent(err)
				}
				return err
			}

			out = classifyResponse{}
			if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
				return resilience.Permanent(fmt.Errorf("decode agent response: %w", err))
			}
			return nil
		})
	})
	if err != nil {
		return nil, &domain.ErrExternalService{Service: "agent", Err: resilience.Unwrap(err)}
	}

	span.SetAttributes(attribute.Int("suggestions", len(out.Suggestions)))
	return out.Suggestions, nil
}
