package client

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/boddenberg/statement-import-go/internal/domain"
	"github.com/boddenberg/statement-import-go/internal/infra/resilience"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"google.golang.org/genai"
)

// DefaultGeminiModel is used when no model is configured.
const DefaultGeminiModel = "gemini-2.5-flash"

// TokenRecorder receives LLM token usage.
type TokenRecorder interface {
	RecordTokens(prompt, completion int)
}

// GeminiClient classifies rows with a Gemini model.
type GeminiClient struct {
	client *genai.Client
	model  string
	cb     *gobreaker.CircuitBreaker
	cfg    resilience.Config
	tokens TokenRecorder
}

// NewGeminiClient creates a Gemini-backed classifier.
func NewGeminiClient(ctx context.Context, apiKey, model string, cb *gobreaker.CircuitBreaker, cfg resilience.Config, tokens TokenRecorder) (*GeminiClient, error) {
	if model == "" {
		model = DefaultGeminiModel
	}
	c, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &GeminiClient{client: c, model: model, cb: cb, cfg: cfg, tokens: tokens}, nil
}

// Classify asks the model for one suggestion per row.
func (g *GeminiClient) Classify(ctx context.Context, req *domain.ClassifyRequest) ([]domain.Suggestion, error) {
	ctx, span := tracer.Start(ctx, "GeminiClient.Classify")
	defer span.End()
	span.SetAttributes(
		attribute.String("user.id", req.UserID),
		attribute.String("model", g.model),
		attribute.Int("items", len(req.Items)),
	)

	prompt, err := buildPrompt(req)
	if err != nil {
		return nil, err
	}
	contents := []*genai.Content{
		{
			Role:  "user",
			Parts: []*genai.Part{{Text: prompt}},
		},
	}

	var suggestions []domain.Suggestion
	_, err = g.cb.Execute(func() (any, error) {
		return nil, resilience.RetryWithBackoff(ctx, g.cfg, func() error {
			resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, nil)
			if err != nil {
				return err
			}
			if g.tokens != nil && resp.UsageMetadata != nil {
				g.tokens.RecordTokens(int(resp.UsageMetadata.PromptTokenCount), int(resp.UsageMetadata.CandidatesTokenCount))
			}

			raw := resp.Text()
			if raw == "" {
				return fmt.Errorf("empty response from model")
			}
			suggestions = nil
			if err := json.Unmarshal([]byte(cleanModelJSON(raw)), &suggestions); err != nil {
				return resilience.Permanent(fmt.Errorf("decode model output: %w", err))
			}
			return nil
		})
	})
	if err != nil {
		return nil, &domain.ErrExternalService{Service: "gemini", Err: resilience.Unwrap(err)}
	}

	span.SetAttributes(attribute.Int("suggestions", len(suggestions)))
	return suggestions, nil
}

func buildPrompt(req *domain.ClassifyRequest) (string, error) {
	catalog, err := json.Marshal(req.Catalog)
	if err != nil {
		return "", err
	}
	items, err := json.Marshal(req.Items)
	if err != nil {
		return "", err
	}

	kind := "checking account"
	if req.Kind == domain.KindCreditCard {
		kind = "credit card"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You categorize %s statement transactions.\n\n", kind)
	b.WriteString("Category catalog (JSON):\n")
	b.Write(catalog)
	b.WriteString("\n\nTransactions (JSON):\n")
	b.Write(items)
	b.WriteString("\n\nRules:\n" +
		"- Use only category_id and subcategory_id values from the catalog.\n" +
		"- The subcategory must belong to the chosen category.\n" +
		"- confidence is a number between 0 and 1.\n" +
		"- Skip a transaction if no category fits.\n\n" +
		"Return ONLY a raw JSON array of objects with keys " +
		"row_id, category_id, subcategory_id, confidence, reasoning.\n" +
		"Do NOT wrap the response in code fences.\n")
	return b.String(), nil
}

// cleanModelJSON strips Markdown fences or stray text around a JSON array.
func cleanModelJSON(raw string) string {
	s := strings.TrimSpace(raw)

	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx != -1 {
			s = s[idx+1:]
		} else {
			return s
		}
	}
	if idx := strings.LastIndex(s, "```"); idx != -1 {
		s = s[:idx]
	}
	s = strings.TrimSpace(s)

	if start := strings.Index(s, "["); start != -1 {
		if end := strings.LastIndex(s, "]"); end > start {
			s = s[start : end+1]
		}
	}
	return s
}
