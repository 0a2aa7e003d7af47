package backend

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// Gemini wraps the Google generative AI API. Transient failures are retried
// with exponential backoff; auth and quota errors fail immediately.
type Gemini struct {
	client     *genai.Client
	model      string
	maxRetries int
	backoff    time.Duration
}

func NewGemini(ctx context.Context, apiKey, model string, maxRetries int, backoff time.Duration) (*Gemini, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &Gemini{
		client:     client,
		model:      model,
		maxRetries: maxRetries,
		backoff:    backoff,
	}, nil
}

func (g *Gemini) Kind() Kind   { return KindGemini }
func (g *Gemini) Name() string { return "gemini/" + g.model }

// CostHint reflects the free-tier pricing relative to the OpenAI backend.
func (g *Gemini) CostHint() float64 { return 0.3 }

func (g *Gemini) Close() {
	if g.client != nil {
		if err := g.client.Close(); err != nil {
			log.Printf("Error closing GenAI client: %v", err)
		}
	}
}

func (g *Gemini) Generate(ctx context.Context, req Request) (Result, error) {
	return withRetries(ctx, g.Name(), g.maxRetries, g.backoff, func(ctx context.Context) (Result, error) {
		model := g.client.GenerativeModel(g.model)
		if req.System != "" {
			model.SystemInstruction = &genai.Content{
				Parts: []genai.Part{genai.Text(req.System)},
			}
		}

		resp, err := model.GenerateContent(ctx, genai.Text(req.Prompt))
		if err != nil {
			return Result{}, g.classify(err)
		}

		if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
			return Result{}, &CallError{Backend: g.Name(), Kind: FailureTransient, Err: errors.New("empty response from model")}
		}

		var text strings.Builder
		for _, part := range resp.Candidates[0].Content.Parts {
			if txt, ok := part.(genai.Text); ok {
				text.WriteString(string(txt))
			}
		}
		if text.Len() == 0 {
			return Result{}, &CallError{Backend: g.Name(), Kind: FailureTransient, Err: errors.New("response contained no text parts")}
		}
		return Result{Text: text.String(), Model: g.model}, nil
	})
}

func (g *Gemini) HealthCheck(ctx context.Context) error {
	model := g.client.GenerativeModel(g.model)
	if _, err := model.CountTokens(ctx, genai.Text("ping")); err != nil {
		return g.classify(err)
	}
	return nil
}

func (g *Gemini) classify(err error) *CallError {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return statusError(g.Name(), apiErr.Code, apiErr.Message)
	}
	return classify(g.Name(), err)
}
