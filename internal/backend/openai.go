package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// OpenAI wraps any OpenAI-compatible chat completion API. Same retry policy
// as the Gemini adapter.
type OpenAI struct {
	baseURL    string
	apiKey     string
	model      string
	maxRetries int
	backoff    time.Duration
	client     *http.Client
}

func NewOpenAI(baseURL, apiKey, model string, maxRetries int, backoff time.Duration) *OpenAI {
	return &OpenAI{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
		maxRetries: maxRetries,
		backoff:    backoff,
		client:     &http.Client{},
	}
}

func (o *OpenAI) Kind() Kind   { return KindOpenAI }
func (o *OpenAI) Name() string { return "openai/" + o.model }

func (o *OpenAI) CostHint() float64 { return 1.0 }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatCompletionResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func (o *OpenAI) Generate(ctx context.Context, req Request) (Result, error) {
	return withRetries(ctx, o.Name(), o.maxRetries, o.backoff, func(ctx context.Context) (Result, error) {
		messages := make([]chatMessage, 0, 2)
		if req.System != "" {
			messages = append(messages, chatMessage{Role: "system", Content: req.System})
		}
		messages = append(messages, chatMessage{Role: "user", Content: req.Prompt})

		body, err := json.Marshal(chatCompletionRequest{Model: o.model, Messages: messages})
		if err != nil {
			return Result{}, fmt.Errorf("failed to encode completion request: %w", err)
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/v1/chat/completions", bytes.NewReader(body))
		if err != nil {
			return Result{}, fmt.Errorf("failed to build completion request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)

		resp, err := o.client.Do(httpReq)
		if err != nil {
			return Result{}, classify(o.Name(), err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return Result{}, statusError(o.Name(), resp.StatusCode, string(msg))
		}

		var out chatCompletionResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return Result{}, &CallError{Backend: o.Name(), Kind: FailureTransient, Err: fmt.Errorf("failed to decode completion response: %w", err)}
		}
		if len(out.Choices) == 0 {
			return Result{}, &CallError{Backend: o.Name(), Kind: FailureTransient, Err: errors.New("completion returned no choices")}
		}
		return Result{Text: out.Choices[0].Message.Content, Model: out.Model}, nil
	})
}

func (o *OpenAI) HealthCheck(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/v1/models", nil)
	if err != nil {
		return err
	}
	httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return classify(o.Name(), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusError(o.Name(), resp.StatusCode, "health check failed")
	}
	return nil
}
