package planner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"
)

const (
	defaultBaseURL    = "https://api.openai.com/v1"
	defaultModel      = "gpt-5.2"
	defaultEmbedModel = "text-embedding-3-small"
	defaultTimeout    = 60 * time.Second
	maxRetries        = 3
	initialBackoff    = 500 * time.Millisecond
)

// Config holds client settings. Zero values fall back to defaults; only
// APIKey is required.
type Config struct {
	APIKey     string
	BaseURL    string
	Model      string
	EmbedModel string
	Timeout    time.Duration
}

// Client calls an OpenAI-compatible chat completions API with a strict JSON
// schema so the response always carries the sql/explanation pair. It also
// serves the /embeddings endpoint for the background embedder.
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	embedModel string
	httpClient *http.Client
}

// NewClient creates a planner client from cfg.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.EmbedModel == "" {
		cfg.EmbedModel = defaultEmbedModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Client{
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		model:      cfg.Model,
		embedModel: cfg.EmbedModel,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// planSchema is the fixed two-field output schema enforced on the model.
var planSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"sql": {"type": "string"},
		"explanation": {"type": "string"}
	},
	"required": ["sql", "explanation"],
	"additionalProperties": false
}`)

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []message       `json:"messages"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type       string     `json:"type"`
	JSONSchema jsonSchema `json:"json_schema"`
}

type jsonSchema struct {
	Name   string          `json:"name"`
	Schema json.RawMessage `json:"schema"`
	Strict bool            `json:"strict"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Plan sends one planning request and decodes the structured response.
// Every failure path returns a *Error so callers can treat planner trouble
// as recoverable.
func (c *Client) Plan(ctx context.Context, req Request) (Response, error) {
	messages, err := buildMessages(req)
	if err != nil {
		return Response{}, &Error{Op: "request", Err: err}
	}

	body, err := json.Marshal(chatRequest{
		Model:    c.model,
		Messages: messages,
		ResponseFormat: &responseFormat{
			Type: "json_schema",
			JSONSchema: jsonSchema{
				Name:   "sql_plan",
				Schema: planSchema,
				Strict: true,
			},
		},
	})
	if err != nil {
		return Response{}, &Error{Op: "request", Err: err}
	}

	raw, err := c.postWithRetry(ctx, "/chat/completions", body)
	if err != nil {
		return Response{}, &Error{Op: "chat", Err: err}
	}

	var chat chatResponse
	if err := json.Unmarshal(raw, &chat); err != nil {
		return Response{}, &Error{Op: "decode", Err: err}
	}
	if len(chat.Choices) == 0 {
		return Response{}, &Error{Op: "decode", Err: fmt.Errorf("response has no choices")}
	}

	var plan Response
	if err := json.Unmarshal([]byte(chat.Choices[0].Message.Content), &plan); err != nil {
		return Response{}, &Error{Op: "decode", Err: fmt.Errorf("malformed plan payload: %w", err)}
	}
	plan.SQL = strings.TrimSpace(plan.SQL)
	plan.Explanation = strings.TrimSpace(plan.Explanation)
	if plan.SQL == "" {
		return Response{}, &Error{Op: "decode", Err: fmt.Errorf("plan is missing the sql field")}
	}
	return plan, nil
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed returns the embedding vector for one text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embedRequest{Model: c.embedModel, Input: []string{text}})
	if err != nil {
		return nil, &Error{Op: "request", Err: err}
	}

	raw, err := c.postWithRetry(ctx, "/embeddings", body)
	if err != nil {
		return nil, &Error{Op: "embed", Err: err}
	}

	var resp embedResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, &Error{Op: "decode", Err: err}
	}
	if len(resp.Data) == 0 {
		return nil, &Error{Op: "decode", Err: fmt.Errorf("response has no embeddings")}
	}
	return resp.Data[0].Embedding, nil
}

// postWithRetry POSTs body to path, retrying on HTTP 429 with exponential
// backoff. Other failures return immediately.
func (c *Client) postWithRetry(ctx context.Context, path string, body []byte) ([]byte, error) {
	var lastErr error
	for attempt := range maxRetries {
		raw, err := c.post(ctx, path, body)
		if err == nil {
			return raw, nil
		}

		if !isRateLimit(err) {
			return nil, err
		}

		lastErr = err
		if attempt < maxRetries-1 {
			backoff := time.Duration(float64(initialBackoff) * math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return nil, fmt.Errorf("rate limited after %d retries: %w", maxRetries, lastErr)
}

// rateLimitError is returned on HTTP 429.
type rateLimitError struct {
	status int
}

func (e *rateLimitError) Error() string {
	return fmt.Sprintf("rate limited (HTTP %d)", e.status)
}

func isRateLimit(err error) bool {
	_, ok := err.(*rateLimitError)
	return ok
}

func (c *Client) post(ctx context.Context, path string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &rateLimitError{status: resp.StatusCode}
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(respBody))
	}
	return io.ReadAll(resp.Body)
}
