package digitalocean

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	// InferenceBaseURL is the DigitalOcean serverless inference endpoint.
	InferenceBaseURL = "https://inference.do-ai.run"
	// DefaultInferenceModel is used when LLM_MODEL is empty.
	DefaultInferenceModel = "openai-gpt-oss-120b"

	// grading prompts can carry a whole answer script; the ctx deadline is
	// the real per-call bound
	defaultHTTPTimeout = 120 * time.Second
	defaultMaxTokens   = 4096
	maxErrorBody       = 300
)

// ErrNoChoices is returned when the API answers 200 with nothing to read.
var ErrNoChoices = errors.New("inference API returned no choices")

// InferenceClient calls an OpenAI-compatible chat completions endpoint.
// DigitalOcean is the default; any compatible gateway works via BaseURL.
type InferenceClient struct {
	apiKey     string
	baseURL    string
	model      string
	maxTokens  int
	httpClient *http.Client
}

type InferenceConfig struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int
	Timeout   time.Duration
}

func NewInferenceClient(config InferenceConfig) *InferenceClient {
	if config.BaseURL == "" {
		config.BaseURL = InferenceBaseURL
	}
	if config.Model == "" {
		config.Model = DefaultInferenceModel
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = defaultMaxTokens
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultHTTPTimeout
	}
	return &InferenceClient{
		apiKey:     config.APIKey,
		baseURL:    config.BaseURL,
		model:      config.Model,
		maxTokens:  config.MaxTokens,
		httpClient: &http.Client{Timeout: config.Timeout},
	}
}

// StatusError is a non-2xx response. The services layer classifies it by
// status code and body.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	body := e.Body
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody] + "..."
	}
	return fmt.Sprintf("inference API error (status %d): %s", e.StatusCode, body)
}

func (e *StatusError) HTTPStatus() int      { return e.StatusCode }
func (e *StatusError) ResponseBody() string { return e.Body }

type InferenceMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type InferenceRequest struct {
	Model       string             `json:"model"`
	Messages    []InferenceMessage `json:"messages"`
	Temperature float64            `json:"temperature"`
	MaxTokens   int                `json:"max_tokens,omitempty"`
}

type InferenceChoice struct {
	Index        int              `json:"index"`
	Message      InferenceMessage `json:"message"`
	FinishReason string           `json:"finish_reason"`
}

type InferenceResponse struct {
	ID      string            `json:"id"`
	Model   string            `json:"model"`
	Choices []InferenceChoice `json:"choices"`
}

// Complete sends one system + user turn and returns the first choice.
// A reply cut off at the token limit is returned as is; the callers'
// parsers reject incomplete JSON.
func (c *InferenceClient) Complete(ctx context.Context, systemPrompt, userPrompt string, temperature float64) (string, error) {
	body, err := json.Marshal(InferenceRequest{
		Model: c.model,
		Messages: []InferenceMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		Temperature: temperature,
		MaxTokens:   c.maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("marshal inference request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create inference request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("inference request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read inference response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &StatusError{StatusCode: resp.StatusCode, Body: string(raw)}
	}

	var out InferenceResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("decode inference response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", ErrNoChoices
	}
	return out.Choices[0].Message.Content, nil
}

// Name identifies the backend in logs.
func (c *InferenceClient) Name() string {
	return "inference:" + c.model
}
