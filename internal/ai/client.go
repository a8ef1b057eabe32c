// Package ai talks to an OpenAI-compatible API for moderation, categorization and
// translation of polls.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultModel          = "gpt-4o-mini"
	chatCompletionsPath   = "/chat/completions"
	moderationsPath       = "/moderations"
	maxErrorBodyBytes     = 512
	defaultRequestsPerSec = 5
)

var (
	// ErrDependencyDegraded marks a call that failed after its retries; callers proceed without it.
	ErrDependencyDegraded = errors.New("ai: dependency degraded")
	// ErrMalformedResponse marks a reply that could not be parsed into the expected shape.
	ErrMalformedResponse = errors.New("ai: malformed response")
	// ErrInvalidClientConfig indicates a missing base url or api key.
	ErrInvalidClientConfig = errors.New("ai: invalid client config")

	errMissingBaseURL = errors.New("base url is required")
	errMissingAPIKey  = errors.New("api key is required")
)

// ClientConfig configures the HTTP client for the AI provider.
type ClientConfig struct {
	BaseURL           string
	APIKey            string
	Model             string
	HTTPClient        *http.Client
	RequestsPerSecond float64
	Logger            *zap.Logger
}

// Client issues rate-limited JSON requests against the provider.
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
}

// NewClient validates the configuration and constructs a Client.
func NewClient(cfg ClientConfig) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidClientConfig, errMissingBaseURL)
	}
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidClientConfig, errMissingAPIKey)
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModel
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	requestsPerSecond := cfg.RequestsPerSecond
	if requestsPerSecond == 0 {
		requestsPerSecond = defaultRequestsPerSec
	}
	limit := rate.Inf
	burst := 1
	if requestsPerSecond > 0 {
		limit = rate.Limit(requestsPerSecond)
		burst = max(1, int(requestsPerSecond))
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		model:      model,
		httpClient: httpClient,
		limiter:    rate.NewLimiter(limit, burst),
		logger:     logger,
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatRequest struct {
	Model          string         `json:"model"`
	Messages       []chatMessage  `json:"messages"`
	ResponseFormat responseFormat `json:"response_format"`
	Temperature    float64        `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

type moderationRequest struct {
	Input string `json:"input"`
}

type moderationResponse struct {
	Results []struct {
		Flagged bool `json:"flagged"`
	} `json:"results"`
}

// completeJSON asks the model for a JSON object and decodes it into out.
func (c *Client) completeJSON(ctx context.Context, instruction, content string, out any) error {
	request := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: instruction},
			{Role: "user", Content: content},
		},
		ResponseFormat: responseFormat{Type: "json_object"},
	}
	var response chatResponse
	if err := c.post(ctx, chatCompletionsPath, request, &response); err != nil {
		return err
	}
	if len(response.Choices) == 0 {
		return fmt.Errorf("%w: no choices", ErrMalformedResponse)
	}
	payload := strings.TrimSpace(response.Choices[0].Message.Content)
	if err := json.Unmarshal([]byte(payload), out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return nil
}

// moderate reports whether the provider flags the input.
func (c *Client) moderate(ctx context.Context, input string) (bool, error) {
	var response moderationResponse
	if err := c.post(ctx, moderationsPath, moderationRequest{Input: input}, &response); err != nil {
		return false, err
	}
	if len(response.Results) == 0 {
		return false, fmt.Errorf("%w: no moderation results", ErrMalformedResponse)
	}
	for _, result := range response.Results {
		if result.Flagged {
			return true, nil
		}
	}
	return false, nil
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	response, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBodyBytes))
		c.logger.Debug("ai request rejected",
			zap.String("path", path),
			zap.Int("status", response.StatusCode),
			zap.ByteString("body", snippet))
		return fmt.Errorf("ai request %s returned status %d", path, response.StatusCode)
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return nil
}
