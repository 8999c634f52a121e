// Package generation provides the model backends that turn a selected
// template plus tool output into prose. The HTTP client speaks the
// chat-completions dialect most gateways expose; the local generator keeps
// the pipeline usable with no model configured.
package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/odellh/burnish/pkg/errors"
	"github.com/odellh/burnish/pkg/formatter"
	"github.com/odellh/burnish/pkg/logging"
)

const (
	defaultModel   = "gpt-4o-mini"
	defaultTimeout = 30 * time.Second
	maxRetries     = 2
	baseRetryDelay = 500 * time.Millisecond
	maxRetryDelay  = 5 * time.Second

	// Rough prose-to-token ratio used to derive max_tokens from a
	// character budget.
	charsPerToken = 4
)

// ClientConfig configures the HTTP generation client.
type ClientConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// Client calls a chat-completions endpoint to render responses. It retries
// transient failures with exponential backoff and honors Retry-After.
type Client struct {
	cfg        ClientConfig
	httpClient *http.Client
	logger     *logging.Logger
}

// NewClient creates an HTTP generation client.
func NewClient(cfg ClientConfig, logger *logging.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New(errors.ErrCodeConfigInvalid, "generation base URL is required")
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:          100,
				MaxIdleConnsPerHost:   20,
				MaxConnsPerHost:       50,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ExpectContinueTimeout: 1 * time.Second,
				ForceAttemptHTTP2:     true,
			},
		},
		logger: logger,
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Generate renders a response through the remote model.
func (c *Client) Generate(ctx context.Context, req formatter.GenerationRequest) (string, error) {
	body, err := json.Marshal(c.buildRequest(req))
	if err != nil {
		return "", fmt.Errorf("marshaling generation request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(retryDelay(attempt, lastErr)):
			}
		}

		content, retryable, err := c.doRequest(ctx, body)
		if err == nil {
			return content, nil
		}
		lastErr = err
		if !retryable {
			return "", err
		}
		c.logger.Warn(logging.CategoryGeneration, "generation_retry", "retrying generation request", map[string]any{
			"attempt": attempt + 1,
			"error":   err.Error(),
		})
	}
	return "", fmt.Errorf("generation failed after %d retries: %w", maxRetries, lastErr)
}

func (c *Client) buildRequest(req formatter.GenerationRequest) chatRequest {
	system := req.SystemPrompt
	if req.PersonaSection != "" {
		system += "\n\n" + req.PersonaSection
	}
	system += "\n\nStyle: " + string(req.Style) + "."
	if req.MaxLength > 0 {
		system += fmt.Sprintf(" Keep the response under %d characters.", req.MaxLength)
	}
	if !req.EmojiEnabled {
		system += " Do not use emoji."
	}

	var user strings.Builder
	user.WriteString(req.Instruction)
	if req.UserMessage != "" {
		user.WriteString("\n\nUser message:\n")
		user.WriteString(req.UserMessage)
	}
	if req.ToolPayload != "" {
		user.WriteString("\n\nTool output:\n")
		user.WriteString(req.ToolPayload)
	}

	out := chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user.String()},
		},
		Temperature: 0.3,
	}
	if req.MaxLength > 0 {
		out.MaxTokens = req.MaxLength / charsPerToken
	}
	return out
}

// doRequest performs one attempt. The bool reports whether the failure is
// worth retrying.
func (c *Client) doRequest(ctx context.Context, body []byte) (string, bool, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", false, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", true, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := &apiError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(data)),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
		return "", err.retryable(), err
	}

	var chatResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return "", false, fmt.Errorf("decoding generation response: %w", err)
	}
	if len(chatResp.Choices) == 0 {
		return "", false, fmt.Errorf("generation response has no choices")
	}
	return strings.TrimSpace(chatResp.Choices[0].Message.Content), false, nil
}

type apiError struct {
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *apiError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("generation API returned %d", e.StatusCode)
	}
	return fmt.Sprintf("generation API returned %d: %s", e.StatusCode, e.Body)
}

func (e *apiError) retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

func retryDelay(attempt int, lastErr error) time.Duration {
	if apiErr, ok := lastErr.(*apiError); ok && apiErr.RetryAfter > 0 {
		if apiErr.RetryAfter > maxRetryDelay {
			return maxRetryDelay
		}
		return apiErr.RetryAfter
	}

	delay := baseRetryDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	return delay
}

func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
