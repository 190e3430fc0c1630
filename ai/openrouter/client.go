// Package openrouter is the OpenRouter-compatible generation client: chat
// completions for text, /images/generations for images, with overload
// reported as *errors.RateLimitedError.
package openrouter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/lukinterlab/idealimage-ru-sub001/ai/provider"
	"github.com/lukinterlab/idealimage-ru-sub001/errors"
	"github.com/lukinterlab/idealimage-ru-sub001/internal/httpclient"
	"github.com/lukinterlab/idealimage-ru-sub001/internal/util"
	"github.com/lukinterlab/idealimage-ru-sub001/logger"
	"github.com/lukinterlab/idealimage-ru-sub001/pulse/budget"
)

const (
	// DefaultModel should match the default in am/defaults.go
	DefaultModel = "openai/gpt-4o-mini"
	// DefaultImageModel should match the default in am/defaults.go
	DefaultImageModel = "openai/dall-e-3"
	// DefaultBaseURL is the public OpenRouter API
	DefaultBaseURL = "https://openrouter.ai/api/v1"
	// DefaultRetryAfter applies to a 429 without a usable Retry-After header
	DefaultRetryAfter = 60 * time.Second

	defaultMaxRetries = 3
	maxErrorBody      = 500
)

// Client is the OpenRouter API client
type Client struct {
	httpClient *httpclient.SaferClient
	config     Config
	limits     budget.Chain
	logger     *zap.SugaredLogger
}

// Config holds client configuration
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	ImageModel  string
	ImageSize   string
	Temperature *float64 // nil = 0.7
	MaxTokens   *int     // nil = 2000
	Timeout     time.Duration
	MaxRetries  int           // attempts for transient network errors; 0 = 3
	RetryDelay  time.Duration // linear delay unit between network retries; 0 = 1s
	Title       string        // X-Title header for the OpenRouter dashboard

	// AllowPrivateHosts lets BaseURL point at a loopback or private-network gateway
	AllowPrivateHosts bool

	// Limits guard requests locally before the remote rejects them
	Limits budget.Chain
	Logger *zap.SugaredLogger
}

// NewClient creates a client, applying defaults for unset fields
func NewClient(config Config) *Client {
	if config.Model == "" {
		config.Model = DefaultModel
	}
	if config.ImageModel == "" {
		config.ImageModel = DefaultImageModel
	}
	if config.ImageSize == "" {
		config.ImageSize = "1024x1024"
	}
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	if config.Temperature == nil {
		config.Temperature = util.Ptr(0.7)
	}
	if config.MaxTokens == nil {
		config.MaxTokens = util.Ptr(2000)
	}
	if config.Timeout <= 0 {
		config.Timeout = 120 * time.Second
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = defaultMaxRetries
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = time.Second
	}
	if config.Title == "" {
		config.Title = "idealgen"
	}

	return &Client{
		httpClient: httpclient.New(config.Timeout, httpclient.Options{AllowPrivateHosts: config.AllowPrivateHosts}),
		config:     config,
		limits:     config.Limits,
		logger:     logger.OrNop(config.Logger),
	}
}

// ChatCompletionRequest is the body of POST /chat/completions
type ChatCompletionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

// Message is one chat message
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatCompletionResponse is the response of POST /chat/completions
type ChatCompletionResponse struct {
	ID      string   `json:"id"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

// Choice is one completion choice
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// Usage is token usage as reported by the API
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ImageRequest is the body of POST /images/generations
type ImageRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	N      int    `json:"n"`
	Size   string `json:"size,omitempty"`
}

// ImageResponse is the response of POST /images/generations
type ImageResponse struct {
	Data []struct {
		URL     string `json:"url"`
		B64JSON string `json:"b64_json"`
	} `json:"data"`
}

var _ provider.Generator = (*Client)(nil)
var _ provider.UsageReporter = (*Client)(nil)

// GenerateText returns the completion for a single user prompt
func (c *Client) GenerateText(ctx context.Context, prompt string) (string, error) {
	text, _, err := c.GenerateTextWithUsage(ctx, prompt)
	return text, err
}

// GenerateTextWithUsage returns the completion and its token usage.
// An empty completion is returned as "" with a nil error; the caller decides.
func (c *Client) GenerateTextWithUsage(ctx context.Context, prompt string) (string, provider.Usage, error) {
	if !c.IsConfigured() {
		return "", provider.Usage{}, errors.WithHint(errors.New("OpenRouter API key not configured"),
			"set IDEALGEN_OPENROUTER_API_KEY or openrouter.api_key")
	}

	model := c.config.Model
	req := ChatCompletionRequest{
		Model:       model,
		Messages:    []Message{{Role: "user", Content: prompt}},
		Temperature: *c.config.Temperature,
		MaxTokens:   *c.config.MaxTokens,
	}

	var resp ChatCompletionResponse
	if err := c.post(ctx, "/chat/completions", req, &resp); err != nil {
		return "", provider.Usage{}, err
	}

	usage := provider.Usage{
		Model:            model,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
		CostUSD:          CalculateCost(model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens),
	}
	if resp.Model != "" {
		usage.Model = resp.Model
	}

	if len(resp.Choices) == 0 {
		return "", usage, nil
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)

	c.logger.Debugw("OpenRouter response",
		"model", usage.Model,
		"content_length", len(text),
		"total_tokens", usage.TotalTokens)

	return text, usage, nil
}

// GenerateImage returns a reference (URL or data URI) to a generated image
func (c *Client) GenerateImage(ctx context.Context, prompt string) (string, error) {
	if !c.IsConfigured() {
		return "", errors.New("OpenRouter API key not configured")
	}

	req := ImageRequest{Model: c.config.ImageModel, Prompt: prompt, N: 1, Size: c.config.ImageSize}

	var resp ImageResponse
	if err := c.post(ctx, "/images/generations", req, &resp); err != nil {
		return "", err
	}
	if len(resp.Data) == 0 {
		return "", nil
	}
	if resp.Data[0].URL != "" {
		return resp.Data[0].URL, nil
	}
	if resp.Data[0].B64JSON != "" {
		return "data:image/png;base64," + resp.Data[0].B64JSON, nil
	}
	return "", nil
}

// post sends one request with local limit checks and linear retry of
// transient network errors. Rate limits are never retried here.
func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	if err := c.limits.Allow(); err != nil {
		return err
	}

	var err error
	for attempt := 0; attempt < c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(attempt) * c.config.RetryDelay
			c.logger.Debugw("Retrying OpenRouter request",
				"attempt", attempt+1, "max_retries", c.config.MaxRetries, "delay", delay)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		err = c.do(ctx, path, body, out)
		if err == nil {
			return nil
		}
		if _, limited := errors.AsRateLimited(err); limited {
			return err
		}

		c.logger.Warnw("OpenRouter API error",
			"attempt", attempt+1, "max_retries", c.config.MaxRetries,
			"path", path, logger.FieldError, err)

		if !isRetryableError(err) || ctx.Err() != nil {
			return errors.Wrap(err, "OpenRouter API error")
		}
	}
	return errors.Wrapf(err, "OpenRouter API error after %d attempts", c.config.MaxRetries)
}

func (c *Client) do(ctx context.Context, path string, body, out interface{}) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "failed to marshal request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+path, bytes.NewReader(reqBody))
	if err != nil {
		return errors.Wrap(err, "failed to create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	httpReq.Header.Set("X-Title", c.config.Title)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "failed to read response")
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		return errors.NewRateLimited(retryAfter, "openrouter: "+util.TruncateRunes(string(respBody), maxErrorBody))
	}
	if resp.StatusCode != http.StatusOK {
		err := errors.Newf("API request failed with status %d", resp.StatusCode)
		return errors.WithDetail(err, util.TruncateRunes(string(respBody), maxErrorBody))
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return errors.Wrap(err, "failed to unmarshal response")
	}
	return nil
}

// ParseRetryAfter reads a Retry-After header given in seconds or as an
// HTTP date, falling back to DefaultRetryAfter. The result is at least one second.
func ParseRetryAfter(header string, now time.Time) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return DefaultRetryAfter
	}
	if secs, err := strconv.ParseFloat(header, 64); err == nil {
		if secs < 1 {
			return errors.MinRetryAfter
		}
		return time.Duration(secs * float64(time.Second))
	}
	if at, err := http.ParseTime(header); err == nil {
		d := at.Sub(now)
		if d < errors.MinRetryAfter {
			return errors.MinRetryAfter
		}
		return d
	}
	return DefaultRetryAfter
}

// isRetryableError checks if an error is worth retrying (network-related)
func isRetryableError(err error) bool {
	if errors.Is(err, httpclient.ErrBlocked) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		var errno syscall.Errno
		if errors.As(opErr.Err, &errno) {
			switch errno {
			case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.ETIMEDOUT:
				return true
			}
		}
	}

	errStr := strings.ToLower(err.Error())
	for _, s := range []string{
		"connection reset by peer",
		"connection refused",
		"temporary failure",
		"network is unreachable",
		"i/o timeout",
	} {
		if strings.Contains(errStr, s) {
			return true
		}
	}
	return false
}

// IsConfigured returns true if the client has an API key
func (c *Client) IsConfigured() bool {
	return c.config.APIKey != ""
}

// Model returns the configured text model
func (c *Client) Model() string {
	return c.config.Model
}

// String identifies the client in logs
func (c *Client) String() string {
	return fmt.Sprintf("openrouter(%s)", c.config.Model)
}
