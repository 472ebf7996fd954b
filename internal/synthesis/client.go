package synthesis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"golang.org/x/time/rate"

	"github.com/fieldmed/triage/internal/clinical"
	"github.com/fieldmed/triage/internal/shared/config"
	"github.com/fieldmed/triage/internal/shared/metrics"
)

// Output modes
const (
	modeJSONSchema = "json_schema"
	modeJSON       = "json"
	modeText       = "text"
)

// maxResponseBytes bounds a single completion body.
const maxResponseBytes = 1 << 20

// ErrNoCredential is returned when the endpoint needs an API key and none is configured.
var ErrNoCredential = errors.New("no API key configured")

// ErrMalformed marks a completion that arrived but carried no usable content.
var ErrMalformed = errors.New("malformed completion")

// StatusError is a non-2xx answer from the endpoint.
type StatusError struct {
	Code int
	Body string

	retryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("endpoint returned %d: %s", e.Code, e.Body)
}

// Client calls an OpenAI-compatible chat completions endpoint such as OpenRouter.
// It is safe for concurrent use; every call gets its own timeout.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	config     config.LLMConfig
	schema     *jsonschema.Schema
	logger     *slog.Logger

	// schemaRejected is set once the endpoint refuses json_schema output
	schemaRejected atomic.Bool

	// sleep is replaced in tests
	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient returns a contract error when the report schema cannot be built.
func NewClient(cfg config.LLMConfig, logger *slog.Logger) (*Client, error) {
	schema, err := clinical.ReportSchema()
	if err != nil {
		return nil, err
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}

	if cfg.APIKey == "" {
		logger.Warn("LLM API key not set, reports will use the placeholder", "base_url", cfg.BaseURL)
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{},
		limiter:    rate.NewLimiter(limit, burst),
		config:     cfg,
		schema:     schema,
		logger:     logger,
		sleep:      sleepContext,
	}, nil
}

func (c *Client) Name() string {
	return "openai:" + c.config.Model
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Temperature    float64         `json:"temperature"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type       string            `json:"type"`
	JSONSchema *jsonSchemaFormat `json:"json_schema,omitempty"`
}

type jsonSchemaFormat struct {
	Name   string             `json:"name"`
	Strict bool               `json:"strict"`
	Schema *jsonschema.Schema `json:"schema"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Generate sends the request, retrying transient failures with exponential backoff.
// When the endpoint rejects a json_schema response format with 400 the request is
// sent again once in json mode, and later calls on this client go straight to json mode.
func (c *Client) Generate(ctx context.Context, req Request) (Reply, error) {
	if c.config.APIKey == "" {
		return Reply{}, ErrNoCredential
	}

	logger := c.logger.With("run_id", req.RunID.String(), "model", c.config.Model)

	mode := c.config.OutputMode
	if mode == modeJSONSchema && c.schemaRejected.Load() {
		mode = modeJSON
	}

	reply, err := c.generate(ctx, logger, req, mode)
	var se *StatusError
	if mode == modeJSONSchema && errors.As(err, &se) && se.Code == http.StatusBadRequest {
		c.schemaRejected.Store(true)
		logger.Warn("endpoint rejected structured output, falling back to json mode", "error", err)
		fallback, ferr := c.generate(ctx, logger, req, modeJSON)
		fallback.Attempts += reply.Attempts
		return fallback, ferr
	}
	return reply, err
}

func (c *Client) payload(req Request, mode string) ([]byte, error) {
	messages, err := buildMessages(req, mode, c.schema)
	if err != nil {
		return nil, err
	}
	body := chatRequest{
		Model:       c.config.Model,
		Messages:    messages,
		Temperature: c.config.Temperature,
	}
	switch mode {
	case modeJSONSchema:
		body.ResponseFormat = &responseFormat{
			Type: "json_schema",
			JSONSchema: &jsonSchemaFormat{
				Name:   "clinical_report",
				Strict: true,
				Schema: c.schema,
			},
		}
	case modeJSON:
		body.ResponseFormat = &responseFormat{Type: "json_object"}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	return payload, nil
}

// generate runs the retry loop for one output mode.
func (c *Client) generate(ctx context.Context, logger *slog.Logger, req Request, mode string) (Reply, error) {
	payload, err := c.payload(req, mode)
	if err != nil {
		return Reply{}, err
	}

	var lastErr error
	attempts := 0
	for attempt := 0; attempt < c.config.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := c.backoff(attempt, lastErr)
			logger.Warn("retrying narrative request", "attempt", attempt+1, "delay", delay, "error", lastErr)
			if err := c.sleep(ctx, delay); err != nil {
				return Reply{Attempts: attempts}, fmt.Errorf("narrative request cancelled: %w", err)
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return Reply{Attempts: attempts}, fmt.Errorf("narrative request cancelled: %w", err)
		}

		attempts++
		start := time.Now()
		content, err := c.complete(ctx, payload)
		if err == nil {
			metrics.RecordSynthesisAttempt("ok", time.Since(start))
			return Reply{Content: content, Attempts: attempts}, nil
		}

		lastErr = err
		if !retryable(err) {
			metrics.RecordSynthesisAttempt("error", time.Since(start))
			return Reply{Attempts: attempts}, err
		}
		metrics.RecordSynthesisAttempt("retryable", time.Since(start))

		// The run itself is over, no point retrying
		if ctx.Err() != nil {
			break
		}
	}

	return Reply{Attempts: attempts}, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// complete performs one attempt under its own timeout.
func (c *Client) complete(ctx context.Context, payload []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read completion: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Code: resp.StatusCode, Body: truncate(string(raw), 200), retryAfter: retryAfter(resp)}
	}

	var cr chatResponse
	if err := json.Unmarshal(raw, &cr); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if cr.Error != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformed, cr.Error.Message)
	}
	if len(cr.Choices) == 0 || strings.TrimSpace(cr.Choices[0].Message.Content) == "" {
		return nil, fmt.Errorf("%w: no content", ErrMalformed)
	}
	return []byte(cr.Choices[0].Message.Content), nil
}

// Health checks that the endpoint answers and accepts the credential.
func (c *Client) Health(ctx context.Context) error {
	if c.config.APIKey == "" {
		return ErrNoCredential
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return err
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("endpoint unreachable: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))

	if resp.StatusCode != http.StatusOK {
		return &StatusError{Code: resp.StatusCode}
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	if c.config.Referer != "" {
		req.Header.Set("HTTP-Referer", c.config.Referer)
	}
	if c.config.Title != "" {
		req.Header.Set("X-Title", c.config.Title)
	}
}

// backoff doubles RetryDelay per attempt up to MaxRetryDelay. A Retry-After from the
// endpoint replaces the computed delay, within the same cap.
func (c *Client) backoff(attempt int, lastErr error) time.Duration {
	delay := c.config.RetryDelay << (attempt - 1)
	var se *StatusError
	if errors.As(lastErr, &se) && se.retryAfter > 0 {
		delay = se.retryAfter
	}
	if c.config.MaxRetryDelay > 0 && (delay > c.config.MaxRetryDelay || delay <= 0) {
		delay = c.config.MaxRetryDelay
	}
	return delay
}

// retryable reports whether another attempt may succeed: network failures, timeouts,
// 401, 408, 429 and 5xx. Malformed output is not retried.
func retryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		switch {
		case se.Code == http.StatusUnauthorized,
			se.Code == http.StatusRequestTimeout,
			se.Code == http.StatusTooManyRequests,
			se.Code >= 500:
			return true
		default:
			return false
		}
	}
	if errors.Is(err, ErrMalformed) || errors.Is(err, ErrNoCredential) || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) || errors.Is(err, io.ErrUnexpectedEOF)
}

func retryAfter(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
