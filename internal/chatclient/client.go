package chatclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// ErrConnectionRefused is returned after exhausting connection-refused
// retries (spec.md §4.1: 3 attempts, 2s apart).
var ErrConnectionRefused = errors.New("chatclient: connection refused")

// ErrMaxRetriesExceeded is returned after exhausting the 429/503 backoff
// retry budget.
var ErrMaxRetriesExceeded = errors.New("chatclient: max retries exceeded")

// Client is an OpenAI-compatible chat completions client implementing
// spec.md §4.1's retry, backoff, and tool-call compatibility contract.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger

	maxRetries int

	backpressure *RateLimiter
	monitor      *BackpressureMonitor

	mu                sync.Mutex
	contentModeForced bool // permanent, idempotent per-session fallback (spec.md §4.1)
}

// Options configures a Client. Zero values fall back to spec.md's defaults.
type Options struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Logger     *slog.Logger
	MaxRetries int
}

// New constructs a Client. BaseURL defaults to the OpenAI API; callers point
// it at any OpenAI-compatible endpoint (local model servers, proxies).
func New(opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.openai.com/v1"
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
				ForceAttemptHTTP2:   true,
			},
		}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	return &Client{
		baseURL:      strings.TrimSuffix(opts.BaseURL, "/"),
		apiKey:       opts.APIKey,
		httpClient:   opts.HTTPClient,
		logger:       opts.Logger,
		maxRetries:   opts.MaxRetries,
		backpressure: NewRateLimiter(),
		monitor:      NewBackpressureMonitor(),
	}
}

// Models lists the models the endpoint serves.
func (c *Client) Models(ctx context.Context) ([]ModelInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("chatclient: build models request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("chatclient: models request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("chatclient: models returned %d: %s", resp.StatusCode, body)
	}

	var payload struct {
		Data []ModelInfo `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("chatclient: decode models response: %w", err)
	}
	return payload.Data, nil
}

// Chat sends a non-streaming completion request, retrying on 429/503 with
// exponential backoff (2s·2^attempt, max 3 attempts), retrying once more on
// any other 5xx unless the response body is byte-identical to the previous
// attempt's (a deterministic failure won't resolve by retrying), and
// retrying connection-refused errors up to 3 times 2s apart (spec.md §4.1).
func (c *Client) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	req.Stream = false
	if c.contentModeEnabled() {
		req.Tools = nil
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("chatclient: marshal request: %w", err)
	}

	var lastBody []byte
	var lastErr error
	connRefusedAttempts := 0

	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if delay := c.backpressure.Delay(); delay > 0 {
			if err := sleepCtx(ctx, delay); err != nil {
				return nil, err
			}
		}

		start := time.Now()
		resp, doErr := c.post(ctx, "/chat/completions", body)
		c.monitor.Observe(time.Since(start))

		if doErr != nil {
			if isConnectionRefused(doErr) && connRefusedAttempts < 3 {
				connRefusedAttempts++
				c.backpressure.RecordError()
				if err := sleepCtx(ctx, 2*time.Second); err != nil {
					return nil, err
				}
				attempt--
				continue
			}
			lastErr = doErr
			c.backpressure.RecordError()
			continue
		}

		switch {
		case resp.status == http.StatusOK:
			var out ChatResponse
			if err := json.Unmarshal(resp.body, &out); err != nil {
				return nil, fmt.Errorf("chatclient: decode chat response: %w", err)
			}
			c.maybeSwitchToContentMode(resp.status, resp.body)
			return &out, nil

		case resp.status == http.StatusTooManyRequests || resp.status == http.StatusServiceUnavailable:
			c.backpressure.RecordError()
			lastErr = fmt.Errorf("chatclient: status %d: %s", resp.status, resp.body)
			if err := sleepCtx(ctx, backoffDelay(attempt)); err != nil {
				return nil, err
			}
			continue

		case resp.status >= 500:
			c.maybeSwitchToContentMode(resp.status, resp.body)
			if lastBody != nil && bytes.Equal(lastBody, resp.body) {
				// Identical 5xx body twice in a row: retrying will not help.
				return nil, fmt.Errorf("chatclient: persistent %d error: %s", resp.status, resp.body)
			}
			lastBody = resp.body
			lastErr = fmt.Errorf("chatclient: status %d: %s", resp.status, resp.body)
			c.backpressure.RecordError()
			continue

		default:
			return nil, fmt.Errorf("chatclient: status %d: %s", resp.status, resp.body)
		}
	}

	if lastErr == nil {
		lastErr = ErrConnectionRefused
	}
	return nil, fmt.Errorf("%w: %v", ErrMaxRetriesExceeded, lastErr)
}

type rawResponse struct {
	status int
	body   []byte
}

func (c *Client) post(ctx context.Context, path string, body []byte) (*rawResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	c.setHeaders(httpReq)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("chatclient: read response body: %w", err)
	}
	return &rawResponse{status: resp.StatusCode, body: respBody}, nil
}

func (c *Client) setHeaders(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Accept", "application/json")
}

// toolCallCompatSignature is a fragment 5xx providers emit when they reject
// a request for using tool_calls in a mode they don't support (spec.md
// §4.1's "content-mode fallback trigger").
const toolCallCompatSignature = "tool_choice"

func (c *Client) maybeSwitchToContentMode(status int, body []byte) {
	if status < 500 {
		return
	}
	if !bytes.Contains(bytes.ToLower(body), []byte(toolCallCompatSignature)) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.contentModeForced {
		return
	}
	c.contentModeForced = true
	c.logger.Warn("chatclient: switching to content-mode tool calling for remainder of session")
}

func (c *Client) contentModeEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.contentModeForced
}

func backoffDelay(attempt int) time.Duration {
	d := time.Duration(1<<uint(attempt)) * 2 * time.Second
	if d > 60*time.Second {
		d = 60 * time.Second
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func isConnectionRefused(err error) bool {
	return strings.Contains(err.Error(), "connection refused") || strings.Contains(err.Error(), "dial tcp")
}
