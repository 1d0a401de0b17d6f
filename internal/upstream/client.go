// Package upstream talks to the Cloud Code API: authenticated JSON and
// SSE-streaming calls with ordered endpoint fallback and bounded retries.
package upstream

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/pysugar/quota-sentinel/internal/util"
	"github.com/pysugar/quota-sentinel/internal/version"
)

// Endpoints with fallback (production → sandbox).
const (
	ProductionBaseURL = "https://cloudcode-pa.googleapis.com/v1internal"
	SandboxBaseURL    = "https://daily-cloudcode-pa.sandbox.googleapis.com/v1internal"
)

// Retry tuning. Attempt 1 is undelayed; attempt n waits
// base * 2^(n-2) + jitter, capped.
const (
	backoffBase   = 500 * time.Millisecond
	backoffCap    = 8 * time.Second
	backoffJitter = 100 * time.Millisecond

	defaultTimeout     = 30 * time.Second
	defaultMaxAttempts = 2
)

// RouteOptions selects the ordered base-URL list for one call.
type RouteOptions struct {
	// Sandbox puts the sandbox endpoint first instead of production.
	Sandbox bool
	// OverrideURL, when set, replaces the fixed endpoint set entirely.
	OverrideURL string
}

func (r RouteOptions) baseURLs() []string {
	if r.OverrideURL != "" {
		return []string{strings.TrimRight(r.OverrideURL, "/")}
	}
	if r.Sandbox {
		return []string{SandboxBaseURL, ProductionBaseURL}
	}
	return []string{ProductionBaseURL, SandboxBaseURL}
}

// CallOptions configures a single logical call.
type CallOptions struct {
	AccessToken string
	Timeout     time.Duration
	MaxAttempts int
	LogLabel    string
	Route       RouteOptions
}

func (o CallOptions) timeout() time.Duration {
	if o.Timeout > 0 {
		return o.Timeout
	}
	return defaultTimeout
}

func (o CallOptions) maxAttempts() int {
	if o.MaxAttempts > 0 {
		return o.MaxAttempts
	}
	return defaultMaxAttempts
}

func (o CallOptions) label() string {
	if o.LogLabel != "" {
		return o.LogLabel
	}
	return "request"
}

// Client handles communication with the Cloud Code API.
type Client struct {
	httpClient *http.Client
	userAgent  string
}

// NewClient creates a new API client. A nil httpClient gets a default with
// a long timeout so streaming calls are bounded by per-call contexts, not
// the transport.
func NewClient(httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Minute}
	}
	return &Client{
		httpClient: httpClient,
		userAgent:  fmt.Sprintf("quota-sentinel/%s %s/%s", version.Version, runtime.GOOS, runtime.GOARCH),
	}
}

// probeOutcome classifies one endpoint probe so the retry driver is a
// plain loop over structured outcomes instead of nested early returns.
type probeOutcome int

const (
	outcomeSuccess probeOutcome = iota
	outcomeRetryable
	outcomeFatal
)

func classify(err error) probeOutcome {
	if err == nil {
		return outcomeSuccess
	}
	var reqErr *RequestError
	if errors.As(err, &reqErr) && reqErr.Retryable {
		return outcomeRetryable
	}
	// AuthError and non-retryable RequestError short-circuit.
	return outcomeFatal
}

// backoffDelay computes the sleep before the given attempt (attempt >= 2).
func backoffDelay(attempt int) time.Duration {
	delay := backoffBase << (attempt - 2)
	if delay > backoffCap {
		delay = backoffCap
	}
	return delay + time.Duration(rand.Int63n(int64(backoffJitter)))
}

// withRetry runs probe over the attempt × endpoint plan. One probe is in
// flight at a time per logical call.
func (c *Client) withRetry(ctx context.Context, opts CallOptions, probe func(ctx context.Context, baseURL string) error) error {
	urls := opts.Route.baseURLs()
	var lastErr error

	for attempt := 1; attempt <= opts.maxAttempts(); attempt++ {
		if attempt > 1 {
			delay := backoffDelay(attempt)
			log.Printf("🔄 %s: retry attempt %d after %s", opts.label(), attempt, delay.Round(time.Millisecond))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return &RequestError{Retryable: true, Err: ctx.Err()}
			}
		}

		for i, baseURL := range urls {
			err := probe(ctx, baseURL)
			switch classify(err) {
			case outcomeSuccess:
				return nil
			case outcomeFatal:
				return err
			case outcomeRetryable:
				lastErr = err
				if i < len(urls)-1 {
					log.Printf("⚠️ %s: endpoint %d failed, falling back: %v", opts.label(), i+1, err)
				}
			}
		}
	}

	if lastErr == nil {
		lastErr = &RequestError{Retryable: true, Err: errors.New("request failed")}
	}
	return lastErr
}

// RequestJSON performs an authenticated JSON POST against path (e.g.
// ":loadCodeAssist"), decoding the response into out when non-nil.
func (c *Client) RequestJSON(ctx context.Context, opts CallOptions, path string, payload, out interface{}) error {
	return c.withRetry(ctx, opts, func(ctx context.Context, baseURL string) error {
		return c.doJSON(ctx, opts, http.MethodPost, baseURL+path, payload, out)
	})
}

// RequestGetJSON performs an authenticated GET under the same
// retry/fallback contract.
func (c *Client) RequestGetJSON(ctx context.Context, opts CallOptions, path string, out interface{}) error {
	return c.withRetry(ctx, opts, func(ctx context.Context, baseURL string) error {
		return c.doJSON(ctx, opts, http.MethodGet, baseURL+path, nil, out)
	})
}

// RequestStream performs a streaming POST and returns the last SSE data
// payload. A stream cut off mid-way still succeeds if it delivered at
// least one event; a stream with zero events is a retryable failure.
func (c *Client) RequestStream(ctx context.Context, opts CallOptions, path string, payload interface{}) (json.RawMessage, error) {
	var last json.RawMessage
	err := c.withRetry(ctx, opts, func(ctx context.Context, baseURL string) error {
		data, err := c.doStream(ctx, opts, baseURL+path, payload)
		if err != nil {
			return err
		}
		last = data
		return nil
	})
	if err != nil {
		return nil, err
	}
	return last, nil
}

func (c *Client) newRequest(ctx context.Context, opts CallOptions, method, url string, payload interface{}) (*http.Request, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, &RequestError{Retryable: false, Err: fmt.Errorf("marshal payload: %w", err)}
		}
		if util.IsVerbose() {
			log.Printf("🔄 [VERBOSE] %s payload: %s", opts.label(), util.TruncateBytes(data))
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, &RequestError{Retryable: false, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+opts.AccessToken)
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept-Encoding", "gzip")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// responseReader unwraps gzip when the server honored Accept-Encoding.
func responseReader(resp *http.Response) (io.ReadCloser, error) {
	if resp.Header.Get("Content-Encoding") != "gzip" {
		return resp.Body, nil
	}
	gz, err := gzip.NewReader(resp.Body)
	if err != nil {
		return nil, &RequestError{Retryable: true, Err: fmt.Errorf("gzip response: %w", err)}
	}
	return gz, nil
}

func (c *Client) doJSON(ctx context.Context, opts CallOptions, method, url string, payload, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, opts.timeout())
	defer cancel()

	req, err := c.newRequest(ctx, opts, method, url, payload)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &RequestError{Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	reader, err := responseReader(resp)
	if err != nil {
		return err
	}
	data, readErr := io.ReadAll(reader)
	if readErr != nil {
		return &RequestError{Status: resp.StatusCode, Retryable: true, Err: readErr}
	}

	if resp.StatusCode == http.StatusUnauthorized || bodySignalsAuthFailure(data) {
		return &AuthError{Status: resp.StatusCode, Body: snippet(data)}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &RequestError{
			Status:    resp.StatusCode,
			Retryable: retryableStatus(resp.StatusCode),
			Err:       fmt.Errorf("%s: %s", resp.Status, snippet(data)),
		}
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return &RequestError{Status: resp.StatusCode, Retryable: true, Err: fmt.Errorf("decode response: %w", err)}
		}
	}
	return nil
}

func (c *Client) doStream(ctx context.Context, opts CallOptions, url string, payload interface{}) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, opts.timeout())
	defer cancel()

	req, err := c.newRequest(ctx, opts, http.MethodPost, url, payload)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &RequestError{Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	reader, err := responseReader(resp)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(reader)
		if resp.StatusCode == http.StatusUnauthorized || bodySignalsAuthFailure(data) {
			return nil, &AuthError{Status: resp.StatusCode, Body: snippet(data)}
		}
		return nil, &RequestError{
			Status:    resp.StatusCode,
			Retryable: retryableStatus(resp.StatusCode),
			Err:       fmt.Errorf("%s: %s", resp.Status, snippet(data)),
		}
	}

	return readSSE(reader)
}

// readSSE consumes newline-delimited "data: <json>" frames and keeps the
// last valid payload. Blank lines, non-data lines and the literal [DONE]
// terminator are skipped.
func readSSE(r io.Reader) (json.RawMessage, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	var last json.RawMessage
	events := 0

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" || data == "[DONE]" {
			continue
		}
		if !json.Valid([]byte(data)) {
			continue
		}
		last = append(last[:0], data...)
		events++
	}

	if err := scanner.Err(); err != nil {
		// An aborted read that already produced output is a partial
		// success, not a failure.
		if events > 0 {
			return last, nil
		}
		return nil, &RequestError{Retryable: true, Err: err}
	}
	if events == 0 {
		return nil, &RequestError{Retryable: true, Err: errors.New("stream produced no data")}
	}
	return last, nil
}

// snippet bounds an error body for messages and logs.
func snippet(data []byte) string {
	const max = 512
	s := strings.TrimSpace(string(data))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
