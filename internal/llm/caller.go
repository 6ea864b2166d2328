// Package llm is the retrying HTTP caller for the upstream LLM gateway. It
// is grounded on the teacher's internal/ai/openrouter.go: the same header
// set (Authorization Bearer, HTTP-Referer, X-Title), the same request/client
// shape, generalized from a fixed OpenAI-compatible chat endpoint to an
// arbitrary per-message URL carrying an opaque JSON body.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/suPer8Hu/llmworker/internal/task"
)

const maxErrorBodyBytes = 64 * 1024

// Params are the retry parameters from settings: max_attempts,
// base_delay_ms, max_delay_s.
type Params struct {
	MaxAttempts int
	BaseDelayMs int64
	MaxDelayS   int64
}

// Request is the opaque call this layer makes on behalf of one message.
type Request struct {
	URL    string
	Body   json.RawMessage
	APIKey string
}

// PermanentError is the only error shape Call ever returns. Attempt is the
// zero-based index of the attempt that produced the final failure.
type PermanentError struct {
	Attempt int
	Err     error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("llm call failed after %d attempt(s): %v", e.Attempt+1, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// Caller wraps a shared *http.Client; it is safe to share across every
// concurrently-running per-message task (matches the teacher's shared
// *http.Client field on OpenRouterProvider/OllamaProvider).
type Caller struct {
	Client   *http.Client
	SiteURL  string
	SiteName string
	Params   Params

	// sleep and jitter are overridable for deterministic tests; both
	// default to real behavior via NewCaller.
	sleep  func(time.Duration)
	jitter func() float64
}

func NewCaller(siteURL, siteName string, params Params) *Caller {
	if params.MaxAttempts <= 0 {
		params.MaxAttempts = 1
	}
	return &Caller{
		Client:   &http.Client{Timeout: 90 * time.Second},
		SiteURL:  siteURL,
		SiteName: siteName,
		Params:   params,
		sleep:    time.Sleep,
		jitter:   rand.Float64,
	}
}

type attemptKind int

const (
	kindSuccess attemptKind = iota
	kindTransient
	kindPermanent
)

type classification struct {
	kind          attemptKind
	delay         time.Duration
	hasDelay      bool // delay is meaningful
	overrideDelay bool // delay replaces the default backoff instead of flooring it
}

// Call issues up to Params.MaxAttempts attempts, zero-indexed, sleeping
// between them per the backoff-with-jitter schedule. It never returns a
// transient error: every non-success path is classified, and the loop
// either keeps going (transient) or stops immediately (permanent,
// including the final attempt's transient failure once the budget is
// exhausted).
func (c *Caller) Call(ctx context.Context, req Request) (task.Response, error) {
	var lastErr error
	for attempt := 0; attempt < c.Params.MaxAttempts; attempt++ {
		body, cls, err := c.doAttempt(ctx, req, attempt)

		switch cls.kind {
		case kindSuccess:
			log.Printf("attempt=%d url=%s result=success", attempt, req.URL)
			return task.Response{Completions: json.RawMessage(body), Cached: false, Attempt: attempt}, nil

		case kindPermanent:
			log.Printf("attempt=%d url=%s result=permanent err=%v", attempt, req.URL, err)
			return task.Response{}, &PermanentError{Attempt: attempt, Err: err}

		case kindTransient:
			lastErr = err
			if attempt == c.Params.MaxAttempts-1 {
				log.Printf("attempt=%d url=%s result=transient err=%v retries_exhausted=true", attempt, req.URL, err)
				return task.Response{}, &PermanentError{
					Attempt: attempt,
					Err:     fmt.Errorf("retries exhausted: %w", err),
				}
			}
			delay := c.delayFor(attempt, cls)
			log.Printf("attempt=%d url=%s result=transient err=%v sleep=%s", attempt, req.URL, err, delay)
			c.sleep(delay)
		}
	}
	return task.Response{}, &PermanentError{Attempt: c.Params.MaxAttempts - 1, Err: lastErr}
}

func (c *Caller) delayFor(attempt int, cls classification) time.Duration {
	backoff := c.backoffDelay(attempt)
	if !cls.hasDelay {
		return backoff
	}
	if cls.overrideDelay {
		return cls.delay
	}
	if cls.delay > backoff {
		return cls.delay
	}
	return backoff
}

// backoffDelay computes delay_k = min(base_delay_ms * 2^k * J, max_delay_s*1000)
// with J drawn independently and uniformly from [0.5, 1.5) per attempt.
func (c *Caller) backoffDelay(attempt int) time.Duration {
	base := float64(c.Params.BaseDelayMs) * math.Pow(2, float64(attempt))
	j := 0.5 + c.jitter()
	ms := base * j
	maxMs := float64(c.Params.MaxDelayS) * 1000
	if maxMs > 0 && ms > maxMs {
		ms = maxMs
	}
	return time.Duration(ms) * time.Millisecond
}

func (c *Caller) doAttempt(ctx context.Context, req Request, attempt int) ([]byte, classification, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return nil, classification{kind: kindPermanent}, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+req.APIKey)
	httpReq.Header.Set("HTTP-Referer", c.SiteURL)
	httpReq.Header.Set("X-Title", c.SiteName)

	resp, err := c.Client.Do(httpReq)
	if err != nil {
		// Transport-level failures (timeout, connection refused, DNS,
		// etc.) are always transient: the caller never knows enough about
		// them to rule out a retry succeeding.
		return nil, classification{kind: kindTransient}, fmt.Errorf("attempt %d: transport error: %w", attempt, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, classification{kind: kindPermanent}, fmt.Errorf("authentication failed: status %d", resp.StatusCode)

	case resp.StatusCode == http.StatusTooManyRequests:
		delay, ok := retryAfterDelay(resp.Header.Get("Retry-After"))
		return nil, classification{kind: kindTransient, delay: delay, hasDelay: ok}, fmt.Errorf("rate limited: status %d", resp.StatusCode)

	case resp.StatusCode >= 500:
		return nil, classification{kind: kindTransient}, fmt.Errorf("upstream server error: status %d", resp.StatusCode)

	case resp.StatusCode >= 400:
		msg := readErrorSnippet(resp.Body)
		return nil, classification{kind: kindPermanent}, fmt.Errorf("upstream rejected request: status %d: %s", resp.StatusCode, msg)

	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, classification{kind: kindPermanent}, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classification{kind: kindPermanent}, fmt.Errorf("reading response body: %w", err)
	}

	var parsed map[string]any
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, classification{kind: kindPermanent}, fmt.Errorf("unparseable response body: %w", err)
	}

	if errObj, ok := findErrorObject(parsed); ok {
		code := errObj["code"]
		switch {
		case codeEquals(code, 429):
			delay := bodyRateLimitDelay(errObj)
			return nil, classification{kind: kindTransient, delay: delay, hasDelay: true, overrideDelay: true},
				fmt.Errorf("upstream rate limited (error.code=429)")
		case codeIn5xxRange(code):
			return nil, classification{kind: kindTransient}, fmt.Errorf("upstream server error (error.code=%v)", code)
		default:
			return nil, classification{kind: kindPermanent}, fmt.Errorf("upstream error (error.code=%v)", code)
		}
	}

	return respBody, classification{kind: kindSuccess}, nil
}

func readErrorSnippet(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, maxErrorBodyBytes))
	return string(b)
}

// findErrorObject locates the embedded error object at top-level "error" or
// at "completions.error", per spec: the upstream may report a failure at
// the HTTP envelope or as an application-level JSON error object nested
// under a "completions" key.
func findErrorObject(body map[string]any) (map[string]any, bool) {
	if errObj, ok := body["error"].(map[string]any); ok {
		return errObj, true
	}
	if completions, ok := body["completions"].(map[string]any); ok {
		if errObj, ok := completions["error"].(map[string]any); ok {
			return errObj, true
		}
	}
	return nil, false
}

func codeEquals(code any, want int) bool {
	n, ok := asInt(code)
	return ok && n == want
}

func codeIn5xxRange(code any) bool {
	n, ok := asInt(code)
	return ok && n >= 500 && n <= 599
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case float64:
		return int(t), true
	case int:
		return t, true
	case string:
		n, err := strconv.Atoi(t)
		return n, err == nil
	default:
		return 0, false
	}
}

func retryAfterDelay(header string) (time.Duration, bool) {
	if header == "" {
		return 0, false
	}
	secs, err := strconv.ParseFloat(header, 64)
	if err != nil || secs < 0 {
		return 0, false
	}
	return time.Duration(secs * float64(time.Second)), true
}

// bodyRateLimitDelay computes the sleep duration when the upstream reports a
// body-level error.code=429. error.metadata.headers["X-RateLimit-Reset"] is
// unix milliseconds (see SPEC_FULL.md's Open Questions decision); the delay
// is the remaining time rounded up to seconds plus one, floored at 2s.
func bodyRateLimitDelay(errObj map[string]any) time.Duration {
	const floor = 2 * time.Second

	metadata, _ := errObj["metadata"].(map[string]any)
	if metadata == nil {
		return floor
	}
	headers, _ := metadata["headers"].(map[string]any)
	if headers == nil {
		return floor
	}
	resetMs, ok := asUnixMillis(headers["X-RateLimit-Reset"])
	if !ok {
		return floor
	}

	nowMs := time.Now().UnixMilli()
	remainingMs := resetMs - nowMs
	if remainingMs <= 0 {
		return floor
	}
	secs := math.Ceil(float64(remainingMs)/1000) + 1
	d := time.Duration(secs) * time.Second
	if d < floor {
		return floor
	}
	return d
}

func asUnixMillis(v any) (int64, bool) {
	switch t := v.(type) {
	case float64:
		return int64(t), true
	case string:
		n, err := strconv.ParseInt(t, 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}
