package mesh

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	// DefaultFetchTimeout is the default HTTP request timeout for scan fetches.
	DefaultFetchTimeout = 30 * time.Second

	// DefaultMaxRetries is the default number of attempts per source.
	DefaultMaxRetries = 3

	defaultBaseBackoff = 500 * time.Millisecond

	// maxCompressedBytes bounds a zstd response body before inflation; the
	// inflated document is then held to maxDecodedBytes by the decoder.
	maxCompressedBytes = 8 << 20
)

// ErrScanTooLarge is returned when a scanner response exceeds the body limit
var ErrScanTooLarge = errors.New("scan response too large")

// FetchOption configures FetchSourceScan behavior.
type FetchOption func(*fetchConfig)

type fetchConfig struct {
	timeout     time.Duration
	maxRetries  int
	baseBackoff time.Duration
	client      *http.Client
	maxJSON     int64
	maxZstd     int64
}

func defaultFetchConfig() fetchConfig {
	return fetchConfig{
		timeout:     DefaultFetchTimeout,
		maxRetries:  DefaultMaxRetries,
		baseBackoff: defaultBaseBackoff,
		maxJSON:     maxDecodedBytes,
		maxZstd:     maxCompressedBytes,
	}
}

// WithTimeout sets the HTTP request timeout.
func WithTimeout(d time.Duration) FetchOption {
	return func(c *fetchConfig) { c.timeout = d }
}

// WithMaxRetries sets the maximum number of attempts.
func WithMaxRetries(n int) FetchOption {
	return func(c *fetchConfig) { c.maxRetries = n }
}

// WithBaseBackoff sets the delay before the second attempt; later attempts
// double it.
func WithBaseBackoff(d time.Duration) FetchOption {
	return func(c *fetchConfig) { c.baseBackoff = d }
}

// WithBodyLimits caps response bodies: plain JSON at jsonBytes and zstd
// payloads at zstdBytes before inflation.
func WithBodyLimits(jsonBytes, zstdBytes int64) FetchOption {
	return func(c *fetchConfig) {
		c.maxJSON = jsonBytes
		c.maxZstd = zstdBytes
	}
}

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) FetchOption {
	return func(c *fetchConfig) { c.client = client }
}

// fetchError tags a failed pull with the source it was for
type fetchError struct {
	source string
	err    error
}

func (e *fetchError) Error() string { return fmt.Sprintf("fetch scan %q: %v", e.source, e.err) }
func (e *fetchError) Unwrap() error { return e.err }

// statusError is a non-200 scanner response
type statusError struct {
	code int
}

func (e *statusError) Error() string { return fmt.Sprintf("scanner returned status %d", e.code) }

// retryable reports whether another attempt could succeed. Server errors and
// throttling are transient; other 4xx answers will not change.
func (e *statusError) retryable() bool {
	return e.code >= 500 || e.code == http.StatusTooManyRequests
}

// FetchSourceScan pulls the current entity scan of src from its apiUrl.
// Transient failures are retried with exponential backoff. A scan that does
// not name its source is attributed to src.ID.
func FetchSourceScan(ctx context.Context, src SourceConfig, opts ...FetchOption) (*Scan, error) {
	if src.ApiURL == nil || *src.ApiURL == "" {
		return nil, &fetchError{source: src.ID, err: errors.New("source has no apiUrl")}
	}

	cfg := defaultFetchConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	client := cfg.client
	if client == nil {
		client = &http.Client{Timeout: cfg.timeout}
	}

	backoff := cfg.baseBackoff
	var lastErr error
	for attempt := range cfg.maxRetries {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, &fetchError{source: src.ID, err: ctx.Err()}
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		body, err := getScanBody(ctx, client, *src.ApiURL, cfg)
		if err != nil {
			if ctx.Err() != nil {
				return nil, &fetchError{source: src.ID, err: ctx.Err()}
			}
			var se *statusError
			if errors.Is(err, ErrScanTooLarge) || (errors.As(err, &se) && !se.retryable()) {
				return nil, &fetchError{source: src.ID, err: err}
			}
			lastErr = err
			continue
		}

		scan, err := DecodeScanData(body)
		if err != nil {
			return nil, &fetchError{source: src.ID, err: err}
		}
		if scan.Source == "" {
			scan.Source = src.ID
		}
		return scan, nil
	}

	return nil, &fetchError{source: src.ID, err: fmt.Errorf("all %d attempts failed: %w", cfg.maxRetries, lastErr)}
}

// getScanBody performs one GET and returns the raw payload. The body limit
// depends on the payload form sniffed from its first bytes.
func getScanBody(ctx context.Context, client *http.Client, url string, cfg fetchConfig) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/zstd, application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, &statusError{code: resp.StatusCode}
	}

	br := bufio.NewReader(resp.Body)
	head, _ := br.Peek(len(zstdMagic))
	limit := cfg.maxJSON
	if IsZstd(head) {
		limit = cfg.maxZstd
	}

	body, err := io.ReadAll(io.LimitReader(br, limit+1))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrScanTooLarge, limit)
	}
	return body, nil
}
