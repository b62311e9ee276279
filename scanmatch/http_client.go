package scanmatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"
)

const (
	// DefaultFetchTimeout bounds one map request, body included.
	DefaultFetchTimeout = 30 * time.Second

	// DefaultMaxRetries is how many requests a fetch may make in total.
	DefaultMaxRetries = 3

	// defaultBaseBackoff is the wait before the second request; it doubles
	// for every request after that.
	defaultBaseBackoff = 500 * time.Millisecond

	// maxResponseBytes caps how much of a map body is read.
	maxResponseBytes = 50 << 20
)

// errPermanent tags failures (bad URL, 4xx) that end the retry loop early.
var errPermanent = errors.New("permanent failure")

// FetchOption tunes a map fetch.
type FetchOption func(*fetchConfig)

type fetchConfig struct {
	timeout     time.Duration
	maxRetries  int
	baseBackoff time.Duration
	client      *http.Client
}

func defaultFetchConfig() fetchConfig {
	return fetchConfig{
		timeout:     DefaultFetchTimeout,
		maxRetries:  DefaultMaxRetries,
		baseBackoff: defaultBaseBackoff,
	}
}

// WithTimeout overrides DefaultFetchTimeout. It is ignored when
// WithHTTPClient supplies a client.
func WithTimeout(d time.Duration) FetchOption {
	return func(c *fetchConfig) {
		c.timeout = d
	}
}

// WithMaxRetries overrides DefaultMaxRetries. Values below 1 mean one request.
func WithMaxRetries(n int) FetchOption {
	return func(c *fetchConfig) {
		c.maxRetries = n
	}
}

// WithBaseBackoff changes the first retry delay.
func WithBaseBackoff(d time.Duration) FetchOption {
	return func(c *fetchConfig) {
		c.baseBackoff = d
	}
}

// WithHTTPClient makes the fetch use client, e.g. one with a custom transport.
func WithHTTPClient(client *http.Client) FetchOption {
	return func(c *fetchConfig) {
		c.client = client
	}
}

// FetchMapFromAPI downloads and decodes the map a Valetudo robot serves at
// e.g. "http://robot.local/api/v2/robot/state/map".
func FetchMapFromAPI(apiURL string, opts ...FetchOption) (*ValetudoMap, error) {
	return FetchMapFromAPIWithContext(context.Background(), apiURL, opts...)
}

// FetchMapFromAPIWithContext is FetchMapFromAPI bound to ctx. Network errors
// and 5xx replies are retried after a doubling delay. A 4xx reply or a body
// that does not decode fails at once.
func FetchMapFromAPIWithContext(ctx context.Context, apiURL string, opts ...FetchOption) (*ValetudoMap, error) {
	if apiURL == "" {
		return nil, errors.New("fetch map: API URL is empty")
	}

	cfg := defaultFetchConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	attempts := max(cfg.maxRetries, 1)

	client := cfg.client
	if client == nil {
		client = &http.Client{Timeout: cfg.timeout}
	}

	var lastErr error
	for attempt := range attempts {
		if attempt > 0 {
			backoff := cfg.baseBackoff * time.Duration(math.Pow(2, float64(attempt-1)))
			Logf("[HTTP] map fetch attempt %d failed: %v; retrying in %s", attempt, lastErr, backoff)
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("fetch map: %w", ctx.Err())
			case <-time.After(backoff):
			}
		}

		body, err := doFetch(ctx, client, apiURL)
		if err != nil {
			if errors.Is(err, errPermanent) || ctx.Err() != nil {
				return nil, fmt.Errorf("fetch map: %w", err)
			}
			lastErr = err
			continue
		}

		m, err := DecodeMapData(body)
		if err != nil {
			return nil, fmt.Errorf("fetch map: %w", err)
		}
		return m, nil
	}

	return nil, fmt.Errorf("fetch map: all %d attempts failed: %w", attempts, lastErr)
}

// doFetch makes one GET request and returns at most maxResponseBytes of body.
func doFetch(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w: %w", errPermanent, err)
	}
	req.Header.Set("Accept", "application/json, image/png")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP GET %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return nil, fmt.Errorf("HTTP GET %s: status %d: %w", url, resp.StatusCode, errPermanent)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP GET %s: status %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response from %s: %w", url, err)
	}
	return body, nil
}
