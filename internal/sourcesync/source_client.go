package sourcesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrSourceNotFound is the terminal not-found signal from the external
// platform; it means the event was deleted remotely, not that the fetch
// failed.
var ErrSourceNotFound = errors.New("source record not found")

// TransientError marks a fetch failure worth retrying on a later run:
// network trouble, rate limiting, or a 5xx from the platform.
type TransientError struct {
	StatusCode int
	Message    string
}

func (e *TransientError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("transient source error: status=%d message=%s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("transient source error: %s", e.Message)
}

func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// SourceClient is the engine's only view of the remote platform's read
// API. FetchRecord returns the snapshot, ErrSourceNotFound, or a
// *TransientError.
type SourceClient interface {
	FetchRecord(ctx context.Context, externalID string) (Snapshot, error)
}

type AccessTokenProvider func(ctx context.Context) (string, error)

// StaticToken wraps a fixed API token as an AccessTokenProvider.
func StaticToken(token string) AccessTokenProvider {
	return func(ctx context.Context) (string, error) {
		return token, nil
	}
}

type HTTPSourceClientOptions struct {
	BaseURL       string
	TokenProvider AccessTokenProvider
	HTTPClient    *http.Client
	UserAgent     string
	MaxRetries    int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
}

type HTTPSourceClient struct {
	baseURL       string
	tokenProvider AccessTokenProvider
	httpClient    *http.Client
	userAgent     string
	maxRetries    int
	baseDelay     time.Duration
	maxDelay      time.Duration
}

func NewHTTPSourceClient(opts HTTPSourceClientOptions) *HTTPSourceClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	return &HTTPSourceClient{
		baseURL:       baseURL,
		tokenProvider: opts.TokenProvider,
		httpClient:    httpClient,
		userAgent:     strings.TrimSpace(opts.UserAgent),
		maxRetries:    maxRetries,
		baseDelay:     baseDelay,
		maxDelay:      maxDelay,
	}
}

func (c *HTTPSourceClient) FetchRecord(ctx context.Context, externalID string) (Snapshot, error) {
	if c == nil {
		return Snapshot{}, fmt.Errorf("source http client is nil")
	}
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return Snapshot{}, ErrInvalidInput
	}
	token := ""
	if c.tokenProvider != nil {
		var err error
		token, err = c.tokenProvider(ctx)
		if err != nil {
			return Snapshot{}, err
		}
	}
	requestURL := c.baseURL + "/v1/events/" + url.PathEscape(externalID)

	var lastErr error
	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
		if err != nil {
			return Snapshot{}, err
		}
		req.Header.Set("Accept", "application/json")
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(token))
		}
		if c.userAgent != "" {
			req.Header.Set("User-Agent", c.userAgent)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return Snapshot{}, ctx.Err()
			}
			lastErr = err
			if attempt < c.maxRetries {
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return Snapshot{}, waitErr
				}
				continue
			}
			return Snapshot{}, &TransientError{Message: lastErr.Error()}
		}

		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return Snapshot{}, readErr
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode <= 299:
			var snap Snapshot
			if err := json.Unmarshal(body, &snap); err != nil {
				return Snapshot{}, fmt.Errorf("decode source snapshot: %w", err)
			}
			if snap.ExternalID == "" {
				snap.ExternalID = externalID
			}
			return snap, nil
		case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
			return Snapshot{}, ErrSourceNotFound
		case resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599):
			if attempt < c.maxRetries {
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
					return Snapshot{}, waitErr
				}
				continue
			}
			return Snapshot{}, &TransientError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
		default:
			return Snapshot{}, fmt.Errorf("source fetch failed: status=%d message=%s", resp.StatusCode, strings.TrimSpace(string(body)))
		}
	}
}

func (c *HTTPSourceClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
