// Package channel is the client of the channel-management booking API.
package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/rental-calendar-sync/backend/internal/logging"
	"github.com/rental-calendar-sync/backend/internal/metrics"
)

// MaxPageSize is the provider's hard maximum for limit.
const MaxPageSize = 20

const (
	reservationsPath = "/booking/reservations"
	maxErrorBodySize = 4 * 1024
)

// Credentials authenticate one organization.
type Credentials struct {
	BaseURL   string
	APIKey    string
	APISecret string
}

// Options tune every client created from them.
type Options struct {
	RequestsPerSecond float64
	Burst             int
	UserAgent         string
	BreakerFailures   uint32
	BreakerTimeout    time.Duration
	// HTTPClient defaults to a client without a global timeout; each call sets
	// its own through PageRequest.Timeout.
	HTTPClient *http.Client
}

// PageRequest selects one page of reservations.
type PageRequest struct {
	From     string
	To       string
	DateType string
	Limit    int
	Skip     int
	Types    []string
	// Timeout bounds this call alone. Zero means no per-call timeout.
	Timeout time.Duration
}

// Client fetches reservation pages for one organization. Safe for concurrent
// use.
type Client struct {
	orgID     string
	creds     Credentials
	http      *http.Client
	limiter   *rate.Limiter
	breaker   *gobreaker.CircuitBreaker[[]Reservation]
	userAgent string
}

// NewClient creates a client for an organization.
func NewClient(orgID string, creds Credentials, opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	burst := opts.Burst
	if burst < 1 {
		burst = 1
	}
	failures := opts.BreakerFailures
	if failures == 0 {
		failures = 5
	}

	metrics.CircuitBreakerState.WithLabelValues(orgID).Set(0)

	return &Client{
		orgID:     orgID,
		creds:     creds,
		http:      httpClient,
		limiter:   rate.NewLimiter(limit, burst),
		userAgent: opts.UserAgent,
		breaker: gobreaker.NewCircuitBreaker[[]Reservation](gobreaker.Settings{
			Name:        "channel-api:" + orgID,
			MaxRequests: 1,
			Timeout:     opts.BreakerTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= failures
			},
			IsSuccessful: func(err error) bool {
				// The caller giving up says nothing about the API's health.
				return err == nil || errors.Is(err, context.Canceled)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logging.Info().
					Str("breaker", name).
					Str("from", from.String()).
					Str("to", to.String()).
					Msg("Circuit breaker state transition")
				metrics.CircuitBreakerState.WithLabelValues(orgID).Set(stateValue(to))
			},
		}),
	}
}

// ClampLimit returns the page size actually requested for limit.
func ClampLimit(limit int) int {
	if limit <= 0 || limit > MaxPageSize {
		return MaxPageSize
	}
	return limit
}

// FetchPage requests one page. Any failure is a *RemoteFetchError except
// cancellation of ctx itself.
func (c *Client) FetchPage(ctx context.Context, req PageRequest) ([]Reservation, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("waiting for rate limiter: %w", err)
	}

	page, err := c.breaker.Execute(func() ([]Reservation, error) {
		return c.fetch(ctx, req)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		metrics.RemoteFetchErrors.WithLabelValues(metrics.SourceChannel).Inc()
		return nil, &RemoteFetchError{Err: ErrCircuitOpen}
	}
	if err != nil {
		var fetchErr *RemoteFetchError
		if errors.As(err, &fetchErr) {
			metrics.RemoteFetchErrors.WithLabelValues(metrics.SourceChannel).Inc()
		}
		return nil, err
	}
	return page, nil
}

func (c *Client) fetch(ctx context.Context, req PageRequest) ([]Reservation, error) {
	reqURL, err := c.pageURL(req)
	if err != nil {
		return nil, &RemoteFetchError{Err: err}
	}

	callCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodGet, reqURL, http.NoBody)
	if err != nil {
		return nil, &RemoteFetchError{Err: fmt.Errorf("creating request: %w", err)}
	}
	httpReq.SetBasicAuth(c.creds.APIKey, c.creds.APISecret)
	httpReq.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		httpReq.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, c.transportError(ctx, callCtx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		return nil, &RemoteFetchError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
		}
	}

	var page []Reservation
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		if callCtx.Err() != nil {
			return nil, c.transportError(ctx, callCtx, err)
		}
		return nil, &RemoteFetchError{StatusCode: resp.StatusCode, Err: fmt.Errorf("decoding page: %w", err)}
	}
	return page, nil
}

func (c *Client) transportError(parent, call context.Context, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(call.Err(), context.DeadlineExceeded) {
		return &RemoteFetchError{Timeout: true, Err: err}
	}
	return &RemoteFetchError{Err: err}
}

func (c *Client) pageURL(req PageRequest) (string, error) {
	if c.creds.BaseURL == "" {
		return "", errors.New("channel api base url not configured")
	}
	u, err := url.Parse(strings.TrimRight(c.creds.BaseURL, "/") + reservationsPath)
	if err != nil {
		return "", fmt.Errorf("parsing base url: %w", err)
	}

	q := url.Values{}
	q.Set("from", req.From)
	q.Set("to", req.To)
	if req.DateType != "" {
		q.Set("dateType", req.DateType)
	}
	q.Set("limit", strconv.Itoa(ClampLimit(req.Limit)))
	q.Set("skip", strconv.Itoa(req.Skip))
	for _, t := range req.Types {
		q.Add("type", t)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// BreakerState reports the circuit state for status pages.
func (c *Client) BreakerState() string {
	return c.breaker.State().String()
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}
