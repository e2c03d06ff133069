package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Mindburn-Labs/neuromesh/pkg/util/resiliency"
)

// errNotFound is internal to the retry loop: the source answered, the entity
// does not exist.
var errNotFound = errors.New("not found")

// HTTPSource resolves roles and permissions from an IAM service over HTTP.
//
// Endpoints:
//
//	GET {base}/v1/actors/{id}/roles        -> {"roles": ["..."]}
//	GET {base}/v1/roles/{role}/permissions -> {"permissions": [{action, resource, effect}]}
//
// Calls honor the caller's context deadline. 5xx responses are retried with
// exponential backoff and jitter; repeated failures open a circuit breaker
// so a dead IAM cannot stall every decision path behind full retry cycles.
type HTTPSource struct {
	baseURL    string
	client     *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	breaker    *resiliency.CircuitBreaker
	logger     *slog.Logger
}

// HTTPSourceOption configures an HTTPSource.
type HTTPSourceOption func(*HTTPSource)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(c *http.Client) HTTPSourceOption {
	return func(s *HTTPSource) {
		s.client = c
	}
}

// WithMaxRetries sets how many times a failed call is retried.
func WithMaxRetries(n int) HTTPSourceOption {
	return func(s *HTTPSource) {
		s.maxRetries = n
	}
}

// WithRetryDelay sets the base and cap for backoff between retries.
func WithRetryDelay(base, max time.Duration) HTTPSourceOption {
	return func(s *HTTPSource) {
		s.baseDelay = base
		s.maxDelay = max
	}
}

// WithBreaker replaces the default circuit breaker.
func WithBreaker(b *resiliency.CircuitBreaker) HTTPSourceOption {
	return func(s *HTTPSource) {
		s.breaker = b
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) HTTPSourceOption {
	return func(s *HTTPSource) {
		s.logger = l
	}
}

// NewHTTPSource creates an identity source client for the given base URL.
func NewHTTPSource(baseURL string, opts ...HTTPSourceOption) (*HTTPSource, error) {
	if baseURL == "" {
		return nil, errors.New("identity source base URL is required")
	}
	s := &HTTPSource{
		baseURL:    strings.TrimRight(baseURL, "/"),
		client:     &http.Client{Timeout: 10 * time.Second},
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
		breaker:    resiliency.NewCircuitBreaker("identity-source", 5, 10*time.Second),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// ResolveRoles implements Source.
func (s *HTTPSource) ResolveRoles(ctx context.Context, actorID string) ([]string, error) {
	var payload struct {
		Roles []string `json:"roles"`
	}
	u := fmt.Sprintf("%s/v1/actors/%s/roles", s.baseURL, url.PathEscape(actorID))
	if err := s.getJSON(ctx, u, &payload); err != nil {
		if errors.Is(err, errNotFound) {
			return nil, &ResolutionError{ActorID: actorID, Reason: "actor not known to identity source"}
		}
		return nil, err
	}
	return payload.Roles, nil
}

// GetPermissions implements Source. A role the source does not know grants
// nothing and is not an error.
func (s *HTTPSource) GetPermissions(ctx context.Context, role string) ([]Permission, error) {
	var payload struct {
		Permissions []Permission `json:"permissions"`
	}
	u := fmt.Sprintf("%s/v1/roles/%s/permissions", s.baseURL, url.PathEscape(role))
	if err := s.getJSON(ctx, u, &payload); err != nil {
		if errors.Is(err, errNotFound) {
			return []Permission{}, nil
		}
		return nil, err
	}
	return payload.Permissions, nil
}

// getJSON performs a GET with retry, backoff, and circuit breaking, decoding
// a 200 body into out.
func (s *HTTPSource) getJSON(ctx context.Context, rawURL string, out any) error {
	if !s.breaker.Allow() {
		return fmt.Errorf("%w: circuit open", ErrSourceUnavailable)
	}

	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			if err := resiliency.Sleep(ctx, resiliency.BackoffDelay(attempt-1, s.baseDelay, s.maxDelay)); err != nil {
				// Cancellation is the caller's, not the upstream's; it
				// must not count against the breaker.
				return fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			s.breaker.Failure()
			return fmt.Errorf("%w: build request: %v", ErrSourceUnavailable, err)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := s.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
			}
			lastErr = err
			continue
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			err := json.NewDecoder(resp.Body).Decode(out)
			closeBody(resp)
			if err != nil {
				s.breaker.Failure()
				return fmt.Errorf("%w: decode response: %v", ErrSourceUnavailable, err)
			}
			s.breaker.Success()
			return nil
		case resp.StatusCode == http.StatusNotFound:
			closeBody(resp)
			s.breaker.Success()
			return errNotFound
		case resp.StatusCode >= 500:
			closeBody(resp)
			lastErr = fmt.Errorf("identity source returned %d", resp.StatusCode)
			continue
		default:
			closeBody(resp)
			s.breaker.Failure()
			return fmt.Errorf("%w: identity source returned %d", ErrSourceUnavailable, resp.StatusCode)
		}
	}

	s.breaker.Failure()
	s.logger.Warn("identity source unreachable",
		"url", rawURL,
		"retries", s.maxRetries,
		"error", lastErr)
	return fmt.Errorf("%w: %v", ErrSourceUnavailable, lastErr)
}

func closeBody(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
}
