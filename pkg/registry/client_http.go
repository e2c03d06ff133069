package registry

import (
	"bytes"
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

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/neuromesh/pkg/util/resiliency"
)

// HTTPClient talks JSON over HTTP to a service registry.
//
// Endpoints:
//
//	POST   {base}/v1/services                    -> {"lease_id", "ttl_seconds"}
//	PUT    {base}/v1/services/{lease}/heartbeat
//	DELETE {base}/v1/services/{lease}
//
// Calls honor the caller's context deadline. Transport failures and 5xx
// responses are retried with exponential backoff and jitter; repeated
// failures open a circuit breaker so a dead registry cannot stall every
// heartbeat cycle behind full retry loops.
type HTTPClient struct {
	baseURL    string
	client     *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	breaker    *resiliency.CircuitBreaker
	logger     *slog.Logger
}

// HTTPClientOption configures an HTTPClient.
type HTTPClientOption func(*HTTPClient)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(c *http.Client) HTTPClientOption {
	return func(r *HTTPClient) { r.client = c }
}

// WithMaxRetries sets how many times a failed call is retried.
func WithMaxRetries(n int) HTTPClientOption {
	return func(r *HTTPClient) { r.maxRetries = n }
}

// WithRetryDelay sets the base and cap for backoff between retries.
func WithRetryDelay(base, max time.Duration) HTTPClientOption {
	return func(r *HTTPClient) {
		r.baseDelay = base
		r.maxDelay = max
	}
}

// WithBreaker replaces the default circuit breaker.
func WithBreaker(b *resiliency.CircuitBreaker) HTTPClientOption {
	return func(r *HTTPClient) { r.breaker = b }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) HTTPClientOption {
	return func(r *HTTPClient) { r.logger = l }
}

// NewHTTPClient creates a registry client for the given base URL.
func NewHTTPClient(baseURL string, opts ...HTTPClientOption) (*HTTPClient, error) {
	if baseURL == "" {
		return nil, errors.New("registry: base URL is required")
	}
	r := &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		client:     &http.Client{Timeout: 10 * time.Second},
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
		breaker:    resiliency.NewCircuitBreaker("service-registry", 5, 10*time.Second),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Register implements Client. A missing node id is filled with a generated
// one so the handle always carries a node identity.
func (r *HTTPClient) Register(ctx context.Context, reg Registration) (*Handle, error) {
	if err := reg.Validate(); err != nil {
		return nil, err
	}
	if reg.NodeID == "" {
		reg.NodeID = uuid.NewString()
	}

	var resp struct {
		LeaseID    string `json:"lease_id"`
		TTLSeconds int    `json:"ttl_seconds"`
	}
	err := r.doJSON(ctx, http.MethodPost, r.baseURL+"/v1/services", reg, &resp)
	if err != nil {
		return nil, err
	}
	if resp.LeaseID == "" {
		return nil, fmt.Errorf("%w: registry returned no lease", ErrUnreachable)
	}

	return &Handle{
		LeaseID:     resp.LeaseID,
		ServiceName: reg.ServiceName,
		NodeID:      reg.NodeID,
		TTL:         time.Duration(resp.TTLSeconds) * time.Second,
	}, nil
}

// Heartbeat implements Client.
func (r *HTTPClient) Heartbeat(ctx context.Context, handle *Handle) error {
	if handle == nil || handle.LeaseID == "" {
		return errors.New("registry: handle with a lease is required")
	}
	u := fmt.Sprintf("%s/v1/services/%s/heartbeat", r.baseURL, url.PathEscape(handle.LeaseID))
	return r.doJSON(ctx, http.MethodPut, u, nil, nil)
}

// Deregister implements Client.
func (r *HTTPClient) Deregister(ctx context.Context, handle *Handle) error {
	if handle == nil || handle.LeaseID == "" {
		return errors.New("registry: handle with a lease is required")
	}
	u := fmt.Sprintf("%s/v1/services/%s", r.baseURL, url.PathEscape(handle.LeaseID))
	err := r.doJSON(ctx, http.MethodDelete, u, nil, nil)
	if errors.Is(err, ErrLeaseExpired) {
		// Already gone, which is what deregistering wanted.
		return nil
	}
	return err
}

// doJSON performs one logical call with retry, backoff, and circuit
// breaking. A 404 maps to ErrLeaseExpired and is not retried; 5xx and
// transport errors are.
func (r *HTTPClient) doJSON(ctx context.Context, method, rawURL string, in, out any) error {
	if !r.breaker.Allow() {
		return fmt.Errorf("%w: circuit open", ErrUnreachable)
	}

	var body []byte
	if in != nil {
		var err error
		body, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("registry: encoding request: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		if attempt > 0 {
			if err := resiliency.Sleep(ctx, resiliency.BackoffDelay(attempt-1, r.baseDelay, r.maxDelay)); err != nil {
				// Cancellation is the caller's, not the registry's; it
				// must not count against the breaker.
				return fmt.Errorf("%w: %v", ErrUnreachable, err)
			}
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
		if err != nil {
			r.breaker.Failure()
			return fmt.Errorf("%w: build request: %v", ErrUnreachable, err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Accept", "application/json")

		resp, err := r.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("%w: %v", ErrUnreachable, err)
			}
			lastErr = err
			continue
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			var decodeErr error
			if out != nil {
				decodeErr = json.NewDecoder(resp.Body).Decode(out)
			}
			drainBody(resp)
			if decodeErr != nil {
				r.breaker.Failure()
				return fmt.Errorf("%w: decode response: %v", ErrUnreachable, decodeErr)
			}
			r.breaker.Success()
			return nil
		case resp.StatusCode == http.StatusNotFound:
			drainBody(resp)
			r.breaker.Success()
			return ErrLeaseExpired
		case resp.StatusCode >= 500:
			drainBody(resp)
			lastErr = fmt.Errorf("registry returned %d", resp.StatusCode)
			continue
		default:
			drainBody(resp)
			r.breaker.Failure()
			return fmt.Errorf("%w: registry returned %d", ErrUnreachable, resp.StatusCode)
		}
	}

	r.breaker.Failure()
	r.logger.Warn("service registry unreachable",
		"url", rawURL,
		"retries", r.maxRetries,
		"error", lastErr)
	return fmt.Errorf("%w: %v", ErrUnreachable, lastErr)
}

func drainBody(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
}
