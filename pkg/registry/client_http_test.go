package registry

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/neuromesh/pkg/util/resiliency"
)

func fastHTTPClient(t *testing.T, baseURL string, opts ...HTTPClientOption) *HTTPClient {
	t.Helper()
	base := []HTTPClientOption{
		WithMaxRetries(2),
		WithRetryDelay(time.Millisecond, 2*time.Millisecond),
	}
	client, err := NewHTTPClient(baseURL, append(base, opts...)...)
	require.NoError(t, err)
	return client
}

func TestHTTPClientRegister(t *testing.T) {
	var gotBody Registration
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/services", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"lease_id":    "lease-77",
			"ttl_seconds": 30,
		})
	}))
	defer server.Close()

	client := fastHTTPClient(t, server.URL)
	handle, err := client.Register(context.Background(), testRegistration())
	require.NoError(t, err)

	assert.Equal(t, "lease-77", handle.LeaseID)
	assert.Equal(t, "orders-service", handle.ServiceName)
	assert.Equal(t, "node-1", handle.NodeID)
	assert.Equal(t, 30*time.Second, handle.TTL)

	assert.Equal(t, "orders-service", gotBody.ServiceName)
	assert.Equal(t, "10.0.0.7:8443", gotBody.Address)
	assert.Equal(t, []string{"orders.task_request"}, gotBody.Capabilities)
}

func TestHTTPClientRegisterFillsNodeID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var reg Registration
		require.NoError(t, json.NewDecoder(r.Body).Decode(&reg))
		assert.NotEmpty(t, reg.NodeID, "the announced payload always carries a node id")
		_ = json.NewEncoder(w).Encode(map[string]any{"lease_id": "L", "ttl_seconds": 10})
	}))
	defer server.Close()

	client := fastHTTPClient(t, server.URL)
	reg := testRegistration()
	reg.NodeID = ""

	handle, err := client.Register(context.Background(), reg)
	require.NoError(t, err)
	assert.NotEmpty(t, handle.NodeID)
}

func TestHTTPClientRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"lease_id": "lease-1", "ttl_seconds": 30})
	}))
	defer server.Close()

	client := fastHTTPClient(t, server.URL)
	handle, err := client.Register(context.Background(), testRegistration())
	require.NoError(t, err)
	assert.Equal(t, "lease-1", handle.LeaseID)
	assert.Equal(t, int32(2), calls.Load())
}

func TestHTTPClientHeartbeat(t *testing.T) {
	var gotPath, gotMethod string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client := fastHTTPClient(t, server.URL)
	handle := &Handle{LeaseID: "lease-9", ServiceName: "orders-service"}

	require.NoError(t, client.Heartbeat(context.Background(), handle))
	assert.Equal(t, http.MethodPut, gotMethod)
	assert.Equal(t, "/v1/services/lease-9/heartbeat", gotPath)
}

func TestHTTPClientHeartbeatExpiredLease(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := fastHTTPClient(t, server.URL)
	err := client.Heartbeat(context.Background(), &Handle{LeaseID: "gone"})
	assert.ErrorIs(t, err, ErrLeaseExpired)
}

func TestHTTPClientDeregister(t *testing.T) {
	var gotMethod, gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client := fastHTTPClient(t, server.URL)
	require.NoError(t, client.Deregister(context.Background(), &Handle{LeaseID: "lease-9"}))
	assert.Equal(t, http.MethodDelete, gotMethod)
	assert.Equal(t, "/v1/services/lease-9", gotPath)
}

func TestHTTPClientDeregisterUnknownLeaseIsFine(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := fastHTTPClient(t, server.URL)
	assert.NoError(t, client.Deregister(context.Background(), &Handle{LeaseID: "gone"}))
}

func TestHTTPClientUnreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	client := fastHTTPClient(t, server.URL)
	_, err := client.Register(context.Background(), testRegistration())
	assert.ErrorIs(t, err, ErrUnreachable)
}

func TestHTTPClientCircuitOpens(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := fastHTTPClient(t, server.URL,
		WithBreaker(resiliency.NewCircuitBreaker("test-registry", 1, time.Hour)))

	_, err := client.Register(context.Background(), testRegistration())
	require.ErrorIs(t, err, ErrUnreachable)
	seen := calls.Load()

	_, err = client.Register(context.Background(), testRegistration())
	require.ErrorIs(t, err, ErrUnreachable)
	assert.Equal(t, seen, calls.Load(), "an open circuit stops hitting the registry")
}

func TestHTTPClientCancellationLeavesCircuitClosed(t *testing.T) {
	breaker := resiliency.NewCircuitBreaker("test-registry", 1, time.Hour)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The server only notices a client disconnect (and cancels the
		// request context) once the body has been consumed.
		_, _ = io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer server.Close()

	client := fastHTTPClient(t, server.URL, WithBreaker(breaker))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := client.Register(ctx, testRegistration())
	require.ErrorIs(t, err, ErrUnreachable)
	assert.Equal(t, resiliency.StateClosed, breaker.State(),
		"caller cancellation must not count against a healthy registry")
}

func TestHTTPClientRejectsBadInput(t *testing.T) {
	client := fastHTTPClient(t, "http://registry.local")

	_, err := client.Register(context.Background(), Registration{})
	assert.Error(t, err)

	assert.Error(t, client.Heartbeat(context.Background(), nil))
	assert.Error(t, client.Heartbeat(context.Background(), &Handle{}))
	assert.Error(t, client.Deregister(context.Background(), nil))

	_, err = NewHTTPClient("")
	assert.Error(t, err)
}
