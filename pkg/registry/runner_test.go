package registry

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	mu              sync.Mutex
	failRegisters   int
	registerErr     error
	heartbeatErr    error
	heartbeatOnce   []error
	registerCalls   int
	heartbeatCalls  int
	deregisterCalls int
	leaseSeq        int
}

func (f *fakeClient) Register(_ context.Context, reg Registration) (*Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registerCalls++
	if f.failRegisters > 0 {
		f.failRegisters--
		return nil, fmt.Errorf("%w: connection refused", ErrUnreachable)
	}
	if f.registerErr != nil {
		return nil, f.registerErr
	}
	f.leaseSeq++
	return &Handle{
		LeaseID:     fmt.Sprintf("lease-%d", f.leaseSeq),
		ServiceName: reg.ServiceName,
		NodeID:      reg.NodeID,
		TTL:         30 * time.Second,
	}, nil
}

func (f *fakeClient) Heartbeat(context.Context, *Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeatCalls++
	if len(f.heartbeatOnce) > 0 {
		err := f.heartbeatOnce[0]
		f.heartbeatOnce = f.heartbeatOnce[1:]
		return err
	}
	return f.heartbeatErr
}

func (f *fakeClient) Deregister(context.Context, *Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deregisterCalls++
	return nil
}

func (f *fakeClient) setHeartbeatErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeatErr = err
}

func (f *fakeClient) counts() (register, heartbeat, deregister int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.registerCalls, f.heartbeatCalls, f.deregisterCalls
}

func testRegistration() Registration {
	return Registration{
		ServiceName:  "orders-service",
		Address:      "10.0.0.7:8443",
		NodeID:       "node-1",
		Capabilities: []string{"orders.task_request"},
	}
}

func fastRunner(t *testing.T, client Client, opts ...RunnerOption) *Runner {
	t.Helper()
	base := []RunnerOption{
		WithHeartbeatInterval(5 * time.Millisecond),
		WithRegisterBackoff(time.Millisecond, 5*time.Millisecond),
	}
	runner, err := NewRunner(client, testRegistration(), append(base, opts...)...)
	require.NoError(t, err)
	return runner
}

func TestNewRunnerValidates(t *testing.T) {
	_, err := NewRunner(nil, testRegistration())
	assert.Error(t, err)

	_, err = NewRunner(&fakeClient{}, Registration{Address: "x"})
	assert.Error(t, err)

	runner, err := NewRunner(&fakeClient{}, Registration{ServiceName: "svc", Address: "x"})
	require.NoError(t, err)
	assert.NotEmpty(t, runner.NodeID(), "a node identity is always assigned")
}

func TestRunnerRegistersOnStart(t *testing.T) {
	client := &fakeClient{}
	runner := fastRunner(t, client)

	require.NoError(t, runner.Start(context.Background()))
	defer runner.Stop(context.Background())

	handle := runner.Handle()
	require.NotNil(t, handle, "registration happens before Start returns")
	assert.Equal(t, "lease-1", handle.LeaseID)
	assert.Equal(t, "node-1", handle.NodeID)
	assert.Equal(t, HealthReachable, runner.Health())

	require.NoError(t, runner.Stop(context.Background()))
	_, _, deregisters := client.counts()
	assert.Equal(t, 1, deregisters)
	assert.Equal(t, HealthUnreachable, runner.Health())
	assert.Nil(t, runner.Handle())
}

func TestRunnerRetriesRegistrationWithBackoff(t *testing.T) {
	client := &fakeClient{failRegisters: 2}
	runner := fastRunner(t, client)

	require.NoError(t, runner.Start(context.Background()))
	defer runner.Stop(context.Background())

	assert.NotEqual(t, HealthReachable, runner.Health(), "first inline attempt failed")

	assert.Eventually(t, func() bool {
		return runner.Handle() != nil && runner.Health() == HealthReachable
	}, 2*time.Second, time.Millisecond)

	registers, _, _ := client.counts()
	assert.GreaterOrEqual(t, registers, 3)
}

func TestRunnerHeartbeatFailuresDegradeThenRecover(t *testing.T) {
	client := &fakeClient{}
	runner := fastRunner(t, client, WithHealthThresholds(1, 3))

	require.NoError(t, runner.Start(context.Background()))
	defer runner.Stop(context.Background())
	require.Equal(t, HealthReachable, runner.Health())

	client.setHeartbeatErr(fmt.Errorf("%w: registry down", ErrUnreachable))

	assert.Eventually(t, func() bool {
		return runner.Health() == HealthDegraded || runner.Health() == HealthUnreachable
	}, 2*time.Second, time.Millisecond, "one failure marks the service degraded")
	assert.Eventually(t, func() bool {
		return runner.Health() == HealthUnreachable
	}, 2*time.Second, time.Millisecond, "three failures mark it unreachable")

	// The lease is kept; only discoverability degraded.
	assert.NotNil(t, runner.Handle())

	client.setHeartbeatErr(nil)
	assert.Eventually(t, func() bool {
		return runner.Health() == HealthReachable
	}, 2*time.Second, time.Millisecond, "a landing heartbeat restores reachability")
}

func TestRunnerReregistersWhenLeaseExpires(t *testing.T) {
	client := &fakeClient{heartbeatOnce: []error{ErrLeaseExpired}}
	runner := fastRunner(t, client)

	require.NoError(t, runner.Start(context.Background()))
	defer runner.Stop(context.Background())

	assert.Eventually(t, func() bool {
		h := runner.Handle()
		return h != nil && h.LeaseID == "lease-2"
	}, 2*time.Second, time.Millisecond, "an expired lease is replaced immediately")
	assert.Equal(t, HealthReachable, runner.Health())
	assert.Equal(t, "node-1", runner.Handle().NodeID, "node identity survives re-registration")
}

func TestRunnerNeverBlocksLocalWork(t *testing.T) {
	client := &fakeClient{registerErr: fmt.Errorf("%w: no route to host", ErrUnreachable)}
	runner := fastRunner(t, client)

	startedAt := time.Now()
	require.NoError(t, runner.Start(context.Background()))
	assert.Less(t, time.Since(startedAt), time.Second, "a dead registry must not block startup")

	assert.Nil(t, runner.Handle())
	assert.NotEqual(t, HealthReachable, runner.Health())

	require.NoError(t, runner.Stop(context.Background()))
	_, _, deregisters := client.counts()
	assert.Zero(t, deregisters, "nothing to release without a lease")
}

func TestRunnerReportsHealthTransitions(t *testing.T) {
	client := &fakeClient{}

	var mu sync.Mutex
	var transitions []string
	record := func(from, to Health) {
		mu.Lock()
		defer mu.Unlock()
		transitions = append(transitions, string(from)+">"+string(to))
	}

	runner := fastRunner(t, client,
		WithHealthThresholds(1, 3),
		WithOnHealthChange(record))

	require.NoError(t, runner.Start(context.Background()))
	defer runner.Stop(context.Background())

	client.setHeartbeatErr(fmt.Errorf("%w: down", ErrUnreachable))
	assert.Eventually(t, func() bool {
		return runner.Health() == HealthUnreachable
	}, 2*time.Second, time.Millisecond)

	client.setHeartbeatErr(nil)
	assert.Eventually(t, func() bool {
		return runner.Health() == HealthReachable
	}, 2*time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(transitions), 4)
	assert.Equal(t, "unreachable>reachable", transitions[0])
	assert.Equal(t, "reachable>degraded", transitions[1])
	assert.Equal(t, "degraded>unreachable", transitions[2])
	assert.Equal(t, "unreachable>reachable", transitions[3])
}

func TestRunnerStartTwiceFails(t *testing.T) {
	runner := fastRunner(t, &fakeClient{})
	require.NoError(t, runner.Start(context.Background()))
	defer runner.Stop(context.Background())

	assert.Error(t, runner.Start(context.Background()))
}

func TestMemoryRegistryLifecycle(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(d)
	}

	reg := NewMemoryRegistry(WithLeaseTTL(30*time.Second), WithMemoryClock(clock))
	ctx := context.Background()

	handle, err := reg.Register(ctx, testRegistration())
	require.NoError(t, err)
	assert.NotEmpty(t, handle.LeaseID)
	assert.Equal(t, 30*time.Second, handle.TTL)

	require.NoError(t, reg.Heartbeat(ctx, handle))
	require.Len(t, reg.Lookup("orders-service"), 1)

	advance(31 * time.Second)
	err = reg.Heartbeat(ctx, handle)
	assert.ErrorIs(t, err, ErrLeaseExpired)
	assert.Empty(t, reg.Services(), "expired leases disappear from discovery")

	// Deregistering an already-expired lease is fine.
	assert.NoError(t, reg.Deregister(ctx, handle))
}

func TestMemoryRegistryHeartbeatKeepsLeaseAlive(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(d)
	}

	reg := NewMemoryRegistry(WithLeaseTTL(30*time.Second), WithMemoryClock(clock))
	ctx := context.Background()

	handle, err := reg.Register(ctx, testRegistration())
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		advance(20 * time.Second)
		require.NoError(t, reg.Heartbeat(ctx, handle))
	}
	assert.Len(t, reg.Services(), 1)
}

func TestRunnerAgainstMemoryRegistry(t *testing.T) {
	reg := NewMemoryRegistry()
	runner := fastRunner(t, reg)

	require.NoError(t, runner.Start(context.Background()))
	assert.Equal(t, HealthReachable, runner.Health())
	assert.Len(t, reg.Lookup("orders-service"), 1)

	require.NoError(t, runner.Stop(context.Background()))
	assert.Empty(t, reg.Lookup("orders-service"), "stop releases the lease")
}
