package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultLeaseTTL is the lease lifetime MemoryRegistry grants.
const DefaultLeaseTTL = 30 * time.Second

// MemoryRegistry is an in-process Client for tests and single-process
// wiring. Leases expire when heartbeats stop arriving within the TTL.
type MemoryRegistry struct {
	mu     sync.RWMutex
	leases map[string]*memoryLease
	ttl    time.Duration
	clock  func() time.Time
}

type memoryLease struct {
	reg      Registration
	lastSeen time.Time
}

// MemoryOption configures a MemoryRegistry.
type MemoryOption func(*MemoryRegistry)

// WithLeaseTTL sets the lease lifetime.
func WithLeaseTTL(d time.Duration) MemoryOption {
	return func(m *MemoryRegistry) { m.ttl = d }
}

// WithMemoryClock overrides the time source, for tests.
func WithMemoryClock(clock func() time.Time) MemoryOption {
	return func(m *MemoryRegistry) { m.clock = clock }
}

// NewMemoryRegistry creates an empty in-process registry.
func NewMemoryRegistry(opts ...MemoryOption) *MemoryRegistry {
	m := &MemoryRegistry{
		leases: make(map[string]*memoryLease),
		ttl:    DefaultLeaseTTL,
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register implements Client.
func (m *MemoryRegistry) Register(_ context.Context, reg Registration) (*Handle, error) {
	if err := reg.Validate(); err != nil {
		return nil, err
	}
	if reg.NodeID == "" {
		reg.NodeID = uuid.NewString()
	}
	if reg.Health == "" {
		reg.Health = HealthReachable
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	lease := uuid.NewString()
	m.leases[lease] = &memoryLease{reg: reg, lastSeen: m.clock()}
	return &Handle{
		LeaseID:     lease,
		ServiceName: reg.ServiceName,
		NodeID:      reg.NodeID,
		TTL:         m.ttl,
	}, nil
}

// Heartbeat implements Client. A lease whose TTL elapsed is forgotten and
// reported as expired.
func (m *MemoryRegistry) Heartbeat(_ context.Context, handle *Handle) error {
	if handle == nil || handle.LeaseID == "" {
		return ErrLeaseExpired
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	lease, ok := m.leases[handle.LeaseID]
	if !ok {
		return ErrLeaseExpired
	}
	now := m.clock()
	if now.Sub(lease.lastSeen) > m.ttl {
		delete(m.leases, handle.LeaseID)
		return ErrLeaseExpired
	}
	lease.lastSeen = now
	return nil
}

// Deregister implements Client.
func (m *MemoryRegistry) Deregister(_ context.Context, handle *Handle) error {
	if handle == nil || handle.LeaseID == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.leases, handle.LeaseID)
	return nil
}

// Services returns a snapshot of live registrations, sorted by service
// name, for in-process discovery.
func (m *MemoryRegistry) Services() []Registration {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.clock()
	out := make([]Registration, 0, len(m.leases))
	for _, lease := range m.leases {
		if now.Sub(lease.lastSeen) > m.ttl {
			continue
		}
		out = append(out, lease.reg)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ServiceName != out[j].ServiceName {
			return out[i].ServiceName < out[j].ServiceName
		}
		return out[i].NodeID < out[j].NodeID
	})
	return out
}

// Lookup returns the live registrations of one service.
func (m *MemoryRegistry) Lookup(serviceName string) []Registration {
	var out []Registration
	for _, reg := range m.Services() {
		if reg.ServiceName == serviceName {
			out = append(out, reg)
		}
	}
	return out
}
