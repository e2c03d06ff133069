// Package registry announces a service's identity, capabilities, and
// liveness to an external service registry.
//
// The registry is a collaborator, not a dependency: registration and
// heartbeat failures degrade discoverability but never halt the service's
// own envelope, authorization, or audit processing. The Runner owns that
// policy; the Client implementations only speak the wire protocol.
package registry

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnreachable is wrapped by client errors when the registry cannot
	// be reached. Callers treat it as a degradation signal, not a failure
	// of their own work.
	ErrUnreachable = errors.New("registry: unreachable")

	// ErrLeaseExpired is returned when the registry no longer knows the
	// lease, which means the service must register again.
	ErrLeaseExpired = errors.New("registry: lease expired")
)

// Health of a service as seen by the registration runner.
type Health string

const (
	// HealthReachable means heartbeats are landing.
	HealthReachable Health = "reachable"
	// HealthDegraded means recent heartbeats failed but the threshold for
	// unreachable has not been crossed.
	HealthDegraded Health = "degraded"
	// HealthUnreachable means the registry has not acknowledged this
	// service recently, or the service was never registered.
	HealthUnreachable Health = "unreachable"
)

// Registration is the identity a service announces.
type Registration struct {
	ServiceName  string   `json:"service_name"`
	Address      string   `json:"address"`
	NodeID       string   `json:"node_id"`
	Capabilities []string `json:"capabilities,omitempty"`
	Health       Health   `json:"health,omitempty"`
}

// Validate reports whether the registration is complete enough to announce.
func (r Registration) Validate() error {
	if r.ServiceName == "" {
		return errors.New("registry: service name is required")
	}
	if r.Address == "" {
		return errors.New("registry: address is required")
	}
	return nil
}

// Handle identifies a live registration. The lease is assigned by the
// registry; the node identity is what envelope and audit events carry as
// the acting service.
type Handle struct {
	LeaseID     string        `json:"lease_id"`
	ServiceName string        `json:"service_name"`
	NodeID      string        `json:"node_id"`
	TTL         time.Duration `json:"ttl"`
}

// Client speaks to a service registry.
type Client interface {
	// Register announces the service and returns its lease handle.
	Register(ctx context.Context, reg Registration) (*Handle, error)
	// Heartbeat renews the lease. ErrLeaseExpired when the registry has
	// forgotten it; ErrUnreachable (wrapped) when the registry is down.
	Heartbeat(ctx context.Context, handle *Handle) error
	// Deregister releases the lease. Releasing an unknown lease is not an
	// error; the outcome is the same.
	Deregister(ctx context.Context, handle *Handle) error
}
