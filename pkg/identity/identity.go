// Package identity defines the external identity source the decision engine
// consumes: the mapping from actors to roles and from roles to permissions.
// The substrate consumes this mapping, it never owns it; implementations
// here are a fixture-backed source for tests and embedded deployments and
// an HTTP client for a real IAM service.
package identity

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Effect states whether a permission grants or forbids its action.
type Effect string

const (
	// EffectAllow grants the action on matching resources.
	EffectAllow Effect = "allow"
	// EffectDeny forbids the action on matching resources.
	EffectDeny Effect = "deny"
)

// Permission is one (action, resource pattern, effect) rule attached to a
// role. Resource patterns are glob-style; matching is the decision engine's
// concern.
type Permission struct {
	Action   string `json:"action"`
	Resource string `json:"resource"`
	Effect   Effect `json:"effect"`
}

// Source yields role and permission data for the decision engine.
//
// ResolveRoles returns the role names held by an actor. An actor unknown to
// the source is a *ResolutionError; a source that cannot be reached wraps
// ErrSourceUnavailable so callers can fall back to cached data.
//
// GetPermissions returns the permission rules attached to a role. A role
// without rules grants nothing and resolves to an empty slice, not an error.
type Source interface {
	ResolveRoles(ctx context.Context, actorID string) ([]string, error)
	GetPermissions(ctx context.Context, role string) ([]Permission, error)
}

// ErrSourceUnavailable marks transport-level identity failures: timeouts,
// connection refusals, 5xx responses, open circuit. Distinct from an actor
// that positively does not exist.
var ErrSourceUnavailable = errors.New("identity source unavailable")

// ResolutionError reports an actor the identity source does not know.
// Authorization treats it as deny, never as allow-by-absence.
type ResolutionError struct {
	ActorID string
	Reason  string
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("cannot resolve actor %q: %s", e.ActorID, e.Reason)
}

// IsUnresolved reports whether err indicates an unresolvable actor.
func IsUnresolved(err error) bool {
	var re *ResolutionError
	return errors.As(err, &re)
}

// StaticSource is an in-memory Source for tests and embedded deployments
// where the role table ships with the process.
type StaticSource struct {
	mu    sync.RWMutex
	roles map[string][]string
	perms map[string][]Permission
}

// NewStaticSource creates an empty static source.
func NewStaticSource() *StaticSource {
	return &StaticSource{
		roles: make(map[string][]string),
		perms: make(map[string][]Permission),
	}
}

// SetActor binds an actor to a role list, replacing any previous binding.
func (s *StaticSource) SetActor(actorID string, roles ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roles[actorID] = append([]string(nil), roles...)
}

// RemoveActor deletes an actor binding.
func (s *StaticSource) RemoveActor(actorID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.roles, actorID)
}

// SetRole binds a role to its permission rules, replacing any previous set.
func (s *StaticSource) SetRole(role string, perms ...Permission) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.perms[role] = append([]Permission(nil), perms...)
}

// Roles returns all roles with registered permissions, sorted.
func (s *StaticSource) Roles() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.perms))
	for r := range s.perms {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// ResolveRoles implements Source.
func (s *StaticSource) ResolveRoles(_ context.Context, actorID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	roles, ok := s.roles[actorID]
	if !ok {
		return nil, &ResolutionError{ActorID: actorID, Reason: "actor not registered"}
	}
	return append([]string(nil), roles...), nil
}

// GetPermissions implements Source.
func (s *StaticSource) GetPermissions(_ context.Context, role string) ([]Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Permission(nil), s.perms[role]...), nil
}
