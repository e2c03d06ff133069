package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/neuromesh/pkg/envelope"
	"github.com/Mindburn-Labs/neuromesh/pkg/identity"
)

const (
	// DefaultStaleness is how long cached role and permission data is
	// served without triggering a background refresh.
	DefaultStaleness = 5 * time.Minute

	// DefaultResolveTimeout bounds a single identity source call made on
	// behalf of an authorization.
	DefaultResolveTimeout = 3 * time.Second

	// DefaultRefreshInterval and DefaultRefreshBurst bound how often stale
	// cache entries may launch background refreshes.
	DefaultRefreshInterval = time.Second
	DefaultRefreshBurst    = 4
)

// Engine answers authorization questions from cached role data.
//
// Role and permission lookups are memoized per actor and per role. Entries
// older than the staleness window keep serving (last known good) while a
// rate-limited background refresh replaces them; a failed refresh never
// evicts what is already cached. Only an actor with no cached entry at all
// requires a live lookup, and if that lookup fails the answer is DENY.
//
// Evaluation itself is deterministic and free of side effects: the same
// actor, action, resource, and cached snapshot always produce the same
// outcome, reason, and matched rule.
type Engine struct {
	source identity.Source

	clock          func() time.Time
	staleness      time.Duration
	resolveTimeout time.Duration
	logger         *slog.Logger

	refresh  singleflight.Group
	launches *rate.Limiter

	mu       sync.RWMutex
	actors   map[string]actorEntry
	roles    map[string]roleEntry
	revision uint64
}

type actorEntry struct {
	roles     []string
	fetchedAt time.Time
}

type roleEntry struct {
	rules     []identity.Permission
	fetchedAt time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithStaleness sets the cache staleness window.
func WithStaleness(d time.Duration) Option {
	return func(e *Engine) { e.staleness = d }
}

// WithResolveTimeout bounds individual identity source calls.
func WithResolveTimeout(d time.Duration) Option {
	return func(e *Engine) { e.resolveTimeout = d }
}

// WithClock overrides the time source, for tests.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithLogger sets the logger used for refresh diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithRefreshLimit bounds background refresh launches to one per interval
// with the given burst.
func WithRefreshLimit(interval time.Duration, burst int) Option {
	return func(e *Engine) { e.launches = rate.NewLimiter(rate.Every(interval), burst) }
}

// NewEngine builds an Engine over the given identity source.
func NewEngine(source identity.Source, opts ...Option) (*Engine, error) {
	if source == nil {
		return nil, errors.New("rbac: identity source is required")
	}
	e := &Engine{
		source:         source,
		clock:          time.Now,
		staleness:      DefaultStaleness,
		resolveTimeout: DefaultResolveTimeout,
		logger:         slog.Default(),
		launches:       rate.NewLimiter(rate.Every(DefaultRefreshInterval), DefaultRefreshBurst),
		actors:         make(map[string]actorEntry),
		roles:          make(map[string]roleEntry),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Authorize evaluates whether the actor may perform action on resource.
// attrs are advisory attributes recorded on the decision; they do not
// influence matching.
//
// The returned Decision is never nil. A non-nil error accompanies denials
// that were not evaluated against role data: unresolved actors and identity
// source failures. An evaluated DENY, including default deny, returns a nil
// error. Empty actions and resources match no rule.
func (e *Engine) Authorize(ctx context.Context, actor envelope.Actor, action, resource string, attrs map[string]string) (*Decision, error) {
	now := e.clock().UTC()
	deny := func(reason string) *Decision {
		return &Decision{
			Outcome:          OutcomeDeny,
			Reason:           reason,
			ActorID:          actor.ID,
			Action:           action,
			Resource:         resource,
			Context:          attrs,
			SnapshotRevision: e.Revision(),
			EvaluatedAt:      now,
		}
	}

	if actor.ID == "" {
		return deny(ReasonUnresolvedActor), &identity.ResolutionError{Reason: "empty actor id"}
	}
	if action == "" || resource == "" {
		return deny(ReasonNoMatchingRule), nil
	}

	roles, err := e.actorRoles(ctx, actor.ID)
	if err != nil {
		if identity.IsUnresolved(err) {
			return deny(ReasonUnresolvedActor), err
		}
		return deny(ReasonSourceFailure), err
	}

	type match struct {
		role string
		rule identity.Permission
	}
	var bestAllow, bestDeny *match

	for _, role := range roles {
		rules, err := e.rolePermissions(ctx, role)
		if err != nil {
			// A role whose rules are unknown could hold a deny.
			return deny(ReasonSourceFailure), fmt.Errorf("role %s: %w", role, err)
		}
		for _, rule := range rules {
			if !matchesAction(rule.Action, action) || !MatchResource(rule.Resource, resource) {
				continue
			}
			slot := &bestAllow
			if rule.Effect == identity.EffectDeny {
				slot = &bestDeny
			}
			if *slot == nil || morePrecise(rule, role, (*slot).rule, (*slot).role) {
				*slot = &match{role: role, rule: rule}
			}
		}
	}

	switch {
	case bestDeny != nil && (bestAllow == nil || CompareSpecificity(bestDeny.rule.Resource, bestAllow.rule.Resource) >= 0):
		d := deny(ReasonExplicitDeny)
		d.MatchedRole = bestDeny.role
		rule := bestDeny.rule
		d.MatchedRule = &rule
		return d, nil
	case bestAllow != nil:
		rule := bestAllow.rule
		return &Decision{
			Outcome:          OutcomeAllow,
			Reason:           ReasonMatched,
			ActorID:          actor.ID,
			Action:           action,
			Resource:         resource,
			Context:          attrs,
			MatchedRole:      bestAllow.role,
			MatchedRule:      &rule,
			SnapshotRevision: e.Revision(),
			EvaluatedAt:      now,
		}, nil
	default:
		return deny(ReasonNoMatchingRule), nil
	}
}

// matchesAction reports whether a rule's action covers the requested
// action. Actions match exactly, or universally via "*".
func matchesAction(pattern, action string) bool {
	return pattern == action || pattern == "*"
}

// morePrecise reports whether candidate should replace the incumbent best
// match. Higher resource specificity wins; exact ties are broken
// lexicographically so evaluation order never shows through.
func morePrecise(candidate identity.Permission, candidateRole string, incumbent identity.Permission, incumbentRole string) bool {
	if d := CompareSpecificity(candidate.Resource, incumbent.Resource); d != 0 {
		return d > 0
	}
	if candidate.Resource != incumbent.Resource {
		return candidate.Resource < incumbent.Resource
	}
	if candidate.Action != incumbent.Action {
		return candidate.Action < incumbent.Action
	}
	return candidateRole < incumbentRole
}

// actorRoles returns the actor's roles, serving cached data when present
// and fetching synchronously only on a cache miss.
func (e *Engine) actorRoles(ctx context.Context, actorID string) ([]string, error) {
	key := "actor:" + actorID

	e.mu.RLock()
	entry, ok := e.actors[actorID]
	e.mu.RUnlock()
	if ok {
		if e.clock().Sub(entry.fetchedAt) > e.staleness {
			e.scheduleRefresh(key, func(ctx context.Context) error { return e.fetchActor(ctx, actorID) })
		}
		return entry.roles, nil
	}

	if err := e.syncFetch(ctx, key, func(ctx context.Context) error { return e.fetchActor(ctx, actorID) }); err != nil {
		// Another caller may have populated the entry while we waited.
		e.mu.RLock()
		entry, ok = e.actors[actorID]
		e.mu.RUnlock()
		if ok {
			return entry.roles, nil
		}
		return nil, err
	}

	e.mu.RLock()
	entry = e.actors[actorID]
	e.mu.RUnlock()
	return entry.roles, nil
}

// rolePermissions returns the role's rules with the same cache policy as
// actorRoles.
func (e *Engine) rolePermissions(ctx context.Context, role string) ([]identity.Permission, error) {
	key := "role:" + role

	e.mu.RLock()
	entry, ok := e.roles[role]
	e.mu.RUnlock()
	if ok {
		if e.clock().Sub(entry.fetchedAt) > e.staleness {
			e.scheduleRefresh(key, func(ctx context.Context) error { return e.fetchRole(ctx, role) })
		}
		return entry.rules, nil
	}

	if err := e.syncFetch(ctx, key, func(ctx context.Context) error { return e.fetchRole(ctx, role) }); err != nil {
		e.mu.RLock()
		entry, ok = e.roles[role]
		e.mu.RUnlock()
		if ok {
			return entry.rules, nil
		}
		return nil, err
	}

	e.mu.RLock()
	entry = e.roles[role]
	e.mu.RUnlock()
	return entry.rules, nil
}

func (e *Engine) fetchActor(ctx context.Context, actorID string) error {
	roles, err := e.source.ResolveRoles(ctx, actorID)
	if err != nil {
		return err
	}
	sorted := append([]string(nil), roles...)
	sort.Strings(sorted)

	e.mu.Lock()
	e.actors[actorID] = actorEntry{roles: sorted, fetchedAt: e.clock()}
	e.revision++
	e.mu.Unlock()
	return nil
}

func (e *Engine) fetchRole(ctx context.Context, role string) error {
	rules, err := e.source.GetPermissions(ctx, role)
	if err != nil {
		return err
	}
	copied := append([]identity.Permission(nil), rules...)

	e.mu.Lock()
	e.roles[role] = roleEntry{rules: copied, fetchedAt: e.clock()}
	e.revision++
	e.mu.Unlock()
	return nil
}

// syncFetch runs fetch under singleflight so concurrent misses for the same
// key share one source call. The caller's context governs the shared call.
func (e *Engine) syncFetch(ctx context.Context, key string, fetch func(context.Context) error) error {
	_, err, _ := e.refresh.Do(key, func() (any, error) {
		fctx, cancel := context.WithTimeout(ctx, e.resolveTimeout)
		defer cancel()
		return nil, fetch(fctx)
	})
	return err
}

// scheduleRefresh launches a background refresh for a stale entry, bounded
// by the launch limiter and deduplicated by singleflight. Failures are
// logged and the stale entry stays in service.
func (e *Engine) scheduleRefresh(key string, fetch func(context.Context) error) {
	if !e.launches.Allow() {
		return
	}
	go func() {
		_, err, _ := e.refresh.Do(key, func() (any, error) {
			ctx, cancel := context.WithTimeout(context.Background(), e.resolveTimeout)
			defer cancel()
			return nil, fetch(ctx)
		})
		if err != nil {
			e.logger.Warn("authorization cache refresh failed, serving last known good",
				"key", key,
				"error", err)
		}
	}()
}

// Warm prefetches role data so first authorizations need no live lookup.
func (e *Engine) Warm(ctx context.Context, actorIDs, roleNames []string) error {
	var errs []error
	for _, id := range actorIDs {
		id := id
		if err := e.syncFetch(ctx, "actor:"+id, func(ctx context.Context) error { return e.fetchActor(ctx, id) }); err != nil {
			errs = append(errs, fmt.Errorf("actor %s: %w", id, err))
		}
	}
	for _, role := range roleNames {
		role := role
		if err := e.syncFetch(ctx, "role:"+role, func(ctx context.Context) error { return e.fetchRole(ctx, role) }); err != nil {
			errs = append(errs, fmt.Errorf("role %s: %w", role, err))
		}
	}
	return errors.Join(errs...)
}

// Invalidate drops the cached roles for an actor, forcing the next
// authorization to consult the identity source.
func (e *Engine) Invalidate(actorID string) {
	e.mu.Lock()
	delete(e.actors, actorID)
	e.mu.Unlock()
}

// InvalidateRole drops the cached rules for a role.
func (e *Engine) InvalidateRole(role string) {
	e.mu.Lock()
	delete(e.roles, role)
	e.mu.Unlock()
}

// Revision reports how many cache updates the engine has applied.
func (e *Engine) Revision() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.revision
}
