// Package gate enforces the substrate's trust pipeline on inbound
// envelopes: validate, authorize, audit, then dispatch.
//
// Every envelope a service processes passes through one Gate. The gate
// rejects malformed envelopes at ingress, evaluates the actor's
// authorization fail-closed, records the decision on the audit chain
// whether it allowed or denied, and only then hands the envelope to the
// service's handler. An action that cannot be audited does not proceed.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/neuromesh/pkg/audit"
	"github.com/Mindburn-Labs/neuromesh/pkg/chain"
	"github.com/Mindburn-Labs/neuromesh/pkg/envelope"
	"github.com/Mindburn-Labs/neuromesh/pkg/observability"
	"github.com/Mindburn-Labs/neuromesh/pkg/rbac"
)

// ErrDenied is matched by errors.Is on every authorization denial the
// gate surfaces.
var ErrDenied = errors.New("authorization denied")

// AuthorizationDenied carries the full DENY decision to the caller. The
// requested action never ran, but the denial is already on the audit
// chain by the time this error is returned.
type AuthorizationDenied struct {
	Decision *rbac.Decision
}

func (e *AuthorizationDenied) Error() string {
	return fmt.Sprintf("gate: actor %q denied %q on %q: %s",
		e.Decision.ActorID, e.Decision.Action, e.Decision.Resource, e.Decision.Reason)
}

func (e *AuthorizationDenied) Unwrap() error { return ErrDenied }

// Handler processes an envelope that passed validation and authorization.
type Handler interface {
	HandleEnvelope(ctx context.Context, env *envelope.Envelope) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, env *envelope.Envelope) error

// HandleEnvelope calls fn.
func (fn HandlerFunc) HandleEnvelope(ctx context.Context, env *envelope.Envelope) error {
	return fn(ctx, env)
}

// StartupHook runs before a service starts consuming envelopes. Optional;
// the runtime discovers it by type assertion on the service value.
type StartupHook interface {
	OnStartup(ctx context.Context) error
}

// ShutdownHook runs after a service stops consuming envelopes. Optional.
type ShutdownHook interface {
	OnShutdown(ctx context.Context) error
}

// Gate is the enforcement pipeline for one service's inbound envelopes.
type Gate struct {
	validator *envelope.Validator
	engine    *rbac.Engine
	emitter   *audit.Emitter
	handler   Handler
	logger    *slog.Logger
	telemetry *observability.Provider
}

// Option configures a Gate.
type Option func(*Gate)

// WithLogger sets the gate's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gate) { g.logger = logger }
}

// WithTelemetry records decision and append metrics on the provider.
func WithTelemetry(p *observability.Provider) Option {
	return func(g *Gate) { g.telemetry = p }
}

// New builds a Gate. The handler receives only envelopes that validated,
// were allowed, and had their decision audited.
func New(validator *envelope.Validator, engine *rbac.Engine, emitter *audit.Emitter, handler Handler, opts ...Option) (*Gate, error) {
	if validator == nil {
		return nil, errors.New("gate: validator is required")
	}
	if engine == nil {
		return nil, errors.New("gate: rbac engine is required")
	}
	if emitter == nil {
		return nil, errors.New("gate: audit emitter is required")
	}
	if handler == nil {
		return nil, errors.New("gate: handler is required")
	}
	g := &Gate{
		validator: validator,
		engine:    engine,
		emitter:   emitter,
		handler:   handler,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Emitter returns the gate's audit emitter, for lifecycle and
// out-of-band events that share the service's streams.
func (g *Gate) Emitter() *audit.Emitter { return g.emitter }

// Process runs the pipeline for one envelope: validate, authorize, audit
// the decision, and on ALLOW dispatch to the handler.
//
// The returned decision is nil only for envelopes rejected before
// evaluation. Denials return an *AuthorizationDenied alongside the DENY
// decision; an audit append failure blocks dispatch even for ALLOW,
// because an unrecorded action would break the accountability guarantee.
func (g *Gate) Process(ctx context.Context, env *envelope.Envelope, action, resource string) (*rbac.Decision, error) {
	if env == nil {
		return nil, errors.New("gate: envelope is required")
	}

	if err := g.validator.Validate(env); err != nil {
		var serr *envelope.SchemaError
		if errors.As(err, &serr) {
			if _, auditErr := g.emitter.LogRejected(ctx, env, serr); auditErr != nil {
				g.logger.Error("rejected envelope could not be audited",
					"message_id", env.MessageID,
					"error", auditErr)
				return nil, errors.Join(err, auditErr)
			}
		}
		return nil, err
	}

	attrs := map[string]string{
		"message_type":   env.MessageType,
		"source_service": env.SourceService,
	}
	start := time.Now()
	decision, authErr := g.engine.Authorize(ctx, env.Actor, action, resource, attrs)
	if g.telemetry != nil {
		g.telemetry.RecordDecision(ctx, string(decision.Outcome), time.Since(start))
	}

	_, auditErr := g.emitter.LogDecision(ctx, env, decision)
	if g.telemetry != nil {
		g.telemetry.RecordAppend(ctx, env.SourceService, auditErr, contentionAttempts(auditErr))
	}
	if auditErr != nil {
		// No audit record, no action.
		return decision, fmt.Errorf("gate: decision could not be audited: %w", errors.Join(auditErr, authErr))
	}

	if !decision.Allowed() {
		denied := &AuthorizationDenied{Decision: decision}
		if authErr != nil {
			return decision, errors.Join(denied, authErr)
		}
		return decision, denied
	}

	if err := g.handler.HandleEnvelope(ctx, env); err != nil {
		return decision, fmt.Errorf("gate: handler: %w", err)
	}
	return decision, nil
}

func contentionAttempts(err error) int64 {
	var cerr *chain.ContentionError
	if errors.As(err, &cerr) {
		return int64(cerr.Attempts)
	}
	return 0
}
