package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Mindburn-Labs/neuromesh/pkg/envelope"
	"github.com/Mindburn-Labs/neuromesh/pkg/registry"
	"github.com/Mindburn-Labs/neuromesh/pkg/transport"
)

// RouteFunc derives the authorization (action, resource) pair from an
// inbound envelope.
type RouteFunc func(env *envelope.Envelope) (action, resource string)

// DefaultRoute maps a message type of the form "domain.entity.action" to
// action "action" and resource "domain/entity". Message types with fewer
// segments authorize against the type itself.
func DefaultRoute(env *envelope.Envelope) (string, string) {
	parts := strings.Split(env.MessageType, ".")
	if len(parts) < 2 {
		return env.MessageType, env.MessageType
	}
	return parts[len(parts)-1], strings.Join(parts[:len(parts)-1], "/")
}

// Runtime wires a service process together: the gate, the transport
// subscription feeding it, and the registry runner announcing the
// service. Services are plain values; the startup and shutdown hooks are
// discovered by type assertion on the gate's handler.
type Runtime struct {
	gate        *Gate
	serviceName string
	route       RouteFunc
	consumer    transport.Consumer
	topic       string
	runner      *registry.Runner
	logger      *slog.Logger
}

// RuntimeOption configures a Runtime.
type RuntimeOption func(*Runtime)

// WithConsumer subscribes the gate to a transport topic on Start.
func WithConsumer(c transport.Consumer, topic string) RuntimeOption {
	return func(r *Runtime) {
		r.consumer = c
		r.topic = topic
	}
}

// WithRunner attaches a registry runner whose lifecycle follows the
// runtime's.
func WithRunner(runner *registry.Runner) RuntimeOption {
	return func(r *Runtime) { r.runner = runner }
}

// WithRoute overrides how (action, resource) are derived from envelopes.
func WithRoute(route RouteFunc) RuntimeOption {
	return func(r *Runtime) { r.route = route }
}

// WithRuntimeLogger sets the runtime's logger.
func WithRuntimeLogger(logger *slog.Logger) RuntimeOption {
	return func(r *Runtime) { r.logger = logger }
}

// NewRuntime builds a runtime around a gate for the named service.
func NewRuntime(g *Gate, serviceName string, opts ...RuntimeOption) (*Runtime, error) {
	if g == nil {
		return nil, errors.New("gate: gate is required")
	}
	if serviceName == "" {
		return nil, errors.New("gate: service name is required")
	}
	r := &Runtime{
		gate:        g,
		serviceName: serviceName,
		route:       DefaultRoute,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Start runs the service's startup hook, starts the registry runner,
// records the startup lifecycle event, and subscribes the gate to the
// configured topic. An unrecordable startup fails: a service whose
// lifecycle cannot be audited must not begin processing.
func (r *Runtime) Start(ctx context.Context) error {
	if hook, ok := r.gate.handler.(StartupHook); ok {
		if err := hook.OnStartup(ctx); err != nil {
			return fmt.Errorf("gate: startup hook: %w", err)
		}
	}

	if r.runner != nil {
		if err := r.runner.Start(ctx); err != nil {
			// Registration trouble degrades discoverability only.
			r.logger.Warn("registry runner did not start", "error", err)
		}
	}

	detail := map[string]any{}
	if r.runner != nil {
		detail["node_id"] = r.runner.NodeID()
	}
	if _, err := r.gate.Emitter().LogLifecycle(ctx, r.serviceName, "startup", detail); err != nil {
		return fmt.Errorf("gate: startup could not be audited: %w", err)
	}

	if r.consumer != nil {
		handler := func(ctx context.Context, env *envelope.Envelope) error {
			action, resource := r.route(env)
			_, err := r.gate.Process(ctx, env, action, resource)
			return err
		}
		if err := r.consumer.Consume(ctx, r.topic, handler); err != nil {
			return fmt.Errorf("gate: subscribing to %q: %w", r.topic, err)
		}
	}
	return nil
}

// Stop deregisters, records the shutdown lifecycle event, and runs the
// service's shutdown hook. Audit and registry failures during shutdown
// are logged, not returned; the hook's error is the caller's to handle.
func (r *Runtime) Stop(ctx context.Context) error {
	if r.runner != nil {
		if err := r.runner.Stop(ctx); err != nil {
			r.logger.Warn("registry runner stop failed", "error", err)
		}
	}

	if _, err := r.gate.Emitter().LogLifecycle(ctx, r.serviceName, "shutdown", nil); err != nil {
		r.logger.Error("shutdown could not be audited", "error", err)
	}

	if hook, ok := r.gate.handler.(ShutdownHook); ok {
		if err := hook.OnShutdown(ctx); err != nil {
			return fmt.Errorf("gate: shutdown hook: %w", err)
		}
	}
	return nil
}

// Health reports the registry runner's view, or unreachable when no
// runner is attached.
func (r *Runtime) Health() registry.Health {
	if r.runner == nil {
		return registry.HealthUnreachable
	}
	return r.runner.Health()
}
