package registry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/neuromesh/pkg/util/resiliency"
)

// Runner defaults.
const (
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultDegradedAfter     = 1
	DefaultUnreachableAfter  = 3
	DefaultRegisterBase      = 500 * time.Millisecond
	DefaultRegisterMax       = 30 * time.Second
)

// Runner keeps a service registered: it announces the service with
// exponential backoff, renews the lease on a heartbeat interval, and
// re-registers when the lease expires. Registry trouble only ever moves
// the Health state; it never stops or blocks the service's own work.
type Runner struct {
	client           Client
	reg              Registration
	interval         time.Duration
	degradedAfter    int
	unreachableAfter int
	registerBase     time.Duration
	registerMax      time.Duration
	logger           *slog.Logger
	onChange         func(from, to Health)

	mu       sync.Mutex
	health   Health
	failures int
	handle   *Handle
	cancel   context.CancelFunc
	done     chan struct{}
	started  bool
	stopped  bool
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithHeartbeatInterval sets the lease renewal interval.
func WithHeartbeatInterval(d time.Duration) RunnerOption {
	return func(r *Runner) { r.interval = d }
}

// WithHealthThresholds sets how many consecutive failures mark the service
// degraded and unreachable.
func WithHealthThresholds(degraded, unreachable int) RunnerOption {
	return func(r *Runner) {
		r.degradedAfter = degraded
		r.unreachableAfter = unreachable
	}
}

// WithRegisterBackoff sets the base and cap for registration retry delays.
func WithRegisterBackoff(base, max time.Duration) RunnerOption {
	return func(r *Runner) {
		r.registerBase = base
		r.registerMax = max
	}
}

// WithRunnerLogger sets the structured logger.
func WithRunnerLogger(l *slog.Logger) RunnerOption {
	return func(r *Runner) { r.logger = l }
}

// WithOnHealthChange registers a callback fired on every health
// transition, outside the runner's lock.
func WithOnHealthChange(fn func(from, to Health)) RunnerOption {
	return func(r *Runner) { r.onChange = fn }
}

// NewRunner creates a runner for one service registration. The node id is
// fixed at construction so re-registrations keep the same node identity.
func NewRunner(client Client, reg Registration, opts ...RunnerOption) (*Runner, error) {
	if client == nil {
		return nil, errors.New("registry: client is required")
	}
	if err := reg.Validate(); err != nil {
		return nil, err
	}
	if reg.NodeID == "" {
		reg.NodeID = uuid.NewString()
	}

	r := &Runner{
		client:           client,
		reg:              reg,
		interval:         DefaultHeartbeatInterval,
		degradedAfter:    DefaultDegradedAfter,
		unreachableAfter: DefaultUnreachableAfter,
		registerBase:     DefaultRegisterBase,
		registerMax:      DefaultRegisterMax,
		logger:           slog.Default(),
		health:           HealthUnreachable,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Start attempts one registration inline, then hands the lease to a
// background goroutine. It returns once the goroutine is running; a
// registry that is down delays nothing but discoverability.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return errors.New("registry: runner already started")
	}
	r.started = true
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	r.mu.Unlock()

	r.tryRegister(ctx)
	go r.run(runCtx)
	return nil
}

// Stop joins the background goroutine and releases the lease.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.started || r.stopped {
		r.mu.Unlock()
		return nil
	}
	r.stopped = true
	cancel := r.cancel
	done := r.done
	r.mu.Unlock()

	cancel()
	<-done

	r.mu.Lock()
	handle := r.handle
	r.handle = nil
	r.mu.Unlock()

	var err error
	if handle != nil {
		err = r.client.Deregister(ctx, handle)
		if err != nil {
			r.logger.Warn("deregistration failed",
				"service", r.reg.ServiceName,
				"lease", handle.LeaseID,
				"error", err)
		} else {
			r.logger.Info("service deregistered",
				"service", r.reg.ServiceName,
				"lease", handle.LeaseID)
		}
	}
	r.transition(HealthUnreachable)
	return err
}

// Health returns the current registration health.
func (r *Runner) Health() Health {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.health
}

// Handle returns a copy of the current lease handle, or nil when the
// service is not registered.
func (r *Runner) Handle() *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handle == nil {
		return nil
	}
	h := *r.handle
	return &h
}

// NodeID returns the stable node identity this runner announces.
func (r *Runner) NodeID() string {
	return r.reg.NodeID
}

func (r *Runner) run(ctx context.Context) {
	defer close(r.done)
	for {
		if err := resiliency.Sleep(ctx, r.nextDelay()); err != nil {
			return
		}
		if r.Handle() == nil {
			r.tryRegister(ctx)
			continue
		}
		r.tryHeartbeat(ctx)
	}
}

// nextDelay is the heartbeat interval while registered, and a growing
// backoff while trying to register.
func (r *Runner) nextDelay() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handle != nil {
		return r.interval
	}
	attempt := r.failures
	if attempt > 10 {
		attempt = 10
	}
	return resiliency.BackoffDelay(attempt, r.registerBase, r.registerMax)
}

func (r *Runner) tryRegister(ctx context.Context) {
	handle, err := r.client.Register(ctx, r.reg)
	if err != nil {
		r.recordFailure("registration failed", err)
		return
	}

	r.mu.Lock()
	r.handle = handle
	r.failures = 0
	r.mu.Unlock()

	r.logger.Info("service registered",
		"service", r.reg.ServiceName,
		"node", r.reg.NodeID,
		"lease", handle.LeaseID,
		"ttl", handle.TTL)
	r.transition(HealthReachable)
}

func (r *Runner) tryHeartbeat(ctx context.Context) {
	r.mu.Lock()
	handle := r.handle
	r.mu.Unlock()
	if handle == nil {
		return
	}

	err := r.client.Heartbeat(ctx, handle)
	switch {
	case err == nil:
		r.mu.Lock()
		r.failures = 0
		r.mu.Unlock()
		r.transition(HealthReachable)
	case errors.Is(err, ErrLeaseExpired):
		r.logger.Warn("registry lease expired, re-registering",
			"service", r.reg.ServiceName,
			"lease", handle.LeaseID)
		r.mu.Lock()
		r.handle = nil
		r.mu.Unlock()
		r.tryRegister(ctx)
	default:
		r.recordFailure("heartbeat failed", err)
	}
}

func (r *Runner) recordFailure(msg string, err error) {
	r.mu.Lock()
	r.failures++
	failures := r.failures
	r.mu.Unlock()

	to := Health("")
	switch {
	case failures >= r.unreachableAfter:
		to = HealthUnreachable
	case failures >= r.degradedAfter:
		to = HealthDegraded
	}

	r.logger.Warn(msg,
		"service", r.reg.ServiceName,
		"consecutive_failures", failures,
		"error", err)
	if to != "" {
		r.transition(to)
	}
}

// transition moves health and fires the callback outside the lock.
func (r *Runner) transition(to Health) {
	r.mu.Lock()
	from := r.health
	r.health = to
	cb := r.onChange
	r.mu.Unlock()

	if cb != nil && from != to {
		cb(from, to)
	}
}
