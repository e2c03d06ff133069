// Package audit turns platform activity into hash-chained audit events.
//
// The Emitter is the production path for audit events: it binds envelope
// identity (message and causality IDs, actor, actor kind) into every event
// and routes it to the right stream before handing it to the chain.
// Building chain events by hand skips that binding and is not supported.
package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Mindburn-Labs/neuromesh/pkg/chain"
	"github.com/Mindburn-Labs/neuromesh/pkg/envelope"
	"github.com/Mindburn-Labs/neuromesh/pkg/rbac"
)

// EventType classifies audit events.
type EventType string

const (
	EventAuthorizationDecision EventType = "authorization_decision"
	EventAuthentication        EventType = "authentication"
	EventAIInteraction         EventType = "ai_interaction"
	EventDataAccess            EventType = "data_access"
	EventDataModification      EventType = "data_modification"
	EventConfigChange          EventType = "config_change"
	EventLifecycle             EventType = "lifecycle"
	EventSystem                EventType = "system"
	EventError                 EventType = "error"
	EventMessageRejected       EventType = "message_rejected"
)

// DefaultStream receives events that cannot be attributed to a service.
const DefaultStream = "core"

// StreamFunc maps an event to its audit stream. The sourceService is the
// emitting service when known, empty otherwise.
type StreamFunc func(sourceService string, eventType EventType) string

// PartitionBySource is the default StreamFunc: one stream per emitting
// service, with unattributed events going to DefaultStream.
func PartitionBySource(sourceService string, _ EventType) string {
	if sourceService == "" {
		return DefaultStream
	}
	return sourceService
}

// SingleStream routes everything to one named stream.
func SingleStream(name string) StreamFunc {
	return func(string, EventType) string { return name }
}

// Emitter writes audit events to the chain.
type Emitter struct {
	chain  *chain.Chain
	stream StreamFunc
	logger *slog.Logger
}

// EmitterOption configures an Emitter.
type EmitterOption func(*Emitter)

// WithStreamFunc overrides stream routing.
func WithStreamFunc(fn StreamFunc) EmitterOption {
	return func(e *Emitter) { e.stream = fn }
}

// WithLogger sets the logger used for emission diagnostics.
func WithLogger(logger *slog.Logger) EmitterOption {
	return func(e *Emitter) { e.logger = logger }
}

// NewEmitter builds an Emitter over a chain.
func NewEmitter(ch *chain.Chain, opts ...EmitterOption) (*Emitter, error) {
	if ch == nil {
		return nil, errors.New("audit: chain is required")
	}
	e := &Emitter{
		chain:  ch,
		stream: PartitionBySource,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// LogFromEnvelope appends an audit event derived from an envelope. The
// envelope supplies actor identity and message lineage; eventType, action,
// and resource describe what happened. detail may be nil.
func (e *Emitter) LogFromEnvelope(ctx context.Context, env *envelope.Envelope, eventType EventType, action, resource string, detail map[string]any) (*chain.Event, error) {
	if env == nil {
		return nil, errors.New("audit: envelope is required")
	}
	if eventType == "" {
		return nil, errors.New("audit: event type is required")
	}

	event := &chain.Event{
		EventType:   string(eventType),
		ActorID:     env.Actor.ID,
		ActorKind:   string(env.Actor.Kind),
		Action:      action,
		Resource:    resource,
		MessageID:   env.MessageID,
		CausalityID: env.CausalityID,
		Detail:      detail,
	}
	return e.append(ctx, e.stream(env.SourceService, eventType), event)
}

// LogDecision appends an authorization decision. Denials are recorded the
// same way as grants; every decision leaves a trace. env may be nil when
// the authorization happened outside message processing.
func (e *Emitter) LogDecision(ctx context.Context, env *envelope.Envelope, decision *rbac.Decision) (*chain.Event, error) {
	if decision == nil {
		return nil, errors.New("audit: decision is required")
	}

	detail := map[string]any{
		"snapshot_revision": decision.SnapshotRevision,
	}
	if digest, err := decision.Fingerprint(); err == nil {
		detail["decision_digest"] = digest
	} else {
		return nil, fmt.Errorf("audit: fingerprinting decision: %w", err)
	}
	if decision.MatchedRole != "" {
		detail["matched_role"] = decision.MatchedRole
	}
	if decision.MatchedRule != nil {
		detail["matched_rule"] = map[string]any{
			"action":   decision.MatchedRule.Action,
			"resource": decision.MatchedRule.Resource,
			"effect":   string(decision.MatchedRule.Effect),
		}
	}
	for k, v := range decision.Context {
		detail["ctx_"+k] = v
	}

	event := &chain.Event{
		EventType: string(EventAuthorizationDecision),
		ActorID:   decision.ActorID,
		Action:    decision.Action,
		Resource:  decision.Resource,
		Outcome:   string(decision.Outcome),
		Reason:    decision.Reason,
		Detail:    detail,
	}

	source := ""
	if env != nil {
		event.ActorKind = string(env.Actor.Kind)
		event.MessageID = env.MessageID
		event.CausalityID = env.CausalityID
		source = env.SourceService
	}
	return e.append(ctx, e.stream(source, EventAuthorizationDecision), event)
}

// LogAIInteraction appends a record of a model invocation. The envelope
// must carry an AI context; only digests and counters are recorded, never
// prompt or response bodies.
func (e *Emitter) LogAIInteraction(ctx context.Context, env *envelope.Envelope) (*chain.Event, error) {
	if env == nil {
		return nil, errors.New("audit: envelope is required")
	}
	if env.AI == nil {
		return nil, errors.New("audit: envelope has no ai context")
	}

	detail := map[string]any{
		"model_id":      env.AI.ModelID,
		"invocation_id": env.AI.InvocationID,
	}
	if env.AI.Provider != "" {
		detail["provider"] = env.AI.Provider
	}
	if env.AI.PromptDigest != "" {
		detail["prompt_digest"] = env.AI.PromptDigest
	}
	if env.AI.ResponseDigest != "" {
		detail["response_digest"] = env.AI.ResponseDigest
	}
	if env.AI.TokensIn > 0 {
		detail["tokens_in"] = env.AI.TokensIn
	}
	if env.AI.TokensOut > 0 {
		detail["tokens_out"] = env.AI.TokensOut
	}
	if env.AI.LatencyMS > 0 {
		detail["latency_ms"] = env.AI.LatencyMS
	}

	event := &chain.Event{
		EventType:   string(EventAIInteraction),
		ActorID:     env.Actor.ID,
		ActorKind:   string(env.Actor.Kind),
		Action:      "invoke",
		Resource:    "models/" + env.AI.ModelID,
		MessageID:   env.MessageID,
		CausalityID: env.CausalityID,
		Detail:      detail,
	}
	return e.append(ctx, e.stream(env.SourceService, EventAIInteraction), event)
}

// LogAuthentication appends an authentication outcome for an envelope's
// credentials.
func (e *Emitter) LogAuthentication(ctx context.Context, env *envelope.Envelope, succeeded bool, reason string) (*chain.Event, error) {
	if env == nil {
		return nil, errors.New("audit: envelope is required")
	}

	outcome := "ALLOW"
	if !succeeded {
		outcome = "DENY"
	}
	event := &chain.Event{
		EventType:   string(EventAuthentication),
		ActorID:     env.Actor.ID,
		ActorKind:   string(env.Actor.Kind),
		Action:      "authenticate",
		Outcome:     outcome,
		Reason:      reason,
		MessageID:   env.MessageID,
		CausalityID: env.CausalityID,
		Detail: map[string]any{
			"auth_method": string(env.Auth.Method),
			"subject":     env.Auth.Subject,
		},
	}
	return e.append(ctx, e.stream(env.SourceService, EventAuthentication), event)
}

// LogConfigChange appends a configuration change, recording digests of the
// old and new values rather than the values themselves.
func (e *Emitter) LogConfigChange(ctx context.Context, env *envelope.Envelope, key, oldDigest, newDigest string) (*chain.Event, error) {
	if env == nil {
		return nil, errors.New("audit: envelope is required")
	}
	if key == "" {
		return nil, errors.New("audit: config key is required")
	}

	event := &chain.Event{
		EventType:   string(EventConfigChange),
		ActorID:     env.Actor.ID,
		ActorKind:   string(env.Actor.Kind),
		Action:      "update",
		Resource:    "config/" + key,
		MessageID:   env.MessageID,
		CausalityID: env.CausalityID,
		Detail: map[string]any{
			"old_digest": oldDigest,
			"new_digest": newDigest,
		},
	}
	return e.append(ctx, e.stream(env.SourceService, EventConfigChange), event)
}

// LogLifecycle appends a service lifecycle transition such as startup,
// registration, degradation, or shutdown. Lifecycle events have no
// triggering envelope; the service acts as its own actor.
func (e *Emitter) LogLifecycle(ctx context.Context, service, phase string, detail map[string]any) (*chain.Event, error) {
	if service == "" {
		return nil, errors.New("audit: service name is required")
	}
	if phase == "" {
		return nil, errors.New("audit: lifecycle phase is required")
	}

	event := &chain.Event{
		EventType: string(EventLifecycle),
		ActorID:   service,
		ActorKind: string(envelope.ActorService),
		Action:    phase,
		Resource:  "services/" + service,
		Detail:    detail,
	}
	return e.append(ctx, e.stream(service, EventLifecycle), event)
}

// LogRejected appends a record of an envelope that failed validation. The
// violations are summarized into the detail map; the payload never is.
func (e *Emitter) LogRejected(ctx context.Context, env *envelope.Envelope, serr *envelope.SchemaError) (*chain.Event, error) {
	if env == nil {
		return nil, errors.New("audit: envelope is required")
	}

	detail := map[string]any{"message_type": env.MessageType}
	if serr != nil {
		violations := make([]map[string]any, 0, len(serr.Violations))
		for _, v := range serr.Violations {
			violations = append(violations, map[string]any{
				"field": v.Field,
				"code":  v.Code,
			})
		}
		detail["violations"] = violations
	}

	event := &chain.Event{
		EventType:   string(EventMessageRejected),
		ActorID:     env.Actor.ID,
		ActorKind:   string(env.Actor.Kind),
		Action:      "validate",
		Outcome:     "DENY",
		Reason:      "schema violation",
		MessageID:   env.MessageID,
		CausalityID: env.CausalityID,
		Detail:      detail,
	}
	return e.append(ctx, e.stream(env.SourceService, EventMessageRejected), event)
}

func (e *Emitter) append(ctx context.Context, stream string, event *chain.Event) (*chain.Event, error) {
	stored, err := e.chain.Append(ctx, stream, event)
	if err != nil {
		e.logger.Error("audit event could not be appended",
			"stream", stream,
			"event_type", event.EventType,
			"actor_id", event.ActorID,
			"error", err)
		return nil, err
	}
	return stored, nil
}
