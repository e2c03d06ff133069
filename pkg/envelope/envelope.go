// Package envelope defines the canonical message unit exchanged between
// platform services. Every envelope carries the identity of the acting
// principal, the authorization claims asserted for the message, and the
// causality metadata that lets audit trails reconstruct who did what on
// whose behalf.
//
// Envelopes are immutable after creation: a reply or follow-up is always a
// new envelope that references the original's causality chain, never a
// mutation of it.
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// FormatVersion is the envelope format this package produces. Parsers accept
// any version with the same major component.
const FormatVersion = "1.1.0"

// ActorKind classifies the principal attributed to a message.
type ActorKind string

const (
	// ActorUser is a human principal.
	ActorUser ActorKind = "user"
	// ActorService is a platform service acting on its own authority.
	ActorService ActorKind = "service"
	// ActorAgent is an AI agent acting under delegated authority.
	ActorAgent ActorKind = "ai_agent"
)

// Auth methods recorded in AuthContext.Method.
const (
	AuthMethodJWT      = "jwt"
	AuthMethodMTLS     = "mtls"
	AuthMethodAPIKey   = "api_key"
	AuthMethodInternal = "internal"
)

// Actor identifies the originating principal of an envelope.
type Actor struct {
	ID          string    `json:"id"`
	Kind        ActorKind `json:"kind"`
	DisplayName string    `json:"display_name,omitempty"`
	Roles       []string  `json:"roles,omitempty"`
	Groups      []string  `json:"groups,omitempty"`
	Channel     string    `json:"channel,omitempty"`
	IPAddress   string    `json:"ip_address,omitempty"`
}

// AuthContext carries the claims asserted for a message: the authenticated
// subject, the mechanism that authenticated it, and the token it was
// asserted under. Opaque to everything except the decision engine.
type AuthContext struct {
	Subject   string     `json:"subject"`
	Method    string     `json:"method"`
	TokenID   string     `json:"token_id,omitempty"`
	Scopes    []string   `json:"scopes,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// AIContext is present only when a message was produced or mediated by a
// model invocation. Prompt and response text never travel in the envelope;
// only their canonical digests do. Never used for authorization.
type AIContext struct {
	ModelID        string  `json:"model_id"`
	InvocationID   string  `json:"invocation_id"`
	Provider       string  `json:"provider,omitempty"`
	PromptDigest   string  `json:"prompt_digest,omitempty"`
	ResponseDigest string  `json:"response_digest,omitempty"`
	TokensIn       int     `json:"tokens_in,omitempty"`
	TokensOut      int     `json:"tokens_out,omitempty"`
	LatencyMS      int64   `json:"latency_ms,omitempty"`
	CostUSD        float64 `json:"cost_usd,omitempty"`
}

// Envelope is the unit of inter-service communication.
type Envelope struct {
	FormatVersion   string          `json:"format_version"`
	MessageID       string          `json:"message_id"`
	CausalityID     string          `json:"causality_id"`
	CausationID     string          `json:"causation_id,omitempty"`
	MessageType     string          `json:"message_type"`
	SourceService   string          `json:"source_service"`
	TargetService   string          `json:"target_service,omitempty"`
	Actor           Actor           `json:"actor"`
	Auth            AuthContext     `json:"auth_context"`
	AI              *AIContext      `json:"ai_context,omitempty"`
	Payload         json.RawMessage `json:"payload"`
	CreatedAt       time.Time       `json:"created_at"`
	ReplyTo         string          `json:"reply_to,omitempty"`
	TTLSeconds      int             `json:"ttl_seconds,omitempty"`
	Priority        int             `json:"priority,omitempty"`
	DeliveryAttempt int             `json:"delivery_attempt,omitempty"`
}

// Ref is the envelope reference carried by audit events: enough to walk
// back from any audit record to the message and conversation it came from.
type Ref struct {
	MessageID   string `json:"message_id"`
	CausalityID string `json:"causality_id"`
}

// Ref returns the audit reference for this envelope.
func (e *Envelope) Ref() Ref {
	return Ref{MessageID: e.MessageID, CausalityID: e.CausalityID}
}

// Expired reports whether the envelope's TTL has elapsed at the given time.
// Envelopes without a TTL never expire.
func (e *Envelope) Expired(now time.Time) bool {
	if e.TTLSeconds <= 0 {
		return false
	}
	return now.After(e.CreatedAt.Add(time.Duration(e.TTLSeconds) * time.Second))
}

// ErrEmptySourceService is returned when a Factory is constructed without a
// service identity.
var ErrEmptySourceService = errors.New("source service is required")

// Factory creates envelopes stamped with one service's identity. Each
// service constructs a single Factory at startup (typically from its
// registry registration) instead of threading its name through every call.
type Factory struct {
	source string
	clock  func() time.Time
	newID  func() string
}

// FactoryOption configures a Factory.
type FactoryOption func(*Factory)

// WithClock overrides the timestamp source for deterministic testing.
func WithClock(clock func() time.Time) FactoryOption {
	return func(f *Factory) {
		f.clock = clock
	}
}

// WithIDGenerator overrides message-id generation for deterministic testing.
func WithIDGenerator(gen func() string) FactoryOption {
	return func(f *Factory) {
		f.newID = gen
	}
}

// NewFactory creates an envelope factory for the named source service.
func NewFactory(sourceService string, opts ...FactoryOption) (*Factory, error) {
	if sourceService == "" {
		return nil, ErrEmptySourceService
	}
	f := &Factory{
		source: sourceService,
		clock:  time.Now,
		newID:  func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Option configures a single envelope at creation.
type Option func(*Envelope)

// WithTarget sets the logical destination service.
func WithTarget(service string) Option {
	return func(e *Envelope) {
		e.TargetService = service
	}
}

// WithAIContext attaches model-invocation traceability to the envelope.
func WithAIContext(ai AIContext) Option {
	return func(e *Envelope) {
		cp := ai
		e.AI = &cp
	}
}

// WithReplyTo sets the transport hint naming where replies go.
func WithReplyTo(replyTo string) Option {
	return func(e *Envelope) {
		e.ReplyTo = replyTo
	}
}

// WithTTL bounds the envelope's useful lifetime in seconds.
func WithTTL(seconds int) Option {
	return func(e *Envelope) {
		e.TTLSeconds = seconds
	}
}

// WithPriority sets the transport priority hint (0 lowest, 9 highest).
func WithPriority(priority int) Option {
	return func(e *Envelope) {
		e.Priority = priority
	}
}

// New creates an envelope originating a new causality chain: the envelope's
// causality id equals its own message id, and every descendant created via
// NewReply or NewChild inherits it.
func (f *Factory) New(actor Actor, auth AuthContext, messageType string, payload any, opts ...Option) (*Envelope, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}

	id := f.newID()
	env := &Envelope{
		FormatVersion: FormatVersion,
		MessageID:     id,
		CausalityID:   id,
		MessageType:   messageType,
		SourceService: f.source,
		Actor:         actor,
		Auth:          auth,
		Payload:       raw,
		CreatedAt:     f.clock().UTC(),
	}
	for _, opt := range opts {
		opt(env)
	}
	return env, nil
}

// NewReply creates the response to original. The reply keeps the original's
// causality id, records the original message as its causation, and routes
// back to the original's source service.
func (f *Factory) NewReply(original *Envelope, sourceActor Actor, messageType string, payload any, opts ...Option) (*Envelope, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}

	env := &Envelope{
		FormatVersion: FormatVersion,
		MessageID:     f.newID(),
		CausalityID:   original.CausalityID,
		CausationID:   original.MessageID,
		MessageType:   messageType,
		SourceService: f.source,
		TargetService: original.SourceService,
		Actor:         sourceActor,
		Auth:          original.Auth,
		Payload:       raw,
		CreatedAt:     f.clock().UTC(),
	}
	if original.ReplyTo != "" {
		env.TargetService = original.ReplyTo
	}
	for _, opt := range opts {
		opt(env)
	}
	return env, nil
}

// NewChild creates a follow-on message in the same conversation: same actor
// and auth as the parent, same causality id, causation pointing at the
// parent. Used when processing one message fans out further work.
func (f *Factory) NewChild(parent *Envelope, messageType string, payload any, opts ...Option) (*Envelope, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}

	env := &Envelope{
		FormatVersion: FormatVersion,
		MessageID:     f.newID(),
		CausalityID:   parent.CausalityID,
		CausationID:   parent.MessageID,
		MessageType:   messageType,
		SourceService: f.source,
		Actor:         parent.Actor,
		Auth:          parent.Auth,
		Payload:       raw,
		CreatedAt:     f.clock().UTC(),
	}
	for _, opt := range opts {
		opt(env)
	}
	return env, nil
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	default:
		raw, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		return raw, nil
	}
}
