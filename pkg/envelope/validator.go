package envelope

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
)

// ErrSchema is the sentinel all schema violations unwrap to, so callers can
// errors.Is against one value regardless of the specific violation set.
var ErrSchema = errors.New("envelope schema violation")

// Violation describes a single validation failure.
type Violation struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (v Violation) String() string {
	return fmt.Sprintf("%s: %s (%s)", v.Field, v.Message, v.Code)
}

// SchemaError reports every violation found in one validation pass. A
// malformed envelope is rejected at the boundary; it is never coerced or
// partially processed.
type SchemaError struct {
	Violations []Violation `json:"violations"`
}

func (e *SchemaError) Error() string {
	if len(e.Violations) == 0 {
		return "envelope schema violation"
	}
	parts := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		parts[i] = v.String()
	}
	return fmt.Sprintf("envelope schema violation: %s", strings.Join(parts, "; "))
}

func (e *SchemaError) Unwrap() error {
	return ErrSchema
}

// Validator checks envelopes for structural correctness, format-version
// compatibility, and payload shape. Validation is fail-closed: any issue
// rejects the envelope.
type Validator struct {
	registry *Registry
	clock    func() time.Time
}

// NewValidator creates an envelope validator. registry supplies the
// message-type schemas; a nil registry skips payload-shape checks but still
// enforces every required field.
func NewValidator(registry *Registry) *Validator {
	return &Validator{
		registry: registry,
		clock:    time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (v *Validator) WithClock(clock func() time.Time) *Validator {
	v.clock = clock
	return v
}

// Validate checks env and returns nil or a *SchemaError listing every
// violation found.
func (v *Validator) Validate(env *Envelope) error {
	var violations []Violation

	add := func(field, code, message string) {
		violations = append(violations, Violation{Field: field, Code: code, Message: message})
	}
	require := func(field, value string) {
		if value == "" {
			add(field, "REQUIRED", fmt.Sprintf("%s is required", field))
		}
	}

	// Format version
	require("format_version", env.FormatVersion)
	if env.FormatVersion != "" {
		if ver, err := semver.NewVersion(env.FormatVersion); err != nil {
			add("format_version", "INVALID_FORMAT",
				fmt.Sprintf("format version %q is not a semantic version", env.FormatVersion))
		} else if current := semver.MustParse(FormatVersion); ver.Major() != current.Major() {
			add("format_version", "UNSUPPORTED_FORMAT",
				fmt.Sprintf("unsupported format version %q, expected major version %d", env.FormatVersion, current.Major()))
		}
	}

	// Identity and causality
	require("message_id", env.MessageID)
	require("causality_id", env.CausalityID)
	require("source_service", env.SourceService)

	require("message_type", env.MessageType)
	if env.MessageType != "" && !ValidMessageType(env.MessageType) {
		add("message_type", "INVALID_FORMAT",
			fmt.Sprintf("message type %q is not a namespaced dotted name", env.MessageType))
	}

	// Actor
	require("actor.id", env.Actor.ID)
	switch env.Actor.Kind {
	case ActorUser, ActorService, ActorAgent:
	case "":
		add("actor.kind", "REQUIRED", "actor.kind is required")
	default:
		add("actor.kind", "INVALID_VALUE", fmt.Sprintf("invalid actor kind %q", env.Actor.Kind))
	}

	// Auth context
	require("auth_context.subject", env.Auth.Subject)
	require("auth_context.method", env.Auth.Method)

	now := v.clock().UTC()
	if env.Auth.ExpiresAt != nil && env.Auth.ExpiresAt.Before(now) {
		add("auth_context.expires_at", "EXPIRED",
			fmt.Sprintf("auth context expired at %s", env.Auth.ExpiresAt.Format(time.RFC3339)))
	}

	// Timestamps and queueing metadata
	if env.CreatedAt.IsZero() {
		add("created_at", "REQUIRED", "created_at is required")
	}
	if env.TTLSeconds < 0 {
		add("ttl_seconds", "INVALID_VALUE", "ttl_seconds must be non-negative")
	}
	if env.Expired(now) {
		add("ttl_seconds", "EXPIRED",
			fmt.Sprintf("envelope expired at %s", env.CreatedAt.Add(time.Duration(env.TTLSeconds)*time.Second).Format(time.RFC3339)))
	}
	if env.Priority < 0 || env.Priority > 9 {
		add("priority", "INVALID_VALUE", "priority must be between 0 and 9")
	}
	if env.DeliveryAttempt < 0 {
		add("delivery_attempt", "INVALID_VALUE", "delivery_attempt must be non-negative")
	}

	// AI context, when present
	if env.AI != nil {
		require("ai_context.model_id", env.AI.ModelID)
		require("ai_context.invocation_id", env.AI.InvocationID)
	}

	// Payload shape against the registered schema for this type
	if len(env.Payload) == 0 {
		add("payload", "REQUIRED", "payload is required")
	} else if v.registry != nil && env.MessageType != "" && ValidMessageType(env.MessageType) {
		violations = append(violations, v.registry.validatePayload(env.MessageType, env.Payload)...)
	}

	if len(violations) > 0 {
		return &SchemaError{Violations: violations}
	}
	return nil
}
