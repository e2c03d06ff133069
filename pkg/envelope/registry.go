package envelope

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// messageTypePattern constrains message types to namespaced dotted names,
// e.g. "task.execution.request".
var messageTypePattern = regexp.MustCompile(`^[a-z0-9_]+(\.[a-z0-9_-]+)+$`)

// ValidMessageType reports whether s is a well-formed message type tag.
func ValidMessageType(s string) bool {
	return messageTypePattern.MatchString(s)
}

// Registry maps message types to compiled payload schemas. Payloads are
// tagged variants: the envelope's message_type selects the schema its
// payload must satisfy. Registration normally happens once at service
// startup; lookups are concurrent.
type Registry struct {
	mu           sync.RWMutex
	schemas      map[string]*jsonschema.Schema
	allowUnknown bool
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// AllowUnknownTypes makes validation of unregistered message types check
// required envelope fields only, skipping payload shape. Intended for
// migration windows where producers register types before consumers do.
func AllowUnknownTypes() RegistryOption {
	return func(r *Registry) {
		r.allowUnknown = true
	}
}

// NewRegistry creates an empty message-type registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		schemas: make(map[string]*jsonschema.Schema),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register compiles schemaJSON (JSON Schema draft 2020-12) and binds it to
// messageType. Re-registering a type replaces its schema.
func (r *Registry) Register(messageType, schemaJSON string) error {
	if !ValidMessageType(messageType) {
		return fmt.Errorf("invalid message type %q", messageType)
	}

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	schemaURL := fmt.Sprintf("https://neuromesh.schemas.local/messages/%s.schema.json", messageType)
	if err := c.AddResource(schemaURL, strings.NewReader(schemaJSON)); err != nil {
		return fmt.Errorf("schema load for %s failed: %w", messageType, err)
	}
	compiled, err := c.Compile(schemaURL)
	if err != nil {
		return fmt.Errorf("schema compile for %s failed: %w", messageType, err)
	}

	r.mu.Lock()
	r.schemas[messageType] = compiled
	r.mu.Unlock()
	return nil
}

// MustRegister is Register that panics on error. For static startup tables.
func (r *Registry) MustRegister(messageType, schemaJSON string) {
	if err := r.Register(messageType, schemaJSON); err != nil {
		panic(err)
	}
}

// Known reports whether messageType has a registered schema.
func (r *Registry) Known(messageType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.schemas[messageType]
	return ok
}

// Types returns the registered message types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.schemas))
	for t := range r.schemas {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// lookup returns the compiled schema for messageType, or nil if none.
func (r *Registry) lookup(messageType string) *jsonschema.Schema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.schemas[messageType]
}

// validatePayload checks payload against the schema registered for
// messageType. Returns the violation list contribution, empty when valid.
func (r *Registry) validatePayload(messageType string, payload json.RawMessage) []Violation {
	schema := r.lookup(messageType)
	if schema == nil {
		if r.allowUnknown {
			return nil
		}
		return []Violation{{
			Field:   "message_type",
			Code:    "UNKNOWN_TYPE",
			Message: fmt.Sprintf("no schema registered for message type %q", messageType),
		}}
	}

	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return []Violation{{
			Field:   "payload",
			Code:    "MALFORMED",
			Message: fmt.Sprintf("payload is not valid JSON: %v", err),
		}}
	}

	if err := schema.Validate(decoded); err != nil {
		return []Violation{{
			Field:   "payload",
			Code:    "SCHEMA_VIOLATION",
			Message: fmt.Sprintf("payload does not match schema for %s: %v", messageType, err),
		}}
	}
	return nil
}
