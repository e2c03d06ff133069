package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Marshal encodes the envelope to its JSON wire form.
func Marshal(env *Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return data, nil
}

// Unmarshal decodes the JSON wire form of an envelope. The decode is strict:
// unknown top-level fields reject the message as malformed, so a producer on
// a newer minor version cannot silently smuggle fields past older consumers.
func Unmarshal(data []byte) (*Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var env Envelope
	if err := dec.Decode(&env); err != nil {
		return nil, &SchemaError{Violations: []Violation{{
			Field:   "",
			Code:    "MALFORMED",
			Message: fmt.Sprintf("envelope is not valid JSON: %v", err),
		}}}
	}
	return &env, nil
}
