// Package rbac evaluates role-based access control decisions.
//
// The engine maps actors to roles and roles to permission rules through a
// pluggable identity source, caches both mappings with a bounded staleness
// window, and answers authorize questions deterministically from the cached
// snapshot. Evaluation is fail-closed: resolution failures, source outages
// past the staleness window, and timeouts all produce DENY, never an
// implicit allow.
package rbac

import (
	"fmt"
	"time"

	"github.com/Mindburn-Labs/neuromesh/pkg/canonical"
	"github.com/Mindburn-Labs/neuromesh/pkg/identity"
)

// Outcome is the binary result of an authorization decision.
type Outcome string

const (
	OutcomeAllow Outcome = "ALLOW"
	OutcomeDeny  Outcome = "DENY"
)

// Decision reasons. These are stable strings consumed by audit trails and
// operator tooling; do not reword them.
const (
	// ReasonMatched is set on ALLOW when an allow rule won the evaluation.
	ReasonMatched = "matched rule"

	// ReasonNoMatchingRule is the default-deny reason: the actor's roles
	// grant no rule covering the action and resource.
	ReasonNoMatchingRule = "no matching rule"

	// ReasonExplicitDeny is set when a deny rule matched at equal or higher
	// specificity than any allow rule.
	ReasonExplicitDeny = "explicit deny"

	// ReasonUnresolvedActor is set when the identity source positively
	// reported the actor as unknown.
	ReasonUnresolvedActor = "actor could not be resolved"

	// ReasonSourceFailure is set when role or permission data could not be
	// obtained at all, including timeouts. Fail-closed.
	ReasonSourceFailure = "identity source failure"
)

// Decision is the full record of a single authorization evaluation. The
// same inputs against the same snapshot always produce an identical
// Decision apart from EvaluatedAt.
type Decision struct {
	Outcome  Outcome `json:"outcome"`
	Reason   string  `json:"reason"`
	ActorID  string  `json:"actor_id"`
	Action   string  `json:"action"`
	Resource string  `json:"resource"`

	// Context carries the caller-supplied evaluation attributes. The
	// engine does not consult them; they are recorded for audit trails.
	Context map[string]string `json:"context,omitempty"`

	// MatchedRole and MatchedRule identify the winning rule, when one
	// matched. Both are empty for default deny and failure denials.
	MatchedRole string               `json:"matched_role,omitempty"`
	MatchedRule *identity.Permission `json:"matched_rule,omitempty"`

	// SnapshotRevision counts cache refreshes observed by the engine, so a
	// decision can be correlated with the role data it was evaluated
	// against.
	SnapshotRevision uint64    `json:"snapshot_revision"`
	EvaluatedAt      time.Time `json:"evaluated_at"`
}

// Allowed reports whether the decision grants access.
func (d *Decision) Allowed() bool {
	return d.Outcome == OutcomeAllow
}

// Fingerprint returns a deterministic content hash of the decision,
// suitable for binding into audit events. EvaluatedAt is excluded so that
// replaying the same inputs yields the same fingerprint.
func (d *Decision) Fingerprint() (string, error) {
	input := struct {
		Outcome          Outcome              `json:"outcome"`
		Reason           string               `json:"reason"`
		ActorID          string               `json:"actor_id"`
		Action           string               `json:"action"`
		Resource         string               `json:"resource"`
		Context          map[string]string    `json:"context,omitempty"`
		MatchedRole      string               `json:"matched_role,omitempty"`
		MatchedRule      *identity.Permission `json:"matched_rule,omitempty"`
		SnapshotRevision uint64               `json:"snapshot_revision"`
	}{
		Outcome:          d.Outcome,
		Reason:           d.Reason,
		ActorID:          d.ActorID,
		Action:           d.Action,
		Resource:         d.Resource,
		Context:          d.Context,
		MatchedRole:      d.MatchedRole,
		MatchedRule:      d.MatchedRule,
		SnapshotRevision: d.SnapshotRevision,
	}

	digest, err := canonical.Hash(input)
	if err != nil {
		return "", fmt.Errorf("rbac: decision fingerprint: %w", err)
	}
	return digest, nil
}
