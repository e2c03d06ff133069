package audit

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/neuromesh/pkg/chain"
	"github.com/Mindburn-Labs/neuromesh/pkg/envelope"
	"github.com/Mindburn-Labs/neuromesh/pkg/identity"
	"github.com/Mindburn-Labs/neuromesh/pkg/rbac"
)

func testClock() time.Time {
	return time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
}

func testFactory(t *testing.T) *envelope.Factory {
	t.Helper()
	seq := 0
	factory, err := envelope.NewFactory("orders-service",
		envelope.WithClock(testClock),
		envelope.WithIDGenerator(func() string {
			seq++
			return fmt.Sprintf("msg-%04d", seq)
		}))
	require.NoError(t, err)
	return factory
}

func testEnvelope(t *testing.T, factory *envelope.Factory, opts ...envelope.Option) *envelope.Envelope {
	t.Helper()
	env, err := factory.New(
		envelope.Actor{ID: "alice", Kind: envelope.ActorUser},
		envelope.AuthContext{Subject: "alice", Method: envelope.AuthMethodJWT},
		"orders.task_request",
		map[string]any{"task": "reindex"},
		opts...)
	require.NoError(t, err)
	return env
}

func testEmitter(t *testing.T, opts ...EmitterOption) (*Emitter, *chain.Chain) {
	t.Helper()
	ch, err := chain.NewChain(chain.NewMemoryStore(), chain.WithClock(testClock))
	require.NoError(t, err)
	emitter, err := NewEmitter(ch, opts...)
	require.NoError(t, err)
	return emitter, ch
}

func allowDecision() *rbac.Decision {
	return &rbac.Decision{
		Outcome:     rbac.OutcomeAllow,
		Reason:      rbac.ReasonMatched,
		ActorID:     "alice",
		Action:      "submit",
		Resource:    "orders/42",
		MatchedRole: "operator",
		MatchedRule: &identity.Permission{
			Action:   "submit",
			Resource: "orders/**",
			Effect:   identity.EffectAllow,
		},
		SnapshotRevision: 7,
		EvaluatedAt:      testClock(),
	}
}

func denyDecision() *rbac.Decision {
	return &rbac.Decision{
		Outcome:          rbac.OutcomeDeny,
		Reason:           rbac.ReasonNoMatchingRule,
		ActorID:          "mallory",
		Action:           "delete",
		Resource:         "orders/42",
		Context:          map[string]string{"channel": "api"},
		SnapshotRevision: 7,
		EvaluatedAt:      testClock(),
	}
}

func TestNewEmitterRequiresChain(t *testing.T) {
	_, err := NewEmitter(nil)
	assert.Error(t, err)
}

func TestLogFromEnvelopeBindsIdentityAndLineage(t *testing.T) {
	emitter, ch := testEmitter(t)
	env := testEnvelope(t, testFactory(t))

	stored, err := emitter.LogFromEnvelope(context.Background(), env,
		EventLifecycle, "accept", "orders/42", map[string]any{"queue": "high"})
	require.NoError(t, err)

	assert.Equal(t, string(EventLifecycle), stored.EventType)
	assert.Equal(t, "alice", stored.ActorID)
	assert.Equal(t, "user", stored.ActorKind)
	assert.Equal(t, env.MessageID, stored.MessageID)
	assert.Equal(t, env.CausalityID, stored.CausalityID)
	assert.Equal(t, "accept", stored.Action)
	assert.Equal(t, "orders/42", stored.Resource)
	assert.Equal(t, "high", stored.Detail["queue"])
	assert.Equal(t, uint64(1), stored.Sequence)

	// Default routing partitions by the emitting service.
	assert.Equal(t, "orders-service", stored.Stream)
	tip, err := ch.Head(context.Background(), "orders-service")
	require.NoError(t, err)
	assert.Equal(t, stored.EventHash, tip.Hash)
}

func TestLogFromEnvelopeRecordsDataEvents(t *testing.T) {
	emitter, _ := testEmitter(t)
	env := testEnvelope(t, testFactory(t))

	for _, eventType := range []EventType{
		EventDataAccess, EventDataModification, EventSystem, EventError,
	} {
		stored, err := emitter.LogFromEnvelope(context.Background(), env,
			eventType, "read", "patients/77", nil)
		require.NoError(t, err)
		assert.Equal(t, string(eventType), stored.EventType)
	}
}

func TestLogFromEnvelopeRejectsBadInput(t *testing.T) {
	emitter, _ := testEmitter(t)
	env := testEnvelope(t, testFactory(t))

	_, err := emitter.LogFromEnvelope(context.Background(), nil, EventLifecycle, "accept", "orders/42", nil)
	assert.Error(t, err)

	_, err = emitter.LogFromEnvelope(context.Background(), env, "", "accept", "orders/42", nil)
	assert.Error(t, err)
}

func TestLogDecisionRecordsGrant(t *testing.T) {
	emitter, _ := testEmitter(t)
	env := testEnvelope(t, testFactory(t))
	decision := allowDecision()

	stored, err := emitter.LogDecision(context.Background(), env, decision)
	require.NoError(t, err)

	assert.Equal(t, string(EventAuthorizationDecision), stored.EventType)
	assert.Equal(t, "ALLOW", stored.Outcome)
	assert.Equal(t, rbac.ReasonMatched, stored.Reason)
	assert.Equal(t, "alice", stored.ActorID)
	assert.Equal(t, "submit", stored.Action)
	assert.Equal(t, "orders/42", stored.Resource)
	assert.Equal(t, env.MessageID, stored.MessageID)
	assert.Equal(t, env.CausalityID, stored.CausalityID)

	assert.Equal(t, "operator", stored.Detail["matched_role"])
	rule, ok := stored.Detail["matched_rule"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "orders/**", rule["resource"])

	digest, err := decision.Fingerprint()
	require.NoError(t, err)
	assert.Equal(t, digest, stored.Detail["decision_digest"])
}

func TestLogDecisionRecordsDenial(t *testing.T) {
	emitter, _ := testEmitter(t)
	env := testEnvelope(t, testFactory(t))

	stored, err := emitter.LogDecision(context.Background(), env, denyDecision())
	require.NoError(t, err)

	assert.Equal(t, "DENY", stored.Outcome)
	assert.Equal(t, "no matching rule", stored.Reason)
	assert.Equal(t, "mallory", stored.ActorID)
	assert.Equal(t, "api", stored.Detail["ctx_channel"])
	assert.NotContains(t, stored.Detail, "matched_role")
}

func TestLogDecisionWithoutEnvelopeUsesDefaultStream(t *testing.T) {
	emitter, _ := testEmitter(t)

	stored, err := emitter.LogDecision(context.Background(), nil, denyDecision())
	require.NoError(t, err)

	assert.Equal(t, DefaultStream, stored.Stream)
	assert.Empty(t, stored.MessageID)
	assert.Equal(t, "DENY", stored.Outcome)
}

func TestLogDecisionRequiresDecision(t *testing.T) {
	emitter, _ := testEmitter(t)
	env := testEnvelope(t, testFactory(t))

	_, err := emitter.LogDecision(context.Background(), env, nil)
	assert.Error(t, err)
}

func TestLogAIInteraction(t *testing.T) {
	emitter, _ := testEmitter(t)
	factory := testFactory(t)

	plain := testEnvelope(t, factory)
	_, err := emitter.LogAIInteraction(context.Background(), plain)
	assert.Error(t, err, "envelopes without an ai context cannot be logged as interactions")

	env := testEnvelope(t, factory, envelope.WithAIContext(envelope.AIContext{
		ModelID:        "gpt-9",
		InvocationID:   "inv-001",
		Provider:       "openai",
		PromptDigest:   "sha256:aaaa",
		ResponseDigest: "sha256:bbbb",
		TokensIn:       210,
		TokensOut:      64,
		LatencyMS:      930,
	}))
	stored, err := emitter.LogAIInteraction(context.Background(), env)
	require.NoError(t, err)

	assert.Equal(t, string(EventAIInteraction), stored.EventType)
	assert.Equal(t, "invoke", stored.Action)
	assert.Equal(t, "models/gpt-9", stored.Resource)
	assert.Equal(t, "sha256:aaaa", stored.Detail["prompt_digest"])
	assert.Equal(t, "sha256:bbbb", stored.Detail["response_digest"])
	assert.Equal(t, 210, stored.Detail["tokens_in"])
	assert.Equal(t, int64(930), stored.Detail["latency_ms"])

	// Only digests and counters travel; bodies must never be recorded.
	for key := range stored.Detail {
		assert.NotContains(t, []string{"prompt", "response", "completion"}, key)
	}
}

func TestLogAuthentication(t *testing.T) {
	emitter, _ := testEmitter(t)
	factory := testFactory(t)

	granted, err := emitter.LogAuthentication(context.Background(), testEnvelope(t, factory), true, "token valid")
	require.NoError(t, err)
	assert.Equal(t, "ALLOW", granted.Outcome)
	assert.Equal(t, "authenticate", granted.Action)
	assert.Equal(t, "jwt", granted.Detail["auth_method"])
	assert.Equal(t, "alice", granted.Detail["subject"])

	refused, err := emitter.LogAuthentication(context.Background(), testEnvelope(t, factory), false, "token expired")
	require.NoError(t, err)
	assert.Equal(t, "DENY", refused.Outcome)
	assert.Equal(t, "token expired", refused.Reason)
}

func TestLogConfigChange(t *testing.T) {
	emitter, _ := testEmitter(t)
	env := testEnvelope(t, testFactory(t))

	stored, err := emitter.LogConfigChange(context.Background(), env,
		"rbac.staleness", "sha256:old", "sha256:new")
	require.NoError(t, err)

	assert.Equal(t, string(EventConfigChange), stored.EventType)
	assert.Equal(t, "config/rbac.staleness", stored.Resource)
	assert.Equal(t, "sha256:old", stored.Detail["old_digest"])
	assert.Equal(t, "sha256:new", stored.Detail["new_digest"])

	_, err = emitter.LogConfigChange(context.Background(), env, "", "a", "b")
	assert.Error(t, err)
}

func TestLogLifecycle(t *testing.T) {
	emitter, ch := testEmitter(t)

	stored, err := emitter.LogLifecycle(context.Background(), "billing-service", "registered",
		map[string]any{"lease_id": "lease-9"})
	require.NoError(t, err)

	assert.Equal(t, "billing-service", stored.ActorID)
	assert.Equal(t, "service", stored.ActorKind)
	assert.Equal(t, "registered", stored.Action)
	assert.Equal(t, "services/billing-service", stored.Resource)
	assert.Equal(t, "billing-service", stored.Stream)

	require.NoError(t, ch.Verify(context.Background(), "billing-service"))

	_, err = emitter.LogLifecycle(context.Background(), "", "registered", nil)
	assert.Error(t, err)
	_, err = emitter.LogLifecycle(context.Background(), "billing-service", "", nil)
	assert.Error(t, err)
}

func TestLogRejectedSummarizesViolations(t *testing.T) {
	emitter, _ := testEmitter(t)
	env := testEnvelope(t, testFactory(t))

	serr := &envelope.SchemaError{Violations: []envelope.Violation{
		{Field: "payload.task", Code: "required", Message: "task is required"},
		{Field: "ttl_seconds", Code: "out_of_range", Message: "must be positive"},
	}}

	stored, err := emitter.LogRejected(context.Background(), env, serr)
	require.NoError(t, err)

	assert.Equal(t, string(EventMessageRejected), stored.EventType)
	assert.Equal(t, "DENY", stored.Outcome)
	assert.Equal(t, "schema violation", stored.Reason)
	assert.Equal(t, "orders.task_request", stored.Detail["message_type"])

	violations, ok := stored.Detail["violations"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, violations, 2)
	assert.Equal(t, "payload.task", violations[0]["field"])
	assert.Equal(t, "required", violations[0]["code"])
	// Violation messages and payload contents stay out of the audit trail.
	assert.NotContains(t, violations[0], "message")
	assert.NotContains(t, stored.Detail, "payload")
}

func TestSingleStreamRouting(t *testing.T) {
	emitter, ch := testEmitter(t, WithStreamFunc(SingleStream("compliance")))
	factory := testFactory(t)

	_, err := emitter.LogDecision(context.Background(), testEnvelope(t, factory), allowDecision())
	require.NoError(t, err)
	_, err = emitter.LogLifecycle(context.Background(), "billing-service", "registered", nil)
	require.NoError(t, err)
	_, err = emitter.LogAuthentication(context.Background(), testEnvelope(t, factory), true, "token valid")
	require.NoError(t, err)

	streams, err := ch.Streams(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"compliance"}, streams)

	tip, err := ch.Head(context.Background(), "compliance")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), tip.Sequence)
}

func TestEmittedEventsFormAVerifiableChain(t *testing.T) {
	emitter, ch := testEmitter(t, WithStreamFunc(SingleStream("core")))
	factory := testFactory(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := emitter.LogDecision(ctx, testEnvelope(t, factory), allowDecision())
		require.NoError(t, err)
	}
	_, err := emitter.LogDecision(ctx, testEnvelope(t, factory), denyDecision())
	require.NoError(t, err)

	require.NoError(t, ch.Verify(ctx, "core"))

	var outcomes []string
	cur := ch.Read("core")
	for cur.Next(ctx) {
		outcomes = append(outcomes, cur.Event().Outcome)
	}
	require.NoError(t, cur.Err())
	assert.Equal(t, []string{"ALLOW", "ALLOW", "ALLOW", "ALLOW", "ALLOW", "DENY"}, outcomes)
}
