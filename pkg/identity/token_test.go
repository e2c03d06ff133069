package identity

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/neuromesh/pkg/envelope"
)

func testTokenManager(t *testing.T) *TokenManager {
	t.Helper()
	ks, err := NewHMACKeySet("k1", []byte("test-secret-of-sufficient-length"))
	require.NoError(t, err)
	return NewTokenManager(ks, "neuromesh.identity", "neuromesh.internal")
}

func TestTokenRoundTrip(t *testing.T) {
	tm := testTokenManager(t)
	actor := envelope.Actor{
		ID:          "agent-7",
		Kind:        envelope.ActorAgent,
		DisplayName: "Summarizer",
		Roles:       []string{"ai_worker"},
	}

	token, err := tm.Issue(context.Background(), actor, []string{"tasks:execute"}, "u-1001", time.Hour)
	require.NoError(t, err)

	claims, err := tm.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "agent-7", claims.Subject)
	assert.Equal(t, envelope.ActorAgent, claims.ActorKind)
	assert.Equal(t, []string{"ai_worker"}, claims.Roles)
	assert.Equal(t, []string{"tasks:execute"}, claims.Scopes)
	assert.Equal(t, "u-1001", claims.DelegatorID)
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	tm := testTokenManager(t)
	issued := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tm.WithClock(func() time.Time { return issued })

	token, err := tm.Issue(context.Background(), envelope.Actor{ID: "u-1", Kind: envelope.ActorUser}, nil, "", time.Minute)
	require.NoError(t, err)

	tm.WithClock(func() time.Time { return issued.Add(2 * time.Minute) })
	_, err = tm.Verify(token)
	assert.Error(t, err)
}

func TestVerifyRejectsForeignIssuer(t *testing.T) {
	ks, err := NewHMACKeySet("k1", []byte("test-secret-of-sufficient-length"))
	require.NoError(t, err)
	issuer := NewTokenManager(ks, "someone-else", "neuromesh.internal")
	verifier := NewTokenManager(ks, "neuromesh.identity", "neuromesh.internal")

	token, err := issuer.Issue(context.Background(), envelope.Actor{ID: "u-1", Kind: envelope.ActorUser}, nil, "", time.Hour)
	require.NoError(t, err)

	_, err = verifier.Verify(token)
	assert.Error(t, err)
}

func TestVerifyRejectsUnknownKID(t *testing.T) {
	ksA, err := NewHMACKeySet("kA", []byte("secret-a-secret-a-secret-a-secret"))
	require.NoError(t, err)
	ksB, err := NewHMACKeySet("kB", []byte("secret-b-secret-b-secret-b-secret"))
	require.NoError(t, err)

	issuer := NewTokenManager(ksA, "neuromesh.identity", "neuromesh.internal")
	verifier := NewTokenManager(ksB, "neuromesh.identity", "neuromesh.internal")

	token, err := issuer.Issue(context.Background(), envelope.Actor{ID: "u-1", Kind: envelope.ActorUser}, nil, "", time.Hour)
	require.NoError(t, err)

	_, err = verifier.Verify(token)
	assert.Error(t, err)
}

func TestHMACRolloverWindow(t *testing.T) {
	old, err := NewHMACKeySet("k-old", []byte("old-secret-old-secret-old-secret"))
	require.NoError(t, err)
	fresh, err := NewHMACKeySet("k-new", []byte("new-secret-new-secret-new-secret"))
	require.NoError(t, err)
	fresh.AddVerificationKey("k-old", []byte("old-secret-old-secret-old-secret"))

	issuer := NewTokenManager(old, "neuromesh.identity", "neuromesh.internal")
	verifier := NewTokenManager(fresh, "neuromesh.identity", "neuromesh.internal")

	token, err := issuer.Issue(context.Background(), envelope.Actor{ID: "u-1", Kind: envelope.ActorUser}, nil, "", time.Hour)
	require.NoError(t, err)

	_, err = verifier.Verify(token)
	assert.NoError(t, err, "tokens under the previous kid should verify during rollover")
}

func TestEd25519RoundTrip(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	ks, err := NewEd25519KeySet("ed1", priv)
	require.NoError(t, err)
	tm := NewTokenManager(ks, "neuromesh.identity", "neuromesh.internal")

	token, err := tm.Issue(context.Background(), envelope.Actor{ID: "svc-router", Kind: envelope.ActorService}, nil, "", time.Hour)
	require.NoError(t, err)

	claims, err := tm.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "svc-router", claims.Subject)
	assert.Equal(t, envelope.ActorService, claims.ActorKind)
}

func TestAuthContextFromToken(t *testing.T) {
	tm := testTokenManager(t)
	actor := envelope.Actor{ID: "u-1001", Kind: envelope.ActorUser, DisplayName: "Dana Ops", Roles: []string{"viewer"}}

	token, err := tm.Issue(context.Background(), actor, []string{"docs:read"}, "", time.Hour)
	require.NoError(t, err)

	gotActor, auth, err := tm.AuthContextFromToken(token)
	require.NoError(t, err)
	assert.Equal(t, actor.ID, gotActor.ID)
	assert.Equal(t, actor.Kind, gotActor.Kind)
	assert.Equal(t, actor.Roles, gotActor.Roles)
	assert.Equal(t, "u-1001", auth.Subject)
	assert.Equal(t, envelope.AuthMethodJWT, auth.Method)
	assert.NotEmpty(t, auth.TokenID)
	require.NotNil(t, auth.ExpiresAt)
	assert.True(t, auth.ExpiresAt.After(time.Now()))
}
