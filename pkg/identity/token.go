package identity

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Mindburn-Labs/neuromesh/pkg/envelope"
)

// Claims extends registered JWT claims with the fields the trust substrate
// asserts about an actor. Roles and scopes in a token are a hint for the
// transport edge; the decision engine always resolves roles from the
// identity source.
type Claims struct {
	jwt.RegisteredClaims
	ActorKind   envelope.ActorKind `json:"actor_kind"`
	DisplayName string             `json:"display_name,omitempty"`
	Roles       []string           `json:"roles,omitempty"`
	Scopes      []string           `json:"scopes,omitempty"`
	DelegatorID string             `json:"delegator_id,omitempty"`
}

// TokenManager issues and verifies the tokens referenced by envelope auth
// contexts.
type TokenManager struct {
	keySet   KeySet
	issuer   string
	audience string
	clock    func() time.Time
}

// NewTokenManager creates a token manager over the supplied key set.
func NewTokenManager(ks KeySet, issuer, audience string) *TokenManager {
	return &TokenManager{
		keySet:   ks,
		issuer:   issuer,
		audience: audience,
		clock:    time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (tm *TokenManager) WithClock(clock func() time.Time) *TokenManager {
	tm.clock = clock
	return tm
}

// Issue creates a signed token for an actor. For AI agents, delegatorID
// names the principal whose authority the agent acts under.
func (tm *TokenManager) Issue(ctx context.Context, actor envelope.Actor, scopes []string, delegatorID string, ttl time.Duration) (string, error) {
	now := tm.clock().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        fmt.Sprintf("jti-%d", now.UnixNano()),
			Subject:   actor.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    tm.issuer,
			Audience:  jwt.ClaimStrings{tm.audience},
		},
		ActorKind:   actor.Kind,
		DisplayName: actor.DisplayName,
		Roles:       actor.Roles,
		Scopes:      scopes,
		DelegatorID: delegatorID,
	}
	return tm.keySet.Sign(ctx, claims)
}

// Verify parses and validates a token string.
func (tm *TokenManager) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, tm.keySet.KeyFunc(),
		jwt.WithIssuer(tm.issuer),
		jwt.WithAudience(tm.audience),
		jwt.WithTimeFunc(func() time.Time { return tm.clock() }),
	)
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenSignatureInvalid
	}
	return claims, nil
}

// AuthContextFromToken verifies a presented token and builds the envelope
// actor and auth context a service stamps on messages at its ingress edge.
func (tm *TokenManager) AuthContextFromToken(tokenString string) (envelope.Actor, envelope.AuthContext, error) {
	claims, err := tm.Verify(tokenString)
	if err != nil {
		return envelope.Actor{}, envelope.AuthContext{}, fmt.Errorf("verify token: %w", err)
	}

	actor := envelope.Actor{
		ID:          claims.Subject,
		Kind:        claims.ActorKind,
		DisplayName: claims.DisplayName,
		Roles:       claims.Roles,
	}
	auth := envelope.AuthContext{
		Subject: claims.Subject,
		Method:  envelope.AuthMethodJWT,
		TokenID: claims.ID,
		Scopes:  claims.Scopes,
	}
	if claims.ExpiresAt != nil {
		t := claims.ExpiresAt.Time
		auth.ExpiresAt = &t
	}
	return actor, auth, nil
}
