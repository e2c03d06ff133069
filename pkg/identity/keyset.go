package identity

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"

	"github.com/golang-jwt/jwt/v5"
)

// KeySet signs tokens with the current key and verifies tokens signed with
// any known key (kid header lookup). Key material is always supplied by the
// caller; this package never generates, rotates, or stores keys.
type KeySet interface {
	// Sign creates a signed token with the current active key.
	Sign(ctx context.Context, claims jwt.Claims) (string, error)
	// KeyFunc returns the key for verification based on the token header.
	KeyFunc() jwt.Keyfunc
}

// HMACKeySet signs and verifies with shared secrets (HS256).
type HMACKeySet struct {
	mu         sync.RWMutex
	currentKID string
	secrets    map[string][]byte
}

// NewHMACKeySet creates a key set with one active shared secret.
func NewHMACKeySet(kid string, secret []byte) (*HMACKeySet, error) {
	if kid == "" || len(secret) == 0 {
		return nil, errors.New("kid and secret are required")
	}
	return &HMACKeySet{
		currentKID: kid,
		secrets:    map[string][]byte{kid: secret},
	}, nil
}

// AddVerificationKey registers an additional secret accepted for
// verification only. Lets consumers keep accepting tokens issued under a
// previous secret during a rollover window.
func (ks *HMACKeySet) AddVerificationKey(kid string, secret []byte) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.secrets[kid] = secret
}

// Sign implements KeySet.
func (ks *HMACKeySet) Sign(_ context.Context, claims jwt.Claims) (string, error) {
	ks.mu.RLock()
	kid := ks.currentKID
	secret := ks.secrets[kid]
	ks.mu.RUnlock()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["kid"] = kid
	return token.SignedString(secret)
}

// KeyFunc implements KeySet.
func (ks *HMACKeySet) KeyFunc() jwt.Keyfunc {
	return func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, errors.New("missing kid in header")
		}
		ks.mu.RLock()
		defer ks.mu.RUnlock()
		secret, exists := ks.secrets[kid]
		if !exists {
			return nil, fmt.Errorf("key not found: %s", kid)
		}
		return secret, nil
	}
}

// Ed25519KeySet signs with a supplied Ed25519 private key and verifies with
// the registered public keys.
type Ed25519KeySet struct {
	mu         sync.RWMutex
	currentKID string
	private    ed25519.PrivateKey
	public     map[string]ed25519.PublicKey
}

// NewEd25519KeySet creates a key set around a supplied private key.
func NewEd25519KeySet(kid string, private ed25519.PrivateKey) (*Ed25519KeySet, error) {
	if kid == "" || len(private) != ed25519.PrivateKeySize {
		return nil, errors.New("kid and a valid ed25519 private key are required")
	}
	pub, ok := private.Public().(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("ed25519 private key has no public half")
	}
	return &Ed25519KeySet{
		currentKID: kid,
		private:    private,
		public:     map[string]ed25519.PublicKey{kid: pub},
	}, nil
}

// AddVerificationKey registers an additional public key accepted for
// verification only.
func (ks *Ed25519KeySet) AddVerificationKey(kid string, pub ed25519.PublicKey) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.public[kid] = pub
}

// Sign implements KeySet.
func (ks *Ed25519KeySet) Sign(_ context.Context, claims jwt.Claims) (string, error) {
	ks.mu.RLock()
	kid := ks.currentKID
	key := ks.private
	ks.mu.RUnlock()

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	token.Header["kid"] = kid
	return token.SignedString(key)
}

// KeyFunc implements KeySet.
func (ks *Ed25519KeySet) KeyFunc() jwt.Keyfunc {
	return func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, errors.New("missing kid in header")
		}
		ks.mu.RLock()
		defer ks.mu.RUnlock()
		pub, exists := ks.public[kid]
		if !exists {
			return nil, fmt.Errorf("key not found: %s", kid)
		}
		return pub, nil
	}
}
