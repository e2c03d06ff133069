// Package canonical provides deterministic serialization and hashing for
// every integrity-bearing value in the trust substrate: audit events, chain
// links, decision digests, and AI prompt/response fingerprints.
//
// Values are NFC-normalized, canonicalized per RFC 8785 (JSON Canonicalization
// Scheme), and digested with a configurable algorithm. Two values that are
// semantically equal always produce the same hash string, regardless of map
// iteration order, Unicode representation, or whitespace.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/gowebpki/jcs"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/sha3"
	"golang.org/x/text/unicode/norm"
)

// Algorithm identifies a supported digest algorithm.
type Algorithm string

const (
	// SHA256 is the default digest algorithm.
	SHA256 Algorithm = "sha256"
	// SHA3256 selects SHA3-256.
	SHA3256 Algorithm = "sha3-256"
	// BLAKE3 selects BLAKE3 with a 256-bit digest.
	BLAKE3 Algorithm = "blake3"
)

var (
	// ErrUnsupportedAlgorithm is returned for algorithms outside the registry.
	ErrUnsupportedAlgorithm = errors.New("canonical: unsupported digest algorithm")
	// ErrMalformedHash is returned when a hash string is not <alg>:<hex>.
	ErrMalformedHash = errors.New("canonical: malformed hash string")
)

// Canonicalize returns the RFC 8785 canonical JSON form of v with all strings
// and object keys NFC-normalized first. v may be any JSON-representable value,
// including structs with json tags.
func Canonicalize(v any) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: marshal: %w", err)
	}

	var generic any
	dec := json.NewDecoder(bytes.NewReader(intermediate))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonical: decode: %w", err)
	}

	normalized := normalize(generic)

	renorm, err := json.Marshal(normalized)
	if err != nil {
		return nil, fmt.Errorf("canonical: remarshal: %w", err)
	}

	out, err := jcs.Transform(renorm)
	if err != nil {
		return nil, fmt.Errorf("canonical: jcs transform: %w", err)
	}
	return out, nil
}

// normalize applies NFC normalization to every string and object key.
// Numbers stay json.Number so jcs controls their final rendering.
func normalize(v any) any {
	switch t := v.(type) {
	case string:
		return norm.NFC.String(t)
	case []any:
		out := make([]any, len(t))
		for i, elem := range t {
			out[i] = normalize(elem)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[norm.NFC.String(k)] = normalize(val)
		}
		return out
	default:
		return v
	}
}

// Hasher computes hash strings with a fixed algorithm.
type Hasher struct {
	alg Algorithm
}

// NewHasher returns a Hasher for the given algorithm.
func NewHasher(alg Algorithm) (*Hasher, error) {
	switch alg {
	case SHA256, SHA3256, BLAKE3:
		return &Hasher{alg: alg}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, alg)
	}
}

// Algorithm reports the algorithm this Hasher renders hashes with.
func (h *Hasher) Algorithm() Algorithm {
	return h.alg
}

// Hash canonicalizes v and returns its digest as "<alg>:<hex>".
func (h *Hasher) Hash(v any) (string, error) {
	b, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	return h.HashBytes(b), nil
}

// HashBytes digests raw bytes and returns "<alg>:<hex>".
func (h *Hasher) HashBytes(data []byte) string {
	var sum []byte
	switch h.alg {
	case SHA3256:
		d := sha3.Sum256(data)
		sum = d[:]
	case BLAKE3:
		d := blake3.Sum256(data)
		sum = d[:]
	default:
		d := sha256.Sum256(data)
		sum = d[:]
	}
	return string(h.alg) + ":" + hex.EncodeToString(sum)
}

// HashText digests a UTF-8 string after NFC normalization. Used for AI
// prompt/response fingerprints where the raw text never enters the record.
func (h *Hasher) HashText(s string) string {
	return h.HashBytes([]byte(norm.NFC.String(s)))
}

var defaultHasher = &Hasher{alg: SHA256}

// Hash canonicalizes v and digests it with the default algorithm (sha256).
func Hash(v any) (string, error) {
	return defaultHasher.Hash(v)
}

// HashBytes digests raw bytes with the default algorithm (sha256).
func HashBytes(data []byte) string {
	return defaultHasher.HashBytes(data)
}

// ParseHash splits a rendered hash into algorithm and hex digest, validating
// both parts.
func ParseHash(s string) (Algorithm, string, error) {
	idx := strings.IndexByte(s, ':')
	if idx <= 0 || idx == len(s)-1 {
		return "", "", fmt.Errorf("%w: %q", ErrMalformedHash, s)
	}
	alg := Algorithm(s[:idx])
	digest := s[idx+1:]
	switch alg {
	case SHA256, SHA3256, BLAKE3:
	default:
		return "", "", fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, alg)
	}
	if _, err := hex.DecodeString(digest); err != nil {
		return "", "", fmt.Errorf("%w: non-hex digest in %q", ErrMalformedHash, s)
	}
	return alg, digest, nil
}
