// Package crypt holds the keyed crypto primitives shared by every
// credential flow: random generation, HMAC-SHA256 hashing, base64url
// codecs, and constant-time comparison.
package crypt

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"io"
	"math/big"
)

const minKeyBytes = 16

// Primitives performs all hashing and random generation for the engine.
// The HMAC key is injected at construction so tests can supply a
// deterministic key; it is never read from global state.
type Primitives struct {
	key []byte
}

// New returns Primitives bound to the given HMAC key.
func New(key []byte) (*Primitives, error) {
	if len(key) < minKeyBytes {
		return nil, errors.New("hmac key must be at least 16 bytes")
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &Primitives{key: k}, nil
}

// RandomBytes returns n cryptographically secure random bytes.
func (p *Primitives) RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, err
	}
	return b, nil
}

// HMACSHA256 computes the keyed HMAC-SHA256 digest of payload.
// Deterministic for fixed key and payload, which is what makes stored
// hashes comparable without persisting the plaintext.
func (p *Primitives) HMACSHA256(payload []byte) [32]byte {
	mac := hmac.New(sha256.New, p.key)
	mac.Write(payload)
	var out [32]byte
	copy(out[:], mac.Sum(nil))
	return out
}

// NumericCode returns a uniformly random zero-padded numeric string of
// the given number of digits.
func (p *Primitives) NumericCode(digits int) (string, error) {
	if digits < 4 || digits > 10 {
		return "", errors.New("invalid code digits")
	}

	buf := make([]byte, 0, digits)
	max := big.NewInt(10)
	for i := 0; i < digits; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		buf = append(buf, byte('0'+n.Int64()))
	}
	return string(buf), nil
}

// Base64URLEncode encodes bytes as unpadded base64url.
func Base64URLEncode(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// Base64URLDecode decodes unpadded or padded base64url text. Malformed
// input reports ok=false instead of an error so callers on untrusted
// paths cannot leak decoder detail.
func Base64URLDecode(s string) ([]byte, bool) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err == nil {
		return b, true
	}
	b, err = base64.URLEncoding.DecodeString(s)
	if err != nil {
		return nil, false
	}
	return b, true
}

// FixedTimeEquals compares two byte slices in constant time. All hash
// comparisons in this module go through here.
func FixedTimeEquals(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
