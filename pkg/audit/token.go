// Package audit implements the Token & Audit Primitives (C2): 256-bit
// approval tokens and the tamper-evident hash chain used by the Approval
// Service. Both are purely functional — no I/O, no shared state — so they
// are ported straight rather than adapted to any particular storage shape.
package audit

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"regexp"
)

const tokenPrefix = "cortex_apr_1_"

// tokenFormat matches exactly cortex_apr_1_ followed by the URL-safe
// base64 (no padding) alphabet, sized for a 32-byte payload: ceil(32*4/3) = 43 chars.
var tokenFormat = regexp.MustCompile(`^cortex_apr_1_[A-Za-z0-9_-]{43}$`)

// ErrInvalidTokenFormat is returned when a plaintext token does not match
// the expected prefix/version/base64-alphabet shape.
var ErrInvalidTokenFormat = errors.New("invalid approval token format")

// GenerateApprovalToken samples 32 bytes from a CSPRNG and returns the
// plaintext token alongside the lowercase hex SHA-256 digest that should be
// persisted as token_hash. Two distinct calls produce distinct plaintexts
// and distinct hashes with overwhelming probability (2^-256).
func GenerateApprovalToken() (plaintext string, tokenHash string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", err
	}
	plaintext = tokenPrefix + base64.RawURLEncoding.EncodeToString(buf)
	return plaintext, HashToken(plaintext), nil
}

// HashToken returns the lowercase 64-char hex SHA-256 digest of a plaintext
// token. Deterministic: the same plaintext always yields the same hash.
func HashToken(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// IsValidTokenFormat reports whether s has the exact shape produced by
// GenerateApprovalToken, without hitting the store. Rejecting malformed
// input here avoids a wasted hash + lookup round trip.
func IsValidTokenFormat(s string) bool {
	return tokenFormat.MatchString(s)
}

// ConstantTimeEqualHash compares two hex token hashes in constant time,
// for callers that hold a candidate hash rather than a plaintext to
// re-derive and compare via HashToken.
func ConstantTimeEqualHash(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
