// Package token implements the bearer token scheme the Sampling Bridge
// Server uses to authenticate sandboxed code: one random token minted per
// execution, presented on every request, compared in constant time.
package token

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

// secretBytes is the width of the CSPRNG secret backing a minted token,
// before hex encoding. 32 bytes (256 bits) makes brute force infeasible for
// the lifetime of a single execution.
const secretBytes = 32

// Mint generates a new bearer token: 256 bits of CSPRNG output encoded as 64
// lowercase hex characters.
func Mint() (string, error) {
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("token: read random bytes: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Verify reports whether provided matches expected. The comparison runs in
// constant time with respect to the byte contents so that an attacker probing
// the bearer header cannot learn anything from response latency.
//
// A length mismatch is checked first and short-circuits to false; lengths
// are not secret (a minted token always has the same length), so this branch
// introduces no exploitable timing signal.
func Verify(provided, expected string) bool {
	if len(provided) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) == 1
}
