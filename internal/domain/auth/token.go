// Package auth verifies the bearer tokens guarding the control-plane
// surfaces. Stored values are argon2id PHC hashes produced by
// `toolgate hash-token`; dev deployments may store the plaintext
// default directly.
package auth

import (
	"crypto/subtle"
	"fmt"
	"strings"

	"github.com/alexedwards/argon2id"
)

// argon2idParams follows the OWASP minimum parameters for Argon2id.
// Memory: 47 MiB, Iterations: 1, Parallelism: 1
var argon2idParams = &argon2id.Params{
	Memory:      47 * 1024,
	Iterations:  1,
	Parallelism: 1,
	SaltLength:  16,
	KeyLength:   32,
}

// HashToken returns an Argon2id hash of the raw token in PHC format.
// Format: $argon2id$v=19$m=48128,t=1,p=1$<salt>$<hash>
func HashToken(raw string) (string, error) {
	return argon2id.CreateHash(raw, argon2idParams)
}

// VerifyToken checks a presented token against the configured value.
// A `$argon2id$` stored value verifies as a PHC hash; anything else is
// treated as a dev-mode plaintext token and compared in constant time.
// An empty stored value never matches.
func VerifyToken(raw, stored string) (bool, error) {
	if stored == "" || raw == "" {
		return false, nil
	}
	if strings.HasPrefix(stored, "$argon2id$") {
		return safeCompare(raw, stored)
	}
	return subtle.ConstantTimeCompare([]byte(raw), []byte(stored)) == 1, nil
}

// safeCompare wraps argon2id.ComparePasswordAndHash with panic recovery.
// The underlying argon2 library panics on malformed hashes with invalid
// parameters (e.g. t=0 rounds), and a corrupt config value must not take
// the server down.
func safeCompare(raw, stored string) (match bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			match = false
			err = fmt.Errorf("invalid argon2id hash parameters: %v", r)
		}
	}()
	return argon2id.ComparePasswordAndHash(raw, stored)
}

// BearerToken extracts the token from an Authorization header value.
// Returns "" when the header is absent or not a Bearer scheme.
func BearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}
