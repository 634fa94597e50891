package linking

import (
	"crypto/subtle"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// Secret is the shared secret presented by the confirming collaborator.
// The configured value may be plaintext or a bcrypt hash.
type Secret struct {
	value  []byte
	hashed bool
}

// NewSecret wraps a configured secret value
func NewSecret(configured string) Secret {
	return Secret{
		value:  []byte(configured),
		hashed: isBcryptHash(configured),
	}
}

// Verify reports whether presented matches the configured secret.
// An empty secret on either side never matches.
func (s Secret) Verify(presented string) bool {
	if len(s.value) == 0 || presented == "" {
		return false
	}
	if s.hashed {
		return bcrypt.CompareHashAndPassword(s.value, []byte(presented)) == nil
	}
	return subtle.ConstantTimeCompare(s.value, []byte(presented)) == 1
}

func isBcryptHash(v string) bool {
	for _, prefix := range []string{"$2a$", "$2b$", "$2y$"} {
		if strings.HasPrefix(v, prefix) {
			return true
		}
	}
	return false
}
