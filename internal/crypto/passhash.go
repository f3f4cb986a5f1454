// Package crypto implements server-side password hashing and verification
// for the auth boundary. End-to-end message encryption lives in crypto/e2e.
package crypto

import (
	"crypto/rand"
	"crypto/subtle"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters (tuned for server-side hashing).
const (
	argonTime    uint32 = 3         // iterations
	argonMemory  uint32 = 64 * 1024 // 64 MB
	argonThreads uint8  = 1
	argonKeyLen  uint32 = 32

	saltLen = 16
)

// NewSalt returns a fresh per-user salt.
func NewSalt() ([]byte, error) {
	b := make([]byte, saltLen)
	_, err := rand.Read(b)
	return b, err
}

// HashPassword returns the Argon2id hash of password under salt.
func HashPassword(password, salt []byte) []byte {
	return argon2.IDKey(password, salt, argonTime, argonMemory, argonThreads, argonKeyLen)
}

// VerifyPassword compares password against the stored hash in constant time.
func VerifyPassword(password, salt, expected []byte) bool {
	got := HashPassword(password, salt)
	return subtle.ConstantTimeCompare(got, expected) == 1
}
