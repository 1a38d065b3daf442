package security

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

const (
	saltBytes       = 8
	digestSeparator = "$"
)

// HashPassword returns "salt$digest" where salt is random hex and digest is
// hex(SHA-256(password || salt)).
func HashPassword(password string) string {
	salt := newSalt()
	return salt + digestSeparator + digest(password, salt)
}

// VerifyPassword reports whether password matches a value produced by HashPassword.
// Malformed stored values never match.
func VerifyPassword(password, stored string) bool {
	parts := strings.Split(stored, digestSeparator)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return false
	}
	computed := digest(password, parts[0])
	return subtle.ConstantTimeCompare([]byte(computed), []byte(parts[1])) == 1
}

func digest(password, salt string) string {
	sum := sha256.Sum256([]byte(password + salt))
	return hex.EncodeToString(sum[:])
}

func newSalt() string {
	var buf [saltBytes]byte
	// crypto/rand.Read never returns an error on supported platforms.
	_, _ = rand.Read(buf[:])
	return hex.EncodeToString(buf[:])
}
