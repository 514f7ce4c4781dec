package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"io"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const passwordSaltSize = 16

// HashPassword produces a salted verifier for checking a locally typed
// password without retaining it. Layout:
// base64(salt) ":" base64(PBKDF2-HMAC-SHA256(pw, salt, 100000, 32)).
// The verifier is local only; it is never sent anywhere and never used as a
// key.
func HashPassword(password []byte) (string, error) {
	salt := make([]byte, passwordSaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", ErrCrypto
	}
	dk := pbkdf2.Key(password, salt, Iterations, KeySize, sha256.New)
	return base64.StdEncoding.EncodeToString(salt) + ":" + base64.StdEncoding.EncodeToString(dk), nil
}

// VerifyPassword recomputes the verifier with the stored salt and compares
// in constant time.
func VerifyPassword(password []byte, stored string) bool {
	salt64, hash64, ok := strings.Cut(stored, ":")
	if !ok {
		return false
	}
	salt, err := base64.StdEncoding.DecodeString(salt64)
	if err != nil {
		return false
	}
	want, err := base64.StdEncoding.DecodeString(hash64)
	if err != nil {
		return false
	}
	got := pbkdf2.Key(password, salt, Iterations, KeySize, sha256.New)
	return hmac.Equal(got, want)
}
