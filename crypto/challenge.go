package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"io"
)

// ChallengeSize is the length of an authentication challenge in bytes.
const ChallengeSize = 32

// NewChallenge returns 32 cryptographically random bytes.
func NewChallenge() ([]byte, error) {
	c := make([]byte, ChallengeSize)
	if _, err := io.ReadFull(rand.Reader, c); err != nil {
		return nil, ErrCrypto
	}
	return c, nil
}

// Sign computes the HMAC-SHA256 of challenge under authKey.
func Sign(challenge, authKey []byte) []byte {
	mac := hmac.New(sha256.New, authKey)
	mac.Write(challenge)
	return mac.Sum(nil)
}

// Verify reports whether response is the HMAC of challenge under authKey.
// The comparison is constant time.
func Verify(challenge, response, authKey []byte) bool {
	return hmac.Equal(Sign(challenge, authKey), response)
}
