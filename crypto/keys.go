// Package crypto implements the primitives shared by the rendezvous server
// and the session manager: password-based key derivation, challenge-response
// signing, authenticated encryption, local password verification and share
// code generation. All functions are pure over byte strings.
package crypto

import (
	"crypto/sha256"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// Iterations is the PBKDF2 iteration count for all derivations.
	Iterations = 100000

	// KeySize is the derived key length in bytes.
	KeySize = 32

	// PurposeAuth derives the HMAC key for challenge-response.
	PurposeAuth = "auth"

	// PurposeEncrypt derives the AES-256-GCM key.
	PurposeEncrypt = "encrypt"
)

// DeriveKey runs PBKDF2-HMAC-SHA256 over password with the effective salt
// "<salt>:<purpose>", producing a 32-byte key.
func DeriveKey(password, salt []byte, purpose string) []byte {
	return DeriveKeyIter(password, salt, purpose, Iterations)
}

// DeriveKeyIter is DeriveKey with an explicit iteration count. All peers of
// a room must agree on the count or their keys will not match.
func DeriveKeyIter(password, salt []byte, purpose string, iterations int) []byte {
	effective := make([]byte, 0, len(salt)+1+len(purpose))
	effective = append(effective, salt...)
	effective = append(effective, ':')
	effective = append(effective, purpose...)
	return pbkdf2.Key(password, effective, iterations, KeySize, sha256.New)
}

// RoomKeys holds the two domain-separated keys a room password yields.
type RoomKeys struct {
	Auth    []byte // HMAC-SHA256 key for challenge-response
	Encrypt []byte // AES-256-GCM key
}

// DeriveRoomKeys derives both room keys, using the canonical room ID string
// as the salt.
func DeriveRoomKeys(password []byte, roomID string) RoomKeys {
	return RoomKeys{
		Auth:    DeriveKey(password, []byte(roomID), PurposeAuth),
		Encrypt: DeriveKey(password, []byte(roomID), PurposeEncrypt),
	}
}

// Zero overwrites both keys in place.
func (k *RoomKeys) Zero() {
	for i := range k.Auth {
		k.Auth[i] = 0
	}
	for i := range k.Encrypt {
		k.Encrypt[i] = 0
	}
}
