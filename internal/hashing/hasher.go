package hashing

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
)

var ErrInvalidHash = errors.New("invalid hash format")

// Argon2Params tunes the Argon2id cost for OTP code hashing. Codes are
// short-lived so the parameters lean lighter than password hashing.
type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

func DefaultParams() Argon2Params {
	return Argon2Params{
		Memory:      32 * 1024,
		Iterations:  2,
		Parallelism: 2,
		SaltLength:  16,
		KeyLength:   32,
	}
}

// Hasher produces salted, peppered Argon2id hashes of OTP codes. The
// purpose string is mixed into the hash input so a hash minted for one
// purpose can never match under another.
type Hasher struct {
	params Argon2Params
	pepper string
}

func NewHasher(pepper string) *Hasher {
	return &Hasher{
		params: DefaultParams(),
		pepper: pepper,
	}
}

// HashCode hashes a code with a fresh random salt and returns the hash
// and salt, both base64url encoded.
func (h *Hasher) HashCode(code, purpose string) (hash, salt string, err error) {
	saltBytes := make([]byte, h.params.SaltLength)
	if _, err := rand.Read(saltBytes); err != nil {
		return "", "", fmt.Errorf("failed to generate salt: %w", err)
	}

	digest := argon2.IDKey(
		[]byte(code+h.pepper+purpose),
		saltBytes,
		h.params.Iterations,
		h.params.Memory,
		h.params.Parallelism,
		h.params.KeyLength,
	)

	return base64.RawURLEncoding.EncodeToString(digest),
		base64.RawURLEncoding.EncodeToString(saltBytes),
		nil
}

// VerifyCode recomputes the hash for a submitted code and compares in
// constant time.
func (h *Hasher) VerifyCode(code, purpose, hash, salt string) (bool, error) {
	saltBytes, err := base64.RawURLEncoding.DecodeString(salt)
	if err != nil {
		return false, ErrInvalidHash
	}
	expected, err := base64.RawURLEncoding.DecodeString(hash)
	if err != nil {
		return false, ErrInvalidHash
	}

	computed := argon2.IDKey(
		[]byte(code+h.pepper+purpose),
		saltBytes,
		h.params.Iterations,
		h.params.Memory,
		h.params.Parallelism,
		uint32(len(expected)),
	)

	return subtle.ConstantTimeCompare(computed, expected) == 1, nil
}
