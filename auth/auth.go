// Package auth holds the credential derivation shared by server and client:
// the password verifier KDF and the challenge-response MAC.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// Iterations is the PBKDF2 work factor. Changing it invalidates every
	// stored verifier, so both ends must agree.
	Iterations = 10000

	keyLen = 64

	// NonceSize is the length of the server challenge in bytes.
	NonceSize = 64
)

// Verifier derives the stored password verifier: PBKDF2-HMAC-SHA512 over
// the password, salted with the lowercased account name, hex-encoded.
// The client derives the identical value from the entered password, so the
// password itself never crosses the wire.
func Verifier(account, password string) string {
	key := pbkdf2.Key([]byte(password), []byte(strings.ToLower(account)), Iterations, keyLen, sha512.New)
	return hex.EncodeToString(key)
}

// Nonce generates a random challenge.
func Nonce() ([]byte, error) {
	b := make([]byte, NonceSize)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return b, nil
}

// Digest computes the challenge response: HMAC-SHA256 keyed with the
// verifier over the raw nonce bytes.
func Digest(verifier string, nonce []byte) []byte {
	mac := hmac.New(sha256.New, []byte(verifier))
	mac.Write(nonce)
	return mac.Sum(nil)
}

// Equal compares two digests in constant time.
func Equal(a, b []byte) bool {
	return hmac.Equal(a, b)
}
