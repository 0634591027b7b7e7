package authkit

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
)

const stateByteLength = 32

var stateRandomSource io.Reader = rand.Reader

// newStateToken returns a URL-safe nonce carrying stateByteLength bytes of entropy.
func newStateToken() (string, error) {
	randomBytes := make([]byte, stateByteLength)
	if _, err := io.ReadFull(stateRandomSource, randomBytes); err != nil {
		return "", fmt.Errorf("oauth_state.random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(randomBytes), nil
}

// hashToken derives the storage key fragment for a token so raw tokens never become cache keys.
func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
