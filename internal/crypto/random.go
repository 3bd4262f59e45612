package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// StateTokenBytes is the amount of randomness in a state token (256 bits).
const StateTokenBytes = 32

// GenerateSecureToken creates a cryptographically secure random token.
// Returns an unpadded base64 URL-encoded string (43 chars) safe to place in
// a query string without escaping; used for OAuth state parameters.
func GenerateSecureToken() (string, error) {
	b := make([]byte, StateTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
