package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"time"
)

// PKCE holds the verifier/challenge pair for an in-flight authorization.
// The state equals the verifier; the provider echoes it back through the
// redirect so the exchange step can bind code to challenge.
type PKCE struct {
	Verifier  string    `json:"verifier"`
	Challenge string    `json:"challenge"`
	State     string    `json:"state"`
	CreatedAt time.Time `json:"created_at"`
}

// GeneratePKCE creates a fresh verifier (32 random bytes, URL-safe base64,
// 43 chars unpadded) and its S256 challenge.
func GeneratePKCE() (*PKCE, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("failed to generate code verifier: %w", err)
	}
	verifier := base64.RawURLEncoding.EncodeToString(b)

	sum := sha256.Sum256([]byte(verifier))
	challenge := base64.RawURLEncoding.EncodeToString(sum[:])

	return &PKCE{
		Verifier:  verifier,
		Challenge: challenge,
		State:     verifier,
		CreatedAt: time.Now(),
	}, nil
}
