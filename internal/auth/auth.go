// Package auth validates clinic API keys.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
)

// Credential binds a stored key hash to the clinic it authenticates.
type Credential struct {
	ClinicID string
	KeyHash  string
}

// Authenticator validates API keys and resolves the owning clinic.
type Authenticator struct {
	credentials map[string]Credential // keyhash -> credential
}

// NewAuthenticator creates an authenticator from clinic credentials.
func NewAuthenticator(credentials []Credential) *Authenticator {
	auth := &Authenticator{
		credentials: make(map[string]Credential, len(credentials)),
	}
	for _, cred := range credentials {
		auth.credentials[cred.KeyHash] = cred
	}
	return auth
}

// ValidateAPIKey validates an API key and returns the clinic ID it belongs to.
func (a *Authenticator) ValidateAPIKey(apiKey string) (string, error) {
	keyHash := HashAPIKey(apiKey)

	cred, ok := a.credentials[keyHash]
	if !ok {
		return "", fmt.Errorf("invalid API key")
	}

	// Constant-time comparison to prevent timing attacks
	if subtle.ConstantTimeCompare([]byte(keyHash), []byte(cred.KeyHash)) != 1 {
		return "", fmt.Errorf("invalid API key")
	}
	return cred.ClinicID, nil
}

// ExtractAPIKey extracts the API key from the Authorization header.
func ExtractAPIKey(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", fmt.Errorf("missing Authorization header")
	}

	// Support "Bearer <key>" format
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("invalid Authorization header format")
	}
	if strings.ToLower(parts[0]) != "bearer" {
		return "", fmt.Errorf("unsupported authorization scheme")
	}
	return parts[1], nil
}

// HashAPIKey creates a SHA-256 hash of an API key for storage.
func HashAPIKey(apiKey string) string {
	hash := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(hash[:])
}
