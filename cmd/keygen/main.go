package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/atlasvet/clinical-ai-gateway/internal/auth"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run cmd/keygen/main.go <clinic-id> [api-key]")
		fmt.Println("Generates an API key for a clinic, or hashes the one provided.")
		os.Exit(1)
	}

	clinicID := os.Args[1]

	var apiKey string
	if len(os.Args) > 2 {
		apiKey = os.Args[2]
	} else {
		buf := make([]byte, 24)
		if _, err := rand.Read(buf); err != nil {
			fmt.Fprintf(os.Stderr, "failed to generate key: %v\n", err)
			os.Exit(1)
		}
		apiKey = "vet-" + hex.EncodeToString(buf)
	}

	fmt.Printf("Clinic ID: %s\n", clinicID)
	fmt.Printf("API Key: %s\n", apiKey)
	fmt.Printf("SHA-256 Hash: %s\n", auth.HashAPIKey(apiKey))
	fmt.Println("\nAdd this to the server environment:")
	fmt.Printf("  VETAI_AUTH_KEYS=%s:%s\n", clinicID, apiKey)
}
