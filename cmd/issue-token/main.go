package main

import (
	"fmt"
	"log"
	"os"

	"github.com/troikatech/voice-bridge/pkg/auth"
	"github.com/troikatech/voice-bridge/pkg/env"
)

// Mints a JWT for the protected API, for operators and scripts.
//
// Usage: issue-token <user-id> <email> [role]
func main() {
	cfg, err := env.Load(".env")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if len(os.Args) < 3 {
		log.Fatal("usage: issue-token <user-id> <email> [role]")
	}

	userID := os.Args[1]
	email := os.Args[2]
	role := "operator"
	if len(os.Args) > 3 {
		role = os.Args[3]
	}

	token, expiresAt, err := auth.GenerateAccessToken(
		userID, email, role,
		cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTAudience,
		60,
	)
	if err != nil {
		log.Fatalf("Failed to generate token: %v", err)
	}

	fmt.Println(token)
	fmt.Fprintf(os.Stderr, "expires: %s\n", expiresAt.Format("2006-01-02 15:04:05 MST"))
}
