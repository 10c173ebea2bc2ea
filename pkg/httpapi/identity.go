// Package httpapi exposes the quorum engine over HTTP: request
// submission and voting, lifecycle actions, timeline reads, and
// registry and rule administration.
package httpapi

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ActorExtractor resolves the caller's principal from a request. The
// principal is the voter id for votes, the submitter for submissions,
// and the audit actor everywhere.
type ActorExtractor func(r *http.Request) string

// HeaderActor reads the principal from trusted-proxy headers. Prefers
// X-User-Principal over X-User-Role, falls back to "system".
func HeaderActor(r *http.Request) string {
	if principal := r.Header.Get("X-User-Principal"); principal != "" {
		return principal
	}
	if role := r.Header.Get("X-User-Role"); role != "" {
		return role
	}
	return "system"
}

// JWTConfig configures the JWT-based actor extractor.
type JWTConfig struct {
	// SubjectClaim is the claim path holding the principal. Supports
	// dot-notation for nested claims. Default: "sub".
	SubjectClaim string

	// PublicKeyPath is the PEM-encoded RSA public key for RS256
	// verification. If empty, tokens are parsed but NOT verified
	// (suitable only behind a trusted proxy).
	PublicKeyPath string

	// Issuer is the expected iss claim. Empty skips the check.
	Issuer string

	// Audience is the expected aud claim. Empty skips the check.
	Audience string

	Logger *slog.Logger
}

// JWTConfigFromEnv loads config from QUORUM_JWT_SUBJECT_CLAIM,
// QUORUM_JWT_PUBLIC_KEY, QUORUM_JWT_ISSUER, and QUORUM_JWT_AUDIENCE.
func JWTConfigFromEnv() JWTConfig {
	return JWTConfig{
		SubjectClaim:  os.Getenv("QUORUM_JWT_SUBJECT_CLAIM"),
		PublicKeyPath: os.Getenv("QUORUM_JWT_PUBLIC_KEY"),
		Issuer:        os.Getenv("QUORUM_JWT_ISSUER"),
		Audience:      os.Getenv("QUORUM_JWT_AUDIENCE"),
	}
}

// NewJWTActor creates an ActorExtractor reading the principal from a
// Bearer token. With a public key configured, tokens are verified
// (RS256); without one they are parsed only, for deployments where a
// fronting proxy already validated them. Requests without a usable
// token resolve to "anonymous", which no registry entry should match.
func NewJWTActor(cfg JWTConfig) (ActorExtractor, error) {
	if cfg.SubjectClaim == "" {
		cfg.SubjectClaim = "sub"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	var publicKey *rsa.PublicKey
	if cfg.PublicKeyPath != "" {
		keyData, err := os.ReadFile(cfg.PublicKeyPath)
		if err != nil {
			return nil, fmt.Errorf("read JWT public key from %s: %w", cfg.PublicKeyPath, err)
		}
		block, _ := pem.Decode(keyData)
		if block == nil {
			return nil, fmt.Errorf("decode PEM block from %s", cfg.PublicKeyPath)
		}
		parsedKey, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse public key: %w", err)
		}
		rsaKey, ok := parsedKey.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("public key is not RSA (got %T)", parsedKey)
		}
		publicKey = rsaKey
		cfg.Logger.Info("JWT actor extractor: RS256 verification enabled", "keyPath", cfg.PublicKeyPath)
	} else {
		cfg.Logger.Warn("JWT actor extractor: no public key configured, tokens parsed without verification")
	}

	return func(r *http.Request) string {
		token := extractBearerToken(r)
		if token == "" {
			return "anonymous"
		}
		claims, err := parseJWTClaims(token, publicKey, cfg)
		if err != nil {
			cfg.Logger.Debug("JWT parse failed", "error", err)
			return "anonymous"
		}
		subject := claimString(claims, cfg.SubjectClaim)
		if subject == "" {
			return "anonymous"
		}
		return subject
	}, nil
}

// extractBearerToken pulls the token from "Authorization: Bearer <token>".
func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// parseJWTClaims parses and optionally verifies a token.
func parseJWTClaims(tokenString string, publicKey *rsa.PublicKey, cfg JWTConfig) (jwt.MapClaims, error) {
	parserOpts := []jwt.ParserOption{}
	if cfg.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(cfg.Audience))
	}

	var token *jwt.Token
	var err error
	if publicKey != nil {
		token, err = jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return publicKey, nil
		}, parserOpts...)
	} else {
		parser := jwt.NewParser(parserOpts...)
		token, _, err = parser.ParseUnverified(tokenString, jwt.MapClaims{})
	}
	if err != nil {
		return nil, fmt.Errorf("JWT parse error: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("unexpected claims type")
	}
	return claims, nil
}

// claimString walks a dot-notation claim path and returns its string
// value, or "" when the path is missing or not a string.
func claimString(claims jwt.MapClaims, claimPath string) string {
	parts := strings.Split(claimPath, ".")
	var current interface{} = map[string]interface{}(claims)
	for _, part := range parts {
		m, ok := current.(map[string]interface{})
		if !ok {
			return ""
		}
		current, ok = m[part]
		if !ok {
			return ""
		}
	}
	if s, ok := current.(string); ok {
		return s
	}
	return ""
}
