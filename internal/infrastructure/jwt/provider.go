package jwtinfra

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/portal-sync/internal/domain"
)

// Claims holds the identity fields the portal puts in its access tokens.
type Claims struct {
	UserID domain.ID `json:"user_id,omitempty"`
	Name   string    `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// Identity returns the user id, preferring the explicit claim over sub.
func (c *Claims) Identity() domain.ID {
	if c.UserID != "" {
		return c.UserID
	}
	return domain.ID(c.Subject)
}

// Parser extracts claims from bearer tokens. With a public key it verifies
// RS256 signatures; without one it only decodes, leaving verification to the
// API server that issued the token.
type Parser struct {
	publicKey any
}

// NewParser loads the verification key from publicKeyPath when set.
func NewParser(publicKeyPath string) (*Parser, error) {
	if publicKeyPath == "" {
		return &Parser{}, nil
	}
	pubBytes, err := os.ReadFile(publicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}
	pubKey, err := jwt.ParseRSAPublicKeyFromPEM(pubBytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	return &Parser{publicKey: pubKey}, nil
}

// Verifies reports whether Parse checks signatures.
func (p *Parser) Verifies() bool { return p.publicKey != nil }

// Parse returns the claims of tokenStr. A "Bearer " prefix is accepted.
func (p *Parser) Parse(tokenStr string) (*Claims, error) {
	tokenStr = strings.TrimSpace(strings.TrimPrefix(tokenStr, "Bearer "))
	claims := &Claims{}
	if p.publicKey == nil {
		if _, _, err := jwt.NewParser().ParseUnverified(tokenStr, claims); err != nil {
			return nil, fmt.Errorf("decode token: %v: %w", err, domain.ErrUnauthorized)
		}
	} else {
		token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
				return nil, errors.New("unexpected signing method")
			}
			return p.publicKey, nil
		})
		if err != nil {
			return nil, fmt.Errorf("verify token: %v: %w", err, domain.ErrUnauthorized)
		}
		if !token.Valid {
			return nil, fmt.Errorf("verify token: %w", domain.ErrUnauthorized)
		}
	}
	if claims.Identity() == "" {
		return nil, fmt.Errorf("token has no subject: %w", domain.ErrUnauthorized)
	}
	return claims, nil
}
