package jwtinfra

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/portal-sync/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePublicKey(t *testing.T, key *rsa.PrivateKey) string {
	t.Helper()
	pubBytes, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	p := filepath.Join(t.TempDir(), "public.pem")
	require.NoError(t, os.WriteFile(p, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes}), 0600))
	return p
}

func signRS256(t *testing.T, key *rsa.PrivateKey, claims *Claims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	require.NoError(t, err)
	return s
}

func TestParse_UnverifiedDecodesClaims(t *testing.T) {
	p, err := NewParser("")
	require.NoError(t, err)
	assert.False(t, p.Verifies())

	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		Name:             "Ana",
		RegisteredClaims: jwt.RegisteredClaims{Subject: "7"},
	}).SignedString([]byte("whatever"))
	require.NoError(t, err)

	claims, err := p.Parse("Bearer " + tok)

	require.NoError(t, err)
	assert.Equal(t, domain.ID("7"), claims.Identity())
	assert.Equal(t, "Ana", claims.Name)
}

func TestParse_UserIDClaimWinsOverSubject(t *testing.T) {
	p, _ := NewParser("")
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":     "abc",
		"user_id": 42,
	}).SignedString([]byte("k"))
	require.NoError(t, err)

	claims, err := p.Parse(tok)

	require.NoError(t, err)
	assert.Equal(t, domain.ID("42"), claims.Identity())
}

func TestParse_RejectsGarbage(t *testing.T) {
	p, _ := NewParser("")

	_, err := p.Parse("not-a-token")

	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestParse_RequiresIdentity(t *testing.T) {
	p, _ := NewParser("")
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"name": "anon"}).SignedString([]byte("k"))
	require.NoError(t, err)

	_, err = p.Parse(tok)

	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestParse_VerifiesRS256(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	p, err := NewParser(writePublicKey(t, key))
	require.NoError(t, err)
	assert.True(t, p.Verifies())

	good := signRS256(t, key, &Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "7",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}})
	claims, err := p.Parse(good)
	require.NoError(t, err)
	assert.Equal(t, domain.ID("7"), claims.Identity())

	expired := signRS256(t, key, &Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "7",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
	}})
	_, err = p.Parse(expired)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestParse_RejectsForeignKeyAndAlgorithm(t *testing.T) {
	key, _ := rsa.GenerateKey(rand.Reader, 2048)
	other, _ := rsa.GenerateKey(rand.Reader, 2048)
	p, err := NewParser(writePublicKey(t, key))
	require.NoError(t, err)

	forged := signRS256(t, other, &Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "7"}})
	_, err = p.Parse(forged)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	hs, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "7"}}).SignedString([]byte("k"))
	require.NoError(t, err)
	_, err = p.Parse(hs)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestNewParser_MissingKeyFile(t *testing.T) {
	_, err := NewParser(filepath.Join(t.TempDir(), "absent.pem"))
	assert.Error(t, err)
}
