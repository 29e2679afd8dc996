package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type jwksFixture struct {
	privateKey *rsa.PrivateKey
	server     *httptest.Server
	requests   int
}

func newJWKSFixture(t *testing.T) *jwksFixture {
	t.Helper()

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}

	fixture := &jwksFixture{privateKey: privateKey}
	jwk := map[string]string{
		"kty": "RSA",
		"alg": "RS256",
		"kid": "test-key",
		"use": "sig",
		"n":   encodeBigInt(privateKey.PublicKey.N),
		"e":   encodeBigInt(privateKey.PublicKey.E),
	}
	fixture.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fixture.requests++
		_ = json.NewEncoder(w).Encode(map[string]any{"keys": []any{jwk}})
	}))
	t.Cleanup(fixture.server.Close)
	return fixture
}

func (f *jwksFixture) signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = "test-key"
	signed, err := token.SignedString(f.privateKey)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func (f *jwksFixture) verifier(t *testing.T) *GoogleVerifier {
	t.Helper()
	verifier, err := NewGoogleVerifier(GoogleVerifierConfig{
		Audience:   "test-client",
		JWKSURL:    f.server.URL,
		HTTPClient: f.server.Client(),
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	return verifier
}

func TestGoogleVerifierValidatesTokenUsingJWKS(t *testing.T) {
	fixture := newJWKSFixture(t)

	now := time.Now().UTC()
	signedToken := fixture.signToken(t, jwt.MapClaims{
		"aud":   "test-client",
		"iss":   "https://accounts.google.com",
		"sub":   "user-123",
		"email": "dana@example.org",
		"name":  "Dana Author",
		"exp":   now.Add(5 * time.Minute).Unix(),
		"iat":   now.Unix(),
	})

	verified, err := fixture.verifier(t).Verify(context.Background(), signedToken)
	if err != nil {
		t.Fatalf("expected verification to succeed: %v", err)
	}
	if verified.Subject != "user-123" {
		t.Fatalf("unexpected subject %s", verified.Subject)
	}
	if verified.Email != "dana@example.org" {
		t.Fatalf("unexpected email %s", verified.Email)
	}
	if verified.DisplayName != "Dana Author" {
		t.Fatalf("unexpected display name %s", verified.DisplayName)
	}
}

func TestGoogleVerifierCachesJWKS(t *testing.T) {
	fixture := newJWKSFixture(t)
	verifier := fixture.verifier(t)

	now := time.Now().UTC()
	for i := 0; i < 3; i++ {
		signedToken := fixture.signToken(t, jwt.MapClaims{
			"aud": "test-client",
			"iss": "https://accounts.google.com",
			"sub": "user-123",
			"exp": now.Add(5 * time.Minute).Unix(),
			"iat": now.Unix(),
		})
		if _, err := verifier.Verify(context.Background(), signedToken); err != nil {
			t.Fatalf("expected verification to succeed: %v", err)
		}
	}
	if fixture.requests != 1 {
		t.Fatalf("expected a single JWKS fetch, got %d", fixture.requests)
	}
}

func TestGoogleVerifierRejectsInvalidAudience(t *testing.T) {
	fixture := newJWKSFixture(t)

	now := time.Now().UTC()
	signedToken := fixture.signToken(t, jwt.MapClaims{
		"aud": "unexpected-client",
		"iss": "https://accounts.google.com",
		"sub": "user-123",
		"exp": now.Add(5 * time.Minute).Unix(),
		"iat": now.Unix(),
	})

	if _, err := fixture.verifier(t).Verify(context.Background(), signedToken); err == nil {
		t.Fatalf("expected verification to fail for mismatched audience")
	}
}

func TestGoogleVerifierRejectsUntrustedIssuer(t *testing.T) {
	fixture := newJWKSFixture(t)

	now := time.Now().UTC()
	signedToken := fixture.signToken(t, jwt.MapClaims{
		"aud": "test-client",
		"iss": "https://evil.example.org",
		"sub": "user-123",
		"exp": now.Add(5 * time.Minute).Unix(),
		"iat": now.Unix(),
	})

	_, err := fixture.verifier(t).Verify(context.Background(), signedToken)
	if !errors.Is(err, errUntrustedIssuer) {
		t.Fatalf("expected untrusted issuer error, got %v", err)
	}
}

func TestGoogleVerifierRejectsExpiredToken(t *testing.T) {
	fixture := newJWKSFixture(t)

	now := time.Now().UTC()
	signedToken := fixture.signToken(t, jwt.MapClaims{
		"aud": "test-client",
		"iss": "https://accounts.google.com",
		"sub": "user-123",
		"exp": now.Add(-5 * time.Minute).Unix(),
		"iat": now.Add(-10 * time.Minute).Unix(),
	})

	if _, err := fixture.verifier(t).Verify(context.Background(), signedToken); err == nil {
		t.Fatalf("expected verification to fail past expiry")
	}
}

func TestGoogleVerifierRejectsEmptyToken(t *testing.T) {
	fixture := newJWKSFixture(t)

	_, err := fixture.verifier(t).Verify(context.Background(), "")
	if !errors.Is(err, errMissingToken) {
		t.Fatalf("expected missing token error, got %v", err)
	}
}

func TestNewGoogleVerifierRequiresAudienceAndJWKS(t *testing.T) {
	_, err := NewGoogleVerifier(GoogleVerifierConfig{JWKSURL: "https://example.com/jwks"})
	if !errors.Is(err, ErrInvalidVerifierConfig) {
		t.Fatalf("expected invalid verifier config error, got %v", err)
	}
	if !strings.Contains(err.Error(), errMissingAudienceConfig.Error()) {
		t.Fatalf("expected audience validation error to be reported, got %v", err)
	}

	_, err = NewGoogleVerifier(GoogleVerifierConfig{Audience: "test-client", JWKSURL: " "})
	if !errors.Is(err, ErrInvalidVerifierConfig) {
		t.Fatalf("expected invalid verifier config error, got %v", err)
	}
	if !strings.Contains(err.Error(), errMissingJWKSURL.Error()) {
		t.Fatalf("expected jwks validation error to be reported, got %v", err)
	}
}

func encodeBigInt(value interface{}) string {
	switch v := value.(type) {
	case *big.Int:
		return base64.RawURLEncoding.EncodeToString(v.Bytes())
	case int:
		return base64.RawURLEncoding.EncodeToString(big.NewInt(int64(v)).Bytes())
	default:
		return ""
	}
}
