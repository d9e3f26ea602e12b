package usertoken

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
	"sync/atomic"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

func TestNewVerifierRequiresKeySource(t *testing.T) {
	if _, err := NewVerifier(Config{}); err == nil {
		t.Fatalf("expected missing jwks url and secret to fail")
	}
}

func TestJWKSVerifyAndRefreshOnUnknownKid(t *testing.T) {
	key1, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key1: %v", err)
	}
	key2, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key2: %v", err)
	}

	var active atomic.Value
	active.Store("kid-1")
	var fetches atomic.Int32
	jwksServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fetches.Add(1)
		kid := active.Load().(string)
		pub := key1.PublicKey
		if kid == "kid-2" {
			pub = key2.PublicKey
		}
		w.Header().Set("Cache-Control", "public, max-age=300")
		_ = json.NewEncoder(w).Encode(map[string]any{"keys": []map[string]string{toJWK(kid, pub)}})
	}))
	defer jwksServer.Close()

	v, err := NewVerifier(Config{JWKSURL: jwksServer.URL, Issuer: "issuer-a", Audience: "aud-a"})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	if fetches.Load() != 0 {
		t.Fatalf("keys must load lazily, fetches=%d", fetches.Load())
	}

	signed1 := signRS256(t, key1, "kid-1", sessionClaims{
		Email:            "a@example.com",
		RegisteredClaims: registered("user-a", "issuer-a", "aud-a", time.Now()),
	})
	id, err := v.Verify(context.Background(), signed1)
	if err != nil || id.Subject != "user-a" || id.Email != "a@example.com" {
		t.Fatalf("verify token1 failed: id=%+v err=%v", id, err)
	}

	active.Store("kid-2")
	signed2 := signRS256(t, key2, "kid-2", sessionClaims{
		RegisteredClaims: registered("user-b", "issuer-a", "aud-a", time.Now()),
	})
	if id, err := v.Verify(context.Background(), signed2); err != nil || id.Subject != "user-b" {
		t.Fatalf("verify token2 failed: id=%+v err=%v", id, err)
	}
	if fetches.Load() != 2 {
		t.Fatalf("fetches = %d, want 2", fetches.Load())
	}
}

func TestJWKSRejectsFutureIssuedAt(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	jwksServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"keys": []map[string]string{toJWK("kid-1", key.PublicKey)}})
	}))
	defer jwksServer.Close()

	v, err := NewVerifier(Config{JWKSURL: jwksServer.URL, Audience: "aud-a", Leeway: 5 * time.Second})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	signed := signRS256(t, key, "kid-1", sessionClaims{
		RegisteredClaims: registered("user-1", "", "aud-a", time.Now().Add(2*time.Minute)),
	})
	if _, err := v.Verify(context.Background(), signed); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected future iat token to fail, got %v", err)
	}
}

func TestSecretVerify(t *testing.T) {
	v, err := NewVerifier(Config{Secret: "shared-secret"})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, sessionClaims{
		Email:            "b@example.com",
		RegisteredClaims: registered("user-b", "", defaultAudience, time.Now()),
	})
	signed, err := token.SignedString([]byte("shared-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	id, err := v.Verify(context.Background(), signed)
	if err != nil || id.Subject != "user-b" || id.Email != "b@example.com" {
		t.Fatalf("verify failed: id=%+v err=%v", id, err)
	}

	wrong, _ := token.SignedString([]byte("other-secret"))
	if _, err := v.Verify(context.Background(), wrong); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected wrong secret to fail, got %v", err)
	}
	if _, err := v.Verify(context.Background(), "  "); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected empty token to fail, got %v", err)
	}
}

func TestSecretVerifyRejectsMissingExpiry(t *testing.T) {
	v, _ := NewVerifier(Config{Secret: "shared-secret"})
	claims := registered("user-c", "", defaultAudience, time.Now())
	claims.ExpiresAt = nil
	signed, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, sessionClaims{RegisteredClaims: claims}).SignedString([]byte("shared-secret"))
	if _, err := v.Verify(context.Background(), signed); err == nil {
		t.Fatalf("expected token without exp to fail")
	}
}

func TestParseCacheMaxAge(t *testing.T) {
	if got := parseCacheMaxAge("public, max-age=60"); got != time.Minute {
		t.Fatalf("max-age = %v", got)
	}
	if got := parseCacheMaxAge("no-cache"); got != 0 {
		t.Fatalf("expected 0, got %v", got)
	}
}

func registered(subject, issuer, audience string, issuedAt time.Time) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    issuer,
		Audience:  jwt.ClaimStrings{audience},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		IssuedAt:  jwt.NewNumericDate(issuedAt),
		NotBefore: jwt.NewNumericDate(time.Now().Add(-time.Second)),
	}
}

func signRS256(t *testing.T, key *rsa.PrivateKey, kid string, claims sessionClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func toJWK(kid string, key rsa.PublicKey) map[string]string {
	return map[string]string{
		"kty": "RSA",
		"kid": kid,
		"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
		"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
	}
}
