package auth

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestIssueAndParseToken(t *testing.T) {
	secret := []byte("test-secret")
	claims := Claims{
		Sub:   "user-1",
		Name:  "Harriet",
		Admin: true,
		JTI:   "jti-1",
		Exp:   time.Now().Add(time.Hour).Unix(),
	}

	token, err := IssueToken(secret, claims)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}

	parsed, err := ParseToken(secret, token)
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}
	if parsed.Sub != claims.Sub || parsed.Name != claims.Name || parsed.JTI != claims.JTI {
		t.Fatalf("round-trip claims mismatch: %+v", parsed)
	}
	if !parsed.Admin {
		t.Fatal("expected admin flag to survive round-trip")
	}
}

func TestParseTokenRejectsWrongSecret(t *testing.T) {
	claims := Claims{Sub: "user-1", Name: "Harriet", JTI: "jti-1", Exp: time.Now().Add(time.Hour).Unix()}
	token, err := IssueToken([]byte("secret-a"), claims)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	if _, err := ParseToken([]byte("secret-b"), token); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestParseTokenRejectsExpired(t *testing.T) {
	claims := Claims{Sub: "user-1", Name: "Harriet", JTI: "jti-1", Exp: time.Now().Add(-time.Minute).Unix()}
	token, err := IssueToken([]byte("secret"), claims)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	if _, err := ParseToken([]byte("secret"), token); err != ErrExpiredToken {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}
}

func TestParseTokenRejectsGarbage(t *testing.T) {
	if _, err := ParseToken([]byte("secret"), "not-a-token"); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestParseTokenRejectsTamperedPayload(t *testing.T) {
	secret := []byte("secret")
	claims := Claims{Sub: "user-1", Name: "Harriet", JTI: "jti-1", Exp: time.Now().Add(time.Hour).Unix()}
	token, err := IssueToken(secret, claims)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}

	forged := Claims{Sub: "user-2", Name: "Mallory", JTI: "jti-2", Exp: claims.Exp}
	forgedBytes, _ := json.Marshal(forged)
	payload := base64.RawURLEncoding.EncodeToString(forgedBytes)
	signature := strings.SplitN(token, ".", 2)[1]

	if _, err := ParseToken(secret, payload+"."+signature); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken for tampered payload, got %v", err)
	}
}
