package auth

import (
	"testing"

	"ragline.dev/ragline/internal/config"
)

func TestJWTRoundTrip(t *testing.T) {
	config.AppConfig.JWTSecret = "test-secret"

	token, err := GenerateJWT("alice")
	if err != nil {
		t.Fatalf("GenerateJWT() error = %v", err)
	}

	username, err := ValidateJWT(token)
	if err != nil {
		t.Fatalf("ValidateJWT() error = %v", err)
	}
	if username != "alice" {
		t.Errorf("username = %q, want alice", username)
	}
}

func TestValidateJWTRejectsTampering(t *testing.T) {
	config.AppConfig.JWTSecret = "test-secret"
	token, _ := GenerateJWT("alice")

	if _, err := ValidateJWT(token + "x"); err == nil {
		t.Error("tampered token should be rejected")
	}
	if _, err := ValidateJWT("not.a.token"); err == nil {
		t.Error("malformed token should be rejected")
	}

	// A token signed under a different secret must not validate.
	config.AppConfig.JWTSecret = "other-secret"
	if _, err := ValidateJWT(token); err == nil {
		t.Error("token signed with a different secret should be rejected")
	}
}

func TestPasswordHashing(t *testing.T) {
	hash, err := HashPassword("s3cret")
	if err != nil {
		t.Fatalf("HashPassword() error = %v", err)
	}
	if hash == "s3cret" {
		t.Error("hash must not equal the plaintext")
	}
	if !CheckPasswordHash("s3cret", hash) {
		t.Error("correct password should verify")
	}
	if CheckPasswordHash("wrong", hash) {
		t.Error("wrong password should not verify")
	}
}
