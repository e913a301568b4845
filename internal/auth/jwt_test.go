package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestHashAndCheckPassword(t *testing.T) {
	pwd := "s3cr3t-password"
	hash, err := HashPassword(pwd)
	if err != nil {
		t.Fatalf("HashPassword failed: %v", err)
	}

	if err := CheckPassword(hash, pwd); err != nil {
		t.Fatalf("CheckPassword failed when password should match: %v", err)
	}

	if err := CheckPassword(hash, "wrong"); err == nil {
		t.Fatal("CheckPassword succeeded when it should have failed")
	}
}

func TestJWTManager_GenerateAndVerify(t *testing.T) {
	m := NewJWTManager("test-secret", 5*time.Minute)

	token, expiresAt, err := m.GenerateToken(42, "alice")
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}
	if time.Until(expiresAt) <= 0 {
		t.Fatalf("expiresAt should be in the future: %v", expiresAt)
	}

	claims, err := m.VerifyToken(token)
	if err != nil {
		t.Fatalf("VerifyToken failed: %v", err)
	}

	if claims.UserID != 42 || claims.Username != "alice" || claims.Subject != "42" {
		t.Fatalf("claims mismatch: %+v", claims)
	}
}

func TestJWTManager_NormalizeUsernameClaim(t *testing.T) {
	m := NewJWTManager("test-secret", 5*time.Minute)

	token, _, err := m.GenerateToken(1, "  Bob.Case ")
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}

	claims, err := m.VerifyToken(token)
	if err != nil {
		t.Fatalf("VerifyToken failed: %v", err)
	}

	if claims.Username != "bob.case" {
		t.Fatalf("expected normalized username in claims, got %s", claims.Username)
	}
}

func TestJWTManager_RejectsBadTokens(t *testing.T) {
	m := NewJWTManager("test-secret", 5*time.Minute)
	other := NewJWTManager("other-secret", 5*time.Minute)

	forged, _, err := other.GenerateToken(1, "mallory")
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}
	if _, err := m.VerifyToken(forged); err == nil {
		t.Fatal("token signed with a different secret verified")
	}

	expired := NewJWTManager("test-secret", -time.Minute)
	old, _, err := expired.GenerateToken(1, "alice")
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}
	if _, err := m.VerifyToken(old); err == nil {
		t.Fatal("expired token verified")
	}

	if _, err := m.VerifyToken("not-a-jwt"); err == nil {
		t.Fatal("garbage token verified")
	}

	// alg=none must never be accepted
	none := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{UserID: 1})
	raw, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("SignedString(none) failed: %v", err)
	}
	if _, err := m.VerifyToken(raw); err == nil {
		t.Fatal("unsigned token verified")
	}
}

func TestJWTManager_Rotation(t *testing.T) {
	// create a manager with two keys and active kid "k2"
	keys := map[string]string{"k1": "secret-one", "k2": "secret-two"}
	m := NewJWTManagerFromKeys(keys, "k2", 5*time.Minute)

	// token created with active kid (k2)
	tkn2, _, err := m.GenerateToken(7, "rot")
	if err != nil {
		t.Fatalf("GenerateToken (k2) failed: %v", err)
	}

	// verify works (should pick k2 via kid header)
	if _, err := m.VerifyToken(tkn2); err != nil {
		t.Fatalf("VerifyToken (k2) failed: %v", err)
	}

	// A token from when k1 was active must still verify after rotation.
	mOld := NewJWTManagerFromKeys(keys, "k1", 5*time.Minute)
	tkn1, _, err := mOld.GenerateToken(7, "rot")
	if err != nil {
		t.Fatalf("GenerateToken (k1) failed: %v", err)
	}

	if _, err := m.VerifyToken(tkn1); err != nil {
		t.Fatalf("VerifyToken (old k1) failed: %v", err)
	}

	// Once k1 is retired its tokens stop verifying.
	retired := NewJWTManagerFromKeys(map[string]string{"k2": "secret-two"}, "k2", 5*time.Minute)
	if _, err := retired.VerifyToken(tkn1); err == nil {
		t.Fatal("token signed with retired key verified")
	}
}

func TestNewJWTManagerFromKeys_DefaultsActiveKid(t *testing.T) {
	m := NewJWTManagerFromKeys(map[string]string{"a": "1", "c": "3", "b": "2"}, "", time.Minute)
	if m.activeKid != "c" {
		t.Fatalf("activeKid = %q, want c", m.activeKid)
	}
}
