package identity

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/civicq/askrank/internal/store"
	"github.com/golang-jwt/jwt/v5"
)

var secret = []byte("test-secret-test-secret-32-bytes")

func openDirectory(t *testing.T) *StoreDirectory {
	t.Helper()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return NewStoreDirectory(s)
}

func TestIssueAndValidate(t *testing.T) {
	acct := time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)
	token, exp, err := Issue(secret, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "v1"},
		Role:             RoleVoter,
		Verified:         true,
		AccountAt:        acct.Unix(),
	}, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if time.Until(exp) <= 0 {
		t.Errorf("exp = %v", exp)
	}

	claims, err := Validate(secret, token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	v := claims.Voter()
	if v.ID != "v1" || !v.Verified || !v.CreatedAt.Equal(acct) {
		t.Errorf("voter = %+v", v)
	}
}

func TestValidateRejects(t *testing.T) {
	token, _, _ := Issue(secret, Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "v1"}, Role: RoleVoter}, time.Hour)
	if _, err := Validate([]byte("other-secret"), token); err == nil {
		t.Error("wrong secret accepted")
	}

	expired, _, _ := Issue(secret, Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "v1"}}, -time.Minute)
	if _, err := Validate(secret, expired); err == nil {
		t.Error("expired token accepted")
	}

	anon, _, _ := Issue(secret, Claims{Role: RoleVoter}, time.Hour)
	if _, err := Validate(secret, anon); err == nil || !strings.Contains(err.Error(), "subject") {
		t.Errorf("token without subject: err = %v", err)
	}

	none := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "v1"}})
	unsigned, _ := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if _, err := Validate(secret, unsigned); err == nil {
		t.Error("alg=none accepted")
	}
}

func TestVerifierRecordsVoter(t *testing.T) {
	dir := openDirectory(t)
	ver := NewTokenVerifier(secret, dir)
	vat := time.Now().Add(-time.Hour).Unix()
	token, _, _ := Issue(secret, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "v9"},
		Role:             RoleVoter,
		Verified:         true,
		VerifiedAt:       vat,
	}, time.Hour)

	ctx := context.Background()
	if ok, _ := IsVerifiedVoter(ctx, dir, "v9"); ok {
		t.Fatal("voter verified before any token was seen")
	}
	if _, err := ver.Verify(token); err != nil {
		t.Fatalf("verify: %v", err)
	}
	ok, err := IsVerifiedVoter(ctx, dir, "v9")
	if err != nil {
		t.Fatalf("is verified: %v", err)
	}
	if !ok {
		t.Error("voter should be verified")
	}
	v, _ := dir.Require(ctx, "v9")
	if v.VerifiedAt == nil || v.VerifiedAt.Unix() != vat {
		t.Errorf("verified_at = %v", v.VerifiedAt)
	}
	if _, err := dir.Require(ctx, "ghost"); err != ErrUnknownVoter {
		t.Errorf("ghost: err = %v", err)
	}
}

func TestModeratorTokenNotRecorded(t *testing.T) {
	dir := openDirectory(t)
	ver := NewTokenVerifier(secret, dir)
	token, _, _ := Issue(secret, Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "mod1"}, Role: RoleModerator}, time.Hour)
	claims, err := ver.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.Role != RoleModerator {
		t.Errorf("role = %s", claims.Role)
	}
	if v, _ := dir.Lookup(context.Background(), "mod1"); v != nil {
		t.Errorf("moderator stored as voter: %+v", v)
	}
}
