package identity

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type Role string

const (
	RoleVoter     Role = "voter"
	RoleModerator Role = "moderator"
)

// Claims are the JWT claims issued by the identity service. Subject is the
// voter id.
type Claims struct {
	jwt.RegisteredClaims
	Role        Role   `json:"role"`
	Verified    bool   `json:"verified,omitempty"`
	AccountAt   int64  `json:"acct,omitempty"` // unix seconds
	VerifiedAt  int64  `json:"vat,omitempty"`  // unix seconds
	Fingerprint string `json:"fp,omitempty"`
}

// Voter converts the claims into a directory record.
func (c *Claims) Voter() *Voter {
	v := &Voter{ID: c.Subject, Verified: c.Verified}
	if c.AccountAt > 0 {
		v.CreatedAt = time.Unix(c.AccountAt, 0).UTC()
	} else if c.IssuedAt != nil {
		v.CreatedAt = c.IssuedAt.Time.UTC()
	}
	if c.VerifiedAt > 0 {
		t := time.Unix(c.VerifiedAt, 0).UTC()
		v.VerifiedAt = &t
	}
	return v
}

// Issue signs a token. Production tokens come from the identity service;
// this is used by tests and the local CLI.
func Issue(secret []byte, claims Claims, ttl time.Duration) (string, time.Time, error) {
	now := time.Now()
	exp := now.Add(ttl)
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(exp)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign jwt: %w", err)
	}
	return signed, exp, nil
}

// Validate verifies a token and returns its claims.
func Validate(secret []byte, tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse jwt: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid jwt claims")
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("jwt has no subject")
	}
	return claims, nil
}

// TokenVerifier validates bearer tokens and records the voter they describe
// so that later lookups see tenure and verification.
type TokenVerifier struct {
	secret []byte
	dir    *StoreDirectory
}

func NewTokenVerifier(secret []byte, dir *StoreDirectory) *TokenVerifier {
	return &TokenVerifier{secret: secret, dir: dir}
}

func (v *TokenVerifier) Verify(token string) (*Claims, error) {
	claims, err := Validate(v.secret, token)
	if err != nil {
		return nil, err
	}
	if claims.Role == RoleVoter && v.dir != nil {
		if err := v.dir.Record(claims.Voter()); err != nil {
			return nil, fmt.Errorf("record voter: %w", err)
		}
	}
	return claims, nil
}
