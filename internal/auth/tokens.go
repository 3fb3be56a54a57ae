package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const issuer = "knowledge-engine"

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrRevoked      = errors.New("token revoked")
)

// Claims carry the tenant a token is scoped to
type Claims struct {
	TenantID string `json:"tenant_id"`
	jwt.RegisteredClaims
}

// Tokens issues and validates tenant-scoped API tokens. When a redis client
// is set, revoked token ids are kept there until the token would expire.
type Tokens struct {
	secret []byte
	rdb    *redis.Client
}

func NewTokens(secret string, rdb *redis.Client) (*Tokens, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("JWT_SECRET must be at least 32 characters")
	}
	return &Tokens{secret: []byte(secret), rdb: rdb}, nil
}

// Issue signs a token for tenantID valid for ttl
func (t *Tokens) Issue(tenantID string, ttl time.Duration) (string, *Claims, error) {
	if tenantID == "" {
		return "", nil, fmt.Errorf("tenant id is required")
	}
	now := time.Now()
	claims := &Claims{
		TenantID: tenantID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   tenantID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", nil, err
	}
	return signed, claims, nil
}

// Validate parses a token and checks its signature, expiry and revocation
func (t *Tokens) Validate(ctx context.Context, tokenString string) (*Claims, error) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		// Prevent algorithm confusion attacks
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return t.secret, nil
	}, jwt.WithIssuer(issuer))
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.TenantID == "" {
		return nil, fmt.Errorf("%w: no tenant claim", ErrInvalidToken)
	}

	if t.rdb != nil && claims.ID != "" {
		revoked, err := t.rdb.Exists(ctx, revokedKey(claims.ID)).Result()
		if err != nil {
			return nil, fmt.Errorf("revocation check: %w", err)
		}
		if revoked > 0 {
			return nil, ErrRevoked
		}
	}
	return claims, nil
}

// Revoke blocks a token until its expiry
func (t *Tokens) Revoke(ctx context.Context, claims *Claims) error {
	if t.rdb == nil {
		return fmt.Errorf("revocation needs redis")
	}
	ttl := time.Hour
	if claims.ExpiresAt != nil {
		ttl = time.Until(claims.ExpiresAt.Time)
	}
	if ttl <= 0 {
		return nil
	}
	return t.rdb.Set(ctx, revokedKey(claims.ID), claims.TenantID, ttl).Err()
}

func revokedKey(jti string) string {
	return "revoked:" + jti
}
