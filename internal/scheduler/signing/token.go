package signing

import (
	"errors"
	"fmt"
	"time"

	"github.com/cuongbtq/remote-scheduler/internal/scheduler/domain"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Claims is the body of a token-mode credential
type Claims struct {
	Data domain.JobEnvelope `json:"data"`
	jwt.RegisteredClaims
}

// TokenCodec signs and verifies HS256 tokens that embed a job envelope
type TokenCodec struct {
	now func() time.Time
}

// NewTokenCodec creates a codec. A nil now uses time.Now.
func NewTokenCodec(now func() time.Time) *TokenCodec {
	if now == nil {
		now = time.Now
	}
	return &TokenCodec{now: now}
}

// Sign issues a token for env that expires after ttl
func (c *TokenCodec) Sign(env domain.JobEnvelope, key string, ttl time.Duration) (string, error) {
	if key == "" {
		return "", fmt.Errorf("%w: signing key is empty", domain.ErrConfiguration)
	}
	if ttl <= 0 {
		ttl = domain.DefaultTokenTTL
	}

	now := c.now()
	claims := &Claims{
		Data: env,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   env.UUID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(key))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify tries every candidate key in order. A token whose signature matches
// but whose expiry has passed fails with Expired rather than NoMatchingKey.
func (c *TokenCodec) Verify(token string, keys KeySet) (*Claims, error) {
	if token == "" {
		return nil, verificationError(Malformed, fmt.Errorf("token is empty"))
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(c.now),
		jwt.WithExpirationRequired(),
	)

	for _, key := range keys {
		claims := &Claims{}
		_, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
			return []byte(key), nil
		})

		switch {
		case err == nil:
			return claims, nil
		case errors.Is(err, jwt.ErrTokenMalformed):
			return nil, verificationError(Malformed, err)
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			continue
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, verificationError(Expired, err)
		default:
			return nil, verificationError(Malformed, err)
		}
	}
	return nil, verificationError(NoMatchingKey, nil)
}
