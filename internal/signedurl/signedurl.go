package signedurl

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"mediajob/internal/domain"
)

// FallbackTTL applies when neither the call nor the issuer names a lifetime.
const FallbackTTL = 30 * time.Second

// Issuer produces time-limited URLs for stored assets.
// A non-positive ttl means the issuer's default lifetime.
type Issuer interface {
	Issue(ctx context.Context, a domain.Asset, ttl time.Duration) (string, error)
}

var (
	ErrNoSecret     = errors.New("signing secret not configured")
	ErrInvalidToken = errors.New("invalid asset token")
)

type assetClaims struct {
	jwt.RegisteredClaims
	Key string `json:"key"`
}

// TokenIssuer signs asset links served by this process with HS256 tokens.
type TokenIssuer struct {
	BaseURL    string
	Secret     []byte
	DefaultTTL time.Duration
	Now        func() time.Time
}

func NewTokenIssuer(baseURL, secret string, defaultTTL time.Duration) *TokenIssuer {
	return &TokenIssuer{BaseURL: strings.TrimRight(baseURL, "/"), Secret: []byte(secret), DefaultTTL: defaultTTL}
}

func (i *TokenIssuer) now() time.Time {
	if i.Now != nil {
		return i.Now()
	}
	return time.Now()
}

func (i *TokenIssuer) lifetime(ttl time.Duration) time.Duration {
	if ttl > 0 {
		return ttl
	}
	if i.DefaultTTL > 0 {
		return i.DefaultTTL
	}
	return FallbackTTL
}

func (i *TokenIssuer) Issue(_ context.Context, a domain.Asset, ttl time.Duration) (string, error) {
	if len(i.Secret) == 0 {
		return "", ErrNoSecret
	}
	if a.ID == "" {
		return "", fmt.Errorf("sign asset: empty id")
	}
	issued := i.now()
	claims := assetClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   a.ID,
			IssuedAt:  jwt.NewNumericDate(issued),
			ExpiresAt: jwt.NewNumericDate(issued.Add(i.lifetime(ttl))),
		},
		Key: a.Key,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.Secret)
	if err != nil {
		return "", fmt.Errorf("sign asset %s: %w", a.ID, err)
	}
	return fmt.Sprintf("%s/assets/%s/%s?token=%s", i.BaseURL, url.PathEscape(a.ID), url.PathEscape(a.Name), url.QueryEscape(token)), nil
}

// Verify checks token against assetID. Any failure, including an
// expired or foreign token, yields ErrInvalidToken.
func (i *TokenIssuer) Verify(token, assetID string) error {
	if len(i.Secret) == 0 {
		return ErrNoSecret
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithSubject(assetID),
		jwt.WithTimeFunc(i.now),
	)
	claims := &assetClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return i.Secret, nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return ErrInvalidToken
	}
	return nil
}

// Signer is a storage backend able to sign its own object URLs.
type Signer interface {
	SignedURL(key string, ttl time.Duration, now time.Time) (string, error)
}

// BucketIssuer delegates to a backend's native signed URLs.
type BucketIssuer struct {
	Signer     Signer
	DefaultTTL time.Duration
	Now        func() time.Time
}

func (i *BucketIssuer) Issue(_ context.Context, a domain.Asset, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = i.DefaultTTL
	}
	if ttl <= 0 {
		ttl = FallbackTTL
	}
	now := time.Now
	if i.Now != nil {
		now = i.Now
	}
	return i.Signer.SignedURL(a.Key, ttl, now())
}
