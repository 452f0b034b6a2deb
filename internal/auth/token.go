package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Identity is the verified subject of a bearer token.
type Identity struct {
	ClientID   string
	TokenID    string
	KeyVersion string
	Scopes     []string
	ExpiresAt  time.Time
}

type tokenClaims struct {
	Scopes []string `json:"scopes,omitempty"`
	jwt.RegisteredClaims
}

// TokenService issues and verifies short-lived bearer tokens. Tokens
// are signed with the key store's current key and carry the key
// version in the JWT kid header, so verification looks up exactly the
// key the token claims and fails closed when that version is gone.
type TokenService struct {
	keys    *KeyStore
	ttl     time.Duration
	nowFunc func() time.Time
}

func NewTokenService(keys *KeyStore, ttl time.Duration) *TokenService {
	return &TokenService{keys: keys, ttl: ttl, nowFunc: time.Now}
}

// SetClock overrides the time source. Tests only; call before any
// concurrent use.
func (s *TokenService) SetClock(now func() time.Time) {
	s.nowFunc = now
}

// TTL is the configured token lifetime.
func (s *TokenService) TTL() time.Duration {
	return s.ttl
}

// Issue signs a fresh token for the client. Callers verify credentials
// first; issuance itself only fails when no signing key exists.
func (s *TokenService) Issue(clientID string, scopes []string) (string, time.Time, error) {
	key, err := s.keys.Current()
	if err != nil {
		return "", time.Time{}, err
	}

	now := s.nowFunc()
	expiry := now.Add(s.ttl)
	claims := &tokenClaims{
		Scopes: scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   clientID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiry),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["kid"] = key.Version

	signed, err := token.SignedString(key.Material)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expiry, nil
}

// Verify decodes and validates a bearer token, returning the identity
// it proves. Errors are always one of the package taxonomy values.
func (s *TokenService) Verify(tokenString string) (*Identity, error) {
	claims := &tokenClaims{}
	var keyVersion string

	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		ver, _ := t.Header["kid"].(string)
		if ver == "" {
			return nil, ErrMalformedToken
		}
		key, err := s.keys.KeyFor(ver)
		if err != nil {
			return nil, err
		}
		keyVersion = ver
		return key.Material, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithTimeFunc(func() time.Time { return s.nowFunc() }))
	if err != nil {
		return nil, mapJWTError(err)
	}

	if claims.Subject == "" || claims.ExpiresAt == nil {
		return nil, ErrMalformedToken
	}

	return &Identity{
		ClientID:   claims.Subject,
		TokenID:    claims.ID,
		KeyVersion: keyVersion,
		Scopes:     claims.Scopes,
		ExpiresAt:  claims.ExpiresAt.Time,
	}, nil
}

func mapJWTError(err error) error {
	switch {
	case errors.Is(err, ErrKeyNotFound):
		return ErrKeyNotFound
	case errors.Is(err, ErrNoKeys):
		return ErrNoKeys
	case errors.Is(err, ErrMalformedToken):
		return ErrMalformedToken
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrTokenExpired
	case errors.Is(err, jwt.ErrTokenMalformed):
		return ErrMalformedToken
	default:
		return ErrBadSignature
	}
}
