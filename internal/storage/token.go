package storage

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

const tokenIssuer = "mediaforge"

// minSigningKeyLen is the HS256 key floor.
const minSigningKeyLen = 32

var (
	// ErrInvalidToken covers malformed tokens and bad signatures.
	ErrInvalidToken = errors.New("invalid artifact token")
	// ErrTokenExpired is returned for tokens past their expiry.
	ErrTokenExpired = errors.New("artifact token has expired")
)

// artifactClaims binds a token to one artifact path.
type artifactClaims struct {
	jwt.Claims
	Path string `json:"path"`
}

// TokenSigner issues and checks HS256 artifact download tokens.
type TokenSigner struct {
	key    []byte
	ttl    time.Duration
	signer jose.Signer
	now    func() time.Time
}

// NewTokenSigner builds a signer. Keys shorter than 32 bytes are rejected.
func NewTokenSigner(key []byte, ttl time.Duration) (*TokenSigner, error) {
	if len(key) < minSigningKeyLen {
		return nil, fmt.Errorf("signing key must be at least %d bytes", minSigningKeyLen)
	}
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.HS256, Key: key},
		(&jose.SignerOptions{}).WithType("JWT"))
	if err != nil {
		return nil, fmt.Errorf("creating signer: %w", err)
	}
	return &TokenSigner{key: key, ttl: ttl, signer: signer, now: time.Now}, nil
}

// RandomSigningKey returns a fresh key for deployments that did not
// configure one. Tokens do not survive a restart with a random key.
func RandomSigningKey() []byte {
	key := make([]byte, minSigningKeyLen)
	_, _ = rand.Read(key)
	return key
}

// Sign returns a token for the artifact at relPath.
func (s *TokenSigner) Sign(relPath string) (string, error) {
	now := s.now()
	claims := artifactClaims{
		Claims: jwt.Claims{
			Issuer:   tokenIssuer,
			IssuedAt: jwt.NewNumericDate(now),
			Expiry:   jwt.NewNumericDate(now.Add(s.ttl)),
		},
		Path: relPath,
	}
	token, err := jwt.Signed(s.signer).Claims(claims).Serialize()
	if err != nil {
		return "", fmt.Errorf("signing artifact token: %w", err)
	}
	return token, nil
}

// Verify checks a token and returns the artifact path it grants.
func (s *TokenSigner) Verify(token string) (string, error) {
	if token == "" {
		return "", ErrInvalidToken
	}
	tok, err := jwt.ParseSigned(token, []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	var claims artifactClaims
	if err := tok.Claims(s.key, &claims); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	err = claims.ValidateWithLeeway(jwt.Expected{Issuer: tokenIssuer, Time: s.now()}, 0)
	switch {
	case errors.Is(err, jwt.ErrExpired):
		return "", ErrTokenExpired
	case err != nil:
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	case claims.Path == "":
		return "", fmt.Errorf("%w: missing path", ErrInvalidToken)
	}
	return claims.Path, nil
}
