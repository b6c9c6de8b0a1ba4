// Package token issues and verifies the HMAC-signed bearer tokens that
// clients present to the gateway. Verification is strict: the signing
// method is pinned to the configured algorithm, expiry is mandatory, and
// any parse or claims failure yields the same opaque rejection.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/relaygate/relaygate/internal/config"
)

// Rejection reasons surfaced by Verify. Callers map all of them to the
// same 401 response; the distinction exists for logs and metrics only.
var (
	ErrTokenExpired   = errors.New("token expired")
	ErrTokenInvalid   = errors.New("token invalid")
	ErrTokenMalformed = errors.New("token malformed")
)

// tokenKindAccess is the only token kind the gateway accepts. Refresh or
// other token kinds minted elsewhere with the same secret must not pass.
const tokenKindAccess = "access"

// Claims is the validated claim set extracted from a verified token.
type Claims struct {
	Subject   string
	TokenID   string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// wireClaims is the on-the-wire claim set: registered claims plus the
// token kind.
type wireClaims struct {
	jwt.RegisteredClaims
	Kind string `json:"kind"`
}

// Verifier validates inbound bearer tokens against a shared HMAC secret.
type Verifier struct {
	secret []byte
	method jwt.SigningMethod
	parser *jwt.Parser
}

// NewVerifier builds a Verifier from the auth configuration. The parser
// accepts only the configured algorithm, so an attacker cannot downgrade
// to "none" or swap in a different HMAC variant.
func NewVerifier(cfg config.AuthConfig) (*Verifier, error) {
	method, err := signingMethod(cfg.Algorithm)
	if err != nil {
		return nil, err
	}
	return &Verifier{
		secret: []byte(cfg.Secret.Value()),
		method: method,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{method.Alg()}),
			jwt.WithExpirationRequired(),
		),
	}, nil
}

// Verify parses and validates a raw token string. The returned error is one
// of ErrTokenExpired, ErrTokenMalformed, or ErrTokenInvalid.
func (v *Verifier) Verify(raw string) (*Claims, error) {
	parsed, err := v.parser.ParseWithClaims(raw, &wireClaims{}, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrTokenExpired
		case errors.Is(err, jwt.ErrTokenMalformed):
			return nil, ErrTokenMalformed
		default:
			return nil, ErrTokenInvalid
		}
	}

	wc, ok := parsed.Claims.(*wireClaims)
	if !ok || !parsed.Valid {
		return nil, ErrTokenInvalid
	}
	if wc.Kind != tokenKindAccess {
		return nil, ErrTokenInvalid
	}

	claims := &Claims{
		Subject: wc.Subject,
		TokenID: wc.ID,
	}
	if wc.IssuedAt != nil {
		claims.IssuedAt = wc.IssuedAt.Time
	}
	if wc.ExpiresAt != nil {
		claims.ExpiresAt = wc.ExpiresAt.Time
	}
	return claims, nil
}

// Issuer mints bearer tokens for gateway clients. Primarily used by the
// admin token endpoint and by tests.
type Issuer struct {
	secret   []byte
	method   jwt.SigningMethod
	lifetime time.Duration
	now      func() time.Time
}

// NewIssuer builds an Issuer from the auth configuration.
func NewIssuer(cfg config.AuthConfig) (*Issuer, error) {
	method, err := signingMethod(cfg.Algorithm)
	if err != nil {
		return nil, err
	}
	return &Issuer{
		secret:   []byte(cfg.Secret.Value()),
		method:   method,
		lifetime: config.MustParseDuration(cfg.TokenLifetime, time.Hour),
		now:      time.Now,
	}, nil
}

// Issue creates a signed access token for the given subject with a fresh jti.
func (i *Issuer) Issue(subject string) (string, error) {
	return i.IssueWithLifetime(subject, i.lifetime)
}

// IssueWithLifetime creates a signed token with an explicit lifetime,
// overriding the configured default. A negative lifetime produces an
// already-expired token, which tests use to exercise rejection paths.
func (i *Issuer) IssueWithLifetime(subject string, lifetime time.Duration) (string, error) {
	now := i.now()
	claims := wireClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(lifetime)),
		},
		Kind: tokenKindAccess,
	}
	signed, err := jwt.NewWithClaims(i.method, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

func signingMethod(alg config.SigningAlgorithm) (jwt.SigningMethod, error) {
	switch alg {
	case config.SigningHS256, "":
		return jwt.SigningMethodHS256, nil
	case config.SigningHS384:
		return jwt.SigningMethodHS384, nil
	case config.SigningHS512:
		return jwt.SigningMethodHS512, nil
	default:
		return nil, fmt.Errorf("unsupported signing algorithm %q", alg)
	}
}
