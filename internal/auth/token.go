package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/noah-isme/pos-fulfillment/internal/common"
)

// RoleAdmin is the role claim required by operator endpoints.
const RoleAdmin = "admin"

// Claims is what operator endpoints need from a bearer token.
type Claims struct {
	Subject string
	Role    string
}

// DefaultMaxLifetime bounds exp-iat on accepted tokens.
const DefaultMaxLifetime = 12 * time.Hour

// Verifier checks HS256 operator tokens signed with a shared secret.
type Verifier struct {
	Secret []byte
	// Issuer, when set, must match the iss claim.
	Issuer      string
	ClockSkew   time.Duration
	MaxLifetime time.Duration
	Now         func() time.Time
}

// NewVerifier builds a Verifier for secret, optionally pinned to issuer.
func NewVerifier(secret, issuer string) Verifier {
	return Verifier{
		Secret:      []byte(secret),
		Issuer:      issuer,
		ClockSkew:   30 * time.Second,
		MaxLifetime: DefaultMaxLifetime,
	}
}

func (v Verifier) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now()
}

// validate checks the registered claims of a token whose signature has
// already been verified. sub, exp and iat are mandatory.
func (v Verifier) validate(tok jwt.Token) error {
	now := v.now()
	opts := []jwt.ValidateOption{
		jwt.WithClock(jwt.ClockFunc(func() time.Time { return now })),
		jwt.WithAcceptableSkew(v.ClockSkew),
		jwt.WithRequiredClaim(jwt.SubjectKey),
		jwt.WithRequiredClaim(jwt.ExpirationKey),
		jwt.WithRequiredClaim(jwt.IssuedAtKey),
	}
	if v.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.Issuer))
	}
	if v.MaxLifetime > 0 {
		opts = append(opts, jwt.WithValidator(jwt.ValidatorFunc(func(_ context.Context, t jwt.Token) jwt.ValidationError {
			if t.Expiration().Sub(t.IssuedAt()) > v.MaxLifetime {
				return jwt.NewValidationError(fmt.Errorf("auth: token lifetime exceeds %s", v.MaxLifetime))
			}
			return nil
		})))
	}
	return jwt.Validate(tok, opts...)
}

// Parse verifies the signature and registered claims and returns the subject
// and role.
func (v Verifier) Parse(token string) (Claims, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return Claims{}, common.NewAppError("UNAUTHORIZED", "missing token", http.StatusUnauthorized, nil)
	}
	if len(v.Secret) == 0 {
		return Claims{}, common.NewAppError("UNAUTHORIZED", "operator access disabled", http.StatusUnauthorized, errors.New("auth: secret not configured"))
	}
	algorithm, err := extractTokenAlgorithm(trimmed)
	if err != nil {
		return Claims{}, common.NewAppError("UNAUTHORIZED", "invalid token", http.StatusUnauthorized, err)
	}
	if algorithm != jwa.HS256 {
		return Claims{}, common.NewAppError("UNAUTHORIZED", "invalid token", http.StatusUnauthorized, fmt.Errorf("unexpected token algorithm %s", algorithm))
	}
	parsed, err := jwt.ParseString(trimmed, jwt.WithKey(algorithm, v.Secret), jwt.WithValidate(false))
	if err != nil {
		return Claims{}, common.NewAppError("UNAUTHORIZED", "invalid token", http.StatusUnauthorized, err)
	}
	if err := v.validate(parsed); err != nil {
		return Claims{}, common.NewAppError("UNAUTHORIZED", "invalid token", http.StatusUnauthorized, err)
	}
	claims := Claims{Subject: parsed.Subject()}
	if raw, ok := parsed.Get("role"); ok {
		claims.Role, _ = raw.(string)
	}
	return claims, nil
}

// Issue signs an operator token. opsctl uses it to mint short-lived tokens.
func Issue(secret, issuer, subject, role string, ttl time.Duration, now time.Time) (string, error) {
	builder := jwt.NewBuilder().
		Subject(subject).
		IssuedAt(now).
		NotBefore(now).
		Expiration(now.Add(ttl)).
		Claim("role", role)
	if issuer != "" {
		builder = builder.Issuer(issuer)
	}
	token, err := builder.Build()
	if err != nil {
		return "", err
	}
	signed, err := jwt.Sign(token, jwt.WithKey(jwa.HS256, []byte(secret)))
	if err != nil {
		return "", err
	}
	return string(signed), nil
}

func extractTokenAlgorithm(token string) (jwa.SignatureAlgorithm, error) {
	message, err := jws.ParseString(token)
	if err != nil {
		return "", err
	}
	signatures := message.Signatures()
	if len(signatures) == 0 {
		return "", errors.New("auth: token contains no signatures")
	}
	var algorithm jwa.SignatureAlgorithm
	for _, sig := range signatures {
		headers := sig.ProtectedHeaders()
		if headers == nil {
			return "", errors.New("auth: token missing protected headers")
		}
		alg := headers.Algorithm()
		if alg == "" {
			return "", errors.New("auth: token missing algorithm")
		}
		if alg == jwa.NoSignature {
			return "", errors.New("auth: token uses none algorithm")
		}
		if algorithm == "" {
			algorithm = alg
		} else if algorithm != alg {
			return "", fmt.Errorf("auth: mixed token algorithms detected")
		}
	}
	return algorithm, nil
}
