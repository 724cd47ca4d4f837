// Package auth guards the operator surface (audit trail, dead-letter replay)
// with HS256 bearer tokens.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/noah-isme/backend-paygate/internal/common"
)

// ErrSecretMissing is returned when the signing secret has not been configured.
var ErrSecretMissing = errors.New("auth: signing secret missing")

// MaxTokenLifetime caps how long an operator token may live.
const MaxTokenLifetime = 24 * time.Hour

// Tokens issues and verifies operator tokens.
type Tokens struct {
	secret    []byte
	issuer    string
	audience  string
	validator TokenValidator
	now       func() time.Time
}

// NewTokens builds a token service for the shared HS256 secret.
func NewTokens(secret, issuer, audience string, skew time.Duration) (*Tokens, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, ErrSecretMissing
	}
	return &Tokens{
		secret:   []byte(secret),
		issuer:   issuer,
		audience: audience,
		validator: TokenValidator{
			Issuer:      issuer,
			Audience:    audience,
			ClockSkew:   skew,
			Algorithm:   jwa.HS256,
			MaxLifetime: MaxTokenLifetime,
			Scope:       OperatorScope,
		},
		now: time.Now,
	}, nil
}

// Issue signs an operator token for subject valid for ttl.
func (t *Tokens) Issue(subject string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(subject) == "" {
		return "", errors.New("auth: subject required")
	}
	if ttl <= 0 || ttl > t.validator.MaxLifetime {
		return "", fmt.Errorf("auth: ttl must be within (0, %s]", t.validator.MaxLifetime)
	}
	now := t.now()
	builder := jwt.NewBuilder().
		Subject(subject).
		IssuedAt(now).
		NotBefore(now.Add(-t.validator.ClockSkew)).
		Expiration(now.Add(ttl)).
		Claim(ScopeClaim, t.validator.Scope)
	if t.issuer != "" {
		builder = builder.Issuer(t.issuer)
	}
	if t.audience != "" {
		builder = builder.Audience([]string{t.audience})
	}
	token, err := builder.Build()
	if err != nil {
		return "", err
	}
	signed, err := jwt.Sign(token, jwt.WithKey(jwa.HS256, t.secret))
	if err != nil {
		return "", err
	}
	return string(signed), nil
}

// Parse validates token and returns its subject.
func (t *Tokens) Parse(token string) (string, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return "", common.NewAppError("UNAUTHORIZED", "missing token", http.StatusUnauthorized, nil)
	}
	algorithm, err := extractTokenAlgorithm(trimmed)
	if err != nil {
		return "", common.NewAppError("UNAUTHORIZED", "invalid token", http.StatusUnauthorized, err)
	}
	if algorithm != t.validator.Algorithm {
		return "", common.NewAppError("UNAUTHORIZED", "invalid token", http.StatusUnauthorized, fmt.Errorf("unexpected token algorithm %s", algorithm))
	}
	parsed, err := jwt.ParseString(trimmed, jwt.WithKey(algorithm, t.secret), jwt.WithValidate(false))
	if err != nil {
		return "", common.NewAppError("UNAUTHORIZED", "invalid token", http.StatusUnauthorized, err)
	}
	if err := t.validator.Validate(parsed, algorithm, t.now()); err != nil {
		return "", common.NewAppError("UNAUTHORIZED", "invalid token", http.StatusUnauthorized, err)
	}
	return parsed.Subject(), nil
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
			return "", errors.New("auth: mixed token algorithms detected")
		}
	}
	return algorithm, nil
}
