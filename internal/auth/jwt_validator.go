package auth

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// ScopeClaim is the private claim listing space-separated operator scopes.
const ScopeClaim = "scope"

// OperatorScope grants access to the admin surface.
const OperatorScope = "paygate:operator"

// TokenValidator is the policy an operator token must satisfy once its
// signature has been checked.
type TokenValidator struct {
	Issuer    string
	Audience  string
	ClockSkew time.Duration
	Algorithm jwa.SignatureAlgorithm
	// MaxLifetime rejects tokens whose exp is further than this from iat.
	// Zero disables the check.
	MaxLifetime time.Duration
	// Scope must appear in the scope claim when set.
	Scope string
}

// Validate checks algorithm, registered claims, subject, lifetime and scope.
func (v TokenValidator) Validate(tok jwt.Token, algorithm jwa.SignatureAlgorithm, now time.Time) error {
	if tok == nil {
		return errors.New("auth: token is nil")
	}
	if algorithm == "" {
		return errors.New("auth: token missing algorithm")
	}
	if v.Algorithm != "" && algorithm != v.Algorithm {
		return fmt.Errorf("auth: unexpected token algorithm %s", algorithm)
	}

	options := []jwt.ValidateOption{
		jwt.WithClock(jwt.ClockFunc(func() time.Time { return now })),
		jwt.WithRequiredClaim(jwt.ExpirationKey),
	}
	if v.ClockSkew > 0 {
		options = append(options, jwt.WithAcceptableSkew(v.ClockSkew))
	}
	if v.Issuer != "" {
		options = append(options, jwt.WithIssuer(v.Issuer))
	}
	if v.Audience != "" {
		options = append(options, jwt.WithAudience(v.Audience))
	}
	if err := jwt.Validate(tok, options...); err != nil {
		return err
	}

	if strings.TrimSpace(tok.Subject()) == "" {
		return errors.New("auth: token missing subject")
	}
	if v.MaxLifetime > 0 {
		issued := tok.IssuedAt()
		if issued.IsZero() {
			return errors.New("auth: token missing iat")
		}
		if tok.Expiration().Sub(issued) > v.MaxLifetime+v.ClockSkew {
			return fmt.Errorf("auth: token lifetime exceeds %s", v.MaxLifetime)
		}
	}
	if v.Scope != "" && !hasScope(tok, v.Scope) {
		return fmt.Errorf("auth: token lacks scope %q", v.Scope)
	}
	return nil
}

func hasScope(tok jwt.Token, want string) bool {
	raw, ok := tok.Get(ScopeClaim)
	if !ok {
		return false
	}
	scopes, ok := raw.(string)
	if !ok {
		return false
	}
	return slices.Contains(strings.Fields(scopes), want)
}
