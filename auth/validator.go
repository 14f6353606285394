package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

var supportedAlgorithms = []string{
	jwt.SigningMethodRS256.Alg(), jwt.SigningMethodRS384.Alg(), jwt.SigningMethodRS512.Alg(),
	jwt.SigningMethodPS256.Alg(), jwt.SigningMethodPS384.Alg(), jwt.SigningMethodPS512.Alg(),
	jwt.SigningMethodES256.Alg(), jwt.SigningMethodES384.Alg(), jwt.SigningMethodES512.Alg(),
}

// KeySource resolves verification keys by kid.
type KeySource interface {
	Key(ctx context.Context, kid string) (jose.JSONWebKey, error)
}

// ValidatorConfig configures the token validator.
type ValidatorConfig struct {
	// Issuer must match the iss claim exactly.
	Issuer  string
	Keys    KeySource
	Leeway  time.Duration
	Metrics *Metrics
	Now     func() time.Time
}

// Validator verifies access tokens issued by the authorization server.
type Validator struct {
	cfg ValidatorConfig
	now func() time.Time
}

// NewValidator creates a validator.
func NewValidator(cfg ValidatorConfig) *Validator {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Validator{cfg: cfg, now: now}
}

// Validate checks the token signature against the authorization server's
// keys and enforces issuer, expiry and subject. It never retries.
func (v *Validator) Validate(ctx context.Context, rawToken string) (*Claims, error) {
	claims, err := v.validate(ctx, rawToken)
	v.cfg.Metrics.observeValidation(err)
	return claims, err
}

func (v *Validator) validate(ctx context.Context, rawToken string) (*Claims, error) {
	if rawToken == "" {
		return nil, fmt.Errorf("%w: empty token", ErrMalformedToken)
	}

	unverified, _, err := jwt.NewParser().ParseUnverified(rawToken, jwt.MapClaims{})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	kid, _ := unverified.Header["kid"].(string)
	if kid == "" {
		return nil, fmt.Errorf("%w: kid header missing", ErrMalformedToken)
	}

	key, err := v.cfg.Keys.Key(ctx, kid)
	if err != nil {
		return nil, fmt.Errorf("resolve signing key: %w", err)
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods(supportedAlgorithms),
		jwt.WithoutClaimsValidation(),
	)
	mc := jwt.MapClaims{}
	_, err = parser.ParseWithClaims(rawToken, mc, func(token *jwt.Token) (any, error) {
		if key.Algorithm != "" && key.Algorithm != token.Method.Alg() {
			return nil, fmt.Errorf("key %s is for %s, token uses %s", kid, key.Algorithm, token.Method.Alg())
		}
		pub := key.Public()
		if pub.Key == nil {
			return nil, fmt.Errorf("key %s has no public component", kid)
		}
		return pub.Key, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenMalformed) {
			return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}

	if err := v.checkClaims(mc); err != nil {
		return nil, err
	}
	return NewClaims(mc), nil
}

func (v *Validator) checkClaims(mc jwt.MapClaims) error {
	iss, _ := mc["iss"].(string)
	if iss != v.cfg.Issuer {
		return fmt.Errorf("%w: issuer %q does not match %q", ErrClaimsInvalid, iss, v.cfg.Issuer)
	}

	exp, err := mc.GetExpirationTime()
	if err != nil {
		return fmt.Errorf("%w: exp: %v", ErrClaimsInvalid, err)
	}
	if exp == nil {
		return fmt.Errorf("%w: exp missing", ErrClaimsInvalid)
	}
	if !v.now().Before(exp.Add(v.cfg.Leeway)) {
		return fmt.Errorf("%w: token expired at %s", ErrClaimsInvalid, exp.UTC().Format(time.RFC3339))
	}

	sub, _ := mc["sub"].(string)
	if sub == "" {
		return fmt.Errorf("%w: sub missing", ErrClaimsInvalid)
	}
	return nil
}
