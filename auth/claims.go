package auth

import (
	"context"
	"strings"
)

// Claims is the decoded payload of a validated access token.
//
// Values follow encoding/json decoding rules: nil, bool, float64, string,
// []any and map[string]any.
type Claims struct {
	raw map[string]any
}

// NewClaims wraps a decoded claim set.
func NewClaims(raw map[string]any) *Claims {
	if raw == nil {
		raw = map[string]any{}
	}
	return &Claims{raw: raw}
}

// Raw returns the underlying claim map.
func (c *Claims) Raw() map[string]any {
	return c.raw
}

// Subject returns the sub claim.
func (c *Claims) Subject() string {
	sub, _ := c.raw["sub"].(string)
	return sub
}

// Issuer returns the iss claim.
func (c *Claims) Issuer() string {
	iss, _ := c.raw["iss"].(string)
	return iss
}

// GetPath resolves a dot separated path through nested objects. An empty
// path yields the whole claim set. Missing keys and segments that hit a
// non-object value report false.
func (c *Claims) GetPath(path string) (any, bool) {
	if c == nil {
		return nil, false
	}
	var cur any = c.raw
	if path == "" {
		return cur, true
	}
	for _, segment := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[segment]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

type claimsKey struct{}

// WithClaims stores claims on the context.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, claims)
}

// ClaimsFromContext retrieves claims attached by an authentication middleware.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(*Claims)
	return claims, ok && claims != nil
}
