package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// OIDCConfig holds the endpoints discovered from the authorization server.
type OIDCConfig struct {
	Issuer                string `json:"issuer"`
	JWKSURI               string `json:"jwks_uri"`
	TokenEndpoint         string `json:"token_endpoint"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
}

// Endpoint returns the oauth2 endpoint for this configuration.
func (c OIDCConfig) Endpoint() oauth2.Endpoint {
	return oauth2.Endpoint{
		AuthURL:  c.AuthorizationEndpoint,
		TokenURL: c.TokenEndpoint,
	}
}

// Discover fetches {authority}/.well-known/openid-configuration. The
// advertised issuer must equal the authority, trailing slash included.
func Discover(ctx context.Context, authority string, client *http.Client) (OIDCConfig, error) {
	if strings.TrimSpace(authority) == "" {
		return OIDCConfig{}, fmt.Errorf("%w: authority required", ErrDiscovery)
	}
	if client != nil {
		ctx = oidc.ClientContext(ctx, client)
	}

	op, err := oidc.NewProvider(ctx, authority)
	if err != nil {
		return OIDCConfig{}, fmt.Errorf("%w: discover %s: %v", ErrDiscovery, authority, err)
	}

	var cfg OIDCConfig
	if err := op.Claims(&cfg); err != nil {
		return OIDCConfig{}, fmt.Errorf("%w: decode discovery document: %v", ErrDiscovery, err)
	}
	if cfg.Issuer == "" {
		cfg.Issuer = authority
	}

	switch {
	case cfg.JWKSURI == "":
		return OIDCConfig{}, fmt.Errorf("%w: jwks_uri missing", ErrDiscovery)
	case cfg.TokenEndpoint == "":
		return OIDCConfig{}, fmt.Errorf("%w: token_endpoint missing", ErrDiscovery)
	case cfg.AuthorizationEndpoint == "":
		return OIDCConfig{}, fmt.Errorf("%w: authorization_endpoint missing", ErrDiscovery)
	}
	return cfg, nil
}
