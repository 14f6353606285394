package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

const defaultHTTPTimeout = 10 * time.Second

// TokenResponse is the successful token endpoint reply. Only AccessToken is
// persisted by the gateway.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// ClientConfig identifies the gateway to the authorization server.
type ClientConfig struct {
	ClientID     string
	ClientSecret string
	// Scope is sent with authorization requests; defaults to "openid".
	Scope      string
	HTTPClient *http.Client
	Metrics    *Metrics
}

// Client drives the browser facing half of the authorization code flow:
// building authorization URLs and exchanging codes for tokens.
type Client struct {
	oauth   oauth2.Config
	scope   string
	client  *http.Client
	metrics *Metrics
}

// NewClient builds a client for the discovered endpoints.
func NewClient(oidcCfg OIDCConfig, cfg ClientConfig) *Client {
	endpoint := oidcCfg.Endpoint()
	if cfg.ClientSecret == "" {
		endpoint.AuthStyle = oauth2.AuthStyleInParams
	} else {
		endpoint.AuthStyle = oauth2.AuthStyleInHeader
	}

	scope := strings.TrimSpace(cfg.Scope)
	if scope == "" {
		scope = "openid"
	}

	client := &http.Client{Timeout: defaultHTTPTimeout}
	if cfg.HTTPClient != nil {
		c := *cfg.HTTPClient
		client = &c
	}
	client.Transport = tokenStatusTransport{base: client.Transport}

	return &Client{
		oauth: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     endpoint,
			Scopes:       strings.Fields(scope),
		},
		scope:   scope,
		client:  client,
		metrics: cfg.Metrics,
	}
}

// AuthCodeURL returns the authorization endpoint URL carrying response_type,
// client_id, scope, state and redirect_uri.
func (c *Client) AuthCodeURL(state, redirectURI string) string {
	cfg := c.oauth
	cfg.RedirectURL = redirectURI
	return cfg.AuthCodeURL(state)
}

// Exchange trades an authorization code for tokens. Empty redirectURI or
// state are omitted from the request.
//
// A 400 carrying an OAuth error document yields *ExchangeResponseError; every
// other failure yields *ExchangeFailure.
func (c *Client) Exchange(ctx context.Context, code, redirectURI, state string) (TokenResponse, error) {
	resp, err := c.exchange(ctx, code, redirectURI, state)
	c.metrics.observeExchange(err)
	return resp, err
}

func (c *Client) exchange(ctx context.Context, code, redirectURI, state string) (TokenResponse, error) {
	cfg := c.oauth
	cfg.RedirectURL = redirectURI

	opts := []oauth2.AuthCodeOption{oauth2.SetAuthURLParam("client_id", cfg.ClientID)}
	if state != "" {
		opts = append(opts, oauth2.SetAuthURLParam("state", state))
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.client)
	tok, err := cfg.Exchange(ctx, code, opts...)
	if err != nil {
		return TokenResponse{}, classifyExchangeError(err)
	}

	scope, _ := tok.Extra("scope").(string)
	return TokenResponse{
		AccessToken:  tok.AccessToken,
		TokenType:    tok.TokenType,
		RefreshToken: tok.RefreshToken,
		Scope:        scope,
	}, nil
}

// tokenStatusTransport rejects token endpoint replies that are neither 200
// nor an error status, which the oauth2 package would otherwise accept as
// success.
type tokenStatusTransport struct {
	base http.RoundTripper
}

type tokenStatusError struct {
	status int
}

func (e *tokenStatusError) Error() string {
	return fmt.Sprintf("unexpected token endpoint status %d", e.status)
}

func (t tokenStatusTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	resp, err := base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 && resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, &tokenStatusError{status: resp.StatusCode}
	}
	return resp, nil
}

func classifyExchangeError(err error) error {
	var se *tokenStatusError
	if errors.As(err, &se) {
		return &ExchangeFailure{Detail: fmt.Sprintf("invalid token endpoint response status %d", se.status)}
	}

	var re *oauth2.RetrieveError
	if !errors.As(err, &re) || re.Response == nil {
		return &ExchangeFailure{Detail: "request failed", Err: err}
	}

	status := re.Response.StatusCode
	if status != http.StatusBadRequest {
		return &ExchangeFailure{Detail: fmt.Sprintf("invalid token endpoint response status %d", status)}
	}

	var body ErrorResponse
	if jsonErr := json.Unmarshal(re.Body, &body); jsonErr != nil || body.Error == "" {
		return &ExchangeFailure{Detail: "unparseable error response", Err: err}
	}
	return &ExchangeResponseError{Response: body}
}
