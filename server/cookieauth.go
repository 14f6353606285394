package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"sitegate/auth"
)

// WebAuth authenticates browser requests. It is either enabled (CookieAuth)
// or disabled (NoAuth); the choice is made once at startup.
type WebAuth interface {
	Middleware(next http.Handler) http.Handler
	Enabled() bool
}

// TokenValidator validates raw access tokens.
type TokenValidator interface {
	Validate(ctx context.Context, token string) (*auth.Claims, error)
}

// CodeExchanger builds authorization requests and redeems their codes.
type CodeExchanger interface {
	AuthCodeURL(state, redirectURI string) string
	Exchange(ctx context.Context, code, redirectURI, state string) (auth.TokenResponse, error)
}

// NoAuth lets every request through without claims.
type NoAuth struct{}

// Middleware returns next unchanged.
func (NoAuth) Middleware(next http.Handler) http.Handler { return next }

// Enabled is always false.
func (NoAuth) Enabled() bool { return false }

// CookieAuthConfig configures CookieAuth.
type CookieAuthConfig struct {
	Validator    TokenValidator
	Client       CodeExchanger
	Sessions     *SessionManager
	ExchangePath string
	// PublicURL, when set, fixes the scheme and host of the callback URL.
	PublicURL         string
	TrustProxyHeaders bool
	Logger            *slog.Logger
}

// CookieAuth authenticates browsers with an access token kept in the
// session cookie and drives the authorization code flow when none is valid.
type CookieAuth struct {
	cfg       CookieAuthConfig
	publicURL *url.URL
	logger    *slog.Logger
}

// NewCookieAuth validates cfg and returns the enabled middleware.
func NewCookieAuth(cfg CookieAuthConfig) (*CookieAuth, error) {
	if cfg.Validator == nil || cfg.Client == nil || cfg.Sessions == nil {
		return nil, errors.New("cookie auth requires a validator, a client and a session manager")
	}
	if !strings.HasPrefix(cfg.ExchangePath, "/") {
		return nil, fmt.Errorf("exchange path %q must be absolute", cfg.ExchangePath)
	}
	if _, err := url.Parse(cfg.Client.AuthCodeURL("", "")); err != nil {
		return nil, fmt.Errorf("authorization endpoint: %w", err)
	}

	c := &CookieAuth{cfg: cfg, logger: cfg.Logger}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if cfg.PublicURL != "" {
		u, err := url.Parse(cfg.PublicURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("public url %q is not absolute", cfg.PublicURL)
		}
		c.publicURL = u
	}
	return c, nil
}

// Enabled is always true.
func (c *CookieAuth) Enabled() bool { return true }

// Middleware handles the exchange callback, admits requests whose session
// token validates, and redirects everything else to the authorization server.
func (c *CookieAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && r.URL.Path == c.cfg.ExchangePath {
			c.handleExchange(w, r)
			return
		}

		if claims, ok := auth.ClaimsFromContext(r.Context()); ok {
			recordSubject(r.Context(), claims.Subject())
			next.ServeHTTP(w, r)
			return
		}

		if token := c.cfg.Sessions.Load(r)[accessTokenKey]; token != "" {
			claims, err := c.cfg.Validator.Validate(r.Context(), token)
			if err == nil {
				recordSubject(r.Context(), claims.Subject())
				next.ServeHTTP(w, r.WithContext(auth.WithClaims(r.Context(), claims)))
				return
			}
			c.logger.Debug("session token rejected", "error", err, "request_id", RequestIDFromContext(r.Context()))
		}

		c.redirectToAuthServer(w, r)
	})
}

func (c *CookieAuth) redirectToAuthServer(w http.ResponseWriter, r *http.Request) {
	redirectURI, err := c.callbackURL(r)
	if err != nil {
		c.logger.Error("build callback url", "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	state := r.URL.RequestURI()
	if err := c.cfg.Sessions.SetLoginState(w, state); err != nil {
		c.logger.Error("store login state", "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, c.cfg.Client.AuthCodeURL(state, redirectURI), http.StatusFound)
}

func (c *CookieAuth) handleExchange(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	code := q.Get("code")
	if code == "" {
		if e := q.Get("error"); e != "" {
			http.Error(w, strings.TrimSuffix("authorization failed: "+e+": "+q.Get("error_description"), ": "), http.StatusBadRequest)
			return
		}
		http.Error(w, "missing authorization code", http.StatusBadRequest)
		return
	}

	state := q.Get("state")
	expected, ok := c.cfg.Sessions.LoginState(r)
	if !ok || expected != state {
		c.logger.Warn("login state mismatch", "request_id", RequestIDFromContext(r.Context()), "has_cookie", ok)
		http.Error(w, "login state mismatch, please retry", http.StatusBadRequest)
		return
	}

	redirectURI, err := c.callbackURL(r)
	if err != nil {
		c.logger.Error("build callback url", "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	tok, err := c.cfg.Client.Exchange(r.Context(), code, redirectURI, state)
	if err != nil {
		c.logger.Warn("token exchange failed", "error", err, "request_id", RequestIDFromContext(r.Context()))
		http.Error(w, exchangeErrorMessage(err), http.StatusBadRequest)
		return
	}

	sess := c.cfg.Sessions.Load(r)
	sess[accessTokenKey] = tok.AccessToken
	if err := c.cfg.Sessions.Save(w, sess); err != nil {
		c.logger.Error("write session", "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	c.cfg.Sessions.ClearLoginState(w)

	http.Redirect(w, r, localRedirectTarget(state), http.StatusFound)
}

// callbackURL is the exchange path on this gateway's scheme and host.
func (c *CookieAuth) callbackURL(r *http.Request) (string, error) {
	if c.publicURL != nil {
		u := url.URL{Scheme: c.publicURL.Scheme, Host: c.publicURL.Host, Path: c.cfg.ExchangePath}
		return u.String(), nil
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	host := r.Host
	if c.cfg.TrustProxyHeaders {
		if proto := firstHeaderValue(r.Header.Get("X-Forwarded-Proto")); proto == "http" || proto == "https" {
			scheme = proto
		}
		if fwdHost := firstHeaderValue(r.Header.Get("X-Forwarded-Host")); fwdHost != "" {
			host = fwdHost
		}
	}
	if host == "" {
		return "", errors.New("request has no host")
	}

	u := url.URL{Scheme: scheme, Host: host, Path: c.cfg.ExchangePath}
	if _, err := url.Parse(u.String()); err != nil {
		return "", fmt.Errorf("invalid callback url: %w", err)
	}
	return u.String(), nil
}

func firstHeaderValue(v string) string {
	if i := strings.IndexByte(v, ','); i >= 0 {
		v = v[:i]
	}
	return strings.TrimSpace(v)
}

func exchangeErrorMessage(err error) string {
	var rejected *auth.ExchangeResponseError
	if errors.As(err, &rejected) {
		msg := "authorization server rejected the login: " + rejected.Response.Error
		if rejected.Response.ErrorDescription != "" {
			msg += ": " + rejected.Response.ErrorDescription
		}
		return msg
	}
	return err.Error()
}

// localRedirectTarget restricts post-login redirects to paths on this host.
func localRedirectTarget(state string) string {
	if !strings.HasPrefix(state, "/") || strings.HasPrefix(state, "//") || strings.HasPrefix(state, "/\\") {
		return "/"
	}
	u, err := url.Parse(state)
	if err != nil || u.Scheme != "" || u.Host != "" {
		return "/"
	}
	return state
}
