// Package oidctest runs an in-process authorization server for tests. It
// publishes a discovery document and a JWKS, signs access tokens, and
// implements the authorize and token endpoints of the code flow.
package oidctest

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

type keyPair struct {
	privateKey *rsa.PrivateKey
	jwk        jose.JSONWebKey
}

// TokenRequest records a call to the token endpoint.
type TokenRequest struct {
	Form         url.Values
	BasicUser    string
	BasicPass    string
	HasBasicAuth bool
}

// Server is a fake OpenID provider.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	current  keyPair
	previous []keyPair
	codes    map[string]string
	requests []TokenRequest

	jwksFetches int
	failJWKS    bool

	// Subject and Claims describe the user logged in by /authorize.
	Subject string
	Claims  map[string]any
	// TokenTTL is the lifetime of tokens minted by /authorize.
	TokenTTL time.Duration
	// TokenStatus, when non-zero, replaces every token endpoint reply with
	// TokenBody and this status.
	TokenStatus int
	TokenBody   string
}

// NewServer starts a provider that is shut down when the test ends.
func NewServer(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		codes:    map[string]string{},
		Subject:  "user-1",
		Claims:   map[string]any{},
		TokenTTL: time.Hour,
	}
	if err := s.Rotate(); err != nil {
		t.Fatalf("generate signing key: %v", err)
	}

	r := chi.NewRouter()
	r.Get("/.well-known/openid-configuration", s.handleDiscovery)
	r.Get("/jwks.json", s.handleJWKS)
	r.Get("/authorize", s.handleAuthorize)
	r.Post("/token", s.handleToken)

	s.Server = httptest.NewServer(r)
	t.Cleanup(s.Close)
	return s
}

// Issuer is the provider's issuer identifier.
func (s *Server) Issuer() string {
	return s.URL
}

// Rotate generates a new signing key; the previous one stays published.
func (s *Server) Rotate() error {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return err
	}
	kid := randomHex(6)
	pair := keyPair{
		privateKey: key,
		jwk:        jose.JSONWebKey{Key: key, KeyID: kid, Algorithm: string(jose.RS256), Use: "sig"},
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current.privateKey != nil {
		s.previous = append([]keyPair{s.current}, s.previous...)
		if len(s.previous) > 1 {
			s.previous = s.previous[:1]
		}
	}
	s.current = pair
	return nil
}

// KeyID returns the kid of the current signing key.
func (s *Server) KeyID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.jwk.KeyID
}

// Sign signs claims with the current key.
func (s *Server) Sign(claims jwt.MapClaims) (string, error) {
	return s.SignWithKeyID(claims, s.KeyID())
}

// SignWithKeyID signs with the current key but advertises kid in the header.
func (s *Server) SignWithKeyID(claims jwt.MapClaims, kid string) (string, error) {
	s.mu.Lock()
	key := s.current.privateKey
	s.mu.Unlock()

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if kid != "" {
		token.Header["kid"] = kid
	}
	return token.SignedString(key)
}

// AccessToken mints a token for sub valid for ttl, merged with extra claims.
func (s *Server) AccessToken(sub string, ttl time.Duration, extra map[string]any) (string, error) {
	claims := jwt.MapClaims{
		"iss": s.Issuer(),
		"sub": sub,
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(ttl).Unix(),
	}
	for k, v := range extra {
		claims[k] = v
	}
	return s.Sign(claims)
}

// IssueCode registers an authorization code redeemable for accessToken.
func (s *Server) IssueCode(accessToken string) string {
	code := randomHex(12)
	s.mu.Lock()
	s.codes[code] = accessToken
	s.mu.Unlock()
	return code
}

// TokenRequests returns every token endpoint call seen so far.
func (s *Server) TokenRequests() []TokenRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]TokenRequest(nil), s.requests...)
}

// JWKSFetches reports how many times the key set was downloaded.
func (s *Server) JWKSFetches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jwksFetches
}

// FailJWKS makes the JWKS endpoint answer 500 while fail is true.
func (s *Server) FailJWKS(fail bool) {
	s.mu.Lock()
	s.failJWKS = fail
	s.mu.Unlock()
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	issuer := s.Issuer()
	writeJSON(w, http.StatusOK, map[string]any{
		"issuer":                                issuer,
		"authorization_endpoint":                issuer + "/authorize",
		"token_endpoint":                        issuer + "/token",
		"jwks_uri":                              issuer + "/jwks.json",
		"response_types_supported":              []string{"code"},
		"subject_types_supported":               []string{"public"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
		"scopes_supported":                      []string{"openid", "profile", "email"},
		"token_endpoint_auth_methods_supported": []string{"client_secret_basic", "none"},
	})
}

func (s *Server) handleJWKS(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.jwksFetches++
	fail := s.failJWKS
	keys := []jose.JSONWebKey{s.current.jwk.Public()}
	for _, prev := range s.previous {
		keys = append(keys, prev.jwk.Public())
	}
	s.mu.Unlock()

	if fail {
		http.Error(w, "unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, jose.JSONWebKeySet{Keys: keys})
}

// handleAuthorize logs the configured user in without interaction and
// redirects back with a code.
func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("response_type") != "code" {
		http.Error(w, "unsupported response_type", http.StatusBadRequest)
		return
	}
	redirectURI, err := url.Parse(q.Get("redirect_uri"))
	if err != nil || redirectURI.String() == "" {
		http.Error(w, "invalid redirect_uri", http.StatusBadRequest)
		return
	}

	token, err := s.AccessToken(s.Subject, s.TokenTTL, s.Claims)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	params := redirectURI.Query()
	params.Set("code", s.IssueCode(token))
	if state := q.Get("state"); state != "" {
		params.Set("state", state)
	}
	redirectURI.RawQuery = params.Encode()
	http.Redirect(w, r, redirectURI.String(), http.StatusFound)
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	user, pass, hasBasic := r.BasicAuth()

	s.mu.Lock()
	s.requests = append(s.requests, TokenRequest{
		Form:         r.PostForm,
		BasicUser:    user,
		BasicPass:    pass,
		HasBasicAuth: hasBasic,
	})
	status, body := s.TokenStatus, s.TokenBody
	token, ok := s.codes[r.PostForm.Get("code")]
	delete(s.codes, r.PostForm.Get("code"))
	s.mu.Unlock()

	if status != 0 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
		return
	}
	if r.PostForm.Get("grant_type") != "authorization_code" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported_grant_type"})
		return
	}
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error":             "invalid_grant",
			"error_description": "unknown authorization code",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": token,
		"token_type":   "Bearer",
		"expires_in":   int(s.TokenTTL.Seconds()),
		"scope":        "openid",
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return hex.EncodeToString([]byte(time.Now().String()))[:n*2]
	}
	return hex.EncodeToString(buf)
}
