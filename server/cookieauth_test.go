package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"sitegate/access"
	"sitegate/auth"
	"sitegate/oidctest"
)

func staffSites(t *testing.T) access.SiteList {
	t.Helper()
	staff, err := access.ValueOperand("staff")
	if err != nil {
		t.Fatalf("ValueOperand: %v", err)
	}
	admin, err := access.ValueOperand("admin")
	if err != nil {
		t.Fatalf("ValueOperand: %v", err)
	}
	return access.SiteList{Sites: []access.Site{
		{
			Name:       "wiki",
			URL:        "https://wiki.example.com",
			ClaimRules: []access.ClaimRule{{Path: "groups", Operator: access.ContainsMatch, Operand: staff}},
		},
		{
			Name:       "billing",
			URL:        "https://billing.example.com",
			ClaimRules: []access.ClaimRule{{Path: "groups", Operator: access.ContainsMatch, Operand: admin}},
		},
	}}
}

// newTestGateway starts the gateway against op with cookies usable over
// plain HTTP.
func newTestGateway(t *testing.T, op *oidctest.Server, mutate func(*Config)) (*App, *httptest.Server) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Development = true
	cfg.ClientID = "sitegate"
	cfg.SiteList = staffSites(t)
	if op != nil {
		cfg.AuthorizationServerURL = op.URL
	} else {
		cfg.DisableAuth = true
	}
	if mutate != nil {
		mutate(&cfg)
	}

	app, err := NewApp(context.Background(), cfg, discardLogger())
	if err != nil {
		t.Fatalf("NewApp returned error: %v", err)
	}
	srv := httptest.NewServer(app.Routes())
	t.Cleanup(srv.Close)
	return app, srv
}

func newBrowser(t *testing.T, follow bool) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("cookiejar: %v", err)
	}
	client := &http.Client{Jar: jar, Timeout: 5 * time.Second}
	if !follow {
		client.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}
	return client
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(b)
}

func TestLoginFlowEndToEnd(t *testing.T) {
	op := oidctest.NewServer(t)
	op.Subject = "alice"
	op.Claims = map[string]any{"groups": []any{"staff"}}
	_, gw := newTestGateway(t, op, nil)

	browser := newBrowser(t, true)
	resp, err := browser.Get(gw.URL + "/web/dashboard")
	if err != nil {
		t.Fatalf("GET dashboard: %v", err)
	}
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 after login, got %d: %s", resp.StatusCode, body)
	}
	if resp.Request.URL.Path != "/web/dashboard" {
		t.Fatalf("expected to land back on the dashboard, got %s", resp.Request.URL)
	}
	if !strings.Contains(body, "alice") || !strings.Contains(body, "https://wiki.example.com") {
		t.Fatalf("dashboard missing user or visible site:\n%s", body)
	}
	if strings.Contains(body, "billing.example.com") {
		t.Fatalf("dashboard shows a site the user may not see:\n%s", body)
	}

	reqs := op.TokenRequests()
	if len(reqs) != 1 {
		t.Fatalf("expected one token request, got %d", len(reqs))
	}
	form := reqs[0].Form
	if form.Get("grant_type") != "authorization_code" || form.Get("client_id") != "sitegate" {
		t.Fatalf("unexpected token request form: %v", form)
	}
	if form.Get("redirect_uri") != gw.URL+DefaultTokenExchangePath {
		t.Fatalf("redirect_uri = %q", form.Get("redirect_uri"))
	}

	// The session cookie now authenticates without another round trip.
	resp, err = browser.Get(gw.URL + "/web/dashboard")
	if err != nil {
		t.Fatalf("second GET: %v", err)
	}
	readBody(t, resp)
	if resp.StatusCode != http.StatusOK || len(op.TokenRequests()) != 1 {
		t.Fatalf("expected session reuse, status=%d token requests=%d", resp.StatusCode, len(op.TokenRequests()))
	}
}

func TestUnauthenticatedRequestRedirectsToAuthorizationServer(t *testing.T) {
	op := oidctest.NewServer(t)
	_, gw := newTestGateway(t, op, func(c *Config) { c.Scope = "openid profile" })

	resp, err := newBrowser(t, false).Get(gw.URL + "/web/dashboard?tab=2")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	readBody(t, resp)
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("expected 302, got %d", resp.StatusCode)
	}

	loc, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		t.Fatalf("parse location: %v", err)
	}
	if !strings.HasPrefix(loc.String(), op.URL+"/authorize") {
		t.Fatalf("unexpected redirect target %s", loc)
	}
	q := loc.Query()
	want := map[string]string{
		"response_type": "code",
		"client_id":     "sitegate",
		"scope":         "openid profile",
		"state":         "/web/dashboard?tab=2",
		"redirect_uri":  gw.URL + DefaultTokenExchangePath,
	}
	for k, v := range want {
		if q.Get(k) != v {
			t.Fatalf("%s = %q, want %q", k, q.Get(k), v)
		}
	}

	if findCookie(resp.Cookies(), loginStateCookieName) == nil {
		t.Fatalf("login state cookie not set")
	}
}

func TestExpiredSessionTokenRedirects(t *testing.T) {
	op := oidctest.NewServer(t)
	app, gw := newTestGateway(t, op, nil)

	expired, err := op.AccessToken("alice", -time.Minute, nil)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	w := httptest.NewRecorder()
	if err := app.Sessions.Save(w, Session{accessTokenKey: expired}); err != nil {
		t.Fatalf("save session: %v", err)
	}

	req, _ := http.NewRequest(http.MethodGet, gw.URL+"/web/dashboard", nil)
	req.AddCookie(findCookie(w.Result().Cookies(), sessionCookieName))
	resp, err := newBrowser(t, false).Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	readBody(t, resp)
	if resp.StatusCode != http.StatusFound || !strings.HasPrefix(resp.Header.Get("Location"), op.URL) {
		t.Fatalf("expected redirect to the authorization server, got %d %s", resp.StatusCode, resp.Header.Get("Location"))
	}
}

func TestExchangeEndpointErrors(t *testing.T) {
	op := oidctest.NewServer(t)
	app, gw := newTestGateway(t, op, nil)

	stateCookie := func(t *testing.T, state string) *http.Cookie {
		t.Helper()
		w := httptest.NewRecorder()
		if err := app.Sessions.SetLoginState(w, state); err != nil {
			t.Fatalf("SetLoginState: %v", err)
		}
		return findCookie(w.Result().Cookies(), loginStateCookieName)
	}

	tests := []struct {
		name     string
		query    string
		cookie   *http.Cookie
		wantBody string
	}{
		{name: "missing code", query: "state=/web/dashboard", wantBody: "missing authorization code"},
		{name: "provider error", query: "error=access_denied&error_description=denied", wantBody: "access_denied"},
		{name: "no login cookie", query: "code=abc&state=/web/dashboard", wantBody: "state mismatch"},
		{name: "state mismatch", query: "code=abc&state=/web/other", cookie: stateCookie(t, "/web/dashboard"), wantBody: "state mismatch"},
		{name: "unknown code", query: "code=abc&state=/web/dashboard", cookie: stateCookie(t, "/web/dashboard"), wantBody: "invalid_grant"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodGet, gw.URL+DefaultTokenExchangePath+"?"+tt.query, nil)
			if tt.cookie != nil {
				req.AddCookie(tt.cookie)
			}
			resp, err := newBrowser(t, false).Do(req)
			if err != nil {
				t.Fatalf("GET: %v", err)
			}
			body := readBody(t, resp)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", resp.StatusCode, body)
			}
			if !strings.Contains(body, tt.wantBody) {
				t.Fatalf("body %q does not contain %q", body, tt.wantBody)
			}
		})
	}
}

func TestExchangeEndpointTokenServerFailure(t *testing.T) {
	op := oidctest.NewServer(t)
	op.TokenStatus = http.StatusInternalServerError
	op.TokenBody = "boom"
	app, gw := newTestGateway(t, op, nil)

	w := httptest.NewRecorder()
	if err := app.Sessions.SetLoginState(w, "/web/dashboard"); err != nil {
		t.Fatalf("SetLoginState: %v", err)
	}
	req, _ := http.NewRequest(http.MethodGet, gw.URL+DefaultTokenExchangePath+"?code=abc&state=%2Fweb%2Fdashboard", nil)
	req.AddCookie(findCookie(w.Result().Cookies(), loginStateCookieName))

	resp, err := newBrowser(t, false).Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusBadRequest || !strings.Contains(body, "500") {
		t.Fatalf("expected 400 naming the upstream status, got %d: %s", resp.StatusCode, body)
	}
}

type stubValidator struct {
	claims *auth.Claims
	err    error
}

func (s stubValidator) Validate(context.Context, string) (*auth.Claims, error) {
	return s.claims, s.err
}

type stubExchanger struct{}

func (stubExchanger) AuthCodeURL(state, redirectURI string) string {
	return "https://login.example.com/authorize?" + url.Values{"state": {state}, "redirect_uri": {redirectURI}}.Encode()
}

func (stubExchanger) Exchange(context.Context, string, string, string) (auth.TokenResponse, error) {
	return auth.TokenResponse{}, errors.New("unused")
}

func TestCallbackURL(t *testing.T) {
	sessions := newTestSessions(t, DefaultConfig())
	newAuth := func(t *testing.T, publicURL string, trust bool) *CookieAuth {
		t.Helper()
		ca, err := NewCookieAuth(CookieAuthConfig{
			Validator:         stubValidator{err: errors.New("nope")},
			Client:            stubExchanger{},
			Sessions:          sessions,
			ExchangePath:      DefaultTokenExchangePath,
			PublicURL:         publicURL,
			TrustProxyHeaders: trust,
			Logger:            discardLogger(),
		})
		if err != nil {
			t.Fatalf("NewCookieAuth: %v", err)
		}
		return ca
	}

	tests := []struct {
		name      string
		publicURL string
		trust     bool
		headers   map[string]string
		want      string
	}{
		{name: "request host", want: "http://gw.local/web/.exchange-token"},
		{name: "public url wins", publicURL: "https://sites.example.com/ignored", headers: map[string]string{"X-Forwarded-Host": "evil"}, want: "https://sites.example.com/web/.exchange-token"},
		{name: "untrusted proxy headers", headers: map[string]string{"X-Forwarded-Proto": "https", "X-Forwarded-Host": "evil"}, want: "http://gw.local/web/.exchange-token"},
		{name: "trusted proxy headers", trust: true, headers: map[string]string{"X-Forwarded-Proto": "https, http", "X-Forwarded-Host": "sites.example.com"}, want: "https://sites.example.com/web/.exchange-token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "http://gw.local/web/dashboard?x=1", nil)
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			got, err := newAuth(t, tt.publicURL, tt.trust).callbackURL(r)
			if err != nil {
				t.Fatalf("callbackURL: %v", err)
			}
			if got != tt.want {
				t.Fatalf("callbackURL = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMiddlewareKeepsClaimsFromContext(t *testing.T) {
	ca, err := NewCookieAuth(CookieAuthConfig{
		Validator:    stubValidator{err: errors.New("must not be called")},
		Client:       stubExchanger{},
		Sessions:     newTestSessions(t, DefaultConfig()),
		ExchangePath: DefaultTokenExchangePath,
	})
	if err != nil {
		t.Fatalf("NewCookieAuth: %v", err)
	}

	var seen *auth.Claims
	h := ca.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = auth.ClaimsFromContext(r.Context())
	}))
	claims := auth.NewClaims(map[string]any{"sub": "bob"})
	r := httptest.NewRequest(http.MethodGet, "/web/dashboard", nil)
	r = r.WithContext(auth.WithClaims(r.Context(), claims))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	if seen != claims {
		t.Fatalf("expected existing claims to pass through, status=%d", w.Code)
	}
}

func TestNewCookieAuthRejectsIncompleteConfig(t *testing.T) {
	if _, err := NewCookieAuth(CookieAuthConfig{Client: stubExchanger{}}); err == nil {
		t.Fatalf("expected error without validator and sessions")
	}
	_, err := NewCookieAuth(CookieAuthConfig{
		Validator:    stubValidator{},
		Client:       stubExchanger{},
		Sessions:     newTestSessions(t, DefaultConfig()),
		ExchangePath: "relative",
	})
	if err == nil {
		t.Fatalf("expected error for relative exchange path")
	}
}

func TestLocalRedirectTarget(t *testing.T) {
	tests := map[string]string{
		"/web/dashboard?tab=1": "/web/dashboard?tab=1",
		"":                     "/",
		"https://evil.example": "/",
		"//evil.example/path":  "/",
		"/\\evil.example":      "/",
		"web/dashboard":        "/",
		"/web/page#section":    "/web/page#section",
	}
	for in, want := range tests {
		if got := localRedirectTarget(in); got != want {
			t.Fatalf("localRedirectTarget(%q) = %q, want %q", in, got, want)
		}
	}
}
