package server

import (
	"encoding/base64"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestSessions(t *testing.T, cfg Config) *SessionManager {
	t.Helper()
	sm, err := NewSessionManager(cfg, discardLogger())
	if err != nil {
		t.Fatalf("NewSessionManager returned error: %v", err)
	}
	return sm
}

func findCookie(cookies []*http.Cookie, name string) *http.Cookie {
	for _, c := range cookies {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func TestSessionSaveAndLoad(t *testing.T) {
	cfg := DefaultConfig()
	sm := newTestSessions(t, cfg)

	w := httptest.NewRecorder()
	if err := sm.Save(w, Session{accessTokenKey: "token-value"}); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}
	cookie := findCookie(w.Result().Cookies(), sessionCookieName)
	if cookie == nil {
		t.Fatalf("session cookie missing")
	}
	if !cookie.HttpOnly || !cookie.Secure || cookie.Path != "/" || cookie.SameSite != http.SameSiteLaxMode {
		t.Fatalf("unexpected cookie attributes: %+v", cookie)
	}
	if cookie.Value == "token-value" {
		t.Fatalf("cookie value must be encoded")
	}

	r := httptest.NewRequest(http.MethodGet, "/web/dashboard", nil)
	r.AddCookie(cookie)
	if diff := cmp.Diff(Session{accessTokenKey: "token-value"}, sm.Load(r)); diff != "" {
		t.Fatalf("session mismatch (-want +got):\n%s", diff)
	}
}

func TestSessionDevelopmentCookiesAreNotSecure(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Development = true
	sm := newTestSessions(t, cfg)

	w := httptest.NewRecorder()
	if err := sm.Save(w, Session{}); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}
	if cookie := findCookie(w.Result().Cookies(), sessionCookieName); cookie == nil || cookie.Secure {
		t.Fatalf("expected insecure cookie in development, got %+v", cookie)
	}
}

func TestSessionLoadRejectsTamperedCookie(t *testing.T) {
	sm := newTestSessions(t, DefaultConfig())

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.AddCookie(&http.Cookie{Name: sessionCookieName, Value: "forged"})
	if sess := sm.Load(r); len(sess) != 0 {
		t.Fatalf("expected empty session, got %v", sess)
	}
}

func TestSessionConfiguredKeysSurviveRestart(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Session.HashKey = base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))
	cfg.Session.BlockKey = base64.StdEncoding.EncodeToString([]byte("fedcba9876543210"))

	first := newTestSessions(t, cfg)
	w := httptest.NewRecorder()
	if err := first.Save(w, Session{accessTokenKey: "abc"}); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}

	second := newTestSessions(t, cfg)
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.AddCookie(findCookie(w.Result().Cookies(), sessionCookieName))
	if got := second.Load(r)[accessTokenKey]; got != "abc" {
		t.Fatalf("expected token to decode with shared keys, got %q", got)
	}
}

func TestSessionGeneratedKeysDoNotSurviveRestart(t *testing.T) {
	first := newTestSessions(t, DefaultConfig())
	w := httptest.NewRecorder()
	if err := first.Save(w, Session{accessTokenKey: "abc"}); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}

	second := newTestSessions(t, DefaultConfig())
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.AddCookie(findCookie(w.Result().Cookies(), sessionCookieName))
	if got := second.Load(r)[accessTokenKey]; got != "" {
		t.Fatalf("expected generated keys to differ, got %q", got)
	}
}

func TestLoginStateRoundTrip(t *testing.T) {
	sm := newTestSessions(t, DefaultConfig())

	w := httptest.NewRecorder()
	if err := sm.SetLoginState(w, "/web/dashboard?tab=1"); err != nil {
		t.Fatalf("SetLoginState returned error: %v", err)
	}
	cookie := findCookie(w.Result().Cookies(), loginStateCookieName)
	if cookie == nil {
		t.Fatalf("login state cookie missing")
	}
	if cookie.Path != DefaultTokenExchangePath {
		t.Fatalf("login state cookie path = %q, want %q", cookie.Path, DefaultTokenExchangePath)
	}

	r := httptest.NewRequest(http.MethodGet, DefaultTokenExchangePath, nil)
	r.AddCookie(cookie)
	state, ok := sm.LoginState(r)
	if !ok || state != "/web/dashboard?tab=1" {
		t.Fatalf("LoginState = %q, %v", state, ok)
	}

	w = httptest.NewRecorder()
	sm.ClearLoginState(w)
	cleared := findCookie(w.Result().Cookies(), loginStateCookieName)
	if cleared == nil || cleared.MaxAge >= 0 {
		t.Fatalf("expected expiring login state cookie, got %+v", cleared)
	}
}

func TestLoginStateMissing(t *testing.T) {
	sm := newTestSessions(t, DefaultConfig())
	r := httptest.NewRequest(http.MethodGet, DefaultTokenExchangePath, nil)
	if _, ok := sm.LoginState(r); ok {
		t.Fatalf("expected no login state")
	}
}
