package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/securecookie"
)

const (
	sessionCookieName    = "sitegate_session"
	loginStateCookieName = "sitegate_login"
	loginStateLifespan   = 10 * time.Minute

	// accessTokenKey is the session entry holding the raw access token.
	accessTokenKey = "auth_r"
)

// Session is the decoded content of the session cookie.
type Session map[string]string

// SessionManager reads and writes encrypted, signed session cookies.
type SessionManager struct {
	codec      *securecookie.SecureCookie
	stateCodec *securecookie.SecureCookie
	logger     *slog.Logger
	maxAge     time.Duration
	secure     bool
	statePath  string
}

// NewSessionManager constructs a session manager honouring config. Missing
// keys are generated, so sessions do not survive a restart.
func NewSessionManager(cfg Config, logger *slog.Logger) (*SessionManager, error) {
	hashKey, err := decodeKey(cfg.Session.HashKey, validHashKeyLen)
	if err != nil {
		return nil, fmt.Errorf("session hash key: %w", err)
	}
	blockKey, err := decodeKey(cfg.Session.BlockKey, validBlockKeyLen)
	if err != nil {
		return nil, fmt.Errorf("session block key: %w", err)
	}
	if hashKey == nil || blockKey == nil {
		logger.Warn("session keys not configured, generating ephemeral keys")
		if hashKey == nil {
			hashKey = securecookie.GenerateRandomKey(64)
		}
		if blockKey == nil {
			blockKey = securecookie.GenerateRandomKey(32)
		}
	}

	codec := securecookie.New(hashKey, blockKey)
	codec.MaxAge(int(cfg.Session.MaxAge.Seconds()))
	codec.SetSerializer(securecookie.JSONEncoder{})

	stateCodec := securecookie.New(hashKey, blockKey)
	stateCodec.MaxAge(int(loginStateLifespan.Seconds()))
	stateCodec.SetSerializer(securecookie.JSONEncoder{})

	return &SessionManager{
		codec:      codec,
		stateCodec: stateCodec,
		logger:     logger,
		maxAge:     cfg.Session.MaxAge,
		secure:     !cfg.Development,
		statePath:  cfg.TokenExchangePath,
	}, nil
}

// Load returns the session carried by the request. A missing or undecodable
// cookie yields an empty session.
func (sm *SessionManager) Load(r *http.Request) Session {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil {
		return Session{}
	}
	sess := Session{}
	if err := sm.codec.Decode(sessionCookieName, cookie.Value, &sess); err != nil {
		sm.logger.Debug("session cookie rejected", "error", err)
		return Session{}
	}
	return sess
}

// Save writes sess as the session cookie.
func (sm *SessionManager) Save(w http.ResponseWriter, sess Session) error {
	encoded, err := sm.codec.Encode(sessionCookieName, sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    encoded,
		Path:     "/",
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(sm.maxAge.Seconds()),
	})
	return nil
}

// SetLoginState remembers the state sent to the authorization server so the
// callback can prove it was started by this browser.
func (sm *SessionManager) SetLoginState(w http.ResponseWriter, state string) error {
	encoded, err := sm.stateCodec.Encode(loginStateCookieName, state)
	if err != nil {
		return fmt.Errorf("encode login state: %w", err)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     loginStateCookieName,
		Value:    encoded,
		Path:     sm.statePath,
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(loginStateLifespan.Seconds()),
	})
	return nil
}

// LoginState returns the state recorded by SetLoginState.
func (sm *SessionManager) LoginState(r *http.Request) (string, bool) {
	cookie, err := r.Cookie(loginStateCookieName)
	if err != nil {
		return "", false
	}
	var state string
	if err := sm.stateCodec.Decode(loginStateCookieName, cookie.Value, &state); err != nil {
		sm.logger.Debug("login state cookie rejected", "error", err)
		return "", false
	}
	return state, true
}

// ClearLoginState removes the login state cookie.
func (sm *SessionManager) ClearLoginState(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     loginStateCookieName,
		Value:    "",
		Path:     sm.statePath,
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}
