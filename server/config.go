package server

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/securecookie"
	"gopkg.in/yaml.v3"

	"sitegate/access"
)

// Defaults applied before the config file is read.
const (
	DefaultPort              = 8081
	DefaultScope             = "openid"
	DefaultWebPath           = "/web"
	DefaultTokenExchangePath = "/web/.exchange-token"
	DefaultSessionMaxAge     = 12 * time.Hour
	DefaultHTTPTimeout       = 10 * time.Second
	DefaultJWKSCacheTTL      = 5 * time.Minute
	DefaultJWKSMinRefresh    = 10 * time.Second
)

// Config captures the full application configuration loaded from YAML and environment variables.
type Config struct {
	Port                   int             `yaml:"port"`
	InterfaceAddresses     []string        `yaml:"interface_addresses"`
	PublicURL              string          `yaml:"public_url"`
	AuthorizationServerURL string          `yaml:"authorization_server_url"`
	ClientID               string          `yaml:"client_id"`
	ClientSecret           string          `yaml:"client_secret"`
	Scope                  string          `yaml:"scope"`
	Development            bool            `yaml:"development"`
	DisableAuth            bool            `yaml:"disable_auth"`
	TrustProxyHeaders      bool            `yaml:"trust_proxy_headers"`
	WebPath                string          `yaml:"web_path"`
	TokenExchangePath      string          `yaml:"token_exchange_path"`
	TemplateDir            string          `yaml:"template_dir"`
	Session                SessionConfig   `yaml:"session"`
	HTTP                   HTTPConfig      `yaml:"http"`
	JWKS                   JWKSConfig      `yaml:"jwks"`
	TLS                    TLSConfig       `yaml:"tls"`
	SiteList               access.SiteList `yaml:"site_list"`
}

// SessionConfig holds the session cookie keys. Empty keys are generated at
// startup, which invalidates sessions on every restart.
type SessionConfig struct {
	HashKey  string        `yaml:"hash_key"`
	BlockKey string        `yaml:"block_key"`
	MaxAge   time.Duration `yaml:"max_age"`
}

// HTTPConfig controls outbound calls to the authorization server.
type HTTPConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// JWKSConfig controls signing key caching and token validation.
type JWKSConfig struct {
	CacheTTL           time.Duration `yaml:"cache_ttl"`
	MinRefreshInterval time.Duration `yaml:"min_refresh_interval"`
	Leeway             time.Duration `yaml:"leeway"`
}

// TLSConfig enables autocert HTTPS when Domains is non-empty.
type TLSConfig struct {
	Domains  []string `yaml:"domains"`
	Email    string   `yaml:"email"`
	CacheDir string   `yaml:"cache_dir"`
}

// AuthEnabled reports whether requests must be authenticated.
func (c Config) AuthEnabled() bool {
	return !c.DisableAuth
}

// ListenAddrs returns host:port pairs for every configured interface. With
// no interfaces the server listens on all of them.
func (c Config) ListenAddrs() []string {
	port := strconv.Itoa(c.Port)
	if len(c.InterfaceAddresses) == 0 {
		return []string{":" + port}
	}
	addrs := make([]string, 0, len(c.InterfaceAddresses))
	for _, ip := range c.InterfaceAddresses {
		if strings.Contains(ip, ":") && !strings.HasPrefix(ip, "[") {
			ip = "[" + ip + "]"
		}
		addrs = append(addrs, ip+":"+port)
	}
	return addrs
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yml", ".yaml":
	default:
		slog.Error("Configuration file must be YAML", "file", path)
		return Config{}, fmt.Errorf("config file %q must have a .yml or .yaml extension", path)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	decoder := yaml.NewDecoder(bytes.NewReader(b))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
			slog.Error("Configuration contains unknown keys", "error", err, "file", path)
			return Config{}, fmt.Errorf("invalid config: %w (check for typos or deprecated fields)", err)
		}
		slog.Error("Failed to parse configuration", "error", err, "file", path)
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Port:              DefaultPort,
		Scope:             DefaultScope,
		WebPath:           DefaultWebPath,
		TokenExchangePath: DefaultTokenExchangePath,
		Session: SessionConfig{
			MaxAge: DefaultSessionMaxAge,
		},
		HTTP: HTTPConfig{
			Timeout: DefaultHTTPTimeout,
		},
		JWKS: JWKSConfig{
			CacheTTL:           DefaultJWKSCacheTTL,
			MinRefreshInterval: DefaultJWKSMinRefresh,
		},
		TLS: TLSConfig{
			CacheDir: filepath.Join(".secrets", "tls"),
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

// WriteDefaultConfig writes the default configuration to path with fresh
// session keys. It refuses to replace an existing file.
func WriteDefaultConfig(path string, cfg Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yml", ".yaml":
	default:
		return fmt.Errorf("config file %q must have a .yml or .yaml extension", path)
	}

	if cfg.Session.HashKey == "" {
		cfg.Session.HashKey = base64.StdEncoding.EncodeToString(securecookie.GenerateRandomKey(64))
	}
	if cfg.Session.BlockKey == "" {
		cfg.Session.BlockKey = base64.StdEncoding.EncodeToString(securecookie.GenerateRandomKey(32))
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("config file already exists at %s. Remove it first or use a different path", path)
		}
		return fmt.Errorf("create config: %w", err)
	}
	if _, err := f.Write(out); err != nil {
		f.Close()
		return fmt.Errorf("write config: %w", err)
	}
	return f.Close()
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"SITEGATE_PORT": func(v string) {
			if p, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
				cfg.Port = p
			}
		},
		"SITEGATE_INTERFACE_ADDRESSES":      func(v string) { cfg.InterfaceAddresses = splitAndTrim(v) },
		"SITEGATE_PUBLIC_URL":               func(v string) { cfg.PublicURL = v },
		"SITEGATE_AUTHORIZATION_SERVER_URL": func(v string) { cfg.AuthorizationServerURL = v },
		"SITEGATE_CLIENT_ID":                func(v string) { cfg.ClientID = v },
		"SITEGATE_CLIENT_SECRET":            func(v string) { cfg.ClientSecret = v },
		"SITEGATE_SCOPE":                    func(v string) { cfg.Scope = v },
		"SITEGATE_DEVELOPMENT":              func(v string) { cfg.Development = parseBool(v, cfg.Development) },
		"SITEGATE_DISABLE_AUTH":             func(v string) { cfg.DisableAuth = parseBool(v, cfg.DisableAuth) },
		"SITEGATE_TEMPLATE_DIR":             func(v string) { cfg.TemplateDir = v },
		"SITEGATE_SESSION_HASH_KEY":         func(v string) { cfg.Session.HashKey = v },
		"SITEGATE_SESSION_BLOCK_KEY":        func(v string) { cfg.Session.BlockKey = v },
		"SITEGATE_HTTP_TIMEOUT":             func(v string) { cfg.HTTP.Timeout = parseDuration(v, cfg.HTTP.Timeout) },
		"SITEGATE_TLS_DOMAINS":              func(v string) { cfg.TLS.Domains = splitAndTrim(v) },
		"SITEGATE_TLS_EMAIL":                func(v string) { cfg.TLS.Email = v },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate performs sanity checks on the config.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		slog.Error("Invalid configuration value", "field", "port", "value", c.Port)
		return fmt.Errorf("port must be between 1 and 65535, got: %d", c.Port)
	}

	if c.AuthEnabled() {
		if c.AuthorizationServerURL == "" {
			slog.Error("Missing required configuration", "field", "authorization_server_url")
			return errors.New("authorization_server_url is required unless disable_auth is set")
		}
		if !isHTTPURL(c.AuthorizationServerURL) {
			slog.Error("Invalid configuration value", "field", "authorization_server_url", "value", c.AuthorizationServerURL, "reason", "must be an absolute http(s) URL")
			return fmt.Errorf("authorization_server_url must be an absolute http(s) URL, got: %s", c.AuthorizationServerURL)
		}
		if c.ClientID == "" {
			slog.Error("Missing required configuration", "field", "client_id")
			return errors.New("client_id is required unless disable_auth is set")
		}
	}

	if c.PublicURL != "" && !isHTTPURL(c.PublicURL) {
		slog.Error("Invalid configuration value", "field", "public_url", "value", c.PublicURL, "reason", "must be an absolute http(s) URL")
		return fmt.Errorf("public_url must be an absolute http(s) URL, got: %s", c.PublicURL)
	}

	if !strings.HasPrefix(c.WebPath, "/") || c.WebPath == "/" || strings.HasSuffix(c.WebPath, "/") {
		slog.Error("Invalid configuration value", "field", "web_path", "value", c.WebPath)
		return fmt.Errorf("web_path must look like /web, got: %q", c.WebPath)
	}
	if !strings.HasPrefix(c.TokenExchangePath, c.WebPath+"/") {
		slog.Error("Invalid configuration value", "field", "token_exchange_path", "value", c.TokenExchangePath, "reason", "must live under web_path")
		return fmt.Errorf("token_exchange_path %q must live under web_path %q", c.TokenExchangePath, c.WebPath)
	}

	if _, err := decodeKey(c.Session.HashKey, validHashKeyLen); err != nil {
		slog.Error("Invalid session key", "field", "session.hash_key", "error", err)
		return fmt.Errorf("session.hash_key: %w", err)
	}
	if _, err := decodeKey(c.Session.BlockKey, validBlockKeyLen); err != nil {
		slog.Error("Invalid session key", "field", "session.block_key", "error", err)
		return fmt.Errorf("session.block_key: %w", err)
	}
	if c.Session.MaxAge <= 0 {
		slog.Error("Invalid configuration value", "field", "session.max_age", "value", c.Session.MaxAge.String())
		return errors.New("session.max_age must be positive")
	}

	if c.HTTP.Timeout <= 0 {
		slog.Error("Invalid configuration value", "field", "http.timeout", "value", c.HTTP.Timeout.String())
		return errors.New("http.timeout must be positive")
	}

	if len(c.TLS.Domains) > 0 && len(c.InterfaceAddresses) > 0 {
		slog.Warn("interface_addresses is ignored for autocert listeners", "field", "interface_addresses")
	}

	if err := c.SiteList.Validate(); err != nil {
		slog.Error("Invalid site list", "error", err)
		return fmt.Errorf("site_list: %w", err)
	}

	return nil
}

func isHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// decodeKey base64 decodes a session key and checks its length. An empty
// value decodes to nil.
func decodeKey(encoded string, validLen func(int) bool) ([]byte, error) {
	if encoded == "" {
		return nil, nil
	}
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("not valid base64: %w", err)
	}
	if !validLen(len(key)) {
		return nil, fmt.Errorf("unexpected key length %d", len(key))
	}
	return key, nil
}

func validHashKeyLen(n int) bool {
	return n >= 32 && n <= 64
}

func validBlockKeyLen(n int) bool {
	return n == 16 || n == 24 || n == 32
}
