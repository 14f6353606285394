package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"sitegate/access"
	"sitegate/auth"
)

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config    Config
	Logger    *slog.Logger
	OIDC      auth.OIDCConfig
	Sessions  *SessionManager
	WebAuth   WebAuth
	Validator TokenValidator
	Templates *Templates
	Registry  *prometheus.Registry
}

// NewApp wires together the application state from configuration. With
// authentication enabled the authorization server is discovered here and a
// discovery failure is fatal.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger) (*App, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := auth.NewMetrics(registry)

	sessions, err := NewSessionManager(cfg, logger)
	if err != nil {
		return nil, err
	}

	templates, err := NewTemplates(cfg.TemplateDir, cfg.Development, logger)
	if err != nil {
		return nil, err
	}

	app := &App{
		Config:    cfg,
		Logger:    logger,
		Sessions:  sessions,
		WebAuth:   NoAuth{},
		Templates: templates,
		Registry:  registry,
	}

	if !cfg.AuthEnabled() {
		logger.Warn("authentication disabled, every site is visible to everyone")
		return app, nil
	}

	httpClient := &http.Client{Timeout: cfg.HTTP.Timeout}
	oidcCfg, err := auth.Discover(ctx, cfg.AuthorizationServerURL, httpClient)
	if err != nil {
		return nil, err
	}
	logger.Info("authorization server discovered",
		"issuer", oidcCfg.Issuer,
		"authorization_endpoint", oidcCfg.AuthorizationEndpoint,
		"token_endpoint", oidcCfg.TokenEndpoint,
		"jwks_uri", oidcCfg.JWKSURI)

	keys := auth.NewKeyCache(auth.KeyCacheConfig{
		JWKSURI:            oidcCfg.JWKSURI,
		TTL:                cfg.JWKS.CacheTTL,
		MinRefreshInterval: cfg.JWKS.MinRefreshInterval,
		HTTPClient:         httpClient,
		Logger:             logger,
		Metrics:            metrics,
	})
	validator := auth.NewValidator(auth.ValidatorConfig{
		Issuer:  oidcCfg.Issuer,
		Keys:    keys,
		Leeway:  cfg.JWKS.Leeway,
		Metrics: metrics,
	})
	client := auth.NewClient(oidcCfg, auth.ClientConfig{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Scope:        cfg.Scope,
		HTTPClient:   httpClient,
		Metrics:      metrics,
	})

	webAuth, err := NewCookieAuth(CookieAuthConfig{
		Validator:         validator,
		Client:            client,
		Sessions:          sessions,
		ExchangePath:      cfg.TokenExchangePath,
		PublicURL:         cfg.PublicURL,
		TrustProxyHeaders: cfg.TrustProxyHeaders,
		Logger:            logger,
	})
	if err != nil {
		return nil, err
	}

	app.OIDC = oidcCfg
	app.Validator = validator
	app.WebAuth = webAuth
	return app, nil
}

type pageData struct {
	Subject     string
	AuthEnabled bool
	StaticPath  string
	Sites       []access.Site
}

func (a *App) handleRoot(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, a.Config.WebPath+"/dashboard", http.StatusFound)
}

func (a *App) handlePage(w http.ResponseWriter, r *http.Request) {
	page := chi.URLParam(r, "page")
	if page == "" || strings.HasPrefix(page, ".") {
		http.NotFound(w, r)
		return
	}

	claims, _ := auth.ClaimsFromContext(r.Context())
	data := pageData{
		AuthEnabled: a.WebAuth.Enabled(),
		StaticPath:  a.Config.WebPath + "/static",
		Sites:       access.VisibleSites(a.Config.SiteList, claims, a.WebAuth.Enabled()),
	}
	if claims != nil {
		data.Subject = claims.Subject()
	}

	if err := a.Templates.Render(w, page+".html", data); err != nil {
		if errors.Is(err, ErrTemplateNotFound) {
			http.NotFound(w, r)
			return
		}
		a.Logger.Error("render page", "page", page, "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (a *App) handleAPISites(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.ClaimsFromContext(r.Context())
	sites := access.VisibleSites(a.Config.SiteList, claims, a.Config.AuthEnabled())
	writeJSON(w, http.StatusOK, access.SiteList{Sites: sites})
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}
