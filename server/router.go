package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const hstsMaxAge = 63072000

// Routes constructs the HTTP router: the session protected web pages, the
// bearer protected API and the unauthenticated operational endpoints.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger))
	r.Use(SecurityHeadersMiddleware(hstsMaxAge))

	r.Get("/", a.handleRoot)
	r.Get("/healthz", a.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{}))

	r.Route(a.Config.WebPath, func(r chi.Router) {
		r.Use(a.WebAuth.Middleware)
		r.Get("/", a.handleRoot)
		r.Get("/static/*", a.Templates.StaticHandler(a.Config.WebPath+"/static/").ServeHTTP)
		r.Get("/{page}", a.handlePage)
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(RequireBearer(a.Validator, a.WebAuth.Enabled()))
		r.Get("/sites", a.handleAPISites)
	})

	return r
}
