package auth

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "sitegate"

// Metrics counts authentication outcomes. A nil *Metrics records nothing.
type Metrics struct {
	TokenValidationsTotal *prometheus.CounterVec
	TokenExchangesTotal   *prometheus.CounterVec
	JWKSFetchesTotal      *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TokenValidationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "token_validations_total",
				Help:      "Total number of access token validations, labeled by outcome.",
			},
			[]string{"outcome"},
		),
		TokenExchangesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "token_exchanges_total",
				Help:      "Total number of authorization code exchanges, labeled by outcome.",
			},
			[]string{"outcome"},
		),
		JWKSFetchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jwks_fetches_total",
				Help:      "Total number of JWKS downloads, labeled by outcome.",
			},
			[]string{"outcome"},
		),
	}
	if reg != nil {
		reg.MustRegister(m.TokenValidationsTotal, m.TokenExchangesTotal, m.JWKSFetchesTotal)
	}
	return m
}

func (m *Metrics) observeValidation(err error) {
	if m == nil {
		return
	}
	m.TokenValidationsTotal.WithLabelValues(validationOutcome(err)).Inc()
}

func (m *Metrics) observeExchange(err error) {
	if m == nil {
		return
	}
	outcome := "success"
	var rejected *ExchangeResponseError
	switch {
	case errors.As(err, &rejected):
		outcome = "rejected"
	case err != nil:
		outcome = "failure"
	}
	m.TokenExchangesTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) observeJWKSFetch(err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.JWKSFetchesTotal.WithLabelValues(outcome).Inc()
}

func validationOutcome(err error) string {
	switch {
	case err == nil:
		return "valid"
	case errors.Is(err, ErrMalformedToken):
		return "malformed"
	case errors.Is(err, ErrKeyNotFound):
		return "unknown_key"
	case errors.Is(err, ErrJWKSFetch):
		return "jwks_unavailable"
	case errors.Is(err, ErrSignatureInvalid):
		return "bad_signature"
	default:
		return "invalid_claims"
	}
}
