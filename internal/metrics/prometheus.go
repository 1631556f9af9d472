package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

// Label values for RefreshGrantsTotal.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultReplay  = "replay"
)

var (
	RefreshGrantsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sso_refresh_grants_total",
		Help: "Total number of refresh_token grant requests by result.",
	}, []string{"result"})

	RefreshTokenReplaysTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sso_refresh_token_replays_total",
		Help: "Total number of consumed refresh tokens presented again.",
	})

	TokensIssuedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sso_tokens_issued_total",
		Help: "Total number of tokens issued by kind.",
	}, []string{"kind"})

	BearerAuthFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sso_bearer_auth_failures_total",
		Help: "Total number of rejected management API bearer tokens by error code.",
	}, []string{"code"})
)

// InitCustomMetrics registers the metrics with reg.
// It should be called once at application startup.
func InitCustomMetrics(reg prometheus.Registerer) {
	if reg == nil {
		log.Error().Msg("Prometheus registry is nil, cannot register custom metrics.")
		return
	}

	collectors := map[string]prometheus.Collector{
		"RefreshGrantsTotal":       RefreshGrantsTotal,
		"RefreshTokenReplaysTotal": RefreshTokenReplaysTotal,
		"TokensIssuedTotal":        TokensIssuedTotal,
		"BearerAuthFailuresTotal":  BearerAuthFailuresTotal,
	}
	for name, c := range collectors {
		if err := reg.Register(c); err != nil {
			log.Warn().Err(err).Msgf("Failed to register %s metric", name)
		}
	}
	log.Info().Msg("Custom Prometheus metrics registered.")
}
