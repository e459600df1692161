package server

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gorilla/mux/otelmux"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"identityresolver/internal/handlers"
	"identityresolver/internal/metrics"
	"identityresolver/internal/middleware"
)

// RouterParams groups the collaborators mounted on the router.
type RouterParams struct {
	ServiceName    string
	Identify       *handlers.IdentifyHandler
	Health         *handlers.HealthHandler
	Gatherer       prometheus.Gatherer
	Metrics        *metrics.Metrics
	RateLimiter    *middleware.RateLimiter
	TracerProvider trace.TracerProvider
	Logger         *zap.Logger
}

// NewRouter builds the HTTP handler tree.
func NewRouter(p RouterParams) http.Handler {
	if p.Logger == nil {
		p.Logger = zap.NewNop()
	}

	router := mux.NewRouter()
	router.NotFoundHandler = http.HandlerFunc(handlers.NotFound)
	router.MethodNotAllowedHandler = http.HandlerFunc(handlers.MethodNotAllowed)

	otelOpts := []otelmux.Option{}
	if p.TracerProvider != nil {
		otelOpts = append(otelOpts, otelmux.WithTracerProvider(p.TracerProvider))
	}
	router.Use(otelmux.Middleware(p.ServiceName, otelOpts...))
	router.Use(middleware.Instrument(p.Metrics))

	// The handler answers non-POST methods itself so the body matches the documented 405.
	identify := p.RateLimiter.Middleware()(http.HandlerFunc(p.Identify.Handle))
	router.Handle("/identify", identify)

	router.HandleFunc("/health", p.Health.Health).Methods(http.MethodGet)
	router.HandleFunc("/ready", p.Health.Ready).Methods(http.MethodGet)

	if p.Gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(p.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	// Unmatched routes never reach router.Use middleware, so logging and recovery wrap the whole tree.
	var handler http.Handler = router
	handler = middleware.RequestLogger(p.Logger)(handler)
	handler = middleware.Recoverer(p.Logger)(handler)
	return handler
}
