package httpserver

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/yndnr/lockmesh-go/internal/server/httpserver/handler"
	"github.com/yndnr/lockmesh-go/internal/telemetry/metric"
)

// RouterConfig holds configuration for the admin router.
type RouterConfig struct {
	handler.Config

	// Metrics is exposed on /metrics when set.
	Metrics *prometheus.Registry
}

// NewRouter builds the admin API handler.
func NewRouter(cfg *RouterConfig) http.Handler {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	h := handler.New(cfg.Config)

	mux := http.NewServeMux()
	mux.Handle("GET /health", h)
	mux.Handle("GET /v1/nodes", h)
	mux.Handle("GET /v1/domains/{name}/recovery", h)
	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", metric.Handler(cfg.Metrics))
	}

	// Order: RequestID -> Recover -> AccessLog -> routes
	return Chain(mux, RequestID(log), Recover(log), AccessLog())
}
