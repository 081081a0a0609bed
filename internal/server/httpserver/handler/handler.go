package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/yndnr/lockmesh-go/internal/cluster"
	"github.com/yndnr/lockmesh-go/internal/dlm"
	"github.com/yndnr/lockmesh-go/internal/telemetry/logger"
	"github.com/yndnr/lockmesh-go/internal/transport"
)

// Error codes carried in the envelope and the X-Error-Code header.
const (
	CodeNotFound = "LM-HTTP-4040"
	CodeInternal = "LM-SYS-5000"
)

// Transport is the connection manager view the handlers read.
// *transport.Manager implements it.
type Transport interface {
	Self() cluster.NodeID
	ConnectedNodes() cluster.NodeMap
	Peers() []transport.PeerInfo
}

// Domain is the lock domain view the handlers read. *dlm.Domain
// implements it.
type Domain interface {
	Name() string
	RecoveryStatus() dlm.RecoveryStatus
}

// Config wires the handler to the running node.
type Config struct {
	Registry  *cluster.Registry
	Heartbeat cluster.Heartbeat
	Transport Transport
	Domains   []Domain
	Logger    *slog.Logger
}

// Handler serves the admin API.
type Handler struct {
	reg     *cluster.Registry
	hb      cluster.Heartbeat
	tr      Transport
	domains map[string]Domain
	logger  *slog.Logger
	mux     *http.ServeMux
}

// New creates a Handler.
func New(cfg Config) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	h := &Handler{
		reg:     cfg.Registry,
		hb:      cfg.Heartbeat,
		tr:      cfg.Transport,
		domains: make(map[string]Domain, len(cfg.Domains)),
		logger:  cfg.Logger,
		mux:     http.NewServeMux(),
	}
	for _, d := range cfg.Domains {
		h.domains[d.Name()] = d
	}
	h.registerRoutes()
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) registerRoutes() {
	h.mux.HandleFunc("GET /health", h.handleHealth)
	h.mux.HandleFunc("GET /v1/nodes", h.handleNodes)
	h.mux.HandleFunc("GET /v1/domains/{name}/recovery", h.handleRecovery)
}

// writeJSON writes a JSON response with standard envelope format.
func (h *Handler) writeJSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	requestID := logger.RequestIDFromContext(r.Context())

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(NewResponse(requestID, data)); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

// writeError writes an error response with standard envelope format.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	requestID := logger.RequestIDFromContext(r.Context())

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Error-Code", code)
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(NewErrorResponse(requestID, code, message, nil))
}
