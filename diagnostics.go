package corekit

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// DiagnosticsHandler exposes a read-only HTTP view of the registry and the
// flag evaluator for operators. It never mutates state: it reports aggregated
// health, per-service registration details, and the resolved flag set.
type DiagnosticsHandler struct {
	registry  *ServiceRegistry
	evaluator *FlagEvaluator
	logger    Logger
}

// DiagnosticsOption configures a DiagnosticsHandler.
type DiagnosticsOption func(*DiagnosticsHandler)

// WithDiagnosticsLogger sets the logger used for request failures.
func WithDiagnosticsLogger(logger Logger) DiagnosticsOption {
	return func(d *DiagnosticsHandler) {
		d.logger = logger
	}
}

// NewDiagnosticsHandler creates a handler over the given registry and
// evaluator. Either may be nil; the corresponding routes then return 404.
func NewDiagnosticsHandler(registry *ServiceRegistry, evaluator *FlagEvaluator, opts ...DiagnosticsOption) *DiagnosticsHandler {
	d := &DiagnosticsHandler{
		registry:  registry,
		evaluator: evaluator,
		logger:    NopLogger{},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Routes builds the chi router for the diagnostics surface.
//
//	GET /health            aggregated health for all live services
//	GET /services          registered service tokens
//	GET /services/{token}  registration detail for one service
//	GET /flags             flag configuration and resolved default state
func (d *DiagnosticsHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", d.handleHealth)
	r.Get("/services", d.handleServices)
	r.Get("/services/{token}", d.handleServiceInfo)
	r.Get("/flags", d.handleFlags)
	return r
}

func (d *DiagnosticsHandler) handleHealth(w http.ResponseWriter, req *http.Request) {
	if d.registry == nil {
		http.NotFound(w, req)
		return
	}
	agg := d.registry.HealthCheck(req.Context())
	status := http.StatusOK
	if !agg.IsHealthy {
		status = http.StatusServiceUnavailable
	}
	d.writeJSON(w, status, agg)
}

func (d *DiagnosticsHandler) handleServices(w http.ResponseWriter, req *http.Request) {
	if d.registry == nil {
		http.NotFound(w, req)
		return
	}
	d.writeJSON(w, http.StatusOK, map[string]any{
		"services": d.registry.ListServices(),
	})
}

func (d *DiagnosticsHandler) handleServiceInfo(w http.ResponseWriter, req *http.Request) {
	if d.registry == nil {
		http.NotFound(w, req)
		return
	}
	token := chi.URLParam(req, "token")
	info, err := d.registry.ServiceInfo(token)
	if err != nil {
		http.NotFound(w, req)
		return
	}
	d.writeJSON(w, http.StatusOK, info)
}

func (d *DiagnosticsHandler) handleFlags(w http.ResponseWriter, req *http.Request) {
	if d.evaluator == nil {
		http.NotFound(w, req)
		return
	}
	d.writeJSON(w, http.StatusOK, d.evaluator.ExportState())
}

func (d *DiagnosticsHandler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		d.logger.Error("Failed to encode diagnostics response", "error", err)
	}
}
