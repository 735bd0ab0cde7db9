package router

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/atoniolo76/radarfleet/pkg/config"
	"github.com/atoniolo76/radarfleet/pkg/fingerprint"
	"github.com/atoniolo76/radarfleet/pkg/fleet"
	"github.com/atoniolo76/radarfleet/pkg/metrics"
	"github.com/atoniolo76/radarfleet/pkg/proxy"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CostReport is the body of POST /costs
type CostReport struct {
	Query string  `json:"query"`
	Cost  float64 `json:"cost"`
}

// FleetStatus is the body of GET /fleet
type FleetStatus struct {
	Instances      []fleet.Status `json:"instances"`
	Healthy        int            `json:"healthy"`
	TotalCost      float64        `json:"total_cost"`
	CacheEntries   int            `json:"cache_entries"`
	PendingQueries int            `json:"pending_queries"`
}

// Handler returns the HTTP handler for the router. metricsHandler is served
// on the metrics path when non-nil.
func (r *Router) Handler(metricsHandler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		switch req.URL.Path {
		case r.config.ScanEndpoint:
			r.handleScanEndpoint(w, req)
		case config.DefaultCostsPath:
			r.handleCostsEndpoint(w, req)
		case config.DefaultFleetPath:
			r.handleFleetEndpoint(w, req)
		case r.config.HealthEndpoint:
			r.handleHealthEndpoint(w, req)
		case config.DefaultMetricsPath:
			if metricsHandler == nil {
				http.NotFound(w, req)
				return
			}
			metricsHandler.ServeHTTP(w, req)
		default:
			http.NotFound(w, req)
		}
	})
}

func (r *Router) handleScanEndpoint(w http.ResponseWriter, req *http.Request) {
	if proxy.IsPreflight(req) {
		proxy.SetCORSHeaders(w.Header())
		w.WriteHeader(http.StatusOK)
		return
	}

	fp, err := fingerprint.Parse(req.URL.RawQuery)
	if err != nil {
		r.metrics.ObserveRequest(metrics.OutcomeBadRequest)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	requestID := uuid.NewString()
	result, err := r.Dispatch(req.Context(), fp, req.URL.RawQuery, requestID)
	if err != nil {
		status, outcome := statusForError(err)
		r.metrics.ObserveRequest(outcome)
		r.logger.Info("scan request rejected",
			zap.String("request_id", requestID),
			zap.Int("status", status),
			zap.Error(err))
		http.Error(w, err.Error(), status)
		return
	}

	r.metrics.ObserveRequest(metrics.OutcomeOK)
	proxy.CopyHeaders(w.Header(), result.Header)
	proxy.SetCORSHeaders(w.Header())
	w.Header().Set("X-Request-ID", requestID)
	w.Header().Set("X-Served-By", result.InstanceID)
	w.WriteHeader(result.StatusCode)
	if req.Method != http.MethodHead {
		w.Write(result.Body)
	}
}

// statusForError maps router errors onto HTTP statuses
func statusForError(err error) (int, string) {
	switch {
	case errors.Is(err, fingerprint.ErrInvalidRequest):
		return http.StatusBadRequest, metrics.OutcomeBadRequest
	case errors.Is(err, ErrNoCapacity):
		return http.StatusServiceUnavailable, metrics.OutcomeNoCapacity
	case errors.Is(err, ErrDispatchFailed):
		return http.StatusBadGateway, metrics.OutcomeDispatchErr
	default:
		return http.StatusInternalServerError, metrics.OutcomeDispatchErr
	}
}

func (r *Router) handleCostsEndpoint(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if r.store == nil {
		http.Error(w, "no metadata store configured", http.StatusServiceUnavailable)
		return
	}

	req.Body = http.MaxBytesReader(w, req.Body, config.DefaultMaxCostReportBytes)
	var report CostReport
	if err := json.NewDecoder(req.Body).Decode(&report); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "cost report too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if _, err := fingerprint.Parse(report.Query); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if report.Cost < 0 {
		http.Error(w, "cost must not be negative", http.StatusBadRequest)
		return
	}

	if err := r.store.Store(req.Context(), report.Query, report.Cost); err != nil {
		r.logger.Error("failed to store cost", zap.String("query", report.Query), zap.Error(err))
		http.Error(w, "failed to store cost", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Router) handleFleetEndpoint(w http.ResponseWriter, req *http.Request) {
	status := FleetStatus{
		Instances:      r.fleet.Statuses(),
		Healthy:        r.fleet.HealthyCount(),
		TotalCost:      r.fleet.TotalCost(),
		CacheEntries:   r.cache.Len(),
		PendingQueries: r.PendingQueries(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

func (r *Router) handleHealthEndpoint(w http.ResponseWriter, req *http.Request) {
	healthy := r.fleet.HealthyCount()
	total := r.fleet.Len()

	if healthy == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprintf(w, "unhealthy: 0/%d instances available", total)
		return
	}

	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "healthy: %d/%d instances available", healthy, total)
}
