package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

const (
	serviceName    = "voice-bridge"
	serviceVersion = "1.0.0"
)

// HealthStatus represents the health status of the service
type HealthStatus struct {
	Status       string                      `json:"status"`
	Service      string                      `json:"service"`
	Version      string                      `json:"version"`
	Timestamp    string                      `json:"timestamp"`
	Dependencies map[string]DependencyStatus `json:"dependencies,omitempty"`
}

// DependencyStatus represents the status of a dependency
type DependencyStatus struct {
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
	LatencyMs int64  `json:"latency_ms,omitempty"`
}

// HealthCheckFunc probes one dependency.
// It accepts health check functions for each dependency to avoid import cycles
type HealthCheckFunc func(ctx context.Context) (bool, error)

// HealthCheckHandler handles health check requests
func HealthCheckHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := HealthStatus{
			Status:    "healthy",
			Service:   serviceName,
			Version:   serviceVersion,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(status)
	}
}

// CheckDependencies runs every named check under ctx and reports whether all passed.
func CheckDependencies(ctx context.Context, checks map[string]HealthCheckFunc) (map[string]DependencyStatus, bool) {
	dependencies := make(map[string]DependencyStatus, len(checks))
	allHealthy := true

	for name, check := range checks {
		if check == nil {
			continue
		}
		start := time.Now()
		healthy, err := check(ctx)
		latency := time.Since(start).Milliseconds()

		status := "healthy"
		message := ""
		if err != nil || !healthy {
			status = "unhealthy"
			allHealthy = false
			if err != nil {
				message = err.Error()
			}
		}

		dependencies[name] = DependencyStatus{
			Status:    status,
			Message:   message,
			LatencyMs: latency,
		}
	}
	return dependencies, allHealthy
}

// ReadinessHandler handles readiness check requests
func ReadinessHandler(checks map[string]HealthCheckFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		dependencies, allHealthy := CheckDependencies(ctx, checks)

		status := HealthStatus{
			Status:       "ready",
			Service:      serviceName,
			Version:      serviceVersion,
			Timestamp:    time.Now().UTC().Format(time.RFC3339),
			Dependencies: dependencies,
		}

		w.Header().Set("Content-Type", "application/json")
		if !allHealthy {
			status.Status = "not_ready"
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		json.NewEncoder(w).Encode(status)
	}
}
