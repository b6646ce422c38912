package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voice_bridge_active_sessions",
		Help: "Number of bridged calls currently open",
	})

	totalCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_bridge_calls_total",
		Help: "Total number of calls by final status",
	}, []string{"status"})

	callDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_bridge_call_duration_seconds",
		Help:    "Duration of bridged calls in seconds",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
	})

	// Audio metrics
	audioFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_bridge_audio_frames_total",
		Help: "Audio frames moved across the bridge",
	}, []string{"direction"}) // direction: "in", "out", "silence", "dropped"

	audioBytesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_bridge_audio_bytes_total",
		Help: "Total audio bytes processed",
	}, []string{"direction"})

	interruptions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_bridge_interruptions_total",
		Help: "Caller barge-in events that flushed AI audio",
	})

	// Tool metrics
	toolCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_bridge_tool_calls_total",
		Help: "Tool invocations by tool and outcome",
	}, []string{"tool", "status"})

	toolLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "voice_bridge_tool_latency_seconds",
		Help:    "Tool execution latency in seconds",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0},
	}, []string{"tool"})

	// Persistence metrics
	persistenceFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_bridge_persistence_failures_total",
		Help: "Asynchronous writes that failed or were dropped",
	}, []string{"kind"})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_bridge_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "voice_bridge_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_bridge_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})
)

// Metrics tracks metrics for a single call
type Metrics struct {
	sessionID string
	startTime time.Time
	mu        sync.Mutex
	started   bool
	ended     bool
}

// NewCallMetrics creates a new metrics tracker for a call
func NewCallMetrics(sessionID string) *Metrics {
	return &Metrics{
		sessionID: sessionID,
		startTime: time.Now(),
	}
}

// RecordCallStart records the start of a call
func (m *Metrics) RecordCallStart() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true
	activeSessions.Inc()
}

// RecordCallEnd records the end of a call. Calls after the first are ignored.
func (m *Metrics) RecordCallEnd(status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ended {
		return
	}
	m.ended = true
	if m.started {
		activeSessions.Dec()
	}
	totalCalls.WithLabelValues(status).Inc()
	callDuration.Observe(time.Since(m.startTime).Seconds())
}

// RecordFrames counts audio frames for a direction
func (m *Metrics) RecordFrames(direction string, n int) {
	if n <= 0 {
		return
	}
	audioFrames.WithLabelValues(direction).Add(float64(n))
}

// RecordAudioBytes records audio bytes processed
func (m *Metrics) RecordAudioBytes(direction string, bytes int64) {
	audioBytesProcessed.WithLabelValues(direction).Add(float64(bytes))
}

// RecordInterruption records a barge-in
func (m *Metrics) RecordInterruption() {
	interruptions.Inc()
}

// RecordError records an error
func (m *Metrics) RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordToolCall records the outcome and latency of a tool execution
func RecordToolCall(tool string, success bool, latency time.Duration) {
	status := "success"
	if !success {
		status = "failure"
	}
	toolCalls.WithLabelValues(tool, status).Inc()
	toolLatency.WithLabelValues(tool).Observe(latency.Seconds())
}

// RecordPersistenceFailure counts a failed or dropped asynchronous write
func RecordPersistenceFailure(kind string) {
	persistenceFailures.WithLabelValues(kind).Inc()
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}
