package metrics

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mt5-bridge/internal/logger"
)

// Metrics holds all Prometheus metrics for the bridge.
type Metrics struct {
	// Pipeline
	SignalsTotal      *prometheus.CounterVec   // labels: outcome (OK or error code)
	SignalLatency     prometheus.Histogram     // accept-to-outcome latency
	StageDuration     *prometheus.HistogramVec // labels: stage
	PipelinesInFlight prometheus.Gauge

	// Worker pool
	AIRequestsTotal *prometheus.CounterVec // labels: worker, result
	AILatency       prometheus.Histogram
	AIWorkersAlive  prometheus.Gauge
	AIBreakerState  *prometheus.GaugeVec   // labels: worker; 0=closed, 1=open, 2=half-open
	AIBreakerTrips  *prometheus.CounterVec // labels: worker

	// Admission gate
	RateLimitDecisions *prometheus.CounterVec // labels: result=allowed|denied
	RateLimitBuckets   prometheus.Gauge

	// Broker channel
	BrokerState       prometheus.Gauge       // broker.State ordinal
	BrokerFramesTotal *prometheus.CounterVec // labels: direction, type
	BrokerSessions    prometheus.Counter
	BrokerUnknownAcks prometheus.Counter

	// Event sinks
	EventDropsTotal          *prometheus.CounterVec // labels: sink
	EventErrorsTotal         *prometheus.CounterVec // labels: sink
	RedisCircuitBreakerState prometheus.Gauge       // 0=closed, 1=open, 2=half-open
	RedisCircuitBreakerTrips prometheus.Counter
	RedisBufferedEvents      prometheus.Counter
}

// NewMetrics creates all metrics and registers them with reg
// (prometheus.DefaultRegisterer when nil).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		SignalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_signals_total",
			Help: "Terminal outcomes of accepted signals (by outcome)",
		}, []string{"outcome"}),
		SignalLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bridge_signal_latency_seconds",
			Help:    "Latency from signal acceptance to terminal outcome",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30},
		}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bridge_stage_duration_seconds",
			Help:    "Pipeline stage latency (by stage)",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
		}, []string{"stage"}),
		PipelinesInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_pipelines_in_flight",
			Help: "Signals currently inside a pipeline",
		}),

		AIRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_ai_requests_total",
			Help: "AI requests by worker and result (ok or failure reason)",
		}, []string{"worker", "result"}),
		AILatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bridge_ai_latency_seconds",
			Help:    "AI request latency as observed by the pool",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 4, 8, 15, 30},
		}),
		AIWorkersAlive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_ai_workers_alive",
			Help: "Inference workers alive and ready",
		}),
		AIBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bridge_ai_breaker_state",
			Help: "Per-worker circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"worker"}),
		AIBreakerTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_ai_breaker_trips_total",
			Help: "Times a worker circuit breaker tripped open",
		}, []string{"worker"}),

		RateLimitDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_ratelimit_decisions_total",
			Help: "Admission gate decisions",
		}, []string{"result"}),
		RateLimitBuckets: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_ratelimit_buckets",
			Help: "Live token buckets",
		}),

		BrokerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_broker_state",
			Help: "Broker channel state (0=disconnected, 1=listening, 2=authenticating, 3=connected, 4=closing)",
		}),
		BrokerFramesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_broker_frames_total",
			Help: "Frames exchanged with the front-end",
		}, []string{"direction", "type"}),
		BrokerSessions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bridge_broker_sessions_total",
			Help: "Authenticated front-end sessions",
		}),
		BrokerUnknownAcks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bridge_broker_unknown_acks_total",
			Help: "Acks discarded because no instruction awaited them",
		}),

		EventDropsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_event_drops_total",
			Help: "Events dropped by the bus per sink",
		}, []string{"sink"}),
		EventErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_event_errors_total",
			Help: "Sink write failures",
		}, []string{"sink"}),
		RedisCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		RedisCircuitBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bridge_redis_circuit_breaker_trips_total",
			Help: "Times the Redis circuit breaker tripped open",
		}),
		RedisBufferedEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bridge_redis_buffered_events_total",
			Help: "Events buffered locally while the Redis circuit was open",
		}),
	}

	reg.MustRegister(
		m.SignalsTotal,
		m.SignalLatency,
		m.StageDuration,
		m.PipelinesInFlight,
		m.AIRequestsTotal,
		m.AILatency,
		m.AIWorkersAlive,
		m.AIBreakerState,
		m.AIBreakerTrips,
		m.RateLimitDecisions,
		m.RateLimitBuckets,
		m.BrokerState,
		m.BrokerFramesTotal,
		m.BrokerSessions,
		m.BrokerUnknownAcks,
		m.EventDropsTotal,
		m.EventErrorsTotal,
		m.RedisCircuitBreakerState,
		m.RedisCircuitBreakerTrips,
		m.RedisBufferedEvents,
	)
	return m
}

// ObserveOutcome records a terminal signal outcome. An empty code is success.
func (m *Metrics) ObserveOutcome(code string, d time.Duration) {
	if code == "" {
		code = "OK"
	}
	m.SignalsTotal.WithLabelValues(code).Inc()
	m.SignalLatency.Observe(d.Seconds())
}

// ObserveAI records one pool answer. An empty reason is success.
func (m *Metrics) ObserveAI(worker int, reason string, d time.Duration) {
	if reason == "" {
		reason = "ok"
	}
	m.AIRequestsTotal.WithLabelValues(strconv.Itoa(worker), reason).Inc()
	m.AILatency.Observe(d.Seconds())
}

// ObserveBreaker records a worker breaker transition (state ordinal).
func (m *Metrics) ObserveBreaker(worker int, to int, opened bool) {
	w := strconv.Itoa(worker)
	m.AIBreakerState.WithLabelValues(w).Set(float64(to))
	if opened {
		m.AIBreakerTrips.WithLabelValues(w).Inc()
	}
}

// ObserveAdmission records an admission gate decision.
func (m *Metrics) ObserveAdmission(allowed bool) {
	result := "denied"
	if allowed {
		result = "allowed"
	}
	m.RateLimitDecisions.WithLabelValues(result).Inc()
}

// Pinger is a dependency that can be probed for liveness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthStatus represents the system health.
type HealthStatus struct {
	mu sync.RWMutex

	BrokerState     string `json:"broker_state"`
	BrokerConnected bool   `json:"broker_connected"`
	WorkersAlive    int    `json:"workers_alive"`
	WorkersTotal    int    `json:"workers_total"`

	RedisEnabled   bool `json:"redis_enabled"`
	RedisConnected bool `json:"redis_connected"`
	SQLiteEnabled  bool `json:"sqlite_enabled"`
	SQLiteOK       bool `json:"sqlite_ok"`

	// Liveness probe results
	RedisLatencyMs  float64   `json:"redis_latency_ms"`
	SQLiteLatencyMs float64   `json:"sqlite_latency_ms"`
	LastCheckAt     time.Time `json:"last_check_at"`
	StartedAt       time.Time `json:"started_at"`
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		BrokerState: "disconnected",
		StartedAt:   time.Now(),
	}
}

func (h *HealthStatus) SetBroker(state string, connected bool) {
	h.mu.Lock()
	h.BrokerState = state
	h.BrokerConnected = connected
	h.mu.Unlock()
}

func (h *HealthStatus) SetWorkers(alive, total int) {
	h.mu.Lock()
	h.WorkersAlive = alive
	h.WorkersTotal = total
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, p Pinger) {
	start := time.Now()
	err := p.Ping(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisEnabled = true
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckSQLite pings the journal and records latency + health.
func (h *HealthStatus) CheckSQLite(ctx context.Context, p Pinger) {
	start := time.Now()
	err := p.Ping(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.SQLiteEnabled = true
	h.SQLiteOK = err == nil
	h.SQLiteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// RunLivenessChecker probes the optional stores every interval until ctx ends.
// Either pinger may be nil.
func (h *HealthStatus) RunLivenessChecker(ctx context.Context, redis, sqlite Pinger, interval time.Duration) {
	probe := func() {
		probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if redis != nil {
			h.CheckRedis(probeCtx, redis)
		}
		if sqlite != nil {
			h.CheckSQLite(probeCtx, sqlite)
		}
	}
	probe()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			probe()
		}
	}
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	// Determine overall status
	overallStatus := "healthy"
	httpCode := http.StatusOK

	storesOK := (!h.RedisEnabled || h.RedisConnected) && (!h.SQLiteEnabled || h.SQLiteOK)
	if !h.BrokerConnected || h.WorkersAlive == 0 || !storesOK {
		overallStatus = "degraded"
		httpCode = http.StatusServiceUnavailable
	}
	if !h.BrokerConnected && h.WorkersAlive == 0 {
		overallStatus = "unhealthy"
	}

	status := struct {
		Status          string  `json:"status"`
		Uptime          string  `json:"uptime"`
		BrokerState     string  `json:"broker_state"`
		BrokerConnected bool    `json:"broker_connected"`
		WorkersAlive    int     `json:"workers_alive"`
		WorkersTotal    int     `json:"workers_total"`
		RedisEnabled    bool    `json:"redis_enabled"`
		RedisConnected  bool    `json:"redis_connected"`
		RedisLatencyMs  float64 `json:"redis_latency_ms"`
		SQLiteEnabled   bool    `json:"sqlite_enabled"`
		SQLiteOK        bool    `json:"sqlite_ok"`
		SQLiteLatencyMs float64 `json:"sqlite_latency_ms"`
		LastCheckAt     string  `json:"last_check_at"`
	}{
		Status:          overallStatus,
		Uptime:          time.Since(h.StartedAt).Round(time.Second).String(),
		BrokerState:     h.BrokerState,
		BrokerConnected: h.BrokerConnected,
		WorkersAlive:    h.WorkersAlive,
		WorkersTotal:    h.WorkersTotal,
		RedisEnabled:    h.RedisEnabled,
		RedisConnected:  h.RedisConnected,
		RedisLatencyMs:  h.RedisLatencyMs,
		SQLiteEnabled:   h.SQLiteEnabled,
		SQLiteOK:        h.SQLiteOK,
		SQLiteLatencyMs: h.SQLiteLatencyMs,
		LastCheckAt:     h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	health *HealthStatus
	addr   string
	srv    *http.Server
	log    *slog.Logger
}

// NewServer creates a metrics and health server. gatherer defaults to
// prometheus.DefaultGatherer.
func NewServer(addr string, health *HealthStatus, gatherer prometheus.Gatherer, log *slog.Logger) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if log == nil {
		log = logger.Discard()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.Handle("/healthz", health)

	return &Server{
		health: health,
		addr:   addr,
		log:    log.With("component", "metrics"),
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		s.log.Info("server listening", "addr", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			s.log.Error("server error", "error", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
