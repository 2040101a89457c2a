package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the kernel and its gateway.
// Each Metrics owns its registry so independent instances never collide.
type Metrics struct {
	// Syscall metrics
	SyscallsTotal   *prometheus.CounterVec
	SyscallDuration *prometheus.HistogramVec

	// Task metrics
	TasksByState *prometheus.GaugeVec
	TasksSpawned prometheus.Gauge
	TasksExited  prometheus.Gauge

	// IPC metrics
	IPCSent     prometheus.Gauge
	IPCReceived prometheus.Gauge

	// Wait metrics
	FutexWaiting  prometheus.Gauge
	EngineBlocked prometheus.Gauge

	// Resource metrics
	OpenHandles prometheus.Gauge
	PipesActive prometheus.Gauge

	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// WebSocket metrics
	WSConnections prometheus.Gauge

	// System metrics
	Uptime    prometheus.Gauge
	startTime time.Time

	registry *prometheus.Registry
	ring     *latencyRing
}

// NewMetrics creates a new metrics collector with its own registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{
		startTime: time.Now(),
		registry:  reg,
		ring:      newLatencyRing(4096),

		SyscallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sabos_syscalls_total",
				Help: "Total number of syscalls by name and result class",
			},
			[]string{"syscall", "class"},
		),
		SyscallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sabos_syscall_duration_seconds",
				Help:    "Syscall duration in seconds",
				Buckets: []float64{.000001, .00001, .0001, .001, .01, .1, 1, 10},
			},
			[]string{"syscall"},
		),

		TasksByState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sabos_tasks",
				Help: "Number of tasks by state",
			},
			[]string{"state"},
		),
		TasksSpawned: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "sabos_tasks_spawned_total",
				Help: "Tasks spawned since boot",
			},
		),
		TasksExited: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "sabos_tasks_exited_total",
				Help: "Tasks exited since boot",
			},
		),

		IPCSent: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "sabos_ipc_messages_sent_total",
				Help: "IPC messages accepted for delivery since boot",
			},
		),
		IPCReceived: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "sabos_ipc_messages_received_total",
				Help: "IPC messages delivered to receivers since boot",
			},
		),

		FutexWaiting: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "sabos_futex_waiters",
				Help: "Tasks currently parked on a futex word",
			},
		),
		EngineBlocked: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "sabos_blocked_tasks",
				Help: "Tasks currently parked in the sleep/wake engine",
			},
		),

		OpenHandles: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "sabos_open_handles",
				Help: "Capability handles currently open across all tasks",
			},
		),
		PipesActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "sabos_pipes_active",
				Help: "Pipes with at least one end open",
			},
		),

		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sabos_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sabos_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"method", "path"},
		),

		WSConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "sabos_ws_connections",
				Help: "Active WebSocket syscall sessions",
			},
		),

		Uptime: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "sabos_uptime_seconds",
				Help: "Gateway uptime in seconds",
			},
		),
	}

	return m
}

// Handler exposes this collector's registry in Prometheus format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordSyscall records one completed syscall. class is "ok" for success,
// the error class otherwise. Satisfies the dispatcher's Recorder.
func (m *Metrics) RecordSyscall(name, class string, seconds float64) {
	m.SyscallsTotal.WithLabelValues(name, class).Inc()
	m.SyscallDuration.WithLabelValues(name).Observe(seconds)
	m.ring.observe(seconds)
}

// RecordHTTPRequest records one HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// SetTaskCounts replaces the per-state task gauges from a scheduler census.
func (m *Metrics) SetTaskCounts(counts map[string]int) {
	for state, n := range counts {
		m.TasksByState.WithLabelValues(state).Set(float64(n))
	}
}

// UpdateUptime refreshes the uptime gauge; the kernel tick loop calls it.
func (m *Metrics) UpdateUptime() {
	m.Uptime.Set(time.Since(m.startTime).Seconds())
}

// Summary reports syscall latency statistics over the recent window.
func (m *Metrics) Summary() SummaryStats {
	return m.ring.summary()
}
