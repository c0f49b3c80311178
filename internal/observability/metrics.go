package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the gateway.
type Metrics struct {
	OnlineDevices   prometheus.Gauge
	OpenSockets     prometheus.Gauge
	RegistryEvents  *prometheus.CounterVec
	AuthFailures    *prometheus.CounterVec
	WSMessages      *prometheus.CounterVec
	FramesDropped   *prometheus.CounterVec
	Utterances      *prometheus.CounterVec
	Farewells       prometheus.Counter
	DispatchErrors  *prometheus.CounterVec
	ProviderErrors  *prometheus.CounterVec
	Broadcasts      *prometheus.CounterVec
	AdminRequests   *prometheus.CounterVec
	StageLatency    *prometheus.HistogramVec
	namespace       string
	registeredPools bool
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		namespace: namespace,
		OnlineDevices: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "online_devices",
			Help:      "Devices with at least one open socket.",
		}),
		OpenSockets: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_sockets",
			Help:      "Registered device sockets.",
		}),
		RegistryEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registry_events_total",
			Help:      "Device registry lifecycle events by type.",
		}, []string{"event"}),
		AuthFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Rejected device handshakes by reason.",
		}, []string{"kind"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		FramesDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_dropped_total",
			Help:      "Inbound audio frames not buffered, by reason.",
		}, []string{"reason"}),
		Utterances: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "utterances_total",
			Help:      "Utterance boundaries by outcome.",
		}, []string{"outcome"}),
		Farewells: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "idle_farewells_total",
			Help:      "Farewell prompts issued after prolonged silence.",
		}),
		DispatchErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_errors_total",
			Help:      "Failed intent or chat dispatches by stage.",
		}, []string{"stage"}),
		ProviderErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Provider errors by provider and code.",
		}, []string{"provider", "code"}),
		Broadcasts: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_sends_total",
			Help:      "Broadcast socket sends by result.",
		}, []string{"result"}),
		AdminRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admin_requests_total",
			Help:      "Admin API requests by route and status class.",
		}, []string{"route", "status"}),
		StageLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_stage_latency_ms",
			Help:      "Turn stage latency in milliseconds.",
			Buckets:   []float64{50, 100, 200, 400, 700, 1000, 1500, 2500, 4000, 8000},
		}, []string{"stage"}),
	}
}

func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	m.StageLatency.WithLabelValues(stage).Observe(float64(d.Milliseconds()))
}

// PoolStats is satisfied by worker.Pool.
type PoolStats interface {
	Pending() int64
	Running() int64
}

// RegisterPool exports worker pool occupancy. Only the first call registers.
func (m *Metrics) RegisterPool(p PoolStats) {
	if m.registeredPools {
		return
	}
	m.registeredPools = true
	promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Name:      "worker_jobs_pending",
		Help:      "Jobs waiting for a worker slot.",
	}, func() float64 { return float64(p.Pending()) })
	promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Name:      "worker_jobs_running",
		Help:      "Jobs holding a worker slot.",
	}, func() float64 { return float64(p.Running()) })
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
