package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics for the dispatcher. Scraped from /metrics.
var (
	// Bus reader
	BusRecordsConsumed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatcher_bus_records_consumed_total",
		Help: "Records consumed from the bus by stream kind",
	}, []string{"stream"})

	BusMalformedRecords = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dispatcher_bus_malformed_records_total",
		Help: "Records dropped because metadata or payload failed to decode",
	})

	BusReadErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dispatcher_bus_read_errors_total",
		Help: "Transient bus read errors (retried with backoff)",
	})

	StreamsTracked = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dispatcher_streams_tracked",
		Help: "Wave stream keys currently tailed by the live reader",
	})

	// Backpressure drop points (drop-newest)
	RecordsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatcher_records_dropped_total",
		Help: "Records dropped on bounded-queue overflow by stage",
	}, []string{"stage"})

	// Signal pipeline
	BatchSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "dispatcher_sp_batch_size",
		Help:    "Sample arrays per signal-pipeline batch",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
	})

	BatchFallbacks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dispatcher_sp_batch_fallbacks_total",
		Help: "Batches that fell back to per-array processing",
	})

	WindowBuffers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dispatcher_window_buffers",
		Help: "Per-station window buffers currently allocated",
	})

	// Picks
	PicksObserved = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dispatcher_picks_observed_total",
		Help: "Pick records read from the pick stream",
	})

	PicksEmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dispatcher_picks_emitted_total",
		Help: "Unique picks broadcast to clients",
	})

	// WebSocket clients
	ConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dispatcher_ws_connections_total",
		Help: "WebSocket connections accepted since start",
	})

	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dispatcher_ws_connections_active",
		Help: "Currently connected WebSocket clients",
	})

	FramesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatcher_ws_frames_sent_total",
		Help: "Frames written to clients by event type",
	}, []string{"event"})

	FramesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dispatcher_ws_frames_dropped_total",
		Help: "Frames dropped because a client send queue was full",
	})

	SlowClientsDisconnected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dispatcher_ws_slow_clients_disconnected_total",
		Help: "Clients disconnected after repeated send-queue overflows",
	})

	RateLimitedMessages = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dispatcher_ws_rate_limited_messages_total",
		Help: "Inbound client messages dropped by the per-connection rate limiter",
	})

	// Historical queries
	HistoricalRequests = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dispatcher_historical_requests_total",
		Help: "Historical window requests received",
	})

	HistoricalErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dispatcher_historical_errors_total",
		Help: "Historical requests terminated by a bus error",
	})

	HistoricalDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "dispatcher_historical_duration_seconds",
		Help:    "End-to-end historical query duration",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	// Process resources (sampled via gopsutil)
	ProcessCPUPercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dispatcher_process_cpu_percent",
		Help: "Dispatcher process CPU usage percent",
	})

	ProcessMemoryBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dispatcher_process_memory_bytes",
		Help: "Dispatcher process resident memory",
	})
)

func init() {
	prometheus.MustRegister(
		BusRecordsConsumed,
		BusMalformedRecords,
		BusReadErrors,
		StreamsTracked,
		RecordsDropped,
		BatchSize,
		BatchFallbacks,
		WindowBuffers,
		PicksObserved,
		PicksEmitted,
		ConnectionsTotal,
		ConnectionsActive,
		FramesSent,
		FramesDropped,
		SlowClientsDisconnected,
		RateLimitedMessages,
		HistoricalRequests,
		HistoricalErrors,
		HistoricalDuration,
		ProcessCPUPercent,
		ProcessMemoryBytes,
	)
}

// HandleMetrics serves the Prometheus scrape endpoint.
func HandleMetrics(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}
