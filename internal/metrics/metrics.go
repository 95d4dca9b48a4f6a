package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Polling metrics
	PollFetchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livestat_poll_fetches_total",
			Help: "Total metric fetches issued by poll slots",
		},
		[]string{"slot", "result"},
	)

	PollFetchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "livestat_poll_fetch_duration_seconds",
			Help:    "Metric fetch duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"slot"},
	)

	PollDiscardedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livestat_poll_discarded_total",
			Help: "Fetch results discarded because the slot moved on",
		},
		[]string{"slot"},
	)

	PollActiveSlots = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "livestat_poll_active_slots",
			Help: "Number of slots with a running timer",
		},
	)

	// Gate metrics
	GateAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livestat_gate_attempts_total",
			Help: "Total authorization attempts by outcome",
		},
		[]string{"result"},
	)

	// Usage metrics
	UsageSecondsUsed = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "livestat_usage_seconds_used",
			Help: "Active seconds used today",
		},
	)

	UsageLimitReachedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "livestat_usage_limit_reached_total",
			Help: "Number of times the daily limit was crossed",
		},
	)

	// HTTP API metrics
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livestat_http_requests_total",
			Help: "Total HTTP API requests",
		},
		[]string{"route", "status"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(
		PollFetchesTotal,
		PollFetchDuration,
		PollDiscardedTotal,
		PollActiveSlots,
		GateAttemptsTotal,
		UsageSecondsUsed,
		UsageLimitReachedTotal,
		HTTPRequestsTotal,
	)
}

// Server is the metrics HTTP server
type Server struct {
	server   *http.Server
	logger   zerolog.Logger
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
}

// NewServer creates a new metrics server
func NewServer(addr string, logger zerolog.Logger) *Server {
	return &Server{
		server: &http.Server{
			Addr:    addr,
			Handler: Handler(),
		},
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// Handler serves /metrics and /health.
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	return mux
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the metrics server
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting metrics server")
	go func() {
		var err error
		if s.listener != nil {
			s.logger.Debug().Msg("Using systemd socket-activated metrics listener")
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	return nil
}

// Stop stops the metrics server
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping metrics server")
	return s.server.Close()
}
