package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Poll outcomes.
const (
	OutcomeUpdate   = "update"
	OutcomeTerminal = "terminal"
	OutcomeError    = "error"
)

// Auth detection results.
const (
	AuthCompleted  = "completed"
	AuthStale      = "stale"
	AuthTimeout    = "timeout"
	AuthInspectErr = "inspect_error"
)

// Metrics holds the client-side counters. A nil *Metrics is valid and
// records nothing, so components can take it as optional.
type Metrics struct {
	registry    *prometheus.Registry
	polls       *prometheus.CounterVec
	auth        *prometheus.CounterVec
	jobsStarted prometheus.Counter
	jobProgress *prometheus.GaugeVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cloudidian",
			Name:      "job_polls_total",
			Help:      "Job status queries issued by the poller, by outcome.",
		}, []string{"outcome"}),
		auth: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cloudidian",
			Name:      "auth_detections_total",
			Help:      "Sign-in hand-off detection events, by result.",
		}, []string{"result"}),
		jobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cloudidian",
			Name:      "jobs_started_total",
			Help:      "Sorting jobs submitted from this client.",
		}),
		jobProgress: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "cloudidian",
			Name:      "job_progress_percent",
			Help:      "Last observed progress of a polled job.",
		}, []string{"job_id"}),
	}
	reg.MustRegister(m.polls, m.auth, m.jobsStarted, m.jobProgress)
	return m
}

func (m *Metrics) ObservePoll(outcome string) {
	if m == nil {
		return
	}
	m.polls.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveAuth(result string) {
	if m == nil {
		return
	}
	m.auth.WithLabelValues(result).Inc()
}

func (m *Metrics) JobStarted() {
	if m == nil {
		return
	}
	m.jobsStarted.Inc()
}

func (m *Metrics) SetProgress(jobID string, pct int) {
	if m == nil {
		return
	}
	m.jobProgress.WithLabelValues(jobID).Set(float64(pct))
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Serve exposes /metrics on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	logger.Info("serving metrics", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
