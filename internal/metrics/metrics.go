package metrics

import (
	"net/http"
	"time"

	"codeberg.org/mutker/evtrack/internal/errors"
	"codeberg.org/mutker/evtrack/internal/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Breaker states as gauge values.
var breakerStates = map[string]float64{
	"closed":    0,
	"half_open": 1,
	"open":      2,
}

type service struct {
	registry      *prometheus.Registry
	polls         *prometheus.CounterVec
	pollLatency   *prometheus.HistogramVec
	breaker       *prometheus.GaugeVec
	notifications *prometheus.CounterVec
	summaries     *prometheus.CounterVec
	goalTasks     *prometheus.GaugeVec
}

// No-op implementation
type noopCollector struct{}

// NewService returns a Prometheus backed collector with its own registry,
// or a no-op collector when metrics are disabled.
func NewService(cfg Config, log logger.Logger) (Collector, error) {
	errFactory := errors.New()

	if err := cfg.Validate(); err != nil {
		return nil, errFactory.Wrap(ErrInvalidConfig, err)
	}

	if !cfg.Enabled {
		log.Debug().Msg("Metrics collection disabled, using no-op collector")
		return Noop(), nil
	}

	ns := cfg.Namespace
	if ns == "" {
		ns = defaultNamespace
	}

	s := &service{
		registry: prometheus.NewRegistry(),
		polls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "polls_total",
				Help:      "Telemetry polls by outcome.",
			},
			[]string{"outcome"},
		),
		pollLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: ns,
				Name:      "poll_duration_seconds",
				Help:      "Duration of a single vehicle poll.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),
		breaker: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: ns,
				Name:      "breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=half_open, 2=open).",
			},
			[]string{"breaker"},
		),
		notifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "notifications_total",
				Help:      "Push notifications by final status.",
			},
			[]string{"status"},
		),
		summaries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "summaries_total",
				Help:      "Session summaries by kind and final status.",
			},
			[]string{"kind", "status"},
		),
		goalTasks: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: ns,
				Name:      "goal_tasks_active",
				Help:      "Goal tasks currently scheduled, by mode.",
			},
			[]string{"mode"},
		),
	}

	for _, c := range []prometheus.Collector{
		s.polls, s.pollLatency, s.breaker, s.notifications, s.summaries, s.goalTasks,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		if err := s.registry.Register(c); err != nil {
			return nil, errFactory.Wrap(ErrRegister, err)
		}
	}

	log.Debug().Str("namespace", ns).Msg("Metrics collector initialized")

	return s, nil
}

// Noop returns a collector that records nothing and serves 404 on Handler.
func Noop() Collector {
	return noopCollector{}
}

func (s *service) PollCompleted(outcome string, took time.Duration) {
	s.polls.WithLabelValues(outcome).Inc()
	s.pollLatency.WithLabelValues(outcome).Observe(took.Seconds())
}

func (s *service) BreakerState(name, state string) {
	s.breaker.WithLabelValues(name).Set(breakerStates[state])
}

func (s *service) NotificationSent(status string) {
	s.notifications.WithLabelValues(status).Inc()
}

func (s *service) SummaryFinished(kind, status string) {
	s.summaries.WithLabelValues(kind, status).Inc()
}

func (s *service) GoalTasksActive(mode string, n int) {
	s.goalTasks.WithLabelValues(mode).Set(float64(n))
}

func (s *service) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

func (noopCollector) PollCompleted(string, time.Duration) {}
func (noopCollector) BreakerState(string, string)         {}
func (noopCollector) NotificationSent(string)             {}
func (noopCollector) SummaryFinished(string, string)      {}
func (noopCollector) GoalTasksActive(string, int)         {}

func (noopCollector) Handler() http.Handler {
	return http.NotFoundHandler()
}
