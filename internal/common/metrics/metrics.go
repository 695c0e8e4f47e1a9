package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mtatracker-data/internal/common/logger"
)

type Collector struct {
	reg *prometheus.Registry

	PollsTotal   *prometheus.CounterVec // source, outcome: ok|not_modified|transport|decode|partial
	PollDuration *prometheus.HistogramVec
	IntentsTotal *prometheus.CounterVec // source, action
	EntityErrors *prometheus.CounterVec // source, kind: reconcile|persist
	LastSuccess  *prometheus.GaugeVec

	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSConnected   prometheus.Gauge
	PublishDuration prometheus.Histogram

	CleanupDeleted *prometheus.CounterVec // table
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		PollsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mtatracker_polls_total",
			Help: "Poll cycles by feed source and outcome.",
		}, []string{"source", "outcome"}),
		PollDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mtatracker_poll_duration_seconds",
			Help:    "Duration of a poll cycle from fetch to commit.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"source"}),
		IntentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mtatracker_intents_total",
			Help: "Committed upsert intents by feed source and action.",
		}, []string{"source", "action"}),
		EntityErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mtatracker_entity_errors_total",
			Help: "Entities skipped during reconciliation or rolled back during persistence.",
		}, []string{"source", "kind"}),
		LastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mtatracker_last_success_timestamp_seconds",
			Help: "Unix time of the last poll that committed.",
		}, []string{"source"}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mtatracker_nats_published_total",
			Help: "Total NATS messages published.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mtatracker_nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mtatracker_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mtatracker_publish_duration_seconds",
			Help:    "Duration to marshal and publish a NATS message.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		CleanupDeleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mtatracker_cleanup_deleted_total",
			Help: "Rows removed by retention cleanup.",
		}, []string{"table"}),
	}

	reg.MustRegister(
		c.PollsTotal, c.PollDuration, c.IntentsTotal, c.EntityErrors, c.LastSuccess,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected, c.PublishDuration,
		c.CleanupDeleted,
	)
	return c
}

// PollObserved records the end of a poll cycle.
func (c *Collector) PollObserved(source, outcome string, d time.Duration) {
	c.PollsTotal.WithLabelValues(source, outcome).Inc()
	c.PollDuration.WithLabelValues(source).Observe(d.Seconds())
	if outcome == "ok" || outcome == "partial" {
		c.LastSuccess.WithLabelValues(source).SetToCurrentTime()
	}
}

func (c *Collector) IntentsObserved(source string, actions map[string]int) {
	for action, n := range actions {
		c.IntentsTotal.WithLabelValues(source, action).Add(float64(n))
	}
}

func (c *Collector) EntityErrorsAdd(source, kind string, n int) {
	if n > 0 {
		c.EntityErrors.WithLabelValues(source, kind).Add(float64(n))
	}
}

func (c *Collector) CleanupObserved(table string, deleted int64) {
	c.CleanupDeleted.WithLabelValues(table).Add(float64(deleted))
}

func (c *Collector) NATSPublishedInc()               { c.NATSPublished.Inc() }
func (c *Collector) NATSPublishErrInc()              { c.NATSPublishErrs.Inc() }
func (c *Collector) PublishObserve(d time.Duration) { c.PublishDuration.Observe(d.Seconds()) }

func (c *Collector) NATSSetConnected(connected bool) {
	if connected {
		c.NATSConnected.Set(1)
	} else {
		c.NATSConnected.Set(0)
	}
}

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string, log logger.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Metrics server error", "error", err)
		}
	}()
	log.Info("Metrics listening", "addr", addr)
	return srv
}
