package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"pht-monitor/core/logger"
)

// PrometheusSink exports metrics for Prometheus/Grafana
type PrometheusSink struct {
	jobsCreated   prometheus.Counter
	jobUpdates    *prometheus.CounterVec
	eventsAdded   *prometheus.CounterVec
	eventsDeleted *prometheus.CounterVec
	logFlushes    prometheus.Counter
	logEvicted    prometheus.Counter

	published   *prometheus.CounterVec
	dropped     *prometheus.CounterVec
	subscribers *prometheus.GaugeVec

	log logrus.FieldLogger
}

// NewPrometheusSink creates the collectors and registers them with reg.
// Registration failures are logged and the sink keeps working unregistered.
func NewPrometheusSink(reg prometheus.Registerer, log logrus.FieldLogger) *PrometheusSink {
	if log == nil {
		log = logger.Discard()
	}
	s := &PrometheusSink{log: log.WithField("component", "metrics")}
	s.initJobMetrics(reg)
	s.initHubMetrics(reg)
	return s
}

func (s *PrometheusSink) initJobMetrics(reg prometheus.Registerer) {
	s.jobsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pht_jobs_created_total",
		Help: "Total number of jobs created.",
	})
	s.jobUpdates = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pht_job_updates_total",
		Help: "Total number of job updates by updated field.",
	}, []string{"field"})
	s.eventsAdded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pht_metric_events_appended_total",
		Help: "Total number of metric events appended to job logs.",
	}, []string{"kind"})
	s.eventsDeleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pht_metric_events_deleted_total",
		Help: "Total number of metric events deleted explicitly.",
	}, []string{"kind"})
	s.logFlushes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pht_event_log_evictions_total",
		Help: "Total number of event log flushes on overflow.",
	})
	s.logEvicted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pht_event_log_evicted_events_total",
		Help: "Total number of metric events removed by event log flushes.",
	})

	s.register(reg, s.jobsCreated, "pht_jobs_created_total")
	s.register(reg, s.jobUpdates, "pht_job_updates_total")
	s.register(reg, s.eventsAdded, "pht_metric_events_appended_total")
	s.register(reg, s.eventsDeleted, "pht_metric_events_deleted_total")
	s.register(reg, s.logFlushes, "pht_event_log_evictions_total")
	s.register(reg, s.logEvicted, "pht_event_log_evicted_events_total")
}

func (s *PrometheusSink) initHubMetrics(reg prometheus.Registerer) {
	s.published = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pht_hub_published_total",
		Help: "Total number of notifications published per topic.",
	}, []string{"topic"})
	s.dropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pht_hub_dropped_total",
		Help: "Total number of notifications dropped for slow subscribers.",
	}, []string{"topic"})
	s.subscribers = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pht_hub_subscribers",
		Help: "Current number of live subscribers per topic.",
	}, []string{"topic"})

	s.register(reg, s.published, "pht_hub_published_total")
	s.register(reg, s.dropped, "pht_hub_dropped_total")
	s.register(reg, s.subscribers, "pht_hub_subscribers")
}

func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		s.log.WithError(err).WithField("metric", name).Warn("failed to register metric")
	}
}

func (s *PrometheusSink) JobCreated() {
	s.jobsCreated.Inc()
}

func (s *PrometheusSink) JobUpdated(field string) {
	s.jobUpdates.WithLabelValues(field).Inc()
}

func (s *PrometheusSink) MetricAppended(kind string) {
	s.eventsAdded.WithLabelValues(kind).Inc()
}

func (s *PrometheusSink) MetricDeleted(kind string) {
	s.eventsDeleted.WithLabelValues(kind).Inc()
}

func (s *PrometheusSink) EventLogFlushed(evicted int) {
	s.logFlushes.Inc()
	s.logEvicted.Add(float64(evicted))
}

func (s *PrometheusSink) NotificationPublished(topic string) {
	s.published.WithLabelValues(topic).Inc()
}

func (s *PrometheusSink) NotificationDropped(topic string) {
	s.dropped.WithLabelValues(topic).Inc()
}

func (s *PrometheusSink) SubscribersUpdate(topic string, count int) {
	s.subscribers.WithLabelValues(topic).Set(float64(count))
}
