package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tutor-gate/api/internal/reputation"
	"tutor-gate/api/internal/verdict"
	"tutor-gate/api/internal/workpool"
)

const namespace = "gate"

// Metrics is the Prometheus view of the pipeline. Recording methods are safe on a nil receiver.
type Metrics struct {
	reg *prometheus.Registry

	verdicts        *prometheus.CounterVec
	stageDuration   *prometheus.HistogramVec
	classifierCalls *prometheus.CounterVec
	classifierTook  *prometheus.HistogramVec
	imageIssues     *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		verdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verdicts_total",
			Help:      "Pipeline verdicts by rejection category (allowed for passes).",
		}, []string{"category"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Time spent in each pipeline stage.",
			Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"stage"}),
		classifierCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "classifier_calls_total",
			Help:      "Classifier calls by stage and outcome.",
		}, []string{"stage", "outcome"}),
		classifierTook: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "classifier_call_duration_seconds",
			Help:      "Classifier call latency including the retry.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"stage"}),
		imageIssues: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "image_quality_issues_total",
			Help:      "Image quality hard-gate failures by issue.",
		}, []string{"issue"}),
	}
	m.reg.MustRegister(
		m.verdicts, m.stageDuration, m.classifierCalls, m.classifierTook,
		m.imageIssues,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry is exposed for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) Verdict(c verdict.Category) {
	if m == nil {
		return
	}
	label := string(c)
	if c == verdict.None {
		label = "allowed"
	}
	m.verdicts.WithLabelValues(label).Inc()
}

func (m *Metrics) StageTook(stage verdict.Stage, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(string(stage)).Observe(d.Seconds())
}

// ClassifierCall implements moderation.Observer.
func (m *Metrics) ClassifierCall(stage verdict.Stage, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.classifierCalls.WithLabelValues(string(stage), outcome).Inc()
	m.classifierTook.WithLabelValues(string(stage)).Observe(took.Seconds())
}

func (m *Metrics) ImageIssues(keys []string) {
	if m == nil {
		return
	}
	for _, k := range keys {
		m.imageIssues.WithLabelValues(k).Inc()
	}
}

// WatchReputation exports reputation gauges computed at scrape time.
func (m *Metrics) WatchReputation(summary func() reputation.Summary) {
	m.reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "blacklisted_clients",
			Help:      "Clients currently blacklisted.",
		}, func() float64 { return float64(summary().BlacklistedClients) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tracked_clients",
			Help:      "Client reputation records held in memory.",
		}, func() float64 { return float64(summary().TrackedClients) }),
	)
}

// WatchPool exports the occupancy of a worker pool.
func (m *Metrics) WatchPool(p *workpool.Pool) {
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   namespace,
		Name:        "pool_in_use",
		Help:        "Occupied slots per worker pool.",
		ConstLabels: prometheus.Labels{"pool": p.Name()},
	}, func() float64 { return float64(p.InUse()) }))
}
