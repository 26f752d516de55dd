package metrics

import (
	"errors"
	"net/http"
	"time"

	"relmigrate/internal/progress"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector collects and exposes metrics
type Collector struct {
	registry         *prometheus.Registry
	batchesTotal     *prometheus.CounterVec
	recordsTotal     *prometheus.CounterVec
	checkpointsTotal *prometheus.CounterVec
	alertsTotal      *prometheus.CounterVec
	inflightEntities prometheus.Gauge
	batchDuration    *prometheus.HistogramVec
}

// New creates a new metrics collector registered on reg. A nil reg gets a
// private registry.
func New(reg *prometheus.Registry) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	c := &Collector{
		registry: reg,
		batchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relmigrate_batches_total",
				Help: "Total number of batches processed",
			},
			[]string{"entity", "status"},
		),
		recordsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relmigrate_records_total",
				Help: "Total number of records processed",
			},
			[]string{"entity", "status"},
		),
		checkpointsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relmigrate_checkpoint_writes_total",
				Help: "Checkpoint writes per backend",
			},
			[]string{"backend", "status"},
		),
		alertsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relmigrate_alerts_total",
				Help: "Alerts raised during migration",
			},
			[]string{"type", "severity"},
		),
		inflightEntities: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "relmigrate_inflight_entities",
				Help: "Number of entities currently migrating",
			},
		),
		batchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relmigrate_batch_duration_seconds",
				Help:    "Time taken to write a batch",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"entity"},
		),
	}

	reg.MustRegister(
		c.batchesTotal,
		c.recordsTotal,
		c.checkpointsTotal,
		c.alertsTotal,
		c.inflightEntities,
		c.batchDuration,
	)

	return c
}

// Registry returns the registry the collector is registered on
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// ObserveBatch records a committed or abandoned batch
func (c *Collector) ObserveBatch(entity string, committed bool, migrated, failed int, duration time.Duration) {
	status := "committed"
	if !committed {
		status = "failed"
	}
	c.batchesTotal.WithLabelValues(entity, status).Inc()
	c.recordsTotal.WithLabelValues(entity, "migrated").Add(float64(migrated))
	c.recordsTotal.WithLabelValues(entity, "failed").Add(float64(failed))
	c.batchDuration.WithLabelValues(entity).Observe(duration.Seconds())
}

// CheckpointWritten implements checkpoint.Observer
func (c *Collector) CheckpointWritten(backend string, ok bool) {
	status := "ok"
	if !ok {
		status = "failed"
	}
	c.checkpointsTotal.WithLabelValues(backend, status).Inc()
}

// EntityStarted increments the in-flight gauge
func (c *Collector) EntityStarted() {
	c.inflightEntities.Inc()
}

// EntityFinished decrements the in-flight gauge
func (c *Collector) EntityFinished() {
	c.inflightEntities.Dec()
}

// HandleEvent counts alerts published on the progress stream
func (c *Collector) HandleEvent(ev progress.Event) {
	if ev.Type == progress.EventAlert && ev.Alert != nil {
		c.alertsTotal.WithLabelValues(ev.Alert.Type, string(ev.Alert.Severity)).Inc()
	}
}

// StartServer starts the metrics HTTP server
func (c *Collector) StartServer(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))
	err := http.ListenAndServe(addr, mux)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
