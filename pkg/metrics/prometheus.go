package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector implements Collector against a prometheus registry.
// It is grounded on the teacher's indirect prometheus/client_golang
// dependency (pulled in transitively through its Temporal SDK stack);
// this is the first direct user of it.
type PrometheusCollector struct {
	reorgDetected   prometheus.Counter
	reorgExecuted   prometheus.Counter
	reorgAffected   prometheus.Histogram
	rollbackHeight  prometheus.Gauge

	migrationStarted prometheus.Counter
	migrationVetoed  prometheus.Counter
	migrationRows    prometheus.Counter
	migrationTables  prometheus.Histogram
	migrationSeconds prometheus.Histogram

	blocksIngested prometheus.Counter
	flushSeconds   *prometheus.HistogramVec

	checkpointSaved *prometheus.CounterVec
}

// NewPrometheusCollector builds and registers every metric under reg.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	c := &PrometheusCollector{
		reorgDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chstore", Subsystem: "reorg", Name: "detected_total",
			Help: "Number of times a reorg was detected against the hot chain.",
		}),
		reorgExecuted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chstore", Subsystem: "reorg", Name: "executed_total",
			Help: "Number of reorgs successfully resolved.",
		}),
		reorgAffected: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "chstore", Subsystem: "reorg", Name: "affected_blocks",
			Help:    "Number of hot-chain blocks affected per executed reorg.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
		rollbackHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chstore", Subsystem: "reorg", Name: "last_rollback_height",
			Help: "Height the hot chain was last rolled back to.",
		}),
		migrationStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chstore", Subsystem: "migration", Name: "started_total",
			Help: "Number of migration attempts, including vetoed ones.",
		}),
		migrationVetoed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chstore", Subsystem: "migration", Name: "vetoed_total",
			Help: "Number of migration attempts declined by a beforeMigration hook.",
		}),
		migrationRows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chstore", Subsystem: "migration", Name: "rows_total",
			Help: "Total rows promoted from hot to cold across all completed migrations.",
		}),
		migrationTables: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "chstore", Subsystem: "migration", Name: "tables_per_run",
			Help:    "Number of tables touched per completed migration.",
			Buckets: prometheus.LinearBuckets(1, 1, 10),
		}),
		migrationSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "chstore", Subsystem: "migration", Name: "duration_seconds",
			Help:    "Wall-clock duration of completed migration runs.",
			Buckets: prometheus.DefBuckets,
		}),
		blocksIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chstore", Subsystem: "ingest", Name: "blocks_total",
			Help: "Total blocks staged into the ingest buffer.",
		}),
		flushSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "chstore", Subsystem: "ingest", Name: "flush_duration_seconds",
			Help:    "Per-table batch flush duration.",
			Buckets: prometheus.DefBuckets,
		}, []string{"table"}),
		checkpointSaved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chstore", Subsystem: "checkpoint", Name: "saved_total",
			Help: "Checkpoint saves, labeled by kind (live or cold).",
		}, []string{"kind"}),
	}

	reg.MustRegister(
		c.reorgDetected, c.reorgExecuted, c.reorgAffected, c.rollbackHeight,
		c.migrationStarted, c.migrationVetoed, c.migrationRows, c.migrationTables, c.migrationSeconds,
		c.blocksIngested, c.flushSeconds, c.checkpointSaved,
	)
	return c
}

func (c *PrometheusCollector) ReorgDetected() { c.reorgDetected.Inc() }

func (c *PrometheusCollector) ReorgExecuted(rollbackHeight uint64, affected int) {
	c.reorgExecuted.Inc()
	c.reorgAffected.Observe(float64(affected))
	c.rollbackHeight.Set(float64(rollbackHeight))
}

func (c *PrometheusCollector) MigrationStarted() { c.migrationStarted.Inc() }
func (c *PrometheusCollector) MigrationVetoed()  { c.migrationVetoed.Inc() }

func (c *PrometheusCollector) MigrationCompleted(rows uint64, tables int, duration time.Duration) {
	c.migrationRows.Add(float64(rows))
	c.migrationTables.Observe(float64(tables))
	c.migrationSeconds.Observe(duration.Seconds())
}

func (c *PrometheusCollector) BlocksIngested(n int) { c.blocksIngested.Add(float64(n)) }

func (c *PrometheusCollector) FlushDuration(table string, duration time.Duration) {
	c.flushSeconds.WithLabelValues(table).Observe(duration.Seconds())
}

func (c *PrometheusCollector) CheckpointSaved(kind string) {
	c.checkpointSaved.WithLabelValues(kind).Inc()
}

var _ Collector = (*PrometheusCollector)(nil)
