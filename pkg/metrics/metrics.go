// Package metrics defines the telemetry surface SPEC_FULL.md's ambient stack
// calls for: named counters and histograms for reorgs, migrations, and
// ingest flushes, with a no-op default and a Prometheus-backed collector for
// production wiring.
package metrics

import "time"

// Collector is the telemetry sink every long-running component reports
// through. Components depend on this interface, never on prometheus types
// directly, so tests can swap in Noop without a registry.
type Collector interface {
	ReorgDetected()
	ReorgExecuted(rollbackHeight uint64, affected int)

	MigrationStarted()
	MigrationVetoed()
	MigrationCompleted(rows uint64, tables int, duration time.Duration)

	BlocksIngested(n int)
	FlushDuration(table string, duration time.Duration)

	CheckpointSaved(kind string)
}

type noopCollector struct{}

func (noopCollector) ReorgDetected()                                                {}
func (noopCollector) ReorgExecuted(rollbackHeight uint64, affected int)             {}
func (noopCollector) MigrationStarted()                                            {}
func (noopCollector) MigrationVetoed()                                             {}
func (noopCollector) MigrationCompleted(rows uint64, tables int, d time.Duration)   {}
func (noopCollector) BlocksIngested(n int)                                          {}
func (noopCollector) FlushDuration(table string, d time.Duration)                   {}
func (noopCollector) CheckpointSaved(kind string)                                   {}

// Noop discards every observation. It satisfies reorg.Metrics structurally,
// so it can be passed anywhere a Collector or a narrower component-local
// metrics interface is expected.
var Noop Collector = noopCollector{}
