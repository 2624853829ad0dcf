package migration

import (
	"context"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Scheduler drives Migrate on a wall-clock cadence instead of the
// block-count-driven TriggerEveryNBlocks/TriggerOnFinalityAdvance policies
// — the spec's "time-driven rather than block-driven" alternative, for
// embedders whose ingest rate is too irregular for a block-count trigger to
// behave predictably.
type Scheduler struct {
	logger *zap.Logger
	cron   *cron.Cron
	run    func(ctx context.Context) (Result, error)
}

// NewScheduler builds a Scheduler that invokes run on the given cron
// expression (standard 5-field syntax, e.g. "*/5 * * * *", or "@every 30s").
func NewScheduler(logger *zap.Logger, spec string, run func(ctx context.Context) (Result, error)) (*Scheduler, error) {
	s := &Scheduler{logger: logger, cron: cron.New(), run: run}
	_, err := s.cron.AddFunc(spec, func() {
		result, err := run(context.Background())
		if err != nil {
			logger.Warn("scheduled migration failed", zap.Error(err))
			return
		}
		if result.Vetoed {
			logger.Debug("scheduled migration vetoed")
			return
		}
		logger.Info("scheduled migration ran",
			zap.Int64("cutoff", result.CutoffHeight),
			zap.Uint64("migrated", result.Migrated))
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Start begins running the schedule in the background.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts the schedule and waits for any in-flight run to finish.
func (s *Scheduler) Stop() { <-s.cron.Stop().Done() }
