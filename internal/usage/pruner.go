package usage

import (
	"context"
	"time"

	"github.com/coder/quartz"
	"github.com/rs/zerolog"

	"github.com/goodtune/livestat/internal/storage"
)

// Pruner deletes usage counters older than the retention period once a day.
type Pruner struct {
	store         storage.UsageStore
	pruneTime     time.Time // Time of day to prune (only hour and minute are used)
	retentionDays int
	clock         quartz.Clock
	logger        zerolog.Logger
}

// NewPruner creates a new pruner. pruneTime is HH:MM.
func NewPruner(store storage.UsageStore, pruneTime string, retentionDays int, clock quartz.Clock, logger zerolog.Logger) (*Pruner, error) {
	parsedTime, err := time.Parse("15:04", pruneTime)
	if err != nil {
		return nil, err
	}
	if clock == nil {
		clock = quartz.NewReal()
	}

	return &Pruner{
		store:         store,
		pruneTime:     parsedTime,
		retentionDays: retentionDays,
		clock:         clock,
		logger:        logger.With().Str("component", "usage-pruner").Logger(),
	}, nil
}

// Run prunes at the configured time each day until ctx is done.
func (p *Pruner) Run(ctx context.Context) error {
	p.logger.Info().
		Str("prune_time", p.pruneTime.Format("15:04")).
		Int("retention_days", p.retentionDays).
		Msg("Daily usage pruner started")

	for {
		nextPrune := p.calculateNextPrune()
		waitDuration := nextPrune.Sub(p.clock.Now())

		p.logger.Debug().
			Time("next_prune", nextPrune).
			Dur("wait_duration", waitDuration).
			Msg("Scheduled next usage prune")

		timer := p.clock.NewTimer(waitDuration, "usage", "prune")
		select {
		case <-timer.C:
			p.Prune(ctx)
		case <-ctx.Done():
			timer.Stop()
			p.logger.Info().Msg("Daily usage pruner stopped")
			return nil
		}
	}
}

// calculateNextPrune calculates the next prune time
func (p *Pruner) calculateNextPrune() time.Time {
	now := p.clock.Now()

	todayPrune := time.Date(
		now.Year(), now.Month(), now.Day(),
		p.pruneTime.Hour(), p.pruneTime.Minute(), 0, 0,
		now.Location(),
	)

	// If we've already reached today's prune time, schedule for tomorrow
	if !now.Before(todayPrune) {
		return todayPrune.AddDate(0, 0, 1)
	}

	return todayPrune
}

// Prune deletes counters older than the retention period.
func (p *Pruner) Prune(ctx context.Context) {
	cutoffDate := p.clock.Now().AddDate(0, 0, -p.retentionDays).Format(storage.DateLayout)

	deleted, err := p.store.DeleteDailyUsageBefore(ctx, cutoffDate)
	if err != nil {
		p.logger.Error().Err(err).Msg("Failed to prune old daily usage data")
		return
	}

	p.logger.Info().
		Int("rows_deleted", deleted).
		Str("cutoff_date", cutoffDate).
		Msg("Old daily usage data pruned")
}
