// Package retention prunes terminal operations out of the journal.
//
// The janitor runs as a background goroutine on a fixed interval and
// deletes completed and failed operations whose last update is older than
// the retention window. Pending and running operations are never touched,
// and pruning never recycles operation IDs.
//
// With archiving enabled the expired records are written to a local JSONL
// file first. Archive failures are fail-safe: if the write fails, nothing
// is pruned that cycle.
package retention

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/opsgate/opsgate/internal/store"
	"github.com/opsgate/opsgate/pkg/models"
)

// listBatchSize caps how many journal rows one archive pass inspects.
const listBatchSize = 10000

// Janitor periodically archives and prunes expired terminal operations.
type Janitor struct {
	store    store.Store
	interval time.Duration
	maxAge   time.Duration

	// archiver is optional; nil means prune without archiving.
	archiver *LocalArchiver
}

// NewJanitor creates a janitor that prunes operations older than
// maxAgeDays on the given interval. archiver may be nil.
func NewJanitor(s store.Store, interval time.Duration, maxAgeDays int, archiver *LocalArchiver) *Janitor {
	if interval < time.Minute {
		interval = time.Hour
	}
	return &Janitor{
		store:    s,
		interval: interval,
		maxAge:   time.Duration(maxAgeDays) * 24 * time.Hour,
		archiver: archiver,
	}
}

// Start runs the janitor loop. It blocks until ctx is canceled.
func (j *Janitor) Start(ctx context.Context) {
	if j.maxAge <= 0 {
		log.Info().Msg("Retention disabled, journal is kept forever")
		return
	}
	log.Info().
		Dur("interval", j.interval).
		Dur("max_age", j.maxAge).
		Bool("archive", j.archiver != nil).
		Msg("Journal janitor started")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	// First sweep happens at startup, not a full interval later.
	j.runCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Journal janitor stopped")
			return
		case <-ticker.C:
			j.runCycle(ctx)
		}
	}
}

// runCycle performs one archive+prune sweep.
func (j *Janitor) runCycle(ctx context.Context) {
	start := time.Now()
	cutoff := time.Now().UTC().Add(-j.maxAge)

	archived := 0
	if j.archiver != nil {
		expired, err := j.findExpired(ctx, cutoff)
		if err != nil {
			log.Warn().Err(err).Msg("Journal sweep could not list operations")
			return
		}
		if len(expired) == 0 {
			return
		}
		path, err := j.archiver.ArchiveOperations(expired)
		if err != nil {
			log.Warn().Err(err).Msg("Archive failed, skipping prune")
			return
		}
		archived = len(expired)
		log.Debug().Str("path", path).Int("count", archived).Msg("Archived expired operations")
	}

	pruned, err := j.store.PruneOperations(ctx, cutoff)
	if err != nil {
		log.Warn().Err(err).Msg("Journal sweep prune failed")
		return
	}
	if pruned > 0 || archived > 0 {
		log.Info().
			Int64("pruned", pruned).
			Int("archived", archived).
			Dur("elapsed", time.Since(start)).
			Msg("Journal sweep complete")
	}
}

// findExpired returns the terminal operations older than cutoff.
func (j *Janitor) findExpired(ctx context.Context, cutoff time.Time) ([]models.Operation, error) {
	ops, err := j.store.ListOperations(ctx, store.OperationFilter{Limit: listBatchSize})
	if err != nil {
		return nil, err
	}
	var expired []models.Operation
	for _, op := range ops {
		if op.Status.Terminal() && op.UpdatedAt.Before(cutoff) {
			expired = append(expired, op)
		}
	}
	return expired, nil
}
