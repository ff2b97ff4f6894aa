// Package reaper deletes expired, delivery-less drafts. Deletion is
// silent: the retention window itself is the only recovery path, and
// once it has passed the draft is gone.
package reaper

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/kutay-ship-it/capsulenote-sub000/internal/clock"
	"github.com/kutay-ship-it/capsulenote-sub000/internal/metrics"
	"github.com/kutay-ship-it/capsulenote-sub000/internal/models"
)

type DraftStore interface {
	ExpiredDrafts(ctx context.Context, cutoff time.Time, limit int) ([]*models.Draft, error)
	DeleteDraft(ctx context.Context, id uuid.UUID) error
}

type Stats struct {
	Deleted int `json:"deleted"`
}

type Reaper struct {
	Store DraftStore
	Clock clock.Clock
	Log   *zap.Logger

	Retention time.Duration
	BatchSize int
}

// RunOnce sweeps one batch of expired drafts. A failed delete does not
// abort the sweep; failures are aggregated into the returned error.
func (r *Reaper) RunOnce(ctx context.Context) (Stats, error) {
	cutoff := r.Clock.Now().Add(-r.Retention)

	drafts, err := r.Store.ExpiredDrafts(ctx, cutoff, r.BatchSize)
	if err != nil {
		return Stats{}, fmt.Errorf("querying expired drafts: %w", err)
	}

	var (
		stats Stats
		errs  error
	)
	for _, draft := range drafts {
		if err := r.Store.DeleteDraft(ctx, draft.ID); err != nil {
			r.Log.Error("failed to delete expired draft",
				zap.String("draft_id", draft.ID.String()),
				zap.Error(err),
			)
			errs = multierr.Append(errs, fmt.Errorf("draft %s: %w", draft.ID, err))
			continue
		}

		stats.Deleted++
		metrics.DraftsReaped.Inc()
		r.Log.Info("reaped expired draft",
			zap.String("draft_id", draft.ID.String()),
			zap.Time("last_saved_at", draft.LastSavedAt),
		)
	}

	return stats, errs
}
