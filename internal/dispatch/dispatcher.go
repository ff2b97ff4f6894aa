// Package dispatch claims due deliveries and pushes them through their
// channel adapters. RunOnce is a pure function over the store's current
// state: externally triggered, safe to overlap with the next trigger,
// and idempotent per delivery thanks to the atomic claim.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kutay-ship-it/capsulenote-sub000/internal/channel"
	"github.com/kutay-ship-it/capsulenote-sub000/internal/clock"
	"github.com/kutay-ship-it/capsulenote-sub000/internal/metrics"
	"github.com/kutay-ship-it/capsulenote-sub000/internal/models"
	"github.com/kutay-ship-it/capsulenote-sub000/internal/seal"
	"github.com/kutay-ship-it/capsulenote-sub000/internal/worker"
)

// highVolumeThreshold triggers a warning when one poll finds this many
// due deliveries: normally the cron interval keeps batches small.
const highVolumeThreshold = 10

// DeliveryStore is the slice of the store the dispatcher mutates. All
// updates are conditional on the claim token.
type DeliveryStore interface {
	Due(ctx context.Context, now time.Time, limit int) ([]*models.Delivery, error)
	Claim(ctx context.Context, id uuid.UUID, token string, now time.Time, lease time.Duration) (bool, error)
	MarkDispatching(ctx context.Context, id uuid.UUID, token string, now time.Time) error
	MarkDelivered(ctx context.Context, id uuid.UUID, token string) error
	MarkRetrying(ctx context.Context, id uuid.UUID, token string, nextAttempt time.Time, lastError string) error
	MarkFailed(ctx context.Context, id uuid.UUID, token string, lastError string) error
}

type LetterStore interface {
	GetLetter(ctx context.Context, id uuid.UUID) (*models.Letter, error)
}

type Stats struct {
	Claimed   int `json:"claimed"`
	Delivered int `json:"delivered"`
	Retried   int `json:"retried"`
	Failed    int `json:"failed"`
}

type Dispatcher struct {
	Store    DeliveryStore
	Letters  LetterStore
	Clock    clock.Clock
	Sealer   seal.Sealer
	Adapters map[models.Channel]channel.Adapter
	Limiter  *rate.Limiter
	Log      *zap.Logger

	MaxAttempts  int
	BaseInterval time.Duration
	MaxInterval  time.Duration
	Lease        time.Duration
	BatchSize    int
	Workers      int
}

type counters struct {
	claimed   atomic.Int64
	delivered atomic.Int64
	retried   atomic.Int64
	failed    atomic.Int64
}

// RunOnce polls for due deliveries, claims each candidate, and processes
// the claimed ones concurrently. Per-item store failures are logged and
// skipped: the next trigger picks them up again.
func (d *Dispatcher) RunOnce(ctx context.Context) (Stats, error) {
	now := d.Clock.Now()

	due, err := d.Store.Due(ctx, now, d.BatchSize)
	if err != nil {
		return Stats{}, fmt.Errorf("polling due deliveries: %w", err)
	}

	if len(due) == 0 {
		return Stats{}, nil
	}
	if len(due) > highVolumeThreshold {
		d.Log.Warn("large due-delivery backlog", zap.Int("count", len(due)))
	}

	var (
		c    counters
		wg   sync.WaitGroup
		jobs = make(chan *models.Delivery, len(due))
	)

	worker.StartPool(ctx, &wg, d.Workers, jobs, d.Log,
		func(ctx context.Context, delivery *models.Delivery) {
			d.process(ctx, delivery, &c)
		})

	for _, delivery := range due {
		jobs <- delivery
	}
	close(jobs)
	wg.Wait()

	return Stats{
		Claimed:   int(c.claimed.Load()),
		Delivered: int(c.delivered.Load()),
		Retried:   int(c.retried.Load()),
		Failed:    int(c.failed.Load()),
	}, nil
}

func (d *Dispatcher) process(ctx context.Context, delivery *models.Delivery, c *counters) {
	log := d.Log.With(
		zap.String("delivery_id", delivery.ID.String()),
		zap.String("channel", string(delivery.Channel)),
	)

	now := d.Clock.Now()
	token := uuid.NewString()

	claimed, err := d.Store.Claim(ctx, delivery.ID, token, now, d.Lease)
	if err != nil {
		log.Error("claim failed", zap.Error(err))
		return
	}
	if !claimed {
		// Another dispatcher instance got there first.
		metrics.ClaimConflicts.Inc()
		return
	}
	c.claimed.Add(1)
	metrics.DeliveriesClaimed.Inc()

	start := time.Now()
	defer func() {
		metrics.DispatchDuration.Observe(time.Since(start).Seconds())
	}()

	if err := d.Store.MarkDispatching(ctx, delivery.ID, token, now); err != nil {
		if !errors.Is(err, models.ErrClaimLost) {
			log.Error("failed to mark dispatching", zap.Error(err))
		}
		return
	}

	outcome, ref, sendErr := d.attempt(ctx, delivery)

	switch outcome {
	case channel.OutcomeSuccess:
		if err := d.Store.MarkDelivered(ctx, delivery.ID, token); err != nil {
			log.Error("failed to mark delivered", zap.Error(err))
			return
		}
		c.delivered.Add(1)
		metrics.DeliveriesDelivered.Inc()
		log.Info("delivery dispatched", zap.String("provider_ref", ref))

	case channel.OutcomePermanent:
		if err := d.Store.MarkFailed(ctx, delivery.ID, token, errText(sendErr)); err != nil {
			log.Error("failed to mark failed", zap.Error(err))
			return
		}
		c.failed.Add(1)
		metrics.DeliveriesFailed.Inc()
		log.Error("delivery failed permanently", zap.Error(sendErr))

	default:
		// Transient, or an outcome we could not classify. Never assume
		// success.
		attempts := delivery.AttemptCount + 1
		if attempts >= d.MaxAttempts {
			if err := d.Store.MarkFailed(ctx, delivery.ID, token, errText(sendErr)); err != nil {
				log.Error("failed to mark failed", zap.Error(err))
				return
			}
			c.failed.Add(1)
			metrics.DeliveriesFailed.Inc()
			log.Error("delivery failed after exhausting retries",
				zap.Int("attempts", attempts), zap.Error(sendErr))
			return
		}

		next := d.Clock.Now().Add(nextAttemptDelay(d.BaseInterval, d.MaxInterval, delivery.AttemptCount))
		if err := d.Store.MarkRetrying(ctx, delivery.ID, token, next, errText(sendErr)); err != nil {
			log.Error("failed to mark retrying", zap.Error(err))
			return
		}
		c.retried.Add(1)
		metrics.DeliveriesRetried.Inc()
		log.Warn("delivery attempt failed, will retry",
			zap.Int("attempts", attempts),
			zap.Time("next_attempt_at", next),
			zap.Error(sendErr))
	}
}

// attempt unseals the letter and invokes the channel adapter, returning
// the classified outcome.
func (d *Dispatcher) attempt(ctx context.Context, delivery *models.Delivery) (channel.Outcome, string, error) {
	adapter, ok := d.Adapters[delivery.Channel]
	if !ok {
		return channel.OutcomePermanent, "", fmt.Errorf("no adapter for channel %q", delivery.Channel)
	}

	letter, err := d.Letters.GetLetter(ctx, delivery.LetterID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return channel.OutcomePermanent, "", fmt.Errorf("letter %s missing: %w", delivery.LetterID, err)
		}
		return channel.OutcomeTransient, "", fmt.Errorf("loading letter: %w", err)
	}

	title, err := d.Sealer.Unseal(letter.SealedTitle)
	if err != nil {
		return channel.OutcomePermanent, "", fmt.Errorf("unsealing title: %w", err)
	}
	body, err := d.Sealer.Unseal(letter.SealedBody)
	if err != nil {
		return channel.OutcomePermanent, "", fmt.Errorf("unsealing body: %w", err)
	}

	if d.Limiter != nil {
		if err := d.Limiter.Wait(ctx); err != nil {
			return channel.OutcomeTransient, "", err
		}
	}

	result, err := adapter.Send(ctx, delivery, channel.Content{Title: title, BodyHTML: body})
	if result.Outcome == "" {
		result.Outcome = channel.OutcomeTransient
	}
	return result.Outcome, result.ProviderRef, err
}

func errText(err error) string {
	if err == nil {
		return "delivery attempt failed"
	}
	return err.Error()
}
