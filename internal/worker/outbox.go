package worker

import (
	"context"
	"time"

	"storefront-service/config"
	"storefront-service/internal/models"
	"storefront-service/internal/util"

	"go.uber.org/zap"
)

const (
	baseRetryDelay = 30 * time.Second
	maxRetryDelay  = time.Hour
	// claimLease outlasts one batch of relay calls.
	claimLease = 5 * time.Minute
)

// OutboxStore is the notification outbox.
// Implementations: store.Store
type OutboxStore interface {
	ClaimNotifications(ctx context.Context, now time.Time, lease time.Duration, maxAttempts, limit int) ([]models.OutboxEntry, error)
	MarkNotificationDelivered(ctx context.Context, id int64, at time.Time) error
	MarkNotificationFailed(ctx context.Context, id int64, lastErr string, next time.Time) error
}

// Dispatcher delivers one alert.
// Implementations: service.NotificationDispatcher
type Dispatcher interface {
	Dispatch(ctx context.Context, alert models.FlagAlert) (bool, error)
}

// OutboxWorker delivers fraud alerts written alongside their flags. A failed
// delivery is retried with exponential backoff until the attempt budget runs out.
type OutboxWorker struct {
	store       OutboxStore
	dispatcher  Dispatcher
	interval    time.Duration
	batch       int
	maxAttempts int
	now         func() time.Time
	logger      *zap.Logger
}

// NewOutboxWorker creates a new outbox worker
func NewOutboxWorker(store OutboxStore, dispatcher Dispatcher, cfg config.WorkerConfig) *OutboxWorker {
	return &OutboxWorker{
		store:       store,
		dispatcher:  dispatcher,
		interval:    cfg.OutboxInterval,
		batch:       cfg.OutboxBatch,
		maxAttempts: cfg.OutboxMaxTries,
		now:         time.Now,
		logger:      util.GetLogger(),
	}
}

// Start polls until ctx is cancelled
func (w *OutboxWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting outbox worker", zap.Duration("interval", w.interval))

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		if _, err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
			w.logger.Error("Outbox poll failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			w.logger.Info("Stopping outbox worker")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce delivers one batch and returns how many entries were settled
func (w *OutboxWorker) RunOnce(ctx context.Context) (int, error) {
	entries, err := w.store.ClaimNotifications(ctx, w.now(), claimLease, w.maxAttempts, w.batch)
	if err != nil {
		return 0, err
	}

	done := 0
	for _, entry := range entries {
		if ctx.Err() != nil {
			return done, ctx.Err()
		}

		sent, err := w.dispatcher.Dispatch(ctx, entry.Payload)
		if err != nil {
			w.retryLater(ctx, entry, err)
			continue
		}

		// A skipped alert (no recipients, not high) is settled too.
		if err := w.store.MarkNotificationDelivered(ctx, entry.ID, w.now()); err != nil {
			w.logger.Error("Failed to mark notification delivered", zap.Int64("outbox_id", entry.ID), zap.Error(err))
			continue
		}
		if !sent {
			w.logger.Info("Fraud alert skipped", zap.Int64("flag_id", entry.FlagID))
		}
		done++
	}
	return done, nil
}

func (w *OutboxWorker) retryLater(ctx context.Context, entry models.OutboxEntry, cause error) {
	attempt := entry.Attempts + 1
	next := w.now().Add(backoff(attempt))

	log := w.logger.With(
		zap.Int64("outbox_id", entry.ID),
		zap.Int64("flag_id", entry.FlagID),
		zap.Int("attempt", attempt),
		zap.Error(cause))
	if attempt >= w.maxAttempts {
		log.Error("Fraud alert delivery abandoned")
	} else {
		log.Warn("Fraud alert delivery failed, will retry", zap.Time("next_attempt_at", next))
	}

	if err := w.store.MarkNotificationFailed(ctx, entry.ID, cause.Error(), next); err != nil {
		w.logger.Error("Failed to record notification failure", zap.Int64("outbox_id", entry.ID), zap.Error(err))
	}
}

// backoff doubles from 30s per attempt, capped at an hour
func backoff(attempt int) time.Duration {
	d := baseRetryDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxRetryDelay {
			return maxRetryDelay
		}
	}
	return d
}
