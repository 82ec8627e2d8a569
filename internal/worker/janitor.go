package worker

import (
	"context"
	"time"

	"storefront-service/internal/util"

	"go.uber.org/zap"
)

// Expired codes are kept a day for audit before deletion.
const codeRetention = 24 * time.Hour

// CodePurger deletes expired one-time codes.
// Implementations: store.Store
type CodePurger interface {
	PurgeCodes(ctx context.Context, cutoff time.Time) (int64, error)
}

// CodeJanitor periodically removes expired one-time codes
type CodeJanitor struct {
	store    CodePurger
	interval time.Duration
	now      func() time.Time
	logger   *zap.Logger
}

func NewCodeJanitor(store CodePurger, interval time.Duration) *CodeJanitor {
	return &CodeJanitor{store: store, interval: interval, now: time.Now, logger: util.GetLogger()}
}

// Start purges on every tick until ctx is cancelled
func (j *CodeJanitor) Start(ctx context.Context) error {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := j.RunOnce(ctx); err != nil && ctx.Err() == nil {
				j.logger.Error("Code purge failed", zap.Error(err))
			}
		}
	}
}

func (j *CodeJanitor) RunOnce(ctx context.Context) (int64, error) {
	n, err := j.store.PurgeCodes(ctx, j.now().Add(-codeRetention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		j.logger.Info("Purged expired codes", zap.Int64("count", n))
	}
	return n, nil
}
