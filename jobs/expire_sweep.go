package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/vendorhub/licensing/internal/platform/cache"
	"github.com/vendorhub/licensing/internal/shared"
)

const expireSweepLockTTL = 5 * time.Minute

// LicenseExpirer persists expiry for licenses past their expiry date.
type LicenseExpirer interface {
	ExpireDue(ctx context.Context) (int64, error)
}

// Locker serializes sweeps across workers.
type Locker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error
}

// ExpireSweepJob handles TaskLicenseExpireSweep.
type ExpireSweepJob struct {
	Expirer  LicenseExpirer
	Locker   Locker
	Logger   *slog.Logger
	Observer JobObserver
}

// NewExpireSweepJob constructs the job handler.
func NewExpireSweepJob(expirer LicenseExpirer, locker Locker, logger *slog.Logger, observer JobObserver) *ExpireSweepJob {
	return &ExpireSweepJob{Expirer: expirer, Locker: locker, Logger: logger, Observer: observer}
}

// Handle runs one sweep unless another worker holds the sweep lock.
func (j *ExpireSweepJob) Handle(ctx context.Context, _ *asynq.Task) (err error) {
	if j == nil || j.Expirer == nil || j.Locker == nil {
		return errors.New("expire sweep: dependencies not configured")
	}
	defer func() {
		if j.Observer != nil {
			j.Observer.ObserveJob(TaskLicenseExpireSweep, err)
		}
	}()

	err = j.Locker.WithLock(ctx, shared.LicenseExpiryLockKey, expireSweepLockTTL, func(ctx context.Context) error {
		start := time.Now()
		n, err := j.Expirer.ExpireDue(ctx)
		if err != nil {
			return err
		}
		j.log().Info("expiry sweep finished", slog.Int64("expired", n), slog.Duration("took", time.Since(start)))
		return nil
	})
	if errors.Is(err, cache.ErrLockHeld) {
		j.log().Info("expiry sweep skipped, lock held")
		return nil
	}
	if err != nil {
		j.log().Error("expiry sweep", slog.Any("error", err))
	}
	return err
}

func (j *ExpireSweepJob) log() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
