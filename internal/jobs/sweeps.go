package jobs

import (
	"context"
	"time"

	"github.com/MarkoPoloResearchLab/gpureserve/internal/lock"
	"go.uber.org/zap"
)

const (
	ExpirationJobName = "expiration"
	CompletionJobName = "completion"

	DefaultExpirationInterval = 24 * time.Hour
	DefaultCompletionInterval = time.Minute
)

// Expirer marks lapsed credit grants EXPIRED.
type Expirer interface {
	Expire(ctx context.Context) (int64, error)
}

// Completer completes ACTIVE reservations whose window has ended.
type Completer interface {
	CompleteDue(ctx context.Context) (int, error)
}

// SweepObserver receives the outcome of each sweep run.
type SweepObserver interface {
	ObserveSweep(job string, processed int, err error)
}

type sweepJob struct {
	name     string
	interval time.Duration
	locker   lock.Locker
	observer SweepObserver
	logger   *zap.Logger
	sweep    func(ctx context.Context) (int, error)
}

// NewExpirationJob expires lapsed grants under locker.
func NewExpirationJob(interval time.Duration, expirer Expirer, locker lock.Locker, observer SweepObserver, logger *zap.Logger) Job {
	return newSweepJob(ExpirationJobName, interval, DefaultExpirationInterval, locker, observer, logger, func(ctx context.Context) (int, error) {
		count, err := expirer.Expire(ctx)
		return int(count), err
	})
}

// NewCompletionJob completes ended reservations under locker.
func NewCompletionJob(interval time.Duration, completer Completer, locker lock.Locker, observer SweepObserver, logger *zap.Logger) Job {
	return newSweepJob(CompletionJobName, interval, DefaultCompletionInterval, locker, observer, logger, completer.CompleteDue)
}

func newSweepJob(name string, interval time.Duration, fallback time.Duration, locker lock.Locker, observer SweepObserver, logger *zap.Logger, sweep func(ctx context.Context) (int, error)) *sweepJob {
	if interval <= 0 {
		interval = fallback
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &sweepJob{name: name, interval: interval, locker: locker, observer: observer, logger: logger, sweep: sweep}
}

func (job *sweepJob) Name() string { return job.name }

func (job *sweepJob) Interval() time.Duration { return job.interval }

// Run skips the cycle when another instance holds the lock.
func (job *sweepJob) Run(ctx context.Context) error {
	if job.locker != nil {
		acquired, err := job.locker.TryLock(ctx)
		if err != nil {
			return err
		}
		if !acquired {
			job.logger.Debug("sweep held by another instance", zap.String("job", job.name))
			return nil
		}
		defer func() {
			if err := job.locker.Unlock(context.WithoutCancel(ctx)); err != nil {
				job.logger.Warn("release sweep lock", zap.String("job", job.name), zap.Error(err))
			}
		}()
	}
	processed, err := job.sweep(ctx)
	if job.observer != nil {
		job.observer.ObserveSweep(job.name, processed, err)
	}
	if processed > 0 || err != nil {
		job.logger.Info("sweep finished", zap.String("job", job.name), zap.Int("processed", processed), zap.Error(err))
	}
	return err
}
