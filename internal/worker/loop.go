// Package worker runs polling loops shared by the settlement worker, the
// reservation reaper and the webhook dispatcher.
package worker

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrNoWork is returned by a ProcessFunc when nothing was due
var ErrNoWork = errors.New("no work")

// ProcessFunc handles one unit or batch of work
type ProcessFunc func(ctx context.Context) error

// Config controls a polling loop
type Config struct {
	Name      string
	Interval  time.Duration // poll interval between cycles
	Burst     int           // max ProcessFunc calls per cycle
	IdleDelay time.Duration // extra sleep when a cycle found no work
}

// Run calls process until ctx is canceled. Each cycle runs up to Burst
// calls and stops early on ErrNoWork. Other errors are logged and the
// cycle continues.
func Run(ctx context.Context, cfg Config, process ProcessFunc, counters *Counters, logger logrus.FieldLogger) {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if counters == nil {
		counters = &Counters{}
	}
	logger = logger.WithField("loop", cfg.Name)

	logger.WithFields(logrus.Fields{
		"interval": cfg.Interval.String(),
		"burst":    cfg.Burst,
	}).Info("worker started")

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.WithField("reason", ctx.Err()).Info("worker stopping")
			return
		case <-ticker.C:
		}

		before := counters.Snapshot()
		worked := RunCycle(ctx, cfg.Burst, process, logger)

		if delta := counters.Snapshot().Sub(before); !delta.IsZero() {
			logger.WithFields(logrus.Fields{
				"processed": delta.Processed,
				"succeeded": delta.Succeeded,
				"failed":    delta.Failed,
				"retried":   delta.Retried,
				"skipped":   delta.Skipped,
			}).Info("cycle complete")
		}

		if !worked && cfg.IdleDelay > 0 {
			select {
			case <-ctx.Done():
				logger.WithField("reason", ctx.Err()).Info("worker stopping")
				return
			case <-time.After(cfg.IdleDelay):
			}
		}
	}
}

// RunCycle calls process up to burst times and reports whether any call
// found work
func RunCycle(ctx context.Context, burst int, process ProcessFunc, logger logrus.FieldLogger) bool {
	worked := false
	for i := 0; i < burst; i++ {
		if ctx.Err() != nil {
			break
		}
		err := process(ctx)
		if errors.Is(err, ErrNoWork) {
			break
		}
		worked = true
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.WithError(err).Error("process failed")
		}
	}
	return worked
}
