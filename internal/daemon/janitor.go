package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// janitor runs periodic cleanup while the daemon is Running.
type janitor struct {
	sched  gocron.Scheduler
	cancel context.CancelFunc
}

// startJanitor schedules task every interval. A non-positive interval
// disables it and returns (nil, nil).
func startJanitor(interval time.Duration, task func(context.Context)) (*janitor, error) {
	if interval <= 0 {
		return nil, nil
	}
	sched, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	_, err = sched.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			start := time.Now()
			task(ctx)
			slog.Debug("janitor run finished", "duration_ms", time.Since(start).Milliseconds())
		}),
		gocron.WithName("janitor"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		cancel()
		_ = sched.Shutdown()
		return nil, fmt.Errorf("schedule janitor: %w", err)
	}
	sched.Start()
	slog.Debug("janitor started", "interval", interval)
	return &janitor{sched: sched, cancel: cancel}, nil
}

func (j *janitor) stop() {
	j.cancel()
	if err := j.sched.Shutdown(); err != nil {
		slog.Debug("janitor shutdown", "error", err)
	}
}
