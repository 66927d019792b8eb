package auth

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"cdcgateway/exchange"
	"cdcgateway/metrics"
	"cdcgateway/store"
)

// Default sweep intervals.
const (
	PendingSweepInterval  = 5 * time.Minute
	SessionSweepInterval  = 15 * time.Minute
	ExchangeSweepInterval = 5 * time.Minute
)

// SweepTask is one periodic cleanup job. Run returns the number of entries
// removed.
type SweepTask struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) (int, error)
}

// PendingSweep expires abandoned authorization attempts.
func PendingSweep(p *store.PendingStore, interval time.Duration) SweepTask {
	return SweepTask{
		Name:     "pending",
		Interval: orDefault(interval, PendingSweepInterval),
		Run: func(context.Context) (int, error) {
			return p.Sweep(), nil
		},
	}
}

// SessionSweep deletes sessions whose access token has expired.
func SessionSweep(s store.SessionStore, interval time.Duration) SweepTask {
	return SweepTask{
		Name:     "sessions",
		Interval: orDefault(interval, SessionSweepInterval),
		Run:      s.SweepExpired,
	}
}

// ExchangeCacheSweep evicts exchanged tokens past their cache TTL.
func ExchangeCacheSweep(svc *exchange.Service, interval time.Duration) SweepTask {
	return SweepTask{
		Name:     "exchange_cache",
		Interval: orDefault(interval, ExchangeSweepInterval),
		Run: func(context.Context) (int, error) {
			return svc.EvictExpired(), nil
		},
	}
}

// Janitor runs sweep tasks until its context is cancelled. It is owned by
// the process lifecycle; nothing starts a sweep at package load.
type Janitor struct {
	tasks   []SweepTask
	logger  *slog.Logger
	metrics *metrics.Recorder
}

func NewJanitor(logger *slog.Logger, m *metrics.Recorder, tasks ...SweepTask) *Janitor {
	return &Janitor{tasks: tasks, logger: logger, metrics: m}
}

// Run blocks until ctx is done. A failing or panicking sweep is logged and
// retried on the next tick.
func (j *Janitor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, task := range j.tasks {
		g.Go(func() error {
			ticker := time.NewTicker(task.Interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					j.sweep(ctx, task)
				}
			}
		})
	}
	return g.Wait()
}

// SweepOnce runs every task a single time.
func (j *Janitor) SweepOnce(ctx context.Context) {
	for _, task := range j.tasks {
		j.sweep(ctx, task)
	}
}

func (j *Janitor) sweep(ctx context.Context, task SweepTask) {
	n, err := j.safeRun(ctx, task)
	if err != nil {
		j.logger.Warn("sweep.failed", "task", task.Name, "error", err)
		return
	}
	j.metrics.Swept(task.Name, n)
	if n > 0 {
		j.logger.Info("sweep.completed", "task", task.Name, "removed", n)
	}
}

func (j *Janitor) safeRun(ctx context.Context, task SweepTask) (n int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return task.Run(ctx)
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
