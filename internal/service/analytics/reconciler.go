package analytics

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ignite/engagement-tracker/internal/pkg/distlock"
	"github.com/ignite/engagement-tracker/internal/pkg/logger"
)

// ActivitySource lists campaigns that received events since a point in time.
type ActivitySource interface {
	ActiveCampaigns(ctx context.Context, since time.Time) ([]string, error)
}

// ReconcilerConfig tunes the sweep.
type ReconcilerConfig struct {
	Interval    time.Duration
	Lookback    time.Duration // window scanned by the first sweep, and overlap for later ones
	Concurrency int
	LockTTL     time.Duration // extended while a sweep runs; defaults to twice the interval
}

// Reconciler periodically refreshes every campaign with recent activity so a
// refresh lost to a crash or a dropped queue message is repaired without
// waiting for the campaign's next tracking hit.
type Reconciler struct {
	svc    *Service
	source ActivitySource
	lock   distlock.DistLock // optional; nil sweeps without coordination
	cfg    ReconcilerConfig
	now    func() time.Time

	lastSweep time.Time

	sweeps    int64
	refreshed int64
	failed    int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewReconciler creates a reconciler. lock may be nil.
func NewReconciler(svc *Service, source ActivitySource, lock distlock.DistLock, cfg ReconcilerConfig) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = time.Hour
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 2 * cfg.Interval
	}
	return &Reconciler{svc: svc, source: source, lock: lock, cfg: cfg, now: time.Now}
}

// Start runs the sweep loop until Stop is called or ctx is cancelled.
func (r *Reconciler) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	logger.Info("[Reconciler] starting", "interval", r.cfg.Interval.String(), "concurrency", r.cfg.Concurrency)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
					logger.Error("[Reconciler] sweep failed", "error", err.Error())
				}
			}
		}
	}()
}

// Stop ends the loop and waits for an in-flight sweep.
func (r *Reconciler) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	logger.Info("[Reconciler] stopped",
		"sweeps", atomic.LoadInt64(&r.sweeps),
		"refreshed", atomic.LoadInt64(&r.refreshed),
		"failed", atomic.LoadInt64(&r.failed))
}

// Sweep refreshes every campaign active since the previous sweep (minus the
// lookback overlap) and returns how many were refreshed. When another
// instance holds the lock the sweep is skipped and returns 0.
func (r *Reconciler) Sweep(ctx context.Context) (int, error) {
	if r.lock != nil {
		ok, err := r.lock.Acquire(ctx)
		if err != nil {
			return 0, err
		}
		if !ok {
			logger.Debug("[Reconciler] another instance is sweeping")
			return 0, nil
		}
		defer func() {
			if err := r.lock.Release(context.WithoutCancel(ctx)); err != nil {
				logger.Warn("[Reconciler] lock release failed", "error", err.Error())
			}
		}()
		if ext, ok := r.lock.(distlock.Extender); ok {
			stop := r.keepAlive(ctx, ext)
			defer stop()
		}
	}

	started := r.now()
	since := started.Add(-r.cfg.Lookback)
	if !r.lastSweep.IsZero() {
		since = r.lastSweep.Add(-r.cfg.Lookback)
	}

	campaigns, err := r.source.ActiveCampaigns(ctx, since)
	if err != nil {
		return 0, err
	}

	var ok int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)
	for _, id := range campaigns {
		g.Go(func() error {
			if _, err := r.svc.Refresh(gctx, id); err != nil {
				atomic.AddInt64(&r.failed, 1)
				return nil
			}
			atomic.AddInt64(&ok, 1)
			return nil
		})
	}
	_ = g.Wait()

	r.lastSweep = started
	atomic.AddInt64(&r.sweeps, 1)
	atomic.AddInt64(&r.refreshed, ok)
	if len(campaigns) > 0 {
		logger.Info("[Reconciler] sweep complete", "campaigns", len(campaigns), "refreshed", ok)
	}
	return int(ok), nil
}

// keepAlive extends the lock every third of its TTL until the returned func
// is called.
func (r *Reconciler) keepAlive(ctx context.Context, ext distlock.Extender) func() {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(r.cfg.LockTTL / 3)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := ext.Extend(ctx, r.cfg.LockTTL); err != nil {
					logger.Warn("[Reconciler] lock extend failed", "error", err.Error())
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

// ReconcilerStats is a snapshot of the sweep counters.
type ReconcilerStats struct {
	Sweeps    int64 `json:"sweeps"`
	Refreshed int64 `json:"refreshed"`
	Failed    int64 `json:"failed"`
}

// Stats returns the counters accumulated since start.
func (r *Reconciler) Stats() ReconcilerStats {
	return ReconcilerStats{
		Sweeps:    atomic.LoadInt64(&r.sweeps),
		Refreshed: atomic.LoadInt64(&r.refreshed),
		Failed:    atomic.LoadInt64(&r.failed),
	}
}
