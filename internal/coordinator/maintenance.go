package coordinator

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// sweepInterval is how often the slow housekeeping tasks run.
const sweepInterval = time.Minute

// remoteSyncTimeout bounds one background push of local artifacts to the
// remote cache.
const remoteSyncTimeout = 5 * time.Minute

// maintenance drives the periodic work that keeps worker and job state
// honest. Each tick it:
//
//  1. Checks heartbeats and removes workers that went silent
//  2. Fails jobs past their deadline and tells their workers to stop
//  3. Dispatches pending jobs to free slots
//
// Every sweepInterval it also expires tokens, challenges, stale file
// transfers, old cache entries and finished builds. The sweep drops cache
// entries whose blobs vanished from disk and, with a writable remote cache,
// starts a background push of artifacts the remote lacks.
//
// Only the run goroutine touches lastSweep.
type maintenance struct {
	c         *Coordinator
	interval  time.Duration
	lastSweep time.Time
	syncing   atomic.Bool
	syncDone  chan struct{} // closed when the latest sync returns
}

func newMaintenance(c *Coordinator, interval time.Duration) *maintenance {
	if interval <= 0 {
		interval = time.Second
	}
	return &maintenance{c: c, interval: interval}
}

// run ticks until ctx is cancelled.
func (m *maintenance) run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.c.logger.Debug("maintenance started", zap.Duration("interval", m.interval))
	m.lastSweep = m.c.now()

	for {
		select {
		case <-ticker.C:
			m.tick()
		case <-ctx.Done():
			m.c.logger.Debug("maintenance stopping", zap.Error(ctx.Err()))
			return
		}
	}
}

func (m *maintenance) tick() {
	c := m.c

	for _, id := range c.registry.CheckHeartbeats() {
		w, ok := c.registry.Get(id)
		c.disconnectWorker(id, "heartbeat timeout")
		if ok && w.Conn != nil {
			_ = c.server.Close(w.Conn.ID())
		}
	}

	for _, job := range c.scheduler.CheckTimeouts() {
		c.sendCancel(job.WorkerID, job.ID, "timed out")
	}

	c.processQueue()

	if now := c.now(); now.Sub(m.lastSweep) >= sweepInterval {
		m.lastSweep = now
		m.sweep()
	}
}

func (m *maintenance) sweep() {
	c := m.c
	fields := make([]zap.Field, 0, 6)

	if n := c.auth.CleanupExpired(); n > 0 {
		fields = append(fields, zap.Int("tokens", n))
	}
	if n := c.auth.CleanupChallenges(); n > 0 {
		fields = append(fields, zap.Int("challenges", n))
	}
	if n := c.transfers.expire(transferTTL); n > 0 {
		fields = append(fields, zap.Int("transfers", n))
	}
	if c.cache != nil {
		if n := c.cache.Cleanup(); n > 0 {
			fields = append(fields, zap.Int("artifacts", n))
		}
		if report := c.cache.Verify(true); len(report.Missing) > 0 {
			fields = append(fields, zap.Int("missing_artifacts", c.cache.PurgeMarked()))
		}
		m.syncRemote()
	}
	if retention := c.cfg.Scheduler.BuildRetention; retention > 0 {
		if n := c.scheduler.PruneBuilds(retention); n > 0 {
			fields = append(fields, zap.Int("builds", n))
		}
	}

	if len(fields) > 0 {
		c.logger.Info("housekeeping removed stale state", fields...)
	}
}

// syncRemote pushes local artifacts to a writable remote cache in the
// background. At most one sync runs at a time.
func (m *maintenance) syncRemote() {
	c := m.c
	remote := c.cache.Remote()
	if remote == nil || remote.ReadOnly() || !m.syncing.CompareAndSwap(false, true) {
		return
	}
	done := make(chan struct{})
	m.syncDone = done
	go func() {
		defer close(done)
		defer m.syncing.Store(false)
		ctx, cancel := context.WithTimeout(context.Background(), remoteSyncTimeout)
		defer cancel()
		if _, err := c.cache.Sync(ctx); err != nil {
			c.logger.Warn("remote cache sync failed", zap.Error(err))
		}
	}()
}
