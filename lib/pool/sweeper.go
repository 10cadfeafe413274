package pool

import (
	"sync/atomic"
	"time"
)

// sweepLoop evicts idle connections every IdleTimeout until the pool is
// closed or the provider reports closed.
func (p *Pool) sweepLoop() {
	defer close(p.sweepDone)

	ticker := time.NewTicker(p.config.IdleTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopSweep:
			return
		case <-ticker.C:
			if p.provider.IsClosed() {
				log.Debug("provider closed, stopping idle sweeper")
				return
			}
			p.Sweep()
		}
	}
}

// Sweep runs one eviction cycle: every idle connection whose last use is at
// or before now minus IdleTimeout is handed back to the provider. It returns
// the number of connections removed from the idle set.
//
// A disposal failure is logged and counted; it does not stop the remaining
// evictions. Admission permits are not touched.
func (p *Pool) Sweep() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.idle) == 0 {
		return 0
	}

	cutoff := time.Now().Add(-p.config.IdleTimeout)
	keep := make([]Conn, 0, len(p.idle))
	removed := 0

	for _, conn := range p.idle {
		id := conn.ID()
		if p.lastUsed[id].After(cutoff) {
			keep = append(keep, conn)
			continue
		}

		delete(p.lastUsed, id)
		removed++
		if err := guard("dispose", func() error { return p.provider.Dispose(conn) }); err != nil {
			atomic.AddUint64(&p.evictFailed, 1)
			PoolEvictFailedTotal.Inc()
			log.WithField("conn", id).WithError(err).Warn("failed to dispose idle connection")
			continue
		}
		atomic.AddUint64(&p.evictedCount, 1)
		PoolEvictedTotal.Inc()
	}

	p.idle = keep

	if removed > 0 {
		log.WithField("evicted", removed).WithField("idle", len(keep)).Debug("idle sweep removed connections")
	}
	return removed
}
