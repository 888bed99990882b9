package rhi

import "go.uber.org/zap"

type pendingRelease struct {
	fence Fence
	res   Resource
}

// ReleaseQueue defers destruction of resources the GPU may still be
// reading. Each resource is keyed by the fence of the submission that last
// used it and destroyed once the device reports that fence complete.
type ReleaseQueue struct {
	dev     Device
	log     *zap.Logger
	pending []pendingRelease
}

// NewReleaseQueue creates a release queue for dev.
func NewReleaseQueue(dev Device, log *zap.Logger) *ReleaseQueue {
	if log == nil {
		log = zap.NewNop()
	}
	return &ReleaseQueue{dev: dev, log: log}
}

// Defer schedules r for destruction after the submission currently being
// recorded has completed. Nil resources are ignored.
func (q *ReleaseQueue) Defer(r Resource) {
	if r == nil {
		return
	}
	q.DeferUntil(q.dev.NextFence(), r)
}

// DeferUntil schedules r for destruction once fence completed.
func (q *ReleaseQueue) DeferUntil(fence Fence, r Resource) {
	if r == nil {
		return
	}
	q.pending = append(q.pending, pendingRelease{fence: fence, res: r})
}

// Collect destroys every resource whose fence completed and returns how
// many were released.
func (q *ReleaseQueue) Collect() int {
	done := q.dev.CompletedFence()
	kept := q.pending[:0]
	released := 0
	for _, p := range q.pending {
		if p.fence <= done {
			q.dev.Destroy(p.res)
			released++
			continue
		}
		kept = append(kept, p)
	}
	for i := len(kept); i < len(q.pending); i++ {
		q.pending[i] = pendingRelease{}
	}
	q.pending = kept

	if released > 0 {
		q.log.Debug("released deferred resources",
			zap.Int("count", released),
			zap.Uint64("fence", uint64(done)),
			zap.Int("pending", len(q.pending)))
	}
	return released
}

// Flush waits for the device to go idle and destroys everything pending,
// including resources keyed to a submission that was never made.
func (q *ReleaseQueue) Flush() {
	if len(q.pending) == 0 {
		return
	}
	q.dev.WaitIdle()
	for i, p := range q.pending {
		q.dev.Destroy(p.res)
		q.pending[i] = pendingRelease{}
	}
	q.log.Debug("flushed deferred resources", zap.Int("count", len(q.pending)))
	q.pending = q.pending[:0]
}

// Len returns the number of resources waiting for their fence.
func (q *ReleaseQueue) Len() int {
	return len(q.pending)
}
