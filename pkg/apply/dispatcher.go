package apply

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/bridgekv/enginebridge/pkg/bridgeerr"
	"github.com/bridgekv/enginebridge/pkg/command"
)

const defaultQueueDepth = 256

// queue pairs a region worker's entry channel with its stop signal. The
// entry channel is never closed, so a Dispatch racing a Retire parks in
// its select instead of panicking on a send to a closed channel.
type queue struct {
	ch   chan command.Entry
	quit chan struct{}
}

// Dispatcher fans committed entries out to one worker goroutine per
// region. Order within a region is the enqueue order; regions apply
// independently, so a blocked or slow region never stalls its neighbors.
type Dispatcher struct {
	seq    *Sequencer
	logger *zap.Logger
	depth  int

	mu      sync.Mutex
	queues  map[uint64]*queue
	closed  bool
	workers sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// NewDispatcher creates a dispatcher over seq. queueDepth <= 0 selects
// the default.
func NewDispatcher(logger *zap.Logger, seq *Sequencer, queueDepth int) *Dispatcher {
	if queueDepth <= 0 {
		queueDepth = defaultQueueDepth
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		seq:    seq,
		logger: logger,
		depth:  queueDepth,
		queues: make(map[uint64]*queue),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Dispatch enqueues e for its region's worker, starting the worker on
// first use. It blocks when the region's queue is full, which is the
// backpressure the raft feed expects.
func (d *Dispatcher) Dispatch(ctx context.Context, e command.Entry) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return context.Canceled
	}
	q, ok := d.queues[e.RegionID]
	if !ok {
		q = &queue{
			ch:   make(chan command.Entry, d.depth),
			quit: make(chan struct{}),
		}
		d.queues[e.RegionID] = q
		d.workers.Add(1)
		go d.run(e.RegionID, q)
	}
	d.mu.Unlock()

	select {
	case q.ch <- e:
		return nil
	case <-q.quit:
		return context.Canceled
	case <-ctx.Done():
		return ctx.Err()
	case <-d.ctx.Done():
		return context.Canceled
	}
}

// Retire stops the region's worker. Whatever is still queued gets
// consumed against a ledger that no longer holds the region, so it falls
// out as an unknown-region drop. Called when the region leaves this
// store.
func (d *Dispatcher) Retire(regionID uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if q, ok := d.queues[regionID]; ok {
		delete(d.queues, regionID)
		close(q.quit)
	}
}

// Close stops all workers, waiting until each drained its queue.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for id, q := range d.queues {
		delete(d.queues, id)
		close(q.quit)
	}
	d.mu.Unlock()

	d.workers.Wait()
	d.cancel()
}

func (d *Dispatcher) run(regionID uint64, q *queue) {
	defer d.workers.Done()

	for {
		select {
		case <-q.quit:
			// Drain what was enqueued before the stop signal, then exit.
			for {
				select {
				case e := <-q.ch:
					d.submit(regionID, e)
				default:
					return
				}
			}
		case <-d.ctx.Done():
			return
		case e := <-q.ch:
			d.submit(regionID, e)
		}
	}
}

func (d *Dispatcher) submit(regionID uint64, e command.Entry) {
	err := d.seq.Submit(d.ctx, e)
	switch bridgeerr.Of(err) {
	case bridgeerr.None:
		if err != nil {
			d.logger.Error("apply failed",
				zap.Uint64("region", regionID),
				zap.Uint64("index", e.Index),
				zap.Error(err))
		}
	case bridgeerr.Stale:
		// Consumed without effect.
	case bridgeerr.Capacity:
		// The sequencer holds the write; raft re-delivers it once the
		// condition clears. Already logged at admission.
	case bridgeerr.Consistency:
		d.logger.Error("region apply blocked, draining its queue",
			zap.Uint64("region", regionID),
			zap.Uint64("index", e.Index),
			zap.Error(err))
	default:
		d.logger.Error("apply failed",
			zap.Uint64("region", regionID),
			zap.Uint64("index", e.Index),
			zap.Error(err))
	}
}
