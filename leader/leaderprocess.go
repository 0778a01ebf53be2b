// Package leader runs a background task only while this store holds raft
// leadership, restarting it on every new term.
package leader

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Process owns one leadership-gated task. The task runs until its context
// is canceled, which happens when leadership is lost or transferred.
type Process struct {
	logger *zap.Logger
	run    func(ctx context.Context) error

	leading atomic.Bool
	stopC   chan struct{}
	wg      sync.WaitGroup
}

// NewProcess creates a process around run. The task is not started until
// leadership is gained.
func NewProcess(logger *zap.Logger, run func(ctx context.Context) error) *Process {
	return &Process{
		logger: logger,
		run:    run,
		stopC:  make(chan struct{}),
	}
}

// OnLeadershipChanged starts the task on gain and stops it on loss. Called
// by the raft feed on every observed leadership transition.
func (p *Process) OnLeadershipChanged(isLeader bool) {
	was := p.leading.Swap(isLeader)

	switch {
	case isLeader && !was:
		p.logger.Info("gained leadership, starting task")
		p.wg.Add(1)
		go p.runTask()
	case !isLeader && was:
		p.logger.Info("lost leadership, stopping task")
		close(p.stopC)
		p.wg.Wait()
		// Fresh channel for the next term.
		p.stopC = make(chan struct{})
	}
}

func (p *Process) runTask() {
	defer p.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		select {
		case <-p.stopC:
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := p.run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		p.logger.Error("leadership task failed", zap.Error(err))
	}
}
