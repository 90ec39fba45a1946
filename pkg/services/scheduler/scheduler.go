// Package scheduler implements the batching coordinator at the centre of the
// gas station. Admitted calls from concurrent request handlers accumulate in
// an insertion-ordered queue with one slot per sender; once per block delay
// the coordinator drains the queue, drops whatever breaks the combined
// simulation and broadcasts the rest as a single batch, fanning the resulting
// hash back to the waiting handlers.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"blockwatch.cc/tzgo/tezos"
	"github.com/marigold-dev/gas-station/pkg/chain"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

type (
	// Oracle is the chain-client subset the coordinator needs.
	Oracle interface {
		// BlockDelay is the flush period, read once at start.
		BlockDelay() time.Duration
		Simulate(ctx context.Context, calls []chain.Call) (*chain.SimulatedBatch, error)
		Submit(ctx context.Context, calls []chain.Call) (*chain.PostedBatch, error)
	}

	// Scheduler is the single coordinator owning the pending queue. Request
	// handlers only talk to it through Enqueue.
	Scheduler struct {
		Config Config

		started *atomic.Bool
		stopCh  chan struct{}
		done    chan struct{}

		// mtx guards pending and index; the coordinator goroutine is the
		// only writer past the enqueue boundary.
		mtx     sync.Mutex
		pending []*slot
		index   map[string]*slot
	}

	// Config collects the coordinator's dependencies.
	Config struct {
		Chain Oracle
		Log   *zap.Logger
		// OnBatch runs on the coordinator goroutine once per successfully
		// submitted batch, exactly once, never awaited for completion. It
		// must not block; the fee reconciler hooks in here and does its work
		// on its own goroutine.
		OnBatch func(batch *chain.PostedBatch)
	}

	// Result is a successfully relayed batch as seen by one waiter.
	Result struct {
		Hash tezos.OpHash
	}

	// slot is the queue entry of one sender: the calls to relay and every
	// handler waiting for their outcome. A sender has at most one slot at
	// any instant; re-enqueueing overwrites the calls and joins the wait.
	slot struct {
		sender  string
		calls   []chain.Call
		waiters []chan outcome
	}

	outcome struct {
		res *Result
		err error
	}
)

var (
	// ErrBatchConflict is delivered to waiters whose calls passed admission
	// alone but broke the combined batch and were evicted, and to a whole
	// batch lost to a failed submission. The client is expected to re-post.
	ErrBatchConflict = errors.New("operation conflicts with the current batch")
	// ErrSchedulerStopped is returned for enqueues on a stopped coordinator
	// and delivered to waiters drained at shutdown.
	ErrSchedulerStopped = errors.New("scheduler is stopped")
)

// New creates the coordinator. Call Start to run its flush loop.
func New(cfg Config) *Scheduler {
	return &Scheduler{
		Config:  cfg,
		started: atomic.NewBool(false),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
		index:   make(map[string]*slot),
	}
}

// Name returns the service name.
func (s *Scheduler) Name() string {
	return "scheduler"
}

// Start runs the flush loop in a separate goroutine. The coordinator only
// starts once, subsequent calls to Start are no-op.
func (s *Scheduler) Start() {
	if !s.started.CAS(false, true) {
		return
	}
	s.Config.Log.Info("starting batch scheduler",
		zap.Duration("tick", s.Config.Chain.BlockDelay()))
	go s.mainLoop()
}

// Shutdown stops the coordinator: new enqueues are rejected, the flush loop
// terminates and every waiter still queued is failed. It can only be called
// once, subsequent calls are no-op. A stopped instance cannot be restarted.
func (s *Scheduler) Shutdown() {
	if !s.started.CAS(true, false) {
		return
	}
	s.Config.Log.Info("stopping batch scheduler")
	close(s.stopCh)
	<-s.done
}

// Enqueue hands one sender's calls to the coordinator and blocks until the
// containing batch is broadcast, the calls are evicted or ctx is done. When
// the sender already has calls queued, the new calls replace them (last
// write wins) and every waiter of that sender receives the final outcome of
// the surviving calls. Cancelling releases the waiter and, when it is the
// last one, the sender's slot.
func (s *Scheduler) Enqueue(ctx context.Context, sender string, calls []chain.Call) (*Result, error) {
	ch := make(chan outcome, 1)
	s.mtx.Lock()
	if !s.started.Load() {
		s.mtx.Unlock()
		return nil, ErrSchedulerStopped
	}
	sl, ok := s.index[sender]
	if ok {
		sl.calls = calls
	} else {
		sl = &slot{sender: sender, calls: calls}
		s.index[sender] = sl
		s.pending = append(s.pending, sl)
	}
	sl.waiters = append(sl.waiters, ch)
	s.mtx.Unlock()

	select {
	case out := <-ch:
		return out.res, out.err
	case <-ctx.Done():
		s.abandon(sender, ch)
		return nil, ctx.Err()
	}
}

func (s *Scheduler) mainLoop() {
	ticker := time.NewTicker(s.Config.Chain.BlockDelay())
	defer ticker.Stop()
mainloop:
	for {
		select {
		case <-s.stopCh:
			break mainloop
		case <-ticker.C:
			s.flush(context.Background())
		}
	}
	s.drain()
	close(s.done)
}

// flush drains the queue once. The snapshot-and-clear happens first, under
// the lock, so calls enqueued while the coordinator talks to the node land
// in the next batch instead of being lost. The batch is then grown call by
// call, simulating the accumulated bundle each time: a candidate failing the
// combined simulation is evicted and failed, earlier entries win. Survivors
// go out in a single broadcast in their insertion order.
func (s *Scheduler) flush(ctx context.Context) {
	s.mtx.Lock()
	candidates := s.pending
	s.pending = nil
	s.index = make(map[string]*slot)
	s.mtx.Unlock()

	if len(candidates) == 0 {
		return
	}
	s.Config.Log.Debug("flushing pending operations", zap.Int("count", len(candidates)))

	var (
		accepted []*slot
		calls    []chain.Call
	)
	for _, sl := range candidates {
		trial := make([]chain.Call, 0, len(calls)+len(sl.calls))
		trial = append(append(trial, calls...), sl.calls...)
		if _, err := s.Config.Chain.Simulate(ctx, trial); err != nil {
			s.Config.Log.Warn("evicting conflicting operation",
				zap.String("sender", sl.sender),
				zap.Error(err))
			callsEvicted.Add(float64(len(sl.calls)))
			sl.deliver(outcome{err: fmt.Errorf("%w: %v", ErrBatchConflict, err)})
			continue
		}
		accepted = append(accepted, sl)
		calls = trial
	}
	if len(accepted) == 0 {
		return
	}

	batch, err := s.Config.Chain.Submit(ctx, calls)
	if err != nil {
		s.Config.Log.Error("batch submission failed",
			zap.Int("calls", len(calls)),
			zap.Error(err))
		submitFailures.Inc()
		for _, sl := range accepted {
			sl.deliver(outcome{err: fmt.Errorf("%w: submission failed: %v", ErrBatchConflict, err)})
		}
		return
	}
	s.Config.Log.Info("batch submitted",
		zap.Stringer("hash", batch.Hash),
		zap.Int("calls", len(calls)),
		zap.Int("evicted", len(candidates)-len(accepted)))
	batchesSubmitted.Inc()
	callsRelayed.Add(float64(len(calls)))

	for _, sl := range accepted {
		sl.deliver(outcome{res: &Result{Hash: batch.Hash}})
	}
	if s.Config.OnBatch != nil {
		s.Config.OnBatch(batch)
	}
}

// drain fails whatever is still queued at shutdown.
func (s *Scheduler) drain() {
	s.mtx.Lock()
	pending := s.pending
	s.pending = nil
	s.index = make(map[string]*slot)
	s.mtx.Unlock()
	for _, sl := range pending {
		sl.deliver(outcome{err: ErrSchedulerStopped})
	}
}

// abandon detaches one cancelled waiter. The last waiter leaving takes the
// sender's slot with it, so the next flush does not spend a simulation on a
// call nobody is waiting for.
func (s *Scheduler) abandon(sender string, ch chan outcome) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	sl, ok := s.index[sender]
	if !ok {
		return
	}
	for i, w := range sl.waiters {
		if w == ch {
			sl.waiters = append(sl.waiters[:i], sl.waiters[i+1:]...)
			break
		}
	}
	if len(sl.waiters) > 0 {
		return
	}
	delete(s.index, sender)
	for i, p := range s.pending {
		if p == sl {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			break
		}
	}
}

// deliver fans the outcome out to every waiter. Waiter channels are buffered
// so a waiter that gave up between snapshot and delivery costs nothing.
func (sl *slot) deliver(out outcome) {
	for _, ch := range sl.waiters {
		ch <- out
	}
}
