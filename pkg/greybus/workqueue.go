package greybus

import (
	"sync"
	"sync/atomic"

	"github.com/anobli/greybus/pkg/logs"
	"github.com/panjf2000/ants"
	log "github.com/sirupsen/logrus"
)

const WorkqueueCaller = "Workqueue"

// Workqueue runs deferred work on a goroutine pool. Queueing never blocks:
// when every slot is taken, work either fails to queue or, through
// QueueOrDetach, runs on a goroutine of its own.
type Workqueue struct {
	depth    int32
	reserved int32
	queue    chan func()

	pool     *ants.Pool
	inflight sync.WaitGroup

	closeMu sync.RWMutex
	closed  bool
	done    chan struct{}
	runWg   sync.WaitGroup

	logger *log.Logger
}

func NewWorkqueue(workers, depth int) (*Workqueue, error) {
	pool, err := ants.NewPool(workers)
	if err != nil {
		return nil, err
	}
	wq := &Workqueue{
		depth:  int32(depth),
		queue:  make(chan func(), depth),
		pool:   pool,
		done:   make(chan struct{}),
		logger: logs.NewLogger(WorkqueueCaller),
	}
	wq.runWg.Add(1)
	go wq.run()
	return wq, nil
}

func (wq *Workqueue) reserve() bool {
	for {
		n := atomic.LoadInt32(&wq.reserved)
		if n >= wq.depth {
			return false
		}
		if atomic.CompareAndSwapInt32(&wq.reserved, n, n+1) {
			return true
		}
	}
}

func (wq *Workqueue) unreserve() {
	atomic.AddInt32(&wq.reserved, -1)
}

// queueReserved queues work into a slot obtained from reserve.
func (wq *Workqueue) queueReserved(work func()) {
	wq.inflight.Add(1)
	wrapped := func() {
		defer wq.inflight.Done()
		work()
	}

	wq.closeMu.RLock()
	defer wq.closeMu.RUnlock()
	if wq.closed {
		wq.unreserve()
		go wrapped()
		return
	}
	wq.queue <- wrapped
}

// Queue runs work on the pool, failing with ErrWorkqueueFull instead of
// blocking.
func (wq *Workqueue) Queue(work func()) error {
	if !wq.reserve() {
		return ErrWorkqueueFull
	}
	wq.queueReserved(work)
	return nil
}

// QueueOrDetach queues work, or runs it on a goroutine of its own when the
// queue is full. Close still waits for it.
func (wq *Workqueue) QueueOrDetach(work func()) {
	if wq.reserve() {
		wq.queueReserved(work)
		return
	}
	wq.detach(work)
}

func (wq *Workqueue) detach(work func()) {
	wq.inflight.Add(1)
	go func() {
		defer wq.inflight.Done()
		work()
	}()
}

func (wq *Workqueue) run() {
	defer wq.runWg.Done()
	for {
		select {
		case work := <-wq.queue:
			wq.dispatch(work)
		case <-wq.done:
			for {
				select {
				case work := <-wq.queue:
					wq.dispatch(work)
				default:
					return
				}
			}
		}
	}
}

func (wq *Workqueue) dispatch(work func()) {
	wq.unreserve()
	if err := wq.pool.Submit(work); err != nil {
		wq.logger.Errorf("pool rejected work (%s), running it detached", err.Error())
		go work()
	}
}

// Pending returns the number of queued work items not yet handed to a
// worker.
func (wq *Workqueue) Pending() int {
	return int(atomic.LoadInt32(&wq.reserved))
}

// Close waits for queued and running work, then releases the pool.
func (wq *Workqueue) Close() {
	wq.closeMu.Lock()
	if wq.closed {
		wq.closeMu.Unlock()
		return
	}
	wq.closed = true
	close(wq.done)
	wq.closeMu.Unlock()

	wq.runWg.Wait()
	wq.inflight.Wait()
	wq.pool.Release()
}
