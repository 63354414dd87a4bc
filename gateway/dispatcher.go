package gateway

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ollamax/ollamax/store"
)

// QueueLimit caps how many requests run against one backend at the same time.
// Requests beyond the cap wait in that backend's queue in arrival order.
const QueueLimit = 20

const (
	taskQueued int32 = iota
	taskRunning
	taskAbandoned
)

type task struct {
	ctx   context.Context
	run   func()
	state atomic.Int32
	done  chan struct{}
}

// claim moves the task from queued to running. Exactly one of claim and
// abandon wins; the loser sees the other's state.
func (t *task) claim() bool {
	return t.state.CompareAndSwap(taskQueued, taskRunning)
}

func (t *task) abandon() bool {
	return t.state.CompareAndSwap(taskQueued, taskAbandoned)
}

// queueHandler serializes admission for a single backend URL. A consumer
// goroutine pops tasks FIFO, acquires a semaphore slot and runs each task in
// its own goroutine, so at most QueueLimit tasks are in flight per backend.
type queueHandler struct {
	url string
	sem chan struct{}

	mu      sync.Mutex
	cond    *sync.Cond
	pending []*task
	running int
	closed  bool
}

func newQueueHandler(url string) *queueHandler {
	h := &queueHandler{
		url: url,
		sem: make(chan struct{}, QueueLimit),
	}
	h.cond = sync.NewCond(&h.mu)
	go h.consume()
	return h
}

func (h *queueHandler) push(t *task) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return false
	}
	h.pending = append(h.pending, t)
	h.cond.Signal()
	return true
}

func (h *queueHandler) pop() *task {
	h.mu.Lock()
	defer h.mu.Unlock()

	for len(h.pending) == 0 && !h.closed {
		h.cond.Wait()
	}
	if len(h.pending) == 0 {
		return nil
	}
	t := h.pending[0]
	h.pending = h.pending[1:]
	h.running++
	return t
}

func (h *queueHandler) consume() {
	for {
		t := h.pop()
		if t == nil {
			return
		}

		h.sem <- struct{}{}
		go func(t *task) {
			defer func() {
				<-h.sem
				h.mu.Lock()
				h.running--
				h.mu.Unlock()
			}()
			defer close(t.done)

			// caller gave up while queued
			if !t.claim() {
				return
			}
			t.run()
		}(t)
	}
}

// depth is queued plus in-flight work, the load signal for server selection.
func (h *queueHandler) depth() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending) + h.running
}

func (h *queueHandler) close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for _, t := range h.pending {
		t.abandon()
		close(t.done)
	}
	h.pending = nil
	h.cond.Broadcast()
}

// Dispatcher owns one queueHandler per backend URL, created on first use.
type Dispatcher struct {
	mu       sync.Mutex
	handlers map[string]*queueHandler
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]*queueHandler)}
}

func (d *Dispatcher) handler(url string) *queueHandler {
	d.mu.Lock()
	defer d.mu.Unlock()

	h, ok := d.handlers[url]
	if !ok {
		h = newQueueHandler(url)
		d.handlers[url] = h
	}
	return h
}

// Dispatch enqueues job on the backend's queue and blocks until it finishes.
// Cancelling ctx only bails out while the task is still queued; a job whose
// caller cancelled before its turn never runs. Once the job has started,
// Dispatch waits for it to return regardless of ctx, so the job may use the
// caller's resources for its whole run.
func (d *Dispatcher) Dispatch(ctx context.Context, url string, job func()) error {
	t := &task{ctx: ctx, run: job, done: make(chan struct{})}
	if !d.handler(url).push(t) {
		return context.Canceled
	}

	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		if t.abandon() {
			return ctx.Err()
		}
		// already claimed by a worker; wait it out
		<-t.done
		return ctx.Err()
	}
}

// QueueDepth reports the current load of a backend. Unknown backends are
// idle.
func (d *Dispatcher) QueueDepth(url string) int {
	d.mu.Lock()
	h := d.handlers[url]
	d.mu.Unlock()

	if h == nil {
		return 0
	}
	return h.depth()
}

// SelectServer picks the least loaded of the candidate servers. Ties go to
// the earliest candidate, so callers get stable routing for equal load.
func (d *Dispatcher) SelectServer(servers []*store.Server) *store.Server {
	if len(servers) == 0 {
		return nil
	}

	best := servers[0]
	bestDepth := d.QueueDepth(best.URL)
	for _, srv := range servers[1:] {
		if depth := d.QueueDepth(srv.URL); depth < bestDepth {
			best, bestDepth = srv, depth
		}
	}
	return best
}

// Remove drops the queue for a deregistered backend. Queued tasks are
// released without running.
func (d *Dispatcher) Remove(url string) {
	d.mu.Lock()
	h := d.handlers[url]
	delete(d.handlers, url)
	d.mu.Unlock()

	if h != nil {
		h.close()
	}
}

// Close shuts down every queue.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	handlers := d.handlers
	d.handlers = make(map[string]*queueHandler)
	d.mu.Unlock()

	for _, h := range handlers {
		h.close()
	}
}
