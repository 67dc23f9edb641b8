// Package transport implements the resolver's IO core: one-shot UDP and TCP
// channels to upstream servers, each with a per-exchange timeout,
// multiplexed so many concurrent queries can be outstanding at once.
//
// Go's net package already hands non-blocking socket multiplexing to the
// runtime's own netpoller, so this package does not reimplement a raw
// select(2)/epoll(2) loop. Runner centralizes the one piece of state that
// genuinely spans many concurrent exchanges: per-exchange timeouts, checked
// at a bounded ~50ms cadence. Each Channel owns exactly one goroutine
// blocked in a deadline-bounded Read.
package transport

import (
	"container/heap"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// TimeoutCheckInterval is the cadence at which Runner scans its timeout
// queue.
const TimeoutCheckInterval = 50 * time.Millisecond

type timeoutEntry struct {
	deadline time.Time
	disc     uint64
	fired    bool
	canceled bool
	callback func()
	index    int
}

type timeoutHeap []*timeoutEntry

func (h timeoutHeap) Len() int { return len(h) }
func (h timeoutHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].disc < h[j].disc
	}
	return h[i].deadline.Before(h[j].deadline)
}
func (h timeoutHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *timeoutHeap) Push(x interface{}) {
	e := x.(*timeoutEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *timeoutHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// TimeoutHandle lets the owner of a timeout cancel it. A cancelled-or-fired
// timeout is terminal: its callback runs at most once.
type TimeoutHandle struct {
	runner *Runner
	entry  *timeoutEntry
}

// Cancel suppresses the timeout's callback if it has not already fired.
// Returns true if this call is the one that prevented the callback from
// running.
func (h TimeoutHandle) Cancel() bool {
	if h.entry == nil {
		return false
	}
	return h.runner.cancel(h.entry)
}

// Runner is the IO core's single timeout-management loop. It never decodes
// messages or invokes user handlers directly (those happen on the goroutines
// reading each Channel); its only job is firing expired timeout callbacks
// at a bounded cadence.
type Runner struct {
	log *logrus.Entry

	mu       sync.Mutex
	queue    timeoutHeap
	discSeq  uint64
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewRunner constructs a Runner. Call Start to begin the timeout-check loop
// and Stop to shut it down; a Runner is typically process-wide, owned by one
// Resolver.
func NewRunner(log *logrus.Entry) *Runner {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Runner{
		log:    log,
		stopCh: make(chan struct{}),
	}
}

// Start begins the periodic timeout scan.
func (r *Runner) Start() {
	r.wg.Add(1)
	go r.loop()
}

// Stop ends the timeout-check loop. Any timeouts still pending when Stop is
// called never fire; callers that need deterministic cleanup should cancel
// or let their exchanges complete first.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

func (r *Runner) loop() {
	defer r.wg.Done()

	ticker := time.NewTicker(TimeoutCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.fireExpired()
		}
	}
}

func (r *Runner) fireExpired() {
	now := time.Now()

	var due []*timeoutEntry
	r.mu.Lock()
	for r.queue.Len() > 0 {
		top := r.queue[0]
		if top.deadline.After(now) {
			break
		}
		e := heap.Pop(&r.queue).(*timeoutEntry)
		if e.canceled {
			continue
		}
		e.fired = true
		due = append(due, e)
	}
	r.mu.Unlock()

	// Callbacks run outside the lock: they typically drive FSM events which
	// may in turn register new timeouts. A panicking callback must never
	// kill the loop; recover and log instead.
	for _, e := range due {
		r.invoke(e)
	}
}

func (r *Runner) invoke(e *timeoutEntry) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.WithField("panic", rec).Error("timeout callback panicked")
		}
	}()
	e.callback()
}

// RegisterTimeout schedules callback to run once, after d elapses, unless
// cancelled first. Callers are responsible for keeping d within the
// per-exchange window they need; Runner does not enforce a bound.
func (r *Runner) RegisterTimeout(d time.Duration, callback func()) TimeoutHandle {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.discSeq++
	e := &timeoutEntry{
		deadline: time.Now().Add(d),
		disc:     r.discSeq,
		callback: callback,
	}
	heap.Push(&r.queue, e)

	return TimeoutHandle{runner: r, entry: e}
}

func (r *Runner) cancel(e *timeoutEntry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e.fired || e.canceled {
		return false
	}
	e.canceled = true
	if e.index >= 0 && e.index < len(r.queue) && r.queue[e.index] == e {
		heap.Remove(&r.queue, e.index)
	}
	return true
}
