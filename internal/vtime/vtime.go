// Package vtime implements a virtual-time timer scheduler: a single
// monotonic clock, expressed in nanoseconds, drives one-shot and cyclic
// timer callbacks. The clock itself is supplied by the caller (normally the
// CPU emulator's time accounting) via ProcessTimers.
package vtime

import (
	"container/heap"
	"sync"
)

// ID identifies a scheduled timer. IDs are monotonically increasing and
// never reused within the lifetime of a Scheduler.
type ID uint32

// Callback is invoked when a timer expires. It must not block; long
// operations should be split across future timer events.
type Callback func()

type entry struct {
	id       ID
	expiry   uint64 // nanoseconds
	interval uint64 // 0 for one-shot
	cb       Callback
	index    int // heap index, maintained by container/heap
}

type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if h[i].expiry != h[j].expiry {
		return h[i].expiry < h[j].expiry
	}
	// FIFO among equal expiries: lower id was inserted first.
	return h[i].id < h[j].id
}
func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Scheduler is a virtual-time timer queue. The zero value is not usable;
// construct with New.
type Scheduler struct {
	mu       sync.Mutex
	queue    entryHeap
	byID     map[ID]*entry
	nextID   ID
	cbActive bool

	// onQueueChanged, if set, is invoked whenever the queue's next expiry
	// could have changed, except while a callback is already executing
	// (cbActive suppresses redundant notifications during that window).
	onQueueChanged func()
}

// Option configures a Scheduler at construction time.
type Option func(*Scheduler)

// WithQueueChangedHook installs a callback invoked whenever the timer
// queue's next expiry may have changed (e.g. to let a host tick driver
// recompute its sleep interval).
func WithQueueChangedHook(fn func()) Option {
	return func(s *Scheduler) { s.onQueueChanged = fn }
}

// New constructs an empty Scheduler.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{byID: make(map[ID]*entry)}
	heap.Init(&s.queue)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Scheduler) notifyLocked() {
	if s.cbActive || s.onQueueChanged == nil {
		return
	}
	s.onQueueChanged()
}

// AddOneshot schedules cb to run once timeoutNS nanoseconds after now.
func (s *Scheduler) AddOneshot(now uint64, timeoutNS uint64, cb Callback) ID {
	return s.add(now, timeoutNS, 0, cb)
}

// AddImmediate schedules cb to run at the current time (equivalent to
// AddOneshot(now, 0, cb)).
func (s *Scheduler) AddImmediate(now uint64, cb Callback) ID {
	return s.add(now, 0, 0, cb)
}

// AddCyclic schedules cb to run every intervalNS nanoseconds, first firing
// after intervalNS.
func (s *Scheduler) AddCyclic(now uint64, intervalNS uint64, cb Callback) ID {
	return s.add(now, intervalNS, intervalNS, cb)
}

// AddCyclicDelayed schedules cb to run every intervalNS nanoseconds, with
// the first firing delayed by firstDelayNS instead of intervalNS.
func (s *Scheduler) AddCyclicDelayed(now uint64, intervalNS, firstDelayNS uint64, cb Callback) ID {
	return s.add(now, firstDelayNS, intervalNS, cb)
}

func (s *Scheduler) add(now, delay, interval uint64, cb Callback) ID {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	e := &entry{
		id:       s.nextID,
		expiry:   now + delay,
		interval: interval,
		cb:       cb,
	}
	heap.Push(&s.queue, e)
	s.byID[e.id] = e
	s.notifyLocked()
	return e.id
}

// Cancel removes a timer. It is safe to call with an already-fired or
// unknown ID; the call is a silent no-op in that case.
func (s *Scheduler) Cancel(id ID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byID[id]
	if !ok {
		return
	}
	heap.Remove(&s.queue, e.index)
	delete(s.byID, id)
	s.notifyLocked()
}

// ProcessTimers drains every timer whose expiry is <= now, in expiry order
// (FIFO among ties), invoking each callback. Cyclic timers are re-armed
// relative to now, not their stale nominal expiry, so a callback that takes
// a while to get processed does not cause a burst of catch-up firings and
// drift never accumulates. It returns the number of nanoseconds until the
// next timer's expiry, or 0 if no timers remain.
func (s *Scheduler) ProcessTimers(now uint64) uint64 {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return 0
		}
		top := s.queue[0]
		if top.expiry > now {
			delay := top.expiry - now
			s.mu.Unlock()
			return delay
		}

		cb := top.cb
		if top.interval != 0 {
			top.expiry = now + top.interval
			heap.Fix(&s.queue, top.index)
		} else {
			heap.Pop(&s.queue)
			delete(s.byID, top.id)
		}

		s.cbActive = true
		s.mu.Unlock()

		cb()

		s.mu.Lock()
		s.cbActive = false
		s.mu.Unlock()
	}
}

// Len reports the number of timers currently scheduled.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}
