package scheduling

import (
	"container/heap"
	"log"
	"sync"
)

type arming struct {
	seq       uint64
	at        Time
	action    Action
	cancelled bool
}

// VirtualExecutor is an Executor that runs on a virtual clock. Armings are
// kept in a time-ordered heap and fire when RunUntil advances the clock
// past them. It is safe for concurrent use.
//
// The real firmware supplies a hardware-timer Executor; VirtualExecutor
// serves unit tests and host-side replay, where the tooth stream decides
// how far time advances.
type VirtualExecutor struct {
	mu      sync.Mutex
	now     Time
	nextSeq uint64
	queue   armingHeap
	live    map[uint64]*arming
}

// NewVirtualExecutor creates a VirtualExecutor with its clock at zero.
func NewVirtualExecutor() *VirtualExecutor {
	e := new(VirtualExecutor)
	e.queue = make(armingHeap, 0)
	e.live = make(map[uint64]*arming)
	heap.Init(&e.queue)

	return e
}

// Arm schedules a single invocation of a at time at. An arming in the past
// is clamped to the current time and fires on the next run.
func (e *VirtualExecutor) Arm(a Action, at Time) ArmToken {
	if a == nil {
		log.Panic("arming a nil action")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if at < e.now {
		at = e.now
	}

	e.nextSeq++
	entry := &arming{seq: e.nextSeq, at: at, action: a}
	heap.Push(&e.queue, entry)
	e.live[entry.seq] = entry

	return ArmToken{ID: entry.seq}
}

// Cancel revokes a previous arming. Idempotent; the zero token and unknown
// tokens are ignored.
func (e *VirtualExecutor) Cancel(t ArmToken) {
	if t.IsZero() {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	entry, ok := e.live[t.ID]
	if !ok {
		return
	}

	entry.cancelled = true
	delete(e.live, t.ID)
}

// Now returns the current virtual time.
func (e *VirtualExecutor) Now() Time {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.now
}

// Outstanding returns the number of armings that are neither fired nor
// cancelled.
func (e *VirtualExecutor) Outstanding() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return len(e.live)
}

// RunUntil advances the clock to t, invoking every due action in time
// order, and returns the number of actions invoked. Actions run outside the
// executor's lock so they may arm or cancel further work.
func (e *VirtualExecutor) RunUntil(t Time) int {
	fired := 0

	for {
		entry := e.popDue(t)
		if entry == nil {
			break
		}

		entry.action.Invoke()
		fired++
	}

	e.mu.Lock()
	if t > e.now {
		e.now = t
	}
	e.mu.Unlock()

	return fired
}

func (e *VirtualExecutor) popDue(t Time) *arming {
	e.mu.Lock()
	defer e.mu.Unlock()

	for e.queue.Len() > 0 {
		entry := e.queue[0]

		if entry.cancelled {
			heap.Pop(&e.queue)
			continue
		}

		if entry.at > t {
			return nil
		}

		heap.Pop(&e.queue)
		delete(e.live, entry.seq)

		if entry.at > e.now {
			e.now = entry.at
		}

		return entry
	}

	return nil
}

type armingHeap []*arming

func (h armingHeap) Len() int {
	return len(h)
}

// Less orders armings by firing time, breaking ties by arming order.
func (h armingHeap) Less(i, j int) bool {
	if h[i].at != h[j].at {
		return h[i].at < h[j].at
	}

	return h[i].seq < h[j].seq
}

func (h armingHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
}

func (h *armingHeap) Push(x interface{}) {
	*h = append(*h, x.(*arming))
}

func (h *armingHeap) Pop() interface{} {
	old := *h
	n := len(old)
	entry := old[n-1]
	*h = old[0 : n-1]

	return entry
}
