package trigger

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/torqlab/crank/angle"
	"github.com/torqlab/crank/hooking"
	"github.com/torqlab/crank/scheduling"
)

// HookPosQueue is invoked after an event is appended to the pending list.
var HookPosQueue = &hooking.HookPos{Name: "Queue"}

// HookPosArm is invoked after an event is armed on the executor. The hook
// detail is an ArmDetail.
var HookPosArm = &hooking.HookPos{Name: "Arm"}

// HookPosReuse is invoked when an insertion finds the event already
// pending. The previously queued request stays in place.
var HookPosReuse = &hooking.HookPos{Name: "Reuse"}

// HookPosSweep is invoked after a tooth sweep completes. The hook detail is
// a SweepDetail.
var HookPosSweep = &hooking.HookPos{Name: "Sweep"}

// HookPosFault is invoked when the scheduler halts itself after a fatal
// configuration error. The hook detail is the fault message.
var HookPosFault = &hooking.HookPos{Name: "Fault"}

// ArmDetail describes one executor arming.
type ArmDetail struct {
	At           scheduling.Time
	AngleFromNow angle.Angle
	RPM          angle.RPM

	// Immediate is true when the request was armed directly from
	// ScheduleOrQueue, without going through the pending list.
	Immediate bool
}

// SweepDetail summarizes one call to ScheduleEventsUntilNextTriggerTooth.
type SweepDetail struct {
	ToothIndex    uint32
	RPM           angle.RPM
	EdgeTimestamp scheduling.Time
	Scanned       int
	Armed         int
	Retained      int
}

// Pending-list sentinels in the next-index table.
const (
	// nilSlot terminates a chain.
	nilSlot int32 = -1
	// freeSlot marks an event that is not linked into any chain.
	freeSlot int32 = -2
)

// A Scheduler owns the pending list of angle-based events for one channel
// and converts due events into timed executor armings.
//
// The pending list is an arena: registered events occupy fixed slots, and
// membership is a singly linked chain through an atomic next-index table.
// Every critical section performs O(1) index writes only; the per-tooth
// sweep scans a detached snapshot outside the lock, so a concurrent
// ScheduleOrQueue never waits for it.
type Scheduler struct {
	hooking.HookableBase

	name      string
	executor  scheduling.Executor
	rpmSource angle.RPMSource
	cycle     angle.Angle
	faultLog  *log.Logger

	mu     sync.Mutex
	events []*AngleEvent
	next   []atomic.Int32
	used   int
	head   int32
	tail   int32

	failed     atomic.Bool
	eventReuse atomic.Uint32
}

// NewScheduler creates a Scheduler for one channel. capacity bounds the
// number of events that can ever be registered; events are pre-allocated by
// callers and merely re-linked, so capacity equals the number of distinct
// actuation requests the channel uses per cycle.
func NewScheduler(
	name string,
	capacity int,
	executor scheduling.Executor,
	rpmSource angle.RPMSource,
	cycle angle.Angle,
) *Scheduler {
	if capacity <= 0 {
		log.Panic("scheduler capacity must be positive")
	}

	s := &Scheduler{
		name:      name,
		executor:  executor,
		rpmSource: rpmSource,
		cycle:     cycle,
		faultLog:  log.Default(),
		events:    make([]*AngleEvent, capacity),
		next:      make([]atomic.Int32, capacity),
		head:      nilSlot,
		tail:      nilSlot,
	}

	for i := range s.next {
		s.next[i].Store(freeSlot)
	}

	return s
}

// WithFaultLogger redirects fatal-configuration reports to l.
func (s *Scheduler) WithFaultLogger(l *log.Logger) *Scheduler {
	s.faultLog = l
	return s
}

// Name returns the channel name of the scheduler.
func (s *Scheduler) Name() string {
	return s.name
}

// Register binds a caller-owned event to an arena slot. An event must be
// registered exactly once, with exactly one scheduler, before it is first
// submitted.
func (s *Scheduler) Register(e *AngleEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.slot != 0 {
		err := fmt.Errorf("event already registered in slot %d", e.slot-1)
		s.fault(err.Error())
		return err
	}

	if s.used == len(s.events) {
		err := fmt.Errorf("event arena full (capacity %d)", len(s.events))
		s.fault(err.Error())
		return err
	}

	s.events[s.used] = e
	s.used++
	e.slot = int32(s.used)

	return nil
}

// ScheduleOrQueueAtTooth submits an index-based request: fire action at
// pos.AngleOffset past tooth pos.ToothIndex.
//
// If toothIndex, the tooth observed now, already matches, the request is
// armed by time immediately, using as much trigger position as possible and
// RPM-based conversion only for the final angle between teeth. Otherwise it
// joins the pending list until its tooth comes around. The return value
// reports "armed now" (true) versus "queued" (false) and is meant for
// diagnostics only.
func (s *Scheduler) ScheduleOrQueueAtTooth(
	e *AngleEvent,
	pos ToothPosition,
	toothIndex uint32,
	edgeTimestamp scheduling.Time,
	action scheduling.Action,
) bool {
	if s.failed.Load() || !s.checkRegistered(e) {
		return false
	}

	e.kind = KindToothIndex
	e.toothIndex = pos.ToothIndex
	e.angleOffset = pos.AngleOffset

	if toothIndex != IndexUndefined && pos.ToothIndex == toothIndex {
		if rpm := s.rpmSource.RPM(); rpm.Valid() {
			// Due before the next trigger event; a time-based delay is the
			// best precision available.
			s.arm(e, edgeTimestamp, pos.AngleOffset, action, rpm, true)
			return true
		}
		// No usable angular velocity yet. Fall through and let the next
		// valid tooth pick the event up.
	}

	s.queueEvent(e, action)

	return false
}

// ScheduleOrQueueAtPhase submits a phase-based request: fire action at
// engine phase phase. (currentPhase, nextPhase) is the phase interval of
// the tooth observed now; if it already contains the phase the request is
// armed immediately, otherwise it is queued. The return value reports
// "armed now" versus "queued" and is meant for diagnostics only.
func (s *Scheduler) ScheduleOrQueueAtPhase(
	e *AngleEvent,
	phase angle.Angle,
	edgeTimestamp scheduling.Time,
	currentPhase, nextPhase angle.Angle,
	action scheduling.Action,
) bool {
	if s.failed.Load() || !s.checkRegistered(e) {
		return false
	}

	e.kind = KindEnginePhase
	e.enginePhase = angle.Normalize(phase, s.cycle)

	if e.shouldSchedule(IndexUndefined, currentPhase, nextPhase) {
		if rpm := s.rpmSource.RPM(); rpm.Valid() {
			s.arm(e, edgeTimestamp,
				e.angleFromNow(currentPhase, s.cycle), action, rpm, true)
			return true
		}
	}

	s.queueEvent(e, action)

	return false
}

// ScheduleEventsUntilNextTriggerTooth is called once per observed trigger
// tooth. It arms every pending event whose rotational condition is now met
// and retains the rest.
//
// An invalid rpm makes this a no-op: angle-to-time conversion needs a known
// angular velocity, so the work is deferred to the next valid tooth. This
// happens, for instance, on a single trigger event after a pause.
func (s *Scheduler) ScheduleEventsUntilNextTriggerTooth(
	rpm angle.RPM,
	toothIndex uint32,
	edgeTimestamp scheduling.Time,
	currentPhase, nextPhase angle.Angle,
) {
	if s.failed.Load() || !rpm.Valid() {
		return
	}

	s.mu.Lock()
	detached := s.head
	s.head = nilSlot
	s.tail = nilSlot
	s.mu.Unlock()

	// The scan runs outside the lock. Events inserted concurrently land on
	// the now-empty live list and cannot be due for this tooth anyway: they
	// were submitted after their own condition check.
	scanned := 0
	armed := 0
	keepHead := nilSlot
	keepTail := nilSlot

	for cur := detached; cur != nilSlot; {
		nxt := s.next[cur].Load()
		e := s.events[cur]
		scanned++

		if e.shouldSchedule(toothIndex, currentPhase, nextPhase) {
			s.next[cur].Store(freeSlot)

			// The event may have been armed ahead of time, e.g. by
			// overdwell protection. Cancel inside arm so the stale arming
			// can never fire alongside the recomputed one.
			s.arm(e, edgeTimestamp,
				e.angleFromNow(currentPhase, s.cycle), e.action, rpm, false)
			armed++
		} else {
			if keepTail == nilSlot {
				keepHead = cur
			} else {
				s.next[keepTail].Store(cur)
			}
			keepTail = cur
		}

		cur = nxt
	}

	if keepHead != nilSlot {
		// Concatenate, not replace: entries inserted during the scan stay,
		// after the retained ones.
		s.mu.Lock()
		s.next[keepTail].Store(s.head)
		s.head = keepHead
		if s.tail == nilSlot {
			s.tail = keepTail
		}
		s.mu.Unlock()
	}

	s.InvokeHook(hooking.Ctx{
		Domain: s,
		Pos:    HookPosSweep,
		Detail: SweepDetail{
			ToothIndex:    toothIndex,
			RPM:           rpm,
			EdgeTimestamp: edgeTimestamp,
			Scanned:       scanned,
			Armed:         armed,
			Retained:      scanned - armed,
		},
	})
}

// arm converts an angular distance from the tooth at edgeTimestamp into an
// absolute time and arms the executor. Any stale arming for the same event
// is cancelled first, so at most one arming is ever outstanding per event.
func (s *Scheduler) arm(
	e *AngleEvent,
	edgeTimestamp scheduling.Time,
	fromNow angle.Angle,
	action scheduling.Action,
	rpm angle.RPM,
	immediate bool,
) {
	at := edgeTimestamp + scheduling.Time(rpm.SecondsForAngle(fromNow))

	s.executor.Cancel(e.token)
	e.action = action
	e.token = s.executor.Arm(action, at)

	s.InvokeHook(hooking.Ctx{
		Domain: s,
		Pos:    HookPosArm,
		Item:   e,
		Detail: ArmDetail{
			At:           at,
			AngleFromNow: fromNow,
			RPM:          rpm,
			Immediate:    immediate,
		},
	})
}

// queueEvent stores action into e and appends e to the pending list. If e
// is already linked, a previous request for the same channel is still
// pending (overdwell or a rapid re-request); the old entry keeps its
// action, the collision is counted, and no second link is created.
func (s *Scheduler) queueEvent(e *AngleEvent, action scheduling.Action) {
	idx := e.slot - 1

	s.mu.Lock()

	if s.next[idx].Load() != freeSlot {
		s.mu.Unlock()
		s.eventReuse.Add(1)
		s.InvokeHook(hooking.Ctx{Domain: s, Pos: HookPosReuse, Item: e})
		return
	}

	// The action is written under the same lock that links the event, so
	// the sweep that later detaches it always sees the action it was
	// queued with.
	e.action = action

	// Append keeps the caller's on/off ordering under timestamp skew.
	s.next[idx].Store(nilSlot)
	if s.tail == nilSlot {
		s.head = idx
	} else {
		s.next[s.tail].Store(idx)
	}
	s.tail = idx

	s.mu.Unlock()

	s.InvokeHook(hooking.Ctx{Domain: s, Pos: HookPosQueue, Item: e})
}

func (s *Scheduler) checkRegistered(e *AngleEvent) bool {
	s.mu.Lock()
	ok := e.slot != 0 && int(e.slot) <= s.used && s.events[e.slot-1] == e
	s.mu.Unlock()

	if !ok {
		s.fault("event submitted without registration")
	}

	return ok
}

// fault reports a fatal configuration error and halts this scheduler's
// further scheduling. The rest of the process keeps running.
func (s *Scheduler) fault(msg string) {
	if s.failed.Swap(true) {
		return
	}

	s.faultLog.Printf(
		"trigger scheduler %s: %s; channel scheduling halted", s.name, msg)
	s.InvokeHook(hooking.Ctx{Domain: s, Pos: HookPosFault, Detail: msg})
}

// Failed reports whether the scheduler has halted after a fatal
// configuration error.
func (s *Scheduler) Failed() bool {
	return s.failed.Load()
}

// EventReuseCount returns how many insertions were skipped because the
// event was already pending.
func (s *Scheduler) EventReuseCount() uint32 {
	return s.eventReuse.Load()
}

// PendingCount returns the number of events currently linked in the
// pending list. Diagnostic only.
func (s *Scheduler) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for cur := s.head; cur != nilSlot; cur = s.next[cur].Load() {
		n++
	}

	return n
}

// PendingAt returns the n-th pending event, or nil if the list is shorter.
// Test and diagnostic accessor, not part of the runtime contract.
func (s *Scheduler) PendingAt(n int) *AngleEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	for cur := s.head; cur != nilSlot; cur = s.next[cur].Load() {
		if n == 0 {
			return s.events[cur]
		}
		n--
	}

	return nil
}
