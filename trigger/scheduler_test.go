package trigger

import (
	"io"
	"log"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	gomock "go.uber.org/mock/gomock"

	"github.com/torqlab/crank/angle"
	"github.com/torqlab/crank/scheduling"
)

// stubRPM is an RPMSource with a fixed reading.
type stubRPM angle.RPM

func (r stubRPM) RPM() angle.RPM {
	return angle.RPM(r)
}

var _ = Describe("Scheduler", func() {
	var (
		mockCtrl  *gomock.Controller
		executor  *MockExecutor
		scheduler *Scheduler
		event     *AngleEvent
		action    *MockAction
	)

	// 3000 RPM rotates 18000 degrees per second.
	const rpm = angle.RPM(3000)

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		executor = NewMockExecutor(mockCtrl)
		scheduler = NewScheduler("Ignition0", 4,
			executor, stubRPM(rpm), angle.FourStrokeCycle)
		event = &AngleEvent{}
		Expect(scheduler.Register(event)).To(Succeed())
		action = NewMockAction(mockCtrl)
	})

	AfterEach(func() {
		mockCtrl.Finish()
	})

	expectArm := func(token scheduling.ArmToken) *scheduling.Time {
		at := new(scheduling.Time)
		executor.EXPECT().Cancel(gomock.Any())
		executor.EXPECT().
			Arm(gomock.Any(), gomock.Any()).
			DoAndReturn(func(
				_ scheduling.Action,
				t scheduling.Time,
			) scheduling.ArmToken {
				*at = t
				return token
			})
		return at
	}

	It("should arm immediately when the current tooth matches", func() {
		at := expectArm(scheduling.ArmToken{ID: 1})

		armedNow := scheduler.ScheduleOrQueueAtTooth(event,
			ToothPosition{ToothIndex: 3, AngleOffset: 15},
			3, 1.0, action)

		Expect(armedNow).To(BeTrue())
		Expect(scheduler.PendingCount()).To(Equal(0))
		Expect(float64(*at)).To(BeNumerically("~", 1.0+15.0/18000.0, 1e-12))
	})

	It("should queue when the current tooth does not match, then arm on "+
		"the matching tooth", func() {
		armedNow := scheduler.ScheduleOrQueueAtTooth(event,
			ToothPosition{ToothIndex: 3, AngleOffset: 15},
			1, 1.0, action)

		Expect(armedNow).To(BeFalse())
		Expect(scheduler.PendingAt(0)).To(BeIdenticalTo(event))

		at := expectArm(scheduling.ArmToken{ID: 1})
		scheduler.ScheduleEventsUntilNextTriggerTooth(rpm, 3, 2.0, 18, 24)

		Expect(scheduler.PendingCount()).To(Equal(0))
		Expect(float64(*at)).To(BeNumerically("~", 2.0+15.0/18000.0, 1e-12))
	})

	It("should queue when no recent tooth is known", func() {
		armedNow := scheduler.ScheduleOrQueueAtTooth(event,
			ToothPosition{ToothIndex: 3, AngleOffset: 15},
			IndexUndefined, 1.0, action)

		Expect(armedNow).To(BeFalse())
		Expect(scheduler.PendingCount()).To(Equal(1))
	})

	It("should not link the same event twice", func() {
		pos := ToothPosition{ToothIndex: 3, AngleOffset: 15}

		scheduler.ScheduleOrQueueAtTooth(event, pos, 1, 1.0, action)
		scheduler.ScheduleOrQueueAtTooth(event, pos, 1, 1.1, action)

		Expect(scheduler.PendingCount()).To(Equal(1))
		Expect(scheduler.EventReuseCount()).To(Equal(uint32(1)))
	})

	It("should keep the previously queued action on a re-request", func() {
		newer := NewMockAction(mockCtrl)
		pos := ToothPosition{ToothIndex: 3, AngleOffset: 15}

		scheduler.ScheduleOrQueueAtTooth(event, pos, 1, 1.0, action)
		scheduler.ScheduleOrQueueAtTooth(event, pos, 1, 1.1, newer)

		// Identity, not value, tells the two mock actions apart.
		var armed scheduling.Action
		executor.EXPECT().Cancel(gomock.Any())
		executor.EXPECT().
			Arm(gomock.Any(), gomock.Any()).
			DoAndReturn(func(
				a scheduling.Action,
				_ scheduling.Time,
			) scheduling.ArmToken {
				armed = a
				return scheduling.ArmToken{ID: 1}
			})
		scheduler.ScheduleEventsUntilNextTriggerTooth(rpm, 3, 2.0, 18, 24)

		Expect(armed).To(BeIdenticalTo(action))
		Expect(event.Action()).To(BeIdenticalTo(action))
	})

	It("should fire the originally queued side effect, not the "+
		"re-requested one", func() {
		realExecutor := scheduling.NewVirtualExecutor()
		ignition := NewScheduler("Ignition4", 1,
			realExecutor, stubRPM(rpm), angle.FourStrokeCycle)
		e := &AngleEvent{}
		Expect(ignition.Register(e)).To(Succeed())

		var firstFired, secondFired bool
		pos := ToothPosition{ToothIndex: 3, AngleOffset: 15}

		ignition.ScheduleOrQueueAtTooth(e, pos, 1, 1.0,
			scheduling.ActionFunc(func() { firstFired = true }))
		ignition.ScheduleOrQueueAtTooth(e, pos, 1, 1.1,
			scheduling.ActionFunc(func() { secondFired = true }))

		ignition.ScheduleEventsUntilNextTriggerTooth(rpm, 3, 2.0, 18, 24)
		realExecutor.RunUntil(3.0)

		Expect(firstFired).To(BeTrue())
		Expect(secondFired).To(BeFalse())
		Expect(ignition.EventReuseCount()).To(Equal(uint32(1)))
	})

	It("should cancel a stale arming before re-arming", func() {
		pos := ToothPosition{ToothIndex: 3, AngleOffset: 15}
		stale := scheduling.ArmToken{ID: 7}

		executor.EXPECT().Cancel(scheduling.ArmToken{})
		executor.EXPECT().
			Arm(gomock.Any(), gomock.Any()).
			Return(stale)

		scheduler.ScheduleOrQueueAtTooth(event, pos, 1, 1.0, action)
		scheduler.ScheduleEventsUntilNextTriggerTooth(rpm, 3, 2.0, 18, 24)

		cancelStale := executor.EXPECT().Cancel(stale)
		executor.EXPECT().
			Arm(gomock.Any(), gomock.Any()).
			Return(scheduling.ArmToken{ID: 8}).
			After(cancelStale)

		scheduler.ScheduleOrQueueAtTooth(event, pos, 1, 3.0, action)
		scheduler.ScheduleEventsUntilNextTriggerTooth(rpm, 3, 4.0, 18, 24)
	})

	It("should retain non-due events in their original order", func() {
		other := &AngleEvent{}
		Expect(scheduler.Register(other)).To(Succeed())

		scheduler.ScheduleOrQueueAtTooth(event,
			ToothPosition{ToothIndex: 3, AngleOffset: 15}, 1, 1.0, action)
		scheduler.ScheduleOrQueueAtTooth(other,
			ToothPosition{ToothIndex: 5, AngleOffset: 10}, 1, 1.0, action)

		scheduler.ScheduleEventsUntilNextTriggerTooth(rpm, 2, 2.0, 12, 18)

		Expect(scheduler.PendingCount()).To(Equal(2))
		Expect(scheduler.PendingAt(0)).To(BeIdenticalTo(event))
		Expect(scheduler.PendingAt(1)).To(BeIdenticalTo(other))
	})

	It("should arm all due events and only those", func() {
		due := &AngleEvent{}
		Expect(scheduler.Register(due)).To(Succeed())

		scheduler.ScheduleOrQueueAtTooth(event,
			ToothPosition{ToothIndex: 5, AngleOffset: 10}, 1, 1.0, action)
		scheduler.ScheduleOrQueueAtTooth(due,
			ToothPosition{ToothIndex: 3, AngleOffset: 15}, 1, 1.0, action)

		expectArm(scheduling.ArmToken{ID: 1})
		scheduler.ScheduleEventsUntilNextTriggerTooth(rpm, 3, 2.0, 18, 24)

		Expect(scheduler.PendingCount()).To(Equal(1))
		Expect(scheduler.PendingAt(0)).To(BeIdenticalTo(event))
	})

	It("should preserve events inserted while a sweep is running", func() {
		notDue := &AngleEvent{}
		midSweep := &AngleEvent{}
		Expect(scheduler.Register(notDue)).To(Succeed())
		Expect(scheduler.Register(midSweep)).To(Succeed())

		scheduler.ScheduleOrQueueAtTooth(event,
			ToothPosition{ToothIndex: 3, AngleOffset: 15}, 1, 1.0, action)
		scheduler.ScheduleOrQueueAtTooth(notDue,
			ToothPosition{ToothIndex: 5, AngleOffset: 10}, 1, 1.0, action)

		executor.EXPECT().Cancel(gomock.Any())
		executor.EXPECT().
			Arm(gomock.Any(), gomock.Any()).
			DoAndReturn(func(
				_ scheduling.Action,
				_ scheduling.Time,
			) scheduling.ArmToken {
				// Another context submits while the sweep scans its
				// detached snapshot.
				scheduler.ScheduleOrQueueAtTooth(midSweep,
					ToothPosition{ToothIndex: 6, AngleOffset: 20},
					3, 2.0, action)
				return scheduling.ArmToken{ID: 1}
			})

		scheduler.ScheduleEventsUntilNextTriggerTooth(rpm, 3, 2.0, 18, 24)

		Expect(scheduler.PendingCount()).To(Equal(2))
		Expect(scheduler.PendingAt(0)).To(BeIdenticalTo(notDue))
		Expect(scheduler.PendingAt(1)).To(BeIdenticalTo(midSweep))
	})

	It("should do nothing on an invalid RPM", func() {
		scheduler.ScheduleOrQueueAtTooth(event,
			ToothPosition{ToothIndex: 3, AngleOffset: 15}, 1, 1.0, action)

		scheduler.ScheduleEventsUntilNextTriggerTooth(0, 3, 2.0, 18, 24)

		Expect(scheduler.PendingCount()).To(Equal(1))
	})

	It("should queue instead of arming when the RPM reading is not yet "+
		"valid", func() {
		stopped := NewScheduler("Ignition1", 1,
			executor, stubRPM(0), angle.FourStrokeCycle)
		e := &AngleEvent{}
		Expect(stopped.Register(e)).To(Succeed())

		armedNow := stopped.ScheduleOrQueueAtTooth(e,
			ToothPosition{ToothIndex: 3, AngleOffset: 15}, 3, 1.0, action)

		Expect(armedNow).To(BeFalse())
		Expect(stopped.PendingCount()).To(Equal(1))
	})

	It("should return nil for an out-of-range pending index", func() {
		Expect(scheduler.PendingAt(0)).To(BeNil())
	})

	Describe("phase-based events", func() {
		It("should arm immediately when the interval contains the "+
			"phase", func() {
			at := expectArm(scheduling.ArmToken{ID: 1})

			armedNow := scheduler.ScheduleOrQueueAtPhase(event,
				486, 1.0, 480, 492, action)

			Expect(armedNow).To(BeTrue())
			Expect(float64(*at)).
				To(BeNumerically("~", 1.0+6.0/18000.0, 1e-12))
		})

		It("should queue when the interval does not contain the "+
			"phase", func() {
			armedNow := scheduler.ScheduleOrQueueAtPhase(event,
				486, 1.0, 420, 432, action)

			Expect(armedNow).To(BeFalse())
			Expect(scheduler.PendingCount()).To(Equal(1))
		})

		It("should treat a wrapping interval as contiguous", func() {
			scheduler.ScheduleOrQueueAtPhase(event,
				2, 1.0, 420, 432, action)

			at := expectArm(scheduling.ArmToken{ID: 1})
			scheduler.ScheduleEventsUntilNextTriggerTooth(
				rpm, 59, 2.0, 715, 5)

			Expect(scheduler.PendingCount()).To(Equal(0))
			// 2 degrees is 7 degrees past the current phase of 715.
			Expect(float64(*at)).
				To(BeNumerically("~", 2.0+7.0/18000.0, 1e-12))
		})

		It("should leave a phase just past the wrapping interval for the "+
			"next tooth", func() {
			scheduler.ScheduleOrQueueAtPhase(event,
				10, 1.0, 420, 432, action)

			scheduler.ScheduleEventsUntilNextTriggerTooth(
				rpm, 59, 2.0, 715, 5)
			Expect(scheduler.PendingCount()).To(Equal(1))

			expectArm(scheduling.ArmToken{ID: 1})
			scheduler.ScheduleEventsUntilNextTriggerTooth(
				rpm, 0, 2.1, 5, 15)
			Expect(scheduler.PendingCount()).To(Equal(0))
		})

		It("should normalize the requested phase into the cycle", func() {
			scheduler.ScheduleOrQueueAtPhase(event,
				722, 1.0, 420, 432, action)

			Expect(event.EnginePhase()).To(Equal(angle.Angle(2)))
		})
	})

	Describe("fault isolation", func() {
		var quiet *log.Logger

		BeforeEach(func() {
			quiet = log.New(io.Discard, "", 0)
		})

		It("should halt scheduling when the arena is exhausted", func() {
			small := NewScheduler("Ignition2", 1,
				executor, stubRPM(rpm), angle.FourStrokeCycle).
				WithFaultLogger(quiet)
			first := &AngleEvent{}
			second := &AngleEvent{}

			Expect(small.Register(first)).To(Succeed())
			Expect(small.Register(second)).NotTo(Succeed())
			Expect(small.Failed()).To(BeTrue())

			armedNow := small.ScheduleOrQueueAtTooth(first,
				ToothPosition{ToothIndex: 3, AngleOffset: 15},
				3, 1.0, action)
			Expect(armedNow).To(BeFalse())
			Expect(small.PendingCount()).To(Equal(0))
		})

		It("should halt scheduling when an unregistered event is "+
			"submitted", func() {
			lone := NewScheduler("Ignition3", 1,
				executor, stubRPM(rpm), angle.FourStrokeCycle).
				WithFaultLogger(quiet)

			armedNow := lone.ScheduleOrQueueAtTooth(&AngleEvent{},
				ToothPosition{ToothIndex: 3, AngleOffset: 15},
				3, 1.0, action)

			Expect(armedNow).To(BeFalse())
			Expect(lone.Failed()).To(BeTrue())
		})
	})
})
