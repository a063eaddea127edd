// Package trigger converts engine-rotation-angle-based requests into timed
// hardware actuations. Callers ask for an action to fire at a crank angle;
// the scheduler either arms the timed executor straight away or parks the
// request until a later trigger tooth satisfies its rotational condition.
package trigger

import (
	"github.com/torqlab/crank/angle"
	"github.com/torqlab/crank/scheduling"
)

// IndexUndefined marks a request made without knowledge of a recent trigger
// tooth. Such a request is always queued and picked up on the next edge.
const IndexUndefined = ^uint32(0)

// PositionKind selects how an event expresses its rotational condition.
type PositionKind uint8

const (
	// KindToothIndex makes the event due exactly when the current tooth
	// index matches; the firing angle is an offset past that tooth. Simple,
	// but only valid at the matching tooth.
	KindToothIndex PositionKind = iota

	// KindEnginePhase makes the event due whenever the tooth-to-tooth phase
	// interval contains its engine phase. Firing angles need not align with
	// a tooth boundary.
	KindEnginePhase
)

// ToothPosition locates a firing angle relative to a specific trigger
// tooth. Decomposing a raw cycle angle into a ToothPosition is the trigger
// decoder's job.
type ToothPosition struct {
	ToothIndex  uint32
	AngleOffset angle.Angle
}

// An AngleEvent is a reusable, caller-owned request to fire an action once
// its rotational condition is met. Callers allocate one AngleEvent per
// physical channel action (coil charge, coil fire, injector open, ...),
// register it with a Scheduler once, and resubmit it every engine cycle;
// its fields are overwritten on each submission.
type AngleEvent struct {
	kind PositionKind

	toothIndex  uint32
	angleOffset angle.Angle
	enginePhase angle.Angle

	action scheduling.Action
	token  scheduling.ArmToken

	// One-based arena slot assigned by Scheduler.Register; zero until the
	// event is registered, so the zero value of AngleEvent is usable.
	slot int32
}

// shouldSchedule reports whether the rotational condition is met at the
// tooth described by (toothIndex, currentPhase, nextPhase).
func (e *AngleEvent) shouldSchedule(
	toothIndex uint32,
	currentPhase, nextPhase angle.Angle,
) bool {
	switch e.kind {
	case KindToothIndex:
		return e.toothIndex == toothIndex
	case KindEnginePhase:
		return angle.InRange(e.enginePhase, currentPhase, nextPhase)
	default:
		return false
	}
}

// angleFromNow returns the angular distance from the present tooth to the
// firing angle.
func (e *AngleEvent) angleFromNow(
	currentPhase, cycle angle.Angle,
) angle.Angle {
	switch e.kind {
	case KindToothIndex:
		return e.angleOffset
	case KindEnginePhase:
		offset := e.enginePhase - currentPhase
		if offset < 0 {
			offset += cycle
		}

		return offset
	default:
		return 0
	}
}

// Kind returns how the event expresses its rotational condition.
func (e *AngleEvent) Kind() PositionKind {
	return e.kind
}

// ToothIndex returns the index-based trigger tooth of the event.
func (e *AngleEvent) ToothIndex() uint32 {
	return e.toothIndex
}

// AngleOffset returns the firing angle past the trigger tooth.
func (e *AngleEvent) AngleOffset() angle.Angle {
	return e.angleOffset
}

// EnginePhase returns the phase-based firing position of the event.
func (e *AngleEvent) EnginePhase() angle.Angle {
	return e.enginePhase
}

// Action returns the action submitted with the event.
func (e *AngleEvent) Action() scheduling.Action {
	return e.action
}
