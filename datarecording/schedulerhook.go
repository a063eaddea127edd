package datarecording

import (
	"github.com/torqlab/crank/hooking"
	"github.com/torqlab/crank/trigger"
)

// SchedulerHook streams a scheduler's armings and sweeps into a Recorder.
// Attach it with AcceptHook on the scheduler to trace.
type SchedulerHook struct {
	recorder *Recorder
}

// NewSchedulerHook creates a hook that records into rec.
func NewSchedulerHook(rec *Recorder) *SchedulerHook {
	return &SchedulerHook{recorder: rec}
}

// Func translates scheduler hook invocations into trace records.
func (h *SchedulerHook) Func(ctx hooking.Ctx) {
	s, ok := ctx.Domain.(*trigger.Scheduler)
	if !ok {
		return
	}

	switch ctx.Pos {
	case trigger.HookPosArm:
		e := ctx.Item.(*trigger.AngleEvent)
		detail := ctx.Detail.(trigger.ArmDetail)

		h.recorder.RecordArming(ArmingRecord{
			Scheduler:    s.Name(),
			Kind:         kindName(e.Kind()),
			AngleFromNow: float64(detail.AngleFromNow),
			RPM:          float64(detail.RPM),
			ArmedAt:      float64(detail.At),
			Immediate:    detail.Immediate,
		})
	case trigger.HookPosSweep:
		detail := ctx.Detail.(trigger.SweepDetail)

		h.recorder.RecordSweep(SweepRecord{
			Scheduler:     s.Name(),
			ToothIndex:    detail.ToothIndex,
			RPM:           float64(detail.RPM),
			EdgeTimestamp: float64(detail.EdgeTimestamp),
			Scanned:       detail.Scanned,
			Armed:         detail.Armed,
			Retained:      detail.Retained,
		})
	}
}

func kindName(k trigger.PositionKind) string {
	switch k {
	case trigger.KindToothIndex:
		return "tooth_index"
	case trigger.KindEnginePhase:
		return "engine_phase"
	default:
		return "unknown"
	}
}
