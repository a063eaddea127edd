package trigger

import (
	"log"

	"github.com/torqlab/crank/hooking"
)

// ArmLogger is a hook that prints every executor arming of a scheduler.
type ArmLogger struct {
	*log.Logger
}

// NewArmLogger returns an ArmLogger that writes into logger.
func NewArmLogger(logger *log.Logger) *ArmLogger {
	return &ArmLogger{Logger: logger}
}

// Func writes the arming information into the logger.
func (h *ArmLogger) Func(ctx hooking.Ctx) {
	if ctx.Pos != HookPosArm {
		return
	}

	s, ok := ctx.Domain.(*Scheduler)
	if !ok {
		return
	}

	detail := ctx.Detail.(ArmDetail)

	h.Printf("%.9f, %s, angle from now %.2f, rpm %.0f, immediate %v",
		detail.At, s.Name(), detail.AngleFromNow, detail.RPM,
		detail.Immediate)
}
