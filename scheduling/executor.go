package scheduling

// An ArmToken correlates an event with at most one outstanding arming. The
// zero token means nothing is armed. The ID carries no meaning outside the
// executor that issued it.
type ArmToken struct {
	ID uint64
}

// IsZero reports whether the token refers to no arming.
func (t ArmToken) IsZero() bool {
	return t.ID == 0
}

// An Executor accepts an action and an absolute firing time and guarantees
// the action is invoked exactly once at that time, unless the arming is
// cancelled first.
//
// Arm and Cancel are called from the tooth-interrupt path and must complete
// in bounded, short time.
type Executor interface {
	// Arm schedules a single invocation of a at time at and returns a token
	// that can later cancel it.
	Arm(a Action, at Time) ArmToken

	// Cancel revokes a previous arming. Cancelling the zero token, an
	// already-fired arming, or an already-cancelled arming is a no-op.
	Cancel(t ArmToken)

	// Now returns the current time on the executor's clock.
	Now() Time
}
