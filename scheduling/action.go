// Package scheduling defines the boundary between the angle-based trigger
// scheduler and the timed executor that fires hardware actuations, plus a
// deterministic executor implementation for host-side use.
package scheduling

// Time is an absolute timestamp in seconds on the executor's clock.
type Time float64

// An Action is an opaque deferred side effect, such as charging an ignition
// coil or opening an injector. The scheduler never interprets an Action; it
// only hands it to an Executor together with a firing time.
type Action interface {
	Invoke()
}

// ActionFunc adapts a plain function to the Action interface.
type ActionFunc func()

// Invoke calls the wrapped function.
func (f ActionFunc) Invoke() {
	f()
}
