// Package hooking lets components of the scheduling core expose
// instrumentation points without depending on the consumers. Loggers, trace
// recorders, and tests attach hooks; the hot path only pays for hooks that
// are actually registered.
package hooking

// HookPos identifies one position in a component where hooks are invoked.
type HookPos struct {
	Name string
}

// Ctx describes one hook invocation.
type Ctx struct {
	// Domain is the component invoking the hook.
	Domain Hookable

	// Pos tells where in the component the invocation happens.
	Pos *HookPos

	// Item is the subject of the invocation, such as the event being armed.
	Item interface{}

	// Detail carries position-specific extra information.
	Detail interface{}
}

// A Hook is a small piece of program invoked by a hookable component.
type Hook interface {
	Func(ctx Ctx)
}

// Hookable is a component that accepts hooks.
type Hookable interface {
	AcceptHook(h Hook)
	Hooks() []Hook
}

// HookableBase provides the hook bookkeeping for components that implement
// Hookable.
type HookableBase struct {
	hooks []Hook
}

// AcceptHook registers a hook. Registering the same hook twice panics,
// since it would double every observation.
func (b *HookableBase) AcceptHook(h Hook) {
	for _, registered := range b.hooks {
		if registered == h {
			panic("duplicated hook")
		}
	}

	b.hooks = append(b.hooks, h)
}

// Hooks returns the registered hooks.
func (b *HookableBase) Hooks() []Hook {
	return b.hooks
}

// InvokeHook calls every registered hook with ctx.
func (b *HookableBase) InvokeHook(ctx Ctx) {
	for _, h := range b.hooks {
		h.Func(ctx)
	}
}
