// Package hooking lets observers attach to the transport and the termination
// detector without those packages knowing about recorders or monitors.
//
// A network or a detector names the points where it reports with package
// level HookPos values, for example transport.HookPosFlush. Every registered
// Hook sees every report and switches on Pos and on the type of Item.
package hooking

// A HookPos names one reporting point.
type HookPos struct {
	Name string
}

func (p *HookPos) String() string {
	if p == nil {
		return "<nil>"
	}

	return p.Name
}

// HookCtx describes one report. Domain is the network or detector that
// reports, Item the value the position documents and Detail an optional
// extra such as a message tag.
type HookCtx struct {
	Domain Hookable
	Pos    *HookPos
	Item   any
	Detail any
}

// Hookable is implemented by the objects observers can attach to.
type Hookable interface {
	AcceptHook(hook Hook)
	NumHooks() int
}

// A Hook observes reports. Func runs on the goroutine of the reporter and
// must not call back into it.
type Hook interface {
	Func(ctx HookCtx)
}

// HookFunc adapts a function to the Hook interface.
type HookFunc func(ctx HookCtx)

// Func calls f.
func (f HookFunc) Func(ctx HookCtx) {
	f(ctx)
}

// HookableBase keeps the hooks of a reporter. Embed it to implement
// Hookable. The zero value has no hooks.
type HookableBase struct {
	hooks []Hook
}

// NewHookableBase creates a HookableBase without hooks.
func NewHookableBase() *HookableBase {
	return &HookableBase{}
}

// AcceptHook appends a hook. Hooks run in the order they were accepted.
func (h *HookableBase) AcceptHook(hook Hook) {
	h.hooks = append(h.hooks, hook)
}

// NumHooks returns the number of hooks. Reporters check it to skip building
// contexts nobody reads.
func (h *HookableBase) NumHooks() int {
	return len(h.hooks)
}

// InvokeHook hands ctx to every hook.
func (h *HookableBase) InvokeHook(ctx HookCtx) {
	for _, hook := range h.hooks {
		hook.Func(ctx)
	}
}
