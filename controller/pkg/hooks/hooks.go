// Package hooks dispatches lifecycle event handlers around the main proxy
// reconfiguration. Handlers are registered explicitly at startup; there is
// no runtime discovery. Handler failure is observational only: it never
// affects sibling handlers or the main action.
package hooks

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Phase identifies when a handler runs relative to the main action.
type Phase string

const (
	// PhasePrepare runs before the main action.
	PhasePrepare Phase = "prepare"
	// PhaseMain runs after the main action in the default entrypoint.
	PhaseMain Phase = "main"
	// PhaseFinalize runs after everything else.
	PhaseFinalize Phase = "finalize"
)

// ActionAny registers a handler for every action.
const ActionAny = "*"

// HandlerFunc is invoked with the device and action of the event.
type HandlerFunc func(device, action string) error

type handler struct {
	name string
	fn   HandlerFunc
}

// Registry holds the registered handlers keyed by (phase, action).
type Registry struct {
	sync.Mutex
	handlers map[Phase]map[string][]handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: map[Phase]map[string][]handler{},
	}
}

// Register adds a handler for the given phase and action. Use ActionAny to
// match every action. Names must be unique within a (phase, action) pair;
// dispatch order is lexicographic by name.
func (r *Registry) Register(phase Phase, action string, name string, fn HandlerFunc) error {

	if name == "" || fn == nil {
		return fmt.Errorf("invalid handler registration for phase %s", phase)
	}

	r.Lock()
	defer r.Unlock()

	byAction := r.handlers[phase]
	if byAction == nil {
		byAction = map[string][]handler{}
		r.handlers[phase] = byAction
	}

	for _, h := range byAction[action] {
		if h.name == name {
			return fmt.Errorf("handler %s already registered for phase %s action %s", name, phase, action)
		}
	}

	byAction[action] = append(byAction[action], handler{name: name, fn: fn})

	return nil
}

// Run invokes every handler registered for (phase, action) plus the ActionAny
// handlers, in lexicographic name order. Failures and panics are logged with
// the device and handler name and never stop the remaining handlers.
func (r *Registry) Run(phase Phase, device, action string) {

	for _, h := range r.selectHandlers(phase, action) {
		r.invoke(h, device, action)
	}
}

func (r *Registry) selectHandlers(phase Phase, action string) []handler {

	r.Lock()
	defer r.Unlock()

	byAction := r.handlers[phase]
	if byAction == nil {
		return nil
	}

	selected := append([]handler{}, byAction[action]...)
	if action != ActionAny {
		selected = append(selected, byAction[ActionAny]...)
	}

	sort.Slice(selected, func(i, j int) bool { return selected[i].name < selected[j].name })

	return selected
}

func (r *Registry) invoke(h handler, device, action string) {

	defer func() {
		if reason := recover(); reason != nil {
			zap.L().Error("Hook handler panicked",
				zap.String("handler", h.name),
				zap.String("device", device),
				zap.String("action", action),
				zap.Any("reason", reason),
			)
		}
	}()

	if err := h.fn(device, action); err != nil {
		zap.L().Warn("Hook handler failed",
			zap.String("handler", h.name),
			zap.String("device", device),
			zap.String("action", action),
			zap.Error(err),
		)
	}
}
