// Package actionrun implements the action-run state machine, its
// authority/delegation checks, and the action handler registry. The
// registry itself follows a write-rare/read-heavy map-plus-RWMutex idiom,
// matching internal/killswitch.KillSwitch and internal/executor's pack
// registry; the state machine's timeout-racing execution pattern is
// adapted from a channel-based wait/resolve loop, turning "submit and
// block until resolved" into "synchronous call that races a timeout
// internally" since action runs here are driven by direct API calls
// rather than an async approval queue.
package actionrun

import (
	"fmt"
	"sync"

	"github.com/canonical-node/canon/internal/canon"
)

// Handler executes one actionType's side effect. ctx gives the handler
// access to the store and the originating node; handlers commit their own
// side effects and must not block indefinitely — Service.Execute races
// the call against a timeout.
type Handler func(params map[string]any, ctx ExecutionContext) (any, error)

// ExecutionContext is passed to a Handler.
type ExecutionContext struct {
	ActionRun *canon.ActionRun
	Store     canon.Store
	Node      *canon.Node
}

// Definition describes a registered action type: its default risk level
// (overridden by an explicit risk on the proposing effect) and display
// name.
type Definition struct {
	ActionType string
	Name       string
	RiskLevel  canon.RiskLevel
}

type registration struct {
	def     Definition
	handler Handler
}

// Registry maps actionTypes to a Definition plus Handler. Mutated only at
// startup in normal operation; reads happen on every action-run creation
// and execution.
type Registry struct {
	mu    sync.RWMutex
	byTyp map[string]registration
}

// NewRegistry builds an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{byTyp: make(map[string]registration)}
}

// Register adds a handler for def.ActionType. Refuses to overwrite an
// existing registration — callers that want to replace a handler must
// Unregister first.
func (r *Registry) Register(def Definition, handler Handler) error {
	if def.ActionType == "" {
		return fmt.Errorf("actionrun: definition must have a non-empty actionType")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byTyp[def.ActionType]; exists {
		return fmt.Errorf("actionrun: handler for %q already registered", def.ActionType)
	}
	r.byTyp[def.ActionType] = registration{def: def, handler: handler}
	return nil
}

// Unregister removes a handler registration, if any.
func (r *Registry) Unregister(actionType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byTyp, actionType)
}

// Get returns the definition for actionType, if registered.
func (r *Registry) Get(actionType string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.byTyp[actionType]
	return reg.def, ok
}

func (r *Registry) handlerFor(actionType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.byTyp[actionType]
	return reg.handler, ok
}
