package toolspec

import (
	"encoding/json"
	"fmt"
)

// Class distinguishes tools the orchestrator treats as safe to run
// concurrently within a turn (read-only) from tools that must run serially
// and are subject to scope/approval/plan-mode gating (mutating).
type Class int

const (
	ClassReadOnly Class = iota
	ClassMutating
)

// Spec is one tool's registration: its schema, class, and how to extract a
// command or path from its arguments for safety screening.
type Spec struct {
	Name    string
	Class   Class
	Schema  json.RawMessage
	// IsExec/IsPathMutator tell CheckCall which screener to run.
	IsExec        bool
	IsPathMutator bool
}

// Registry holds tool Specs and runs the full safety pipeline for a call:
// schema validation, then command/path screening, then scope enforcement.
type Registry struct {
	specs map[string]*Spec
	scope Scope
}

// NewRegistry creates an empty Registry bound to the given execution scope.
func NewRegistry(scope Scope) *Registry {
	return &Registry{specs: make(map[string]*Spec), scope: scope}
}

// Register adds or replaces a tool's Spec.
func (r *Registry) Register(spec *Spec) {
	r.specs[spec.Name] = spec
}

// Get returns a registered Spec by name.
func (r *Registry) Get(name string) (*Spec, bool) {
	s, ok := r.specs[name]
	return s, ok
}

// IsMutating reports whether name is registered as a mutating tool; unknown
// tools are treated as mutating (fail closed).
func (r *Registry) IsMutating(name string) bool {
	s, ok := r.specs[name]
	if !ok {
		return true
	}
	return s.Class == ClassMutating
}

// CallCheck is the result of running the safety pipeline on one tool call.
type CallCheck struct {
	Tier   SafetyTier
	Reason string
}

// Blocked reports whether the call must be rejected outright.
func (c CallCheck) Blocked() bool { return c.Tier == TierForbidden }

// NeedsApproval reports whether the call should be routed through the
// approval workflow before executing.
func (c CallCheck) NeedsApproval() bool { return c.Tier == TierCautious }

// CheckCall validates a tool call's arguments against its schema, then runs
// command/path safety screening and (for mutating tools) scope enforcement.
// command and path are the extracted exec command / filesystem path, when
// applicable to this tool (callers look these up from the decoded args).
func (r *Registry) CheckCall(name string, args json.RawMessage, command, path string) (CallCheck, error) {
	spec, ok := r.specs[name]
	if !ok {
		return CallCheck{}, fmt.Errorf("toolspec: unknown tool %q", name)
	}

	if err := ValidateArgs(name, spec.Schema, args); err != nil {
		return CallCheck{}, err
	}

	var tier SafetyTier
	var reason string
	switch {
	case spec.IsExec:
		tier, reason = ScreenCommand(command)
	case spec.IsPathMutator:
		tier, reason = ScreenPath(path)
		if tier != TierForbidden {
			if err := r.scope.CheckWrite(path); err != nil {
				return CallCheck{}, err
			}
		}
	default:
		tier = TierOK
	}

	return CallCheck{Tier: tier, Reason: reason}, nil
}
