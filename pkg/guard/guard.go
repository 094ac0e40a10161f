// Package guard evaluates capability preconditions. Guards are structured
// predicate trees evaluated against a point-in-time Snapshot, never against
// live state, so evaluation is pure and repeatable.
package guard

import (
	"fmt"

	"github.com/Mindburn-Labs/warrant/pkg/errorir"
)

// Guard is a named precondition.
type Guard struct {
	Name        string
	Description string
	Predicate   Predicate
}

// New builds a guard.
func New(name, description string, p Predicate) Guard {
	return Guard{Name: name, Description: description, Predicate: p}
}

// PreconditionFailed identifies the first guard that did not hold.
type PreconditionFailed struct {
	Index       int
	GuardName   string
	Description string
	// Cause is set when the predicate errored rather than returned false.
	Cause error
}

func (e *PreconditionFailed) Error() string {
	msg := fmt.Sprintf("precondition %q failed: %s", e.GuardName, e.Description)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *PreconditionFailed) Unwrap() error { return e.Cause }

// ErrorIR classifies the failure.
func (e *PreconditionFailed) ErrorIR() *errorir.Error {
	out := errorir.New(errorir.KindPreconditionFailed, "guard %q failed", e.GuardName).
		WithHint(e.Description).
		WithRequires(e.GuardName)
	out.Field = e.GuardName
	if e.Cause != nil {
		out.Cause = e.Cause
	}
	return out
}

// Evaluate runs guards in declaration order and returns a
// *PreconditionFailed for the first one that does not hold. A predicate
// error counts as a failure. An empty list always passes.
func Evaluate(guards []Guard, snap *Snapshot) error {
	for i, g := range guards {
		if g.Predicate == nil {
			return &PreconditionFailed{Index: i, GuardName: g.Name, Description: g.Description,
				Cause: fmt.Errorf("guard has no predicate")}
		}
		ok, err := g.Predicate.Eval(snap)
		if err != nil {
			return &PreconditionFailed{Index: i, GuardName: g.Name, Description: g.Description, Cause: err}
		}
		if !ok {
			return &PreconditionFailed{Index: i, GuardName: g.Name, Description: g.Description}
		}
	}
	return nil
}
