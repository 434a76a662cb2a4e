// Package provider implements the uniform invocation contract over
// typed, opaque check providers plus the registry that looks them up by
// capability-tag name.
package provider

import (
	"context"

	"github.com/probelabs/visor/pkg/visor"
)

// Input is the provider call's argument: the trigger, the check's
// declaration, its template-rendered inputs, and a point-in-time
// snapshot of dependency outputs.
type Input struct {
	Trigger         visor.TriggerContext
	Check           *visor.Check
	ResolvedInputs  map[string]any
	OutputsSnapshot map[string]any
	Env             map[string]string
	Item            any    // set for forEach children
	SessionID       string // resolved AI session, empty unless reuse_ai_session applies
}

// Result is a provider's return value. Errors are values, never
// panics crossing the interface.
type Result struct {
	Output  any
	Content string
	Issues  []visor.Issue
	Err     *visor.Error
}

// Provider is the single operation every check type implements.
type Provider interface {
	Execute(ctx context.Context, in Input) Result
}

// Func adapts an ordinary function to a Provider.
type Func func(ctx context.Context, in Input) Result

func (f Func) Execute(ctx context.Context, in Input) Result { return f(ctx, in) }
