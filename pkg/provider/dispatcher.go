package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/probelabs/visor/pkg/visor"
)

// Dispatcher applies the uniform invocation contract around every
// provider call: a per-check timeout, duration capture, and
// normalization of panics and raw errors into a structured Result.
type Dispatcher struct {
	registry *Registry
}

// NewDispatcher creates a Dispatcher over the given provider registry.
func NewDispatcher(registry *Registry) *Dispatcher {
	return &Dispatcher{registry: registry}
}

// Dispatch resolves the check's provider kind and invokes it, applying
// the check's own Timeout and falling back to defaultTimeout when
// unset.
func (d *Dispatcher) Dispatch(ctx context.Context, check *visor.Check, in Input, defaultTimeout time.Duration) (Result, time.Duration) {
	timeout := check.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	p, err := d.registry.Get(string(check.Type))
	if err != nil {
		return Result{Err: visor.WrapError(visor.KindProviderFatal, "no provider registered", err)}, 0
	}

	start := time.Now()
	resultCh := make(chan Result, 1)
	go func() {
		resultCh <- d.safeExecute(callCtx, p, in)
	}()

	// A provider that ignores cancellation is abandoned here, never
	// joined; its goroutine unblocks whenever it eventually returns and
	// the buffered channel lets it exit.
	select {
	case result := <-resultCh:
		duration := time.Since(start)
		if callCtx.Err() == context.DeadlineExceeded && result.Err == nil {
			return Result{Err: visor.NewError(visor.KindProviderTimeout, fmt.Sprintf("%s exceeded %s", check.Name, timeout))}, duration
		}
		return result, duration
	case <-callCtx.Done():
		duration := time.Since(start)
		if callCtx.Err() == context.DeadlineExceeded {
			return Result{Err: visor.NewError(visor.KindProviderTimeout, fmt.Sprintf("%s exceeded %s", check.Name, timeout))}, duration
		}
		return Result{Err: visor.NewError(visor.KindCancelled, check.Name)}, duration
	}
}

// safeExecute never lets a provider panic escape across the boundary;
// panics become provider/fatal results.
func (d *Dispatcher) safeExecute(ctx context.Context, p Provider, in Input) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			result = Result{Err: visor.NewError(visor.KindProviderFatal, fmt.Sprintf("provider panicked: %v", r))}
		}
	}()
	return p.Execute(ctx, in)
}
