package provider

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"os/exec"
	"time"

	"github.com/probelabs/visor/pkg/bus"
	"github.com/probelabs/visor/pkg/human"
	"github.com/probelabs/visor/pkg/visor"
)

// RegisterBuiltins wires the twelve recognized provider kinds into a
// registry. command/script/http/http_client perform real side effects;
// http_input suspends on the human-input coordinator; ai, claude-code,
// mcp, tool and memory are capability-tagged stubs whose real backends
// live outside this module.
func RegisterBuiltins(reg *Registry, coordinator *Coordinator) error {
	builtins := map[string]Provider{
		"noop":          Func(noopProvider),
		"log":           Func(logProvider),
		"command":       Func(commandProvider),
		"script":        Func(commandProvider),
		"http":          Func(httpProvider),
		"http_client":   Func(httpProvider),
		"http_input":    Func(coordinator.httpInputProvider),
		"ai":            Func(opaqueProvider("ai")),
		"claude-code":   Func(opaqueProvider("claude-code")),
		"mcp":           Func(opaqueProvider("mcp")),
		"tool":          Func(opaqueProvider("tool")),
		"memory":        Func(opaqueProvider("memory")),
	}
	for kind, p := range builtins {
		if err := reg.Register(kind, p); err != nil {
			return err
		}
	}
	return nil
}

// Coordinator wraps the human-input coordinator and event bus an http_input
// provider needs to suspend a check and publish its prompt.
type Coordinator struct {
	Human *human.Coordinator
	Bus   *bus.Bus
}

func noopProvider(ctx context.Context, in Input) Result {
	return Result{Output: map[string]any{}}
}

func logProvider(ctx context.Context, in Input) Result {
	message := getString(in.ResolvedInputs, "message", "")
	return Result{Output: map[string]any{"logged": message}, Content: message}
}

func commandProvider(ctx context.Context, in Input) Result {
	cmdline := getString(in.ResolvedInputs, "command", "")
	if cmdline == "" {
		return Result{Err: visor.NewError(visor.KindProviderFatal, "command check has no command")}
	}
	cmd := exec.CommandContext(ctx, "sh", "-c", cmdline)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return Result{Err: visor.NewError(visor.KindProviderTimeout, cmdline)}
		}
		return Result{
			Err: visor.WrapError(visor.KindProviderTransient, "command failed: "+stderr.String(), err),
		}
	}
	return Result{Output: map[string]any{"stdout": stdout.String()}, Content: stdout.String()}
}

func httpProvider(ctx context.Context, in Input) Result {
	url := getString(in.ResolvedInputs, "url", "")
	if url == "" {
		return Result{Err: visor.NewError(visor.KindProviderFatal, "http check has no url")}
	}
	method := getString(in.ResolvedInputs, "method", http.MethodGet)

	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return Result{Err: visor.WrapError(visor.KindProviderFatal, "bad request", err)}
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return Result{Err: visor.NewError(visor.KindProviderTimeout, url)}
		}
		return Result{Err: visor.WrapError(visor.KindProviderTransient, "request failed", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return Result{Err: visor.NewError(visor.KindProviderTransient, fmt.Sprintf("%s: %d", url, resp.StatusCode))}
	}
	if resp.StatusCode >= 400 {
		return Result{Err: visor.NewError(visor.KindProviderFatal, fmt.Sprintf("%s: %d", url, resp.StatusCode))}
	}
	return Result{Output: map[string]any{"status": resp.StatusCode}}
}

// httpInputProvider suspends the check by publishing a HumanInputRequested
// event and awaiting a response through the coordinator. The configured
// timeout_ms wins; otherwise the dispatcher-imposed context deadline
// doubles as the request timeout.
func (c *Coordinator) httpInputProvider(ctx context.Context, in Input) Result {
	prompt := getString(in.ResolvedInputs, "prompt", "")
	placeholder := getString(in.ResolvedInputs, "placeholder", "")
	multiline := getBool(in.ResolvedInputs, "multiline", false)
	allowEmpty := getBool(in.ResolvedInputs, "allow_empty", false)

	var def *string
	if d, ok := in.ResolvedInputs["default"].(string); ok {
		def = &d
	}

	requestID := in.Check.Name
	timeout := time.Duration(getInt(in.ResolvedInputs, "timeout_ms", 0)) * time.Millisecond
	if timeout <= 0 {
		if deadline, ok := ctx.Deadline(); ok {
			timeout = time.Until(deadline)
		}
	}

	if c.Bus != nil {
		defaultValue := ""
		if def != nil {
			defaultValue = *def
		}
		c.Bus.Publish(bus.KindHumanInputRequested, bus.HumanInputRequestedPayload{
			CheckID:     requestID,
			Prompt:      prompt,
			Placeholder: placeholder,
			Multiline:   multiline,
			TimeoutMs:   timeout.Milliseconds(),
			Default:     defaultValue,
			AllowEmpty:  allowEmpty,
		})
		c.Bus.Publish(bus.KindStateTransition, bus.StateTransitionPayload{
			CheckID: requestID,
			To:      visor.IterationWaiting,
		})
	}

	value, humanErr := c.Human.Await(ctx, requestID, human.Request{
		CheckID:     requestID,
		Prompt:      prompt,
		Placeholder: placeholder,
		Multiline:   multiline,
		Default:     def,
		AllowEmpty:  allowEmpty,
		Timeout:     timeout,
	})
	if humanErr != nil {
		return Result{Err: humanErr}
	}
	if value == "" && !allowEmpty {
		return Result{Err: visor.NewError(visor.KindHumanInputTimeout, requestID+": empty response not allowed")}
	}
	return Result{Output: map[string]any{"value": value}, Content: value}
}

// opaqueProvider returns a capability-tagged stub for the kinds whose
// real backend lives outside this module (ai, claude-code, mcp, tool,
// memory): the result is shaped by the check's own config so callers can
// assert on scheduling/routing behavior without a live backend.
func opaqueProvider(kind string) Func {
	return func(ctx context.Context, in Input) Result {
		output := map[string]any{
			"kind":   kind,
			"check":  in.Check.Name,
			"config": in.Check.Config,
		}
		if in.SessionID != "" {
			output["session"] = in.SessionID
		}
		return Result{
			Output:  output,
			Content: fmt.Sprintf("[%s] %s", kind, in.Check.Name),
		}
	}
}

func getString(m map[string]any, key, def string) string {
	if m == nil {
		return def
	}
	if v, ok := m[key].(string); ok {
		return v
	}
	return def
}

func getBool(m map[string]any, key string, def bool) bool {
	if m == nil {
		return def
	}
	if v, ok := m[key].(bool); ok {
		return v
	}
	return def
}

func getInt(m map[string]any, key string, def int) int {
	if m == nil {
		return def
	}
	switch v := m[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}
