package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/probelabs/visor/pkg/bus"
	"github.com/probelabs/visor/pkg/human"
	"github.com/probelabs/visor/pkg/provider"
	"github.com/probelabs/visor/pkg/session"
	"github.com/probelabs/visor/pkg/visor"
)

// recordingSub captures every event it receives, in delivery order.
type recordingSub struct {
	name   string
	mu     sync.Mutex
	events []bus.Envelope
}

func (r *recordingSub) Name() string         { return r.name }
func (r *recordingSub) Filter(bus.Kind) bool { return true }

func (r *recordingSub) OnEvent(_ context.Context, env bus.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, env)
	return nil
}

func (r *recordingSub) byKind(kind bus.Kind) []bus.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []bus.Envelope
	for _, env := range r.events {
		if env.Kind == kind {
			out = append(out, env)
		}
	}
	return out
}

func manualTrigger() visor.TriggerContext {
	return visor.TriggerContext{
		Event:           visor.EventManual,
		RequestedChecks: []string{"all"},
	}
}

func newTestEngine(reg *provider.Registry, eventBus *bus.Bus) *Engine {
	return New(provider.NewDispatcher(reg), NewEvaluator(0), eventBus, nil)
}

// S1: linear chain a -> b -> c, all succeed; c sees outputs of a and b.
func TestEngineRun_LinearChain(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var order []string
	var cSnapshot map[string]any

	reg := provider.NewRegistry()
	reg.Register("test", provider.Func(func(ctx context.Context, in provider.Input) provider.Result {
		mu.Lock()
		order = append(order, in.Check.Name)
		if in.Check.Name == "c" {
			cSnapshot = in.OutputsSnapshot
		}
		mu.Unlock()
		return provider.Result{Output: map[string]any{"from": in.Check.Name}}
	}))

	catalog := visor.Catalog{
		"a": {Name: "a", Type: "test"},
		"b": {Name: "b", Type: "test", DependsOn: []string{"a"}},
		"c": {Name: "c", Type: "test", DependsOn: []string{"b"}},
	}

	eng := newTestEngine(reg, nil)
	result := eng.Run(context.Background(), catalog, manualTrigger(), visor.RunOptions{MaxParallelism: 3})

	if result.Status != visor.RunOK {
		t.Fatalf("expected status ok, got %s (err: %v)", result.Status, result.Err)
	}
	if len(order) != 3 || order[0] != "a" || order[1] != "b" || order[2] != "c" {
		t.Errorf("expected execution order [a b c], got %v", order)
	}
	for _, name := range []string{"a", "b", "c"} {
		stat := result.Statistics.PerCheck[name]
		if stat == nil || stat.TotalRuns != 1 || stat.SuccessfulRuns != 1 {
			t.Errorf("expected %s totalRuns=1 successfulRuns=1, got %+v", name, stat)
		}
	}
	totals := result.Statistics.Totals
	if totals.Checks != 3 || totals.Runs != 3 || totals.SuccessfulRuns != 3 || totals.FailedRuns != 0 {
		t.Errorf("unexpected run totals: %+v", totals)
	}
	if cSnapshot == nil {
		t.Fatal("c never saw an outputs snapshot")
	}
	for _, dep := range []string{"a", "b"} {
		out, ok := cSnapshot[dep].(map[string]any)
		if !ok || out["from"] != dep {
			t.Errorf("c's snapshot missing output of %s: %v", dep, cSnapshot[dep])
		}
	}
}

// S2: forEach fan-out then on_finish aggregator, with the aggregator
// deferred out of the initial schedule.
func TestEngineRun_ForEachFanOut(t *testing.T) {
	t.Parallel()

	var processCount int32
	var aggregateSawAllChildren atomic.Bool
	var aggregateRuns int32
	var itemsSeen sync.Map

	reg := provider.NewRegistry()
	reg.Register("extract", provider.Func(func(ctx context.Context, in provider.Input) provider.Result {
		return provider.Result{Output: []any{"x", "y", "z"}}
	}))
	reg.Register("process", provider.Func(func(ctx context.Context, in provider.Input) provider.Result {
		atomic.AddInt32(&processCount, 1)
		itemsSeen.Store(in.Item, true)
		return provider.Result{Output: map[string]any{"item": in.Item}}
	}))
	reg.Register("aggregate", provider.Func(func(ctx context.Context, in provider.Input) provider.Result {
		atomic.AddInt32(&aggregateRuns, 1)
		aggregateSawAllChildren.Store(atomic.LoadInt32(&processCount) == 3)
		return provider.Result{Output: map[string]any{"done": true}}
	}))

	catalog := visor.Catalog{
		"extract":   {Name: "extract", Type: "extract", ForEach: "output", Children: []string{"process"}, OnFinish: visor.Routing{Run: []string{"aggregate"}}},
		"process":   {Name: "process", Type: "process"},
		"aggregate": {Name: "aggregate", Type: "aggregate"},
	}

	eng := newTestEngine(reg, nil)
	trigger := visor.TriggerContext{Event: visor.EventManual, RequestedChecks: []string{"extract", "aggregate"}}
	result := eng.Run(context.Background(), catalog, trigger, visor.RunOptions{MaxParallelism: 3})

	if result.Status != visor.RunOK {
		t.Fatalf("expected status ok, got %s (err: %v)", result.Status, result.Err)
	}
	if got := atomic.LoadInt32(&processCount); got != 3 {
		t.Errorf("expected 3 process iterations, got %d", got)
	}
	for _, item := range []string{"x", "y", "z"} {
		if _, ok := itemsSeen.Load(item); !ok {
			t.Errorf("item %q never reached a child iteration", item)
		}
	}
	if got := atomic.LoadInt32(&aggregateRuns); got != 1 {
		t.Errorf("expected aggregate to run exactly once, got %d", got)
	}
	if !aggregateSawAllChildren.Load() {
		t.Error("aggregate ran before all process iterations completed")
	}
	if preview := result.Statistics.PerCheck["extract"].ForEachPreview; len(preview) != 3 {
		t.Errorf("expected forEach preview of 3 items, got %v", preview)
	}
}

// S3: fail-fast with a critical failure skips the rest of the chain.
func TestEngineRun_FailFastCriticalFailure(t *testing.T) {
	t.Parallel()

	var bRan, cRan atomic.Bool
	reg := provider.NewRegistry()
	reg.Register("test", provider.Func(func(ctx context.Context, in provider.Input) provider.Result {
		switch in.Check.Name {
		case "b":
			bRan.Store(true)
		case "c":
			cRan.Store(true)
		}
		return provider.Result{Output: map[string]any{"ok": true}}
	}))

	catalog := visor.Catalog{
		"a": {Name: "a", Type: "test", FailIf: "true", Criticality: visor.CriticalityCritical},
		"b": {Name: "b", Type: "test", DependsOn: []string{"a"}},
		"c": {Name: "c", Type: "test", DependsOn: []string{"b"}},
	}

	eng := newTestEngine(reg, nil)
	result := eng.Run(context.Background(), catalog, manualTrigger(), visor.RunOptions{MaxParallelism: 3, FailFast: true})

	if result.Status != visor.RunFailed {
		t.Fatalf("expected status failed, got %s", result.Status)
	}
	if stat := result.Statistics.PerCheck["a"]; stat.FailedRuns != 1 {
		t.Errorf("expected a to fail once, got %+v", stat)
	}
	for _, name := range []string{"b", "c"} {
		stat := result.Statistics.PerCheck[name]
		if stat.Skipped != 1 || stat.SkipReason != visor.SkipReasonDependencyFailed {
			t.Errorf("expected %s skipped with dependency_failed, got %+v", name, stat)
		}
	}
	if bRan.Load() || cRan.Load() {
		t.Error("b or c ran despite a critical upstream failure")
	}
}

// S4: transient failures are retried with backoff until success, with
// exactly one CheckCompleted event for the final success.
func TestEngineRun_RetryThenSuccess(t *testing.T) {
	t.Parallel()

	var calls int32
	reg := provider.NewRegistry()
	reg.Register("test", provider.Func(func(ctx context.Context, in provider.Input) provider.Result {
		if atomic.AddInt32(&calls, 1) <= 2 {
			return provider.Result{Err: visor.NewError(visor.KindProviderTransient, "not yet")}
		}
		return provider.Result{Output: map[string]any{"ok": true}}
	}))

	catalog := visor.Catalog{
		"flaky": {Name: "flaky", Type: "test", Retry: &visor.RetryPolicy{Max: 3, Base: 10 * time.Millisecond, Cap: 80 * time.Millisecond}},
	}

	sub := &recordingSub{name: "rec"}
	eventBus := bus.New("run-retry")
	if err := eventBus.Register(sub); err != nil {
		t.Fatalf("register subscriber: %v", err)
	}

	eng := newTestEngine(reg, eventBus)
	result := eng.Run(context.Background(), catalog, manualTrigger(), visor.RunOptions{MaxParallelism: 1})
	eventBus.Shutdown()

	if result.Status != visor.RunOK {
		t.Fatalf("expected status ok, got %s", result.Status)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("expected 3 provider calls (2 retries), got %d", got)
	}
	if stat := result.Statistics.PerCheck["flaky"]; stat.TotalRuns != 1 || stat.SuccessfulRuns != 1 {
		t.Errorf("retries must collapse into one successful iteration, got %+v", stat)
	}
	completed := sub.byKind(bus.KindCheckCompleted)
	if len(completed) != 1 {
		t.Errorf("expected exactly one CheckCompleted, got %d", len(completed))
	}
	if errored := sub.byKind(bus.KindCheckErrored); len(errored) != 0 {
		t.Errorf("expected no CheckErrored for a recovered check, got %d", len(errored))
	}
}

// S5: a human-input request with no responder times out; the parallelism
// slot is free while the check waits.
func TestEngineRun_HumanInputTimeout(t *testing.T) {
	t.Parallel()

	reg := provider.NewRegistry()
	coord := &provider.Coordinator{Human: human.NewCoordinator()}
	sub := &recordingSub{name: "rec"}
	eventBus := bus.New("run-human")
	if err := eventBus.Register(sub); err != nil {
		t.Fatalf("register subscriber: %v", err)
	}
	coord.Bus = eventBus
	if err := provider.RegisterBuiltins(reg, coord); err != nil {
		t.Fatalf("register builtins: %v", err)
	}

	catalog := visor.Catalog{
		"waiter": {Name: "waiter", Type: visor.CheckTypeHTTPInput, Config: map[string]any{"prompt": "continue?", "timeout_ms": 50}},
		"other":  {Name: "other", Type: visor.CheckTypeNoop},
	}

	eng := newTestEngine(reg, eventBus)
	result := eng.Run(context.Background(), catalog, manualTrigger(), visor.RunOptions{MaxParallelism: 1})
	eventBus.Shutdown()

	if result.Status != visor.RunOK {
		t.Fatalf("expected status ok (waiter is non-critical), got %s", result.Status)
	}
	waiter := result.Statistics.PerCheck["waiter"]
	if waiter.FailedRuns != 1 {
		t.Errorf("expected waiter to fail on timeout, got %+v", waiter)
	}
	other := result.Statistics.PerCheck["other"]
	if other.SuccessfulRuns != 1 {
		t.Errorf("expected other to run while waiter waited, got %+v", other)
	}
	requested := sub.byKind(bus.KindHumanInputRequested)
	if len(requested) != 1 {
		t.Errorf("expected exactly one HumanInputRequested, got %d", len(requested))
	}
	var waiterErrKind string
	for _, env := range sub.byKind(bus.KindCheckErrored) {
		payload := env.Payload.(bus.CheckErroredPayload)
		if payload.CheckID == "waiter" {
			waiterErrKind = payload.ErrorKind
		}
	}
	if waiterErrKind != string(visor.KindHumanInputTimeout) {
		t.Errorf("expected error kind human-input/timeout, got %q", waiterErrKind)
	}
}

// Trigger-supplied args resolve in a check's templated config.
func TestEngineRun_ArgsReachTemplates(t *testing.T) {
	t.Parallel()

	var resolved string
	reg := provider.NewRegistry()
	reg.Register("test", provider.Func(func(ctx context.Context, in provider.Input) provider.Result {
		resolved, _ = in.ResolvedInputs["target"].(string)
		return provider.Result{Output: map[string]any{}}
	}))

	catalog := visor.Catalog{
		"deploy": {Name: "deploy", Type: "test", Config: map[string]any{"target": "deploy to {{args.environment}}"}},
	}

	trigger := visor.TriggerContext{
		Event:           visor.EventManual,
		RequestedChecks: []string{"deploy"},
		Args:            map[string]any{"environment": "staging"},
	}

	eng := newTestEngine(reg, nil)
	result := eng.Run(context.Background(), catalog, trigger, visor.RunOptions{})

	if result.Status != visor.RunOK {
		t.Fatalf("expected status ok, got %s (err: %v)", result.Status, result.Err)
	}
	if resolved != "deploy to staging" {
		t.Errorf("args did not resolve in templated config: %q", resolved)
	}
}

// A human-input check cancelled mid-wait resolves as cancelled, not
// failed: its on_fail hooks stay quiet under the default policy and its
// criticality never marks the run as failed.
func TestEngineRun_HumanInputCancelledIsNotFailure(t *testing.T) {
	t.Parallel()

	reg := provider.NewRegistry()
	coord := &provider.Coordinator{Human: human.NewCoordinator()}
	sub := &recordingSub{name: "rec"}
	eventBus := bus.New("run-human-cancel")
	if err := eventBus.Register(sub); err != nil {
		t.Fatalf("register subscriber: %v", err)
	}
	coord.Bus = eventBus
	if err := provider.RegisterBuiltins(reg, coord); err != nil {
		t.Fatalf("register builtins: %v", err)
	}

	catalog := visor.Catalog{
		"waiter": {
			Name:        "waiter",
			Type:        visor.CheckTypeHTTPInput,
			Criticality: visor.CriticalityCritical,
			OnFail:      visor.Routing{Run: []string{"cleanup"}},
			Config:      map[string]any{"prompt": "continue?"},
		},
		"cleanup": {Name: "cleanup", Type: visor.CheckTypeNoop},
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	eng := newTestEngine(reg, eventBus)
	trigger := visor.TriggerContext{Event: visor.EventManual, RequestedChecks: []string{"waiter"}}
	result := eng.Run(ctx, catalog, trigger, visor.RunOptions{MaxParallelism: 1})
	eventBus.Shutdown()

	if result.Status != visor.RunOK {
		t.Errorf("a cancelled critical check must not mark the run as failed, got %s", result.Status)
	}
	if stat := result.Statistics.PerCheck["cleanup"]; stat != nil && stat.TotalRuns != 0 {
		t.Errorf("on_fail fired for a cancelled iteration: %+v", stat)
	}
	var sawCancelledTransition bool
	for _, env := range sub.byKind(bus.KindStateTransition) {
		p := env.Payload.(bus.StateTransitionPayload)
		if p.CheckID == "waiter" && p.To == visor.IterationCancelled {
			sawCancelledTransition = true
		}
	}
	if !sawCancelledTransition {
		t.Error("waiter never transitioned to cancelled")
	}
	for _, env := range sub.byKind(bus.KindCheckErrored) {
		p := env.Payload.(bus.CheckErroredPayload)
		if p.CheckID == "waiter" && !visor.ErrorKind(p.ErrorKind).Matches(string(visor.KindCancelled)) {
			t.Errorf("waiter's error kind %q is not a cancellation", p.ErrorKind)
		}
	}
}

// S6: a self-routing check is cut off by the loop budget.
func TestEngineRun_LoopBudget(t *testing.T) {
	t.Parallel()

	var ticks int32
	reg := provider.NewRegistry()
	reg.Register("test", provider.Func(func(ctx context.Context, in provider.Input) provider.Result {
		atomic.AddInt32(&ticks, 1)
		return provider.Result{Output: map[string]any{"n": atomic.LoadInt32(&ticks)}}
	}))

	catalog := visor.Catalog{
		"tick": {Name: "tick", Type: "test", OnSuccess: visor.Routing{Run: []string{"tick"}}},
	}

	eng := newTestEngine(reg, nil)
	result := eng.Run(context.Background(), catalog, manualTrigger(), visor.RunOptions{MaxParallelism: 1, LoopBudget: 5})

	if result.Status != visor.RunFailed {
		t.Fatalf("expected status failed on budget trip, got %s", result.Status)
	}
	if result.Err == nil || result.Err.Kind != visor.KindLoopBudgetExceeded {
		t.Fatalf("expected loop-budget-exceeded, got %v", result.Err)
	}
	if got := atomic.LoadInt32(&ticks); got != 5 {
		t.Errorf("expected exactly 5 tick iterations, got %d", got)
	}
}

// Never more than max_parallelism iterations run at once.
func TestEngineRun_ParallelismBound(t *testing.T) {
	t.Parallel()

	const limit = 2
	var running, peak int32
	reg := provider.NewRegistry()
	reg.Register("test", provider.Func(func(ctx context.Context, in provider.Input) provider.Result {
		cur := atomic.AddInt32(&running, 1)
		for {
			old := atomic.LoadInt32(&peak)
			if cur <= old || atomic.CompareAndSwapInt32(&peak, old, cur) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return provider.Result{Output: map[string]any{}}
	}))

	catalog := visor.Catalog{}
	for _, name := range []string{"p1", "p2", "p3", "p4", "p5", "p6"} {
		catalog[name] = &visor.Check{Name: name, Type: "test"}
	}

	eng := newTestEngine(reg, nil)
	result := eng.Run(context.Background(), catalog, manualTrigger(), visor.RunOptions{MaxParallelism: limit})

	if result.Status != visor.RunOK {
		t.Fatalf("expected status ok, got %s", result.Status)
	}
	if got := atomic.LoadInt32(&peak); got > limit {
		t.Errorf("parallelism bound violated: peak %d > limit %d", got, limit)
	}
}

// Every started iteration emits exactly one of
// CheckCompleted or CheckErrored, never both.
func TestEngineRun_ExactlyOnceCompletionEvents(t *testing.T) {
	t.Parallel()

	reg := provider.NewRegistry()
	reg.Register("test", provider.Func(func(ctx context.Context, in provider.Input) provider.Result {
		if in.Check.Name == "bad" {
			return provider.Result{Err: visor.NewError(visor.KindProviderFatal, "boom")}
		}
		return provider.Result{Output: map[string]any{}}
	}))

	catalog := visor.Catalog{
		"good1": {Name: "good1", Type: "test"},
		"good2": {Name: "good2", Type: "test"},
		"bad":   {Name: "bad", Type: "test"},
	}

	sub := &recordingSub{name: "rec"}
	eventBus := bus.New("run-once")
	if err := eventBus.Register(sub); err != nil {
		t.Fatalf("register subscriber: %v", err)
	}

	eng := newTestEngine(reg, eventBus)
	eng.Run(context.Background(), catalog, manualTrigger(), visor.RunOptions{MaxParallelism: 3})
	eventBus.Shutdown()

	type key struct {
		check     string
		iteration int
	}
	started := make(map[key]int)
	terminal := make(map[key]int)
	for _, env := range sub.byKind(bus.KindCheckStarted) {
		p := env.Payload.(bus.CheckStartedPayload)
		started[key{p.CheckID, p.Iteration}]++
	}
	for _, env := range sub.byKind(bus.KindCheckCompleted) {
		p := env.Payload.(bus.CheckCompletedPayload)
		terminal[key{p.CheckID, p.Iteration}]++
	}
	for _, env := range sub.byKind(bus.KindCheckErrored) {
		p := env.Payload.(bus.CheckErroredPayload)
		terminal[key{p.CheckID, p.Iteration}]++
	}

	if len(started) != 3 {
		t.Fatalf("expected 3 started iterations, got %d", len(started))
	}
	for k, n := range started {
		if n != 1 {
			t.Errorf("iteration %v emitted %d CheckStarted events", k, n)
		}
		if terminal[k] != 1 {
			t.Errorf("iteration %v emitted %d terminal events, want exactly 1", k, terminal[k])
		}
	}
}

// Non-critical failures do not skip
// dependents.
func TestEngineRun_NonCriticalFailureDoesNotSkip(t *testing.T) {
	t.Parallel()

	var bRan atomic.Bool
	reg := provider.NewRegistry()
	reg.Register("test", provider.Func(func(ctx context.Context, in provider.Input) provider.Result {
		if in.Check.Name == "a" {
			return provider.Result{Err: visor.NewError(visor.KindProviderFatal, "a failed")}
		}
		bRan.Store(true)
		return provider.Result{Output: map[string]any{}}
	}))

	catalog := visor.Catalog{
		"a": {Name: "a", Type: "test", Criticality: visor.CriticalityNonCritical},
		"b": {Name: "b", Type: "test", DependsOn: []string{"a"}},
	}

	eng := newTestEngine(reg, nil)
	result := eng.Run(context.Background(), catalog, manualTrigger(), visor.RunOptions{MaxParallelism: 2})

	if result.Status != visor.RunOK {
		t.Fatalf("expected status ok (failure was non-critical), got %s", result.Status)
	}
	if !bRan.Load() {
		t.Error("b should run despite a's non-critical failure")
	}
}

// An OR group is satisfied by any successful branch even
// when another branch critically failed.
func TestEngineRun_OrDependency(t *testing.T) {
	t.Parallel()

	var cRan, dRan atomic.Bool
	reg := provider.NewRegistry()
	reg.Register("test", provider.Func(func(ctx context.Context, in provider.Input) provider.Result {
		switch in.Check.Name {
		case "a":
			return provider.Result{Err: visor.NewError(visor.KindProviderFatal, "a failed")}
		case "c":
			cRan.Store(true)
		case "d":
			dRan.Store(true)
		}
		return provider.Result{Output: map[string]any{}}
	}))

	catalog := visor.Catalog{
		"a": {Name: "a", Type: "test", Criticality: visor.CriticalityCritical},
		"b": {Name: "b", Type: "test"},
		"c": {Name: "c", Type: "test", DependsOn: []string{"a|b"}},
		"d": {Name: "d", Type: "test", DependsOn: []string{"a"}},
	}

	eng := newTestEngine(reg, nil)
	result := eng.Run(context.Background(), catalog, manualTrigger(), visor.RunOptions{MaxParallelism: 2})

	if !cRan.Load() {
		t.Error("c should run: its OR group is satisfied by b")
	}
	if dRan.Load() {
		t.Error("d must not run: its only dependency critically failed")
	}
	if stat := result.Statistics.PerCheck["d"]; stat.Skipped != 1 || stat.SkipReason != visor.SkipReasonDependencyFailed {
		t.Errorf("expected d skipped with dependency_failed, got %+v", stat)
	}
}

func TestEngineRun_IfFalseSkips(t *testing.T) {
	t.Parallel()

	var ran atomic.Bool
	reg := provider.NewRegistry()
	reg.Register("test", provider.Func(func(ctx context.Context, in provider.Input) provider.Result {
		ran.Store(true)
		return provider.Result{Output: map[string]any{}}
	}))

	catalog := visor.Catalog{
		"gated": {Name: "gated", Type: "test", If: "1 > 2"},
	}

	eng := newTestEngine(reg, nil)
	result := eng.Run(context.Background(), catalog, manualTrigger(), visor.RunOptions{})

	if ran.Load() {
		t.Error("gated should not have run")
	}
	if stat := result.Statistics.PerCheck["gated"]; stat.Skipped != 1 || stat.SkipReason != visor.SkipReasonConditionFalse {
		t.Errorf("expected gated skipped with if_false, got %+v", stat)
	}
}

// fail_if reclassifies a provider success as a failure with the check's
// own rule id, which then participates in on_fail routing.
func TestEngineRun_FailIfReclassifiesAndRoutes(t *testing.T) {
	t.Parallel()

	var cleanupRan atomic.Bool
	reg := provider.NewRegistry()
	reg.Register("test", provider.Func(func(ctx context.Context, in provider.Input) provider.Result {
		if in.Check.Name == "cleanup" {
			cleanupRan.Store(true)
			return provider.Result{Output: map[string]any{}}
		}
		return provider.Result{Output: map[string]any{"score": 5}}
	}))

	catalog := visor.Catalog{
		"scored":  {Name: "scored", Type: "test", FailIf: "output.score > 3", OnFail: visor.Routing{Run: []string{"cleanup"}}},
		"cleanup": {Name: "cleanup", Type: "test"},
	}

	sub := &recordingSub{name: "rec"}
	eventBus := bus.New("run-failif")
	if err := eventBus.Register(sub); err != nil {
		t.Fatalf("register subscriber: %v", err)
	}

	eng := newTestEngine(reg, eventBus)
	trigger := visor.TriggerContext{Event: visor.EventManual, RequestedChecks: []string{"scored"}}
	result := eng.Run(context.Background(), catalog, trigger, visor.RunOptions{MaxParallelism: 1})
	eventBus.Shutdown()

	if stat := result.Statistics.PerCheck["scored"]; stat.FailedRuns != 1 {
		t.Errorf("expected scored reclassified as failed, got %+v", stat)
	}
	if !cleanupRan.Load() {
		t.Error("on_fail target cleanup never ran")
	}
	var kind string
	for _, env := range sub.byKind(bus.KindCheckErrored) {
		p := env.Payload.(bus.CheckErroredPayload)
		if p.CheckID == "scored" {
			kind = p.ErrorKind
		}
	}
	if kind != "scored/fail_if" {
		t.Errorf("expected error kind scored/fail_if, got %q", kind)
	}
}

// After cancellation no new CheckStarted events are
// emitted and in-flight iterations terminate.
func TestEngineRun_Cancellation(t *testing.T) {
	t.Parallel()

	reg := provider.NewRegistry()
	reg.Register("test", provider.Func(func(ctx context.Context, in provider.Input) provider.Result {
		select {
		case <-ctx.Done():
			return provider.Result{Err: visor.NewError(visor.KindCancelled, in.Check.Name)}
		case <-time.After(2 * time.Second):
			return provider.Result{Output: map[string]any{}}
		}
	}))

	catalog := visor.Catalog{
		"slow": {Name: "slow", Type: "test"},
		"dep":  {Name: "dep", Type: "test", DependsOn: []string{"slow"}},
	}

	sub := &recordingSub{name: "rec"}
	eventBus := bus.New("run-cancel")
	if err := eventBus.Register(sub); err != nil {
		t.Fatalf("register subscriber: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	eng := newTestEngine(reg, eventBus)
	start := time.Now()
	result := eng.Run(ctx, catalog, manualTrigger(), visor.RunOptions{MaxParallelism: 2})
	elapsed := time.Since(start)
	eventBus.Shutdown()

	if elapsed > time.Second {
		t.Errorf("cancellation did not terminate the run promptly: %s", elapsed)
	}
	for _, env := range sub.byKind(bus.KindCheckStarted) {
		p := env.Payload.(bus.CheckStartedPayload)
		if p.CheckID == "dep" {
			t.Error("dep started despite cancellation")
		}
	}
	if stat := result.Statistics.PerCheck["dep"]; stat.Skipped != 1 {
		t.Errorf("expected dep skipped after cancellation, got %+v", stat)
	}
}

// Cancelled iterations do not fire on_fail unless the
// policy knob is set.
func TestScheduler_RouteCancelledOnFail(t *testing.T) {
	t.Parallel()

	catalog := visor.Catalog{
		"x":       {Name: "x", Type: "test", OnFail: visor.Routing{Run: []string{"cleanup"}}},
		"cleanup": {Name: "cleanup", Type: "test"},
	}
	reg := provider.NewRegistry()
	reg.Register("test", provider.Func(func(ctx context.Context, in provider.Input) provider.Result {
		return provider.Result{Output: map[string]any{}}
	}))

	newSched := func(routeCancelled bool) (*Scheduler, *History) {
		history := NewHistory()
		g, err := BuildGraph(catalog, []string{"x"})
		if err != nil {
			t.Fatalf("build graph: %v", err)
		}
		s := NewScheduler(
			context.Background(), catalog, g,
			provider.NewDispatcher(reg), NewEvaluator(0), history,
			nil, nil, nil, manualTrigger(),
			visor.RunOptions{RouteCancelledOnFail: routeCancelled},
		)
		return s, history
	}

	cancelledIt := visor.Iteration{CheckName: "x", Status: visor.IterationCancelled}

	s, history := newSched(false)
	s.route(catalog["x"], cancelledIt)
	s.wg.Wait()
	if history.Count("cleanup") != 0 {
		t.Error("cleanup ran for a cancelled iteration with the default policy")
	}

	s, history = newSched(true)
	s.route(catalog["x"], cancelledIt)
	s.wg.Wait()
	if history.Count("cleanup") != 1 {
		t.Error("cleanup did not run despite RouteCancelledOnFail")
	}
}

// reuse_ai_session resolves to a cloned session owned by the dependent.
func TestEngineRun_SessionReuse(t *testing.T) {
	t.Parallel()

	reg := provider.NewRegistry()
	coord := &provider.Coordinator{Human: human.NewCoordinator()}
	if err := provider.RegisterBuiltins(reg, coord); err != nil {
		t.Fatalf("register builtins: %v", err)
	}

	catalog := visor.Catalog{
		"ask":    {Name: "ask", Type: visor.CheckTypeNoop},
		"answer": {Name: "answer", Type: visor.CheckTypeAI, DependsOn: []string{"ask"}, ReuseAISession: "ask"},
	}

	eng := newTestEngine(reg, nil)
	eng.Sessions = session.NewRegistry()
	defer eng.Sessions.TearDown()

	result := eng.Run(context.Background(), catalog, manualTrigger(), visor.RunOptions{MaxParallelism: 2})

	if result.Status != visor.RunOK {
		t.Fatalf("expected status ok, got %s", result.Status)
	}
	var answerOutput map[string]any
	for _, entries := range result.Results {
		for _, entry := range entries {
			if entry.CheckName == "answer" {
				answerOutput = entry.Output.(map[string]any)
			}
		}
	}
	if answerOutput == nil {
		t.Fatal("answer produced no output entry")
	}
	if got := answerOutput["session"]; got != "answer@0" {
		t.Errorf("expected answer to run in cloned session answer@0, got %v", got)
	}
}
