package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/probelabs/visor/internal/runlog"
	"github.com/probelabs/visor/pkg/bus"
	"github.com/probelabs/visor/pkg/provider"
	"github.com/probelabs/visor/pkg/render"
	"github.com/probelabs/visor/pkg/session"
	"github.com/probelabs/visor/pkg/visor"
)

// Scheduler drives a dependency graph to completion, enforcing
// parallelism, ordering, skip propagation, retry/backoff, routing and
// forEach fan-out, and the loop budget. The semaphore bounding
// concurrent dispatches lives for the scheduler's whole lifetime, and
// scheduling is a completion-driven fixed point: every terminal
// iteration re-evaluates the remaining pending set, so
// dynamically-routed or forEach-fanned-out checks are picked up without
// re-running topological sort.
type Scheduler struct {
	catalog    visor.Catalog
	graph      *Graph
	depth      map[string]int
	dispatcher *provider.Dispatcher
	evaluator  *Evaluator
	history    *History
	bus        *bus.Bus
	logger     *runlog.Logger
	sessions   *session.Registry

	trigger        visor.TriggerContext
	opts           visor.RunOptions
	defaultTimeout time.Duration

	runCtx         context.Context
	dispatchCtx    context.Context
	dispatchCancel context.CancelFunc

	sem chan struct{}

	mu             sync.Mutex
	notStarted     map[string]bool
	runningCount   map[string]int
	forEachTrack   map[string]*forEachState
	stats          map[string]*visor.CheckStat
	scheduledTotal  int
	fatal           *visor.Error
	criticalFail    bool
	failFastTripped bool

	failFastOnce   sync.Once
	loopBudgetOnce sync.Once

	wg sync.WaitGroup
}

// forEachChild carries fan-out bookkeeping for a single child iteration
// of a forEach parent.
type forEachChild struct {
	parentName string
	item       any
	index      int
}

// forEachState tracks one forEach parent's outstanding children, so its
// on_finish hooks fire exactly once after every child reaches terminal
// state.
type forEachState struct {
	check     *visor.Check
	parentIt  visor.Iteration
	remaining int
}

// NewScheduler builds a Scheduler for one run. The caller owns ctx's
// lifetime; cancelling it cancels every in-flight dispatch.
func NewScheduler(
	ctx context.Context,
	catalog visor.Catalog,
	graph *Graph,
	dispatcher *provider.Dispatcher,
	evaluator *Evaluator,
	history *History,
	eventBus *bus.Bus,
	logger *runlog.Logger,
	sessions *session.Registry,
	trigger visor.TriggerContext,
	opts visor.RunOptions,
) *Scheduler {
	dispatchCtx, cancel := context.WithCancel(ctx)

	maxParallelism := opts.MaxParallelism
	if maxParallelism <= 0 {
		maxParallelism = 3
	}

	depth := make(map[string]int, len(graph.Names))
	for waveIdx, wave := range graph.Waves {
		for _, name := range wave {
			depth[name] = waveIdx
		}
	}

	s := &Scheduler{
		catalog:        catalog,
		graph:          graph,
		depth:          depth,
		dispatcher:     dispatcher,
		evaluator:      evaluator,
		history:        history,
		bus:            eventBus,
		logger:         logger,
		sessions:       sessions,
		trigger:        trigger,
		opts:           opts,
		defaultTimeout: time.Duration(opts.TimeoutMs) * time.Millisecond,
		runCtx:         ctx,
		dispatchCtx:    dispatchCtx,
		dispatchCancel: cancel,
		sem:            make(chan struct{}, maxParallelism),
		notStarted:     make(map[string]bool),
		runningCount:   make(map[string]int),
		forEachTrack:   make(map[string]*forEachState),
		stats:          make(map[string]*visor.CheckStat),
	}

	for _, name := range graph.Names {
		s.stats[name] = newCheckStat()
		if !graph.Deferred[name] {
			s.notStarted[name] = true
		}
	}
	return s
}

func newCheckStat() *visor.CheckStat {
	return &visor.CheckStat{IssuesBySeverity: make(map[visor.Severity]int)}
}

// CommitExcluded records a skipped iteration for every requested check
// the tag/event filter ruled out, so each still owns a statistics row.
// Names drawn into the graph by an eligible dependent are exempt:
// closure membership wins over the filter.
func (s *Scheduler) CommitExcluded(excluded map[string]string) {
	if len(excluded) == 0 {
		return
	}
	inClosure := make(map[string]bool, len(s.graph.Names))
	for _, name := range s.graph.Names {
		inClosure[name] = true
	}
	names := make([]string, 0, len(excluded))
	for name := range excluded {
		if !inClosure[name] {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		s.commitSkip(name, excluded[name])
	}
}

// Run drives the graph to completion and returns once every iteration it
// spawned (including ones discovered later via routing or forEach) has
// reached a terminal state.
func (s *Scheduler) Run() {
	s.tick()
	s.wg.Wait()
}

// FatalError returns the error that aborted the run early (currently
// only loop-budget-exceeded), or nil.
func (s *Scheduler) FatalError() *visor.Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fatal
}

// CriticalFailureOccurred reports whether any critical check failed
// during the run, used by the engine facade to compute RunStatus.
func (s *Scheduler) CriticalFailureOccurred() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.criticalFail
}

// Stats returns a snapshot of the per-check statistics collected so far.
func (s *Scheduler) Stats() map[string]*visor.CheckStat {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*visor.CheckStat, len(s.stats))
	for k, v := range s.stats {
		cp := *v
		issues := make(map[visor.Severity]int, len(v.IssuesBySeverity))
		for sev, n := range v.IssuesBySeverity {
			issues[sev] = n
		}
		cp.IssuesBySeverity = issues
		out[k] = &cp
	}
	return out
}

// tick repeatedly scans the not-yet-started set to a fixed point: every
// pass may skip doomed/condition-false checks or launch ready ones,
// which can unblock other pending checks within the same pass (since
// writes land in History immediately). It stops once a full pass makes
// no further progress, relying on future terminal completions (which
// call tick again) to resume it.
func (s *Scheduler) tick() {
	for s.tickOnce() {
	}
}

func (s *Scheduler) tickOnce() bool {
	s.mu.Lock()
	names := make([]string, 0, len(s.notStarted))
	for n := range s.notStarted {
		names = append(names, n)
	}
	s.mu.Unlock()

	sort.Slice(names, func(i, j int) bool {
		di, dj := s.depth[names[i]], s.depth[names[j]]
		if di != dj {
			return di < dj
		}
		return names[i] < names[j]
	})

	progressed := false

	for _, name := range names {
		s.mu.Lock()
		if !s.notStarted[name] {
			s.mu.Unlock()
			continue
		}
		check, ok := s.catalog[name]
		if !ok {
			delete(s.notStarted, name)
			s.mu.Unlock()
			progressed = true
			continue
		}
		groups := s.depsOfLocked(name, check)
		s.mu.Unlock()

		satisfied, _ := GroupsSatisfied(groups, s.history.StatusOf)

		// Doomed-dependency skips take precedence over teardown skips so a
		// critical failure's whole downstream closure reports
		// dependency_failed even when fail-fast is tearing the run down.
		if satisfied && s.isDoomed(groups) {
			s.mu.Lock()
			delete(s.notStarted, name)
			s.mu.Unlock()
			s.commitSkip(name, visor.SkipReasonDependencyFailed)
			progressed = true
			continue
		}

		if s.dispatchCtx.Err() != nil {
			s.mu.Lock()
			viaFailFast := s.failFastTripped
			delete(s.notStarted, name)
			s.mu.Unlock()
			reason := visor.SkipReasonCancelled
			if viaFailFast {
				reason = visor.SkipReasonFailFast
			}
			s.commitSkip(name, reason)
			progressed = true
			continue
		}

		if !satisfied {
			continue
		}

		condCtx := s.pendingContext(check)
		passed, err := s.evaluator.EvalBool(check.If, condCtx)
		if err != nil {
			s.mu.Lock()
			delete(s.notStarted, name)
			s.mu.Unlock()
			s.finishExprFailure(check, err)
			progressed = true
			continue
		}
		if !passed {
			s.mu.Lock()
			delete(s.notStarted, name)
			s.mu.Unlock()
			s.commitSkip(name, visor.SkipReasonConditionFalse)
			progressed = true
			continue
		}

		s.mu.Lock()
		if s.opts.LoopBudget > 0 && s.scheduledTotal >= s.opts.LoopBudget {
			delete(s.notStarted, name)
			s.mu.Unlock()
			s.tripLoopBudget()
			progressed = true
			continue
		}
		s.scheduledTotal++
		delete(s.notStarted, name)
		s.runningCount[name]++
		s.mu.Unlock()

		progressed = true
		s.wg.Add(1)
		go s.runIteration(check, nil)
	}
	return progressed
}

// depsOfLocked returns the AND-of-OR dependency groups for name,
// computing and caching them on first use for checks drawn in later by
// routing (which were never part of the original closure). Caller must
// hold s.mu.
func (s *Scheduler) depsOfLocked(name string, check *visor.Check) [][]string {
	if groups, ok := s.graph.Deps[name]; ok {
		return groups
	}
	groups := ParseDependsOn(check.DependsOn)
	s.graph.Deps[name] = groups
	return groups
}

// isDoomed reports whether name can never satisfy its dependencies with
// a usable (non-critically-doomed) path: a critical failure (or a
// cascade-skip caused by one) dooms every AND-group it is the sole
// option for; a non-critical failure or an if-false skip never does.
func (s *Scheduler) isDoomed(groups [][]string) bool {
	for _, group := range groups {
		if s.groupDoomed(group) {
			return true
		}
	}
	return false
}

func (s *Scheduler) groupDoomed(group []string) bool {
	if len(group) == 0 {
		return false
	}
	for _, member := range group {
		status, done := s.history.StatusOf(member)
		if !done {
			return false
		}
		switch status {
		case visor.IterationSucceeded:
			return false
		case visor.IterationFailed, visor.IterationCancelled:
			check := s.catalog[member]
			if check == nil || check.Criticality != visor.CriticalityCritical {
				return false
			}
		case visor.IterationSkipped:
			reason, _ := s.history.SkipReasonOf(member)
			if reason != visor.SkipReasonDependencyFailed {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// pendingContext builds the expression context for a not-yet-started
// check's `if` evaluation: `output` is the single direct dependency's
// output when the check has exactly one dependency name.
func (s *Scheduler) pendingContext(check *visor.Check) Context {
	snapshot := s.history.Snapshot()
	return Context{
		PR:        s.trigger.PR,
		Files:     s.trigger.Files,
		Outputs:   snapshot.OutputsMap(),
		Output:    singleParentOutput(check, snapshot),
		Env:       s.trigger.Env,
		CheckName: check.Name,
		Iteration: s.history.Count(check.Name),
	}
}

func singleParentOutput(check *visor.Check, snapshot *Snapshot) any {
	groups := ParseDependsOn(check.DependsOn)
	if len(groups) != 1 || len(groups[0]) != 1 {
		return nil
	}
	last, ok := snapshot.Last(groups[0][0])
	if !ok {
		return nil
	}
	return last.Output
}

// runIteration executes one concrete iteration of check, applying
// render, dispatch, retry and fail_if, then hands the terminal
// iteration to finishIteration for routing/forEach.
func (s *Scheduler) runIteration(check *visor.Check, fe *forEachChild) {
	defer s.wg.Done()

	name := check.Name
	index := s.history.Count(name)
	var item any
	if fe != nil {
		item = fe.item
		index = fe.index
	}

	it := visor.Iteration{
		CheckName: name,
		Index:     index,
		Item:      item,
		StartedAt: time.Now(),
		Status:    visor.IterationRunning,
	}

	snapshot := s.history.Snapshot()
	renderCtx := render.Context{
		PR:      s.trigger.PR,
		Files:   s.trigger.Files,
		Outputs: snapshot.OutputsMap(),
		Item:    item,
		Env:     s.trigger.Env,
		Args:    s.trigger.Args,
	}
	resolvedInputs, renderErr := s.renderInputs(check, renderCtx)
	if renderErr != nil {
		it.EndedAt = time.Now()
		it.Status = visor.IterationFailed
		it.Err = renderErr
		s.finishIteration(check, it, fe)
		return
	}

	useSlot := check.Type != visor.CheckTypeHTTPInput
	if useSlot {
		if !s.acquireSlot() {
			it.EndedAt = time.Now()
			it.Status = visor.IterationCancelled
			it.Err = visor.NewError(visor.KindCancelled, name)
			s.finishIteration(check, it, fe)
			return
		}
	}

	s.emitStarted(name, index, resolvedInputs)

	sessionID := s.resolveSession(check)

	attempt := 1
	var result provider.Result
	var providerDuration time.Duration
	for {
		if s.dispatchCtx.Err() != nil {
			result = provider.Result{Err: visor.NewError(visor.KindCancelled, name)}
			break
		}
		in := provider.Input{
			Trigger:         s.trigger,
			Check:           check,
			ResolvedInputs:  resolvedInputs,
			OutputsSnapshot: snapshot.OutputsMap(),
			Env:             s.trigger.Env,
			Item:            item,
			SessionID:       sessionID,
		}
		result, providerDuration = s.dispatcher.Dispatch(s.dispatchCtx, check, in, s.defaultTimeout)
		if result.Err == nil {
			break
		}
		decision := NextRetry(check.Retry, name, attempt, result.Err.Kind)
		if !decision.Retry {
			break
		}
		select {
		case <-time.After(decision.Delay):
		case <-s.dispatchCtx.Done():
		}
		attempt++
	}

	if useSlot {
		s.releaseSlot()
	}

	it.Attempt = attempt
	it.ProviderDurationMs = providerDuration.Milliseconds()

	if result.Err == nil {
		failCtx := Context{
			PR:        s.trigger.PR,
			Files:     s.trigger.Files,
			Outputs:   snapshot.OutputsMap(),
			Output:    result.Output,
			Item:      item,
			Env:       s.trigger.Env,
			CheckName: name,
			Iteration: index,
		}
		if check.FailIf != "" {
			failed, ferr := s.evaluator.EvalBool(check.FailIf, failCtx)
			if ferr != nil {
				result.Err = ferr
			} else if failed {
				result.Err = visor.NewError(visor.FailIfKind(name), "fail_if evaluated true")
			}
		}
	}

	it.EndedAt = time.Now()
	it.Output = result.Output
	it.Content = result.Content
	it.Issues = result.Issues
	it.Err = result.Err
	switch {
	case result.Err == nil:
		it.Status = visor.IterationSucceeded
	case result.Err.Kind.Matches(string(visor.KindCancelled)):
		// Covers the bare "cancelled" kind and hierarchical ones like
		// "human-input/cancelled", so teardown-time failures stay out of
		// on_fail routing and never count as critical failures.
		it.Status = visor.IterationCancelled
	default:
		it.Status = visor.IterationFailed
	}

	s.finishIteration(check, it, fe)
}

func (s *Scheduler) renderInputs(check *visor.Check, rctx render.Context) (map[string]any, *visor.Error) {
	out := make(map[string]any, len(check.Config))
	for k, v := range check.Config {
		str, ok := v.(string)
		if !ok {
			out[k] = v
			continue
		}
		rendered, err := render.Render(check.Name, str, rctx)
		if err != nil {
			return nil, err
		}
		out[k] = rendered
	}
	return out, nil
}

func (s *Scheduler) acquireSlot() bool {
	select {
	case s.sem <- struct{}{}:
		return true
	case <-s.dispatchCtx.Done():
		return false
	}
}

func (s *Scheduler) releaseSlot() {
	<-s.sem
}

// finishExprFailure records a failed iteration for a check whose `if`
// expression errored before the provider ever ran. Expression errors
// are iteration failures with no retry.
func (s *Scheduler) finishExprFailure(check *visor.Check, err *visor.Error) {
	now := time.Now()
	it := visor.Iteration{
		CheckName: check.Name,
		Index:     s.history.Count(check.Name),
		StartedAt: now,
		EndedAt:   now,
		Status:    visor.IterationFailed,
		Err:       err,
	}
	s.finishIteration(check, it, nil)
}

// commitSkip records a Skipped iteration directly, bypassing dispatch
// entirely. Skipped iterations never started, so they emit a
// StateTransition event only; CheckCompleted/CheckErrored stay
// exactly-once per iteration that truly ran.
func (s *Scheduler) commitSkip(name string, reason string) {
	check := s.catalog[name]
	now := time.Now()
	it := visor.Iteration{
		CheckName:  name,
		Index:      s.history.Count(name),
		StartedAt:  now,
		EndedAt:    now,
		Status:     visor.IterationSkipped,
		SkipReason: reason,
	}
	s.history.Append(it)
	s.recordStat(check, it)
	if s.bus != nil {
		s.bus.Publish(bus.KindStateTransition, bus.StateTransitionPayload{CheckID: name, To: visor.IterationSkipped})
	}
}

func (s *Scheduler) emitStarted(name string, index int, resolvedInputs map[string]any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.KindCheckStarted, bus.CheckStartedPayload{
		CheckID:     name,
		Iteration:   index,
		InputDigest: digest(resolvedInputs),
	})
	s.bus.Publish(bus.KindStateTransition, bus.StateTransitionPayload{CheckID: name, To: visor.IterationRunning})
}

func digest(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	h := fnv.New64a()
	h.Write(data)
	return fmt.Sprintf("%x", h.Sum64())
}

func (s *Scheduler) emitCompletion(it visor.Iteration) {
	if s.bus == nil {
		return
	}
	switch it.Status {
	case visor.IterationSucceeded:
		s.bus.Publish(bus.KindCheckCompleted, bus.CheckCompletedPayload{
			CheckID:    it.CheckName,
			Iteration:  it.Index,
			Output:     it.Output,
			Content:    it.Content,
			DurationMs: it.EndedAt.Sub(it.StartedAt).Milliseconds(),
		})
	default:
		errMsg, errKind := "", ""
		if it.Err != nil {
			errMsg, errKind = it.Err.Error(), string(it.Err.Kind)
		}
		s.bus.Publish(bus.KindCheckErrored, bus.CheckErroredPayload{
			CheckID:   it.CheckName,
			Iteration: it.Index,
			Error:     errMsg,
			ErrorKind: errKind,
		})
	}
	s.bus.Publish(bus.KindStateTransition, bus.StateTransitionPayload{CheckID: it.CheckName, To: it.Status})
}

func (s *Scheduler) recordStat(check *visor.Check, it visor.Iteration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if check == nil {
		return
	}
	stat, ok := s.stats[check.Name]
	if !ok {
		stat = newCheckStat()
		s.stats[check.Name] = stat
	}
	switch it.Status {
	case visor.IterationSkipped:
		stat.Skipped++
		stat.SkipReason = it.SkipReason
	case visor.IterationSucceeded:
		stat.TotalRuns++
		stat.SuccessfulRuns++
	default:
		stat.TotalRuns++
		stat.FailedRuns++
	}
	stat.TotalDurationMs += it.EndedAt.Sub(it.StartedAt).Milliseconds()
	stat.ProviderDurationMs += it.ProviderDurationMs
	stat.IssuesFound += len(it.Issues)
	for _, issue := range it.Issues {
		stat.IssuesBySeverity[issue.Severity]++
	}
}

// tripFailFast implements the fail-fast policy: the first critical
// failure, when enabled, cancels every in-flight dispatch; the next
// tick() pass then skips everything still pending.
func (s *Scheduler) tripFailFast() {
	if !s.opts.FailFast {
		return
	}
	s.failFastOnce.Do(func() {
		s.mu.Lock()
		s.failFastTripped = true
		s.mu.Unlock()
		s.dispatchCancel()
	})
}

// tripLoopBudget implements the loop-budget guard: once tripped, the
// run is fatal and every remaining pending check is cancelled out from
// under it.
func (s *Scheduler) tripLoopBudget() {
	s.loopBudgetOnce.Do(func() {
		s.mu.Lock()
		s.fatal = visor.NewError(visor.KindLoopBudgetExceeded, fmt.Sprintf("loop budget %d exceeded", s.opts.LoopBudget))
		s.mu.Unlock()
		if s.logger != nil {
			s.logger.Error("loop budget exceeded", "budget", s.opts.LoopBudget)
		}
		s.dispatchCancel()
	})
}
