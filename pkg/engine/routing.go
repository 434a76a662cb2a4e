package engine

import (
	"github.com/probelabs/visor/pkg/visor"
)

// finishIteration is the single convergence point for every terminal
// iteration, whether it ran a provider or failed before dispatch. It
// commits the iteration, emits its event, and then applies routing:
// forEach parents defer on_finish to their children; everything else
// fires on_success/on_fail immediately followed by on_finish.
func (s *Scheduler) finishIteration(check *visor.Check, it visor.Iteration, fe *forEachChild) {
	s.history.Append(it)
	s.recordStat(check, it)
	s.emitCompletion(it)

	s.mu.Lock()
	if s.runningCount[check.Name] > 0 {
		s.runningCount[check.Name]--
	}
	s.mu.Unlock()

	if it.Status == visor.IterationFailed && check.Criticality == visor.CriticalityCritical {
		s.mu.Lock()
		s.criticalFail = true
		s.mu.Unlock()
		s.tripFailFast()
	}

	if fe != nil {
		s.route(check, it)
		s.fireOnFinish(check, it)
		s.onForEachChildDone(fe)
		s.tick()
		return
	}

	if check.ForEach != "" {
		s.route(check, it)
		if it.Status == visor.IterationSucceeded {
			s.startForEach(check, it)
		} else {
			// Nothing to fan out: the parent never produced items, so
			// its on_finish condition (every child terminal) is
			// vacuously true immediately.
			s.fireOnFinish(check, it)
		}
		s.tick()
		return
	}

	s.route(check, it)
	s.fireOnFinish(check, it)
	s.tick()
}

// route applies a terminal iteration's on_success/on_fail hooks.
func (s *Scheduler) route(check *visor.Check, it visor.Iteration) {
	var targets []string
	switch it.Status {
	case visor.IterationSucceeded:
		targets = s.resolveRouting(check.OnSuccess, it)
	case visor.IterationFailed:
		targets = s.resolveRouting(check.OnFail, it)
	case visor.IterationCancelled:
		if s.opts.RouteCancelledOnFail {
			targets = s.resolveRouting(check.OnFail, it)
		}
	}
	s.scheduleTargets(targets)
}

// fireOnFinish applies a terminal iteration's on_finish hook. For
// forEach parents this is only ever called once every child has
// terminated (or immediately, if the parent never produced items).
func (s *Scheduler) fireOnFinish(check *visor.Check, it visor.Iteration) {
	targets := s.resolveRouting(check.OnFinish, it)
	s.scheduleTargets(targets)
}

// resolveRouting unions a routing's static Run list with its dynamic
// RunJS expression's result. A RunJS evaluation failure is logged and
// otherwise ignored -- it never fails the iteration that already
// completed.
func (s *Scheduler) resolveRouting(r visor.Routing, it visor.Iteration) []string {
	targets := append([]string{}, r.Run...)
	if r.RunJS == "" {
		return dedupeStrings(targets)
	}
	snapshot := s.history.Snapshot()
	ctx := Context{
		PR:        s.trigger.PR,
		Files:     s.trigger.Files,
		Outputs:   snapshot.OutputsMap(),
		Output:    it.Output,
		Item:      it.Item,
		Env:       s.trigger.Env,
		CheckName: it.CheckName,
		Iteration: it.Index,
	}
	dyn, err := s.evaluator.EvalStringList(r.RunJS, ctx)
	if err == nil {
		targets = append(targets, dyn...)
	} else if s.logger != nil {
		s.logger.Warn("routing expression failed", "check", it.CheckName, "error", err.Error())
	}
	return dedupeStrings(targets)
}

func dedupeStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

// scheduleTargets enqueues a "fresh iteration" for every routed target
// that isn't already pending, running, or an in-progress forEach
// parent, subject to the loop budget. Re-routing a check that already
// ran to completion is exactly how self-loops (scenario S6) and
// revisit edges work: there is no "already ran" exclusion, only
// "already in flight right now".
func (s *Scheduler) scheduleTargets(names []string) {
	if len(names) == 0 {
		return
	}
	s.mu.Lock()
	added := false
	for _, name := range names {
		if _, ok := s.catalog[name]; !ok {
			continue
		}
		if s.notStarted[name] || s.runningCount[name] > 0 {
			continue
		}
		if _, active := s.forEachTrack[name]; active {
			continue
		}
		if s.opts.LoopBudget > 0 && s.scheduledTotal >= s.opts.LoopBudget {
			s.mu.Unlock()
			s.tripLoopBudget()
			s.mu.Lock()
			continue
		}
		s.notStarted[name] = true
		if _, ok := s.stats[name]; !ok {
			s.stats[name] = newCheckStat()
		}
		added = true
	}
	s.mu.Unlock()
	if added {
		s.tick()
	}
}
