package engine

import "github.com/probelabs/visor/pkg/visor"

// startForEach evaluates a succeeded forEach parent's iterable and fans
// out one child iteration per (item, child name) pair, sharing the
// parent's output history and trigger context. Each item drives
// ordinary Check iterations of the parent's declared Children, so
// dependents can read their outputs from the same History the rest of
// the engine uses.
func (s *Scheduler) startForEach(check *visor.Check, parentIt visor.Iteration) {
	snapshot := s.history.Snapshot()
	ctx := Context{
		PR:        s.trigger.PR,
		Files:     s.trigger.Files,
		Outputs:   snapshot.OutputsMap(),
		Output:    parentIt.Output,
		Env:       s.trigger.Env,
		CheckName: check.Name,
		Iteration: parentIt.Index,
	}
	items, err := s.evaluator.EvalIterable(check.ForEach, ctx)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("forEach evaluation failed", "check", check.Name, "error", err.Error())
		}
		s.fireOnFinish(check, parentIt)
		s.tick()
		return
	}

	s.mu.Lock()
	if stat, ok := s.stats[check.Name]; ok {
		stat.ForEachPreview = previewItems(items)
	}
	s.mu.Unlock()

	if len(items) == 0 || len(check.Children) == 0 {
		s.fireOnFinish(check, parentIt)
		s.tick()
		return
	}

	total := len(items) * len(check.Children)
	s.mu.Lock()
	s.forEachTrack[check.Name] = &forEachState{check: check, parentIt: parentIt, remaining: total}
	s.mu.Unlock()

	for i, item := range items {
		for _, childName := range check.Children {
			child, ok := s.catalog[childName]
			if !ok {
				s.onForEachChildDone(&forEachChild{parentName: check.Name})
				continue
			}

			s.mu.Lock()
			if s.opts.LoopBudget > 0 && s.scheduledTotal >= s.opts.LoopBudget {
				s.mu.Unlock()
				s.tripLoopBudget()
				s.onForEachChildDone(&forEachChild{parentName: check.Name})
				continue
			}
			s.scheduledTotal++
			s.runningCount[childName]++
			s.mu.Unlock()

			s.wg.Add(1)
			go s.runIteration(child, &forEachChild{parentName: check.Name, item: item, index: i})
		}
	}
	s.tick()
}

// onForEachChildDone decrements the outstanding-child counter for a
// forEach parent and, once every child (and the skipped/budget-tripped
// placeholders above) has resolved, fires the parent's deferred
// on_finish hooks exactly once.
func (s *Scheduler) onForEachChildDone(fe *forEachChild) {
	s.mu.Lock()
	state, ok := s.forEachTrack[fe.parentName]
	if !ok {
		s.mu.Unlock()
		return
	}
	state.remaining--
	done := state.remaining <= 0
	var check *visor.Check
	var parentIt visor.Iteration
	if done {
		check = state.check
		parentIt = state.parentIt
		delete(s.forEachTrack, fe.parentName)
	}
	s.mu.Unlock()

	if done {
		s.fireOnFinish(check, parentIt)
	}
}

// previewItems caps the recorded forEach item preview so Statistics
// never grows unbounded for large fan-outs.
func previewItems(items []any) []any {
	const maxPreview = 10
	if len(items) <= maxPreview {
		return items
	}
	out := make([]any, maxPreview)
	copy(out, items[:maxPreview])
	return out
}
