package engine

import (
	"sync"

	"github.com/probelabs/visor/pkg/visor"
)

// History is the append-only output journal: an ordered, per-check
// record of every committed iteration, so readers can see every prior
// iteration, not just the latest.
type History struct {
	mu     sync.RWMutex
	byName map[string][]visor.Iteration
}

// NewHistory creates an empty output history.
func NewHistory() *History {
	return &History{byName: make(map[string][]visor.Iteration)}
}

// Append commits one completed iteration to the journal. Writes are
// serialized via the journal mutex; entries never disappear or reorder.
func (h *History) Append(it visor.Iteration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.byName[it.CheckName] = append(h.byName[it.CheckName], it)
}

// Snapshot is a read-only, point-in-time view of the history, handed to
// providers and expressions. Taking a Snapshot never blocks writers for
// longer than the copy itself, and later appends are invisible to it.
type Snapshot struct {
	outputs map[string][]visor.Iteration
}

// Snapshot returns the current state of the journal.
func (h *History) Snapshot() *Snapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	copyMap := make(map[string][]visor.Iteration, len(h.byName))
	for name, list := range h.byName {
		dup := make([]visor.Iteration, len(list))
		copy(dup, list)
		copyMap[name] = dup
	}
	return &Snapshot{outputs: copyMap}
}

// Last returns the most recently committed iteration for a check, if any.
func (s *Snapshot) Last(name string) (visor.Iteration, bool) {
	list := s.outputs[name]
	if len(list) == 0 {
		return visor.Iteration{}, false
	}
	return list[len(list)-1], true
}

// All returns every committed iteration for a check, in commit order.
func (s *Snapshot) All(name string) []visor.Iteration {
	return s.outputs[name]
}

// OutputsMap builds the `outputs[name] -> output` view exposed to
// expressions and provider inputs, using the last committed output per
// name.
func (s *Snapshot) OutputsMap() map[string]any {
	out := make(map[string]any, len(s.outputs))
	for name := range s.outputs {
		if last, ok := s.Last(name); ok {
			out[name] = last.Output
		}
	}
	return out
}

// StatusOf returns the terminal status of the most recent iteration of
// name, used by the graph's dependency-satisfaction checks.
func (h *History) StatusOf(name string) (visor.IterationStatus, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	list := h.byName[name]
	if len(list) == 0 {
		return "", false
	}
	last := list[len(list)-1]
	if !last.Terminal() {
		return "", false
	}
	return last.Status, true
}

// SkipReasonOf returns the skip reason of the most recent iteration of
// name, if it is terminally Skipped.
func (h *History) SkipReasonOf(name string) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	list := h.byName[name]
	if len(list) == 0 {
		return "", false
	}
	last := list[len(list)-1]
	if last.Status != visor.IterationSkipped {
		return "", false
	}
	return last.SkipReason, true
}

// Count returns the number of committed iterations for a check.
func (h *History) Count(name string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byName[name])
}
