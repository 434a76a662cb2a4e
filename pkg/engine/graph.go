package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/probelabs/visor/pkg/visor"
)

// Graph is the dependency-aware closure computed by BuildGraph: an
// ordered set of check names plus wave groupings usable directly by the
// scheduler's parallelism pool, with name-keyed adjacency and
// OR-dependency groups.
type Graph struct {
	Names    []string              // full closure, in wave then name order
	Waves    [][]string            // each wave: names whose dependency groups are all satisfiable by earlier waves
	Deps     map[string][][]string // name -> AND-of-OR dependency groups
	Deferred map[string]bool       // names removed from the initial schedule, triggered later by on_finish
}

// ParseDependsOn splits each raw depends_on entry on "|" to produce the
// AND-of-OR group shape: every element of the outer slice must have at
// least one member reach a terminal state, and all outer elements must
// be satisfied.
func ParseDependsOn(raw []string) [][]string {
	groups := make([][]string, 0, len(raw))
	for _, entry := range raw {
		members := strings.Split(entry, "|")
		for i := range members {
			members[i] = strings.TrimSpace(members[i])
		}
		groups = append(groups, members)
	}
	return groups
}

// BuildGraph computes the transitive dependency closure of the requested
// (already tag/event-filtered) check names and orders it into waves.
// Dependencies drawn in by closure are not re-filtered by the tag/event
// filter; they run because something eligible required them.
func BuildGraph(catalog visor.Catalog, seed []string) (*Graph, error) {
	deps := make(map[string][][]string, len(catalog))
	closure := make(map[string]bool)

	var visit func(name string) error
	var queue []string
	enqueue := func(name string) {
		if !closure[name] {
			closure[name] = true
			queue = append(queue, name)
		}
	}

	for _, n := range seed {
		enqueue(n)
	}

	visit = func(name string) error {
		check, ok := catalog[name]
		if !ok {
			return visor.NewError(visor.KindConfigUnknownCheck, name)
		}
		if check.ForEach != "" {
			// forEach children are launched per item, never as standalone
			// schedule entries, so they are validated here rather than
			// drawn into the closure.
			for _, childName := range check.Children {
				if _, ok := catalog[childName]; !ok {
					return visor.NewError(visor.KindConfigInvalidForEach, fmt.Sprintf("%s: unknown child %s", name, childName))
				}
			}
		}
		groups := ParseDependsOn(check.DependsOn)
		deps[name] = groups
		for _, group := range groups {
			for _, member := range group {
				if member == "" {
					continue
				}
				if _, ok := catalog[member]; !ok {
					return visor.NewError(visor.KindConfigUnknownCheck, member)
				}
				enqueue(member)
			}
		}
		return nil
	}

	for i := 0; i < len(queue); i++ {
		if err := visit(queue[i]); err != nil {
			return nil, err
		}
	}

	names := make([]string, 0, len(closure))
	for n := range closure {
		names = append(names, n)
	}
	sort.Strings(names)

	depth, err := computeDepths(names, deps)
	if err != nil {
		return nil, err
	}

	maxDepth := 0
	for _, d := range depth {
		if d > maxDepth {
			maxDepth = d
		}
	}
	waves := make([][]string, maxDepth+1)
	for _, n := range names {
		waves[depth[n]] = append(waves[depth[n]], n)
	}
	for i := range waves {
		sort.Strings(waves[i])
	}
	ordered := make([]string, 0, len(names))
	for _, wave := range waves {
		ordered = append(ordered, wave...)
	}

	g := &Graph{
		Names:    ordered,
		Waves:    waves,
		Deps:     deps,
		Deferred: make(map[string]bool),
	}
	g.deferOnFinishTargets(catalog)
	return g, nil
}

// computeDepths assigns each name a wave index: one more than the
// longest chain of AND-required dependency groups, where an OR-group's
// contribution is the *minimum* depth among its members (any one
// suffices). Cycle detection uses a three-color visiting set during the
// walk.
func computeDepths(names []string, deps map[string][][]string) (map[string]int, error) {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(names))
	depth := make(map[string]int, len(names))

	var walk func(name string) (int, error)
	walk = func(name string) (int, error) {
		switch color[name] {
		case black:
			return depth[name], nil
		case gray:
			return 0, visor.NewError(visor.KindConfigCycle, name)
		}
		color[name] = gray

		groups := deps[name]
		d := 0
		for _, group := range groups {
			if len(group) == 0 {
				continue
			}
			minMember := -1
			for _, member := range group {
				md, err := walk(member)
				if err != nil {
					return 0, err
				}
				if minMember < 0 || md < minMember {
					minMember = md
				}
			}
			if minMember+1 > d {
				d = minMember + 1
			}
		}

		color[name] = black
		depth[name] = d
		return d, nil
	}

	for _, n := range names {
		if _, err := walk(n); err != nil {
			return nil, err
		}
	}
	return depth, nil
}

// deferOnFinishTargets removes on_finish targets from the initial
// schedule: when a check in the closure names another closure member in
// its on_finish hooks, that target is left to be triggered when the
// declaring check's on_finish fires, preserving its after-everything
// contract.
func (g *Graph) deferOnFinishTargets(catalog visor.Catalog) {
	for _, name := range g.Names {
		check, ok := catalog[name]
		if !ok {
			continue
		}
		for _, target := range check.OnFinish.Run {
			if target == name {
				continue
			}
			if _, inClosure := catalog[target]; inClosure && contains(g.Names, target) {
				g.Deferred[target] = true
			}
		}
	}
	if len(g.Deferred) == 0 {
		return
	}
	for i, wave := range g.Waves {
		filtered := wave[:0:0]
		for _, n := range wave {
			if !g.Deferred[n] {
				filtered = append(filtered, n)
			}
		}
		g.Waves[i] = filtered
	}
}

func contains(list []string, target string) bool {
	for _, v := range list {
		if v == target {
			return true
		}
	}
	return false
}

// GroupsSatisfied reports whether every AND-group of name's dependencies
// has at least one member in a terminal state. statusOf must return the
// current terminal status of any already-started dependency (ok=false
// if it hasn't started/finished yet).
func GroupsSatisfied(groups [][]string, statusOf func(name string) (visor.IterationStatus, bool)) (bool, error) {
	for _, group := range groups {
		satisfied := false
		for _, member := range group {
			status, done := statusOf(member)
			if !done {
				continue
			}
			if status == visor.IterationSucceeded || status == visor.IterationFailed || status == visor.IterationSkipped || status == visor.IterationCancelled {
				satisfied = true
				break
			}
		}
		if !satisfied {
			return false, nil
		}
	}
	return true, nil
}
