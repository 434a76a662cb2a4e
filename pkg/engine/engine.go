package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/probelabs/visor/internal/runlog"
	"github.com/probelabs/visor/pkg/bus"
	"github.com/probelabs/visor/pkg/provider"
	"github.com/probelabs/visor/pkg/session"
	"github.com/probelabs/visor/pkg/tagfilter"
	"github.com/probelabs/visor/pkg/visor"
)

// Engine is the single entry point for a run: given a catalog, a
// trigger, and run options, it selects the eligible checks, builds
// their dependency graph, drives the Scheduler to completion, and
// returns an aggregated RunResult.
type Engine struct {
	Dispatcher *provider.Dispatcher
	Evaluator  *Evaluator
	Bus        *bus.Bus
	Logger     *runlog.Logger
	Sessions   *session.Registry // optional; enables reuse_ai_session resolution
}

// New builds an Engine from its collaborators. Bus and Logger may be
// nil; a nil Bus means no events are published, a nil Logger means
// scheduler diagnostics are dropped.
func New(dispatcher *provider.Dispatcher, evaluator *Evaluator, eventBus *bus.Bus, logger *runlog.Logger) *Engine {
	return &Engine{Dispatcher: dispatcher, Evaluator: evaluator, Bus: eventBus, Logger: logger}
}

// Run executes one trigger against a catalog and returns once every
// reachable check has settled.
func (e *Engine) Run(ctx context.Context, catalog visor.Catalog, trigger visor.TriggerContext, opts visor.RunOptions) visor.RunResult {
	if e.Bus != nil {
		e.Bus.Publish(bus.KindRunStarted, map[string]any{"event": string(trigger.Event), "actor": trigger.Actor})
	}

	filter := mergeTagFilters(trigger.TagFilter, opts.TagFilter)
	requested := trigger.RequestedChecks
	if len(opts.Checks) > 0 {
		requested = opts.Checks
	}
	seed, excluded := tagfilter.Partition(catalog, requested, trigger.Event, filter)

	graph, err := BuildGraph(catalog, seed)
	if err != nil {
		result := visor.RunResult{
			Status:     visor.RunError,
			Err:        toVisorError(err),
			Statistics: visor.Statistics{PerCheck: map[string]*visor.CheckStat{}},
		}
		e.publishRunCompleted(result)
		return result
	}

	history := NewHistory()
	scheduler := NewScheduler(ctx, catalog, graph, e.Dispatcher, e.Evaluator, history, e.Bus, e.Logger, e.Sessions, trigger, opts)
	scheduler.CommitExcluded(excluded)
	scheduler.Run()

	status := visor.RunOK
	var runErr *visor.Error
	if fatal := scheduler.FatalError(); fatal != nil {
		// Loop-budget trips count as a failed run, not an error: the run
		// proceeded, it just exceeded its bound. "error" is reserved for
		// runs that could not proceed at all.
		if fatal.Kind == visor.KindLoopBudgetExceeded {
			status = visor.RunFailed
		} else {
			status = visor.RunError
		}
		runErr = fatal
	} else if scheduler.CriticalFailureOccurred() {
		status = visor.RunFailed
	}

	perCheck := scheduler.Stats()
	result := visor.RunResult{
		Status:     status,
		Results:    buildResults(catalog, history),
		Statistics: visor.Statistics{Totals: totalsOf(perCheck), PerCheck: perCheck},
		Err:        runErr,
	}
	e.logSummary(result)
	e.publishRunCompleted(result)
	return result
}

// logSummary emits the execution summary table as a single log line at
// run end; it intentionally bypasses the bus.
func (e *Engine) logSummary(result visor.RunResult) {
	if e.Logger == nil {
		return
	}
	names := make([]string, 0, len(result.Statistics.PerCheck))
	for name := range result.Statistics.PerCheck {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		stat := result.Statistics.PerCheck[name]
		fmt.Fprintf(&b, "%s runs=%d ok=%d failed=%d skipped=%d duration=%dms; ",
			name, stat.TotalRuns, stat.SuccessfulRuns, stat.FailedRuns, stat.Skipped, stat.TotalDurationMs)
	}
	totals := result.Statistics.Totals
	e.Logger.Info("execution summary",
		"status", string(result.Status),
		"checks", totals.Checks,
		"runs", totals.Runs,
		"failed", totals.FailedRuns,
		"skipped", totals.Skipped,
		"table", strings.TrimSuffix(b.String(), "; "))
}

// totalsOf folds per-check statistics into the run-level totals row.
func totalsOf(perCheck map[string]*visor.CheckStat) visor.RunTotals {
	totals := visor.RunTotals{Checks: len(perCheck)}
	for _, stat := range perCheck {
		totals.Runs += stat.TotalRuns
		totals.SuccessfulRuns += stat.SuccessfulRuns
		totals.FailedRuns += stat.FailedRuns
		totals.Skipped += stat.Skipped
		totals.TotalDurationMs += stat.TotalDurationMs
		totals.IssuesFound += stat.IssuesFound
	}
	return totals
}

func (e *Engine) publishRunCompleted(result visor.RunResult) {
	if e.Bus == nil {
		return
	}
	e.Bus.Publish(bus.KindRunCompleted, map[string]any{"status": string(result.Status)})
}

func toVisorError(err error) *visor.Error {
	if verr, ok := err.(*visor.Error); ok {
		return verr
	}
	return visor.NewError(visor.KindConfigUnknownCheck, err.Error())
}

// mergeTagFilters unions a trigger's own tag filter with the run
// option's override: excludes from either side apply, includes from
// either side are additive.
func mergeTagFilters(a, b visor.TagFilter) visor.TagFilter {
	return visor.TagFilter{
		Include: append(append([]string{}, a.Include...), b.Include...),
		Exclude: append(append([]string{}, a.Exclude...), b.Exclude...),
	}
}

// buildResults renders the final per-group result entries from the
// journal's last iteration per check. Internal-criticality checks never
// appear in rendered output, and skipped checks contribute no entry --
// their outcome is visible only in Statistics.
func buildResults(catalog visor.Catalog, history *History) map[string][]visor.ResultEntry {
	snapshot := history.Snapshot()
	out := make(map[string][]visor.ResultEntry)

	for name, check := range catalog {
		if check.Criticality == visor.CriticalityInternal {
			continue
		}
		last, ok := snapshot.Last(name)
		if !ok {
			continue
		}
		switch last.Status {
		case visor.IterationSucceeded:
			group := groupNameOf(check)
			out[group] = append(out[group], visor.ResultEntry{
				CheckName: name,
				Content:   last.Content,
				Issues:    last.Issues,
				Output:    last.Output,
			})
		case visor.IterationFailed, visor.IterationCancelled:
			group := groupNameOf(check)
			issues := last.Issues
			if last.Err != nil {
				issues = append(append([]visor.Issue{}, issues...), visor.Issue{
					Severity: visor.SeverityError,
					RuleID:   string(last.Err.Kind),
					Message:  last.Err.Message,
				})
			}
			out[group] = append(out[group], visor.ResultEntry{
				CheckName: name,
				Issues:    issues,
			})
		}
	}
	return out
}

func groupNameOf(check *visor.Check) string {
	if check.Group != "" {
		return check.Group
	}
	return "default"
}
