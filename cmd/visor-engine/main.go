// Command visor-engine is a thin driver around pkg/engine: it loads a
// YAML check catalog, wires the builtin providers and an NDJSON
// frontend, fires one trigger, and prints the resulting run status.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"

	"github.com/probelabs/visor/internal/catalogyaml"
	"github.com/probelabs/visor/internal/engineconfig"
	"github.com/probelabs/visor/internal/runlog"
	"github.com/probelabs/visor/pkg/bus"
	"github.com/probelabs/visor/pkg/engine"
	"github.com/probelabs/visor/pkg/human"
	"github.com/probelabs/visor/pkg/provider"
	"github.com/probelabs/visor/pkg/session"
	"github.com/probelabs/visor/pkg/visor"
)

const usage = `visor-engine - run a check catalog against one trigger event

USAGE:
    visor-engine run -config <file> [options]

OPTIONS:
    -config <file>       YAML catalog file (required)
    -event <kind>        Trigger event kind (default: manual)
    -checks <list>       Comma-separated check names, or "all" (default: all)
    -tag-include <list>  Comma-separated tags to require
    -tag-exclude <list>  Comma-separated tags to exclude
    -parallelism <n>     Max concurrent dispatches (default: from env or 3)
    -fail-fast           Stop scheduling new work after a critical failure
    -loop-budget <n>     Max iterations this run may schedule (default: from env or 1000)
    -args <list>         Comma-separated key=value pairs exposed to templates as {{args.key}}
    -frontend <kind>     "ndjson" or "none" (default: ndjson)
    -env <file>          .env file to load before reading VISOR_* variables

ENVIRONMENT VARIABLES:
    VISOR_MAX_PARALLELISM, VISOR_FAIL_FAST, VISOR_LOOP_BUDGET,
    VISOR_CHECK_TIMEOUT_MS, VISOR_EXPR_TIMEOUT_MS, VISOR_TAG_INCLUDE,
    VISOR_TAG_EXCLUDE, VISOR_FRONTENDS, VISOR_LOG_LEVEL, VISOR_LOG_FORMAT
`

func main() {
	if len(os.Args) < 2 || os.Args[1] != "run" {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "YAML catalog file (required)")
	eventFlag := fs.String("event", "manual", "Trigger event kind")
	checksFlag := fs.String("checks", "all", "Comma-separated check names, or \"all\"")
	tagInclude := fs.String("tag-include", "", "Comma-separated tags to require")
	tagExclude := fs.String("tag-exclude", "", "Comma-separated tags to exclude")
	parallelism := fs.Int("parallelism", 0, "Max concurrent dispatches")
	failFast := fs.Bool("fail-fast", false, "Stop scheduling new work after a critical failure")
	loopBudget := fs.Int("loop-budget", 0, "Max iterations this run may schedule")
	argsFlag := fs.String("args", "", "Comma-separated key=value pairs exposed to templates as {{args.key}}")
	frontendFlag := fs.String("frontend", "ndjson", "\"ndjson\" or \"none\"")
	envFile := fs.String("env", "", ".env file to load before reading VISOR_* variables")

	if err := fs.Parse(os.Args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		os.Exit(1)
	}

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "Error: -config is required")
		os.Exit(1)
	}

	cfg := engineconfig.Load(*envFile)
	logger := runlog.New(runlog.Options{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	runlog.SetDefault(logger)

	catalog, err := catalogyaml.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	trigger := visor.TriggerContext{
		Event:           visor.EventKind(*eventFlag),
		RequestedChecks: splitCSV(*checksFlag),
		Env:             envMap(),
		Args:            argsMap(*argsFlag),
	}

	runID := "run-" + uuid.NewString()
	humanCoord := human.NewCoordinator()
	eventBus := bus.New(runID, bus.WithLogger(logger))
	registry := provider.NewRegistry()
	if err := provider.RegisterBuiltins(registry, &provider.Coordinator{Human: humanCoord, Bus: eventBus}); err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to register providers: %v\n", err)
		os.Exit(1)
	}

	frontendKind := *frontendFlag
	frontendSet := false
	fs.Visit(func(f *flag.Flag) { frontendSet = frontendSet || f.Name == "frontend" })
	if !frontendSet && len(cfg.Frontends) > 0 {
		frontendKind = cfg.Frontends[0]
	}

	var frontends []bus.Frontend
	if strings.EqualFold(frontendKind, "ndjson") {
		ndjson := bus.NewNDJSONFrontend("ndjson", os.Stdout)
		frontends = append(frontends, ndjson)
		if err := eventBus.Register(ndjson); err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to register ndjson frontend: %v\n", err)
			os.Exit(1)
		}
	}

	host := bus.NewHost(logger, frontends...)
	host.Start(bus.FrontendContext{Bus: eventBus, Logger: logger, Run: bus.RunDescriptor{RunID: runID, Trigger: trigger}})
	defer host.Stop()

	dispatcher := provider.NewDispatcher(registry)
	evaluator := engine.NewEvaluator(cfg.ExprTimeout)
	sessions := session.NewRegistry()
	defer sessions.TearDown()

	eng := engine.New(dispatcher, evaluator, eventBus, logger)
	eng.Sessions = sessions

	maxParallelism := cfg.MaxParallelism
	if *parallelism > 0 {
		maxParallelism = *parallelism
	}
	budget := cfg.LoopBudget
	if *loopBudget > 0 {
		budget = *loopBudget
	}

	include := splitCSV(*tagInclude)
	if len(include) == 0 {
		include = cfg.TagInclude
	}
	exclude := splitCSV(*tagExclude)
	if len(exclude) == 0 {
		exclude = cfg.TagExclude
	}

	opts := visor.RunOptions{
		MaxParallelism: maxParallelism,
		FailFast:       *failFast || cfg.FailFast,
		LoopBudget:     budget,
		TimeoutMs:      cfg.CheckTimeout.Milliseconds(),
		TagFilter: visor.TagFilter{
			Include: include,
			Exclude: exclude,
		},
	}

	result := eng.Run(ctx, catalog, trigger, opts)
	eventBus.Shutdown()

	summary, _ := json.MarshalIndent(struct {
		Status string                      `json:"status"`
		Groups int                         `json:"result_groups"`
		Checks map[string]*visor.CheckStat `json:"checks"`
	}{
		Status: string(result.Status),
		Groups: len(result.Results),
		Checks: result.Statistics.PerCheck,
	}, "", "  ")
	fmt.Fprintln(os.Stderr, string(summary))

	switch result.Status {
	case visor.RunOK:
		os.Exit(0)
	case visor.RunFailed:
		os.Exit(1)
	default:
		os.Exit(2)
	}
}

func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func argsMap(s string) map[string]any {
	pairs := splitCSV(s)
	if len(pairs) == 0 {
		return nil
	}
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, found := strings.Cut(pair, "=")
		if !found || key == "" {
			continue
		}
		out[key] = value
	}
	return out
}

func envMap() map[string]string {
	out := make(map[string]string)
	for _, kv := range os.Environ() {
		if idx := strings.IndexByte(kv, '='); idx >= 0 {
			out[kv[:idx]] = kv[idx+1:]
		}
	}
	return out
}
