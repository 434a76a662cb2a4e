package engine

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/probelabs/visor/pkg/visor"
)

// ConditionCache is a thread-safe LRU cache of compiled expr-lang
// programs, keyed by expression text.
type ConditionCache struct {
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List
	mu       sync.RWMutex
}

type cacheEntry struct {
	key     string
	program *vm.Program
}

// NewConditionCache creates a cache with the given capacity (100 if <= 0).
func NewConditionCache(capacity int) *ConditionCache {
	if capacity <= 0 {
		capacity = 100
	}
	return &ConditionCache{
		capacity: capacity,
		cache:    make(map[string]*list.Element),
		lruList:  list.New(),
	}
}

func (cc *ConditionCache) get(key string) (*vm.Program, bool) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	if element, found := cc.cache[key]; found {
		cc.lruList.MoveToFront(element)
		return element.Value.(*cacheEntry).program, true
	}
	return nil, false
}

func (cc *ConditionCache) put(key string, program *vm.Program) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	if element, found := cc.cache[key]; found {
		cc.lruList.MoveToFront(element)
		element.Value.(*cacheEntry).program = program
		return
	}
	element := cc.lruList.PushFront(&cacheEntry{key: key, program: program})
	cc.cache[key] = element
	if cc.lruList.Len() > cc.capacity {
		oldest := cc.lruList.Back()
		if oldest != nil {
			cc.lruList.Remove(oldest)
			delete(cc.cache, oldest.Value.(*cacheEntry).key)
		}
	}
}

// Len reports the number of cached programs.
func (cc *ConditionCache) Len() int {
	cc.mu.RLock()
	defer cc.mu.RUnlock()
	return cc.lruList.Len()
}

// compile compiles expr, with expr.AsBool() when asBool is set, caching
// each distinct (expr, asBool) combination separately since a boolean
// compile and a list-returning compile of the same text are different
// programs.
func (cc *ConditionCache) compile(source string, env map[string]any, asBool bool) (*vm.Program, error) {
	key := source
	if asBool {
		key = "bool:" + source
	} else {
		key = "raw:" + source
	}
	if program, ok := cc.get(key); ok {
		return program, nil
	}
	var opts []expr.Option
	opts = append(opts, expr.Env(env))
	if asBool {
		opts = append(opts, expr.AsBool())
	}
	program, err := expr.Compile(source, opts...)
	if err != nil {
		return nil, err
	}
	cc.put(key, program)
	return program, nil
}

// Evaluator evaluates every user expression the engine accepts -- if,
// fail_if, run_js/goto_js, and forEach's iterable expression -- against
// the same read-only, sandboxed context, under a hard wall-clock
// timeout so a misbehaving expression cannot hang a worker.
type Evaluator struct {
	cache   *ConditionCache
	timeout time.Duration
}

// NewEvaluator creates an Evaluator with the given expression timeout
// (5s if timeout <= 0).
func NewEvaluator(timeout time.Duration) *Evaluator {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Evaluator{cache: NewConditionCache(256), timeout: timeout}
}

// Context is the read-only environment expressions evaluate against.
type Context struct {
	PR        any
	Files     any
	Outputs   map[string]any
	Output    any
	Item      any
	Env       map[string]string
	CheckName string
	Iteration int
}

func (c Context) toEnv() map[string]any {
	return map[string]any{
		"pr":        c.PR,
		"files":     c.Files,
		"outputs":   c.Outputs,
		"output":    c.Output,
		"item":      c.Item,
		"env":       c.Env,
		"checkName": c.CheckName,
		"iteration": c.Iteration,
		"now":       time.Now,
	}
}

// run executes a compiled program on a goroutine bounded by a
// context.WithTimeout; an expression that outlives the budget is
// abandoned and reported as expr/timeout.
func (e *Evaluator) run(program *vm.Program, env map[string]any) (any, *visor.Error) {
	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()

	type outcome struct {
		val any
		err error
	}
	resultCh := make(chan outcome, 1)
	go func() {
		v, err := expr.Run(program, env)
		resultCh <- outcome{v, err}
	}()

	select {
	case <-ctx.Done():
		return nil, visor.NewError(visor.KindExprTimeout, "expression evaluation timed out")
	case out := <-resultCh:
		if out.err != nil {
			return nil, visor.WrapError(visor.KindExprRuntime, "expression evaluation failed", out.err)
		}
		return out.val, nil
	}
}

// EvalBool evaluates `if`/`fail_if`-shaped boolean expressions. An empty
// expression is treated as true (if) — callers needing fail_if's
// "empty means never fail" semantics should check emptiness themselves.
func (e *Evaluator) EvalBool(source string, ctx Context) (bool, *visor.Error) {
	if source == "" {
		return true, nil
	}
	env := ctx.toEnv()
	program, err := e.cache.compile(source, env, true)
	if err != nil {
		return false, visor.WrapError(visor.KindExprType, "condition failed to compile", err)
	}
	result, verr := e.run(program, env)
	if verr != nil {
		return false, verr
	}
	b, ok := result.(bool)
	if !ok {
		return false, visor.NewError(visor.KindExprType, fmt.Sprintf("expression must return boolean, got %T", result))
	}
	return b, nil
}

// EvalStringList evaluates run_js/goto_js-shaped expressions, coercing
// the result to []string.
func (e *Evaluator) EvalStringList(source string, ctx Context) ([]string, *visor.Error) {
	if source == "" {
		return nil, nil
	}
	env := ctx.toEnv()
	program, err := e.cache.compile(source, env, false)
	if err != nil {
		return nil, visor.WrapError(visor.KindExprType, "routing expression failed to compile", err)
	}
	result, verr := e.run(program, env)
	if verr != nil {
		return nil, verr
	}
	return coerceStringList(result)
}

// EvalIterable evaluates a forEach expression and normalizes the result
// to a sequence. Non-array scalars are rejected with forEach/invalid.
func (e *Evaluator) EvalIterable(source string, ctx Context) ([]any, *visor.Error) {
	env := ctx.toEnv()
	program, err := e.cache.compile(source, env, false)
	if err != nil {
		return nil, visor.WrapError(visor.KindForEachInvalid, "forEach expression failed to compile", err)
	}
	result, verr := e.run(program, env)
	if verr != nil {
		return nil, visor.WrapError(visor.KindForEachInvalid, "forEach expression failed to evaluate", verr)
	}
	switch v := result.(type) {
	case []any:
		return v, nil
	case []string:
		out := make([]any, len(v))
		for i, s := range v {
			out[i] = s
		}
		return out, nil
	default:
		return nil, visor.NewError(visor.KindForEachInvalid, fmt.Sprintf("forEach expression must yield an array, got %T", result))
	}
}

func coerceStringList(result any) ([]string, *visor.Error) {
	switch v := result.(type) {
	case []string:
		return v, nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, visor.NewError(visor.KindExprType, fmt.Sprintf("routing expression list must contain strings, got %T", item))
			}
			out = append(out, s)
		}
		return out, nil
	case nil:
		return nil, nil
	default:
		return nil, visor.NewError(visor.KindExprType, fmt.Sprintf("routing expression must return a list of strings, got %T", result))
	}
}
