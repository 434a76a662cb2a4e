package engine

import (
	"errors"
	"testing"
	"time"

	"github.com/probelabs/visor/pkg/visor"
)

func TestConditionCache_Eviction(t *testing.T) {
	t.Parallel()

	cache := NewConditionCache(2)
	env := map[string]any{"x": 0}

	if _, err := cache.compile("x > 1", env, true); err != nil {
		t.Fatalf("compile: %v", err)
	}
	if _, err := cache.compile("x > 2", env, true); err != nil {
		t.Fatalf("compile: %v", err)
	}
	if cache.Len() != 2 {
		t.Errorf("expected cache length 2, got %d", cache.Len())
	}

	if _, err := cache.compile("x > 3", env, true); err != nil {
		t.Fatalf("compile: %v", err)
	}
	if cache.Len() != 2 {
		t.Errorf("expected cache length 2 after eviction, got %d", cache.Len())
	}
}

func TestConditionCache_BoolAndRawCompilesAreDistinct(t *testing.T) {
	t.Parallel()

	cache := NewConditionCache(10)
	env := map[string]any{"x": 0}

	if _, err := cache.compile("x", env, true); err == nil {
		// x is an int; AsBool must reject it at compile time.
		t.Error("expected AsBool compile of a non-boolean expression to fail")
	}
	if _, err := cache.compile("x", env, false); err != nil {
		t.Errorf("raw compile of the same text should succeed: %v", err)
	}
}

func TestEvaluator_EvalBool(t *testing.T) {
	t.Parallel()

	e := NewEvaluator(0)
	ctx := Context{
		Outputs:   map[string]any{"lint": map[string]any{"errors": 3}},
		Env:       map[string]string{"CI": "true"},
		CheckName: "gate",
		Iteration: 0,
	}

	tests := []struct {
		expr string
		want bool
	}{
		{"", true},
		{"outputs.lint.errors > 2", true},
		{"outputs.lint.errors > 5", false},
		{`env.CI == "true"`, true},
		{`checkName == "gate"`, true},
	}
	for _, tt := range tests {
		got, err := e.EvalBool(tt.expr, ctx)
		if err != nil {
			t.Errorf("EvalBool(%q): %v", tt.expr, err)
			continue
		}
		if got != tt.want {
			t.Errorf("EvalBool(%q) = %v, want %v", tt.expr, got, tt.want)
		}
	}
}

func TestEvaluator_EvalBool_TypeError(t *testing.T) {
	t.Parallel()

	e := NewEvaluator(0)
	_, err := e.EvalBool("1 + 1", Context{})
	var verr *visor.Error
	if !errors.As(err, &verr) || verr.Kind != visor.KindExprType {
		t.Errorf("expected expr/type, got %v", err)
	}
}

func TestEvaluator_EvalStringList(t *testing.T) {
	t.Parallel()

	e := NewEvaluator(0)
	ctx := Context{Output: map[string]any{"next": "deploy"}}

	got, err := e.EvalStringList(`["a", output.next]`, ctx)
	if err != nil {
		t.Fatalf("EvalStringList: %v", err)
	}
	if len(got) != 2 || got[0] != "a" || got[1] != "deploy" {
		t.Errorf("EvalStringList = %v, want [a deploy]", got)
	}

	if _, err := e.EvalStringList("[1, 2]", ctx); err == nil {
		t.Error("expected type error for a non-string list")
	}

	empty, err := e.EvalStringList("", ctx)
	if err != nil || empty != nil {
		t.Errorf("empty expression should yield (nil, nil), got (%v, %v)", empty, err)
	}
}

func TestEvaluator_EvalIterable(t *testing.T) {
	t.Parallel()

	e := NewEvaluator(0)

	items, err := e.EvalIterable("output", Context{Output: []any{"x", "y"}})
	if err != nil {
		t.Fatalf("EvalIterable: %v", err)
	}
	if len(items) != 2 {
		t.Errorf("expected 2 items, got %v", items)
	}

	// Non-array scalars are rejected as forEach/invalid.
	_, err = e.EvalIterable("42", Context{})
	var verr *visor.Error
	if !errors.As(err, &verr) || verr.Kind != visor.KindForEachInvalid {
		t.Errorf("expected forEach/invalid for a scalar, got %v", err)
	}
}

func TestEvaluator_Timeout(t *testing.T) {
	t.Parallel()

	e := NewEvaluator(time.Millisecond)
	// A wide all() scan comfortably outlasts a 1ms budget while staying
	// inside the expr VM's memory limit.
	_, err := e.EvalBool("all(1..900000, {# >= 0})", Context{})
	var verr *visor.Error
	if !errors.As(err, &verr) || verr.Kind != visor.KindExprTimeout {
		t.Errorf("expected expr/timeout, got %v", err)
	}
}
