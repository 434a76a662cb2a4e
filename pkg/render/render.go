// Package render resolves `{{root.path}}` placeholders in a check's
// configured prompts, URLs, and command strings against `pr`, `files`,
// `outputs[name]`, `env`, `args`, and (for forEach children) `item`.
// The root set is fixed; there is no wider templating language.
package render

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/probelabs/visor/pkg/visor"
)

// Context is the root set of values a resolvedInputs template may
// reference.
type Context struct {
	PR      *visor.PRPayload
	Files   []visor.FileDiff
	Outputs map[string]any
	Item    any
	Env     map[string]string
	Args    map[string]any
}

// ErrVariableNotFound reports that a template referenced a variable this
// context has no value for.
type ErrVariableNotFound struct {
	Ref string
}

func (e *ErrVariableNotFound) Error() string {
	return fmt.Sprintf("%s: variable not found", e.Ref)
}

// Render substitutes every `{{...}}` placeholder in tmpl using ctx,
// returning a *visor.Error with kind "<checkName>/render-error" on the
// first failed resolution.
func Render(checkName, tmpl string, ctx Context) (string, *visor.Error) {
	var out strings.Builder
	i := 0
	for i < len(tmpl) {
		start := strings.Index(tmpl[i:], "{{")
		if start < 0 {
			out.WriteString(tmpl[i:])
			break
		}
		start += i
		out.WriteString(tmpl[i:start])

		end := strings.Index(tmpl[start:], "}}")
		if end < 0 {
			out.WriteString(tmpl[start:])
			break
		}
		end += start

		ref := strings.TrimSpace(tmpl[start+2 : end])
		value, err := resolve(ref, ctx)
		if err != nil {
			return "", visor.WrapError(visor.RenderErrorKind(checkName), "failed to render "+ref, err)
		}
		out.WriteString(toRenderString(value))
		i = end + 2
	}
	return out.String(), nil
}

func resolve(ref string, ctx Context) (any, error) {
	root, path, _ := strings.Cut(ref, ".")
	rootName := stripIndex(root)

	var value any
	var found bool

	switch rootName {
	case "pr":
		value, found = ctx.PR, ctx.PR != nil
	case "files":
		value, found = ctx.Files, true
	case "item":
		value, found = ctx.Item, true
	case "outputs":
		return resolveFromMap("outputs", ctx.Outputs, path)
	case "env":
		return resolveFromStringMap("env", ctx.Env, path)
	case "args":
		return resolveFromMap("args", ctx.Args, path)
	default:
		return nil, &ErrVariableNotFound{Ref: ref}
	}

	if !found {
		return nil, &ErrVariableNotFound{Ref: ref}
	}
	if idx, hasIdx := indexOf(root); hasIdx {
		v, err := indexInto(value, idx)
		if err != nil {
			return nil, err
		}
		value = v
	}
	if path == "" {
		return value, nil
	}
	return traverse(value, strings.Split(path, "."))
}

func resolveFromMap(name string, m map[string]any, path string) (any, error) {
	if path == "" {
		return m, nil
	}
	parts := strings.Split(path, ".")
	key := stripIndex(parts[0])
	v, ok := m[key]
	if !ok {
		return nil, &ErrVariableNotFound{Ref: name + "." + path}
	}
	if idx, hasIdx := indexOf(parts[0]); hasIdx {
		nv, err := indexInto(v, idx)
		if err != nil {
			return nil, err
		}
		v = nv
	}
	return traverse(v, parts[1:])
}

func resolveFromStringMap(name string, m map[string]string, path string) (any, error) {
	if path == "" {
		return m, nil
	}
	v, ok := m[path]
	if !ok {
		return nil, &ErrVariableNotFound{Ref: name + "." + path}
	}
	return v, nil
}

func traverse(value any, parts []string) (any, error) {
	current := value
	for _, part := range parts {
		if part == "" {
			continue
		}
		key := stripIndex(part)
		next, err := fieldOrKey(current, key)
		if err != nil {
			return nil, err
		}
		if idx, hasIdx := indexOf(part); hasIdx {
			next, err = indexInto(next, idx)
			if err != nil {
				return nil, err
			}
		}
		current = next
	}
	return current, nil
}

func fieldOrKey(value any, key string) (any, error) {
	if m, ok := value.(map[string]any); ok {
		v, ok := m[key]
		if !ok {
			return nil, &ErrVariableNotFound{Ref: key}
		}
		return v, nil
	}

	rv := reflect.ValueOf(value)
	for rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return nil, &ErrVariableNotFound{Ref: key}
		}
		rv = rv.Elem()
	}
	if rv.Kind() == reflect.Struct {
		field := rv.FieldByNameFunc(func(n string) bool {
			return strings.EqualFold(n, key)
		})
		if field.IsValid() {
			return field.Interface(), nil
		}
	}
	return nil, &ErrVariableNotFound{Ref: key}
}

func indexInto(value any, idx int) (any, error) {
	rv := reflect.ValueOf(value)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, fmt.Errorf("cannot index into %T", value)
	}
	if idx < 0 || idx >= rv.Len() {
		return nil, fmt.Errorf("index %d out of range", idx)
	}
	return rv.Index(idx).Interface(), nil
}

func stripIndex(part string) string {
	if i := strings.Index(part, "["); i >= 0 {
		return part[:i]
	}
	return part
}

func indexOf(part string) (int, bool) {
	start := strings.Index(part, "[")
	end := strings.Index(part, "]")
	if start < 0 || end < 0 || end < start {
		return 0, false
	}
	n, err := strconv.Atoi(part[start+1 : end])
	if err != nil {
		return 0, false
	}
	return n, true
}

func toRenderString(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case nil:
		return ""
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}
