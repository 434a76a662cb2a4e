// Package catalogyaml loads a visor.Catalog from a YAML document. Check
// declarations are decoded into on-disk shapes first and converted, so
// YAML concerns (duration strings, scalar-or-list fields) never leak
// into the engine's data model.
package catalogyaml

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/probelabs/visor/pkg/visor"
)

// duration accepts Go duration strings ("100ms", "2s") as well as plain
// integers (interpreted as milliseconds).
type duration time.Duration

func (d *duration) UnmarshalYAML(node *yaml.Node) error {
	var asInt int64
	if err := node.Decode(&asInt); err == nil {
		*d = duration(time.Duration(asInt) * time.Millisecond)
		return nil
	}
	var asString string
	if err := node.Decode(&asString); err != nil {
		return fmt.Errorf("duration must be a string or integer: %w", err)
	}
	parsed, err := time.ParseDuration(asString)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", asString, err)
	}
	*d = duration(parsed)
	return nil
}

// retrySpec is the on-disk shape of a check's retry block.
type retrySpec struct {
	Max      int      `yaml:"max"`
	Base     duration `yaml:"base"`
	Cap      duration `yaml:"cap"`
	Jitter   bool     `yaml:"jitter"`
	Strategy string   `yaml:"strategy"`
	RetryOn  []string `yaml:"retry_on"`
}

// checkSpec is the on-disk shape of one check body.
type checkSpec struct {
	Type           string         `yaml:"type"`
	On             []string       `yaml:"on"`
	DependsOn      yaml.Node      `yaml:"depends_on"` // string or list of strings
	If             string         `yaml:"if"`
	FailIf         string         `yaml:"fail_if"`
	ForEach        string         `yaml:"forEach"`
	Children       []string       `yaml:"children"`
	OnSuccess      visor.Routing  `yaml:"on_success"`
	OnFail         visor.Routing  `yaml:"on_fail"`
	OnFinish       visor.Routing  `yaml:"on_finish"`
	Retry          *retrySpec     `yaml:"retry"`
	ReuseAISession string         `yaml:"reuse_ai_session"`
	Tags           []string       `yaml:"tags"`
	Criticality    string         `yaml:"criticality"`
	Timeout        duration       `yaml:"timeout"`
	Group          string         `yaml:"group"`
	Config         map[string]any `yaml:"config"`
}

// document is the on-disk shape: a map of check name to its body.
type document struct {
	Checks map[string]checkSpec `yaml:"checks"`
}

// Load reads a YAML catalog file from path and returns it as a
// visor.Catalog, with each Check's Name set from its map key.
func Load(path string) (visor.Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalogyaml: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a YAML catalog document already read into memory.
func Parse(data []byte) (visor.Catalog, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("catalogyaml: decode: %w", err)
	}

	catalog := make(visor.Catalog, len(doc.Checks))
	for name, spec := range doc.Checks {
		check, err := spec.toCheck(name)
		if err != nil {
			return nil, fmt.Errorf("catalogyaml: check %s: %w", name, err)
		}
		catalog[name] = check
	}
	return catalog, nil
}

func (spec checkSpec) toCheck(name string) (*visor.Check, error) {
	dependsOn, err := decodeDependsOn(spec.DependsOn)
	if err != nil {
		return nil, err
	}

	events := make([]visor.EventKind, 0, len(spec.On))
	for _, e := range spec.On {
		events = append(events, visor.EventKind(e))
	}

	criticality := visor.Criticality(spec.Criticality)
	if criticality == "" {
		criticality = visor.CriticalityNonCritical
	}

	check := &visor.Check{
		Name:           name,
		Type:           visor.CheckType(spec.Type),
		On:             events,
		DependsOn:      dependsOn,
		If:             spec.If,
		FailIf:         spec.FailIf,
		ForEach:        spec.ForEach,
		Children:       spec.Children,
		OnSuccess:      spec.OnSuccess,
		OnFail:         spec.OnFail,
		OnFinish:       spec.OnFinish,
		ReuseAISession: spec.ReuseAISession,
		Tags:           spec.Tags,
		Criticality:    criticality,
		Timeout:        time.Duration(spec.Timeout),
		Group:          spec.Group,
		Config:         spec.Config,
	}
	if spec.Retry != nil {
		check.Retry = &visor.RetryPolicy{
			Max:      spec.Retry.Max,
			Base:     time.Duration(spec.Retry.Base),
			Cap:      time.Duration(spec.Retry.Cap),
			Jitter:   spec.Retry.Jitter,
			Strategy: visor.BackoffStrategy(spec.Retry.Strategy),
			RetryOn:  spec.Retry.RetryOn,
		}
	}
	return check, nil
}

// decodeDependsOn accepts both the scalar and the list form of
// depends_on.
func decodeDependsOn(node yaml.Node) ([]string, error) {
	switch node.Kind {
	case 0: // absent
		return nil, nil
	case yaml.ScalarNode:
		var single string
		if err := node.Decode(&single); err != nil {
			return nil, fmt.Errorf("depends_on: %w", err)
		}
		if single == "" {
			return nil, nil
		}
		return []string{single}, nil
	default:
		var list []string
		if err := node.Decode(&list); err != nil {
			return nil, fmt.Errorf("depends_on: %w", err)
		}
		return list, nil
	}
}
