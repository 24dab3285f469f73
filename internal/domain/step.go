package domain

import (
	"context"
	"encoding/json"
)

// DefaultOutputName is used when a step declares no output slots.
const DefaultOutputName = "result"

// DefaultManagerKey selects the workflow's default artifact manager.
const DefaultManagerKey = "default"

// ComputeFunc is a step's computation. Inputs are keyed by input slot name;
// the returned map is keyed by output slot name. An optional output that the
// computation did not produce is simply absent from the returned map.
type ComputeFunc func(ctx context.Context, inputs map[string]json.RawMessage) (map[string]json.RawMessage, error)

type OutputSlot struct {
	Name string
	// ManagerKey selects the artifact manager configured on the workflow.
	// Empty means the default manager.
	ManagerKey string
	Required   bool
	// Path, when set, makes the slot path-scoped: its artifact key is the
	// path verbatim and carries no run id.
	Path     string
	Metadata map[string]string
}

type InputSlot struct {
	Name           string
	UpstreamStep   string
	UpstreamOutput string
}

type StepDef struct {
	Key string
	// Upstream lists dependency step keys in declaration order. Steps
	// referenced by input slots are added automatically at build time.
	Upstream []string
	Inputs   []InputSlot
	Outputs  []OutputSlot
	Compute  ComputeFunc
}

// Output returns the named output slot.
func (d *StepDef) Output(name string) (OutputSlot, bool) {
	for _, slot := range d.Outputs {
		if slot.Name == name {
			return slot, true
		}
	}
	return OutputSlot{}, false
}

// RequiredOutputs returns the step's required output slots in declaration order.
func (d *StepDef) RequiredOutputs() []OutputSlot {
	var out []OutputSlot
	for _, slot := range d.Outputs {
		if slot.Required {
			out = append(out, slot)
		}
	}
	return out
}

// Workflow is an immutable, validated step graph plus its artifact manager
// configuration. Safe for concurrent read access.
type Workflow struct {
	name     string
	steps    []*StepDef
	byKey    map[string]*StepDef
	managers map[string]ArtifactManager
}

func (w *Workflow) Name() string { return w.name }

// Steps returns the step definitions in declaration order.
func (w *Workflow) Steps() []*StepDef { return w.steps }

func (w *Workflow) Step(key string) (*StepDef, bool) {
	s, ok := w.byKey[key]
	return s, ok
}

// ManagerFor returns the artifact manager attached to the slot.
func (w *Workflow) ManagerFor(slot OutputSlot) ArtifactManager {
	key := slot.ManagerKey
	if key == "" {
		key = DefaultManagerKey
	}
	return w.managers[key]
}
