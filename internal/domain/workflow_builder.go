package domain

// WorkflowBuilder assembles and validates a Workflow before any run starts.
// Step registration is static: the graph is built once and never mutated
// during execution.
type WorkflowBuilder struct {
	name        string
	steps       []StepDef
	managers    map[string]ArtifactManager
	bulkStorage string
}

func NewWorkflowBuilder(name string) *WorkflowBuilder {
	return &WorkflowBuilder{
		name:     name,
		managers: make(map[string]ArtifactManager),
	}
}

// AddManager registers an artifact manager under the given key. Use
// DefaultManagerKey for the manager that unkeyed output slots resolve to.
func (b *WorkflowBuilder) AddManager(key string, manager ArtifactManager) *WorkflowBuilder {
	b.managers[key] = manager
	return b
}

func (b *WorkflowBuilder) AddStep(def StepDef) *WorkflowBuilder {
	b.steps = append(b.steps, def)
	return b
}

// WithLegacyBulkStorage configures the legacy bulk intermediate store. It is
// incompatible with manager-keyed artifact storage; Build fails when both
// are configured.
func (b *WorkflowBuilder) WithLegacyBulkStorage(name string) *WorkflowBuilder {
	b.bulkStorage = name
	return b
}

func (b *WorkflowBuilder) Build() (*Workflow, error) {
	if b.name == "" {
		return nil, definitionf("workflow name is required")
	}
	if len(b.steps) == 0 {
		return nil, definitionf("workflow %q has no steps", b.name)
	}
	if b.bulkStorage != "" && len(b.managers) > 0 {
		return nil, &DefinitionError{
			Kind: ErrStorageConflict,
			Msg:  "workflow " + b.name + " configures artifact managers together with legacy bulk storage " + b.bulkStorage,
		}
	}

	byKey := make(map[string]*StepDef, len(b.steps))
	steps := make([]*StepDef, 0, len(b.steps))
	for i := range b.steps {
		def := b.steps[i]
		if def.Key == "" {
			return nil, definitionf("step key is required")
		}
		if _, exists := byKey[def.Key]; exists {
			return nil, definitionf("duplicate step key: %q", def.Key)
		}
		if def.Compute == nil {
			return nil, definitionf("step %q has no computation", def.Key)
		}
		if len(def.Outputs) == 0 {
			def.Outputs = []OutputSlot{{Name: DefaultOutputName, Required: true}}
		}
		step := def
		byKey[step.Key] = &step
		steps = append(steps, &step)
	}

	for _, step := range steps {
		seenOutputs := make(map[string]struct{}, len(step.Outputs))
		for _, slot := range step.Outputs {
			if slot.Name == "" {
				return nil, definitionf("step %q declares an unnamed output", step.Key)
			}
			if _, dup := seenOutputs[slot.Name]; dup {
				return nil, definitionf("step %q declares duplicate output %q", step.Key, slot.Name)
			}
			seenOutputs[slot.Name] = struct{}{}

			managerKey := slot.ManagerKey
			if managerKey == "" {
				managerKey = DefaultManagerKey
			}
			if _, ok := b.managers[managerKey]; !ok {
				return nil, definitionf("step %q output %q references unknown manager %q", step.Key, slot.Name, managerKey)
			}
		}

		upstream := make([]string, 0, len(step.Upstream)+len(step.Inputs))
		seenUpstream := make(map[string]struct{})
		addUpstream := func(key string) {
			if _, ok := seenUpstream[key]; !ok {
				seenUpstream[key] = struct{}{}
				upstream = append(upstream, key)
			}
		}
		for _, key := range step.Upstream {
			if _, ok := byKey[key]; !ok {
				return nil, definitionf("step %q depends on unknown step %q", step.Key, key)
			}
			addUpstream(key)
		}
		for _, in := range step.Inputs {
			if in.Name == "" {
				return nil, definitionf("step %q declares an unnamed input", step.Key)
			}
			producer, ok := byKey[in.UpstreamStep]
			if !ok {
				return nil, definitionf("step %q input %q references unknown step %q", step.Key, in.Name, in.UpstreamStep)
			}
			outputName := in.UpstreamOutput
			if outputName == "" {
				outputName = DefaultOutputName
			}
			if _, ok := producer.Output(outputName); !ok {
				return nil, definitionf("step %q input %q references unknown output %q of step %q",
					step.Key, in.Name, outputName, in.UpstreamStep)
			}
			addUpstream(in.UpstreamStep)
		}
		step.Upstream = upstream
	}

	wf := &Workflow{
		name:     b.name,
		steps:    steps,
		byKey:    byKey,
		managers: b.managers,
	}
	if err := wf.validateAcyclic(); err != nil {
		return nil, err
	}
	return wf, nil
}

// validateAcyclic proves the graph has no cycles using Kahn's algorithm over
// declaration-order indices.
func (w *Workflow) validateAcyclic() error {
	index := make(map[string]int, len(w.steps))
	for i, s := range w.steps {
		index[s.Key] = i
	}

	indeg := make([]int, len(w.steps))
	dependents := make([][]int, len(w.steps))
	for i, s := range w.steps {
		for _, up := range s.Upstream {
			j := index[up]
			dependents[j] = append(dependents[j], i)
			indeg[i]++
		}
	}

	var ready []int
	for i := range indeg {
		if indeg[i] == 0 {
			ready = append(ready, i)
		}
	}
	visited := 0
	for len(ready) > 0 {
		n := ready[0]
		ready = ready[1:]
		visited++
		for _, m := range dependents[n] {
			indeg[m]--
			if indeg[m] == 0 {
				ready = append(ready, m)
			}
		}
	}
	if visited != len(w.steps) {
		var stuck []string
		for i, s := range w.steps {
			if indeg[i] > 0 {
				stuck = append(stuck, s.Key)
			}
		}
		return definitionf("workflow %q contains a dependency cycle involving %v", w.name, stuck)
	}
	return nil
}
