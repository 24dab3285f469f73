package app

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mechatroNick/dagster/internal/domain"
)

// StepExecutor runs a single step: input retrieval, computation, output
// persistence. It emits GET events in input declaration order before the
// computation and SET events in output declaration order after each value
// has been durably persisted. It does not emit step lifecycle events; that
// is the coordinator's job.
type StepExecutor struct {
	workflow *domain.Workflow
	events   domain.EventLog
}

func NewStepExecutor(workflow *domain.Workflow, events domain.EventLog) *StepExecutor {
	return &StepExecutor{workflow: workflow, events: events}
}

// ExecuteStep runs one step for the run. Outputs commit independently: a
// failure after some outputs were persisted leaves their SET events valid
// and does not roll anything back.
func (e *StepExecutor) ExecuteStep(ctx context.Context, run *domain.Run, step *domain.StepDef) error {
	inputs := make(map[string]json.RawMessage, len(step.Inputs))
	for _, in := range step.Inputs {
		value, key, slot, err := e.getInput(ctx, run, step, in)
		if err != nil {
			return err
		}
		inputs[in.Name] = value

		payload := domain.MarshalPayload(domain.ArtifactOpPayload{
			Slot:         in.Name,
			UpstreamStep: in.UpstreamStep,
			Key:          key.String(),
			ManagerKey:   slot.ManagerKey,
		})
		if _, err := e.events.Append(ctx, run.ID, domain.EventKindGetArtifact, step.Key, payload); err != nil {
			return fmt.Errorf("appending GET event for step %q: %w", step.Key, err)
		}
	}

	outputs, err := step.Compute(ctx, inputs)
	if err != nil {
		return fmt.Errorf("step %q computation failed: %w", step.Key, err)
	}

	for _, slot := range step.Outputs {
		value, produced := outputs[slot.Name]
		if !produced {
			if slot.Required {
				return fmt.Errorf("step %q did not produce required output %q", step.Key, slot.Name)
			}
			// Optional output not produced: success with zero SET events.
			continue
		}

		key := domain.ResolveKey(run.ID, step.Key, slot)
		manager := e.workflow.ManagerFor(slot)
		materializations, err := manager.Set(ctx, key, value)
		if err != nil {
			return fmt.Errorf("persisting output %q of step %q: %w", slot.Name, step.Key, err)
		}
		for _, m := range materializations {
			if _, err := e.events.Append(ctx, run.ID, domain.EventKindMaterialization, step.Key, domain.MarshalPayload(m)); err != nil {
				return fmt.Errorf("appending materialization event for step %q: %w", step.Key, err)
			}
		}

		payload := domain.MarshalPayload(domain.ArtifactOpPayload{
			Slot:       slot.Name,
			Key:        key.String(),
			ManagerKey: slot.ManagerKey,
		})
		if _, err := e.events.Append(ctx, run.ID, domain.EventKindSetArtifact, step.Key, payload); err != nil {
			return fmt.Errorf("appending SET event for step %q: %w", step.Key, err)
		}
	}
	return nil
}

// getInput resolves the bound upstream output slot and retrieves its value.
func (e *StepExecutor) getInput(ctx context.Context, run *domain.Run, step *domain.StepDef, in domain.InputSlot) (json.RawMessage, domain.Key, domain.OutputSlot, error) {
	producer, ok := e.workflow.Step(in.UpstreamStep)
	if !ok {
		return nil, domain.Key{}, domain.OutputSlot{}, fmt.Errorf("step %q input %q references unknown step %q", step.Key, in.Name, in.UpstreamStep)
	}
	outputName := in.UpstreamOutput
	if outputName == "" {
		outputName = domain.DefaultOutputName
	}
	slot, ok := producer.Output(outputName)
	if !ok {
		return nil, domain.Key{}, domain.OutputSlot{}, fmt.Errorf("step %q input %q references unknown output %q", step.Key, in.Name, outputName)
	}

	key := domain.ResolveKey(run.ID, in.UpstreamStep, slot)
	value, err := e.workflow.ManagerFor(slot).Get(ctx, key)
	if err != nil {
		if isNotFound(err) {
			return nil, domain.Key{}, domain.OutputSlot{}, &domain.MissingUpstreamArtifactError{
				StepKey:   step.Key,
				InputName: in.Name,
				Key:       key,
			}
		}
		return nil, domain.Key{}, domain.OutputSlot{}, fmt.Errorf("retrieving input %q of step %q: %w", in.Name, step.Key, err)
	}
	return value, key, slot, nil
}
