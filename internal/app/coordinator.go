package app

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/mechatroNick/dagster/internal/domain"
)

func isNotFound(err error) bool {
	return errors.Is(err, domain.ErrArtifactNotFound)
}

// RunCoordinator drives the step executor over an execution plan for one
// run, emits step- and run-level events, and determines the terminal run
// status. Steps execute strictly sequentially in plan order so that the
// event log order matches emission order exactly.
type RunCoordinator struct {
	workflow *domain.Workflow
	events   domain.EventLog
	registry domain.RunRegistry
}

func NewRunCoordinator(workflow *domain.Workflow, events domain.EventLog, registry domain.RunRegistry) *RunCoordinator {
	return &RunCoordinator{
		workflow: workflow,
		events:   events,
		registry: registry,
	}
}

// ExecuteRun executes the run to a terminal status.
//
// On cooperative termination (context cancellation) it returns the context
// error without writing a terminal status or event; classification of that
// exit belongs to the launcher, which attributes it to the termination
// request.
func (c *RunCoordinator) ExecuteRun(ctx context.Context, run *domain.Run) (domain.RunStatus, error) {
	if err := c.registry.SetRunStatus(ctx, run.ID, domain.RunStatusStarted); err != nil {
		return domain.RunStatusFailure, fmt.Errorf("marking run %s started: %w", run.ID, err)
	}
	if _, err := c.events.Append(ctx, run.ID, domain.EventKindRunStart, "", nil); err != nil {
		return domain.RunStatusFailure, err
	}

	// Subset validation is fail-fast: no step runs when the plan is
	// unresolvable.
	plan, err := BuildExecutionPlan(ctx, c.workflow, run)
	if err != nil {
		return c.failRun(ctx, run, err), err
	}

	c.engineEvent(ctx, run.ID, "Executing steps in process for run "+run.ID)

	executor := NewStepExecutor(c.workflow, c.events)
	states := make(map[string]domain.StepState, len(plan.Steps))
	skipReasons := make(map[string]string)
	for _, ps := range plan.Steps {
		states[ps.Step.Key] = domain.StepStatePending
	}

	runFailed := false
	var firstFailure error
	for _, ps := range plan.Steps {
		if ctx.Err() != nil {
			return domain.RunStatusFailure, ctx.Err()
		}
		step := ps.Step

		if reason, ok := skipReasons[step.Key]; ok {
			c.skipStep(ctx, run.ID, step.Key, states, reason)
			continue
		}

		if !ps.Requested {
			materialized, err := stepMaterialized(ctx, c.workflow, run.ID, step)
			if err != nil {
				return c.failRun(ctx, run, err), err
			}
			if materialized {
				c.skipStep(ctx, run.ID, step.Key, states, domain.SkipReasonMaterialized)
				continue
			}
		}

		if unproduced, err := c.hasUnproducedOptionalInput(ctx, run, step); err != nil {
			return c.failRun(ctx, run, err), err
		} else if unproduced {
			c.skipStep(ctx, run.ID, step.Key, states, domain.SkipReasonUpstreamUnproduced)
			c.propagateSkip(plan, step.Key, skipReasons, domain.SkipReasonUpstreamUnproduced)
			continue
		}

		states[step.Key] = domain.StepStateRunning
		if _, err := c.events.Append(ctx, run.ID, domain.EventKindStepStart, step.Key, nil); err != nil {
			return domain.RunStatusFailure, err
		}

		if err := executor.ExecuteStep(ctx, run, step); err != nil {
			if ctx.Err() != nil {
				return domain.RunStatusFailure, ctx.Err()
			}
			log.Printf("Step %s failed in run %s: %v", step.Key, run.ID, err)
			states[step.Key] = domain.StepStateFailure
			payload := domain.MarshalPayload(domain.StepFailurePayload{Error: err.Error()})
			if _, appendErr := c.events.Append(ctx, run.ID, domain.EventKindStepFailure, step.Key, payload); appendErr != nil {
				return domain.RunStatusFailure, appendErr
			}
			runFailed = true
			if firstFailure == nil {
				firstFailure = err
			}
			// Dependents can no longer run; independent branches still do.
			c.propagateSkip(plan, step.Key, skipReasons, domain.SkipReasonUpstreamFailed)
			continue
		}

		states[step.Key] = domain.StepStateSuccess
		if _, err := c.events.Append(ctx, run.ID, domain.EventKindStepSuccess, step.Key, nil); err != nil {
			return domain.RunStatusFailure, err
		}
	}

	c.engineEvent(ctx, run.ID, "Finished steps in process for run "+run.ID)

	if runFailed {
		// Step failures are fully reported through the registry and event
		// log; the run itself still completed.
		return c.failRun(ctx, run, firstFailure), nil
	}

	if _, err := c.events.Append(ctx, run.ID, domain.EventKindRunSuccess, "", nil); err != nil {
		return domain.RunStatusFailure, err
	}
	if err := c.registry.SetRunStatus(ctx, run.ID, domain.RunStatusSuccess); err != nil {
		return domain.RunStatusFailure, err
	}
	return domain.RunStatusSuccess, nil
}

func (c *RunCoordinator) skipStep(ctx context.Context, runID, stepKey string, states map[string]domain.StepState, reason string) {
	states[stepKey] = domain.StepStateSkipped
	payload := domain.MarshalPayload(domain.StepSkipPayload{Reason: reason})
	if _, err := c.events.Append(ctx, runID, domain.EventKindStepSkipped, stepKey, payload); err != nil {
		log.Printf("Failed to append skip event for step %s in run %s: %v", stepKey, runID, err)
	}
}

// propagateSkip marks all transitive dependents of stepKey within the plan
// for skipping, preserving an already-assigned reason.
func (c *RunCoordinator) propagateSkip(plan *ExecutionPlan, stepKey string, skipReasons map[string]string, reason string) {
	affected := map[string]bool{stepKey: true}
	for _, ps := range plan.Steps {
		for _, up := range ps.Step.Upstream {
			if affected[up] {
				affected[ps.Step.Key] = true
				if _, assigned := skipReasons[ps.Step.Key]; !assigned {
					skipReasons[ps.Step.Key] = reason
				}
				break
			}
		}
	}
}

// hasUnproducedOptionalInput reports whether any input binds to an optional
// upstream output that was never produced. Such a step is skipped rather
// than failed.
func (c *RunCoordinator) hasUnproducedOptionalInput(ctx context.Context, run *domain.Run, step *domain.StepDef) (bool, error) {
	for _, in := range step.Inputs {
		producer, ok := c.workflow.Step(in.UpstreamStep)
		if !ok {
			continue
		}
		outputName := in.UpstreamOutput
		if outputName == "" {
			outputName = domain.DefaultOutputName
		}
		slot, ok := producer.Output(outputName)
		if !ok || slot.Required {
			continue
		}
		key := domain.ResolveKey(run.ID, in.UpstreamStep, slot)
		has, err := c.workflow.ManagerFor(slot).Has(ctx, key)
		if err != nil {
			return false, err
		}
		if !has {
			return true, nil
		}
	}
	return false, nil
}

// failRun records the terminal failure through both the event log and the
// run registry. Every failure path appends at least one record explaining
// the cause.
func (c *RunCoordinator) failRun(ctx context.Context, run *domain.Run, cause error) domain.RunStatus {
	msg := "run failed"
	if cause != nil {
		msg = cause.Error()
	}
	payload := domain.MarshalPayload(domain.EnginePayload{Message: msg})
	if _, err := c.events.Append(ctx, run.ID, domain.EventKindRunFailure, "", payload); err != nil {
		log.Printf("Failed to append run failure event for run %s: %v", run.ID, err)
	}
	if err := c.registry.SetRunStatus(ctx, run.ID, domain.RunStatusFailure); err != nil {
		log.Printf("Failed to mark run %s failed: %v", run.ID, err)
	}
	return domain.RunStatusFailure
}

func (c *RunCoordinator) engineEvent(ctx context.Context, runID, message string) {
	payload := domain.MarshalPayload(domain.EnginePayload{Message: message})
	if _, err := c.events.Append(ctx, runID, domain.EventKindEngine, "", payload); err != nil {
		log.Printf("Failed to append engine event for run %s: %v", runID, err)
	}
}
