package app

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mechatroNick/dagster/internal/adapters/artifact"
	"github.com/mechatroNick/dagster/internal/adapters/memory"
	"github.com/mechatroNick/dagster/internal/domain"
)

func rawJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func constStep(key string, value any, inputs ...domain.InputSlot) domain.StepDef {
	return domain.StepDef{
		Key:    key,
		Inputs: inputs,
		Compute: func(ctx context.Context, _ map[string]json.RawMessage) (map[string]json.RawMessage, error) {
			data, err := json.Marshal(value)
			if err != nil {
				return nil, err
			}
			return map[string]json.RawMessage{domain.DefaultOutputName: data}, nil
		},
	}
}

func eventsOfKind(records []domain.EventRecord, kind domain.EventKind) []domain.EventRecord {
	var out []domain.EventRecord
	for _, r := range records {
		if r.Kind == kind {
			out = append(out, r)
		}
	}
	return out
}

func artifactOps(t *testing.T, records []domain.EventRecord) []struct {
	Kind    domain.EventKind
	StepKey string
	Payload domain.ArtifactOpPayload
} {
	t.Helper()
	var out []struct {
		Kind    domain.EventKind
		StepKey string
		Payload domain.ArtifactOpPayload
	}
	for _, r := range records {
		if r.Kind != domain.EventKindGetArtifact && r.Kind != domain.EventKindSetArtifact {
			continue
		}
		var payload domain.ArtifactOpPayload
		require.NoError(t, json.Unmarshal(r.Payload, &payload))
		out = append(out, struct {
			Kind    domain.EventKind
			StepKey string
			Payload domain.ArtifactOpPayload
		}{r.Kind, r.StepKey, payload})
	}
	return out
}

func executeRun(t *testing.T, wf *domain.Workflow, run *domain.Run) (domain.RunStatus, *memory.EventLog, *memory.RunRegistry) {
	t.Helper()
	events := memory.NewEventLog()
	registry := memory.NewRunRegistry()
	require.NoError(t, registry.CreateRun(context.Background(), run))

	coordinator := NewRunCoordinator(wf, events, registry)
	status, err := coordinator.ExecuteRun(context.Background(), run)
	require.NoError(t, err)
	return status, events, registry
}

func TestRunCoordinator_EventOrdering(t *testing.T) {
	manager := artifact.NewMemoryManager()
	wf, err := domain.NewWorkflowBuilder("chain").
		AddManager(domain.DefaultManagerKey, manager).
		AddStep(constStep("solid_a", []int{1, 2, 3})).
		AddStep(constStep("solid_b", 1, domain.InputSlot{Name: "df", UpstreamStep: "solid_a"})).
		Build()
	require.NoError(t, err)

	run := domain.NewRun("chain", nil)
	status, events, _ := executeRun(t, wf, run)
	assert.Equal(t, domain.RunStatusSuccess, status)

	records, err := events.Query(context.Background(), run.ID)
	require.NoError(t, err)

	ops := artifactOps(t, records)
	require.Len(t, ops, 3)

	assert.Equal(t, domain.EventKindSetArtifact, ops[0].Kind)
	assert.Equal(t, "solid_a", ops[0].StepKey)

	assert.Equal(t, domain.EventKindGetArtifact, ops[1].Kind)
	assert.Equal(t, "solid_b", ops[1].StepKey)
	assert.Equal(t, "solid_a", ops[1].Payload.UpstreamStep)

	assert.Equal(t, domain.EventKindSetArtifact, ops[2].Kind)
	assert.Equal(t, "solid_b", ops[2].StepKey)

	// Sequence numbers are strictly increasing per run.
	for i := 1; i < len(records); i++ {
		assert.Equal(t, records[i-1].SequenceNo+1, records[i].SequenceNo)
	}
}

func TestRunCoordinator_ConcreteScenario(t *testing.T) {
	baseDir := t.TempDir()
	manager := artifact.NewFSManager(baseDir)

	buildWorkflow := func() *domain.Workflow {
		parse := domain.StepDef{
			Key:    "parse_df",
			Inputs: []domain.InputSlot{{Name: "df", UpstreamStep: "call_api"}},
			Compute: func(ctx context.Context, inputs map[string]json.RawMessage) (map[string]json.RawMessage, error) {
				var df []int
				if err := json.Unmarshal(inputs["df"], &df); err != nil {
					return nil, err
				}
				data, err := json.Marshal(df[:5])
				if err != nil {
					return nil, err
				}
				return map[string]json.RawMessage{domain.DefaultOutputName: data}, nil
			},
		}
		wf, err := domain.NewWorkflowBuilder("model_pipeline").
			AddManager(domain.DefaultManagerKey, manager).
			AddStep(constStep("call_api", []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10})).
			AddStep(parse).
			Build()
		require.NoError(t, err)
		return wf
	}

	run := domain.NewRun("model_pipeline", nil)
	status, _, _ := executeRun(t, buildWorkflow(), run)
	require.Equal(t, domain.RunStatusSuccess, status)

	pathA := filepath.Join(baseDir, run.ID, "call_api", "result")
	pathB := filepath.Join(baseDir, run.ID, "parse_df", "result")

	dataA, err := os.ReadFile(pathA)
	require.NoError(t, err)
	assert.JSONEq(t, `[1,2,3,4,5,6,7,8,9,10]`, string(dataA))

	dataB, err := os.ReadFile(pathB)
	require.NoError(t, err)
	assert.JSONEq(t, `[1,2,3,4,5]`, string(dataB))

	// Re-execute only parse_df against the same run id in a fresh session:
	// call_api's artifact is reused, not recomputed.
	rerun := domain.NewRun("model_pipeline", []string{"parse_df"})
	rerun.ID = run.ID
	status, events, _ := executeRun(t, buildWorkflow(), rerun)
	require.Equal(t, domain.RunStatusSuccess, status)

	records, err := events.Query(context.Background(), rerun.ID)
	require.NoError(t, err)

	gets := eventsOfKind(records, domain.EventKindGetArtifact)
	require.Len(t, gets, 1)
	var getPayload domain.ArtifactOpPayload
	require.NoError(t, json.Unmarshal(gets[0].Payload, &getPayload))
	assert.Equal(t, "call_api", getPayload.UpstreamStep)

	sets := eventsOfKind(records, domain.EventKindSetArtifact)
	require.Len(t, sets, 1)
	assert.Equal(t, "parse_df", sets[0].StepKey)

	rerunB, err := os.ReadFile(pathB)
	require.NoError(t, err)
	assert.Equal(t, string(dataB), string(rerunB))
}

func TestRunCoordinator_SkipOnMaterialized(t *testing.T) {
	manager := artifact.NewMemoryManager()
	wf, err := domain.NewWorkflowBuilder("chain").
		AddManager(domain.DefaultManagerKey, manager).
		AddStep(constStep("solid_a", []int{1, 2, 3})).
		AddStep(constStep("solid_b", 1, domain.InputSlot{Name: "df", UpstreamStep: "solid_a"})).
		Build()
	require.NoError(t, err)

	run := domain.NewRun("chain", []string{"solid_b"})
	run.ID = "fixed-run-id"

	// Materialize solid_a's output up front, as a prior execution would.
	slotA, _ := mustStep(t, wf, "solid_a").Output(domain.DefaultOutputName)
	keyA := domain.ResolveKey(run.ID, "solid_a", slotA)
	_, err = manager.Set(context.Background(), keyA, rawJSON(t, []int{1, 2, 3}))
	require.NoError(t, err)

	status, events, _ := executeRun(t, wf, run)
	assert.Equal(t, domain.RunStatusSuccess, status)

	records, err := events.Query(context.Background(), run.ID)
	require.NoError(t, err)

	skipped := eventsOfKind(records, domain.EventKindStepSkipped)
	require.Len(t, skipped, 1)
	assert.Equal(t, "solid_a", skipped[0].StepKey)

	// No RUNNING-phase event for the skipped step.
	for _, r := range eventsOfKind(records, domain.EventKindStepStart) {
		assert.NotEqual(t, "solid_a", r.StepKey)
	}

	// The downstream step still retrieved the artifact via GET.
	gets := eventsOfKind(records, domain.EventKindGetArtifact)
	require.Len(t, gets, 1)
	assert.Equal(t, "solid_b", gets[0].StepKey)
}

func TestRunCoordinator_UnresolvableSubsetFailsFast(t *testing.T) {
	manager := artifact.NewMemoryManager()
	wf, err := domain.NewWorkflowBuilder("chain").
		AddManager(domain.DefaultManagerKey, manager).
		AddStep(constStep("solid_a", []int{1, 2, 3})).
		AddStep(constStep("solid_b", 1, domain.InputSlot{Name: "df", UpstreamStep: "solid_a"})).
		Build()
	require.NoError(t, err)

	run := domain.NewRun("chain", []string{"solid_b"})
	events := memory.NewEventLog()
	registry := memory.NewRunRegistry()
	require.NoError(t, registry.CreateRun(context.Background(), run))

	coordinator := NewRunCoordinator(wf, events, registry)
	status, err := coordinator.ExecuteRun(context.Background(), run)
	assert.Equal(t, domain.RunStatusFailure, status)

	var subsetErr *domain.UnresolvableSubsetError
	require.ErrorAs(t, err, &subsetErr)
	assert.Equal(t, "solid_b", subsetErr.StepKey)
	assert.Equal(t, "solid_a", subsetErr.MissingUpstream)

	records, queryErr := events.Query(context.Background(), run.ID)
	require.NoError(t, queryErr)

	// Fail-fast: no step executed, no artifact operation happened.
	assert.Empty(t, eventsOfKind(records, domain.EventKindStepStart))
	assert.Empty(t, eventsOfKind(records, domain.EventKindSetArtifact))
	require.Len(t, eventsOfKind(records, domain.EventKindRunFailure), 1)

	stored, err := registry.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailure, stored.Status)
}

func TestRunCoordinator_FailurePropagation(t *testing.T) {
	manager := artifact.NewMemoryManager()

	failing := domain.StepDef{
		Key: "broken",
		Compute: func(ctx context.Context, _ map[string]json.RawMessage) (map[string]json.RawMessage, error) {
			return nil, errors.New("boom")
		},
	}

	wf, err := domain.NewWorkflowBuilder("diamond").
		AddManager(domain.DefaultManagerKey, manager).
		AddStep(failing).
		AddStep(constStep("dependent", 1, domain.InputSlot{Name: "in", UpstreamStep: "broken"})).
		AddStep(constStep("independent", 2)).
		Build()
	require.NoError(t, err)

	run := domain.NewRun("diamond", nil)
	status, events, registry := executeRun(t, wf, run)
	assert.Equal(t, domain.RunStatusFailure, status)

	records, err := events.Query(context.Background(), run.ID)
	require.NoError(t, err)

	failures := eventsOfKind(records, domain.EventKindStepFailure)
	require.Len(t, failures, 1)
	assert.Equal(t, "broken", failures[0].StepKey)
	var failurePayload domain.StepFailurePayload
	require.NoError(t, json.Unmarshal(failures[0].Payload, &failurePayload))
	assert.Contains(t, failurePayload.Error, "boom")

	skipped := eventsOfKind(records, domain.EventKindStepSkipped)
	require.Len(t, skipped, 1)
	assert.Equal(t, "dependent", skipped[0].StepKey)
	var skipPayload domain.StepSkipPayload
	require.NoError(t, json.Unmarshal(skipped[0].Payload, &skipPayload))
	assert.Equal(t, domain.SkipReasonUpstreamFailed, skipPayload.Reason)

	// The independent branch still ran to success.
	successes := eventsOfKind(records, domain.EventKindStepSuccess)
	require.Len(t, successes, 1)
	assert.Equal(t, "independent", successes[0].StepKey)

	stored, err := registry.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailure, stored.Status)
}

func TestRunCoordinator_OptionalOutputNotProduced(t *testing.T) {
	manager := artifact.NewMemoryManager()

	optional := domain.StepDef{
		Key:     "solid_a",
		Outputs: []domain.OutputSlot{{Name: domain.DefaultOutputName, Required: false}},
		Compute: func(ctx context.Context, _ map[string]json.RawMessage) (map[string]json.RawMessage, error) {
			// Optional output intentionally not produced.
			return nil, nil
		},
	}

	wf, err := domain.NewWorkflowBuilder("optional").
		AddManager(domain.DefaultManagerKey, manager).
		AddStep(optional).
		AddStep(constStep("solid_skipped", 1, domain.InputSlot{Name: "array", UpstreamStep: "solid_a"})).
		Build()
	require.NoError(t, err)

	run := domain.NewRun("optional", nil)
	status, events, _ := executeRun(t, wf, run)
	assert.Equal(t, domain.RunStatusSuccess, status)

	records, err := events.Query(context.Background(), run.ID)
	require.NoError(t, err)

	// Zero SET events for the unproduced optional output.
	assert.Empty(t, eventsOfKind(records, domain.EventKindSetArtifact))

	skipped := eventsOfKind(records, domain.EventKindStepSkipped)
	require.Len(t, skipped, 1)
	assert.Equal(t, "solid_skipped", skipped[0].StepKey)
	var skipPayload domain.StepSkipPayload
	require.NoError(t, json.Unmarshal(skipped[0].Payload, &skipPayload))
	assert.Equal(t, domain.SkipReasonUpstreamUnproduced, skipPayload.Reason)
}

func TestRunCoordinator_PathScopedSkip(t *testing.T) {
	baseDir := t.TempDir()
	manager := artifact.NewCustomPathFSManager(baseDir)

	pathA := filepath.Join(baseDir, "call_api_output")
	pathB := filepath.Join(baseDir, "parse_df_output")

	wf, err := domain.NewWorkflowBuilder("custom_path").
		AddManager(domain.DefaultManagerKey, manager).
		AddStep(domain.StepDef{
			Key:     "call_api",
			Outputs: []domain.OutputSlot{{Name: domain.DefaultOutputName, Required: true, Path: pathA}},
			Compute: func(ctx context.Context, _ map[string]json.RawMessage) (map[string]json.RawMessage, error) {
				t.Error("call_api should have been skipped")
				return nil, errors.New("unreachable")
			},
		}).
		AddStep(domain.StepDef{
			Key:     "parse_df",
			Inputs:  []domain.InputSlot{{Name: "df", UpstreamStep: "call_api"}},
			Outputs: []domain.OutputSlot{{Name: domain.DefaultOutputName, Required: true, Path: pathB}},
			Compute: func(ctx context.Context, _ map[string]json.RawMessage) (map[string]json.RawMessage, error) {
				t.Error("parse_df should have been skipped")
				return nil, errors.New("unreachable")
			},
		}).
		Build()
	require.NoError(t, err)

	// Both target files preexist, left over from an unrelated prior run.
	require.NoError(t, os.WriteFile(pathA, rawJSON(t, []int{1, 2, 3}), 0o644))
	require.NoError(t, os.WriteFile(pathB, rawJSON(t, []int{1}), 0o644))

	// A fresh run id still sees the path-scoped artifacts.
	run := domain.NewRun("custom_path", nil)
	status, events, _ := executeRun(t, wf, run)
	assert.Equal(t, domain.RunStatusSuccess, status)

	records, err := events.Query(context.Background(), run.ID)
	require.NoError(t, err)

	skipped := eventsOfKind(records, domain.EventKindStepSkipped)
	require.Len(t, skipped, 2)
	assert.Equal(t, "call_api", skipped[0].StepKey)
	assert.Equal(t, "parse_df", skipped[1].StepKey)
	assert.Empty(t, eventsOfKind(records, domain.EventKindSetArtifact))
}

func TestRunCoordinator_FanInInputOrder(t *testing.T) {
	manager := artifact.NewMemoryManager()

	sum := domain.StepDef{
		Key: "add",
		Inputs: []domain.InputSlot{
			{Name: "num1", UpstreamStep: "multiply_by_2"},
			{Name: "num2", UpstreamStep: "multiply_by_3"},
		},
		Compute: func(ctx context.Context, inputs map[string]json.RawMessage) (map[string]json.RawMessage, error) {
			var a, b int
			if err := json.Unmarshal(inputs["num1"], &a); err != nil {
				return nil, err
			}
			if err := json.Unmarshal(inputs["num2"], &b); err != nil {
				return nil, err
			}
			data, err := json.Marshal(a + b)
			if err != nil {
				return nil, err
			}
			return map[string]json.RawMessage{domain.DefaultOutputName: data}, nil
		},
	}

	wf, err := domain.NewWorkflowBuilder("math_diamond").
		AddManager(domain.DefaultManagerKey, manager).
		AddStep(constStep("return_one", 1)).
		AddStep(constStep("multiply_by_2", 2, domain.InputSlot{Name: "num", UpstreamStep: "return_one"})).
		AddStep(constStep("multiply_by_3", 3, domain.InputSlot{Name: "num", UpstreamStep: "return_one"})).
		AddStep(sum).
		Build()
	require.NoError(t, err)

	run := domain.NewRun("math_diamond", nil)
	status, events, _ := executeRun(t, wf, run)
	assert.Equal(t, domain.RunStatusSuccess, status)

	records, err := events.Query(context.Background(), run.ID)
	require.NoError(t, err)

	// GET events for the fan-in step arrive in input declaration order.
	var fanInGets []domain.ArtifactOpPayload
	for _, r := range eventsOfKind(records, domain.EventKindGetArtifact) {
		if r.StepKey != "add" {
			continue
		}
		var payload domain.ArtifactOpPayload
		require.NoError(t, json.Unmarshal(r.Payload, &payload))
		fanInGets = append(fanInGets, payload)
	}
	require.Len(t, fanInGets, 2)
	assert.Equal(t, "num1", fanInGets[0].Slot)
	assert.Equal(t, "num2", fanInGets[1].Slot)
}

func TestRunCoordinator_MultiMaterialization(t *testing.T) {
	manager := &multiMaterializingManager{MemoryManager: artifact.NewMemoryManager()}

	wf, err := domain.NewWorkflowBuilder("materializing").
		AddManager(domain.DefaultManagerKey, manager).
		AddStep(constStep("solid_a", 1)).
		Build()
	require.NoError(t, err)

	run := domain.NewRun("materializing", nil)
	status, events, _ := executeRun(t, wf, run)
	assert.Equal(t, domain.RunStatusSuccess, status)

	records, err := events.Query(context.Background(), run.ID)
	require.NoError(t, err)

	materializations := eventsOfKind(records, domain.EventKindMaterialization)
	require.Len(t, materializations, 2)

	// Materialization events precede the SET event that confirmed the write.
	sets := eventsOfKind(records, domain.EventKindSetArtifact)
	require.Len(t, sets, 1)
	assert.Less(t, materializations[1].SequenceNo, sets[0].SequenceNo)
}

type multiMaterializingManager struct {
	*artifact.MemoryManager
}

func (m *multiMaterializingManager) Set(ctx context.Context, key domain.Key, value json.RawMessage) ([]domain.Materialization, error) {
	if _, err := m.MemoryManager.Set(ctx, key, value); err != nil {
		return nil, err
	}
	return []domain.Materialization{{Label: "yield_one"}, {Label: "yield_two"}}, nil
}

func mustStep(t *testing.T, wf *domain.Workflow, key string) *domain.StepDef {
	t.Helper()
	step, ok := wf.Step(key)
	require.True(t, ok)
	return step
}
