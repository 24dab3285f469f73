package domain

import (
	"context"
	"encoding/json"
	"time"
)

type EventKind string

const (
	EventKindGetArtifact     EventKind = "GET_ARTIFACT"
	EventKindSetArtifact     EventKind = "SET_ARTIFACT"
	EventKindMaterialization EventKind = "MATERIALIZATION"
	EventKindStepStart       EventKind = "STEP_START"
	EventKindStepSuccess     EventKind = "STEP_SUCCESS"
	EventKindStepFailure     EventKind = "STEP_FAILURE"
	EventKindStepSkipped     EventKind = "STEP_SKIPPED"
	EventKindRunStart        EventKind = "RUN_START"
	EventKindRunSuccess      EventKind = "RUN_SUCCESS"
	EventKindRunFailure      EventKind = "RUN_FAILURE"
	EventKindEngine          EventKind = "ENGINE"
)

// EventRecord is one append-only entry in a run's event log. SequenceNo is
// monotonically increasing per run and never reused.
type EventRecord struct {
	RunID      string          `json:"run_id"`
	SequenceNo int64           `json:"sequence_no"`
	StepKey    string          `json:"step_key,omitempty"`
	Kind       EventKind       `json:"kind"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// EventLog is the narrow contract the engine consumes from the event
// storage collaborator: atomic, ordered, run-scoped append and query.
type EventLog interface {
	Append(ctx context.Context, runID string, kind EventKind, stepKey string, payload json.RawMessage) (int64, error)
	// Query returns the run's records in append order.
	Query(ctx context.Context, runID string) ([]EventRecord, error)
}

// ArtifactOpPayload describes one GET or SET performed by the step executor.
// For GET events UpstreamStep names the producing step; the record's StepKey
// names the consuming step.
type ArtifactOpPayload struct {
	Slot         string `json:"slot"`
	UpstreamStep string `json:"upstream_step,omitempty"`
	Key          string `json:"key"`
	ManagerKey   string `json:"manager_key,omitempty"`
}

type EnginePayload struct {
	Message string `json:"message"`
}

type StepFailurePayload struct {
	Error string `json:"error"`
}

type StepSkipPayload struct {
	Reason string `json:"reason"`
}

const (
	SkipReasonMaterialized       = "outputs already materialized"
	SkipReasonUpstreamFailed     = "upstream step failed"
	SkipReasonUpstreamUnproduced = "upstream optional output not produced"
)

func MarshalPayload(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
