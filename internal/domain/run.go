package domain

import (
	"context"
	"time"
)

type RunStatus string

const (
	RunStatusNotStarted RunStatus = "NOT_STARTED"
	RunStatusStarted    RunStatus = "STARTED"
	RunStatusSuccess    RunStatus = "SUCCESS"
	RunStatusFailure    RunStatus = "FAILURE"
)

// IsTerminal reports whether the status is final. Terminal statuses are
// immutable in the run registry; only the launcher may write one on behalf
// of a crashed or terminated process, and only while the run is non-terminal.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSuccess || s == RunStatusFailure
}

type StepState string

const (
	StepStatePending StepState = "PENDING"
	StepStateRunning StepState = "RUNNING"
	StepStateSkipped StepState = "SKIPPED"
	StepStateSuccess StepState = "SUCCESS"
	StepStateFailure StepState = "FAILURE"
)

type Run struct {
	ID           string
	WorkflowName string
	// StepSubset holds the explicitly requested step keys, in request order.
	// Empty means the full workflow was requested.
	StepSubset []string
	Status     RunStatus
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func NewRun(workflowName string, stepSubset []string) *Run {
	now := time.Now()
	return &Run{
		WorkflowName: workflowName,
		StepSubset:   append([]string(nil), stepSubset...),
		Status:       RunStatusNotStarted,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Requested reports whether stepKey was explicitly requested for this run.
// A full run requests no step individually, which is what makes every step
// of a full run eligible for skip-on-materialized.
func (r *Run) Requested(stepKey string) bool {
	for _, k := range r.StepSubset {
		if k == stepKey {
			return true
		}
	}
	return false
}

// IsSubsetRun reports whether this run was restricted to a step subset.
func (r *Run) IsSubsetRun() bool {
	return len(r.StepSubset) > 0
}

type RunRegistry interface {
	// CreateRun persists a new run record, assigning an ID if none is set.
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	// SetRunStatus transitions the run's status. Once a run is terminal the
	// registry rejects any further transition.
	SetRunStatus(ctx context.Context, id string, status RunStatus) error
}
