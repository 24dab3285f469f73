package domain

import (
	"context"
	"encoding/json"
	"path"
)

// Key identifies one persisted artifact. A key is either run-scoped,
// derived from (run id, step key, output name), or path-scoped, derived
// from an explicit path only. Path-scoped keys are run-independent, which
// is what makes cross-run artifact reuse well-defined.
type Key struct {
	RunID      string
	StepKey    string
	OutputName string
	// Path is set for path-scoped keys and empty otherwise.
	Path string
}

func (k Key) IsPathScoped() bool {
	return k.Path != ""
}

// String returns the canonical identifier used by managers that address
// artifacts by a flat string (memory, redis).
func (k Key) String() string {
	if k.IsPathScoped() {
		return k.Path
	}
	return path.Join(k.RunID, k.StepKey, k.OutputName)
}

// ResolveKey derives the storage key for one (run, step, output) triple.
// Key policy is a property of the output slot, not of the attached manager:
// a slot with an explicit path always resolves path-scoped, regardless of
// which manager implementation stores it.
func ResolveKey(runID, stepKey string, slot OutputSlot) Key {
	if slot.Path != "" {
		return Key{Path: slot.Path}
	}
	return Key{RunID: runID, StepKey: stepKey, OutputName: slot.Name}
}

// Materialization is one event payload yielded by a Set call. Managers may
// yield zero or more per persisted value; the caller consumes them eagerly
// and appends one MATERIALIZATION event each, in order.
type Materialization struct {
	Label    string            `json:"label"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// ArtifactManager persists and retrieves a single step-output value.
//
// Set must durably commit the value before returning: a downstream consumer
// may run in a different process and relies solely on event-log ordering,
// not shared memory, to know the artifact is safe to read.
type ArtifactManager interface {
	Set(ctx context.Context, key Key, value json.RawMessage) ([]Materialization, error)
	// Get returns the stored value, or an error wrapping ErrArtifactNotFound
	// when no artifact exists for the key.
	Get(ctx context.Context, key Key) (json.RawMessage, error)
	Has(ctx context.Context, key Key) (bool, error)
}
