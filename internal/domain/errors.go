package domain

import (
	"errors"
	"fmt"
)

var (
	ErrArtifactNotFound = errors.New("artifact not found")
	ErrRunNotFound      = errors.New("run not found")
	ErrRunFinished      = errors.New("run status is terminal")
	ErrDuplicateLaunch  = errors.New("run already launched")
	ErrInvalidWorkflow  = errors.New("invalid workflow definition")
	ErrStorageConflict  = errors.New("artifact managers conflict with legacy bulk storage")
)

// DefinitionError wraps workflow validation failures detected at build time,
// before any run starts.
type DefinitionError struct {
	Kind error
	Msg  string
}

func (e *DefinitionError) Error() string {
	if e.Msg == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Msg)
}

func (e *DefinitionError) Unwrap() error { return e.Kind }

func definitionf(format string, args ...any) error {
	return &DefinitionError{Kind: ErrInvalidWorkflow, Msg: fmt.Sprintf(format, args...)}
}

// UnresolvableSubsetError reports a requested step subset whose upstream
// dependency is neither in the subset nor already materialized. Plan
// validation raises it before any step executes.
type UnresolvableSubsetError struct {
	StepKey         string
	MissingUpstream string
}

func (e *UnresolvableSubsetError) Error() string {
	return fmt.Sprintf("unresolvable step subset: step %q requires upstream %q which is neither in the subset nor materialized",
		e.StepKey, e.MissingUpstream)
}

// MissingUpstreamArtifactError reports a required input whose upstream
// artifact is absent at execution time.
type MissingUpstreamArtifactError struct {
	StepKey   string
	InputName string
	Key       Key
}

func (e *MissingUpstreamArtifactError) Error() string {
	return fmt.Sprintf("missing upstream artifact for step %q input %q (key %s)",
		e.StepKey, e.InputName, e.Key.String())
}

func (e *MissingUpstreamArtifactError) Unwrap() error { return ErrArtifactNotFound }
