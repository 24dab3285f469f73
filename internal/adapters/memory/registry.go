package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mechatroNick/dagster/internal/domain"
)

type RunRegistry struct {
	mu   sync.Mutex
	runs map[string]*domain.Run
}

func NewRunRegistry() *RunRegistry {
	return &RunRegistry{runs: make(map[string]*domain.Run)}
}

func (r *RunRegistry) CreateRun(ctx context.Context, run *domain.Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if _, exists := r.runs[run.ID]; exists {
		return fmt.Errorf("run %s already exists", run.ID)
	}
	if run.Status == "" {
		run.Status = domain.RunStatusNotStarted
	}
	stored := *run
	r.runs[run.ID] = &stored
	return nil
}

func (r *RunRegistry) GetRun(ctx context.Context, id string) (*domain.Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", id, domain.ErrRunNotFound)
	}
	out := *run
	return &out, nil
}

func (r *RunRegistry) SetRunStatus(ctx context.Context, id string, status domain.RunStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	if !ok {
		return fmt.Errorf("run %s: %w", id, domain.ErrRunNotFound)
	}
	if run.Status.IsTerminal() {
		return fmt.Errorf("run %s: %w", id, domain.ErrRunFinished)
	}
	run.Status = status
	run.UpdatedAt = time.Now()
	return nil
}
