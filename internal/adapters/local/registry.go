package local

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/mechatroNick/dagster/internal/domain"
)

// RunRegistry stores one JSON record per run at runs/{run_id}.json under
// the root directory. Status updates are read-modify-write under an
// exclusive flock so the launcher's crash override and the worker's own
// terminal transition cannot race.
type RunRegistry struct {
	root string
}

func NewRunRegistry(root string) (*RunRegistry, error) {
	if err := os.MkdirAll(filepath.Join(root, "runs"), 0o755); err != nil {
		return nil, fmt.Errorf("creating run registry directory: %w", err)
	}
	return &RunRegistry{root: root}, nil
}

func (r *RunRegistry) path(id string) string {
	return filepath.Join(r.root, "runs", id+".json")
}

func (r *RunRegistry) CreateRun(ctx context.Context, run *domain.Run) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.Status == "" {
		run.Status = domain.RunStatusNotStarted
	}

	f, err := os.OpenFile(r.path(run.ID), os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("run %s already exists", run.ID)
		}
		return fmt.Errorf("creating run record %s: %w", run.ID, err)
	}
	defer f.Close()

	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding run record %s: %w", run.ID, err)
	}
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("writing run record %s: %w", run.ID, err)
	}
	return f.Sync()
}

func (r *RunRegistry) GetRun(ctx context.Context, id string) (*domain.Run, error) {
	f, err := os.Open(r.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("run %s: %w", id, domain.ErrRunNotFound)
		}
		return nil, fmt.Errorf("opening run record %s: %w", id, err)
	}
	defer f.Close()

	// Shared lock so a concurrent in-place rewrite by SetRunStatus cannot
	// expose a torn record.
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_SH); err != nil {
		return nil, fmt.Errorf("locking run record %s: %w", id, err)
	}
	defer syscall.Flock(int(f.Fd()), syscall.LOCK_UN)

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("reading run record %s: %w", id, err)
	}
	var run domain.Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("decoding run record %s: %w", id, err)
	}
	return &run, nil
}

func (r *RunRegistry) SetRunStatus(ctx context.Context, id string, status domain.RunStatus) error {
	f, err := os.OpenFile(r.path(id), os.O_RDWR, 0o644)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("run %s: %w", id, domain.ErrRunNotFound)
		}
		return fmt.Errorf("opening run record %s: %w", id, err)
	}
	defer f.Close()

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		return fmt.Errorf("locking run record %s: %w", id, err)
	}
	defer syscall.Flock(int(f.Fd()), syscall.LOCK_UN)

	data, err := os.ReadFile(r.path(id))
	if err != nil {
		return fmt.Errorf("reading run record %s: %w", id, err)
	}
	var run domain.Run
	if err := json.Unmarshal(data, &run); err != nil {
		return fmt.Errorf("decoding run record %s: %w", id, err)
	}
	if run.Status.IsTerminal() {
		return fmt.Errorf("run %s: %w", id, domain.ErrRunFinished)
	}

	run.Status = status
	run.UpdatedAt = time.Now()
	updated, err := json.MarshalIndent(&run, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding run record %s: %w", id, err)
	}
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("truncating run record %s: %w", id, err)
	}
	if _, err := f.WriteAt(updated, 0); err != nil {
		return fmt.Errorf("writing run record %s: %w", id, err)
	}
	return f.Sync()
}
