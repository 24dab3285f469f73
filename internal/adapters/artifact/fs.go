package artifact

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mechatroNick/dagster/internal/domain"
)

// FSManager writes one artifact file per key. Run-scoped keys map to
// {base_dir}/{run_id}/{step_key}/{output_name}; path-scoped keys use the
// slot's explicit path verbatim, which is what enables reuse across runs.
type FSManager struct {
	baseDir string
}

func NewFSManager(baseDir string) *FSManager {
	return &FSManager{baseDir: baseDir}
}

// NewFSManagerFromEnv reads the base directory from ARTIFACT_BASE_DIR.
func NewFSManagerFromEnv() *FSManager {
	return &FSManager{baseDir: getEnv("ARTIFACT_BASE_DIR", "/tmp/dagster/artifacts")}
}

func (m *FSManager) path(key domain.Key) string {
	if key.IsPathScoped() {
		return key.Path
	}
	return filepath.Join(m.baseDir, key.RunID, key.StepKey, key.OutputName)
}

// Set durably commits the value before returning: the file is synced and
// closed so a consumer in another process can rely on event-log ordering
// alone to know the artifact is safe to read.
func (m *FSManager) Set(ctx context.Context, key domain.Key, value json.RawMessage) ([]domain.Materialization, error) {
	path := m.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating artifact directory for %s: %w", path, err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening artifact file %s: %w", path, err)
	}
	if _, err := f.Write(value); err != nil {
		f.Close()
		return nil, fmt.Errorf("writing artifact file %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return nil, fmt.Errorf("syncing artifact file %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("closing artifact file %s: %w", path, err)
	}
	return nil, nil
}

func (m *FSManager) Get(ctx context.Context, key domain.Key) (json.RawMessage, error) {
	data, err := os.ReadFile(m.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("key %s: %w", key.String(), domain.ErrArtifactNotFound)
		}
		return nil, fmt.Errorf("reading artifact %s: %w", key.String(), err)
	}
	return data, nil
}

func (m *FSManager) Has(ctx context.Context, key domain.Key) (bool, error) {
	_, err := os.Stat(m.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("checking artifact %s: %w", key.String(), err)
	}
	return true, nil
}

// CustomPathFSManager is the filesystem manager intended for path-scoped
// slots. Storage behavior is identical to FSManager; in addition every Set
// yields one materialization payload carrying the written path, so the
// event log records where the reusable artifact lives.
type CustomPathFSManager struct {
	FSManager
}

func NewCustomPathFSManager(baseDir string) *CustomPathFSManager {
	return &CustomPathFSManager{FSManager{baseDir: baseDir}}
}

func (m *CustomPathFSManager) Set(ctx context.Context, key domain.Key, value json.RawMessage) ([]domain.Materialization, error) {
	if _, err := m.FSManager.Set(ctx, key, value); err != nil {
		return nil, err
	}
	return []domain.Materialization{{
		Label:    filepath.Base(m.path(key)),
		Metadata: map[string]string{"path": m.path(key)},
	}}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
