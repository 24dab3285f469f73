// Package local provides file-backed event log and run registry
// implementations. A launcher process and the run's worker process share
// them by pointing at the same root directory, the same way they would
// share a database in a multi-host deployment.
package local

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/mechatroNick/dagster/internal/domain"
)

// EventLog appends one JSON line per event to events/{run_id}.jsonl under
// the root directory. An exclusive flock around each append serializes the
// launcher's and the worker's writes to the same run.
type EventLog struct {
	root string
}

func NewEventLog(root string) (*EventLog, error) {
	if err := os.MkdirAll(filepath.Join(root, "events"), 0o755); err != nil {
		return nil, fmt.Errorf("creating event log directory: %w", err)
	}
	return &EventLog{root: root}, nil
}

func (l *EventLog) path(runID string) string {
	return filepath.Join(l.root, "events", runID+".jsonl")
}

func (l *EventLog) Append(ctx context.Context, runID string, kind domain.EventKind, stepKey string, payload json.RawMessage) (int64, error) {
	f, err := os.OpenFile(l.path(runID), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return 0, fmt.Errorf("opening event log for run %s: %w", runID, err)
	}
	defer f.Close()

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		return 0, fmt.Errorf("locking event log for run %s: %w", runID, err)
	}
	defer syscall.Flock(int(f.Fd()), syscall.LOCK_UN)

	seq, err := countLines(f)
	if err != nil {
		return 0, fmt.Errorf("counting events for run %s: %w", runID, err)
	}
	seq++

	record := domain.EventRecord{
		RunID:      runID,
		SequenceNo: seq,
		StepKey:    stepKey,
		Kind:       kind,
		Payload:    payload,
		Timestamp:  time.Now(),
	}
	line, err := json.Marshal(record)
	if err != nil {
		return 0, fmt.Errorf("encoding event for run %s: %w", runID, err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return 0, fmt.Errorf("appending event for run %s: %w", runID, err)
	}
	if err := f.Sync(); err != nil {
		return 0, fmt.Errorf("syncing event log for run %s: %w", runID, err)
	}
	return seq, nil
}

func (l *EventLog) Query(ctx context.Context, runID string) ([]domain.EventRecord, error) {
	f, err := os.Open(l.path(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening event log for run %s: %w", runID, err)
	}
	defer f.Close()

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_SH); err != nil {
		return nil, fmt.Errorf("locking event log for run %s: %w", runID, err)
	}
	defer syscall.Flock(int(f.Fd()), syscall.LOCK_UN)

	var records []domain.EventRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var record domain.EventRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			return nil, fmt.Errorf("decoding event for run %s: %w", runID, err)
		}
		records = append(records, record)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading event log for run %s: %w", runID, err)
	}
	return records, nil
}

func countLines(f *os.File) (int64, error) {
	if _, err := f.Seek(0, 0); err != nil {
		return 0, err
	}
	var count int64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		count++
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	if _, err := f.Seek(0, 2); err != nil {
		return 0, err
	}
	return count, nil
}
