// Package memory provides single-process event log and run registry
// implementations for embedding and tests.
package memory

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/mechatroNick/dagster/internal/domain"
)

type EventLog struct {
	mu    sync.Mutex
	byRun map[string][]domain.EventRecord
}

func NewEventLog() *EventLog {
	return &EventLog{byRun: make(map[string][]domain.EventRecord)}
}

func (l *EventLog) Append(ctx context.Context, runID string, kind domain.EventKind, stepKey string, payload json.RawMessage) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	seq := int64(len(l.byRun[runID]) + 1)
	l.byRun[runID] = append(l.byRun[runID], domain.EventRecord{
		RunID:      runID,
		SequenceNo: seq,
		StepKey:    stepKey,
		Kind:       kind,
		Payload:    append(json.RawMessage(nil), payload...),
		Timestamp:  time.Now(),
	})
	return seq, nil
}

func (l *EventLog) Query(ctx context.Context, runID string) ([]domain.EventRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	records := l.byRun[runID]
	out := make([]domain.EventRecord, len(records))
	copy(out, records)
	return out, nil
}
