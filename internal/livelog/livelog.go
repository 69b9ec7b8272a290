// Package livelog records the append-only event stream of an execution and
// serves incremental reads of unit output while units are still running.
package livelog

import (
	"context"
	"strings"
	"sync"

	"github.com/mpataki/gun/internal/models"
)

// Sink is an append-only, arrival-ordered event log.
type Sink interface {
	// Append records entry and returns its sequence number.
	Append(ctx context.Context, entry models.LiveLogEntry) (int64, error)
	// ReadOutput concatenates the output payloads of a unit in arrival order.
	ReadOutput(ctx context.Context, unitID int64) (string, error)
	// Since returns the entries of an execution with a sequence greater than afterSeq.
	Since(ctx context.Context, executionID, afterSeq int64) ([]models.LiveLogEntry, error)
}

// Memory is an in-process Sink.
type Memory struct {
	mu      sync.RWMutex
	entries []models.LiveLogEntry
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Append(_ context.Context, entry models.LiveLogEntry) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry.Seq = int64(len(m.entries) + 1)
	m.entries = append(m.entries, entry)
	return entry.Seq, nil
}

func (m *Memory) ReadOutput(_ context.Context, unitID int64) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var b strings.Builder
	for _, e := range m.entries {
		if e.UnitID == unitID && e.Event == models.EventOutput {
			b.WriteString(e.Data)
		}
	}
	return b.String(), nil
}

func (m *Memory) Since(_ context.Context, executionID, afterSeq int64) ([]models.LiveLogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.LiveLogEntry
	for _, e := range m.entries {
		if e.ExecutionID == executionID && e.Seq > afterSeq {
			out = append(out, e)
		}
	}
	return out, nil
}

// Writer appends every Write as one output entry of a unit.
type Writer struct {
	ctx         context.Context
	sink        Sink
	executionID int64
	unitID      int64
}

func NewWriter(ctx context.Context, sink Sink, executionID, unitID int64) *Writer {
	return &Writer{ctx: ctx, sink: sink, executionID: executionID, unitID: unitID}
}

func (w *Writer) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	_, err := w.sink.Append(w.ctx, models.LiveLogEntry{
		ExecutionID: w.executionID,
		UnitID:      w.unitID,
		Event:       models.EventOutput,
		Data:        string(p),
	})
	if err != nil {
		return 0, err
	}
	return len(p), nil
}
