package storage

import (
	"context"
	"strings"

	"go.trai.ch/zerr"

	"github.com/mpataki/gun/internal/models"
)

// Append implements livelog.Sink. The AUTOINCREMENT key is the total order.
func (s *Storage) Append(ctx context.Context, entry models.LiveLogEntry) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO execution_live_logs (execution_id, unit_id, event, data) VALUES (?, ?, ?, ?)`,
		entry.ExecutionID, entry.UnitID, entry.Event, entry.Data,
	)
	if err != nil {
		return 0, zerr.With(zerr.Wrap(err, "failed to append live log"), "execution_id", entry.ExecutionID)
	}
	return res.LastInsertId()
}

func (s *Storage) ReadOutput(ctx context.Context, unitID int64) (string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM execution_live_logs WHERE unit_id = ? AND event = ? ORDER BY seq`,
		unitID, models.EventOutput,
	)
	if err != nil {
		return "", zerr.With(zerr.Wrap(err, "failed to read output"), "unit_id", unitID)
	}
	defer rows.Close()

	var b strings.Builder
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return "", zerr.Wrap(err, "failed to scan output")
		}
		b.WriteString(data)
	}
	return b.String(), rows.Err()
}

func (s *Storage) Since(ctx context.Context, executionID, afterSeq int64) ([]models.LiveLogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, execution_id, unit_id, event, data FROM execution_live_logs
		 WHERE execution_id = ? AND seq > ? ORDER BY seq`,
		executionID, afterSeq,
	)
	if err != nil {
		return nil, zerr.With(zerr.Wrap(err, "failed to read live log"), "execution_id", executionID)
	}
	defer rows.Close()

	var entries []models.LiveLogEntry
	for rows.Next() {
		var e models.LiveLogEntry
		if err := rows.Scan(&e.Seq, &e.ExecutionID, &e.UnitID, &e.Event, &e.Data); err != nil {
			return nil, zerr.Wrap(err, "failed to scan live log")
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
