package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"git.home.luguber.info/inful/ando/internal/model"
)

// AppendLogEntry persists one log record. The (build_id, sequence) primary
// key enforces sequence uniqueness; the sequence allocator lives in the log
// transport, not here.
func (s *Store) AppendLogEntry(ctx context.Context, e *model.LogEntry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO build_log_entries (build_id, sequence, type, message, step_name, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.BuildID, e.Sequence, e.Type, e.Message, e.StepName, e.Timestamp.UnixMilli())
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("log entry %d/%d: %w", e.BuildID, e.Sequence, ErrDuplicate)
		}
		return fmt.Errorf("insert log entry: %w", err)
	}
	return nil
}

// MaxLogSequence returns the highest sequence persisted for a build, or zero
// when the build has no entries. Used to reseed allocators after a restart.
func (s *Store) MaxLogSequence(ctx context.Context, buildID int64) (int32, error) {
	var max sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(sequence) FROM build_log_entries WHERE build_id = ?`, buildID).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("max log sequence: %w", err)
	}
	if !max.Valid {
		return 0, nil
	}
	return int32(max.Int64), nil
}

// LogEntriesSince returns entries with sequence > after, ascending, capped at
// limit. This is the catch-up query behind GetSince.
func (s *Store) LogEntriesSince(ctx context.Context, buildID int64, after int32, limit int) ([]*model.LogEntry, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT build_id, sequence, type, message, step_name, timestamp
		FROM build_log_entries
		WHERE build_id = ? AND sequence > ?
		ORDER BY sequence
		LIMIT ?`, buildID, after, limit)
	if err != nil {
		return nil, fmt.Errorf("query log entries: %w", err)
	}
	defer rows.Close()

	var entries []*model.LogEntry
	for rows.Next() {
		var e model.LogEntry
		var ts int64
		if err := rows.Scan(&e.BuildID, &e.Sequence, &e.Type, &e.Message, &e.StepName, &ts); err != nil {
			return nil, fmt.Errorf("scan log entry: %w", err)
		}
		e.Timestamp = time.UnixMilli(ts)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
