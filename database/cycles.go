package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrCycleNotFound is returned when ending a cycle that was never recorded.
var ErrCycleNotFound = errors.New("cycle not found")

// RecordCycleStart inserts a new in-progress cycle.
func (d *DB) RecordCycleStart(ctx context.Context, cycleID string, water, syrup float64, traceID string, startedAt time.Time) error {
	query := `
		INSERT INTO dispense_cycles (cycle_id, started_at, target_water_ml, target_syrup_ml, status, trace_id)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	if _, err := d.db.ExecContext(ctx, query, cycleID, startedAt.UnixMilli(), water, syrup, CycleStatusInProgress, nullString(traceID)); err != nil {
		return fmt.Errorf("failed to record cycle start: %w", err)
	}
	return nil
}

// RecordCycleEnd closes an in-progress cycle. Ending an already-ended cycle
// returns ErrCycleNotFound, so a cycle is closed at most once.
func (d *DB) RecordCycleEnd(ctx context.Context, cycleID string, end CycleEnd) error {
	if end.EndedAt.IsZero() {
		end.EndedAt = time.Now()
	}
	query := `
		UPDATE dispense_cycles
		SET ended_at = ?, status = ?, final_progress = ?, stop_reason = ?, notify_error = ?
		WHERE cycle_id = ? AND status = ?
	`
	res, err := d.db.ExecContext(ctx, query,
		end.EndedAt.UnixMilli(), end.Status, end.Progress,
		nullString(end.StopReason), nullString(end.NotifyError),
		cycleID, CycleStatusInProgress)
	if err != nil {
		return fmt.Errorf("failed to record cycle end: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrCycleNotFound, cycleID)
	}
	return nil
}

// AbandonInProgress marks cycles left open by a previous session. A panel
// restart always begins idle, so any open cycle can no longer be finished.
func (d *DB) AbandonInProgress(ctx context.Context, now time.Time) (int64, error) {
	query := `
		UPDATE dispense_cycles
		SET ended_at = ?, status = ?, stop_reason = 'panel session ended'
		WHERE status = ?
	`
	res, err := d.db.ExecContext(ctx, query, now.UnixMilli(), CycleStatusAbandoned, CycleStatusInProgress)
	if err != nil {
		return 0, fmt.Errorf("failed to abandon open cycles: %w", err)
	}
	return res.RowsAffected()
}

const cycleColumns = `
	id, cycle_id, started_at, ended_at, target_water_ml, target_syrup_ml,
	final_progress, status, stop_reason, notify_error, trace_id
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCycle(row rowScanner) (*Cycle, error) {
	var (
		c                               Cycle
		startedAt                       int64
		endedAt                         sql.NullInt64
		stopReason, notifyErr, traceID sql.NullString
	)
	if err := row.Scan(&c.ID, &c.CycleID, &startedAt, &endedAt, &c.TargetWaterML, &c.TargetSyrupML,
		&c.FinalProgress, &c.Status, &stopReason, &notifyErr, &traceID); err != nil {
		return nil, err
	}
	c.StartedAt = time.UnixMilli(startedAt)
	if endedAt.Valid {
		t := time.UnixMilli(endedAt.Int64)
		c.EndedAt = &t
	}
	c.StopReason = stopReason.String
	c.NotifyError = notifyErr.String
	c.TraceID = traceID.String
	return &c, nil
}

// GetCycle returns one cycle, or nil if it does not exist.
func (d *DB) GetCycle(ctx context.Context, cycleID string) (*Cycle, error) {
	query := `SELECT ` + cycleColumns + ` FROM dispense_cycles WHERE cycle_id = ?`
	c, err := scanCycle(d.db.QueryRowContext(ctx, query, cycleID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query cycle: %w", err)
	}
	return c, nil
}

// ListCycles returns the most recent cycles, newest first. limit <= 0 returns all.
func (d *DB) ListCycles(ctx context.Context, limit int) ([]Cycle, error) {
	query := `SELECT ` + cycleColumns + ` FROM dispense_cycles ORDER BY started_at DESC, id DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list cycles: %w", err)
	}
	defer rows.Close()

	var cycles []Cycle
	for rows.Next() {
		c, err := scanCycle(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan cycle: %w", err)
		}
		cycles = append(cycles, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate cycles: %w", err)
	}
	return cycles, nil
}

// PruneCycles deletes finished cycles that started before cutoff.
// Open cycles are never pruned.
func (d *DB) PruneCycles(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM dispense_cycles WHERE started_at < ? AND status != ?`
	res, err := d.db.ExecContext(ctx, query, cutoff.UnixMilli(), CycleStatusInProgress)
	if err != nil {
		return 0, fmt.Errorf("failed to prune cycles: %w", err)
	}
	return res.RowsAffected()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
