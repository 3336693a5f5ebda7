package database

// schemaMigrationsTable creates the schema_migrations table for tracking database versions.
const schemaMigrationsTable = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version INTEGER PRIMARY KEY,
    applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    description TEXT
);
`

// initialSchema contains the initial database schema (version 1).
// Timestamps are unix milliseconds.
const initialSchema = `
-- dispense_cycles table: one row per dispense started from this panel
CREATE TABLE IF NOT EXISTS dispense_cycles (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    cycle_id TEXT NOT NULL UNIQUE,
    started_at INTEGER NOT NULL,
    ended_at INTEGER,
    target_water_ml REAL NOT NULL,
    target_syrup_ml REAL NOT NULL,
    final_progress REAL NOT NULL DEFAULT 0,
    status TEXT NOT NULL DEFAULT 'in_progress',
    stop_reason TEXT,

    CHECK (status IN ('in_progress', 'completed', 'emergency_stop', 'abandoned')),
    CHECK (target_water_ml >= 0),
    CHECK (target_syrup_ml >= 0),
    CHECK (final_progress >= 0 AND final_progress <= 100)
);

CREATE INDEX IF NOT EXISTS idx_dispense_cycles_started_at ON dispense_cycles(started_at);
CREATE INDEX IF NOT EXISTS idx_dispense_cycles_status ON dispense_cycles(status);
`

// notifyAndTraceSchema records backend acknowledgement failures and the
// OpenTelemetry trace of the cycle (version 2).
const notifyAndTraceSchema = `
ALTER TABLE dispense_cycles ADD COLUMN notify_error TEXT;
ALTER TABLE dispense_cycles ADD COLUMN trace_id TEXT;

CREATE INDEX IF NOT EXISTS idx_dispense_cycles_trace_id ON dispense_cycles(trace_id);
`
