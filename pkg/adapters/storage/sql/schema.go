package sql

// schema is applied statement by statement; every statement is valid for both dialects
var schema = []string{
	`CREATE TABLE IF NOT EXISTS plans (
		plan_id     TEXT PRIMARY KEY,
		name        TEXT NOT NULL,
		description TEXT,
		steps_json  TEXT NOT NULL,
		created_at  TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS execution_instances (
		id           TEXT PRIMARY KEY,
		plan_id      TEXT NOT NULL,
		plan_name    TEXT,
		status       TEXT NOT NULL,
		current_step TEXT,
		created_at   TEXT NOT NULL,
		updated_at   TEXT NOT NULL,
		started_at   TEXT,
		completed_at TEXT,
		error        TEXT,
		options_json TEXT,
		plan_json    TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_execution_instances_status ON execution_instances (status, updated_at)`,
	`CREATE TABLE IF NOT EXISTS execution_steps (
		execution_id TEXT NOT NULL,
		step_id      TEXT NOT NULL,
		seq          INTEGER NOT NULL,
		name         TEXT,
		tool_name    TEXT NOT NULL,
		status       TEXT NOT NULL,
		attempts     INTEGER NOT NULL DEFAULT 0,
		started_at   TEXT,
		completed_at TEXT,
		result_json  TEXT,
		error        TEXT,
		cancellable  TEXT,
		PRIMARY KEY (execution_id, step_id)
	)`,
	`CREATE TABLE IF NOT EXISTS execution_events (
		event_id     TEXT PRIMARY KEY,
		execution_id TEXT NOT NULL,
		event_type   TEXT NOT NULL,
		timestamp    TEXT NOT NULL,
		data_json    TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_execution_events_execution ON execution_events (execution_id, timestamp)`,
}

// sqlitePragmas are applied to the single sqlite connection after opening
var sqlitePragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA synchronous=NORMAL",
}
