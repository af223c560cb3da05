package postgres

// schema creates the tables used by Store. Every statement is idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS graphflow_definitions (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL,
		tenant_id   TEXT NOT NULL DEFAULT '',
		status      TEXT NOT NULL,
		data        JSONB NOT NULL,
		updated_at  TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS graphflow_snapshots (
		id             TEXT PRIMARY KEY,
		definition_id  TEXT NOT NULL,
		version        INTEGER NOT NULL,
		data           JSONB NOT NULL,
		created_at     TIMESTAMPTZ NOT NULL,
		UNIQUE (definition_id, version)
	)`,
	`CREATE TABLE IF NOT EXISTS graphflow_instances (
		id           TEXT PRIMARY KEY,
		snapshot_id  TEXT NOT NULL,
		state        TEXT NOT NULL,
		data         JSONB NOT NULL,
		start_time   TIMESTAMPTZ,
		updated_at   TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS graphflow_instances_start_time ON graphflow_instances (start_time DESC)`,
	`CREATE TABLE IF NOT EXISTS graphflow_events (
		instance_id  TEXT NOT NULL,
		seq          BIGINT NOT NULL,
		data         JSONB NOT NULL,
		PRIMARY KEY (instance_id, seq)
	)`,
}
