// Package db provides the device-side database schema.
package db

// DeviceMigrations returns the schema for the device database: the outbox
// queue drained by the sync engine and the conflict records awaiting manual
// resolution. Both live in one file so dead-letter queries can see open
// conflicts without a second connection.
func DeviceMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "create outbox",
			SQL: `
			CREATE TABLE outbox (
				seq INTEGER PRIMARY KEY AUTOINCREMENT,
				operation_id TEXT NOT NULL UNIQUE,
				entity TEXT NOT NULL CHECK(length(entity) > 0),
				entity_id TEXT NOT NULL CHECK(length(entity_id) > 0),
				project_id TEXT NOT NULL DEFAULT '',
				op_type TEXT NOT NULL CHECK(op_type IN ('CREATE','UPDATE','DELETE')),
				payload TEXT NOT NULL,
				status TEXT NOT NULL DEFAULT 'PENDING' CHECK(status IN ('PENDING','INFLIGHT','DONE','FAILED','DEAD')),
				retry_count INTEGER NOT NULL DEFAULT 0,
				last_error TEXT NOT NULL DEFAULT '',
				next_attempt_at INTEGER NOT NULL DEFAULT 0,
				created_at INTEGER NOT NULL,
				updated_at INTEGER NOT NULL
			);
			CREATE INDEX idx_outbox_status ON outbox(status, next_attempt_at);
			CREATE INDEX idx_outbox_entity ON outbox(entity, entity_id);
			CREATE INDEX idx_outbox_project ON outbox(project_id, status);
			`,
		},
		{
			Version:     2,
			Description: "create conflicts",
			SQL: `
			CREATE TABLE conflicts (
				id TEXT PRIMARY KEY,
				operation_id TEXT NOT NULL UNIQUE,
				entity TEXT NOT NULL,
				entity_id TEXT NOT NULL,
				project_id TEXT NOT NULL DEFAULT '',
				op_type TEXT NOT NULL DEFAULT 'UPDATE' CHECK(op_type IN ('CREATE','UPDATE','DELETE')),
				local_payload TEXT NOT NULL,
				server_version INTEGER NOT NULL DEFAULT 0,
				server_updated_at INTEGER NOT NULL DEFAULT 0,
				status TEXT NOT NULL DEFAULT 'OPEN' CHECK(status IN ('OPEN','RESOLVED')),
				resolution TEXT NOT NULL DEFAULT '',
				created_at INTEGER NOT NULL,
				resolved_at INTEGER NOT NULL DEFAULT 0
			);
			CREATE INDEX idx_conflicts_status ON conflicts(status, project_id);
			`,
		},
	}
}
