package store

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations.
// Each migration's version must be sequential starting from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS processed_messages (
	uid          INTEGER PRIMARY KEY,
	outcome      TEXT NOT NULL CHECK(outcome IN ('saved', 'summarized', 'skipped', 'failed')),
	processed_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS attachments (
	id            TEXT PRIMARY KEY,
	message_uid   INTEGER NOT NULL,
	original_name TEXT NOT NULL,
	stored_path   TEXT NOT NULL UNIQUE,
	content_type  TEXT NOT NULL DEFAULT '',
	size_bytes    INTEGER NOT NULL DEFAULT 0,
	saved_at      DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS summaries (
	id            TEXT PRIMARY KEY,
	attachment_id TEXT NOT NULL REFERENCES attachments(id) ON DELETE CASCADE,
	stored_path   TEXT NOT NULL,
	model         TEXT NOT NULL DEFAULT '',
	generated_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_attachments_message_uid ON attachments(message_uid);
CREATE INDEX IF NOT EXISTS idx_summaries_attachment_id ON summaries(attachment_id);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
}
