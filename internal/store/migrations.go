package store

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations.
// Versions are sequential starting from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS vouchers (
	seq               INTEGER PRIMARY KEY AUTOINCREMENT,
	id                TEXT NOT NULL UNIQUE,
	brand             TEXT NOT NULL,
	logo_url          TEXT NOT NULL DEFAULT '',
	value             TEXT NOT NULL,
	code              TEXT NOT NULL,
	pin               TEXT NOT NULL DEFAULT '',
	expiry_date       TEXT,
	email_date        DATETIME NOT NULL,
	source_message_id TEXT NOT NULL,
	added_by          TEXT NOT NULL,
	identity_key      TEXT NOT NULL,
	created_at        DATETIME NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_vouchers_identity_key ON vouchers(identity_key);
CREATE INDEX IF NOT EXISTS idx_vouchers_source_message_id ON vouchers(source_message_id);

CREATE TABLE IF NOT EXISTS sync_state (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at DATETIME NOT NULL
);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
}
