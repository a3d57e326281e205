package history

import "database/sql"

const schema = `
CREATE TABLE IF NOT EXISTS refreshes (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    backend     TEXT NOT NULL,
    at          DATETIME NOT NULL,
    num_certs   INTEGER NOT NULL DEFAULT 0,
    num_paths   INTEGER NOT NULL DEFAULT 0,
    duration_ms INTEGER NOT NULL DEFAULT 0,
    error       TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_refreshes_backend ON refreshes(backend, at DESC);
`

func migrate(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}
