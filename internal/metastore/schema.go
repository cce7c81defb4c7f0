package metastore

// Schema notes:
//   - sessions and chat_entries reference users by id only, which keeps the
//     User <- Session / ChatEntry graph acyclic
//   - deleting a user cascades sessions and chat entries but never touches
//     subjects or books
//   - vkp_installs carries the active flag; at most one row per
//     (subject_code, grade) has active=1, enforced by the partial index
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		username      TEXT NOT NULL UNIQUE,
		display_name  TEXT NOT NULL,
		role          TEXT NOT NULL CHECK (role IN ('student','teacher','admin')),
		password_salt BLOB NOT NULL,
		password_hash BLOB NOT NULL,
		created_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`,

	`CREATE TABLE IF NOT EXISTS sessions (
		token      TEXT PRIMARY KEY,
		user_id    INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		issued_at  DATETIME NOT NULL,
		expires_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_expiry ON sessions(expires_at);`,

	`CREATE TABLE IF NOT EXISTS subjects (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		code         TEXT NOT NULL,
		display_name TEXT NOT NULL,
		grade        INTEGER NOT NULL CHECK (grade BETWEEN 10 AND 12),
		UNIQUE(code, grade)
	);`,

	`CREATE TABLE IF NOT EXISTS books (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		subject_id      INTEGER NOT NULL REFERENCES subjects(id),
		title           TEXT NOT NULL,
		source_filename TEXT NOT NULL,
		vkp_version     TEXT NOT NULL,
		chunk_count     INTEGER NOT NULL DEFAULT 0,
		UNIQUE(subject_id, source_filename)
	);`,

	`CREATE TABLE IF NOT EXISTS vkp_installs (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		subject_code TEXT NOT NULL,
		grade        INTEGER NOT NULL,
		version      TEXT NOT NULL,
		hash         TEXT NOT NULL,
		chunk_count  INTEGER NOT NULL,
		active       INTEGER NOT NULL DEFAULT 0,
		installed_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(subject_code, grade, version)
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_vkp_active
		ON vkp_installs(subject_code, grade) WHERE active = 1;`,

	`CREATE TABLE IF NOT EXISTS chat_entries (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id    INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		subject_id INTEGER REFERENCES subjects(id),
		question   TEXT NOT NULL,
		response   TEXT NOT NULL,
		confidence REAL NOT NULL CHECK (confidence >= 0.0 AND confidence <= 1.0),
		partial    INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_chat_user ON chat_entries(user_id);
	CREATE INDEX IF NOT EXISTS idx_chat_created ON chat_entries(created_at);`,
}

func (s *Store) migrate() error {
	for _, stmt := range migrations {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}
