package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"go.trai.ch/zerr"
	_ "modernc.org/sqlite"
)

var (
	ErrNotFound          = zerr.New("not found")
	ErrAlreadyDispatched = zerr.New("execution already dispatched")
)

type Storage struct {
	db *sql.DB
}

func New(dbPath string) (*Storage, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, zerr.With(zerr.Wrap(err, "failed to open database"), "path", dbPath)
	}
	// Units of one command finish concurrently; a single connection
	// serializes their writes instead of failing with SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	s := &Storage{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, zerr.With(zerr.Wrap(err, "failed to migrate database"), "path", dbPath)
	}

	return s, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) migrate() error {
	schema := `
	PRAGMA foreign_keys = ON;

	CREATE TABLE IF NOT EXISTS tasks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		application TEXT NOT NULL,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		UNIQUE(application, name)
	);

	CREATE TABLE IF NOT EXISTS task_parameters (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id INTEGER NOT NULL REFERENCES tasks(id),
		name TEXT NOT NULL,
		default_value TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		rank INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS task_commands (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id INTEGER NOT NULL REFERENCES tasks(id),
		command TEXT NOT NULL,
		roles TEXT NOT NULL,
		rank INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS environments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		application TEXT NOT NULL,
		name TEXT NOT NULL,
		UNIQUE(application, name)
	);

	CREATE TABLE IF NOT EXISTS servers (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		environment_id INTEGER NOT NULL REFERENCES environments(id),
		name TEXT NOT NULL,
		host TEXT NOT NULL DEFAULT '',
		port INTEGER NOT NULL DEFAULT 0,
		user TEXT NOT NULL DEFAULT '',
		roles TEXT NOT NULL,
		position INTEGER NOT NULL,
		UNIQUE(environment_id, name)
	);

	CREATE TABLE IF NOT EXISTS executions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id INTEGER NOT NULL,
		environment_id INTEGER NOT NULL,
		application TEXT NOT NULL,
		task_name TEXT NOT NULL,
		environment_name TEXT NOT NULL,
		user TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		time_created TIMESTAMP NOT NULL,
		time_start TIMESTAMP,
		time_end TIMESTAMP,
		dispatch_id TEXT,
		time_dispatched TIMESTAMP,
		owner_pid INTEGER
	);

	CREATE TABLE IF NOT EXISTS execution_parameters (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		execution_id INTEGER NOT NULL REFERENCES executions(id),
		name TEXT NOT NULL,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS execution_commands (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		execution_id INTEGER NOT NULL REFERENCES executions(id),
		command TEXT NOT NULL,
		roles TEXT NOT NULL,
		rank INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		time_start TIMESTAMP,
		time_end TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS execution_command_servers (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		execution_command_id INTEGER NOT NULL REFERENCES execution_commands(id),
		server_id INTEGER NOT NULL,
		server_name TEXT NOT NULL,
		server_host TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		time_start TIMESTAMP,
		time_end TIMESTAMP,
		return_code INTEGER,
		output TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS execution_live_logs (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		execution_id INTEGER NOT NULL REFERENCES executions(id),
		unit_id INTEGER NOT NULL DEFAULT 0,
		event TEXT NOT NULL,
		data TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_executions_created ON executions(time_created);
	CREATE INDEX IF NOT EXISTS idx_execution_commands_execution ON execution_commands(execution_id);
	CREATE INDEX IF NOT EXISTS idx_execution_command_servers_command ON execution_command_servers(execution_command_id);
	CREATE INDEX IF NOT EXISTS idx_live_logs_execution ON execution_live_logs(execution_id, seq);
	CREATE INDEX IF NOT EXISTS idx_live_logs_unit ON execution_live_logs(unit_id, seq);
	`

	_, err := s.db.Exec(schema)
	return err
}

func encodeRoles(roles []string) string {
	if roles == nil {
		roles = []string{}
	}
	b, _ := json.Marshal(roles)
	return string(b)
}

func decodeRoles(raw string) []string {
	var roles []string
	if err := json.Unmarshal([]byte(raw), &roles); err != nil {
		return nil
	}
	return roles
}

func notFound(err error, kind string, key any) error {
	if errors.Is(err, sql.ErrNoRows) {
		return zerr.With(zerr.Wrap(ErrNotFound, kind+" not found"), kind, key)
	}
	return zerr.With(zerr.Wrap(err, "failed to load "+kind), kind, key)
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// tx runs fn inside a transaction, committing on success.
func (s *Storage) tx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return zerr.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
