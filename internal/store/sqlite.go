package store

import (
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// sqliteStore is the default durable backend.
// The write connection is limited to 1 open conn to serialize writes
// (SQLite requirement). The read pool allows concurrent reads via WAL mode.
type sqliteStore struct {
	write *sql.DB
	read  *sql.DB
}

// openSQLiteStore creates or opens dataDir/scrivano.db, configures WAL mode
// and synchronous=NORMAL, and runs any pending migrations.
func openSQLiteStore(dataDir string) (*sqliteStore, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, "scrivano.db")

	writeDB, err := openConn(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open write connection: %w", err)
	}
	writeDB.SetMaxOpenConns(1)

	readDB, err := openConn(dbPath)
	if err != nil {
		writeDB.Close()
		return nil, fmt.Errorf("open read connection: %w", err)
	}

	s := &sqliteStore{write: writeDB, read: readDB}
	if err := s.migrate(); err != nil {
		s.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	slog.Info("operation store opened", "backend", "sqlite", "path", dbPath)
	return s, nil
}

func openConn(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func (s *sqliteStore) migrate() error {
	_, err := s.write.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%f', 'now'))
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := s.write.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current); err != nil {
		return fmt.Errorf("get current migration version: %w", err)
	}
	if current >= 1 {
		slog.Debug("migrations up to date", "version", current)
		return nil
	}

	sqlBytes, err := migrations.ReadFile("migrations/001_initial.sql")
	if err != nil {
		return fmt.Errorf("read migration 001: %w", err)
	}

	tx, err := s.write.Begin()
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(string(sqlBytes)); err != nil {
		return fmt.Errorf("execute migration 001: %w", err)
	}
	if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", 1); err != nil {
		return fmt.Errorf("record migration 001: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration 001: %w", err)
	}

	slog.Info("applied migration", "version", 1)
	return nil
}

const opColumns = `id, op_type, target_table, record_id, scope_id, payload, attempts,
	status, priority, error, error_category, created_at, last_attempt_at, attempt_history`

func (s *sqliteStore) GetOperations() ([]*Operation, error) {
	rows, err := s.read.Query("SELECT " + opColumns + " FROM operations")
	if err != nil {
		return nil, fmt.Errorf("query operations: %w", err)
	}
	defer rows.Close()
	return scanOperations(rows)
}

func (s *sqliteStore) GetOperationsByStatus(status string) ([]*Operation, error) {
	rows, err := s.read.Query(
		"SELECT "+opColumns+" FROM operations WHERE status = ? ORDER BY target_table ASC, priority DESC, created_at ASC",
		status,
	)
	if err != nil {
		return nil, fmt.Errorf("query operations by status: %w", err)
	}
	defer rows.Close()
	return scanOperations(rows)
}

func scanOperations(rows *sql.Rows) ([]*Operation, error) {
	var ops []*Operation
	for rows.Next() {
		var (
			op            Operation
			payload       sql.NullString
			errMsg        sql.NullString
			errCat        sql.NullString
			createdAt     string
			lastAttemptAt sql.NullString
			history       string
		)
		if err := rows.Scan(&op.ID, &op.Type, &op.Table, &op.RecordID, &op.ScopeID,
			&payload, &op.Attempts, &op.Status, &op.Priority, &errMsg, &errCat,
			&createdAt, &lastAttemptAt, &history); err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		if payload.Valid {
			op.Payload = json.RawMessage(payload.String)
		}
		op.Error = errMsg.String
		op.ErrorCategory = errCat.String
		t, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parse created_at for %s: %w", op.ID, err)
		}
		op.CreatedAt = t
		if lastAttemptAt.Valid {
			t, err := time.Parse(time.RFC3339Nano, lastAttemptAt.String)
			if err != nil {
				return nil, fmt.Errorf("parse last_attempt_at for %s: %w", op.ID, err)
			}
			op.LastAttemptAt = &t
		}
		if history != "" {
			if err := json.Unmarshal([]byte(history), &op.AttemptHistory); err != nil {
				return nil, fmt.Errorf("decode attempt history for %s: %w", op.ID, err)
			}
		}
		ops = append(ops, &op)
	}
	return ops, rows.Err()
}

func (s *sqliteStore) PutOperation(op *Operation) error {
	history, err := json.Marshal(op.AttemptHistory)
	if err != nil {
		return fmt.Errorf("encode attempt history: %w", err)
	}
	var lastAttemptAt any
	if op.LastAttemptAt != nil {
		lastAttemptAt = op.LastAttemptAt.UTC().Format(time.RFC3339Nano)
	}
	var payload any
	if op.Payload != nil {
		payload = string(op.Payload)
	}
	_, err = s.write.Exec(`INSERT INTO operations
		(id, op_type, target_table, record_id, scope_id, payload, attempts,
		 status, priority, error, error_category, created_at, last_attempt_at, attempt_history)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			op_type = excluded.op_type,
			target_table = excluded.target_table,
			record_id = excluded.record_id,
			scope_id = excluded.scope_id,
			payload = excluded.payload,
			attempts = excluded.attempts,
			status = excluded.status,
			priority = excluded.priority,
			error = excluded.error,
			error_category = excluded.error_category,
			last_attempt_at = excluded.last_attempt_at,
			attempt_history = excluded.attempt_history`,
		op.ID, op.Type, op.Table, op.RecordID, op.ScopeID, payload, op.Attempts,
		op.Status, op.Priority, nullIfEmpty(op.Error), nullIfEmpty(op.ErrorCategory),
		op.CreatedAt.UTC().Format(time.RFC3339Nano), lastAttemptAt, string(history))
	if err != nil {
		return fmt.Errorf("put operation %s: %w", op.ID, err)
	}
	return nil
}

func (s *sqliteStore) DeleteOperation(id string) error {
	if _, err := s.write.Exec("DELETE FROM operations WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete operation %s: %w", id, err)
	}
	return nil
}

func (s *sqliteStore) GetDeadLetters() ([]*DeadLetterEntry, error) {
	rows, err := s.read.Query("SELECT entry FROM dead_letters ORDER BY dead_at ASC")
	if err != nil {
		return nil, fmt.Errorf("query dead letters: %w", err)
	}
	defer rows.Close()

	var entries []*DeadLetterEntry
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		var e DeadLetterEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("decode dead letter: %w", err)
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

func (s *sqliteStore) PutDeadLetter(e *DeadLetterEntry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	_, err = s.write.Exec(`INSERT INTO dead_letters (id, dead_at, entry) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET dead_at = excluded.dead_at, entry = excluded.entry`,
		e.ID, e.DeadAt.UTC().Format(time.RFC3339Nano), string(raw))
	if err != nil {
		return fmt.Errorf("put dead letter %s: %w", e.ID, err)
	}
	return nil
}

func (s *sqliteStore) DeleteDeadLetter(id string) error {
	if _, err := s.write.Exec("DELETE FROM dead_letters WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete dead letter %s: %w", id, err)
	}
	return nil
}

func (s *sqliteStore) Close() error {
	var errs []error
	if err := s.write.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close write db: %w", err))
	}
	if err := s.read.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close read db: %w", err))
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
