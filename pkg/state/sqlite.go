package state

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/rs/zerolog"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/loamctl/loam/pkg/engine"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore persists the state document in a SQLite database and keeps
// run history alongside it. Document saves run in a serializable
// transaction so a crash mid-save never leaves a partial record set.
type SQLiteStore struct {
	db     *sql.DB
	path   string
	logger zerolog.Logger
}

// SQLiteConfig holds SQLite store configuration.
type SQLiteConfig struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a SQLite store instance. Call Init before use.
func NewSQLiteStore(cfg SQLiteConfig, logger zerolog.Logger) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	return &SQLiteStore{
		path:   cfg.Path,
		logger: logger.With().Str("component", "state.sqlite").Logger(),
	}, nil
}

// Init opens the database, enables WAL mode, and runs migrations.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return s.migrate()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *SQLiteStore) migrate() error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}
	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Load reads the whole state document.
func (s *SQLiteStore) Load(ctx context.Context) (*engine.Document, error) {
	doc := engine.NewDocument()

	var version int
	var serial uint64
	err := s.db.QueryRowContext(ctx, "SELECT version, serial FROM state_meta WHERE id = 1").Scan(&version, &serial)
	if errors.Is(err, sql.ErrNoRows) {
		return doc, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load state meta: %w", err)
	}
	doc.Version = version
	doc.Serial = serial
	if err := checkVersion(doc); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT addr, provider, resource_id, attrs, lifecycle, dependencies, serial, updated_at
		FROM state_records
	`)
	if err != nil {
		return nil, fmt.Errorf("load state records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		rec := &engine.Record{}
		var attrsJSON, lifecycleJSON, depsJSON string
		if err := rows.Scan(&rec.Addr, &rec.Provider, &rec.ID, &attrsJSON, &lifecycleJSON, &depsJSON, &rec.Serial, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan state record: %w", err)
		}
		if err := json.Unmarshal([]byte(attrsJSON), &rec.Attrs); err != nil {
			return nil, fmt.Errorf("decode attrs for %s: %w", rec.Addr, err)
		}
		if err := json.Unmarshal([]byte(lifecycleJSON), &rec.Lifecycle); err != nil {
			return nil, fmt.Errorf("decode lifecycle for %s: %w", rec.Addr, err)
		}
		if err := json.Unmarshal([]byte(depsJSON), &rec.Dependencies); err != nil {
			return nil, fmt.Errorf("decode dependencies for %s: %w", rec.Addr, err)
		}
		doc.Records[rec.Addr] = rec
	}
	return doc, rows.Err()
}

// Save persists the document in a single transaction, replacing the
// record set and bumping the serial.
func (s *SQLiteStore) Save(ctx context.Context, doc *engine.Document) error {
	doc.Serial++

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin save: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO state_meta (id, version, serial, updated_at) VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET version = excluded.version, serial = excluded.serial, updated_at = excluded.updated_at
	`, doc.Version, doc.Serial, now); err != nil {
		return fmt.Errorf("save state meta: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM state_records"); err != nil {
		return fmt.Errorf("clear state records: %w", err)
	}

	for addr, rec := range doc.Records {
		attrsJSON, err := json.Marshal(rec.Attrs)
		if err != nil {
			return fmt.Errorf("encode attrs for %s: %w", addr, err)
		}
		lifecycleJSON, err := json.Marshal(rec.Lifecycle)
		if err != nil {
			return fmt.Errorf("encode lifecycle for %s: %w", addr, err)
		}
		depsJSON, err := json.Marshal(rec.Dependencies)
		if err != nil {
			return fmt.Errorf("encode dependencies for %s: %w", addr, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO state_records (addr, provider, resource_id, attrs, lifecycle, dependencies, serial, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, addr, rec.Provider, rec.ID, string(attrsJSON), string(lifecycleJSON), string(depsJSON), rec.Serial, rec.UpdatedAt); err != nil {
			return fmt.Errorf("save record %s: %w", addr, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save: %w", err)
	}

	s.logger.Debug().
		Uint64("serial", doc.Serial).
		Int("records", len(doc.Records)).
		Msg("state saved")
	return nil
}

// Lock inserts the single lock row; a unique violation means the lock is
// held and yields a LockConflictError naming the holder.
func (s *SQLiteStore) Lock(ctx context.Context, info engine.LockInfo) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO state_lock (id, lock_id, who, operation, created_at)
		VALUES (1, ?, ?, ?, ?)
	`, info.ID, info.Who, info.Operation, info.CreatedAt)
	if err == nil {
		return nil
	}

	holder, holderErr := s.lockHolder(ctx)
	if holderErr != nil || holder == nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	return &LockConflictError{Holder: *holder}
}

// Unlock removes the lock row if the ID matches.
func (s *SQLiteStore) Unlock(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM state_lock WHERE id = 1 AND lock_id = ?", id)
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	if affected == 0 {
		if holder, err := s.lockHolder(ctx); err == nil && holder != nil {
			return &LockConflictError{Holder: *holder}
		}
		return fmt.Errorf("state not locked")
	}
	return nil
}

func (s *SQLiteStore) lockHolder(ctx context.Context) (*engine.LockInfo, error) {
	holder := &engine.LockInfo{}
	err := s.db.QueryRowContext(ctx, "SELECT lock_id, who, operation, created_at FROM state_lock WHERE id = 1").
		Scan(&holder.ID, &holder.Who, &holder.Operation, &holder.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return holder, nil
}

// SaveRun records a completed run and its events.
func (s *SQLiteStore) SaveRun(ctx context.Context, run *engine.Run, events []engine.Event) error {
	summaryJSON, err := json.Marshal(run.Summary)
	if err != nil {
		return fmt.Errorf("encode run summary: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin run save: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO runs (id, change_set_id, status, started_at, completed_at, summary, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.ChangeSetID, string(run.Status), run.StartedAt, run.CompletedAt, string(summaryJSON), time.Now()); err != nil {
		return fmt.Errorf("save run: %w", err)
	}

	for _, event := range events {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO run_events (run_id, type, addr, message, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, run.ID, string(event.Type), event.Addr, event.Message, event.Timestamp); err != nil {
			return fmt.Errorf("save run event: %w", err)
		}
	}
	return tx.Commit()
}

// RunRecord is one row of run history.
type RunRecord struct {
	ID          string
	ChangeSetID string
	Status      engine.RunStatus
	StartedAt   time.Time
	CompletedAt *time.Time
	Summary     engine.RunSummary
}

// ListRuns returns the most recent runs, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, change_set_id, status, started_at, completed_at, summary
		FROM runs ORDER BY started_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		var run RunRecord
		var summaryJSON string
		if err := rows.Scan(&run.ID, &run.ChangeSetID, &run.Status, &run.StartedAt, &run.CompletedAt, &summaryJSON); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if err := json.Unmarshal([]byte(summaryJSON), &run.Summary); err != nil {
			return nil, fmt.Errorf("decode run summary: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
