package database

import (
	"context"
	"database/sql"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Database wraps the SQL handle that backs the ledger.
type Database struct {
	DB     *sql.DB // The underlying SQL database connection
	Driver string  // Normalized driver name so SQL builders can stay declarative
	dsn    string
	log    *logrus.Entry
}

// Config holds the configuration details for initializing the database.
type Config struct {
	DBType    string // The type of the database driver ("sqlite", "genji", "duckdb" or "pgx")
	DBPath    string // The file path to the database file (for file-based databases)
	DBConn    string // Raw DSN for pgx
	DBHost    string // The host for PostgreSQL
	DBPort    int    // The port for PostgreSQL
	DBUser    string // The user for PostgreSQL
	DBPass    string // The password for PostgreSQL
	DBName    string // The name of the PostgreSQL database
	PGSSLMode string // The SSL mode for PostgreSQL
	Port      int    // The port number (used in database file naming if needed)
}

// normalizeDBType trims and lowercases driver names so downstream switch blocks
// do not miss driver-specific handling.
func normalizeDBType(dbType string) string {
	return strings.ToLower(strings.TrimSpace(dbType))
}

// DSN resolves the connection string for cfg.
func DSN(cfg Config) (string, error) {
	driverName := normalizeDBType(cfg.DBType)
	switch driverName {
	case "sqlite", "genji":
		if cfg.DBPath != "" {
			return cfg.DBPath, nil
		}
		return fmt.Sprintf("ledger-%d.%s", cfg.Port, driverName), nil
	case "duckdb":
		if cfg.DBPath != "" {
			return cfg.DBPath, nil
		}
		return fmt.Sprintf("ledger-%d.duckdb", cfg.Port), nil
	case "pgx":
		if strings.TrimSpace(cfg.DBConn) != "" {
			return cfg.DBConn, nil
		}
		sslMode := cfg.PGSSLMode
		if sslMode == "" {
			sslMode = "disable"
		}
		return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
			cfg.DBUser, cfg.DBPass, cfg.DBHost, cfg.DBPort, cfg.DBName, sslMode), nil
	default:
		return "", fmt.Errorf("unsupported database type: %s", cfg.DBType)
	}
}

// NewDatabase opens DB and configures connection pooling.
// Embedded engines run over a single connection so appends never race.
func NewDatabase(config Config) (*Database, error) {
	driverName := normalizeDBType(config.DBType)
	dsn, err := DSN(config)
	if err != nil {
		return nil, err
	}
	log := logrus.WithFields(logrus.Fields{"component": "database", "driver": driverName})

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("error opening the database: %w", err)
	}

	switch driverName {
	case "sqlite", "genji":
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
		if driverName == "sqlite" {
			tuneCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := tuneSQLiteLikeConnection(tuneCtx, db, log.Debugf); err != nil {
				log.Warnf("sqlite tuning skipped: %v", err)
			}
			cancel()
		} else {
			log.Debugf("sqlite tuning skipped: driver %s manages its own storage", driverName)
		}
	case "duckdb":
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
		tuneCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := tuneDuckDBConnection(tuneCtx, db, log.Debugf); err != nil {
			log.Warnf("duckdb tuning skipped: %v", err)
		}
		cancel()
	case "pgx":
		db.SetMaxOpenConns(8)
		db.SetMaxIdleConns(4)
		db.SetConnMaxLifetime(30 * time.Minute)
		db.SetConnMaxIdleTime(5 * time.Minute)
	}

	// Cheap liveness probe with timeout so we don't hang at startup
	{
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("error connecting to the database: %w", err)
		}
	}

	log.Infof("using database driver %s", driverName)
	return &Database{DB: db, Driver: driverName, dsn: dsn, log: log}, nil
}

// Close releases the pool.
func (db *Database) Close() error { return db.DB.Close() }

// sqlitePragmas suit a single appending writer with concurrent readers.
var sqlitePragmas = []string{
	"journal_mode=WAL",
	"synchronous=NORMAL",
	"busy_timeout=5000",
}

// tuneSQLiteLikeConnection sets the ledger pragmas and logs what the engine
// reports back for each.
func tuneSQLiteLikeConnection(ctx context.Context, db *sql.DB, logf func(string, ...any)) error {
	for _, p := range sqlitePragmas {
		name, _, _ := strings.Cut(p, "=")
		rows, err := db.QueryContext(ctx, "PRAGMA "+p)
		if err != nil {
			return fmt.Errorf("pragma %s: %w", name, err)
		}
		var got any
		if rows.Next() {
			_ = rows.Scan(&got)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return fmt.Errorf("pragma %s: %w", name, err)
		}
		logf("sqlite %s=%v", name, got)
	}
	return nil
}

// tuneDuckDBConnection sizes the DuckDB worker pool to the available CPUs.
func tuneDuckDBConnection(ctx context.Context, db *sql.DB, logf func(string, ...any)) error {
	threads := runtime.NumCPU()
	if threads < 1 {
		threads = 1
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA threads=%d;", threads)); err != nil {
		return fmt.Errorf("apply threads: %w", err)
	}
	logf("DuckDB tuning threads=%d applied", threads)
	return nil
}

// InitSchema creates the ledger tables. Genji gets plain tables because the
// append transaction itself enforces ordering and key uniqueness there.
func (db *Database) InitSchema(ctx context.Context) error {
	var statements []string

	switch db.Driver {
	case "pgx":
		statements = []string{`
CREATE TABLE IF NOT EXISTS ledger_records (
  dataset          TEXT NOT NULL,
  publisher        TEXT NOT NULL,
  idx              BIGINT NOT NULL,
  record_key       TEXT NOT NULL,
  captured_at      BIGINT NOT NULL,
  latitude         BIGINT NOT NULL,
  longitude        BIGINT NOT NULL,
  elevation_m      BIGINT NOT NULL,
  precision_m      BIGINT NOT NULL,
  subject_id       BYTEA NOT NULL,
  seq_text         TEXT NOT NULL,
  speed_kmh        BIGINT NOT NULL,
  visibility_state BIGINT NOT NULL,
  payload          BYTEA NOT NULL,
  tx_id            TEXT NOT NULL,
  created_at       BIGINT NOT NULL,
  CONSTRAINT ledger_records_pk PRIMARY KEY (dataset, publisher, idx),
  CONSTRAINT ledger_records_key UNIQUE (dataset, record_key)
)`, `
CREATE TABLE IF NOT EXISTS ledger_notifications (
  id         TEXT PRIMARY KEY,
  dataset    TEXT NOT NULL,
  publisher  TEXT NOT NULL,
  idx        BIGINT NOT NULL,
  created_at BIGINT NOT NULL
)`}

	case "sqlite", "duckdb":
		statements = []string{`
CREATE TABLE IF NOT EXISTS ledger_records (
  dataset          TEXT NOT NULL,
  publisher        TEXT NOT NULL,
  idx              BIGINT NOT NULL,
  record_key       TEXT NOT NULL,
  captured_at      BIGINT NOT NULL,
  latitude         BIGINT NOT NULL,
  longitude        BIGINT NOT NULL,
  elevation_m      BIGINT NOT NULL,
  precision_m      BIGINT NOT NULL,
  subject_id       BLOB NOT NULL,
  seq_text         TEXT NOT NULL,
  speed_kmh        BIGINT NOT NULL,
  visibility_state BIGINT NOT NULL,
  payload          BLOB NOT NULL,
  tx_id            TEXT NOT NULL,
  created_at       BIGINT NOT NULL,
  PRIMARY KEY (dataset, publisher, idx),
  UNIQUE (dataset, record_key)
)`, `
CREATE TABLE IF NOT EXISTS ledger_notifications (
  id         TEXT PRIMARY KEY,
  dataset    TEXT NOT NULL,
  publisher  TEXT NOT NULL,
  idx        BIGINT NOT NULL,
  created_at BIGINT NOT NULL
)`}

	case "genji":
		statements = []string{`
CREATE TABLE IF NOT EXISTS ledger_records (
  dataset          TEXT NOT NULL,
  publisher        TEXT NOT NULL,
  idx              INTEGER NOT NULL,
  record_key       TEXT NOT NULL,
  captured_at      INTEGER NOT NULL,
  latitude         INTEGER NOT NULL,
  longitude        INTEGER NOT NULL,
  elevation_m      INTEGER NOT NULL,
  precision_m      INTEGER NOT NULL,
  subject_id       BLOB NOT NULL,
  seq_text         TEXT NOT NULL,
  speed_kmh        INTEGER NOT NULL,
  visibility_state INTEGER NOT NULL,
  payload          BLOB NOT NULL,
  tx_id            TEXT NOT NULL,
  created_at       INTEGER NOT NULL
)`, `
CREATE TABLE IF NOT EXISTS ledger_notifications (
  id         TEXT PRIMARY KEY,
  dataset    TEXT NOT NULL,
  publisher  TEXT NOT NULL,
  idx        INTEGER NOT NULL,
  created_at INTEGER NOT NULL
)`}

	default:
		return fmt.Errorf("unsupported database type: %s", db.Driver)
	}

	if err := execStatements(ctx, db.DB, statements); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// execStatements executes DDL statements one by one so engines without
// multi-statement Exec support still boot.
func execStatements(ctx context.Context, db *sql.DB, stmts []string) error {
	for _, raw := range stmts {
		stmt := strings.TrimSpace(raw)
		if stmt == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// newPlaceholderGenerator yields $1, $2... for PostgreSQL and ? elsewhere.
func newPlaceholderGenerator(dbType string) func() string {
	if dbType == "pgx" {
		counter := 0
		return func() string {
			counter++
			return fmt.Sprintf("$%d", counter)
		}
	}
	return func() string { return "?" }
}
