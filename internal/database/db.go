package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"strings"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

//go:embed migrations
var migrationsFS embed.FS

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// Config selects the SQL driver and data source.
type Config struct {
	Driver string
	DSN    string
}

// DB wraps the sql.DB connection
type DB struct {
	Conn   *sql.DB
	driver string
}

// New opens the database, checks connectivity and applies pending migrations.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dsn := cfg.DSN
	switch cfg.Driver {
	case DriverSQLite:
		dsn = sqliteDSN(dsn)
	case DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	conn, err := sql.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if cfg.Driver == DriverSQLite {
		// SQLite allows one writer; a single connection avoids SQLITE_BUSY under load.
		conn.SetMaxOpenConns(1)
	}

	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db := &DB{Conn: conn, driver: cfg.Driver}

	if err := db.runMigrations(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Info("database initialized", zap.String("driver", cfg.Driver))
	return db, nil
}

// sqliteDSN enables foreign keys unless the caller already chose.
func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "_foreign_keys") || strings.Contains(dsn, "_fk") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_foreign_keys=on"
}

// Driver returns the SQL driver name.
func (db *DB) Driver() string {
	return db.driver
}

// Ping checks the connection; /ready reports it.
func (db *DB) Ping(ctx context.Context) error {
	return db.Conn.PingContext(ctx)
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.Conn.Close()
}

// runMigrations applies each embedded migration for the active dialect at most once.
func (db *DB) runMigrations(ctx context.Context) error {
	root := "migrations/" + db.driver
	migrations, err := fs.Sub(migrationsFS, root)
	if err != nil {
		return fmt.Errorf("open %s: %w", root, err)
	}
	return applyMigrations(ctx, db.Conn, migrations)
}
