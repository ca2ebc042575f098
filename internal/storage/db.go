// Package storage persists classified items and run history over sqlite or
// postgres behind a single set of stores.
package storage

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"hoaxwatch/internal/storage/migrations"
)

type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

const sqliteParams = "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_time_format=sqlite"

// DB is an open, migrated database handle together with the query builder
// for its dialect.
type DB struct {
	*sqlx.DB
	dialect Dialect
	builder sq.StatementBuilderType
}

// Target is a parsed storage connection string.
type Target struct {
	Dialect Dialect
	DSN     string
	// Path is the sqlite file, empty for postgres and in-memory databases.
	Path string
}

// ParseURL maps sqlite:///rel.db, sqlite:////abs.db, sqlite://:memory: and
// postgres:// or postgresql:// URLs to a driver DSN.
func ParseURL(raw string) (Target, error) {
	switch {
	case strings.HasPrefix(raw, "sqlite://"):
		path := strings.TrimPrefix(raw, "sqlite://")
		if path == ":memory:" {
			return Target{Dialect: DialectSQLite, DSN: ":memory:?" + sqliteParams}, nil
		}
		path = strings.TrimPrefix(path, "/")
		if path == "" {
			return Target{}, fmt.Errorf("sqlite url %q has no path", raw)
		}
		if i := strings.IndexByte(path, '?'); i >= 0 {
			path = path[:i]
		}
		return Target{Dialect: DialectSQLite, DSN: path + "?" + sqliteParams, Path: path}, nil
	case strings.HasPrefix(raw, "postgres://"), strings.HasPrefix(raw, "postgresql://"):
		return Target{Dialect: DialectPostgres, DSN: raw}, nil
	default:
		return Target{}, fmt.Errorf("unsupported database url %q", raw)
	}
}

// Open connects to the database named by url and applies pending migrations.
func Open(ctx context.Context, url string, logger *slog.Logger) (*DB, error) {
	target, err := ParseURL(url)
	if err != nil {
		return nil, err
	}

	driver := "postgres"
	if target.Dialect == DialectSQLite {
		driver = "sqlite"
		if target.Path != "" {
			if dir := filepath.Dir(target.Path); dir != "." {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return nil, fmt.Errorf("create database directory: %w", err)
				}
			}
		}
	}

	conn, err := sqlx.ConnectContext(ctx, driver, target.DSN)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", target.Dialect, err)
	}
	if target.Dialect == DialectSQLite {
		// one writer; also keeps an in-memory database alive across calls
		conn.SetMaxOpenConns(1)
	}

	db := &DB{DB: conn, dialect: target.Dialect, builder: builderFor(target.Dialect)}
	applied, err := db.migrate(ctx)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	logger.Info("database ready", "dialect", target.Dialect, "migrations_applied", applied)
	return db, nil
}

func (db *DB) Dialect() Dialect {
	return db.dialect
}

func builderFor(d Dialect) sq.StatementBuilderType {
	if d == DialectPostgres {
		return sq.StatementBuilder.PlaceholderFormat(sq.Dollar)
	}
	return sq.StatementBuilder.PlaceholderFormat(sq.Question)
}

func (db *DB) migrate(ctx context.Context) (int, error) {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY
		)`); err != nil {
		return 0, fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := db.GetContext(ctx, &current, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations"); err != nil {
		return 0, fmt.Errorf("get schema version: %w", err)
	}

	dir := string(db.dialect)
	entries, err := fs.ReadDir(migrations.FS, dir)
	if err != nil {
		return 0, fmt.Errorf("read migrations: %w", err)
	}

	var files []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".up.sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	applied := 0
	for _, name := range files {
		var version int
		if _, err := fmt.Sscanf(name, "%d_", &version); err != nil {
			continue
		}
		if version <= current {
			continue
		}

		content, err := fs.ReadFile(migrations.FS, dir+"/"+name)
		if err != nil {
			return applied, fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := db.ExecContext(ctx, string(content)); err != nil {
			return applied, fmt.Errorf("execute migration %s: %w", name, err)
		}

		query, args, err := db.builder.Insert("schema_migrations").Columns("version").Values(version).ToSql()
		if err != nil {
			return applied, fmt.Errorf("build version insert: %w", err)
		}
		if _, err := db.ExecContext(ctx, query, args...); err != nil {
			return applied, fmt.Errorf("record migration %s: %w", name, err)
		}
		applied++
	}

	return applied, nil
}
