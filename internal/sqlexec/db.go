package sqlexec

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/marcboeker/go-duckdb/v2"
)

type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectDuckDB   Dialect = "duckdb"
)

type DBConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration
	// ReadOnly opens file-backed DuckDB databases in read_only access mode.
	ReadOnly bool
}

// ParseDSN maps postgres:// URLs to pgx and duckdb://<path> to go-duckdb. duckdb:// alone is in-memory.
func ParseDSN(dsn string, readOnly bool) (Dialect, string, string, error) {
	trimmed := strings.TrimSpace(dsn)
	switch {
	case strings.HasPrefix(trimmed, "postgres://"), strings.HasPrefix(trimmed, "postgresql://"):
		return DialectPostgres, "pgx", trimmed, nil
	case strings.HasPrefix(trimmed, "duckdb://"):
		path := strings.TrimPrefix(trimmed, "duckdb://")
		if readOnly && path != "" && !strings.Contains(path, "access_mode") {
			sep := "?"
			if strings.Contains(path, "?") {
				sep = "&"
			}
			path += sep + "access_mode=read_only"
		}
		return DialectDuckDB, "duckdb", path, nil
	default:
		return "", "", "", fmt.Errorf("unsupported database dsn scheme in %q", redact(trimmed))
	}
}

func Open(ctx context.Context, cfg DBConfig) (*sql.DB, Dialect, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, "", fmt.Errorf("database dsn is required")
	}
	dialect, driver, driverDSN, err := ParseDSN(cfg.DSN, cfg.ReadOnly)
	if err != nil {
		return nil, "", err
	}

	db, err := sql.Open(driver, driverDSN)
	if err != nil {
		return nil, "", fmt.Errorf("open %s db: %w", dialect, err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, "", fmt.Errorf("ping %s db: %w", dialect, err)
	}

	return db, dialect, nil
}

func redact(dsn string) string {
	scheme, rest, found := strings.Cut(dsn, "://")
	if !found {
		return "<dsn>"
	}
	if at := strings.LastIndex(rest, "@"); at >= 0 {
		rest = "***" + rest[at:]
	}
	return scheme + "://" + rest
}
