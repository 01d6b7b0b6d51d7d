// Package migrations creates and evolves the smart_buildings schema the question pipeline reads.
package migrations

import (
	"cmp"
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"regexp"
	"slices"
	"strconv"
	"strings"
)

//go:embed sql/*.sql
var embeddedFS embed.FS

const (
	historyTable = "energyqa_schema_migrations"
	// lockKey serializes concurrent runners against one database.
	lockKey int64 = 0x656e65726779
)

// ErrChecksumMismatch marks an applied migration whose source changed afterwards.
var ErrChecksumMismatch = errors.New("applied migration changed since it ran")

var fileName = regexp.MustCompile(`^(\d+)_([a-z0-9_]+)\.(up|down)\.sql$`)

type script struct {
	Version  int64
	Name     string
	Up       string
	Down     string
	Checksum string
}

type record struct {
	Version  int64
	Checksum string
}

type Runner struct {
	fsys   fs.FS
	logger *slog.Logger
}

// NewRunner applies the embedded smart_buildings demo schema.
func NewRunner(logger *slog.Logger) *Runner {
	return NewRunnerFS(embeddedFS, logger)
}

// NewRunnerFS reads scripts named <version>_<name>.<up|down>.sql from the sql/ directory of fsys.
func NewRunnerFS(fsys fs.FS, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Runner{fsys: fsys, logger: logger}
}

type Status struct {
	Applied []int64
	Pending []int64
	// Drifted lists applied versions whose up script no longer matches the recorded checksum.
	Drifted []int64
}

func (r *Runner) Status(ctx context.Context, db *sql.DB) (Status, error) {
	scripts, history, err := r.prepare(ctx, db)
	if err != nil {
		return Status{}, err
	}
	var status Status
	for _, s := range scripts {
		checksum, ok := history[s.Version]
		switch {
		case !ok:
			status.Pending = append(status.Pending, s.Version)
		case checksum != s.Checksum:
			status.Applied = append(status.Applied, s.Version)
			status.Drifted = append(status.Drifted, s.Version)
		default:
			status.Applied = append(status.Applied, s.Version)
		}
	}
	return status, nil
}

// Up applies pending scripts oldest first, stopping after steps when steps > 0.
// It refuses to run while any applied script has drifted.
func (r *Runner) Up(ctx context.Context, db *sql.DB, steps int) (int, error) {
	scripts, history, err := r.prepare(ctx, db)
	if err != nil {
		return 0, err
	}
	if err := checkDrift(scripts, history); err != nil {
		return 0, err
	}

	applied := 0
	for _, s := range scripts {
		if _, done := history[s.Version]; done {
			continue
		}
		if steps > 0 && applied == steps {
			break
		}
		err := inTx(ctx, db, s.Up,
			`INSERT INTO `+historyTable+` (version, name, checksum) VALUES ($1, $2, $3)`,
			s.Version, s.Name, s.Checksum)
		if err != nil {
			return applied, fmt.Errorf("apply migration %d (%s): %w", s.Version, s.Name, err)
		}
		r.logger.InfoContext(ctx, "migration_applied", slog.Int64("version", s.Version), slog.String("name", s.Name))
		applied++
	}
	return applied, nil
}

// Down reverts the newest applied scripts. steps <= 0 reverts one.
func (r *Runner) Down(ctx context.Context, db *sql.DB, steps int) (int, error) {
	if steps <= 0 {
		steps = 1
	}
	scripts, history, err := r.prepare(ctx, db)
	if err != nil {
		return 0, err
	}
	byVersion := make(map[int64]script, len(scripts))
	for _, s := range scripts {
		byVersion[s.Version] = s
	}
	versions := make([]int64, 0, len(history))
	for version := range history {
		versions = append(versions, version)
	}
	slices.Sort(versions)
	slices.Reverse(versions)

	reverted := 0
	for _, version := range versions {
		if reverted == steps {
			break
		}
		s, ok := byVersion[version]
		if !ok {
			return reverted, fmt.Errorf("applied migration %d has no source script", version)
		}
		err := inTx(ctx, db, s.Down, `DELETE FROM `+historyTable+` WHERE version = $1`, s.Version)
		if err != nil {
			return reverted, fmt.Errorf("revert migration %d (%s): %w", s.Version, s.Name, err)
		}
		r.logger.InfoContext(ctx, "migration_reverted", slog.Int64("version", s.Version), slog.String("name", s.Name))
		reverted++
	}
	return reverted, nil
}

func (r *Runner) prepare(ctx context.Context, db *sql.DB) ([]script, map[int64]string, error) {
	scripts, err := readScripts(r.fsys)
	if err != nil {
		return nil, nil, err
	}
	_, err = db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+historyTable+` (
	version BIGINT PRIMARY KEY,
	name TEXT NOT NULL,
	checksum TEXT NOT NULL,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`)
	if err != nil {
		return nil, nil, fmt.Errorf("create migration history: %w", err)
	}
	history, err := readHistory(ctx, db)
	if err != nil {
		return nil, nil, err
	}
	return scripts, history, nil
}

func checkDrift(scripts []script, history map[int64]string) error {
	for _, s := range scripts {
		if checksum, ok := history[s.Version]; ok && checksum != s.Checksum {
			return fmt.Errorf("%w: %d (%s)", ErrChecksumMismatch, s.Version, s.Name)
		}
	}
	return nil
}

// inTx runs body and the history statement in one transaction holding the runner lock.
func inTx(ctx context.Context, db *sql.DB, body, history string, args ...any) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, lockKey); err != nil {
		return fmt.Errorf("lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx, body); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, history, args...); err != nil {
		return fmt.Errorf("record history: %w", err)
	}
	return tx.Commit()
}

func readHistory(ctx context.Context, db *sql.DB) (map[int64]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT version, checksum FROM `+historyTable)
	if err != nil {
		return nil, fmt.Errorf("read migration history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	history := map[int64]string{}
	for rows.Next() {
		var rec record
		if err := rows.Scan(&rec.Version, &rec.Checksum); err != nil {
			return nil, fmt.Errorf("scan migration history: %w", err)
		}
		history[rec.Version] = rec.Checksum
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read migration history: %w", err)
	}
	return history, nil
}

// readScripts pairs up and down files by version. Both halves are required and must share a name.
func readScripts(fsys fs.FS) ([]script, error) {
	entries, err := fs.ReadDir(fsys, "sql")
	if err != nil {
		return nil, fmt.Errorf("read migration dir: %w", err)
	}

	byVersion := map[int64]*script{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		parts := fileName.FindStringSubmatch(entry.Name())
		if parts == nil {
			continue
		}
		version, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("migration %q: bad version: %w", entry.Name(), err)
		}
		body, err := fs.ReadFile(fsys, "sql/"+entry.Name())
		if err != nil {
			return nil, fmt.Errorf("read migration %q: %w", entry.Name(), err)
		}

		s := byVersion[version]
		if s == nil {
			s = &script{Version: version, Name: parts[2]}
			byVersion[version] = s
		} else if s.Name != parts[2] {
			return nil, fmt.Errorf("migration %d has conflicting names %q and %q", version, s.Name, parts[2])
		}
		if parts[3] == "up" {
			s.Up = string(body)
		} else {
			s.Down = string(body)
		}
	}

	scripts := make([]script, 0, len(byVersion))
	for _, s := range byVersion {
		if strings.TrimSpace(s.Up) == "" {
			return nil, fmt.Errorf("migration %d missing up SQL", s.Version)
		}
		if strings.TrimSpace(s.Down) == "" {
			return nil, fmt.Errorf("migration %d missing down SQL", s.Version)
		}
		sum := sha256.Sum256([]byte(s.Up))
		s.Checksum = hex.EncodeToString(sum[:])
		scripts = append(scripts, *s)
	}
	slices.SortFunc(scripts, func(a, b script) int { return cmp.Compare(a.Version, b.Version) })
	return scripts, nil
}
