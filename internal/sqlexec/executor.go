package sqlexec

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

type Kind string

const (
	KindRows   Kind = "rows"
	KindNoRows Kind = "no_rows"
	KindError  Kind = "error"
)

const (
	NoRowsSentinel = "no rows"
	ErrorSentinel  = "execution error"
)

// Result is the display-ready outcome of one execution. Text is the rendered table or a sentinel.
type Result struct {
	Kind      Kind
	Text      string
	Columns   []string
	RowCount  int
	Detail    string
	Transient bool
	Duration  time.Duration
}

func (r Result) Failed() bool {
	return r.Kind == KindError
}

type ExecutorOptions struct {
	SearchPath     string
	AcquireTimeout time.Duration
	Logger         *slog.Logger
}

type Executor struct {
	db             *sql.DB
	dialect        Dialect
	searchPath     string
	acquireTimeout time.Duration
	logger         *slog.Logger
}

func NewExecutor(db *sql.DB, dialect Dialect, opts ExecutorOptions) *Executor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	acquireTimeout := opts.AcquireTimeout
	if acquireTimeout <= 0 {
		acquireTimeout = 5 * time.Second
	}
	return &Executor{
		db:             db,
		dialect:        dialect,
		searchPath:     strings.TrimSpace(opts.SearchPath),
		acquireTimeout: acquireTimeout,
		logger:         logger,
	}
}

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Execute never returns an error: failures become a KindError result.
func (e *Executor) Execute(ctx context.Context, sqlText string) Result {
	start := time.Now()
	result := e.execute(ctx, sqlText)
	result.Duration = time.Since(start)
	if result.Kind == KindError {
		e.logger.WarnContext(ctx, "sql_execution_failed",
			slog.String("detail", result.Detail),
			slog.Bool("transient", result.Transient),
			slog.String("duration", result.Duration.String()),
		)
	} else {
		e.logger.DebugContext(ctx, "sql_executed",
			slog.String("kind", string(result.Kind)),
			slog.Int("rows", result.RowCount),
			slog.String("duration", result.Duration.String()),
		)
	}
	return result
}

func (e *Executor) execute(ctx context.Context, sqlText string) (result Result) {
	defer func() {
		if recovered := recover(); recovered != nil {
			result = failure(fmt.Errorf("panic during execution: %v", recovered), false)
		}
	}()

	query := stripTrailingSemicolons(sqlText)
	if query == "" {
		return failure(errors.New("sql is required"), false)
	}
	if e.db == nil {
		return failure(errors.New("database is not configured"), false)
	}

	acquireCtx, cancel := context.WithTimeout(ctx, e.acquireTimeout)
	conn, err := e.db.Conn(acquireCtx)
	cancel()
	if err != nil {
		transient := ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded)
		return failure(fmt.Errorf("acquire connection: %w", err), transient)
	}
	defer func() { _ = conn.Close() }()

	switch e.dialect {
	case DialectDuckDB:
		return e.executeDuckDB(ctx, conn, query)
	default:
		return e.executePostgres(ctx, conn, query)
	}
}

func (e *Executor) executePostgres(ctx context.Context, conn *sql.Conn, query string) Result {
	tx, err := conn.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return failure(fmt.Errorf("begin read-only transaction: %w", err), false)
	}
	defer func() { _ = tx.Rollback() }()

	if e.searchPath != "" {
		if _, err := tx.ExecContext(ctx, "SET LOCAL search_path TO "+quoteIdent(e.searchPath)); err != nil {
			return failure(fmt.Errorf("set search_path: %w", err), false)
		}
	}
	return run(ctx, tx, query)
}

func (e *Executor) executeDuckDB(ctx context.Context, conn *sql.Conn, query string) Result {
	if e.searchPath != "" {
		if _, err := conn.ExecContext(ctx, "SET search_path = "+quoteLiteral(e.searchPath)); err != nil {
			return failure(fmt.Errorf("set search_path: %w", err), false)
		}
		defer func() { _, _ = conn.ExecContext(context.WithoutCancel(ctx), "RESET search_path") }()
	}
	return run(ctx, conn, query)
}

func run(ctx context.Context, q queryer, query string) Result {
	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return failure(fmt.Errorf("execute query: %w", err), false)
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return failure(fmt.Errorf("query columns: %w", err), false)
	}
	columnTypes, err := rows.ColumnTypes()
	if err != nil {
		return failure(fmt.Errorf("query column types: %w", err), false)
	}
	typeNames := make([]string, len(columnTypes))
	for i, columnType := range columnTypes {
		typeNames[i] = strings.ToUpper(columnType.DatabaseTypeName())
	}

	var rendered [][]string
	for rows.Next() {
		values := make([]any, len(columns))
		scanTargets := make([]any, len(columns))
		for i := range values {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return failure(fmt.Errorf("scan row: %w", err), false)
		}
		cells := make([]string, len(values))
		for i, value := range values {
			cells[i] = FormatValue(value, typeNames[i])
		}
		rendered = append(rendered, cells)
	}
	if err := rows.Err(); err != nil {
		return failure(fmt.Errorf("iterate rows: %w", err), false)
	}

	if len(rendered) == 0 {
		return Result{Kind: KindNoRows, Text: NoRowsSentinel, Columns: columns}
	}
	return Result{
		Kind:     KindRows,
		Text:     RenderMarkdown(columns, rendered),
		Columns:  columns,
		RowCount: len(rendered),
	}
}

func failure(err error, transient bool) Result {
	return Result{Kind: KindError, Text: ErrorSentinel, Detail: err.Error(), Transient: transient}
}

func quoteIdent(value string) string {
	return `"` + strings.ReplaceAll(value, `"`, `""`) + `"`
}

func quoteLiteral(value string) string {
	return `'` + strings.ReplaceAll(value, `'`, `''`) + `'`
}

func stripTrailingSemicolons(sqlText string) string {
	trimmed := strings.TrimSpace(sqlText)
	for strings.HasSuffix(trimmed, ";") {
		trimmed = strings.TrimSpace(strings.TrimSuffix(trimmed, ";"))
	}
	return trimmed
}
