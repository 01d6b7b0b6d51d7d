package schemactx

import (
	"context"
	"database/sql"
	"fmt"
)

type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

const (
	columnsQuery = `
		SELECT c.table_name, c.column_name, c.data_type, c.is_nullable = 'YES'
		FROM information_schema.columns c
		JOIN information_schema.tables t
			ON t.table_schema = c.table_schema AND t.table_name = c.table_name
		WHERE c.table_schema = $1
		  AND t.table_type = 'BASE TABLE'
		ORDER BY c.table_name, c.ordinal_position`

	primaryKeysQuery = `
		SELECT tc.table_name, kcu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
			ON tc.constraint_name = kcu.constraint_name
			AND tc.table_schema = kcu.table_schema
		WHERE tc.constraint_type = 'PRIMARY KEY'
		  AND tc.table_schema = $1
		ORDER BY tc.table_name, kcu.ordinal_position`

	foreignKeysQuery = `
		SELECT tc.table_name, kcu.column_name, ccu.table_name, ccu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
			ON tc.constraint_name = kcu.constraint_name
			AND tc.table_schema = kcu.table_schema
		JOIN information_schema.constraint_column_usage ccu
			ON tc.constraint_name = ccu.constraint_name
			AND tc.table_schema = ccu.table_schema
		WHERE tc.constraint_type = 'FOREIGN KEY'
		  AND tc.table_schema = $1
		ORDER BY tc.table_name, kcu.column_name`
)

// Introspect reads tables, columns and keys of one schema from information_schema.
func Introspect(ctx context.Context, db Querier, schema string) (Static, error) {
	if schema == "" {
		schema = "public"
	}
	tables, err := loadTables(ctx, db, schema)
	if err != nil {
		return Static{}, fmt.Errorf("introspect schema %s: %w", schema, err)
	}
	if len(tables) == 0 {
		return Static{}, fmt.Errorf("introspect schema %s: no tables found", schema)
	}
	return NewStatic(Render(tables))
}

func loadTables(ctx context.Context, db Querier, schema string) ([]Table, error) {
	var order []string
	byName := map[string]*Table{}
	rows, err := db.QueryContext(ctx, columnsQuery, schema)
	if err != nil {
		return nil, fmt.Errorf("load columns: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var tableName string
		var col Column
		if err := rows.Scan(&tableName, &col.Name, &col.Type, &col.Nullable); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		table, ok := byName[tableName]
		if !ok {
			table = &Table{Schema: schema, Name: tableName}
			byName[tableName] = table
			order = append(order, tableName)
		}
		table.Columns = append(table.Columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate columns: %w", err)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}

	primaryKeys, err := pairs(ctx, db, primaryKeysQuery, schema)
	if err != nil {
		return nil, fmt.Errorf("load primary keys: %w", err)
	}
	for _, pk := range primaryKeys {
		if table, ok := byName[pk[0]]; ok {
			table.PrimaryKeys = append(table.PrimaryKeys, pk[1])
		}
	}

	// Not every engine exposes constraint_column_usage; foreign keys are optional.
	foreignKeys, err := quads(ctx, db, foreignKeysQuery, schema)
	if err == nil {
		for _, fk := range foreignKeys {
			if table, ok := byName[fk[0]]; ok {
				table.ForeignKeys = append(table.ForeignKeys, ForeignKey{Column: fk[1], ForeignTable: fk[2], ForeignColumn: fk[3]})
			}
		}
	}

	tables := make([]Table, 0, len(order))
	for _, name := range order {
		tables = append(tables, *byName[name])
	}
	return tables, nil
}

func pairs(ctx context.Context, db Querier, query, schema string) ([][2]string, error) {
	rows, err := db.QueryContext(ctx, query, schema)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out [][2]string
	for rows.Next() {
		var row [2]string
		if err := rows.Scan(&row[0], &row[1]); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func quads(ctx context.Context, db Querier, query, schema string) ([][4]string, error) {
	rows, err := db.QueryContext(ctx, query, schema)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out [][4]string
	for rows.Next() {
		var row [4]string
		if err := rows.Scan(&row[0], &row[1], &row[2], &row[3]); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
