package processor

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
)

// TableSchema is the column layout of a source table in ordinal order
type TableSchema struct {
	Columns    []string
	Types      []string
	PrimaryKey []string
}

// SchemaLookup resolves the layout of a source table
type SchemaLookup interface {
	Table(ctx context.Context, database, table string) (*TableSchema, error)
}

// InformationSchema reads table layouts from INFORMATION_SCHEMA.COLUMNS and
// caches them per table
type InformationSchema struct {
	db *sql.DB

	mu    sync.Mutex
	cache map[string]*TableSchema
}

func NewInformationSchema(db *sql.DB) *InformationSchema {
	return &InformationSchema{
		db:    db,
		cache: make(map[string]*TableSchema),
	}
}

const columnsQuery = `
	SELECT COLUMN_NAME, COLUMN_TYPE, COLUMN_KEY
	FROM INFORMATION_SCHEMA.COLUMNS
	WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ?
	ORDER BY ORDINAL_POSITION
`

func (s *InformationSchema) Table(ctx context.Context, database, table string) (*TableSchema, error) {
	cacheKey := database + "." + table

	s.mu.Lock()
	defer s.mu.Unlock()

	if schema, ok := s.cache[cacheKey]; ok {
		return schema, nil
	}

	rows, err := s.db.QueryContext(ctx, columnsQuery, database, table)
	if err != nil {
		return nil, fmt.Errorf("failed to query column info: %w", err)
	}
	defer rows.Close()

	schema := &TableSchema{}
	for rows.Next() {
		var name, columnType, columnKey string
		if err := rows.Scan(&name, &columnType, &columnKey); err != nil {
			return nil, fmt.Errorf("failed to scan column info: %w", err)
		}
		schema.Columns = append(schema.Columns, name)
		schema.Types = append(schema.Types, columnType)
		if columnKey == "PRI" {
			schema.PrimaryKey = append(schema.PrimaryKey, name)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating columns: %w", err)
	}
	if len(schema.Columns) == 0 {
		return nil, fmt.Errorf("table %s not found in INFORMATION_SCHEMA", cacheKey)
	}

	s.cache[cacheKey] = schema

	return schema, nil
}

// Invalidate drops the cached layout of a table, e.g. after DDL
func (s *InformationSchema) Invalidate(database, table string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cache, database+"."+table)
}
