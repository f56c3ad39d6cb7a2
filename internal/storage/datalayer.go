package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/skywang16/orbitx/internal/errdef"
)

// allowedTables is the writable surface of the generic data layer. Repository
// methods cover the common paths; SaveData/QueryData exist for tooling and
// the config UI, and stay restricted to known tables.
var allowedTables = map[string]bool{
	"ai_models":          true,
	"conversations":      true,
	"messages":           true,
	"audit_logs":         true,
	"agent_tasks":        true,
	"agent_tool_calls":   true,
	"vector_workspaces":  true,
	"completion_history": true,
}

// DataLayer is the generic row-oriented access path over the scope database.
type DataLayer struct {
	db      *Database
	backups string
}

func NewDataLayer(db *Database, paths *Paths) *DataLayer {
	return &DataLayer{db: db, backups: paths.BackupsDir()}
}

// SaveData inserts or replaces one typed row described as a field map. When
// opts.Backup is set and a row with the same primary key exists, its previous
// value is written to the backup directory before the mutation.
func (l *DataLayer) SaveData(ctx context.Context, values map[string]any, opts SaveOptions) error {
	if opts.Table == "" {
		return errdef.New(errdef.KindValidation, "save requires a table")
	}
	if !allowedTables[opts.Table] {
		return errdef.New(errdef.KindValidation, "table %q is not writable via the data layer", opts.Table)
	}
	if opts.Validate && len(values) == 0 {
		return errdef.New(errdef.KindValidation, "no values to save")
	}

	if opts.Backup {
		if err := l.backupRow(ctx, opts.Table, values); err != nil {
			return err
		}
	}

	builder := NewInsert(opts.Table)
	for k, v := range values {
		builder.Set(k, v)
	}
	if opts.Overwrite {
		builder.OnConflictReplace()
	} else {
		builder.OnConflictIgnore()
	}
	query, params, err := builder.Build()
	if err != nil {
		return err
	}
	if _, err := l.db.DB().ExecContext(ctx, query, params...); err != nil {
		return errdef.Wrap(err, errdef.KindIo, "save into %s", opts.Table)
	}
	return nil
}

// QueryData executes a builder-generated SELECT and returns rows as maps.
func (l *DataLayer) QueryData(ctx context.Context, q DataQuery) ([]map[string]any, error) {
	if err := checkBuilderQuery(q.Query); err != nil {
		return nil, err
	}

	query := q.Query
	params := append([]any(nil), q.Params...)
	if q.OrderBy != "" {
		dir := "ASC"
		if q.Desc {
			dir = "DESC"
		}
		query += " ORDER BY " + q.OrderBy + " " + dir
	}
	if q.Limit > 0 {
		query += " LIMIT ?"
		params = append(params, q.Limit)
	}
	if q.Offset > 0 {
		query += " OFFSET ?"
		params = append(params, q.Offset)
	}

	rows, err := l.db.DB().QueryContext(ctx, query, params...)
	if err != nil {
		return nil, errdef.Wrap(err, errdef.KindIo, "query data")
	}
	defer rows.Close()
	return scanRows(rows)
}

// checkBuilderQuery rejects query text that could not have come from the
// builders: multiple statements, comments, or non-SELECT verbs.
func checkBuilderQuery(query string) error {
	trimmed := strings.TrimSpace(query)
	upper := strings.ToUpper(trimmed)
	if !strings.HasPrefix(upper, "SELECT ") {
		return errdef.New(errdef.KindValidation, "data layer queries must be SELECT statements")
	}
	if strings.ContainsAny(trimmed, ";") || strings.Contains(trimmed, "--") || strings.Contains(trimmed, "/*") {
		return errdef.New(errdef.KindValidation, "free-form SQL is rejected; use the query builders")
	}
	return nil
}

func scanRows(rows *sql.Rows) ([]map[string]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, errdef.Wrap(err, errdef.KindIo, "read result columns")
	}
	var out []map[string]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, errdef.Wrap(err, errdef.KindSerialization, "scan row")
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			if b, ok := vals[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = vals[i]
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// backupRow snapshots the current value of the row targeted by values (keyed
// by the table's primary key column, when present in the value map).
func (l *DataLayer) backupRow(ctx context.Context, table string, values map[string]any) error {
	pkCol := primaryKeyColumn(table)
	pk, ok := values[pkCol]
	if !ok {
		return nil
	}
	query, params, err := NewSelect(table).Where(Eq(pkCol, pk)).Build()
	if err != nil {
		return err
	}
	rows, err := l.db.DB().QueryContext(ctx, query, params...)
	if err != nil {
		return errdef.Wrap(err, errdef.KindIo, "read row for backup")
	}
	existing, err := scanRows(rows)
	rows.Close()
	if err != nil || len(existing) == 0 {
		return err
	}

	payload, err := json.MarshalIndent(existing[0], "", "  ")
	if err != nil {
		return errdef.Wrap(err, errdef.KindSerialization, "encode backup")
	}
	name := fmt.Sprintf("%s-%v-%d.json", table, pk, time.Now().UnixNano())
	path := filepath.Join(l.backups, sanitizeFileName(name))
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return errdef.Wrap(err, errdef.KindIo, "write backup %s", path)
	}
	return nil
}

func primaryKeyColumn(table string) string {
	switch table {
	case "ai_models":
		return "id"
	case "agent_tasks":
		return "task_id"
	case "agent_tool_calls":
		return "call_id"
	case "vector_workspaces":
		return "workspace_path"
	default:
		return "id"
	}
}

func sanitizeFileName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.' || r == '-' || r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}
