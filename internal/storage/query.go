package storage

import (
	"sort"
	"strings"

	"github.com/skywang16/orbitx/internal/errdef"
)

// Condition is a typed WHERE clause fragment. Builders render conditions to
// placeholder SQL plus an ordered parameter list, so no caller-supplied text
// is ever concatenated into a statement.
type Condition struct {
	op       string
	field    string
	values   []any
	children []Condition
}

func Eq(field string, v any) Condition  { return Condition{op: "=", field: field, values: []any{v}} }
func Ne(field string, v any) Condition  { return Condition{op: "!=", field: field, values: []any{v}} }
func Lt(field string, v any) Condition  { return Condition{op: "<", field: field, values: []any{v}} }
func Le(field string, v any) Condition  { return Condition{op: "<=", field: field, values: []any{v}} }
func Gt(field string, v any) Condition  { return Condition{op: ">", field: field, values: []any{v}} }
func Ge(field string, v any) Condition  { return Condition{op: ">=", field: field, values: []any{v}} }
func Like(field, pattern string) Condition {
	return Condition{op: "LIKE", field: field, values: []any{pattern}}
}
func In(field string, vs ...any) Condition { return Condition{op: "IN", field: field, values: vs} }
func IsNull(field string) Condition        { return Condition{op: "IS NULL", field: field} }
func IsNotNull(field string) Condition     { return Condition{op: "IS NOT NULL", field: field} }
func Between(field string, lo, hi any) Condition {
	return Condition{op: "BETWEEN", field: field, values: []any{lo, hi}}
}
func And(cs ...Condition) Condition { return Condition{op: "AND", children: cs} }
func Or(cs ...Condition) Condition  { return Condition{op: "OR", children: cs} }

func (c Condition) render() (string, []any, error) {
	switch c.op {
	case "=", "!=", "<", "<=", ">", ">=", "LIKE":
		return c.field + " " + c.op + " ?", c.values, nil
	case "IN":
		if len(c.values) == 0 {
			return "", nil, errdef.New(errdef.KindValidation, "IN condition on %s needs at least one value", c.field)
		}
		placeholders := strings.Repeat("?, ", len(c.values))
		return c.field + " IN (" + placeholders[:len(placeholders)-2] + ")", c.values, nil
	case "IS NULL", "IS NOT NULL":
		return c.field + " " + c.op, nil, nil
	case "BETWEEN":
		return c.field + " BETWEEN ? AND ?", c.values, nil
	case "AND", "OR":
		var parts []string
		var params []any
		for _, child := range c.children {
			sql, ps, err := child.render()
			if err != nil {
				return "", nil, err
			}
			parts = append(parts, sql)
			params = append(params, ps...)
		}
		return "(" + strings.Join(parts, " "+c.op+" ") + ")", params, nil
	default:
		return "", nil, errdef.New(errdef.KindValidation, "unknown condition operator %q", c.op)
	}
}

func renderConditions(cs []Condition) (string, []any, error) {
	var parts []string
	var params []any
	for _, c := range cs {
		sql, ps, err := c.render()
		if err != nil {
			return "", nil, err
		}
		parts = append(parts, sql)
		params = append(params, ps...)
	}
	return strings.Join(parts, " AND "), params, nil
}

// SelectBuilder produces parameterized SELECT statements.
type SelectBuilder struct {
	table      string
	fields     []string
	conditions []Condition
	orders     []string
	limit      int64
	offset     int64
	hasLimit   bool
	hasOffset  bool
}

func NewSelect(table string) *SelectBuilder {
	return &SelectBuilder{table: table, fields: []string{"*"}}
}

func (b *SelectBuilder) Select(fields ...string) *SelectBuilder {
	b.fields = fields
	return b
}

func (b *SelectBuilder) Where(c Condition) *SelectBuilder {
	b.conditions = append(b.conditions, c)
	return b
}

func (b *SelectBuilder) OrderByAsc(field string) *SelectBuilder {
	b.orders = append(b.orders, field+" ASC")
	return b
}

func (b *SelectBuilder) OrderByDesc(field string) *SelectBuilder {
	b.orders = append(b.orders, field+" DESC")
	return b
}

func (b *SelectBuilder) Limit(n int64) *SelectBuilder {
	b.limit, b.hasLimit = n, true
	return b
}

func (b *SelectBuilder) Offset(n int64) *SelectBuilder {
	b.offset, b.hasOffset = n, true
	return b
}

func (b *SelectBuilder) Build() (string, []any, error) {
	var sb strings.Builder
	sb.WriteString("SELECT ")
	sb.WriteString(strings.Join(b.fields, ", "))
	sb.WriteString(" FROM ")
	sb.WriteString(b.table)

	var params []any
	if len(b.conditions) > 0 {
		sql, ps, err := renderConditions(b.conditions)
		if err != nil {
			return "", nil, err
		}
		sb.WriteString(" WHERE ")
		sb.WriteString(sql)
		params = append(params, ps...)
	}
	if len(b.orders) > 0 {
		sb.WriteString(" ORDER BY ")
		sb.WriteString(strings.Join(b.orders, ", "))
	}
	if b.hasLimit {
		sb.WriteString(" LIMIT ?")
		params = append(params, b.limit)
	}
	if b.hasOffset {
		sb.WriteString(" OFFSET ?")
		params = append(params, b.offset)
	}
	return sb.String(), params, nil
}

// InsertBuilder produces parameterized INSERT statements with optional
// ON CONFLICT behavior. Fields render in sorted order so generated SQL is
// deterministic.
type InsertBuilder struct {
	table      string
	fields     map[string]any
	onConflict string
}

func NewInsert(table string) *InsertBuilder {
	return &InsertBuilder{table: table, fields: make(map[string]any)}
}

func (b *InsertBuilder) Set(field string, v any) *InsertBuilder {
	b.fields[field] = v
	return b
}

func (b *InsertBuilder) OnConflictReplace() *InsertBuilder {
	b.onConflict = "REPLACE"
	return b
}

func (b *InsertBuilder) OnConflictIgnore() *InsertBuilder {
	b.onConflict = "IGNORE"
	return b
}

func (b *InsertBuilder) Build() (string, []any, error) {
	if len(b.fields) == 0 {
		return "", nil, errdef.New(errdef.KindValidation, "no fields specified for insert into %s", b.table)
	}
	fields := sortedKeys(b.fields)
	params := make([]any, 0, len(fields))
	for _, f := range fields {
		params = append(params, b.fields[f])
	}

	verb := "INSERT"
	if b.onConflict != "" {
		verb = "INSERT OR " + b.onConflict
	}
	placeholders := strings.Repeat("?, ", len(fields))
	sql := verb + " INTO " + b.table + " (" + strings.Join(fields, ", ") + ") VALUES (" + placeholders[:len(placeholders)-2] + ")"
	return sql, params, nil
}

// UpdateBuilder produces parameterized UPDATE statements. An update with zero
// fields fails validation rather than emitting degenerate SQL.
type UpdateBuilder struct {
	table      string
	fields     map[string]any
	conditions []Condition
}

func NewUpdate(table string) *UpdateBuilder {
	return &UpdateBuilder{table: table, fields: make(map[string]any)}
}

func (b *UpdateBuilder) Set(field string, v any) *UpdateBuilder {
	b.fields[field] = v
	return b
}

func (b *UpdateBuilder) Where(c Condition) *UpdateBuilder {
	b.conditions = append(b.conditions, c)
	return b
}

func (b *UpdateBuilder) Build() (string, []any, error) {
	if len(b.fields) == 0 {
		return "", nil, errdef.New(errdef.KindValidation, "no fields specified for update of %s", b.table)
	}
	fields := sortedKeys(b.fields)
	setClauses := make([]string, 0, len(fields))
	params := make([]any, 0, len(fields))
	for _, f := range fields {
		setClauses = append(setClauses, f+" = ?")
		params = append(params, b.fields[f])
	}

	sql := "UPDATE " + b.table + " SET " + strings.Join(setClauses, ", ")
	if len(b.conditions) > 0 {
		where, ps, err := renderConditions(b.conditions)
		if err != nil {
			return "", nil, err
		}
		sql += " WHERE " + where
		params = append(params, ps...)
	}
	return sql, params, nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
