package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"github.com/dentdesk/dentdesk/internal/platform/remote"
)

// queryable is satisfied by *pgxpool.Pool and pgx.Tx.
type queryable interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Tables implements remote.Tables directly on Postgres. Rows come back as
// jsonb built by the query itself, so embedded relations have the same
// shape PostgREST produces.
type Tables struct {
	db     queryable
	schema *remote.Schema
	logger zerolog.Logger
}

// NewTables creates a Postgres table backend.
func NewTables(db queryable, schema *remote.Schema, logger zerolog.Logger) *Tables {
	return &Tables{db: db, schema: schema, logger: logger.With().Str("component", "pg_tables").Logger()}
}

// Select runs q.
func (t *Tables) Select(ctx context.Context, q *remote.Query) ([]json.RawMessage, error) {
	sql, args, err := BuildSelect(t.schema, q)
	if err != nil {
		return nil, err
	}
	rows, err := t.collect(ctx, t.db, sql, args)
	if err != nil {
		return nil, err
	}
	if q.Single && len(rows) != 1 {
		return nil, remote.SingleRowError(len(rows))
	}
	return rows, nil
}

// Insert writes the columns present in row and returns the stored row.
func (t *Tables) Insert(ctx context.Context, table string, row any) (json.RawMessage, error) {
	sql, args, err := BuildInsert(t.schema, table, row)
	if err != nil {
		return nil, err
	}
	rows, err := t.collect(ctx, t.db, sql, args)
	if err != nil {
		return nil, err
	}
	if len(rows) != 1 {
		return nil, remote.SingleRowError(len(rows))
	}
	return rows[0], nil
}

// Update patches the single row matching match. The statement runs in a
// transaction that is rolled back unless exactly one row changed.
func (t *Tables) Update(ctx context.Context, table string, match remote.Filter, patch any) (json.RawMessage, error) {
	sql, args, err := BuildUpdate(t.schema, table, match, patch)
	if err != nil {
		return nil, err
	}
	tx, err := t.db.Begin(ctx)
	if err != nil {
		return nil, translate(err)
	}
	defer tx.Rollback(ctx)

	rows, err := t.collect(ctx, tx, sql, args)
	if err != nil {
		return nil, err
	}
	if len(rows) != 1 {
		return nil, remote.SingleRowError(len(rows))
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, translate(err)
	}
	return rows[0], nil
}

// Delete removes the rows matching match.
func (t *Tables) Delete(ctx context.Context, table string, match remote.Filter) error {
	if _, err := t.schema.Table(table); err != nil {
		return err
	}
	var b builder
	cond, err := b.filter("t0", match)
	if err != nil {
		return err
	}
	sql := fmt.Sprintf("DELETE FROM %s t0 WHERE %s", table, cond)
	tag, err := t.db.Exec(ctx, sql, b.args...)
	if err != nil {
		return translate(err)
	}
	t.logger.Debug().Str("table", table).Int64("rows", tag.RowsAffected()).Msg("delete")
	return nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (t *Tables) collect(ctx context.Context, q querier, sql string, args []any) ([]json.RawMessage, error) {
	t.logger.Debug().Str("sql", sql).Int("args", len(args)).Msg("query")
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	var out []json.RawMessage
	for rows.Next() {
		var b []byte
		if err := rows.Scan(&b); err != nil {
			return nil, translate(err)
		}
		out = append(out, json.RawMessage(b))
	}
	if err := rows.Err(); err != nil {
		return nil, translate(err)
	}
	return out, nil
}

// translate maps driver errors onto remote.Error so callers see the same
// codes from every backend.
func translate(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		status := http.StatusBadRequest
		switch pgErr.Code {
		case "23505", "23503":
			status = http.StatusConflict
		case "42501":
			status = http.StatusForbidden
		}
		return &remote.Error{
			Code:    pgErr.Code,
			Message: pgErr.Message,
			Details: pgErr.Detail,
			Hint:    pgErr.Hint,
			Status:  status,
			Err:     err,
		}
	}
	if remote.IsCanceled(err) {
		return err
	}
	return remote.NetworkError(err)
}

// builder accumulates positional arguments while SQL is generated.
type builder struct {
	args  []any
	alias int
}

func (b *builder) arg(v any) string {
	if id, ok := v.(uuid.UUID); ok {
		v = id.String()
	}
	b.args = append(b.args, v)
	return fmt.Sprintf("$%d", len(b.args))
}

func (b *builder) nextAlias() string {
	b.alias++
	return fmt.Sprintf("t%d", b.alias)
}

func badColumn(col string) error {
	return &remote.Error{Code: remote.CodeUndefinedColumn, Message: fmt.Sprintf("invalid column %q", col), Status: http.StatusBadRequest}
}

var sqlOps = map[remote.Op]string{
	remote.OpEq:  "=",
	remote.OpNeq: "<>",
	remote.OpGt:  ">",
	remote.OpGte: ">=",
	remote.OpLt:  "<",
	remote.OpLte: "<=",
}

func (b *builder) filter(alias string, f remote.Filter) (string, error) {
	if !remote.ValidIdent(f.Column) {
		return "", badColumn(f.Column)
	}
	if f.Op == remote.OpILike {
		return fmt.Sprintf("%s.%s::text ILIKE %s", alias, f.Column, b.arg(remote.FormatValue(f.Value))), nil
	}
	op, ok := sqlOps[f.Op]
	if !ok {
		return "", &remote.Error{Code: remote.CodeInvalidInput, Message: fmt.Sprintf("unknown operator %q", f.Op), Status: http.StatusBadRequest}
	}
	return fmt.Sprintf("%s.%s %s %s", alias, f.Column, op, b.arg(f.Value)), nil
}

// projection builds the jsonb expression for one row of table aliased as
// alias, recursing into embedded relations.
func (b *builder) projection(schema *remote.Schema, table, alias string, sel remote.Selection) (string, error) {
	var base string
	switch {
	case sel.Star:
		base = fmt.Sprintf("to_jsonb(%s)", alias)
	case len(sel.Columns) > 0:
		parts := make([]string, 0, len(sel.Columns))
		for _, col := range sel.Columns {
			parts = append(parts, fmt.Sprintf("'%s', %s.%s", col, alias, col))
		}
		base = "jsonb_build_object(" + strings.Join(parts, ", ") + ")"
	default:
		base = "'{}'::jsonb"
	}
	if len(sel.Relations) == 0 {
		return base, nil
	}

	embeds := make([]string, 0, len(sel.Relations))
	for _, rs := range sel.Relations {
		rel, err := schema.Relation(table, rs.Name)
		if err != nil {
			return "", err
		}
		child := b.nextAlias()
		inner, err := b.projection(schema, rel.Table, child, rs.Selection)
		if err != nil {
			return "", err
		}
		var sub string
		if rel.Many {
			sub = fmt.Sprintf("(SELECT COALESCE(jsonb_agg(%s), '[]'::jsonb) FROM %s %s WHERE %s.%s = %s.%s)",
				inner, rel.Table, child, child, rel.ForeignColumn, alias, rel.LocalColumn)
		} else {
			sub = fmt.Sprintf("(SELECT %s FROM %s %s WHERE %s.%s = %s.%s LIMIT 1)",
				inner, rel.Table, child, child, rel.ForeignColumn, alias, rel.LocalColumn)
		}
		embeds = append(embeds, fmt.Sprintf("'%s', %s", rs.Name, sub))
	}
	return fmt.Sprintf("%s || jsonb_build_object(%s)", base, strings.Join(embeds, ", ")), nil
}

// BuildSelect renders q as a statement returning one jsonb column.
func BuildSelect(schema *remote.Schema, q *remote.Query) (string, []any, error) {
	if _, err := schema.Table(q.Table); err != nil {
		return "", nil, err
	}
	sel, err := remote.ParseSelection(q.Columns)
	if err != nil {
		return "", nil, &remote.Error{Code: remote.CodeInvalidInput, Message: err.Error(), Status: http.StatusBadRequest}
	}

	var b builder
	proj, err := b.projection(schema, q.Table, "t0", sel)
	if err != nil {
		return "", nil, err
	}

	var where []string
	for _, f := range q.Filters {
		cond, err := b.filter("t0", f)
		if err != nil {
			return "", nil, err
		}
		where = append(where, cond)
	}
	if len(q.AnyOf) > 0 {
		ors := make([]string, 0, len(q.AnyOf))
		for _, f := range q.AnyOf {
			cond, err := b.filter("t0", f)
			if err != nil {
				return "", nil, err
			}
			ors = append(ors, cond)
		}
		where = append(where, "("+strings.Join(ors, " OR ")+")")
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT %s FROM %s t0", proj, q.Table)
	if len(where) > 0 {
		sb.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	if q.Sort != nil {
		if !remote.ValidIdent(q.Sort.Column) {
			return "", nil, badColumn(q.Sort.Column)
		}
		dir := "DESC"
		if q.Sort.Ascending {
			dir = "ASC"
		}
		fmt.Fprintf(&sb, " ORDER BY t0.%s %s", q.Sort.Column, dir)
	}
	switch {
	case q.Single:
		sb.WriteString(" LIMIT 2")
	case q.Limit > 0:
		fmt.Fprintf(&sb, " LIMIT %d", q.Limit)
	}
	return sb.String(), b.args, nil
}

// columnsOf returns the sorted column names of a row payload.
func columnsOf(row any) (map[string]any, []string, error) {
	m, err := remote.ToMap(row)
	if err != nil {
		return nil, nil, err
	}
	cols := make([]string, 0, len(m))
	for k := range m {
		if !remote.ValidIdent(k) {
			return nil, nil, badColumn(k)
		}
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return m, cols, nil
}

// BuildInsert renders an insert of the columns present in row. Absent
// columns keep their database defaults.
func BuildInsert(schema *remote.Schema, table string, row any) (string, []any, error) {
	if _, err := schema.Table(table); err != nil {
		return "", nil, err
	}
	m, cols, err := columnsOf(row)
	if err != nil {
		return "", nil, err
	}
	if len(cols) == 0 {
		return fmt.Sprintf("INSERT INTO %s AS t0 DEFAULT VALUES RETURNING to_jsonb(t0)", table), nil, nil
	}
	payload, err := json.Marshal(m)
	if err != nil {
		return "", nil, err
	}
	list := strings.Join(cols, ", ")
	sql := fmt.Sprintf(
		"INSERT INTO %s AS t0 (%s) SELECT %s FROM jsonb_populate_record(NULL::%s, $1::jsonb) RETURNING to_jsonb(t0)",
		table, list, list, table)
	return sql, []any{string(payload)}, nil
}

// BuildUpdate renders an update of the columns present in patch on the
// rows matching match. The key column is never updated.
func BuildUpdate(schema *remote.Schema, table string, match remote.Filter, patch any) (string, []any, error) {
	tbl, err := schema.Table(table)
	if err != nil {
		return "", nil, err
	}
	m, cols, err := columnsOf(patch)
	if err != nil {
		return "", nil, err
	}
	sets := make([]string, 0, len(cols))
	for _, c := range cols {
		if c == tbl.Key {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = r.%s", c, c))
	}
	if len(sets) == 0 {
		return "", nil, &remote.Error{Code: remote.CodeInvalidInput, Message: "update has no columns", Status: http.StatusBadRequest}
	}
	payload, err := json.Marshal(m)
	if err != nil {
		return "", nil, err
	}

	b := builder{args: []any{string(payload)}}
	cond, err := b.filter("t0", match)
	if err != nil {
		return "", nil, err
	}
	sql := fmt.Sprintf(
		"UPDATE %s AS t0 SET %s FROM jsonb_populate_record(NULL::%s, $1::jsonb) r WHERE %s RETURNING to_jsonb(t0)",
		table, strings.Join(sets, ", "), table, cond)
	return sql, b.args, nil
}
