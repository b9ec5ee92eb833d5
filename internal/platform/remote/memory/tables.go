// Package memory is an in-process Remote Data Service used in development
// mode and by tests. Tables and user accounts are shared across every
// client created from the same DB and Directory; sessions are per client.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dentdesk/dentdesk/internal/platform/remote"
)

// Call identifies one table operation for interceptors.
type Call struct {
	Op    string
	Table string
}

// Interceptor runs before every operation. A non-nil error aborts it.
type Interceptor func(ctx context.Context, call Call) error

// DB holds the tables. It implements remote.Tables.
type DB struct {
	schema *remote.Schema
	now    func() time.Time

	mu        sync.RWMutex
	rows      map[string][]map[string]any
	intercept Interceptor
	failures  map[Call]error
}

// NewDB creates an empty database for schema.
func NewDB(schema *remote.Schema) *DB {
	return &DB{
		schema:   schema,
		now:      time.Now,
		rows:     make(map[string][]map[string]any),
		failures: make(map[Call]error),
	}
}

// SetClock overrides the timestamp source for created_at and updated_at.
func (d *DB) SetClock(now func() time.Time) {
	d.mu.Lock()
	d.now = now
	d.mu.Unlock()
}

// Intercept installs fn before every operation; nil removes it.
func (d *DB) Intercept(fn Interceptor) {
	d.mu.Lock()
	d.intercept = fn
	d.mu.Unlock()
}

// FailOn makes every op ("select", "insert", "update", "delete") on table
// fail with err until cleared with a nil err.
func (d *DB) FailOn(table, op string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		delete(d.failures, Call{Op: op, Table: table})
		return
	}
	d.failures[Call{Op: op, Table: table}] = err
}

// Len returns the row count of table.
func (d *DB) Len(table string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.rows[table])
}

func (d *DB) before(ctx context.Context, op, table string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.RLock()
	fn := d.intercept
	ferr := d.failures[Call{Op: op, Table: table}]
	d.mu.RUnlock()
	if fn != nil {
		if err := fn(ctx, Call{Op: op, Table: table}); err != nil {
			return err
		}
	}
	if ferr != nil {
		return ferr
	}
	if _, err := d.schema.Table(table); err != nil {
		return err
	}
	return ctx.Err()
}

// Select runs q.
func (d *DB) Select(ctx context.Context, q *remote.Query) ([]json.RawMessage, error) {
	if err := d.before(ctx, "select", q.Table); err != nil {
		return nil, err
	}
	sel, err := remote.ParseSelection(q.Columns)
	if err != nil {
		return nil, &remote.Error{Code: remote.CodeInvalidInput, Message: err.Error(), Status: 400}
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	var matched []map[string]any
	for _, row := range d.rows[q.Table] {
		ok, err := matchesAll(row, q.Filters)
		if err != nil {
			return nil, err
		}
		if ok && len(q.AnyOf) > 0 {
			ok, err = matchesAny(row, q.AnyOf)
			if err != nil {
				return nil, err
			}
		}
		if ok {
			matched = append(matched, row)
		}
	}
	if q.Sort != nil {
		col, asc := q.Sort.Column, q.Sort.Ascending
		sort.SliceStable(matched, func(i, j int) bool {
			c := compare(matched[i][col], matched[j][col])
			if asc {
				return c < 0
			}
			return c > 0
		})
	}
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}
	if q.Single && len(matched) != 1 {
		return nil, remote.SingleRowError(len(matched))
	}

	out := make([]json.RawMessage, 0, len(matched))
	for _, row := range matched {
		projected, err := d.project(q.Table, row, sel)
		if err != nil {
			return nil, err
		}
		b, err := json.Marshal(projected)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// project applies a selection to row, embedding related rows. Callers
// hold the read lock.
func (d *DB) project(table string, row map[string]any, sel remote.Selection) (map[string]any, error) {
	out := make(map[string]any, len(row))
	if sel.Star {
		for k, v := range row {
			out[k] = v
		}
	}
	for _, col := range sel.Columns {
		out[col] = row[col]
	}
	for _, rs := range sel.Relations {
		rel, err := d.schema.Relation(table, rs.Name)
		if err != nil {
			return nil, err
		}
		key := row[rel.LocalColumn]
		if rel.Many {
			children := []map[string]any{}
			for _, child := range d.rows[rel.Table] {
				if key != nil && compare(child[rel.ForeignColumn], key) == 0 {
					p, err := d.project(rel.Table, child, rs.Selection)
					if err != nil {
						return nil, err
					}
					children = append(children, p)
				}
			}
			out[rs.Name] = children
			continue
		}
		out[rs.Name] = nil
		for _, parent := range d.rows[rel.Table] {
			if key != nil && compare(parent[rel.ForeignColumn], key) == 0 {
				p, err := d.project(rel.Table, parent, rs.Selection)
				if err != nil {
					return nil, err
				}
				out[rs.Name] = p
				break
			}
		}
	}
	return out, nil
}

// Insert stores row after applying the table's defaults.
func (d *DB) Insert(ctx context.Context, table string, row any) (json.RawMessage, error) {
	if err := d.before(ctx, "insert", table); err != nil {
		return nil, err
	}
	m, err := normalize(row)
	if err != nil {
		return nil, err
	}
	t, _ := d.schema.Table(table)

	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now().UTC().Format(time.RFC3339Nano)
	for k, v := range t.Defaults {
		if _, ok := m[k]; !ok {
			m[k] = v
		}
	}
	if isBlank(m[t.Key]) {
		m[t.Key] = uuid.NewString()
	}
	for col, def := range t.Defaults {
		if def == nil && strings.HasSuffix(col, "_at") && isBlank(m[col]) {
			m[col] = now
		}
	}
	for _, existing := range d.rows[table] {
		if compare(existing[t.Key], m[t.Key]) == 0 {
			return nil, &remote.Error{
				Code:    remote.CodeUniqueViolation,
				Message: fmt.Sprintf("duplicate key value violates unique constraint %q", table+"_pkey"),
				Status:  409,
			}
		}
	}
	d.rows[table] = append(d.rows[table], m)
	return json.Marshal(m)
}

// Update patches the one row matching match.
func (d *DB) Update(ctx context.Context, table string, match remote.Filter, patch any) (json.RawMessage, error) {
	if err := d.before(ctx, "update", table); err != nil {
		return nil, err
	}
	p, err := normalize(patch)
	if err != nil {
		return nil, err
	}
	t, _ := d.schema.Table(table)

	d.mu.Lock()
	defer d.mu.Unlock()

	var hits []int
	for i, row := range d.rows[table] {
		ok, err := matches(row, match)
		if err != nil {
			return nil, err
		}
		if ok {
			hits = append(hits, i)
		}
	}
	if len(hits) != 1 {
		return nil, remote.SingleRowError(len(hits))
	}

	row := cloneRow(d.rows[table][hits[0]])
	for k, v := range p {
		if k == t.Key {
			continue
		}
		row[k] = v
	}
	if _, ok := t.Defaults["updated_at"]; ok {
		row["updated_at"] = d.now().UTC().Format(time.RFC3339Nano)
	}
	d.rows[table][hits[0]] = row
	return json.Marshal(row)
}

// Delete removes every row matching match.
func (d *DB) Delete(ctx context.Context, table string, match remote.Filter) error {
	if err := d.before(ctx, "delete", table); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	kept := d.rows[table][:0:0]
	for _, row := range d.rows[table] {
		ok, err := matches(row, match)
		if err != nil {
			return err
		}
		if !ok {
			kept = append(kept, row)
		}
	}
	d.rows[table] = kept
	return nil
}

// normalize round-trips v through JSON so stored values have the same
// shapes the REST backend would return.
func normalize(v any) (map[string]any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding row: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil || m == nil {
		return nil, &remote.Error{Code: remote.CodeInvalidInput, Message: "row must be a JSON object", Status: 400}
	}
	for k, val := range m {
		if s, ok := val.(string); ok {
			if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
				m[k] = ts.UTC().Format(time.RFC3339Nano)
			}
		}
		if !remote.ValidIdent(k) {
			return nil, &remote.Error{Code: remote.CodeUndefinedColumn, Message: fmt.Sprintf("invalid column %q", k), Status: 400}
		}
	}
	return m, nil
}

func cloneRow(row map[string]any) map[string]any {
	c := make(map[string]any, len(row))
	for k, v := range row {
		c[k] = v
	}
	return c
}

func isBlank(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == "" || t == uuid.Nil.String() || t == "0001-01-01T00:00:00Z"
	}
	return false
}

func matchesAll(row map[string]any, filters []remote.Filter) (bool, error) {
	for _, f := range filters {
		ok, err := matches(row, f)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func matchesAny(row map[string]any, filters []remote.Filter) (bool, error) {
	for _, f := range filters {
		ok, err := matches(row, f)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func matches(row map[string]any, f remote.Filter) (bool, error) {
	if !remote.ValidIdent(f.Column) {
		return false, &remote.Error{Code: remote.CodeUndefinedColumn, Message: fmt.Sprintf("invalid column %q", f.Column), Status: 400}
	}
	v := row[f.Column]
	if f.Op == remote.OpILike {
		if v == nil {
			return false, nil
		}
		re, err := likeRegexp(remote.FormatValue(f.Value))
		if err != nil {
			return false, err
		}
		return re.MatchString(remote.FormatValue(v)), nil
	}
	if v == nil {
		return false, nil
	}
	c := compare(v, f.Value)
	switch f.Op {
	case remote.OpEq:
		return c == 0, nil
	case remote.OpNeq:
		return c != 0, nil
	case remote.OpGt:
		return c > 0, nil
	case remote.OpGte:
		return c >= 0, nil
	case remote.OpLt:
		return c < 0, nil
	case remote.OpLte:
		return c <= 0, nil
	}
	return false, &remote.Error{Code: remote.CodeInvalidInput, Message: fmt.Sprintf("unknown operator %q", f.Op), Status: 400}
}

// compare orders two scalar values: timestamps chronologically, numbers
// numerically, everything else as text. nil sorts last.
func compare(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	}
	as, bs := remote.FormatValue(a), remote.FormatValue(b)
	if at, err := time.Parse(time.RFC3339Nano, as); err == nil {
		if bt, err := time.Parse(time.RFC3339Nano, bs); err == nil {
			return at.Compare(bt)
		}
	}
	if af, err := strconv.ParseFloat(as, 64); err == nil {
		if bf, err := strconv.ParseFloat(bs, 64); err == nil {
			switch {
			case af < bf:
				return -1
			case af > bf:
				return 1
			}
			return 0
		}
	}
	return strings.Compare(as, bs)
}

// likeRegexp translates a LIKE pattern into a case-insensitive regexp.
func likeRegexp(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("(?is)^")
	escaped := false
	for _, r := range pattern {
		switch {
		case escaped:
			b.WriteString(regexp.QuoteMeta(string(r)))
			escaped = false
		case r == '\\':
			escaped = true
		case r == '%':
			b.WriteString(".*")
		case r == '_':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}
