package remote

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Op is a comparison operator understood by every Tables backend.
type Op string

const (
	OpEq    Op = "eq"
	OpNeq   Op = "neq"
	OpGt    Op = "gt"
	OpGte   Op = "gte"
	OpLt    Op = "lt"
	OpLte   Op = "lte"
	OpILike Op = "ilike"
)

// Filter restricts a query to rows whose Column compares to Value under Op.
// For OpILike the value is a SQL LIKE pattern using % and _ wildcards.
type Filter struct {
	Column string
	Op     Op
	Value  any
}

// Eq is shorthand for an equality filter.
func Eq(column string, value any) Filter { return Filter{Column: column, Op: OpEq, Value: value} }

// ILike is shorthand for a case-insensitive pattern filter.
func ILike(column, pattern string) Filter {
	return Filter{Column: column, Op: OpILike, Value: pattern}
}

// Order sorts a result set by a single column.
type Order struct {
	Column    string
	Ascending bool
}

// Query describes a read against one table. Build it with From and the
// chained helpers; backends only read it.
type Query struct {
	Table   string
	Columns string
	Filters []Filter
	AnyOf   []Filter
	Sort    *Order
	Single  bool
	Limit   int
}

// From starts a query against table selecting all columns.
func From(table string) *Query {
	return &Query{Table: table, Columns: "*"}
}

// Select sets the column list. Relations are expanded with the
// name(columns) syntax, e.g. "*, patients(id, first_name)".
func (q *Query) Select(columns string) *Query {
	q.Columns = columns
	return q
}

func (q *Query) where(column string, op Op, value any) *Query {
	q.Filters = append(q.Filters, Filter{Column: column, Op: op, Value: value})
	return q
}

func (q *Query) Eq(column string, value any) *Query   { return q.where(column, OpEq, value) }
func (q *Query) Neq(column string, value any) *Query  { return q.where(column, OpNeq, value) }
func (q *Query) Gt(column string, value any) *Query   { return q.where(column, OpGt, value) }
func (q *Query) Gte(column string, value any) *Query  { return q.where(column, OpGte, value) }
func (q *Query) Lt(column string, value any) *Query   { return q.where(column, OpLt, value) }
func (q *Query) Lte(column string, value any) *Query  { return q.where(column, OpLte, value) }
func (q *Query) ILike(column, pattern string) *Query { return q.where(column, OpILike, pattern) }

// Or adds a group of filters of which at least one must match.
func (q *Query) Or(filters ...Filter) *Query {
	q.AnyOf = append(q.AnyOf, filters...)
	return q
}

// OrderBy sorts by column.
func (q *Query) OrderBy(column string, ascending bool) *Query {
	q.Sort = &Order{Column: column, Ascending: ascending}
	return q
}

// One switches the query to single-row mode: the backend fails with a
// single-row error unless exactly one row matches.
func (q *Query) One() *Query {
	q.Single = true
	return q
}

// Take caps the number of returned rows. Zero means no cap.
func (q *Query) Take(n int) *Query {
	q.Limit = n
	return q
}

// String renders the query for logs.
func (q *Query) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s select=%s", q.Table, q.Columns)
	for _, f := range q.Filters {
		fmt.Fprintf(&b, " %s.%s.%s", f.Column, f.Op, FormatValue(f.Value))
	}
	if len(q.AnyOf) > 0 {
		parts := make([]string, len(q.AnyOf))
		for i, f := range q.AnyOf {
			parts[i] = fmt.Sprintf("%s.%s.%s", f.Column, f.Op, FormatValue(f.Value))
		}
		fmt.Fprintf(&b, " or=(%s)", strings.Join(parts, ","))
	}
	if q.Sort != nil {
		dir := "desc"
		if q.Sort.Ascending {
			dir = "asc"
		}
		fmt.Fprintf(&b, " order=%s.%s", q.Sort.Column, dir)
	}
	if q.Single {
		b.WriteString(" single")
	}
	return b.String()
}

// FormatValue renders a filter value the way every backend compares it:
// timestamps as RFC 3339 in UTC, identities in canonical form.
func FormatValue(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		return t
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case *time.Time:
		if t == nil {
			return "null"
		}
		return t.UTC().Format(time.RFC3339Nano)
	case uuid.UUID:
		return t.String()
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(v)
	}
}

// EscapeLike escapes the LIKE wildcards in s so it can be embedded in a
// pattern and match literally.
func EscapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// Contains returns a LIKE pattern matching any value containing s.
func Contains(s string) string {
	return "%" + EscapeLike(s) + "%"
}
