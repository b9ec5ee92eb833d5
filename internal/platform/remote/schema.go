package remote

import "fmt"

// Relation links a parent table to a related table through a foreign key.
// For a to-many relation the child's ForeignColumn references the parent's
// LocalColumn; for a to-one relation the parent's LocalColumn references
// the child's ForeignColumn.
type Relation struct {
	Name          string
	Table         string
	LocalColumn   string
	ForeignColumn string
	Many          bool
}

// Table describes one table known to a local backend. Defaults fill
// columns absent from an insert; a nil default on a timestamp column
// (name ending in _at) makes the in-memory backend stamp the current
// time, which the Postgres schema does with column defaults and triggers.
type Table struct {
	Name      string
	Key       string
	Defaults  map[string]any
	Relations map[string]Relation
}

// Schema is the table and relation catalogue the Postgres and in-memory
// backends need to expand nested selections. The REST backend leaves that
// to the server.
type Schema struct {
	tables map[string]*Table
}

// NewSchema builds a catalogue from table definitions.
func NewSchema(tables ...Table) *Schema {
	s := &Schema{tables: make(map[string]*Table, len(tables))}
	for i := range tables {
		t := tables[i]
		if t.Key == "" {
			t.Key = "id"
		}
		if t.Relations == nil {
			t.Relations = map[string]Relation{}
		}
		s.tables[t.Name] = &t
	}
	return s
}

// Table returns the definition for name.
func (s *Schema) Table(name string) (*Table, error) {
	t, ok := s.tables[name]
	if !ok {
		return nil, &Error{Code: CodeUndefinedTable, Message: fmt.Sprintf("relation %q does not exist", name), Status: 404}
	}
	return t, nil
}

// Relation resolves an embedded resource name on table.
func (s *Schema) Relation(table, name string) (Relation, error) {
	t, err := s.Table(table)
	if err != nil {
		return Relation{}, err
	}
	rel, ok := t.Relations[name]
	if !ok {
		return Relation{}, &Error{
			Code:    CodeNoRelationship,
			Message: fmt.Sprintf("could not find a relationship between %q and %q", table, name),
			Status:  400,
		}
	}
	return rel, nil
}

// HasMany declares a to-many relation: rows of child whose foreignColumn
// equals the parent's key.
func HasMany(name, child, foreignColumn string) Relation {
	return Relation{Name: name, Table: child, LocalColumn: "id", ForeignColumn: foreignColumn, Many: true}
}

// BelongsTo declares a to-one relation: the parent's localColumn holds the
// key of a row in table.
func BelongsTo(name, table, localColumn string) Relation {
	return Relation{Name: name, Table: table, LocalColumn: localColumn, ForeignColumn: "id"}
}

// Relations indexes relations by name.
func Relations(rels ...Relation) map[string]Relation {
	m := make(map[string]Relation, len(rels))
	for _, r := range rels {
		m[r.Name] = r
	}
	return m
}
