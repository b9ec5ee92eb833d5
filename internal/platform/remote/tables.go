// Package remote defines the contract between the entity stores and the
// Remote Data Service: a table client with filtered, sorted, relation-
// expanding reads and row-returning writes, and an auth client with a
// subscribable session stream. Implementations live in the postgrest,
// gotrue and memory subpackages and in platform/db.
package remote

import (
	"context"
	"encoding/json"
	"fmt"
)

// Tables is the data half of the Remote Data Service.
type Tables interface {
	// Select runs q. In single-row mode it returns exactly one row or a
	// single-row error.
	Select(ctx context.Context, q *Query) ([]json.RawMessage, error)
	// Insert writes row and returns the canonical stored row.
	Insert(ctx context.Context, table string, row any) (json.RawMessage, error)
	// Update applies patch to the one row matching match and returns the
	// updated row. Zero or several matches fail with a single-row error.
	Update(ctx context.Context, table string, match Filter, patch any) (json.RawMessage, error)
	// Delete removes the rows matching match.
	Delete(ctx context.Context, table string, match Filter) error
}

// Client bundles both halves of the service. Each workspace owns one.
type Client struct {
	Tables Tables
	Auth   Auth
}

// Decode unmarshals one row into T.
func Decode[T any](raw json.RawMessage) (T, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("decoding row: %w", err)
	}
	return v, nil
}

// DecodeAll unmarshals rows into a slice of T, preserving order.
func DecodeAll[T any](rows []json.RawMessage) ([]T, error) {
	out := make([]T, 0, len(rows))
	for i, raw := range rows {
		v, err := Decode[T](raw)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// SelectInto runs q and decodes the result.
func SelectInto[T any](ctx context.Context, t Tables, q *Query) ([]T, error) {
	rows, err := t.Select(ctx, q)
	if err != nil {
		return nil, err
	}
	return DecodeAll[T](rows)
}

// SelectOne runs q in single-row mode and decodes the row.
func SelectOne[T any](ctx context.Context, t Tables, q *Query) (T, error) {
	var zero T
	rows, err := t.Select(ctx, q.One())
	if err != nil {
		return zero, err
	}
	if len(rows) != 1 {
		return zero, SingleRowError(len(rows))
	}
	return Decode[T](rows[0])
}

// ToMap converts a row value into a column map via its JSON form.
func ToMap(row any) (map[string]any, error) {
	if m, ok := row.(map[string]any); ok {
		return m, nil
	}
	b, err := json.Marshal(row)
	if err != nil {
		return nil, fmt.Errorf("encoding row: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, &Error{Code: CodeInvalidInput, Message: "row must be a JSON object", Status: 400, Err: err}
	}
	return m, nil
}
