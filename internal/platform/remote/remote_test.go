package remote

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSelection_Nested(t *testing.T) {
	sel, err := ParseSelection("*, medical_history(*), appointments(*, treatments(*))")
	require.NoError(t, err)

	assert.True(t, sel.Star)
	assert.Empty(t, sel.Columns)
	require.Len(t, sel.Relations, 2)
	assert.Equal(t, "medical_history", sel.Relations[0].Name)
	assert.True(t, sel.Relations[0].Star)
	appts := sel.Relations[1]
	assert.Equal(t, "appointments", appts.Name)
	require.Len(t, appts.Relations, 1)
	assert.Equal(t, "treatments", appts.Relations[0].Name)
}

func TestParseSelection_Columns(t *testing.T) {
	sel, err := ParseSelection("*, patients(id, first_name, last_name, phone)")
	require.NoError(t, err)
	require.Len(t, sel.Relations, 1)
	assert.Equal(t, []string{"id", "first_name", "last_name", "phone"}, sel.Relations[0].Columns)
	assert.False(t, sel.Relations[0].Star)
}

func TestParseSelection_Errors(t *testing.T) {
	for _, in := range []string{"", "patients(", "patients()", "id,, name", "Id", "id; drop table x", "a(b))"} {
		_, err := ParseSelection(in)
		assert.Error(t, err, "input %q", in)
	}
}

func TestQuery_Builder(t *testing.T) {
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	q := From("appointments").
		Select("*, patients(id)").
		Gte("appointment_date", start).
		Eq("status", "scheduled").
		OrderBy("appointment_date", true)

	assert.Equal(t, "appointments", q.Table)
	require.Len(t, q.Filters, 2)
	assert.Equal(t, OpGte, q.Filters[0].Op)
	assert.False(t, q.Single)
	assert.Equal(t, "appointments select=*, patients(id) appointment_date.gte.2024-03-01T00:00:00Z status.eq.scheduled order=appointment_date.asc", q.String())
}

func TestFormatValue(t *testing.T) {
	id := uuid.MustParse("3f1c0f6e-8a4b-4a51-9a38-2a8d1b0f7c11")
	loc := time.FixedZone("X", 2*3600)
	assert.Equal(t, "3f1c0f6e-8a4b-4a51-9a38-2a8d1b0f7c11", FormatValue(id))
	assert.Equal(t, "2024-03-01T22:00:00Z", FormatValue(time.Date(2024, 3, 2, 0, 0, 0, 0, loc)))
	assert.Equal(t, "null", FormatValue(nil))
	assert.Equal(t, "42", FormatValue(42))
}

func TestContains_EscapesWildcards(t *testing.T) {
	assert.Equal(t, "%smith%", Contains("smith"))
	assert.Equal(t, `%50\%\_off%`, Contains("50%_off"))
}

func TestError_SingleRow(t *testing.T) {
	err := fmt.Errorf("fetch: %w", SingleRowError(0))
	assert.True(t, IsSingleRow(err))
	assert.True(t, errors.Is(err, ErrSingleRow))
	assert.False(t, IsSingleRow(&Error{Code: CodeUniqueViolation, Message: "dup"}))

	var re *Error
	require.True(t, errors.As(err, &re))
	assert.Equal(t, 406, re.Status)
}

func TestSchema_Relation(t *testing.T) {
	s := NewSchema(
		Table{Name: "patients", Relations: Relations(HasMany("appointments", "appointments", "patient_id"))},
		Table{Name: "appointments", Relations: Relations(BelongsTo("patients", "patients", "patient_id"))},
	)
	rel, err := s.Relation("patients", "appointments")
	require.NoError(t, err)
	assert.True(t, rel.Many)
	assert.Equal(t, "patient_id", rel.ForeignColumn)

	tbl, err := s.Table("appointments")
	require.NoError(t, err)
	assert.Equal(t, "id", tbl.Key)

	_, err = s.Relation("patients", "invoices")
	var re *Error
	require.True(t, errors.As(err, &re))
	assert.Equal(t, CodeNoRelationship, re.Code)

	_, err = s.Table("invoices")
	require.Error(t, err)
}

func TestDecodeAll(t *testing.T) {
	type row struct {
		ID   int    `json:"id"`
		Name string `json:"name"`
	}
	rows := []json.RawMessage{[]byte(`{"id":1,"name":"a"}`), []byte(`{"id":2,"name":"b"}`)}
	out, err := DecodeAll[row](rows)
	require.NoError(t, err)
	assert.Equal(t, []row{{1, "a"}, {2, "b"}}, out)

	_, err = DecodeAll[row]([]json.RawMessage{[]byte(`[1]`)})
	assert.Error(t, err)
}

func TestToMap(t *testing.T) {
	m, err := ToMap(struct {
		A string `json:"a"`
		B int    `json:"b,omitempty"`
	}{A: "x"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": "x"}, m)

	_, err = ToMap([]int{1})
	assert.Error(t, err)
}

func TestEmitter_SubscribeUnsubscribe(t *testing.T) {
	var e Emitter
	var got []AuthEvent
	sub := e.Subscribe(func(ev AuthEvent, s *Session) { got = append(got, ev) })
	assert.Equal(t, 1, e.Len())

	e.Emit(EventSignedIn, &Session{AccessToken: "a"})
	sub.Unsubscribe()
	sub.Unsubscribe()
	e.Emit(EventSignedOut, nil)

	assert.Equal(t, []AuthEvent{EventSignedIn}, got)
	assert.Equal(t, 0, e.Len())
}

func TestEmitter_ListenersGetCopies(t *testing.T) {
	var e Emitter
	e.Subscribe(func(ev AuthEvent, s *Session) { s.User.UserMetadata["role"] = "admin" })
	s := &Session{User: User{UserMetadata: map[string]any{"role": "staff"}}}
	e.Emit(EventUserUpdated, s)
	assert.Equal(t, "staff", s.User.MetadataString("role"))
}

func TestSession_Expired(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	s := &Session{ExpiresAt: now.Unix() + 30}
	assert.False(t, s.Expired(now, 0))
	assert.True(t, s.Expired(now, time.Minute))
	assert.False(t, (&Session{}).Expired(now, time.Minute))
}
