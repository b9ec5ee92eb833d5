package clinic

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dentdesk/dentdesk/internal/platform/entitystore"
	"github.com/dentdesk/dentdesk/internal/platform/remote"
)

const (
	appointmentsTable = "appointments"

	appointmentListColumns   = "*, patients(id, first_name, last_name, phone)"
	appointmentDetailColumns = "*, patients(id, first_name, last_name, email, phone), treatments(*)"
)

// AppointmentFilters narrows FetchAll. Dates are calendar days in the
// store's location formatted as YYYY-MM-DD; empty fields do not filter.
type AppointmentFilters struct {
	StartDate string
	EndDate   string
	Status    Status
	PatientID uuid.UUID
}

// AppointmentStore caches appointments for one workspace.
type AppointmentStore struct {
	*entitystore.Store[Appointment]
	loc *time.Location
	now func() time.Time
}

// AppointmentOption configures an AppointmentStore.
type AppointmentOption func(*AppointmentStore)

// WithLocation sets the zone calendar days are computed in. Default is UTC.
func WithLocation(loc *time.Location) AppointmentOption {
	return func(s *AppointmentStore) {
		if loc != nil {
			s.loc = loc
		}
	}
}

// WithClock replaces time.Now for today and week queries.
func WithClock(now func() time.Time) AppointmentOption {
	return func(s *AppointmentStore) { s.now = now }
}

// NewAppointmentStore creates an empty appointment store over tables.
func NewAppointmentStore(tables remote.Tables, storeOpts []entitystore.Option, opts ...AppointmentOption) *AppointmentStore {
	s := &AppointmentStore{
		Store: entitystore.New[Appointment]("appointments", appointmentsTable, tables, storeOpts...),
		loc:   time.UTC,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Location returns the zone calendar days are computed in.
func (s *AppointmentStore) Location() *time.Location { return s.loc }

// FetchAll loads appointments matching f, sorted by date, and replaces the
// cache.
func (s *AppointmentStore) FetchAll(ctx context.Context, f AppointmentFilters) ([]Appointment, error) {
	q, err := s.listQuery(f)
	if err != nil {
		return nil, s.Reject("fetch_all", entitystore.Invalid(err.Error()))
	}
	return s.Store.FetchAll(ctx, q)
}

func (s *AppointmentStore) listQuery(f AppointmentFilters) (*remote.Query, error) {
	q := remote.From(appointmentsTable).Select(appointmentListColumns)
	if f.StartDate != "" {
		day, err := s.parseDay(f.StartDate, "start_date")
		if err != nil {
			return nil, err
		}
		q.Gte("appointment_date", startOfDay(day))
	}
	if f.EndDate != "" {
		day, err := s.parseDay(f.EndDate, "end_date")
		if err != nil {
			return nil, err
		}
		q.Lte("appointment_date", endOfDay(day))
	}
	if f.Status != "" {
		if !f.Status.Valid() {
			return nil, fmt.Errorf("invalid status %q", f.Status)
		}
		q.Eq("status", string(f.Status))
	}
	if f.PatientID != uuid.Nil {
		q.Eq("patient_id", f.PatientID)
	}
	return q.OrderBy("appointment_date", true), nil
}

func (s *AppointmentStore) parseDay(v, field string) (time.Time, error) {
	day, err := time.ParseInLocation(time.DateOnly, v, s.loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s must be YYYY-MM-DD", field)
	}
	return day, nil
}

// FetchToday loads today's appointments.
func (s *AppointmentStore) FetchToday(ctx context.Context) ([]Appointment, error) {
	today := s.now().In(s.loc).Format(time.DateOnly)
	return s.FetchAll(ctx, AppointmentFilters{StartDate: today, EndDate: today})
}

// FetchWeek loads appointments from today through seven days from now.
func (s *AppointmentStore) FetchWeek(ctx context.Context) ([]Appointment, error) {
	now := s.now().In(s.loc)
	return s.FetchAll(ctx, AppointmentFilters{
		StartDate: now.Format(time.DateOnly),
		EndDate:   now.AddDate(0, 0, 7).Format(time.DateOnly),
	})
}

// FetchOne loads an appointment with its patient and treatments and makes
// it current.
func (s *AppointmentStore) FetchOne(ctx context.Context, id uuid.UUID) (Appointment, error) {
	q := remote.From(appointmentsTable).Select(appointmentDetailColumns).Eq("id", id).One()
	return s.Store.FetchOne(ctx, q)
}

// Create validates in and inserts it.
func (s *AppointmentStore) Create(ctx context.Context, in AppointmentInput) (Appointment, error) {
	if err := in.Validate(); err != nil {
		return Appointment{}, s.Reject("create", entitystore.Invalid(err.Error()))
	}
	return s.Store.Create(ctx, in)
}

// Update validates patch and applies it to the appointment with id.
func (s *AppointmentStore) Update(ctx context.Context, id uuid.UUID, patch AppointmentPatch) (Appointment, error) {
	if err := patch.Validate(); err != nil {
		return Appointment{}, s.Reject("update", entitystore.Invalid(err.Error()))
	}
	return s.Store.Update(ctx, id, patch)
}

// UpdateStatus sets the status of the appointment with id.
func (s *AppointmentStore) UpdateStatus(ctx context.Context, id uuid.UUID, status Status) (Appointment, error) {
	return s.Update(ctx, id, AppointmentPatch{Status: &status})
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// endOfDay stops at microseconds, the finest precision Postgres stores.
func endOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 23, 59, 59, 999999000, t.Location())
}
