package clinic

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/dentdesk/dentdesk/internal/platform/entitystore"
	"github.com/dentdesk/dentdesk/internal/platform/remote"
)

const (
	patientsTable = "patients"

	patientDetailColumns = "*, medical_history(*), appointments(*, treatments(*))"
)

// PatientStore caches patients for one workspace.
type PatientStore struct {
	*entitystore.Store[Patient]
}

// NewPatientStore creates an empty patient store over tables.
func NewPatientStore(tables remote.Tables, opts ...entitystore.Option) *PatientStore {
	return &PatientStore{Store: entitystore.New[Patient]("patients", patientsTable, tables, opts...)}
}

// FetchAll loads every patient sorted by last name and replaces the cache.
func (s *PatientStore) FetchAll(ctx context.Context) ([]Patient, error) {
	return s.Store.FetchAll(ctx, remote.From(patientsTable).OrderBy("last_name", true))
}

// FetchOne loads a patient with medical history and appointments and makes
// it current.
func (s *PatientStore) FetchOne(ctx context.Context, id uuid.UUID) (Patient, error) {
	q := remote.From(patientsTable).Select(patientDetailColumns).Eq("id", id).One()
	return s.Store.FetchOne(ctx, q)
}

// Create validates in and inserts it.
func (s *PatientStore) Create(ctx context.Context, in PatientInput) (Patient, error) {
	if err := in.Validate(); err != nil {
		return Patient{}, s.Reject("create", entitystore.Invalid(err.Error()))
	}
	return s.Store.Create(ctx, in)
}

// Update validates patch and applies it to the patient with id.
func (s *PatientStore) Update(ctx context.Context, id uuid.UUID, patch PatientPatch) (Patient, error) {
	if err := patch.Validate(); err != nil {
		return Patient{}, s.Reject("update", entitystore.Invalid(err.Error()))
	}
	return s.Store.Update(ctx, id, patch)
}

// Search returns patients whose first name, last name, email or phone
// contains term, ignoring case. A blank term matches every patient. The
// cache is not modified.
func (s *PatientStore) Search(ctx context.Context, term string) ([]Patient, error) {
	q := remote.From(patientsTable).OrderBy("last_name", true)
	if term = strings.TrimSpace(term); term != "" {
		p := remote.Contains(term)
		q = q.Or(
			remote.ILike("first_name", p),
			remote.ILike("last_name", p),
			remote.ILike("email", p),
			remote.ILike("phone", p),
		)
	}
	return s.Query(ctx, "search", q)
}
