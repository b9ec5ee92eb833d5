package clinic

import (
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Patient maps to the patients table.
type Patient struct {
	ID             uuid.UUID             `json:"id"`
	FirstName      string                `json:"first_name"`
	LastName       string                `json:"last_name"`
	Email          *string               `json:"email,omitempty"`
	Phone          *string               `json:"phone,omitempty"`
	DateOfBirth    *string               `json:"date_of_birth,omitempty"`
	Address        *string               `json:"address,omitempty"`
	Notes          *string               `json:"notes,omitempty"`
	CreatedAt      time.Time             `json:"created_at"`
	UpdatedAt      time.Time             `json:"updated_at"`
	Appointments   []Appointment         `json:"appointments,omitempty"`
	MedicalHistory []MedicalHistoryEntry `json:"medical_history,omitempty"`
}

func (p Patient) EntityID() uuid.UUID { return p.ID }

// FullName returns "First Last".
func (p Patient) FullName() string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

// PatientSummary is the patient embedded in an appointment row.
type PatientSummary struct {
	ID        uuid.UUID `json:"id"`
	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name"`
	Email     *string   `json:"email,omitempty"`
	Phone     *string   `json:"phone,omitempty"`
}

// Status is an appointment status. Any status may replace any other.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusConfirmed Status = "confirmed"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusNoShow    Status = "no_show"
)

// Statuses lists every valid status.
var Statuses = []Status{StatusScheduled, StatusConfirmed, StatusCompleted, StatusCancelled, StatusNoShow}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, v := range Statuses {
		if s == v {
			return true
		}
	}
	return false
}

// Appointment maps to the appointments table.
type Appointment struct {
	ID              uuid.UUID       `json:"id"`
	PatientID       uuid.UUID       `json:"patient_id"`
	AppointmentDate time.Time       `json:"appointment_date"`
	DurationMinutes int             `json:"duration_minutes"`
	Status          Status          `json:"status"`
	Reason          *string         `json:"reason,omitempty"`
	Notes           *string         `json:"notes,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	Patient         *PatientSummary `json:"patients,omitempty"`
	Treatments      []Treatment     `json:"treatments,omitempty"`
}

func (a Appointment) EntityID() uuid.UUID { return a.ID }

// Ends returns when the appointment is over.
func (a Appointment) Ends() time.Time {
	return a.AppointmentDate.Add(time.Duration(a.DurationMinutes) * time.Minute)
}

// Treatment maps to the treatments table.
type Treatment struct {
	ID            uuid.UUID  `json:"id"`
	AppointmentID *uuid.UUID `json:"appointment_id,omitempty"`
	PatientID     uuid.UUID  `json:"patient_id"`
	ProcedureCode *string    `json:"procedure_code,omitempty"`
	Description   *string    `json:"description,omitempty"`
	Tooth         *string    `json:"tooth,omitempty"`
	Cost          *float64   `json:"cost,omitempty"`
	Status        string     `json:"status"`
	CreatedAt     time.Time  `json:"created_at"`
}

// MedicalHistoryEntry maps to the medical_history table.
type MedicalHistoryEntry struct {
	ID         uuid.UUID `json:"id"`
	PatientID  uuid.UUID `json:"patient_id"`
	Condition  string    `json:"condition"`
	Notes      *string   `json:"notes,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// PatientInput is the payload for creating a patient.
type PatientInput struct {
	FirstName   string  `json:"first_name"`
	LastName    string  `json:"last_name"`
	Email       *string `json:"email,omitempty"`
	Phone       *string `json:"phone,omitempty"`
	DateOfBirth *string `json:"date_of_birth,omitempty"`
	Address     *string `json:"address,omitempty"`
	Notes       *string `json:"notes,omitempty"`
}

// Validate checks required fields and formats.
func (in PatientInput) Validate() error {
	if strings.TrimSpace(in.FirstName) == "" {
		return fmt.Errorf("first_name is required")
	}
	if strings.TrimSpace(in.LastName) == "" {
		return fmt.Errorf("last_name is required")
	}
	return validateContact(in.Email, in.DateOfBirth)
}

// PatientPatch is a partial patient update. Nil fields are left alone.
type PatientPatch struct {
	FirstName   *string `json:"first_name,omitempty"`
	LastName    *string `json:"last_name,omitempty"`
	Email       *string `json:"email,omitempty"`
	Phone       *string `json:"phone,omitempty"`
	DateOfBirth *string `json:"date_of_birth,omitempty"`
	Address     *string `json:"address,omitempty"`
	Notes       *string `json:"notes,omitempty"`
}

// Validate rejects empty names and malformed values.
func (p PatientPatch) Validate() error {
	if p.FirstName != nil && strings.TrimSpace(*p.FirstName) == "" {
		return fmt.Errorf("first_name cannot be empty")
	}
	if p.LastName != nil && strings.TrimSpace(*p.LastName) == "" {
		return fmt.Errorf("last_name cannot be empty")
	}
	if p == (PatientPatch{}) {
		return fmt.Errorf("no fields to update")
	}
	return validateContact(p.Email, p.DateOfBirth)
}

func validateContact(email, dob *string) error {
	if email != nil && *email != "" {
		if _, err := mail.ParseAddress(*email); err != nil {
			return fmt.Errorf("email is invalid")
		}
	}
	if dob != nil && *dob != "" {
		if _, err := time.Parse(time.DateOnly, *dob); err != nil {
			return fmt.Errorf("date_of_birth must be YYYY-MM-DD")
		}
	}
	return nil
}

// AppointmentInput is the payload for creating an appointment.
type AppointmentInput struct {
	PatientID       uuid.UUID `json:"patient_id"`
	AppointmentDate time.Time `json:"appointment_date"`
	DurationMinutes int       `json:"duration_minutes,omitempty"`
	Status          Status    `json:"status,omitempty"`
	Reason          *string   `json:"reason,omitempty"`
	Notes           *string   `json:"notes,omitempty"`
}

// Validate checks required fields.
func (in AppointmentInput) Validate() error {
	if in.PatientID == uuid.Nil {
		return fmt.Errorf("patient_id is required")
	}
	if in.AppointmentDate.IsZero() {
		return fmt.Errorf("appointment_date is required")
	}
	if in.DurationMinutes < 0 {
		return fmt.Errorf("duration_minutes cannot be negative")
	}
	if in.Status != "" && !in.Status.Valid() {
		return fmt.Errorf("invalid status %q", in.Status)
	}
	return nil
}

// AppointmentPatch is a partial appointment update.
type AppointmentPatch struct {
	PatientID       *uuid.UUID `json:"patient_id,omitempty"`
	AppointmentDate *time.Time `json:"appointment_date,omitempty"`
	DurationMinutes *int       `json:"duration_minutes,omitempty"`
	Status          *Status    `json:"status,omitempty"`
	Reason          *string    `json:"reason,omitempty"`
	Notes           *string    `json:"notes,omitempty"`
}

// Validate rejects malformed values.
func (p AppointmentPatch) Validate() error {
	if p == (AppointmentPatch{}) {
		return fmt.Errorf("no fields to update")
	}
	if p.PatientID != nil && *p.PatientID == uuid.Nil {
		return fmt.Errorf("patient_id cannot be empty")
	}
	if p.DurationMinutes != nil && *p.DurationMinutes < 0 {
		return fmt.Errorf("duration_minutes cannot be negative")
	}
	if p.Status != nil && !p.Status.Valid() {
		return fmt.Errorf("invalid status %q", *p.Status)
	}
	return nil
}
