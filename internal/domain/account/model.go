package account

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/dentdesk/dentdesk/internal/platform/remote"
)

const (
	profilesTable = "profiles"

	// DefaultRole applies when neither the profile nor the user metadata
	// names one.
	DefaultRole = "staff"
)

// ErrProfilePending is wrapped by the partial-failure error SignUp returns
// when the account exists but its profile row could not be written.
var ErrProfilePending = errors.New("account created but profile is pending")

// Profile maps to the profiles table.
type Profile struct {
	ID        uuid.UUID `json:"id"`
	Email     *string   `json:"email,omitempty"`
	FullName  *string   `json:"full_name,omitempty"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

func (p Profile) EntityID() uuid.UUID { return p.ID }

// SignUpFields are the profile fields collected at sign-up.
type SignUpFields struct {
	FullName string `json:"full_name"`
	Role     string `json:"role"`
}

func (f SignUpFields) role() string {
	if f.Role == "" {
		return DefaultRole
	}
	return f.Role
}

type profileRow struct {
	ID       uuid.UUID `json:"id"`
	FullName string    `json:"full_name"`
	Role     string    `json:"role"`
	Email    string    `json:"email"`
}

// PendingProfile records a profile creation that failed after its account
// was created.
type PendingProfile struct {
	UserID    uuid.UUID `json:"user_id"`
	Email     string    `json:"email"`
	FullName  string    `json:"full_name"`
	Role      string    `json:"role"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (p PendingProfile) row() profileRow {
	return profileRow{ID: p.UserID, FullName: p.FullName, Role: p.Role, Email: p.Email}
}

// UserView is the signed-in user with the attached profile, if loaded.
type UserView struct {
	remote.User
	Profile *Profile `json:"profile,omitempty"`
}

// State is a snapshot of an AuthStore for rendering.
type State struct {
	Authenticated  bool      `json:"authenticated"`
	Loading        bool      `json:"loading"`
	User           *UserView `json:"user"`
	Role           string    `json:"role,omitempty"`
	ReturnURL      string    `json:"return_url"`
	ProfilePending bool      `json:"profile_pending"`
	Error          string    `json:"error,omitempty"`
}
