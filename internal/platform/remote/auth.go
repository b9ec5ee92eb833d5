package remote

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// AuthEvent names a session change.
type AuthEvent string

const (
	EventSignedIn         AuthEvent = "SIGNED_IN"
	EventSignedOut        AuthEvent = "SIGNED_OUT"
	EventTokenRefreshed   AuthEvent = "TOKEN_REFRESHED"
	EventUserUpdated      AuthEvent = "USER_UPDATED"
	EventPasswordRecovery AuthEvent = "PASSWORD_RECOVERY"
)

// User is the identity held by the auth service.
type User struct {
	ID           uuid.UUID      `json:"id"`
	Email        string         `json:"email"`
	Role         string         `json:"role,omitempty"`
	UserMetadata map[string]any `json:"user_metadata"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at,omitempty"`
}

// MetadataString returns a string entry of the user metadata.
func (u *User) MetadataString(key string) string {
	if u == nil || u.UserMetadata == nil {
		return ""
	}
	s, _ := u.UserMetadata[key].(string)
	return s
}

// Session is an authenticated session. Token material stays owned by the
// auth service; callers treat it as opaque.
type Session struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	ExpiresAt    int64  `json:"expires_at"`
	User         User   `json:"user"`
}

// Expired reports whether the access token has expired at now, allowing
// for skew.
func (s *Session) Expired(now time.Time, skew time.Duration) bool {
	if s == nil || s.ExpiresAt == 0 {
		return false
	}
	return now.Add(skew).Unix() >= s.ExpiresAt
}

// Clone returns an independent copy.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.User.UserMetadata != nil {
		c.User.UserMetadata = make(map[string]any, len(s.User.UserMetadata))
		for k, v := range s.User.UserMetadata {
			c.User.UserMetadata[k] = v
		}
	}
	return &c
}

// UserAttributes is the payload of an UpdateUser call.
type UserAttributes struct {
	Email    string         `json:"email,omitempty"`
	Password string         `json:"password,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
}

// Auth is the identity half of the Remote Data Service.
type Auth interface {
	SignInWithPassword(ctx context.Context, email, password string) (*Session, error)
	// SignUp creates an account. The session is nil when the service
	// requires email confirmation first.
	SignUp(ctx context.Context, email, password string, metadata map[string]any) (*User, *Session, error)
	SignOut(ctx context.Context) error
	// GetSession returns the current session, refreshing it when expired.
	// It returns nil without error when nobody is signed in.
	GetSession(ctx context.Context) (*Session, error)
	RefreshSession(ctx context.Context) (*Session, error)
	ResetPasswordForEmail(ctx context.Context, email, redirectTo string) error
	UpdateUser(ctx context.Context, attrs UserAttributes) (*User, error)
	// OnAuthStateChange registers fn for every subsequent session change.
	OnAuthStateChange(fn func(AuthEvent, *Session)) Subscription
}

// TokenSource yields the bearer token for table requests.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// Subscription is a handle on a registered listener.
type Subscription interface {
	Unsubscribe()
}

// Emitter fans session changes out to registered listeners. Listeners run
// synchronously on the emitting goroutine, outside the emitter's lock.
type Emitter struct {
	mu        sync.Mutex
	next      uint64
	listeners map[uint64]func(AuthEvent, *Session)
}

// Subscribe registers fn.
func (e *Emitter) Subscribe(fn func(AuthEvent, *Session)) Subscription {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listeners == nil {
		e.listeners = make(map[uint64]func(AuthEvent, *Session))
	}
	e.next++
	id := e.next
	e.listeners[id] = fn
	return &subscription{emitter: e, id: id}
}

// Emit delivers ev to every listener registered at call time. Each
// listener gets its own copy of s.
func (e *Emitter) Emit(ev AuthEvent, s *Session) {
	e.mu.Lock()
	fns := make([]func(AuthEvent, *Session), 0, len(e.listeners))
	for _, fn := range e.listeners {
		fns = append(fns, fn)
	}
	e.mu.Unlock()

	for _, fn := range fns {
		fn(ev, s.Clone())
	}
}

// Len returns the number of registered listeners.
func (e *Emitter) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.listeners)
}

type subscription struct {
	emitter *Emitter
	id      uint64
	once    sync.Once
}

func (s *subscription) Unsubscribe() {
	s.once.Do(func() {
		s.emitter.mu.Lock()
		delete(s.emitter.listeners, s.id)
		s.emitter.mu.Unlock()
	})
}
