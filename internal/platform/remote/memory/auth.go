package memory

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/dentdesk/dentdesk/internal/platform/remote"
)

// Recovery records a password-reset request.
type Recovery struct {
	Email      string
	RedirectTo string
	At         time.Time
}

type account struct {
	user remote.User
	hash []byte
}

// Directory is the shared account store. Access tokens are HS256 JWTs
// signed with the directory secret, the same shape the hosted service
// issues, so the HTTP layer can parse them either way.
type Directory struct {
	secret []byte
	ttl    time.Duration
	cost   int
	now    func() time.Time

	// ConfirmEmail makes SignUp return no session.
	ConfirmEmail bool

	mu         sync.Mutex
	byEmail    map[string]*account
	refresh    map[string]uuid.UUID
	recoveries []Recovery
}

// DirectoryOption configures a Directory.
type DirectoryOption func(*Directory)

// WithTokenTTL sets the access token lifetime.
func WithTokenTTL(d time.Duration) DirectoryOption { return func(dir *Directory) { dir.ttl = d } }

// WithBcryptCost sets the password hashing cost.
func WithBcryptCost(c int) DirectoryOption { return func(dir *Directory) { dir.cost = c } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) DirectoryOption { return func(dir *Directory) { dir.now = now } }

// NewDirectory creates an empty account store signing tokens with secret.
func NewDirectory(secret string, opts ...DirectoryOption) *Directory {
	d := &Directory{
		secret:  []byte(secret),
		ttl:     time.Hour,
		cost:    bcrypt.DefaultCost,
		now:     time.Now,
		byEmail: make(map[string]*account),
		refresh: make(map[string]uuid.UUID),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Recoveries returns the password-reset requests received so far.
func (d *Directory) Recoveries() []Recovery {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Recovery(nil), d.recoveries...)
}

// NewAuth returns a client with its own session over the shared accounts.
func (d *Directory) NewAuth() *Auth {
	return &Auth{dir: d}
}

func (d *Directory) issue(u remote.User) (*remote.Session, error) {
	now := d.now()
	exp := now.Add(d.ttl)
	claims := jwt.MapClaims{
		"sub":           u.ID.String(),
		"email":         u.Email,
		"role":          "authenticated",
		"user_metadata": u.UserMetadata,
		"iat":           now.Unix(),
		"exp":           exp.Unix(),
	}
	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(d.secret)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	refresh := hex.EncodeToString(buf)

	d.mu.Lock()
	d.refresh[refresh] = u.ID
	d.mu.Unlock()

	return &remote.Session{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "bearer",
		ExpiresIn:    int(d.ttl.Seconds()),
		ExpiresAt:    exp.Unix(),
		User:         u,
	}, nil
}

func (d *Directory) lookup(id uuid.UUID) (*account, bool) {
	for _, a := range d.byEmail {
		if a.user.ID == id {
			return a, true
		}
	}
	return nil, false
}

func invalidCredentials() error {
	return &remote.Error{Code: remote.CodeInvalidGrant, Message: "Invalid login credentials", Status: http.StatusBadRequest}
}

// Auth is a per-client session over a Directory. It implements
// remote.Auth and remote.TokenSource.
type Auth struct {
	dir     *Directory
	emitter remote.Emitter

	mu      sync.Mutex
	session *remote.Session
}

func (a *Auth) set(s *remote.Session) {
	a.mu.Lock()
	a.session = s.Clone()
	a.mu.Unlock()
}

func (a *Auth) current() *remote.Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.session.Clone()
}

func (a *Auth) SignInWithPassword(ctx context.Context, email, password string) (*remote.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a.dir.mu.Lock()
	acc, ok := a.dir.byEmail[strings.ToLower(email)]
	a.dir.mu.Unlock()
	if !ok || bcrypt.CompareHashAndPassword(acc.hash, []byte(password)) != nil {
		return nil, invalidCredentials()
	}
	s, err := a.dir.issue(acc.user)
	if err != nil {
		return nil, err
	}
	a.set(s)
	a.emitter.Emit(remote.EventSignedIn, s)
	return s.Clone(), nil
}

func (a *Auth) SignUp(ctx context.Context, email, password string, metadata map[string]any) (*remote.User, *remote.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return nil, nil, &remote.Error{Code: "validation_failed", Message: "Signup requires a valid email and password", Status: http.StatusBadRequest}
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), a.dir.cost)
	if err != nil {
		return nil, nil, err
	}

	a.dir.mu.Lock()
	if _, exists := a.dir.byEmail[email]; exists {
		a.dir.mu.Unlock()
		return nil, nil, &remote.Error{Code: remote.CodeUserExists, Message: "User already registered", Status: http.StatusUnprocessableEntity}
	}
	md := make(map[string]any, len(metadata))
	for k, v := range metadata {
		md[k] = v
	}
	now := a.dir.now().UTC()
	u := remote.User{ID: uuid.New(), Email: email, Role: "authenticated", UserMetadata: md, CreatedAt: now, UpdatedAt: now}
	a.dir.byEmail[email] = &account{user: u, hash: hash}
	a.dir.mu.Unlock()

	if a.dir.ConfirmEmail {
		return &u, nil, nil
	}
	s, err := a.dir.issue(u)
	if err != nil {
		return nil, nil, err
	}
	a.set(s)
	a.emitter.Emit(remote.EventSignedIn, s)
	return &u, s.Clone(), nil
}

func (a *Auth) SignOut(ctx context.Context) error {
	s := a.current()
	if s == nil {
		return nil
	}
	a.dir.mu.Lock()
	delete(a.dir.refresh, s.RefreshToken)
	a.dir.mu.Unlock()
	a.set(nil)
	a.emitter.Emit(remote.EventSignedOut, nil)
	return nil
}

func (a *Auth) GetSession(ctx context.Context) (*remote.Session, error) {
	s := a.current()
	if s == nil {
		return nil, nil
	}
	if s.Expired(a.dir.now(), 0) {
		return a.RefreshSession(ctx)
	}
	return s, nil
}

func (a *Auth) RefreshSession(ctx context.Context) (*remote.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cur := a.current()
	if cur == nil {
		return nil, remote.ErrNoSession
	}

	a.dir.mu.Lock()
	id, ok := a.dir.refresh[cur.RefreshToken]
	delete(a.dir.refresh, cur.RefreshToken)
	acc, found := a.dir.lookup(id)
	a.dir.mu.Unlock()
	if !ok || !found {
		a.set(nil)
		a.emitter.Emit(remote.EventSignedOut, nil)
		return nil, &remote.Error{Code: "refresh_token_not_found", Message: "Invalid Refresh Token: Refresh Token Not Found", Status: http.StatusBadRequest}
	}

	s, err := a.dir.issue(acc.user)
	if err != nil {
		return nil, err
	}
	a.set(s)
	a.emitter.Emit(remote.EventTokenRefreshed, s)
	return s.Clone(), nil
}

func (a *Auth) ResetPasswordForEmail(ctx context.Context, email, redirectTo string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.dir.mu.Lock()
	a.dir.recoveries = append(a.dir.recoveries, Recovery{Email: strings.ToLower(email), RedirectTo: redirectTo, At: a.dir.now()})
	a.dir.mu.Unlock()
	return nil
}

func (a *Auth) UpdateUser(ctx context.Context, attrs remote.UserAttributes) (*remote.User, error) {
	s, err := a.GetSession(ctx)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, remote.ErrNoSession
	}

	var hash []byte
	if attrs.Password != "" {
		hash, err = bcrypt.GenerateFromPassword([]byte(attrs.Password), a.dir.cost)
		if err != nil {
			return nil, err
		}
	}

	a.dir.mu.Lock()
	acc, ok := a.dir.lookup(s.User.ID)
	if !ok {
		a.dir.mu.Unlock()
		return nil, &remote.Error{Code: "user_not_found", Message: "User not found", Status: http.StatusNotFound}
	}
	if hash != nil {
		acc.hash = hash
	}
	if attrs.Email != "" && !strings.EqualFold(attrs.Email, acc.user.Email) {
		delete(a.dir.byEmail, acc.user.Email)
		acc.user.Email = strings.ToLower(attrs.Email)
		a.dir.byEmail[acc.user.Email] = acc
	}
	if len(attrs.Data) > 0 {
		md := make(map[string]any, len(acc.user.UserMetadata)+len(attrs.Data))
		for k, v := range acc.user.UserMetadata {
			md[k] = v
		}
		for k, v := range attrs.Data {
			md[k] = v
		}
		acc.user.UserMetadata = md
	}
	acc.user.UpdatedAt = a.dir.now().UTC()
	u := acc.user
	a.dir.mu.Unlock()

	s.User = u
	a.set(s)
	a.emitter.Emit(remote.EventUserUpdated, s)
	return &u, nil
}

func (a *Auth) OnAuthStateChange(fn func(remote.AuthEvent, *remote.Session)) remote.Subscription {
	return a.emitter.Subscribe(fn)
}

// AccessToken implements remote.TokenSource.
func (a *Auth) AccessToken(ctx context.Context) (string, error) {
	s, err := a.GetSession(ctx)
	if err != nil || s == nil {
		return "", nil
	}
	return s.AccessToken, nil
}

// Listeners returns the number of registered session listeners.
func (a *Auth) Listeners() int { return a.emitter.Len() }
