// Package account holds the AuthStore, which mirrors the current session
// of one remote client, and the bookkeeping for profile rows that could not
// be written at sign-up.
package account

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dentdesk/dentdesk/internal/platform/entitystore"
	"github.com/dentdesk/dentdesk/internal/platform/remote"
)

const storeName = "auth"

// Config configures an AuthStore.
type Config struct {
	// SiteURL prefixes the password reset redirect.
	SiteURL  string
	Pending  PendingStore
	Logger   zerolog.Logger
	Observer entitystore.Observer
}

// AuthStore tracks the session of one remote client.
type AuthStore struct {
	auth       remote.Auth
	tables     remote.Tables
	pending    PendingStore
	reconciler *ProfileReconciler
	siteURL    string
	logger     zerolog.Logger
	observer   entitystore.Observer

	mu        sync.RWMutex
	session   *remote.Session
	profile   *Profile
	loading   bool
	returnURL string
	lastErr   *entitystore.Error

	sub    remote.Subscription
	cancel context.CancelFunc
	bg     context.Context
	wg     sync.WaitGroup
}

// NewAuthStore creates a store over client. Call Start to follow session
// changes pushed by the client.
func NewAuthStore(client *remote.Client, cfg Config) *AuthStore {
	if cfg.Pending == nil {
		cfg.Pending = NewMemoryPending()
	}
	logger := cfg.Logger.With().Str("store", storeName).Logger()
	return &AuthStore{
		auth:       client.Auth,
		tables:     client.Tables,
		pending:    cfg.Pending,
		reconciler: NewProfileReconciler(client.Tables, cfg.Pending, logger),
		siteURL:    strings.TrimRight(cfg.SiteURL, "/"),
		logger:     logger,
		observer:   cfg.Observer,
		returnURL:  "/",
	}
}

// Start registers the session listener. It is a no-op when already started.
func (s *AuthStore) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub != nil {
		return
	}
	s.bg, s.cancel = context.WithCancel(context.Background())
	s.sub = s.auth.OnAuthStateChange(s.onAuthChange)
}

// Close disposes the session listener and waits for background profile
// loads to finish.
func (s *AuthStore) Close() {
	s.mu.Lock()
	sub, cancel := s.sub, s.cancel
	s.sub, s.cancel = nil, nil
	s.mu.Unlock()
	if sub != nil {
		sub.Unsubscribe()
	}
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

func (s *AuthStore) onAuthChange(ev remote.AuthEvent, sess *remote.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub == nil {
		return
	}
	prevUser := s.userIDLocked()
	s.session = sess
	if sess == nil || sess.User.ID != prevUser {
		s.profile = nil
	}

	s.logger.Debug().Str("event", string(ev)).Bool("session", sess != nil).Msg("session change")
	if ev == remote.EventSignedIn && sess != nil {
		uid, bg := sess.User.ID, s.bg
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.attachProfile(bg, uid)
		}()
	}
}

// attachProfile loads the profile of uid and attaches it if uid is still
// the signed-in user.
func (s *AuthStore) attachProfile(ctx context.Context, uid uuid.UUID) {
	prof, err := s.loadProfile(ctx, uid)
	if err != nil {
		if !remote.IsCanceled(err) {
			s.logger.Warn().Err(err).Str("user_id", uid.String()).Msg("profile load failed")
		}
		return
	}
	s.mu.Lock()
	if s.userIDLocked() == uid {
		s.profile = &prof
	}
	s.mu.Unlock()
}

// loadProfile fetches the profile of uid. A missing row with a pending
// creation on record is retried once.
func (s *AuthStore) loadProfile(ctx context.Context, uid uuid.UUID) (Profile, error) {
	prof, err := remote.SelectOne[Profile](ctx, s.tables, remote.From(profilesTable).Eq("id", uid).One())
	if err == nil || !remote.IsSingleRow(err) {
		return prof, err
	}
	p, perr := s.pending.Get(ctx, uid)
	if perr != nil {
		if errors.Is(perr, ErrNoPending) {
			return Profile{}, err
		}
		return Profile{}, perr
	}
	return s.reconciler.RetryOne(ctx, p)
}

func (s *AuthStore) userIDLocked() uuid.UUID {
	if s.session == nil {
		return uuid.Nil
	}
	return s.session.User.ID
}

func (s *AuthStore) begin() time.Time {
	s.mu.Lock()
	s.lastErr = nil
	s.mu.Unlock()
	return time.Now()
}

func (s *AuthStore) end(op string, start time.Time, err error) error {
	took := time.Since(start)
	if s.observer != nil {
		s.observer.ObserveOp(storeName, op, took, err)
	}
	if err == nil {
		return nil
	}
	se := entitystore.Classify(storeName, op, err)
	s.mu.Lock()
	s.lastErr = se
	s.mu.Unlock()
	s.logger.Warn().Str("op", op).Str("kind", string(se.Kind)).Dur("took", took).Err(se.Err).Msg("auth operation failed")
	return se
}

func (s *AuthStore) setSession(sess *remote.Session) {
	s.mu.Lock()
	if sess == nil || sess.User.ID != s.userIDLocked() {
		s.profile = nil
	}
	s.session = sess.Clone()
	s.mu.Unlock()
}

// Initialize loads any existing session and, if there is one, its
// profile. A failed profile load is logged and does not fail Initialize.
func (s *AuthStore) Initialize(ctx context.Context) error {
	s.mu.Lock()
	s.loading = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.loading = false
		s.mu.Unlock()
	}()

	start := s.begin()
	sess, err := s.auth.GetSession(ctx)
	if err != nil {
		return s.end("initialize", start, err)
	}
	if sess != nil {
		s.setSession(sess)
		uid := sess.User.ID
		prof, perr := s.loadProfile(ctx, uid)
		if perr != nil {
			s.logger.Warn().Err(perr).Str("user_id", uid.String()).Msg("profile load failed")
		} else {
			s.mu.Lock()
			if s.userIDLocked() == uid {
				s.profile = &prof
			}
			s.mu.Unlock()
		}
	}
	return s.end("initialize", start, nil)
}

// SignIn authenticates with email and password.
func (s *AuthStore) SignIn(ctx context.Context, email, password string) (*remote.Session, error) {
	start := s.begin()
	if strings.TrimSpace(email) == "" || password == "" {
		return nil, s.end("sign_in", start, entitystore.Invalid("email and password are required"))
	}
	sess, err := s.auth.SignInWithPassword(ctx, strings.TrimSpace(email), password)
	if err != nil {
		return nil, s.end("sign_in", start, err)
	}
	s.setSession(sess)
	return sess, s.end("sign_in", start, nil)
}

// SignUp creates an account and its profile row. When the account is
// created but the profile insert fails, the user is returned together with
// a partial-failure error wrapping ErrProfilePending, and the profile is
// recorded for a later retry.
func (s *AuthStore) SignUp(ctx context.Context, email, password string, fields SignUpFields) (*remote.User, error) {
	start := s.begin()
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return nil, s.end("sign_up", start, entitystore.Invalid("email and password are required"))
	}
	meta := map[string]any{"full_name": fields.FullName, "role": fields.role()}
	user, sess, err := s.auth.SignUp(ctx, email, password, meta)
	if err != nil {
		return nil, s.end("sign_up", start, err)
	}
	if sess != nil {
		s.setSession(sess)
	}

	p := PendingProfile{
		UserID:    user.ID,
		Email:     email,
		FullName:  fields.FullName,
		Role:      fields.role(),
		CreatedAt: time.Now().UTC(),
	}
	raw, err := s.tables.Insert(ctx, profilesTable, p.row())
	if err != nil {
		p.Attempts = 1
		p.LastError = err.Error()
		if serr := s.pending.Save(ctx, p); serr != nil {
			s.logger.Error().Err(serr).Str("user_id", user.ID.String()).Msg("failed to record pending profile")
		}
		return user, s.end("sign_up", start, &entitystore.Error{
			Kind: entitystore.KindPartial,
			Err:  fmt.Errorf("%w: %v", ErrProfilePending, err),
		})
	}
	if prof, derr := remote.Decode[Profile](raw); derr == nil {
		s.mu.Lock()
		if s.userIDLocked() == user.ID {
			s.profile = &prof
		}
		s.mu.Unlock()
	}
	return user, s.end("sign_up", start, nil)
}

// SignOut ends the session. The mirror is cleared only on success.
func (s *AuthStore) SignOut(ctx context.Context) error {
	start := s.begin()
	if err := s.auth.SignOut(ctx); err != nil {
		return s.end("sign_out", start, err)
	}
	s.setSession(nil)
	return s.end("sign_out", start, nil)
}

// ResetPassword sends a reset mail that links back to SITE_URL/reset-password.
func (s *AuthStore) ResetPassword(ctx context.Context, email string) error {
	start := s.begin()
	if strings.TrimSpace(email) == "" {
		return s.end("reset_password", start, entitystore.Invalid("email is required"))
	}
	err := s.auth.ResetPasswordForEmail(ctx, strings.TrimSpace(email), s.siteURL+"/reset-password")
	return s.end("reset_password", start, err)
}

// UpdatePassword changes the signed-in user's password.
func (s *AuthStore) UpdatePassword(ctx context.Context, newPassword string) error {
	start := s.begin()
	if newPassword == "" {
		return s.end("update_password", start, entitystore.Invalid("password is required"))
	}
	user, err := s.auth.UpdateUser(ctx, remote.UserAttributes{Password: newPassword})
	if err != nil {
		return s.end("update_password", start, err)
	}
	s.mu.Lock()
	if s.session != nil && s.session.User.ID == user.ID {
		s.session.User = *user
	}
	s.mu.Unlock()
	return s.end("update_password", start, nil)
}

// RefreshSession exchanges the refresh token for a new session.
func (s *AuthStore) RefreshSession(ctx context.Context) (*remote.Session, error) {
	start := s.begin()
	sess, err := s.auth.RefreshSession(ctx)
	if err != nil {
		return nil, s.end("refresh_session", start, err)
	}
	if sess != nil {
		s.setSession(sess)
	}
	return sess, s.end("refresh_session", start, nil)
}

// Session returns a copy of the mirrored session, or nil.
func (s *AuthStore) Session() *remote.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session.Clone()
}

// User returns the signed-in user with its profile, or nil.
func (s *AuthStore) User() *UserView {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userLocked()
}

func (s *AuthStore) userLocked() *UserView {
	if s.session == nil {
		return nil
	}
	v := &UserView{User: s.session.Clone().User}
	if s.profile != nil {
		p := *s.profile
		v.Profile = &p
	}
	return v
}

// Profile returns the attached profile, if loaded.
func (s *AuthStore) Profile() (Profile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.profile == nil {
		return Profile{}, false
	}
	return *s.profile, true
}

// IsAuthenticated reports whether a session is present.
func (s *AuthStore) IsAuthenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session != nil
}

// UserRole returns the profile role, else the role in the user metadata,
// else DefaultRole. It is empty when nobody is signed in.
func (s *AuthStore) UserRole() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.roleLocked()
}

func (s *AuthStore) roleLocked() string {
	if s.session == nil {
		return ""
	}
	if s.profile != nil && s.profile.Role != "" {
		return s.profile.Role
	}
	if r := s.session.User.MetadataString("role"); r != "" {
		return r
	}
	return DefaultRole
}

// Loading reports whether Initialize is running.
func (s *AuthStore) Loading() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loading
}

// ReturnURL is where to go after sign-in.
func (s *AuthStore) ReturnURL() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.returnURL
}

// SetReturnURL records where to go after sign-in. Only local paths are
// accepted; anything else resets it to "/".
func (s *AuthStore) SetReturnURL(u string) {
	if !strings.HasPrefix(u, "/") || strings.HasPrefix(u, "//") {
		u = "/"
	}
	s.mu.Lock()
	s.returnURL = u
	s.mu.Unlock()
}

// Err returns the last operation's error, or nil.
func (s *AuthStore) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastErr == nil {
		return nil
	}
	return s.lastErr
}

// State returns a snapshot for rendering. ctx bounds the pending-profile
// lookup.
func (s *AuthStore) State(ctx context.Context) State {
	s.mu.RLock()
	st := State{
		Authenticated: s.session != nil,
		Loading:       s.loading,
		User:          s.userLocked(),
		Role:          s.roleLocked(),
		ReturnURL:     s.returnURL,
	}
	if s.lastErr != nil {
		st.Error = s.lastErr.Error()
	}
	uid, hasProfile := s.userIDLocked(), s.profile != nil
	s.mu.RUnlock()

	if uid != uuid.Nil && !hasProfile {
		if _, err := s.pending.Get(ctx, uid); err == nil {
			st.ProfilePending = true
		}
	}
	return st
}
