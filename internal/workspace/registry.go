// Package workspace keeps one set of stores per browser session. A
// workspace owns a remote client of its own, so the session of one
// visitor never leaks into the requests of another.
package workspace

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/dentdesk/dentdesk/internal/domain/account"
	"github.com/dentdesk/dentdesk/internal/domain/clinic"
	"github.com/dentdesk/dentdesk/internal/platform/auth"
	"github.com/dentdesk/dentdesk/internal/platform/entitystore"
	"github.com/dentdesk/dentdesk/internal/platform/middleware"
	"github.com/dentdesk/dentdesk/internal/platform/remote"
	"github.com/dentdesk/dentdesk/internal/platform/websocket"
)

// CookieName is the cookie that carries the workspace id.
const CookieName = "dentdesk_ws"

const contextKey = "workspace"

var (
	// ErrClosed is returned once the registry has been closed.
	ErrClosed = errors.New("workspace: registry closed")
	// ErrNoWorkspace is returned when a request carries no open workspace.
	ErrNoWorkspace = errors.New("workspace: not signed in")
)

// ClientFactory builds the remote client of a new workspace.
type ClientFactory func() (*remote.Client, error)

// Events receives session changes and is told when a workspace goes away.
type Events interface {
	websocket.EventPublisher
	CloseTopic(topic string)
}

// Config configures a Registry.
type Config struct {
	NewClient   ClientFactory
	Pending     account.PendingStore
	SiteURL     string
	Location    *time.Location
	IdleTimeout time.Duration
	Observer    entitystore.Observer
	Events      Events
	Logger      zerolog.Logger
	// SecureCookie marks the workspace cookie Secure.
	SecureCookie bool
}

// Workspace is the AuthStore, PatientStore and AppointmentStore of one
// browser session.
type Workspace struct {
	ID   string
	Auth *account.AuthStore

	patients     *clinic.PatientStore
	appointments *clinic.AppointmentStore
	forward      remote.Subscription
	lastSeen     time.Time
}

func (w *Workspace) Patients() *clinic.PatientStore         { return w.patients }
func (w *Workspace) Appointments() *clinic.AppointmentStore { return w.appointments }

// Topic is the websocket topic carrying the session events of workspace id.
func Topic(id string) string { return "session:" + id }

// Registry maps workspace ids to open workspaces.
type Registry struct {
	cfg    Config
	logger zerolog.Logger
	now    func() time.Time

	mu     sync.Mutex
	items  map[string]*Workspace
	closed bool
}

func NewRegistry(cfg Config) *Registry {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Minute
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Pending == nil {
		cfg.Pending = account.NewMemoryPending()
	}
	return &Registry{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "workspace").Logger(),
		now:    time.Now,
		items:  make(map[string]*Workspace),
	}
}

// Open creates and starts a workspace. ctx bounds the initial session load.
func (r *Registry) Open(ctx context.Context) (*Workspace, error) {
	client, err := r.cfg.NewClient()
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()
	logger := r.cfg.Logger.With().Str("workspace", id).Logger()
	storeOpts := []entitystore.Option{entitystore.WithLogger(logger)}
	if r.cfg.Observer != nil {
		storeOpts = append(storeOpts, entitystore.WithObserver(r.cfg.Observer))
	}

	w := &Workspace{
		ID: id,
		Auth: account.NewAuthStore(client, account.Config{
			SiteURL:  r.cfg.SiteURL,
			Pending:  r.cfg.Pending,
			Logger:   logger,
			Observer: r.cfg.Observer,
		}),
		patients:     clinic.NewPatientStore(client.Tables, storeOpts...),
		appointments: clinic.NewAppointmentStore(client.Tables, storeOpts, clinic.WithLocation(r.cfg.Location)),
		lastSeen:     r.now(),
	}
	w.Auth.Start()
	if r.cfg.Events != nil {
		w.forward = client.Auth.OnAuthStateChange(r.forwarder(id))
	}
	if err := w.Auth.Initialize(ctx); err != nil {
		r.shutdown(w)
		return nil, err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.shutdown(w)
		return nil, ErrClosed
	}
	r.items[id] = w
	r.mu.Unlock()

	r.logger.Debug().Str("workspace", id).Msg("workspace opened")
	return w, nil
}

type sessionEvent struct {
	Authenticated bool       `json:"authenticated"`
	UserID        *uuid.UUID `json:"user_id,omitempty"`
	ExpiresAt     int64      `json:"expires_at,omitempty"`
}

func (r *Registry) forwarder(id string) func(remote.AuthEvent, *remote.Session) {
	topic := Topic(id)
	return func(ev remote.AuthEvent, sess *remote.Session) {
		body := sessionEvent{Authenticated: sess != nil}
		if sess != nil {
			uid := sess.User.ID
			body.UserID = &uid
			body.ExpiresAt = sess.ExpiresAt
		}
		data, err := json.Marshal(body)
		if err != nil {
			return
		}
		if err := r.cfg.Events.Publish(context.Background(), websocket.Event{
			Type:      string(ev),
			Topic:     topic,
			Timestamp: r.now().UTC(),
			Data:      data,
		}); err != nil {
			r.logger.Warn().Err(err).Str("workspace", id).Msg("failed to publish session event")
		}
	}
}

// Lookup returns the open workspace with the given id and marks it used.
func (r *Registry) Lookup(id string) (*Workspace, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.items[id]
	if ok {
		w.lastSeen = r.now()
	}
	return w, ok
}

// Current returns the workspace named by the request cookie. It never opens
// one.
func (r *Registry) Current(c echo.Context) (*Workspace, bool) {
	if w, ok := c.Get(contextKey).(*Workspace); ok {
		return w, true
	}
	ck, err := c.Cookie(CookieName)
	if err != nil {
		return nil, false
	}
	w, ok := r.Lookup(ck.Value)
	if !ok {
		return nil, false
	}
	r.bind(c, w)
	return w, true
}

// Get returns the workspace of the request, opening one and setting the
// cookie when the request has none or names an unknown one. Only the auth
// endpoints call it.
func (r *Registry) Get(c echo.Context) (*Workspace, error) {
	if w, ok := r.Current(c); ok {
		return w, nil
	}

	w, err := r.Open(c.Request().Context())
	if err != nil {
		return nil, err
	}
	c.SetCookie(&http.Cookie{
		Name:     CookieName,
		Value:    w.ID,
		Path:     "/",
		HttpOnly: true,
		Secure:   r.cfg.SecureCookie,
		SameSite: http.SameSiteLaxMode,
	})
	r.bind(c, w)
	return w, nil
}

func (r *Registry) bind(c echo.Context, w *Workspace) {
	c.Set(contextKey, w)
	c.Set(middleware.WorkspaceKey, w.ID)
}

// Stores resolves the clinic stores of the request.
func (r *Registry) Stores(c echo.Context) (clinic.Stores, error) {
	w, ok := r.Current(c)
	if !ok {
		return nil, ErrNoWorkspace
	}
	return w, nil
}

// AuthStore resolves the AuthStore of the request.
func (r *Registry) AuthStore(c echo.Context) (*account.AuthStore, error) {
	w, err := r.Get(c)
	if err != nil {
		return nil, err
	}
	return w.Auth, nil
}

// noSession is the session mirror of a request without a workspace.
type noSession struct{}

func (noSession) Session() *remote.Session { return nil }
func (noSession) UserRole() string         { return "" }

// Session resolves the session mirror the navigation guard checks. A request
// without an open workspace has no session.
func (r *Registry) Session(c echo.Context) (auth.SessionSource, error) {
	w, ok := r.Current(c)
	if !ok {
		return noSession{}, nil
	}
	return w.Auth, nil
}

// Topic resolves the websocket topic of the request. Only signed-in
// workspaces get one.
func (r *Registry) Topic(c echo.Context) (string, error) {
	w, ok := r.Current(c)
	if !ok || !w.Auth.IsAuthenticated() {
		return "", ErrNoWorkspace
	}
	return Topic(w.ID), nil
}

// SignedOut discards the workspace of the request and clears its cookie.
func (r *Registry) SignedOut(c echo.Context) {
	w, ok := c.Get(contextKey).(*Workspace)
	if !ok {
		return
	}
	r.Discard(w.ID)
	c.SetCookie(&http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   r.cfg.SecureCookie,
		SameSite: http.SameSiteLaxMode,
	})
}

// Discard closes the workspace id. Unknown ids are ignored.
func (r *Registry) Discard(id string) {
	r.mu.Lock()
	w, ok := r.items[id]
	delete(r.items, id)
	r.mu.Unlock()
	if ok {
		r.shutdown(w)
		r.logger.Debug().Str("workspace", id).Msg("workspace discarded")
	}
}

func (r *Registry) shutdown(w *Workspace) {
	if w.forward != nil {
		w.forward.Unsubscribe()
	}
	w.Auth.Close()
	if r.cfg.Events != nil {
		r.cfg.Events.CloseTopic(Topic(w.ID))
	}
}

// Sweep closes workspaces idle for longer than the idle timeout and
// returns how many were closed.
func (r *Registry) Sweep() int {
	cutoff := r.now().Add(-r.cfg.IdleTimeout)
	var idle []*Workspace
	r.mu.Lock()
	for id, w := range r.items {
		if w.lastSeen.Before(cutoff) {
			idle = append(idle, w)
			delete(r.items, id)
		}
	}
	r.mu.Unlock()

	for _, w := range idle {
		r.shutdown(w)
	}
	if len(idle) > 0 {
		r.logger.Info().Int("closed", len(idle)).Msg("idle workspaces closed")
	}
	return len(idle)
}

// Run sweeps every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Len returns the number of open workspaces.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

// Close closes every workspace. Open fails afterwards.
func (r *Registry) Close() {
	r.mu.Lock()
	items := r.items
	r.items = make(map[string]*Workspace)
	r.closed = true
	r.mu.Unlock()
	for _, w := range items {
		r.shutdown(w)
	}
}
