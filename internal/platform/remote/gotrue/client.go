// Package gotrue implements remote.Auth against a GoTrue endpoint such as a
// hosted Supabase project's /auth/v1. The client keeps one session in
// memory; each workspace owns its own client.
package gotrue

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/dentdesk/dentdesk/internal/platform/remote"
)

// expirySkew refreshes tokens slightly before they expire.
const expirySkew = 10 * time.Second

// Config configures the auth client.
type Config struct {
	URL     string
	APIKey  string
	Timeout time.Duration
	Retries int
}

// Client is a stateful GoTrue client.
type Client struct {
	http    *resty.Client
	apiKey  string
	logger  zerolog.Logger
	emitter remote.Emitter
	now     func() time.Time
	refresh singleflight.Group

	mu      sync.Mutex
	session *remote.Session
}

// New creates a client with no session.
func New(cfg Config, logger zerolog.Logger) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	hc := resty.New().
		SetBaseURL(strings.TrimRight(cfg.URL, "/")+"/auth/v1").
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.Retries).
		SetRetryWaitTime(200*time.Millisecond).
		SetRetryMaxWaitTime(2*time.Second).
		SetHeader("apikey", cfg.APIKey).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:   hc,
		apiKey: cfg.APIKey,
		logger: logger.With().Str("component", "gotrue").Logger(),
		now:    time.Now,
	}
}

type passwordGrant struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type signUpRequest struct {
	Email    string         `json:"email"`
	Password string         `json:"password"`
	Data     map[string]any `json:"data,omitempty"`
}

type refreshGrant struct {
	RefreshToken string `json:"refresh_token"`
}

// SignInWithPassword exchanges credentials for a session.
func (c *Client) SignInWithPassword(ctx context.Context, email, password string) (*remote.Session, error) {
	var s remote.Session
	err := c.do(ctx, c.http.R().
		SetQueryParam("grant_type", "password").
		SetBody(passwordGrant{Email: email, Password: password}).
		SetResult(&s), http.MethodPost, "/token", "", "sign_in")
	if err != nil {
		return nil, err
	}
	c.store(&s)
	c.emitter.Emit(remote.EventSignedIn, &s)
	return s.Clone(), nil
}

// SignUp registers an account. With email confirmation enabled the server
// returns the bare user and no session.
func (c *Client) SignUp(ctx context.Context, email, password string, metadata map[string]any) (*remote.User, *remote.Session, error) {
	var raw json.RawMessage
	err := c.do(ctx, c.http.R().
		SetBody(signUpRequest{Email: email, Password: password, Data: metadata}).
		SetResult(&raw), http.MethodPost, "/signup", "", "sign_up")
	if err != nil {
		return nil, nil, err
	}

	var peek struct {
		AccessToken string `json:"access_token"`
	}
	_ = json.Unmarshal(raw, &peek)
	if peek.AccessToken == "" {
		var u remote.User
		if err := json.Unmarshal(raw, &u); err != nil {
			return nil, nil, remote.NetworkError(err)
		}
		return &u, nil, nil
	}

	var s remote.Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, nil, remote.NetworkError(err)
	}
	c.store(&s)
	c.emitter.Emit(remote.EventSignedIn, &s)
	u := s.User
	return &u, s.Clone(), nil
}

// SignOut revokes the session server-side and clears it locally. A
// session the server no longer knows is cleared without error.
func (c *Client) SignOut(ctx context.Context) error {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()
	if s == nil {
		return nil
	}

	err := c.do(ctx, c.http.R(), http.MethodPost, "/logout", s.AccessToken, "sign_out")
	var re *remote.Error
	if err != nil && !(errors.As(err, &re) && (re.Status == http.StatusUnauthorized || re.Status == http.StatusNotFound)) {
		return err
	}
	c.store(nil)
	c.emitter.Emit(remote.EventSignedOut, nil)
	return nil
}

// GetSession returns the current session, refreshing it first when the
// access token is about to expire.
func (c *Client) GetSession(ctx context.Context) (*remote.Session, error) {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()
	if s == nil {
		return nil, nil
	}
	if !s.Expired(c.now(), expirySkew) {
		return s.Clone(), nil
	}
	return c.refreshFrom(ctx, s.RefreshToken)
}

// RefreshSession trades the refresh token for a new session. When the
// server rejects the refresh token the local session is dropped.
func (c *Client) RefreshSession(ctx context.Context) (*remote.Session, error) {
	c.mu.Lock()
	cur := c.session
	c.mu.Unlock()
	if cur == nil {
		return nil, remote.ErrNoSession
	}
	return c.refreshFrom(ctx, cur.RefreshToken)
}

// refreshFrom refreshes the session holding token. Concurrent callers with
// the same token share one request, since the server rotates the token on
// first use.
func (c *Client) refreshFrom(ctx context.Context, token string) (*remote.Session, error) {
	v, err, _ := c.refresh.Do(token, func() (any, error) {
		c.mu.Lock()
		cur := c.session
		c.mu.Unlock()
		if cur == nil {
			return nil, remote.ErrNoSession
		}
		if cur.RefreshToken != token {
			return cur, nil
		}

		var s remote.Session
		err := c.do(context.WithoutCancel(ctx), c.http.R().
			SetQueryParam("grant_type", "refresh_token").
			SetBody(refreshGrant{RefreshToken: token}).
			SetResult(&s), http.MethodPost, "/token", "", "refresh")
		if err != nil {
			var re *remote.Error
			if errors.As(err, &re) && re.Status >= 400 && re.Status < 500 {
				c.store(nil)
				c.emitter.Emit(remote.EventSignedOut, nil)
			}
			return nil, err
		}
		c.store(&s)
		c.emitter.Emit(remote.EventTokenRefreshed, &s)
		return &s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*remote.Session).Clone(), nil
}

// ResetPasswordForEmail asks the server to mail a recovery link that lands
// on redirectTo.
func (c *Client) ResetPasswordForEmail(ctx context.Context, email, redirectTo string) error {
	req := c.http.R().SetBody(map[string]string{"email": email})
	if redirectTo != "" {
		req.SetQueryParam("redirect_to", redirectTo)
	}
	return c.do(ctx, req, http.MethodPost, "/recover", "", "recover")
}

// UpdateUser changes attributes of the signed-in user.
func (c *Client) UpdateUser(ctx context.Context, attrs remote.UserAttributes) (*remote.User, error) {
	s, err := c.GetSession(ctx)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, remote.ErrNoSession
	}

	var u remote.User
	err = c.do(ctx, c.http.R().SetBody(attrs).SetResult(&u), http.MethodPut, "/user", s.AccessToken, "update_user")
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.session != nil && c.session.User.ID == u.ID {
		c.session.User = u
	}
	updated := c.session.Clone()
	c.mu.Unlock()
	if updated != nil {
		c.emitter.Emit(remote.EventUserUpdated, updated)
	}
	return &u, nil
}

// OnAuthStateChange registers a session listener.
func (c *Client) OnAuthStateChange(fn func(remote.AuthEvent, *remote.Session)) remote.Subscription {
	return c.emitter.Subscribe(fn)
}

// AccessToken returns the current access token, or "" when signed out, so
// the table client can fall back to the API key.
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	s, err := c.GetSession(ctx)
	if err != nil || s == nil {
		return "", nil
	}
	return s.AccessToken, nil
}

// SetSession installs a session obtained elsewhere, e.g. from a recovery
// link, and announces it.
func (c *Client) SetSession(s *remote.Session, ev remote.AuthEvent) {
	c.store(s)
	c.emitter.Emit(ev, s)
}

func (c *Client) store(s *remote.Session) {
	if s != nil && s.ExpiresAt == 0 {
		s.ExpiresAt = expiresAt(s, c.now())
	}
	c.mu.Lock()
	c.session = s.Clone()
	c.mu.Unlock()
}

// expiresAt derives the expiry from the token's exp claim, falling back to
// expires_in.
func expiresAt(s *remote.Session, now time.Time) int64 {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(s.AccessToken, &claims); err == nil && claims.ExpiresAt != nil {
		return claims.ExpiresAt.Unix()
	}
	if s.ExpiresIn > 0 {
		return now.Add(time.Duration(s.ExpiresIn) * time.Second).Unix()
	}
	return 0
}

func (c *Client) do(ctx context.Context, req *resty.Request, method, path, bearer, op string) error {
	if bearer == "" {
		bearer = c.apiKey
	}
	resp, err := req.SetContext(ctx).SetAuthToken(bearer).Execute(method, path)
	if err != nil {
		c.logger.Warn().Err(err).Str("op", op).Msg("auth request failed")
		return remote.NetworkError(err)
	}
	c.logger.Debug().Str("op", op).Int("status", resp.StatusCode()).Dur("latency", resp.Time()).Msg("gotrue request")
	if resp.IsSuccess() {
		return nil
	}
	return decodeError(resp)
}

// gotrueError covers both the current and the legacy error bodies.
type gotrueError struct {
	Code             any    `json:"code"`
	ErrorCode        string `json:"error_code"`
	Msg              string `json:"msg"`
	Message          string `json:"message"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func decodeError(resp *resty.Response) error {
	var g gotrueError
	_ = json.Unmarshal(resp.Body(), &g)

	e := &remote.Error{Status: resp.StatusCode()}
	switch {
	case g.ErrorCode != "":
		e.Code = g.ErrorCode
	case g.Error != "":
		e.Code = g.Error
	default:
		if s, ok := g.Code.(string); ok {
			e.Code = s
		}
	}
	for _, m := range []string{g.Msg, g.Message, g.ErrorDescription} {
		if m != "" {
			e.Message = m
			break
		}
	}
	if e.Message == "" {
		e.Message = http.StatusText(resp.StatusCode())
	}
	return e
}
