package account

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/dentdesk/dentdesk/internal/platform/db"
	"github.com/dentdesk/dentdesk/internal/platform/entitystore"
	"github.com/dentdesk/dentdesk/internal/platform/remote"
	"github.com/dentdesk/dentdesk/internal/platform/remote/memory"
)

type fixture struct {
	dir     *memory.Directory
	db      *memory.DB
	auth    *memory.Auth
	pending *MemoryPending
	store   *AuthStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		dir:     memory.NewDirectory("test-secret", memory.WithBcryptCost(bcrypt.MinCost)),
		db:      memory.NewDB(db.DentalSchema()),
		pending: NewMemoryPending(),
	}
	f.auth = f.dir.NewAuth()
	f.store = NewAuthStore(&remote.Client{Tables: f.db, Auth: f.auth}, Config{
		SiteURL: "https://clinic.example.com/",
		Pending: f.pending,
	})
	t.Cleanup(f.store.Close)
	return f
}

// register creates an account through a separate client so the store under
// test starts signed out.
func (f *fixture) register(t *testing.T, email, password string, meta map[string]any) *remote.User {
	t.Helper()
	other := f.dir.NewAuth()
	u, _, err := other.SignUp(context.Background(), email, password, meta)
	require.NoError(t, err)
	return u
}

func TestSignIn_UpdatesMirror(t *testing.T) {
	f := newFixture(t)
	u := f.register(t, "ada@example.com", "secret1", nil)

	sess, err := f.store.SignIn(context.Background(), "ada@example.com", "secret1")
	require.NoError(t, err)
	assert.Equal(t, u.ID, sess.User.ID)
	assert.True(t, f.store.IsAuthenticated())
	assert.Equal(t, "ada@example.com", f.store.User().Email)
	assert.NoError(t, f.store.Err())
}

func TestSignIn_BadCredentials(t *testing.T) {
	f := newFixture(t)
	f.register(t, "ada@example.com", "secret1", nil)

	_, err := f.store.SignIn(context.Background(), "ada@example.com", "wrong")
	require.Error(t, err)
	assert.True(t, entitystore.Is(err, entitystore.KindRemote))
	assert.False(t, f.store.IsAuthenticated())
	assert.Error(t, f.store.Err())

	_, err = f.store.SignIn(context.Background(), "", "x")
	assert.True(t, entitystore.Is(err, entitystore.KindInvalid))
}

func TestSignUp_CreatesProfile(t *testing.T) {
	f := newFixture(t)

	u, err := f.store.SignUp(context.Background(), "ada@example.com", "secret1", SignUpFields{FullName: "Ada Lovelace", Role: "dentist"})
	require.NoError(t, err)
	assert.Equal(t, "dentist", u.MetadataString("role"))
	assert.Equal(t, "Ada Lovelace", u.MetadataString("full_name"))
	assert.Equal(t, 1, f.db.Len("profiles"))

	prof, ok := f.store.Profile()
	require.True(t, ok)
	assert.Equal(t, u.ID, prof.ID)
	assert.Equal(t, "dentist", f.store.UserRole())
}

func TestSignUp_DefaultsRoleToStaff(t *testing.T) {
	f := newFixture(t)

	u, err := f.store.SignUp(context.Background(), "ada@example.com", "secret1", SignUpFields{})
	require.NoError(t, err)
	assert.Equal(t, DefaultRole, u.MetadataString("role"))

	rows, err := remote.SelectInto[Profile](context.Background(), f.db, remote.From("profiles"))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, DefaultRole, rows[0].Role)
}

func TestSignUp_ProfileFailureIsPartial(t *testing.T) {
	f := newFixture(t)
	f.db.FailOn("profiles", "insert", errors.New("permission denied for table profiles"))

	u, err := f.store.SignUp(context.Background(), "ada@example.com", "secret1", SignUpFields{FullName: "Ada"})
	require.Error(t, err)
	require.NotNil(t, u, "the created user is returned with the partial failure")
	assert.True(t, entitystore.Is(err, entitystore.KindPartial))
	assert.ErrorIs(t, err, ErrProfilePending)

	assert.True(t, f.store.IsAuthenticated(), "account exists and is signed in")
	_, ok := f.store.Profile()
	assert.False(t, ok)
	assert.Equal(t, DefaultRole, f.store.UserRole(), "role falls back without a profile")

	p, err := f.pending.Get(context.Background(), u.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, p.Attempts)
	assert.Contains(t, p.LastError, "permission denied")
	assert.True(t, f.store.State(context.Background()).ProfilePending)
}

func TestSignUp_AccountFailure(t *testing.T) {
	f := newFixture(t)
	f.register(t, "ada@example.com", "secret1", nil)

	u, err := f.store.SignUp(context.Background(), "ada@example.com", "secret1", SignUpFields{})
	require.Error(t, err)
	assert.Nil(t, u)
	assert.True(t, entitystore.Is(err, entitystore.KindRemote))
	assert.Equal(t, 0, f.db.Len("profiles"))
}

func TestSignUp_ConfirmEmailLeavesSignedOut(t *testing.T) {
	f := newFixture(t)
	f.dir.ConfirmEmail = true

	u, err := f.store.SignUp(context.Background(), "ada@example.com", "secret1", SignUpFields{})
	require.NoError(t, err)
	assert.NotNil(t, u)
	assert.False(t, f.store.IsAuthenticated())
	assert.Equal(t, 1, f.db.Len("profiles"))
}

func TestSignOut_ClearsMirror(t *testing.T) {
	f := newFixture(t)
	f.register(t, "ada@example.com", "secret1", nil)
	_, err := f.store.SignIn(context.Background(), "ada@example.com", "secret1")
	require.NoError(t, err)

	require.NoError(t, f.store.SignOut(context.Background()))
	assert.False(t, f.store.IsAuthenticated())
	assert.Nil(t, f.store.User())
	assert.Empty(t, f.store.UserRole())
}

func TestResetPassword_RedirectsToSite(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.store.ResetPassword(context.Background(), "ada@example.com"))
	rec := f.dir.Recoveries()
	require.Len(t, rec, 1)
	assert.Equal(t, "https://clinic.example.com/reset-password", rec[0].RedirectTo)

	err := f.store.ResetPassword(context.Background(), " ")
	assert.True(t, entitystore.Is(err, entitystore.KindInvalid))
}

func TestUpdatePassword(t *testing.T) {
	f := newFixture(t)
	f.register(t, "ada@example.com", "secret1", nil)

	err := f.store.UpdatePassword(context.Background(), "secret2")
	assert.ErrorIs(t, err, remote.ErrNoSession)

	_, err = f.store.SignIn(context.Background(), "ada@example.com", "secret1")
	require.NoError(t, err)
	require.NoError(t, f.store.UpdatePassword(context.Background(), "secret2"))

	_, err = f.dir.NewAuth().SignInWithPassword(context.Background(), "ada@example.com", "secret2")
	assert.NoError(t, err)
}

func TestRefreshSession(t *testing.T) {
	f := newFixture(t)
	f.register(t, "ada@example.com", "secret1", nil)
	first, err := f.store.SignIn(context.Background(), "ada@example.com", "secret1")
	require.NoError(t, err)

	sess, err := f.store.RefreshSession(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, first.RefreshToken, sess.RefreshToken)
	assert.Equal(t, sess.AccessToken, f.store.Session().AccessToken)
}

func TestInitialize_AttachesProfile(t *testing.T) {
	f := newFixture(t)
	u := f.register(t, "ada@example.com", "secret1", map[string]any{"role": "hygienist"})
	_, err := f.db.Insert(context.Background(), "profiles", map[string]any{"id": u.ID, "role": "dentist", "email": "ada@example.com"})
	require.NoError(t, err)
	_, err = f.auth.SignInWithPassword(context.Background(), "ada@example.com", "secret1")
	require.NoError(t, err)

	require.NoError(t, f.store.Initialize(context.Background()))
	assert.False(t, f.store.Loading())
	assert.True(t, f.store.IsAuthenticated())
	assert.Equal(t, "dentist", f.store.UserRole(), "profile role wins over metadata")
	require.NotNil(t, f.store.User().Profile)
}

func TestInitialize_NoSession(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Initialize(context.Background()))
	assert.False(t, f.store.IsAuthenticated())
	assert.Empty(t, f.store.UserRole())
}

func TestInitialize_RetriesPendingProfile(t *testing.T) {
	f := newFixture(t)
	u := f.register(t, "ada@example.com", "secret1", nil)
	require.NoError(t, f.pending.Save(context.Background(), PendingProfile{UserID: u.ID, Email: "ada@example.com", Role: "dentist", Attempts: 1}))
	_, err := f.auth.SignInWithPassword(context.Background(), "ada@example.com", "secret1")
	require.NoError(t, err)

	require.NoError(t, f.store.Initialize(context.Background()))
	assert.Equal(t, "dentist", f.store.UserRole())
	_, err = f.pending.Get(context.Background(), u.ID)
	assert.ErrorIs(t, err, ErrNoPending)
	assert.Equal(t, 1, f.db.Len("profiles"))
}

func TestInitialize_MetadataRoleWithoutProfile(t *testing.T) {
	f := newFixture(t)
	f.register(t, "ada@example.com", "secret1", map[string]any{"role": "hygienist"})
	_, err := f.auth.SignInWithPassword(context.Background(), "ada@example.com", "secret1")
	require.NoError(t, err)

	require.NoError(t, f.store.Initialize(context.Background()))
	assert.Equal(t, "hygienist", f.store.UserRole())
}

func TestListener_FollowsSessionChanges(t *testing.T) {
	f := newFixture(t)
	u := f.register(t, "ada@example.com", "secret1", nil)
	_, err := f.db.Insert(context.Background(), "profiles", map[string]any{"id": u.ID, "role": "dentist"})
	require.NoError(t, err)
	f.store.Start()
	f.store.Start()
	assert.Equal(t, 1, f.auth.Listeners(), "Start is idempotent")

	// The session arrives through the client, not through the store.
	_, err = f.auth.SignInWithPassword(context.Background(), "ada@example.com", "secret1")
	require.NoError(t, err)
	f.store.wg.Wait()
	assert.True(t, f.store.IsAuthenticated())
	assert.Equal(t, "dentist", f.store.UserRole())

	require.NoError(t, f.auth.SignOut(context.Background()))
	assert.False(t, f.store.IsAuthenticated())
	_, ok := f.store.Profile()
	assert.False(t, ok)
}

func TestListener_DisposedOnClose(t *testing.T) {
	f := newFixture(t)
	f.register(t, "ada@example.com", "secret1", nil)
	f.store.Start()
	f.store.Close()
	assert.Equal(t, 0, f.auth.Listeners())

	_, err := f.auth.SignInWithPassword(context.Background(), "ada@example.com", "secret1")
	require.NoError(t, err)
	assert.False(t, f.store.IsAuthenticated(), "a closed store ignores session changes")
}

func TestListener_StaleProfileNotAttached(t *testing.T) {
	f := newFixture(t)
	ada := f.register(t, "ada@example.com", "secret1", nil)
	f.register(t, "grace@example.com", "secret2", nil)
	_, err := f.db.Insert(context.Background(), "profiles", map[string]any{"id": ada.ID, "role": "dentist"})
	require.NoError(t, err)

	release := make(chan struct{})
	f.db.Intercept(func(ctx context.Context, call memory.Call) error {
		if call.Table == "profiles" && call.Op == "select" {
			<-release
		}
		return nil
	})
	f.store.Start()

	_, err = f.auth.SignInWithPassword(context.Background(), "ada@example.com", "secret1")
	require.NoError(t, err)
	require.NoError(t, f.auth.SignOut(context.Background()))
	f.db.Intercept(nil)
	close(release)
	f.store.wg.Wait()

	_, ok := f.store.Profile()
	assert.False(t, ok, "profile of a user who signed out meanwhile is dropped")
}

func TestSetReturnURL(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, "/", f.store.ReturnURL())
	f.store.SetReturnURL("/patients/42")
	assert.Equal(t, "/patients/42", f.store.ReturnURL())
	f.store.SetReturnURL("https://evil.example.com")
	assert.Equal(t, "/", f.store.ReturnURL())
	f.store.SetReturnURL("//evil.example.com")
	assert.Equal(t, "/", f.store.ReturnURL())
}

func TestObserverSeesAuthOps(t *testing.T) {
	obs := &countingObserver{}
	dir := memory.NewDirectory("s", memory.WithBcryptCost(bcrypt.MinCost))
	s := NewAuthStore(&remote.Client{Tables: memory.NewDB(db.DentalSchema()), Auth: dir.NewAuth()}, Config{Observer: obs})

	_, _ = s.SignIn(context.Background(), "nobody@example.com", "x")
	require.NoError(t, s.ResetPassword(context.Background(), "nobody@example.com"))
	assert.Equal(t, []string{"auth.sign_in:err", "auth.reset_password:ok"}, obs.ops)
}

type countingObserver struct {
	ops []string
}

func (c *countingObserver) ObserveOp(store, op string, _ time.Duration, err error) {
	res := "ok"
	if err != nil {
		res = "err"
	}
	c.ops = append(c.ops, store+"."+op+":"+res)
}
