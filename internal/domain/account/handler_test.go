package account

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func newTestHandler(t *testing.T) (*Handler, *echo.Echo, *fixture, *int) {
	f := newFixture(t)
	signOuts := 0
	h := NewHandler(
		func(c echo.Context) (*AuthStore, error) { return f.store, nil },
		func(c echo.Context) { signOuts++ },
	)
	return h, echo.New(), f, &signOuts
}

func post(e *echo.Echo, body string) (echo.Context, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func statusOf(t *testing.T, err error) int {
	t.Helper()
	var he *echo.HTTPError
	if !errors.As(err, &he) {
		t.Fatalf("expected *echo.HTTPError, got %v", err)
	}
	return he.Code
}

func TestHandler_Login(t *testing.T) {
	h, e, f, _ := newTestHandler(t)
	f.register(t, "ada@example.com", "secret1", nil)

	c, rec := post(e, `{"email":"ada@example.com","password":"secret1","redirect":"/appointments"}`)
	if err := h.Login(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var st State
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !st.Authenticated || st.ReturnURL != "/appointments" || st.Role != DefaultRole {
		t.Errorf("unexpected state: %+v", st)
	}
}

func TestHandler_Login_BadCredentials(t *testing.T) {
	h, e, f, _ := newTestHandler(t)
	f.register(t, "ada@example.com", "secret1", nil)

	c, _ := post(e, `{"email":"ada@example.com","password":"nope"}`)
	if code := statusOf(t, h.Login(c)); code != http.StatusBadRequest {
		t.Errorf("expected the auth service's 400, got %d", code)
	}

	c, _ = post(e, `{"email":""}`)
	if code := statusOf(t, h.Login(c)); code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing fields, got %d", code)
	}
}

func TestHandler_SignUp(t *testing.T) {
	h, e, f, _ := newTestHandler(t)

	c, rec := post(e, `{"email":"ada@example.com","password":"secret1","full_name":"Ada"}`)
	if err := h.SignUp(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
	var resp signUpResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.ProfilePending || resp.User == nil {
		t.Errorf("unexpected response: %+v", resp)
	}
	if f.db.Len("profiles") != 1 {
		t.Errorf("expected profile row")
	}
}

func TestHandler_SignUp_ProfilePending(t *testing.T) {
	h, e, f, _ := newTestHandler(t)
	f.db.FailOn("profiles", "insert", errors.New("permission denied"))

	c, rec := post(e, `{"email":"ada@example.com","password":"secret1"}`)
	if err := h.SignUp(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"profile_pending":true`) {
		t.Errorf("expected profile_pending, got %s", rec.Body.String())
	}
}

func TestHandler_SignUp_Duplicate(t *testing.T) {
	h, e, f, _ := newTestHandler(t)
	f.register(t, "ada@example.com", "secret1", nil)

	c, _ := post(e, `{"email":"ada@example.com","password":"secret1"}`)
	if code := statusOf(t, h.SignUp(c)); code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422, got %d", code)
	}
}

func TestHandler_Logout(t *testing.T) {
	h, e, f, signOuts := newTestHandler(t)
	f.register(t, "ada@example.com", "secret1", nil)
	c, _ := post(e, `{"email":"ada@example.com","password":"secret1"}`)
	if err := h.Login(c); err != nil {
		t.Fatalf("login: %v", err)
	}

	c, rec := post(e, ``)
	if err := h.Logout(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Code)
	}
	if *signOuts != 1 {
		t.Errorf("expected sign-out hook to run once, ran %d", *signOuts)
	}
	if f.store.IsAuthenticated() {
		t.Error("expected signed out")
	}
}

func TestHandler_ResetPassword(t *testing.T) {
	h, e, f, _ := newTestHandler(t)

	c, rec := post(e, `{"email":"ada@example.com"}`)
	if err := h.ResetPassword(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusAccepted {
		t.Errorf("expected 202, got %d", rec.Code)
	}
	if len(f.dir.Recoveries()) != 1 {
		t.Error("expected a recovery request")
	}
}

func TestHandler_UpdatePassword_SignedOut(t *testing.T) {
	h, e, _, _ := newTestHandler(t)
	req := httptest.NewRequest(http.MethodPut, "/", strings.NewReader(`{"password":"secret2"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	c := e.NewContext(req, httptest.NewRecorder())

	if code := statusOf(t, h.UpdatePassword(c)); code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", code)
	}
}

func TestHandler_Refresh_SignedOut(t *testing.T) {
	h, e, _, _ := newTestHandler(t)
	c, _ := post(e, ``)
	if code := statusOf(t, h.Refresh(c)); code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", code)
	}
}

func TestHandler_Me(t *testing.T) {
	h, e, _, _ := newTestHandler(t)
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)

	if err := h.Me(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"authenticated":false`) {
		t.Errorf("unexpected body: %s", rec.Body.String())
	}
}
