package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestAuthSkipper_PublicPaths(t *testing.T) {
	publicPaths := []string{
		"/login",
		"/reset-password",
		"/health",
		"/health/db",
		"/metrics",
		"/api/v1/auth/login",
		"/api/v1/auth/signup",
		"/assets/app.js",
	}

	for _, path := range publicPaths {
		t.Run(path, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, path, nil)
			c := e.NewContext(req, httptest.NewRecorder())

			if !AuthSkipper(c) {
				t.Errorf("expected AuthSkipper to return true for %s", path)
			}
		})
	}
}

func TestAuthSkipper_ProtectedPaths(t *testing.T) {
	protectedPaths := []string{
		"/",
		"/patients",
		"/patients/123",
		"/appointments/new",
		"/settings",
		"/api/v1/patients",
		"/api/v1/session/events",
		"/api/v1/authx",
		"/health/extra",
	}

	for _, path := range protectedPaths {
		t.Run(path, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, path, nil)
			c := e.NewContext(req, httptest.NewRecorder())

			if AuthSkipper(c) {
				t.Errorf("expected AuthSkipper to return false for %s", path)
			}
		})
	}
}

func TestIsAPIPath(t *testing.T) {
	tests := map[string]bool{
		"/api":             true,
		"/api/v1/patients": true,
		"/apis":            false,
		"/patients":        false,
	}
	for path, want := range tests {
		if got := IsAPIPath(path); got != want {
			t.Errorf("IsAPIPath(%q) = %v, want %v", path, got, want)
		}
	}
}
