package auth

import (
	"strings"

	"github.com/labstack/echo/v4"
)

// publicPaths lists URL paths that are reachable without a session.
var publicPaths = map[string]bool{
	"/login":          true,
	"/signup":         true,
	"/reset-password": true,
	"/health":         true,
	"/health/db":      true,
	"/metrics":        true,
	"/favicon.ico":    true,
}

// publicPrefixes lists path prefixes that are reachable without a session:
// the auth API and static assets.
var publicPrefixes = []string{
	"/api/v1/auth/",
	"/assets/",
	"/static/",
}

// IsPublicPath reports whether path is reachable without a session.
func IsPublicPath(path string) bool {
	if publicPaths[path] {
		return true
	}
	for _, p := range publicPrefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// AuthSkipper returns true for requests that bypass the navigation guard.
func AuthSkipper(c echo.Context) bool {
	return IsPublicPath(c.Request().URL.Path)
}

// IsAPIPath reports whether path is served as JSON rather than as a page.
func IsAPIPath(path string) bool {
	return path == "/api" || strings.HasPrefix(path, "/api/")
}
