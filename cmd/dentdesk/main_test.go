package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/dentdesk/dentdesk/internal/config"
	"github.com/dentdesk/dentdesk/internal/domain/account"
	"github.com/dentdesk/dentdesk/internal/platform/db"
	"github.com/dentdesk/dentdesk/internal/platform/remote"
)

func TestNewLogger_JSONOutsideDevelopment(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger("production", &buf)
	logger.Info().Msg("hello")

	if !strings.HasPrefix(buf.String(), "{") {
		t.Fatalf("expected JSON output, got %q", buf.String())
	}
}

func TestNewLogger_ConsoleInDevelopment(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger("development", &buf)
	logger.Info().Msg("hello")

	out := buf.String()
	if strings.HasPrefix(out, "{") || !strings.Contains(out, "hello") {
		t.Fatalf("expected console output, got %q", out)
	}
}

func TestAuthRateLimit(t *testing.T) {
	rl := authRateLimit(&config.Config{RateLimitRPS: 2, RateLimitBurst: 4})
	if rl.RequestsPerSecond != 2 || rl.BurstSize != 4 {
		t.Errorf("unexpected config %+v", rl)
	}
	if rl.IdleTTL == 0 {
		t.Error("expected the default idle ttl to be kept")
	}

	rl = authRateLimit(&config.Config{})
	if rl.RequestsPerSecond != 5 || rl.BurstSize != 10 {
		t.Errorf("expected defaults, got %+v", rl)
	}
}

func contextFor(path string) echo.Context {
	return echo.New().NewContext(httptest.NewRequest(http.MethodGet, path, nil), httptest.NewRecorder())
}

func TestStreaming(t *testing.T) {
	if !streaming(contextFor(sessionEvents)) {
		t.Error("session events should skip the request timeout")
	}
	if streaming(contextFor("/api/v1/patients")) {
		t.Error("regular API calls should have a timeout")
	}
}

func TestSPASkipper(t *testing.T) {
	tests := map[string]bool{
		"/api/v1/patients":  true,
		"/metrics":          true,
		"/health":           true,
		"/health/db":        true,
		"/":                 false,
		"/appointments/new": false,
		"/assets/app.js":    false,
	}
	for path, want := range tests {
		if got := spaSkipper(contextFor(path)); got != want {
			t.Errorf("spaSkipper(%q) = %v, want %v", path, got, want)
		}
	}
}

func TestPrintMigrationStatus(t *testing.T) {
	applied := time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)
	var buf bytes.Buffer
	printMigrationStatus(&buf, []db.MigrationStatus{
		{Version: 1, Name: "dental_core", Applied: true, AppliedAt: &applied},
		{Version: 2, Name: "profile_roles"},
	})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("expected header, rule and two rows, got %d lines:\n%s", len(lines), buf.String())
	}
	if !strings.Contains(lines[2], "applied") || !strings.Contains(lines[2], "2024-05-01 09:30:00") {
		t.Errorf("unexpected applied row %q", lines[2])
	}
	if !strings.Contains(lines[3], "pending") {
		t.Errorf("unexpected pending row %q", lines[3])
	}
}

func TestPrintRetryResult(t *testing.T) {
	var buf bytes.Buffer
	printRetryResult(&buf, account.RetryResult{Created: 2, Failed: 1})
	if buf.String() != "Created 2 profile(s), 1 failed.\n" {
		t.Errorf("unexpected output %q", buf.String())
	}
}

func memoryConfig() *config.Config {
	return &config.Config{
		DataBackend:       config.BackendMemory,
		AuthBackend:       config.BackendMemory,
		SupabaseJWTSecret: "test-secret",
	}
}

func TestBackends_MemoryClientsShareTablesNotSessions(t *testing.T) {
	ctx := context.Background()
	be, err := openBackends(ctx, memoryConfig(), zerolog.Nop(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer be.Close()

	a, err := be.NewClient()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := be.NewClient()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, _, err := a.Auth.SignUp(ctx, "ada@example.com", "secret1", nil); err != nil {
		t.Fatalf("sign up: %v", err)
	}
	if _, err := a.Auth.SignInWithPassword(ctx, "ada@example.com", "secret1"); err != nil {
		t.Fatalf("sign in: %v", err)
	}
	if s, _ := b.Auth.GetSession(ctx); s != nil {
		t.Error("second client should not see the first client's session")
	}

	if _, err := a.Tables.Insert(ctx, "patients", map[string]any{"first_name": "Ada", "last_name": "Lovelace"}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	rows, err := b.Tables.Select(ctx, remote.From("patients"))
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(rows) != 1 {
		t.Errorf("expected the shared table to hold 1 row, got %d", len(rows))
	}
	if rows, _ := be.ServiceTables().Select(ctx, remote.From("patients")); len(rows) != 1 {
		t.Errorf("service tables should see the same rows, got %d", len(rows))
	}
}

func TestBackends_RESTClientNeedsNoConnection(t *testing.T) {
	cfg := &config.Config{
		DataBackend:     config.BackendREST,
		AuthBackend:     config.BackendGoTrue,
		SupabaseURL:     "https://abc.supabase.co",
		SupabaseAnonKey: "anon",
	}
	be, err := openBackends(context.Background(), cfg, zerolog.Nop(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer be.Close()

	client, err := be.NewClient()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if client.Tables == nil || client.Auth == nil {
		t.Fatal("expected tables and auth")
	}
	if _, ok := be.Pending().(*account.MemoryPending); !ok {
		t.Error("expected in-memory pending store without redis")
	}
}

func TestBackends_UnknownAuthBackend(t *testing.T) {
	cfg := memoryConfig()
	cfg.AuthBackend = "ldap"
	be, err := openBackends(context.Background(), cfg, zerolog.Nop(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer be.Close()

	if _, err := be.NewClient(); err == nil {
		t.Fatal("expected an error for an unknown auth backend")
	}
}
