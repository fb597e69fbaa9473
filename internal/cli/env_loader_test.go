package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/koltyakov/keygate/internal/config"
)

func clearServerEnvVarsForTest(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"KEYGATE_CONFIG",
		"KEYGATE_LISTEN",
		"KEYGATE_STORE_BACKEND",
		"KEYGATE_STORE_PATH",
		"KEYGATE_ADMIN_SECRET",
		"KEYGATE_RATE_LIMIT_REQUESTS",
	} {
		t.Setenv(key, "")
		_ = os.Unsetenv(key)
	}
}

func TestLoadServerEnvFromDotEnvLoadsMissingKeygateVars(t *testing.T) {
	clearServerEnvVarsForTest(t)
	envPath := filepath.Join(t.TempDir(), ".env")
	content := "# comment\nexport KEYGATE_LISTEN=':6000'\nKEYGATE_ADMIN_SECRET=\"from-file\"\nOTHER_VAR=skip\nbroken line\n"
	if err := os.WriteFile(envPath, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	loadServerEnvFromDotEnv(envPath)

	if got := os.Getenv("KEYGATE_LISTEN"); got != ":6000" {
		t.Fatalf("expected KEYGATE_LISTEN loaded from file, got %q", got)
	}
	if got := os.Getenv("KEYGATE_ADMIN_SECRET"); got != "from-file" {
		t.Fatalf("expected quotes stripped, got %q", got)
	}
	if got := os.Getenv("OTHER_VAR"); got != "" {
		t.Fatalf("expected non-KEYGATE var not to be loaded, got %q", got)
	}
}

func TestLoadServerEnvFromDotEnvKeepsExistingEnv(t *testing.T) {
	clearServerEnvVarsForTest(t)
	t.Setenv("KEYGATE_LISTEN", ":7000")
	envPath := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(envPath, []byte("KEYGATE_LISTEN=:6000\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	loadServerEnvFromDotEnv(envPath)

	if got := os.Getenv("KEYGATE_LISTEN"); got != ":7000" {
		t.Fatalf("expected existing env to win, got %q", got)
	}
}

func TestLoadServerEnvFromDotEnvMissingFile(t *testing.T) {
	clearServerEnvVarsForTest(t)
	loadServerEnvFromDotEnv(filepath.Join(t.TempDir(), "missing.env"))
	if got := os.Getenv("KEYGATE_LISTEN"); got != "" {
		t.Fatalf("expected nothing loaded, got %q", got)
	}
}

func TestServerConfigPrefersCLIFlagsOverDotEnv(t *testing.T) {
	clearServerEnvVarsForTest(t)
	envPath := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(envPath, []byte("KEYGATE_LISTEN=:6000\nKEYGATE_STORE_BACKEND=sqlite\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	loadServerEnvFromDotEnv(envPath)
	cfg, err := config.ParseServerFlags([]string{"--listen", ":8000"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Listen != ":8000" {
		t.Fatalf("expected CLI listen to win, got %q", cfg.Listen)
	}
	if cfg.StoreBackend != config.StoreBackendSQLite {
		t.Fatalf("expected backend from .env, got %q", cfg.StoreBackend)
	}
}

func TestParseEnvAssignment(t *testing.T) {
	t.Parallel()

	tests := []struct {
		line  string
		key   string
		value string
		ok    bool
	}{
		{line: "A=1", key: "A", value: "1", ok: true},
		{line: "  export B = 'two' ", key: "B", value: "two", ok: true},
		{line: "C=", key: "C", value: "", ok: true},
		{line: "# D=4", ok: false},
		{line: "BAD KEY=5", ok: false},
		{line: "novalue", ok: false},
	}
	for _, tt := range tests {
		key, value, ok := parseEnvAssignment(tt.line)
		if ok != tt.ok || key != tt.key || value != tt.value {
			t.Fatalf("parseEnvAssignment(%q) = (%q, %q, %v), want (%q, %q, %v)", tt.line, key, value, ok, tt.key, tt.value, tt.ok)
		}
	}
}
