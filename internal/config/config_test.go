package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_DefaultsAndEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv(PathEnvVar, "")
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("ATTENDSYNC_SYNC__WORKERS", "4")
	t.Setenv("ATTENDSYNC_REALTIME__POLL_INTERVAL", "1500ms")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTP.Addr != ":8081" || cfg.Device.ConnectTimeout != 10*time.Second {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if cfg.Sync.Workers != 4 || cfg.Realtime.PollInterval != 1500*time.Millisecond {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
	if cfg.Auth.JWTSecret != "s3cret" || cfg.Auth.Role != "employee" {
		t.Fatalf("unexpected auth config: %+v", cfg.Auth)
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.yaml")
	body := `
http:
  addr: ":9000"
device:
  io_timeout: 3s
  timezone: UTC
realtime:
  window: 7s
auth:
  jwt_secret: from-file
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("ATTENDSYNC_HTTP__ADDR", ":9100")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTP.Addr != ":9100" {
		t.Fatalf("env should override file, got %q", cfg.HTTP.Addr)
	}
	if cfg.Device.IOTimeout != 3*time.Second || cfg.Realtime.Window != 7*time.Second {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.Location() != time.UTC {
		t.Fatalf("expected UTC location, got %s", cfg.Location())
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatalf("expected an error for a missing explicit config file")
	}
}

func TestValidate(t *testing.T) {
	cfg := Defaults()
	cfg.Auth.JWTSecret = "x"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults with a secret should validate: %v", err)
	}

	cfg.Realtime.Window = 0
	cfg.Sync.Workers = 0
	cfg.Auth.JWTSecret = " "
	err := cfg.Validate()
	if err == nil {
		t.Fatalf("expected validation errors")
	}
	for _, want := range []string{"realtime.window", "sync.workers", "auth.jwt_secret"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q does not mention %s", err, want)
		}
	}
}

func TestEnvKey(t *testing.T) {
	cases := map[string]string{
		"ATTENDSYNC_DEVICE__CONNECT_TIMEOUT": "device.connect_timeout",
		"DATABASE_URL":                       "database.url",
		"HOME":                               "",
	}
	for in, want := range cases {
		if got := envKey(in); got != want {
			t.Fatalf("envKey(%q) = %q, want %q", in, got, want)
		}
	}
}
