package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadAPIDefaults(t *testing.T) {
	cfg, err := LoadAPI()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":8085" {
		t.Fatalf("unexpected listen addr: %s", cfg.ListenAddr)
	}
	if cfg.Queue.Backend != "redis" || cfg.Queue.Stream != "lfs-builds" {
		t.Fatalf("unexpected queue defaults: %+v", cfg.Queue)
	}
	if cfg.CallTimeout != 10*time.Second {
		t.Fatalf("unexpected call timeout: %v", cfg.CallTimeout)
	}
	if cfg.RecentLimitDefault != 10 || cfg.RecentLimitMax != 50 {
		t.Fatalf("unexpected recent limits: %d/%d", cfg.RecentLimitDefault, cfg.RecentLimitMax)
	}
}

func TestLoadAPIEnvOverrides(t *testing.T) {
	t.Setenv("LFSBUILD_LISTEN_ADDR", ":9999")
	t.Setenv("LFSBUILD_QUEUE_BACKEND", "nats")
	t.Setenv("LFSBUILD_SWEEPER_STALE_AFTER", "45s")

	cfg, err := LoadAPI()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":9999" {
		t.Fatalf("env override ignored: %s", cfg.ListenAddr)
	}
	if cfg.Queue.Backend != "nats" {
		t.Fatalf("nested env override ignored: %s", cfg.Queue.Backend)
	}
	if cfg.Sweeper.StaleAfter != 45*time.Second {
		t.Fatalf("duration override ignored: %v", cfg.Sweeper.StaleAfter)
	}
}

func TestLoadDispatcherDefaults(t *testing.T) {
	cfg, err := LoadDispatcher()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Runner.Kind != "http" || cfg.Runner.Job != "lfs-builder" {
		t.Fatalf("unexpected runner defaults: %+v", cfg.Runner)
	}
	if cfg.Telemetry.ServiceName != "lfs-build-dispatcher" {
		t.Fatalf("unexpected service name: %s", cfg.Telemetry.ServiceName)
	}
}

func TestLoadAPIReadsConfigFileAndDotEnv(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "configs"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	file := `auth:
  tokens:
    - token: Tok-Alice
      user_id: alice
      email: alice@example.com
admin:
  token: from-file
`
	if err := os.WriteFile(filepath.Join(dir, "configs", "config.yaml"), []byte(file), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("LFSBUILD_INTERNAL_TOKEN=from-dotenv\n"), 0o644); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	t.Cleanup(func() { _ = os.Unsetenv("LFSBUILD_INTERNAL_TOKEN") })
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })

	cfg, err := LoadAPI()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Auth.Tokens) != 1 || cfg.Auth.Tokens[0].Token != "Tok-Alice" || cfg.Auth.Tokens[0].UserID != "alice" {
		t.Fatalf("unexpected tokens: %+v", cfg.Auth.Tokens)
	}
	if cfg.Admin.Token != "from-file" {
		t.Fatalf("config file ignored: %q", cfg.Admin.Token)
	}
	if cfg.Internal.Token != "from-dotenv" {
		t.Fatalf(".env ignored: %q", cfg.Internal.Token)
	}
}
