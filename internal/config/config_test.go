package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	lzmux "github.com/eugener/lzmux/internal"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lzmux.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
server:
  addr: ":9090"
  read_timeout: 10s
worker:
  path: /usr/local/bin/lzma-worker
  args: ["-codec", "msgpack"]
  env: ["GOMAXPROCS=1"]
  codec: msgpack
  stop_timeout: 2s
router:
  id_range: 1000
  attribution: last-issued
job_timeout: 45s
database:
  dsn: ":memory:"
cache:
  enabled: false
rate_limits:
  jobs_per_minute: 10
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Addr != ":9090" {
		t.Errorf("addr = %q, want %q", cfg.Server.Addr, ":9090")
	}
	if cfg.Server.ReadTimeout != 10*time.Second {
		t.Errorf("read_timeout = %v", cfg.Server.ReadTimeout)
	}
	if cfg.Worker.Path != "/usr/local/bin/lzma-worker" || cfg.Worker.Codec != "msgpack" {
		t.Errorf("worker = %+v", cfg.Worker)
	}
	if len(cfg.Worker.Args) != 2 || len(cfg.Worker.Env) != 1 {
		t.Errorf("worker args/env = %v / %v", cfg.Worker.Args, cfg.Worker.Env)
	}
	if cfg.Worker.StopTimeout != 2*time.Second {
		t.Errorf("stop_timeout = %v", cfg.Worker.StopTimeout)
	}
	if cfg.Router.IDRange != 1000 || cfg.Router.Attribution != "last-issued" {
		t.Errorf("router = %+v", cfg.Router)
	}
	if cfg.JobTimeout != 45*time.Second {
		t.Errorf("job_timeout = %v", cfg.JobTimeout)
	}
	if cfg.Database.DSN != ":memory:" {
		t.Errorf("dsn = %q, want %q", cfg.Database.DSN, ":memory:")
	}
	if cfg.Cache.Enabled {
		t.Error("cache should be disabled")
	}
	if cfg.RateLimits.JobsPerMinute != 10 {
		t.Errorf("jobs_per_minute = %d", cfg.RateLimits.JobsPerMinute)
	}
	// Unset fields in a set section keep their defaults.
	if cfg.Worker.QueueSize != 256 {
		t.Errorf("queue_size = %d, want default 256", cfg.Worker.QueueSize)
	}
	if cfg.RateLimits.BytesPerMinute != 256<<20 {
		t.Errorf("bytes_per_minute = %d, want default", cfg.RateLimits.BytesPerMinute)
	}
}

func TestExpandEnv(t *testing.T) {
	// Cannot use t.Parallel() with t.Setenv
	t.Setenv("LZMUX_TEST_WORKER", "/opt/worker")

	cfg, err := Load(writeConfig(t, "worker:\n  path: ${LZMUX_TEST_WORKER}\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Worker.Path != "/opt/worker" {
		t.Errorf("worker.path = %q, want /opt/worker", cfg.Worker.Path)
	}

	if got := string(expandEnv([]byte("dsn: ${LZMUX_TEST_UNSET_VAR}"))); got != "dsn: ${LZMUX_TEST_UNSET_VAR}" {
		t.Errorf("unset var expanded to %q", got)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load(writeConfig(t, "{}\n"))
	if err != nil {
		t.Fatal(err)
	}
	want := Default()
	if cfg.Server != want.Server || cfg.Router != want.Router || cfg.Breaker != want.Breaker {
		t.Errorf("defaults not applied: %+v", cfg)
	}
	if cfg.JobTimeout != 0 {
		t.Errorf("job_timeout = %v, want 0", cfg.JobTimeout)
	}
	if lvl, _ := cfg.Telemetry.Level(); lvl != slog.LevelInfo {
		t.Errorf("log level = %v, want info", lvl)
	}
}

func TestLoadInvalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name, body, want string
	}{
		{"codec", "worker:\n  codec: protobuf\n", "worker.codec"},
		{"attribution", "router:\n  attribution: oldest\n", "router.attribution"},
		{"empty path", "worker:\n  path: \"\"\n", "worker.path"},
		{"timeout", "job_timeout: -1s\n", "job_timeout"},
		{"threshold", "breaker:\n  error_threshold: 2\n", "breaker.error_threshold"},
		{"log level", "telemetry:\n  log_level: loud\n", "log_level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Load(writeConfig(t, tt.body))
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.Is(err, lzmux.ErrBadRequest) {
				t.Errorf("err = %v, want ErrBadRequest", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want mention of %s", err, tt.want)
			}
		})
	}
}

func TestLoadErrors(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing file should fail")
	}
	if _, err := Load(writeConfig(t, "server: [\n")); err == nil {
		t.Error("malformed yaml should fail")
	}
}
