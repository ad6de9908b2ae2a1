package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// clearEnv blanks every FLOWFILE_* variable the loader reads so host state
// never leaks into a test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"FLOWFILE_CONFIG", "FLOWFILE_ADDR", "FLOWFILE_ARTIFACT_DIR",
		"FLOWFILE_WORKER_CMD", "FLOWFILE_WORKER_SOCKET", "FLOWFILE_MAX_PARALLEL",
		"FLOWFILE_CACHE_BYTES", "FLOWFILE_TASK_TIMEOUT_SEC", "FLOWFILE_SAMPLE_ROWS",
		"FLOWFILE_MEMORY_BUDGET", "FLOWFILE_RUN_TTL_SEC",
	} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Addr != DefaultAddr {
		t.Fatalf("addr = %q", cfg.Addr)
	}
	if cfg.SampleRows != DefaultSampleRows {
		t.Fatalf("sample rows = %d", cfg.SampleRows)
	}
	if cfg.CacheBytes != DefaultCacheBytes {
		t.Fatalf("cache bytes = %d", cfg.CacheBytes)
	}
	if cfg.RunTTL != DefaultRunTTL {
		t.Fatalf("run ttl = %s", cfg.RunTTL)
	}
	if cfg.TaskTimeout != 0 {
		t.Fatalf("task timeout should default off, got %s", cfg.TaskTimeout)
	}
	if cfg.ArtifactDir == "" || cfg.WorkerSocket == "" {
		t.Fatal("derived paths must not be empty")
	}
}

func TestLoadYAMLFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "flowfile.yaml")
	doc := `
addr: ":9999"
sample_rows: 500
task_timeout_sec: 30
connections:
  minio:
    endpoint: localhost:9000
    access_key: ak
    secret_key: sk
    secure: false
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("FLOWFILE_CONFIG", path)

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Addr != ":9999" || cfg.SampleRows != 500 {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.TaskTimeout != 30*time.Second {
		t.Fatalf("task timeout = %s", cfg.TaskTimeout)
	}

	conn, ok := cfg.Connection("minio")
	if !ok || conn.Endpoint != "localhost:9000" || conn.AccessKey != "ak" {
		t.Fatalf("connection = %+v, %v", conn, ok)
	}
	if _, ok := cfg.Connection("nope"); ok {
		t.Fatal("unknown connection resolved")
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "flowfile.yaml")
	if err := os.WriteFile(path, []byte("addr: \":9999\"\nsample_rows: 500\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("FLOWFILE_CONFIG", path)
	t.Setenv("FLOWFILE_ADDR", ":7777")
	t.Setenv("FLOWFILE_SAMPLE_ROWS", "42")
	t.Setenv("FLOWFILE_WORKER_CMD", "external")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Addr != ":7777" {
		t.Fatalf("env addr not applied: %q", cfg.Addr)
	}
	if cfg.SampleRows != 42 {
		t.Fatalf("env sample rows not applied: %d", cfg.SampleRows)
	}
	if cfg.WorkerCmd != "external" {
		t.Fatalf("worker cmd = %q", cfg.WorkerCmd)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	clearEnv(t)
	t.Setenv("FLOWFILE_MAX_PARALLEL", "many")
	if _, err := Load(); err == nil {
		t.Fatal("want parse error")
	}

	clearEnv(t)
	t.Setenv("FLOWFILE_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
	if _, err := Load(); err == nil {
		t.Fatal("want missing file error")
	}

	clearEnv(t)
	path := filepath.Join(t.TempDir(), "flowfile.yaml")
	if err := os.WriteFile(path, []byte("adddr: \":9999\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("FLOWFILE_CONFIG", path)
	if _, err := Load(); err == nil {
		t.Fatal("want unknown key error")
	}
}
