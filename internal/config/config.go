// Package config resolves server configuration from the environment and an
// optional YAML file (FLOWFILE_CONFIG). Environment values win.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/flowfile/flowfile/internal/plan"
)

// Connection is a named object-store connection from the config file.
type Connection struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region"`
	Secure    bool   `yaml:"secure"`
}

// Config is the resolved server configuration.
type Config struct {
	Addr         string        `yaml:"addr"`
	ArtifactDir  string        `yaml:"artifact_dir"`
	WorkerCmd    string        `yaml:"worker_cmd"`
	WorkerSocket string        `yaml:"worker_socket"`
	MaxParallel  int           `yaml:"max_parallel"`
	CacheBytes   int64         `yaml:"cache_bytes"`
	TaskTimeout  time.Duration `yaml:"-"`
	SampleRows   int           `yaml:"sample_rows"`
	MemoryBudget int64         `yaml:"memory_budget"`
	RunTTL       time.Duration `yaml:"-"`

	TaskTimeoutSec int `yaml:"task_timeout_sec"`
	RunTTLSec      int `yaml:"run_ttl_sec"`

	Connections map[string]Connection `yaml:"connections"`
}

// Defaults that hold when neither file nor environment set a value.
const (
	DefaultAddr       = ":63578"
	DefaultSampleRows = 10000
	DefaultCacheBytes = 10 << 30
	DefaultRunTTL     = time.Hour
)

// Load reads FLOWFILE_CONFIG (when set), then applies FLOWFILE_* environment
// overrides and defaults.
func Load() (*Config, error) {
	cfg := &Config{}
	if path := os.Getenv("FLOWFILE_CONFIG"); path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(b))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
	}

	stringVar(&cfg.Addr, "FLOWFILE_ADDR")
	stringVar(&cfg.ArtifactDir, "FLOWFILE_ARTIFACT_DIR")
	stringVar(&cfg.WorkerCmd, "FLOWFILE_WORKER_CMD")
	stringVar(&cfg.WorkerSocket, "FLOWFILE_WORKER_SOCKET")
	if err := intVar(&cfg.MaxParallel, "FLOWFILE_MAX_PARALLEL"); err != nil {
		return nil, err
	}
	if err := int64Var(&cfg.CacheBytes, "FLOWFILE_CACHE_BYTES"); err != nil {
		return nil, err
	}
	if err := intVar(&cfg.TaskTimeoutSec, "FLOWFILE_TASK_TIMEOUT_SEC"); err != nil {
		return nil, err
	}
	if err := intVar(&cfg.SampleRows, "FLOWFILE_SAMPLE_ROWS"); err != nil {
		return nil, err
	}
	if err := int64Var(&cfg.MemoryBudget, "FLOWFILE_MEMORY_BUDGET"); err != nil {
		return nil, err
	}
	if err := intVar(&cfg.RunTTLSec, "FLOWFILE_RUN_TTL_SEC"); err != nil {
		return nil, err
	}

	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.ArtifactDir == "" {
		cfg.ArtifactDir = defaultArtifactDir()
	}
	if cfg.WorkerSocket == "" {
		cfg.WorkerSocket = defaultWorkerSocket()
	}
	if cfg.SampleRows <= 0 {
		cfg.SampleRows = DefaultSampleRows
	}
	if cfg.CacheBytes <= 0 {
		cfg.CacheBytes = DefaultCacheBytes
	}
	cfg.TaskTimeout = time.Duration(cfg.TaskTimeoutSec) * time.Second
	cfg.RunTTL = time.Duration(cfg.RunTTLSec) * time.Second
	if cfg.RunTTL <= 0 {
		cfg.RunTTL = DefaultRunTTL
	}
	return cfg, nil
}

// Connection implements nodes.ConnectionResolver.
func (c *Config) Connection(name string) (plan.Connection, bool) {
	conn, ok := c.Connections[name]
	if !ok {
		return plan.Connection{}, false
	}
	return plan.Connection{
		Endpoint:  conn.Endpoint,
		AccessKey: conn.AccessKey,
		SecretKey: conn.SecretKey,
		Region:    conn.Region,
		Secure:    conn.Secure,
	}, true
}

func defaultArtifactDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return dir + "/flowfile/artifacts"
	}
	return os.TempDir() + "/flowfile-artifacts"
}

func defaultWorkerSocket() string {
	return os.TempDir() + "/flowfile-worker.sock"
}

func stringVar(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func intVar(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = n
	return nil
}

func int64Var(dst *int64, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = n
	return nil
}
