// Package config loads the dtqueue configuration from a TOML file with
// DTQUEUE_* environment overrides.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/nuetzliches/dtqueue/internal/queue"
	"github.com/nuetzliches/dtqueue/internal/secrets"
)

// EnvPrefix prefixes every environment override, e.g. DTQUEUE_PORT.
const EnvPrefix = "DTQUEUE_"

type Config struct {
	BindAddress string   `toml:"bind_address" env:"BIND_ADDRESS" json:"bind_address"`
	Port        int      `toml:"port" env:"PORT" json:"port"`
	Queues      []string `toml:"queues" env:"QUEUES" envSeparator:"," json:"queues"`
	LogFile     string   `toml:"log_file" env:"LOG_FILE" json:"log_file,omitempty"`
	LogLevel    string   `toml:"log_level" env:"LOG_LEVEL" json:"log_level"`
	LogFormat   string   `toml:"log_format" env:"LOG_FORMAT" json:"log_format"`
	MaxWorkers  int      `toml:"max_workers" env:"MAX_WORKERS" json:"max_workers"`

	Storage      string   `toml:"storage" env:"STORAGE" json:"storage"`
	DatabasePath string   `toml:"database_path" env:"DATABASE_PATH" json:"database_path,omitempty"`
	PostgresDSN  string   `toml:"postgres_dsn" env:"POSTGRES_DSN" json:"-"`
	PoolSize     int      `toml:"pool_size" env:"POOL_SIZE" json:"pool_size"`
	PoolTimeout  Duration `toml:"pool_timeout" env:"POOL_TIMEOUT" json:"pool_timeout"`

	Tombstones             string   `toml:"tombstones" env:"TOMBSTONES" json:"tombstones"`
	TombstoneMaxAge        Duration `toml:"tombstone_max_age" env:"TOMBSTONE_MAX_AGE" json:"tombstone_max_age"`
	TombstonePruneInterval Duration `toml:"tombstone_prune_interval" env:"TOMBSTONE_PRUNE_INTERVAL" json:"tombstone_prune_interval"`

	GRPCAddress    string `toml:"grpc_address" env:"GRPC_ADDRESS" json:"grpc_address,omitempty"`
	MetricsAddress string `toml:"metrics_address" env:"METRICS_ADDRESS" json:"metrics_address,omitempty"`
	// AuthTokens are secret references (env:, file:, raw:). Empty disables
	// bearer auth on the HTTP and gRPC APIs.
	AuthTokens []string `toml:"auth_tokens" env:"AUTH_TOKENS" envSeparator:"," json:"-"`

	Tracing TracingConfig `toml:"tracing" envPrefix:"TRACING_" json:"tracing"`
}

type TracingConfig struct {
	Enabled     bool    `toml:"enabled" env:"ENABLED" json:"enabled"`
	Endpoint    string  `toml:"endpoint" env:"ENDPOINT" json:"endpoint,omitempty"`
	Insecure    bool    `toml:"insecure" env:"INSECURE" json:"insecure"`
	SampleRatio float64 `toml:"sample_ratio" env:"SAMPLE_RATIO" json:"sample_ratio"`
}

// Default returns the configuration used for keys the file omits.
func Default() Config {
	return Config{
		BindAddress:  "127.0.0.1",
		Port:         8000,
		LogLevel:     "info",
		LogFormat:    "json",
		MaxWorkers:   64,
		Storage:      queue.BackendSQLite,
		DatabasePath: "dtqueue.db",
		PoolSize:     8,
		PoolTimeout:  Duration{5 * time.Second},
		Tombstones:   string(queue.TombstonesRetain),
		Tracing:      TracingConfig{SampleRatio: 1},
	}
}

// Addr is the HTTP listen address.
func (c Config) Addr() string {
	return net.JoinHostPort(c.BindAddress, strconv.Itoa(c.Port))
}

// Parse decodes TOML over Default. Keys the schema does not know are
// returned as warnings.
func Parse(data []byte) (Config, []string, error) {
	cfg := Default()
	md, err := toml.Decode(string(data), &cfg)
	if err != nil {
		return Config{}, nil, fmt.Errorf("parse config: %w", err)
	}
	var warnings []string
	for _, key := range md.Undecoded() {
		warnings = append(warnings, fmt.Sprintf("unknown key %q ignored", key.String()))
	}
	return cfg, warnings, nil
}

// ApplyEnv overlays DTQUEUE_* variables that are set.
func ApplyEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("config env: %w", err)
	}
	return nil
}

// LoadDotenv loads KEY=VALUE pairs into the process environment without
// overriding variables that are already set.
func LoadDotenv(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load dotenv %q: %w", path, err)
	}
	return nil
}

// Load reads the file at path, applies environment overrides and validates
// the result. The returned warnings are non-fatal.
func Load(path string) (Config, []string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, nil, err
	}
	cfg, warnings, err := Parse(data)
	if err != nil {
		return Config{}, nil, err
	}
	if err := ApplyEnv(&cfg); err != nil {
		return Config{}, nil, err
	}
	res := Validate(cfg, ValidationOptions{})
	warnings = append(warnings, res.Warnings...)
	if !res.OK {
		return Config{}, warnings, errors.New(FormatValidationText(res))
	}
	return cfg, warnings, nil
}

type ValidationResult struct {
	OK       bool     `json:"ok"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

type ValidationOptions struct {
	// SecretPreflight loads every auth token reference to catch missing
	// env vars or files before startup.
	SecretPreflight bool
}

var logLevels = map[string]struct{}{"debug": {}, "info": {}, "warn": {}, "error": {}}

// Validate collects every problem rather than stopping at the first.
func Validate(cfg Config, opts ValidationOptions) ValidationResult {
	var res ValidationResult
	errorf := func(format string, args ...any) {
		res.Errors = append(res.Errors, fmt.Sprintf(format, args...))
	}
	warnf := func(format string, args ...any) {
		res.Warnings = append(res.Warnings, fmt.Sprintf(format, args...))
	}

	if strings.TrimSpace(cfg.BindAddress) == "" {
		errorf("bind_address must not be empty")
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		errorf("port %d out of range 1..65535", cfg.Port)
	}
	if _, err := queue.NewAllowlist(cfg.Queues); err != nil {
		errorf("queues: %v", err)
	}
	if _, ok := logLevels[strings.ToLower(cfg.LogLevel)]; !ok {
		errorf("log_level %q (use: debug|info|warn|error)", cfg.LogLevel)
	}
	switch cfg.LogFormat {
	case "json", "console":
	default:
		errorf("log_format %q (use: json|console)", cfg.LogFormat)
	}
	if cfg.MaxWorkers < 1 {
		errorf("max_workers must be >= 1")
	}

	switch cfg.Storage {
	case queue.BackendSQLite:
		if strings.TrimSpace(cfg.DatabasePath) == "" {
			errorf("database_path is required for sqlite storage")
		}
	case queue.BackendPostgres:
		if strings.TrimSpace(cfg.PostgresDSN) == "" {
			errorf("postgres_dsn is required for postgres storage")
		}
	case queue.BackendMemory:
		warnf("memory storage loses every queue on restart")
	default:
		errorf("storage %q (use: sqlite|postgres|memory)", cfg.Storage)
	}
	if cfg.PoolSize < 1 {
		errorf("pool_size must be >= 1")
	}
	if cfg.PoolTimeout.Duration <= 0 {
		errorf("pool_timeout must be > 0")
	}

	policy, err := queue.ParseTombstonePolicy(cfg.Tombstones)
	if err != nil {
		errorf("tombstones: %v", err)
	}
	if cfg.TombstoneMaxAge.Duration < 0 || cfg.TombstonePruneInterval.Duration < 0 {
		errorf("tombstone_max_age and tombstone_prune_interval must not be negative")
	}
	if cfg.TombstoneMaxAge.Duration > 0 {
		if policy == queue.TombstonesPurge {
			warnf("tombstone_max_age has no effect with tombstones = %q", queue.TombstonesPurge)
		} else if cfg.TombstonePruneInterval.Duration == 0 {
			warnf("tombstone_max_age is set but tombstone_prune_interval is 0; tombstones are never pruned")
		}
	}

	addrs := map[string]string{"http": cfg.Addr()}
	for name, addr := range map[string]string{"grpc_address": cfg.GRPCAddress, "metrics_address": cfg.MetricsAddress} {
		if addr == "" {
			continue
		}
		if _, _, err := net.SplitHostPort(addr); err != nil {
			errorf("%s %q: %v", name, addr, err)
			continue
		}
		for other, otherAddr := range addrs {
			if otherAddr == addr {
				errorf("%s %q collides with %s listener", name, addr, other)
			}
		}
		addrs[name] = addr
	}

	for i, ref := range cfg.AuthTokens {
		if err := secrets.ValidateRef(ref); err != nil {
			errorf("auth_tokens[%d]: %v", i, err)
			continue
		}
		if opts.SecretPreflight {
			if _, err := secrets.LoadRef(ref); err != nil {
				errorf("auth_tokens[%d]: %v", i, err)
			}
		}
	}

	if cfg.Tracing.SampleRatio < 0 || cfg.Tracing.SampleRatio > 1 {
		errorf("tracing.sample_ratio %v out of range 0..1", cfg.Tracing.SampleRatio)
	}

	sort.Strings(res.Errors)
	res.OK = len(res.Errors) == 0
	return res
}

func FormatValidationJSON(res ValidationResult) (string, error) {
	out, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func FormatValidationText(res ValidationResult) string {
	if res.OK {
		if len(res.Warnings) == 0 {
			return "config ok"
		}
		return fmt.Sprintf("config ok (warnings: %d)", len(res.Warnings))
	}
	if len(res.Errors) == 0 {
		return "config invalid"
	}
	return "config invalid: " + strings.Join(res.Errors, "; ")
}
