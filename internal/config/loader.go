package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "enclave.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "ENCLAVE_PORT")
	setString(&cfg.Server.CORSOrigin, "ENCLAVE_CORS_ORIGIN")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "ENCLAVE_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "ENCLAVE_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "ENCLAVE_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "ENCLAVE_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "ENCLAVE_PG_HEALTH_CHECK")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.Logging.Level, "ENCLAVE_LOG_LEVEL")
	setString(&cfg.Logging.Service, "ENCLAVE_LOG_SERVICE")
	setInt(&cfg.Breaker.MaxFailures, "ENCLAVE_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "ENCLAVE_BREAKER_TIMEOUT")

	// Monitor
	setDuration(&cfg.Monitor.CPUWindow, "ENCLAVE_MONITOR_CPU_WINDOW")
	setFloat64(&cfg.Monitor.SuspendThreshold, "ENCLAVE_MONITOR_SUSPEND_THRESHOLD")
	setFloat64(&cfg.Monitor.ResumeThreshold, "ENCLAVE_MONITOR_RESUME_THRESHOLD")
	setInt(&cfg.Monitor.SuspendStreak, "ENCLAVE_MONITOR_SUSPEND_STREAK")
	setInt64(&cfg.Monitor.SystemCPUMillis, "ENCLAVE_MONITOR_SYSTEM_CPU_MILLIS")
	setInt64(&cfg.Monitor.SystemMemBytes, "ENCLAVE_MONITOR_SYSTEM_MEM_BYTES")
	setInt64(&cfg.Monitor.DefaultEstCPU, "ENCLAVE_MONITOR_DEFAULT_EST_CPU")
	setInt64(&cfg.Monitor.DefaultEstMem, "ENCLAVE_MONITOR_DEFAULT_EST_MEM")

	// Sandbox
	setDuration(&cfg.Sandbox.InvokeTimeout, "ENCLAVE_SANDBOX_INVOKE_TIMEOUT")
	setInt64(&cfg.Sandbox.MaxConcurrent, "ENCLAVE_SANDBOX_MAX_CONCURRENT")
	setString(&cfg.Sandbox.TrustDir, "ENCLAVE_SANDBOX_TRUST_DIR")
	setFloat64(&cfg.Sandbox.MinCPUFraction, "ENCLAVE_SANDBOX_MIN_CPU_FRACTION")
	setInt64(&cfg.Sandbox.MinMemoryBytes, "ENCLAVE_SANDBOX_MIN_MEMORY_BYTES")

	// Cache
	setInt64(&cfg.Cache.MaxSizeMB, "ENCLAVE_CACHE_SIZE_MB")
	setDuration(&cfg.Cache.TTL, "ENCLAVE_CACHE_TTL")

	// Telemetry
	setBool(&cfg.Telemetry.Enabled, "ENCLAVE_TELEMETRY_ENABLED")
	setString(&cfg.Telemetry.Endpoint, "ENCLAVE_TELEMETRY_ENDPOINT")
	setBool(&cfg.Telemetry.Insecure, "ENCLAVE_TELEMETRY_INSECURE")
}

// validate checks that required fields are set and thresholds are coherent.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required")
	}
	if cfg.NATS.URL == "" {
		return errors.New("nats.url is required")
	}
	if cfg.Postgres.MaxConns < 1 {
		return errors.New("postgres.max_conns must be >= 1")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.Monitor.CPUWindow <= 0 {
		return errors.New("monitor.cpu_window must be positive")
	}
	if cfg.Monitor.SuspendThreshold <= cfg.Monitor.ResumeThreshold {
		return errors.New("monitor.suspend_threshold must be greater than resume_threshold")
	}
	if cfg.Sandbox.InvokeTimeout <= 0 {
		return errors.New("sandbox.invoke_timeout must be positive")
	}
	if cfg.Sandbox.MaxConcurrent < 1 {
		return errors.New("sandbox.max_concurrent must be >= 1")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
