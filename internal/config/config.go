// Package config loads service configuration from a YAML file with
// environment overrides, and validates it before anything starts.
package config

import (
	"os"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/distboard/distboard/pkg/types"
)

// Environment variables recognized on top of the config file.
const (
	EnvStorageBackend = "DISTBOARD_STORAGE_BACKEND" // local | s3
	EnvDataDir        = "DISTBOARD_DATA_DIR"
	EnvS3Endpoint     = "DISTBOARD_S3_ENDPOINT"
	EnvS3Bucket       = "DISTBOARD_S3_BUCKET"
	EnvS3AccessKey    = "DISTBOARD_S3_ACCESS_KEY"
	EnvS3SecretKey    = "DISTBOARD_S3_SECRET_KEY"
	EnvRateLimitRPM   = "DISTBOARD_RATE_LIMIT_RPM"
	EnvListenAddr     = "DISTBOARD_LISTEN_ADDR"
)

// ServerConfig configures the admin and metrics HTTP listeners.
type ServerConfig struct {
	ListenAddr  string `yaml:"listenAddr" validate:"required"`
	MetricsAddr string `yaml:"metricsAddr" validate:"required"`
}

// S3Config configures the S3-compatible object store backend.
type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	UseSSL    bool   `yaml:"useSSL"`
	Region    string `yaml:"region"`
}

// StorageConfig selects and parameterizes the storage backend.
type StorageConfig struct {
	Backend string   `yaml:"backend" validate:"oneof=local s3"`
	DataDir string   `yaml:"dataDir" validate:"required"`
	S3      S3Config `yaml:"s3"`
}

// UpstreamConfig points at the dashboard export endpoint.
type UpstreamConfig struct {
	BaseURL   string `yaml:"baseUrl"`
	TimeoutMs int    `yaml:"timeoutMs" validate:"min=0"`
}

// SnapshotConfig pins the versions stamped onto new snapshots.
type SnapshotConfig struct {
	SchemaVersion      int `yaml:"schemaVersion" validate:"min=1"`
	CalculationVersion int `yaml:"calculationVersion" validate:"min=1"`
}

// Config is the root configuration object. It is passed into the service
// constructor so tests can instantiate isolated stacks; there is no global
// mutable configuration state.
type Config struct {
	Server    ServerConfig          `yaml:"server"`
	Storage   StorageConfig         `yaml:"storage"`
	Upstream  UpstreamConfig        `yaml:"upstream"`
	Snapshot  SnapshotConfig        `yaml:"snapshot"`
	RateLimit types.RateLimitConfig `yaml:"rateLimit"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr:  ":8080",
			MetricsAddr: ":9090",
		},
		Storage: StorageConfig{
			Backend: "local",
			DataDir: "./data",
		},
		Upstream: UpstreamConfig{
			TimeoutMs: 30000,
		},
		Snapshot: SnapshotConfig{
			SchemaVersion:      1,
			CalculationVersion: 1,
		},
		RateLimit: types.DefaultRateLimit(),
	}
}

// Load reads path (optional), applies environment overrides, and validates
// the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, errors.Wrapf(err, "read config %s", path)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, errors.Wrapf(err, "parse config %s", path)
		}
	}

	applyEnv(&cfg)

	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the full config, including rate-limit bounds.
func Validate(cfg Config) error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(cfg); err != nil {
		return errors.Wrap(err, "invalid configuration")
	}
	return nil
}

// ValidateRateLimit checks a rate-limit config in isolation; the admin API
// uses it for PUT /backfill/config/rate-limit.
func ValidateRateLimit(rl types.RateLimitConfig) error {
	v := validator.New(validator.WithRequiredStructEnabled())
	return v.Struct(rl)
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvStorageBackend); v != "" {
		cfg.Storage.Backend = v
	}
	if v := os.Getenv(EnvDataDir); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv(EnvS3Endpoint); v != "" {
		cfg.Storage.S3.Endpoint = v
	}
	if v := os.Getenv(EnvS3Bucket); v != "" {
		cfg.Storage.S3.Bucket = v
	}
	if v := os.Getenv(EnvS3AccessKey); v != "" {
		cfg.Storage.S3.AccessKey = v
	}
	if v := os.Getenv(EnvS3SecretKey); v != "" {
		cfg.Storage.S3.SecretKey = v
	}
	if v := os.Getenv(EnvListenAddr); v != "" {
		cfg.Server.ListenAddr = v
	}
	if v := os.Getenv(EnvRateLimitRPM); v != "" {
		if rpm, err := strconv.Atoi(v); err == nil {
			cfg.RateLimit.MaxRequestsPerMinute = rpm
		}
	}
}
