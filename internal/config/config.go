package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides, e.g. STYLE_MODEL_BACKEND.
const EnvPrefix = "STYLE"

const (
	BackendTFServing = "tfserving"
	BackendGRPC      = "grpc"
)

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxUploadSize   int64         `mapstructure:"max_upload_size"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type TFServingConfig struct {
	URL          string `mapstructure:"url"`
	ModelName    string `mapstructure:"model_name"`
	Version      string `mapstructure:"version"`
	Signature    string `mapstructure:"signature"`
	ContentInput string `mapstructure:"content_input"`
	StyleInput   string `mapstructure:"style_input"`
	OutputName   string `mapstructure:"output_name"`
}

type GRPCConfig struct {
	Addr string `mapstructure:"addr"`
}

// ModelConfig selects the inference backend and the preprocessing sizes.
type ModelConfig struct {
	Backend       string          `mapstructure:"backend"`
	ContentSize   int             `mapstructure:"content_size"`
	StyleSize     int             `mapstructure:"style_size"`
	JPEGQuality   int             `mapstructure:"jpeg_quality"`
	Timeout       time.Duration   `mapstructure:"timeout"`
	MaxConcurrent int64           `mapstructure:"max_concurrent"`
	MaxPixels     int64           `mapstructure:"max_pixels"`
	TFServing     TFServingConfig `mapstructure:"tfserving"`
	GRPC          GRPCConfig      `mapstructure:"grpc"`
}

type FetchConfig struct {
	Timeout  time.Duration `mapstructure:"timeout"`
	MaxBytes int64         `mapstructure:"max_bytes"`
}

type StorageConfig struct {
	Dir             string        `mapstructure:"dir"`
	RetentionTTL    time.Duration `mapstructure:"retention_ttl"`
	CleanupSchedule string        `mapstructure:"cleanup_schedule"`
}

// RedisConfig enables the result cache when Addr is set.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// DatabaseConfig enables the transfer log when DSN is set.
type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

// AuthConfig enables JWT checks when JWTSecret is set.
type AuthConfig struct {
	JWTSecret   string        `mapstructure:"jwt_secret"`
	JWTAudience string        `mapstructure:"jwt_audience"`
	JWTIssuer   string        `mapstructure:"jwt_issuer"`
	Leeway      time.Duration `mapstructure:"leeway"`
}

// Config holds all configuration for the application.
type Config struct {
	HTTP     HTTPConfig     `mapstructure:"http"`
	Log      LogConfig      `mapstructure:"log"`
	Model    ModelConfig    `mapstructure:"model"`
	Fetch    FetchConfig    `mapstructure:"fetch"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Database DatabaseConfig `mapstructure:"database"`
	Auth     AuthConfig     `mapstructure:"auth"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.shutdown_timeout", 15*time.Second)
	v.SetDefault("http.max_upload_size", 10<<20)

	v.SetDefault("log.level", "info")

	v.SetDefault("model.backend", BackendTFServing)
	v.SetDefault("model.content_size", 512)
	v.SetDefault("model.style_size", 512)
	v.SetDefault("model.jpeg_quality", 75)
	v.SetDefault("model.timeout", 2*time.Minute)
	v.SetDefault("model.max_concurrent", 2)
	v.SetDefault("model.max_pixels", 40_000_000)
	v.SetDefault("model.tfserving.url", "http://localhost:8501")
	v.SetDefault("model.tfserving.model_name", "style_transfer")
	v.SetDefault("model.tfserving.version", "")
	v.SetDefault("model.tfserving.signature", "serving_default")
	v.SetDefault("model.tfserving.content_input", "placeholder")
	v.SetDefault("model.tfserving.style_input", "placeholder_1")
	v.SetDefault("model.tfserving.output_name", "output_0")
	v.SetDefault("model.grpc.addr", "localhost:50051")

	v.SetDefault("fetch.timeout", 15*time.Second)
	v.SetDefault("fetch.max_bytes", 10<<20)

	v.SetDefault("storage.dir", "data/workspaces")
	v.SetDefault("storage.retention_ttl", 24*time.Hour)
	v.SetDefault("storage.cleanup_schedule", "@every 10m")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.cache_ttl", time.Hour)

	v.SetDefault("database.dsn", "")

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.jwt_audience", "")
	v.SetDefault("auth.jwt_issuer", "")
	v.SetDefault("auth.leeway", 30*time.Second)
}

// Load reads defaults, an optional .env file, an optional config file and
// STYLE_* environment variables, later sources taking precedence.
func Load(configFile string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("error loading .env file: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the service cannot start with.
func (c *Config) Validate() error {
	switch c.Model.Backend {
	case BackendTFServing:
		if c.Model.TFServing.URL == "" || c.Model.TFServing.ModelName == "" {
			return fmt.Errorf("model.tfserving.url and model.tfserving.model_name are required")
		}
	case BackendGRPC:
		if c.Model.GRPC.Addr == "" {
			return fmt.Errorf("model.grpc.addr is required")
		}
	default:
		return fmt.Errorf("unknown model backend %q", c.Model.Backend)
	}

	if c.Model.ContentSize <= 0 || c.Model.StyleSize <= 0 {
		return fmt.Errorf("model sizes must be positive")
	}
	if c.Model.JPEGQuality < 1 || c.Model.JPEGQuality > 100 {
		return fmt.Errorf("model.jpeg_quality must be between 1 and 100")
	}
	if c.Model.MaxConcurrent <= 0 {
		return fmt.Errorf("model.max_concurrent must be positive")
	}
	if c.Model.MaxPixels <= 0 {
		return fmt.Errorf("model.max_pixels must be positive")
	}
	if c.HTTP.MaxUploadSize <= 0 {
		return fmt.Errorf("http.max_upload_size must be positive")
	}
	if c.Storage.Dir == "" {
		return fmt.Errorf("storage.dir is required")
	}
	return nil
}
