package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type EnvConfig struct {
	Port        string `envconfig:"PORT" default:"3000"`
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	AuthSecret  string `envconfig:"AUTH_SECRET" required:"true"`
	LogJSON     bool   `envconfig:"LOG_JSON" default:"false"`

	DBHost     string `envconfig:"DB_HOST" default:"localhost"`
	DBPort     int    `envconfig:"DB_PORT" default:"5432"`
	DBUser     string `envconfig:"DB_USER" default:"warden"`
	DBPassword string `envconfig:"DB_PASSWORD"`
	DBName     string `envconfig:"DB_NAME" default:"warden"`
	DBSSLMode  string `envconfig:"DB_SSLMODE" default:"disable"`

	// Empty RedisAddr falls back to the in-process KV store.
	RedisAddr     string `envconfig:"REDIS_ADDR"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`

	// Empty MinioEndpoint disables artifact capture.
	MinioEndpoint  string `envconfig:"MINIO_ENDPOINT"`
	MinioAccessKey string `envconfig:"MINIO_ACCESS_KEY"`
	MinioSecretKey string `envconfig:"MINIO_SECRET_KEY"`
	MinioBucket    string `envconfig:"MINIO_BUCKET" default:"warden-artifacts"`
	MinioUseSSL    bool   `envconfig:"MINIO_USE_SSL" default:"false"`

	Backends       []string `envconfig:"SANDBOX_BACKENDS" default:"docker"`
	DefaultBackend string   `envconfig:"SANDBOX_DEFAULT_BACKEND"`
	SandboxAPIKey  string   `envconfig:"SANDBOX_API_KEY"`
	SandboxDomain  string   `envconfig:"SANDBOX_DOMAIN"`
	SandboxImage   string   `envconfig:"SANDBOX_IMAGE"`
	K8sNamespace   string   `envconfig:"K8S_NAMESPACE" default:"default"`

	RateLimitWindow time.Duration `envconfig:"RATE_LIMIT_WINDOW" default:"1h"`
	RateLimitMax    int           `envconfig:"RATE_LIMIT_MAX" default:"50"`

	ReaperInterval time.Duration `envconfig:"REAPER_INTERVAL" default:"1m"`
	IdleAfter      time.Duration `envconfig:"REAPER_IDLE_AFTER" default:"15m"`
	BootTimeout    time.Duration `envconfig:"REAPER_BOOT_TIMEOUT" default:"5m"`

	SessionTTL time.Duration `envconfig:"SESSION_TTL" default:"30m"`
	SessionMax int           `envconfig:"SESSION_MAX" default:"100"`
}

// isDev reports whether the process runs outside production, where a
// local .env file is loaded before the environment is read.
func isDev() bool {
	env := strings.ToLower(os.Getenv("ENVIRONMENT"))
	return env == "development" || env == "dev" || env == ""
}

func ValidateEnv() (*EnvConfig, error) {
	if isDev() {
		if err := godotenv.Load(); err != nil {
			log.Println("no .env file found")
		} else {
			log.Println("loaded .env file")
		}
	}

	var cfg EnvConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var errors []string

	if len(cfg.AuthSecret) < 32 {
		errors = append(errors, "  AUTH_SECRET must be at least 32 characters")
	}
	if len(cfg.Backends) == 0 {
		errors = append(errors, "  SANDBOX_BACKENDS must name at least one backend")
	}
	for _, b := range cfg.Backends {
		switch b {
		case "docker", "k8s", "httpapi":
		default:
			errors = append(errors, fmt.Sprintf("  unknown backend %q in SANDBOX_BACKENDS", b))
		}
	}
	if contains(cfg.Backends, "httpapi") && cfg.SandboxAPIKey == "" {
		errors = append(errors, "  SANDBOX_API_KEY is required for the httpapi backend")
	}
	if cfg.MinioEndpoint != "" && (cfg.MinioAccessKey == "" || cfg.MinioSecretKey == "") {
		errors = append(errors, "  MINIO_ACCESS_KEY and MINIO_SECRET_KEY must be set with MINIO_ENDPOINT")
	}
	if cfg.RateLimitMax < 0 {
		errors = append(errors, "  RATE_LIMIT_MAX must not be negative")
	}

	if len(errors) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n%s", strings.Join(errors, "\n"))
	}

	return &cfg, nil
}

func contains(xs []string, want string) bool {
	for _, x := range xs {
		if x == want {
			return true
		}
	}
	return false
}

func MaskSecret(secret string) string {
	if secret == "" {
		return "<not set>"
	}
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:4] + "..." + secret[len(secret)-4:]
}

func (c *EnvConfig) Print(fmtr func(string, ...interface{})) {
	fmtr("configuration:\n")
	fmtr("  environment: %s\n", c.Environment)
	fmtr("  port: %s\n", c.Port)
	fmtr("  auth secret: %s\n", MaskSecret(c.AuthSecret))
	fmtr("  database: %s@%s:%d/%s\n", c.DBUser, c.DBHost, c.DBPort, c.DBName)
	fmtr("  backends: %s (default %s)\n", strings.Join(c.Backends, ","), c.ResolvedDefaultBackend())
	if c.RedisAddr != "" {
		fmtr("  redis: %s\n", c.RedisAddr)
	} else {
		fmtr("  redis: disabled (in-process kv)\n")
	}
	if c.MinioEndpoint != "" {
		fmtr("  artifacts: %s/%s\n", c.MinioEndpoint, c.MinioBucket)
	} else {
		fmtr("  artifacts: disabled\n")
	}
}

// ResolvedDefaultBackend is the configured default, or the first
// enabled backend.
func (c *EnvConfig) ResolvedDefaultBackend() string {
	if c.DefaultBackend != "" {
		return c.DefaultBackend
	}
	if len(c.Backends) > 0 {
		return c.Backends[0]
	}
	return ""
}
