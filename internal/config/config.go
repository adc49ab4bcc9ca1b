// Package config loads Atlas settings from defaults, an optional YAML file and
// ATLAS_* environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

const (
	// EnvPrefix prefixes every environment override (ATLAS_HTTP_ADDR -> http.addr).
	EnvPrefix = "ATLAS_"
	// PathEnvVar overrides the config file location.
	PathEnvVar = "ATLAS_CONFIG"
)

// DefaultPaths are probed in order when ATLAS_CONFIG is unset.
var DefaultPaths = []string{"config.yaml", "config.yml", "/etc/atlas/config.yaml"}

// Config is the root configuration.
type Config struct {
	HTTP      HTTPConfig      `koanf:"http"`
	Database  DatabaseConfig  `koanf:"database"`
	Auth      AuthConfig      `koanf:"auth"`
	Authz     AuthzConfig     `koanf:"authz"`
	Documents DocumentsConfig `koanf:"documents"`
	Log       LogConfig       `koanf:"log"`
}

type HTTPConfig struct {
	Addr           string        `koanf:"addr" validate:"required"`
	ReadTimeout    time.Duration `koanf:"read_timeout" validate:"gt=0"`
	WriteTimeout   time.Duration `koanf:"write_timeout" validate:"gt=0"`
	IdleTimeout    time.Duration `koanf:"idle_timeout" validate:"gt=0"`
	CORSOrigins    []string      `koanf:"cors_origins"`
	TrustedProxies []string      `koanf:"trusted_proxies" validate:"dive,cidr|ip"`
	RateLimitRPS   int           `koanf:"rate_limit_rps" validate:"gte=1"`
	RateLimitBurst int           `koanf:"rate_limit_burst" validate:"gte=1"`
	MaxBodyBytes   int64         `koanf:"max_body_bytes" validate:"gte=1024"`
}

type DatabaseConfig struct {
	DSN             string        `koanf:"dsn"`
	MaxOpen         int           `koanf:"max_open" validate:"gte=1"`
	MaxIdle         int           `koanf:"max_idle" validate:"gte=0"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
}

type AuthConfig struct {
	JWTSecret string        `koanf:"jwt_secret" validate:"required,min=32"`
	Issuer    string        `koanf:"issuer" validate:"required"`
	TokenTTL  time.Duration `koanf:"token_ttl" validate:"gt=0"`
}

type AuthzConfig struct {
	RoleCacheSize int           `koanf:"role_cache_size" validate:"gte=1"`
	RoleCacheTTL  time.Duration `koanf:"role_cache_ttl" validate:"gt=0"`
}

type DocumentsConfig struct {
	FrontendBaseURL string `koanf:"frontend_base_url" validate:"required,url"`
	LogoPath        string `koanf:"logo_path"`
	Timezone        string `koanf:"timezone" validate:"required"`
	MaxUploadBytes  int64  `koanf:"max_upload_bytes" validate:"gte=1024"`
}

type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn error disabled"`
	Format string `koanf:"format" validate:"oneof=json console"`
}

// Defaults returns the built-in configuration layer.
func Defaults() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Addr:           ":8080",
			ReadTimeout:    15 * time.Second,
			WriteTimeout:   30 * time.Second,
			IdleTimeout:    60 * time.Second,
			CORSOrigins:    []string{"http://localhost:3000"},
			RateLimitRPS:   20,
			RateLimitBurst: 40,
			MaxBodyBytes:   1 << 20,
		},
		Database: DatabaseConfig{
			MaxOpen:         25,
			MaxIdle:         10,
			ConnMaxLifetime: 15 * time.Minute,
		},
		Auth: AuthConfig{
			Issuer:   "atlas",
			TokenTTL: 8 * time.Hour,
		},
		Authz: AuthzConfig{
			RoleCacheSize: 64,
			RoleCacheTTL:  30 * time.Second,
		},
		Documents: DocumentsConfig{
			FrontendBaseURL: "http://localhost:3000",
			Timezone:        "America/Sao_Paulo",
			MaxUploadBytes:  10 << 20,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the configuration: defaults, then the YAML file (if any), then env.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Defaults(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}
	if path := findFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}
	for _, path := range []string{"http.cors_origins", "http.trusted_proxies"} {
		if err := splitList(k, path); err != nil {
			return nil, err
		}
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct constraints and returns a readable error listing each field.
func (c *Config) Validate() error {
	err := validator.New().Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
}

// Location returns the configured document time zone, falling back to UTC.
func (d DocumentsConfig) Location() *time.Location {
	loc, err := time.LoadLocation(d.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// envKey maps ATLAS_HTTP_RATE_LIMIT_RPS to http.rate_limit_rps: the first
// underscore separates the section, the rest belong to the key.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	if s == "config" {
		return ""
	}
	return strings.Replace(s, "_", ".", 1)
}

func findFile() string {
	if p := os.Getenv(PathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
		return ""
	}
	for _, p := range DefaultPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func splitList(k *koanf.Koanf, path string) error {
	raw, ok := k.Get(path).(string)
	if !ok {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if err := k.Set(path, out); err != nil {
		return fmt.Errorf("set %s: %w", path, err)
	}
	return nil
}
