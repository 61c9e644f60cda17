package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/tollgate/tollgate/pkg/audit"
	"github.com/tollgate/tollgate/pkg/loader"
	"github.com/tollgate/tollgate/pkg/telemetry"
)

// DefaultConfigFile is the application config looked up in the project root.
const DefaultConfigFile = "tollgate.yaml"

// AppConfig is the tollgate.yaml application configuration.
type AppConfig struct {
	// Specs lists spec files or directories, relative to the config file.
	Specs []string `yaml:"specs" validate:"required,min=1,dive,required"`

	// Loader controls handler discovery.
	Loader loader.Options `yaml:"loader"`

	// HandlerTimeout bounds every handler call. Zero disables the bound.
	HandlerTimeout time.Duration `yaml:"handler_timeout" validate:"gte=0"`

	// Watch keeps `tollgate handlers` running and reloads handlers when their
	// sources change. The --watch flag overrides it.
	Watch bool `yaml:"watch"`

	// Audit configures audit event delivery.
	Audit AuditConfig `yaml:"audit"`

	// Store configures the SQLite history and audit store.
	Store StoreConfig `yaml:"store"`

	// Telemetry configures logging, tracing and metrics.
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// AuditConfig configures the audit publisher and its sinks.
type AuditConfig struct {
	audit.Config `yaml:",inline"`

	// Log writes every event to the application log.
	Log bool `yaml:"log"`

	// Redis appends events to a Redis stream.
	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig configures the Redis stream sink.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Address  string `yaml:"address" validate:"required_if=Enabled true"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db" validate:"gte=0"`
	Stream   string `yaml:"stream"`
	MaxLen   int64  `yaml:"max_len" validate:"gte=0"`
}

// StoreConfig configures the SQLite store.
type StoreConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path" validate:"required_if=Enabled true"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() *AppConfig {
	return &AppConfig{
		Specs:          []string{"statemachine.yaml"},
		HandlerTimeout: 5 * time.Second,
		Audit: AuditConfig{
			Config: audit.DefaultConfig(),
			Log:    true,
			Redis: RedisConfig{
				Address: "localhost:6379",
				Stream:  audit.DefaultStream,
			},
		},
		Store: StoreConfig{
			Path: filepath.Join(loader.ProjectDirName, "tollgate.db"),
		},
		Telemetry: telemetry.DefaultConfig(),
	}
}

// LoadConfig reads path over the defaults, resolves relative paths against
// the file's directory and validates the result.
func LoadConfig(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	cfg.resolvePaths(filepath.Dir(path))

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration.
func (c *AppConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			out := make(ValidationErrors, 0, len(verrs))
			for _, fe := range verrs {
				out = append(out, ValidationError{
					Path:     fe.Namespace(),
					Message:  fmt.Sprintf("failed on the %q rule", fe.Tag()),
					Severity: SeverityError,
				})
			}
			return out
		}
		return err
	}
	return c.Telemetry.Validate()
}

func (c *AppConfig) resolvePaths(base string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}
	for i, s := range c.Specs {
		c.Specs[i] = abs(s)
	}
	c.Loader.BundledDir = abs(c.Loader.BundledDir)
	if c.Loader.ProjectRoot == "" {
		c.Loader.ProjectRoot = base
	} else {
		c.Loader.ProjectRoot = abs(c.Loader.ProjectRoot)
	}
	c.Store.Path = abs(c.Store.Path)
}
