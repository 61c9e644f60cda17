package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/tollgate/tollgate/pkg/audit"
	"github.com/tollgate/tollgate/pkg/config"
	"github.com/tollgate/tollgate/pkg/engine"
	"github.com/tollgate/tollgate/pkg/loader"
	"github.com/tollgate/tollgate/pkg/stores"
	"github.com/tollgate/tollgate/pkg/telemetry"
	"github.com/tollgate/tollgate/pkg/transitions"
)

// app holds everything a command needs, built from tollgate.yaml.
type app struct {
	cfg       *config.AppConfig
	tel       *telemetry.Telemetry
	logger    zerolog.Logger
	loader    *loader.Loader
	report    *loader.Report
	service   *transitions.Service
	publisher *audit.Publisher
	redis     *audit.RedisSink
	store     *stores.SQLiteStore
}

// loadAppConfig reads --config, or tollgate.yaml in the project root, or
// falls back to the defaults.
func loadAppConfig() (*config.AppConfig, error) {
	path := configPath
	if path == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
		if root, ok := loader.ResolveProjectRoot(wd); ok {
			candidate := filepath.Join(root, config.DefaultConfigFile)
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
			}
		}
	}

	if path == "" {
		log.Debug().Msg("No config file found, using defaults")
		cfg := config.DefaultConfig()
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return cfg, nil
	}

	log.Debug().Str("path", path).Msg("Loading config")
	return config.LoadConfig(path)
}

// newApp loads config, specs and handlers and wires the service with its
// audit and history sinks.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := loadAppConfig()
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}

	tel, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	a := &app{cfg: cfg, tel: tel, logger: tel.Logger}
	ok := false
	defer func() {
		if !ok {
			a.close(context.Background())
		}
	}()

	specs, err := config.LoadSpecs(cfg.Specs...)
	if err != nil {
		return nil, err
	}

	a.loader = loader.New(cfg.Loader, a.logger, loader.WithMetrics(tel.Metrics))
	set, report, err := a.loader.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load handlers: %w", err)
	}
	a.report = report
	for _, f := range report.Failures {
		a.logger.Warn().Err(f.Err).Str("path", f.Path).Str("layer", string(f.Layer)).Msg("Handler source skipped")
	}

	a.publisher = audit.NewPublisher(cfg.Audit.Config, telemetry.Component(a.logger, "audit"))
	if cfg.Audit.Log {
		a.publisher.Subscribe(audit.NewLogSink(telemetry.Component(a.logger, "audit")), nil)
	}
	if cfg.Audit.Redis.Enabled {
		opts := []audit.RedisOption{audit.WithMaxLen(cfg.Audit.Redis.MaxLen)}
		if cfg.Audit.Redis.Stream != "" {
			opts = append(opts, audit.WithStream(cfg.Audit.Redis.Stream))
		}
		a.redis = audit.NewRedisSink(cfg.Audit.Redis.Address, cfg.Audit.Redis.Password, cfg.Audit.Redis.DB, opts...)
		a.publisher.Subscribe(a.redis, nil)
	}

	opts := []transitions.Option{
		transitions.WithLogger(a.logger),
		transitions.WithTelemetry(tel),
		transitions.WithAuditSink(a.publisher),
		transitions.WithHandlerTimeout(cfg.HandlerTimeout),
	}
	if cfg.Store.Enabled {
		if a.store, err = openStore(ctx, cfg.Store.Path); err != nil {
			return nil, err
		}
		a.publisher.Subscribe(a.store, nil)
		opts = append(opts, transitions.WithHistorySink(a.store))
	}

	a.service = transitions.NewService(set, opts...)
	a.service.RegisterSpecs(specs)

	ok = true
	return a, nil
}

func openStore(ctx context.Context, path string) (*stores.SQLiteStore, error) {
	store, err := stores.NewSQLiteStore(stores.Config{Path: path})
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return store, nil
}

// close drains the audit publisher before closing the sinks it feeds.
func (a *app) close(ctx context.Context) {
	if a.publisher != nil {
		if err := a.publisher.Close(ctx); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to drain audit events")
		}
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	if err := a.tel.Shutdown(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to flush traces")
	}
}

// parseContext builds a transition context from a YAML/JSON file and
// key=value pairs. Dotted keys create nested maps; values are parsed as YAML
// scalars so true, 3 and null keep their types.
func parseContext(file string, pairs []string) (*engine.TransitionContext, error) {
	values := make(map[string]any)

	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read context file: %w", err)
		}
		if strings.EqualFold(filepath.Ext(file), ".json") {
			err = json.Unmarshal(data, &values)
		} else {
			err = yaml.Unmarshal(data, &values)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse context file: %w", err)
		}
	}

	for _, pair := range pairs {
		key, raw, found := strings.Cut(pair, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("invalid context value %q, expected key=value", pair)
		}
		var v any
		if err := yaml.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		if err := setPath(values, key, v); err != nil {
			return nil, err
		}
	}

	return engine.NewTransitionContext(values), nil
}

func setPath(values map[string]any, path string, v any) error {
	parts := strings.Split(path, ".")
	m := values
	for _, p := range parts[:len(parts)-1] {
		next, ok := m[p]
		if !ok || next == nil {
			child := make(map[string]any)
			m[p] = child
			m = child
			continue
		}
		child, ok := next.(map[string]any)
		if !ok {
			return fmt.Errorf("context key %q is not a map", p)
		}
		m = child
	}
	m[parts[len(parts)-1]] = v
	return nil
}

// printJSON writes v as indented JSON to stdout.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var errStoreDisabled = errors.New("the store is disabled; set store.enabled in tollgate.yaml")
