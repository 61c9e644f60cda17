// Package loader composes handler registries from layered sources.
//
// Handlers come from four layers applied in order, later layers overwriting
// earlier ones by name:
//
//	builtin   registry defaults and Go extensions registered for LayerBuiltin
//	bundled   <bundled_dir>/<ext>/{guards,conditions,actions}
//	project   <project>/.tollgate/extensions/<ext>/{guards,conditions,actions}
//	override  <project>/.tollgate/{guards,conditions,actions}
//
// Kinds load one at a time: every layer's guards, then every layer's
// conditions, then every layer's actions. Directory layers hold Starlark
// (*.star) and, for guards and conditions, Rego (*.rego) sources.
package loader

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tollgate/tollgate/pkg/engine"
	"github.com/tollgate/tollgate/pkg/registry"
	"github.com/tollgate/tollgate/pkg/telemetry"
)

// ProjectDirName is the per-project configuration directory.
const ProjectDirName = ".tollgate"

// Layer names a handler source tier.
type Layer string

const (
	LayerBuiltin  Layer = "builtin"
	LayerBundled  Layer = "bundled"
	LayerProject  Layer = "project"
	LayerOverride Layer = "override"
)

// Layers lists the tiers in load order.
var Layers = []Layer{LayerBuiltin, LayerBundled, LayerProject, LayerOverride}

// Kinds lists handler kinds in load order.
var Kinds = []engine.HandlerKind{engine.KindGuard, engine.KindCondition, engine.KindAction}

// Extension is a Go handler pack. Implementations add any of GuardProvider,
// ConditionProvider, ActionProvider or ScopedRegistrar.
type Extension interface {
	ID() string
}

// GuardProvider contributes shared guards.
type GuardProvider interface {
	Guards() map[string]engine.GuardFunc
}

// ConditionProvider contributes shared conditions.
type ConditionProvider interface {
	Conditions() map[string]engine.ConditionFunc
}

// ActionProvider contributes shared actions.
type ActionProvider interface {
	Actions() map[string]engine.ActionFunc
}

// ScopedRegistrar registers handlers of one kind directly, typically with a
// domain scope.
type ScopedRegistrar interface {
	RegisterScoped(kind engine.HandlerKind, set *registry.Set) error
}

// Options control where handler sources are discovered.
type Options struct {
	// ProjectRoot is the directory holding .tollgate. When empty it is
	// resolved upward from WorkDir.
	ProjectRoot string `yaml:"project_root"`

	// WorkDir is where project resolution starts. Defaults to the process
	// working directory.
	WorkDir string `yaml:"work_dir"`

	// BundledDir holds extension packs shipped with the host.
	BundledDir string `yaml:"bundled_dir"`

	// Extensions are the active extension IDs, applied in order.
	Extensions []string `yaml:"extensions"`

	// Strict aborts loading on the first file failure.
	Strict bool `yaml:"strict_loading"`
}

// Option configures a Loader.
type Option func(*Loader)

// WithMetrics records handler counts and load failures.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(l *Loader) {
		l.metrics = m
	}
}

// WithExtension registers a Go extension for a layer. Builtin extensions
// always apply; bundled ones only when their ID is active.
func WithExtension(layer Layer, ext Extension) Option {
	return func(l *Loader) {
		l.extensions = append(l.extensions, layeredExtension{layer: layer, ext: ext})
	}
}

type layeredExtension struct {
	layer Layer
	ext   Extension
}

// Source is one handler file or Go extension that loaded successfully.
type Source struct {
	Layer Layer              `json:"layer"`
	Kind  engine.HandlerKind `json:"kind"`
	Path  string             `json:"path"`
	Names []string           `json:"names"`
}

// FileError records a source that failed to load.
type FileError struct {
	Layer Layer              `json:"layer"`
	Kind  engine.HandlerKind `json:"kind"`
	Path  string             `json:"path"`
	Err   error              `json:"-"`
}

func (e *FileError) Error() string {
	return fmt.Sprintf("%s %s %s: %v", e.Layer, e.Kind, e.Path, e.Err)
}

func (e *FileError) Unwrap() error { return e.Err }

// Report summarises one load.
type Report struct {
	ProjectRoot string       `json:"project_root,omitempty"`
	Loaded      []Source     `json:"loaded"`
	Failures    []*FileError `json:"failures,omitempty"`
}

// Failed reports whether any source failed.
func (r *Report) Failed() bool {
	return len(r.Failures) > 0
}

// Err joins every failure, or returns nil.
func (r *Report) Err() error {
	errs := make([]error, 0, len(r.Failures))
	for _, f := range r.Failures {
		errs = append(errs, f)
	}
	return errors.Join(errs...)
}

// Loader builds handler registries from Go extensions and layer directories.
type Loader struct {
	opts       Options
	logger     zerolog.Logger
	metrics    *telemetry.Metrics
	extensions []layeredExtension

	// mu serialises loads so watch-triggered reloads never overlap.
	mu sync.Mutex
}

// New creates a loader.
func New(opts Options, logger zerolog.Logger, options ...Option) *Loader {
	l := &Loader{
		opts:   opts,
		logger: logger.With().Str("component", "loader").Logger(),
	}
	for _, o := range options {
		o(l)
	}
	return l
}

// ProjectRoot returns the configured or resolved project root, or "" when
// none is found.
func (l *Loader) ProjectRoot() string {
	if l.opts.ProjectRoot != "" {
		return l.opts.ProjectRoot
	}
	start := l.opts.WorkDir
	if start == "" {
		wd, err := os.Getwd()
		if err != nil {
			return ""
		}
		start = wd
	}
	root, ok := ResolveProjectRoot(start)
	if !ok {
		return ""
	}
	return root
}

// LayerDir is one directory a kind is loaded from.
type LayerDir struct {
	Layer Layer
	Path  string
}

// Dirs returns the candidate directories for kind in load order. The
// directories need not exist.
func (l *Loader) Dirs(kind engine.HandlerKind) []LayerDir {
	sub := kind.Plural()
	var dirs []LayerDir

	if l.opts.BundledDir != "" {
		for _, ext := range l.opts.Extensions {
			dirs = append(dirs, LayerDir{Layer: LayerBundled, Path: filepath.Join(l.opts.BundledDir, ext, sub)})
		}
	}

	root := l.ProjectRoot()
	if root != "" {
		for _, ext := range l.opts.Extensions {
			dirs = append(dirs, LayerDir{Layer: LayerProject, Path: filepath.Join(root, ProjectDirName, "extensions", ext, sub)})
		}
		dirs = append(dirs, LayerDir{Layer: LayerOverride, Path: filepath.Join(root, ProjectDirName, sub)})
	}
	return dirs
}

// Load builds a new registry set preloaded with the builtin handlers, applies
// every layer and freezes it.
func (l *Loader) Load(ctx context.Context) (*registry.Set, *Report, error) {
	set := registry.NewSet(true)
	report, err := l.LoadInto(ctx, set)
	if err != nil {
		return nil, report, err
	}
	set.Freeze()
	return set, report, nil
}

// LoadInto applies every layer to set. In strict mode the first failure is
// returned; otherwise failures are collected in the report.
func (l *Loader) LoadInto(ctx context.Context, set *registry.Set) (*Report, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	report := &Report{ProjectRoot: l.ProjectRoot()}
	if report.ProjectRoot == "" {
		l.logger.Debug().Msg("No project root found; loading builtin and bundled handlers only")
	}

	for _, kind := range Kinds {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if err := l.loadKind(ctx, kind, set, report); err != nil {
			return report, err
		}
		l.metrics.SetHandlersLoaded(string(kind), set.Summary()[kind])
	}

	l.logger.Info().
		Int("sources", len(report.Loaded)).
		Int("failures", len(report.Failures)).
		Interface("handlers", set.Summary()).
		Msg("Handlers loaded")
	return report, nil
}

func (l *Loader) loadKind(ctx context.Context, kind engine.HandlerKind, set *registry.Set, report *Report) error {
	for _, layer := range Layers {
		if err := l.applyExtensions(layer, kind, set, report); err != nil {
			return err
		}
		for _, dir := range l.Dirs(kind) {
			if dir.Layer != layer {
				continue
			}
			if err := l.loadDir(ctx, dir, kind, set, report); err != nil {
				return err
			}
		}
	}
	return nil
}

// applyExtensions registers the Go extensions of one layer for kind.
func (l *Loader) applyExtensions(layer Layer, kind engine.HandlerKind, set *registry.Set, report *Report) error {
	active := make(map[string]bool, len(l.opts.Extensions))
	for _, id := range l.opts.Extensions {
		active[id] = true
	}

	for _, le := range l.extensions {
		if le.layer != layer {
			continue
		}
		if layer != LayerBuiltin && !active[le.ext.ID()] {
			continue
		}
		path := "go:" + le.ext.ID()
		names, err := registerExtension(le.ext, kind, set)
		if err != nil {
			if ferr := l.fail(report, layer, kind, path, err); ferr != nil {
				return ferr
			}
			continue
		}
		if len(names) > 0 {
			report.Loaded = append(report.Loaded, Source{Layer: layer, Kind: kind, Path: path, Names: names})
		}
	}
	return nil
}

func registerExtension(ext Extension, kind engine.HandlerKind, set *registry.Set) ([]string, error) {
	var names []string
	var err error

	switch kind {
	case engine.KindGuard:
		if p, ok := ext.(GuardProvider); ok {
			names, err = registerAll(p.Guards(), set.Guards.Registry)
		}
	case engine.KindCondition:
		if p, ok := ext.(ConditionProvider); ok {
			names, err = registerAll(p.Conditions(), set.Conditions.Registry)
		}
	case engine.KindAction:
		if p, ok := ext.(ActionProvider); ok {
			names, err = registerAll(p.Actions(), set.Actions.Registry)
		}
	}
	if err != nil {
		return nil, err
	}

	if r, ok := ext.(ScopedRegistrar); ok {
		before := len(keysOf(set, kind))
		if err := r.RegisterScoped(kind, set); err != nil {
			return nil, err
		}
		if len(keysOf(set, kind)) != before {
			names = append(names, "(scoped)")
		}
	}
	return names, nil
}

func registerAll[F any](handlers map[string]F, r *registry.Registry[F]) ([]string, error) {
	names := make([]string, 0, len(handlers))
	for name := range handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := r.Register(name, engine.DomainShared, handlers[name]); err != nil {
			return nil, err
		}
	}
	return names, nil
}

func keysOf(set *registry.Set, kind engine.HandlerKind) []registry.Key {
	switch kind {
	case engine.KindGuard:
		return set.Guards.Keys()
	case engine.KindCondition:
		return set.Conditions.Keys()
	default:
		return set.Actions.Keys()
	}
}

// loadDir loads every source file under dir.
func (l *Loader) loadDir(ctx context.Context, dir LayerDir, kind engine.HandlerKind, set *registry.Set, report *Report) error {
	info, err := os.Stat(dir.Path)
	if err != nil || !info.IsDir() {
		return nil
	}

	var files []string
	err = filepath.WalkDir(dir.Path, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() {
			if path != dir.Path && (strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_")) {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_") {
			return nil
		}
		if isSourceFile(name) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return l.fail(report, dir.Layer, kind, dir.Path, fmt.Errorf("failed to walk directory: %w", err))
	}

	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		names, err := l.loadFile(path, kind, set)
		if err != nil {
			if ferr := l.fail(report, dir.Layer, kind, path, err); ferr != nil {
				return ferr
			}
			continue
		}
		report.Loaded = append(report.Loaded, Source{Layer: dir.Layer, Kind: kind, Path: path, Names: names})
		l.logger.Debug().
			Str("layer", string(dir.Layer)).
			Str("kind", string(kind)).
			Str("path", path).
			Strs("handlers", names).
			Msg("Handler file loaded")
	}
	return nil
}

func isSourceFile(name string) bool {
	return strings.HasSuffix(name, starlarkExt) || strings.HasSuffix(name, regoExt)
}

func (l *Loader) loadFile(path string, kind engine.HandlerKind, set *registry.Set) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	switch {
	case strings.HasSuffix(path, starlarkExt):
		return loadStarlark(path, data, kind, set, l.logger)
	case strings.HasSuffix(path, regoExt):
		return loadRego(path, data, kind, set)
	default:
		return nil, fmt.Errorf("unsupported file type: %s", path)
	}
}

// fail records a failure. It returns a non-nil error only in strict mode.
func (l *Loader) fail(report *Report, layer Layer, kind engine.HandlerKind, path string, err error) error {
	ferr := &FileError{Layer: layer, Kind: kind, Path: path, Err: err}
	report.Failures = append(report.Failures, ferr)
	l.metrics.RecordLoadFailure(string(kind), string(layer))

	if l.opts.Strict {
		l.logger.Error().Err(err).Str("path", path).Msg("Failed to load handler file")
		return ferr
	}
	l.logger.Warn().Err(err).Str("path", path).Msg("Failed to load handler file")
	return nil
}
