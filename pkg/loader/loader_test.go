package loader

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tollgate/tollgate/pkg/engine"
	"github.com/tollgate/tollgate/pkg/registry"
)

func quietLogger() zerolog.Logger {
	return zerolog.New(nil).Level(zerolog.Disabled)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

const readyGuard = `
def _ready(ctx):
    return ctx.get("task", {}).get("ready", False)

def register():
    return {
        "can_start_task": _ready,
        "qa_ready": handler(_ready, domain = "qa"),
    }
`

const constGuard = `
def _yes(ctx):
    return True

def _no(ctx):
    return False

def register():
    return {"layered": %s}
`

const tagAction = `
def _tag(ctx):
    ctx["tagged"] = True
    ctx["count"] = ctx.get("count", 0) + 1
    ctx.pop("scratch")
    return "tagged"

def register():
    return {"tag": _tag}
`

const reviewedPolicy = `# Requires a review approval.
# domain: task
package tollgate.conditions.reviewed

default allow := false

allow if input.review.approved == true
`

func check(t *testing.T, set *registry.Set, kind engine.HandlerKind, name string, domain engine.Domain, values map[string]any) bool {
	t.Helper()
	var ok bool
	var err error
	tc := engine.NewTransitionContext(values)
	switch kind {
	case engine.KindGuard:
		ok, err = set.Guards.Check(context.Background(), name, tc, domain)
	case engine.KindCondition:
		ok, err = set.Conditions.Check(context.Background(), name, tc, domain)
	}
	if err != nil {
		t.Fatalf("%s %s: %v", kind, name, err)
	}
	return ok
}

func TestLoad_NoProjectRoot(t *testing.T) {
	l := New(Options{WorkDir: t.TempDir()}, quietLogger())

	set, report, err := l.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !set.Guards.Frozen() {
		t.Error("loaded set should be frozen")
	}
	if !set.Guards.Has("always_allow", engine.DomainShared) {
		t.Error("builtin guards should always load")
	}
	if report.Failed() {
		t.Errorf("unexpected failures: %v", report.Err())
	}
}

func TestLoad_StarlarkGuardsAndScopes(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, ProjectDirName, "guards", "ready.star"), readyGuard)

	l := New(Options{WorkDir: filepath.Join(root)}, quietLogger())
	set, report, err := l.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if report.ProjectRoot != root {
		t.Errorf("ProjectRoot = %q, want %q", report.ProjectRoot, root)
	}

	ready := map[string]any{"task": map[string]any{"ready": true}}
	if !check(t, set, engine.KindGuard, "can_start_task", engine.DomainTask, ready) {
		t.Error("override guard should replace the builtin and see task.ready")
	}
	if check(t, set, engine.KindGuard, "can_start_task", engine.DomainTask, nil) {
		t.Error("guard should be false without task.ready")
	}
	if set.Guards.Has("qa_ready", engine.DomainTask) {
		t.Error("qa-scoped guard must not resolve for task")
	}
	if !check(t, set, engine.KindGuard, "qa_ready", engine.DomainQA, ready) {
		t.Error("qa-scoped guard should resolve for qa")
	}
}

func TestLoad_LayerOrder(t *testing.T) {
	bundled := t.TempDir()
	root := t.TempDir()
	writeFile(t, filepath.Join(bundled, "acme", "guards", "layered.star"), strings.Replace(constGuard, "%s", "_no", 1))
	writeFile(t, filepath.Join(root, ProjectDirName, "extensions", "acme", "guards", "layered.star"), strings.Replace(constGuard, "%s", "_yes", 1))

	opts := Options{ProjectRoot: root, BundledDir: bundled, Extensions: []string{"acme"}}
	set, _, err := New(opts, quietLogger()).Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !check(t, set, engine.KindGuard, "layered", engine.DomainTask, nil) {
		t.Error("project layer should override bundled layer")
	}

	writeFile(t, filepath.Join(root, ProjectDirName, "guards", "layered.star"), strings.Replace(constGuard, "%s", "_no", 1))
	set, _, err = New(opts, quietLogger()).Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if check(t, set, engine.KindGuard, "layered", engine.DomainTask, nil) {
		t.Error("override layer should override project layer")
	}

	inactive := Options{ProjectRoot: t.TempDir(), BundledDir: bundled}
	set, _, err = New(inactive, quietLogger()).Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if set.Guards.Has("layered", engine.DomainShared) {
		t.Error("bundled sources of inactive extensions must not load")
	}
}

const entityGuard = `
def _entity_ready(ctx):
    return ctx["entity"]["status"] == "ready" and ctx["timeout"] == 5000000000 and ctx["retries"] == 3

def register():
    return {"entity_ready": _entity_ready}
`

type taskEntity struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Labels []string
}

func TestLoad_StarlarkConvertsArbitraryContextValues(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, ProjectDirName, "guards", "ready.star"), readyGuard)
	writeFile(t, filepath.Join(root, ProjectDirName, "guards", "entity.star"), entityGuard)

	set, _, err := New(Options{ProjectRoot: root}, quietLogger()).Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	tests := []struct {
		name  string
		extra any
	}{
		{"duration", 5 * time.Second},
		{"struct", taskEntity{ID: "T-1", Status: "ready"}},
		{"struct pointer", &taskEntity{ID: "T-1"}},
		{"int8", int8(7)},
		{"uint32", uint32(7)},
		{"float32", float32(0.5)},
		{"int-keyed map", map[int]string{1: "one"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			values := map[string]any{"task": map[string]any{"ready": true}, "extra": tt.extra}
			if !check(t, set, engine.KindGuard, "can_start_task", engine.DomainTask, values) {
				t.Error("unrelated context values must not affect the guard")
			}
		})
	}

	values := map[string]any{
		"entity":  taskEntity{ID: "T-1", Status: "ready"},
		"timeout": 5 * time.Second,
		"retries": uint8(3),
	}
	if !check(t, set, engine.KindGuard, "entity_ready", engine.DomainTask, values) {
		t.Error("guard should read struct fields by their JSON names and numeric kinds as ints")
	}
}

func TestLoad_StarlarkActionWritesBack(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, ProjectDirName, "actions", "tag.star"), tagAction)

	set, _, err := New(Options{ProjectRoot: root}, quietLogger()).Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	tc := engine.NewTransitionContext(map[string]any{"count": 1, "scratch": "x", "keep": "me"})
	res, err := set.Actions.Execute(context.Background(), "tag", tc, engine.DomainTask)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res != "tagged" {
		t.Errorf("result = %v, want tagged", res)
	}
	if v, _ := tc.Get("tagged"); v != true {
		t.Errorf("tagged = %v", v)
	}
	if v, _ := tc.Get("count"); v != int64(2) {
		t.Errorf("count = %#v, want int64(2)", v)
	}
	if _, ok := tc.Get("scratch"); ok {
		t.Error("popped key should be deleted from the context")
	}
	if v, _ := tc.Get("keep"); v != "me" {
		t.Errorf("untouched key changed: %v", v)
	}
}

func TestLoad_RegoCondition(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, ProjectDirName, "conditions", "reviewed.rego"), reviewedPolicy)

	set, report, err := New(Options{ProjectRoot: root}, quietLogger()).Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if report.Failed() {
		t.Fatalf("unexpected failures: %v", report.Err())
	}
	if set.Conditions.Has("reviewed", engine.DomainSession) {
		t.Error("rego condition should be scoped to task")
	}
	approved := map[string]any{"review": map[string]any{"approved": true}}
	if !check(t, set, engine.KindCondition, "reviewed", engine.DomainTask, approved) {
		t.Error("reviewed should pass with an approved review")
	}
	if check(t, set, engine.KindCondition, "reviewed", engine.DomainTask, nil) {
		t.Error("reviewed should fail without a review")
	}
}

func TestLoad_RegoActionsRejected(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, ProjectDirName, "actions", "nope.rego"), reviewedPolicy)

	_, report, err := New(Options{ProjectRoot: root}, quietLogger()).Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(report.Failures) != 1 || report.Failures[0].Kind != engine.KindAction {
		t.Errorf("expected one action failure, got %+v", report.Failures)
	}
}

func TestLoad_FailSoftAndStrict(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, ProjectDirName, "guards", "a_broken.star"), "def register(:\n")
	writeFile(t, filepath.Join(root, ProjectDirName, "guards", "b_noentry.star"), "x = 1\n")
	writeFile(t, filepath.Join(root, ProjectDirName, "guards", "c_good.star"), readyGuard)
	writeFile(t, filepath.Join(root, ProjectDirName, "guards", "_ignored.star"), "def register(:\n")

	set, report, err := New(Options{ProjectRoot: root}, quietLogger()).Load(context.Background())
	if err != nil {
		t.Fatalf("fail-soft Load: %v", err)
	}
	if len(report.Failures) != 2 {
		t.Fatalf("failures = %d, want 2: %v", len(report.Failures), report.Err())
	}
	if !set.Guards.Has("qa_ready", engine.DomainQA) {
		t.Error("good file should load despite earlier failures")
	}

	_, _, err = New(Options{ProjectRoot: root, Strict: true}, quietLogger()).Load(context.Background())
	var ferr *FileError
	if !errors.As(err, &ferr) {
		t.Fatalf("strict Load should fail with FileError, got %v", err)
	}
	if filepath.Base(ferr.Path) != "a_broken.star" {
		t.Errorf("strict load failed on %s, want a_broken.star", ferr.Path)
	}
}

func TestLoad_GuardMustReturnBool(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, ProjectDirName, "guards", "str.star"), `
def _s(ctx):
    return "yes"

def register():
    return {"stringy": _s}
`)
	set, _, err := New(Options{ProjectRoot: root}, quietLogger()).Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	_, err = set.Guards.Check(context.Background(), "stringy", engine.NewTransitionContext(nil), engine.DomainTask)
	if !errors.Is(err, engine.ErrHandlerRaised) || !strings.Contains(err.Error(), "must return a bool") {
		t.Errorf("expected bool type error, got %v", err)
	}
}

func TestLoad_StarlarkHonorsCancellation(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, ProjectDirName, "guards", "slow.star"), `
def _slow(ctx):
    n = 0
    for i in range(1000000000):
        n += 1
    return True

def register():
    return {"slow": _slow}
`)
	set, _, err := New(Options{ProjectRoot: root}, quietLogger()).Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = set.Guards.Check(ctx, "slow", engine.NewTransitionContext(nil), engine.DomainTask)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

type acmeExtension struct{}

func (acmeExtension) ID() string { return "acme" }

func (acmeExtension) Guards() map[string]engine.GuardFunc {
	return map[string]engine.GuardFunc{
		"acme_guard": func(context.Context, *engine.TransitionContext) (bool, error) { return true, nil },
	}
}

func (acmeExtension) RegisterScoped(kind engine.HandlerKind, set *registry.Set) error {
	if kind != engine.KindAction {
		return nil
	}
	return set.Actions.Register("acme_notify", engine.DomainTask, func(context.Context, *engine.TransitionContext) (any, error) {
		return "sent", nil
	})
}

func TestLoad_GoExtensions(t *testing.T) {
	l := New(Options{WorkDir: t.TempDir(), Extensions: []string{"acme"}}, quietLogger(),
		WithExtension(LayerBundled, acmeExtension{}))
	set, report, err := l.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !set.Guards.Has("acme_guard", engine.DomainShared) {
		t.Error("provider guard missing")
	}
	if !set.Actions.Has("acme_notify", engine.DomainTask) || set.Actions.Has("acme_notify", engine.DomainSession) {
		t.Error("scoped action should resolve for task only")
	}
	if len(report.Loaded) != 2 {
		t.Errorf("Loaded = %+v, want guard and action sources", report.Loaded)
	}

	inactive := New(Options{WorkDir: t.TempDir()}, quietLogger(), WithExtension(LayerBundled, acmeExtension{}))
	set, _, err = inactive.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if set.Guards.Has("acme_guard", engine.DomainShared) {
		t.Error("inactive bundled extension must not register")
	}
}

func TestResolveProjectRoot(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b", "c")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(root, ProjectDirName), 0755); err != nil {
		t.Fatal(err)
	}

	got, ok := ResolveProjectRoot(nested)
	if !ok || got != root {
		t.Errorf("ResolveProjectRoot = (%q, %v), want (%q, true)", got, ok, root)
	}
}

func TestWatch_ReloadsOnChange(t *testing.T) {
	root := t.TempDir()
	guards := filepath.Join(root, ProjectDirName, "guards")
	if err := os.MkdirAll(guards, 0755); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan *registry.Set, 1)
	l := New(Options{ProjectRoot: root}, quietLogger())
	if err := l.Watch(ctx, func(set *registry.Set, _ *Report) {
		select {
		case reloaded <- set:
		default:
		}
	}); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	writeFile(t, filepath.Join(guards, "layered.star"), strings.Replace(constGuard, "%s", "_yes", 1))

	select {
	case set := <-reloaded:
		if !set.Guards.Has("layered", engine.DomainShared) {
			t.Error("reloaded set should contain the new guard")
		}
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
}
