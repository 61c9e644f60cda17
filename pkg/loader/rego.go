package loader

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"

	"github.com/tollgate/tollgate/pkg/engine"
	"github.com/tollgate/tollgate/pkg/registry"
)

const regoExt = ".rego"

// regoRule is the rule every Rego handler must define.
const regoRule = "allow"

// loadRego compiles a Rego guard or condition. The handler is named after
// the file and evaluates data.<package>.allow with the context as input. A
// "# domain: <name>" comment before the package clause scopes it.
func loadRego(path string, data []byte, kind engine.HandlerKind, set *registry.Set) ([]string, error) {
	if kind == engine.KindAction {
		return nil, fmt.Errorf("rego sources can only define guards and conditions")
	}

	module, err := ast.ParseModule(path, string(data))
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}

	query := module.Package.Path.String() + "." + regoRule
	prepared, err := rego.New(
		rego.Module(path, string(data)),
		rego.Query(query),
	).PrepareForEval(context.Background())
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	name := strings.TrimSuffix(filepath.Base(path), regoExt)
	domain := engine.Domain(extractDomain(string(data)))
	h := &regoHandler{name: name, query: query, prepared: prepared}

	switch kind {
	case engine.KindGuard:
		err = set.Guards.Register(name, domain, h.eval)
	case engine.KindCondition:
		err = set.Conditions.Register(name, domain, h.eval)
	}
	if err != nil {
		return nil, err
	}
	return []string{registry.Key{Domain: domain, Name: name}.String()}, nil
}

type regoHandler struct {
	name     string
	query    string
	prepared rego.PreparedEvalQuery
}

// eval reports whether the allow rule is true. An undefined rule is false.
func (h *regoHandler) eval(ctx context.Context, tc *engine.TransitionContext) (bool, error) {
	results, err := h.prepared.Eval(ctx, rego.EvalInput(tc.Snapshot()))
	if err != nil {
		return false, fmt.Errorf("policy evaluation error: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return false, nil
	}
	allowed, ok := results[0].Expressions[0].Value.(bool)
	if !ok {
		return false, fmt.Errorf("%s must be a boolean, got %T", h.query, results[0].Expressions[0].Value)
	}
	return allowed, nil
}

// extractDomain reads a "# domain: <name>" comment from the header comments.
func extractDomain(content string) string {
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if !strings.HasPrefix(trimmed, "#") {
			break
		}
		comment := strings.TrimSpace(strings.TrimPrefix(trimmed, "#"))
		if v, ok := strings.CutPrefix(comment, "domain:"); ok {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
