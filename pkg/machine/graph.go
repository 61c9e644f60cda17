package machine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/tollgate/tollgate/pkg/engine"
)

// Reachable returns the sorted states reachable from the initial states,
// the initial states included. Targets that are not declared states are
// skipped.
func (e *TransitionEngine) Reachable() []string {
	visited := make(map[string]bool, len(e.spec))
	queue := e.InitialStates()
	for _, s := range queue {
		visited[s] = true
	}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, t := range e.spec[current].AllowedTransitions {
			if _, declared := e.spec[t.To]; !declared || visited[t.To] {
				continue
			}
			visited[t.To] = true
			queue = append(queue, t.To)
		}
	}

	out := make([]string, 0, len(visited))
	for s := range visited {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Unreachable returns the sorted states no path from an initial state
// reaches. A spec without initial states reports nothing.
func (e *TransitionEngine) Unreachable() []string {
	if len(e.InitialStates()) == 0 {
		return nil
	}
	reachable := make(map[string]bool)
	for _, s := range e.Reachable() {
		reachable[s] = true
	}

	var out []string
	for _, s := range e.States() {
		if !reachable[s] {
			out = append(out, s)
		}
	}
	return out
}

// DeadEnds returns the sorted non-final states with no outgoing transitions.
func (e *TransitionEngine) DeadEnds() []string {
	return e.statesWhere(func(s engine.State) bool {
		return !s.Final && len(s.AllowedTransitions) == 0
	})
}

// ToDOT renders the lifecycle as a Graphviz digraph. Edges are labelled with
// their guard and conditions.
func (e *TransitionEngine) ToDOT() string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "digraph %q {\n", e.domain.String())
	sb.WriteString("  rankdir=LR;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for _, name := range e.States() {
		state := e.spec[name]
		attrs := []string{fmt.Sprintf("label=%q", name)}
		switch {
		case state.Final:
			attrs = append(attrs, "peripheries=2")
		case state.Initial:
			attrs = append(attrs, `style="filled,rounded"`, `fillcolor="lightgreen"`)
		}
		fmt.Fprintf(&sb, "  %q [%s];\n", name, strings.Join(attrs, ", "))
	}
	sb.WriteString("\n")

	for _, name := range e.States() {
		for _, t := range e.spec[name].AllowedTransitions {
			label := edgeLabel(t)
			if label == "" {
				fmt.Fprintf(&sb, "  %q -> %q;\n", name, t.To)
				continue
			}
			fmt.Fprintf(&sb, "  %q -> %q [label=%q];\n", name, t.To, label)
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

func edgeLabel(t engine.Transition) string {
	var parts []string
	if t.Guard != "" {
		parts = append(parts, "guard: "+t.Guard)
	}
	for _, c := range t.Conditions {
		names := make([]string, 0, len(c.Or)+1)
		if c.Name != "" {
			names = append(names, c.Name)
		}
		for _, alt := range c.Or {
			names = append(names, alt.Name)
		}
		parts = append(parts, "if: "+strings.Join(names, " | "))
	}
	return strings.Join(parts, "\n")
}
