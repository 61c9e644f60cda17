package machine

import (
	"reflect"
	"strings"
	"testing"

	"github.com/tollgate/tollgate/pkg/engine"
)

func TestReachability(t *testing.T) {
	spec := taskSpec()
	spec["archived"] = engine.State{Final: true}
	spec["blocked"] = engine.State{
		AllowedTransitions: []engine.Transition{{To: "wip"}},
	}
	spec["stuck"] = engine.State{}
	wip := spec["wip"]
	wip.AllowedTransitions = append(wip.AllowedTransitions, engine.Transition{To: "stuck"}, engine.Transition{To: "nowhere"})
	spec["wip"] = wip

	e := New(engine.DomainTask, spec, nil)

	if got, want := e.Reachable(), []string{"cancelled", "done", "stuck", "todo", "wip"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Reachable() = %v, want %v", got, want)
	}
	if got, want := e.Unreachable(), []string{"archived", "blocked"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Unreachable() = %v, want %v", got, want)
	}
	if got, want := e.DeadEnds(), []string{"stuck"}; !reflect.DeepEqual(got, want) {
		t.Errorf("DeadEnds() = %v, want %v", got, want)
	}
}

func TestUnreachableWithoutInitialStates(t *testing.T) {
	e := New(engine.DomainQA, engine.StateSpec{
		"pending": {AllowedTransitions: []engine.Transition{{To: "passed"}}},
		"passed":  {Final: true},
	}, nil)

	if got := e.Unreachable(); len(got) != 0 {
		t.Errorf("Unreachable() = %v, want nothing when no state is initial", got)
	}
}

func TestToDOT(t *testing.T) {
	spec := taskSpec()
	wip := spec["wip"]
	wip.AllowedTransitions[0].Conditions = []engine.ConditionSpec{
		{Name: "all_work_complete", Or: []engine.ConditionAlternative{{Name: "qa_approved"}}},
	}
	spec["wip"] = wip

	dot := New(engine.DomainTask, spec, nil).ToDOT()

	for _, want := range []string{
		`digraph "task" {`,
		`"todo" [label="todo", style="filled,rounded", fillcolor="lightgreen"];`,
		`"done" [label="done", peripheries=2];`,
		`"todo" -> "wip" [label="guard: can_start_task"];`,
		`"wip" -> "done" [label="if: all_work_complete | qa_approved"];`,
		`"wip" -> "todo";`,
	} {
		if !strings.Contains(dot, want) {
			t.Errorf("DOT output missing %q:\n%s", want, dot)
		}
	}
}
