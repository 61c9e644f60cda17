package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tollgate/tollgate/pkg/engine"
)

type stateMachineView struct {
	Domain      string              `json:"domain"`
	States      []string            `json:"states"`
	Initial     []string            `json:"initial"`
	Final       []string            `json:"final"`
	Transitions map[string][]string `json:"transitions"`
}

func newStatesCommand() *cobra.Command {
	var dot bool

	cmd := &cobra.Command{
		Use:   "states [domain]",
		Short: "Show the registered state machines",
		Long: `Show each registered domain's states, initial and final states, and the
targets reachable from every state.`,
		Example: `  # All domains
  tollgate states

  # One domain as JSON
  tollgate states task --json

  # Render a lifecycle with Graphviz
  tollgate states task --dot | dot -Tsvg > task.svg`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			domains := a.service.Domains()
			if len(args) == 1 {
				domains = []engine.Domain{engine.Domain(args[0])}
			}

			var views []stateMachineView
			for _, d := range domains {
				e, ok := a.service.Engine(d)
				if !ok {
					return fmt.Errorf("no state machine registered for domain %q", d)
				}
				if dot {
					fmt.Print(e.ToDOT())
					continue
				}
				views = append(views, stateMachineView{
					Domain:      d.String(),
					States:      e.States(),
					Initial:     e.InitialStates(),
					Final:       e.FinalStates(),
					Transitions: e.TransitionsMap(),
				})
			}

			if dot {
				return nil
			}
			if jsonOutput {
				return printJSON(views)
			}
			for i, v := range views {
				if i > 0 {
					fmt.Println()
				}
				fmt.Printf("%s\n", v.Domain)
				fmt.Printf("  initial: %s\n", strings.Join(v.Initial, ", "))
				fmt.Printf("  final:   %s\n", strings.Join(v.Final, ", "))
				for _, s := range v.States {
					fmt.Printf("  %s -> %s\n", s, strings.Join(v.Transitions[s], ", "))
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&dot, "dot", false, "print Graphviz DOT instead of a summary")

	return cmd
}
