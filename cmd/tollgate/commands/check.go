package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tollgate/tollgate/pkg/engine"
)

type checkResult struct {
	Domain  string `json:"domain"`
	From    string `json:"from"`
	To      string `json:"to"`
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

func newCheckCommand() *cobra.Command {
	var (
		contextFile string
		values      []string
	)

	cmd := &cobra.Command{
		Use:   "check <domain> <from> <to>",
		Short: "Check whether a transition is allowed without running actions",
		Long: `Check whether an entity in <from> may move to <to>.

The guard and conditions are evaluated against the given context. Before
actions run because guards may depend on them; after actions never run.
Domains without a registered spec allow every transition.

The command exits with status 2 when the transition is refused.`,
		Example: `  # Check a guarded transition
  tollgate check task todo wip --set task.allowed=true

  # Check with a context file
  tollgate check task wip done --context ./ctx.yaml`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			tc, err := parseContext(contextFile, values)
			if err != nil {
				return err
			}

			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			domain, from, to := engine.Domain(args[0]), args[1], args[2]
			allowed, reason := a.service.ValidateTransition(cmd.Context(), domain, from, to, tc)

			result := checkResult{Domain: domain.String(), From: from, To: to, Allowed: allowed, Reason: reason}
			if jsonOutput {
				if err := printJSON(result); err != nil {
					return err
				}
			} else if allowed {
				fmt.Printf("✓ %s: %s -> %s allowed\n", domain, from, to)
			} else {
				fmt.Printf("✗ %s: %s -> %s refused: %s\n", domain, from, to, reason)
			}

			if !allowed {
				return fmt.Errorf("%w: %s", errRejected, reason)
			}
			return nil
		},
	}

	addContextFlags(cmd, &contextFile, &values)

	return cmd
}

func addContextFlags(cmd *cobra.Command, file *string, values *[]string) {
	cmd.Flags().StringVar(file, "context", "", "YAML or JSON file with the transition context")
	cmd.Flags().StringArrayVar(values, "set", nil, "context value as key=value; dotted keys nest (repeatable)")
}
