package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tollgate/tollgate/pkg/engine"
	"github.com/tollgate/tollgate/pkg/stores"
	"github.com/tollgate/tollgate/pkg/transitions"
)

func newTransitionCommand() *cobra.Command {
	var (
		from        string
		contextFile string
		values      []string
		skipHistory bool
	)

	cmd := &cobra.Command{
		Use:   "transition <domain> <entity-id> <to>",
		Short: "Validate and commit an entity transition",
		Long: `Validate an entity transition, run its actions and commit it.

The current state comes from --from, or from the store when it is enabled.
A committed transition is appended to the entity's history and emitted as a
transition.committed audit event; a refused one emits transition.rejected.

The command exits with status 2 when the transition is refused.`,
		Example: `  # Start a task tracked in the store
  tollgate transition task T-42 wip --set task.allowed=true

  # Finish a session, stating the current state explicitly
  tollgate transition session S-1 closed --from open --set session.id=S-1`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			tc, err := parseContext(contextFile, values)
			if err != nil {
				return err
			}

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			req := transitions.TransitionRequest{
				Domain:      engine.Domain(args[0]),
				EntityID:    args[1],
				From:        from,
				To:          args[2],
				Context:     tc,
				SkipHistory: skipHistory,
			}

			if req.From == "" && a.store != nil {
				st, err := a.store.GetEntityState(ctx, req.Domain, req.EntityID)
				switch {
				case err == nil:
					req.From = st.State
				case errors.Is(err, stores.ErrNotFound):
					log.Debug().Str("entity_id", req.EntityID).Msg("Entity not tracked yet")
				default:
					return err
				}
			}

			result, err := a.service.TransitionEntity(ctx, req)
			if err != nil {
				var terr *engine.EntityTransitionError
				if errors.As(err, &terr) {
					if jsonOutput {
						_ = printJSON(map[string]any{
							"domain":    req.Domain.String(),
							"entity_id": req.EntityID,
							"from":      req.From,
							"to":        req.To,
							"allowed":   false,
							"reason":    terr.Reason,
							"code":      engine.ErrorCode(terr.Err),
						})
					} else {
						fmt.Printf("✗ %s\n", terr.Error())
					}
					return fmt.Errorf("%w: %s", errRejected, terr.Reason)
				}
				return err
			}
			if result.History == nil && a.store != nil && result.State != result.PreviousState {
				if err := a.store.SetEntityState(ctx, req.Domain, req.EntityID, result.State); err != nil {
					return err
				}
			}

			if jsonOutput {
				return printJSON(result)
			}
			fmt.Printf("✓ %s %s: %s -> %s\n", req.Domain, req.EntityID, result.PreviousState, result.State)
			for _, action := range result.ActionsExecuted {
				fmt.Printf("  action: %s\n", action)
			}
			if result.History != nil {
				fmt.Printf("  history: %s\n", result.History.ID)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&from, "from", "", "current state (default: the state recorded in the store)")
	cmd.Flags().BoolVar(&skipHistory, "no-history", false, "do not record a history entry")
	addContextFlags(cmd, &contextFile, &values)

	return cmd
}
