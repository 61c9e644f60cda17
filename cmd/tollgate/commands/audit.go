package commands

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tollgate/tollgate/pkg/engine"
	"github.com/tollgate/tollgate/pkg/stores"
)

func newAuditCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect recorded audit events",
		Long: `Inspect audit events recorded by the SQLite store or the Redis stream.

Events are guard.check, guard.blocked, guard.error, transition.committed and
transition.rejected.`,
	}

	cmd.AddCommand(newAuditListCommand())
	cmd.AddCommand(newAuditTailCommand())
	cmd.AddCommand(newAuditPruneCommand())
	cmd.AddCommand(newAuditHistoryCommand())

	return cmd
}

func newAuditListCommand() *cobra.Command {
	var (
		domain   string
		entityID string
		typ      string
		since    time.Duration
		limit    int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List audit events from the store, newest first",
		Example: `  # Last 20 rejections for task T-42
  tollgate audit list --domain task --entity T-42 --type transition.rejected --limit 20

  # Everything from the last hour
  tollgate audit list --since 1h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close(context.Background())
			if a.store == nil {
				return errStoreDisabled
			}

			q := stores.AuditQuery{
				Domain:   engine.Domain(domain),
				EntityID: entityID,
				Type:     typ,
				Limit:    limit,
			}
			if since > 0 {
				q.Since = time.Now().Add(-since)
			}

			events, err := a.store.ListAuditEvents(cmd.Context(), q)
			if err != nil {
				return err
			}
			return printEvents(events)
		},
	}

	cmd.Flags().StringVar(&domain, "domain", "", "filter by domain")
	cmd.Flags().StringVar(&entityID, "entity", "", "filter by entity ID")
	cmd.Flags().StringVar(&typ, "type", "", "filter by event type")
	cmd.Flags().DurationVar(&since, "since", 0, "only events newer than this duration")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of events (0 for all)")

	return cmd
}

func newAuditTailCommand() *cobra.Command {
	var count int64

	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the newest events from the Redis audit stream",
		Example: `  tollgate audit tail --count 10`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close(context.Background())
			if a.redis == nil {
				return fmt.Errorf("the Redis sink is disabled; set audit.redis.enabled in tollgate.yaml")
			}

			events, err := a.redis.Recent(cmd.Context(), count)
			if err != nil {
				return err
			}
			return printEvents(events)
		},
	}

	cmd.Flags().Int64Var(&count, "count", 20, "number of events to show")

	return cmd
}

func newAuditPruneCommand() *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:     "prune",
		Short:   "Delete stored audit events older than a retention period",
		Example: `  tollgate audit prune --older-than 720h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close(context.Background())
			if a.store == nil {
				return errStoreDisabled
			}

			n, err := a.store.PruneAuditEvents(cmd.Context(), time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			log.Info().Int64("deleted", n).Dur("older_than", olderThan).Msg("Pruned audit events")
			if jsonOutput {
				return printJSON(map[string]int64{"deleted": n})
			}
			fmt.Printf("✓ Deleted %d audit event(s)\n", n)
			return nil
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "retention period")

	return cmd
}

func newAuditHistoryCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:     "history <domain> <entity-id>",
		Short:   "Show an entity's committed transitions, oldest first",
		Example: `  tollgate audit history task T-42`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close(context.Background())
			if a.store == nil {
				return errStoreDisabled
			}

			records, err := a.store.ListHistory(cmd.Context(), engine.Domain(args[0]), args[1], limit)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(records)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tFROM\tTO\tID")
			for _, r := range records {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.Timestamp.Format(time.RFC3339), r.From, r.To, r.ID)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of entries (0 for all)")

	return cmd
}

func printEvents(events []engine.AuditEvent) error {
	if jsonOutput {
		return printJSON(events)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tTYPE\tDOMAIN\tENTITY\tFROM\tTO\tDETAIL")
	for _, ev := range events {
		detail := ev.Error
		if detail == "" && ev.Guard != "" {
			detail = "guard=" + ev.Guard
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			ev.Timestamp.Format(time.RFC3339), ev.Type, ev.Domain, ev.EntityID, ev.From, ev.To, detail)
	}
	return w.Flush()
}
