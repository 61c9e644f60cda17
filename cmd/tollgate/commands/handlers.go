package commands

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tollgate/tollgate/pkg/engine"
	"github.com/tollgate/tollgate/pkg/loader"
	"github.com/tollgate/tollgate/pkg/registry"
)

type handlerEntry struct {
	Kind   engine.HandlerKind `json:"kind"`
	Domain string             `json:"domain"`
	Name   string             `json:"name"`
}

type handlersResult struct {
	ProjectRoot string              `json:"project_root,omitempty"`
	Handlers    []handlerEntry      `json:"handlers"`
	Sources     []loader.Source     `json:"sources"`
	Failures    []map[string]string `json:"failures,omitempty"`
}

func newHandlersCommand() *cobra.Command {
	var (
		kind  string
		watch bool
	)

	cmd := &cobra.Command{
		Use:   "handlers",
		Short: "List registered guards, conditions and actions",
		Long: `List every handler visible after loading the builtin, bundled, project
and override layers, together with the sources they came from.

With --watch, or watch: true in tollgate.yaml, the command keeps running, reloads the layers whenever a
handler source changes, and serves Prometheus metrics when
telemetry.metrics.listen_address is set.`,
		Example: `  # List all handlers
  tollgate handlers

  # Only guards, as JSON
  tollgate handlers --kind guard --json

  # Reload on change while editing .tollgate/guards
  tollgate handlers --watch`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			if err := printHandlers(a.service.Registries(), a.report, engine.HandlerKind(kind)); err != nil {
				return err
			}
			if !cmd.Flags().Changed("watch") {
				watch = a.cfg.Watch
			}
			if !watch {
				return nil
			}

			go func() {
				if err := a.tel.Metrics.Serve(ctx, a.logger); err != nil {
					log.Error().Err(err).Msg("Metrics server failed")
				}
			}()

			err = a.loader.Watch(ctx, func(set *registry.Set, report *loader.Report) {
				a.service.ReplaceRegistries(set)
				if err := printHandlers(set, report, engine.HandlerKind(kind)); err != nil {
					log.Error().Err(err).Msg("Failed to print handlers")
				}
			})
			if err != nil {
				return err
			}

			<-ctx.Done()
			return nil
		},
	}

	cmd.Flags().StringVar(&kind, "kind", "", "only list one kind: guard, condition or action")
	cmd.Flags().BoolVar(&watch, "watch", false, "reload handlers when their sources change (default from tollgate.yaml)")

	return cmd
}

func printHandlers(set *registry.Set, report *loader.Report, kind engine.HandlerKind) error {
	result := handlersResult{ProjectRoot: report.ProjectRoot, Sources: report.Loaded}

	keys := map[engine.HandlerKind][]registry.Key{
		engine.KindGuard:     set.Guards.Keys(),
		engine.KindCondition: set.Conditions.Keys(),
		engine.KindAction:    set.Actions.Keys(),
	}
	for _, k := range loader.Kinds {
		if kind != "" && kind != k {
			continue
		}
		for _, key := range keys[k] {
			result.Handlers = append(result.Handlers, handlerEntry{Kind: k, Domain: key.Domain.String(), Name: key.Name})
		}
	}
	for _, f := range report.Failures {
		result.Failures = append(result.Failures, map[string]string{
			"layer": string(f.Layer),
			"kind":  string(f.Kind),
			"path":  f.Path,
			"error": f.Err.Error(),
		})
	}

	if jsonOutput {
		return printJSON(result)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "KIND\tDOMAIN\tNAME")
	for _, h := range result.Handlers {
		fmt.Fprintf(w, "%s\t%s\t%s\n", h.Kind, h.Domain, h.Name)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if len(result.Sources) > 0 {
		fmt.Println("\nSources:")
		for _, s := range result.Sources {
			fmt.Printf("  [%s] %s %s: %v\n", s.Layer, s.Kind, s.Path, s.Names)
		}
	}
	if len(result.Failures) > 0 {
		fmt.Println("\nFailed sources:")
		for _, f := range result.Failures {
			fmt.Printf("  [%s] %s %s: %s\n", f["layer"], f["kind"], f["path"], f["error"])
		}
	}
	return nil
}
