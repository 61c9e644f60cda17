package commands

import (
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tollgate/tollgate/pkg/config"
	"github.com/tollgate/tollgate/pkg/engine"
	"github.com/tollgate/tollgate/pkg/loader"
	"github.com/tollgate/tollgate/pkg/machine"
	"github.com/tollgate/tollgate/pkg/registry"
)

type validateResult struct {
	Specs    []string                 `json:"specs"`
	Domains  []string                 `json:"domains"`
	Problems []config.ValidationError `json:"problems,omitempty"`
	Valid    bool                     `json:"valid"`
}

func newValidateCommand() *cobra.Command {
	var strict bool

	cmd := &cobra.Command{
		Use:   "validate [spec paths...]",
		Short: "Validate state machine specs and handler references",
		Long: `Validate state machine specs against the schema and the loaded handlers.

This command checks:
  - YAML/JSON/CUE syntax
  - Schema conformance (unknown keys, missing targets, empty names)
  - Conditions that have neither a name nor alternatives
  - Transitions to undeclared states (warning)
  - States unreachable from any initial state, and non-final dead ends (warning)
  - Guards, conditions and actions no handler layer provides (warning)`,
		Example: `  # Validate the specs listed in tollgate.yaml
  tollgate validate

  # Validate specific files, treating warnings as errors
  tollgate validate --strict ./specs/task.yaml ./specs/qa.cue`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadAppConfig()
			if err != nil {
				return err
			}
			paths := args
			if len(paths) == 0 {
				paths = cfg.Specs
			}

			log.Info().Strs("specs", paths).Bool("strict", strict).Msg("Validating specs")

			result := validateResult{Specs: paths}
			specs, err := config.LoadSpecs(paths...)
			if err != nil {
				var verrs config.ValidationErrors
				if !errors.As(err, &verrs) {
					return err
				}
				result.Problems = verrs
				return finishValidate(result, strict)
			}
			for _, domain := range sortedDomains(specs) {
				result.Domains = append(result.Domains, domain.String())
			}

			set, report, err := loader.New(cfg.Loader, log.Logger).Load(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to load handlers: %w", err)
			}
			for _, f := range report.Failures {
				result.Problems = append(result.Problems, config.ValidationError{
					File:     f.Path,
					Message:  fmt.Sprintf("%s %s failed to load: %v", f.Layer, f.Kind, f.Err),
					Severity: config.SeverityWarning,
				})
			}
			result.Problems = append(result.Problems, config.CheckHandlers(specs, set)...)
			result.Problems = append(result.Problems, graphProblems(specs, set)...)

			return finishValidate(result, strict)
		},
	}

	cmd.Flags().BoolVar(&strict, "strict", false, "treat warnings as errors")

	return cmd
}

// graphProblems warns about states no initial state leads to and non-final
// states with no way out.
func graphProblems(specs map[engine.Domain]engine.StateSpec, set *registry.Set) []config.ValidationError {
	var out []config.ValidationError
	for _, domain := range sortedDomains(specs) {
		e := machine.New(domain, specs[domain], set)
		for _, s := range e.Unreachable() {
			out = append(out, config.ValidationError{
				Path:     fmt.Sprintf("statemachine.%s.states.%s", domain, s),
				Message:  "state is unreachable from every initial state",
				Severity: config.SeverityWarning,
			})
		}
		for _, s := range e.DeadEnds() {
			out = append(out, config.ValidationError{
				Path:     fmt.Sprintf("statemachine.%s.states.%s", domain, s),
				Message:  "non-final state has no outgoing transitions",
				Severity: config.SeverityWarning,
			})
		}
	}
	return out
}

func sortedDomains(specs map[engine.Domain]engine.StateSpec) []engine.Domain {
	out := make([]engine.Domain, 0, len(specs))
	for d := range specs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func finishValidate(result validateResult, strict bool) error {
	problems := config.ValidationErrors(result.Problems)
	result.Valid = !problems.HasErrors() && (!strict || len(problems) == 0)

	if jsonOutput {
		if err := printJSON(result); err != nil {
			return err
		}
	} else {
		for _, p := range problems {
			fmt.Printf("%-7s %s\n", p.Severity, p.String())
		}
		if result.Valid {
			fmt.Printf("✓ %d domain(s) valid: %v\n", len(result.Domains), result.Domains)
		}
	}

	if !result.Valid {
		return fmt.Errorf("%w: %d problem(s) found", errRejected, len(problems))
	}
	return nil
}
