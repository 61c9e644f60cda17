package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"github.com/tollgate/tollgate/pkg/engine"
	"github.com/tollgate/tollgate/pkg/registry"
)

// SpecExtensions lists the file extensions LoadSpecFile understands.
var SpecExtensions = []string{".yaml", ".yml", ".json", ".cue"}

var validate = validator.New()

// DecodeMachines decodes the value under a document's statemachine key into
// per-domain tables and validates them.
func DecodeMachines(raw map[string]any) (map[engine.Domain]engine.StateSpec, error) {
	var doc Document
	if err := decode(map[string]any{"statemachine": raw}, &doc); err != nil {
		return nil, err
	}
	if errs := checkDocument(doc, ""); errs.HasErrors() {
		return nil, errs
	}
	return doc.Specs(), nil
}

// ParseSpec parses a YAML or JSON spec document.
func ParseSpec(data []byte, file string) (map[engine.Domain]engine.StateSpec, error) {
	var raw map[string]any
	if strings.EqualFold(filepath.Ext(file), ".json") {
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", file, err)
		}
	} else if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", file, err)
	}
	if raw == nil {
		return nil, ValidationErrors{{File: file, Message: "document is empty", Severity: SeverityError}}
	}

	if errs := DefaultSchema().Validate(raw, file); len(errs) > 0 {
		return nil, errs
	}
	return decodeDocument(raw, file)
}

// LoadSpecFile reads a spec document from disk. The format follows the
// extension: .yaml, .yml, .json or .cue.
func LoadSpecFile(path string) (map[engine.Domain]engine.StateSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read spec file: %w", err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml", ".json":
		return ParseSpec(data, path)
	case ".cue":
		raw, errs := DefaultSchema().CompileCUE(data, path)
		if len(errs) > 0 {
			return nil, errs
		}
		return decodeDocument(raw, path)
	default:
		return nil, fmt.Errorf("unsupported spec format %q", ext)
	}
}

// LoadSpecs loads and merges several spec files or directories. A domain
// defined twice is an error.
func LoadSpecs(paths ...string) (map[engine.Domain]engine.StateSpec, error) {
	out := make(map[engine.Domain]engine.StateSpec)
	origin := make(map[engine.Domain]string)

	for _, p := range paths {
		files, err := specFiles(p)
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			specs, err := LoadSpecFile(f)
			if err != nil {
				return nil, err
			}
			for domain, spec := range specs {
				if prev, ok := origin[domain]; ok {
					return nil, fmt.Errorf("domain %q defined in both %s and %s", domain, prev, f)
				}
				out[domain] = spec
				origin[domain] = f
			}
		}
	}
	return out, nil
}

func specFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat spec path: %w", err)
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read spec directory: %w", err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !isSpecFile(e.Name()) {
			continue
		}
		files = append(files, filepath.Join(path, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}

func isSpecFile(name string) bool {
	if strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_") {
		return false
	}
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range SpecExtensions {
		if ext == e {
			return true
		}
	}
	return false
}

func decodeDocument(raw map[string]any, file string) (map[engine.Domain]engine.StateSpec, error) {
	var doc Document
	if err := decode(raw, &doc); err != nil {
		return nil, fmt.Errorf("%s: %w", file, err)
	}
	if errs := checkDocument(doc, file); errs.HasErrors() {
		return nil, errs
	}
	return doc.Specs(), nil
}

func decode(raw map[string]any, doc *Document) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:      doc,
		ErrorUnused: true,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(raw); err != nil {
		return fmt.Errorf("failed to decode spec: %w", err)
	}
	return nil
}

// checkDocument runs the struct validation plus the rules tags cannot express.
func checkDocument(doc Document, file string) ValidationErrors {
	var errs ValidationErrors

	if err := validate.Struct(doc); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return ValidationErrors{{File: file, Message: err.Error(), Severity: SeverityError}}
		}
		for _, fe := range verrs {
			errs = append(errs, ValidationError{
				File:     file,
				Path:     fe.Namespace(),
				Message:  fmt.Sprintf("failed on the %q rule", fe.Tag()),
				Severity: SeverityError,
			})
		}
	}

	for _, domain := range sortedKeys(doc.StateMachine) {
		states := doc.StateMachine[domain].States
		for _, name := range sortedKeys(states) {
			for i, t := range states[name].AllowedTransitions {
				path := fmt.Sprintf("statemachine.%s.states.%s.allowed_transitions[%d]", domain, name, i)
				for j, c := range t.Conditions {
					if c.Name == "" && len(c.Or) == 0 {
						errs = append(errs, ValidationError{
							File:     file,
							Path:     fmt.Sprintf("%s.conditions[%d]", path, j),
							Message:  "condition needs a name or an or list",
							Severity: SeverityError,
						})
					}
				}
				if _, ok := states[t.To]; !ok {
					errs = append(errs, ValidationError{
						File:     file,
						Path:     path,
						Message:  fmt.Sprintf("target state %q is not declared", t.To),
						Severity: SeverityWarning,
					})
				}
			}
		}
	}
	return errs
}

// CheckHandlers reports every guard, condition or action a spec names that
// the set cannot resolve for its domain. The engine treats these as
// rejections at runtime, so they are warnings here.
func CheckHandlers(specs map[engine.Domain]engine.StateSpec, set *registry.Set) ValidationErrors {
	var out ValidationErrors
	domains := make([]string, 0, len(specs))
	for d := range specs {
		domains = append(domains, string(d))
	}
	sort.Strings(domains)

	for _, d := range domains {
		domain := engine.Domain(d)
		states := specs[domain]
		for _, name := range sortedKeys(states) {
			for i, t := range states[name].AllowedTransitions {
				path := fmt.Sprintf("statemachine.%s.states.%s.allowed_transitions[%d]", d, name, i)
				missing := func(kind engine.HandlerKind, handler string) {
					out = append(out, ValidationError{
						Path:     path,
						Message:  fmt.Sprintf("unknown %s %q", kind, handler),
						Severity: SeverityWarning,
					})
				}
				if t.Guard != "" && !set.Guards.Has(t.Guard, domain) {
					missing(engine.KindGuard, t.Guard)
				}
				for _, c := range t.Conditions {
					if c.Name != "" && !set.Conditions.Has(c.Name, domain) {
						missing(engine.KindCondition, c.Name)
					}
					for _, alt := range c.Or {
						if !set.Conditions.Has(alt.Name, domain) {
							missing(engine.KindCondition, alt.Name)
						}
					}
				}
				for _, a := range t.Actions {
					if !set.Actions.Has(a.Name, domain) {
						missing(engine.KindAction, a.Name)
					}
				}
			}
		}
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
