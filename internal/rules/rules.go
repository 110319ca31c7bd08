// Package rules evaluates CEL predicates against decoded record fields.
package rules

import (
	"errors"
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/ext"
)

// defaultCostLimit bounds evaluation work per rule so a pathological
// expression cannot stall a decoder.
const defaultCostLimit = 100_000

// Rule is a named boolean CEL expression over the variable "fields".
type Rule struct {
	Name       string `yaml:"name"`
	Expression string `yaml:"expr"`
}

type program struct {
	name string
	prg  cel.Program
}

// Set is a compiled, immutable list of rules. A nil *Set accepts everything.
type Set struct {
	programs []program
}

// Compile compiles every rule up front. Expressions that do not produce a
// bool are rejected here rather than at evaluation time.
func Compile(rules []Rule) (*Set, error) {
	if len(rules) == 0 {
		return nil, nil
	}

	env, err := cel.NewEnv(
		cel.Variable("fields", cel.MapType(cel.StringType, cel.DynType)),
		ext.Strings(),
		ext.Math(),
	)
	if err != nil {
		return nil, fmt.Errorf("cel env: %w", err)
	}

	var errs []error
	set := &Set{}
	for i, r := range rules {
		name := r.Name
		if name == "" {
			name = fmt.Sprintf("rule-%d", i)
		}

		ast, issues := env.Compile(r.Expression)
		if issues != nil && issues.Err() != nil {
			errs = append(errs, fmt.Errorf("rule %q: cel compile: %w", name, issues.Err()))
			continue
		}
		if out := ast.OutputType(); !out.IsExactType(types.BoolType) && !out.IsExactType(types.DynType) {
			errs = append(errs, fmt.Errorf("rule %q: expression must return bool, got %s", name, out))
			continue
		}

		prg, err := env.Program(ast, cel.CostLimit(defaultCostLimit))
		if err != nil {
			errs = append(errs, fmt.Errorf("rule %q: cel program: %w", name, err))
			continue
		}
		set.programs = append(set.programs, program{name: name, prg: prg})
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return set, nil
}

// Len returns the number of compiled rules.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.programs)
}

// Check evaluates rules in declaration order and returns the first rejection.
func (s *Set) Check(fields map[string]any) error {
	if s == nil {
		return nil
	}
	activation := map[string]any{"fields": fields}
	for _, p := range s.programs {
		out, _, err := p.prg.Eval(activation)
		if err != nil {
			return fmt.Errorf("rule %q: cel eval: %w", p.name, err)
		}
		ok, isBool := out.Value().(bool)
		if !isBool {
			return fmt.Errorf("rule %q: expected bool result, got %T", p.name, out.Value())
		}
		if !ok {
			return fmt.Errorf("rule %q rejected record", p.name)
		}
	}
	return nil
}
