// Package policy evaluates approval policies against resolved invocations.
//
// Rules live under the `policies:` key of the catalog YAML file. Each rule
// carries an expr condition over the invocation (command, tool, args,
// project_id, risk, source, actor) compiled once at load. A firing rule with
// require_approval forces the gate exactly like the caller's own flag.
//
// Evaluation errors fail closed: a rule that cannot be evaluated is treated
// as matching, so a broken condition can only ever add gating, not remove it.
package policy

import (
	"fmt"
	"os"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Input is what a rule condition can see.
type Input struct {
	Command   string
	Tool      string
	Args      map[string]interface{}
	ProjectID string
	Risk      string
	Source    string
	Actor     string
}

type rule struct {
	Name            string
	RequireApproval bool
	program         *vm.Program
}

// Engine holds the compiled rule list, immutable after Load.
type Engine struct {
	rules []rule
}

type ruleSpec struct {
	Name            string `yaml:"name"`
	When            string `yaml:"when"`
	RequireApproval bool   `yaml:"require_approval"`
}

// Load compiles the policies from the given YAML file. An empty path or a
// file without a policies key yields an engine that never forces approval.
func Load(path string) (*Engine, error) {
	e := &Engine{}
	if path == "" {
		return e, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	var doc struct {
		Policies []ruleSpec `yaml:"policies"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse policy file %s: %w", path, err)
	}

	for i, spec := range doc.Policies {
		if spec.Name == "" {
			return nil, fmt.Errorf("policy file %s: rule %d: missing name", path, i)
		}
		if spec.When == "" {
			return nil, fmt.Errorf("policy file %s: rule %q: missing when", path, spec.Name)
		}
		program, err := expr.Compile(spec.When,
			expr.Env(map[string]interface{}{}),
			expr.AllowUndefinedVariables(),
			expr.AsBool(),
		)
		if err != nil {
			return nil, fmt.Errorf("policy file %s: rule %q: %w", path, spec.Name, err)
		}
		e.rules = append(e.rules, rule{
			Name:            spec.Name,
			RequireApproval: spec.RequireApproval,
			program:         program,
		})
	}

	if len(e.rules) > 0 {
		log.Info().Int("rules", len(e.rules)).Str("file", path).Msg("Approval policies loaded")
	}
	return e, nil
}

// Count returns the number of loaded rules.
func (e *Engine) Count() int { return len(e.rules) }

// RequiresApproval reports whether any rule forces approval for the given
// invocation, and the name of the first rule that fired.
func (e *Engine) RequiresApproval(in Input) (bool, string) {
	if len(e.rules) == 0 {
		return false, ""
	}

	env := map[string]interface{}{
		"command":    in.Command,
		"tool":       in.Tool,
		"args":       in.Args,
		"project_id": in.ProjectID,
		"risk":       in.Risk,
		"source":     in.Source,
		"actor":      in.Actor,
	}

	for _, r := range e.rules {
		if !r.RequireApproval {
			continue
		}
		out, err := expr.Run(r.program, env)
		if err != nil {
			log.Warn().Err(err).Str("rule", r.Name).Str("command", in.Command).
				Msg("Policy evaluation failed, failing closed")
			return true, r.Name
		}
		if matched, ok := out.(bool); ok && matched {
			return true, r.Name
		}
	}
	return false, ""
}
