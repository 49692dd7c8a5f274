// Package filter applies expr rules to feed statuses before they reach the
// diff. Dropped statuses are neither notified nor recorded.
package filter

import (
	"fmt"
	"log/slog"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/bakkerme/repology-notify/internal/core"
)

type Action string

const (
	ActionDrop Action = "drop"
	ActionKeep Action = "keep"
)

// Rule is one named boolean expression and what to do when it matches.
type Rule struct {
	Name   string `yaml:"name"`
	Rule   string `yaml:"rule"`
	Action Action `yaml:"action"`
}

// Env is the variable set a rule is evaluated against.
type Env struct {
	Name            string            `expr:"name"`
	Repository      string            `expr:"repository"`
	Identity        string            `expr:"identity"`
	CurrentVersions []string          `expr:"current_versions"`
	UpstreamVersion string            `expr:"upstream_version"`
	Outdated        bool              `expr:"outdated"`
	Metadata        map[string]string `expr:"metadata"`
}

func envFor(status core.PackageStatus) Env {
	return Env{
		Name:            status.Name,
		Repository:      status.Repository,
		Identity:        status.Identity(),
		CurrentVersions: status.CurrentVersions,
		UpstreamVersion: status.UpstreamVersion,
		Outdated:        status.Outdated,
		Metadata:        status.Metadata,
	}
}

type compiledRule struct {
	rule    Rule
	program *vm.Program
}

type Filter struct {
	logger *slog.Logger
	rules  []compiledRule
}

// Compile checks a single rule without building a filter.
func Compile(rule Rule) (*vm.Program, error) {
	if rule.Name == "" || rule.Rule == "" {
		return nil, fmt.Errorf("filter name and rule are required")
	}
	switch rule.Action {
	case ActionDrop, ActionKeep:
	default:
		return nil, fmt.Errorf("filter %q: unknown action %q (expected drop or keep)", rule.Name, rule.Action)
	}
	program, err := expr.Compile(rule.Rule, expr.Env(Env{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compile filter %q: %w", rule.Name, err)
	}
	return program, nil
}

func New(logger *slog.Logger, rules []Rule) (*Filter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	compiled := make([]compiledRule, 0, len(rules))
	for _, rule := range rules {
		if rule.Action == "" {
			rule.Action = ActionDrop
		}
		program, err := Compile(rule)
		if err != nil {
			return nil, err
		}
		compiled = append(compiled, compiledRule{rule: rule, program: program})
	}
	return &Filter{logger: logger, rules: compiled}, nil
}

// Apply returns the statuses that pass every rule, preserving order. A rule
// that fails at runtime keeps the status and logs the error.
func (f *Filter) Apply(statuses []core.PackageStatus) []core.PackageStatus {
	if f == nil || len(f.rules) == 0 {
		return statuses
	}
	kept := make([]core.PackageStatus, 0, len(statuses))
	for _, status := range statuses {
		if f.keep(status) {
			kept = append(kept, status)
		}
	}
	return kept
}

func (f *Filter) keep(status core.PackageStatus) bool {
	env := envFor(status)
	for _, rule := range f.rules {
		result, err := expr.Run(rule.program, env)
		if err != nil {
			f.logger.Warn("filter rule failed", "filter", rule.rule.Name, "identity", env.Identity, "error", err)
			continue
		}
		matched, _ := result.(bool)
		switch rule.rule.Action {
		case ActionDrop:
			if matched {
				f.logger.Debug("status dropped by filter", "filter", rule.rule.Name, "identity", env.Identity)
				return false
			}
		case ActionKeep:
			if !matched {
				f.logger.Debug("status not kept by filter", "filter", rule.rule.Name, "identity", env.Identity)
				return false
			}
		}
	}
	return true
}
