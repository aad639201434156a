package policy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"process-intel/internal/models"
)

// Efficiency below this appends the optimization actions. Exclusive bound:
// a score of exactly 70 does not fire.
const lowEfficiencyThreshold = 70

// Rule appends actions when an event's (source, type) pair matches.
type Rule struct {
	Source  string   `yaml:"source"`
	Type    string   `yaml:"type"`
	Actions []string `yaml:"actions"`
}

type rulesFile struct {
	Rules []Rule `yaml:"rules"`
}

// Policy derives follow-up actions from an assessment. Derivation is pure:
// identical inputs always yield the identical ordered action list.
type Policy struct {
	rules []Rule
}

// Default returns the policy with the compiled-in dispatch table.
func Default() *Policy {
	return &Policy{rules: []Rule{
		{Source: "slack", Type: "approval_request", Actions: []string{"create_asana_task", "set_reminder"}},
		{Source: "salesforce", Type: "opportunity_update", Actions: []string{"update_pipeline_forecast", "notify_sales_team"}},
		{Source: "asana", Type: "task_completion", Actions: []string{"trigger_next_step", "update_project_status"}},
	}}
}

// Load reads a YAML rules file overriding the dispatch table. An empty path
// returns the default policy.
func Load(path string) (*Policy, error) {
	if path == "" {
		return Default(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read action rules file: %w", err)
	}
	var f rulesFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse action rules file: %w", err)
	}
	if len(f.Rules) == 0 {
		return Default(), nil
	}
	return &Policy{rules: f.Rules}, nil
}

// DeriveActions evaluates the rule groups in order: efficiency-driven
// actions first, bottleneck-driven second, source/type dispatch last.
// An event matching no dispatch rule contributes nothing at that step.
func (p *Policy) DeriveActions(event models.ProcessEvent, assessment models.Assessment) []string {
	actions := []string{}

	if assessment.EfficiencyScore < lowEfficiencyThreshold {
		actions = append(actions, "trigger_optimization_workflow", "notify_process_owner")
	}

	if len(assessment.Bottlenecks) > 0 {
		actions = append(actions, "create_bottleneck_alert", "suggest_automation_opportunities")
	}

	for _, r := range p.rules {
		if r.Source == event.Source && r.Type == event.Type {
			actions = append(actions, r.Actions...)
		}
	}

	return actions
}
