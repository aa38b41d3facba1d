package gateflow

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strings"
)

type PolicyVerdict string

const (
	PolicyAllow PolicyVerdict = "allow"
	PolicyDeny  PolicyVerdict = "deny"
)

// PolicyDecision is produced fresh for every dispatch attempt and is kept only in the
// execution's event history.
type PolicyDecision struct {
	StepID  string        `json:"step_id"`
	Verdict PolicyVerdict `json:"verdict"`
	Reason  string        `json:"reason,omitempty"`
}

func (d PolicyDecision) Allowed() bool {
	return d.Verdict == PolicyAllow
}

func Allow(stepID string) PolicyDecision {
	return PolicyDecision{StepID: stepID, Verdict: PolicyAllow}
}

func Deny(stepID, reason string) PolicyDecision {
	return PolicyDecision{StepID: stepID, Verdict: PolicyDeny, Reason: reason}
}

// PolicyGate is consulted synchronously before each dispatch. A deny aborts the whole
// execution.
type PolicyGate interface {
	Decide(ctx context.Context, step *StepDefinition, input json.RawMessage) PolicyDecision
}

type PolicyGateFunc func(ctx context.Context, step *StepDefinition, input json.RawMessage) PolicyDecision

func (f PolicyGateFunc) Decide(ctx context.Context, step *StepDefinition, input json.RawMessage) PolicyDecision {
	return f(ctx, step, input)
}

type AllowAllGate struct{}

func (AllowAllGate) Decide(_ context.Context, step *StepDefinition, _ json.RawMessage) PolicyDecision {
	return Allow(step.ID)
}

type PolicyMode string

const (
	PolicyModeAllowAll      PolicyMode = "allow-all"
	PolicyModeDenyByDefault PolicyMode = "deny-by-default"
)

type PolicyEffect string

const (
	EffectAllow PolicyEffect = "allow"
	EffectDeny  PolicyEffect = "deny"
)

// PolicyRule matches when every non-empty criterion matches. Input substrings are
// compared case-insensitively against the resolved input JSON.
type PolicyRule struct {
	Name          string       `json:"name,omitempty" yaml:"name" mapstructure:"name"`
	Priority      int          `json:"priority,omitempty" yaml:"priority" mapstructure:"priority"`
	Effect        PolicyEffect `json:"effect,omitempty" yaml:"effect" mapstructure:"effect"`
	Reason        string       `json:"reason,omitempty" yaml:"reason" mapstructure:"reason"`
	Activities    []string     `json:"activities,omitempty" yaml:"activities" mapstructure:"activities"`
	Steps         []string     `json:"steps,omitempty" yaml:"steps" mapstructure:"steps"`
	InputContains []string     `json:"inputContains,omitempty" yaml:"inputContains" mapstructure:"input_contains"`
}

type PolicyRuleSet struct {
	Mode              PolicyMode   `json:"mode,omitempty" yaml:"mode" mapstructure:"mode"`
	DefaultDenyReason string       `json:"defaultDenyReason,omitempty" yaml:"defaultDenyReason" mapstructure:"default_deny_reason"`
	Rules             []PolicyRule `json:"rules,omitempty" yaml:"rules" mapstructure:"rules"`
}

// DefaultPolicyRules denies any work whose input mentions "forbidden".
func DefaultPolicyRules() PolicyRuleSet {
	return PolicyRuleSet{
		Mode: PolicyModeAllowAll,
		Rules: []PolicyRule{
			{
				Name:          "forbidden-keyword",
				Priority:      100,
				Effect:        EffectDeny,
				Reason:        "input contains forbidden content",
				InputContains: []string{"forbidden"},
			},
		},
	}
}

type RuleGate struct {
	mode              PolicyMode
	defaultDenyReason string
	rules             []PolicyRule
}

func NewRuleGate(set PolicyRuleSet) (*RuleGate, error) {
	mode := set.Mode
	if mode == "" {
		mode = PolicyModeAllowAll
	}
	switch mode {
	case PolicyModeAllowAll, PolicyModeDenyByDefault:
	default:
		return nil, fmt.Errorf("unsupported policy mode %q", mode)
	}

	rules := append([]PolicyRule(nil), set.Rules...)
	for i := range rules {
		if rules[i].Effect == "" {
			rules[i].Effect = EffectDeny
		}
		switch rules[i].Effect {
		case EffectAllow, EffectDeny:
		default:
			return nil, fmt.Errorf("policy rule %d (%q): unsupported effect %q", i, rules[i].Name, rules[i].Effect)
		}
	}
	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].Priority > rules[j].Priority
	})

	reason := strings.TrimSpace(set.DefaultDenyReason)
	if reason == "" {
		reason = "blocked by policy"
	}

	return &RuleGate{mode: mode, defaultDenyReason: reason, rules: rules}, nil
}

func (g *RuleGate) Decide(_ context.Context, step *StepDefinition, input json.RawMessage) PolicyDecision {
	lowered := strings.ToLower(string(input))

	for _, rule := range g.rules {
		if !ruleMatches(rule, step, lowered) {
			continue
		}
		if rule.Effect == EffectAllow {
			return PolicyDecision{StepID: step.ID, Verdict: PolicyAllow, Reason: rule.Reason}
		}

		reason := strings.TrimSpace(rule.Reason)
		if reason == "" {
			reason = g.defaultDenyReason
		}
		if rule.Name != "" {
			reason = fmt.Sprintf("%s (rule %s)", reason, rule.Name)
		}

		return Deny(step.ID, reason)
	}

	if g.mode == PolicyModeDenyByDefault {
		return Deny(step.ID, g.defaultDenyReason)
	}

	return Allow(step.ID)
}

func ruleMatches(rule PolicyRule, step *StepDefinition, loweredInput string) bool {
	if len(rule.Activities) > 0 && !slices.Contains(rule.Activities, step.Activity) {
		return false
	}
	if len(rule.Steps) > 0 && !slices.Contains(rule.Steps, step.ID) {
		return false
	}
	if len(rule.InputContains) > 0 {
		matched := false
		for _, needle := range rule.InputContains {
			if needle != "" && strings.Contains(loweredInput, strings.ToLower(needle)) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	return true
}
