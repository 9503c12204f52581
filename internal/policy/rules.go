package policy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Decision of a rule. Allow never lowers the static gate; it only stops
// later rules from matching. Review raises the tool to at least high risk.
type Decision string

const (
	DecisionAllow  Decision = "allow"
	DecisionDeny   Decision = "deny"
	DecisionReview Decision = "review"
)

// Rule overrides the static gate for a tool and role. Empty or "*"
// matches anything.
type Rule struct {
	ID       string   `yaml:"id"`
	Tool     string   `yaml:"tool,omitempty"`
	Role     string   `yaml:"role,omitempty"`
	Decision Decision `yaml:"decision"`
	Reason   string   `yaml:"reason,omitempty"`
}

// Match reports whether r applies to tool and role.
func (r Rule) Match(tool, role string) bool {
	match := func(pat, v string) bool {
		return pat == "" || pat == "*" || pat == v
	}
	return match(r.Tool, tool) && match(r.Role, role)
}

// Rules is an ordered rule list; the first match wins.
type Rules []Rule

type rulesFile struct {
	Rules Rules `yaml:"rules"`
}

// ParseRules decodes a YAML rule document.
func ParseRules(data []byte) (Rules, error) {
	var f rulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("policy rules unmarshal: %w", err)
	}
	for i, r := range f.Rules {
		switch r.Decision {
		case DecisionAllow, DecisionDeny, DecisionReview:
		default:
			return nil, fmt.Errorf("policy rule %d (%s): unknown decision %q", i, r.ID, r.Decision)
		}
	}
	return f.Rules, nil
}

// LoadRules reads path. An empty path or a missing file yields no rules.
func LoadRules(path string) (Rules, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("policy rules read: %w", err)
	}
	return ParseRules(data)
}

// Decide returns the decision of the first rule matching tool and role.
func (rs Rules) Decide(tool, role string) (Decision, Rule, bool) {
	for _, r := range rs {
		if r.Match(tool, role) {
			return r.Decision, r, true
		}
	}
	return "", Rule{}, false
}
