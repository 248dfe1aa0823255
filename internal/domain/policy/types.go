// Package policy defines the declarative rule language for tool call
// authorization: parsing and validation of policy documents, canonical
// fingerprinting, rule compilation, and the pure evaluator.
package policy

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Action is the verdict a policy assigns to a tool call.
type Action string

const (
	// ActionAllow permits the tool call to proceed.
	ActionAllow Action = "allow"
	// ActionDeny blocks the tool call.
	ActionDeny Action = "deny"
	// ActionApprove blocks the tool call pending human approval.
	ActionApprove Action = "approve"
)

// Valid reports whether a is one of the three known actions.
func (a Action) Valid() bool {
	switch a {
	case ActionAllow, ActionDeny, ActionApprove:
		return true
	}
	return false
}

// StringList accepts either a single YAML string or a sequence of strings.
// The canonical form is always a list; a bare string is normalized to a
// one-element list on input.
type StringList []string

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *StringList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		var one string
		if err := value.Decode(&one); err != nil {
			return err
		}
		*s = StringList{one}
		return nil
	case yaml.SequenceNode:
		var many []string
		if err := value.Decode(&many); err != nil {
			return err
		}
		*s = StringList(many)
		return nil
	default:
		return fmt.Errorf("line %d: must be a string or a list of strings", value.Line)
	}
}

// Conditions is the conjunction of optional match clauses attached to a
// rule. An absent clause matches. The clause set is closed: unknown keys
// are rejected at parse time, never interpreted at runtime.
type Conditions struct {
	// ArgContains maps a dotted argument path to a substring pattern with
	// "|"-separated alternation branches. The clause holds when the
	// stringified value at the path contains any branch.
	ArgContains map[string]string `yaml:"arg_contains,omitempty" json:"arg_contains,omitempty"`
	// ArgNotContains is the exact negation of ArgContains. An unresolvable
	// path satisfies the clause.
	ArgNotContains map[string]string `yaml:"arg_not_contains,omitempty" json:"arg_not_contains,omitempty"`
	// SessionContext maps a context key to an expected value: a list
	// (membership), "<N"/">N" (numeric comparison), "HH:MM-HH:MM"
	// (time-of-day range, may wrap midnight), "*" (any present value), or a
	// literal. Missing keys never match.
	SessionContext map[string]any `yaml:"session_context,omitempty" json:"session_context,omitempty"`
	// Metadata has the same value semantics as SessionContext but is
	// evaluated against the caller-supplied metadata bag.
	Metadata map[string]any `yaml:"metadata,omitempty" json:"metadata,omitempty"`
}

// Empty reports whether no clause is present.
func (c Conditions) Empty() bool {
	return len(c.ArgContains) == 0 && len(c.ArgNotContains) == 0 &&
		len(c.SessionContext) == 0 && len(c.Metadata) == 0
}

// Rule is one ordered element of a policy document. Rules are evaluated
// first-match-wins; the position in the document is the deterministic
// tie-break.
type Rule struct {
	// Name identifies the rule within its policy. Required.
	Name string `yaml:"name" json:"name"`
	// Description is free-text context for reviewers.
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	// Tools lists tool-name patterns: "*" alone matches any tool, "/re/"
	// is an anchored regular expression, anything else is a shell-style
	// glob where "*" spans any run and "?" one character. An empty list is
	// normalized to ["*"].
	Tools StringList `yaml:"tools,omitempty" json:"tools"`
	// Conditions further restricts the match. All present clauses must hold.
	Conditions Conditions `yaml:"conditions,omitempty" json:"conditions,omitempty"`
	// Action is the verdict when this rule matches. Required.
	Action Action `yaml:"action" json:"action"`
	// Reason overrides the default "Matched rule: <name>" decision reason.
	Reason string `yaml:"reason,omitempty" json:"reason,omitempty"`
}

// Document is a parsed policy source: an ordered rule list plus the
// policy-wide default applied when no rule matches.
type Document struct {
	Version       string `yaml:"version" json:"version"`
	Description   string `yaml:"description,omitempty" json:"description,omitempty"`
	Rules         []Rule `yaml:"rules" json:"rules"`
	DefaultAction Action `yaml:"default_action,omitempty" json:"default_action"`
	DefaultReason string `yaml:"default_reason,omitempty" json:"default_reason"`
}

// Version is one immutable stored revision of a policy document.
type Version struct {
	// ID is the stable unique identifier (UUID).
	ID string
	// Label is the human version label from the document, unique per store.
	Label string
	// Source is the raw document text as submitted.
	Source string
	// Fingerprint is the SHA-256 hex digest of the canonicalized rule list.
	Fingerprint string
	// Description is free text supplied at creation.
	Description string
	// CreatedAt is when the version was stored (UTC).
	CreatedAt time.Time
	// Active marks the single version evaluations run against.
	Active bool
}

// CallInput is everything the evaluator may consult for one tool call.
// Context carries the merged session context including the wall-clock
// sample injected at call entry (keys "current_time" and "day_of_week"),
// so evaluation itself performs no I/O and reads no clock.
type CallInput struct {
	ToolName string
	ToolArgs map[string]any
	Context  map[string]any
	Metadata map[string]any
}

// Decision is the evaluator's verdict for one tool call.
type Decision struct {
	// Action is allow, deny, or approve.
	Action Action `json:"action"`
	// RuleName names the matched rule; empty when the default applied.
	RuleName string `json:"rule_name,omitempty"`
	// Reason is human-readable justification for the verdict.
	Reason string `json:"reason"`
	// PolicyVersion is the label of the policy version evaluated against.
	PolicyVersion string `json:"policy_version"`
}
