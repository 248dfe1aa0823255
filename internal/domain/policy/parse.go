package policy

import (
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultReason is the decision reason used when no rule matches and the
// document does not carry its own default_reason.
const DefaultReason = "No matching policy rule found"

// Issue severities reported by ValidateSource.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
)

// ValidationIssue is one problem found while validating policy source.
type ValidationIssue struct {
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

// ValidationResult is the outcome of validating a policy source document.
// OK is true when no error-severity issues were found; warnings alone do
// not fail validation.
type ValidationResult struct {
	OK         bool              `json:"is_valid"`
	Version    string            `json:"version,omitempty"`
	RulesCount int               `json:"rules_count"`
	Issues     []ValidationIssue `json:"issues,omitempty"`
}

// Errors returns the messages of all error-severity issues.
func (r ValidationResult) Errors() []string {
	var msgs []string
	for _, is := range r.Issues {
		if is.Severity == SeverityError {
			msgs = append(msgs, is.Message)
		}
	}
	return msgs
}

// Warnings returns the messages of all warning-severity issues.
func (r ValidationResult) Warnings() []string {
	var msgs []string
	for _, is := range r.Issues {
		if is.Severity == SeverityWarning {
			msgs = append(msgs, is.Message)
		}
	}
	return msgs
}

// ParseDocument parses policy source into a normalized Document.
//
// Parsing is strict: unknown keys anywhere in the document, including
// unknown clause keywords under conditions, are errors. This keeps the
// clause set closed so the evaluator never meets a predicate it does not
// understand. Normalization applied: an empty tools list becomes ["*"],
// names and patterns are whitespace-trimmed, a missing default_action
// becomes deny, and a missing default_reason becomes DefaultReason.
func ParseDocument(source string) (*Document, error) {
	dec := yaml.NewDecoder(strings.NewReader(source))
	dec.KnownFields(true)

	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("invalid policy document: %w", err)
	}
	doc.normalize()
	return &doc, nil
}

func (d *Document) normalize() {
	d.Version = strings.TrimSpace(d.Version)
	if d.DefaultAction == "" {
		d.DefaultAction = ActionDeny
	}
	if strings.TrimSpace(d.DefaultReason) == "" {
		d.DefaultReason = DefaultReason
	}
	for i := range d.Rules {
		r := &d.Rules[i]
		r.Name = strings.TrimSpace(r.Name)
		r.Reason = strings.TrimSpace(r.Reason)
		if len(r.Tools) == 0 {
			r.Tools = StringList{"*"}
		}
		for j, t := range r.Tools {
			r.Tools[j] = strings.TrimSpace(t)
		}
		r.Conditions.SessionContext = normalizeValueMap(r.Conditions.SessionContext)
		r.Conditions.Metadata = normalizeValueMap(r.Conditions.Metadata)
	}
}

// ValidateSource parses and fully validates policy source without touching
// storage. Every rule predicate is compiled here so that runtime
// evaluation only ever sees well-formed rules. Duplicate rule names are
// warnings unless strict is set.
func ValidateSource(source string, strict bool) ValidationResult {
	var res ValidationResult

	doc, err := ParseDocument(source)
	if err != nil {
		var typeErr *yaml.TypeError
		if errors.As(err, &typeErr) {
			for _, msg := range typeErr.Errors {
				res.Issues = append(res.Issues, ValidationIssue{SeverityError, msg})
			}
		} else {
			res.Issues = append(res.Issues, ValidationIssue{SeverityError, err.Error()})
		}
		return res
	}

	res.Version = doc.Version
	res.RulesCount = len(doc.Rules)

	addErr := func(format string, args ...any) {
		res.Issues = append(res.Issues, ValidationIssue{SeverityError, fmt.Sprintf(format, args...)})
	}

	if doc.Version == "" {
		addErr("policy must have a version")
	}
	if len(doc.Rules) == 0 {
		addErr("policy must have at least one rule")
	}
	if !doc.DefaultAction.Valid() {
		addErr("unknown default_action %q (must be allow, deny, or approve)", doc.DefaultAction)
	}

	seen := make(map[string]bool, len(doc.Rules))
	for i, r := range doc.Rules {
		where := fmt.Sprintf("rule %d", i+1)
		if r.Name != "" {
			where = fmt.Sprintf("rule %d (%s)", i+1, r.Name)
		}

		if r.Name == "" {
			addErr("%s: missing name", where)
		} else if seen[r.Name] {
			dup := ValidationIssue{SeverityWarning, fmt.Sprintf("%s: duplicate rule name", where)}
			if strict {
				dup.Severity = SeverityError
			}
			res.Issues = append(res.Issues, dup)
		}
		seen[r.Name] = true

		if !r.Action.Valid() {
			addErr("%s: unknown action %q (must be allow, deny, or approve)", where, r.Action)
		}

		// Compile the full predicate so malformed patterns surface here,
		// never during evaluation.
		if _, err := compileRule(r); err != nil {
			addErr("%s: %v", where, err)
		}
	}

	res.OK = len(res.Errors()) == 0
	return res
}
