package policy

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Evaluate runs the call against the compiled rules in order and returns
// the first match's decision, falling through to the policy default. It
// is a pure function: identical inputs, including the wall-clock sample
// keys inside call.Context, produce identical decisions.
func (p *CompiledPolicy) Evaluate(call CallInput) Decision {
	for i := range p.Rules {
		r := &p.Rules[i]
		if !r.matches(call) {
			continue
		}
		reason := r.Rule.Reason
		if reason == "" {
			reason = "Matched rule: " + r.Rule.Name
		}
		return Decision{
			Action:        r.Rule.Action,
			RuleName:      r.Rule.Name,
			Reason:        reason,
			PolicyVersion: p.Version,
		}
	}
	return Decision{
		Action:        p.DefaultAction,
		Reason:        p.DefaultReason,
		PolicyVersion: p.Version,
	}
}

func (r *CompiledRule) matches(call CallInput) bool {
	if !r.matchesTool(call.ToolName) {
		return false
	}
	for _, c := range r.argContains {
		if !c.holds(call.ToolArgs) {
			return false
		}
	}
	for _, c := range r.argNotContains {
		if c.holds(call.ToolArgs) {
			return false
		}
	}
	for _, c := range r.contextClauses {
		if !c.holds(call.Context) {
			return false
		}
	}
	for _, c := range r.metadataClauses {
		if !c.holds(call.Metadata) {
			return false
		}
	}
	return true
}

func (r *CompiledRule) matchesTool(tool string) bool {
	for _, m := range r.tools {
		if m.matches(tool) {
			return true
		}
	}
	return false
}

// holds resolves the clause path against args and checks containment.
// An unresolvable path never holds.
func (c argClause) holds(args map[string]any) bool {
	v, ok := resolvePath(args, c.path)
	if !ok {
		return false
	}
	if c.presence {
		return true
	}
	s := stringify(v)
	for _, branch := range c.branches {
		if strings.Contains(s, branch) {
			return true
		}
	}
	return false
}

func (c valueClause) holds(bag map[string]any) bool {
	v, ok := bag[c.key]
	if !ok {
		return false
	}
	switch c.kind {
	case condAny:
		return true
	case condList:
		s := stringify(v)
		for _, accept := range c.set {
			if s == accept {
				return true
			}
		}
		return false
	case condNumeric:
		n, err := strconv.ParseFloat(strings.TrimSpace(stringify(v)), 64)
		if err != nil {
			return false
		}
		if c.op == '<' {
			return n < c.num
		}
		return n > c.num
	case condTimeRange:
		mins, ok := parseClock(stringify(v))
		if !ok {
			return false
		}
		if c.from <= c.to {
			return mins >= c.from && mins <= c.to
		}
		// Range wraps midnight, e.g. 22:00-06:00.
		return mins >= c.from || mins <= c.to
	default:
		return stringify(v) == c.literal
	}
}

// resolvePath walks a dotted path through nested string-keyed maps.
func resolvePath(args map[string]any, path []string) (any, bool) {
	var cur any = args
	for _, seg := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// parseClock parses "HH:MM" into minutes since midnight.
func parseClock(s string) (int, bool) {
	hh, mm, ok := strings.Cut(s, ":")
	if !ok {
		return 0, false
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, false
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, false
	}
	return h*60 + m, true
}

// stringify renders a value the way clause matching sees it: strings
// verbatim, numbers and booleans via strconv, composites as canonical
// JSON.
func stringify(v any) string {
	switch vv := v.(type) {
	case string:
		return vv
	case bool:
		return strconv.FormatBool(vv)
	case int:
		return strconv.Itoa(vv)
	case int64:
		return strconv.FormatInt(vv, 10)
	case float64:
		return strconv.FormatFloat(vv, 'f', -1, 64)
	case nil:
		return ""
	default:
		b, err := json.Marshal(normalizeValue(vv))
		if err != nil {
			return fmt.Sprint(vv)
		}
		return string(b)
	}
}
