package policy

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// CompiledPolicy is an immutable snapshot of one policy version with every
// rule predicate precompiled. Snapshots are shared across goroutines
// without locking; never mutate one after construction.
type CompiledPolicy struct {
	// ID is the stored version ID this snapshot was compiled from; empty
	// for ad-hoc documents that were never persisted.
	ID string
	// Version is the document's version label, stamped on every decision.
	Version       string
	Fingerprint   string
	Description   string
	Rules         []CompiledRule
	DefaultAction Action
	DefaultReason string

	timeSensitive bool
}

// TimeSensitive reports whether any rule consults the wall-clock sample.
// Decision caching must be bypassed for such policies.
func (p *CompiledPolicy) TimeSensitive() bool { return p.timeSensitive }

// CompiledRule pairs a normalized source rule with its compiled matchers.
type CompiledRule struct {
	Rule Rule

	tools           []toolMatcher
	argContains     []argClause
	argNotContains  []argClause
	contextClauses  []valueClause
	metadataClauses []valueClause
	timeSensitive   bool
}

// Compile precompiles every rule of a parsed document. id is the stored
// version ID when the document came from the store. Sources that passed
// ValidateSource never fail here.
func Compile(id string, doc *Document) (*CompiledPolicy, error) {
	cp := &CompiledPolicy{
		ID:            id,
		Version:       doc.Version,
		Fingerprint:   doc.Fingerprint(),
		Description:   doc.Description,
		DefaultAction: doc.DefaultAction,
		DefaultReason: doc.DefaultReason,
		Rules:         make([]CompiledRule, 0, len(doc.Rules)),
	}
	for i, r := range doc.Rules {
		cr, err := compileRule(r)
		if err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i+1, r.Name, err)
		}
		if cr.timeSensitive {
			cp.timeSensitive = true
		}
		cp.Rules = append(cp.Rules, *cr)
	}
	return cp, nil
}

func compileRule(r Rule) (*CompiledRule, error) {
	cr := &CompiledRule{Rule: r}

	for _, pat := range r.Tools {
		m, err := compileToolPattern(pat)
		if err != nil {
			return nil, err
		}
		cr.tools = append(cr.tools, m)
	}

	for _, path := range sortedKeys(r.Conditions.ArgContains) {
		cr.argContains = append(cr.argContains, compileArgClause(path, r.Conditions.ArgContains[path]))
	}
	for _, path := range sortedKeys(r.Conditions.ArgNotContains) {
		cr.argNotContains = append(cr.argNotContains, compileArgClause(path, r.Conditions.ArgNotContains[path]))
	}

	for _, key := range sortedKeys(r.Conditions.SessionContext) {
		vc, err := compileValueClause(key, r.Conditions.SessionContext[key])
		if err != nil {
			return nil, fmt.Errorf("session_context.%s: %w", key, err)
		}
		cr.contextClauses = append(cr.contextClauses, vc)
		cr.timeSensitive = cr.timeSensitive || vc.timeSensitive()
	}
	for _, key := range sortedKeys(r.Conditions.Metadata) {
		vc, err := compileValueClause(key, r.Conditions.Metadata[key])
		if err != nil {
			return nil, fmt.Errorf("metadata.%s: %w", key, err)
		}
		cr.metadataClauses = append(cr.metadataClauses, vc)
		cr.timeSensitive = cr.timeSensitive || vc.timeSensitive()
	}

	return cr, nil
}

// toolMatcher matches one tool-name pattern. Exactly one of the three
// forms is set: the lone-"*" wildcard, a compiled regular expression, or
// a literal.
type toolMatcher struct {
	any bool
	re  *regexp.Regexp
	lit string
}

func (m toolMatcher) matches(tool string) bool {
	switch {
	case m.any:
		return true
	case m.re != nil:
		return m.re.MatchString(tool)
	default:
		return m.lit == tool
	}
}

func compileToolPattern(pattern string) (toolMatcher, error) {
	if pattern == "*" {
		return toolMatcher{any: true}, nil
	}
	if len(pattern) >= 2 && strings.HasPrefix(pattern, "/") && strings.HasSuffix(pattern, "/") {
		re, err := regexp.Compile("^(?:" + pattern[1:len(pattern)-1] + ")$")
		if err != nil {
			return toolMatcher{}, fmt.Errorf("invalid tool pattern %q: %v", pattern, err)
		}
		return toolMatcher{re: re}, nil
	}
	if strings.ContainsAny(pattern, "*?") {
		re, err := regexp.Compile(globToRegexp(pattern))
		if err != nil {
			return toolMatcher{}, fmt.Errorf("invalid tool pattern %q: %v", pattern, err)
		}
		return toolMatcher{re: re}, nil
	}
	return toolMatcher{lit: pattern}, nil
}

// globToRegexp converts a shell-style glob into an anchored regular
// expression: "*" spans any run of characters, "?" exactly one.
func globToRegexp(glob string) string {
	quoted := regexp.QuoteMeta(glob)
	quoted = strings.ReplaceAll(quoted, `\*`, ".*")
	quoted = strings.ReplaceAll(quoted, `\?`, ".")
	return "^" + quoted + "$"
}

// argClause is a compiled arg_contains / arg_not_contains entry. A lone
// "*" pattern degenerates to a presence check on the path.
type argClause struct {
	path     []string
	branches []string
	presence bool
}

func compileArgClause(path, pattern string) argClause {
	c := argClause{path: strings.Split(path, ".")}
	if pattern == "*" {
		c.presence = true
		return c
	}
	for _, b := range strings.Split(pattern, "|") {
		if b != "" {
			c.branches = append(c.branches, b)
		}
	}
	return c
}

type condKind uint8

const (
	condLiteral condKind = iota
	condAny
	condList
	condNumeric
	condTimeRange
)

// Keys the enforcement layer injects from the wall-clock sample. Clauses
// on these keys make a policy time-sensitive even with literal matching.
const (
	ContextKeyCurrentTime = "current_time"
	ContextKeyDayOfWeek   = "day_of_week"
)

var timeRangePattern = regexp.MustCompile(`^(\d{1,2}):(\d{2})-(\d{1,2}):(\d{2})$`)

// valueClause is a compiled session_context / metadata entry.
type valueClause struct {
	key      string
	kind     condKind
	literal  string
	set      []string
	op       byte // '<' or '>'
	num      float64
	from, to int // minutes since midnight, inclusive
}

func (c valueClause) timeSensitive() bool {
	return c.kind == condTimeRange || c.key == ContextKeyCurrentTime || c.key == ContextKeyDayOfWeek
}

func compileValueClause(key string, expected any) (valueClause, error) {
	c := valueClause{key: key}

	switch v := expected.(type) {
	case []any:
		c.kind = condList
		c.set = make([]string, len(v))
		for i, e := range v {
			c.set[i] = stringify(e)
		}
		return c, nil

	case string:
		if v == "*" {
			c.kind = condAny
			return c, nil
		}
		if strings.HasPrefix(v, "<") || strings.HasPrefix(v, ">") {
			n, err := strconv.ParseFloat(strings.TrimSpace(v[1:]), 64)
			if err != nil {
				return c, fmt.Errorf("invalid numeric comparison %q", v)
			}
			c.kind = condNumeric
			c.op = v[0]
			c.num = n
			return c, nil
		}
		if m := timeRangePattern.FindStringSubmatch(v); m != nil {
			from, err1 := clockMinutes(m[1], m[2])
			to, err2 := clockMinutes(m[3], m[4])
			if err1 != nil || err2 != nil {
				return c, fmt.Errorf("invalid time range %q", v)
			}
			c.kind = condTimeRange
			c.from, c.to = from, to
			return c, nil
		}
		c.kind = condLiteral
		c.literal = v
		return c, nil

	default:
		c.kind = condLiteral
		c.literal = stringify(expected)
		return c, nil
	}
}

func clockMinutes(hh, mm string) (int, error) {
	h, err := strconv.Atoi(hh)
	if err != nil || h > 23 {
		return 0, fmt.Errorf("hour out of range")
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m > 59 {
		return 0, fmt.Errorf("minute out of range")
	}
	return h*60 + m, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
