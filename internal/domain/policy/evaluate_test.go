package policy

import (
	"testing"
)

func mustCompile(t *testing.T, source string) *CompiledPolicy {
	t.Helper()
	doc, err := ParseDocument(source)
	if err != nil {
		t.Fatalf("ParseDocument() error: %v", err)
	}
	cp, err := Compile("", doc)
	if err != nil {
		t.Fatalf("Compile() error: %v", err)
	}
	return cp
}

func TestEvaluate_FirstMatchWins(t *testing.T) {
	t.Parallel()

	cp := mustCompile(t, `
version: v1
rules:
  - name: allow_reads
    tools: ["read_file"]
    action: allow
  - name: deny_everything
    tools: ["*"]
    action: deny
`)

	d := cp.Evaluate(CallInput{ToolName: "read_file"})
	if d.Action != ActionAllow {
		t.Errorf("Action = %q, want allow", d.Action)
	}
	if d.RuleName != "allow_reads" {
		t.Errorf("RuleName = %q, want allow_reads", d.RuleName)
	}
	if d.Reason != "Matched rule: allow_reads" {
		t.Errorf("Reason = %q, want default matched-rule reason", d.Reason)
	}
	if d.PolicyVersion != "v1" {
		t.Errorf("PolicyVersion = %q, want v1", d.PolicyVersion)
	}

	d = cp.Evaluate(CallInput{ToolName: "write_file"})
	if d.Action != ActionDeny || d.RuleName != "deny_everything" {
		t.Errorf("Evaluate(write_file) = %+v, want deny by deny_everything", d)
	}
}

func TestEvaluate_DefaultAction(t *testing.T) {
	t.Parallel()

	cp := mustCompile(t, `
version: v1
rules:
  - name: allow_reads
    tools: ["read_file"]
    action: allow
default_action: approve
default_reason: "Needs a human"
`)

	d := cp.Evaluate(CallInput{ToolName: "launch_rocket"})
	if d.Action != ActionApprove {
		t.Errorf("Action = %q, want approve", d.Action)
	}
	if d.RuleName != "" {
		t.Errorf("RuleName = %q, want empty for default", d.RuleName)
	}
	if d.Reason != "Needs a human" {
		t.Errorf("Reason = %q, want default reason", d.Reason)
	}
}

func TestEvaluate_ImplicitDefaultDeny(t *testing.T) {
	t.Parallel()

	cp := mustCompile(t, `
version: v1
rules:
  - name: allow_reads
    tools: ["read_file"]
    action: allow
`)

	d := cp.Evaluate(CallInput{ToolName: "unknown_tool"})
	if d.Action != ActionDeny {
		t.Errorf("Action = %q, want deny", d.Action)
	}
	if d.Reason != DefaultReason {
		t.Errorf("Reason = %q, want %q", d.Reason, DefaultReason)
	}
}

func TestEvaluate_ToolPatterns(t *testing.T) {
	t.Parallel()

	cp := mustCompile(t, `
version: v1
rules:
  - name: glob
    tools: ["file_*"]
    action: allow
  - name: single_char
    tools: ["exec?"]
    action: approve
  - name: regex
    tools: ["/^(get|list)_.+$/"]
    action: allow
  - name: literal
    tools: ["shutdown"]
    action: deny
`)

	tests := []struct {
		tool     string
		wantRule string
		wantHit  bool
	}{
		{"file_read", "glob", true},
		{"file_", "glob", true},
		{"filex", "", false},
		{"exec1", "single_char", true},
		{"exec12", "", false},
		{"get_users", "regex", true},
		{"list_files", "regex", true},
		{"set_users", "", false},
		{"shutdown", "literal", true},
		{"shutdown_now", "", false},
	}

	for _, tt := range tests {
		d := cp.Evaluate(CallInput{ToolName: tt.tool})
		if tt.wantHit {
			if d.RuleName != tt.wantRule {
				t.Errorf("Evaluate(%q) rule = %q, want %q", tt.tool, d.RuleName, tt.wantRule)
			}
		} else if d.RuleName != "" {
			t.Errorf("Evaluate(%q) rule = %q, want default", tt.tool, d.RuleName)
		}
	}
}

func TestEvaluate_ArgContains(t *testing.T) {
	t.Parallel()

	cp := mustCompile(t, `
version: v1
rules:
  - name: deny_system_paths
    tools: ["read_file"]
    conditions:
      arg_contains:
        path: "/etc/|/sys/"
    action: deny
    reason: "System paths are off limits"
  - name: allow_reads
    tools: ["read_file"]
    action: allow
`)

	d := cp.Evaluate(CallInput{
		ToolName: "read_file",
		ToolArgs: map[string]any{"path": "/etc/passwd"},
	})
	if d.Action != ActionDeny || d.RuleName != "deny_system_paths" {
		t.Errorf("got %+v, want deny by deny_system_paths", d)
	}
	if d.Reason != "System paths are off limits" {
		t.Errorf("Reason = %q, want rule reason", d.Reason)
	}

	d = cp.Evaluate(CallInput{
		ToolName: "read_file",
		ToolArgs: map[string]any{"path": "/sys/kernel"},
	})
	if d.Action != ActionDeny {
		t.Errorf("alternation branch /sys/ not matched: %+v", d)
	}

	d = cp.Evaluate(CallInput{
		ToolName: "read_file",
		ToolArgs: map[string]any{"path": "/tmp/a"},
	})
	if d.Action != ActionAllow || d.RuleName != "allow_reads" {
		t.Errorf("got %+v, want allow by allow_reads", d)
	}

	// Missing arg never matches arg_contains.
	d = cp.Evaluate(CallInput{ToolName: "read_file"})
	if d.RuleName != "allow_reads" {
		t.Errorf("missing path arg: rule = %q, want allow_reads", d.RuleName)
	}
}

func TestEvaluate_ArgNotContains(t *testing.T) {
	t.Parallel()

	cp := mustCompile(t, `
version: v1
rules:
  - name: allow_outside_home
    tools: ["delete_file"]
    conditions:
      arg_not_contains:
        path: "/home/"
    action: allow
`)

	d := cp.Evaluate(CallInput{ToolName: "delete_file", ToolArgs: map[string]any{"path": "/tmp/x"}})
	if d.Action != ActionAllow {
		t.Errorf("path outside /home/: %+v, want allow", d)
	}

	d = cp.Evaluate(CallInput{ToolName: "delete_file", ToolArgs: map[string]any{"path": "/home/u/x"}})
	if d.Action != ActionDeny {
		t.Errorf("path inside /home/: %+v, want default deny", d)
	}

	// An absent path satisfies the negated clause.
	d = cp.Evaluate(CallInput{ToolName: "delete_file"})
	if d.Action != ActionAllow {
		t.Errorf("missing arg: %+v, want allow", d)
	}
}

func TestEvaluate_DottedArgPath(t *testing.T) {
	t.Parallel()

	cp := mustCompile(t, `
version: v1
rules:
  - name: deny_internal_hosts
    tools: ["http_request"]
    conditions:
      arg_contains:
        request.url: "internal|localhost"
    action: deny
`)

	d := cp.Evaluate(CallInput{
		ToolName: "http_request",
		ToolArgs: map[string]any{
			"request": map[string]any{"url": "http://localhost:8080/admin"},
		},
	})
	if d.Action != ActionDeny {
		t.Errorf("nested path lookup failed: %+v", d)
	}

	d = cp.Evaluate(CallInput{
		ToolName: "http_request",
		ToolArgs: map[string]any{
			"request": map[string]any{"url": "https://example.com"},
		},
	})
	// Falls through to the implicit default; the rule must not have matched.
	if d.RuleName != "" {
		t.Errorf("rule matched unexpectedly: %+v", d)
	}
}

func TestEvaluate_SessionContextClauses(t *testing.T) {
	t.Parallel()

	cp := mustCompile(t, `
version: v1
rules:
  - name: prod_only
    conditions:
      session_context:
        env: ["prod", "staging"]
    action: deny
  - name: heavy_usage
    conditions:
      session_context:
        call_count: ">100"
    action: approve
  - name: business_hours
    conditions:
      session_context:
        current_time: "09:00-17:00"
        day_of_week: ["monday", "tuesday", "wednesday", "thursday", "friday"]
    action: allow
`)

	tests := []struct {
		name     string
		ctx      map[string]any
		wantRule string
	}{
		{"list membership", map[string]any{"env": "prod"}, "prod_only"},
		{"list miss", map[string]any{"env": "dev", "current_time": "20:00"}, ""},
		{"numeric greater", map[string]any{"call_count": 150}, "heavy_usage"},
		{"numeric not greater", map[string]any{"call_count": 100}, ""},
		{"numeric as string", map[string]any{"call_count": "250"}, "heavy_usage"},
		{"time in range on weekday", map[string]any{"current_time": "10:30", "day_of_week": "monday"}, "business_hours"},
		{"time out of range", map[string]any{"current_time": "18:30", "day_of_week": "monday"}, ""},
		{"weekend", map[string]any{"current_time": "10:30", "day_of_week": "saturday"}, ""},
		{"missing keys never match", nil, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d := cp.Evaluate(CallInput{ToolName: "anything", Context: tt.ctx})
			if d.RuleName != tt.wantRule {
				t.Errorf("rule = %q, want %q", d.RuleName, tt.wantRule)
			}
		})
	}
}

func TestEvaluate_TimeRangeWrapsMidnight(t *testing.T) {
	t.Parallel()

	cp := mustCompile(t, `
version: v1
rules:
  - name: night_shift
    conditions:
      session_context:
        current_time: "22:00-06:00"
    action: deny
`)

	for _, tt := range []struct {
		clock string
		hit   bool
	}{
		{"23:30", true},
		{"02:00", true},
		{"22:00", true},
		{"06:00", true},
		{"12:00", false},
		{"21:59", false},
	} {
		d := cp.Evaluate(CallInput{ToolName: "t", Context: map[string]any{"current_time": tt.clock}})
		got := d.RuleName == "night_shift"
		if got != tt.hit {
			t.Errorf("clock %s: matched = %v, want %v", tt.clock, got, tt.hit)
		}
	}
}

func TestEvaluate_MetadataClause(t *testing.T) {
	t.Parallel()

	cp := mustCompile(t, `
version: v1
rules:
  - name: trusted_runner
    conditions:
      metadata:
        runner: "ci"
    action: allow
`)

	d := cp.Evaluate(CallInput{ToolName: "t", Metadata: map[string]any{"runner": "ci"}})
	if d.RuleName != "trusted_runner" {
		t.Errorf("metadata literal match failed: %+v", d)
	}

	d = cp.Evaluate(CallInput{ToolName: "t", Context: map[string]any{"runner": "ci"}})
	if d.RuleName != "" {
		t.Errorf("metadata clause matched against context bag: %+v", d)
	}
}

func TestEvaluate_EmptyPredicateMatchesAll(t *testing.T) {
	t.Parallel()

	cp := mustCompile(t, `
version: v1
rules:
  - name: catchall
    action: approve
`)

	d := cp.Evaluate(CallInput{ToolName: "whatever"})
	if d.RuleName != "catchall" || d.Action != ActionApprove {
		t.Errorf("empty predicate should match unconditionally: %+v", d)
	}
}

func TestEvaluate_Deterministic(t *testing.T) {
	t.Parallel()

	cp := mustCompile(t, validSource)
	call := CallInput{
		ToolName: "read_file",
		ToolArgs: map[string]any{"path": "/etc/passwd", "depth": 3},
		Context:  map[string]any{"env": "prod", "current_time": "13:37"},
		Metadata: map[string]any{"runner": "ci"},
	}

	first := cp.Evaluate(call)
	for i := 0; i < 100; i++ {
		if got := cp.Evaluate(call); got != first {
			t.Fatalf("iteration %d: %+v != %+v", i, got, first)
		}
	}
}

func TestCompile_TimeSensitive(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		src  string
		want bool
	}{
		{
			name: "plain policy",
			src:  "version: v1\nrules:\n  - name: r\n    action: allow\n",
			want: false,
		},
		{
			name: "time range clause",
			src:  "version: v1\nrules:\n  - name: r\n    action: allow\n    conditions:\n      session_context:\n        current_time: \"09:00-17:00\"\n",
			want: true,
		},
		{
			name: "literal on injected clock key",
			src:  "version: v1\nrules:\n  - name: r\n    action: allow\n    conditions:\n      session_context:\n        day_of_week: [\"saturday\", \"sunday\"]\n",
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cp := mustCompile(t, tt.src)
			if cp.TimeSensitive() != tt.want {
				t.Errorf("TimeSensitive() = %v, want %v", cp.TimeSensitive(), tt.want)
			}
		})
	}
}
