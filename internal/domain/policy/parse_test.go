package policy

import (
	"strings"
	"testing"
)

const validSource = `
version: "v1"
description: "test policy"
rules:
  - name: allow_reads
    tools: ["read_file"]
    action: allow
  - name: deny_system_paths
    tools: ["read_file", "write_file"]
    conditions:
      arg_contains:
        path: "/etc/|/sys/"
    action: deny
    reason: "System paths are off limits"
default_action: deny
default_reason: "Not covered by policy"
`

func TestParseDocument(t *testing.T) {
	t.Parallel()

	doc, err := ParseDocument(validSource)
	if err != nil {
		t.Fatalf("ParseDocument() error: %v", err)
	}

	if doc.Version != "v1" {
		t.Errorf("Version = %q, want %q", doc.Version, "v1")
	}
	if len(doc.Rules) != 2 {
		t.Fatalf("len(Rules) = %d, want 2", len(doc.Rules))
	}
	if doc.DefaultAction != ActionDeny {
		t.Errorf("DefaultAction = %q, want %q", doc.DefaultAction, ActionDeny)
	}
	if doc.DefaultReason != "Not covered by policy" {
		t.Errorf("DefaultReason = %q, want %q", doc.DefaultReason, "Not covered by policy")
	}
	if got := doc.Rules[1].Conditions.ArgContains["path"]; got != "/etc/|/sys/" {
		t.Errorf("ArgContains[path] = %q, want %q", got, "/etc/|/sys/")
	}
}

func TestParseDocument_Normalization(t *testing.T) {
	t.Parallel()

	src := `
version: "v1"
rules:
  - name: "  spaced  "
    tools: single_tool
    action: allow
`
	doc, err := ParseDocument(src)
	if err != nil {
		t.Fatalf("ParseDocument() error: %v", err)
	}

	if doc.Rules[0].Name != "spaced" {
		t.Errorf("Name = %q, want trimmed %q", doc.Rules[0].Name, "spaced")
	}
	// A bare string normalizes to a one-element list.
	if len(doc.Rules[0].Tools) != 1 || doc.Rules[0].Tools[0] != "single_tool" {
		t.Errorf("Tools = %v, want [single_tool]", doc.Rules[0].Tools)
	}
	// Missing defaults fill in.
	if doc.DefaultAction != ActionDeny {
		t.Errorf("DefaultAction = %q, want deny", doc.DefaultAction)
	}
	if doc.DefaultReason != DefaultReason {
		t.Errorf("DefaultReason = %q, want %q", doc.DefaultReason, DefaultReason)
	}
}

func TestParseDocument_MissingToolsMatchesAll(t *testing.T) {
	t.Parallel()

	src := `
version: "v1"
rules:
  - name: catchall
    action: deny
`
	doc, err := ParseDocument(src)
	if err != nil {
		t.Fatalf("ParseDocument() error: %v", err)
	}
	if len(doc.Rules[0].Tools) != 1 || doc.Rules[0].Tools[0] != "*" {
		t.Errorf("Tools = %v, want [*]", doc.Rules[0].Tools)
	}
}

func TestParseDocument_UnknownClauseRejected(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		src  string
	}{
		{
			name: "cascade sub-structure",
			src: `
version: "v1"
rules:
  - name: r1
    action: allow
    conditions:
      cascade:
        anything: true
`,
		},
		{
			name: "AND sub-structure",
			src: `
version: "v1"
rules:
  - name: r1
    action: allow
    conditions:
      AND:
        - arg_contains: {path: "x"}
`,
		},
		{
			name: "unknown top-level key",
			src: `
version: "v1"
unknown_key: true
rules:
  - name: r1
    action: allow
`,
		},
		{
			name: "unknown rule key",
			src: `
version: "v1"
rules:
  - name: r1
    action: allow
    expression: "args.path == '/tmp'"
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := ParseDocument(tt.src); err == nil {
				t.Fatalf("ParseDocument() accepted unknown key, want error")
			}
		})
	}
}

func TestValidateSource(t *testing.T) {
	t.Parallel()

	res := ValidateSource(validSource, false)
	if !res.OK {
		t.Fatalf("ValidateSource() not OK, issues: %v", res.Issues)
	}
	if res.Version != "v1" {
		t.Errorf("Version = %q, want v1", res.Version)
	}
	if res.RulesCount != 2 {
		t.Errorf("RulesCount = %d, want 2", res.RulesCount)
	}
}

func TestValidateSource_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		src     string
		wantSub string
	}{
		{
			name:    "invalid yaml",
			src:     "version: [unclosed",
			wantSub: "invalid policy document",
		},
		{
			name:    "missing version",
			src:     "rules:\n  - name: r1\n    action: allow\n",
			wantSub: "must have a version",
		},
		{
			name:    "empty rules",
			src:     "version: v1\nrules: []\n",
			wantSub: "at least one rule",
		},
		{
			name:    "missing rule name",
			src:     "version: v1\nrules:\n  - action: allow\n",
			wantSub: "missing name",
		},
		{
			name:    "unknown action",
			src:     "version: v1\nrules:\n  - name: r1\n    action: maybe\n",
			wantSub: `unknown action "maybe"`,
		},
		{
			name:    "unknown default action",
			src:     "version: v1\ndefault_action: audit\nrules:\n  - name: r1\n    action: allow\n",
			wantSub: "unknown default_action",
		},
		{
			name:    "bad tool regex",
			src:     "version: v1\nrules:\n  - name: r1\n    tools: [\"/(unclosed/\"]\n    action: allow\n",
			wantSub: "invalid tool pattern",
		},
		{
			name:    "bad numeric comparison",
			src:     "version: v1\nrules:\n  - name: r1\n    action: allow\n    conditions:\n      session_context:\n        count: \">abc\"\n",
			wantSub: "invalid numeric comparison",
		},
		{
			name:    "bad time range",
			src:     "version: v1\nrules:\n  - name: r1\n    action: allow\n    conditions:\n      session_context:\n        current_time: \"25:00-09:00\"\n",
			wantSub: "invalid time range",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			res := ValidateSource(tt.src, false)
			if res.OK {
				t.Fatalf("ValidateSource() OK, want error containing %q", tt.wantSub)
			}
			found := false
			for _, msg := range res.Errors() {
				if strings.Contains(msg, tt.wantSub) {
					found = true
					break
				}
			}
			if !found {
				t.Errorf("errors = %v, want one containing %q", res.Errors(), tt.wantSub)
			}
		})
	}
}

func TestValidateSource_DuplicateNames(t *testing.T) {
	t.Parallel()

	src := `
version: v1
rules:
  - name: twin
    action: allow
  - name: twin
    action: deny
`
	res := ValidateSource(src, false)
	if !res.OK {
		t.Fatalf("lenient mode: duplicate names should be a warning, got errors %v", res.Errors())
	}
	foundWarning := false
	for _, is := range res.Issues {
		if is.Severity == SeverityWarning && strings.Contains(is.Message, "duplicate rule name") {
			foundWarning = true
		}
	}
	if !foundWarning {
		t.Errorf("issues = %v, want duplicate-name warning", res.Issues)
	}

	strict := ValidateSource(src, true)
	if strict.OK {
		t.Errorf("strict mode: duplicate names should fail validation")
	}
}
