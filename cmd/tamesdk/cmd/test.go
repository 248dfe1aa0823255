package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	testArgs    string
	testContext string
)

var testCmd = &cobra.Command{
	Use:   "test <tool>",
	Short: "Dry-run a tool call against the active policy",
	Long: `Evaluate a tool call against the active policy without recording
anything in the audit log.

Arguments are a JSON object or comma-separated key=value pairs:

  tamesdk test read_file --args '{"path": "/tmp/notes.txt"}'
  tamesdk test delete_file --args 'path=/etc/passwd'

The exit code follows the decision: 0 allow, 2 deny, 3 approval required.`,
	Args: cobra.ExactArgs(1),
	RunE: runTest,
}

func init() {
	testCmd.Flags().StringVar(&testArgs, "args", "", "tool arguments (JSON object or key=value pairs)")
	testCmd.Flags().StringVar(&testContext, "context", "", "session context for condition matching (JSON object)")
	rootCmd.AddCommand(testCmd)
}

func runTest(cmd *cobra.Command, args []string) error {
	toolArgs, err := parseToolArgs(testArgs)
	if err != nil {
		return err
	}
	sessionContext, err := parseJSONObject(testContext, "context")
	if err != nil {
		return err
	}

	client := newClient()
	res, err := client.TestPolicy(cmd.Context(), args[0], toolArgs, sessionContext)
	if err != nil {
		return err
	}

	if jsonOut {
		if err := printJSON(res); err != nil {
			return err
		}
	} else {
		fmt.Printf("  %-10s %s %s(dry run)%s\n", "Tool:", res.ToolName, ansiDim, ansiReset)
		fmt.Printf("  %-10s %s\n", "Decision:", colorAction(res.Decision.Action))
		if res.Decision.RuleName != "" {
			fmt.Printf("  %-10s %s\n", "Rule:", res.Decision.RuleName)
		}
		fmt.Printf("  %-10s %s\n", "Reason:", res.Decision.Reason)
		fmt.Printf("  %-10s %s\n", "Policy:", res.Decision.PolicyVersion)
	}

	if code := exitCodeFor(res.Decision.Action); code != 0 {
		return &exitCodeError{code: code}
	}
	return nil
}
