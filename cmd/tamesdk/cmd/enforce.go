package cmd

import (
	runlok "github.com/runlok/sdk-go"
	"github.com/spf13/cobra"
)

var (
	enforceTool     string
	enforceArgs     string
	enforceMetadata string
)

var enforceCmd = &cobra.Command{
	Use:   "enforce",
	Short: "Enforce a tool call and record the decision",
	Long: `Ask the server for a real enforcement decision. Unlike "test", the
decision is appended to the session's audit log.

  tamesdk enforce --tool read_file --args '{"path": "/tmp/notes.txt"}'
  tamesdk enforce --tool deploy --metadata '{"ticket": "OPS-41"}' --agent bot-7

The exit code follows the decision: 0 allow, 2 deny, 3 approval required.`,
	RunE: runEnforce,
}

func init() {
	enforceCmd.Flags().StringVar(&enforceTool, "tool", "", "tool name to enforce (required)")
	enforceCmd.Flags().StringVar(&enforceArgs, "args", "", "tool arguments (JSON object or key=value pairs)")
	enforceCmd.Flags().StringVar(&enforceMetadata, "metadata", "", "call metadata to record (JSON object)")
	enforceCmd.MarkFlagRequired("tool")
	rootCmd.AddCommand(enforceCmd)
}

func runEnforce(cmd *cobra.Command, args []string) error {
	toolArgs, err := parseToolArgs(enforceArgs)
	if err != nil {
		return err
	}
	metadata, err := parseJSONObject(enforceMetadata, "metadata")
	if err != nil {
		return err
	}

	client := newClient()
	dec, err := client.Enforce(cmd.Context(), runlok.EnforceRequest{
		ToolName: enforceTool,
		ToolArgs: toolArgs,
		Metadata: metadata,
	})
	if err != nil {
		return err
	}

	if jsonOut {
		if err := printJSON(dec); err != nil {
			return err
		}
	} else {
		printDecision(dec)
	}

	if code := exitCodeFor(dec.Action); code != 0 {
		return &exitCodeError{code: code}
	}
	return nil
}
