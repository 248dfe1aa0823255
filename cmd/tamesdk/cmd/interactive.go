package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	runlok "github.com/runlok/sdk-go"
	"github.com/spf13/cobra"
)

var interactiveCmd = &cobra.Command{
	Use:   "interactive",
	Short: "Interactive shell for testing tool calls",
	Long: `Start a line-based shell against the Runlok server. One session is
shared across the whole shell, so enforced calls build up a single
audit trail.`,
	RunE: runInteractive,
}

func init() {
	rootCmd.AddCommand(interactiveCmd)
}

const interactiveHelp = `Commands:
  test <tool> [args]     dry-run a tool call (no audit entry)
  enforce <tool> [args]  enforce a tool call and record it
  status                 check server health
  policy                 show the active policy
  help                   show this help
  quit                   leave the shell

Arguments are a JSON object or key=value pairs:
  test read_file {"path": "/tmp/notes.txt"}
  enforce delete_file path=/etc/passwd`

func runInteractive(cmd *cobra.Command, args []string) error {
	client := newClient()
	// Commands that build their own client inside the shell (status,
	// policy) should report the shell's session, not a fresh one.
	sessionID = client.SessionID()

	fmt.Printf("%s%sRunlok interactive shell%s\n", ansiBold, ansiCyan, ansiReset)
	fmt.Printf("Server %s, session %s\n", serverURL(), client.SessionID())
	fmt.Printf("Type %shelp%s for commands, %squit%s to leave.\n", ansiBold, ansiReset, ansiBold, ansiReset)

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Printf("\n%stamesdk>%s ", ansiBold, ansiReset)
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		name, rest, _ := strings.Cut(line, " ")
		rest = strings.TrimSpace(rest)

		var err error
		switch name {
		case "quit", "exit", "q":
			return nil
		case "help":
			fmt.Println(interactiveHelp)
		case "status":
			err = runStatus(cmd, nil)
		case "policy":
			err = runPolicyShow(cmd, nil)
		case "test":
			err = interactiveCall(cmd, client, rest, false)
		case "enforce":
			err = interactiveCall(cmd, client, rest, true)
		default:
			fmt.Printf("unknown command %q, type %shelp%s for commands\n", name, ansiBold, ansiReset)
		}

		// Decision exit codes end the process in one-shot mode; in the
		// shell they are already visible in the printed output.
		var ec *exitCodeError
		if err != nil && !errors.As(err, &ec) {
			fmt.Printf("%serror:%s %v\n", ansiRed, ansiReset, err)
		}
	}
}

// interactiveCall parses "<tool> [args]" and runs a dry-run or a real
// enforcement against the shared shell session.
func interactiveCall(cmd *cobra.Command, client *runlok.Client, input string, enforce bool) error {
	verb := "test"
	if enforce {
		verb = "enforce"
	}
	toolName, rawArgs, _ := strings.Cut(input, " ")
	if toolName == "" {
		return fmt.Errorf("usage: %s <tool> [args]", verb)
	}
	toolArgs, err := parseToolArgs(rawArgs)
	if err != nil {
		return err
	}

	if enforce {
		dec, err := client.Enforce(cmd.Context(), runlok.EnforceRequest{
			ToolName: toolName,
			ToolArgs: toolArgs,
		})
		if err != nil {
			return err
		}
		printDecision(dec)
		return nil
	}

	res, err := client.TestPolicy(cmd.Context(), toolName, toolArgs, nil)
	if err != nil {
		return err
	}
	fmt.Printf("  %-10s %s %s(dry run)%s\n", "Tool:", res.ToolName, ansiDim, ansiReset)
	fmt.Printf("  %-10s %s\n", "Decision:", colorAction(res.Decision.Action))
	if res.Decision.RuleName != "" {
		fmt.Printf("  %-10s %s\n", "Rule:", res.Decision.RuleName)
	}
	fmt.Printf("  %-10s %s\n", "Reason:", res.Decision.Reason)
	return nil
}
