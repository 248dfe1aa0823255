package cmd

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check the Runlok server health",
	Long: `Check that the Runlok server is reachable and report its health
checks, the active policy version, and the session this CLI would use.`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	client := newClient()

	st, err := client.Status(cmd.Context())
	if err != nil {
		return fmt.Errorf("reach %s: %w", serverURL(), err)
	}

	if jsonOut {
		return printJSON(st)
	}

	health := ansiGreen + st.Status + ansiReset
	if !st.Healthy() {
		health = ansiRed + st.Status + ansiReset
	}

	server := serverURL()
	if st.Version != "" {
		server = fmt.Sprintf("%s %s(%s)%s", server, ansiDim, st.Version, ansiReset)
	}
	fmt.Printf("  %-10s %s\n", "Server:", server)
	fmt.Printf("  %-10s %s\n", "Health:", health)

	names := make([]string, 0, len(st.Checks))
	for name := range st.Checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("  %-10s %s: %s\n", "", name, st.Checks[name])
	}

	// Best effort: the health endpoint does not carry policy details.
	if info, err := client.CurrentPolicy(cmd.Context()); err == nil {
		fmt.Printf("  %-10s %s (%d rules)\n", "Policy:", info.Version, info.RulesCount)
	}
	fmt.Printf("  %-10s %s\n", "Session:", client.SessionID())

	if !st.Healthy() {
		return &exitCodeError{code: 1}
	}
	return nil
}
