package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Inspect the active policy",
	Long: `Show the active policy and its rules, or list the stored policy
versions. Without a subcommand, "policy" behaves like "policy show".`,
	RunE: runPolicyShow,
}

var policyShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the active policy and its rules",
	RunE:  runPolicyShow,
}

var policyVersionsCmd = &cobra.Command{
	Use:   "versions",
	Short: "List stored policy versions",
	RunE:  runPolicyVersions,
}

func init() {
	policyCmd.AddCommand(policyShowCmd)
	policyCmd.AddCommand(policyVersionsCmd)
	rootCmd.AddCommand(policyCmd)
}

func runPolicyShow(cmd *cobra.Command, args []string) error {
	client := newClient()

	info, err := client.CurrentPolicy(cmd.Context())
	if err != nil {
		return err
	}

	if jsonOut {
		return printJSON(info)
	}

	fmt.Printf("  %-10s %s\n", "Version:", info.Version)
	fmt.Printf("  %-10s %s\n", "Hash:", info.Hash)
	fmt.Printf("  %-10s %d\n", "Rules:", info.RulesCount)
	for _, rule := range info.Rules {
		fmt.Printf("    %s %-24s %s\n", colorAction(rule.Action), rule.Name, strings.Join(rule.Tools, ", "))
		if rule.Reason != "" {
			fmt.Printf("      %s%s%s\n", ansiDim, rule.Reason, ansiReset)
		}
	}
	return nil
}

// policyVersion mirrors one entry of the server's version listing. The
// SDK stays focused on enforcement, so this admin endpoint is called
// directly.
type policyVersion struct {
	ID          string    `json:"id"`
	Version     string    `json:"version"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description"`
	IsActive    bool      `json:"is_active"`
	PolicyHash  string    `json:"policy_hash"`
}

func runPolicyVersions(cmd *cobra.Command, args []string) error {
	timeout := reqTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	httpClient := &http.Client{Timeout: timeout}

	url := serverURL() + "/api/v1/policy/versions"
	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	key := apiKey
	if key == "" {
		key = envAPIKey()
	}
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("reach %s: %w", serverURL(), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var versions []policyVersion
	if err := json.Unmarshal(body, &versions); err != nil {
		return fmt.Errorf("parse version listing: %w", err)
	}

	if jsonOut {
		return printJSON(versions)
	}

	if len(versions) == 0 {
		fmt.Println("  no stored policy versions")
		return nil
	}
	fmt.Printf("  %s%-16s %-20s %-7s %s%s\n", ansiBold, "VERSION", "CREATED", "ACTIVE", "HASH", ansiReset)
	for _, v := range versions {
		// The marker is colored, so pad around it by hand; %-7s would
		// count the escape codes.
		marker := " "
		if v.IsActive {
			marker = ansiGreen + "*" + ansiReset
		}
		hash := v.PolicyHash
		if len(hash) > 12 {
			hash = hash[:12]
		}
		fmt.Printf("  %-16s %-20s %s      %s\n", v.Version, v.CreatedAt.Local().Format("2006-01-02 15:04:05"), marker, hash)
		if v.Description != "" {
			fmt.Printf("    %s%s%s\n", ansiDim, v.Description, ansiReset)
		}
	}
	return nil
}
