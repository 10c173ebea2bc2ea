package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Inspect and reload the approval rules",
}

var rulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the resolved rule set",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newClient()

		var result struct {
			Rules []struct {
				ChangeType              string `json:"changeType"`
				Tier                    string `json:"tier"`
				RequiredRole            string `json:"requiredRole"`
				Approvers               int    `json:"approvers"`
				TimeoutHours            int    `json:"timeoutHours"`
				CascadeOnRejection      bool   `json:"cascadeOnRejection"`
				BlockOnActiveDependents bool   `json:"blockOnActiveDependents"`
			} `json:"rules"`
			LoadedAt string `json:"loadedAt"`
		}
		if err := client.getJSON(quorumAPIBase+"/rules", &result); err != nil {
			return fmt.Errorf("failed to list rules: %w", err)
		}

		if outputFmt == "json" || outputFmt == "yaml" {
			return printOutput(result)
		}

		headers := []string{"Change Type", "Tier", "Role", "Approvers", "Timeout (h)", "Cascade", "Block Deps"}
		rows := make([][]string, 0, len(result.Rules))
		for _, r := range result.Rules {
			rows = append(rows, []string{
				r.ChangeType,
				r.Tier,
				r.RequiredRole,
				fmt.Sprintf("%d", r.Approvers),
				fmt.Sprintf("%d", r.TimeoutHours),
				fmt.Sprintf("%t", r.CascadeOnRejection),
				fmt.Sprintf("%t", r.BlockOnActiveDependents),
			})
		}
		printTable(headers, rows)
		fmt.Printf("Loaded at: %s\n", result.LoadedAt)
		return nil
	},
}

var rulesReloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Re-read the rule file on the server",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newClient()

		var result map[string]any
		if err := client.postJSON(quorumAPIBase+"/rules/reload", map[string]any{}, &result); err != nil {
			return fmt.Errorf("failed to reload rules: %w", err)
		}

		return printOutput(result)
	},
}

func init() {
	rulesCmd.AddCommand(rulesListCmd)
	rulesCmd.AddCommand(rulesReloadCmd)
}
