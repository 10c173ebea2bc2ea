package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var validatorsCmd = &cobra.Command{
	Use:   "validators",
	Short: "Manage the validator registry",
}

var validatorsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List validators, active and inactive",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newClient()

		var result struct {
			Validators []struct {
				ID            string `json:"id"`
				DisplayName   string `json:"displayName"`
				Role          string `json:"role"`
				AuthorityTier string `json:"authorityTier"`
				Active        bool   `json:"active"`
			} `json:"validators"`
			TotalSize int `json:"totalSize"`
		}
		if err := client.getJSON(quorumAPIBase+"/validators", &result); err != nil {
			return fmt.Errorf("failed to list validators: %w", err)
		}

		if outputFmt == "json" || outputFmt == "yaml" {
			return printOutput(result)
		}

		headers := []string{"ID", "Name", "Role", "Tier", "Active"}
		rows := make([][]string, 0, len(result.Validators))
		for _, v := range result.Validators {
			rows = append(rows, []string{
				v.ID,
				dash(v.DisplayName),
				v.Role,
				v.AuthorityTier,
				fmt.Sprintf("%t", v.Active),
			})
		}
		printTable(headers, rows)
		fmt.Printf("Total: %d\n", result.TotalSize)
		return nil
	},
}

var (
	validatorName     string
	validatorRole     string
	validatorTier     string
	validatorInactive bool
)

var validatorsPutCmd = &cobra.Command{
	Use:   "put <id>",
	Short: "Create or replace a validator",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newClient()

		body := map[string]any{
			"displayName":   validatorName,
			"role":          validatorRole,
			"authorityTier": validatorTier,
			"active":        !validatorInactive,
		}

		var result map[string]any
		if err := client.putJSON(quorumAPIBase+"/validators/"+args[0], body, &result); err != nil {
			return fmt.Errorf("failed to put validator: %w", err)
		}

		return printOutput(result)
	},
}

var validatorsDeactivateCmd = &cobra.Command{
	Use:   "deactivate <id>",
	Short: "Remove a validator from future approval boards",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newClient()

		var result map[string]any
		if err := client.postJSON(quorumAPIBase+"/validators/"+args[0]+"/deactivate", map[string]any{}, &result); err != nil {
			return fmt.Errorf("failed to deactivate validator: %w", err)
		}

		return printOutput(result)
	},
}

func init() {
	validatorsPutCmd.Flags().StringVar(&validatorName, "name", "", "Display name")
	validatorsPutCmd.Flags().StringVar(&validatorRole, "role", "VALIDATOR", "Role: VALIDATOR or ADMIN")
	validatorsPutCmd.Flags().StringVar(&validatorTier, "tier", "STANDARD", "Authority tier: STANDARD, ELEVATED, or CRITICAL")
	validatorsPutCmd.Flags().BoolVar(&validatorInactive, "inactive", false, "Register as inactive")

	validatorsCmd.AddCommand(validatorsListCmd)
	validatorsCmd.AddCommand(validatorsPutCmd)
	validatorsCmd.AddCommand(validatorsDeactivateCmd)
}
