package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var entitiesCmd = &cobra.Command{
	Use:   "entities",
	Short: "Inspect entities in the token hierarchy",
}

var entitiesCanRetireCmd = &cobra.Command{
	Use:   "can-retire <id>",
	Short: "Check whether an entity has active dependents blocking retirement",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newClient()

		var result struct {
			EntityID    string   `json:"entityId"`
			Allowed     bool     `json:"allowed"`
			BlockingIDs []string `json:"blockingIds"`
		}
		if err := client.getJSON(quorumAPIBase+"/entities/"+args[0]+"/can-retire", &result); err != nil {
			return fmt.Errorf("failed to check retirement: %w", err)
		}

		if outputFmt == "json" || outputFmt == "yaml" {
			return printOutput(result)
		}

		printKV([][2]string{
			{"Entity", result.EntityID},
			{"Retirable", fmt.Sprintf("%t", result.Allowed)},
			{"Blocked by", dash(strings.Join(result.BlockingIDs, ", "))},
		})
		return nil
	},
}

var entitiesDependentsCmd = &cobra.Command{
	Use:   "dependents <id>",
	Short: "List the direct dependents of an entity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newClient()

		var result struct {
			EntityID   string   `json:"entityId"`
			Dependents []string `json:"dependents"`
		}
		if err := client.getJSON(quorumAPIBase+"/entities/"+args[0]+"/dependents", &result); err != nil {
			return fmt.Errorf("failed to list dependents: %w", err)
		}

		if outputFmt == "json" || outputFmt == "yaml" {
			return printOutput(result)
		}

		if len(result.Dependents) == 0 {
			fmt.Printf("%s has no dependents\n", result.EntityID)
			return nil
		}
		for _, d := range result.Dependents {
			fmt.Println(d)
		}
		return nil
	},
}

func init() {
	entitiesCmd.AddCommand(entitiesCanRetireCmd)
	entitiesCmd.AddCommand(entitiesDependentsCmd)
}
