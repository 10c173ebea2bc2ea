package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	outputFmt string
	principal string
)

var rootCmd = &cobra.Command{
	Use:   "quorumctl",
	Short: "CLI for the quorum approval engine",
	Long: `quorumctl submits change requests to the quorum engine, casts votes,
and inspects the validator registry and approval rules.

Mutating commands act as the principal given with --as (or the
QUORUM_PRINCIPAL environment variable); the server resolves votes and
cancellations against that identity.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "Quorum server URL")
	rootCmd.PersistentFlags().StringVarP(&outputFmt, "output", "o", "table", "Output format: table, json, yaml")
	rootCmd.PersistentFlags().StringVar(&principal, "as", "", "Acting principal (default: from QUORUM_PRINCIPAL env)")

	rootCmd.AddCommand(requestsCmd)
	rootCmd.AddCommand(validatorsCmd)
	rootCmd.AddCommand(rulesCmd)
	rootCmd.AddCommand(entitiesCmd)
	rootCmd.AddCommand(healthCmd)
}

// resolvedPrincipal returns the effective acting identity.
// Priority: --as flag > QUORUM_PRINCIPAL env var > empty.
func resolvedPrincipal() string {
	if principal != "" {
		return principal
	}
	return os.Getenv("QUORUM_PRINCIPAL")
}
