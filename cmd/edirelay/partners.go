package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newPartnersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "partners",
		Short: "Inspect configured trading partners",
		Long: `Inspect the trading partners loaded from the partners file.
Use "partners list" to see IDs, endpoints and enabled state.`,
		RunE: partnersListRun,
	}

	cmd.AddCommand(newPartnersListCmd())
	return cmd
}

func newPartnersListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List configured partners",
		Long:    "List all configured partners in configuration order, with protocol, endpoint, remote paths and whether each one is enabled. Credentials are never shown.",
		RunE:    partnersListRun,
	}
}

func partnersListRun(cmd *cobra.Command, args []string) error {
	if globalRegistry == nil {
		return fmt.Errorf("partners not loaded")
	}

	partners := globalRegistry.All()
	if len(partners) == 0 {
		fmt.Println("No partners configured.")
		return nil
	}

	fmt.Println("Configured Partners")
	fmt.Println("===================")
	fmt.Println("")
	fmt.Printf("%-16s %-24s %-6s %-28s %-8s %-16s %-16s\n", "ID", "Name", "Proto", "Endpoint", "Enabled", "Inbound", "Outbound")
	fmt.Println(strings.Repeat("-", 120))

	for _, p := range partners {
		enabled := "no"
		if p.Enabled {
			enabled = "yes"
		}

		fmt.Printf("%-16s %-24s %-6s %-28s %-8s %-16s %-16s\n",
			p.ID, p.Name, p.Protocol, p.Endpoint().Addr(), enabled, orDash(p.InboundPath), orDash(p.OutboundPath))
	}
	fmt.Println("")

	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
