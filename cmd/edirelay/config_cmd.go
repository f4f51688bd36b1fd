package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
		Long: `Inspect edirelay configuration. Subcommands show the effective master
configuration or validate it together with the partners file.`,
		Example: `  edirelay config show
  edirelay config validate --partners ./partners.yaml`,
	}

	cmd.AddCommand(
		newConfigShowCmd(),
		newConfigValidateCmd(),
	)

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Display current configuration",
		Long: `Display the effective master configuration in YAML format, with any
command-line overrides applied. Partner credentials live in the partners
file and are not shown.`,
		Example: `  edirelay config show
  edirelay config show --config /etc/edirelay/edirelay.yaml`,
		RunE: configShowRun,
	}

	return cmd
}

func configShowRun(cmd *cobra.Command, args []string) error {
	log := slog.Default()

	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}

	log.Debug("showing configuration")

	data, err := yaml.Marshal(globalCfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	fmt.Println("Current Configuration:")
	fmt.Println("======================")
	fmt.Println(string(data))

	return nil
}

func newConfigValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration and partners file",
		Long: `Load the master configuration and the partners file and check every
partner record. Missing local folders are reported as warnings since the
run commands create the drop-off and archive folders on demand.`,
		RunE: configValidateRun,
	}

	return cmd
}

func configValidateRun(cmd *cobra.Command, args []string) error {
	if globalCfg == nil || globalRegistry == nil {
		return fmt.Errorf("config not loaded")
	}

	folders := []struct {
		name string
		path string
	}{
		{"inbound_dropoff", globalCfg.LocalFolders.InboundDropoff},
		{"outbound_pickup", globalCfg.LocalFolders.OutboundPickup},
		{"outbound_archive", globalCfg.LocalFolders.OutboundArchive},
	}

	warnings := 0
	for _, f := range folders {
		if f.path == "" {
			fmt.Printf("  WARN  local_folders.%s is not set\n", f.name)
			warnings++
			continue
		}
		if info, err := os.Stat(f.path); err != nil || !info.IsDir() {
			fmt.Printf("  WARN  local_folders.%s %s does not exist\n", f.name, f.path)
			warnings++
		}
	}

	fmt.Printf("Configuration valid: %d partners (%d enabled), %d warnings\n",
		globalRegistry.Len(), len(globalRegistry.Enabled()), warnings)
	return nil
}
