package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/BadgerOps/edirelay/internal/archive"
	"github.com/BadgerOps/edirelay/internal/engine"
	"github.com/spf13/cobra"
)

func newInboundCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inbound",
		Short: "Retrieve new files from all enabled partners",
		Long: `Connect to every enabled partner in configuration order, download each
file in its inbound directory whose name does not start with "X" into the
local drop-off folder, then rename it on the server to "X<name>" so it is
not retrieved again.

A partner that cannot be reached is logged and skipped; the remaining
partners are still processed. The command exits non-zero when any partner
or file failed.`,
		Example: `  edirelay inbound
  edirelay inbound --partners /etc/edirelay/partners.yaml --log-level debug`,
		Args: cobra.NoArgs,
		RunE: inboundRun,
	}

	return cmd
}

func inboundRun(cmd *cobra.Command, args []string) error {
	if globalCfg == nil || globalRegistry == nil {
		return fmt.Errorf("config not loaded")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	e := engine.NewInbound(globalRegistry, newDialer(globalCfg, logger), globalCfg.LocalFolders.InboundDropoff, logger)
	e.SetStore(globalStore)
	e.SetMetrics(globalMetrics)

	report, runErr := e.Run(ctx)
	if report == nil {
		return runErr
	}
	writeMetrics()

	for _, p := range report.Partners {
		if p.Err != nil {
			fmt.Printf("  %-16s ERROR: %v\n", p.PartnerID, p.Err)
			continue
		}
		fmt.Printf("  %-16s downloaded %d, failed %d\n", p.PartnerID, p.Downloaded, p.Failed)
	}

	fmt.Println("\n=== INBOUND SUMMARY ===")
	fmt.Printf("Run ID:           %s\n", report.RunID)
	fmt.Printf("Total Downloaded: %d\n", report.Downloaded)
	fmt.Printf("Total Failed:     %d\n", report.Failed)

	if runErr != nil {
		return runErr
	}
	if report.Failed > 0 {
		return fmt.Errorf("inbound completed with %d failures", report.Failed)
	}
	return nil
}

func newOutboundCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbound",
		Short: "Deliver staged files to their partners",
		Long: `Process every regular file in the outbound pick-up folder: read the
interchange receiver ID (ISA08) from its first line, find the enabled
partner with that ID, upload the file to the partner's outbound directory
and, only after a successful upload, move it into the archive folder using
the partner's (or the global) archive templates.

Files that cannot be identified, matched or uploaded stay in the pick-up
folder for the next run. The command exits non-zero when any file failed.`,
		Example: `  edirelay outbound
  edirelay outbound --db /var/lib/edirelay/edirelay.db`,
		Args: cobra.NoArgs,
		RunE: outboundRun,
	}

	return cmd
}

func outboundRun(cmd *cobra.Command, args []string) error {
	if globalCfg == nil || globalRegistry == nil {
		return fmt.Errorf("config not loaded")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	arch := archive.NewArchiver(globalCfg.LocalFolders.OutboundArchive, globalCfg.ArchiveTemplates, logger)
	e := engine.NewOutbound(globalRegistry, newDialer(globalCfg, logger), arch, globalCfg.LocalFolders.OutboundPickup, logger)
	e.SetStore(globalStore)
	e.SetMetrics(globalMetrics)

	report, runErr := e.Run(ctx)
	if report == nil {
		return runErr
	}
	writeMetrics()

	for _, f := range report.Files {
		name := filepath.Base(f.Path)
		switch {
		case f.State == engine.StateArchived:
			fmt.Printf("  %-32s -> %s (archived)\n", name, f.PartnerID)
		case f.Succeeded():
			fmt.Printf("  %-32s -> %s (delivered, archive failed: %v)\n", name, f.PartnerID, f.Err)
		default:
			fmt.Printf("  %-32s FAILED at %s: %v\n", name, f.State, f.Err)
		}
	}

	fmt.Println("\n=== OUTBOUND SUMMARY ===")
	fmt.Printf("Run ID:     %s\n", report.RunID)
	fmt.Printf("Successful: %d\n", report.Succeeded)
	fmt.Printf("Failed:     %d\n", report.Failed)

	if runErr != nil {
		return runErr
	}
	if report.Failed > 0 {
		return fmt.Errorf("outbound completed with %d failures", report.Failed)
	}
	return nil
}

// writeMetrics exports the run's metrics when a textfile path is configured
func writeMetrics() {
	path := globalCfg.Metrics.Textfile
	if path == "" || globalMetrics == nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		logger.Warn("failed to create metrics folder", "error", err)
		return
	}
	if err := globalMetrics.WriteTextfile(path); err != nil {
		logger.Warn("failed to write metrics", "path", path, "error", err)
	}
}
