package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BadgerOps/edirelay/internal/config"
	"github.com/BadgerOps/edirelay/internal/metrics"
	"github.com/BadgerOps/edirelay/internal/partner"
	"github.com/BadgerOps/edirelay/internal/store"
	"github.com/BadgerOps/edirelay/internal/transport"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	cfgPath      string
	partnersPath string
	envFile      string
	logLevel     string
	logFormat    string
	dbPath       string
	globalCfg    *config.Config
	logger       *slog.Logger
	logFile      *os.File

	// Global components
	globalRegistry *partner.Registry
	globalStore    *store.Store
	globalMetrics  *metrics.Metrics

	// newDialer builds the transport used by the run commands. Tests swap it.
	newDialer = func(cfg *config.Config, log *slog.Logger) transport.Dialer {
		return transport.NewDialer(transport.Options{
			Timeout:    cfg.Transport.Timeout,
			KnownHosts: cfg.Transport.KnownHosts,
			Debug:      cfg.Logging.FTPDebug,
		}, log)
	}
)

// loadEnvFile loads credentials from a dotenv file. An explicit --env-file
// must exist; the default .env is optional.
func loadEnvFile() error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return fmt.Errorf("loading env file %s: %w", envFile, err)
		}
		return nil
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("loading .env: %w", err)
	}
	return nil
}

// loadConfig reads the master config, falling back to defaults when no
// file is found. The returned warning is logged once logging is set up.
func loadConfig() (warning error, err error) {
	if cfgPath == "" {
		cfgPath, warning = config.FindConfigFile()
	}

	if cfgPath != "" {
		globalCfg, err = config.Load(cfgPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	} else {
		globalCfg = config.DefaultConfig()
		globalCfg.PartnersFile = config.FindPartnersFile(".")
	}

	// Override with command-line flags if provided
	if partnersPath != "" {
		globalCfg.PartnersFile = partnersPath
	}
	if dbPath != "" {
		globalCfg.Store.DBPath = dbPath
	}
	if logLevel != "" {
		globalCfg.Logging.LogLevel = logLevel
	}
	if logFormat != "" {
		globalCfg.Logging.LogFormat = logFormat
	}

	return warning, nil
}

// initializeComponents builds what the command needs: the partner registry,
// the run-history store and metrics.
func initializeComponents(cmdPath string) error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}

	if needsPartners(cmdPath) {
		cfgs, err := config.LoadPartners(globalCfg.PartnersFile)
		if err != nil {
			return fmt.Errorf("%w: %v", partner.ErrConfig, err)
		}
		reg, err := partner.NewRegistry(cfgs)
		if err != nil {
			return err
		}
		globalRegistry = reg
		logger.Debug("partners loaded", "path", globalCfg.PartnersFile, "count", reg.Len())
	}

	if needsStore(cmdPath) && globalCfg.Store.DBPath != "" {
		if dir := filepath.Dir(globalCfg.Store.DBPath); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return fmt.Errorf("creating database folder: %w", err)
			}
		}
		st, err := store.New(globalCfg.Store.DBPath, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize store: %w", err)
		}
		globalStore = st
	}

	if cmdPath == "inbound" || cmdPath == "outbound" {
		globalMetrics = metrics.New()
	}

	return nil
}

// commandPath returns the command path without the binary name,
// e.g. "partners list".
func commandPath(cmd *cobra.Command) string {
	path := cmd.CommandPath()
	if i := strings.IndexByte(path, ' '); i >= 0 {
		return path[i+1:]
	}
	return path
}

func needsPartners(cmdPath string) bool {
	switch cmdPath {
	case "inbound", "outbound", "partners", "partners list", "config validate":
		return true
	}
	return false
}

func needsStore(cmdPath string) bool {
	switch cmdPath {
	case "inbound", "outbound", "history", "history show", "history unarchived":
		return true
	}
	return false
}

func logsToFile(cmdPath string) bool {
	return cmdPath == "inbound" || cmdPath == "outbound"
}

// closeComponents closes the store and the log file
func closeComponents() {
	if globalStore != nil {
		if err := globalStore.Close(); err != nil {
			logger.Error("failed to close store", "error", err)
		}
		globalStore = nil
	}
	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
}

// NewRootCmd creates and returns the root command
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "edirelay",
		Short: "Partner-aware X12 EDI file transfer",
		Long: `edirelay moves X12 EDI interchange files between local folders and
trading partner FTP/SFTP servers.

  inbound   downloads new files from every enabled partner and marks them
            processed on the server by prefixing their name with "X"
  outbound  routes staged files to the partner named in the interchange
            header (ISA08), uploads them and archives what was delivered

Partners are defined in a separate partners file; ${VAR} references in it
are expanded from the environment and an optional .env file.`,
		Example: `  edirelay inbound
  edirelay outbound --config /etc/edirelay/edirelay.yaml
  edirelay partners list
  edirelay history --direction outbound --limit 10
  edirelay config validate`,
		Version:      "0.1.0",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if shouldSkipConfig(cmd.Name()) {
				setupLogging(os.Stderr)
				return nil
			}

			if err := loadEnvFile(); err != nil {
				return err
			}

			warning, err := loadConfig()
			if err != nil {
				return err
			}

			out, err := openLogOutput(commandPath(cmd))
			if err != nil {
				return err
			}
			setupLogging(out)

			if warning != nil {
				logger.Warn("config file not found, using defaults", "error", warning)
			}
			logger.Debug("config loaded", "path", cfgPath, "partners_file", globalCfg.PartnersFile)

			if err := initializeComponents(commandPath(cmd)); err != nil {
				return fmt.Errorf("failed to initialize components: %w", err)
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			closeComponents()
		},
	}

	// Add persistent flags
	cmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file (auto-discovered if not specified)")
	cmd.PersistentFlags().StringVar(&partnersPath, "partners", "", "override partners file")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", "", "dotenv file with partner credentials (default .env when present)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format (text or json)")
	cmd.PersistentFlags().StringVar(&dbPath, "db", "", "run-history database path (overrides store.db_path)")

	// Add subcommands
	cmd.AddCommand(
		newInboundCmd(),
		newOutboundCmd(),
		newPartnersCmd(),
		newHistoryCmd(),
		newConfigCmd(),
	)

	return cmd
}

// openLogOutput returns stderr, teed into <log_folder>/<command>_YYYY-MM-DD.log
// when a log folder is configured and the command is one of the processors.
func openLogOutput(cmdPath string) (io.Writer, error) {
	folder := globalCfg.Logging.LogFolder
	if folder == "" || !logsToFile(cmdPath) {
		return os.Stderr, nil
	}

	if err := os.MkdirAll(folder, 0755); err != nil {
		return nil, fmt.Errorf("creating log folder: %w", err)
	}

	name := fmt.Sprintf("%s_%s.log", cmdPath, time.Now().Format("2006-01-02"))
	f, err := os.OpenFile(filepath.Join(folder, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	logFile = f
	return io.MultiWriter(os.Stderr, f), nil
}

// setupLogging initializes the slog logger from the effective config
func setupLogging(out io.Writer) {
	levelName, formatName := logLevel, logFormat
	if globalCfg != nil {
		levelName, formatName = globalCfg.Logging.LogLevel, globalCfg.Logging.LogFormat
	}

	var level slog.Level
	switch strings.ToLower(levelName) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	if strings.ToLower(formatName) == "json" {
		handler = slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})
	}

	logger = slog.New(handler)
	slog.SetDefault(logger)
}

// shouldSkipConfig checks if a command should skip config loading
func shouldSkipConfig(cmdName string) bool {
	skipConfigCmds := map[string]bool{
		"help":       true,
		"version":    true,
		"completion": true,
	}
	return skipConfigCmds[cmdName]
}
