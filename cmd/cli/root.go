// Package cli provides the command-line interface of gapscan. It wires
// configuration, logging, the probe engine, both scan strategies, deep
// inspection and the report sinks into scan sessions.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/anstrom/gapscan/internal/config"
	gerrors "github.com/anstrom/gapscan/internal/errors"
	"github.com/anstrom/gapscan/internal/logging"
)

const (
	envPrefix         = "GAPSCAN"
	defaultConfigFile = "gapscan.yaml"
)

var (
	cfgFile string
	verbose bool
)

// Build information - these will be set by ldflags during build.
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

// exitCode is set by commands that run scan sessions.
var exitCode = gerrors.ExitCompleted

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "gapscan",
	Short: "Dual-strategy port scanner",
	Long: `gapscan scans a host with a fast top-ports pass and an exhaustive
full-range pass running concurrently, reports the ports the fast pass
missed, and fingerprints every open port.`,
	Version:       getVersion(),
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the command line and returns the process exit status:
// 0 completed, 1 no open ports, 2 unreachable, unavailable or invalid
// invocation, 3 cancelled.
func Execute(ctx context.Context) int {
	exitCode = gerrors.ExitCompleted
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		if errors.Is(err, context.Canceled) {
			return gerrors.ExitCanceled
		}
		return gerrors.ExitCode(err)
	}
	return exitCode
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./"+defaultConfigFile+")")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("log-format", "", "log format: text, json")

	bindFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
	bindFlag("logging.format", rootCmd.PersistentFlags().Lookup("log-format"))
}

// initConfig wires environment variables into viper. The config file
// itself is parsed by config.Load.
func initConfig() {
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if cfgFile == "" {
		if env := os.Getenv(envPrefix + "_CONFIG"); env != "" {
			cfgFile = env
		} else if _, err := os.Stat(defaultConfigFile); err == nil {
			cfgFile = defaultConfigFile
		}
	}
}

// loadConfig reads the config file, applies environment and flag
// overrides, validates the result and installs the configured logger.
func loadConfig() (*config.Config, *logging.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, err
	}
	applyOverrides(cfg)
	if verbose {
		cfg.Logging.Level = logging.LevelDebug
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to initialize logging: %v\n", err)
		logger = logging.NewDefault()
	}
	logging.SetDefault(logger)
	if cfgFile != "" {
		logger.Debug("Configuration loaded", "file", cfgFile)
	}
	return cfg, logger, nil
}

func getVersion() string {
	return fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildTime)
}

// SetVersion sets the version information (called from main).
func SetVersion(v, c, bt string) {
	version = v
	commit = c
	buildTime = bt
	rootCmd.Version = getVersion()
}
