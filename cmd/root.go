package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/redloop/redloop/internal/output"
	"github.com/redloop/redloop/internal/store"
)

// Package-level shared dependencies, initialized in cobra.OnInitialize.
var (
	ui *output.UI

	verbose bool
)

var (
	buildVersion = "dev"
	buildCommit  = "none"
	buildDate    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "redloop",
	Short: "TDD coding session engine for AI-driven implementation",
	Long: `redloop drives AI-assisted implementation sessions through a strict
RED -> GREEN -> REFACTOR cycle, one test at a time. It supervises the
dispatched AI jobs, recovers stuck work deterministically, and enforces a
locked rule set over which files each phase may touch.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	DisableAutoGenTag: true,
}

// Execute is the main entry point called from main.go.
func Execute(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig, initDeps)

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().String("config", "", "Config file (default ~/.config/redloop/config.yaml)")
	rootCmd.PersistentFlags().String("project", "", "Project root directory (default current directory)")
}

func initConfig() {
	// If --config is explicitly set, use that file
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		configDir, err := configDirFunc()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: cannot find home directory: %v\n", err)
			os.Exit(1)
		}
		viper.AddConfigPath(configDir)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("REDLOOP")
	viper.AutomaticEnv()

	// Defaults via viper.SetDefault()
	viper.SetDefault("anthropic.api_key", "")
	viper.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	viper.SetDefault("tdd.stuck_limit", 3)
	viper.SetDefault("sweep.stale_after", "5m")
	viper.SetDefault("sweep.interval", "30s")

	// Read config file if it exists (optional)
	_ = viper.ReadInConfig()
}

func initDeps() {
	ui = output.New()
	ui.Verbose = verbose

	// Stores open lazily, one per project, when commands need them.
}

// projectRoot resolves the project directory from --project or the cwd.
func projectRoot() (string, error) {
	if p, _ := rootCmd.PersistentFlags().GetString("project"); p != "" {
		return filepath.Abs(p)
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("resolve working directory: %w", err)
	}
	return wd, nil
}

// getStore returns the cached per-project store for the resolved project.
func getStore() (store.Store, error) {
	root, err := projectRoot()
	if err != nil {
		return nil, err
	}
	s, err := store.Open(root)
	if err != nil {
		return nil, fmt.Errorf("open project store: %w", err)
	}
	return s, nil
}
