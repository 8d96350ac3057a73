package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/enroll/internal/grabber"
	"github.com/joescharf/enroll/internal/jwc"
	"github.com/joescharf/enroll/internal/output"
	"github.com/joescharf/enroll/internal/solver"
	"github.com/joescharf/enroll/internal/store"
)

// Package-level shared dependencies, initialized in cobra.OnInitialize.
var (
	ui        *output.UI
	dataStore store.Store

	verbose bool
	dryRun  bool
)

var rootCmd = &cobra.Command{
	Use:   "enroll",
	Short: "Race for course seats across several backend endpoints",
	Long: `enroll logs in to the course selection service on every configured
endpoint, keeps a worklist of wanted courses, and repeatedly submits claim
requests for the ones not yet claimed until all are taken or you stop it.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	DisableAutoGenTag: true,
}

// Execute is the main entry point called from main.go.
func Execute(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date

	err := rootCmd.Execute()
	if dataStore != nil {
		_ = dataStore.Close()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig, initDeps)

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVarP(&dryRun, "dry-run", "n", false, "Show what would happen without making changes")
	rootCmd.PersistentFlags().String("config", "", "Config file (default ~/.config/enroll/config.yaml)")
}

func initConfig() {
	// Credentials may live in a .env next to where enroll is run.
	_ = godotenv.Load()

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

	viper.SetEnvPrefix("ENROLL")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	_ = viper.BindEnv("anthropic.api_key", "ENROLL_ANTHROPIC_API_KEY", "ANTHROPIC_API_KEY")

	defaultDir, _ := configDirFunc()
	setDefaults(defaultDir)

	// Read config file if it exists (optional)
	_ = viper.ReadInConfig()
}

// setDefaults registers every config key with its default, rooted at dir.
func setDefaults(dir string) {
	viper.SetDefault("state_dir", dir)
	viper.SetDefault("db_path", filepath.Join(dir, "enroll.db"))

	viper.SetDefault("account.username", "")
	viper.SetDefault("account.password", "")
	viper.SetDefault("endpoints", grabber.DefaultEndpoints)

	viper.SetDefault("login.max_attempts", 10)
	viper.SetDefault("login.retry_delay", "1s")

	viper.SetDefault("http.timeout", jwc.DefaultTimeout.String())
	viper.SetDefault("http.claim_timeout", jwc.DefaultClaimTimeout.String())
	viper.SetDefault("http.probe_timeout", "5s")
	viper.SetDefault("http.user_agent", jwc.DefaultUserAgent)

	viper.SetDefault("race.interval", "2s")
	viper.SetDefault("race.workers", 20)
	viper.SetDefault("race.queue_size", 0)
	viper.SetDefault("race.skip_in_flight", false)

	viper.SetDefault("solver.kind", "command")
	viper.SetDefault("solver.command", "")
	viper.SetDefault("solver.code_length", jwc.DefaultCodeLength)
	viper.SetDefault("anthropic.api_key", "")
	viper.SetDefault("anthropic.model", solver.DefaultModel)

	viper.SetDefault("log.file", filepath.Join(dir, "enroll.log"))
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.max_size_mb", 10)
	viper.SetDefault("log.max_backups", 3)
}

func initDeps() {
	ui = output.New()
	ui.Verbose = verbose
	ui.DryRun = dryRun

	// Initialize store lazily: only when commands actually need it.
	// This allows config/version commands to run without a db.
}

// cmdContext is the running command's context, or Background outside a
// command invocation.
func cmdContext() context.Context {
	if ctx := rootCmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// getStore returns the shared store, initializing it on first call.
func getStore() (store.Store, error) {
	if dataStore != nil {
		return dataStore, nil
	}

	dbPath := viper.GetString("db_path")
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := s.Migrate(cmdContext()); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	dataStore = s
	return dataStore, nil
}
