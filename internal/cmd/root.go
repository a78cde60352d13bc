// Package cmd wires the pulsefeed CLI: the ingestion server plus operator
// commands for status, on-demand sync, and quota window administration.
package cmd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pulsefeed/pulsefeed/internal/config"
)

var (
	cfgFile string
	verbose bool

	// Version info set by main package
	versionInfo struct {
		Version   string
		Commit    string
		BuildDate string
	}
)

// SetVersionInfo is called by main package to set version information
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "pulsefeed",
	Short: "Quota-aware ingestion of posts from a rate-limited provider",
	Long: `Pulsefeed ingests posts from a rate-limited provider API in near real
time. It prefers a streaming connection, falls back to polling, and keeps
every request inside the provider's quota windows.

Use the subcommands to perform specific operations.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $XDG_CONFIG_HOME/pulsefeed/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output (sets log level to debug)")

	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	setDefaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		if dir := config.DefaultConfigDir(); dir != "" {
			viper.AddConfigPath(dir)
		}
		viper.AddConfigPath(".")
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("PULSEFEED")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && cfgFile != "" {
			fmt.Fprintf(os.Stderr, "failed to read config file: %v\n", err)
			os.Exit(1)
		}
	}
}

func setDefaults() {
	viper.SetDefault("server.host", "localhost")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", 30*time.Second)
	viper.SetDefault("server.write_timeout", 30*time.Second)
	viper.SetDefault("server.idle_timeout", 120*time.Second)
	viper.SetDefault("server.shutdown_timeout", 10*time.Second)

	viper.SetDefault("store.driver", "libsql")
	viper.SetDefault("store.path", config.DefaultStorePath())

	viper.SetDefault("provider.timeout", 15*time.Second)

	viper.SetDefault("ingest.stream_enabled", true)
	viper.SetDefault("ingest.stream_reconnect_delay", 30*time.Second)
	viper.SetDefault("ingest.poll_interval", 90*time.Second)
	viper.SetDefault("ingest.backfill_interval", 30*time.Second)
	viper.SetDefault("ingest.backfill_page_size", 100)
	viper.SetDefault("ingest.sync_cooldown", 30*time.Second)
	viper.SetDefault("ingest.cache_ttl", 60*time.Second)
	viper.SetDefault("ingest.cache_retention", 24*time.Hour)
	viper.SetDefault("ingest.cache_max_items", 50)
	viper.SetDefault("ingest.request_spacing", 250*time.Millisecond)
	viper.SetDefault("ingest.throttle_backoff", 5*time.Second)
	viper.SetDefault("ingest.request_timeout", 30*time.Second)
	viper.SetDefault("ingest.max_throttle_retries", 3)

	viper.SetDefault("quota.margin", 0.9)

	viper.SetDefault("logging.level", "info")

	viper.SetDefault("accounts_file", "accounts.yaml")
}
