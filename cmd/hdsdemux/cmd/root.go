// Package cmd implements the CLI commands for hdsdemux.
package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/wiseplay-app/hdsdemux/internal/config"
	"github.com/wiseplay-app/hdsdemux/internal/hds"
	"github.com/wiseplay-app/hdsdemux/internal/httpclient"
	"github.com/wiseplay-app/hdsdemux/internal/observability"
	"github.com/wiseplay-app/hdsdemux/internal/version"
)

var (
	cfgFile   string
	logLevel  string
	logFormat string

	// cfg is the loaded configuration, available to all subcommands
	// after PersistentPreRunE.
	cfg *config.Config
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:     "hdsdemux",
	Short:   "Adobe HTTP Dynamic Streaming demuxer",
	Version: version.Short(),
	Long: `hdsdemux follows Adobe HDS (.f4m) streams: it parses the manifest,
resolves per-quality bootstrap indexes, downloads media fragments in
order and decodes them into elementary audio and video samples.

Live playlists are followed across bootstrap refreshes; VOD playlists
are read to the end.`,
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		return initSession()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format (text, json)")

	// Bind flags to viper
	mustBindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
	mustBindPFlag("logging.format", rootCmd.PersistentFlags().Lookup("log-format"))
}

// initConfig sets up environment variable handling before config load.
func initConfig() {
	viper.SetEnvPrefix("HDSDEMUX")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
}

// initSession loads the configuration and installs the default logger.
func initSession() error {
	loaded, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	// Flags override file and environment configuration.
	if logLevel != "" {
		loaded.Logging.Level = logLevel
	}
	if logFormat != "" {
		loaded.Logging.Format = logFormat
	}
	if err := loaded.Validate(); err != nil {
		return err
	}
	cfg = loaded

	observability.SetDefault(observability.NewLogger(cfg.Logging))
	return nil
}

// newFetcher builds the production fetcher from the loaded configuration.
func newFetcher() *hds.HTTPFetcher {
	clientCfg := httpclient.DefaultConfig()
	clientCfg.Timeout = cfg.HTTP.Timeout
	clientCfg.RetryAttempts = cfg.HTTP.RetryAttempts
	clientCfg.RetryDelay = cfg.HTTP.RetryDelay
	clientCfg.CircuitThreshold = cfg.HTTP.CircuitThreshold
	clientCfg.CircuitTimeout = cfg.HTTP.CircuitTimeout
	clientCfg.UserAgent = cfg.HTTP.UserAgent

	return hds.NewHTTPFetcher(httpclient.New(clientCfg))
}

// loadManifest obtains the manifest bytes from a URL or a local file.
func loadManifest(ctx context.Context, fetcher *hds.HTTPFetcher, location string) ([]byte, error) {
	if strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://") {
		return fetcher.Fetch(ctx, location)
	}
	data, err := os.ReadFile(location)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	return data, nil
}

// mustBindPFlag binds a viper key to a cobra flag and panics if binding fails.
func mustBindPFlag(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("failed to bind flag %q to key %q: %v", flag.Name, key, err))
	}
}
