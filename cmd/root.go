package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/shawkym/roombot/internal/version"
	"github.com/shawkym/roombot/pkg/config"
	"github.com/shawkym/roombot/pkg/log"
)

const defaultConfigName = "roombot.yaml"

var (
	cfgFile     string
	showVersion bool
)

var rootCmd = &cobra.Command{
	Use:   "roombot",
	Short: "A long-polling Matrix bot that answers one person in one room",
	Long: `roombot logs in to a Matrix homeserver as a bot account, follows a single
room through incremental /sync long-polls, and reacts to plain-text messages
from one expected sender. Sending "exit" in the room stops the bot.`,
	SilenceUsage: true,
	Run: func(cmd *cobra.Command, args []string) {
		if showVersion {
			fmt.Println(version.GetVersionString())
			return
		}
		_ = cmd.Help()
	},
}

// Execute runs the root command and exits non-zero on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.SetGlobalNormalizationFunc(normalizeFlagName)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./roombot.yaml, then ~/.roombot/roombot.yaml)")
	rootCmd.PersistentFlags().Bool("verbose", false, "Enable debug logging")
	rootCmd.PersistentFlags().Bool("log-json", false, "Write logs as JSON lines instead of pretty console output")
	rootCmd.Flags().BoolVarP(&showVersion, "version", "V", false, "Show version information")

	for _, name := range []string{"verbose", "log-json"} {
		if err := viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name)); err != nil {
			fmt.Fprintf(os.Stderr, "Error binding %s flag: %v\n", name, err)
		}
	}
}

// normalizeFlagName accepts snake_case spellings such as --log_json.
func normalizeFlagName(f *pflag.FlagSet, name string) pflag.NormalizedName {
	return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
}

func initConfig() {
	level := zerolog.InfoLevel
	if viper.GetBool("verbose") {
		level = zerolog.DebugLevel
	}
	log.InitLogger(os.Stderr, level, !viper.GetBool("log-json"))

	viper.SetEnvPrefix("roombot")
	viper.AutomaticEnv()
}

// resolveConfigPath returns the --config path, or the first default location
// that exists, or "" when there is no config file.
func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}

	candidates := []string{defaultConfigName}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".roombot", defaultConfigName))
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// loadConfig reads the config file when one is found and falls back to the
// MATRIX_* environment otherwise. It returns the path used, if any.
func loadConfig() (*config.Config, string, error) {
	path := resolveConfigPath()
	if path == "" {
		log.Debug("no config file found, using environment")
		cfg, err := config.FromEnv()
		if err != nil {
			return nil, "", fmt.Errorf("no config file found and environment is incomplete: %w", err)
		}
		return cfg, "", nil
	}

	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, path, fmt.Errorf("failed to load config %s: %w", path, err)
	}
	log.WithField("config_file", path).Debug("loaded configuration file")
	return cfg, path, nil
}
