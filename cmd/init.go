package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/shawkym/roombot/pkg/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter roombot configuration",
	Long: `Write a roombot.yaml with default settings. Fill in the homeserver, the
credential, the room, and the expected sender before running the bot.
Values already present in the MATRIX_* environment are used.`,
	RunE: runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().StringP("output", "o", defaultConfigName, "Output configuration file path")
	initCmd.Flags().Bool("force", false, "Overwrite an existing file")
}

func runInit(cmd *cobra.Command, args []string) error {
	outputPath, _ := cmd.Flags().GetString("output")
	force, _ := cmd.Flags().GetBool("force")

	if _, err := os.Stat(outputPath); err == nil && !force {
		return fmt.Errorf("configuration file %s already exists (use --force to overwrite)", outputPath)
	}

	cfg := starterConfig()
	if err := cfg.SaveConfig(outputPath); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Configuration written to %s\n", outputPath)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "Still to fill in: %v\n", err)
	}
	return nil
}

// starterConfig is the default config with any MATRIX_* values filled in.
func starterConfig() *config.Config {
	cfg := config.NewDefaultConfig()
	if envCfg, err := config.FromEnv(); err == nil {
		cfg = envCfg
	} else {
		cfg.Matrix.Homeserver = os.Getenv(config.EnvHomeserver)
		cfg.Matrix.AccessToken = os.Getenv(config.EnvAccessToken)
		cfg.Matrix.UserID = os.Getenv(config.EnvUserID)
		cfg.Matrix.Room = os.Getenv(config.EnvRoom)
		cfg.Matrix.ExpectedSender = os.Getenv(config.EnvExpectedSender)
	}
	return cfg
}
