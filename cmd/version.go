package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/shawkym/roombot/internal/version"
)

var (
	checkUpdate bool
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run:   runVersion,
}

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().BoolVar(&checkUpdate, "check-update", false, "Check GitHub for a newer release")
}

func runVersion(cmd *cobra.Command, args []string) {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, version.GetVersionString())

	if !checkUpdate {
		return
	}

	hasUpdate, latestVersion, err := version.CheckForUpdate()
	switch {
	case err != nil:
		fmt.Fprintf(out, "Could not check for updates: %v\n", err)
	case hasUpdate:
		fmt.Fprintf(out, "Update available: %s (current: %s)\n", latestVersion, version.GetShortVersion())
	case latestVersion != "":
		fmt.Fprintf(out, "You're running the latest version (%s)\n", latestVersion)
	default:
		fmt.Fprintln(out, "Update check unavailable")
	}
}
