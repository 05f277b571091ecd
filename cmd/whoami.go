package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/shawkym/roombot/internal/matrix"
)

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Check the bot credential and print its Matrix user ID",
	RunE:  runWhoami,
}

func init() {
	rootCmd.AddCommand(whoamiCmd)
}

func runWhoami(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Matrix.RequestTimeout()*2)
	defer cancel()

	client, err := newClient(ctx, cfg)
	if err != nil {
		return err
	}

	userID, err := client.Whoami(ctx)
	if err != nil {
		// Any HTTP answer means the server is reachable and refused the token.
		var transport *matrix.TransportError
		if errors.As(err, &transport) && transport.StatusCode != 0 {
			return &matrix.AuthError{Err: err}
		}
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), userID)
	return nil
}
