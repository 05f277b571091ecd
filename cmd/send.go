package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/shawkym/roombot/internal/matrix"
	"github.com/shawkym/roombot/pkg/log"
)

var sendRoom string

var sendCmd = &cobra.Command{
	Use:   "send <text...>",
	Short: "Send one text message to the configured room",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSend,
}

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().StringVar(&sendRoom, "room", "", "Room ID or alias (overrides matrix.room)")
}

func runSend(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	text := strings.Join(args, " ")
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("refusing to send an empty message")
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Matrix.RequestTimeout()*3)
	defer cancel()

	client, err := newClient(ctx, cfg)
	if err != nil {
		return err
	}

	room := cfg.Matrix.Room
	if sendRoom != "" {
		room = sendRoom
	}
	roomID, err := resolveRoom(ctx, client, room)
	if err != nil {
		return err
	}

	eventID, err := matrix.SendTo(ctx, client, roomID, text)
	if err != nil {
		return fmt.Errorf("failed to send message to %s: %w", roomID, err)
	}

	log.WithFields(map[string]interface{}{
		"room_id":  roomID,
		"event_id": eventID,
	}).Info("message sent")
	fmt.Fprintln(cmd.OutOrStdout(), eventID)
	return nil
}
