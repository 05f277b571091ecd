package cmd

import (
	"context"
	"fmt"

	"maunium.net/go/mautrix/id"

	"github.com/shawkym/roombot/internal/matrix"
	"github.com/shawkym/roombot/pkg/config"
	"github.com/shawkym/roombot/pkg/log"
	"github.com/shawkym/roombot/pkg/metrics"
)

// resolveAccessToken returns the configured token, logging in with the
// configured password when there is none.
func resolveAccessToken(ctx context.Context, cfg *config.Config) (string, error) {
	if cfg.Matrix.AccessToken != "" {
		return cfg.Matrix.AccessToken, nil
	}

	log.WithField("user_id", cfg.Matrix.UserID).Info("no access token configured, logging in with password")
	token, userID, err := matrix.LoginWithPassword(ctx, cfg.Matrix.Homeserver, cfg.Matrix.UserID, cfg.Matrix.Password, cfg.Matrix.RequestTimeout())
	if err != nil {
		return "", fmt.Errorf("password login failed: %w", err)
	}
	log.WithField("user_id", userID).Info("logged in")
	return token, nil
}

func sessionConfig(cfg *config.Config, token string, m *metrics.Metrics) matrix.SessionConfig {
	return matrix.SessionConfig{
		Homeserver:     cfg.Matrix.Homeserver,
		AccessToken:    token,
		Room:           cfg.Matrix.Room,
		ExpectedSender: id.UserID(cfg.Matrix.ExpectedSender),
		SyncTimeout:    cfg.Matrix.SyncTimeout(),
		RetryDelay:     cfg.Matrix.RetryDelay(),
		RequestTimeout: cfg.Matrix.RequestTimeout(),
		DedupCapacity:  cfg.Matrix.DedupCapacity,
		TimelineLimit:  cfg.Matrix.TimelineLimit,
		RateLimit:      cfg.Matrix.RateLimit,
		RateBurst:      cfg.Matrix.RateBurst,
		Metrics:        m,
	}
}

// newClient builds a transport for one-off commands that do not sync.
func newClient(ctx context.Context, cfg *config.Config) (*matrix.Client, error) {
	token, err := resolveAccessToken(ctx, cfg)
	if err != nil {
		return nil, err
	}
	m := cfg.Matrix
	return matrix.NewHomeserverClient(m.Homeserver, token, m.RequestTimeout(), m.RateLimit, m.RateBurst), nil
}

// resolveRoom turns the configured room into a room ID.
func resolveRoom(ctx context.Context, client *matrix.Client, room string) (id.RoomID, error) {
	if len(room) > 0 && room[0] == '#' {
		roomID, err := client.ResolveAlias(ctx, id.RoomAlias(room))
		if err != nil {
			return "", fmt.Errorf("failed to resolve room alias %s: %w", room, err)
		}
		return roomID, nil
	}
	return id.RoomID(room), nil
}
