package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"maunium.net/go/mautrix/id"

	"github.com/shawkym/roombot/internal/matrix"
	"github.com/shawkym/roombot/pkg/config"
	"github.com/shawkym/roombot/pkg/log"
	"github.com/shawkym/roombot/pkg/metrics"
	"github.com/shawkym/roombot/pkg/transcript"
)

const goodbyeTimeout = 10 * time.Second

var (
	echoReplies  bool
	metricsAddr  string
	watchConfig  bool
	noTranscript bool
	chatLogDir   string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Sync the configured room and answer the expected sender",
	Long: `Bootstrap the bot session, discard any backlog, and follow the room until
the expected sender types "exit" or the process receives SIGINT/SIGTERM.`,
	RunE: runBot,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().BoolVar(&echoReplies, "echo", false, "Echo every message back (overrides reply.echo)")
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	runCmd.Flags().BoolVar(&watchConfig, "watch-config", false, "Hot-reload the reply section when the config file changes")
	runCmd.Flags().BoolVar(&noTranscript, "no-log", false, "Disable the transcript file")
	runCmd.Flags().StringVar(&chatLogDir, "log-dir", "", "Directory for transcript files (default: ~/.roombot/chats)")
}

func runBot(cmd *cobra.Command, args []string) error {
	cfg, cfgPath, err := loadConfig()
	if err != nil {
		return err
	}
	applyRunOverrides(cmd, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tr, err := openTranscript(cfg)
	if err != nil {
		return err
	}
	defer tr.Close()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		server := metrics.NewServer(metrics.ServerConfig{Addr: cfg.Metrics.Addr})
		m = server.GetMetrics()
		go func() {
			if err := server.Start(); err != nil {
				tr.LogError("metrics", err)
			}
		}()
		defer func() {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer stopCancel()
			_ = server.Stop(stopCtx)
		}()
	}

	token, err := resolveAccessToken(ctx, cfg)
	if err != nil {
		return err
	}

	sc := sessionConfig(cfg, token, m)
	sc.HandleSignals = true
	session, err := matrix.NewSession(sc)
	if err != nil {
		return err
	}

	session.SetOnError(func(err error) {
		tr.LogError("sync", err)
		log.WithError(err).Warn("sync loop error")
	})

	userID, err := session.Initialize(ctx)
	if err != nil {
		var authErr *matrix.AuthError
		if errors.As(err, &authErr) {
			return fmt.Errorf("the homeserver rejected the bot credential: %w", err)
		}
		return fmt.Errorf("bootstrap failed: %w", err)
	}
	roomID := session.RoomID()

	session.SetOnMessage(newReplier(session, roomID, tr, cfg.Reply).handle)
	session.SetOnExit(exitHandler(session, tr, roomID, cfg.Reply.Goodbye))

	if watchConfig {
		stop := watchReplyConfig(cfgPath, session, tr)
		defer stop()
	}

	log.WithFields(map[string]interface{}{
		"user_id":         userID,
		"room_id":         roomID,
		"expected_sender": cfg.Matrix.ExpectedSender,
	}).Info("roombot running")
	tr.LogSystem(fmt.Sprintf("%s listening in %s for %s (type \"exit\" to stop)", userID, roomID, cfg.Matrix.ExpectedSender))

	session.Start(ctx)

	if cfg.Reply.Greeting != "" {
		if err := session.Send(ctx, cfg.Reply.Greeting); err != nil {
			tr.LogError("greeting", err)
		} else {
			tr.LogOutbound(string(roomID), cfg.Reply.Greeting)
		}
	}

	session.Wait()
	tr.LogSystem("session stopped")
	return nil
}

func applyRunOverrides(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("echo") {
		cfg.Reply.Echo = echoReplies
	}
	if metricsAddr != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Addr = metricsAddr
	}
	if noTranscript {
		cfg.Logging.Enabled = false
	}
	if chatLogDir != "" {
		cfg.Logging.ChatLogDir = chatLogDir
		cfg.Logging.Enabled = true
	}
}

func openTranscript(cfg *config.Config) (*transcript.Transcript, error) {
	var console io.Writer = os.Stdout
	if viper.GetBool("log-json") {
		// Keep stdout clean for log shippers
		console = nil
	}

	dir := ""
	if cfg.Logging.Enabled {
		dir = cfg.Logging.ChatLogDir
	}
	tr, err := transcript.New(dir, cfg.Logging.LogFormat, console)
	if err != nil {
		return nil, fmt.Errorf("failed to open transcript: %w", err)
	}
	return tr, nil
}

// exitHandler sends the goodbye text. The loop context may already be
// canceled when it runs, so the send gets its own deadline.
func exitHandler(out sender, tr *transcript.Transcript, roomID id.RoomID, goodbye string) matrix.ExitHandler {
	return func() {
		tr.LogSystem("session stopping")
		if goodbye == "" {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), goodbyeTimeout)
		defer cancel()

		if err := out.Send(ctx, goodbye); err != nil {
			tr.LogError("goodbye", err)
			return
		}
		tr.LogOutbound(string(roomID), goodbye)
	}
}

// watchReplyConfig hot-reloads the reply section and returns a stop func.
func watchReplyConfig(path string, session *matrix.Session, tr *transcript.Transcript) func() {
	if path == "" {
		log.Warn("--watch-config needs a config file; ignoring")
		return func() {}
	}

	watcher, err := config.NewConfigWatcher(path)
	if err != nil {
		log.WithError(err).Error("failed to create config watcher")
		return func() {}
	}

	roomID := session.RoomID()
	watcher.OnConfigChange(func(change config.Reload) {
		if !change.ReplyChanged() {
			return
		}
		reply := change.New.Reply
		session.SetOnMessage(newReplier(session, roomID, tr, reply).handle)
		session.SetOnExit(exitHandler(session, tr, roomID, reply.Goodbye))
		log.WithFields(map[string]interface{}{
			"echo":   reply.Echo,
			"prefix": reply.Prefix,
		}).Info("reply settings reloaded")
		tr.LogSystem("reply settings reloaded")
	})

	go watcher.StartWatching()
	return watcher.StopWatching
}
