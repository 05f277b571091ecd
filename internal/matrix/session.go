package matrix

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"maunium.net/go/mautrix/id"

	"github.com/shawkym/roombot/pkg/log"
	"github.com/shawkym/roombot/pkg/metrics"
)

const (
	DefaultSyncTimeout   = 30 * time.Second
	DefaultRetryDelay    = 2 * time.Second
	DefaultTimelineLimit = 20
)

// MessageHandler receives a plain-text message from the expected sender.
// Returning an error aborts the rest of the current batch.
type MessageHandler func(ctx context.Context, body string, sender id.UserID) error

// ErrorHandler receives every error the sync loop contains.
type ErrorHandler func(err error)

// ExitHandler runs once when a running session stops.
type ExitHandler func()

// SessionConfig is the immutable input of a Session.
type SessionConfig struct {
	Homeserver  string
	AccessToken string
	// Room is the target room ID (!id:server) or alias (#alias:server).
	Room string
	// ExpectedSender is the only user whose messages are dispatched.
	ExpectedSender id.UserID

	OnMessage MessageHandler
	OnError   ErrorHandler
	OnExit    ExitHandler

	SyncTimeout    time.Duration
	RetryDelay     time.Duration
	RequestTimeout time.Duration
	DedupCapacity  int
	TimelineLimit  int
	// RateLimit is requests per second against the homeserver; <= 0 only honors Retry-After.
	RateLimit float64
	RateBurst int
	// HandleSignals routes SIGINT/SIGTERM to Stop once initialized.
	HandleSignals bool

	Metrics *metrics.Metrics
}

func (c *SessionConfig) applyDefaults() {
	if c.SyncTimeout <= 0 {
		c.SyncTimeout = DefaultSyncTimeout
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
	if c.DedupCapacity <= 0 {
		c.DedupCapacity = DefaultDedupCapacity
	}
	if c.TimelineLimit <= 0 {
		c.TimelineLimit = DefaultTimelineLimit
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 1
	}
}

func (c *SessionConfig) validate() error {
	var missing []string
	if strings.TrimSpace(c.Homeserver) == "" {
		missing = append(missing, "homeserver")
	}
	if c.AccessToken == "" {
		missing = append(missing, "access token")
	}
	if c.Room == "" {
		missing = append(missing, "room")
	}
	if c.ExpectedSender == "" {
		missing = append(missing, "expected sender")
	}
	if len(missing) > 0 {
		return fmt.Errorf("matrix session config missing %s", strings.Join(missing, ", "))
	}
	return nil
}

type sessionState int

const (
	stateIdle sessionState = iota
	stateRunning
	stateStopping
	stateStopped
)

// Session is one bot identity syncing one room. The lifecycle is
// Initialize, Start, then Stop (or an in-band exit); a stopped session
// cannot be restarted.
type Session struct {
	cfg     SessionConfig
	client  *Client
	metrics *metrics.Metrics

	// Written by Initialize before ready is set, read-only afterwards.
	userID     id.UserID
	roomID     id.RoomID
	syncFilter string
	filter     *eventFilter

	// Owned by the sync loop goroutine.
	cursor string
	dedup  *DedupWindow

	mu             sync.Mutex
	initStarted    bool
	ready          bool
	state          sessionState
	onMessage      MessageHandler
	onError        ErrorHandler
	onExit         ExitHandler
	cancel         context.CancelFunc
	releaseSignals context.CancelFunc
	done           chan struct{}
}

// NewSession validates cfg and builds an idle session. No network calls are made.
func NewSession(cfg SessionConfig) (*Session, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	client := NewHomeserverClient(cfg.Homeserver, cfg.AccessToken, cfg.RequestTimeout, cfg.RateLimit, cfg.RateBurst)

	return &Session{
		cfg:        cfg,
		client:     client,
		metrics:    cfg.Metrics,
		syncFilter: buildSyncFilter(cfg.TimelineLimit),
		dedup:      NewDedupWindow(cfg.DedupCapacity),
		onMessage:  cfg.OnMessage,
		onError:    cfg.OnError,
		onExit:     cfg.OnExit,
		done:       make(chan struct{}),
	}, nil
}

// Client exposes the session's transport.
func (s *Session) Client() *Client {
	return s.client
}

// Initialize resolves the bot's identity and the target room, then takes a
// zero-wait sync and adopts its cursor, discarding any backlog. It may be
// called once; later calls return ErrAlreadyInitialized.
func (s *Session) Initialize(ctx context.Context) (id.UserID, error) {
	s.mu.Lock()
	if s.initStarted {
		s.mu.Unlock()
		return "", ErrAlreadyInitialized
	}
	s.initStarted = true
	s.mu.Unlock()

	userID, err := s.client.Whoami(ctx)
	if err != nil {
		var transport *TransportError
		if errors.As(err, &transport) && transport.StatusCode != 0 {
			return "", &AuthError{Err: err}
		}
		return "", fmt.Errorf("failed to resolve bot identity: %w", err)
	}

	roomID := id.RoomID(s.cfg.Room)
	if strings.HasPrefix(s.cfg.Room, "#") {
		roomID, err = s.client.ResolveAlias(ctx, id.RoomAlias(s.cfg.Room))
		if err != nil {
			return "", fmt.Errorf("failed to resolve room alias %s: %w", s.cfg.Room, err)
		}
	}

	resp, err := s.client.Sync(ctx, "", 0, s.syncFilter)
	if err != nil {
		return "", fmt.Errorf("initial sync failed: %w", err)
	}

	s.mu.Lock()
	s.userID = userID
	s.roomID = roomID
	s.cursor = resp.NextBatch
	s.filter = &eventFilter{
		self:     userID,
		expected: s.cfg.ExpectedSender,
		seen:     s.dedup,
		metrics:  s.metrics,
	}
	s.ready = true
	s.mu.Unlock()

	log.WithFields(map[string]interface{}{
		"user_id": userID,
		"room_id": roomID,
		"cursor":  resp.NextBatch,
	}).Info("matrix session initialized")

	if s.cfg.HandleSignals {
		s.handleSignals()
	}
	return userID, nil
}

// handleSignals funnels SIGINT/SIGTERM into Stop.
func (s *Session) handleSignals() {
	sigCtx, release := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	s.mu.Lock()
	s.releaseSignals = release
	s.mu.Unlock()

	go func() {
		<-sigCtx.Done()
		s.Stop()
	}()
}

// Start launches the sync loop in its own goroutine. It only has an effect
// on an initialized session that has never been started or stopped.
// Canceling ctx stops the session the same way Stop does.
func (s *Session) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.ready || s.state != stateIdle {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.state = stateRunning
	s.metrics.SetRunning(true)

	go s.run(loopCtx)
}

// Stop requests termination and returns without waiting. If the session is
// running, its loop is canceled and the exit callback runs exactly once on
// the loop goroutine, after any in-flight message callback has returned.
// Safe to call repeatedly, from any goroutine, including from inside callbacks.
func (s *Session) Stop() {
	s.shutdown("stop requested")
}

// Wait blocks until the session has stopped and its loop has returned.
// Calling it from the exit callback deadlocks.
func (s *Session) Wait() {
	<-s.done
}

// Done is closed once the session has stopped and its loop has returned.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Running reports whether the sync loop is active.
func (s *Session) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateRunning
}

// UserID returns the identity resolved by Initialize.
func (s *Session) UserID() id.UserID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// RoomID returns the target room resolved by Initialize.
func (s *Session) RoomID() id.RoomID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomID
}

// SetOnMessage replaces the message callback. Only the latest one is used.
func (s *Session) SetOnMessage(h MessageHandler) {
	s.mu.Lock()
	s.onMessage = h
	s.mu.Unlock()
}

func (s *Session) SetOnError(h ErrorHandler) {
	s.mu.Lock()
	s.onError = h
	s.mu.Unlock()
}

func (s *Session) SetOnExit(h ExitHandler) {
	s.mu.Lock()
	s.onExit = h
	s.mu.Unlock()
}

// shutdown moves a running session to stateStopping and cancels its loop.
// The exit callback itself runs on the loop goroutine in finish, after the
// in-flight dispatch returns, so it never overlaps a message callback.
func (s *Session) shutdown(reason string) {
	s.mu.Lock()
	switch s.state {
	case stateIdle:
		// Never started: there is no loop to close done for us.
		s.state = stateStopped
		release := s.releaseSignals
		s.mu.Unlock()
		if release != nil {
			release()
		}
		close(s.done)
		return
	case stateRunning:
	default:
		s.mu.Unlock()
		return
	}
	s.state = stateStopping
	cancel := s.cancel
	s.mu.Unlock()

	log.WithField("reason", reason).Info("matrix session stopping")
	cancel()
}

// finish runs the exit callback once and marks the session stopped. Only the
// loop goroutine calls it.
func (s *Session) finish() {
	s.mu.Lock()
	if s.state != stateStopping {
		s.mu.Unlock()
		return
	}
	onExit := s.onExit
	s.mu.Unlock()

	if onExit != nil {
		if err := s.safeExit(onExit); err != nil {
			s.reportError(err)
		}
	}

	s.mu.Lock()
	s.state = stateStopped
	release := s.releaseSignals
	s.mu.Unlock()

	if release != nil {
		release()
	}
	s.metrics.SetRunning(false)
}

func (s *Session) safeExit(h ExitHandler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &CallbackError{Callback: "exit", Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	h()
	return nil
}
