package matrix

import (
	"context"
	"fmt"
	"slices"
	"time"

	"maunium.net/go/mautrix/id"

	"github.com/shawkym/roombot/pkg/log"
)

// run is the sync loop. Every error is contained here: it is reported,
// followed by RetryDelay, and the next poll reuses the current cursor.
// Only an exit command, Stop, or cancellation of the Start context ends it.
func (s *Session) run(ctx context.Context) {
	defer close(s.done)

	for ctx.Err() == nil && s.Running() {
		exit, err := s.iterate(ctx)
		if exit {
			s.shutdown("exit command")
			break
		}
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			break
		}

		s.reportError(err)
		if !sleepCtx(ctx, s.cfg.RetryDelay) {
			break
		}
	}

	// Covers cancellation of the parent context; a no-op after Stop or exit.
	s.shutdown("context canceled")
	s.finish()
	log.WithField("cursor", s.cursor).Info("matrix sync loop stopped")
}

// iterate performs one poll and processes its result. It returns true when
// an exit command was seen.
func (s *Session) iterate(ctx context.Context) (bool, error) {
	start := time.Now()
	resp, err := s.client.Sync(ctx, s.cursor, s.cfg.SyncTimeout, s.syncFilter)
	s.metrics.RecordSync(time.Since(start).Seconds(), err)
	if err != nil {
		return false, err
	}

	// Adopt the cursor before touching the events: a batch that keeps failing
	// is dropped rather than replayed forever.
	if resp.NextBatch != "" && resp.NextBatch != s.cursor {
		s.cursor = resp.NextBatch
		s.metrics.RecordCursorAdvance()
	}

	s.joinInvites(ctx, resp.Rooms.Invite)

	room, ok := resp.Rooms.Join[s.roomID]
	if !ok {
		return false, nil
	}

	for action := range s.filter.Filter(room.Timeline.Events) {
		if action.Kind == ActionExit {
			log.WithFields(map[string]interface{}{
				"event_id": action.EventID,
				"sender":   action.Sender,
			}).Info("exit command received")
			return true, nil
		}
		if !s.Running() {
			return false, nil
		}
		if err := s.dispatch(ctx, action); err != nil {
			return false, err
		}
		if ctx.Err() != nil {
			return false, nil
		}
	}
	return false, nil
}

func (s *Session) joinInvites(ctx context.Context, invites map[id.RoomID]SyncInvitedRoom) {
	if len(invites) == 0 {
		return
	}
	rooms := make([]id.RoomID, 0, len(invites))
	for roomID := range invites {
		rooms = append(rooms, roomID)
	}
	slices.Sort(rooms)

	for _, roomID := range rooms {
		if ctx.Err() != nil {
			return
		}
		_, err := s.client.JoinRoom(ctx, string(roomID))
		s.metrics.RecordInviteJoin(err)
		if err != nil {
			s.reportError(fmt.Errorf("failed to join invited room %s: %w", roomID, err))
			continue
		}
		log.WithField("room_id", roomID).Info("joined invited room")
	}
}

func (s *Session) dispatch(ctx context.Context, action Action) (err error) {
	s.mu.Lock()
	handler := s.onMessage
	s.mu.Unlock()

	if handler == nil {
		log.WithField("event_id", action.EventID).Debug("no message handler registered, dropping message")
		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			err = &CallbackError{Callback: "message", Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	if cbErr := handler(ctx, action.Body, action.Sender); cbErr != nil {
		return &CallbackError{Callback: "message", Err: cbErr}
	}
	return nil
}

func (s *Session) reportError(err error) {
	s.metrics.RecordLoopError(errorKind(err))

	s.mu.Lock()
	handler := s.onError
	s.mu.Unlock()

	if handler == nil {
		log.WithError(err).Warn("matrix sync loop error")
		return
	}

	defer func() {
		if r := recover(); r != nil {
			log.WithError(err).WithField("panic", r).Error("error callback panicked")
		}
	}()
	handler(err)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
