package matrix

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"maunium.net/go/mautrix/id"

	"github.com/shawkym/roombot/pkg/log"
)

// Send posts text to the target room under a freshly minted transaction ID.
// A failed send is returned to the caller and never retried, since a retry
// would need the same transaction ID to stay idempotent.
func (s *Session) Send(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	s.mu.Lock()
	roomID, ready := s.roomID, s.ready
	s.mu.Unlock()
	if !ready {
		return ErrNotInitialized
	}

	txnID := newTxnID()
	eventID, err := s.client.SendText(ctx, roomID, txnID, text)
	s.metrics.RecordSend(err)
	if err != nil {
		return fmt.Errorf("failed to send message to %s: %w", roomID, err)
	}

	log.WithFields(map[string]interface{}{
		"room_id":  roomID,
		"event_id": eventID,
		"txn_id":   txnID,
	}).Debug("message sent")
	return nil
}

// SendTo is Send for an explicit room, usable before Initialize.
func SendTo(ctx context.Context, client *Client, roomID id.RoomID, text string) (id.EventID, error) {
	return client.SendText(ctx, roomID, newTxnID(), text)
}

func newTxnID() string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return fmt.Sprintf("roombot-%d-%s", time.Now().UnixNano(), suffix)
}
