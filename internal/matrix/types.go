package matrix

import (
	"encoding/json"

	"maunium.net/go/mautrix/id"
)

// SyncResponse is the subset of a /sync response the engine reads.
type SyncResponse struct {
	NextBatch string    `json:"next_batch"`
	Rooms     SyncRooms `json:"rooms"`
}

type SyncRooms struct {
	Join   map[id.RoomID]SyncJoinedRoom  `json:"join"`
	Invite map[id.RoomID]SyncInvitedRoom `json:"invite"`
}

type SyncJoinedRoom struct {
	Timeline SyncTimeline `json:"timeline"`
}

type SyncInvitedRoom struct {
	InviteState struct {
		Events []json.RawMessage `json:"events"`
	} `json:"invite_state"`
}

type SyncTimeline struct {
	Events    []Event `json:"events"`
	Limited   bool    `json:"limited"`
	PrevBatch string  `json:"prev_batch"`
}

// Event is one timeline entry. Content stays raw until the filter needs it,
// so an odd payload on one event cannot fail decoding of the whole batch.
type Event struct {
	ID             id.EventID      `json:"event_id"`
	Type           string          `json:"type"`
	Sender         id.UserID       `json:"sender"`
	OriginServerTS int64           `json:"origin_server_ts"`
	Content        json.RawMessage `json:"content"`
}

// MessageContent is the content of an m.room.message event.
type MessageContent struct {
	MsgType string `json:"msgtype"`
	Body    string `json:"body"`
}

// MessageContent decodes the event content as a room message.
func (e Event) MessageContent() (MessageContent, bool) {
	var content MessageContent
	if len(e.Content) == 0 {
		return content, false
	}
	if err := json.Unmarshal(e.Content, &content); err != nil {
		return content, false
	}
	return content, true
}
