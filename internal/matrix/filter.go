package matrix

import (
	"encoding/json"
	"iter"
	"strings"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/shawkym/roombot/pkg/metrics"
)

// ExitCommand is the message body (case-insensitive) that stops the session.
const ExitCommand = "exit"

// ActionKind says what the sync loop should do with a filtered event.
type ActionKind int

const (
	ActionMessage ActionKind = iota
	ActionExit
)

func (k ActionKind) String() string {
	switch k {
	case ActionMessage:
		return "message"
	case ActionExit:
		return "exit"
	default:
		return "unknown"
	}
}

// Action is an event that survived filtering.
type Action struct {
	Kind    ActionKind
	EventID id.EventID
	Sender  id.UserID
	Body    string
}

// Filter outcomes, also used as metric labels.
const (
	outcomeDispatched = "dispatched"
	outcomeExit       = "exit"
	outcomeNoID       = "no_id"
	outcomeDuplicate  = "duplicate"
	outcomeNotMessage = "not_message"
	outcomeNotText    = "not_text"
	outcomeSelf       = "self"
	outcomeStranger   = "stranger"
)

// eventFilter decides which timeline events are actionable for the bot.
type eventFilter struct {
	self     id.UserID
	expected id.UserID
	seen     *DedupWindow
	metrics  *metrics.Metrics
}

// Filter lazily yields the actionable events of a batch in order. After an
// exit action it stops: later events in the same batch are neither yielded
// nor recorded as seen.
func (f *eventFilter) Filter(events []Event) iter.Seq[Action] {
	return func(yield func(Action) bool) {
		for _, evt := range events {
			action, outcome, ok := f.classify(evt)
			f.metrics.RecordEvent(outcome)
			if !ok {
				continue
			}
			if !yield(action) || action.Kind == ActionExit {
				return
			}
		}
	}
}

func (f *eventFilter) classify(evt Event) (Action, string, bool) {
	if evt.ID == "" {
		return Action{}, outcomeNoID, false
	}
	isNew := f.seen.Add(evt.ID)
	f.metrics.SetDedupSize(f.seen.Len())
	if !isNew {
		return Action{}, outcomeDuplicate, false
	}

	if evt.Type != event.EventMessage.Type {
		return Action{}, outcomeNotMessage, false
	}
	content, ok := evt.MessageContent()
	if !ok || content.MsgType != string(event.MsgText) || evt.Sender == "" || content.Body == "" {
		return Action{}, outcomeNotText, false
	}
	if evt.Sender == f.self {
		return Action{}, outcomeSelf, false
	}
	if evt.Sender != f.expected {
		return Action{}, outcomeStranger, false
	}

	action := Action{
		Kind:    ActionMessage,
		EventID: evt.ID,
		Sender:  evt.Sender,
		Body:    content.Body,
	}
	if strings.EqualFold(content.Body, ExitCommand) {
		action.Kind = ActionExit
		return action, outcomeExit, true
	}
	return action, outcomeDispatched, true
}

// buildSyncFilter returns the inline /sync filter: message events only, at
// most limit timeline events per room, no presence or account data.
func buildSyncFilter(limit int) string {
	if limit <= 0 {
		limit = DefaultTimelineLimit
	}
	filter := map[string]interface{}{
		"presence":     map[string]interface{}{"not_types": []string{"*"}},
		"account_data": map[string]interface{}{"not_types": []string{"*"}},
		"room": map[string]interface{}{
			"timeline": map[string]interface{}{
				"types": []string{event.EventMessage.Type},
				"limit": limit,
			},
			"state":        map[string]interface{}{"lazy_load_members": true},
			"ephemeral":    map[string]interface{}{"not_types": []string{"*"}},
			"account_data": map[string]interface{}{"not_types": []string{"*"}},
		},
	}
	data, _ := json.Marshal(filter)
	return string(data)
}
