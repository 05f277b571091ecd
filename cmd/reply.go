package cmd

import (
	"context"

	"maunium.net/go/mautrix/id"

	"github.com/shawkym/roombot/pkg/config"
	"github.com/shawkym/roombot/pkg/transcript"
)

// sender is the part of a session the reply handler needs.
type sender interface {
	Send(ctx context.Context, text string) error
}

// replier answers the expected sender according to a reply config snapshot.
// A config reload builds a new replier and swaps it into the session.
type replier struct {
	out        sender
	room       id.RoomID
	transcript *transcript.Transcript
	reply      config.ReplyConfig
}

func newReplier(out sender, room id.RoomID, tr *transcript.Transcript, reply config.ReplyConfig) *replier {
	return &replier{out: out, room: room, transcript: tr, reply: reply}
}

// handle matches matrix.MessageHandler.
func (r *replier) handle(ctx context.Context, body string, from id.UserID) error {
	r.transcript.LogInbound(string(from), body)

	if !r.reply.Echo {
		return nil
	}
	text := r.reply.Prefix + body
	if err := r.out.Send(ctx, text); err != nil {
		return err
	}
	r.transcript.LogOutbound(string(r.room), text)
	return nil
}
