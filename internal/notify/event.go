package notify

import (
	"encoding/json"
	"time"
)

// Event is one inbound chat message as seen by the matcher. It is built
// once from the raw platform payload and never mutated.
type Event struct {
	TeamID    string
	ChannelID string
	ChatType  string
	MessageTS string
	ThreadTS  string
	EventID   string
	UserID    string
	BotID     string
	BotName   string
	Text      string
	SentAt    time.Time
	Blocks    json.RawMessage
}

// ReplyThreadTS is the thread the bot replies into: the thread the event
// already lives in, or the event's own message as a new thread root.
func (e Event) ReplyThreadTS() string {
	if e.ThreadTS != "" {
		return e.ThreadTS
	}
	return e.MessageTS
}
