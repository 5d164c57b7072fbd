package slackcmd

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/morphsec/appvet/internal/notify"
)

type slackSocketEnvelope struct {
	EnvelopeID string          `json:"envelope_id,omitempty"`
	Type       string          `json:"type,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

type slackEventsAPIPayload struct {
	TeamID    string          `json:"team_id,omitempty"`
	EventID   string          `json:"event_id,omitempty"`
	EventTime int64           `json:"event_time,omitempty"`
	Event     json.RawMessage `json:"event,omitempty"`
}

type slackBotProfile struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
}

type slackEvent struct {
	Type        string           `json:"type,omitempty"`
	Subtype     string           `json:"subtype,omitempty"`
	User        string           `json:"user,omitempty"`
	Text        string           `json:"text,omitempty"`
	Channel     string           `json:"channel,omitempty"`
	ChannelType string           `json:"channel_type,omitempty"`
	TS          string           `json:"ts,omitempty"`
	ThreadTS    string           `json:"thread_ts,omitempty"`
	BotID       string           `json:"bot_id,omitempty"`
	BotProfile  *slackBotProfile `json:"bot_profile,omitempty"`
	Team        string           `json:"team,omitempty"`
	Blocks      json.RawMessage  `json:"blocks,omitempty"`
}

type slackSlashCommand struct {
	Command     string `json:"command,omitempty"`
	Text        string `json:"text,omitempty"`
	UserID      string `json:"user_id,omitempty"`
	ChannelID   string `json:"channel_id,omitempty"`
	TeamID      string `json:"team_id,omitempty"`
	ResponseURL string `json:"response_url,omitempty"`
}

// parseMessageEvent turns an events_api envelope into a notify.Event.
// Bot-authored messages are kept: the notification the bot exists for is
// posted by another bot. Only the bot's own messages are dropped.
func parseMessageEvent(envelope slackSocketEnvelope, selfUserID, selfBotID string) (notify.Event, bool, error) {
	if strings.TrimSpace(envelope.Type) != "events_api" || len(envelope.Payload) == 0 {
		return notify.Event{}, false, nil
	}
	var payload slackEventsAPIPayload
	if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
		return notify.Event{}, false, err
	}
	if len(payload.Event) == 0 {
		return notify.Event{}, false, nil
	}
	var event slackEvent
	if err := json.Unmarshal(payload.Event, &event); err != nil {
		return notify.Event{}, false, err
	}
	if strings.TrimSpace(event.Type) != "message" {
		return notify.Event{}, false, nil
	}
	subtype := strings.TrimSpace(event.Subtype)
	if subtype != "" && subtype != "bot_message" {
		return notify.Event{}, false, nil
	}
	userID := strings.TrimSpace(event.User)
	botID := strings.TrimSpace(event.BotID)
	if userID != "" && userID == strings.TrimSpace(selfUserID) {
		return notify.Event{}, false, nil
	}
	if botID != "" && botID == strings.TrimSpace(selfBotID) {
		return notify.Event{}, false, nil
	}
	channelID := strings.TrimSpace(event.Channel)
	if channelID == "" {
		return notify.Event{}, false, nil
	}
	messageTS := strings.TrimSpace(event.TS)
	if messageTS == "" {
		return notify.Event{}, false, nil
	}
	teamID := strings.TrimSpace(payload.TeamID)
	if teamID == "" {
		teamID = strings.TrimSpace(event.Team)
	}

	eventID := strings.TrimSpace(payload.EventID)
	if eventID == "" {
		// Events API always carries an event id in practice; the message
		// coordinates stay a stable fallback for replayed payloads.
		eventID = fmt.Sprintf("%s:%s:%s", teamID, channelID, messageTS)
	}

	sentAt := time.Now().UTC()
	if payload.EventTime > 0 {
		sentAt = time.Unix(payload.EventTime, 0).UTC()
	}

	botName := ""
	if event.BotProfile != nil {
		botName = strings.TrimSpace(event.BotProfile.Name)
	}

	return notify.Event{
		TeamID:    teamID,
		ChannelID: channelID,
		ChatType:  strings.TrimSpace(event.ChannelType),
		MessageTS: messageTS,
		ThreadTS:  strings.TrimSpace(event.ThreadTS),
		EventID:   eventID,
		UserID:    userID,
		BotID:     botID,
		BotName:   botName,
		Text:      strings.TrimSpace(event.Text),
		SentAt:    sentAt,
		Blocks:    event.Blocks,
	}, true, nil
}

func parseSlashCommand(envelope slackSocketEnvelope) (slackSlashCommand, bool, error) {
	if strings.TrimSpace(envelope.Type) != "slash_commands" || len(envelope.Payload) == 0 {
		return slackSlashCommand{}, false, nil
	}
	var payload slackSlashCommand
	if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
		return slackSlashCommand{}, false, err
	}
	if strings.TrimSpace(payload.ChannelID) == "" || strings.TrimSpace(payload.UserID) == "" {
		return slackSlashCommand{}, false, fmt.Errorf("slash command payload is missing channel or user")
	}
	payload.Command = strings.TrimSpace(payload.Command)
	payload.Text = strings.TrimSpace(payload.Text)
	payload.UserID = strings.TrimSpace(payload.UserID)
	payload.ChannelID = strings.TrimSpace(payload.ChannelID)
	payload.TeamID = strings.TrimSpace(payload.TeamID)
	payload.ResponseURL = strings.TrimSpace(payload.ResponseURL)
	return payload, true, nil
}
