package slackcmd

import (
	"encoding/json"
	"testing"
)

const notificationEventPayload = `{
	"team_id": "T08TH7V7XTM",
	"event_id": "Ev01ABCDEF",
	"event_time": 1753295337,
	"event": {
		"user": "U08V222T3UG",
		"type": "message",
		"ts": "1753295337.014299",
		"bot_id": "B08V222T3DE",
		"text": "A new Assessment is available for Windy",
		"team": "T08TH7V7XTM",
		"bot_profile": {"id": "B08V222T3DE", "name": "NowSecure Platform"},
		"blocks": [
			{"type": "header", "text": {"type": "plain_text", "text": "A new Assessment is available for Windy"}},
			{"type": "actions", "block_id": "Link1", "elements": [
				{"type": "button", "url": "https://app.nowsecure.com/app/4e64d9f2-67ea-11f0-b9a8-aff90e5cdf17/assessment/51ae3f5e-67ea-11f0-a4ca-13a2b5de6b23"}
			]}
		],
		"channel": "C08UK5BBA90",
		"channel_type": "channel"
	}
}`

func notificationEnvelope() slackSocketEnvelope {
	return slackSocketEnvelope{
		EnvelopeID: "env-1",
		Type:       "events_api",
		Payload:    json.RawMessage(notificationEventPayload),
	}
}

func TestParseMessageEventNotification(t *testing.T) {
	t.Parallel()

	ev, ok, err := parseMessageEvent(notificationEnvelope(), "U_SELF", "B_SELF")
	if err != nil {
		t.Fatalf("parseMessageEvent() error = %v", err)
	}
	if !ok {
		t.Fatalf("parseMessageEvent() ok = false, want true")
	}
	if ev.TeamID != "T08TH7V7XTM" {
		t.Fatalf("team id mismatch: got %q", ev.TeamID)
	}
	if ev.ChannelID != "C08UK5BBA90" {
		t.Fatalf("channel id mismatch: got %q", ev.ChannelID)
	}
	if ev.MessageTS != "1753295337.014299" {
		t.Fatalf("message ts mismatch: got %q", ev.MessageTS)
	}
	if ev.EventID != "Ev01ABCDEF" {
		t.Fatalf("event id mismatch: got %q", ev.EventID)
	}
	if ev.BotName != "NowSecure Platform" {
		t.Fatalf("bot name mismatch: got %q", ev.BotName)
	}
	if ev.Text != "A new Assessment is available for Windy" {
		t.Fatalf("text mismatch: got %q", ev.Text)
	}
	if len(ev.Blocks) == 0 {
		t.Fatalf("blocks were dropped")
	}
}

func TestParseMessageEventDropsOwnMessages(t *testing.T) {
	t.Parallel()

	if _, ok, err := parseMessageEvent(notificationEnvelope(), "U08V222T3UG", ""); err != nil || ok {
		t.Fatalf("parseMessageEvent() = ok=%v err=%v for own user message, want dropped", ok, err)
	}
	if _, ok, err := parseMessageEvent(notificationEnvelope(), "", "B08V222T3DE"); err != nil || ok {
		t.Fatalf("parseMessageEvent() = ok=%v err=%v for own bot message, want dropped", ok, err)
	}
}

func TestParseMessageEventIgnoresOtherEnvelopes(t *testing.T) {
	t.Parallel()

	if _, ok, err := parseMessageEvent(slackSocketEnvelope{Type: "hello"}, "U_SELF", "B_SELF"); err != nil || ok {
		t.Fatalf("parseMessageEvent() = ok=%v err=%v for hello envelope, want ignored", ok, err)
	}

	envelope := slackSocketEnvelope{
		Type:    "events_api",
		Payload: json.RawMessage(`{"event": {"type": "reaction_added", "user": "U1"}}`),
	}
	if _, ok, err := parseMessageEvent(envelope, "U_SELF", "B_SELF"); err != nil || ok {
		t.Fatalf("parseMessageEvent() = ok=%v err=%v for non-message event, want ignored", ok, err)
	}

	envelope = slackSocketEnvelope{
		Type:    "events_api",
		Payload: json.RawMessage(`{"event": {"type": "message", "subtype": "message_changed", "channel": "C1", "ts": "1.2"}}`),
	}
	if _, ok, err := parseMessageEvent(envelope, "U_SELF", "B_SELF"); err != nil || ok {
		t.Fatalf("parseMessageEvent() = ok=%v err=%v for edited message, want ignored", ok, err)
	}
}

func TestParseMessageEventFallbackEventID(t *testing.T) {
	t.Parallel()

	envelope := slackSocketEnvelope{
		Type: "events_api",
		Payload: json.RawMessage(`{
			"team_id": "T1",
			"event": {"type": "message", "user": "U1", "channel": "C1", "ts": "1753295337.014299", "text": "hi"}
		}`),
	}
	ev, ok, err := parseMessageEvent(envelope, "U_SELF", "B_SELF")
	if err != nil || !ok {
		t.Fatalf("parseMessageEvent() = ok=%v err=%v, want parsed", ok, err)
	}
	if ev.EventID != "T1:C1:1753295337.014299" {
		t.Fatalf("fallback event id mismatch: got %q", ev.EventID)
	}
}

func TestParseSlashCommand(t *testing.T) {
	t.Parallel()

	envelope := slackSocketEnvelope{
		Type: "slash_commands",
		Payload: json.RawMessage(`{
			"command": "/appvetting",
			"text": "new https://play.google.com/store/apps/details?id=com.example.app",
			"user_id": "U333",
			"channel_id": "C08UK5BBA90",
			"team_id": "T08TH7V7XTM",
			"response_url": "https://hooks.slack.com/commands/T08TH7V7XTM/123/abc"
		}`),
	}
	slash, ok, err := parseSlashCommand(envelope)
	if err != nil {
		t.Fatalf("parseSlashCommand() error = %v", err)
	}
	if !ok {
		t.Fatalf("parseSlashCommand() ok = false, want true")
	}
	if slash.Command != "/appvetting" {
		t.Fatalf("command mismatch: got %q", slash.Command)
	}
	if slash.UserID != "U333" {
		t.Fatalf("user id mismatch: got %q", slash.UserID)
	}
	if slash.Text != "new https://play.google.com/store/apps/details?id=com.example.app" {
		t.Fatalf("text mismatch: got %q", slash.Text)
	}
	if slash.ResponseURL == "" {
		t.Fatalf("response url was dropped")
	}
}

func TestParseSlashCommandRejectsIncompletePayload(t *testing.T) {
	t.Parallel()

	envelope := slackSocketEnvelope{
		Type:    "slash_commands",
		Payload: json.RawMessage(`{"command": "/appvetting", "text": ""}`),
	}
	if _, _, err := parseSlashCommand(envelope); err == nil {
		t.Fatalf("parseSlashCommand() expected error for missing channel and user")
	}

	if _, ok, err := parseSlashCommand(slackSocketEnvelope{Type: "events_api"}); err != nil || ok {
		t.Fatalf("parseSlashCommand() = ok=%v err=%v for events_api envelope, want ignored", ok, err)
	}
}
