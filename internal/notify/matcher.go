package notify

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// DefaultMarkerPattern matches the header text of a NowSecure
// assessment-completion notification. The captured group is the app name.
const DefaultMarkerPattern = `^A new Assessment is available for (.+)$`

var assessmentURLPattern = regexp.MustCompile(`/assessment/([a-f0-9]{8}-[a-f0-9]{4}-[a-f0-9]{4}-[a-f0-9]{4}-[a-f0-9]{12})$`)

// Reference identifies the assessment a completion notification points at.
type Reference struct {
	AppName      string
	AssessmentID string
	GroupID      string
}

type MatcherOptions struct {
	// TrustedBotName is the bot_profile name the notifier posts under.
	// Messages from any other sender never match.
	TrustedBotName string
	// MarkerPattern overrides DefaultMarkerPattern. It must capture the
	// app name in group 1.
	MarkerPattern string
	// GroupID is stamped on every extracted reference.
	GroupID string
}

// Matcher decides whether an inbound event is an assessment-completion
// notification and extracts its reference. Match is a pure function; a
// notification that cannot be fully parsed is no match, never a partial
// reference.
type Matcher struct {
	trustedBotName string
	marker         *regexp.Regexp
	groupID        string
}

func NewMatcher(opts MatcherOptions) (*Matcher, error) {
	trusted := strings.TrimSpace(opts.TrustedBotName)
	if trusted == "" {
		return nil, fmt.Errorf("trusted bot name is required")
	}
	pattern := strings.TrimSpace(opts.MarkerPattern)
	if pattern == "" {
		pattern = DefaultMarkerPattern
	}
	marker, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("marker pattern is invalid: %w", err)
	}
	if marker.NumSubexp() < 1 {
		return nil, fmt.Errorf("marker pattern must capture the app name")
	}
	return &Matcher{
		trustedBotName: trusted,
		marker:         marker,
		groupID:        strings.TrimSpace(opts.GroupID),
	}, nil
}

func (m *Matcher) Match(ev Event) (Reference, bool) {
	if m == nil || m.marker == nil {
		return Reference{}, false
	}
	if strings.TrimSpace(ev.BotName) != m.trustedBotName {
		return Reference{}, false
	}
	match := m.marker.FindStringSubmatch(strings.TrimSpace(ev.Text))
	if match == nil {
		return Reference{}, false
	}
	appName := strings.TrimSpace(match[1])
	if appName == "" {
		return Reference{}, false
	}
	assessmentID := extractAssessmentID(ev.Blocks)
	if assessmentID == "" {
		return Reference{}, false
	}
	return Reference{
		AppName:      appName,
		AssessmentID: assessmentID,
		GroupID:      m.groupID,
	}, true
}

type notificationBlock struct {
	Type     string `json:"type,omitempty"`
	Elements []struct {
		Type string `json:"type,omitempty"`
		URL  string `json:"url,omitempty"`
	} `json:"elements,omitempty"`
}

// extractAssessmentID walks the message blocks for an actions-block button
// whose URL ends in the assessment UUID.
func extractAssessmentID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var blocks []notificationBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	for _, block := range blocks {
		if block.Type != "actions" {
			continue
		}
		for _, element := range block.Elements {
			if element.Type != "button" {
				continue
			}
			buttonURL := strings.TrimSpace(element.URL)
			if buttonURL == "" {
				continue
			}
			if match := assessmentURLPattern.FindStringSubmatch(buttonURL); match != nil {
				return match[1]
			}
		}
	}
	return ""
}
