// Package nowsecure wraps the two NowSecure API calls the bot needs:
// fetching a finished assessment's PDF report and triggering a new
// assessment for an app under a group.
package nowsecure

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	PlatformAndroid = "android"
	PlatformIOS     = "ios"

	defaultAPIBaseURL    = "https://api.nowsecure.com"
	defaultLabAPIBaseURL = "https://lab-api.nowsecure.com"
)

// ValidPlatform reports whether p names a platform the lab API accepts.
func ValidPlatform(p string) bool {
	switch strings.ToLower(strings.TrimSpace(p)) {
	case PlatformAndroid, PlatformIOS:
		return true
	default:
		return false
	}
}

// APIError is a non-2xx response from the NowSecure API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = "unknown error"
	}
	return fmt.Sprintf("nowsecure api http %d: %s", e.StatusCode, msg)
}

// ReportArtifact is a fetched report, held only until it is posted back
// into the chat thread.
type ReportArtifact struct {
	AssessmentID string
	Content      []byte
	Filename     string
	ContentType  string
}

// Assessment is the result of a trigger call.
type Assessment struct {
	Ref        string
	TaskStatus string
}

type ClientOptions struct {
	HTTPClient    *http.Client
	APIBaseURL    string
	LabAPIBaseURL string
	Token         string
	GroupID       string
}

type Client struct {
	http       *http.Client
	apiBase    string
	labAPIBase string
	token      string
	groupID    string
}

func NewClient(opts ClientOptions) (*Client, error) {
	token := strings.TrimSpace(opts.Token)
	if token == "" {
		return nil, fmt.Errorf("nowsecure api token is required")
	}
	groupID := strings.TrimSpace(opts.GroupID)
	if groupID == "" {
		return nil, fmt.Errorf("nowsecure group id is required")
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	apiBase := strings.TrimSpace(strings.TrimRight(opts.APIBaseURL, "/"))
	if apiBase == "" {
		apiBase = defaultAPIBaseURL
	}
	labAPIBase := strings.TrimSpace(strings.TrimRight(opts.LabAPIBaseURL, "/"))
	if labAPIBase == "" {
		labAPIBase = defaultLabAPIBaseURL
	}
	return &Client{
		http:       httpClient,
		apiBase:    apiBase,
		labAPIBase: labAPIBase,
		token:      token,
		groupID:    groupID,
	}, nil
}

// FetchReport downloads the PDF report for a completed assessment. The
// report is trimmed to detected findings without screenshots or
// remediation boilerplate so it stays postable as a chat attachment.
func (c *Client) FetchReport(ctx context.Context, assessmentID string) (*ReportArtifact, error) {
	if c == nil || c.http == nil {
		return nil, fmt.Errorf("nowsecure client is not initialized")
	}
	assessmentID = strings.TrimSpace(assessmentID)
	if assessmentID == "" {
		return nil, fmt.Errorf("assessment id is required")
	}

	query := url.Values{}
	query.Set("status", "detected")
	query.Set("screenshots", "false")
	query.Set("finding.stepsToReproduce", "false")
	query.Set("finding.businessImpact", "false")
	query.Set("finding.remediationResources", "false")
	query.Add("evidenceFormats[]", "inline")
	reportURL := fmt.Sprintf("%s/report/assessment/ref/%s.pdf?%s", c.apiBase, url.PathEscape(assessmentID), query.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reportURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch report: %w", err)
	}
	raw, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return nil, fmt.Errorf("fetch report: %w", readErr)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{StatusCode: resp.StatusCode, Message: apiErrorMessage(raw, resp.StatusCode)}
	}

	contentType := strings.TrimSpace(resp.Header.Get("Content-Type"))
	if contentType == "" {
		contentType = "application/pdf"
	}
	return &ReportArtifact{
		AssessmentID: assessmentID,
		Content:      raw,
		Filename:     "report-" + assessmentID + ".pdf",
		ContentType:  contentType,
	}, nil
}

type triggerResponse struct {
	Ref        string `json:"ref,omitempty"`
	TaskStatus string `json:"task_status,omitempty"`
	Message    string `json:"message,omitempty"`
}

// TriggerAssessment submits an app store build for assessment under the
// client's group.
func (c *Client) TriggerAssessment(ctx context.Context, platform, bundleID string) (Assessment, error) {
	if c == nil || c.http == nil {
		return Assessment{}, fmt.Errorf("nowsecure client is not initialized")
	}
	platform = strings.ToLower(strings.TrimSpace(platform))
	if !ValidPlatform(platform) {
		return Assessment{}, fmt.Errorf("platform must be %q or %q", PlatformIOS, PlatformAndroid)
	}
	bundleID = strings.TrimSpace(bundleID)
	if bundleID == "" {
		return Assessment{}, fmt.Errorf("bundle id is required")
	}

	query := url.Values{}
	query.Set("appstore_download", "*")
	query.Set("group", c.groupID)
	triggerURL := fmt.Sprintf("%s/app/%s/%s/assessment/?%s", c.labAPIBase, platform, url.PathEscape(bundleID), query.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, triggerURL, nil)
	if err != nil {
		return Assessment{}, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return Assessment{}, fmt.Errorf("trigger assessment: %w", err)
	}
	raw, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return Assessment{}, fmt.Errorf("trigger assessment: %w", readErr)
	}

	var out triggerResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return Assessment{}, &APIError{StatusCode: resp.StatusCode, Message: fmt.Sprintf("HTTP %d error", resp.StatusCode)}
		}
		return Assessment{}, fmt.Errorf("trigger assessment: invalid json response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Assessment{}, &APIError{StatusCode: resp.StatusCode, Message: apiErrorMessage(raw, resp.StatusCode)}
	}

	taskStatus := strings.TrimSpace(out.TaskStatus)
	if taskStatus == "" {
		taskStatus = "unknown"
	}
	return Assessment{
		Ref:        strings.TrimSpace(out.Ref),
		TaskStatus: taskStatus,
	}, nil
}

func apiErrorMessage(raw []byte, status int) string {
	var out struct {
		Message string `json:"message,omitempty"`
	}
	if err := json.Unmarshal(raw, &out); err == nil && strings.TrimSpace(out.Message) != "" {
		return strings.TrimSpace(out.Message)
	}
	return fmt.Sprintf("HTTP %d error", status)
}
