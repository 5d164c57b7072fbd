// Package appstore resolves public app store URLs to the platform and
// bundle id the assessment API wants. Play Store URLs carry the package
// name directly; Apple URLs carry a numeric id that has to go through the
// iTunes lookup API first.
package appstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// ErrInvalidURL marks a URL the resolver cannot handle. Callers treat it
// as bad user input, not as a remote failure.
var ErrInvalidURL = errors.New("invalid app store url")

const (
	playStorePrefix      = "https://play.google.com/store/apps/"
	appleStorePrefix     = "https://apps.apple.com/"
	defaultLookupBaseURL = "https://itunes.apple.com"
	defaultLookupTimeout = 10 * time.Second
)

var appleIDPattern = regexp.MustCompile(`/id(\d+)`)

// App identifies an application to assess.
type App struct {
	Platform string
	BundleID string
}

type ResolverOptions struct {
	HTTPClient    *http.Client
	LookupBaseURL string
}

type Resolver struct {
	http       *http.Client
	lookupBase string
}

func NewResolver(opts ResolverOptions) *Resolver {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultLookupTimeout}
	}
	lookupBase := strings.TrimSpace(strings.TrimRight(opts.LookupBaseURL, "/"))
	if lookupBase == "" {
		lookupBase = defaultLookupBaseURL
	}
	return &Resolver{http: httpClient, lookupBase: lookupBase}
}

// Resolve maps a store URL to an App. Non-store URLs and store URLs with
// no extractable identifier return an error wrapping ErrInvalidURL.
func (r *Resolver) Resolve(ctx context.Context, rawURL string) (App, error) {
	if r == nil || r.http == nil {
		return App{}, fmt.Errorf("resolver is not initialized")
	}
	rawURL = strings.TrimSpace(rawURL)
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return App{}, ErrInvalidURL
	}

	switch {
	case strings.HasPrefix(rawURL, playStorePrefix):
		bundleID := strings.TrimSpace(parsed.Query().Get("id"))
		if bundleID == "" {
			return App{}, fmt.Errorf("%w: missing package name", ErrInvalidURL)
		}
		return App{Platform: "android", BundleID: bundleID}, nil
	case strings.HasPrefix(rawURL, appleStorePrefix):
		match := appleIDPattern.FindStringSubmatch(parsed.Path)
		if match == nil {
			return App{}, fmt.Errorf("%w: missing apple app id", ErrInvalidURL)
		}
		bundleID, err := r.lookupAppleBundleID(ctx, match[1])
		if err != nil {
			return App{}, err
		}
		return App{Platform: "ios", BundleID: bundleID}, nil
	default:
		return App{}, ErrInvalidURL
	}
}

type lookupResponse struct {
	ResultCount int `json:"resultCount"`
	Results     []struct {
		BundleID string `json:"bundleId"`
	} `json:"results"`
}

func (r *Resolver) lookupAppleBundleID(ctx context.Context, appleID string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.lookupBase+"/lookup?id="+url.QueryEscape(appleID), nil)
	if err != nil {
		return "", err
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("itunes lookup: %w", err)
	}
	raw, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return "", fmt.Errorf("itunes lookup: %w", readErr)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("itunes lookup http %d", resp.StatusCode)
	}
	var out lookupResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("itunes lookup: %w", err)
	}
	if out.ResultCount <= 0 || len(out.Results) == 0 || strings.TrimSpace(out.Results[0].BundleID) == "" {
		return "", fmt.Errorf("%w: unknown apple app id %s", ErrInvalidURL, appleID)
	}
	return strings.TrimSpace(out.Results[0].BundleID), nil
}
