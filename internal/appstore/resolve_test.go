package appstore

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestResolvePlayStoreURL(t *testing.T) {
	t.Parallel()

	r := NewResolver(ResolverOptions{})
	app, err := r.Resolve(context.Background(), "https://play.google.com/store/apps/details?id=com.sadadcompany.sadad&hl=en_IN&pli=1")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if app.Platform != "android" {
		t.Fatalf("platform mismatch: got %q want %q", app.Platform, "android")
	}
	if app.BundleID != "com.sadadcompany.sadad" {
		t.Fatalf("bundle id mismatch: got %q want %q", app.BundleID, "com.sadadcompany.sadad")
	}
}

func TestResolvePlayStoreURLWithoutPackage(t *testing.T) {
	t.Parallel()

	r := NewResolver(ResolverOptions{})
	_, err := r.Resolve(context.Background(), "https://play.google.com/store/apps/details?hl=en")
	if !errors.Is(err, ErrInvalidURL) {
		t.Fatalf("Resolve() error = %v, want ErrInvalidURL", err)
	}
}

func TestResolveAppleStoreURL(t *testing.T) {
	t.Parallel()

	lookupCalls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		lookupCalls++
		if req.URL.Path != "/lookup" {
			t.Errorf("lookup path mismatch: got %q", req.URL.Path)
		}
		if got := req.URL.Query().Get("id"); got != "382617920" {
			t.Errorf("lookup id mismatch: got %q want %q", got, "382617920")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"resultCount": 1, "results": [{"bundleId": "com.viber.voip"}]}`))
	}))
	defer srv.Close()

	r := NewResolver(ResolverOptions{HTTPClient: srv.Client(), LookupBaseURL: srv.URL})
	app, err := r.Resolve(context.Background(), "https://apps.apple.com/us/app/rakuten-viber-messenger/id382617920")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if app.Platform != "ios" {
		t.Fatalf("platform mismatch: got %q want %q", app.Platform, "ios")
	}
	if app.BundleID != "com.viber.voip" {
		t.Fatalf("bundle id mismatch: got %q want %q", app.BundleID, "com.viber.voip")
	}
	if lookupCalls != 1 {
		t.Fatalf("lookup calls mismatch: got %d want 1", lookupCalls)
	}
}

func TestResolveAppleStoreURLUnknownID(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"resultCount": 0, "results": []}`))
	}))
	defer srv.Close()

	r := NewResolver(ResolverOptions{HTTPClient: srv.Client(), LookupBaseURL: srv.URL})
	_, err := r.Resolve(context.Background(), "https://apps.apple.com/us/app/whatever/id999999999")
	if !errors.Is(err, ErrInvalidURL) {
		t.Fatalf("Resolve() error = %v, want ErrInvalidURL", err)
	}
}

func TestResolveAppleStoreURLWithoutID(t *testing.T) {
	t.Parallel()

	lookupCalls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		lookupCalls++
	}))
	defer srv.Close()

	r := NewResolver(ResolverOptions{HTTPClient: srv.Client(), LookupBaseURL: srv.URL})
	_, err := r.Resolve(context.Background(), "https://apps.apple.com/us/app/rakuten-viber-messenger")
	if !errors.Is(err, ErrInvalidURL) {
		t.Fatalf("Resolve() error = %v, want ErrInvalidURL", err)
	}
	if lookupCalls != 0 {
		t.Fatalf("lookup calls mismatch: got %d want 0", lookupCalls)
	}
}

func TestResolveRejectsNonStoreURLs(t *testing.T) {
	t.Parallel()

	r := NewResolver(ResolverOptions{})
	for _, raw := range []string{
		"",
		"not a url",
		"ftp://example.com/app",
		"https://example.com/store/apps/details?id=com.example",
	} {
		if _, err := r.Resolve(context.Background(), raw); !errors.Is(err, ErrInvalidURL) {
			t.Fatalf("Resolve(%q) error = %v, want ErrInvalidURL", raw, err)
		}
	}
}
