package command

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/morphsec/appvet/internal/appstore"
	"github.com/morphsec/appvet/internal/nowsecure"
)

type stubTrigger struct {
	calls        int
	lastPlatform string
	lastBundleID string
	assessment   nowsecure.Assessment
	err          error
}

func (s *stubTrigger) TriggerAssessment(ctx context.Context, platform, bundleID string) (nowsecure.Assessment, error) {
	s.calls++
	s.lastPlatform = platform
	s.lastBundleID = bundleID
	if s.err != nil {
		return nowsecure.Assessment{}, s.err
	}
	return s.assessment, nil
}

type stubResolver struct {
	calls int
	app   appstore.App
	err   error
}

func (s *stubResolver) Resolve(ctx context.Context, rawURL string) (appstore.App, error) {
	s.calls++
	if s.err != nil {
		return appstore.App{}, s.err
	}
	return s.app, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func newTestDispatcher(t *testing.T, trigger *stubTrigger, resolver *stubResolver) *Dispatcher {
	t.Helper()
	d, err := NewDispatcher(Options{
		Trigger:         trigger,
		Resolver:        resolver,
		DefaultPlatform: nowsecure.PlatformAndroid,
		Logger:          testLogger(),
	})
	if err != nil {
		t.Fatalf("NewDispatcher() error = %v", err)
	}
	return d
}

func TestDispatchEmptyArgumentsShowsHelp(t *testing.T) {
	t.Parallel()

	trigger := &stubTrigger{}
	resolver := &stubResolver{}
	d := newTestDispatcher(t, trigger, resolver)

	result := d.Dispatch(context.Background(), Invocation{RawArguments: ""})
	if result.Outcome != Help {
		t.Fatalf("Dispatch() outcome = %s, want %s", result.Outcome, Help)
	}
	if !strings.Contains(result.Message, "/appvetting") {
		t.Fatalf("help text does not mention the command: %q", result.Message)
	}
	if trigger.calls != 0 {
		t.Fatalf("trigger calls mismatch: got %d want 0", trigger.calls)
	}
	if resolver.calls != 0 {
		t.Fatalf("resolver calls mismatch: got %d want 0", resolver.calls)
	}
}

func TestDispatchHelpSubcommand(t *testing.T) {
	t.Parallel()

	trigger := &stubTrigger{}
	d := newTestDispatcher(t, trigger, &stubResolver{})

	result := d.Dispatch(context.Background(), Invocation{RawArguments: "help"})
	if result.Outcome != Help {
		t.Fatalf("Dispatch() outcome = %s, want %s", result.Outcome, Help)
	}
	if trigger.calls != 0 {
		t.Fatalf("trigger calls mismatch: got %d want 0", trigger.calls)
	}
}

func TestDispatchBundleIDTriggersOnce(t *testing.T) {
	t.Parallel()

	trigger := &stubTrigger{assessment: nowsecure.Assessment{Ref: "a-123", TaskStatus: "pending"}}
	d := newTestDispatcher(t, trigger, &stubResolver{})

	result := d.Dispatch(context.Background(), Invocation{RawArguments: "com.example.app"})
	if result.Outcome != Triggered {
		t.Fatalf("Dispatch() outcome = %s, want %s", result.Outcome, Triggered)
	}
	if result.AssessmentRef != "a-123" {
		t.Fatalf("assessment ref mismatch: got %q want %q", result.AssessmentRef, "a-123")
	}
	if trigger.calls != 1 {
		t.Fatalf("trigger calls mismatch: got %d want 1", trigger.calls)
	}
	if trigger.lastPlatform != nowsecure.PlatformAndroid {
		t.Fatalf("platform mismatch: got %q want %q", trigger.lastPlatform, nowsecure.PlatformAndroid)
	}
	if trigger.lastBundleID != "com.example.app" {
		t.Fatalf("bundle id mismatch: got %q want %q", trigger.lastBundleID, "com.example.app")
	}
	if !strings.Contains(result.Message, "pending") {
		t.Fatalf("result message does not carry task status: %q", result.Message)
	}
}

func TestDispatchMalformedArgumentsMakeNoRemoteCall(t *testing.T) {
	t.Parallel()

	trigger := &stubTrigger{}
	resolver := &stubResolver{}
	d := newTestDispatcher(t, trigger, resolver)

	for _, raw := range []string{"bad arg set", "nodots", "com.example.app extra"} {
		result := d.Dispatch(context.Background(), Invocation{RawArguments: raw})
		if result.Outcome != InvalidArgument {
			t.Fatalf("Dispatch(%q) outcome = %s, want %s", raw, result.Outcome, InvalidArgument)
		}
	}
	if trigger.calls != 0 {
		t.Fatalf("trigger calls mismatch: got %d want 0", trigger.calls)
	}
	if resolver.calls != 0 {
		t.Fatalf("resolver calls mismatch: got %d want 0", resolver.calls)
	}
}

func TestDispatchNewResolvesStoreURL(t *testing.T) {
	t.Parallel()

	trigger := &stubTrigger{assessment: nowsecure.Assessment{Ref: "a-456", TaskStatus: "pending"}}
	resolver := &stubResolver{app: appstore.App{Platform: nowsecure.PlatformIOS, BundleID: "com.viber.voip"}}
	d := newTestDispatcher(t, trigger, resolver)

	result := d.Dispatch(context.Background(), Invocation{
		RawArguments: "new https://apps.apple.com/us/app/rakuten-viber-messenger/id382617920",
	})
	if result.Outcome != Triggered {
		t.Fatalf("Dispatch() outcome = %s, want %s (%s)", result.Outcome, Triggered, result.Message)
	}
	if resolver.calls != 1 {
		t.Fatalf("resolver calls mismatch: got %d want 1", resolver.calls)
	}
	if trigger.calls != 1 {
		t.Fatalf("trigger calls mismatch: got %d want 1", trigger.calls)
	}
	if trigger.lastPlatform != nowsecure.PlatformIOS {
		t.Fatalf("platform mismatch: got %q want %q", trigger.lastPlatform, nowsecure.PlatformIOS)
	}
}

func TestDispatchNewWithoutURLIsInvalid(t *testing.T) {
	t.Parallel()

	trigger := &stubTrigger{}
	d := newTestDispatcher(t, trigger, &stubResolver{})

	result := d.Dispatch(context.Background(), Invocation{RawArguments: "new"})
	if result.Outcome != InvalidArgument {
		t.Fatalf("Dispatch() outcome = %s, want %s", result.Outcome, InvalidArgument)
	}
	if trigger.calls != 0 {
		t.Fatalf("trigger calls mismatch: got %d want 0", trigger.calls)
	}
}

func TestDispatchInvalidStoreURL(t *testing.T) {
	t.Parallel()

	trigger := &stubTrigger{}
	resolver := &stubResolver{err: fmt.Errorf("%w: missing package name", appstore.ErrInvalidURL)}
	d := newTestDispatcher(t, trigger, resolver)

	result := d.Dispatch(context.Background(), Invocation{RawArguments: "new https://example.com/not-a-store"})
	if result.Outcome != InvalidArgument {
		t.Fatalf("Dispatch() outcome = %s, want %s", result.Outcome, InvalidArgument)
	}
	if trigger.calls != 0 {
		t.Fatalf("trigger calls mismatch: got %d want 0", trigger.calls)
	}
}

func TestDispatchRemoteFailureSurfacesMessage(t *testing.T) {
	t.Parallel()

	trigger := &stubTrigger{err: &nowsecure.APIError{StatusCode: 402, Message: "group quota exceeded"}}
	d := newTestDispatcher(t, trigger, &stubResolver{})

	result := d.Dispatch(context.Background(), Invocation{RawArguments: "com.example.app"})
	if result.Outcome != RemoteFailure {
		t.Fatalf("Dispatch() outcome = %s, want %s", result.Outcome, RemoteFailure)
	}
	if !strings.Contains(result.Message, "group quota exceeded") {
		t.Fatalf("result message does not carry the remote error: %q", result.Message)
	}
	if trigger.calls != 1 {
		t.Fatalf("trigger calls mismatch: got %d want 1", trigger.calls)
	}
}

type panickingTrigger struct{}

func (panickingTrigger) TriggerAssessment(ctx context.Context, platform, bundleID string) (nowsecure.Assessment, error) {
	panic("trigger blew up")
}

func TestDispatchRecoversPanickingTrigger(t *testing.T) {
	t.Parallel()

	d, err := NewDispatcher(Options{
		Trigger:         panickingTrigger{},
		Resolver:        &stubResolver{},
		DefaultPlatform: nowsecure.PlatformAndroid,
		Logger:          testLogger(),
	})
	if err != nil {
		t.Fatalf("NewDispatcher() error = %v", err)
	}
	result := d.Dispatch(context.Background(), Invocation{RawArguments: "com.example.app"})
	if result.Outcome != RemoteFailure {
		t.Fatalf("Dispatch() outcome = %s, want %s", result.Outcome, RemoteFailure)
	}
}
