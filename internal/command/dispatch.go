// Package command parses and executes the /appvetting slash command.
package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/morphsec/appvet/internal/appstore"
	"github.com/morphsec/appvet/internal/nowsecure"
)

// Invocation is one slash command call.
type Invocation struct {
	UserID       string
	ChannelID    string
	RawArguments string
}

// Outcome tags the result of a dispatch.
type Outcome int

const (
	// Help means usage text was rendered and no remote call was made.
	Help Outcome = iota
	// Triggered means exactly one assessment was submitted.
	Triggered
	// InvalidArgument means the arguments did not parse; no remote call
	// was made.
	InvalidArgument
	// RemoteFailure means the trigger (or a lookup it needed) failed.
	RemoteFailure
)

func (o Outcome) String() string {
	switch o {
	case Help:
		return "help"
	case Triggered:
		return "triggered"
	case InvalidArgument:
		return "invalid_argument"
	case RemoteFailure:
		return "remote_failure"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result is rendered as exactly one reply to the invoking user.
type Result struct {
	Outcome       Outcome
	Message       string
	AssessmentRef string
}

// AssessmentTrigger submits an app for assessment.
type AssessmentTrigger interface {
	TriggerAssessment(ctx context.Context, platform, bundleID string) (nowsecure.Assessment, error)
}

// StoreResolver maps an app store URL to a platform and bundle id.
type StoreResolver interface {
	Resolve(ctx context.Context, rawURL string) (appstore.App, error)
}

const helpText = `*Appvetting Command Help*

*Usage:*
• ` + "`/appvetting`" + ` - Show this help message
• ` + "`/appvetting <bundle-id>`" + ` - Submit an app by bundle id on the default platform
• ` + "`/appvetting new <app-store-url>`" + ` - Submit a new app for vetting

*Examples:*
• ` + "`/appvetting com.example.app`" + `
• ` + "`/appvetting new https://apps.apple.com/us/app/rakuten-viber-messenger/id382617920`" + `
• ` + "`/appvetting new https://play.google.com/store/apps/details?id=com.sadadcompany.sadad`"

var bundleIDPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]*(\.[A-Za-z0-9_-]+)+$`)

type Options struct {
	Trigger         AssessmentTrigger
	Resolver        StoreResolver
	DefaultPlatform string
	Logger          *slog.Logger
}

type Dispatcher struct {
	trigger         AssessmentTrigger
	resolver        StoreResolver
	defaultPlatform string
	logger          *slog.Logger
}

func NewDispatcher(opts Options) (*Dispatcher, error) {
	if opts.Trigger == nil {
		return nil, fmt.Errorf("assessment trigger is required")
	}
	if opts.Resolver == nil {
		return nil, fmt.Errorf("store resolver is required")
	}
	defaultPlatform := strings.ToLower(strings.TrimSpace(opts.DefaultPlatform))
	if defaultPlatform == "" {
		defaultPlatform = nowsecure.PlatformAndroid
	}
	if !nowsecure.ValidPlatform(defaultPlatform) {
		return nil, fmt.Errorf("default platform must be %q or %q", nowsecure.PlatformIOS, nowsecure.PlatformAndroid)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		trigger:         opts.Trigger,
		resolver:        opts.Resolver,
		defaultPlatform: defaultPlatform,
		logger:          logger,
	}, nil
}

// Dispatch parses the invocation and makes at most one trigger call.
func (d *Dispatcher) Dispatch(ctx context.Context, inv Invocation) (result Result) {
	defer func() {
		if rec := recover(); rec != nil {
			d.logger.Warn("dispatch_panic", "user_id", inv.UserID, "panic", fmt.Sprint(rec))
			result = Result{
				Outcome: RemoteFailure,
				Message: "❌ Internal error while handling the command.",
			}
		}
	}()
	if d == nil || d.trigger == nil || d.resolver == nil {
		return Result{Outcome: RemoteFailure, Message: "❌ Command handler is not initialized."}
	}

	tokens := strings.Fields(inv.RawArguments)
	if len(tokens) == 0 {
		return Result{Outcome: Help, Message: helpText}
	}
	subcommand := strings.ToLower(tokens[0])

	switch {
	case subcommand == "help":
		return Result{Outcome: Help, Message: helpText}
	case subcommand == "new":
		if len(tokens) < 2 {
			return Result{
				Outcome: InvalidArgument,
				Message: "❌ Missing URL parameter.\n\nUsage: `/appvetting new <app-store-url>`",
			}
		}
		return d.triggerFromStoreURL(ctx, tokens[1])
	case len(tokens) == 1 && bundleIDPattern.MatchString(tokens[0]):
		return d.triggerApp(ctx, appstore.App{Platform: d.defaultPlatform, BundleID: tokens[0]}, "")
	default:
		return Result{
			Outcome: InvalidArgument,
			Message: fmt.Sprintf("❌ Unknown command: `%s`\n\n%s", subcommand, helpText),
		}
	}
}

func (d *Dispatcher) triggerFromStoreURL(ctx context.Context, rawURL string) Result {
	app, err := d.resolver.Resolve(ctx, rawURL)
	if err != nil {
		if errors.Is(err, appstore.ErrInvalidURL) {
			return Result{
				Outcome: InvalidArgument,
				Message: "❌ Invalid App Store URL or unable to extract the bundle id.",
			}
		}
		return Result{
			Outcome: RemoteFailure,
			Message: "❌ Unable to retrieve the bundle id.\nError: " + err.Error(),
		}
	}
	return d.triggerApp(ctx, app, rawURL)
}

func (d *Dispatcher) triggerApp(ctx context.Context, app appstore.App, sourceURL string) Result {
	assessment, err := d.trigger.TriggerAssessment(ctx, app.Platform, app.BundleID)
	if err != nil {
		d.logger.Warn("dispatch_trigger_error", "platform", app.Platform, "bundle_id", app.BundleID, "error", err.Error())
		return Result{
			Outcome: RemoteFailure,
			Message: fmt.Sprintf("❌ Failed to submit %s app `%s` for assessment.\nError: %s", app.Platform, app.BundleID, err.Error()),
		}
	}
	d.logger.Info("dispatch_triggered", "platform", app.Platform, "bundle_id", app.BundleID, "assessment_ref", assessment.Ref, "task_status", assessment.TaskStatus)

	referredBy := ""
	if strings.TrimSpace(sourceURL) != "" {
		referredBy = " referred by " + strings.TrimSpace(sourceURL)
	}
	return Result{
		Outcome:       Triggered,
		AssessmentRef: assessment.Ref,
		Message: fmt.Sprintf("✅ %s app `%s`%s submitted for assessment.\nStatus: %s",
			platformDisplay(app.Platform), app.BundleID, referredBy, assessment.TaskStatus),
	}
}

func platformDisplay(platform string) string {
	switch strings.ToLower(strings.TrimSpace(platform)) {
	case nowsecure.PlatformIOS:
		return "iOS"
	case nowsecure.PlatformAndroid:
		return "Android"
	default:
		return platform
	}
}
