// Package relay posts the report for a completed assessment back into the
// thread the notification arrived in, at most once per notification event.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/morphsec/appvet/internal/dedup"
	"github.com/morphsec/appvet/internal/notify"
	"github.com/morphsec/appvet/internal/nowsecure"
)

// Outcome is the terminal state of one relay attempt.
type Outcome int

const (
	// Delivered means the report was posted into the thread.
	Delivered Outcome = iota
	// AlreadyHandled means the event id was claimed before, or the claim
	// store failed and no reply was risked.
	AlreadyHandled
	// FetchFailed means the report could not be fetched; a text error
	// reply was posted instead.
	FetchFailed
	// PostFailed means the report was fetched but the file post failed.
	PostFailed
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case AlreadyHandled:
		return "already_handled"
	case FetchFailed:
		return "fetch_failed"
	case PostFailed:
		return "post_failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// ReportFetcher fetches the report artifact for an assessment.
type ReportFetcher interface {
	FetchReport(ctx context.Context, assessmentID string) (*nowsecure.ReportArtifact, error)
}

// ChatPoster posts replies into a channel or thread.
type ChatPoster interface {
	PostText(ctx context.Context, channelID, threadTS, text string) error
	PostFile(ctx context.Context, channelID, threadTS, comment string, artifact *nowsecure.ReportArtifact) error
}

type Options struct {
	Fetcher ReportFetcher
	Poster  ChatPoster
	Store   dedup.Store
	Logger  *slog.Logger
}

type Relay struct {
	fetcher ReportFetcher
	poster  ChatPoster
	store   dedup.Store
	logger  *slog.Logger
}

func New(opts Options) (*Relay, error) {
	if opts.Fetcher == nil {
		return nil, fmt.Errorf("report fetcher is required")
	}
	if opts.Poster == nil {
		return nil, fmt.Errorf("chat poster is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("dedup store is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		fetcher: opts.Fetcher,
		poster:  opts.Poster,
		store:   opts.Store,
		logger:  logger,
	}, nil
}

// Relay fetches the report for ref and posts it into the event's thread.
// The event id is claimed before any remote work so concurrent deliveries
// of the same notification produce at most one reply. Exactly one outbound
// post happens on every path except AlreadyHandled: the file on success,
// a text error otherwise.
func (r *Relay) Relay(ctx context.Context, ev notify.Event, ref notify.Reference) Outcome {
	if r == nil || r.fetcher == nil || r.poster == nil || r.store == nil {
		return AlreadyHandled
	}
	taskID := "relay_" + uuid.NewString()
	logger := r.logger.With("task_id", taskID, "event_id", ev.EventID, "assessment_id", ref.AssessmentID)

	claimed, err := r.store.Claim(ctx, ev.EventID)
	if err != nil {
		// A reply channel is known, but without a claim a reply could be
		// the second one. Stay silent rather than risk a duplicate.
		logger.Warn("relay_claim_error", "error", err.Error())
		return AlreadyHandled
	}
	if !claimed {
		logger.Debug("relay_event_deduped")
		return AlreadyHandled
	}

	threadTS := ev.ReplyThreadTS()

	artifact, err := r.fetchReport(ctx, ref.AssessmentID)
	if err != nil {
		logger.Warn("relay_fetch_error", "error", err.Error())
		errText := fmt.Sprintf("❌ Failed to fetch the assessment report for app '%s'.\nError: %s", ref.AppName, err.Error())
		if postErr := r.postText(ctx, ev.ChannelID, threadTS, errText); postErr != nil {
			logger.Warn("relay_error_reply_post_error", "error", postErr.Error())
		}
		return FetchFailed
	}
	logger.Info("relay_report_fetched", "filename", artifact.Filename, "bytes", len(artifact.Content))

	comment := fmt.Sprintf("PDF report for app '%s'", ref.AppName)
	if err := r.postFile(ctx, ev.ChannelID, threadTS, comment, artifact); err != nil {
		logger.Warn("relay_post_error", "error", err.Error())
		errText := fmt.Sprintf("❌ Fetched the report for app '%s' but could not attach it.\nError: %s", ref.AppName, err.Error())
		if postErr := r.postText(ctx, ev.ChannelID, threadTS, errText); postErr != nil {
			logger.Warn("relay_error_reply_post_error", "error", postErr.Error())
		}
		return PostFailed
	}
	logger.Info("relay_report_delivered", "channel_id", ev.ChannelID, "thread_ts", threadTS)
	return Delivered
}

// fetchReport shields the relay from a panicking fetcher; anything thrown
// across the boundary becomes a fetch error.
func (r *Relay) fetchReport(ctx context.Context, assessmentID string) (artifact *nowsecure.ReportArtifact, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			artifact = nil
			err = fmt.Errorf("report fetch panicked: %v", rec)
		}
	}()
	artifact, err = r.fetcher.FetchReport(ctx, assessmentID)
	if err != nil {
		return nil, err
	}
	if artifact == nil || len(artifact.Content) == 0 {
		return nil, fmt.Errorf("report artifact is empty")
	}
	return artifact, nil
}

func (r *Relay) postText(ctx context.Context, channelID, threadTS, text string) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("text post panicked: %v", rec)
		}
	}()
	return r.poster.PostText(ctx, channelID, threadTS, strings.TrimSpace(text))
}

func (r *Relay) postFile(ctx context.Context, channelID, threadTS, comment string, artifact *nowsecure.ReportArtifact) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("file post panicked: %v", rec)
		}
	}()
	return r.poster.PostFile(ctx, channelID, threadTS, comment, artifact)
}
