package slackcmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/morphsec/appvet/internal/appstore"
	"github.com/morphsec/appvet/internal/command"
	"github.com/morphsec/appvet/internal/configutil"
	"github.com/morphsec/appvet/internal/dedup"
	"github.com/morphsec/appvet/internal/healthcheck"
	"github.com/morphsec/appvet/internal/notify"
	"github.com/morphsec/appvet/internal/nowsecure"
	"github.com/morphsec/appvet/internal/relay"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const defaultSlashCommand = "/appvetting"

// chatPoster adapts the Slack API wrapper to the relay's poster contract.
type chatPoster struct {
	api *slackAPI
}

func (p *chatPoster) PostText(ctx context.Context, channelID, threadTS, text string) error {
	if p == nil || p.api == nil {
		return fmt.Errorf("chat poster is not initialized")
	}
	return p.api.postMessage(ctx, channelID, text, threadTS)
}

func (p *chatPoster) PostFile(ctx context.Context, channelID, threadTS, comment string, artifact *nowsecure.ReportArtifact) error {
	if p == nil || p.api == nil {
		return fmt.Errorf("chat poster is not initialized")
	}
	if artifact == nil {
		return fmt.Errorf("artifact is required")
	}
	return p.api.uploadFile(ctx, channelID, threadTS, artifact.Filename, comment, comment, artifact.Content)
}

func newSlackCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "slack",
		Short: "Run the appvetting Slack bot with Socket Mode",
		RunE: func(cmd *cobra.Command, args []string) error {
			botToken := strings.TrimSpace(configutil.FlagOrViperString(cmd, "slack-bot-token", "slack.bot_token"))
			if botToken == "" {
				return fmt.Errorf("missing slack.bot_token (set via --slack-bot-token or APPVET_SLACK_BOT_TOKEN)")
			}
			appToken := strings.TrimSpace(configutil.FlagOrViperString(cmd, "slack-app-token", "slack.app_token"))
			if appToken == "" {
				return fmt.Errorf("missing slack.app_token (set via --slack-app-token or APPVET_SLACK_APP_TOKEN)")
			}
			apiToken := strings.TrimSpace(viper.GetString("nowsecure.api_token"))
			if apiToken == "" {
				return fmt.Errorf("missing nowsecure.api_token (set via APPVET_NOWSECURE_API_TOKEN)")
			}
			groupID := strings.TrimSpace(viper.GetString("nowsecure.group_id"))
			if groupID == "" {
				return fmt.Errorf("missing nowsecure.group_id (set via APPVET_NOWSECURE_GROUP_ID)")
			}

			allowedTeams := toAllowlist(configutil.FlagOrViperStringArray(cmd, "slack-allowed-team-id", "slack.allowed_team_ids"))
			allowedChannels := toAllowlist(configutil.FlagOrViperStringArray(cmd, "slack-allowed-channel-id", "slack.allowed_channel_ids"))

			logger, err := loggerFromViper()
			if err != nil {
				return err
			}
			slog.SetDefault(logger)

			trustedBotName := strings.TrimSpace(configutil.FlagOrViperString(cmd, "trusted-bot-name", "slack.trusted_bot_name"))
			if trustedBotName == "" {
				trustedBotName = "NowSecure Platform"
			}
			matcher, err := notify.NewMatcher(notify.MatcherOptions{
				TrustedBotName: trustedBotName,
				MarkerPattern:  viper.GetString("notify.marker_pattern"),
				GroupID:        groupID,
			})
			if err != nil {
				return err
			}

			nsClient, err := nowsecure.NewClient(nowsecure.ClientOptions{
				APIBaseURL:    viper.GetString("nowsecure.api_base_url"),
				LabAPIBaseURL: viper.GetString("nowsecure.lab_api_base_url"),
				Token:         apiToken,
				GroupID:       groupID,
			})
			if err != nil {
				return err
			}
			resolver := appstore.NewResolver(appstore.ResolverOptions{})

			store, err := dedupStoreFromViper(cmd.Context(), logger)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			httpClient := &http.Client{Timeout: 30 * time.Second}
			api := newSlackAPI(httpClient, viper.GetString("slack.api_base_url"), botToken, appToken)
			auth, err := api.authTest(cmd.Context())
			if err != nil {
				return fmt.Errorf("slack auth.test: %w", err)
			}
			botUserID := strings.TrimSpace(auth.UserID)
			if botUserID == "" {
				return fmt.Errorf("slack auth.test returned empty user_id")
			}
			if len(allowedTeams) == 0 && strings.TrimSpace(auth.TeamID) != "" {
				allowedTeams[strings.TrimSpace(auth.TeamID)] = true
			}

			reportRelay, err := relay.New(relay.Options{
				Fetcher: nsClient,
				Poster:  &chatPoster{api: api},
				Store:   store,
				Logger:  logger,
			})
			if err != nil {
				return err
			}
			dispatcher, err := command.NewDispatcher(command.Options{
				Trigger:         nsClient,
				Resolver:        resolver,
				DefaultPlatform: viper.GetString("nowsecure.default_platform"),
				Logger:          logger,
			})
			if err != nil {
				return err
			}

			slashCommand := strings.TrimSpace(configutil.FlagOrViperString(cmd, "slash-command", "slack.command"))
			if slashCommand == "" {
				slashCommand = defaultSlashCommand
			}

			taskTimeout := configutil.FlagOrViperDuration(cmd, "task-timeout", "slack.task_timeout")
			if taskTimeout <= 0 {
				taskTimeout = 2 * time.Minute
			}
			maxConc := configutil.FlagOrViperInt(cmd, "max-concurrency", "slack.max_concurrency")
			if maxConc <= 0 {
				maxConc = 3
			}
			sem := make(chan struct{}, maxConc)

			healthListen := healthcheck.NormalizeListen(configutil.FlagOrViperString(cmd, "health-listen", "health.listen"))
			if healthListen != "" {
				healthServer, err := healthcheck.StartServer(cmd.Context(), logger, healthListen, "slack")
				if err != nil {
					logger.Warn("slack_health_server_start_error", "addr", healthListen, "error", err.Error())
				} else {
					defer func() {
						shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
						_ = healthServer.Shutdown(shutdownCtx)
						cancel()
					}()
				}
			}

			runTask := func(run func(ctx context.Context)) {
				go func() {
					sem <- struct{}{}
					defer func() { <-sem }()
					ctx, cancel := context.WithTimeout(context.Background(), taskTimeout)
					defer cancel()
					run(ctx)
				}()
			}

			handleEnvelope := func(envelope slackSocketEnvelope) error {
				if ev, ok, err := parseMessageEvent(envelope, botUserID, auth.BotID); err != nil {
					logger.Warn("slack_event_parse_error", "error", err.Error())
					return nil
				} else if ok {
					if len(allowedTeams) > 0 && ev.TeamID != "" && !allowedTeams[ev.TeamID] {
						return nil
					}
					if len(allowedChannels) > 0 && !allowedChannels[ev.ChannelID] {
						return nil
					}
					ref, matched := matcher.Match(ev)
					if !matched {
						logger.Debug("slack_event_unmatched", "channel_id", ev.ChannelID, "message_ts", ev.MessageTS)
						return nil
					}
					logger.Info("slack_notification_matched",
						"channel_id", ev.ChannelID,
						"event_id", ev.EventID,
						"app_name", ref.AppName,
						"assessment_id", ref.AssessmentID,
					)
					runTask(func(ctx context.Context) {
						outcome := reportRelay.Relay(ctx, ev, ref)
						logger.Info("slack_relay_done", "event_id", ev.EventID, "outcome", outcome.String())
					})
					return nil
				}

				if slash, ok, err := parseSlashCommand(envelope); err != nil {
					logger.Warn("slack_slash_parse_error", "error", err.Error())
					return nil
				} else if ok {
					if slash.Command != slashCommand {
						logger.Debug("slack_slash_ignored", "command", slash.Command)
						return nil
					}
					runTask(func(ctx context.Context) {
						result := dispatcher.Dispatch(ctx, command.Invocation{
							UserID:       slash.UserID,
							ChannelID:    slash.ChannelID,
							RawArguments: slash.Text,
						})
						logger.Info("slack_command_done",
							"user_id", slash.UserID,
							"channel_id", slash.ChannelID,
							"outcome", result.Outcome.String(),
							"assessment_ref", result.AssessmentRef,
						)
						var replyErr error
						if slash.ResponseURL != "" {
							replyErr = api.respond(ctx, slash.ResponseURL, result.Message)
						} else {
							replyErr = api.postMessage(ctx, slash.ChannelID, result.Message, "")
						}
						if replyErr != nil {
							logger.Warn("slack_command_reply_error", "channel_id", slash.ChannelID, "error", replyErr.Error())
						}
					})
					return nil
				}
				return nil
			}

			logger.Info("slack_start",
				"bot_user_id", botUserID,
				"trusted_bot_name", trustedBotName,
				"slash_command", slashCommand,
				"allowed_team_ids", len(allowedTeams),
				"allowed_channel_ids", len(allowedChannels),
				"task_timeout", taskTimeout.String(),
				"max_concurrency", maxConc,
			)

			for {
				if cmd.Context().Err() != nil {
					logger.Info("slack_stop", "reason", "context_canceled")
					return nil
				}
				conn, err := api.connectSocket(cmd.Context())
				if err != nil {
					if cmd.Context().Err() != nil {
						logger.Info("slack_stop", "reason", "context_canceled")
						return nil
					}
					logger.Warn("slack_socket_connect_error", "error", err.Error())
					if err := sleepWithContext(cmd.Context(), 2*time.Second); err != nil {
						return nil
					}
					continue
				}
				logger.Info("slack_socket_connected")
				readErr := consumeSlackSocket(cmd.Context(), conn, handleEnvelope)
				_ = conn.Close()
				if readErr != nil && !errors.Is(readErr, context.Canceled) && !errors.Is(readErr, context.DeadlineExceeded) {
					logger.Warn("slack_socket_read_error", "error", readErr.Error())
				}
			}
		},
	}

	cmd.Flags().String("slack-bot-token", "", "Slack bot token (xoxb-...).")
	cmd.Flags().String("slack-app-token", "", "Slack app-level token for Socket Mode (xapp-...).")
	cmd.Flags().String("trusted-bot-name", "", "Bot profile name whose messages count as assessment notifications.")
	cmd.Flags().StringArray("slack-allowed-team-id", nil, "Allowed Slack team id(s). If empty, defaults to the bot's home team.")
	cmd.Flags().StringArray("slack-allowed-channel-id", nil, "Allowed Slack channel id(s). If empty, allows all channels in allowed teams.")
	cmd.Flags().String("slash-command", defaultSlashCommand, "Slash command to serve.")
	cmd.Flags().Duration("task-timeout", 0, "Per-event timeout for relay and command tasks.")
	cmd.Flags().Int("max-concurrency", 3, "Max number of events processed concurrently.")
	cmd.Flags().String("health-listen", "", "Health check listen address (empty disables).")

	return cmd
}

func dedupStoreFromViper(ctx context.Context, logger *slog.Logger) (dedup.Store, error) {
	redisURL := strings.TrimSpace(viper.GetString("dedup.redis_url"))
	if redisURL == "" {
		return dedup.NewMemory(), nil
	}
	store, err := dedup.NewRedisStore(ctx, redisURL, viper.GetDuration("dedup.ttl"))
	if err != nil {
		return nil, err
	}
	logger.Info("dedup_redis_enabled")
	return store, nil
}

func consumeSlackSocket(ctx context.Context, conn *websocket.Conn, onEnvelope func(envelope slackSocketEnvelope) error) error {
	if conn == nil {
		return fmt.Errorf("slack websocket connection is nil")
	}
	for {
		if ctx != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var envelope slackSocketEnvelope
		if err := json.Unmarshal(raw, &envelope); err != nil {
			continue
		}
		if strings.TrimSpace(envelope.EnvelopeID) != "" {
			if err := conn.WriteJSON(map[string]string{"envelope_id": envelope.EnvelopeID}); err != nil {
				return err
			}
		}
		if onEnvelope == nil {
			continue
		}
		if err := onEnvelope(envelope); err != nil {
			return err
		}
	}
}

func toAllowlist(items []string) map[string]bool {
	out := make(map[string]bool)
	for _, raw := range items {
		item := strings.TrimSpace(raw)
		if item == "" {
			continue
		}
		out[item] = true
	}
	return out
}
