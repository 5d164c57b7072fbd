// Package triggercmd fires a one-shot assessment from the CLI, using the
// same grammar as the /appvetting slash command.
package triggercmd

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/morphsec/appvet/internal/appstore"
	"github.com/morphsec/appvet/internal/command"
	"github.com/morphsec/appvet/internal/configutil"
	"github.com/morphsec/appvet/internal/nowsecure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type Dependencies struct {
	LoggerFromViper func() (*slog.Logger, error)
}

var deps Dependencies

func NewCommand(d Dependencies) *cobra.Command {
	deps = d
	return newTriggerCmd()
}

func newTriggerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trigger <bundle-id|app-store-url>",
		Short: "Submit an app for assessment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := loggerFromViper()
			if err != nil {
				return err
			}

			apiToken := strings.TrimSpace(viper.GetString("nowsecure.api_token"))
			if apiToken == "" {
				return fmt.Errorf("missing nowsecure.api_token (set via APPVET_NOWSECURE_API_TOKEN)")
			}
			groupID := strings.TrimSpace(viper.GetString("nowsecure.group_id"))
			if groupID == "" {
				return fmt.Errorf("missing nowsecure.group_id (set via APPVET_NOWSECURE_GROUP_ID)")
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
			defaultPlatform := strings.TrimSpace(configutil.FlagOrViperString(cmd, "platform", "nowsecure.default_platform"))
			dispatcher, err := command.NewDispatcher(command.Options{
				Trigger:         nsClient,
				Resolver:        appstore.NewResolver(appstore.ResolverOptions{}),
				DefaultPlatform: defaultPlatform,
				Logger:          logger,
			})
			if err != nil {
				return err
			}

			raw := strings.TrimSpace(args[0])
			if strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
				raw = "new " + raw
			}
			result := dispatcher.Dispatch(cmd.Context(), command.Invocation{
				UserID:       "cli",
				RawArguments: raw,
			})
			fmt.Fprintln(cmd.OutOrStdout(), result.Message)
			if result.Outcome != command.Triggered {
				return fmt.Errorf("trigger did not succeed: %s", result.Outcome.String())
			}
			return nil
		},
	}

	cmd.Flags().String("platform", "", "Platform for bare bundle ids: ios or android.")
	return cmd
}

func loggerFromViper() (*slog.Logger, error) {
	if deps.LoggerFromViper == nil {
		return nil, fmt.Errorf("LoggerFromViper dependency missing")
	}
	return deps.LoggerFromViper()
}
