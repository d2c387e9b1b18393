// Package cli wires the chatd commands.
package cli

import (
	"os"

	"github.com/spf13/cobra"

	"chat-agent/internal/config"
	"chat-agent/internal/logging"
)

var (
	cfgFile  string
	logLevel string

	// loaded in the persistent pre-run
	cfg config.Config
	log *logging.Logger
)

const defaultConfigPath = "chatd.yaml"

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chatd",
		Short: "chatd is a conversational agent service",
		Long:  "chatd persists chats in DynamoDB, runs tool-calling reasoning turns against Bedrock or OpenAI, and serves them over HTTP, WebSocket and WhatsApp.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			path := cfgFile
			explicit := path != ""
			if path == "" {
				path = defaultConfigPath
			}
			var err error
			cfg, err = config.Load(path, explicit)
			if err != nil {
				return err
			}
			level := logLevel
			if level == "" {
				level = cfg.Logging.Level
			}
			log = logging.New(os.Stderr, level)
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default chatd.yaml)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newCreateTableCmd())

	return cmd
}

// Execute runs the root command.
func Execute() error {
	if err := newRootCmd().Execute(); err != nil {
		if log != nil {
			log.Error().Err(err).Msg("command failed")
		}
		return err
	}
	return nil
}
