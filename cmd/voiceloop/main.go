// voiceloop is a turn-taking voice assistant: it listens on the microphone,
// transcribes each utterance, streams a reply from a language model and
// speaks it back sentence by sentence.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/teslashibe/go-voiceloop/internal/config"
	"github.com/teslashibe/go-voiceloop/internal/log"
	"github.com/teslashibe/go-voiceloop/pkg/assistant"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:           "voiceloop",
	Short:         "Turn-taking voice assistant",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
	Long: `voiceloop captures speech, cuts it into utterances on silence, transcribes
them and streams a reply from a language model, speaking each sentence as
soon as it is complete. The microphone is paused while the assistant speaks.

Configuration is layered: built-in defaults, then the YAML file given with
--config, then VOICELOOP_* environment variables, then command line flags.`,
	Args: cobra.NoArgs,
	RunE: runAssistant,
}

func init() {
	config.RegisterFlags(rootCmd.PersistentFlags())
}

// loadConfig layers the file, environment and changed flags of cmd.
func loadConfig(cmd *cobra.Command) (*config.Loader, *config.Config, error) {
	loader := config.NewLoader()
	if err := config.ApplyFlags(loader, cmd.Flags()); err != nil {
		return nil, nil, err
	}
	path, _ := cmd.Flags().GetString(config.FlagConfig)
	cfg, err := loader.Load(path)
	if err != nil {
		return loader, nil, err
	}
	return loader, cfg, nil
}

func runAssistant(cmd *cobra.Command, args []string) error {
	_, cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := log.Init(cfg.Log.Level, cfg.Log.Format)

	app, err := assistant.New(*cfg, assistant.Options{Logger: logger, Out: cmd.OutOrStdout()})
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := app.Init(ctx); err != nil {
		if shutdownErr := app.Shutdown(); shutdownErr != nil {
			logger.Warn("shutdown after failed init", "error", shutdownErr)
		}
		return fmt.Errorf("initialization failed: %w", err)
	}

	runErr := app.Run(ctx)
	logger.Info("shutting down")
	if err := app.Shutdown(); err != nil {
		logger.Warn("shutdown", "error", err)
	}
	if runErr != nil {
		return fmt.Errorf("runtime error: %w", runErr)
	}
	return nil
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
