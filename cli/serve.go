package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/brokerly/supportd/config"
	"github.com/brokerly/supportd/server"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the supportd HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.Load(configPath); err != nil {
			return err
		}
		cfg := config.Get()

		setupLogging(cfg.Logging)

		if err := config.ValidateSessionKeys(); err != nil {
			return fmt.Errorf("invalid session configuration: %w", err)
		}

		srv, err := server.New(cfg)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return srv.Run(ctx)
	},
}

func setupLogging(cfg config.LogConfig) {
	zerolog.SetGlobalLevel(cfg.Level)

	if cfg.Format == config.TextLogFormat {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	if cfg.WithCaller {
		log.Logger = log.Logger.With().Caller().Logger()
	}
}
