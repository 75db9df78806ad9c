package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/emersion/go-smtp"
	"github.com/spf13/cobra"

	"github.com/infrasutra/smtprepeat/internal/config"
	"github.com/infrasutra/smtprepeat/internal/smtpserver"
	"github.com/infrasutra/smtprepeat/internal/store"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a local SMTP server that captures messages instead of delivering them",
		Long: `serve listens on localhost:1025 by default, the endpoint used by --use-mailhog,
and stores every message it receives. Without --db the messages only live
as long as the process.

SERVE_LISTEN, SERVE_DB, SERVE_AUTH_USER and SERVE_AUTH_PASS may be set in the
environment, the .env file or the settings file instead of using flags.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			settingsFile, _ := cmd.Flags().GetString("config")
			envFile, _ := cmd.Flags().GetString("env-file")
			cfg, err := config.LoadServe(config.Source{
				File:    settingsFile,
				EnvFile: envFile,
				Lookup:  os.LookupEnv,
				Flags:   cmd.Flags(),
			})
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, cmd.OutOrStdout())
		},
	}
	config.RegisterServeFlags(cmd.Flags())
	return cmd
}

// runServe captures messages until parent is done or a signal arrives.
func runServe(parent context.Context, cfg config.ServeConfig, out io.Writer) error {
	logger := newLogger(cfg.Verbose)
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if err := db.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}

	authCfg := smtpserver.AuthConfig{
		Enabled:  cfg.AuthEnabled(),
		Username: cfg.AuthUser,
		Password: cfg.AuthPass,
	}
	if !authCfg.Enabled {
		logger.Warn("smtp auth disabled; server accepts unauthenticated connections")
	}

	srv := smtpserver.New(db, logger, smtpserver.Config{
		Addr: cfg.Listen,
		Auth: authCfg,
		OnMessage: func(m store.Message, recipients []store.Recipient) {
			fmt.Fprintf(out, "captured %s from %s to %d recipient(s): %s\n", m.ID, m.From, len(recipients), m.Subject)
		},
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, smtp.ErrServerClosed) {
			return fmt.Errorf("smtp server stopped: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	if err := srv.Close(); err != nil {
		logger.Error("shutdown smtp", "error", err)
	}
	if count, err := db.CountMessages(context.Background()); err == nil {
		logger.Info("smtp server stopped", "captured", count)
	}
	return nil
}
