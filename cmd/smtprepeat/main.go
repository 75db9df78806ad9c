package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/infrasutra/smtprepeat/internal/config"
	"github.com/infrasutra/smtprepeat/internal/sender"
	"github.com/infrasutra/smtprepeat/internal/transport"
)

const exitInterrupted = 130

type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func main() {
	if err := newRootCmd().Execute(); err != nil {
		code := 1
		var exit *exitError
		if errors.As(err, &exit) {
			code = exit.code
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(code)
	}
}

func newRootCmd() *cobra.Command {
	var settingsFile, envFile string

	cmd := &cobra.Command{
		Use:   "smtprepeat",
		Short: "Repeatedly send test e-mail through an SMTP server",
		Long: `smtprepeat sends a series of test messages through an SMTP server to check
deliverability and server configuration. Only send to mailboxes you own.

Settings come from built-in defaults, an optional YAML settings file, a .env
file, the environment and flags, in increasing precedence.

Example:
  smtprepeat --to me@example.com --count 3 --delay 1
  smtprepeat --dry-run --identical-body
  smtprepeat serve &  smtprepeat --use-mailhog --count 5`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(config.Source{
				File:    settingsFile,
				EnvFile: envFile,
				Lookup:  os.LookupEnv,
				Flags:   cmd.Flags(),
			})
			if err != nil {
				return err
			}
			return runSend(cmd.Context(), cfg, cmd.OutOrStdout())
		},
	}

	cmd.PersistentFlags().StringVarP(&settingsFile, "config", "c", "", "YAML settings file")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", config.DefaultEnvFile, "dotenv file")
	config.RegisterFlags(cmd.Flags())

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newInboxCmd())
	return cmd
}

func runSend(parent context.Context, cfg config.Config, out io.Writer) error {
	logger := newLogger(cfg.Verbose)
	if cfg.LocalServer {
		logger.Debug("local test server mode: no STARTTLS, no login", "addr", cfg.Addr())
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var client sender.Sender
	if !cfg.DryRun {
		client = transport.New(cfg, logger)
	}
	summary, err := sender.New(cfg, client, out, logger).Run(ctx)
	if err != nil {
		logger.Warn("run interrupted", "sent", summary.Sent, "failed", summary.Failed)
		return &exitError{code: exitInterrupted, err: err}
	}
	logger.Debug("run finished", "sent", summary.Sent, "failed", summary.Failed, "previewed", summary.Previewed, "attempts", summary.Attempts)
	return nil
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
