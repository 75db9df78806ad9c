// Package sender drives the sequential send loop: build, send with retry,
// pause, repeat.
package sender

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/infrasutra/smtprepeat/internal/config"
	"github.com/infrasutra/smtprepeat/internal/message"
)

const (
	backoffStep   = time.Second
	previewLength = 200
)

type Sender interface {
	Send(ctx context.Context, msg message.Message) error
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

type Summary struct {
	Sent      int
	Failed    int
	Previewed int
	Attempts  int
}

type Runner struct {
	cfg    config.Config
	sender Sender
	out    io.Writer
	logger *slog.Logger
	sleep  SleepFunc
}

type Option func(*Runner)

func WithSleep(fn SleepFunc) Option {
	return func(r *Runner) {
		r.sleep = fn
	}
}

// New returns a Runner printing progress to out. sender may be nil for dry
// runs.
func New(cfg config.Config, sender Sender, out io.Writer, logger *slog.Logger, opts ...Option) *Runner {
	r := &Runner{
		cfg:    cfg,
		sender: sender,
		out:    out,
		logger: logger,
		sleep:  Sleep,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run sends cfg.Count messages in order. Failed messages never stop the run;
// the returned error is non-nil only when ctx ends it early.
func (r *Runner) Run(ctx context.Context) (Summary, error) {
	var summary Summary
	count := r.cfg.Count

	r.printf("Sending to %s: %d message(s), delay %s (dry-run=%t).\n", r.cfg.To, count, r.cfg.Delay, r.cfg.DryRun)
	for i := 1; i <= count; i++ {
		msg := message.Build(i, r.cfg)

		if r.cfg.DryRun {
			r.preview(msg)
			summary.Previewed++
		} else {
			attempts, err := r.deliver(ctx, msg)
			summary.Attempts += attempts
			switch {
			case err == nil:
				summary.Sent++
			case ctx.Err() != nil:
				summary.Failed++
				return summary, ctx.Err()
			default:
				summary.Failed++
			}
		}

		// previews are not paced
		if !r.cfg.DryRun && i != count {
			if err := r.sleep(ctx, r.cfg.Delay); err != nil {
				return summary, err
			}
		}
	}

	if r.cfg.DryRun {
		r.printf("Done: %d message(s) previewed, nothing sent.\n", summary.Previewed)
	} else {
		r.printf("Done: %d sent, %d failed, %d attempt(s).\n", summary.Sent, summary.Failed, summary.Attempts)
	}
	return summary, nil
}

// deliver tries msg up to cfg.Retry times, waiting backoffStep*attempt
// between attempts.
func (r *Runner) deliver(ctx context.Context, msg message.Message) (int, error) {
	retry := max(1, r.cfg.Retry)
	var err error
	for attempt := 1; attempt <= retry; attempt++ {
		r.logger.Debug("sending message", "index", msg.Index, "attempt", attempt, "addr", r.cfg.Addr())
		err = r.sender.Send(ctx, msg)
		if err == nil {
			r.progress(msg.Index, "sent (subject: %s)", msg.Subject)
			return attempt, nil
		}
		r.progress(msg.Index, "attempt %d failed: %v", attempt, err)
		if ctx.Err() != nil {
			return attempt, err
		}
		if attempt == retry {
			r.progress(msg.Index, "giving up after %d attempt(s), moving on.", attempt)
			return attempt, err
		}

		backoff := backoffStep * time.Duration(attempt)
		r.progress(msg.Index, "retrying in %s...", backoff)
		if serr := r.sleep(ctx, backoff); serr != nil {
			return attempt, serr
		}
	}
	return retry, err
}

func (r *Runner) preview(msg message.Message) {
	r.printf("\n--- DRY RUN: [%d/%d] ---\n", msg.Index, r.cfg.Count)
	r.printf("Subject: %s\n", msg.Subject)
	r.printf("From: %s  To: %s\n", msg.From, msg.To)
	r.printf("Plain body preview:\n%s\n", msg.Preview(previewLength))
}

func (r *Runner) progress(index int, format string, args ...any) {
	r.printf("[%d/%d] %s\n", index, r.cfg.Count, fmt.Sprintf(format, args...))
}

func (r *Runner) printf(format string, args ...any) {
	fmt.Fprintf(r.out, format, args...)
}

// Sleep is the SleepFunc used outside tests.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
