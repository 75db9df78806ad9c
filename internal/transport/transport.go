// Package transport delivers one message per SMTP connection.
package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/infrasutra/smtprepeat/internal/config"
	"github.com/infrasutra/smtprepeat/internal/message"
)

// Upgrade is the outcome of a STARTTLS attempt that did not fail hard.
type Upgrade int

const (
	UpgradeDisabled Upgrade = iota
	Upgraded
	// UpgradeUnsupported means the server does not offer STARTTLS and the
	// session continues in plaintext.
	UpgradeUnsupported
)

func (u Upgrade) String() string {
	switch u {
	case Upgraded:
		return "upgraded"
	case UpgradeUnsupported:
		return "unsupported"
	default:
		return "disabled"
	}
}

type Client struct {
	addr      string
	host      string
	username  string
	password  string
	startTLS  bool
	auth      bool
	timeout   time.Duration
	localName string
	tlsConfig *tls.Config
	logger    *slog.Logger
}

type Option func(*Client)

// WithTLSConfig replaces the TLS configuration used for STARTTLS.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(c *Client) {
		c.tlsConfig = cfg
	}
}

func WithLocalName(name string) Option {
	return func(c *Client) {
		c.localName = name
	}
}

func New(cfg config.Config, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		addr:      cfg.Addr(),
		host:      cfg.Host,
		username:  cfg.Username,
		password:  cfg.Password,
		startTLS:  cfg.StartTLS,
		auth:      cfg.Auth,
		timeout:   cfg.Timeout,
		localName: localName(),
		logger:    logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.tlsConfig == nil {
		c.tlsConfig = &tls.Config{ServerName: c.host, MinVersion: tls.VersionTLS12}
	}
	return c
}

// Send opens a connection, delivers msg and closes the connection again,
// whatever the outcome.
func (c *Client) Send(ctx context.Context, msg message.Message) error {
	from, to, err := msg.Envelope()
	if err != nil {
		return err
	}
	data, err := msg.Bytes()
	if err != nil {
		return err
	}

	// every connection dialed below is closed when Send returns
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	client, upgrade, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer client.Close()
	c.logger.Debug("smtp session ready", "addr", c.addr, "starttls", upgrade.String())

	if c.auth && c.username != "" && c.password != "" {
		if err := client.Auth(sasl.NewPlainClient("", c.username, c.password)); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}

	if err := client.SendMail(from, to, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	if err := client.Quit(); err != nil {
		c.logger.Debug("smtp quit", "addr", c.addr, "error", err)
	}
	return nil
}

// open returns a greeted client. With STARTTLS enabled the session is
// upgraded, or re-opened in plaintext when the server does not offer it.
// The caller closes the returned client; on error nothing is left open.
func (c *Client) open(ctx context.Context) (*smtp.Client, Upgrade, error) {
	if !c.startTLS {
		client, err := c.dial(ctx, false)
		return client, UpgradeDisabled, err
	}

	client, err := c.dial(ctx, true)
	switch {
	case err == nil:
		return client, Upgraded, nil
	case !isStartTLSUnsupported(err):
		return nil, UpgradeDisabled, err
	}

	c.logger.Debug("server does not offer STARTTLS, continuing in plaintext", "addr", c.addr)
	client, err = c.dial(ctx, false)
	if err != nil {
		return nil, UpgradeUnsupported, err
	}
	return client, UpgradeUnsupported, nil
}

// dial connects and greets the server, upgrading first when startTLS is
// set. The connection is closed when ctx ends.
func (c *Client) dial(ctx context.Context, startTLS bool) (*smtp.Client, error) {
	dialer := &net.Dialer{Timeout: c.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", c.addr, err)
	}
	context.AfterFunc(ctx, func() { _ = conn.Close() })

	var client *smtp.Client
	if startTLS {
		// NewClientStartTLS greets with the library's 5 minute command
		// timeout, so bound the negotiation separately.
		negotiate, cancel := context.WithTimeout(ctx, c.timeout)
		stop := context.AfterFunc(negotiate, func() { _ = conn.Close() })
		client, err = smtp.NewClientStartTLS(conn, c.tlsConfig)
		stopped := stop()
		cancel()
		if err != nil {
			conn.Close()
			if isStartTLSUnsupported(err) {
				return nil, err
			}
			return nil, fmt.Errorf("starttls: %w", err)
		}
		if !stopped {
			client.Close()
			return nil, fmt.Errorf("starttls: %w", context.DeadlineExceeded)
		}
	} else {
		client = smtp.NewClient(conn)
	}
	client.CommandTimeout = c.timeout
	client.SubmissionTimeout = c.timeout

	// after STARTTLS this runs the TLS handshake and the second EHLO
	if err := client.Hello(c.localName); err != nil {
		client.Close()
		if startTLS {
			return nil, fmt.Errorf("hello after starttls: %w", err)
		}
		return nil, fmt.Errorf("hello: %w", err)
	}
	return client, nil
}

// go-smtp reports a missing STARTTLS extension with an unexported plain
// error, so it can only be told apart by its text.
const startTLSUnsupported = "smtp: server doesn't support STARTTLS"

func isStartTLSUnsupported(err error) bool {
	return err != nil && err.Error() == startTLSUnsupported
}

func localName() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return "localhost"
	}
	return name
}
