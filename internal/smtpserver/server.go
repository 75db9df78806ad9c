// Package smtpserver is a local SMTP acceptor that captures every message it
// receives instead of relaying it.
package smtpserver

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/google/uuid"

	"github.com/infrasutra/smtprepeat/internal/store"
)

const (
	defaultDomain = "smtprepeat.local"
	DefaultAddr   = "localhost:1025"
)

type AuthConfig struct {
	Enabled  bool
	Username string
	Password string
}

type Config struct {
	Addr      string
	Auth      AuthConfig
	// TLSConfig enables STARTTLS when set.
	TLSConfig *tls.Config
	// OnMessage is called after a message has been stored.
	OnMessage func(store.Message, []store.Recipient)
}

type Server struct {
	smtp   *smtp.Server
	logger *slog.Logger
}

func New(db *store.Store, logger *slog.Logger, cfg Config) *Server {
	backend := &backend{
		store:        db,
		logger:       logger,
		authEnabled:  cfg.Auth.Enabled,
		authUsername: cfg.Auth.Username,
		authPassword: cfg.Auth.Password,
		onMessage:    cfg.OnMessage,
	}
	server := smtp.NewServer(backend)
	server.Addr = cfg.Addr
	if server.Addr == "" {
		server.Addr = DefaultAddr
	}
	server.Domain = defaultDomain
	server.TLSConfig = cfg.TLSConfig
	server.AllowInsecureAuth = true
	server.ReadTimeout = 15 * time.Second
	server.WriteTimeout = 15 * time.Second
	server.MaxRecipients = 100
	server.MaxMessageBytes = 25 << 20

	return &Server{smtp: server, logger: logger}
}

func (s *Server) ListenAndServe() error {
	s.logger.Info("smtp server listening", "addr", s.smtp.Addr)
	return s.smtp.ListenAndServe()
}

// Serve accepts connections on l until Close is called.
func (s *Server) Serve(l net.Listener) error {
	s.logger.Info("smtp server listening", "addr", l.Addr().String())
	return s.smtp.Serve(l)
}

func (s *Server) Close() error {
	return s.smtp.Close()
}

type backend struct {
	store        *store.Store
	logger       *slog.Logger
	authEnabled  bool
	authUsername string
	authPassword string
	onMessage    func(store.Message, []store.Recipient)
}

func (b *backend) NewSession(_ *smtp.Conn) (smtp.Session, error) {
	return &session{backend: b}, nil
}

type session struct {
	backend       *backend
	from          string
	to            []string
	authenticated bool
}

func (s *session) AuthMechanisms() []string {
	if s.backend.authEnabled {
		return []string{sasl.Plain}
	}
	return nil
}

func (s *session) Auth(mech string) (sasl.Server, error) {
	if !s.backend.authEnabled {
		return nil, errors.New("authentication not enabled")
	}
	if mech != sasl.Plain {
		return nil, errors.New("unsupported authentication mechanism")
	}
	return sasl.NewPlainServer(func(identity, username, password string) error {
		if username == s.backend.authUsername && password == s.backend.authPassword {
			s.authenticated = true
			return nil
		}
		return errors.New("invalid credentials")
	}), nil
}

func (s *session) Mail(from string, _ *smtp.MailOptions) error {
	if s.backend.authEnabled && !s.authenticated {
		return smtp.ErrAuthRequired
	}
	s.from = normalizeEmail(from)
	return nil
}

func (s *session) Rcpt(to string, _ *smtp.RcptOptions) error {
	if s.backend.authEnabled && !s.authenticated {
		return smtp.ErrAuthRequired
	}
	s.to = append(s.to, normalizeEmail(to))
	return nil
}

func (s *session) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	message, recipients, err := parseMessage(s.from, s.to, data)
	if err != nil {
		s.backend.logger.Warn("parse smtp message", "error", err)
	}

	ctx := context.Background()
	if err := s.backend.store.InsertMessage(ctx, message, recipients); err != nil {
		s.backend.logger.Error("store smtp message", "error", err)
		return err
	}
	s.backend.logger.Debug("captured message", "id", message.ID, "subject", message.Subject, "size", message.RawSize)

	if s.backend.onMessage != nil {
		s.backend.onMessage(message, recipients)
	}
	return nil
}

func (s *session) Reset() {
	s.from = ""
	s.to = nil
}

func (s *session) Logout() error {
	return nil
}

func parseMessage(envelopeFrom string, envelopeTo []string, raw []byte) (store.Message, []store.Recipient, error) {
	message := store.Message{
		ID:        uuid.NewString(),
		From:      normalizeEmail(envelopeFrom),
		Headers:   map[string]string{},
		Raw:       raw,
		RawSize:   int64(len(raw)),
		CreatedAt: time.Now(),
	}

	recipients := map[string]map[string]struct{}{}

	reader, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return message, recipientsFromEnvelope(envelopeTo, recipients), err
	}

	if subject, err := reader.Header.Subject(); err == nil {
		message.Subject = subject
	}
	if id, err := reader.Header.MessageID(); err == nil {
		message.MessageID = id
	}
	fields := reader.Header.Fields()
	for fields.Next() {
		if _, ok := message.Headers[fields.Key()]; !ok {
			message.Headers[fields.Key()] = fields.Value()
		}
	}

	if fromList, err := reader.Header.AddressList("From"); err == nil && len(fromList) > 0 {
		if message.From == "" {
			message.From = normalizeEmail(fromList[0].Address)
		}
	}
	if message.From == "" {
		message.From = "unknown@" + defaultDomain
	}

	addHeaderRecipients := func(headerName, rtype string) {
		if list, err := reader.Header.AddressList(headerName); err == nil {
			for _, addr := range list {
				addRecipient(recipients, rtype, normalizeEmail(addr.Address))
			}
		}
	}
	addHeaderRecipients("To", "to")
	addHeaderRecipients("Cc", "cc")

	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return message, recipientsFromEnvelope(envelopeTo, recipients), err
		}

		header, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		mediaType, _, _ := header.ContentType()
		body, err := io.ReadAll(part.Body)
		if err != nil {
			continue
		}
		switch {
		case strings.HasPrefix(mediaType, "text/plain") || mediaType == "":
			message.TextBody = appendBody(message.TextBody, string(body))
		case strings.HasPrefix(mediaType, "text/html"):
			message.HTMLBody = appendBody(message.HTMLBody, string(body))
		}
	}

	return message, recipientsFromEnvelope(envelopeTo, recipients), nil
}

func appendBody(existing, body string) string {
	body = strings.ReplaceAll(body, "\r\n", "\n")
	if existing == "" {
		return body
	}
	return existing + "\n" + body
}

// recipientsFromEnvelope adds RCPT TO addresses not already named in a header.
func recipientsFromEnvelope(envelopeTo []string, base map[string]map[string]struct{}) []store.Recipient {
	named := map[string]struct{}{}
	for _, emails := range base {
		for email := range emails {
			named[email] = struct{}{}
		}
	}
	for _, addr := range envelopeTo {
		email := normalizeEmail(addr)
		if _, ok := named[email]; ok {
			continue
		}
		addRecipient(base, "bcc", email)
	}
	return flattenRecipients(base)
}

func addRecipient(base map[string]map[string]struct{}, rtype, email string) {
	if email == "" {
		return
	}
	if _, ok := base[rtype]; !ok {
		base[rtype] = map[string]struct{}{}
	}
	base[rtype][email] = struct{}{}
}

func flattenRecipients(base map[string]map[string]struct{}) []store.Recipient {
	var recipients []store.Recipient
	for _, rtype := range []string{"to", "cc", "bcc"} {
		for email := range base[rtype] {
			recipients = append(recipients, store.Recipient{Email: email, Type: rtype})
		}
	}
	return recipients
}

func normalizeEmail(email string) string {
	return strings.TrimSpace(strings.ToLower(email))
}
