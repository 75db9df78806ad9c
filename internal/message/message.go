// Package message builds the test messages sent on each iteration.
package message

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/infrasutra/smtprepeat/internal/config"
)

const (
	UnsubscribeHeader = "List-Unsubscribe"
	UnsubscribeValue  = "<mailto:unsubscribe@example.com>"

	sequenceLabel = "测试序号："
)

// Message is one test message. Build returns a fresh value per index and
// nothing modifies it afterwards.
type Message struct {
	Index     int
	From      string
	To        string
	Subject   string
	MessageID string
	Headers   map[string]string
	Plain     string
	HTML      string
}

// Build returns the message for the 1-based index.
func Build(index int, cfg config.Config) Message {
	subject := cfg.Subject
	if cfg.SubjectIndex {
		subject = fmt.Sprintf("%s - #%d", cfg.Subject, index)
	}

	plain, html := cfg.BodyPlain, cfg.BodyHTML
	if !cfg.IdenticalBody {
		seq := strconv.Itoa(index)
		plain = cfg.BodyPlain + "\n\n" + sequenceLabel + seq
		html = cfg.BodyHTML + "<p>" + sequenceLabel + seq + "</p>"
	}

	return Message{
		Index:     index,
		From:      cfg.From,
		To:        cfg.To,
		Subject:   subject,
		MessageID: cfg.MessageID,
		Headers:   map[string]string{UnsubscribeHeader: UnsubscribeValue},
		Plain:     plain,
		HTML:      html,
	}
}

// Envelope returns the bare SMTP envelope addresses. A blank From yields
// the null reverse-path.
func (m Message) Envelope() (string, []string, error) {
	var sender string
	if strings.TrimSpace(m.From) != "" {
		from, err := mail.ParseAddress(m.From)
		if err != nil {
			return "", nil, fmt.Errorf("parse From address %q: %w", m.From, err)
		}
		sender = from.Address
	}
	list, err := mail.ParseAddressList(m.To)
	if err != nil {
		return "", nil, fmt.Errorf("parse To address %q: %w", m.To, err)
	}
	to := make([]string, 0, len(list))
	for _, addr := range list {
		to = append(to, addr.Address)
	}
	return sender, to, nil
}

// Preview returns at most max runes of the plain body.
func (m Message) Preview(max int) string {
	runes := []rune(m.Plain)
	if max <= 0 || len(runes) <= max {
		return m.Plain
	}
	return string(runes[:max]) + "..."
}

// WriteTo renders the message as multipart/alternative. A Message-ID is
// generated when none was configured, so serializing twice yields two IDs.
func (m Message) WriteTo(w io.Writer) (int64, error) {
	var h mail.Header
	h.SetDate(time.Now())
	if err := setAddress(&h, "From", m.From); err != nil {
		return 0, err
	}
	if err := setAddress(&h, "To", m.To); err != nil {
		return 0, err
	}
	h.SetSubject(m.Subject)
	for key, value := range m.Headers {
		h.Set(key, value)
	}
	if m.MessageID != "" {
		h.SetMessageID(strings.Trim(m.MessageID, "<> "))
	} else if err := h.GenerateMessageID(); err != nil {
		return 0, fmt.Errorf("generate message id: %w", err)
	}

	cw := &countingWriter{w: w}
	mw, err := mail.CreateInlineWriter(cw, h)
	if err != nil {
		return cw.n, fmt.Errorf("create message writer: %w", err)
	}
	if err := writePart(mw, "text/plain", m.Plain); err != nil {
		return cw.n, err
	}
	if err := writePart(mw, "text/html", m.HTML); err != nil {
		return cw.n, err
	}
	if err := mw.Close(); err != nil {
		return cw.n, fmt.Errorf("close message writer: %w", err)
	}
	return cw.n, nil
}

// Bytes is WriteTo into memory.
func (m Message) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if _, err := m.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func setAddress(h *mail.Header, key, value string) error {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	addrs, err := mail.ParseAddressList(value)
	if err != nil {
		return fmt.Errorf("parse %s address %q: %w", key, value, err)
	}
	h.SetAddressList(key, addrs)
	return nil
}

func writePart(mw *mail.InlineWriter, contentType, body string) error {
	var ph mail.InlineHeader
	ph.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	ph.Set("Content-Transfer-Encoding", "quoted-printable")
	pw, err := mw.CreatePart(ph)
	if err != nil {
		return fmt.Errorf("create %s part: %w", contentType, err)
	}
	if _, err := io.WriteString(pw, body); err != nil {
		return fmt.Errorf("write %s part: %w", contentType, err)
	}
	if err := pw.Close(); err != nil {
		return fmt.Errorf("close %s part: %w", contentType, err)
	}
	return nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
