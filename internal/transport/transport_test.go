package transport

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"log/slog"
	"math/big"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/infrasutra/smtprepeat/internal/config"
	"github.com/infrasutra/smtprepeat/internal/message"
	"github.com/infrasutra/smtprepeat/internal/smtpserver"
	"github.com/infrasutra/smtprepeat/internal/store"
)

type testServer struct {
	store *store.Store
	host  string
	port  int
}

func startServer(t *testing.T, cfg smtpserver.Config) *testServer {
	t.Helper()
	ctx := context.Background()
	db, err := store.Open(ctx, "")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := smtpserver.New(db, discardLogger(), cfg)
	go srv.Serve(l)
	t.Cleanup(func() { srv.Close() })

	addr := l.Addr().(*net.TCPAddr)
	return &testServer{store: db, host: "127.0.0.1", port: addr.Port}
}

func (s *testServer) clientConfig() config.Config {
	return config.Config{
		Host:      s.host,
		Port:      s.port,
		From:      "sender@example.com",
		To:        "rcpt@example.com",
		Subject:   "Test",
		BodyPlain: "plain",
		BodyHTML:  "<p>html</p>",
		Timeout:   5 * time.Second,
		StartTLS:  true,
		Auth:      true,
	}
}

func (s *testServer) count(t *testing.T) int32 {
	t.Helper()
	n, err := s.store.CountMessages(context.Background())
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func bufferLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func selfSignedTLS(t *testing.T) *tls.Config {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: big.NewInt(now.Unix()),
		Subject:      pkix.Name{CommonName: "localhost"},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}}}
}

func TestSend_PlaintextWhenStartTLSUnsupported(t *testing.T) {
	srv := startServer(t, smtpserver.Config{})
	cfg := srv.clientConfig()

	var logs bytes.Buffer
	client := New(cfg, bufferLogger(&logs), WithLocalName("tester"))
	msg := message.Build(1, cfg)
	if err := client.Send(context.Background(), msg); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if !strings.Contains(logs.String(), "starttls=unsupported") {
		t.Errorf("expected unsupported STARTTLS to be logged, got %q", logs.String())
	}
	page, _, err := srv.store.ListMessages(context.Background(), 0, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page) != 1 {
		t.Fatalf("captured: got %d messages, want 1", len(page))
	}
	if page[0].Subject != "Test" {
		t.Errorf("subject: got %q", page[0].Subject)
	}
	if page[0].From != "sender@example.com" {
		t.Errorf("from: got %q", page[0].From)
	}
	if got := page[0].RecipientGroups["to"]; len(got) != 1 || got[0] != "rcpt@example.com" {
		t.Errorf("to: got %v", got)
	}
}

func TestSend_StartTLSUpgrade(t *testing.T) {
	srv := startServer(t, smtpserver.Config{TLSConfig: selfSignedTLS(t)})
	cfg := srv.clientConfig()

	var logs bytes.Buffer
	client := New(cfg, bufferLogger(&logs), WithTLSConfig(&tls.Config{InsecureSkipVerify: true}))
	if err := client.Send(context.Background(), message.Build(1, cfg)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !strings.Contains(logs.String(), "starttls=upgraded") {
		t.Errorf("expected upgraded session, got %q", logs.String())
	}
	if n := srv.count(t); n != 1 {
		t.Errorf("captured: got %d, want 1", n)
	}
}

func TestSend_StartTLSHandshakeFailure(t *testing.T) {
	srv := startServer(t, smtpserver.Config{TLSConfig: selfSignedTLS(t)})
	cfg := srv.clientConfig()

	// default TLS config verifies the self-signed certificate and fails
	client := New(cfg, discardLogger())
	err := client.Send(context.Background(), message.Build(1, cfg))
	if err == nil {
		t.Fatal("expected TLS verification error")
	}
	if n := srv.count(t); n != 0 {
		t.Errorf("captured: got %d, want 0", n)
	}
}

func TestSend_StartTLSDisabled(t *testing.T) {
	srv := startServer(t, smtpserver.Config{TLSConfig: selfSignedTLS(t)})
	cfg := srv.clientConfig()
	cfg.StartTLS = false

	var logs bytes.Buffer
	client := New(cfg, bufferLogger(&logs))
	if err := client.Send(context.Background(), message.Build(1, cfg)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !strings.Contains(logs.String(), "starttls=disabled") {
		t.Errorf("expected disabled STARTTLS, got %q", logs.String())
	}
}

func TestSend_Auth(t *testing.T) {
	srv := startServer(t, smtpserver.Config{Auth: smtpserver.AuthConfig{Enabled: true, Username: "user", Password: "pass"}})

	cfg := srv.clientConfig()
	cfg.Username, cfg.Password = "user", "pass"
	if err := New(cfg, discardLogger()).Send(context.Background(), message.Build(1, cfg)); err != nil {
		t.Fatalf("Send with valid credentials: %v", err)
	}

	cfg.Password = "wrong"
	err := New(cfg, discardLogger()).Send(context.Background(), message.Build(2, cfg))
	if err == nil || !strings.Contains(err.Error(), "auth") {
		t.Fatalf("Send with invalid credentials: got %v, want auth error", err)
	}
	if n := srv.count(t); n != 1 {
		t.Errorf("captured: got %d, want 1", n)
	}
}

func TestSend_AuthDisabledSkipsLogin(t *testing.T) {
	// the server does not offer AUTH, so any login attempt would fail
	srv := startServer(t, smtpserver.Config{})
	cfg := srv.clientConfig()
	cfg.Username, cfg.Password = "user", "pass"
	cfg.Auth = false

	if err := New(cfg, discardLogger()).Send(context.Background(), message.Build(1, cfg)); err != nil {
		t.Fatalf("Send: %v", err)
	}
}

func TestSend_ConnectFailure(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()

	cfg := config.Config{Host: "127.0.0.1", Port: port, From: "a@example.com", To: "b@example.com", Timeout: time.Second}
	err = New(cfg, discardLogger()).Send(context.Background(), message.Build(1, cfg))
	if err == nil || !strings.Contains(err.Error(), "connect") {
		t.Fatalf("Send: got %v, want connect error", err)
	}
}

func TestSend_SilentServerTimesOut(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			// never greet
			defer conn.Close()
		}
	}()

	for _, startTLS := range []bool{true, false} {
		cfg := config.Config{
			Host: "127.0.0.1", Port: l.Addr().(*net.TCPAddr).Port,
			From: "a@example.com", To: "b@example.com",
			Timeout: 200 * time.Millisecond, StartTLS: startTLS,
		}
		start := time.Now()
		if err := New(cfg, discardLogger()).Send(context.Background(), message.Build(1, cfg)); err == nil {
			t.Errorf("starttls=%v: expected error from a server that never greets", startTLS)
		}
		if elapsed := time.Since(start); elapsed > 3*time.Second {
			t.Errorf("starttls=%v: Send took %s, want it bounded by the timeout", startTLS, elapsed)
		}
	}
}

func TestSend_NullSender(t *testing.T) {
	srv := startServer(t, smtpserver.Config{})
	cfg := srv.clientConfig()
	cfg.From = ""

	if err := New(cfg, discardLogger()).Send(context.Background(), message.Build(1, cfg)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	list, _, err := srv.store.ListMessages(context.Background(), 0, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("got %d messages, want 1", len(list))
	}
	if list[0].From != "unknown@smtprepeat.local" {
		t.Errorf("from: got %q, want placeholder for the null sender", list[0].From)
	}
}

func TestSend_InvalidEnvelope(t *testing.T) {
	cfg := config.Config{Host: "127.0.0.1", Port: 1, From: "not an address", To: "b@example.com", Timeout: time.Second}
	if err := New(cfg, discardLogger()).Send(context.Background(), message.Build(1, cfg)); err == nil {
		t.Fatal("expected error for malformed sender")
	}
}

func TestUpgradeString(t *testing.T) {
	for u, want := range map[Upgrade]string{UpgradeDisabled: "disabled", Upgraded: "upgraded", UpgradeUnsupported: "unsupported"} {
		if got := u.String(); got != want {
			t.Errorf("%d.String(): got %q, want %q", u, got, want)
		}
	}
}
