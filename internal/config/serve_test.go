package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
)

func TestLoadServe_Defaults(t *testing.T) {
	cfg, err := LoadServe(Source{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Listen != "localhost:1025" {
		t.Errorf("Listen: got %q, want localhost:1025", cfg.Listen)
	}
	if cfg.DBPath != "" || cfg.AuthEnabled() || cfg.Verbose {
		t.Errorf("got %+v, want in-memory store without auth", cfg)
	}
}

func TestLoadServe_EnvAndEnvFile(t *testing.T) {
	envFile := filepath.Join(t.TempDir(), "serve.env")
	content := "SERVE_AUTH_USER=capture\nSERVE_AUTH_PASS=from-dotenv\nSERVE_DB=/tmp/dotenv.db\n"
	if err := os.WriteFile(envFile, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	cfg, err := LoadServe(Source{
		EnvFile: envFile,
		Lookup: MapLookup(map[string]string{
			KeyServeListen:   "127.0.0.1:2525",
			KeyServeAuthPass: "from-env",
			KeyVerbose:       "yes",
			// send settings never leak into serve
			KeyUser: "alice@example.com",
		}),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Listen != "127.0.0.1:2525" {
		t.Errorf("Listen: got %q", cfg.Listen)
	}
	if cfg.DBPath != "/tmp/dotenv.db" {
		t.Errorf("DBPath: got %q", cfg.DBPath)
	}
	if cfg.AuthUser != "capture" || cfg.AuthPass != "from-env" {
		t.Errorf("auth: got %q/%q, want capture/from-env", cfg.AuthUser, cfg.AuthPass)
	}
	if !cfg.AuthEnabled() {
		t.Error("AuthEnabled: got false, want true")
	}
	if !cfg.Verbose {
		t.Error("Verbose: got false, want true")
	}
}

func TestLoadServe_FlagsOverrideEnv(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterServeFlags(fs)
	if err := fs.Parse([]string{"--listen", "127.0.0.1:3025", "--auth-user", "flag-user"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}

	env := map[string]string{KeyServeListen: "127.0.0.1:2525", KeyServeAuthUser: "env-user", KeyServeAuthPass: "secret"}
	cfg, err := LoadServe(Source{Lookup: MapLookup(env), Flags: fs})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Listen != "127.0.0.1:3025" {
		t.Errorf("Listen: got %q", cfg.Listen)
	}
	if cfg.AuthUser != "flag-user" || cfg.AuthPass != "secret" {
		t.Errorf("auth: got %q/%q, want flag-user/secret", cfg.AuthUser, cfg.AuthPass)
	}
}

func TestLoadServe_SettingsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	content := "serve_listen: 127.0.0.1:4025\nserve_db: captured.db\nsmtp_host: ignored.example.com\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write settings: %v", err)
	}

	cfg, err := LoadServe(Source{File: path})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Listen != "127.0.0.1:4025" || cfg.DBPath != "captured.db" {
		t.Errorf("got %+v", cfg)
	}

	// the same file stays valid for the send command
	if _, err := Load(Source{File: path}); err != nil {
		t.Errorf("Load with serve keys: %v", err)
	}
}

func TestLoadServe_Invalid(t *testing.T) {
	if _, err := LoadServe(Source{Lookup: MapLookup(map[string]string{KeyServeListen: "no-port"})}); err == nil {
		t.Error("expected error for listen address without port")
	}

	_, err := LoadServe(Source{Lookup: MapLookup(map[string]string{KeyServeAuthUser: "capture"})})
	if !errors.Is(err, errServeAuthPair) {
		t.Errorf("got %v, want errServeAuthPair", err)
	}
}
