package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/spf13/pflag"
)

// Environment keys read by the serve command.
const (
	KeyServeListen   = "SERVE_LISTEN"
	KeyServeDB       = "SERVE_DB"
	KeyServeAuthUser = "SERVE_AUTH_USER"
	KeyServeAuthPass = "SERVE_AUTH_PASS"
)

var errServeAuthPair = errors.New("serve auth needs both a username and a password")

// ServeConfig configures the local capture server.
type ServeConfig struct {
	Listen   string
	DBPath   string
	AuthUser string
	AuthPass string
	Verbose  bool
}

// AuthEnabled reports whether clients must log in.
func (c ServeConfig) AuthEnabled() bool {
	return c.AuthUser != "" || c.AuthPass != ""
}

var serveDefaults = map[string]string{
	KeyServeListen: net.JoinHostPort(LocalServerHost, strconv.Itoa(LocalServerPort)),
	KeyVerbose:     "false",
}

var serveFlagBindings = []flagBinding{
	{name: "listen", key: KeyServeListen},
	{name: "db", key: KeyServeDB},
	{name: "auth-user", key: KeyServeAuthUser},
	{name: "auth-pass", key: KeyServeAuthPass},
	{name: "verbose", key: KeyVerbose},
}

// RegisterServeFlags adds the serve flags to fs.
func RegisterServeFlags(fs *pflag.FlagSet) {
	fs.String("listen", serveDefaults[KeyServeListen], "address to listen on")
	fs.String("db", "", "SQLite database file (default: in memory)")
	fs.String("auth-user", "", "require AUTH PLAIN with this username")
	fs.String("auth-pass", "", "password for --auth-user")
	fs.BoolP("verbose", "v", false, "verbose logging")
}

// LoadServe layers the serve settings the same way Load does.
func LoadServe(src Source) (ServeConfig, error) {
	raw, err := src.layer(serveDefaults, serveFlagBindings)
	if err != nil {
		return ServeConfig{}, err
	}

	cfg := ServeConfig{
		Listen:   strings.TrimSpace(raw[KeyServeListen]),
		DBPath:   strings.TrimSpace(raw[KeyServeDB]),
		AuthUser: raw[KeyServeAuthUser],
		AuthPass: raw[KeyServeAuthPass],
		Verbose:  ParseBool(raw[KeyVerbose]),
	}
	if _, _, err := net.SplitHostPort(cfg.Listen); err != nil {
		return ServeConfig{}, fmt.Errorf("%s: %w", KeyServeListen, err)
	}
	if cfg.AuthEnabled() && (cfg.AuthUser == "" || cfg.AuthPass == "") {
		return ServeConfig{}, errServeAuthPair
	}
	return cfg, nil
}
