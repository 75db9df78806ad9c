package config

import (
	"errors"
	"fmt"
	"math"
	"net"
	"strconv"
	"strings"
	"time"
)

const (
	LocalServerHost = "localhost"
	LocalServerPort = 1025
)

var ErrMissingCredentials = errors.New("SMTP username or password not configured (required unless --dry-run or --use-mailhog)")

// Config is the effective configuration for one run. It is built once by
// Load and passed around by value.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string

	From string
	To   string

	Subject   string
	BodyPlain string
	BodyHTML  string
	MessageID string

	Count         int
	Delay         time.Duration
	Retry         int
	Timeout       time.Duration
	SubjectIndex  bool
	IdenticalBody bool

	DryRun      bool
	LocalServer bool
	StartTLS    bool
	Auth        bool
	Verbose     bool
}

func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Validate reports configuration that makes sending impossible. It never
// touches the network.
func (c Config) Validate() error {
	if c.DryRun || c.LocalServer {
		return nil
	}
	if c.Username == "" || c.Password == "" {
		return ErrMissingCredentials
	}
	return nil
}

// ParseBool accepts 1, true, yes and y in any case. Everything else is false.
func ParseBool(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "y":
		return true
	default:
		return false
	}
}

func resolve(raw map[string]string) (Config, error) {
	p := &parser{raw: raw}
	cfg := Config{
		Host:          p.str(KeyHost),
		Port:          p.int(KeyPort),
		Username:      p.str(KeyUser),
		Password:      p.str(KeyPass),
		From:          p.str(KeyFrom),
		To:            p.str(KeyTo),
		Subject:       p.str(KeySubject),
		BodyPlain:     p.str(KeyBodyPlain),
		BodyHTML:      p.str(KeyBodyHTML),
		MessageID:     p.str(KeyMessageID),
		Count:         p.int(KeyCount),
		Delay:         p.seconds(KeyDelay),
		Retry:         p.int(KeyRetry),
		Timeout:       time.Duration(p.int(KeyTimeout)) * time.Second,
		SubjectIndex:  ParseBool(p.str(KeySubjectIndex)),
		IdenticalBody: ParseBool(p.str(KeyIdenticalBody)),
		DryRun:        ParseBool(p.str(KeyDryRun)),
		LocalServer:   ParseBool(p.str(KeyLocalServer)),
		Verbose:       ParseBool(p.str(KeyVerbose)),
	}
	if p.err != nil {
		return Config{}, p.err
	}

	switch {
	case cfg.Port < 1 || cfg.Port > 65535:
		return Config{}, fmt.Errorf("invalid %s %d: out of range", KeyPort, cfg.Port)
	case cfg.Count < 0:
		return Config{}, fmt.Errorf("invalid %s %d: must not be negative", KeyCount, cfg.Count)
	case cfg.Delay < 0:
		return Config{}, fmt.Errorf("invalid %s %s: must not be negative", KeyDelay, cfg.Delay)
	case cfg.Timeout <= 0:
		return Config{}, fmt.Errorf("invalid %s %s: must be positive", KeyTimeout, cfg.Timeout)
	}
	if cfg.Retry < 1 {
		cfg.Retry = 1
	}
	if cfg.From == "" {
		cfg.From = cfg.Username
	}
	if cfg.To == "" {
		cfg.To = cfg.Username
	}

	cfg.StartTLS = true
	cfg.Auth = true
	if cfg.LocalServer {
		cfg.Host = LocalServerHost
		cfg.Port = LocalServerPort
		cfg.StartTLS = false
		cfg.Auth = false
	}
	return cfg, nil
}

// parser keeps the first conversion error so resolve can read every key
// without checking after each one.
type parser struct {
	raw map[string]string
	err error
}

func (p *parser) str(key string) string {
	return p.raw[key]
}

func (p *parser) int(key string) int {
	value := strings.TrimSpace(p.raw[key])
	parsed, err := strconv.Atoi(value)
	if err != nil {
		p.fail(fmt.Errorf("invalid %s %q: must be an integer", key, value))
		return 0
	}
	return parsed
}

func (p *parser) seconds(key string) time.Duration {
	value := strings.TrimSpace(p.raw[key])
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil || math.IsNaN(parsed) || math.IsInf(parsed, 0) {
		p.fail(fmt.Errorf("invalid %s %q: must be a number of seconds", key, value))
		return 0
	}
	return time.Duration(parsed * float64(time.Second))
}

func (p *parser) fail(err error) {
	if p.err == nil {
		p.err = err
	}
}
