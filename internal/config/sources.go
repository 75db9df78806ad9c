package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Environment keys. Settings files use the same names, case-insensitively.
// The serve keys are in serve.go.
const (
	KeyHost          = "SMTP_HOST"
	KeyPort          = "SMTP_PORT"
	KeyUser          = "SMTP_USER"
	KeyPass          = "SMTP_PASS"
	KeyFrom          = "FROM_EMAIL"
	KeyTo            = "TO_EMAIL"
	KeySubject       = "SUBJECT_BASE"
	KeyBodyPlain     = "BODY_PLAIN"
	KeyBodyHTML      = "BODY_HTML"
	KeyCount         = "SEND_COUNT"
	KeyDelay         = "DELAY_SEC"
	KeySubjectIndex  = "SUBJECT_ADD_INDEX"
	KeyIdenticalBody = "IDENTICAL_BODY"
	KeyMessageID     = "IDENTICAL_MESSAGE_ID"
	KeyTimeout       = "TIMEOUT"
	KeyRetry         = "RETRY"
	KeyDryRun        = "DRY_RUN"
	KeyLocalServer   = "USE_MAILHOG"
	KeyVerbose       = "VERBOSE"
)

const DefaultEnvFile = ".env"

var defaults = map[string]string{
	KeyHost:          "smtp.gmail.com",
	KeyPort:          "587",
	KeySubject:       "测试邮件 — 来自我的网站",
	KeyBodyPlain:     "这是测试邮件（纯文本）。",
	KeyBodyHTML:      "<p>这是测试邮件（HTML）。</p>",
	KeyCount:         "5",
	KeyDelay:         "2",
	KeySubjectIndex:  "true",
	KeyIdenticalBody: "false",
	KeyTimeout:       "60",
	KeyRetry:         "1",
	KeyDryRun:        "false",
	KeyLocalServer:   "false",
	KeyVerbose:       "false",
}

// Source describes where Load reads settings from. Every field is optional.
type Source struct {
	// File is a YAML settings file. A missing file is an error.
	File string
	// EnvFile is a dotenv file. A missing file is ignored only when it is
	// DefaultEnvFile.
	EnvFile string
	// Lookup reads the process environment. Nil means no environment.
	Lookup func(key string) (string, bool)
	// Flags holds parsed command-line flags registered with RegisterFlags.
	Flags *pflag.FlagSet
}

// Load merges defaults, the settings file, the dotenv file, the environment
// and explicitly set flags, in increasing precedence.
func Load(src Source) (Config, error) {
	raw, err := src.layer(defaults, flagBindings)
	if err != nil {
		return Config{}, err
	}
	return resolve(raw)
}

// layer returns base overlaid with every source, in increasing precedence.
func (src Source) layer(base map[string]string, bindings []flagBinding) (map[string]string, error) {
	raw := make(map[string]string, len(base))
	for key, value := range base {
		raw[key] = value
	}

	if src.File != "" {
		values, err := readSettingsFile(src.File)
		if err != nil {
			return nil, err
		}
		overlay(raw, values)
	}

	lookup := src.Lookup
	if lookup == nil {
		lookup = func(string) (string, bool) { return "", false }
	}
	if src.EnvFile != "" {
		values, err := godotenv.Read(src.EnvFile)
		switch {
		case err == nil:
			// the real environment wins over dotenv entries
			overlay(raw, values)
		case errors.Is(err, fs.ErrNotExist) && src.EnvFile == DefaultEnvFile:
		default:
			return nil, fmt.Errorf("read env file %s: %w", src.EnvFile, err)
		}
	}

	for key := range knownKeys() {
		if value, ok := lookup(key); ok {
			overlay(raw, map[string]string{key: value})
		}
	}

	if src.Flags != nil {
		overlay(raw, changedFlags(src.Flags, bindings))
	}
	return raw, nil
}

// MapLookup adapts a plain map to Source.Lookup.
func MapLookup(env map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		value, ok := env[key]
		return value, ok
	}
}

func overlay(raw, values map[string]string) {
	for key, value := range values {
		if strings.TrimSpace(value) == "" {
			continue
		}
		raw[key] = value
	}
}

func knownKeys() map[string]struct{} {
	keys := map[string]struct{}{}
	for key := range defaults {
		keys[key] = struct{}{}
	}
	for key := range serveDefaults {
		keys[key] = struct{}{}
	}
	for _, key := range []string{KeyUser, KeyPass, KeyFrom, KeyTo, KeyMessageID, KeyServeDB, KeyServeAuthUser, KeyServeAuthPass} {
		keys[key] = struct{}{}
	}
	return keys
}

func readSettingsFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read settings file: %w", err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse settings file: %w", err)
	}

	known := knownKeys()
	values := make(map[string]string, len(doc))
	for key, value := range doc {
		normalized := strings.ToUpper(strings.TrimSpace(key))
		if _, ok := known[normalized]; !ok {
			return nil, fmt.Errorf("parse settings file: unknown key %q", key)
		}
		if value == nil {
			continue
		}
		values[normalized] = fmt.Sprint(value)
	}
	return values, nil
}
