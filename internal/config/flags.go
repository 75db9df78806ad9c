package config

import "github.com/spf13/pflag"

type flagBinding struct {
	name   string
	key    string
	invert bool
}

var flagBindings = []flagBinding{
	{name: "smtp-host", key: KeyHost},
	{name: "smtp-port", key: KeyPort},
	{name: "smtp-user", key: KeyUser},
	{name: "smtp-pass", key: KeyPass},
	{name: "from", key: KeyFrom},
	{name: "to", key: KeyTo},
	{name: "count", key: KeyCount},
	{name: "delay", key: KeyDelay},
	{name: "subject", key: KeySubject},
	{name: "body-plain", key: KeyBodyPlain},
	{name: "body-html", key: KeyBodyHTML},
	{name: "no-subject-index", key: KeySubjectIndex, invert: true},
	{name: "identical-body", key: KeyIdenticalBody},
	{name: "identical-message-id", key: KeyMessageID},
	{name: "dry-run", key: KeyDryRun},
	{name: "use-mailhog", key: KeyLocalServer},
	{name: "timeout", key: KeyTimeout},
	{name: "retry", key: KeyRetry},
	{name: "verbose", key: KeyVerbose},
}

// RegisterFlags adds the send flags to fs. Their defaults are only shown in
// help output; Load consults a flag only when it was set on the command line.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("smtp-host", defaults[KeyHost], "SMTP server host")
	fs.Int("smtp-port", 587, "SMTP server port")
	fs.String("smtp-user", "", "SMTP username")
	fs.String("smtp-pass", "", "SMTP password or app password")
	fs.String("from", "", "sender address (default: SMTP username)")
	fs.String("to", "", "recipient address (default: SMTP username)")
	fs.Int("count", 5, "number of messages to send")
	fs.Float64("delay", 2, "seconds to wait between messages")
	fs.String("subject", defaults[KeySubject], "subject text")
	fs.String("body-plain", defaults[KeyBodyPlain], "plain-text body")
	fs.String("body-html", defaults[KeyBodyHTML], "HTML body")
	fs.Bool("no-subject-index", false, "do not append the sequence number to the subject")
	fs.Bool("identical-body", false, "send byte-identical bodies instead of numbering each one")
	fs.String("identical-message-id", "", "force this Message-ID on every message")
	fs.Bool("dry-run", false, "print the messages instead of sending them")
	fs.Bool("use-mailhog", false, "send to a local test server on localhost:1025 without TLS or login")
	fs.Int("timeout", 60, "SMTP connection timeout in seconds")
	fs.Int("retry", 1, "attempts per message")
	fs.BoolP("verbose", "v", false, "verbose logging")
}

func changedFlags(fs *pflag.FlagSet, bindings []flagBinding) map[string]string {
	values := map[string]string{}
	for _, binding := range bindings {
		flag := fs.Lookup(binding.name)
		if flag == nil || !flag.Changed {
			continue
		}
		value := flag.Value.String()
		if binding.invert {
			if ParseBool(value) {
				value = "false"
			} else {
				value = "true"
			}
		}
		values[binding.key] = value
	}
	return values
}
