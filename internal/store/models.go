package store

import "time"

// Message is one message captured by the local test server.
type Message struct {
	ID        string
	From      string
	MessageID string
	Subject   string
	TextBody  string
	HTMLBody  string
	Headers   map[string]string
	Raw       []byte
	RawSize   int64
	CreatedAt time.Time
}

type Recipient struct {
	Email string
	Type  string
}

type MessageSummary struct {
	ID              string
	From            string
	MessageID       string
	Subject         string
	CreatedAt       time.Time
	RecipientGroups map[string][]string
}
