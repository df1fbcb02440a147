package bus

import (
	"time"
)

// Inbound request kinds understood by the gateway.
const (
	KindRoute    = "route"
	KindPulse    = "pulse"
	KindPresence = "presence"
)

// InboundMessage is a request arriving from a channel. Content carries a
// JSON message for KindRoute, a score for KindPulse and an activity state
// for KindPresence.
type InboundMessage struct {
	Channel     string
	Kind        string
	SenderID    string
	ChatID      string
	RecipientID string
	Content     string
	Timestamp   time.Time
	Metadata    map[string]any
}

func (m *InboundMessage) SessionKey() string {
	return m.Channel + ":" + m.ChatID
}

// OutboundMessage is a notification or reply addressed to one chat on one
// channel. For notifications ChatID is the recipient id.
type OutboundMessage struct {
	Channel  string
	ChatID   string
	Title    string
	Content  string
	ReplyTo  string
	Metadata map[string]any
}
