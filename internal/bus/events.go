package bus

import "time"

// Chat types carried on inbound messages.
const (
	ChatTypeDirect = "direct"
	ChatTypeGroup  = "group"
)

type InboundMessage struct {
	Channel   string
	SenderID  string
	ChatID    string
	ChatType  string // "direct" or "group"
	Content   string
	Timestamp time.Time
	Media     []string
	Metadata  map[string]any
}

// ChatKey identifies the chat this message belongs to, across channels.
func (m *InboundMessage) ChatKey() string {
	return m.Channel + ":" + m.ChatID
}

type OutboundMessage struct {
	Channel  string
	ChatID   string
	Content  string
	ReplyTo  string
	Media    []string
	Metadata map[string]any
}
