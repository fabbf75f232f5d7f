// Package session resolves inbound messages to durable conversation
// sessions: one live instance per key, write-through persistence, bounded
// history with extractive compaction, and idle/daily/manual reset policies.
package session

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/alsk1992/flipgate/internal/bus"
	"github.com/alsk1992/flipgate/internal/store"
)

// Scope governs how many distinct sessions exist per user/channel
// combination for direct messages. Group chats always get one session per
// channel+chat regardless of scope.
type Scope string

const (
	// ScopeMain keeps one session per agent across all direct messages.
	ScopeMain Scope = "main"
	// ScopePerPeer keeps one session per user, across channels.
	ScopePerPeer Scope = "per-peer"
	// ScopePerChannelPeer keeps one session per channel+user pair.
	ScopePerChannelPeer Scope = "per-channel-peer"
)

func ParseScope(s string) Scope {
	switch Scope(strings.ToLower(strings.TrimSpace(s))) {
	case ScopePerPeer:
		return ScopePerPeer
	case ScopePerChannelPeer:
		return ScopePerChannelPeer
	default:
		return ScopeMain
	}
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Turn struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Checkpoint is an explicit snapshot of history for later restore.
type Checkpoint struct {
	History    []Turn    `json:"history"`
	Summary    string    `json:"summary,omitempty"`
	SavedAt    time.Time `json:"savedAt"`
	RestoredAt time.Time `json:"restoredAt,omitempty"`
}

// Session is one ongoing conversation. ID never changes across resets; Key
// is the deterministic lookup identity. All mutation goes through Manager,
// which owns the locking and the write-through to the store.
type Session struct {
	ID             string
	Key            string
	History        []Turn
	ContextSummary string
	Checkpoint     *Checkpoint
	MessageCount   int
	CreatedAt      time.Time
	UpdatedAt      time.Time
	LastActivity   time.Time
}

// DeriveKey computes the session key for a message under the configured
// scope rule.
func DeriveKey(agentID string, scope Scope, msg *bus.InboundMessage) string {
	if msg.ChatType == bus.ChatTypeGroup {
		return fmt.Sprintf("agent:%s:%s:group:%s", agentID, msg.Channel, msg.ChatID)
	}
	switch scope {
	case ScopePerPeer:
		return fmt.Sprintf("agent:%s:dm:%s", agentID, msg.SenderID)
	case ScopePerChannelPeer:
		return fmt.Sprintf("agent:%s:%s:dm:%s", agentID, msg.Channel, msg.SenderID)
	default:
		return fmt.Sprintf("agent:%s:main", agentID)
	}
}

// payloadVersion is bumped whenever the serialized shape changes in a way
// older readers cannot ignore.
const payloadVersion = 1

type payloadV1 struct {
	Version        int         `json:"version"`
	ID             string      `json:"id"`
	Key            string      `json:"key"`
	History        []Turn      `json:"history"`
	ContextSummary string      `json:"contextSummary,omitempty"`
	Checkpoint     *Checkpoint `json:"checkpoint,omitempty"`
	MessageCount   int         `json:"messageCount"`
	CreatedAt      time.Time   `json:"createdAt"`
	UpdatedAt      time.Time   `json:"updatedAt"`
	LastActivity   time.Time   `json:"lastActivity"`
}

// Record serializes the session into a store record.
func (s *Session) Record() (*store.Record, error) {
	payload, err := json.Marshal(payloadV1{
		Version:        payloadVersion,
		ID:             s.ID,
		Key:            s.Key,
		History:        s.History,
		ContextSummary: s.ContextSummary,
		Checkpoint:     s.Checkpoint,
		MessageCount:   s.MessageCount,
		CreatedAt:      s.CreatedAt,
		UpdatedAt:      s.UpdatedAt,
		LastActivity:   s.LastActivity,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal session %s: %w", s.Key, err)
	}
	return &store.Record{
		Key:       s.Key,
		ID:        s.ID,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
		Payload:   payload,
	}, nil
}

// Decode restores a session from a store record, re-hydrating timestamp
// fields from the payload with the record columns as fallback.
func Decode(rec *store.Record) (*Session, error) {
	var p payloadV1
	if err := json.Unmarshal(rec.Payload, &p); err != nil {
		return nil, fmt.Errorf("unmarshal session %s: %w", rec.Key, err)
	}
	if p.Version > payloadVersion {
		return nil, fmt.Errorf("session %s: unsupported payload version %d", rec.Key, p.Version)
	}

	s := &Session{
		ID:             p.ID,
		Key:            p.Key,
		History:        p.History,
		ContextSummary: p.ContextSummary,
		Checkpoint:     p.Checkpoint,
		MessageCount:   p.MessageCount,
		CreatedAt:      p.CreatedAt,
		UpdatedAt:      p.UpdatedAt,
		LastActivity:   p.LastActivity,
	}
	if s.ID == "" {
		s.ID = rec.ID
	}
	if s.Key == "" {
		s.Key = rec.Key
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = rec.CreatedAt
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = rec.UpdatedAt
	}
	if s.LastActivity.IsZero() {
		s.LastActivity = s.UpdatedAt
	}
	return s, nil
}

// maxDigestLen bounds a single turn's digest line.
const maxDigestLen = 120

// summarizeTurn reduces a removed turn to its first sentence, or its first
// line capped to maxDigestLen.
func summarizeTurn(t Turn) string {
	text := strings.TrimSpace(t.Content)
	if idx := strings.IndexByte(text, '\n'); idx >= 0 {
		text = strings.TrimSpace(text[:idx])
	}
	if idx := strings.Index(text, ". "); idx >= 0 {
		text = text[:idx+1]
	}
	if len(text) > maxDigestLen {
		text = text[:maxDigestLen] + "..."
	}
	return t.Role + ": " + text
}

// summarizeTurns joins per-turn digests with newlines, oldest first.
func summarizeTurns(turns []Turn) string {
	lines := make([]string, 0, len(turns))
	for _, t := range turns {
		lines = append(lines, summarizeTurn(t))
	}
	return strings.Join(lines, "\n")
}
