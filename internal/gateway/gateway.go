// Package gateway wires the inbound path together: channels feed the bus,
// the batcher decides what gets processed together, the session manager
// resolves durable conversation state, and the responder produces replies.
package gateway

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/alsk1992/flipgate/internal/batch"
	"github.com/alsk1992/flipgate/internal/bus"
	"github.com/alsk1992/flipgate/internal/channel"
	"github.com/alsk1992/flipgate/internal/config"
	"github.com/alsk1992/flipgate/internal/session"
	"github.com/alsk1992/flipgate/internal/store"
)

// Responder produces the reply for a combined inbound message. It is the
// downstream collaborator; its failures are its own concern and are only
// logged here.
type Responder interface {
	Respond(ctx context.Context, sess *session.Session, msg bus.InboundMessage) (string, error)
}

// ResponderFunc adapts a function to the Responder interface.
type ResponderFunc func(ctx context.Context, sess *session.Session, msg bus.InboundMessage) (string, error)

func (f ResponderFunc) Respond(ctx context.Context, sess *session.Session, msg bus.InboundMessage) (string, error) {
	return f(ctx, sess, msg)
}

// Options for creating a Gateway
type Options struct {
	Responder  Responder
	Store      store.Store    // overrides the SQLite store, for testing
	SignalChan chan os.Signal // for testing signal handling
}

type Gateway struct {
	cfg       *config.Config
	bus       *bus.MessageBus
	store     store.Store
	ownsStore bool
	sessions  *session.Manager
	batcher   *batch.Batcher
	channels  *channel.ChannelManager
	responder Responder

	signalChan chan os.Signal
	closeOnce  sync.Once
}

// New creates a Gateway with default options
func New(cfg *config.Config) (*Gateway, error) {
	return NewWithOptions(cfg, Options{})
}

// NewWithOptions creates a Gateway with custom options for testing
func NewWithOptions(cfg *config.Config, opts Options) (*Gateway, error) {
	g := &Gateway{
		cfg:        cfg,
		responder:  opts.Responder,
		signalChan: opts.SignalChan,
	}

	g.bus = bus.NewMessageBus(config.DefaultBufSize)

	if opts.Store != nil {
		g.store = opts.Store
	} else {
		st, err := store.OpenSQLite(cfg.DBPath())
		if err != nil {
			return nil, fmt.Errorf("open session store: %w", err)
		}
		g.store = st
		g.ownsStore = true
	}

	g.sessions = session.NewManager(g.store, session.Options{
		AgentID:        cfg.Agent.ID,
		Scope:          session.ParseScope(cfg.Session.DMScope),
		HistoryLimit:   cfg.Session.HistoryLimit,
		ResetMode:      cfg.Session.Reset.Mode,
		ResetAtHour:    cfg.Session.Reset.AtHour,
		ResetIdleFor:   time.Duration(cfg.Session.Reset.IdleMinutes) * time.Minute,
		CleanupEnabled: cfg.Session.Cleanup.Enabled,
		CleanupMaxAge:  time.Duration(cfg.Session.Cleanup.MaxAgeDays) * 24 * time.Hour,
		CleanupIdleFor: time.Duration(cfg.Session.Cleanup.IdleDays) * 24 * time.Hour,
	})

	g.batcher = batch.New(batch.Options{
		Mode:          batch.Mode(cfg.Batch.Mode),
		DebounceDelay: time.Duration(cfg.Batch.DebounceMs) * time.Millisecond,
		MaxBatchSize:  cfg.Batch.MaxBatchSize,
		MaxWait:       time.Duration(cfg.Batch.MaxWaitMs) * time.Millisecond,
	}, g.handleBatch)

	chMgr, err := channel.NewChannelManager(cfg.Channels, g.bus)
	if err != nil {
		g.close()
		return nil, fmt.Errorf("create channel manager: %w", err)
	}
	g.channels = chMgr

	return g, nil
}

func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go g.bus.DispatchOutbound(ctx)

	if err := g.channels.StartAll(ctx); err != nil {
		return fmt.Errorf("start channels: %w", err)
	}
	log.Printf("[gateway] channels started: %v", g.channels.EnabledChannels())

	if err := g.sessions.Start(); err != nil {
		return fmt.Errorf("start session sweeps: %w", err)
	}

	go g.processLoop(ctx)

	log.Printf("[gateway] running on %s:%d", g.cfg.Gateway.Host, g.cfg.Gateway.Port)

	// Use injected signal channel for testing, or create default
	sigCh := g.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	}
	select {
	case <-sigCh:
	case <-ctx.Done():
	}

	log.Printf("[gateway] shutting down...")
	return g.Shutdown()
}

func (g *Gateway) processLoop(ctx context.Context) {
	for {
		select {
		case msg := <-g.bus.Inbound:
			log.Printf("[gateway] inbound from %s/%s: %s", msg.Channel, msg.SenderID, truncate(msg.Content, 80))
			g.batcher.Enqueue(msg)
		case <-ctx.Done():
			return
		}
	}
}

// handleBatch processes one flushed batch: combine, resolve the session,
// record the user turn, respond, record the assistant turn.
func (g *Gateway) handleBatch(msgs []bus.InboundMessage) {
	ctx := context.Background()
	combined := batch.Combine(msgs)

	sess, err := g.sessions.GetOrCreate(ctx, &combined)
	if err != nil {
		log.Printf("[gateway] resolve session for %s warning: %v", combined.ChatKey(), err)
		return
	}

	if g.isResetTrigger(combined.Content) {
		g.sessions.ClearHistory(ctx, sess)
		g.reply(combined, "Session reset. Starting fresh.")
		return
	}

	g.sessions.AddToHistory(ctx, sess, session.RoleUser, combined.Content)

	if g.responder == nil {
		return
	}

	result, err := g.responder.Respond(ctx, sess, combined)
	if err != nil {
		log.Printf("[gateway] responder error: %v", err)
		result = "Sorry, I encountered an error processing your message."
	}
	if result == "" {
		return
	}

	g.sessions.AddToHistory(ctx, sess, session.RoleAssistant, result)
	g.reply(combined, result)
}

func (g *Gateway) reply(msg bus.InboundMessage, content string) {
	g.bus.Outbound <- bus.OutboundMessage{
		Channel: msg.Channel,
		ChatID:  msg.ChatID,
		Content: content,
	}
}

// isResetTrigger matches the configured manual reset commands against the
// combined message text.
func (g *Gateway) isResetTrigger(content string) bool {
	text := strings.ToLower(strings.TrimSpace(content))
	for _, trigger := range g.cfg.Session.ResetTriggers {
		if text == strings.ToLower(trigger) {
			return true
		}
	}
	return false
}

// Sessions exposes the session manager for command routing and tests.
func (g *Gateway) Sessions() *session.Manager { return g.sessions }

// Bus exposes the message bus for channels and tests.
func (g *Gateway) Bus() *bus.MessageBus { return g.bus }

func (g *Gateway) Shutdown() error {
	g.close()
	log.Printf("[gateway] shutdown complete")
	return nil
}

// close tears down in dependency order: channels stop feeding, the batcher
// cancels its timers, sessions persist, then the store closes.
func (g *Gateway) close() {
	g.closeOnce.Do(func() {
		if g.channels != nil {
			_ = g.channels.StopAll()
		}
		if g.batcher != nil {
			g.batcher.Close()
		}
		if g.sessions != nil {
			g.sessions.Close(context.Background())
		}
		if g.ownsStore && g.store != nil {
			if err := g.store.Close(); err != nil {
				log.Printf("[gateway] close store warning: %v", err)
			}
		}
	})
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
