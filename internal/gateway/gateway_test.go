package gateway

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/alsk1992/flipgate/internal/bus"
	"github.com/alsk1992/flipgate/internal/config"
	"github.com/alsk1992/flipgate/internal/session"
	"github.com/alsk1992/flipgate/internal/store"
)

// memStore is an in-memory store.Store for gateway tests.
type memStore struct {
	mu   sync.Mutex
	recs map[string]*store.Record
}

func newMemStore() *memStore {
	return &memStore{recs: make(map[string]*store.Record)}
}

func (m *memStore) GetByKey(ctx context.Context, key string) (*store.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return rec, nil
}

func (m *memStore) Create(ctx context.Context, rec *store.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.recs[rec.Key]; exists {
		return fmt.Errorf("duplicate key %s", rec.Key)
	}
	m.recs[rec.Key] = rec
	return nil
}

func (m *memStore) Update(ctx context.Context, rec *store.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs[rec.Key] = rec
	return nil
}

func (m *memStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.recs, key)
	return nil
}

func (m *memStore) List(ctx context.Context) ([]*store.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*store.Record, 0, len(m.recs))
	for _, rec := range m.recs {
		out = append(out, rec)
	}
	return out, nil
}

func (m *memStore) Ping(ctx context.Context) error { return nil }

func (m *memStore) Close() error { return nil }

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Agent.ID = "test-agent"
	cfg.Batch.Mode = "immediate"
	cfg.Session.DMScope = "per-peer"
	return cfg
}

func echoResponder() Responder {
	return ResponderFunc(func(ctx context.Context, sess *session.Session, msg bus.InboundMessage) (string, error) {
		return "echo: " + msg.Content, nil
	})
}

func newTestGateway(t *testing.T, cfg *config.Config, r Responder) *Gateway {
	t.Helper()
	g, err := NewWithOptions(cfg, Options{
		Responder: r,
		Store:     newMemStore(),
	})
	if err != nil {
		t.Fatalf("NewWithOptions error: %v", err)
	}
	return g
}

func inbound(content string) bus.InboundMessage {
	return bus.InboundMessage{
		Channel:   "test",
		SenderID:  "u1",
		ChatID:    "c1",
		ChatType:  bus.ChatTypeDirect,
		Content:   content,
		Timestamp: time.Now(),
	}
}

func TestGateway_EndToEndEcho(t *testing.T) {
	cfg := testConfig()
	sigCh := make(chan os.Signal, 1)
	g, err := NewWithOptions(cfg, Options{
		Responder:  echoResponder(),
		Store:      newMemStore(),
		SignalChan: sigCh,
	})
	if err != nil {
		t.Fatalf("NewWithOptions error: %v", err)
	}

	replies := make(chan bus.OutboundMessage, 10)
	g.Bus().SubscribeOutbound("test", func(msg bus.OutboundMessage) {
		replies <- msg
	})

	done := make(chan error, 1)
	go func() { done <- g.Run(context.Background()) }()

	g.Bus().Inbound <- inbound("hello gateway")

	select {
	case reply := <-replies:
		if reply.Content != "echo: hello gateway" {
			t.Errorf("reply = %q", reply.Content)
		}
		if reply.ChatID != "c1" {
			t.Errorf("reply chat = %q", reply.ChatID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reply received")
	}

	sigCh <- syscall.SIGTERM
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not exit on signal")
	}
}

func TestHandleBatch_RecordsBothTurns(t *testing.T) {
	g := newTestGateway(t, testConfig(), echoResponder())
	defer g.Shutdown()

	msg := inbound("what's up")
	g.handleBatch([]bus.InboundMessage{msg})

	sess, err := g.Sessions().GetOrCreate(context.Background(), &msg)
	if err != nil {
		t.Fatalf("GetOrCreate error: %v", err)
	}
	if len(sess.History) != 2 {
		t.Fatalf("history = %d turns, want user+assistant", len(sess.History))
	}
	if sess.History[0].Role != session.RoleUser || sess.History[0].Content != "what's up" {
		t.Errorf("turn 0 = %+v", sess.History[0])
	}
	if sess.History[1].Role != session.RoleAssistant || sess.History[1].Content != "echo: what's up" {
		t.Errorf("turn 1 = %+v", sess.History[1])
	}

	select {
	case reply := <-g.Bus().Outbound:
		if reply.Content != "echo: what's up" {
			t.Errorf("reply = %q", reply.Content)
		}
	default:
		t.Error("no outbound reply queued")
	}
}

func TestHandleBatch_ResetTrigger(t *testing.T) {
	g := newTestGateway(t, testConfig(), echoResponder())
	defer g.Shutdown()

	msg := inbound("remember this")
	g.handleBatch([]bus.InboundMessage{msg})
	<-g.Bus().Outbound // drain echo

	g.handleBatch([]bus.InboundMessage{inbound("/new")})

	sess, _ := g.Sessions().GetOrCreate(context.Background(), &msg)
	if len(sess.History) != 0 {
		t.Errorf("history = %d turns after reset, want 0", len(sess.History))
	}

	select {
	case reply := <-g.Bus().Outbound:
		if reply.Content != "Session reset. Starting fresh." {
			t.Errorf("reset reply = %q", reply.Content)
		}
	default:
		t.Error("no reset confirmation queued")
	}
}

func TestHandleBatch_ResponderErrorSendsApology(t *testing.T) {
	failing := ResponderFunc(func(ctx context.Context, sess *session.Session, msg bus.InboundMessage) (string, error) {
		return "", errors.New("model unavailable")
	})
	g := newTestGateway(t, testConfig(), failing)
	defer g.Shutdown()

	g.handleBatch([]bus.InboundMessage{inbound("hi")})

	select {
	case reply := <-g.Bus().Outbound:
		if reply.Content == "" {
			t.Error("error reply is empty")
		}
	default:
		t.Error("responder failure produced no reply")
	}
}

func TestHandleBatch_NoResponderStillRecordsUserTurn(t *testing.T) {
	g := newTestGateway(t, testConfig(), nil)
	defer g.Shutdown()

	msg := inbound("logged only")
	g.handleBatch([]bus.InboundMessage{msg})

	sess, _ := g.Sessions().GetOrCreate(context.Background(), &msg)
	if len(sess.History) != 1 || sess.History[0].Role != session.RoleUser {
		t.Errorf("history = %+v, want a single user turn", sess.History)
	}
	if len(g.Bus().Outbound) != 0 {
		t.Error("reply queued without a responder")
	}
}

func TestHandleBatch_CombinesMultipleMessages(t *testing.T) {
	g := newTestGateway(t, testConfig(), echoResponder())
	defer g.Shutdown()

	a := inbound("first")
	b := inbound("second")
	g.handleBatch([]bus.InboundMessage{a, b})

	sess, _ := g.Sessions().GetOrCreate(context.Background(), &a)
	if len(sess.History) != 2 {
		t.Fatalf("history = %d turns", len(sess.History))
	}
	if sess.History[0].Content != "first\n\nsecond" {
		t.Errorf("combined user turn = %q", sess.History[0].Content)
	}
}

func TestIsResetTrigger(t *testing.T) {
	g := newTestGateway(t, testConfig(), nil)
	defer g.Shutdown()

	tests := []struct {
		in   string
		want bool
	}{
		{"/new", true},
		{"/reset", true},
		{"  /New  ", true},
		{"/newer", false},
		{"start /new session", false},
		{"hello", false},
	}
	for _, tt := range tests {
		if got := g.isResetTrigger(tt.in); got != tt.want {
			t.Errorf("isResetTrigger(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestShutdown_Idempotent(t *testing.T) {
	g := newTestGateway(t, testConfig(), nil)
	if err := g.Shutdown(); err != nil {
		t.Fatalf("Shutdown error: %v", err)
	}
	if err := g.Shutdown(); err != nil {
		t.Errorf("second Shutdown error: %v", err)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate short = %q", got)
	}
	if got := truncate("0123456789abc", 10); got != "0123456789..." {
		t.Errorf("truncate long = %q", got)
	}
}
