package channel

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/alsk1992/flipgate/internal/bus"
	"github.com/alsk1992/flipgate/internal/config"
)

// mockBot records sent messages without talking to Telegram.
type mockBot struct {
	mu       sync.Mutex
	sent     []tgbotapi.MessageConfig
	failHTML bool
}

func (m *mockBot) sentMessages() []tgbotapi.MessageConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]tgbotapi.MessageConfig(nil), m.sent...)
}

func (m *mockBot) GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return make(chan tgbotapi.Update)
}

func (m *mockBot) StopReceivingUpdates() {}

func (m *mockBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	msg, ok := c.(tgbotapi.MessageConfig)
	if !ok {
		return tgbotapi.Message{}, errors.New("unexpected chattable type")
	}
	if m.failHTML && msg.ParseMode == tgbotapi.ModeHTML {
		return tgbotapi.Message{}, errors.New("can't parse entities")
	}
	m.mu.Lock()
	m.sent = append(m.sent, msg)
	m.mu.Unlock()
	return tgbotapi.Message{}, nil
}

func (m *mockBot) GetSelf() tgbotapi.User {
	return tgbotapi.User{UserName: "flipgate_test_bot"}
}

func newTestTelegram(t *testing.T, cfg config.TelegramConfig, b *bus.MessageBus) (*TelegramChannel, *mockBot) {
	t.Helper()
	bot := &mockBot{}
	ch, err := NewTelegramChannelWithFactory(cfg, b, func(token, apiEndpoint string, client *http.Client) (TelegramBot, error) {
		return bot, nil
	})
	if err != nil {
		t.Fatalf("NewTelegramChannelWithFactory error: %v", err)
	}
	ch.SetBot(bot)
	return ch, bot
}

func TestBaseChannel_AllowList(t *testing.T) {
	open := NewBaseChannel("test", nil, nil)
	if !open.IsAllowed("anyone") {
		t.Error("empty allow-list should allow everyone")
	}

	restricted := NewBaseChannel("test", nil, []string{"42", "43"})
	if !restricted.IsAllowed("42") {
		t.Error("listed sender rejected")
	}
	if restricted.IsAllowed("99") {
		t.Error("unlisted sender allowed")
	}
}

func TestNewTelegramChannel_RequiresToken(t *testing.T) {
	_, err := NewTelegramChannel(config.TelegramConfig{}, bus.NewMessageBus(1))
	if err == nil {
		t.Error("missing token should fail")
	}
}

func TestTelegramHandleMessage_PublishesInbound(t *testing.T) {
	b := bus.NewMessageBus(10)
	ch, _ := newTestTelegram(t, config.TelegramConfig{Token: "tok"}, b)

	ch.handleMessage(&tgbotapi.Message{
		MessageID: 7,
		From:      &tgbotapi.User{ID: 42, UserName: "alice"},
		Chat:      &tgbotapi.Chat{ID: 100, Type: "private"},
		Text:      "hello there",
		Date:      int(time.Now().Unix()),
	})

	select {
	case msg := <-b.Inbound:
		if msg.Channel != "telegram" || msg.SenderID != "42" || msg.ChatID != "100" {
			t.Errorf("routing fields = %s/%s/%s", msg.Channel, msg.SenderID, msg.ChatID)
		}
		if msg.ChatType != bus.ChatTypeDirect {
			t.Errorf("chat type = %q, want direct", msg.ChatType)
		}
		if msg.Content != "hello there" {
			t.Errorf("content = %q", msg.Content)
		}
		if msg.Metadata["username"] != "alice" {
			t.Errorf("metadata = %v", msg.Metadata)
		}
	default:
		t.Fatal("no inbound message published")
	}
}

func TestTelegramHandleMessage_GroupAndMedia(t *testing.T) {
	b := bus.NewMessageBus(10)
	ch, _ := newTestTelegram(t, config.TelegramConfig{Token: "tok"}, b)

	ch.handleMessage(&tgbotapi.Message{
		From:    &tgbotapi.User{ID: 42},
		Chat:    &tgbotapi.Chat{ID: -500, Type: "supergroup"},
		Caption: "look at this",
		Photo: []tgbotapi.PhotoSize{
			{FileID: "small"},
			{FileID: "large"},
		},
		Date: int(time.Now().Unix()),
	})

	select {
	case msg := <-b.Inbound:
		if msg.ChatType != bus.ChatTypeGroup {
			t.Errorf("chat type = %q, want group", msg.ChatType)
		}
		if msg.Content != "look at this" {
			t.Errorf("caption not used as content: %q", msg.Content)
		}
		if len(msg.Media) != 1 || msg.Media[0] != "large" {
			t.Errorf("media = %v, want largest photo only", msg.Media)
		}
	default:
		t.Fatal("no inbound message published")
	}
}

func TestTelegramHandleMessage_BlockedSenderDropped(t *testing.T) {
	b := bus.NewMessageBus(10)
	ch, _ := newTestTelegram(t, config.TelegramConfig{Token: "tok", AllowFrom: []string{"1"}}, b)

	ch.handleMessage(&tgbotapi.Message{
		From: &tgbotapi.User{ID: 42},
		Chat: &tgbotapi.Chat{ID: 100, Type: "private"},
		Text: "should not pass",
		Date: int(time.Now().Unix()),
	})

	if len(b.Inbound) != 0 {
		t.Error("blocked sender's message reached the bus")
	}
}

func TestTelegramSend(t *testing.T) {
	ch, bot := newTestTelegram(t, config.TelegramConfig{Token: "tok"}, bus.NewMessageBus(1))

	if err := ch.Send(bus.OutboundMessage{ChatID: "100", Content: "reply text"}); err != nil {
		t.Fatalf("Send error: %v", err)
	}
	if len(bot.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(bot.sent))
	}
	if bot.sent[0].ChatID != 100 {
		t.Errorf("chat id = %d", bot.sent[0].ChatID)
	}
	if bot.sent[0].ParseMode != tgbotapi.ModeHTML {
		t.Errorf("parse mode = %q, want HTML", bot.sent[0].ParseMode)
	}
}

func TestTelegramSend_FallsBackToPlainText(t *testing.T) {
	ch, bot := newTestTelegram(t, config.TelegramConfig{Token: "tok"}, bus.NewMessageBus(1))
	bot.failHTML = true

	if err := ch.Send(bus.OutboundMessage{ChatID: "100", Content: "a < b"}); err != nil {
		t.Fatalf("Send error: %v", err)
	}
	if len(bot.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(bot.sent))
	}
	if bot.sent[0].ParseMode != "" {
		t.Errorf("fallback parse mode = %q, want empty", bot.sent[0].ParseMode)
	}
	if bot.sent[0].Text != "a < b" {
		t.Errorf("fallback text = %q, want original content", bot.sent[0].Text)
	}
}

func TestTelegramSend_ChunksLongMessages(t *testing.T) {
	ch, bot := newTestTelegram(t, config.TelegramConfig{Token: "tok"}, bus.NewMessageBus(1))

	long := strings.Repeat("line of output\n", 500) // well past the 4000 limit
	if err := ch.Send(bus.OutboundMessage{ChatID: "100", Content: long}); err != nil {
		t.Fatalf("Send error: %v", err)
	}
	if len(bot.sent) < 2 {
		t.Errorf("sent %d messages, want chunked into several", len(bot.sent))
	}
	for i, msg := range bot.sent {
		if len(msg.Text) > 4000 {
			t.Errorf("chunk %d is %d chars, over the limit", i, len(msg.Text))
		}
	}
}

func TestTelegramSend_InvalidChatID(t *testing.T) {
	ch, _ := newTestTelegram(t, config.TelegramConfig{Token: "tok"}, bus.NewMessageBus(1))
	if err := ch.Send(bus.OutboundMessage{ChatID: "not-a-number", Content: "x"}); err == nil {
		t.Error("invalid chat id should fail")
	}
}

func TestToTelegramHTML(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "hello", "hello"},
		{"escapes entities", "a < b & c > d", "a &lt; b &amp; c &gt; d"},
		{"bold", "**hi**", "<b>hi</b>"},
		{"inline code", "run `go doc`", "run <code>go doc</code>"},
		{"code block strips language", "```go\nx := 1\n```", "<pre>x := 1\n</pre>"},
		{"unterminated markers kept", "**open `tick", "**open `tick"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := toTelegramHTML(tt.in); got != tt.want {
				t.Errorf("toTelegramHTML(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestChannelManager_NoChannelsEnabled(t *testing.T) {
	b := bus.NewMessageBus(1)
	m, err := NewChannelManager(config.ChannelsConfig{}, b)
	if err != nil {
		t.Fatalf("NewChannelManager error: %v", err)
	}
	if got := m.EnabledChannels(); len(got) != 0 {
		t.Errorf("enabled channels = %v, want none", got)
	}
	if err := m.StartAll(context.Background()); err != nil {
		t.Errorf("StartAll error: %v", err)
	}
	if err := m.StopAll(); err != nil {
		t.Errorf("StopAll error: %v", err)
	}
}

func TestChannelManager_RoutesOutboundToChannel(t *testing.T) {
	b := bus.NewMessageBus(10)
	m, err := NewChannelManager(config.ChannelsConfig{}, b)
	if err != nil {
		t.Fatalf("NewChannelManager error: %v", err)
	}

	ch, bot := newTestTelegram(t, config.TelegramConfig{Token: "tok"}, b)
	m.register(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.DispatchOutbound(ctx)

	b.Outbound <- bus.OutboundMessage{Channel: "telegram", ChatID: "100", Content: "routed"}

	deadline := time.After(2 * time.Second)
	for len(bot.sentMessages()) == 0 {
		select {
		case <-deadline:
			t.Fatal("outbound message never reached the channel")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
}
