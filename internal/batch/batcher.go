// Package batch buffers inbound messages per chat and releases them to the
// gateway as ordered batches, according to the configured batching mode.
package batch

import (
	"log"
	"strings"
	"sync"
	"time"

	"github.com/alsk1992/flipgate/internal/bus"
)

type Mode string

const (
	// ModeImmediate releases every message synchronously, one per batch.
	ModeImmediate Mode = "immediate"
	// ModeDebounce holds a chat's messages until it goes quiet for the
	// debounce delay.
	ModeDebounce Mode = "debounce"
	// ModeCollect is debounce plus a hard max-wait deadline armed on the
	// first message, bounding worst-case latency for chatty chats.
	ModeCollect Mode = "collect"
)

const (
	DefaultSweepInterval = time.Minute
	DefaultStaleAfter    = 10 * time.Minute
)

// Handler receives a flushed batch, oldest message first. It is invoked
// exactly once per flush; its failures are isolated and never retried here.
type Handler func(msgs []bus.InboundMessage)

type Options struct {
	Mode          Mode
	DebounceDelay time.Duration
	MaxBatchSize  int
	MaxWait       time.Duration // collect mode only
	SweepInterval time.Duration
	StaleAfter    time.Duration
	Clock         Clock
}

type chatQueue struct {
	items        []bus.InboundMessage
	lastActivity time.Time
	debounce     Timer
	maxWait      Timer
}

// Batcher owns the per-chat queue registry. All state is guarded by mu;
// timer callbacks and the sweep re-enter through Flush, which tolerates
// queues that were already flushed or evicted.
type Batcher struct {
	opts    Options
	handler Handler
	clock   Clock

	mu     sync.Mutex
	queues map[string]*chatQueue
	closed bool

	sweepStop chan struct{}
	sweepDone chan struct{}
}

func New(opts Options, handler Handler) *Batcher {
	if opts.MaxBatchSize <= 0 {
		opts.MaxBatchSize = 1
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock()
	}

	b := &Batcher{
		opts:      opts,
		handler:   handler,
		clock:     opts.Clock,
		queues:    make(map[string]*chatQueue),
		sweepStop: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}

	if opts.Mode == ModeImmediate {
		close(b.sweepDone) // no queues to sweep
	} else {
		go b.sweepLoop()
	}
	return b
}

// Enqueue accepts one inbound message. It returns true when the message was
// handled synchronously (immediate mode or a size-cap flush), false when it
// was queued behind a timer.
func (b *Batcher) Enqueue(msg bus.InboundMessage) bool {
	if b.opts.Mode == ModeImmediate {
		b.dispatch([]bus.InboundMessage{msg})
		return true
	}

	key := msg.ChatKey()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		log.Printf("[batch] dropping message for %s: batcher closed", key)
		return false
	}

	q := b.queues[key]
	first := q == nil
	if first {
		q = &chatQueue{}
		b.queues[key] = q
	}
	q.items = append(q.items, msg)
	q.lastActivity = b.clock.Now()

	if len(q.items) >= b.opts.MaxBatchSize {
		items := b.removeLocked(key)
		b.mu.Unlock()
		b.dispatch(items)
		return true
	}

	// Every arrival restarts the debounce timer. The max-wait timer is
	// armed once, on the first item, and never restarted.
	if q.debounce != nil {
		q.debounce.Stop()
	}
	q.debounce = b.clock.AfterFunc(b.opts.DebounceDelay, func() { b.Flush(key) })
	if b.opts.Mode == ModeCollect && first && b.opts.MaxWait > 0 {
		q.maxWait = b.clock.AfterFunc(b.opts.MaxWait, func() { b.Flush(key) })
	}
	b.mu.Unlock()
	return false
}

// Flush releases the chat's pending messages to the handler. Flushing a chat
// with no queue is a no-op, so a timer firing after a size-cap flush or an
// eviction does nothing.
func (b *Batcher) Flush(chatKey string) {
	b.mu.Lock()
	items := b.removeLocked(chatKey)
	b.mu.Unlock()
	if len(items) == 0 {
		return
	}
	b.dispatch(items)
}

// Pending reports the number of messages queued for a chat.
func (b *Batcher) Pending(chatKey string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q := b.queues[chatKey]; q != nil {
		return len(q.items)
	}
	return 0
}

// removeLocked cancels the chat's timers and takes its items out of the
// registry. Caller holds mu.
func (b *Batcher) removeLocked(chatKey string) []bus.InboundMessage {
	q := b.queues[chatKey]
	if q == nil {
		return nil
	}
	if q.debounce != nil {
		q.debounce.Stop()
	}
	if q.maxWait != nil {
		q.maxWait.Stop()
	}
	delete(b.queues, chatKey)
	return q.items
}

// dispatch invokes the handler with panic isolation: one bad batch must not
// take down the caller (timer goroutine, sweep, or gateway loop).
func (b *Batcher) dispatch(msgs []bus.InboundMessage) {
	if b.handler == nil || len(msgs) == 0 {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[batch] handler panic for chat %s: %v", msgs[0].ChatKey(), r)
		}
	}()
	b.handler(msgs)
}

func (b *Batcher) sweepLoop() {
	defer close(b.sweepDone)
	ticker := time.NewTicker(b.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.evictStale(b.clock.Now())
		case <-b.sweepStop:
			return
		}
	}
}

// evictStale drops queues whose last activity is older than StaleAfter,
// canceling their timers first. It bounds memory when a flush target
// disappears mid-accumulation.
func (b *Batcher) evictStale(now time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	evicted := 0
	for key, q := range b.queues {
		if now.Sub(q.lastActivity) < b.opts.StaleAfter {
			continue
		}
		if q.debounce != nil {
			q.debounce.Stop()
		}
		if q.maxWait != nil {
			q.maxWait.Stop()
		}
		delete(b.queues, key)
		evicted++
		log.Printf("[batch] evicted stale queue %s (%d messages)", key, len(q.items))
	}
	return evicted
}

// Close cancels all timers and stops the sweep. It is idempotent. Pending
// messages are dropped with a log line; delivery guarantees across restarts
// belong to the channels, not this buffer.
func (b *Batcher) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	dropped := 0
	for key, q := range b.queues {
		if q.debounce != nil {
			q.debounce.Stop()
		}
		if q.maxWait != nil {
			q.maxWait.Stop()
		}
		dropped += len(q.items)
		delete(b.queues, key)
	}
	b.mu.Unlock()

	if b.opts.Mode != ModeImmediate {
		close(b.sweepStop)
		<-b.sweepDone
	}
	if dropped > 0 {
		log.Printf("[batch] closed with %d undelivered messages", dropped)
	}
}

// Combine merges a flushed batch into one logical message: the newest
// message's metadata as the base, bodies concatenated oldest-first and
// separated by a blank line.
func Combine(msgs []bus.InboundMessage) bus.InboundMessage {
	if len(msgs) == 0 {
		return bus.InboundMessage{}
	}
	if len(msgs) == 1 {
		return msgs[0]
	}

	combined := msgs[len(msgs)-1]
	parts := make([]string, 0, len(msgs))
	var media []string
	for _, m := range msgs {
		if strings.TrimSpace(m.Content) != "" {
			parts = append(parts, m.Content)
		}
		media = append(media, m.Media...)
	}
	combined.Content = strings.Join(parts, "\n\n")
	combined.Media = media
	return combined
}
