package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"

	"github.com/alsk1992/flipgate/internal/bus"
	"github.com/alsk1992/flipgate/internal/store"
)

// Reset modes.
const (
	ResetDaily  = "daily"
	ResetIdle   = "idle"
	ResetBoth   = "both"
	ResetManual = "manual"
)

const (
	DefaultResetSweepInterval = time.Minute
	DefaultCleanupInterval    = time.Hour
)

type Options struct {
	AgentID      string
	Scope        Scope
	HistoryLimit int

	ResetMode     string
	ResetAtHour   int
	ResetIdleFor  time.Duration
	SweepInterval time.Duration

	CleanupEnabled  bool
	CleanupMaxAge   time.Duration
	CleanupIdleFor  time.Duration
	CleanupInterval time.Duration

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Manager owns the live session registries (by key and by id) and is the
// only writer of Session state. Lookups that miss go through a singleflight
// group so concurrent arrivals for a new key observe exactly one creation.
type Manager struct {
	opts  Options
	store store.Store
	now   func() time.Time

	mu     sync.Mutex
	byKey  map[string]*Session
	byID   map[string]*Session
	closed bool

	flight singleflight.Group
	cron   *cron.Cron
}

func NewManager(st store.Store, opts Options) *Manager {
	if opts.AgentID == "" {
		opts.AgentID = "agent"
	}
	if opts.Scope == "" {
		opts.Scope = ScopeMain
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultResetSweepInterval
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = DefaultCleanupInterval
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{
		opts:  opts,
		store: st,
		now:   now,
		byKey: make(map[string]*Session),
		byID:  make(map[string]*Session),
	}
}

// Start arms the scheduled sweeps. The reset sweep and the cleanup sweep run
// on independent intervals: reset empties a session's history but keeps it,
// cleanup deletes the session from memory and storage.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cron != nil || m.closed {
		return nil
	}

	c := cron.New()
	if m.opts.ResetMode != ResetManual && m.opts.ResetMode != "" {
		spec := fmt.Sprintf("@every %s", m.opts.SweepInterval)
		if _, err := c.AddFunc(spec, func() {
			m.CheckScheduledResets(context.Background())
		}); err != nil {
			return fmt.Errorf("schedule reset sweep: %w", err)
		}
	}
	if m.opts.CleanupEnabled {
		spec := fmt.Sprintf("@every %s", m.opts.CleanupInterval)
		if _, err := c.AddFunc(spec, func() {
			m.RunCleanup(context.Background())
		}); err != nil {
			return fmt.Errorf("schedule cleanup sweep: %w", err)
		}
	}
	c.Start()
	m.cron = c
	return nil
}

// GetOrCreate resolves the session for a message: live instance, in-flight
// creation, persisted record, or a fresh session, in that order.
func (m *Manager) GetOrCreate(ctx context.Context, msg *bus.InboundMessage) (*Session, error) {
	key := DeriveKey(m.opts.AgentID, m.opts.Scope, msg)

	if s := m.touch(key); s != nil {
		return s, nil
	}

	v, err, _ := m.flight.Do(key, func() (any, error) {
		// A concurrent caller may have finished the creation between our
		// miss and this flight starting.
		if s := m.touch(key); s != nil {
			return s, nil
		}
		return m.loadOrCreate(ctx, key), nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

// touch returns the live session for key, updating its activity timestamps.
func (m *Manager) touch(key string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.byKey[key]
	if s != nil {
		now := m.now()
		s.LastActivity = now
		s.UpdatedAt = now
	}
	return s
}

func (m *Manager) loadOrCreate(ctx context.Context, key string) *Session {
	var s *Session

	rec, err := m.store.GetByKey(ctx, key)
	switch {
	case err == nil:
		s, err = Decode(rec)
		if err != nil {
			log.Printf("[session] discarding unreadable record for %s: %v", key, err)
			s = nil
		} else {
			log.Printf("[session] restored %s (%d turns)", key, len(s.History))
		}
	case errors.Is(err, store.ErrNotFound):
		// fall through to create
	default:
		// Transient store failure: degrade to memory-only and let a later
		// write reconcile.
		log.Printf("[session] load %s warning: %v", key, err)
	}

	if s == nil {
		now := m.now()
		s = &Session{
			ID:           uuid.NewString(),
			Key:          key,
			CreatedAt:    now,
			UpdatedAt:    now,
			LastActivity: now,
		}
		if rec, rerr := s.Record(); rerr == nil {
			if cerr := m.store.Create(ctx, rec); cerr != nil {
				log.Printf("[session] persist new %s warning: %v", key, cerr)
			}
		}
		log.Printf("[session] created %s (%s)", key, s.ID)
	}

	m.mu.Lock()
	m.byKey[key] = s
	m.byID[s.ID] = s
	m.mu.Unlock()
	return s
}

// Get returns the live session for an id, if any.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[id]
	return s, ok
}

// GetByKey returns the live session for a key, if any.
func (m *Manager) GetByKey(key string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byKey[key]
	return s, ok
}

// Count reports the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byKey)
}

// AddToHistory appends a turn, compacting the oldest turns into the context
// summary once the retention ceiling is exceeded, then writes through.
func (m *Manager) AddToHistory(ctx context.Context, s *Session, role, content string) {
	m.mu.Lock()
	now := m.now()
	s.History = append(s.History, Turn{Role: role, Content: content, Timestamp: now})
	s.MessageCount++

	if keep := m.opts.HistoryLimit; keep > 0 && len(s.History) > keep {
		removed := s.History[:len(s.History)-keep]
		digest := summarizeTurns(removed)
		if s.ContextSummary != "" {
			s.ContextSummary += "\n" + digest
		} else {
			s.ContextSummary = digest
		}
		s.History = append([]Turn(nil), s.History[len(s.History)-keep:]...)
	}

	s.LastActivity = now
	s.UpdatedAt = now
	rec, err := s.Record()
	m.mu.Unlock()

	if err != nil {
		log.Printf("[session] encode %s warning: %v", s.Key, err)
		return
	}
	m.persist(ctx, rec)
}

// ClearHistory empties history and context while preserving identity.
func (m *Manager) ClearHistory(ctx context.Context, s *Session) {
	m.mu.Lock()
	rec := m.resetLocked(s, false)
	m.mu.Unlock()
	m.persist(ctx, rec)
}

// Reset clears the session with the given id. An unknown id is a logged
// no-op.
func (m *Manager) Reset(ctx context.Context, sessionID string) bool {
	m.mu.Lock()
	s, ok := m.byID[sessionID]
	if !ok {
		m.mu.Unlock()
		log.Printf("[session] reset: unknown session id %s", sessionID)
		return false
	}
	rec := m.resetLocked(s, false)
	m.mu.Unlock()
	m.persist(ctx, rec)
	return true
}

// resetLocked empties history/context in place. ID, key and (unless
// refreshCreated) CreatedAt survive. Caller holds mu.
func (m *Manager) resetLocked(s *Session, refreshCreated bool) *store.Record {
	now := m.now()
	s.History = nil
	s.ContextSummary = ""
	if refreshCreated {
		s.CreatedAt = now
	}
	s.LastActivity = now
	s.UpdatedAt = now
	rec, err := s.Record()
	if err != nil {
		log.Printf("[session] encode %s warning: %v", s.Key, err)
		return nil
	}
	return rec
}

// SaveCheckpoint snapshots the current history and an optional caller
// summary.
func (m *Manager) SaveCheckpoint(ctx context.Context, s *Session, summary string) {
	m.mu.Lock()
	now := m.now()
	s.Checkpoint = &Checkpoint{
		History: append([]Turn(nil), s.History...),
		Summary: summary,
		SavedAt: now,
	}
	s.UpdatedAt = now
	rec, err := s.Record()
	m.mu.Unlock()

	if err != nil {
		log.Printf("[session] encode %s warning: %v", s.Key, err)
		return
	}
	m.persist(ctx, rec)
}

// RestoreCheckpoint replaces live history and summary with the checkpoint's
// contents. Returns false, without error, when no checkpoint exists.
func (m *Manager) RestoreCheckpoint(ctx context.Context, s *Session) bool {
	m.mu.Lock()
	if s.Checkpoint == nil {
		m.mu.Unlock()
		return false
	}
	now := m.now()
	s.History = append([]Turn(nil), s.Checkpoint.History...)
	s.ContextSummary = s.Checkpoint.Summary
	s.Checkpoint.RestoredAt = now
	s.UpdatedAt = now
	rec, err := s.Record()
	m.mu.Unlock()

	if err != nil {
		log.Printf("[session] encode %s warning: %v", s.Key, err)
		return true
	}
	m.persist(ctx, rec)
	return true
}

// CheckScheduledResets applies the idle/daily reset policy to every live
// session. Per-session failures are isolated so one bad session cannot halt
// the sweep.
func (m *Manager) CheckScheduledResets(ctx context.Context) {
	mode := m.opts.ResetMode
	if mode == "" || mode == ResetManual {
		return
	}

	now := m.now()
	for _, s := range m.snapshot() {
		m.checkResetOne(ctx, s, now, mode)
	}
}

func (m *Manager) checkResetOne(ctx context.Context, s *Session, now time.Time, mode string) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[session] reset sweep panic for %s: %v", s.Key, r)
		}
	}()

	m.mu.Lock()
	idleHit := (mode == ResetIdle || mode == ResetBoth) &&
		m.opts.ResetIdleFor > 0 &&
		now.Sub(s.LastActivity) >= m.opts.ResetIdleFor
	dailyHit := (mode == ResetDaily || mode == ResetBoth) &&
		now.Sub(s.CreatedAt) >= 24*time.Hour &&
		now.Hour() == m.opts.ResetAtHour

	// An already-empty session has nothing left to reset; skipping avoids a
	// persistence write on every sweep while it stays idle.
	if idleHit && !dailyHit && len(s.History) == 0 && s.ContextSummary == "" {
		m.mu.Unlock()
		return
	}
	if !idleHit && !dailyHit {
		m.mu.Unlock()
		return
	}

	rec := m.resetLocked(s, dailyHit)
	m.mu.Unlock()

	log.Printf("[session] scheduled reset %s (idle=%v daily=%v)", s.Key, idleHit, dailyHit)
	m.persist(ctx, rec)
}

// RunCleanup evicts sessions past the age or idle thresholds from memory and
// storage. This is storage hygiene, distinct from the reset policy.
func (m *Manager) RunCleanup(ctx context.Context) {
	if !m.opts.CleanupEnabled {
		return
	}
	now := m.now()

	for _, s := range m.snapshot() {
		m.mu.Lock()
		stale := m.stale(s.CreatedAt, s.LastActivity, now)
		if stale {
			delete(m.byKey, s.Key)
			delete(m.byID, s.ID)
		}
		m.mu.Unlock()
		if stale {
			m.deleteRecord(ctx, s.Key)
		}
	}

	// Persisted rows that were never loaded this run still age out.
	recs, err := m.store.List(ctx)
	if err != nil {
		log.Printf("[session] cleanup list warning: %v", err)
		return
	}
	for _, rec := range recs {
		m.mu.Lock()
		_, live := m.byKey[rec.Key]
		m.mu.Unlock()
		if live {
			continue
		}
		if m.stale(rec.CreatedAt, rec.UpdatedAt, now) {
			m.deleteRecord(ctx, rec.Key)
		}
	}
}

func (m *Manager) stale(createdAt, lastActivity, now time.Time) bool {
	if m.opts.CleanupMaxAge > 0 && now.Sub(createdAt) >= m.opts.CleanupMaxAge {
		return true
	}
	if m.opts.CleanupIdleFor > 0 && now.Sub(lastActivity) >= m.opts.CleanupIdleFor {
		return true
	}
	return false
}

func (m *Manager) deleteRecord(ctx context.Context, key string) {
	if err := m.store.Delete(ctx, key); err != nil {
		log.Printf("[session] cleanup delete %s warning: %v", key, err)
		return
	}
	log.Printf("[session] cleaned up %s", key)
}

func (m *Manager) snapshot() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.byKey))
	for _, s := range m.byKey {
		out = append(out, s)
	}
	return out
}

// persist writes through to the store. A failed write is logged and the
// in-memory state stays authoritative; a later write reconciles.
func (m *Manager) persist(ctx context.Context, rec *store.Record) {
	if rec == nil {
		return
	}
	if err := m.store.Update(ctx, rec); err != nil {
		log.Printf("[session] persist %s warning: %v", rec.Key, err)
	}
}

// Close stops the sweeps and persists every live session. Safe to call
// twice; the second call is a no-op.
func (m *Manager) Close(ctx context.Context) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	c := m.cron
	m.cron = nil

	recs := make([]*store.Record, 0, len(m.byKey))
	for _, s := range m.byKey {
		rec, err := s.Record()
		if err != nil {
			log.Printf("[session] encode %s warning: %v", s.Key, err)
			continue
		}
		recs = append(recs, rec)
	}
	m.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
	for _, rec := range recs {
		m.persist(ctx, rec)
	}
	log.Printf("[session] closed, %d sessions persisted", len(recs))
}
