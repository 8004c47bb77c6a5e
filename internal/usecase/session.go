package usecase

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"nhooyr.io/websocket"

	"mama-os/internal/domain"
)

// Session represents an active conversation session.
type Session struct {
	mu          sync.RWMutex
	laneMu      sync.Mutex // serializes concurrent sends to this channel
	ID          string           `json:"id"`           // ULID (internal, globally unique)
	ExternalKey string           `json:"external_key"` // channel lookup key (e.g. "cli:cli-default")
	TenantID    string           `json:"tenant_id,omitempty"` // empty = default/single-tenant
	Msgs        []domain.Message `json:"messages"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"` // doubles as lastActive

	MessageCount          int `json:"message_count"`
	CumulativeInputTokens int `json:"cumulative_input_tokens"`

	inUse  bool
	client *websocket.Conn // weak-reference gateway client handle; absence never blocks eviction
}

// NewSession creates a new empty session with a generated ULID.
// The externalKey is the channel-scoped lookup key (e.g. "cli:cli-default").
func NewSession(externalKey string) *Session {
	now := time.Now()
	return &Session{
		ID:          generateULID(now),
		ExternalKey: externalKey,
		Msgs:        make([]domain.Message, 0),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func generateULID(t time.Time) string {
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// AddMessage appends a message and updates the timestamp (thread-safe).
func (s *Session) AddMessage(msg domain.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	s.Msgs = append(s.Msgs, msg)
	s.UpdatedAt = time.Now()
}

// Messages returns a copy of the message history (thread-safe).
func (s *Session) Messages() []domain.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := make([]domain.Message, len(s.Msgs))
	copy(cp, s.Msgs)
	return cp
}

// Truncate keeps only the last N messages.
func (s *Session) Truncate(maxMessages int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.Msgs) <= maxMessages {
		return
	}
	s.Msgs = s.Msgs[len(s.Msgs)-maxMessages:]
}

// Lock acquires the session's lane lock, blocking until any concurrent
// sender to the same channel releases it, and marks the session inUse.
func (s *Session) Lock() {
	s.laneMu.Lock()
	s.mu.Lock()
	s.inUse = true
	s.mu.Unlock()
}

// Unlock clears inUse and releases the lane lock, unblocking the next
// waiting sender for this channel.
func (s *Session) Unlock() {
	s.mu.Lock()
	s.inUse = false
	s.mu.Unlock()
	s.laneMu.Unlock()
}

// InUse reports whether the session's lane is currently held.
func (s *Session) InUse() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.inUse
}

// AddInputTokens accumulates prompt tokens toward the context
// high-watermark that triggers session rotation.
func (s *Session) AddInputTokens(n int) {
	s.mu.Lock()
	s.CumulativeInputTokens += n
	s.mu.Unlock()
}

// AssignClient binds a gateway client connection to the session as a
// weak-reference handle: the pool never keeps a client alive on its
// account, and eviction never waits on one being present.
func (s *Session) AssignClient(conn *websocket.Conn) {
	s.mu.Lock()
	s.client = conn
	s.mu.Unlock()
}

// UnassignClient clears any bound client handle.
func (s *Session) UnassignClient() {
	s.mu.Lock()
	s.client = nil
	s.mu.Unlock()
}

// Client returns the currently bound client handle, or nil.
func (s *Session) Client() *websocket.Conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.client
}

// SessionManager manages multiple sessions with persistence.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	dataDir  string
}

// NewSessionManager creates a session manager with a data directory for persistence.
func NewSessionManager(dataDir string) *SessionManager {
	return &SessionManager{
		sessions: make(map[string]*Session),
		dataDir:  dataDir,
	}
}

// validateSessionID checks if a session ID is safe for filesystem use.
// It rejects path separators, parent directory references, and null bytes.
func (sm *SessionManager) validateSessionID(id string) error {
	if id == "" {
		return fmt.Errorf("session ID cannot be empty")
	}

	// Reject path-unsafe characters
	if strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("session ID contains path separators: %q", id)
	}

	if strings.Contains(id, "..") {
		return fmt.Errorf("session ID contains parent directory reference: %q", id)
	}

	if strings.Contains(id, "\x00") {
		return fmt.Errorf("session ID contains null byte: %q", id)
	}

	// Additional safety: check that filepath.Clean doesn't change it
	// (indicates path manipulation attempts)
	clean := filepath.Clean(id)
	if clean != id {
		return fmt.Errorf("session ID not clean path: %q vs %q", id, clean)
	}

	return nil
}

// GetOrCreate returns an existing session or creates a new one.
// If a tenant ID is present in the context, new sessions are stamped with it,
// and existing sessions are validated for tenant ownership.
func (sm *SessionManager) GetOrCreate(id string) *Session {
	return sm.GetOrCreateWithTenant(id, "")
}

// GetOrCreateWithTenant is the tenant-aware variant of GetOrCreate.
// When tenantID is non-empty, it is set on new sessions and validated on existing ones.
func (sm *SessionManager) GetOrCreateWithTenant(id string, tenantID string) *Session {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if s, ok := sm.sessions[id]; ok {
		// Validate tenant ownership (empty tenantID = backward compat, skip check).
		if tenantID != "" && s.TenantID != "" && s.TenantID != tenantID {
			// Tenant mismatch â€” treat as if session doesn't exist, create a new one.
			s = NewSession(id)
			s.TenantID = tenantID
			sm.sessions[id] = s
		}
		return s
	}

	s := NewSession(id)
	s.TenantID = tenantID

	// Try to load from disk
	if loaded, err := sm.loadFromDisk(id); err == nil {
		// Validate loaded session's tenant.
		if tenantID == "" || loaded.TenantID == "" || loaded.TenantID == tenantID {
			s = loaded
			if tenantID != "" && s.TenantID == "" {
				s.TenantID = tenantID
			}
		}
	}

	sm.sessions[id] = s
	return s
}

// Save persists a session to disk as JSON.
func (sm *SessionManager) Save(id string) error {
	if err := sm.validateSessionID(id); err != nil {
		return domain.NewDomainError("SessionManager.Save", err, id)
	}

	sm.mu.RLock()
	s, ok := sm.sessions[id]
	sm.mu.RUnlock()

	if !ok {
		return domain.NewDomainError("SessionManager.Save", domain.ErrSessionNotFound, id)
	}

	if err := os.MkdirAll(sm.dataDir, 0700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	s.mu.RLock()
	data, err := json.MarshalIndent(s, "", "  ")
	s.mu.RUnlock()

	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	path := filepath.Join(sm.dataDir, id+".json")
	return os.WriteFile(path, data, 0600)
}

// Get returns an existing session or ErrSessionNotFound.
func (sm *SessionManager) Get(id string) (*Session, error) {
	return sm.GetWithTenant(id, "")
}

// GetWithTenant returns an existing session, validating tenant ownership.
func (sm *SessionManager) GetWithTenant(id string, tenantID string) (*Session, error) {
	sm.mu.RLock()
	s, ok := sm.sessions[id]
	sm.mu.RUnlock()
	if !ok {
		return nil, domain.NewDomainError("SessionManager.Get", domain.ErrSessionNotFound, id)
	}
	// Validate tenant ownership (empty tenantID = backward compat, skip check).
	if tenantID != "" && s.TenantID != "" && s.TenantID != tenantID {
		return nil, domain.NewDomainError("SessionManager.Get", domain.ErrSessionNotFound, id)
	}
	return s, nil
}

// Delete removes a session from memory and disk.
func (sm *SessionManager) Delete(id string) error {
	return sm.DeleteWithTenant(id, "")
}

// DeleteWithTenant removes a session, validating tenant ownership.
func (sm *SessionManager) DeleteWithTenant(id string, tenantID string) error {
	if err := sm.validateSessionID(id); err != nil {
		return domain.NewDomainError("SessionManager.Delete", err, id)
	}

	sm.mu.Lock()
	s, ok := sm.sessions[id]
	if ok {
		// Validate tenant ownership.
		if tenantID != "" && s.TenantID != "" && s.TenantID != tenantID {
			sm.mu.Unlock()
			return domain.NewDomainError("SessionManager.Delete", domain.ErrSessionNotFound, id)
		}
		delete(sm.sessions, id)
	}
	sm.mu.Unlock()

	if !ok {
		return domain.NewDomainError("SessionManager.Delete", domain.ErrSessionNotFound, id)
	}

	path := filepath.Join(sm.dataDir, id+".json")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove session file: %w", err)
	}
	return nil
}

// ListSessions returns all active session IDs.
func (sm *SessionManager) ListSessions() []string {
	return sm.ListSessionsForTenant("")
}

// ListSessionsForTenant returns session IDs for a given tenant.
// Empty tenantID returns all sessions (backward compat).
func (sm *SessionManager) ListSessionsForTenant(tenantID string) []string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	ids := make([]string, 0, len(sm.sessions))
	for id, s := range sm.sessions {
		if tenantID == "" || s.TenantID == "" || s.TenantID == tenantID {
			ids = append(ids, id)
		}
	}
	return ids
}

// ReapStaleSessions deletes sessions not updated within maxAge and returns the
// count of reaped sessions. Both in-memory state and on-disk files are removed.
func (sm *SessionManager) ReapStaleSessions(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	// Phase 1: identify stale sessions under read lock (no nested locks).
	sm.mu.RLock()
	var staleIDs []string
	for id, s := range sm.sessions {
		s.mu.RLock()
		stale := s.UpdatedAt.Before(cutoff)
		s.mu.RUnlock()
		if stale {
			staleIDs = append(staleIDs, id)
		}
	}
	sm.mu.RUnlock()

	if len(staleIDs) == 0 {
		return 0
	}

	// Phase 2: delete under write lock.
	sm.mu.Lock()
	for _, id := range staleIDs {
		delete(sm.sessions, id)
	}
	sm.mu.Unlock()

	// Phase 3: clean up disk files (no lock needed).
	for _, id := range staleIDs {
		// Validate session ID before constructing file path
		if err := sm.validateSessionID(id); err != nil {
			// Skip invalid IDs (shouldn't happen in normal operation)
			continue
		}
		path := filepath.Join(sm.dataDir, id+".json")
		os.Remove(path)
	}
	return len(staleIDs)
}

func (sm *SessionManager) loadFromDisk(id string) (*Session, error) {
	if err := sm.validateSessionID(id); err != nil {
		return nil, domain.NewDomainError("SessionManager.loadFromDisk", err, id)
	}

	path := filepath.Join(sm.dataDir, id+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}

	// Migrate legacy sessions: if ExternalKey is empty, the old ID was the
	// external key and we need to assign a proper ULID.
	if s.ExternalKey == "" {
		s.ExternalKey = s.ID
		s.ID = generateULID(time.Now())
	}

	return &s, nil
}

// SessionPoolConfig tunes rotation and eviction thresholds.
type SessionPoolConfig struct {
	SessionTimeout       time.Duration
	ContextHighWatermark int
	EvictionInterval     time.Duration
	EvictionCap          int
}

// DefaultSessionPoolConfig returns a 30 minute session timeout,
// 160k-of-200k context watermark, a 5 minute sweep interval, and a
// 100-session cap.
func DefaultSessionPoolConfig() SessionPoolConfig {
	return SessionPoolConfig{
		SessionTimeout:       30 * time.Minute,
		ContextHighWatermark: 160_000,
		EvictionInterval:     5 * time.Minute,
		EvictionCap:          100,
	}
}

// SessionPool wraps a SessionManager with a channel-keyed
// getOrCreate/rotation contract: a per-channel lane lock, watermark- and
// age-triggered rotation, and a capped eviction sweep. SessionManager
// continues to own persistence and legacy id-keyed lookups; SessionPool is
// the channel-facing entry point for the router/orchestrator.
type SessionPool struct {
	mgr    *SessionManager
	cfg    SessionPoolConfig
	logger *slog.Logger
	stopCh chan struct{}
}

// NewSessionPool creates a SessionPool over an existing SessionManager.
func NewSessionPool(mgr *SessionManager, cfg SessionPoolConfig, logger *slog.Logger) *SessionPool {
	return &SessionPool{mgr: mgr, cfg: cfg, logger: logger, stopCh: make(chan struct{})}
}

// GetOrCreate resolves channelKey to a session id. A missing entry, one
// past sessionTimeout, or one at/above contextHighWatermark is rotated to
// a fresh sessionId (isNew=true). Otherwise the existing session's lane
// lock is acquired (blocking out concurrent senders to the same channel),
// lastActive is refreshed, and messageCount is incremented (isNew=false).
// Callers must call Release once the send completes.
func (sp *SessionPool) GetOrCreate(channelKey string) (sessionID string, isNew bool) {
	sp.mgr.mu.Lock()
	existing, ok := sp.mgr.sessions[channelKey]
	now := time.Now()
	rotate := !ok
	if ok {
		existing.mu.RLock()
		rotate = now.Sub(existing.UpdatedAt) > sp.cfg.SessionTimeout ||
			existing.CumulativeInputTokens >= sp.cfg.ContextHighWatermark
		existing.mu.RUnlock()
	}
	if rotate {
		s := NewSession(channelKey)
		sp.mgr.sessions[channelKey] = s
		sp.mgr.mu.Unlock()
		s.Lock()
		return s.ID, true
	}
	sp.mgr.mu.Unlock()

	existing.Lock() // blocks until the previous holder releases this channel's lane
	existing.mu.Lock()
	existing.UpdatedAt = now
	existing.MessageCount++
	existing.mu.Unlock()
	return existing.ID, false
}

// Release clears inUse for channelKey's current session, unblocking any
// sender waiting on the lane lock. A no-op if the channel is unknown or
// has since rotated.
func (sp *SessionPool) Release(channelKey string) {
	if s := sp.lookup(channelKey); s != nil {
		s.Unlock()
	}
}

// Touch refreshes lastActive without affecting inUse or messageCount.
func (sp *SessionPool) Touch(channelKey string) {
	if s := sp.lookup(channelKey); s != nil {
		s.mu.Lock()
		s.UpdatedAt = time.Now()
		s.mu.Unlock()
	}
}

// AssignClient binds a gateway client connection to channelKey's
// current session.
func (sp *SessionPool) AssignClient(channelKey string, conn *websocket.Conn) {
	if s := sp.lookup(channelKey); s != nil {
		s.AssignClient(conn)
	}
}

// UnassignClient clears any client handle bound to channelKey's session.
func (sp *SessionPool) UnassignClient(channelKey string) {
	if s := sp.lookup(channelKey); s != nil {
		s.UnassignClient()
	}
}

func (sp *SessionPool) lookup(channelKey string) *Session {
	sp.mgr.mu.RLock()
	defer sp.mgr.mu.RUnlock()
	return sp.mgr.sessions[channelKey]
}

// Start launches the periodic eviction sweep in the background,
// mirroring process.Manager's cleanupLoop/stopCh idiom.
func (sp *SessionPool) Start() {
	go sp.evictLoop()
}

// Stop ends the eviction sweep. A repeat call will panic, following this
// codebase's usual close-channel convention; callers call it once.
func (sp *SessionPool) Stop() {
	close(sp.stopCh)
}

func (sp *SessionPool) evictLoop() {
	ticker := time.NewTicker(sp.cfg.EvictionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-sp.stopCh:
			return
		case <-ticker.C:
			sp.sweep()
		}
	}
}

func (sp *SessionPool) sweep() {
	reaped := sp.mgr.ReapStaleSessions(sp.cfg.SessionTimeout)
	evicted := sp.evictExcess()
	if sp.logger != nil && (reaped > 0 || evicted > 0) {
		sp.logger.Info("session pool eviction sweep", "reaped", reaped, "evicted_excess", evicted)
	}
}

// evictExcess trims sessions beyond EvictionCap, oldest lastActive first.
func (sp *SessionPool) evictExcess() int {
	type candidate struct {
		key        string
		lastActive time.Time
	}

	sp.mgr.mu.RLock()
	if len(sp.mgr.sessions) <= sp.cfg.EvictionCap {
		sp.mgr.mu.RUnlock()
		return 0
	}
	candidates := make([]candidate, 0, len(sp.mgr.sessions))
	for key, s := range sp.mgr.sessions {
		s.mu.RLock()
		candidates = append(candidates, candidate{key: key, lastActive: s.UpdatedAt})
		s.mu.RUnlock()
	}
	sp.mgr.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].lastActive.Before(candidates[j].lastActive) })

	excess := len(candidates) - sp.cfg.EvictionCap
	evicted := 0
	for i := 0; i < excess; i++ {
		if err := sp.mgr.Delete(candidates[i].key); err == nil {
			evicted++
		}
	}
	return evicted
}
