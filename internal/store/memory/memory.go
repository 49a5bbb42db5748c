// Package memory implements store.Store in process memory; intended for tests
// and local development. It reproduces the same lock-then-verify-then-write
// discipline as the postgres backend, using a channel-based lock table in
// place of pg_advisory_xact_lock.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/xid"

	"github.com/slotbook/bookd/internal/clock"
	"github.com/slotbook/bookd/internal/lockkey"
	"github.com/slotbook/bookd/internal/store"
)

// Config configures the in-memory store behaviour.
type Config struct {
	Clock      clock.Clock
	LockWait   time.Duration
	MessageCap int
}

// Store holds all rows behind a single mutex; the lock table provides the
// per-resource serialization the mutex alone cannot (the advisory lock spans
// the whole read-verify-write sequence, the mutex only individual steps).
type Store struct {
	mu        sync.RWMutex
	sessions  map[string]*store.Session
	messages  map[string][]store.Message
	bookings  map[string]*store.Booking
	packages  map[string]*store.Package
	customers map[string]*store.Customer
	blackouts map[blackoutKey]struct{}

	locks      *lockTable
	clock      clock.Clock
	messageCap int
}

type blackoutKey struct {
	tenantID string
	date     string
}

// New returns a ready to use in-memory store.
func New() *Store {
	return NewWithConfig(Config{})
}

// NewWithConfig returns an in-memory store wired according to cfg.
func NewWithConfig(cfg Config) *Store {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	msgCap := cfg.MessageCap
	if msgCap <= 0 {
		msgCap = store.MaxMessagesPerSession
	}
	return &Store{
		sessions:   make(map[string]*store.Session),
		messages:   make(map[string][]store.Message),
		bookings:   make(map[string]*store.Booking),
		packages:   make(map[string]*store.Package),
		customers:  make(map[string]*store.Customer),
		blackouts:  make(map[blackoutKey]struct{}),
		locks:      newLockTable(cfg.LockWait),
		clock:      clk,
		messageCap: msgCap,
	}
}

// Close satisfies store.Store; nothing to release in memory.
func (s *Store) Close() error { return nil }

// visibleSession returns the tenant's live session or nil. Caller holds s.mu.
func (s *Store) visibleSession(tenantID, sessionID string) *store.Session {
	sess, ok := s.sessions[sessionID]
	if !ok || sess.TenantID != tenantID || sess.DeletedAt != nil {
		return nil
	}
	return sess
}

// CreateSession persists a fresh session at version 0.
func (s *Store) CreateSession(ctx context.Context, params store.CreateSessionParams) (*store.Session, error) {
	if err := store.ValidateCreateSession(params); err != nil {
		return nil, err
	}
	now := s.clock.Now()
	sess := &store.Session{
		ID:             uuid.NewString(),
		TenantID:       params.TenantID,
		CustomerID:     params.CustomerID,
		Kind:           params.Kind,
		Version:        0,
		UserAgent:      store.TruncateUserAgent(params.UserAgent),
		CreatedAt:      now,
		UpdatedAt:      now,
		LastActivityAt: now,
	}
	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()
	out := *sess
	return &out, nil
}

// GetSession returns the tenant's session, excluding soft-deleted rows.
func (s *Store) GetSession(ctx context.Context, tenantID, sessionID string) (*store.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess := s.visibleSession(tenantID, sessionID)
	if sess == nil {
		return nil, store.NotFound("session")
	}
	out := *sess
	return &out, nil
}

// AppendMessage appends under the session's advisory lock. The lock covers the
// whole read-verify-write window so two writers can never both observe the
// same version and both commit.
func (s *Store) AppendMessage(ctx context.Context, tenantID, sessionID string, msg store.NewMessage, expectedVersion int64) (*store.AppendResult, error) {
	if err := store.ValidateNewMessage(msg); err != nil {
		return nil, err
	}
	release, err := s.locks.acquire(ctx, store.LockClassSessions, lockkey.SessionAppend(sessionID))
	if err != nil {
		return nil, err
	}
	defer release()

	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.visibleSession(tenantID, sessionID)
	if sess == nil {
		return nil, store.NotFound("session")
	}
	if sess.Version != expectedVersion {
		return nil, store.VersionConflict(sess.Version)
	}
	log := s.messages[sessionID]
	if msg.IdempotencyKey != "" {
		for i := range log {
			if log[i].IdempotencyKey == msg.IdempotencyKey {
				dup := log[i]
				return &store.AppendResult{Message: dup, NewVersion: sess.Version, Duplicate: true}, nil
			}
		}
	}
	if len(log) >= s.messageCap {
		return nil, store.Failure{Code: store.CodeMessageLimit, Detail: "session message limit reached"}
	}

	now := s.clock.Now()
	row := store.Message{
		ID:             xid.New().String(),
		SessionID:      sessionID,
		TenantID:       tenantID,
		Role:           msg.Role,
		Content:        msg.Content,
		ToolCalls:      msg.ToolCalls,
		IdempotencyKey: msg.IdempotencyKey,
		CreatedAt:      now,
	}
	s.messages[sessionID] = append(log, row)
	sess.Version++
	sess.UpdatedAt = now
	sess.LastActivityAt = now

	return &store.AppendResult{Message: row, NewVersion: sess.Version}, nil
}

// GetHistory pages through the session's messages in append order. Rows are
// matched on the denormalized tenant column, not via the session.
func (s *Store) GetHistory(ctx context.Context, tenantID, sessionID string, limit, offset int) (*store.HistoryPage, error) {
	if limit <= 0 {
		limit = s.messageCap
	}
	if offset < 0 {
		offset = 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.visibleSession(tenantID, sessionID) == nil {
		return nil, store.NotFound("session")
	}
	var rows []store.Message
	for _, m := range s.messages[sessionID] {
		if m.TenantID == tenantID {
			rows = append(rows, m)
		}
	}
	total := len(rows)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	page := make([]store.Message, end-offset)
	copy(page, rows[offset:end])
	return &store.HistoryPage{Messages: page, Total: total, HasMore: end < total}, nil
}

// SoftDeleteSession stamps the session deleted.
func (s *Store) SoftDeleteSession(ctx context.Context, tenantID, sessionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.visibleSession(tenantID, sessionID)
	if sess == nil {
		return false, nil
	}
	now := s.clock.Now()
	sess.DeletedAt = &now
	sess.UpdatedAt = now
	return true, nil
}

// RestoreSession clears a soft-delete stamp.
func (s *Store) RestoreSession(ctx context.Context, tenantID, sessionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok || sess.TenantID != tenantID || sess.DeletedAt == nil {
		return false, nil
	}
	sess.DeletedAt = nil
	sess.UpdatedAt = s.clock.Now()
	return true, nil
}

// TouchSession refreshes the session's last-activity timestamp.
func (s *Store) TouchSession(ctx context.Context, tenantID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.visibleSession(tenantID, sessionID)
	if sess == nil {
		return store.NotFound("session")
	}
	sess.LastActivityAt = s.clock.Now()
	return nil
}

// CleanupExpired soft-deletes idle sessions, then hard-deletes sessions past
// their post-soft-delete retention. Only rows already past their thresholds
// are touched, so the sweep is safe alongside live traffic.
func (s *Store) CleanupExpired(ctx context.Context, maxIdle, retention time.Duration) (store.CleanupResult, error) {
	if maxIdle <= 0 {
		maxIdle = store.DefaultMaxIdle
	}
	if retention <= 0 {
		retention = store.DefaultRetention
	}
	now := s.clock.Now()
	idleCutoff := now.Add(-maxIdle)
	purgeCutoff := now.Add(-retention)

	s.mu.Lock()
	defer s.mu.Unlock()

	var result store.CleanupResult
	var purge []string
	for id, sess := range s.sessions {
		switch {
		case sess.DeletedAt == nil && sess.LastActivityAt.Before(idleCutoff):
			stamp := now
			sess.DeletedAt = &stamp
			sess.UpdatedAt = now
			result.SoftDeleted++
		case sess.DeletedAt != nil && sess.DeletedAt.Before(purgeCutoff):
			purge = append(purge, id)
		}
	}
	sort.Strings(purge)
	for _, id := range purge {
		delete(s.sessions, id)
		delete(s.messages, id)
		result.HardDeleted++
	}
	return result, nil
}
