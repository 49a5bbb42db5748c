// Package session is the tenant-facing coordinator over the session store. It
// layers two cross-cutting concerns in a fixed order: cache-first reads of
// decrypted snapshots, and encrypt-on-write with unconditional cache
// invalidation after every successful append.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"pkt.systems/pslog"

	"github.com/slotbook/bookd/internal/cache"
	"github.com/slotbook/bookd/internal/clock"
	"github.com/slotbook/bookd/internal/crypto"
	"github.com/slotbook/bookd/internal/store"
)

// Limits applied to plaintext input before encryption.
const (
	DefaultMaxContentBytes = 32 * 1024
	DefaultMaxToolCalls    = 16
)

// Cache defaults.
const (
	DefaultCacheEntries = 4096
	DefaultCacheTTL     = 5 * time.Minute
)

// ToolCall is one tool invocation recorded on an assistant message.
type ToolCall struct {
	ID        string `json:"id,omitempty"`
	Name      string `json:"name"`
	Arguments string `json:"arguments,omitempty"`
}

// Message is a decrypted message as callers see it; ciphertext never crosses
// this boundary outward.
type Message struct {
	ID        string
	Role      store.Role
	Content   string
	ToolCalls []ToolCall
	CreatedAt time.Time
}

// Snapshot is a decrypted view of a session and its full message log.
type Snapshot struct {
	Session  store.Session
	Messages []Message
}

func (s *Snapshot) clone() *Snapshot {
	if s == nil {
		return nil
	}
	out := &Snapshot{Session: s.Session}
	if s.Session.DeletedAt != nil {
		stamp := *s.Session.DeletedAt
		out.Session.DeletedAt = &stamp
	}
	out.Messages = make([]Message, len(s.Messages))
	for i, m := range s.Messages {
		out.Messages[i] = m
		out.Messages[i].ToolCalls = append([]ToolCall(nil), m.ToolCalls...)
	}
	return out
}

// Config assembles a Service.
type Config struct {
	Store           store.SessionStore
	Crypto          *crypto.Crypto
	Clock           clock.Clock
	Logger          pslog.Logger
	Registerer      prometheus.Registerer
	CacheEntries    int
	CacheTTL        time.Duration
	MaxContentBytes int
	MaxToolCalls    int
	MaxIdle         time.Duration
	Retention       time.Duration
}

// Service orchestrates cache, crypto, and store for session operations.
type Service struct {
	store           store.SessionStore
	crypto          *crypto.Crypto
	cache           *cache.Cache[*Snapshot]
	clock           clock.Clock
	logger          pslog.Logger
	metrics         *metrics
	maxContentBytes int
	maxToolCalls    int
	maxIdle         time.Duration
	retention       time.Duration
}

// New constructs the coordinator with sane defaults.
func New(cfg Config) *Service {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NewWithOptions(io.Discard, pslog.Options{
			Mode:     pslog.ModeStructured,
			MinLevel: pslog.Disabled,
		})
	}
	entries := cfg.CacheEntries
	if entries == 0 {
		entries = DefaultCacheEntries
	}
	ttl := cfg.CacheTTL
	if ttl == 0 {
		ttl = DefaultCacheTTL
	}
	maxContent := cfg.MaxContentBytes
	if maxContent <= 0 {
		maxContent = DefaultMaxContentBytes
	}
	maxTools := cfg.MaxToolCalls
	if maxTools <= 0 {
		maxTools = DefaultMaxToolCalls
	}
	maxIdle := cfg.MaxIdle
	if maxIdle <= 0 {
		maxIdle = store.DefaultMaxIdle
	}
	retention := cfg.Retention
	if retention <= 0 {
		retention = store.DefaultRetention
	}
	return &Service{
		store:           cfg.Store,
		crypto:          cfg.Crypto,
		cache:           cache.New[*Snapshot](entries, ttl, clk),
		clock:           clk,
		logger:          logger,
		metrics:         newMetrics(cfg.Registerer),
		maxContentBytes: maxContent,
		maxToolCalls:    maxTools,
		maxIdle:         maxIdle,
		retention:       retention,
	}
}

// Get returns the decrypted session snapshot, serving from cache when fresh.
func (s *Service) Get(ctx context.Context, tenantID, sessionID string) (*Snapshot, error) {
	if snap, ok := s.cache.Get(tenantID, sessionID); ok {
		s.metrics.cacheHit()
		s.logger.Debug("session.get.cache_hit", "tenant", tenantID, "session", sessionID)
		return snap.clone(), nil
	}
	s.metrics.cacheMiss()
	snap, err := s.loadSnapshot(ctx, tenantID, sessionID)
	if err != nil {
		return nil, err
	}
	s.cache.Set(tenantID, sessionID, snap)
	return snap.clone(), nil
}

// GetOrCreateParams drives GetOrCreate.
type GetOrCreateParams struct {
	TenantID   string
	SessionID  string // optional; empty always creates
	Kind       store.SessionKind
	CustomerID string
	UserAgent  string
}

// GetOrCreate resumes the named session when it is visible to the tenant,
// otherwise creates a fresh one and seeds the cache with it.
func (s *Service) GetOrCreate(ctx context.Context, params GetOrCreateParams) (*Snapshot, bool, error) {
	if params.SessionID != "" {
		snap, err := s.Get(ctx, params.TenantID, params.SessionID)
		if err == nil {
			return snap, false, nil
		}
		if !store.IsNotFound(err) {
			return nil, false, err
		}
		s.logger.Debug("session.get_or_create.resume_failed",
			"tenant", params.TenantID,
			"session", params.SessionID,
		)
	}
	sess, err := s.store.CreateSession(ctx, store.CreateSessionParams{
		TenantID:   params.TenantID,
		Kind:       params.Kind,
		CustomerID: params.CustomerID,
		UserAgent:  params.UserAgent,
	})
	if err != nil {
		return nil, false, err
	}
	snap := &Snapshot{Session: *sess}
	s.cache.Set(params.TenantID, sess.ID, snap)
	s.logger.Info("session.created",
		"tenant", params.TenantID,
		"session", sess.ID,
		"kind", string(params.Kind),
	)
	return snap.clone(), true, nil
}

// AppendParams drives Append.
type AppendParams struct {
	TenantID        string
	SessionID       string
	ExpectedVersion int64
	Role            store.Role
	Content         string
	ToolCalls       []ToolCall
	IdempotencyKey  string
}

// AppendOutcome reports a committed (or deduplicated) append, decrypted.
type AppendOutcome struct {
	Message    Message
	NewVersion int64
	Duplicate  bool
}

// Append encrypts the payload, appends through the store under the session's
// advisory lock, then invalidates the cache entry unconditionally: a
// concurrent writer may have advanced the session past what this caller
// believes it wrote, so patching the cache in place would be wrong.
func (s *Service) Append(ctx context.Context, params AppendParams) (*AppendOutcome, error) {
	if len(params.Content) > s.maxContentBytes {
		return nil, store.InvalidArgument("message content too long")
	}
	if len(params.ToolCalls) > s.maxToolCalls {
		return nil, store.InvalidArgument("too many tool calls")
	}
	start := s.clock.Now()
	s.logger.Debug("session.append.begin",
		"tenant", params.TenantID,
		"session", params.SessionID,
		"expected_version", params.ExpectedVersion,
		"idempotent", params.IdempotencyKey != "",
	)

	content, err := s.crypto.EncodeField(params.Content)
	if err != nil {
		return nil, err
	}
	var toolBlob string
	if len(params.ToolCalls) > 0 {
		raw, err := json.Marshal(params.ToolCalls)
		if err != nil {
			return nil, fmt.Errorf("marshal tool calls: %w", err)
		}
		if toolBlob, err = s.crypto.EncodeField(string(raw)); err != nil {
			return nil, err
		}
	}

	res, err := s.store.AppendMessage(ctx, params.TenantID, params.SessionID, store.NewMessage{
		Role:           params.Role,
		Content:        content,
		ToolCalls:      toolBlob,
		IdempotencyKey: params.IdempotencyKey,
	}, params.ExpectedVersion)
	if err != nil {
		if f, ok := store.AsFailure(err); ok && f.Code == store.CodeVersionConflict {
			s.metrics.versionConflict()
			s.logger.Debug("session.append.conflict",
				"tenant", params.TenantID,
				"session", params.SessionID,
				"current_version", f.Version,
			)
		}
		return nil, err
	}

	s.cache.Invalidate(params.TenantID, params.SessionID)
	if res.Duplicate {
		s.metrics.duplicate()
		s.logger.Debug("session.append.duplicate",
			"tenant", params.TenantID,
			"session", params.SessionID,
			"idempotency_key", params.IdempotencyKey,
		)
	}
	s.metrics.observeAppend(s.clock.Now().Sub(start))

	msg, err := s.decryptMessage(res.Message)
	if err != nil {
		return nil, err
	}
	return &AppendOutcome{Message: msg, NewVersion: res.NewVersion, Duplicate: res.Duplicate}, nil
}

// HistoryPage is one decrypted page of a session's log.
type HistoryPage struct {
	Messages []Message
	Total    int
	HasMore  bool
}

// History pages through the session's messages, decrypting each.
func (s *Service) History(ctx context.Context, tenantID, sessionID string, limit, offset int) (*HistoryPage, error) {
	page, err := s.store.GetHistory(ctx, tenantID, sessionID, limit, offset)
	if err != nil {
		return nil, err
	}
	out := &HistoryPage{Total: page.Total, HasMore: page.HasMore}
	out.Messages = make([]Message, 0, len(page.Messages))
	for _, row := range page.Messages {
		msg, err := s.decryptMessage(row)
		if err != nil {
			return nil, err
		}
		out.Messages = append(out.Messages, msg)
	}
	return out, nil
}

// SoftDelete hides the session; its cache entry goes with it.
func (s *Service) SoftDelete(ctx context.Context, tenantID, sessionID string) (bool, error) {
	ok, err := s.store.SoftDeleteSession(ctx, tenantID, sessionID)
	if err != nil {
		return false, err
	}
	if ok {
		s.cache.Invalidate(tenantID, sessionID)
		s.logger.Info("session.soft_deleted", "tenant", tenantID, "session", sessionID)
	}
	return ok, nil
}

// Restore brings a soft-deleted session back.
func (s *Service) Restore(ctx context.Context, tenantID, sessionID string) (bool, error) {
	ok, err := s.store.RestoreSession(ctx, tenantID, sessionID)
	if err != nil {
		return false, err
	}
	if ok {
		s.cache.Invalidate(tenantID, sessionID)
		s.logger.Info("session.restored", "tenant", tenantID, "session", sessionID)
	}
	return ok, nil
}

// Touch refreshes the session's last-activity timestamp.
func (s *Service) Touch(ctx context.Context, tenantID, sessionID string) error {
	if err := s.store.TouchSession(ctx, tenantID, sessionID); err != nil {
		return err
	}
	s.cache.Invalidate(tenantID, sessionID)
	return nil
}

// CleanupExpired runs the configured two-phase retention sweep.
func (s *Service) CleanupExpired(ctx context.Context) (store.CleanupResult, error) {
	result, err := s.store.CleanupExpired(ctx, s.maxIdle, s.retention)
	if err != nil {
		return result, err
	}
	s.logger.Info("session.cleanup.done",
		"soft_deleted", result.SoftDeleted,
		"hard_deleted", result.HardDeleted,
	)
	return result, nil
}

// loadSnapshot reads through the store and decrypts the full message log.
func (s *Service) loadSnapshot(ctx context.Context, tenantID, sessionID string) (*Snapshot, error) {
	sess, err := s.store.GetSession(ctx, tenantID, sessionID)
	if err != nil {
		return nil, err
	}
	page, err := s.store.GetHistory(ctx, tenantID, sessionID, store.MaxMessagesPerSession, 0)
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{Session: *sess}
	snap.Messages = make([]Message, 0, len(page.Messages))
	for _, row := range page.Messages {
		msg, err := s.decryptMessage(row)
		if err != nil {
			return nil, err
		}
		snap.Messages = append(snap.Messages, msg)
	}
	return snap, nil
}

// decryptMessage maps a stored row to the caller-facing decrypted form.
func (s *Service) decryptMessage(row store.Message) (Message, error) {
	content, err := s.crypto.DecodeField(row.Content)
	if err != nil {
		return Message{}, fmt.Errorf("decrypt message %s: %w", row.ID, err)
	}
	msg := Message{
		ID:        row.ID,
		Role:      row.Role,
		Content:   content,
		CreatedAt: row.CreatedAt,
	}
	if row.ToolCalls != "" {
		raw, err := s.crypto.DecodeField(row.ToolCalls)
		if err != nil {
			return Message{}, fmt.Errorf("decrypt tool calls of %s: %w", row.ID, err)
		}
		if err := json.Unmarshal([]byte(raw), &msg.ToolCalls); err != nil {
			return Message{}, fmt.Errorf("decode tool calls of %s: %w", row.ID, err)
		}
	}
	return msg, nil
}
