package session

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/slotbook/bookd/internal/clock"
	"github.com/slotbook/bookd/internal/crypto"
	"github.com/slotbook/bookd/internal/store"
	"github.com/slotbook/bookd/internal/store/memory"
)

// spyStore counts store reads so tests can tell cache hits from misses.
type spyStore struct {
	store.SessionStore
	getSessions int
}

func (s *spyStore) GetSession(ctx context.Context, tenantID, sessionID string) (*store.Session, error) {
	s.getSessions++
	return s.SessionStore.GetSession(ctx, tenantID, sessionID)
}

func newTestService(t *testing.T, encrypted bool) (*Service, *spyStore, store.SessionStore) {
	t.Helper()
	backing := memory.New()
	spy := &spyStore{SessionStore: backing}
	var kms *crypto.Crypto
	if encrypted {
		cfg, err := crypto.GenerateConfig()
		if err != nil {
			t.Fatalf("generate crypto config: %v", err)
		}
		if kms, err = crypto.New(cfg); err != nil {
			t.Fatalf("new crypto: %v", err)
		}
	}
	svc := New(Config{Store: spy, Crypto: kms})
	return svc, spy, backing
}

func mustCreate(t *testing.T, svc *Service, tenant string) *Snapshot {
	t.Helper()
	snap, created, err := svc.GetOrCreate(context.Background(), GetOrCreateParams{
		TenantID: tenant,
		Kind:     store.KindCustomer,
	})
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	if !created {
		t.Fatalf("expected a fresh session")
	}
	return snap
}

func TestGetOrCreateSeedsCache(t *testing.T) {
	svc, spy, _ := newTestService(t, false)
	ctx := context.Background()

	snap := mustCreate(t, svc, "t1")
	if _, err := svc.Get(ctx, "t1", snap.Session.ID); err != nil {
		t.Fatalf("get: %v", err)
	}
	if spy.getSessions != 0 {
		t.Fatalf("expected cache to serve the read, store saw %d gets", spy.getSessions)
	}

	// Resuming the same id must not create a second session.
	again, created, err := svc.GetOrCreate(ctx, GetOrCreateParams{TenantID: "t1", SessionID: snap.Session.ID})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if created || again.Session.ID != snap.Session.ID {
		t.Fatalf("expected resume of %s, got created=%v id=%s", snap.Session.ID, created, again.Session.ID)
	}
}

func TestGetOrCreateFallsBackToFreshSession(t *testing.T) {
	svc, _, _ := newTestService(t, false)
	snap, created, err := svc.GetOrCreate(context.Background(), GetOrCreateParams{
		TenantID:  "t1",
		SessionID: "no-such-session",
		Kind:      store.KindAdmin,
	})
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	if !created || snap.Session.ID == "no-such-session" {
		t.Fatalf("expected a fresh session, got created=%v id=%s", created, snap.Session.ID)
	}
}

func TestAppendEncryptsAtRestAndDecryptsOnReturn(t *testing.T) {
	svc, _, backing := newTestService(t, true)
	ctx := context.Background()
	snap := mustCreate(t, svc, "t1")

	out, err := svc.Append(ctx, AppendParams{
		TenantID:        "t1",
		SessionID:       snap.Session.ID,
		ExpectedVersion: 0,
		Role:            store.RoleUser,
		Content:         "the plaintext never hits the store",
		ToolCalls:       []ToolCall{{Name: "check_availability", Arguments: `{"date":"2026-09-01"}`}},
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if out.Message.Content != "the plaintext never hits the store" {
		t.Fatalf("returned message not decrypted: %q", out.Message.Content)
	}
	if len(out.Message.ToolCalls) != 1 || out.Message.ToolCalls[0].Name != "check_availability" {
		t.Fatalf("tool calls did not round-trip: %+v", out.Message.ToolCalls)
	}

	raw, err := backing.GetHistory(ctx, "t1", snap.Session.ID, 10, 0)
	if err != nil {
		t.Fatalf("raw history: %v", err)
	}
	stored := raw.Messages[0]
	if !crypto.IsEncoded(stored.Content) || !crypto.IsEncoded(stored.ToolCalls) {
		t.Fatalf("expected envelope-encoded rows at rest, got %q / %q", stored.Content, stored.ToolCalls)
	}
	if strings.Contains(stored.Content, "plaintext") {
		t.Fatalf("plaintext leaked into the store: %q", stored.Content)
	}
}

func TestAppendInvalidatesCache(t *testing.T) {
	svc, spy, _ := newTestService(t, false)
	ctx := context.Background()
	snap := mustCreate(t, svc, "t1")

	if _, err := svc.Append(ctx, AppendParams{
		TenantID:  "t1",
		SessionID: snap.Session.ID,
		Role:      store.RoleUser,
		Content:   "hello",
	}); err != nil {
		t.Fatalf("append: %v", err)
	}

	after, err := svc.Get(ctx, "t1", snap.Session.ID)
	if err != nil {
		t.Fatalf("get after append: %v", err)
	}
	if spy.getSessions != 1 {
		t.Fatalf("expected the post-append read to miss the cache, store saw %d gets", spy.getSessions)
	}
	if after.Session.Version != 1 || len(after.Messages) != 1 {
		t.Fatalf("stale snapshot after append: version=%d messages=%d", after.Session.Version, len(after.Messages))
	}
	if after.Messages[0].Content != "hello" {
		t.Fatalf("unexpected message content %q", after.Messages[0].Content)
	}
}

func TestAppendVersionConflictAndDuplicate(t *testing.T) {
	svc, _, _ := newTestService(t, true)
	ctx := context.Background()
	snap := mustCreate(t, svc, "t1")

	params := AppendParams{
		TenantID:       "t1",
		SessionID:      snap.Session.ID,
		Role:           store.RoleUser,
		Content:        "book tuesday",
		IdempotencyKey: "req-1",
	}
	first, err := svc.Append(ctx, params)
	if err != nil {
		t.Fatalf("first append: %v", err)
	}

	// Stale version without an idempotency match is a hard conflict.
	_, err = svc.Append(ctx, AppendParams{
		TenantID:  "t1",
		SessionID: snap.Session.ID,
		Role:      store.RoleUser,
		Content:   "other",
	})
	if !store.IsVersionConflict(err) {
		t.Fatalf("expected version_conflict, got %v", err)
	}
	if f, ok := store.AsFailure(err); !ok || f.Version != first.NewVersion {
		t.Fatalf("conflict should carry current version %d: %+v", first.NewVersion, err)
	}

	// Retrying the same request is benign and returns the stored message.
	params.ExpectedVersion = first.NewVersion
	second, err := svc.Append(ctx, params)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if !second.Duplicate || second.Message.ID != first.Message.ID {
		t.Fatalf("expected duplicate of %s, got %+v", first.Message.ID, second)
	}
	if second.Message.Content != "book tuesday" {
		t.Fatalf("duplicate not decrypted: %q", second.Message.Content)
	}
}

func TestAppendRejectsOversizedInput(t *testing.T) {
	svc, _, _ := newTestService(t, false)
	ctx := context.Background()
	snap := mustCreate(t, svc, "t1")

	_, err := svc.Append(ctx, AppendParams{
		TenantID:  "t1",
		SessionID: snap.Session.ID,
		Role:      store.RoleUser,
		Content:   strings.Repeat("x", DefaultMaxContentBytes+1),
	})
	if f, ok := store.AsFailure(err); !ok || f.Code != store.CodeInvalidArgument {
		t.Fatalf("expected invalid_argument for oversized content, got %v", err)
	}

	calls := make([]ToolCall, DefaultMaxToolCalls+1)
	for i := range calls {
		calls[i] = ToolCall{Name: "noop"}
	}
	_, err = svc.Append(ctx, AppendParams{
		TenantID:  "t1",
		SessionID: snap.Session.ID,
		Role:      store.RoleAssistant,
		Content:   "ok",
		ToolCalls: calls,
	})
	if f, ok := store.AsFailure(err); !ok || f.Code != store.CodeInvalidArgument {
		t.Fatalf("expected invalid_argument for too many tool calls, got %v", err)
	}
}

func TestHistoryDecryptsPages(t *testing.T) {
	svc, _, _ := newTestService(t, true)
	ctx := context.Background()
	snap := mustCreate(t, svc, "t1")

	contents := []string{"one", "two", "three"}
	version := int64(0)
	for _, c := range contents {
		out, err := svc.Append(ctx, AppendParams{
			TenantID:        "t1",
			SessionID:       snap.Session.ID,
			ExpectedVersion: version,
			Role:            store.RoleUser,
			Content:         c,
		})
		if err != nil {
			t.Fatalf("append %q: %v", c, err)
		}
		version = out.NewVersion
	}

	page, err := svc.History(ctx, "t1", snap.Session.ID, 2, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if page.Total != 3 || !page.HasMore || len(page.Messages) != 2 {
		t.Fatalf("unexpected page: total=%d hasMore=%v len=%d", page.Total, page.HasMore, len(page.Messages))
	}
	if page.Messages[0].Content != "one" || page.Messages[1].Content != "two" {
		t.Fatalf("history not decrypted in order: %+v", page.Messages)
	}
}

func TestSoftDeleteHidesAndRestoreRevives(t *testing.T) {
	svc, _, _ := newTestService(t, false)
	ctx := context.Background()
	snap := mustCreate(t, svc, "t1")

	ok, err := svc.SoftDelete(ctx, "t1", snap.Session.ID)
	if err != nil || !ok {
		t.Fatalf("soft delete: ok=%v err=%v", ok, err)
	}
	if _, err := svc.Get(ctx, "t1", snap.Session.ID); !store.IsNotFound(err) {
		t.Fatalf("expected not_found after soft delete, got %v", err)
	}
	ok, err = svc.Restore(ctx, "t1", snap.Session.ID)
	if err != nil || !ok {
		t.Fatalf("restore: ok=%v err=%v", ok, err)
	}
	if _, err := svc.Get(ctx, "t1", snap.Session.ID); err != nil {
		t.Fatalf("get after restore: %v", err)
	}
}

func TestSnapshotsAreIsolatedCopies(t *testing.T) {
	svc, _, _ := newTestService(t, false)
	ctx := context.Background()
	snap := mustCreate(t, svc, "t1")

	if _, err := svc.Append(ctx, AppendParams{
		TenantID:  "t1",
		SessionID: snap.Session.ID,
		Role:      store.RoleUser,
		Content:   "original",
	}); err != nil {
		t.Fatalf("append: %v", err)
	}

	first, err := svc.Get(ctx, "t1", snap.Session.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	first.Messages[0].Content = "mutated"

	second, err := svc.Get(ctx, "t1", snap.Session.ID)
	if err != nil {
		t.Fatalf("get again: %v", err)
	}
	if second.Messages[0].Content != "original" {
		t.Fatalf("cached snapshot was mutated through a returned copy")
	}
}

func TestCleanupExpiredSweepsIdleSessions(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))
	backing := memory.NewWithConfig(memory.Config{Clock: clk})
	svc := New(Config{Store: backing, Clock: clk, MaxIdle: 24 * time.Hour, Retention: 24 * time.Hour})
	ctx := context.Background()

	snap, _, err := svc.GetOrCreate(ctx, GetOrCreateParams{TenantID: "t1", Kind: store.KindCustomer})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	clk.Advance(25 * time.Hour)
	result, err := svc.CleanupExpired(ctx)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if result.SoftDeleted != 1 || result.HardDeleted != 0 {
		t.Fatalf("expected one soft delete, got %+v", result)
	}

	clk.Advance(25 * time.Hour)
	result, err = svc.CleanupExpired(ctx)
	if err != nil {
		t.Fatalf("second cleanup: %v", err)
	}
	if result.HardDeleted != 1 {
		t.Fatalf("expected the session purged, got %+v", result)
	}
	if _, err := svc.Get(ctx, "t1", snap.Session.ID); !store.IsNotFound(err) {
		t.Fatalf("expected not_found after purge, got %v", err)
	}
}
